package parcel

// Status is the lifecycle state shared by packages and consolidated packages.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusShipped    Status = "shipped"
	StatusCustoms    Status = "customs"
	StatusReady      Status = "ready"
	StatusDelivered  Status = "delivered"
	StatusDelayed    Status = "delayed"
)

// Source tells which workflow requested a status change.
type Source string

const (
	SourceManual        Source = "manual"
	SourceConsolidation Source = "consolidation"
	SourceDistribution  Source = "distribution"
)

var transitions = map[Status][]Status{
	StatusPending:    {StatusProcessing, StatusDelayed},
	StatusProcessing: {StatusShipped, StatusDelayed},
	StatusShipped:    {StatusCustoms, StatusDelayed},
	StatusCustoms:    {StatusReady, StatusDelayed},
	StatusReady:      {StatusDelivered, StatusDelayed},
	StatusDelayed:    {StatusProcessing, StatusShipped, StatusCustoms, StatusReady},
	StatusDelivered:  {},
}

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

var labels = map[Status]string{
	StatusPending:    "Pending",
	StatusProcessing: "Processing",
	StatusShipped:    "Shipped",
	StatusCustoms:    "At Customs",
	StatusReady:      "Ready for Pickup",
	StatusDelivered:  "Delivered",
	StatusDelayed:    "Delayed",
}

// Label is the customer-facing name of the status.
func (s Status) Label() string {
	if l, ok := labels[s]; ok {
		return l
	}
	return string(s)
}

// CanTransition reports whether from may move to to. Staying put is allowed.
func CanTransition(from, to Status) bool {
	if from == to {
		return from.Valid()
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// NextStatuses lists the statuses reachable from s in one step.
func NextStatuses(s Status) []Status {
	out := make([]Status, len(transitions[s]))
	copy(out, transitions[s])
	return out
}
