package directory

import "time"

// Kind selects the reference table an Entry lives in.
type Kind string

const (
	KindOffice  Kind = "office"
	KindShipper Kind = "shipper"
)

func (k Kind) table() string {
	if k == KindShipper {
		return "shippers"
	}
	return "offices"
}

// Entry is one office or shipper.
type Entry struct {
	ID        string
	Kind      Kind
	Name      string
	CreatedAt time.Time
}

func (e Entry) AuditType() string { return string(e.Kind) }
func (e Entry) AuditID() string   { return e.ID }

func (e Entry) AuditFields() map[string]any {
	return map[string]any{"name": e.Name}
}
