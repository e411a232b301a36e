// Package broadcast sends announcement emails to all or selected customers.
package broadcast

import (
	"strings"
	"time"
)

type RecipientType string

const (
	RecipientsAll      RecipientType = "all"
	RecipientsSelected RecipientType = "selected"
)

type Status string

const (
	StatusDraft     Status = "draft"
	StatusScheduled Status = "scheduled"
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusFailed    Status = "failed"
)

type Message struct {
	ID            string
	Subject       string
	Content       string
	SenderID      *string
	RecipientType RecipientType
	RecipientIDs  []string
	Status        Status
	ScheduledAt   *time.Time
	SentAt        *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (m Message) AuditType() string { return "broadcast_message" }
func (m Message) AuditID() string   { return m.ID }

func (m Message) AuditFields() map[string]any {
	fields := map[string]any{
		"subject":        m.Subject,
		"recipient_type": string(m.RecipientType),
		"recipient_ids":  strings.Join(m.RecipientIDs, ","),
		"status":         string(m.Status),
	}
	if m.ScheduledAt != nil {
		fields["scheduled_at"] = m.ScheduledAt.UTC().Format(time.RFC3339)
	}
	if m.SentAt != nil {
		fields["sent_at"] = m.SentAt.UTC().Format(time.RFC3339)
	}
	return fields
}

type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySent    DeliveryStatus = "sent"
	DeliveryFailed  DeliveryStatus = "failed"
)

type Delivery struct {
	ID          string
	BroadcastID string
	CustomerID  string
	Email       string
	Status      DeliveryStatus
	Error       string
	SentAt      *time.Time
}

// Stats counts deliveries by status.
type Stats struct {
	Pending int
	Sent    int
	Failed  int
}

func (s Stats) Total() int { return s.Pending + s.Sent + s.Failed }

type Detail struct {
	Message
	Stats Stats
}

type Filters struct {
	Status   Status
	Search   string
	Page     int
	PageSize int
}
