// Package audit records an append-only trail of model mutations and
// security-relevant events.
package audit

import "time"

// EventType classifies an audit entry.
type EventType string

const (
	EventModelCreated   EventType = "model_created"
	EventModelUpdated   EventType = "model_updated"
	EventModelDeleted   EventType = "model_deleted"
	EventAuthentication EventType = "authentication"
	EventAuthorization  EventType = "authorization"
	EventSecurity       EventType = "security_event"
	EventBusinessAction EventType = "business_action"
	EventSystem         EventType = "system_event"
)

// Entry mirrors the audit_logs table.
type Entry struct {
	ID             int64
	EventType      EventType
	AuditableType  string
	AuditableID    string
	Action         string
	UserID         *string
	OldValues      map[string]any
	NewValues      map[string]any
	URL            string
	IPAddress      string
	UserAgent      string
	AdditionalData map[string]any
	CreatedAt      time.Time
}

// Filters narrows Query results. Zero values are ignored.
type Filters struct {
	EventType     EventType
	Action        string
	UserID        string
	AuditableType string
	AuditableID   string
	From          *time.Time
	To            *time.Time
	Search        string
	Page          int
	PageSize      int
}

// Subject is implemented by every model the observer can snapshot.
type Subject interface {
	AuditType() string
	AuditID() string
	AuditFields() map[string]any
}
