// Package outbox queues asynchronous deliveries in the same transaction as
// the business write and drains them with at-least-once semantics.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"shopexpress/db"
)

const (
	StatusPending   = "pending"
	StatusProcessed = "processed"
	StatusDead      = "dead"
)

// Topics produced by the domain services.
const (
	TopicPackageStatus      = "mail.package_status"
	TopicConsolidatedStatus = "mail.consolidated_status"
	TopicBroadcast          = "mail.broadcast"
	TopicPackageEvent       = "event.package_status_changed"
	TopicManifestEvent      = "event.manifest_closed"
)

// Message is one outbox row.
type Message struct {
	ID        string
	Topic     string
	Payload   json.RawMessage
	Status    string
	Attempts  int
	LastError string
	CreatedAt time.Time
}

// Decode unmarshals the payload into dst.
func (m Message) Decode(dst any) error {
	if err := json.Unmarshal(m.Payload, dst); err != nil {
		return fmt.Errorf("outbox: decode %s payload: %w", m.Topic, err)
	}
	return nil
}

// Writer inserts outbox rows with the caller's querier, normally a tx.
type Writer struct{}

func NewWriter() *Writer {
	return &Writer{}
}

func (w *Writer) Enqueue(ctx context.Context, q db.Querier, topic string, payload map[string]any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("outbox: marshal %s: %w", topic, err)
	}
	if _, err := q.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`, topic, string(raw)); err != nil {
		return fmt.Errorf("outbox: enqueue %s: %w", topic, err)
	}
	return nil
}
