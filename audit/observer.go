package audit

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strings"

	"shopexpress/db"
)

// DefaultObservedTypes lists the model types snapshotted out of the box.
var DefaultObservedTypes = []string{
	"user",
	"manifest",
	"package",
	"consolidated_package",
	"rate",
	"backup",
	"broadcast_message",
	"office",
	"shipper",
}

// DefaultExcludedFields never reach the audit table.
var DefaultExcludedFields = []string{
	"password",
	"password_hash",
	"remember_token",
	"api_token",
	"secret",
	"token",
}

// Writer persists entries, normally *PGRepository.
type Writer interface {
	Insert(ctx context.Context, q db.Querier, e Entry) (Entry, error)
}

// Recorder is the part of Observer that domain services depend on.
type Recorder interface {
	Created(ctx context.Context, q db.Querier, s Subject) error
	Updated(ctx context.Context, q db.Querier, before, after Subject) error
	Deleted(ctx context.Context, q db.Querier, s Subject) error
	Record(ctx context.Context, q db.Querier, e Entry) error
}

// Observer snapshots model changes into audit entries.
type Observer struct {
	writer   Writer
	observed map[string]bool
	excluded map[string]bool
}

type Option func(*Observer)

// WithObservedTypes replaces the observed model types.
func WithObservedTypes(types ...string) Option {
	return func(o *Observer) {
		o.observed = toSet(types)
	}
}

// WithExcludedFields adds fields that are never stored.
func WithExcludedFields(fields ...string) Option {
	return func(o *Observer) {
		for _, f := range fields {
			o.excluded[strings.ToLower(f)] = true
		}
	}
}

func NewObserver(writer Writer, opts ...Option) *Observer {
	o := &Observer{
		writer:   writer,
		observed: toSet(DefaultObservedTypes),
		excluded: toSet(DefaultExcludedFields),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Observes reports whether the model type is configured for snapshots.
func (o *Observer) Observes(modelType string) bool {
	return o.observed[modelType]
}

// Created stores the full (filtered) snapshot of a new model.
func (o *Observer) Created(ctx context.Context, q db.Querier, s Subject) error {
	if !o.Observes(s.AuditType()) {
		return nil
	}
	return o.Record(ctx, q, Entry{
		EventType:     EventModelCreated,
		AuditableType: s.AuditType(),
		AuditableID:   s.AuditID(),
		Action:        "create",
		NewValues:     o.filter(s.AuditFields()),
	})
}

// Updated stores the before/after values of changed fields only. No entry is
// written when nothing observable changed.
func (o *Observer) Updated(ctx context.Context, q db.Querier, before, after Subject) error {
	if !o.Observes(after.AuditType()) {
		return nil
	}
	oldValues, newValues := Diff(o.filter(before.AuditFields()), o.filter(after.AuditFields()))
	if len(newValues) == 0 {
		return nil
	}
	return o.Record(ctx, q, Entry{
		EventType:     EventModelUpdated,
		AuditableType: after.AuditType(),
		AuditableID:   after.AuditID(),
		Action:        "update",
		OldValues:     oldValues,
		NewValues:     newValues,
	})
}

// Deleted stores the last snapshot of a removed model.
func (o *Observer) Deleted(ctx context.Context, q db.Querier, s Subject) error {
	if !o.Observes(s.AuditType()) {
		return nil
	}
	return o.Record(ctx, q, Entry{
		EventType:     EventModelDeleted,
		AuditableType: s.AuditType(),
		AuditableID:   s.AuditID(),
		Action:        "delete",
		OldValues:     o.filter(s.AuditFields()),
	})
}

// Record writes an explicit entry, filling actor details from ctx.
func (o *Observer) Record(ctx context.Context, q db.Querier, e Entry) error {
	if actor, ok := ActorFrom(ctx); ok {
		if e.UserID == nil && actor.UserID != "" {
			id := actor.UserID
			e.UserID = &id
		}
		if e.IPAddress == "" {
			e.IPAddress = actor.IPAddress
		}
		if e.UserAgent == "" {
			e.UserAgent = actor.UserAgent
		}
		if e.URL == "" {
			e.URL = actor.URL
		}
	}
	e.OldValues = o.filter(e.OldValues)
	e.NewValues = o.filter(e.NewValues)
	e.AdditionalData = o.filter(e.AdditionalData)

	if _, err := o.writer.Insert(ctx, q, e); err != nil {
		return fmt.Errorf("audit: record %s/%s: %w", e.EventType, e.Action, err)
	}
	return nil
}

func (o *Observer) filter(values map[string]any) map[string]any {
	if values == nil {
		return nil
	}
	out := make(map[string]any, len(values))
	for k, v := range values {
		if o.excluded[strings.ToLower(k)] {
			continue
		}
		out[k] = v
	}
	return out
}

// Diff returns the before and after values of every key whose value differs.
func Diff(before, after map[string]any) (map[string]any, map[string]any) {
	oldValues := map[string]any{}
	newValues := map[string]any{}
	for k, next := range after {
		prev, ok := before[k]
		if ok && reflect.DeepEqual(prev, next) {
			continue
		}
		oldValues[k] = prev
		newValues[k] = next
	}
	for k, prev := range before {
		if _, ok := after[k]; !ok {
			oldValues[k] = prev
			newValues[k] = nil
		}
	}
	return oldValues, newValues
}

// ChangeSummary renders "field: old -> new" pairs in key order.
func ChangeSummary(e Entry) string {
	keys := make([]string, 0, len(e.NewValues)+len(e.OldValues))
	seen := map[string]bool{}
	for k := range e.NewValues {
		keys = append(keys, k)
		seen[k] = true
	}
	for k := range e.OldValues {
		if !seen[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		oldV, hasOld := e.OldValues[k]
		newV := e.NewValues[k]
		if !hasOld {
			parts = append(parts, fmt.Sprintf("%s: %v", k, newV))
			continue
		}
		parts = append(parts, fmt.Sprintf("%s: %v -> %v", k, oldV, newV))
	}
	return strings.Join(parts, "; ")
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[strings.ToLower(v)] = true
	}
	return set
}
