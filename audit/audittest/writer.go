// Package audittest provides an in-memory audit writer for service tests.
package audittest

import (
	"context"
	"sync"

	"shopexpress/audit"
	"shopexpress/db"
)

// Writer keeps inserted entries in order.
type Writer struct {
	mu      sync.Mutex
	Entries []audit.Entry
	Err     error
}

func (w *Writer) Insert(ctx context.Context, q db.Querier, e audit.Entry) (audit.Entry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.Err != nil {
		return audit.Entry{}, w.Err
	}
	e.ID = int64(len(w.Entries) + 1)
	w.Entries = append(w.Entries, e)
	return e, nil
}

// Observer returns an observer backed by w with default settings.
func (w *Writer) Observer() *audit.Observer {
	return audit.NewObserver(w)
}

// ByAction returns the entries with the given action.
func (w *Writer) ByAction(action string) []audit.Entry {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []audit.Entry
	for _, e := range w.Entries {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}
