// Package actors drives the real services concurrently against one database.
// Every actor loops until stop closes, counting outcomes in Stats. Business
// rule rejections and connection loss are expected under contention; any
// other database error ends the run.
package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"shopexpress/consolidation"
	"shopexpress/db"
	"shopexpress/manifest"
	"shopexpress/outbox"
	"shopexpress/parcel"
)

// Stats counts actor outcomes across goroutines.
type Stats struct {
	Applied   atomic.Int64
	Rejected  atomic.Int64
	Transient atomic.Int64
}

func (s *Stats) String() string {
	return fmt.Sprintf("applied=%d rejected=%d transient=%d", s.Applied.Load(), s.Rejected.Load(), s.Transient.Load())
}

var rejections = []error{
	manifest.ErrManifestClosed,
	manifest.ErrAlreadyClosed,
	manifest.ErrNotClosed,
	parcel.ErrNotFound,
	parcel.ErrInvalidTransition,
	parcel.ErrConsolidatedMember,
	parcel.ErrDuplicateTracking,
	consolidation.ErrInactive,
	consolidation.ErrAlreadyConsolidated,
	consolidation.ErrMixedStatus,
	consolidation.ErrDelivered,
	consolidation.ErrDuplicateTracking,
}

// record sorts err into stats and returns it only when it is a real failure.
func (s *Stats) record(err error) error {
	if err == nil {
		s.Applied.Add(1)
		return nil
	}
	for _, r := range rejections {
		if errors.Is(err, r) {
			s.Rejected.Add(1)
			return nil
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		// deadlocks are lock ordering bugs
		if pgErr.Code == "40P01" {
			return err
		}
		switch pgErr.Code[:2] {
		case "40", "57", "08":
			// serialization failure, admin shutdown, connection exception
			s.Transient.Add(1)
			return nil
		}
		return err
	}
	// the connection died underneath the driver
	s.Transient.Add(1)
	return nil
}

func stopped(ctx context.Context, stop <-chan struct{}) bool {
	select {
	case <-ctx.Done():
		return true
	case <-stop:
		return true
	default:
		return false
	}
}

func pause(rng *rand.Rand, base, jitter int) {
	time.Sleep(time.Duration(base+rng.Intn(jitter)) * time.Millisecond)
}

// PackageCreator keeps adding packages for customerID to manifestID. Creation
// fails with manifest.ErrManifestClosed while the manifest is locked.
func PackageCreator(ctx context.Context, svc *parcel.Service, manifestID, customerID string, rng *rand.Rand, stats *Stats, stop <-chan struct{}) error {
	for n := 0; !stopped(ctx, stop); n++ {
		_, err := svc.Create(ctx, parcel.CreateParams{
			ManifestID:     manifestID,
			UserID:         customerID,
			TrackingNumber: fmt.Sprintf("STRESS-%d-%d", rng.Int63(), n),
			Description:    "stress parcel",
			Weight:         decimal.NewFromInt(int64(1 + rng.Intn(5))),
			Length:         decimal.NewFromInt(12),
			Width:          decimal.NewFromInt(12),
			Height:         decimal.NewFromInt(12),
		})
		if err := stats.record(err); err != nil {
			return fmt.Errorf("create package: %w", err)
		}
		pause(rng, 10, 20)
	}
	return nil
}

// Consolidator groups pairs of loose packages of customerID and now and then
// releases a group again.
func Consolidator(ctx context.Context, groups *consolidation.Service, packages *parcel.Service, customerID string, rng *rand.Rand, stats *Stats, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		if rng.Intn(4) == 0 {
			active := true
			list, err := groups.ListForCustomer(ctx, customerID, consolidation.Filters{Active: &active, PageSize: 50})
			if err := stats.record(err); err != nil {
				return fmt.Errorf("list groups: %w", err)
			}
			if len(list.Items) > 0 {
				g := list.Items[rng.Intn(len(list.Items))]
				_, err := groups.Unconsolidate(ctx, g.ID)
				if err := stats.record(err); err != nil {
					return fmt.Errorf("unconsolidate: %w", err)
				}
			}
			pause(rng, 30, 40)
			continue
		}

		list, err := packages.ListForCustomer(ctx, customerID, parcel.Filters{Status: parcel.StatusPending, PageSize: 100})
		if err := stats.record(err); err != nil {
			return fmt.Errorf("list packages: %w", err)
		}
		loose := make([]string, 0, 2)
		for _, p := range list.Items {
			if !p.Consolidated() {
				loose = append(loose, p.ID)
			}
			if len(loose) == 2 {
				break
			}
		}
		if len(loose) == 2 {
			_, err := groups.Consolidate(ctx, consolidation.ConsolidateParams{
				PackageIDs: loose,
				CustomerID: customerID,
				Notes:      "stress group",
			})
			if err := stats.record(err); err != nil {
				return fmt.Errorf("consolidate: %w", err)
			}
		}
		pause(rng, 20, 40)
	}
	return nil
}

// GroupStatusFlipper walks active groups of customerID through the
// lifecycle. Delivery is rare so groups stay around for other actors.
func GroupStatusFlipper(ctx context.Context, groups *consolidation.Service, customerID string, rng *rand.Rand, stats *Stats, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		active := true
		list, err := groups.ListForCustomer(ctx, customerID, consolidation.Filters{Active: &active, PageSize: 50})
		if err := stats.record(err); err != nil {
			return fmt.Errorf("list groups: %w", err)
		}
		if len(list.Items) == 0 {
			pause(rng, 20, 30)
			continue
		}
		g := list.Items[rng.Intn(len(list.Items))]
		next := parcel.NextStatuses(g.Status)
		if len(next) == 0 {
			continue
		}
		to := next[rng.Intn(len(next))]
		if to == parcel.StatusDelivered && rng.Intn(10) != 0 {
			to = parcel.StatusDelayed
		}
		_, err = groups.UpdateStatus(ctx, g.ID, to)
		if err := stats.record(err); err != nil {
			return fmt.Errorf("group status %s -> %s: %w", g.Status, to, err)
		}
		pause(rng, 15, 35)
	}
	return nil
}

// ManifestToggler closes and reopens manifestID, holding it closed briefly.
func ManifestToggler(ctx context.Context, svc *manifest.Service, manifestID string, rng *rand.Rand, stats *Stats, stop <-chan struct{}) error {
	for !stopped(ctx, stop) {
		_, err := svc.Close(ctx, manifestID)
		if err := stats.record(err); err != nil {
			return fmt.Errorf("close manifest: %w", err)
		}
		pause(rng, 50, 100)
		_, err = svc.Unlock(ctx, manifestID, "Stress run reopening the manifest")
		if err := stats.record(err); err != nil {
			return fmt.Errorf("unlock manifest: %w", err)
		}
		pause(rng, 200, 300)
	}
	return nil
}

// OutboxDrainer processes queued events with a handler that fails one
// message in ten, so retries and dead-lettering happen during the run.
func OutboxDrainer(ctx context.Context, pool db.TxBeginner, rng *rand.Rand, stats *Stats, stop <-chan struct{}) error {
	flaky := outbox.HandlerFunc(func(ctx context.Context, msg outbox.Message) error {
		if rng.Intn(10) == 0 {
			return errors.New("simulated delivery failure")
		}
		return nil
	})
	worker := outbox.NewWorker(pool, outbox.NewStore(), flaky, zap.NewNop(), outbox.WorkerOptions{BatchSize: 25, MaxAttempts: 3, Backoff: 50 * time.Millisecond})
	for !stopped(ctx, stop) {
		_, err := worker.ProcessBatch(ctx)
		if err := stats.record(err); err != nil {
			return fmt.Errorf("process outbox: %w", err)
		}
		pause(rng, 50, 100)
	}
	return nil
}
