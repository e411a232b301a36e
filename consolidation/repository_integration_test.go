package consolidation

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"shopexpress/audit"
	"shopexpress/manifest"
	"shopexpress/outbox"
	"shopexpress/parcel"
	"shopexpress/rate"
)

type integrationEnv struct {
	pool       *pgxpool.Pool
	svc        *Service
	parcels    *parcel.Service
	sys        context.Context
	customerID string
	manifestID string
	officeID   string
	stamp      int64
}

// newIntegrationEnv connects to a real PostgreSQL via DATABASE_URL and seeds a
// customer, an office, an open sea manifest and a sea rate.
func newIntegrationEnv(t *testing.T, ctx context.Context) *integrationEnv {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	t.Cleanup(pool.Close)

	for _, table := range []string{"consolidated_packages", "packages", "manifests", "outbox", "audit_logs"} {
		if !tableExists(ctx, t, pool, table) {
			t.Skip("database schema missing; run migrations: shipctl migrate")
		}
	}

	e := &integrationEnv{pool: pool, stamp: time.Now().UnixNano()}
	if err := pool.QueryRow(ctx, `INSERT INTO users (email, first_name, password_hash, account_number)
		VALUES ($1, 'Integration', 'x', $2) RETURNING id::text`,
		fmt.Sprintf("itest+%d@example.com", e.stamp), fmt.Sprintf("IT%07d", e.stamp%10_000_000)).Scan(&e.customerID); err != nil {
		t.Fatalf("seed customer: %v", err)
	}
	if err := pool.QueryRow(ctx, `INSERT INTO manifests (name, type, shipment_date) VALUES ($1, 'sea', current_date) RETURNING id::text`,
		fmt.Sprintf("ITEST-SEA-%d", e.stamp)).Scan(&e.manifestID); err != nil {
		t.Fatalf("seed manifest: %v", err)
	}
	if err := pool.QueryRow(ctx, `INSERT INTO offices (name) VALUES ($1) RETURNING id::text`,
		fmt.Sprintf("Integration Office %d", e.stamp)).Scan(&e.officeID); err != nil {
		t.Fatalf("seed office: %v", err)
	}

	// Rows are left in place: audit_logs is append-only and references them by id.
	t.Cleanup(func() {
		ctx2, cancel2 := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel2()
		pool.Exec(ctx2, `UPDATE manifests SET is_open = false WHERE id = $1`, e.manifestID)
	})

	auditRepo := audit.NewRepository(pool)
	observer := audit.NewObserver(auditRepo)
	queue := outbox.NewWriter()
	rates := rate.NewService(pool, rate.NewRepository(pool), observer)
	manifests := manifest.NewService(pool, manifest.NewRepository(pool), observer, auditRepo)
	parcelRepo := parcel.NewRepository(pool)
	e.parcels = parcel.NewService(pool, parcelRepo, manifests, rates, queue, observer)
	e.svc = NewService(pool, NewRepository(pool), parcelRepo, e.parcels, manifests, queue, observer)
	e.parcels.WithGroups(e.svc)

	e.sys = audit.WithActor(ctx, audit.SystemActor("integration-test"))
	lo, hi := decimal.NewFromInt(0), decimal.NewFromInt(1_000_000)
	if _, err := rates.Create(e.sys, rate.Params{Type: rate.TypeSea, MinCubicFeet: &lo, MaxCubicFeet: &hi, Price: decimal.NewFromInt(3)}); err != nil && !errors.Is(err, rate.ErrDuplicateBracket) {
		t.Fatalf("seed sea rate: %v", err)
	}
	return e
}

func (e *integrationEnv) addPackages(t *testing.T, n int) []string {
	t.Helper()
	ids := make([]string, 0, n)
	for i := 0; i < n; i++ {
		p, err := e.parcels.Create(e.sys, parcel.CreateParams{
			ManifestID:     e.manifestID,
			UserID:         e.customerID,
			OfficeID:       &e.officeID,
			TrackingNumber: fmt.Sprintf("ITEST-%d-%d-%d", e.stamp, len(ids), time.Now().UnixNano()),
			Weight:         decimal.NewFromInt(4),
			Length:         decimal.NewFromInt(12),
			Width:          decimal.NewFromInt(12),
			Height:         decimal.NewFromInt(12),
		})
		if err != nil {
			t.Fatalf("create package %d: %v", i, err)
		}
		ids = append(ids, p.ID)
	}
	return ids
}

// TestConsolidationLifecycle_Integration runs consolidate, status propagation
// and unconsolidate through the real repositories.
func TestConsolidationLifecycle_Integration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	e := newIntegrationEnv(t, ctx)
	pool, svc, sys := e.pool, e.svc, e.sys

	ids := e.addPackages(t, 2)

	missing := "00000000-0000-0000-0000-000000000000"
	if _, err := e.parcels.Create(sys, parcel.CreateParams{
		ManifestID:     e.manifestID,
		UserID:         e.customerID,
		ShipperID:      &missing,
		TrackingNumber: fmt.Sprintf("ITEST-%d-bad", e.stamp),
	}); !errors.Is(err, parcel.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for unknown shipper got %v", err)
	}

	detail, err := svc.Consolidate(sys, ConsolidateParams{PackageIDs: ids, CustomerID: e.customerID})
	if err != nil {
		t.Fatalf("consolidate: %v", err)
	}

	if _, err := svc.UpdateStatus(sys, detail.ID, parcel.StatusProcessing); err != nil {
		t.Fatalf("update status: %v", err)
	}

	var mismatched int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM packages WHERE consolidated_package_id = $1 AND status <> 'processing'`, detail.ID).Scan(&mismatched); err != nil {
		t.Fatalf("verify members: %v", err)
	}
	if mismatched != 0 {
		t.Fatalf("expected every member processing, %d differ", mismatched)
	}

	var events int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE topic = $1 AND payload->>'package_id' = ANY($2::text[])`,
		outbox.TopicPackageEvent, ids).Scan(&events); err != nil {
		t.Fatalf("verify outbox: %v", err)
	}
	if events != 2 {
		t.Fatalf("expected 2 package events got %d", events)
	}

	// Replaying the same status writes nothing new.
	if _, err := svc.UpdateStatus(sys, detail.ID, parcel.StatusProcessing); err != nil {
		t.Fatalf("replay status: %v", err)
	}
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE topic = $1 AND payload->>'package_id' = ANY($2::text[])`,
		outbox.TopicPackageEvent, ids).Scan(&events); err != nil {
		t.Fatalf("re-verify outbox: %v", err)
	}
	if events != 2 {
		t.Fatalf("expected outbox to stay at 2 events after replay, got %d", events)
	}

	if _, err := svc.Unconsolidate(sys, detail.ID); err != nil {
		t.Fatalf("unconsolidate: %v", err)
	}
	var linked int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM packages WHERE consolidated_package_id = $1`, detail.ID).Scan(&linked); err != nil {
		t.Fatalf("verify unlink: %v", err)
	}
	if linked != 0 {
		t.Fatalf("expected members released, %d still linked", linked)
	}
}

// TestConsolidateTrackingCollision_Integration reuses a tracking number on
// the first attempt; the insert fails inside the open transaction and the
// retry must still succeed.
func TestConsolidateTrackingCollision_Integration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	e := newIntegrationEnv(t, ctx)

	ids := e.addPackages(t, 4)
	taken := fmt.Sprintf("CONS-ITEST-%d", e.stamp)
	numbers := []string{taken, taken, taken + "-B"}
	e.svc.trackingNo = func(time.Time) string {
		n := numbers[0]
		numbers = numbers[1:]
		return n
	}

	if _, err := e.svc.Consolidate(e.sys, ConsolidateParams{PackageIDs: ids[:2], CustomerID: e.customerID}); err != nil {
		t.Fatalf("first consolidate: %v", err)
	}
	got, err := e.svc.Consolidate(e.sys, ConsolidateParams{PackageIDs: ids[2:], CustomerID: e.customerID})
	if err != nil {
		t.Fatalf("consolidate after collision: %v", err)
	}
	if got.TrackingNumber != taken+"-B" {
		t.Fatalf("expected retried tracking number got %s", got.TrackingNumber)
	}
	var linked int
	if err := e.pool.QueryRow(ctx, `SELECT COUNT(*) FROM packages WHERE consolidated_package_id = $1`, got.ID).Scan(&linked); err != nil {
		t.Fatalf("verify link: %v", err)
	}
	if linked != 2 {
		t.Fatalf("expected 2 members linked got %d", linked)
	}
}

// TestDistributeConsolidatedGroup_Integration checks that a group is only
// handed over whole and that group and members end delivered together.
func TestDistributeConsolidatedGroup_Integration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	e := newIntegrationEnv(t, ctx)

	ids := e.addPackages(t, 2)
	group, err := e.svc.Consolidate(e.sys, ConsolidateParams{PackageIDs: ids, CustomerID: e.customerID})
	if err != nil {
		t.Fatalf("consolidate: %v", err)
	}
	for _, st := range []parcel.Status{parcel.StatusProcessing, parcel.StatusShipped, parcel.StatusCustoms, parcel.StatusReady} {
		if _, err := e.svc.UpdateStatus(e.sys, group.ID, st); err != nil {
			t.Fatalf("group to %s: %v", st, err)
		}
	}

	if _, err := e.parcels.Distribute(e.sys, parcel.DistributeParams{PackageIDs: ids[:1]}); !errors.Is(err, parcel.ErrConsolidatedMember) {
		t.Fatalf("expected ErrConsolidatedMember for one member got %v", err)
	}
	if _, err := e.parcels.Distribute(e.sys, parcel.DistributeParams{PackageIDs: ids}); err != nil {
		t.Fatalf("distribute group: %v", err)
	}

	var groupStatus string
	if err := e.pool.QueryRow(ctx, `SELECT status::text FROM consolidated_packages WHERE id = $1`, group.ID).Scan(&groupStatus); err != nil {
		t.Fatalf("read group: %v", err)
	}
	var undelivered int
	if err := e.pool.QueryRow(ctx, `SELECT COUNT(*) FROM packages WHERE consolidated_package_id = $1 AND status <> 'delivered'`, group.ID).Scan(&undelivered); err != nil {
		t.Fatalf("read members: %v", err)
	}
	if groupStatus != string(parcel.StatusDelivered) || undelivered != 0 {
		t.Fatalf("expected group and members delivered, group=%s undelivered=%d", groupStatus, undelivered)
	}
}

func tableExists(ctx context.Context, t *testing.T, pool *pgxpool.Pool, name string) bool {
	t.Helper()
	var exists bool
	err := pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1)`, name).Scan(&exists)
	if err != nil {
		t.Fatalf("check table %s: %v", name, err)
	}
	return exists
}
