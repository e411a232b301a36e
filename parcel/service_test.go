package parcel_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"shopexpress/audit"
	"shopexpress/audit/audittest"
	"shopexpress/db/dbtest"
	"shopexpress/manifest"
	"shopexpress/outbox"
	"shopexpress/parcel"
	"shopexpress/parcel/parceltest"
	"shopexpress/rate"
)

type env struct {
	svc    *parcel.Service
	repo   *parceltest.Repository
	gate   *parceltest.Gate
	queue  *parceltest.Outbox
	audit  *audittest.Writer
	pool   *dbtest.Pool
	quoter *parceltest.Quoter
}

func newEnv(t *testing.T, manifests ...manifest.Manifest) *env {
	t.Helper()
	if len(manifests) == 0 {
		manifests = []manifest.Manifest{
			{ID: "air-1", Type: manifest.TypeAir, ExchangeRate: decimal.NewFromInt(1), IsOpen: true},
			{ID: "sea-1", Type: manifest.TypeSea, ExchangeRate: decimal.RequireFromString("150"), IsOpen: true},
		}
	}
	repo := parceltest.NewRepository()
	gate := parceltest.NewGate(repo, manifests...)
	queue := &parceltest.Outbox{}
	w := &audittest.Writer{}
	pool := &dbtest.Pool{}
	q := &parceltest.Quoter{PerUnit: decimal.NewFromInt(2)}
	svc := parcel.NewService(pool, repo, gate, q, queue, w.Observer()).
		WithClock(func() time.Time { return time.Date(2024, 5, 2, 8, 0, 0, 0, time.UTC) })
	return &env{svc: svc, repo: repo, gate: gate, queue: queue, audit: w, pool: pool, quoter: q}
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func adminCtx() context.Context {
	return audit.WithActor(context.Background(), audit.Actor{UserID: "admin-1", Role: "admin"})
}

func TestService_CreatePricesByManifestType(t *testing.T) {
	e := newEnv(t)
	ctx := adminCtx()

	air, err := e.svc.Create(ctx, parcel.CreateParams{
		ManifestID: "air-1", UserID: "cust-1", TrackingNumber: " TRK1 ", Weight: dec("10"),
	})
	if err != nil {
		t.Fatalf("create air: %v", err)
	}
	if air.Status != parcel.StatusPending || air.TrackingNumber != "TRK1" {
		t.Fatalf("unexpected package %+v", air)
	}
	if !air.FreightPrice.Equal(dec("20")) {
		t.Fatalf("expected air freight 20 got %s", air.FreightPrice)
	}

	sea, err := e.svc.Create(ctx, parcel.CreateParams{
		ManifestID: "sea-1", UserID: "cust-1", TrackingNumber: "TRK2",
		Length: dec("24"), Width: dec("12"), Height: dec("12"),
	})
	if err != nil {
		t.Fatalf("create sea: %v", err)
	}
	if !sea.CubicFeet.Equal(dec("2")) {
		t.Fatalf("expected 2 cubic feet got %s", sea.CubicFeet)
	}
	if !sea.FreightPrice.Equal(dec("600")) {
		t.Fatalf("expected sea freight 600 got %s", sea.FreightPrice)
	}
	if got := len(e.audit.ByAction("create")); got != 2 {
		t.Fatalf("expected 2 create entries got %d", got)
	}
}

func TestService_CreateSurfacesRateNotFound(t *testing.T) {
	e := newEnv(t)
	e.quoter.Err = &rate.NotFoundError{Type: rate.TypeAir, Measure: dec("21")}

	_, err := e.svc.Create(adminCtx(), parcel.CreateParams{
		ManifestID: "air-1", UserID: "cust-1", TrackingNumber: "TRK1", Weight: dec("21"),
	})
	if !errors.Is(err, rate.ErrRateNotFound) {
		t.Fatalf("expected ErrRateNotFound got %v", err)
	}
	if err.Error() != "No air rate found for weight 21 lbs" {
		t.Fatalf("unexpected message %q", err.Error())
	}
	if len(e.repo.Packages) != 0 {
		t.Fatal("package must not be stored without a rate")
	}
}

func TestService_CreateRejectsClosedManifest(t *testing.T) {
	e := newEnv(t)
	e.gate.SetOpen("air-1", false)

	_, err := e.svc.Create(adminCtx(), parcel.CreateParams{
		ManifestID: "air-1", UserID: "cust-1", TrackingNumber: "TRK1", Weight: dec("1"),
	})
	if !errors.Is(err, manifest.ErrManifestClosed) {
		t.Fatalf("expected ErrManifestClosed got %v", err)
	}
}

func TestService_UpdateStatusFollowsLifecycle(t *testing.T) {
	e := newEnv(t)
	p := e.repo.Add(parcel.Package{ManifestID: "air-1", UserID: "cust-1", TrackingNumber: "T", Status: parcel.StatusPending})
	ctx := adminCtx()

	if _, err := e.svc.UpdateStatus(ctx, parcel.UpdateStatusParams{PackageID: p.ID, Status: parcel.StatusShipped}); !errors.Is(err, parcel.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition got %v", err)
	}

	got, err := e.svc.UpdateStatus(ctx, parcel.UpdateStatusParams{PackageID: p.ID, Status: parcel.StatusProcessing})
	if err != nil {
		t.Fatalf("update status: %v", err)
	}
	if got.Status != parcel.StatusProcessing {
		t.Fatalf("expected processing got %s", got.Status)
	}
	updates := e.audit.ByAction("update")
	if len(updates) != 1 || updates[0].OldValues["status"] != "pending" || updates[0].NewValues["status"] != "processing" {
		t.Fatalf("unexpected audit entries %+v", updates)
	}
	if len(e.queue.ByTopic(outbox.TopicPackageStatus)) != 1 || len(e.queue.ByTopic(outbox.TopicPackageEvent)) != 1 {
		t.Fatalf("expected notification and event, got %+v", e.queue.Messages)
	}

	if _, err := e.svc.UpdateStatus(ctx, parcel.UpdateStatusParams{PackageID: p.ID, Status: parcel.StatusProcessing}); err != nil {
		t.Fatalf("same status should be a no-op: %v", err)
	}
	if got := len(e.audit.ByAction("update")); got != 1 {
		t.Fatalf("no-op must not audit, got %d entries", got)
	}
}

func TestService_UpdateStatusManualRules(t *testing.T) {
	e := newEnv(t)
	group := "cons-1"
	ready := e.repo.Add(parcel.Package{ManifestID: "air-1", UserID: "cust-1", Status: parcel.StatusReady})
	member := e.repo.Add(parcel.Package{ManifestID: "air-1", UserID: "cust-1", Status: parcel.StatusPending, ConsolidatedPackageID: &group})
	ctx := adminCtx()

	if _, err := e.svc.UpdateStatus(ctx, parcel.UpdateStatusParams{PackageID: ready.ID, Status: parcel.StatusDelivered}); !errors.Is(err, parcel.ErrManualDelivery) {
		t.Fatalf("expected ErrManualDelivery got %v", err)
	}
	if _, err := e.svc.UpdateStatus(ctx, parcel.UpdateStatusParams{PackageID: member.ID, Status: parcel.StatusProcessing}); !errors.Is(err, parcel.ErrConsolidatedMember) {
		t.Fatalf("expected ErrConsolidatedMember got %v", err)
	}
}

func TestService_ClosedManifestRejectsMutations(t *testing.T) {
	e := newEnv(t)
	p := e.repo.Add(parcel.Package{ManifestID: "air-1", UserID: "cust-1", Status: parcel.StatusPending})
	e.gate.SetOpen("air-1", false)
	ctx := adminCtx()
	fee := dec("5")

	if _, err := e.svc.UpdateStatus(ctx, parcel.UpdateStatusParams{PackageID: p.ID, Status: parcel.StatusProcessing}); !errors.Is(err, manifest.ErrManifestClosed) {
		t.Fatalf("status: expected ErrManifestClosed got %v", err)
	}
	if _, err := e.svc.UpdateFees(ctx, parcel.UpdateFeesParams{PackageID: p.ID, StorageFee: &fee}); !errors.Is(err, manifest.ErrManifestClosed) {
		t.Fatalf("fees: expected ErrManifestClosed got %v", err)
	}

	e.gate.SetOpen("air-1", true)
	got, err := e.svc.UpdateFees(ctx, parcel.UpdateFeesParams{PackageID: p.ID, StorageFee: &fee})
	if err != nil {
		t.Fatalf("fees on open manifest: %v", err)
	}
	if !got.StorageFee.Equal(fee) {
		t.Fatalf("expected storage fee 5 got %s", got.StorageFee)
	}
	neg := dec("-1")
	if _, err := e.svc.UpdateFees(ctx, parcel.UpdateFeesParams{PackageID: p.ID, DeliveryFee: &neg}); !errors.Is(err, parcel.ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput got %v", err)
	}
}

func TestService_Recalculate(t *testing.T) {
	e := newEnv(t)
	p := e.repo.Add(parcel.Package{ManifestID: "air-1", UserID: "cust-1", Status: parcel.StatusPending, Weight: dec("3"), FreightPrice: dec("1")})

	got, err := e.svc.Recalculate(adminCtx(), p.ID)
	if err != nil {
		t.Fatalf("recalculate: %v", err)
	}
	if !got.FreightPrice.Equal(dec("6")) {
		t.Fatalf("expected 6 got %s", got.FreightPrice)
	}
	if len(e.audit.ByAction("update")) != 1 {
		t.Fatal("expected audit diff for repricing")
	}
}

func TestService_Distribute(t *testing.T) {
	e := newEnv(t)
	a := e.repo.Add(parcel.Package{ManifestID: "air-1", UserID: "cust-1", Status: parcel.StatusReady, FreightPrice: dec("20"), StorageFee: dec("5")})
	b := e.repo.Add(parcel.Package{ManifestID: "air-1", UserID: "cust-1", Status: parcel.StatusReady, FreightPrice: dec("10")})

	d, err := e.svc.Distribute(adminCtx(), parcel.DistributeParams{PackageIDs: []string{a.ID, b.ID, a.ID}, AmountCollected: dec("30")})
	if err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if !strings.HasPrefix(d.ReceiptNumber, "RCP-20240502-") || len(d.ReceiptNumber) != len("RCP-20240502-XXXXXX") {
		t.Fatalf("unexpected receipt %q", d.ReceiptNumber)
	}
	if !d.TotalAmount.Equal(dec("35")) || d.PaymentStatus != parcel.PaymentPartial {
		t.Fatalf("unexpected totals %s %s", d.TotalAmount, d.PaymentStatus)
	}
	if d.DistributedBy == nil || *d.DistributedBy != "admin-1" {
		t.Fatalf("expected distributed by admin-1")
	}
	for _, id := range []string{a.ID, b.ID} {
		if e.repo.Packages[id].Status != parcel.StatusDelivered {
			t.Fatalf("package %s not delivered", id)
		}
	}
	if len(e.gate.Closed) != 1 || e.gate.Closed[0] != "air-1" {
		t.Fatalf("expected manifest auto-close, got %v", e.gate.Closed)
	}
	if len(e.audit.ByAction("packages_distributed")) != 1 {
		t.Fatal("expected distribution audit entry")
	}
}

func TestService_DistributeValidation(t *testing.T) {
	e := newEnv(t)
	a := e.repo.Add(parcel.Package{ManifestID: "air-1", UserID: "cust-1", Status: parcel.StatusReady})
	b := e.repo.Add(parcel.Package{ManifestID: "air-1", UserID: "cust-2", Status: parcel.StatusReady})
	c := e.repo.Add(parcel.Package{ManifestID: "air-1", UserID: "cust-1", Status: parcel.StatusCustoms})
	ctx := adminCtx()

	if _, err := e.svc.Distribute(ctx, parcel.DistributeParams{PackageIDs: []string{a.ID, b.ID}}); !errors.Is(err, parcel.ErrMixedCustomers) {
		t.Fatalf("expected ErrMixedCustomers got %v", err)
	}
	if _, err := e.svc.Distribute(ctx, parcel.DistributeParams{PackageIDs: []string{a.ID, c.ID}}); !errors.Is(err, parcel.ErrNotReady) {
		t.Fatalf("expected ErrNotReady got %v", err)
	}
	if _, err := e.svc.Distribute(ctx, parcel.DistributeParams{PackageIDs: []string{"missing"}}); !errors.Is(err, parcel.ErrNotFound) {
		t.Fatalf("expected ErrNotFound got %v", err)
	}

	group := "cons-1"
	member := e.repo.Add(parcel.Package{ManifestID: "air-1", UserID: "cust-1", Status: parcel.StatusReady, ConsolidatedPackageID: &group})
	if _, err := e.svc.Distribute(ctx, parcel.DistributeParams{PackageIDs: []string{member.ID}}); !errors.Is(err, parcel.ErrConsolidatedMember) {
		t.Fatalf("expected ErrConsolidatedMember without group support got %v", err)
	}
	if s := e.repo.Packages[member.ID].Status; s != parcel.StatusReady {
		t.Fatalf("member changed to %s", s)
	}
}

func TestService_DistributeLocksManifestsForUpdate(t *testing.T) {
	e := newEnv(t)
	a := e.repo.Add(parcel.Package{ManifestID: "sea-1", UserID: "cust-1", Status: parcel.StatusReady})
	b := e.repo.Add(parcel.Package{ManifestID: "air-1", UserID: "cust-1", Status: parcel.StatusReady})

	if _, err := e.svc.Distribute(adminCtx(), parcel.DistributeParams{PackageIDs: []string{a.ID, b.ID}}); err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if shared := e.gate.SharedLocks(); len(shared) != 0 {
		t.Fatalf("distribution took share locks on %v", shared)
	}
	if len(e.gate.Locks) < 2 || e.gate.Locks[0] != "update:air-1" || e.gate.Locks[1] != "update:sea-1" {
		t.Fatalf("expected manifests locked in id order first, got %v", e.gate.Locks)
	}
}

func TestService_CustomerVisibility(t *testing.T) {
	e := newEnv(t)
	p := e.repo.Add(parcel.Package{ManifestID: "air-1", UserID: "cust-1", Status: parcel.StatusPending})
	other := audit.WithActor(context.Background(), audit.Actor{UserID: "cust-2", Role: "customer"})
	owner := audit.WithActor(context.Background(), audit.Actor{UserID: "cust-1", Role: "customer"})

	if _, err := e.svc.Get(other, p.ID); !errors.Is(err, parcel.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for foreign customer got %v", err)
	}
	if _, err := e.svc.Get(owner, p.ID); err != nil {
		t.Fatalf("owner get: %v", err)
	}
	if _, err := e.svc.ListForCustomer(other, "cust-1", parcel.Filters{}); !errors.Is(err, parcel.ErrForbidden) {
		t.Fatalf("expected ErrForbidden got %v", err)
	}
	if _, err := e.svc.UpdateStatus(owner, parcel.UpdateStatusParams{PackageID: p.ID, Status: parcel.StatusProcessing}); !errors.Is(err, parcel.ErrForbidden) {
		t.Fatalf("customer status change: expected ErrForbidden got %v", err)
	}
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to parcel.Status
		want     bool
	}{
		{parcel.StatusPending, parcel.StatusProcessing, true},
		{parcel.StatusPending, parcel.StatusReady, false},
		{parcel.StatusDelayed, parcel.StatusReady, true},
		{parcel.StatusDelayed, parcel.StatusDelivered, false},
		{parcel.StatusReady, parcel.StatusDelivered, true},
		{parcel.StatusDelivered, parcel.StatusDelayed, false},
		{parcel.StatusCustoms, parcel.StatusCustoms, true},
	}
	for _, tc := range cases {
		if got := parcel.CanTransition(tc.from, tc.to); got != tc.want {
			t.Fatalf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestPaymentStatusFor(t *testing.T) {
	if got := parcel.PaymentStatusFor(dec("10"), dec("10")); got != parcel.PaymentPaid {
		t.Fatalf("got %s", got)
	}
	if got := parcel.PaymentStatusFor(dec("10"), dec("0")); got != parcel.PaymentUnpaid {
		t.Fatalf("got %s", got)
	}
}
