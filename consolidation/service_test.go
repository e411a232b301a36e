package consolidation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"shopexpress/audit"
	"shopexpress/audit/audittest"
	"shopexpress/db"
	"shopexpress/db/dbtest"
	"shopexpress/manifest"
	"shopexpress/outbox"
	"shopexpress/parcel"
	"shopexpress/parcel/parceltest"
)

type fakeRepository struct {
	groups   map[string]ConsolidatedPackage
	packages *parceltest.Repository
	nextID   int
}

func (f *fakeRepository) Create(ctx context.Context, tx pgx.Tx, c ConsolidatedPackage) (ConsolidatedPackage, error) {
	for _, g := range f.groups {
		if g.TrackingNumber == c.TrackingNumber {
			return ConsolidatedPackage{}, ErrDuplicateTracking
		}
	}
	f.nextID++
	c.ID = fmt.Sprintf("cons-%d", f.nextID)
	f.groups[c.ID] = c
	return c, nil
}

func (f *fakeRepository) Get(ctx context.Context, id string) (ConsolidatedPackage, error) {
	c, ok := f.groups[id]
	if !ok {
		return ConsolidatedPackage{}, ErrNotFound
	}
	return c, nil
}

func (f *fakeRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (ConsolidatedPackage, error) {
	return f.Get(ctx, id)
}

func (f *fakeRepository) SetStatus(ctx context.Context, tx pgx.Tx, id string, status parcel.Status) (ConsolidatedPackage, error) {
	c := f.groups[id]
	c.Status = status
	f.groups[id] = c
	return c, nil
}

func (f *fakeRepository) Deactivate(ctx context.Context, tx pgx.Tx, id string, at time.Time) (ConsolidatedPackage, error) {
	c := f.groups[id]
	c.IsActive = false
	c.UnconsolidatedAt = &at
	f.groups[id] = c
	return c, nil
}

func (f *fakeRepository) Link(ctx context.Context, tx pgx.Tx, id string, packageIDs []string) error {
	group := id
	f.packages.SetConsolidation(packageIDs, &group)
	return nil
}

func (f *fakeRepository) Unlink(ctx context.Context, tx pgx.Tx, id string) ([]string, error) {
	ids, _ := f.MemberIDs(ctx, tx, id)
	f.packages.SetConsolidation(ids, nil)
	return ids, nil
}

func (f *fakeRepository) MemberIDs(ctx context.Context, q db.Querier, id string) ([]string, error) {
	pkgs, _, _ := f.packages.List(ctx, parcel.Filters{ConsolidatedPackageID: id})
	ids := make([]string, 0, len(pkgs))
	for _, p := range pkgs {
		ids = append(ids, p.ID)
	}
	return ids, nil
}

func (f *fakeRepository) LockActiveForPackages(ctx context.Context, tx pgx.Tx, packageIDs []string) ([]string, error) {
	seen := map[string]bool{}
	for _, id := range packageIDs {
		p, ok := f.packages.Packages[id]
		if !ok || !p.Consolidated() || !f.groups[*p.ConsolidatedPackageID].IsActive {
			continue
		}
		seen[*p.ConsolidatedPackageID] = true
	}
	return sortedKeys(seen), nil
}

func (f *fakeRepository) List(ctx context.Context, filters Filters) ([]Summary, int, error) {
	out := []Summary{}
	for _, g := range f.groups {
		if filters.CustomerID != "" && g.CustomerID != filters.CustomerID {
			continue
		}
		members, _, _ := f.packages.List(ctx, parcel.Filters{ConsolidatedPackageID: g.ID})
		out = append(out, Summary{ConsolidatedPackage: g, Totals: TotalsOf(members)})
	}
	return out, len(out), nil
}

type env struct {
	svc      *Service
	parcels  *parcel.Service
	pool     *dbtest.Pool
	repo     *fakeRepository
	packages *parceltest.Repository
	gate     *parceltest.Gate
	queue    *parceltest.Outbox
	audit    *audittest.Writer
}

func newEnv(t *testing.T) *env {
	t.Helper()
	packages := parceltest.NewRepository()
	gate := parceltest.NewGate(packages,
		manifest.Manifest{ID: "m-1", Type: manifest.TypeAir, ExchangeRate: decimal.NewFromInt(1), IsOpen: true},
		manifest.Manifest{ID: "m-2", Type: manifest.TypeAir, ExchangeRate: decimal.NewFromInt(1), IsOpen: true},
	)
	queue := &parceltest.Outbox{}
	w := &audittest.Writer{}
	pool := &dbtest.Pool{}
	parcels := parcel.NewService(pool, packages, gate, parceltest.Quoter{}, queue, w.Observer())
	repo := &fakeRepository{groups: map[string]ConsolidatedPackage{}, packages: packages}
	svc := NewService(pool, repo, packages, parcels, gate, queue, w.Observer()).
		WithClock(func() time.Time { return time.Date(2024, 3, 9, 10, 0, 0, 0, time.UTC) })
	parcels.WithGroups(svc)
	return &env{svc: svc, parcels: parcels, pool: pool, repo: repo, packages: packages, gate: gate, queue: queue, audit: w}
}

func adminCtx() context.Context {
	return audit.WithActor(context.Background(), audit.Actor{UserID: "admin-1", Role: "admin"})
}

func (e *env) add(manifestID, user string, status parcel.Status, weight string) parcel.Package {
	return e.packages.Add(parcel.Package{
		ManifestID:   manifestID,
		UserID:       user,
		Status:       status,
		Weight:       decimal.RequireFromString(weight),
		FreightPrice: decimal.RequireFromString(weight),
	})
}

func TestService_ConsolidateAndTotals(t *testing.T) {
	e := newEnv(t)
	a := e.add("m-1", "cust-1", parcel.StatusProcessing, "2.5")
	b := e.add("m-2", "cust-1", parcel.StatusProcessing, "4")

	d, err := e.svc.Consolidate(adminCtx(), ConsolidateParams{PackageIDs: []string{a.ID, b.ID}, CustomerID: "cust-1", Notes: " fragile "})
	if err != nil {
		t.Fatalf("consolidate: %v", err)
	}
	if !strings.HasPrefix(d.TrackingNumber, "CONS-20240309-") || len(d.TrackingNumber) != len("CONS-20240309-XXXX") {
		t.Fatalf("unexpected tracking number %q", d.TrackingNumber)
	}
	if d.Status != parcel.StatusProcessing || d.Notes != "fragile" || !d.IsActive {
		t.Fatalf("unexpected group %+v", d.ConsolidatedPackage)
	}
	if d.Totals.Quantity != 2 || !d.Totals.Weight.Equal(decimal.RequireFromString("6.5")) {
		t.Fatalf("unexpected totals %+v", d.Totals)
	}
	for _, id := range []string{a.ID, b.ID} {
		if !e.packages.Packages[id].Consolidated() {
			t.Fatalf("package %s not linked", id)
		}
	}

	got, err := e.svc.Get(adminCtx(), d.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if len(got.Packages) != 2 || !got.Totals.Charges().Equal(decimal.RequireFromString("6.5")) {
		t.Fatalf("unexpected detail %+v", got.Totals)
	}
}

func TestService_ConsolidateValidation(t *testing.T) {
	e := newEnv(t)
	a := e.add("m-1", "cust-1", parcel.StatusPending, "1")
	b := e.add("m-1", "cust-2", parcel.StatusPending, "1")
	c := e.add("m-1", "cust-1", parcel.StatusShipped, "1")
	d := e.add("m-1", "cust-1", parcel.StatusPending, "1")
	ctx := adminCtx()

	cases := []struct {
		name string
		ids  []string
		want error
	}{
		{"single package", []string{a.ID, a.ID}, ErrTooFewPackages},
		{"other customer", []string{a.ID, b.ID}, ErrNotOwned},
		{"mixed status", []string{a.ID, c.ID}, ErrMixedStatus},
		{"missing package", []string{a.ID, "nope"}, parcel.ErrNotFound},
	}
	for _, tc := range cases {
		if _, err := e.svc.Consolidate(ctx, ConsolidateParams{PackageIDs: tc.ids, CustomerID: "cust-1"}); !errors.Is(err, tc.want) {
			t.Fatalf("%s: expected %v got %v", tc.name, tc.want, err)
		}
	}

	if _, err := e.svc.Consolidate(ctx, ConsolidateParams{PackageIDs: []string{a.ID, d.ID}, CustomerID: "cust-1"}); err != nil {
		t.Fatalf("consolidate: %v", err)
	}
	if _, err := e.svc.Consolidate(ctx, ConsolidateParams{PackageIDs: []string{a.ID, d.ID}, CustomerID: "cust-1"}); !errors.Is(err, ErrAlreadyConsolidated) {
		t.Fatalf("expected ErrAlreadyConsolidated got %v", err)
	}

	e.gate.SetOpen("m-2", false)
	x := e.add("m-2", "cust-1", parcel.StatusPending, "1")
	y := e.add("m-1", "cust-1", parcel.StatusPending, "1")
	if _, err := e.svc.Consolidate(ctx, ConsolidateParams{PackageIDs: []string{x.ID, y.ID}, CustomerID: "cust-1"}); !errors.Is(err, manifest.ErrManifestClosed) {
		t.Fatalf("expected ErrManifestClosed got %v", err)
	}
}

func TestService_UpdateStatusPropagatesToEveryMember(t *testing.T) {
	e := newEnv(t)
	a := e.add("m-1", "cust-1", parcel.StatusReady, "1")
	b := e.add("m-1", "cust-1", parcel.StatusReady, "2")
	c := e.add("m-2", "cust-1", parcel.StatusReady, "3")
	ctx := adminCtx()

	d, err := e.svc.Consolidate(ctx, ConsolidateParams{PackageIDs: []string{a.ID, b.ID, c.ID}, CustomerID: "cust-1"})
	if err != nil {
		t.Fatalf("consolidate: %v", err)
	}

	got, err := e.svc.UpdateStatus(ctx, d.ID, parcel.StatusDelivered)
	if err != nil {
		t.Fatalf("update status: %v", err)
	}
	if got.Status != parcel.StatusDelivered {
		t.Fatalf("group status %s", got.Status)
	}
	for _, id := range []string{a.ID, b.ID, c.ID} {
		if s := e.packages.Packages[id].Status; s != parcel.StatusDelivered {
			t.Fatalf("member %s has status %s", id, s)
		}
	}

	memberUpdates := 0
	for _, entry := range e.audit.ByAction("update") {
		if entry.AuditableType == "package" {
			memberUpdates++
		}
	}
	if memberUpdates != 3 {
		t.Fatalf("expected 3 member audit diffs got %d", memberUpdates)
	}
	if n := len(e.queue.ByTopic(outbox.TopicConsolidatedStatus)); n != 1 {
		t.Fatalf("expected one customer notification got %d", n)
	}
	if n := len(e.queue.ByTopic(outbox.TopicPackageStatus)); n != 0 {
		t.Fatalf("members must not notify individually, got %d", n)
	}
	if len(e.gate.Closed) != 2 {
		t.Fatalf("expected both manifests auto-closed got %v", e.gate.Closed)
	}
}

func TestService_DeliveryLocksManifestsForUpdate(t *testing.T) {
	e := newEnv(t)
	a := e.add("m-2", "cust-1", parcel.StatusReady, "1")
	b := e.add("m-1", "cust-1", parcel.StatusReady, "1")
	ctx := adminCtx()

	d, err := e.svc.Consolidate(ctx, ConsolidateParams{PackageIDs: []string{a.ID, b.ID}, CustomerID: "cust-1"})
	if err != nil {
		t.Fatalf("consolidate: %v", err)
	}
	e.gate.Locks = nil
	if _, err := e.svc.UpdateStatus(ctx, d.ID, parcel.StatusDelivered); err != nil {
		t.Fatalf("deliver: %v", err)
	}
	if shared := e.gate.SharedLocks(); len(shared) != 0 {
		t.Fatalf("delivery took share locks on %v", shared)
	}
	if len(e.gate.Locks) < 2 || e.gate.Locks[0] != "update:m-1" || e.gate.Locks[1] != "update:m-2" {
		t.Fatalf("expected manifests locked in id order, got %v", e.gate.Locks)
	}
}

func TestService_ConsolidateRetriesTrackingCollision(t *testing.T) {
	e := newEnv(t)
	a := e.add("m-1", "cust-1", parcel.StatusPending, "1")
	b := e.add("m-1", "cust-1", parcel.StatusPending, "1")
	c := e.add("m-1", "cust-1", parcel.StatusPending, "1")
	d := e.add("m-1", "cust-1", parcel.StatusPending, "1")
	ctx := adminCtx()

	numbers := []string{"CONS-20240309-AAAA", "CONS-20240309-AAAA", "CONS-20240309-BBBB"}
	e.svc.trackingNo = func(time.Time) string {
		n := numbers[0]
		numbers = numbers[1:]
		return n
	}
	if _, err := e.svc.Consolidate(ctx, ConsolidateParams{PackageIDs: []string{a.ID, b.ID}, CustomerID: "cust-1"}); err != nil {
		t.Fatalf("first consolidate: %v", err)
	}
	got, err := e.svc.Consolidate(ctx, ConsolidateParams{PackageIDs: []string{c.ID, d.ID}, CustomerID: "cust-1"})
	if err != nil {
		t.Fatalf("second consolidate: %v", err)
	}
	if got.TrackingNumber != "CONS-20240309-BBBB" {
		t.Fatalf("expected retried tracking number got %s", got.TrackingNumber)
	}

	sps := e.pool.Last().Savepoints
	if len(sps) != 2 {
		t.Fatalf("expected one savepoint per attempt got %d", len(sps))
	}
	if !sps[0].Rolled || sps[0].Committed {
		t.Fatal("expected colliding insert rolled back to its savepoint")
	}
	if !sps[1].Committed {
		t.Fatal("expected retry savepoint released")
	}
	if !e.pool.Last().Committed {
		t.Fatal("expected consolidation committed")
	}
}

func TestService_DistributeDeliversWholeGroup(t *testing.T) {
	e := newEnv(t)
	a := e.add("m-1", "cust-1", parcel.StatusReady, "1")
	b := e.add("m-1", "cust-1", parcel.StatusReady, "2")
	loose := e.add("m-2", "cust-1", parcel.StatusReady, "3")
	ctx := adminCtx()

	g, err := e.svc.Consolidate(ctx, ConsolidateParams{PackageIDs: []string{a.ID, b.ID}, CustomerID: "cust-1"})
	if err != nil {
		t.Fatalf("consolidate: %v", err)
	}

	_, err = e.parcels.Distribute(ctx, parcel.DistributeParams{PackageIDs: []string{a.ID, loose.ID}})
	if !errors.Is(err, parcel.ErrConsolidatedMember) {
		t.Fatalf("expected ErrConsolidatedMember for a partial group got %v", err)
	}
	for _, id := range []string{a.ID, b.ID, loose.ID} {
		if s := e.packages.Packages[id].Status; s != parcel.StatusReady {
			t.Fatalf("package %s changed to %s after rejected distribution", id, s)
		}
	}

	if _, err := e.parcels.Distribute(ctx, parcel.DistributeParams{PackageIDs: []string{a.ID, b.ID, loose.ID}}); err != nil {
		t.Fatalf("distribute: %v", err)
	}
	if s := e.repo.groups[g.ID].Status; s != parcel.StatusDelivered {
		t.Fatalf("group status %s", s)
	}
	for _, id := range []string{a.ID, b.ID, loose.ID} {
		if s := e.packages.Packages[id].Status; s != parcel.StatusDelivered {
			t.Fatalf("package %s has status %s", id, s)
		}
	}
	if n := len(e.queue.ByTopic(outbox.TopicConsolidatedStatus)); n != 1 {
		t.Fatalf("expected one group notification got %d", n)
	}
	if n := len(e.queue.ByTopic(outbox.TopicPackageStatus)); n != 1 {
		t.Fatalf("expected one notification for the loose package got %d", n)
	}
	if len(e.gate.Closed) != 2 {
		t.Fatalf("expected both manifests auto-closed got %v", e.gate.Closed)
	}
}

func TestService_UpdateStatusRequiresOpenManifests(t *testing.T) {
	e := newEnv(t)
	a := e.add("m-1", "cust-1", parcel.StatusPending, "1")
	b := e.add("m-2", "cust-1", parcel.StatusPending, "1")
	ctx := adminCtx()

	d, err := e.svc.Consolidate(ctx, ConsolidateParams{PackageIDs: []string{a.ID, b.ID}, CustomerID: "cust-1"})
	if err != nil {
		t.Fatalf("consolidate: %v", err)
	}
	e.gate.SetOpen("m-2", false)

	if _, err := e.svc.UpdateStatus(ctx, d.ID, parcel.StatusProcessing); !errors.Is(err, manifest.ErrManifestClosed) {
		t.Fatalf("expected ErrManifestClosed got %v", err)
	}
	if s := e.packages.Packages[a.ID].Status; s != parcel.StatusPending {
		t.Fatalf("member on open manifest changed to %s", s)
	}
	if _, err := e.svc.UpdateStatus(ctx, d.ID, parcel.StatusCustoms); !errors.Is(err, manifest.ErrManifestClosed) {
		t.Fatalf("expected gate before transition check, got %v", err)
	}
}

func TestService_Unconsolidate(t *testing.T) {
	e := newEnv(t)
	a := e.add("m-1", "cust-1", parcel.StatusPending, "1")
	b := e.add("m-1", "cust-1", parcel.StatusPending, "1")
	ctx := adminCtx()

	d, err := e.svc.Consolidate(ctx, ConsolidateParams{PackageIDs: []string{a.ID, b.ID}, CustomerID: "cust-1"})
	if err != nil {
		t.Fatalf("consolidate: %v", err)
	}
	after, err := e.svc.Unconsolidate(ctx, d.ID)
	if err != nil {
		t.Fatalf("unconsolidate: %v", err)
	}
	if after.IsActive || after.UnconsolidatedAt == nil {
		t.Fatalf("expected inactive group %+v", after)
	}
	if e.packages.Packages[a.ID].Consolidated() || e.packages.Packages[b.ID].Consolidated() {
		t.Fatal("members still linked")
	}
	if _, err := e.svc.Unconsolidate(ctx, d.ID); !errors.Is(err, ErrInactive) {
		t.Fatalf("expected ErrInactive got %v", err)
	}
	if _, err := e.svc.UpdateStatus(ctx, d.ID, parcel.StatusProcessing); !errors.Is(err, ErrInactive) {
		t.Fatalf("expected ErrInactive got %v", err)
	}

	// members can be managed individually again
	p := parcel.NewService(&dbtest.Pool{}, e.packages, e.gate, parceltest.Quoter{}, e.queue, e.audit.Observer())
	if _, err := p.UpdateStatus(ctx, parcel.UpdateStatusParams{PackageID: a.ID, Status: parcel.StatusProcessing}); err != nil {
		t.Fatalf("manual update after unconsolidate: %v", err)
	}
}

func TestService_CustomerScope(t *testing.T) {
	e := newEnv(t)
	a := e.add("m-1", "cust-1", parcel.StatusPending, "1")
	b := e.add("m-1", "cust-1", parcel.StatusPending, "1")
	d, err := e.svc.Consolidate(adminCtx(), ConsolidateParams{PackageIDs: []string{a.ID, b.ID}, CustomerID: "cust-1"})
	if err != nil {
		t.Fatalf("consolidate: %v", err)
	}

	other := audit.WithActor(context.Background(), audit.Actor{UserID: "cust-2", Role: "customer"})
	if _, err := e.svc.Get(other, d.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound got %v", err)
	}
	if _, err := e.svc.Consolidate(other, ConsolidateParams{PackageIDs: []string{a.ID, b.ID}, CustomerID: "cust-2"}); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden got %v", err)
	}

	owner := audit.WithActor(context.Background(), audit.Actor{UserID: "cust-1", Role: "customer"})
	res, err := e.svc.ListForCustomer(owner, "cust-1", Filters{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if res.Total != 1 || res.Items[0].Totals.Quantity != 2 {
		t.Fatalf("unexpected list %+v", res)
	}
}
