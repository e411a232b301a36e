package manifest

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
)

type fakeRepository struct {
	manifests map[string]Manifest
	statuses  map[string][]string
	locks     []string
	nextID    int
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{
		manifests: map[string]Manifest{},
		statuses:  map[string][]string{},
		nextID:    1,
	}
}

func (f *fakeRepository) Create(ctx context.Context, tx pgx.Tx, m Manifest) (Manifest, error) {
	m.ID = fmt.Sprintf("manifest-%d", f.nextID)
	f.nextID++
	f.manifests[m.ID] = m
	return m, nil
}

func (f *fakeRepository) Update(ctx context.Context, tx pgx.Tx, m Manifest) (Manifest, error) {
	if _, ok := f.manifests[m.ID]; !ok {
		return Manifest{}, ErrNotFound
	}
	f.manifests[m.ID] = m
	return m, nil
}

func (f *fakeRepository) Get(ctx context.Context, id string) (Manifest, error) {
	m, ok := f.manifests[id]
	if !ok {
		return Manifest{}, ErrNotFound
	}
	return m, nil
}

func (f *fakeRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Manifest, error) {
	f.locks = append(f.locks, "update")
	return f.Get(ctx, id)
}

func (f *fakeRepository) GetForShare(ctx context.Context, q db.Querier, id string) (Manifest, error) {
	f.locks = append(f.locks, "share")
	return f.Get(ctx, id)
}

func (f *fakeRepository) SetOpen(ctx context.Context, tx pgx.Tx, id string, open bool) (Manifest, error) {
	m, ok := f.manifests[id]
	if !ok {
		return Manifest{}, ErrNotFound
	}
	m.IsOpen = open
	f.manifests[id] = m
	return m, nil
}

func (f *fakeRepository) List(ctx context.Context, filters Filters) ([]Manifest, int, error) {
	out := []Manifest{}
	for _, m := range f.manifests {
		if filters.Type != "" && m.Type != filters.Type {
			continue
		}
		out = append(out, m)
	}
	return out, len(out), nil
}

func (f *fakeRepository) DeliveryCounts(ctx context.Context, q db.Querier, id string) (int, int, error) {
	delivered := 0
	for _, s := range f.statuses[id] {
		if s == "delivered" {
			delivered++
		}
	}
	return len(f.statuses[id]), delivered, nil
}

func (f *fakeRepository) Totals(ctx context.Context, id string) (Totals, error) {
	total, delivered, _ := f.DeliveryCounts(ctx, nil, id)
	return Totals{PackageCount: total, DeliveredCount: delivered}, nil
}

type fakeHistory struct {
	w *audittest.Writer
}

func (h fakeHistory) ForAuditable(ctx context.Context, typ, id string) ([]audit.Entry, error) {
	out := []audit.Entry{}
	for i := len(h.w.Entries) - 1; i >= 0; i-- {
		e := h.w.Entries[i]
		if e.AuditableType == typ && e.AuditableID == id {
			out = append(out, e)
		}
	}
	return out, nil
}

func newTestService() (*Service, *fakeRepository, *dbtest.Pool, *audittest.Writer) {
	pool := &dbtest.Pool{}
	repo := newFakeRepository()
	w := &audittest.Writer{}
	svc := NewService(pool, repo, w.Observer(), fakeHistory{w: w})
	return svc, repo, pool, w
}

func createManifest(t *testing.T, svc *Service) Manifest {
	t.Helper()
	m, err := svc.Create(context.Background(), CreateParams{
		Name:         "AIR-2024-05",
		Type:         TypeAir,
		ShipmentDate: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		FlightNumber: "JM015",
		ExchangeRate: decimal.RequireFromString("157.25"),
	})
	if err != nil {
		t.Fatalf("create manifest: %v", err)
	}
	return m
}

func staffCtx(role string) context.Context {
	return audit.WithActor(context.Background(), audit.Actor{UserID: "admin-1", Role: role, IPAddress: "10.0.0.1"})
}

func TestService_CreateValidates(t *testing.T) {
	svc, _, _, _ := newTestService()

	_, err := svc.Create(context.Background(), CreateParams{Name: "X", Type: "rail", ShipmentDate: time.Now()})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput got %v", err)
	}

	m, err := svc.Create(context.Background(), CreateParams{Name: "Sea 1", Type: TypeSea, ShipmentDate: time.Now()})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !m.IsOpen || !m.ExchangeRate.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("expected open manifest with exchange rate 1, got %+v", m)
	}
}

func TestService_EnsureOpen(t *testing.T) {
	svc, repo, _, _ := newTestService()
	m := createManifest(t, svc)

	if _, err := svc.EnsureOpen(context.Background(), nil, m.ID); err != nil {
		t.Fatalf("expected open manifest, got %v", err)
	}

	closed := repo.manifests[m.ID]
	closed.IsOpen = false
	repo.manifests[m.ID] = closed
	if _, err := svc.EnsureOpen(context.Background(), nil, m.ID); !errors.Is(err, ErrManifestClosed) {
		t.Fatalf("expected ErrManifestClosed got %v", err)
	}
	if _, err := svc.EnsureOpen(context.Background(), nil, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound got %v", err)
	}
}

func TestService_EnsureOpenForUpdateTakesRowLock(t *testing.T) {
	svc, repo, _, _ := newTestService()
	m := createManifest(t, svc)
	repo.locks = nil

	if _, err := svc.EnsureOpenForUpdate(context.Background(), nil, m.ID); err != nil {
		t.Fatalf("expected open manifest, got %v", err)
	}
	if _, err := svc.CloseIfComplete(context.Background(), nil, m.ID); err != nil {
		t.Fatalf("close if complete: %v", err)
	}
	for _, l := range repo.locks {
		if l != "update" {
			t.Fatalf("delivery path must not take a share lock, got %v", repo.locks)
		}
	}

	closed := repo.manifests[m.ID]
	closed.IsOpen = false
	repo.manifests[m.ID] = closed
	if _, err := svc.EnsureOpenForUpdate(context.Background(), nil, m.ID); !errors.Is(err, ErrManifestClosed) {
		t.Fatalf("expected ErrManifestClosed got %v", err)
	}
}

func TestService_CloseAndUnlock(t *testing.T) {
	svc, _, pool, w := newTestService()
	m := createManifest(t, svc)
	ctx := staffCtx("admin")

	closed, err := svc.Close(ctx, m.ID)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	if closed.IsOpen {
		t.Fatal("expected manifest closed")
	}
	if _, err := svc.Close(ctx, m.ID); !errors.Is(err, ErrAlreadyClosed) {
		t.Fatalf("expected ErrAlreadyClosed got %v", err)
	}
	if _, err := svc.Update(ctx, m.ID, UpdateParams{Name: strPtr("renamed")}); !errors.Is(err, ErrManifestClosed) {
		t.Fatalf("expected ErrManifestClosed on update got %v", err)
	}

	if _, err := svc.Unlock(ctx, m.ID, "  too short "); !errors.Is(err, ErrInvalidReason) {
		t.Fatalf("expected ErrInvalidReason got %v", err)
	}
	if _, err := svc.Unlock(ctx, m.ID, strings.Repeat("x", 501)); !errors.Is(err, ErrInvalidReason) {
		t.Fatalf("expected ErrInvalidReason for long reason got %v", err)
	}

	reopened, err := svc.Unlock(ctx, m.ID, "  Late package from Miami warehouse  ")
	if err != nil {
		t.Fatalf("unlock: %v", err)
	}
	if !reopened.IsOpen {
		t.Fatal("expected manifest open")
	}
	if !pool.Last().Committed {
		t.Fatal("expected unlock committed")
	}

	unlocks := w.ByAction("manifest_unlocked")
	if len(unlocks) != 1 {
		t.Fatalf("expected one unlock entry got %d", len(unlocks))
	}
	e := unlocks[0]
	if e.EventType != audit.EventBusinessAction {
		t.Fatalf("expected business_action got %s", e.EventType)
	}
	if e.AdditionalData["reason"] != "Late package from Miami warehouse" {
		t.Fatalf("unexpected reason %v", e.AdditionalData["reason"])
	}
	if e.UserID == nil || *e.UserID != "admin-1" || e.IPAddress != "10.0.0.1" {
		t.Fatalf("actor not recorded: %+v", e)
	}

	if _, err := svc.Unlock(ctx, m.ID, "Second unlock attempt"); !errors.Is(err, ErrNotClosed) {
		t.Fatalf("expected ErrNotClosed got %v", err)
	}
}

func TestService_UnlockForbiddenForCustomer(t *testing.T) {
	svc, repo, _, _ := newTestService()
	m := createManifest(t, svc)
	closed := repo.manifests[m.ID]
	closed.IsOpen = false
	repo.manifests[m.ID] = closed

	if _, err := svc.Unlock(staffCtx("customer"), m.ID, "I want it open please"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("expected ErrForbidden got %v", err)
	}
	if _, err := svc.Unlock(staffCtx("superadmin"), m.ID, "Superadmin reopening"); err != nil {
		t.Fatalf("superadmin unlock: %v", err)
	}
}

func TestService_CloseIfComplete(t *testing.T) {
	svc, repo, _, w := newTestService()
	m := createManifest(t, svc)
	ctx := context.Background()
	tx := &dbtest.Tx{}

	closed, err := svc.CloseIfComplete(ctx, tx, m.ID)
	if err != nil || closed {
		t.Fatalf("empty manifest must stay open: closed=%v err=%v", closed, err)
	}

	repo.statuses[m.ID] = []string{"delivered", "ready"}
	if closed, _ := svc.CloseIfComplete(ctx, tx, m.ID); closed {
		t.Fatal("manifest with undelivered package must stay open")
	}

	repo.statuses[m.ID] = []string{"delivered", "delivered"}
	closed, err = svc.CloseIfComplete(ctx, tx, m.ID)
	if err != nil {
		t.Fatalf("close if complete: %v", err)
	}
	if !closed || repo.manifests[m.ID].IsOpen {
		t.Fatal("expected manifest to auto-close")
	}
	auto := w.ByAction("manifest_auto_closed")
	if len(auto) != 1 || auto[0].AdditionalData["reason"] != "All packages delivered" {
		t.Fatalf("unexpected auto-close entries %+v", auto)
	}

	if closed, _ := svc.CloseIfComplete(ctx, tx, m.ID); closed {
		t.Fatal("already closed manifest must not close twice")
	}
}

func TestService_UpdateAuditsDiff(t *testing.T) {
	svc, _, _, w := newTestService()
	m := createManifest(t, svc)

	xr := decimal.RequireFromString("160")
	if _, err := svc.Update(context.Background(), m.ID, UpdateParams{ExchangeRate: &xr, FlightNumber: strPtr("JM017")}); err != nil {
		t.Fatalf("update: %v", err)
	}
	updates := w.ByAction("update")
	if len(updates) != 1 {
		t.Fatalf("expected 1 update entry got %d", len(updates))
	}
	if updates[0].OldValues["flight_number"] != "JM015" || updates[0].NewValues["flight_number"] != "JM017" {
		t.Fatalf("unexpected diff %+v", updates[0])
	}
	if _, ok := updates[0].NewValues["name"]; ok {
		t.Fatal("unchanged name must not be in diff")
	}

	history, err := svc.History(context.Background(), m.ID)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 2 || history[0].Action != "update" || history[1].Action != "create" {
		t.Fatalf("unexpected history %+v", history)
	}
}

func strPtr(s string) *string { return &s }
