package rate

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"shopexpress/audit/audittest"
	"shopexpress/cache"
	"shopexpress/db/dbtest"
)

type fakeRepository struct {
	rates  map[string]Rate
	nextID int
	lists  int
}

func newFakeRepository() *fakeRepository {
	return &fakeRepository{rates: map[string]Rate{}, nextID: 1}
}

func (f *fakeRepository) Create(ctx context.Context, tx pgx.Tx, p Params) (Rate, error) {
	for _, r := range f.rates {
		if p.Type == TypeAir && r.Type == TypeAir && r.Weight.Equal(*p.Weight) {
			return Rate{}, ErrDuplicateBracket
		}
	}
	r := Rate{
		ID:            fmt.Sprintf("rate-%d", f.nextID),
		Type:          p.Type,
		Weight:        p.Weight,
		MinCubicFeet:  p.MinCubicFeet,
		MaxCubicFeet:  p.MaxCubicFeet,
		Price:         p.Price,
		ProcessingFee: p.ProcessingFee,
	}
	f.nextID++
	f.rates[r.ID] = r
	return r, nil
}

func (f *fakeRepository) Update(ctx context.Context, tx pgx.Tx, id string, p Params) (Rate, error) {
	r, ok := f.rates[id]
	if !ok {
		return Rate{}, ErrNotFound
	}
	r.Type, r.Weight, r.MinCubicFeet, r.MaxCubicFeet = p.Type, p.Weight, p.MinCubicFeet, p.MaxCubicFeet
	r.Price, r.ProcessingFee = p.Price, p.ProcessingFee
	f.rates[id] = r
	return r, nil
}

func (f *fakeRepository) Delete(ctx context.Context, tx pgx.Tx, id string) error {
	if _, ok := f.rates[id]; !ok {
		return ErrNotFound
	}
	delete(f.rates, id)
	return nil
}

func (f *fakeRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Rate, error) {
	return f.Get(ctx, id)
}

func (f *fakeRepository) Get(ctx context.Context, id string) (Rate, error) {
	r, ok := f.rates[id]
	if !ok {
		return Rate{}, ErrNotFound
	}
	return r, nil
}

func (f *fakeRepository) List(ctx context.Context, t Type) ([]Rate, error) {
	f.lists++
	out := []Rate{}
	for _, r := range f.rates {
		if r.Type == t {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

type memoryCache struct {
	values  map[string][]Rate
	deletes []string
}

func (m *memoryCache) GetJSON(ctx context.Context, namespace, key string, dst any) error {
	v, ok := m.values[namespace+":"+key]
	if !ok {
		return cache.ErrMiss
	}
	*(dst.(*[]Rate)) = v
	return nil
}

func (m *memoryCache) SetJSON(ctx context.Context, namespace, key string, value any, ttl time.Duration) error {
	m.values[namespace+":"+key] = value.([]Rate)
	return nil
}

func (m *memoryCache) Delete(ctx context.Context, namespace string, keys ...string) error {
	for _, k := range keys {
		delete(m.values, namespace+":"+k)
		m.deletes = append(m.deletes, namespace+":"+k)
	}
	return nil
}

func TestService_CreateAuditsAndInvalidates(t *testing.T) {
	pool := &dbtest.Pool{}
	repo := newFakeRepository()
	w := &audittest.Writer{}
	mc := &memoryCache{values: map[string][]Rate{}}
	svc := NewService(pool, repo, w.Observer()).WithCache(NewCachedSource(repo, mc, time.Minute, nil))

	ctx := context.Background()
	if _, err := svc.List(ctx, TypeAir); err != nil {
		t.Fatalf("list: %v", err)
	}
	if _, err := svc.List(ctx, TypeAir); err != nil {
		t.Fatalf("list: %v", err)
	}
	if repo.lists != 1 {
		t.Fatalf("expected second list to hit cache, repo listed %d times", repo.lists)
	}

	created, err := svc.Create(ctx, Params{Type: TypeAir, Weight: decp("5"), Price: dec("10"), ProcessingFee: dec("2")})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !pool.Last().Committed {
		t.Fatal("expected commit")
	}
	if len(w.ByAction("create")) != 1 {
		t.Fatal("expected create audit entry")
	}
	if _, ok := mc.values["rates:air"]; ok {
		t.Fatal("expected air cache to be invalidated")
	}

	q, err := svc.Quote(ctx, TypeAir, dec("4.2"), dec("1"))
	if err != nil {
		t.Fatalf("quote: %v", err)
	}
	if q.Rate.ID != created.ID {
		t.Fatalf("expected new bracket to be used, got %s", q.Rate.ID)
	}
}

type brokenCache struct{}

func (brokenCache) GetJSON(ctx context.Context, namespace, key string, dst any) error {
	return errors.New("redis: connection refused")
}

func (brokenCache) SetJSON(ctx context.Context, namespace, key string, value any, ttl time.Duration) error {
	return errors.New("redis: connection refused")
}

func (brokenCache) Delete(ctx context.Context, namespace string, keys ...string) error {
	return errors.New("redis: connection refused")
}

func TestService_CacheFailuresAreLogged(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	pool := &dbtest.Pool{}
	repo := newFakeRepository()
	w := &audittest.Writer{}
	svc := NewService(pool, repo, w.Observer()).WithCache(NewCachedSource(repo, brokenCache{}, time.Minute, zap.New(core)))

	ctx := context.Background()
	if _, err := svc.List(ctx, TypeSea); err != nil {
		t.Fatalf("list should fall back to the repository: %v", err)
	}
	if n := logs.FilterMessage("cache rate brackets").Len(); n != 1 {
		t.Fatalf("expected 1 cache write warning, got %d", n)
	}

	if _, err := svc.Create(ctx, Params{Type: TypeAir, Weight: decp("5"), Price: dec("10"), ProcessingFee: dec("2")}); err != nil {
		t.Fatalf("create must not fail on cache errors: %v", err)
	}
	if !pool.Last().Committed {
		t.Fatal("expected commit")
	}
	if n := logs.FilterMessage("invalidate rate cache").Len(); n != 1 {
		t.Fatalf("expected 1 invalidation warning, got %d", n)
	}
}

func TestService_UpdateAndDelete(t *testing.T) {
	pool := &dbtest.Pool{}
	repo := newFakeRepository()
	w := &audittest.Writer{}
	svc := NewService(pool, repo, w.Observer())
	ctx := context.Background()

	created, err := svc.Create(ctx, Params{Type: TypeSea, MinCubicFeet: decp("0"), MaxCubicFeet: decp("5"), Price: dec("40"), ProcessingFee: dec("5")})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := svc.Update(ctx, created.ID, Params{Type: TypeSea, MinCubicFeet: decp("0"), MaxCubicFeet: decp("5"), Price: dec("45"), ProcessingFee: dec("5")}); err != nil {
		t.Fatalf("update: %v", err)
	}
	updates := w.ByAction("update")
	if len(updates) != 1 || updates[0].OldValues["price"] != "40.00" || updates[0].NewValues["price"] != "45.00" {
		t.Fatalf("unexpected update audit %+v", updates)
	}
	if _, ok := updates[0].NewValues["processing_fee"]; ok {
		t.Fatal("unchanged fields must not be audited")
	}

	if err := svc.Delete(ctx, created.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if len(w.ByAction("delete")) != 1 {
		t.Fatal("expected delete audit entry")
	}
	if err := svc.Delete(ctx, created.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound got %v", err)
	}
	if !pool.Last().Rolled {
		t.Fatal("expected rollback on failed delete")
	}
}

func TestValidate(t *testing.T) {
	cases := []struct {
		name string
		p    Params
		ok   bool
	}{
		{"air ok", Params{Type: TypeAir, Weight: decp("1"), Price: dec("1")}, true},
		{"air missing weight", Params{Type: TypeAir, Price: dec("1")}, false},
		{"air zero weight", Params{Type: TypeAir, Weight: decp("0"), Price: dec("1")}, false},
		{"sea ok", Params{Type: TypeSea, MinCubicFeet: decp("0"), MaxCubicFeet: decp("1"), Price: dec("1")}, true},
		{"sea inverted", Params{Type: TypeSea, MinCubicFeet: decp("2"), MaxCubicFeet: decp("1"), Price: dec("1")}, false},
		{"sea equal bounds", Params{Type: TypeSea, MinCubicFeet: decp("1"), MaxCubicFeet: decp("1"), Price: dec("1")}, false},
		{"negative fee", Params{Type: TypeAir, Weight: decp("1"), Price: dec("1"), ProcessingFee: dec("-1")}, false},
		{"bad type", Params{Type: "rail", Price: dec("1")}, false},
	}
	for _, tc := range cases {
		err := Validate(tc.p)
		if tc.ok && err != nil {
			t.Fatalf("%s: unexpected error %v", tc.name, err)
		}
		if !tc.ok && !errors.Is(err, ErrInvalidRate) {
			t.Fatalf("%s: expected ErrInvalidRate got %v", tc.name, err)
		}
	}
}
