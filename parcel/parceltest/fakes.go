// Package parceltest provides in-memory collaborators for parcel and
// consolidation service tests.
package parceltest

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"shopexpress/db"
	"shopexpress/manifest"
	"shopexpress/parcel"
	"shopexpress/rate"
)

// Repository stores packages in a map keyed by id.
type Repository struct {
	mu            sync.Mutex
	Packages      map[string]parcel.Package
	Distributions []parcel.Distribution
	nextID        int
}

func NewRepository() *Repository {
	return &Repository{Packages: map[string]parcel.Package{}, nextID: 1}
}

// Add stores p as-is, assigning an id when empty.
func (r *Repository) Add(p parcel.Package) parcel.Package {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p.ID == "" {
		p.ID = fmt.Sprintf("package-%d", r.nextID)
		r.nextID++
	}
	r.Packages[p.ID] = p
	return p
}

func (r *Repository) Create(ctx context.Context, tx pgx.Tx, p parcel.Package) (parcel.Package, error) {
	for _, existing := range r.Packages {
		if existing.ManifestID == p.ManifestID && existing.TrackingNumber == p.TrackingNumber {
			return parcel.Package{}, parcel.ErrDuplicateTracking
		}
	}
	return r.Add(p), nil
}

func (r *Repository) Get(ctx context.Context, id string) (parcel.Package, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.Packages[id]
	if !ok {
		return parcel.Package{}, parcel.ErrNotFound
	}
	return p, nil
}

func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (parcel.Package, error) {
	return r.Get(ctx, id)
}

func (r *Repository) ListForUpdate(ctx context.Context, tx pgx.Tx, ids []string) ([]parcel.Package, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []parcel.Package{}
	for _, id := range ids {
		if p, ok := r.Packages[id]; ok {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *Repository) update(id string, fn func(*parcel.Package)) (parcel.Package, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.Packages[id]
	if !ok {
		return parcel.Package{}, parcel.ErrNotFound
	}
	fn(&p)
	r.Packages[id] = p
	return p, nil
}

func (r *Repository) SetStatus(ctx context.Context, tx pgx.Tx, id string, status parcel.Status) (parcel.Package, error) {
	return r.update(id, func(p *parcel.Package) { p.Status = status })
}

func (r *Repository) SetFees(ctx context.Context, tx pgx.Tx, id string, fees parcel.Fees) (parcel.Package, error) {
	return r.update(id, func(p *parcel.Package) {
		p.ClearanceFee = fees.ClearanceFee
		p.StorageFee = fees.StorageFee
		p.DeliveryFee = fees.DeliveryFee
	})
}

func (r *Repository) SetFreight(ctx context.Context, tx pgx.Tx, next parcel.Package) (parcel.Package, error) {
	return r.update(next.ID, func(p *parcel.Package) {
		p.CubicFeet = next.CubicFeet
		p.FreightPrice = next.FreightPrice
	})
}

// SetConsolidation links or unlinks packages from a group.
func (r *Repository) SetConsolidation(ids []string, groupID *string) {
	for _, id := range ids {
		_, _ = r.update(id, func(p *parcel.Package) { p.ConsolidatedPackageID = groupID })
	}
}

func (r *Repository) List(ctx context.Context, filters parcel.Filters) ([]parcel.Package, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []parcel.Package{}
	for _, p := range r.Packages {
		if filters.ManifestID != "" && p.ManifestID != filters.ManifestID {
			continue
		}
		if filters.UserID != "" && p.UserID != filters.UserID {
			continue
		}
		if filters.ConsolidatedPackageID != "" && (p.ConsolidatedPackageID == nil || *p.ConsolidatedPackageID != filters.ConsolidatedPackageID) {
			continue
		}
		if filters.Status != "" && p.Status != filters.Status {
			continue
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, len(out), nil
}

func (r *Repository) CreateDistribution(ctx context.Context, tx pgx.Tx, d parcel.Distribution) (parcel.Distribution, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	d.ID = fmt.Sprintf("distribution-%d", len(r.Distributions)+1)
	r.Distributions = append(r.Distributions, d)
	return d, nil
}

// Gate tracks manifest open state, row locks and auto-close checks.
type Gate struct {
	mu        sync.Mutex
	Manifests map[string]manifest.Manifest
	Repo      *Repository
	Locks     []string
	Checked   []string
	Closed    []string
}

func NewGate(repo *Repository, manifests ...manifest.Manifest) *Gate {
	g := &Gate{Manifests: map[string]manifest.Manifest{}, Repo: repo}
	for _, m := range manifests {
		g.Manifests[m.ID] = m
	}
	return g
}

func (g *Gate) EnsureOpen(ctx context.Context, q db.Querier, id string) (manifest.Manifest, error) {
	return g.open("share", id)
}

func (g *Gate) EnsureOpenForUpdate(ctx context.Context, tx pgx.Tx, id string) (manifest.Manifest, error) {
	return g.open("update", id)
}

// SharedLocks lists the manifests EnsureOpen was called for.
func (g *Gate) SharedLocks() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	var out []string
	for _, l := range g.Locks {
		if id, ok := strings.CutPrefix(l, "share:"); ok {
			out = append(out, id)
		}
	}
	return out
}

func (g *Gate) open(mode, id string) (manifest.Manifest, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Locks = append(g.Locks, mode+":"+id)
	m, ok := g.Manifests[id]
	if !ok {
		return manifest.Manifest{}, manifest.ErrNotFound
	}
	if !m.IsOpen {
		return manifest.Manifest{}, manifest.ErrManifestClosed
	}
	return m, nil
}

// CloseIfComplete closes the manifest when every package in Repo is delivered.
func (g *Gate) CloseIfComplete(ctx context.Context, tx pgx.Tx, id string) (bool, error) {
	pkgs, _, _ := g.Repo.List(ctx, parcel.Filters{ManifestID: id})
	g.mu.Lock()
	defer g.mu.Unlock()
	g.Checked = append(g.Checked, id)
	if len(pkgs) == 0 {
		return false, nil
	}
	for _, p := range pkgs {
		if p.Status != parcel.StatusDelivered {
			return false, nil
		}
	}
	m := g.Manifests[id]
	m.IsOpen = false
	g.Manifests[id] = m
	g.Closed = append(g.Closed, id)
	return true, nil
}

// SetOpen flips a manifest's gate.
func (g *Gate) SetOpen(id string, open bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	m := g.Manifests[id]
	m.IsOpen = open
	g.Manifests[id] = m
}

// Quoter prices every measure at a flat amount per unit.
type Quoter struct {
	PerUnit decimal.Decimal
	Err     error
}

func (q Quoter) Quote(ctx context.Context, t rate.Type, measure, exchangeRate decimal.Decimal) (rate.Quote, error) {
	if q.Err != nil {
		return rate.Quote{}, q.Err
	}
	price := q.PerUnit.Mul(measure)
	return rate.Quote{
		Measure:      measure,
		ExchangeRate: exchangeRate,
		Price:        price,
		Total:        price.Mul(exchangeRate).Round(2),
	}, nil
}

// Message is one queued outbox payload.
type Message struct {
	Topic   string
	Payload map[string]any
}

// Outbox records enqueued messages.
type Outbox struct {
	mu       sync.Mutex
	Messages []Message
}

func (o *Outbox) Enqueue(ctx context.Context, q db.Querier, topic string, payload map[string]any) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.Messages = append(o.Messages, Message{Topic: topic, Payload: payload})
	return nil
}

// ByTopic returns the messages queued on topic.
func (o *Outbox) ByTopic(topic string) []Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []Message
	for _, m := range o.Messages {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}
