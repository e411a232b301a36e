package consolidation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"shopexpress/audit"
	"shopexpress/auth"
	"shopexpress/db"
	"shopexpress/outbox"
	"shopexpress/parcel"
)

var (
	// ErrTooFewPackages signals a consolidation request with fewer than two packages.
	ErrTooFewPackages = errors.New("consolidation: at least two packages are required")
	// ErrNotOwned signals a package owned by another customer.
	ErrNotOwned = errors.New("consolidation: package belongs to another customer")
	// ErrAlreadyConsolidated signals a package already in an active group.
	ErrAlreadyConsolidated = errors.New("consolidation: package is already consolidated")
	// ErrDelivered signals a delivered package or group.
	ErrDelivered = errors.New("consolidation: delivered packages cannot be consolidated")
	// ErrMixedStatus signals packages in different statuses.
	ErrMixedStatus = errors.New("consolidation: packages must share the same status")
	// ErrInactive signals an operation on an unconsolidated group.
	ErrInactive = errors.New("consolidation: consolidated package is not active")
	// ErrForbidden signals the acting role may not perform the action.
	ErrForbidden = errors.New("consolidation: forbidden")
	// ErrInvalidInput signals missing request fields.
	ErrInvalidInput = errors.New("consolidation: invalid input")
)

// maxMembers bounds the member list loaded for a single group.
const maxMembers = 100

// Transitioner writes one package status inside a caller-owned transaction.
type Transitioner interface {
	Transition(ctx context.Context, tx pgx.Tx, id string, to parcel.Status, source parcel.Source) (parcel.TransitionResult, error)
}

// PackageReader is the read side of the parcel repository.
type PackageReader interface {
	ListForUpdate(ctx context.Context, tx pgx.Tx, ids []string) ([]parcel.Package, error)
	List(ctx context.Context, filters parcel.Filters) ([]parcel.Package, int, error)
}

// Enqueuer writes outbox messages in the caller's transaction.
type Enqueuer interface {
	Enqueue(ctx context.Context, q db.Querier, topic string, payload map[string]any) error
}

type Service struct {
	pool       db.TxBeginner
	repo       Repository
	packages   PackageReader
	parcels    Transitioner
	gate       parcel.Gate
	outbox     Enqueuer
	audit      audit.Recorder
	now        func() time.Time
	trackingNo func(time.Time) string
}

type ConsolidateParams struct {
	PackageIDs []string
	CustomerID string
	Notes      string
}

type ListResult struct {
	Items []Summary
	Total int
}

func NewService(pool db.TxBeginner, repo Repository, packages PackageReader, parcels Transitioner, gate parcel.Gate, queue Enqueuer, recorder audit.Recorder) *Service {
	return &Service{
		pool:       pool,
		repo:       repo,
		packages:   packages,
		parcels:    parcels,
		gate:       gate,
		outbox:     queue,
		audit:      recorder,
		now:        time.Now,
		trackingNo: newTrackingNumber,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Consolidate groups packages of one customer under a new tracking number.
func (s *Service) Consolidate(ctx context.Context, params ConsolidateParams) (Detail, error) {
	if err := authorize(ctx, auth.ManageConsolidations); err != nil {
		return Detail{}, err
	}
	ids := dedupe(params.PackageIDs)
	if len(ids) < 2 {
		return Detail{}, ErrTooFewPackages
	}
	if params.CustomerID == "" {
		return Detail{}, fmt.Errorf("%w: customer required", ErrInvalidInput)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Detail{}, fmt.Errorf("consolidation: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	pkgs, err := s.packages.ListForUpdate(ctx, tx, ids)
	if err != nil {
		return Detail{}, err
	}
	if len(pkgs) != len(ids) {
		return Detail{}, parcel.ErrNotFound
	}
	status := pkgs[0].Status
	for _, p := range pkgs {
		switch {
		case p.UserID != params.CustomerID:
			return Detail{}, fmt.Errorf("%w: %s", ErrNotOwned, p.TrackingNumber)
		case p.Consolidated():
			return Detail{}, fmt.Errorf("%w: %s", ErrAlreadyConsolidated, p.TrackingNumber)
		case p.Status == parcel.StatusDelivered:
			return Detail{}, fmt.Errorf("%w: %s", ErrDelivered, p.TrackingNumber)
		case p.Status != status:
			return Detail{}, ErrMixedStatus
		}
	}
	if _, err := s.lockManifests(ctx, tx, pkgs, false); err != nil {
		return Detail{}, err
	}

	var by *string
	if actor, ok := audit.ActorFrom(ctx); ok && actor.UserID != "" {
		by = &actor.UserID
	}
	group := ConsolidatedPackage{
		CustomerID: params.CustomerID,
		CreatedBy:  by,
		Status:     status,
		Notes:      strings.TrimSpace(params.Notes),
		IsActive:   true,
	}
	var created ConsolidatedPackage
	for attempt := 0; attempt < 3; attempt++ {
		group.TrackingNumber = s.trackingNo(s.now())
		created, err = s.create(ctx, tx, group)
		if !errors.Is(err, ErrDuplicateTracking) {
			break
		}
	}
	if err != nil {
		return Detail{}, err
	}
	if err := s.repo.Link(ctx, tx, created.ID, ids); err != nil {
		return Detail{}, err
	}
	if err := s.audit.Created(ctx, tx, created); err != nil {
		return Detail{}, err
	}
	if err := s.audit.Record(ctx, tx, audit.Entry{
		EventType:     audit.EventBusinessAction,
		AuditableType: "consolidated_package",
		AuditableID:   created.ID,
		Action:        "packages_consolidated",
		AdditionalData: map[string]any{
			"package_ids":                  ids,
			"consolidated_tracking_number": created.TrackingNumber,
		},
	}); err != nil {
		return Detail{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Detail{}, fmt.Errorf("consolidation: commit tx: %w", err)
	}

	for i := range pkgs {
		pkgs[i].ConsolidatedPackageID = &created.ID
	}
	return Detail{ConsolidatedPackage: created, Packages: pkgs, Totals: TotalsOf(pkgs)}, nil
}

// create inserts the group under a savepoint so a tracking number collision
// leaves tx usable for the next attempt.
func (s *Service) create(ctx context.Context, tx pgx.Tx, group ConsolidatedPackage) (ConsolidatedPackage, error) {
	sp, err := tx.Begin(ctx)
	if err != nil {
		return ConsolidatedPackage{}, fmt.Errorf("consolidation: savepoint: %w", err)
	}
	defer sp.Rollback(ctx)

	created, err := s.repo.Create(ctx, sp, group)
	if err != nil {
		return ConsolidatedPackage{}, err
	}
	if err := sp.Commit(ctx); err != nil {
		return ConsolidatedPackage{}, fmt.Errorf("consolidation: release savepoint: %w", err)
	}
	return created, nil
}

// Unconsolidate releases the members of an active, undelivered group.
func (s *Service) Unconsolidate(ctx context.Context, id string) (ConsolidatedPackage, error) {
	if err := authorize(ctx, auth.ManageConsolidations); err != nil {
		return ConsolidatedPackage{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ConsolidatedPackage{}, fmt.Errorf("consolidation: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	before, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return ConsolidatedPackage{}, err
	}
	if !before.IsActive {
		return ConsolidatedPackage{}, ErrInactive
	}
	if before.Status == parcel.StatusDelivered {
		return ConsolidatedPackage{}, ErrDelivered
	}

	released, err := s.repo.Unlink(ctx, tx, id)
	if err != nil {
		return ConsolidatedPackage{}, err
	}
	after, err := s.repo.Deactivate(ctx, tx, id, s.now().UTC())
	if err != nil {
		return ConsolidatedPackage{}, err
	}
	if err := s.audit.Updated(ctx, tx, before, after); err != nil {
		return ConsolidatedPackage{}, err
	}
	if err := s.audit.Record(ctx, tx, audit.Entry{
		EventType:     audit.EventBusinessAction,
		AuditableType: "consolidated_package",
		AuditableID:   id,
		Action:        "packages_unconsolidated",
		AdditionalData: map[string]any{
			"package_ids":                  released,
			"consolidated_tracking_number": after.TrackingNumber,
		},
	}); err != nil {
		return ConsolidatedPackage{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return ConsolidatedPackage{}, fmt.Errorf("consolidation: commit tx: %w", err)
	}
	return after, nil
}

// UpdateStatus moves the group and every member package to status in one
// transaction.
func (s *Service) UpdateStatus(ctx context.Context, id string, status parcel.Status) (ConsolidatedPackage, error) {
	if err := authorize(ctx, auth.ManageConsolidations); err != nil {
		return ConsolidatedPackage{}, err
	}
	if !status.Valid() {
		return ConsolidatedPackage{}, parcel.ErrInvalidStatus
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return ConsolidatedPackage{}, fmt.Errorf("consolidation: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	res, err := s.transition(ctx, tx, id, status)
	if err != nil {
		return ConsolidatedPackage{}, err
	}
	if res.changed && status == parcel.StatusDelivered {
		for _, mid := range res.manifests {
			if _, err := s.gate.CloseIfComplete(ctx, tx, mid); err != nil {
				return ConsolidatedPackage{}, err
			}
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return ConsolidatedPackage{}, fmt.Errorf("consolidation: commit tx: %w", err)
	}
	return res.after, nil
}

// LockForPackages locks the active groups holding any of packageIDs, in id
// order, and returns their member ids.
func (s *Service) LockForPackages(ctx context.Context, tx pgx.Tx, packageIDs []string) (map[string][]string, error) {
	ids, err := s.repo.LockActiveForPackages(ctx, tx, packageIDs)
	if err != nil {
		return nil, err
	}
	out := make(map[string][]string, len(ids))
	for _, id := range ids {
		members, err := s.repo.MemberIDs(ctx, tx, id)
		if err != nil {
			return nil, err
		}
		out[id] = members
	}
	return out, nil
}

// Deliver moves a group and its members to delivered inside the caller's
// transaction. The caller owns manifest auto-close.
func (s *Service) Deliver(ctx context.Context, tx pgx.Tx, id string) error {
	_, err := s.transition(ctx, tx, id, parcel.StatusDelivered)
	return err
}

type transitionResult struct {
	after     ConsolidatedPackage
	changed   bool
	manifests []string
}

// transition writes the group status and mirrors it on every member.
func (s *Service) transition(ctx context.Context, tx pgx.Tx, id string, status parcel.Status) (transitionResult, error) {
	before, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return transitionResult{}, err
	}
	if !before.IsActive {
		return transitionResult{}, ErrInactive
	}
	memberIDs, err := s.repo.MemberIDs(ctx, tx, id)
	if err != nil {
		return transitionResult{}, err
	}
	members, err := s.packages.ListForUpdate(ctx, tx, memberIDs)
	if err != nil {
		return transitionResult{}, err
	}
	manifests, err := s.lockManifests(ctx, tx, members, status == parcel.StatusDelivered)
	if err != nil {
		return transitionResult{}, err
	}
	if before.Status == status {
		return transitionResult{after: before, manifests: manifests}, nil
	}
	if !parcel.CanTransition(before.Status, status) {
		return transitionResult{}, fmt.Errorf("%w: %s -> %s", parcel.ErrInvalidTransition, before.Status, status)
	}

	after, err := s.repo.SetStatus(ctx, tx, id, status)
	if err != nil {
		return transitionResult{}, err
	}
	if err := s.audit.Updated(ctx, tx, before, after); err != nil {
		return transitionResult{}, err
	}
	for _, m := range members {
		if _, err := s.parcels.Transition(ctx, tx, m.ID, status, parcel.SourceConsolidation); err != nil {
			return transitionResult{}, fmt.Errorf("consolidation: update member %s: %w", m.TrackingNumber, err)
		}
	}
	if err := s.outbox.Enqueue(ctx, tx, outbox.TopicConsolidatedStatus, map[string]any{
		"consolidated_package_id":      after.ID,
		"consolidated_tracking_number": after.TrackingNumber,
		"user_id":                      after.CustomerID,
		"old_status":                   string(before.Status),
		"new_status":                   string(after.Status),
		"package_count":                len(members),
	}); err != nil {
		return transitionResult{}, err
	}
	return transitionResult{after: after, changed: true, manifests: manifests}, nil
}

// Get returns a group with its members. Customers only see their own.
func (s *Service) Get(ctx context.Context, id string) (Detail, error) {
	c, err := s.repo.Get(ctx, id)
	if err != nil {
		return Detail{}, err
	}
	if actor, ok := audit.ActorFrom(ctx); ok && actor.Role != "" && !auth.IsStaff(auth.Role(actor.Role)) && actor.UserID != c.CustomerID {
		return Detail{}, ErrNotFound
	}
	members, _, err := s.packages.List(ctx, parcel.Filters{ConsolidatedPackageID: id, PageSize: maxMembers, SortKey: "trackingNumber", SortOrder: "asc"})
	if err != nil {
		return Detail{}, err
	}
	return Detail{ConsolidatedPackage: c, Packages: members, Totals: TotalsOf(members)}, nil
}

func (s *Service) ListForCustomer(ctx context.Context, customerID string, filters Filters) (ListResult, error) {
	if actor, ok := audit.ActorFrom(ctx); ok && actor.Role != "" && !auth.IsStaff(auth.Role(actor.Role)) && actor.UserID != customerID {
		return ListResult{}, ErrForbidden
	}
	filters.CustomerID = customerID
	items, total, err := s.repo.List(ctx, filters)
	if err != nil {
		return ListResult{}, err
	}
	return ListResult{Items: items, Total: total}, nil
}

// lockManifests passes the gate for every manifest of pkgs in id order and
// returns those ids. Delivery takes the update lock auto-close needs later.
func (s *Service) lockManifests(ctx context.Context, tx pgx.Tx, pkgs []parcel.Package, forUpdate bool) ([]string, error) {
	seen := map[string]bool{}
	for _, p := range pkgs {
		seen[p.ManifestID] = true
	}
	ids := sortedKeys(seen)
	for _, id := range ids {
		var err error
		if forUpdate {
			_, err = s.gate.EnsureOpenForUpdate(ctx, tx, id)
		} else {
			_, err = s.gate.EnsureOpen(ctx, tx, id)
		}
		if err != nil {
			return nil, err
		}
	}
	return ids, nil
}

// newTrackingNumber formats CONS-YYYYMMDD-XXXX.
func newTrackingNumber(t time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:4])
	return "CONS-" + t.UTC().Format("20060102") + "-" + suffix
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func sortedKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func authorize(ctx context.Context, ability auth.Ability) error {
	actor, ok := audit.ActorFrom(ctx)
	if !ok || actor.Role == "" {
		return nil
	}
	if !auth.Can(auth.Role(actor.Role), ability) {
		return ErrForbidden
	}
	return nil
}
