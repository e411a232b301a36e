package parcel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"shopexpress/audit"
	"shopexpress/auth"
	"shopexpress/db"
	"shopexpress/manifest"
	"shopexpress/metrics"
	"shopexpress/outbox"
	"shopexpress/rate"
)

var (
	// ErrInvalidStatus signals an unknown status value.
	ErrInvalidStatus = errors.New("parcel: invalid status")
	// ErrInvalidTransition signals a status change the lifecycle does not allow.
	ErrInvalidTransition = errors.New("parcel: invalid status transition")
	// ErrManualDelivery signals a manual attempt to mark a package delivered.
	ErrManualDelivery = errors.New("parcel: packages are delivered through distribution")
	// ErrConsolidatedMember signals a manual change to a consolidated package member.
	ErrConsolidatedMember = errors.New("parcel: package is part of a consolidated package")
	// ErrMixedCustomers signals a distribution spanning several customers.
	ErrMixedCustomers = errors.New("parcel: packages belong to different customers")
	// ErrNotReady signals a distribution including packages that are not ready.
	ErrNotReady = errors.New("parcel: packages must be ready for pickup")
	// ErrDuplicateReceipt signals a receipt number collision.
	ErrDuplicateReceipt = errors.New("parcel: receipt number already exists")
	// ErrForbidden signals the acting role may not perform the action.
	ErrForbidden = errors.New("parcel: forbidden")
	// ErrInvalidInput signals missing or malformed package fields.
	ErrInvalidInput = errors.New("parcel: invalid input")
)

// Gate is the manifest lock gate.
type Gate interface {
	EnsureOpen(ctx context.Context, q db.Querier, id string) (manifest.Manifest, error)
	EnsureOpenForUpdate(ctx context.Context, tx pgx.Tx, id string) (manifest.Manifest, error)
	CloseIfComplete(ctx context.Context, tx pgx.Tx, id string) (bool, error)
}

// Groups keeps consolidated packages in step with their members when they
// are distributed.
type Groups interface {
	// LockForPackages locks the active groups holding any of packageIDs and
	// returns their member ids keyed by group id.
	LockForPackages(ctx context.Context, tx pgx.Tx, packageIDs []string) (map[string][]string, error)
	// Deliver moves a locked group and all its members to delivered.
	Deliver(ctx context.Context, tx pgx.Tx, groupID string) error
}

// Quoter prices a measure against the current rate brackets.
type Quoter interface {
	Quote(ctx context.Context, t rate.Type, measure, exchangeRate decimal.Decimal) (rate.Quote, error)
}

// Enqueuer writes outbox messages in the caller's transaction.
type Enqueuer interface {
	Enqueue(ctx context.Context, q db.Querier, topic string, payload map[string]any) error
}

type Service struct {
	pool      db.TxBeginner
	repo      Repository
	gate      Gate
	rates     Quoter
	outbox    Enqueuer
	audit     audit.Recorder
	groups    Groups
	now       func() time.Time
	receiptNo func(time.Time) string
}

type CreateParams struct {
	ManifestID         string
	UserID             string
	OfficeID           *string
	ShipperID          *string
	TrackingNumber     string
	WarehouseReceiptNo string
	Description        string
	Weight             decimal.Decimal
	Length             decimal.Decimal
	Width              decimal.Decimal
	Height             decimal.Decimal
	EstimatedValue     decimal.Decimal
	ClearanceFee       decimal.Decimal
	StorageFee         decimal.Decimal
	DeliveryFee        decimal.Decimal
}

type UpdateStatusParams struct {
	PackageID string
	Status    Status
	Source    Source
}

type UpdateFeesParams struct {
	PackageID    string
	ClearanceFee *decimal.Decimal
	StorageFee   *decimal.Decimal
	DeliveryFee  *decimal.Decimal
}

type DistributeParams struct {
	PackageIDs      []string
	AmountCollected decimal.Decimal
	Notes           string
}

type ListResult struct {
	Items []Package
	Total int
}

// TransitionResult is the outcome of one status write.
type TransitionResult struct {
	Before  Package
	After   Package
	Changed bool
}

func NewService(pool db.TxBeginner, repo Repository, gate Gate, rates Quoter, queue Enqueuer, recorder audit.Recorder) *Service {
	return &Service{
		pool:      pool,
		repo:      repo,
		gate:      gate,
		rates:     rates,
		outbox:    queue,
		audit:     recorder,
		now:       time.Now,
		receiptNo: newReceiptNumber,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// WithGroups lets Distribute deliver whole consolidated packages. Without it
// consolidated members are rejected.
func (s *Service) WithGroups(g Groups) *Service {
	s.groups = g
	return s
}

// Create prices and stores a package on an open manifest.
func (s *Service) Create(ctx context.Context, params CreateParams) (Package, error) {
	if err := authorize(ctx, auth.ManagePackages); err != nil {
		return Package{}, err
	}
	tracking := strings.TrimSpace(params.TrackingNumber)
	if params.ManifestID == "" || params.UserID == "" || tracking == "" {
		return Package{}, fmt.Errorf("%w: manifest, customer and tracking number required", ErrInvalidInput)
	}
	for _, d := range []decimal.Decimal{params.Weight, params.Length, params.Width, params.Height, params.EstimatedValue} {
		if d.IsNegative() {
			return Package{}, fmt.Errorf("%w: measurements must not be negative", ErrInvalidInput)
		}
	}
	fees := Fees{ClearanceFee: params.ClearanceFee, StorageFee: params.StorageFee, DeliveryFee: params.DeliveryFee}
	if err := validateFees(fees); err != nil {
		return Package{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Package{}, fmt.Errorf("parcel: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	m, err := s.gate.EnsureOpen(ctx, tx, params.ManifestID)
	if err != nil {
		return Package{}, err
	}

	p := Package{
		ManifestID:         m.ID,
		UserID:             params.UserID,
		OfficeID:           params.OfficeID,
		ShipperID:          params.ShipperID,
		TrackingNumber:     tracking,
		WarehouseReceiptNo: strings.TrimSpace(params.WarehouseReceiptNo),
		Description:        strings.TrimSpace(params.Description),
		Weight:             params.Weight,
		Length:             params.Length,
		Width:              params.Width,
		Height:             params.Height,
		EstimatedValue:     params.EstimatedValue,
		Status:             StatusPending,
		ClearanceFee:       fees.ClearanceFee,
		StorageFee:         fees.StorageFee,
		DeliveryFee:        fees.DeliveryFee,
	}
	if err := s.price(ctx, m, &p); err != nil {
		return Package{}, err
	}

	created, err := s.repo.Create(ctx, tx, p)
	if err != nil {
		return Package{}, err
	}
	if err := s.audit.Created(ctx, tx, created); err != nil {
		return Package{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Package{}, fmt.Errorf("parcel: commit tx: %w", err)
	}
	return created, nil
}

// price fills cubic feet and freight from the manifest's rate type and
// exchange rate.
func (s *Service) price(ctx context.Context, m manifest.Manifest, p *Package) error {
	measure := p.Weight
	if m.Type == manifest.TypeSea {
		p.CubicFeet = rate.CubicFeet(p.Length, p.Width, p.Height)
		measure = p.CubicFeet
	}
	q, err := s.rates.Quote(ctx, m.Type.RateType(), measure, m.ExchangeRate)
	if err != nil {
		return err
	}
	p.FreightPrice = q.Total
	return nil
}

// UpdateStatus moves one package through its lifecycle.
func (s *Service) UpdateStatus(ctx context.Context, params UpdateStatusParams) (Package, error) {
	if err := authorize(ctx, auth.ManagePackages); err != nil {
		return Package{}, err
	}
	source := params.Source
	if source == "" {
		source = SourceManual
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Package{}, fmt.Errorf("parcel: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	res, err := s.Transition(ctx, tx, params.PackageID, params.Status, source)
	if err != nil {
		return Package{}, err
	}
	if !res.Changed {
		return res.After, nil
	}
	if err := s.notify(ctx, tx, res); err != nil {
		return Package{}, err
	}
	if res.After.Status == StatusDelivered {
		if _, err := s.gate.CloseIfComplete(ctx, tx, res.After.ManifestID); err != nil {
			return Package{}, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return Package{}, fmt.Errorf("parcel: commit tx: %w", err)
	}
	return res.After, nil
}

// Transition writes one status change inside tx after checking the manifest
// gate, the source rules and the lifecycle table. It audits the change and
// queues a status event, but leaves customer notification and manifest
// auto-close to the caller.
func (s *Service) Transition(ctx context.Context, tx pgx.Tx, id string, to Status, source Source) (TransitionResult, error) {
	if !to.Valid() {
		return TransitionResult{}, ErrInvalidStatus
	}
	before, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return TransitionResult{}, err
	}
	if to == StatusDelivered {
		_, err = s.gate.EnsureOpenForUpdate(ctx, tx, before.ManifestID)
	} else {
		_, err = s.gate.EnsureOpen(ctx, tx, before.ManifestID)
	}
	if err != nil {
		return TransitionResult{}, err
	}
	if source == SourceManual {
		if to == StatusDelivered {
			return TransitionResult{}, ErrManualDelivery
		}
		if before.Consolidated() {
			return TransitionResult{}, ErrConsolidatedMember
		}
	}
	if before.Status == to {
		return TransitionResult{Before: before, After: before}, nil
	}
	if !CanTransition(before.Status, to) {
		return TransitionResult{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, before.Status, to)
	}

	after, err := s.repo.SetStatus(ctx, tx, id, to)
	if err != nil {
		return TransitionResult{}, err
	}
	if err := s.audit.Updated(ctx, tx, before, after); err != nil {
		return TransitionResult{}, err
	}
	if err := s.outbox.Enqueue(ctx, tx, outbox.TopicPackageEvent, map[string]any{
		"package_id":      after.ID,
		"manifest_id":     after.ManifestID,
		"user_id":         after.UserID,
		"tracking_number": after.TrackingNumber,
		"old_status":      string(before.Status),
		"new_status":      string(after.Status),
		"source":          string(source),
		"changed_at":      s.now().UTC().Format(time.RFC3339),
	}); err != nil {
		return TransitionResult{}, err
	}
	metrics.PackageStatusTransitions.WithLabelValues(string(to), string(source)).Inc()
	return TransitionResult{Before: before, After: after, Changed: true}, nil
}

func (s *Service) notify(ctx context.Context, tx pgx.Tx, res TransitionResult) error {
	return s.outbox.Enqueue(ctx, tx, outbox.TopicPackageStatus, map[string]any{
		"package_id":      res.After.ID,
		"user_id":         res.After.UserID,
		"tracking_number": res.After.TrackingNumber,
		"description":     res.After.Description,
		"old_status":      string(res.Before.Status),
		"new_status":      string(res.After.Status),
	})
}

// UpdateFees edits the fees of a package on an open manifest.
func (s *Service) UpdateFees(ctx context.Context, params UpdateFeesParams) (Package, error) {
	if err := authorize(ctx, auth.ManagePackages); err != nil {
		return Package{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Package{}, fmt.Errorf("parcel: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	before, err := s.repo.GetForUpdate(ctx, tx, params.PackageID)
	if err != nil {
		return Package{}, err
	}
	if _, err := s.gate.EnsureOpen(ctx, tx, before.ManifestID); err != nil {
		return Package{}, err
	}

	fees := Fees{ClearanceFee: before.ClearanceFee, StorageFee: before.StorageFee, DeliveryFee: before.DeliveryFee}
	if params.ClearanceFee != nil {
		fees.ClearanceFee = *params.ClearanceFee
	}
	if params.StorageFee != nil {
		fees.StorageFee = *params.StorageFee
	}
	if params.DeliveryFee != nil {
		fees.DeliveryFee = *params.DeliveryFee
	}
	if err := validateFees(fees); err != nil {
		return Package{}, err
	}

	after, err := s.repo.SetFees(ctx, tx, before.ID, fees)
	if err != nil {
		return Package{}, err
	}
	if err := s.audit.Updated(ctx, tx, before, after); err != nil {
		return Package{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Package{}, fmt.Errorf("parcel: commit tx: %w", err)
	}
	return after, nil
}

// Recalculate reprices a package against the current rate brackets.
func (s *Service) Recalculate(ctx context.Context, id string) (Package, error) {
	if err := authorize(ctx, auth.ManagePackages); err != nil {
		return Package{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Package{}, fmt.Errorf("parcel: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	before, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Package{}, err
	}
	m, err := s.gate.EnsureOpen(ctx, tx, before.ManifestID)
	if err != nil {
		return Package{}, err
	}
	next := before
	if err := s.price(ctx, m, &next); err != nil {
		return Package{}, err
	}
	if next.FreightPrice.Equal(before.FreightPrice) && next.CubicFeet.Equal(before.CubicFeet) {
		return before, nil
	}
	after, err := s.repo.SetFreight(ctx, tx, next)
	if err != nil {
		return Package{}, err
	}
	if err := s.audit.Updated(ctx, tx, before, after); err != nil {
		return Package{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Package{}, fmt.Errorf("parcel: commit tx: %w", err)
	}
	return after, nil
}

// Distribute hands ready packages of one customer over and marks them
// delivered. A consolidated package is only distributed whole: every member
// must be in the request, and the group moves to delivered with them.
func (s *Service) Distribute(ctx context.Context, params DistributeParams) (Distribution, error) {
	if err := authorize(ctx, auth.DistributePackages); err != nil {
		return Distribution{}, err
	}
	ids := dedupe(params.PackageIDs)
	if len(ids) == 0 {
		return Distribution{}, fmt.Errorf("%w: at least one package required", ErrInvalidInput)
	}
	if params.AmountCollected.IsNegative() {
		return Distribution{}, fmt.Errorf("%w: amount collected must not be negative", ErrInvalidInput)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Distribution{}, fmt.Errorf("parcel: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	// Lock order matches consolidation status changes: group, packages, manifests.
	groups := map[string][]string{}
	if s.groups != nil {
		if groups, err = s.groups.LockForPackages(ctx, tx, ids); err != nil {
			return Distribution{}, err
		}
	}
	pkgs, err := s.repo.ListForUpdate(ctx, tx, ids)
	if err != nil {
		return Distribution{}, err
	}
	if len(pkgs) != len(ids) {
		return Distribution{}, ErrNotFound
	}

	requested := make(map[string]bool, len(ids))
	for _, id := range ids {
		requested[id] = true
	}
	customer := pkgs[0].UserID
	total := decimal.Zero
	manifests := map[string]bool{}
	grouped := map[string]bool{}
	for _, p := range pkgs {
		if p.UserID != customer {
			return Distribution{}, ErrMixedCustomers
		}
		if p.Status != StatusReady {
			return Distribution{}, fmt.Errorf("%w: %s is %s", ErrNotReady, p.TrackingNumber, p.Status)
		}
		if p.Consolidated() {
			members, ok := groups[*p.ConsolidatedPackageID]
			if !ok {
				return Distribution{}, fmt.Errorf("%w: %s", ErrConsolidatedMember, p.TrackingNumber)
			}
			for _, m := range members {
				if !requested[m] {
					return Distribution{}, fmt.Errorf("%w: %s must be distributed with every package of its group", ErrConsolidatedMember, p.TrackingNumber)
				}
			}
			grouped[p.ID] = true
		}
		total = total.Add(p.Charges())
		manifests[p.ManifestID] = true
	}
	for _, id := range sortedKeys(manifests) {
		if _, err := s.gate.EnsureOpenForUpdate(ctx, tx, id); err != nil {
			return Distribution{}, err
		}
	}

	var by *string
	if actor, ok := audit.ActorFrom(ctx); ok && actor.UserID != "" {
		by = &actor.UserID
	}
	d, err := s.repo.CreateDistribution(ctx, tx, Distribution{
		ReceiptNumber:   s.receiptNo(s.now()),
		CustomerID:      customer,
		DistributedBy:   by,
		TotalAmount:     total.Round(2),
		AmountCollected: params.AmountCollected.Round(2),
		PaymentStatus:   PaymentStatusFor(total, params.AmountCollected),
		PackageIDs:      ids,
	})
	if err != nil {
		return Distribution{}, err
	}

	for _, id := range ids {
		if grouped[id] {
			continue
		}
		res, err := s.Transition(ctx, tx, id, StatusDelivered, SourceDistribution)
		if err != nil {
			return Distribution{}, err
		}
		if err := s.notify(ctx, tx, res); err != nil {
			return Distribution{}, err
		}
	}
	groupIDs := make(map[string]bool, len(groups))
	for id := range groups {
		groupIDs[id] = true
	}
	for _, id := range sortedKeys(groupIDs) {
		if err := s.groups.Deliver(ctx, tx, id); err != nil {
			return Distribution{}, err
		}
	}

	if err := s.audit.Record(ctx, tx, audit.Entry{
		EventType:     audit.EventBusinessAction,
		AuditableType: "distribution",
		AuditableID:   d.ID,
		Action:        "packages_distributed",
		AdditionalData: map[string]any{
			"receipt_number":   d.ReceiptNumber,
			"customer_id":      customer,
			"package_ids":      ids,
			"total_amount":     d.TotalAmount.StringFixed(2),
			"amount_collected": d.AmountCollected.StringFixed(2),
			"payment_status":   string(d.PaymentStatus),
			"notes":            strings.TrimSpace(params.Notes),
		},
	}); err != nil {
		return Distribution{}, err
	}

	for _, id := range sortedKeys(manifests) {
		if _, err := s.gate.CloseIfComplete(ctx, tx, id); err != nil {
			return Distribution{}, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return Distribution{}, fmt.Errorf("parcel: commit tx: %w", err)
	}
	return d, nil
}

// Get returns a package. Customers only see their own.
func (s *Service) Get(ctx context.Context, id string) (Package, error) {
	p, err := s.repo.Get(ctx, id)
	if err != nil {
		return Package{}, err
	}
	if actor, ok := audit.ActorFrom(ctx); ok && actor.Role != "" && !auth.IsStaff(auth.Role(actor.Role)) && actor.UserID != p.UserID {
		return Package{}, ErrNotFound
	}
	return p, nil
}

func (s *Service) ListForCustomer(ctx context.Context, userID string, filters Filters) (ListResult, error) {
	if actor, ok := audit.ActorFrom(ctx); ok && actor.Role != "" && !auth.IsStaff(auth.Role(actor.Role)) && actor.UserID != userID {
		return ListResult{}, ErrForbidden
	}
	filters.UserID = userID
	return s.list(ctx, filters)
}

func (s *Service) ListForManifest(ctx context.Context, manifestID string, filters Filters) (ListResult, error) {
	if err := authorize(ctx, auth.ManagePackages); err != nil {
		return ListResult{}, err
	}
	filters.ManifestID = manifestID
	return s.list(ctx, filters)
}

func (s *Service) list(ctx context.Context, filters Filters) (ListResult, error) {
	items, total, err := s.repo.List(ctx, filters)
	if err != nil {
		return ListResult{}, err
	}
	return ListResult{Items: items, Total: total}, nil
}

// PaymentStatusFor classifies the collected amount against the total due.
func PaymentStatusFor(total, collected decimal.Decimal) PaymentStatus {
	switch {
	case collected.GreaterThanOrEqual(total):
		return PaymentPaid
	case collected.IsPositive():
		return PaymentPartial
	default:
		return PaymentUnpaid
	}
}

func validateFees(f Fees) error {
	if f.ClearanceFee.IsNegative() || f.StorageFee.IsNegative() || f.DeliveryFee.IsNegative() {
		return fmt.Errorf("%w: fees must not be negative", ErrInvalidInput)
	}
	return nil
}

// newReceiptNumber formats RCP-YYYYMMDD-XXXXXX.
func newReceiptNumber(t time.Time) string {
	suffix := strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
	return "RCP-" + t.UTC().Format("20060102") + "-" + suffix
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

// authorize checks the role of an HTTP actor. System actors carry no role.
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
