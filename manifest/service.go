package manifest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"shopexpress/audit"
	"shopexpress/auth"
	"shopexpress/db"
	"shopexpress/metrics"
)

var (
	// ErrManifestClosed signals a mutation against a closed manifest.
	ErrManifestClosed = errors.New("manifest: manifest is closed")
	// ErrAlreadyClosed signals Close on a closed manifest.
	ErrAlreadyClosed = errors.New("manifest: already closed")
	// ErrNotClosed signals Unlock on a manifest that is still open.
	ErrNotClosed = errors.New("manifest: manifest is not closed")
	// ErrInvalidReason signals an unlock reason outside 10..500 characters.
	ErrInvalidReason = errors.New("manifest: unlock reason must be between 10 and 500 characters")
	// ErrForbidden signals the acting role may not perform the action.
	ErrForbidden = errors.New("manifest: forbidden")
	// ErrInvalidInput signals missing or malformed manifest fields.
	ErrInvalidInput = errors.New("manifest: invalid input")
)

const (
	minReasonLength = 10
	maxReasonLength = 500
)

// HistoryReader lists audit entries of one model.
type HistoryReader interface {
	ForAuditable(ctx context.Context, auditableType, auditableID string) ([]audit.Entry, error)
}

type Service struct {
	pool    db.TxBeginner
	repo    Repository
	audit   audit.Recorder
	history HistoryReader
	now     func() time.Time
}

type CreateParams struct {
	Name              string
	Type              Type
	ShipmentDate      time.Time
	ReservationNumber string
	FlightNumber      string
	FlightDestination string
	VesselName        string
	VoyageNumber      string
	DeparturePort     string
	ArrivalPort       string
	ExchangeRate      decimal.Decimal
}

// UpdateParams carries the editable fields. Type cannot change once packages
// are priced against it.
type UpdateParams struct {
	Name              *string
	ShipmentDate      *time.Time
	ReservationNumber *string
	FlightNumber      *string
	FlightDestination *string
	VesselName        *string
	VoyageNumber      *string
	DeparturePort     *string
	ArrivalPort       *string
	ExchangeRate      *decimal.Decimal
}

type ListResult struct {
	Items []Manifest
	Total int
}

func NewService(pool db.TxBeginner, repo Repository, recorder audit.Recorder, history HistoryReader) *Service {
	return &Service{
		pool:    pool,
		repo:    repo,
		audit:   recorder,
		history: history,
		now:     time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) Create(ctx context.Context, params CreateParams) (Manifest, error) {
	name := strings.TrimSpace(params.Name)
	if name == "" {
		return Manifest{}, fmt.Errorf("%w: name required", ErrInvalidInput)
	}
	if !params.Type.Valid() {
		return Manifest{}, fmt.Errorf("%w: type must be sea or air", ErrInvalidInput)
	}
	if params.ShipmentDate.IsZero() {
		return Manifest{}, fmt.Errorf("%w: shipment date required", ErrInvalidInput)
	}
	xr := params.ExchangeRate
	if xr.IsZero() {
		xr = decimal.NewFromInt(1)
	}
	if xr.IsNegative() {
		return Manifest{}, fmt.Errorf("%w: exchange rate must be positive", ErrInvalidInput)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Manifest{}, fmt.Errorf("manifest: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	created, err := s.repo.Create(ctx, tx, Manifest{
		Name:              name,
		Type:              params.Type,
		ShipmentDate:      params.ShipmentDate,
		ReservationNumber: strings.TrimSpace(params.ReservationNumber),
		FlightNumber:      strings.TrimSpace(params.FlightNumber),
		FlightDestination: strings.TrimSpace(params.FlightDestination),
		VesselName:        strings.TrimSpace(params.VesselName),
		VoyageNumber:      strings.TrimSpace(params.VoyageNumber),
		DeparturePort:     strings.TrimSpace(params.DeparturePort),
		ArrivalPort:       strings.TrimSpace(params.ArrivalPort),
		ExchangeRate:      xr,
		IsOpen:            true,
	})
	if err != nil {
		return Manifest{}, err
	}
	if err := s.audit.Created(ctx, tx, created); err != nil {
		return Manifest{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Manifest{}, fmt.Errorf("manifest: commit tx: %w", err)
	}
	return created, nil
}

func (s *Service) Get(ctx context.Context, id string) (Manifest, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, filters Filters) (ListResult, error) {
	items, total, err := s.repo.List(ctx, filters)
	if err != nil {
		return ListResult{}, err
	}
	return ListResult{Items: items, Total: total}, nil
}

// Update edits an open manifest.
func (s *Service) Update(ctx context.Context, id string, params UpdateParams) (Manifest, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Manifest{}, fmt.Errorf("manifest: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	before, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Manifest{}, err
	}
	if !before.IsOpen {
		return Manifest{}, ErrManifestClosed
	}

	next := before
	if params.Name != nil {
		if strings.TrimSpace(*params.Name) == "" {
			return Manifest{}, fmt.Errorf("%w: name required", ErrInvalidInput)
		}
		next.Name = strings.TrimSpace(*params.Name)
	}
	if params.ShipmentDate != nil {
		next.ShipmentDate = *params.ShipmentDate
	}
	if params.ExchangeRate != nil {
		if !params.ExchangeRate.IsPositive() {
			return Manifest{}, fmt.Errorf("%w: exchange rate must be positive", ErrInvalidInput)
		}
		next.ExchangeRate = *params.ExchangeRate
	}
	setString(&next.ReservationNumber, params.ReservationNumber)
	setString(&next.FlightNumber, params.FlightNumber)
	setString(&next.FlightDestination, params.FlightDestination)
	setString(&next.VesselName, params.VesselName)
	setString(&next.VoyageNumber, params.VoyageNumber)
	setString(&next.DeparturePort, params.DeparturePort)
	setString(&next.ArrivalPort, params.ArrivalPort)

	after, err := s.repo.Update(ctx, tx, next)
	if err != nil {
		return Manifest{}, err
	}
	if err := s.audit.Updated(ctx, tx, before, after); err != nil {
		return Manifest{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Manifest{}, fmt.Errorf("manifest: commit tx: %w", err)
	}
	return after, nil
}

// EnsureOpen is the lock gate. It takes a share lock on the manifest row so
// a concurrent Close waits for the caller's transaction.
func (s *Service) EnsureOpen(ctx context.Context, q db.Querier, id string) (Manifest, error) {
	m, err := s.repo.GetForShare(ctx, q, id)
	if err != nil {
		return Manifest{}, err
	}
	if !m.IsOpen {
		return Manifest{}, ErrManifestClosed
	}
	return m, nil
}

// EnsureOpenForUpdate is EnsureOpen with a row lock strong enough for a later
// CloseIfComplete in the same transaction. Delivery paths take it before
// anything else touches the manifest so no transaction upgrades a share lock.
func (s *Service) EnsureOpenForUpdate(ctx context.Context, tx pgx.Tx, id string) (Manifest, error) {
	m, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Manifest{}, err
	}
	if !m.IsOpen {
		return Manifest{}, ErrManifestClosed
	}
	return m, nil
}

// Close locks an open manifest against further package changes.
func (s *Service) Close(ctx context.Context, id string) (Manifest, error) {
	if err := authorize(ctx, auth.CloseManifests); err != nil {
		return Manifest{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Manifest{}, fmt.Errorf("manifest: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	before, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Manifest{}, err
	}
	if !before.IsOpen {
		return Manifest{}, ErrAlreadyClosed
	}
	after, err := s.repo.SetOpen(ctx, tx, id, false)
	if err != nil {
		return Manifest{}, err
	}
	if err := s.audit.Updated(ctx, tx, before, after); err != nil {
		return Manifest{}, err
	}
	if err := s.audit.Record(ctx, tx, audit.Entry{
		EventType:     audit.EventBusinessAction,
		AuditableType: "manifest",
		AuditableID:   id,
		Action:        "manifest_closed",
		AdditionalData: map[string]any{
			"manifest_name": after.Name,
		},
	}); err != nil {
		return Manifest{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Manifest{}, fmt.Errorf("manifest: commit tx: %w", err)
	}
	return after, nil
}

// Unlock reopens a closed manifest. The trimmed reason is stored on the
// business_action audit entry.
func (s *Service) Unlock(ctx context.Context, id, reason string) (Manifest, error) {
	if err := authorize(ctx, auth.UnlockManifests); err != nil {
		return Manifest{}, err
	}
	reason = strings.TrimSpace(reason)
	if n := utf8.RuneCountInString(reason); n < minReasonLength || n > maxReasonLength {
		return Manifest{}, ErrInvalidReason
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Manifest{}, fmt.Errorf("manifest: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	before, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Manifest{}, err
	}
	if before.IsOpen {
		return Manifest{}, ErrNotClosed
	}
	after, err := s.repo.SetOpen(ctx, tx, id, true)
	if err != nil {
		return Manifest{}, err
	}
	if err := s.audit.Updated(ctx, tx, before, after); err != nil {
		return Manifest{}, err
	}
	if err := s.audit.Record(ctx, tx, audit.Entry{
		EventType:     audit.EventBusinessAction,
		AuditableType: "manifest",
		AuditableID:   id,
		Action:        "manifest_unlocked",
		OldValues:     map[string]any{"is_open": false},
		NewValues:     map[string]any{"is_open": true},
		AdditionalData: map[string]any{
			"reason":        reason,
			"manifest_name": after.Name,
			"unlocked_at":   s.now().UTC().Format(time.RFC3339),
		},
	}); err != nil {
		return Manifest{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Manifest{}, fmt.Errorf("manifest: commit tx: %w", err)
	}
	return after, nil
}

// CloseIfComplete closes the manifest inside the caller's transaction when it
// has packages and all of them are delivered. It reports whether it closed.
func (s *Service) CloseIfComplete(ctx context.Context, tx pgx.Tx, id string) (bool, error) {
	m, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return false, err
	}
	if !m.IsOpen {
		return false, nil
	}
	total, delivered, err := s.repo.DeliveryCounts(ctx, tx, id)
	if err != nil {
		return false, err
	}
	if total == 0 || delivered != total {
		return false, nil
	}

	after, err := s.repo.SetOpen(ctx, tx, id, false)
	if err != nil {
		return false, err
	}
	if err := s.audit.Updated(ctx, tx, m, after); err != nil {
		return false, err
	}
	if err := s.audit.Record(ctx, tx, audit.Entry{
		EventType:     audit.EventBusinessAction,
		AuditableType: "manifest",
		AuditableID:   id,
		Action:        "manifest_auto_closed",
		AdditionalData: map[string]any{
			"reason":         "All packages delivered",
			"manifest_name":  m.Name,
			"total_packages": total,
		},
	}); err != nil {
		return false, err
	}
	metrics.ManifestAutoClosed.Inc()
	return true, nil
}

// History returns the manifest's audit trail, newest first.
func (s *Service) History(ctx context.Context, id string) ([]audit.Entry, error) {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return nil, err
	}
	if s.history == nil {
		return []audit.Entry{}, nil
	}
	return s.history.ForAuditable(ctx, "manifest", id)
}

func (s *Service) Totals(ctx context.Context, id string) (Totals, error) {
	if _, err := s.repo.Get(ctx, id); err != nil {
		return Totals{}, err
	}
	return s.repo.Totals(ctx, id)
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

func setString(dst *string, v *string) {
	if v != nil {
		*dst = strings.TrimSpace(*v)
	}
}
