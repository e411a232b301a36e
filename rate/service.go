package rate

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"shopexpress/audit"
	"shopexpress/db"
)

// Invalidator drops cached bracket lists after writes.
type Invalidator interface {
	Invalidate(ctx context.Context, types ...Type) error
}

type Service struct {
	pool        db.TxBeginner
	repo        Repository
	source      BracketSource
	invalidator Invalidator
	audit       audit.Recorder
	logger      *zap.Logger
}

// NewService reads brackets straight from repo until WithCache is called.
func NewService(pool db.TxBeginner, repo Repository, recorder audit.Recorder) *Service {
	return &Service{
		pool:   pool,
		repo:   repo,
		source: repo,
		audit:  recorder,
		logger: zap.NewNop(),
	}
}

// WithCache serves lookups through the cached source and invalidates it on writes.
func (s *Service) WithCache(cached *CachedSource) *Service {
	s.source = cached
	s.invalidator = cached
	s.logger = cached.logger
	return s
}

func (s *Service) Air() *AirCalculator { return NewAirCalculator(s.source) }
func (s *Service) Sea() *SeaCalculator { return NewSeaCalculator(s.source) }

// CalculatorFor returns the calculator matching a manifest type.
func (s *Service) CalculatorFor(t Type) (Calculator, error) {
	switch t {
	case TypeAir:
		return s.Air(), nil
	case TypeSea:
		return s.Sea(), nil
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidRate, t)
	}
}

func (s *Service) List(ctx context.Context, t Type) ([]Rate, error) {
	if !t.Valid() {
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidRate, t)
	}
	return s.source.List(ctx, t)
}

func (s *Service) Get(ctx context.Context, id string) (Rate, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) Create(ctx context.Context, params Params) (Rate, error) {
	if err := Validate(params); err != nil {
		return Rate{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Rate{}, fmt.Errorf("rate: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	created, err := s.repo.Create(ctx, tx, params)
	if err != nil {
		return Rate{}, err
	}
	if s.audit != nil {
		if err := s.audit.Created(ctx, tx, created); err != nil {
			return Rate{}, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return Rate{}, fmt.Errorf("rate: commit tx: %w", err)
	}

	s.invalidate(ctx, created.Type)
	return created, nil
}

func (s *Service) Update(ctx context.Context, id string, params Params) (Rate, error) {
	if err := Validate(params); err != nil {
		return Rate{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Rate{}, fmt.Errorf("rate: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	before, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Rate{}, err
	}
	after, err := s.repo.Update(ctx, tx, id, params)
	if err != nil {
		return Rate{}, err
	}
	if s.audit != nil {
		if err := s.audit.Updated(ctx, tx, before, after); err != nil {
			return Rate{}, err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return Rate{}, fmt.Errorf("rate: commit tx: %w", err)
	}

	s.invalidate(ctx, before.Type, after.Type)
	return after, nil
}

func (s *Service) Delete(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("rate: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	existing, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, tx, id); err != nil {
		return err
	}
	if s.audit != nil {
		if err := s.audit.Deleted(ctx, tx, existing); err != nil {
			return err
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("rate: commit tx: %w", err)
	}

	s.invalidate(ctx, existing.Type)
	return nil
}

// Validate checks bracket shape and non-negative prices.
func Validate(p Params) error {
	if !p.Type.Valid() {
		return fmt.Errorf("%w: type must be sea or air", ErrInvalidRate)
	}
	if p.Price.IsNegative() || p.ProcessingFee.IsNegative() {
		return fmt.Errorf("%w: price and processing fee must not be negative", ErrInvalidRate)
	}
	switch p.Type {
	case TypeAir:
		if p.Weight == nil || !p.Weight.IsPositive() {
			return fmt.Errorf("%w: air rates need a positive weight", ErrInvalidRate)
		}
	case TypeSea:
		if p.MinCubicFeet == nil || p.MaxCubicFeet == nil {
			return fmt.Errorf("%w: sea rates need min and max cubic feet", ErrInvalidRate)
		}
		if p.MinCubicFeet.IsNegative() || !p.MinCubicFeet.LessThan(*p.MaxCubicFeet) {
			return fmt.Errorf("%w: need 0 <= min_cubic_feet < max_cubic_feet", ErrInvalidRate)
		}
	}
	return nil
}

// Quote prices a measure for the given manifest type.
func (s *Service) Quote(ctx context.Context, t Type, measure, exchangeRate decimal.Decimal) (Quote, error) {
	calc, err := s.CalculatorFor(t)
	if err != nil {
		return Quote{}, err
	}
	return calc.Calculate(ctx, measure, exchangeRate)
}

func (s *Service) invalidate(ctx context.Context, types ...Type) {
	if s.invalidator == nil {
		return
	}
	if err := s.invalidator.Invalidate(ctx, types...); err != nil {
		s.logger.Warn("invalidate rate cache", zap.Any("types", types), zap.Error(err))
	}
}
