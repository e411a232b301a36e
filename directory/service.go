package directory

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"shopexpress/audit"
	"shopexpress/auth"
	"shopexpress/db"
)

var (
	ErrForbidden    = errors.New("directory: forbidden")
	ErrInvalidInput = errors.New("directory: invalid input")
)

// Service exposes office and shipper reference data.
type Service struct {
	pool  db.TxBeginner
	repo  Repository
	audit audit.Recorder
}

func NewService(pool db.TxBeginner, repo Repository, recorder audit.Recorder) *Service {
	return &Service{pool: pool, repo: repo, audit: recorder}
}

// Create stores a new office or shipper under a trimmed, non-empty name.
func (s *Service) Create(ctx context.Context, kind Kind, name string) (Entry, error) {
	if actor, ok := audit.ActorFrom(ctx); ok && actor.Role != "" && !auth.Can(auth.Role(actor.Role), auth.ManagePackages) {
		return Entry{}, ErrForbidden
	}
	if kind != KindOffice && kind != KindShipper {
		return Entry{}, fmt.Errorf("%w: unknown kind %q", ErrInvalidInput, kind)
	}
	name = strings.TrimSpace(name)
	if name == "" || len(name) > 255 {
		return Entry{}, fmt.Errorf("%w: name must be 1-255 characters", ErrInvalidInput)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Entry{}, fmt.Errorf("directory: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	e, err := s.repo.Create(ctx, tx, kind, name)
	if err != nil {
		return Entry{}, err
	}
	if err := s.audit.Created(ctx, tx, e); err != nil {
		return Entry{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Entry{}, fmt.Errorf("directory: commit tx: %w", err)
	}
	return e, nil
}

func (s *Service) Get(ctx context.Context, kind Kind, id string) (Entry, error) {
	return s.repo.GetByID(ctx, kind, id)
}

// List returns up to limit entries of kind.
func (s *Service) List(ctx context.Context, kind Kind, limit int) ([]Entry, error) {
	return s.repo.List(ctx, kind, limit)
}
