package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound signals the requested office or shipper does not exist.
	ErrNotFound = errors.New("directory: not found")
	// ErrDuplicateName signals the name is already taken within its kind.
	ErrDuplicateName = errors.New("directory: name already exists")
)

type Repository interface {
	Create(ctx context.Context, tx pgx.Tx, kind Kind, name string) (Entry, error)
	GetByID(ctx context.Context, kind Kind, id string) (Entry, error)
	List(ctx context.Context, kind Kind, limit int) ([]Entry, error)
}

// PGRepository reads and writes the offices and shippers tables.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, kind Kind, name string) (Entry, error) {
	query := `INSERT INTO ` + kind.table() + ` (name) VALUES ($1) RETURNING id::text, name, created_at`

	e := Entry{Kind: kind}
	if err := tx.QueryRow(ctx, query, name).Scan(&e.ID, &e.Name, &e.CreatedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Entry{}, ErrDuplicateName
		}
		return Entry{}, fmt.Errorf("directory: create %s: %w", kind, err)
	}
	return e, nil
}

// GetByID fetches one entry by its primary key.
func (r *PGRepository) GetByID(ctx context.Context, kind Kind, id string) (Entry, error) {
	query := `SELECT id::text, name, created_at FROM ` + kind.table() + ` WHERE id = $1`

	e := Entry{Kind: kind}
	if err := r.pool.QueryRow(ctx, query, id).Scan(&e.ID, &e.Name, &e.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Entry{}, ErrNotFound
		}
		return Entry{}, fmt.Errorf("directory: query %s by id: %w", kind, err)
	}
	return e, nil
}

// List fetches up to limit entries ordered by name.
func (r *PGRepository) List(ctx context.Context, kind Kind, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	query := `SELECT id::text, name, created_at FROM ` + kind.table() + ` ORDER BY name ASC LIMIT $1`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("directory: list %s: %w", kind, err)
	}
	defer rows.Close()

	entries := make([]Entry, 0, limit)
	for rows.Next() {
		e := Entry{Kind: kind}
		if err := rows.Scan(&e.ID, &e.Name, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("directory: scan %s: %w", kind, err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("directory: iterate %s: %w", kind, err)
	}
	return entries, nil
}
