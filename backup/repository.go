package backup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound signals the backup record does not exist.
	ErrNotFound = errors.New("backup: not found")
)

type Repository interface {
	Create(ctx context.Context, name string, t Type) (Backup, error)
	MarkRunning(ctx context.Context, id string, at time.Time) (Backup, error)
	Complete(ctx context.Context, id, path string, size int64, at time.Time) (Backup, error)
	Fail(ctx context.Context, id, errMsg string, at time.Time) (Backup, error)
	Expired(ctx context.Context, t Type, before time.Time) ([]Backup, error)
	Delete(ctx context.Context, id string) error
	LastSuccessful(ctx context.Context, t Type) (*Backup, error)
	Summary(ctx context.Context) (map[Status]int, int64, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const backupColumns = `id::text, name, type, status, file_path, file_size, error, started_at, completed_at, created_at`

func (r *PGRepository) Create(ctx context.Context, name string, t Type) (Backup, error) {
	return r.one(ctx, "create",
		`INSERT INTO backups (name, type, status) VALUES ($1, $2, 'pending') RETURNING `+backupColumns,
		name, string(t))
}

func (r *PGRepository) MarkRunning(ctx context.Context, id string, at time.Time) (Backup, error) {
	return r.one(ctx, "mark running",
		`UPDATE backups SET status = 'running', started_at = $2 WHERE id = $1 RETURNING `+backupColumns,
		id, at)
}

func (r *PGRepository) Complete(ctx context.Context, id, path string, size int64, at time.Time) (Backup, error) {
	return r.one(ctx, "complete",
		`UPDATE backups SET status = 'completed', file_path = $2, file_size = $3, completed_at = $4 WHERE id = $1 RETURNING `+backupColumns,
		id, path, size, at)
}

func (r *PGRepository) Fail(ctx context.Context, id, errMsg string, at time.Time) (Backup, error) {
	return r.one(ctx, "fail",
		`UPDATE backups SET status = 'failed', error = $2, completed_at = $3 WHERE id = $1 RETURNING `+backupColumns,
		id, errMsg, at)
}

func (r *PGRepository) one(ctx context.Context, op, query string, args ...any) (Backup, error) {
	b, err := scanBackup(r.pool.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Backup{}, ErrNotFound
		}
		return Backup{}, fmt.Errorf("backup: %s: %w", op, err)
	}
	return b, nil
}

// Expired lists finished backups of type t created before the cutoff.
func (r *PGRepository) Expired(ctx context.Context, t Type, before time.Time) ([]Backup, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+backupColumns+` FROM backups
		WHERE type = $1 AND status IN ('completed', 'failed') AND created_at < $2
		ORDER BY created_at`, string(t), before)
	if err != nil {
		return nil, fmt.Errorf("backup: expired: %w", err)
	}
	defer rows.Close()

	list := []Backup{}
	for rows.Next() {
		b, err := scanBackup(rows)
		if err != nil {
			return nil, fmt.Errorf("backup: scan: %w", err)
		}
		list = append(list, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("backup: iterate: %w", err)
	}
	return list, nil
}

func (r *PGRepository) Delete(ctx context.Context, id string) error {
	tag, err := r.pool.Exec(ctx, `DELETE FROM backups WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("backup: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) LastSuccessful(ctx context.Context, t Type) (*Backup, error) {
	b, err := scanBackup(r.pool.QueryRow(ctx, `
		SELECT `+backupColumns+` FROM backups
		WHERE type = $1 AND status = 'completed'
		ORDER BY completed_at DESC
		LIMIT 1`, string(t)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("backup: last successful: %w", err)
	}
	return &b, nil
}

func (r *PGRepository) Summary(ctx context.Context) (map[Status]int, int64, error) {
	rows, err := r.pool.Query(ctx, `SELECT status, COUNT(*), COALESCE(SUM(file_size), 0) FROM backups GROUP BY status`)
	if err != nil {
		return nil, 0, fmt.Errorf("backup: summary: %w", err)
	}
	defer rows.Close()

	counts := map[Status]int{}
	var total int64
	for rows.Next() {
		var (
			status string
			n      int
			size   int64
		)
		if err := rows.Scan(&status, &n, &size); err != nil {
			return nil, 0, fmt.Errorf("backup: scan summary: %w", err)
		}
		counts[Status(status)] = n
		if Status(status) == StatusCompleted {
			total += size
		}
	}
	return counts, total, rows.Err()
}

func scanBackup(row pgx.Row) (Backup, error) {
	var (
		b      Backup
		typ    string
		status string
	)
	if err := row.Scan(&b.ID, &b.Name, &typ, &status, &b.FilePath, &b.FileSize, &b.Error,
		&b.StartedAt, &b.CompletedAt, &b.CreatedAt); err != nil {
		return Backup{}, err
	}
	b.Type = Type(typ)
	b.Status = Status(status)
	return b, nil
}
