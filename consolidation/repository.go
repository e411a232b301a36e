package consolidation

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"shopexpress/db"
	"shopexpress/parcel"
)

var (
	// ErrNotFound signals the consolidated package does not exist.
	ErrNotFound = errors.New("consolidation: not found")
	// ErrDuplicateTracking signals a consolidated tracking number collision.
	ErrDuplicateTracking = errors.New("consolidation: tracking number already exists")
)

type Repository interface {
	Create(ctx context.Context, tx pgx.Tx, c ConsolidatedPackage) (ConsolidatedPackage, error)
	Get(ctx context.Context, id string) (ConsolidatedPackage, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (ConsolidatedPackage, error)
	SetStatus(ctx context.Context, tx pgx.Tx, id string, status parcel.Status) (ConsolidatedPackage, error)
	Deactivate(ctx context.Context, tx pgx.Tx, id string, at time.Time) (ConsolidatedPackage, error)
	Link(ctx context.Context, tx pgx.Tx, id string, packageIDs []string) error
	Unlink(ctx context.Context, tx pgx.Tx, id string) ([]string, error)
	MemberIDs(ctx context.Context, q db.Querier, id string) ([]string, error)
	LockActiveForPackages(ctx context.Context, tx pgx.Tx, packageIDs []string) ([]string, error)
	List(ctx context.Context, filters Filters) ([]Summary, int, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const groupColumns = `c.id::text, c.consolidated_tracking_number, c.customer_id::text, c.created_by::text,
	c.status::text, c.notes, c.is_active, c.consolidated_at, c.unconsolidated_at, c.created_at, c.updated_at`

func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, c ConsolidatedPackage) (ConsolidatedPackage, error) {
	const query = `
		INSERT INTO consolidated_packages AS c (consolidated_tracking_number, customer_id, created_by, status, notes)
		VALUES ($1, $2, $3, $4::package_status, $5)
		RETURNING ` + groupColumns

	out, err := scanGroup(tx.QueryRow(ctx, query, c.TrackingNumber, c.CustomerID, c.CreatedBy, string(c.Status), c.Notes))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ConsolidatedPackage{}, ErrDuplicateTracking
		}
		return ConsolidatedPackage{}, fmt.Errorf("consolidation: create: %w", err)
	}
	return out, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (ConsolidatedPackage, error) {
	return getOne(ctx, r.pool, id, "", "get")
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (ConsolidatedPackage, error) {
	return getOne(ctx, tx, id, " FOR UPDATE", "get for update")
}

func getOne(ctx context.Context, q db.Querier, id, lock, op string) (ConsolidatedPackage, error) {
	out, err := scanGroup(q.QueryRow(ctx, `SELECT `+groupColumns+` FROM consolidated_packages c WHERE c.id = $1`+lock, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ConsolidatedPackage{}, ErrNotFound
		}
		return ConsolidatedPackage{}, fmt.Errorf("consolidation: %s: %w", op, err)
	}
	return out, nil
}

func (r *PGRepository) SetStatus(ctx context.Context, tx pgx.Tx, id string, status parcel.Status) (ConsolidatedPackage, error) {
	const query = `
		UPDATE consolidated_packages AS c SET status = $2::package_status, updated_at = now()
		WHERE c.id = $1
		RETURNING ` + groupColumns
	return updateOne(ctx, tx, "set status", query, id, string(status))
}

func (r *PGRepository) Deactivate(ctx context.Context, tx pgx.Tx, id string, at time.Time) (ConsolidatedPackage, error) {
	const query = `
		UPDATE consolidated_packages AS c SET is_active = false, unconsolidated_at = $2, updated_at = now()
		WHERE c.id = $1
		RETURNING ` + groupColumns
	return updateOne(ctx, tx, "deactivate", query, id, at)
}

func updateOne(ctx context.Context, tx pgx.Tx, op, query string, args ...any) (ConsolidatedPackage, error) {
	out, err := scanGroup(tx.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ConsolidatedPackage{}, ErrNotFound
		}
		return ConsolidatedPackage{}, fmt.Errorf("consolidation: %s: %w", op, err)
	}
	return out, nil
}

func (r *PGRepository) Link(ctx context.Context, tx pgx.Tx, id string, packageIDs []string) error {
	tag, err := tx.Exec(ctx, `
		UPDATE packages SET consolidated_package_id = $1, updated_at = now()
		WHERE id = ANY($2::uuid[]) AND consolidated_package_id IS NULL`, id, packageIDs)
	if err != nil {
		return fmt.Errorf("consolidation: link packages: %w", err)
	}
	if int(tag.RowsAffected()) != len(packageIDs) {
		return fmt.Errorf("consolidation: linked %d of %d packages", tag.RowsAffected(), len(packageIDs))
	}
	return nil
}

func (r *PGRepository) Unlink(ctx context.Context, tx pgx.Tx, id string) ([]string, error) {
	rows, err := tx.Query(ctx, `
		UPDATE packages SET consolidated_package_id = NULL, updated_at = now()
		WHERE consolidated_package_id = $1
		RETURNING id::text`, id)
	if err != nil {
		return nil, fmt.Errorf("consolidation: unlink packages: %w", err)
	}
	return collectIDs(rows)
}

func (r *PGRepository) MemberIDs(ctx context.Context, q db.Querier, id string) ([]string, error) {
	rows, err := q.Query(ctx, `SELECT id::text FROM packages WHERE consolidated_package_id = $1 ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("consolidation: member ids: %w", err)
	}
	return collectIDs(rows)
}

// LockActiveForPackages locks, in id order, the active groups that hold any
// of packageIDs.
func (r *PGRepository) LockActiveForPackages(ctx context.Context, tx pgx.Tx, packageIDs []string) ([]string, error) {
	rows, err := tx.Query(ctx, `
		SELECT c.id::text FROM consolidated_packages c
		WHERE c.is_active
		  AND c.id IN (SELECT p.consolidated_package_id FROM packages p WHERE p.id = ANY($1::uuid[]))
		ORDER BY c.id
		FOR UPDATE OF c`, packageIDs)
	if err != nil {
		return nil, fmt.Errorf("consolidation: lock groups: %w", err)
	}
	return collectIDs(rows)
}

func collectIDs(rows pgx.Rows) ([]string, error) {
	defer rows.Close()
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("consolidation: scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("consolidation: iterate ids: %w", err)
	}
	return ids, nil
}

func (r *PGRepository) List(ctx context.Context, filters Filters) ([]Summary, int, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}

	where := []string{"1=1"}
	args := []any{}

	if filters.CustomerID != "" {
		where = append(where, fmt.Sprintf("c.customer_id=$%d", len(args)+1))
		args = append(args, filters.CustomerID)
	}
	if filters.Active != nil {
		where = append(where, fmt.Sprintf("c.is_active=$%d", len(args)+1))
		args = append(args, *filters.Active)
	}
	if filters.Status != "" {
		where = append(where, fmt.Sprintf("c.status=$%d::package_status", len(args)+1))
		args = append(args, string(filters.Status))
	}
	whereClause := " WHERE " + strings.Join(where, " AND ")

	query := fmt.Sprintf(`
		SELECT %s,
			COUNT(p.id),
			COALESCE(SUM(p.weight), 0)::text,
			COALESCE(SUM(p.freight_price), 0)::text,
			COALESCE(SUM(p.clearance_fee), 0)::text,
			COALESCE(SUM(p.storage_fee), 0)::text,
			COALESCE(SUM(p.delivery_fee), 0)::text
		FROM consolidated_packages c
		LEFT JOIN packages p ON p.consolidated_package_id = c.id
		%s
		GROUP BY c.id
		ORDER BY c.consolidated_at DESC, c.id
		LIMIT %d OFFSET %d`,
		groupColumns, whereClause, filters.PageSize, (filters.Page-1)*filters.PageSize)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("consolidation: query list: %w", err)
	}
	defer rows.Close()

	list := []Summary{}
	for rows.Next() {
		var (
			s    Summary
			nums [5]string
		)
		c, err := scanGroupWith(rows, &s.Totals.Quantity, &nums[0], &nums[1], &nums[2], &nums[3], &nums[4])
		if err != nil {
			return nil, 0, fmt.Errorf("consolidation: scan: %w", err)
		}
		s.ConsolidatedPackage = c
		targets := []*decimal.Decimal{&s.Totals.Weight, &s.Totals.Freight, &s.Totals.ClearanceFees, &s.Totals.StorageFees, &s.Totals.DeliveryFees}
		for i, n := range nums {
			d, err := db.Decimal(n)
			if err != nil {
				return nil, 0, err
			}
			*targets[i] = d
		}
		list = append(list, s)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("consolidation: iterate: %w", err)
	}

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM consolidated_packages c"+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("consolidation: count list: %w", err)
	}
	return list, total, nil
}

func scanGroup(row pgx.Row) (ConsolidatedPackage, error) {
	return scanGroupWith(row)
}

func scanGroupWith(row pgx.Row, extra ...any) (ConsolidatedPackage, error) {
	var (
		c      ConsolidatedPackage
		status string
	)
	dest := []any{
		&c.ID,
		&c.TrackingNumber,
		&c.CustomerID,
		&c.CreatedBy,
		&status,
		&c.Notes,
		&c.IsActive,
		&c.ConsolidatedAt,
		&c.UnconsolidatedAt,
		&c.CreatedAt,
		&c.UpdatedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return ConsolidatedPackage{}, err
	}
	c.Status = parcel.Status(status)
	return c, nil
}
