package parcel

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"shopexpress/db"
)

var (
	// ErrNotFound signals the package does not exist or is not visible.
	ErrNotFound = errors.New("parcel: not found")
	// ErrDuplicateTracking signals a tracking number already used on the manifest.
	ErrDuplicateTracking = errors.New("parcel: tracking number already exists on manifest")
)

type Repository interface {
	Create(ctx context.Context, tx pgx.Tx, p Package) (Package, error)
	Get(ctx context.Context, id string) (Package, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Package, error)
	ListForUpdate(ctx context.Context, tx pgx.Tx, ids []string) ([]Package, error)
	SetStatus(ctx context.Context, tx pgx.Tx, id string, status Status) (Package, error)
	SetFees(ctx context.Context, tx pgx.Tx, id string, fees Fees) (Package, error)
	SetFreight(ctx context.Context, tx pgx.Tx, p Package) (Package, error)
	List(ctx context.Context, filters Filters) ([]Package, int, error)
	CreateDistribution(ctx context.Context, tx pgx.Tx, d Distribution) (Distribution, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const packageColumns = `id::text, manifest_id::text, office_id::text, shipper_id::text, user_id::text, tracking_number,
	warehouse_receipt_no, description, weight::text, length_inches::text, width_inches::text,
	height_inches::text, cubic_feet::text, estimated_value::text, status::text,
	freight_price::text, clearance_fee::text, storage_fee::text, delivery_fee::text,
	consolidated_package_id::text, created_at, updated_at`

func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, p Package) (Package, error) {
	const query = `
		INSERT INTO packages (manifest_id, office_id, shipper_id, user_id, tracking_number,
			warehouse_receipt_no, description, weight, length_inches, width_inches, height_inches,
			cubic_feet, estimated_value, status, freight_price, clearance_fee, storage_fee, delivery_fee)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8::numeric, $9::numeric, $10::numeric, $11::numeric,
			$12::numeric, $13::numeric, $14::package_status, $15::numeric, $16::numeric, $17::numeric, $18::numeric)
		RETURNING ` + packageColumns

	out, err := scanPackage(tx.QueryRow(ctx, query,
		p.ManifestID,
		p.OfficeID,
		p.ShipperID,
		p.UserID,
		p.TrackingNumber,
		p.WarehouseReceiptNo,
		p.Description,
		p.Weight.String(),
		p.Length.String(),
		p.Width.String(),
		p.Height.String(),
		p.CubicFeet.String(),
		p.EstimatedValue.String(),
		string(p.Status),
		p.FreightPrice.String(),
		p.ClearanceFee.String(),
		p.StorageFee.String(),
		p.DeliveryFee.String(),
	))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) {
			switch {
			case pgErr.Code == "23505":
				return Package{}, ErrDuplicateTracking
			case pgErr.Code == "23503" && pgErr.ConstraintName != "packages_manifest_id_fkey":
				return Package{}, fmt.Errorf("%w: unknown %s", ErrInvalidInput, strings.TrimSuffix(strings.TrimPrefix(pgErr.ConstraintName, "packages_"), "_id_fkey"))
			}
		}
		return Package{}, fmt.Errorf("parcel: create: %w", err)
	}
	return out, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Package, error) {
	return getOne(ctx, r.pool, id, "", "get")
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Package, error) {
	return getOne(ctx, tx, id, " FOR UPDATE", "get for update")
}

func getOne(ctx context.Context, q db.Querier, id, lock, op string) (Package, error) {
	out, err := scanPackage(q.QueryRow(ctx, `SELECT `+packageColumns+` FROM packages WHERE id = $1`+lock, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Package{}, ErrNotFound
		}
		return Package{}, fmt.Errorf("parcel: %s: %w", op, err)
	}
	return out, nil
}

// ListForUpdate locks the given packages in id order so concurrent batches
// cannot deadlock.
func (r *PGRepository) ListForUpdate(ctx context.Context, tx pgx.Tx, ids []string) ([]Package, error) {
	rows, err := tx.Query(ctx, `SELECT `+packageColumns+` FROM packages WHERE id = ANY($1::uuid[]) ORDER BY id FOR UPDATE`, ids)
	if err != nil {
		return nil, fmt.Errorf("parcel: list for update: %w", err)
	}
	defer rows.Close()
	return collect(rows)
}

func (r *PGRepository) SetStatus(ctx context.Context, tx pgx.Tx, id string, status Status) (Package, error) {
	const query = `UPDATE packages SET status = $2::package_status, updated_at = now() WHERE id = $1 RETURNING ` + packageColumns
	return updateOne(ctx, tx, "set status", query, id, string(status))
}

func (r *PGRepository) SetFees(ctx context.Context, tx pgx.Tx, id string, fees Fees) (Package, error) {
	const query = `
		UPDATE packages
		SET clearance_fee = $2::numeric, storage_fee = $3::numeric, delivery_fee = $4::numeric, updated_at = now()
		WHERE id = $1
		RETURNING ` + packageColumns
	return updateOne(ctx, tx, "set fees", query, id,
		fees.ClearanceFee.String(), fees.StorageFee.String(), fees.DeliveryFee.String())
}

func (r *PGRepository) SetFreight(ctx context.Context, tx pgx.Tx, p Package) (Package, error) {
	const query = `
		UPDATE packages
		SET cubic_feet = $2::numeric, freight_price = $3::numeric, updated_at = now()
		WHERE id = $1
		RETURNING ` + packageColumns
	return updateOne(ctx, tx, "set freight", query, p.ID, p.CubicFeet.String(), p.FreightPrice.String())
}

func updateOne(ctx context.Context, tx pgx.Tx, op, query string, args ...any) (Package, error) {
	out, err := scanPackage(tx.QueryRow(ctx, query, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Package{}, ErrNotFound
		}
		return Package{}, fmt.Errorf("parcel: %s: %w", op, err)
	}
	return out, nil
}

func (r *PGRepository) List(ctx context.Context, filters Filters) ([]Package, int, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}

	where := []string{"1=1"}
	args := []any{}

	if filters.ManifestID != "" {
		where = append(where, fmt.Sprintf("manifest_id=$%d", len(args)+1))
		args = append(args, filters.ManifestID)
	}
	if filters.UserID != "" {
		where = append(where, fmt.Sprintf("user_id=$%d", len(args)+1))
		args = append(args, filters.UserID)
	}
	if filters.ConsolidatedPackageID != "" {
		where = append(where, fmt.Sprintf("consolidated_package_id=$%d", len(args)+1))
		args = append(args, filters.ConsolidatedPackageID)
	}
	if filters.Status != "" {
		where = append(where, fmt.Sprintf("status=$%d::package_status", len(args)+1))
		args = append(args, string(filters.Status))
	}
	if s := strings.TrimSpace(filters.Search); s != "" {
		where = append(where, fmt.Sprintf("(tracking_number ILIKE $%[1]d OR description ILIKE $%[1]d OR warehouse_receipt_no ILIKE $%[1]d)", len(args)+1))
		args = append(args, "%"+s+"%")
	}

	whereClause := " WHERE " + strings.Join(where, " AND ")

	sortOrder := strings.ToUpper(filters.SortOrder)
	if sortOrder != "ASC" && sortOrder != "DESC" {
		sortOrder = "DESC"
	}

	query := fmt.Sprintf(`SELECT %s FROM packages%s ORDER BY %s %s, id LIMIT %d OFFSET %d`,
		packageColumns, whereClause, mapSortKey(filters.SortKey), sortOrder,
		filters.PageSize, (filters.Page-1)*filters.PageSize)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("parcel: query list: %w", err)
	}
	defer rows.Close()

	list, err := collect(rows)
	if err != nil {
		return nil, 0, err
	}

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM packages"+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("parcel: count list: %w", err)
	}
	return list, total, nil
}

func (r *PGRepository) CreateDistribution(ctx context.Context, tx pgx.Tx, d Distribution) (Distribution, error) {
	const query = `
		INSERT INTO distributions (receipt_number, customer_id, distributed_by, total_amount, amount_collected, payment_status)
		VALUES ($1, $2, $3, $4::numeric, $5::numeric, $6)
		RETURNING id::text, distributed_at`

	if err := tx.QueryRow(ctx, query,
		d.ReceiptNumber,
		d.CustomerID,
		d.DistributedBy,
		d.TotalAmount.String(),
		d.AmountCollected.String(),
		string(d.PaymentStatus),
	).Scan(&d.ID, &d.DistributedAt); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Distribution{}, ErrDuplicateReceipt
		}
		return Distribution{}, fmt.Errorf("parcel: create distribution: %w", err)
	}

	for _, id := range d.PackageIDs {
		if _, err := tx.Exec(ctx, `INSERT INTO distribution_packages (distribution_id, package_id) VALUES ($1, $2)`, d.ID, id); err != nil {
			return Distribution{}, fmt.Errorf("parcel: link distribution package: %w", err)
		}
	}
	return d, nil
}

func collect(rows pgx.Rows) ([]Package, error) {
	list := []Package{}
	for rows.Next() {
		p, err := scanPackage(rows)
		if err != nil {
			return nil, fmt.Errorf("parcel: scan: %w", err)
		}
		list = append(list, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("parcel: iterate: %w", err)
	}
	return list, nil
}

func scanPackage(row pgx.Row) (Package, error) {
	var (
		p      Package
		status string
		nums   [10]string
	)
	if err := row.Scan(
		&p.ID,
		&p.ManifestID,
		&p.OfficeID,
		&p.ShipperID,
		&p.UserID,
		&p.TrackingNumber,
		&p.WarehouseReceiptNo,
		&p.Description,
		&nums[0],
		&nums[1],
		&nums[2],
		&nums[3],
		&nums[4],
		&nums[5],
		&status,
		&nums[6],
		&nums[7],
		&nums[8],
		&nums[9],
		&p.ConsolidatedPackageID,
		&p.CreatedAt,
		&p.UpdatedAt,
	); err != nil {
		return Package{}, err
	}
	p.Status = Status(status)

	targets := []*decimal.Decimal{
		&p.Weight, &p.Length, &p.Width, &p.Height, &p.CubicFeet,
		&p.EstimatedValue, &p.FreightPrice, &p.ClearanceFee, &p.StorageFee, &p.DeliveryFee,
	}
	for i, s := range nums {
		d, err := db.Decimal(s)
		if err != nil {
			return Package{}, err
		}
		*targets[i] = d
	}
	return p, nil
}

func mapSortKey(key string) string {
	switch key {
	case "trackingNumber":
		return "tracking_number"
	case "status":
		return "status"
	case "weight":
		return "weight"
	case "updatedAt":
		return "updated_at"
	case "createdAt":
		fallthrough
	default:
		return "created_at"
	}
}
