package manifest

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"shopexpress/db"
)

var (
	// ErrNotFound signals the manifest does not exist.
	ErrNotFound = errors.New("manifest: not found")
)

type Repository interface {
	Create(ctx context.Context, tx pgx.Tx, m Manifest) (Manifest, error)
	Update(ctx context.Context, tx pgx.Tx, m Manifest) (Manifest, error)
	Get(ctx context.Context, id string) (Manifest, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Manifest, error)
	GetForShare(ctx context.Context, q db.Querier, id string) (Manifest, error)
	SetOpen(ctx context.Context, tx pgx.Tx, id string, open bool) (Manifest, error)
	List(ctx context.Context, filters Filters) ([]Manifest, int, error)
	DeliveryCounts(ctx context.Context, q db.Querier, id string) (total int, delivered int, err error)
	Totals(ctx context.Context, id string) (Totals, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const manifestColumns = `id::text, name, type::text, shipment_date, reservation_number, flight_number,
	flight_destination, vessel_name, voyage_number, departure_port, arrival_port,
	exchange_rate::text, is_open, created_at, updated_at`

func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, m Manifest) (Manifest, error) {
	const query = `
		INSERT INTO manifests (name, type, shipment_date, reservation_number, flight_number,
			flight_destination, vessel_name, voyage_number, departure_port, arrival_port, exchange_rate, is_open)
		VALUES ($1, $2::manifest_type, $3, $4, $5, $6, $7, $8, $9, $10, $11::numeric, true)
		RETURNING ` + manifestColumns

	out, err := scanManifest(tx.QueryRow(ctx, query,
		m.Name,
		string(m.Type),
		m.ShipmentDate,
		m.ReservationNumber,
		m.FlightNumber,
		m.FlightDestination,
		m.VesselName,
		m.VoyageNumber,
		m.DeparturePort,
		m.ArrivalPort,
		m.ExchangeRate.String(),
	))
	if err != nil {
		return Manifest{}, fmt.Errorf("manifest: create: %w", err)
	}
	return out, nil
}

func (r *PGRepository) Update(ctx context.Context, tx pgx.Tx, m Manifest) (Manifest, error) {
	const query = `
		UPDATE manifests
		SET name = $2, shipment_date = $3, reservation_number = $4, flight_number = $5,
			flight_destination = $6, vessel_name = $7, voyage_number = $8, departure_port = $9,
			arrival_port = $10, exchange_rate = $11::numeric, updated_at = now()
		WHERE id = $1
		RETURNING ` + manifestColumns

	out, err := scanManifest(tx.QueryRow(ctx, query,
		m.ID,
		m.Name,
		m.ShipmentDate,
		m.ReservationNumber,
		m.FlightNumber,
		m.FlightDestination,
		m.VesselName,
		m.VoyageNumber,
		m.DeparturePort,
		m.ArrivalPort,
		m.ExchangeRate.String(),
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Manifest{}, ErrNotFound
		}
		return Manifest{}, fmt.Errorf("manifest: update: %w", err)
	}
	return out, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Manifest, error) {
	return r.getOne(ctx, r.pool, id, "", "get")
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Manifest, error) {
	return r.getOne(ctx, tx, id, " FOR UPDATE", "get for update")
}

// GetForShare blocks concurrent close/unlock until the caller's transaction ends.
func (r *PGRepository) GetForShare(ctx context.Context, q db.Querier, id string) (Manifest, error) {
	return r.getOne(ctx, q, id, " FOR SHARE", "get for share")
}

func (r *PGRepository) getOne(ctx context.Context, q db.Querier, id, lock, op string) (Manifest, error) {
	out, err := scanManifest(q.QueryRow(ctx, `SELECT `+manifestColumns+` FROM manifests WHERE id = $1`+lock, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Manifest{}, ErrNotFound
		}
		return Manifest{}, fmt.Errorf("manifest: %s: %w", op, err)
	}
	return out, nil
}

func (r *PGRepository) SetOpen(ctx context.Context, tx pgx.Tx, id string, open bool) (Manifest, error) {
	const query = `UPDATE manifests SET is_open = $2, updated_at = now() WHERE id = $1 RETURNING ` + manifestColumns

	out, err := scanManifest(tx.QueryRow(ctx, query, id, open))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Manifest{}, ErrNotFound
		}
		return Manifest{}, fmt.Errorf("manifest: set open: %w", err)
	}
	return out, nil
}

func (r *PGRepository) List(ctx context.Context, filters Filters) ([]Manifest, int, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}

	where := []string{"1=1"}
	args := []any{}

	if filters.Type != "" {
		where = append(where, fmt.Sprintf("type=$%d::manifest_type", len(args)+1))
		args = append(args, string(filters.Type))
	}
	if filters.Open != nil {
		where = append(where, fmt.Sprintf("is_open=$%d", len(args)+1))
		args = append(args, *filters.Open)
	}
	if s := strings.TrimSpace(filters.Search); s != "" {
		where = append(where, fmt.Sprintf("(name ILIKE $%[1]d OR reservation_number ILIKE $%[1]d)", len(args)+1))
		args = append(args, "%"+s+"%")
	}

	whereClause := " WHERE " + strings.Join(where, " AND ")

	sortOrder := strings.ToUpper(filters.SortOrder)
	if sortOrder != "ASC" && sortOrder != "DESC" {
		sortOrder = "DESC"
	}

	query := fmt.Sprintf(`SELECT %s FROM manifests%s ORDER BY %s %s, id LIMIT %d OFFSET %d`,
		manifestColumns, whereClause, mapSortKey(filters.SortKey), sortOrder,
		filters.PageSize, (filters.Page-1)*filters.PageSize)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("manifest: query list: %w", err)
	}
	defer rows.Close()

	list := []Manifest{}
	for rows.Next() {
		m, err := scanManifest(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("manifest: scan: %w", err)
		}
		list = append(list, m)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("manifest: iterate: %w", err)
	}

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM manifests"+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("manifest: count list: %w", err)
	}
	return list, total, nil
}

func (r *PGRepository) DeliveryCounts(ctx context.Context, q db.Querier, id string) (int, int, error) {
	const query = `
		SELECT COUNT(*), COUNT(*) FILTER (WHERE status = 'delivered')
		FROM packages
		WHERE manifest_id = $1
	`
	var total, delivered int
	if err := q.QueryRow(ctx, query, id).Scan(&total, &delivered); err != nil {
		return 0, 0, fmt.Errorf("manifest: delivery counts: %w", err)
	}
	return total, delivered, nil
}

func (r *PGRepository) Totals(ctx context.Context, id string) (Totals, error) {
	const query = `
		SELECT COUNT(*),
			COUNT(*) FILTER (WHERE status = 'delivered'),
			COALESCE(SUM(weight), 0)::text,
			COALESCE(SUM(cubic_feet), 0)::text,
			COALESCE(SUM(freight_price), 0)::text,
			COALESCE(SUM(clearance_fee), 0)::text,
			COALESCE(SUM(storage_fee), 0)::text,
			COALESCE(SUM(delivery_fee), 0)::text
		FROM packages
		WHERE manifest_id = $1
	`
	var (
		t    Totals
		nums [6]string
	)
	if err := r.pool.QueryRow(ctx, query, id).Scan(&t.PackageCount, &t.DeliveredCount,
		&nums[0], &nums[1], &nums[2], &nums[3], &nums[4], &nums[5]); err != nil {
		return Totals{}, fmt.Errorf("manifest: totals: %w", err)
	}
	targets := []*decimal.Decimal{&t.Weight, &t.CubicFeet, &t.Freight, &t.ClearanceFees, &t.StorageFees, &t.DeliveryFees}
	for i, s := range nums {
		d, err := db.Decimal(s)
		if err != nil {
			return Totals{}, err
		}
		*targets[i] = d
	}
	return t, nil
}

func scanManifest(row pgx.Row) (Manifest, error) {
	var (
		m            Manifest
		typ          string
		exchangeRate string
	)
	if err := row.Scan(
		&m.ID,
		&m.Name,
		&typ,
		&m.ShipmentDate,
		&m.ReservationNumber,
		&m.FlightNumber,
		&m.FlightDestination,
		&m.VesselName,
		&m.VoyageNumber,
		&m.DeparturePort,
		&m.ArrivalPort,
		&exchangeRate,
		&m.IsOpen,
		&m.CreatedAt,
		&m.UpdatedAt,
	); err != nil {
		return Manifest{}, err
	}
	m.Type = Type(typ)
	xr, err := db.Decimal(exchangeRate)
	if err != nil {
		return Manifest{}, err
	}
	m.ExchangeRate = xr
	return m, nil
}

func mapSortKey(key string) string {
	switch key {
	case "name":
		return "name"
	case "shipmentDate":
		return "shipment_date"
	case "type":
		return "type"
	case "updatedAt":
		return "updated_at"
	case "createdAt":
		fallthrough
	default:
		return "created_at"
	}
}
