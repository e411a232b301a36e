package rate

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"shopexpress/db"
)

// Repository persists rate brackets.
type Repository interface {
	Create(ctx context.Context, tx pgx.Tx, params Params) (Rate, error)
	Update(ctx context.Context, tx pgx.Tx, id string, params Params) (Rate, error)
	Delete(ctx context.Context, tx pgx.Tx, id string) error
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Rate, error)
	Get(ctx context.Context, id string) (Rate, error)
	List(ctx context.Context, t Type) ([]Rate, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const rateColumns = `id::text, type::text, weight::text, min_cubic_feet::text, max_cubic_feet::text,
	price::text, processing_fee::text, created_at, updated_at`

func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, params Params) (Rate, error) {
	const insertSQL = `
		INSERT INTO rates (type, weight, min_cubic_feet, max_cubic_feet, price, processing_fee)
		VALUES ($1::manifest_type, $2::numeric, $3::numeric, $4::numeric, $5::numeric, $6::numeric)
		RETURNING ` + rateColumns

	out, err := scanRate(tx.QueryRow(ctx, insertSQL, paramArgs(params)...))
	if err != nil {
		return Rate{}, mapWriteErr("create", err)
	}
	return out, nil
}

func (r *PGRepository) Update(ctx context.Context, tx pgx.Tx, id string, params Params) (Rate, error) {
	const updateSQL = `
		UPDATE rates
		SET type = $1::manifest_type, weight = $2::numeric, min_cubic_feet = $3::numeric,
			max_cubic_feet = $4::numeric, price = $5::numeric, processing_fee = $6::numeric,
			updated_at = now()
		WHERE id = $7
		RETURNING ` + rateColumns

	args := append(paramArgs(params), id)
	out, err := scanRate(tx.QueryRow(ctx, updateSQL, args...))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Rate{}, ErrNotFound
		}
		return Rate{}, mapWriteErr("update", err)
	}
	return out, nil
}

func (r *PGRepository) Delete(ctx context.Context, tx pgx.Tx, id string) error {
	tag, err := tx.Exec(ctx, `DELETE FROM rates WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("rate: delete: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Rate, error) {
	out, err := scanRate(tx.QueryRow(ctx, `SELECT `+rateColumns+` FROM rates WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Rate{}, ErrNotFound
		}
		return Rate{}, fmt.Errorf("rate: get for update: %w", err)
	}
	return out, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Rate, error) {
	out, err := scanRate(r.pool.QueryRow(ctx, `SELECT `+rateColumns+` FROM rates WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Rate{}, ErrNotFound
		}
		return Rate{}, fmt.Errorf("rate: get: %w", err)
	}
	return out, nil
}

// List returns the brackets of one type in lookup order: air by weight,
// sea by lower bound.
func (r *PGRepository) List(ctx context.Context, t Type) ([]Rate, error) {
	order := "weight ASC"
	if t == TypeSea {
		order = "min_cubic_feet ASC, max_cubic_feet ASC"
	}
	rows, err := r.pool.Query(ctx, `SELECT `+rateColumns+` FROM rates WHERE type = $1::manifest_type ORDER BY `+order, string(t))
	if err != nil {
		return nil, fmt.Errorf("rate: list: %w", err)
	}
	defer rows.Close()

	rates := []Rate{}
	for rows.Next() {
		rt, err := scanRate(rows)
		if err != nil {
			return nil, fmt.Errorf("rate: scan: %w", err)
		}
		rates = append(rates, rt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rate: iterate: %w", err)
	}
	return rates, nil
}

func paramArgs(p Params) []any {
	return []any{
		string(p.Type),
		db.NullString(p.Weight),
		db.NullString(p.MinCubicFeet),
		db.NullString(p.MaxCubicFeet),
		p.Price.String(),
		p.ProcessingFee.String(),
	}
}

func mapWriteErr(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return ErrDuplicateBracket
		case "23514":
			return fmt.Errorf("%w: %s", ErrInvalidRate, pgErr.Message)
		}
	}
	return fmt.Errorf("rate: %s: %w", op, err)
}

func scanRate(row pgx.Row) (Rate, error) {
	var (
		out                  Rate
		typ                  string
		weight, minCF, maxCF *string
		price, processingFee string
	)
	if err := row.Scan(&out.ID, &typ, &weight, &minCF, &maxCF, &price, &processingFee, &out.CreatedAt, &out.UpdatedAt); err != nil {
		return Rate{}, err
	}
	out.Type = Type(typ)

	var err error
	if out.Weight, err = db.NullDecimal(weight); err != nil {
		return Rate{}, err
	}
	if out.MinCubicFeet, err = db.NullDecimal(minCF); err != nil {
		return Rate{}, err
	}
	if out.MaxCubicFeet, err = db.NullDecimal(maxCF); err != nil {
		return Rate{}, err
	}
	if out.Price, err = db.Decimal(price); err != nil {
		return Rate{}, err
	}
	if out.ProcessingFee, err = db.Decimal(processingFee); err != nil {
		return Rate{}, err
	}
	return out, nil
}
