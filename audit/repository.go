package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"shopexpress/db"
)

// PGRepository stores audit entries in PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const selectColumns = `id, event_type, auditable_type, auditable_id, action, user_id::text,
	old_values, new_values, url, ip_address, user_agent, additional_data, created_at`

// Insert appends an entry using q, which is usually the caller's transaction.
func (r *PGRepository) Insert(ctx context.Context, q db.Querier, e Entry) (Entry, error) {
	if q == nil {
		q = r.pool
	}
	oldJSON, err := marshalNullable(e.OldValues)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: marshal old values: %w", err)
	}
	newJSON, err := marshalNullable(e.NewValues)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: marshal new values: %w", err)
	}
	extraJSON, err := marshalNullable(e.AdditionalData)
	if err != nil {
		return Entry{}, fmt.Errorf("audit: marshal additional data: %w", err)
	}

	const insertSQL = `
		INSERT INTO audit_logs (event_type, auditable_type, auditable_id, action, user_id,
			old_values, new_values, url, ip_address, user_agent, additional_data)
		VALUES ($1, $2, $3, $4, $5::uuid, $6::jsonb, $7::jsonb, $8, $9, $10, $11::jsonb)
		RETURNING ` + selectColumns

	out, err := scanEntry(q.QueryRow(ctx, insertSQL,
		e.EventType,
		e.AuditableType,
		e.AuditableID,
		e.Action,
		e.UserID,
		oldJSON,
		newJSON,
		e.URL,
		e.IPAddress,
		e.UserAgent,
		extraJSON,
	))
	if err != nil {
		return Entry{}, fmt.Errorf("audit: insert: %w", err)
	}
	return out, nil
}

// Query lists entries newest first and returns the total match count.
func (r *PGRepository) Query(ctx context.Context, filters Filters) ([]Entry, int, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 500 {
		filters.PageSize = 50
	}

	whereClause, args := buildWhere(filters)

	query := fmt.Sprintf(`SELECT %s FROM audit_logs%s ORDER BY created_at DESC, id DESC LIMIT %d OFFSET %d`,
		selectColumns, whereClause, filters.PageSize, (filters.Page-1)*filters.PageSize)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("audit: query: %w", err)
	}
	defer rows.Close()

	entries := []Entry{}
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("audit: scan: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("audit: iterate: %w", err)
	}

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM audit_logs"+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("audit: count: %w", err)
	}
	return entries, total, nil
}

// ForAuditable returns the history of a single model, newest first.
func (r *PGRepository) ForAuditable(ctx context.Context, auditableType, auditableID string) ([]Entry, error) {
	entries, _, err := r.Query(ctx, Filters{
		AuditableType: auditableType,
		AuditableID:   auditableID,
		PageSize:      500,
	})
	return entries, err
}

// Purge deletes entries created before cutoff. The append-only trigger only
// lets deletes through when app.audit_purge is set for the transaction.
func (r *PGRepository) Purge(ctx context.Context, cutoff time.Time, dryRun bool) (int64, error) {
	if dryRun {
		var n int64
		if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM audit_logs WHERE created_at < $1`, cutoff).Scan(&n); err != nil {
			return 0, fmt.Errorf("audit: count purge: %w", err)
		}
		return n, nil
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("audit: begin purge: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SET LOCAL app.audit_purge = 'on'`); err != nil {
		return 0, fmt.Errorf("audit: enable purge: %w", err)
	}
	tag, err := tx.Exec(ctx, `DELETE FROM audit_logs WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("audit: purge: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("audit: commit purge: %w", err)
	}
	return tag.RowsAffected(), nil
}

func buildWhere(filters Filters) (string, []any) {
	where := []string{"1=1"}
	args := []any{}

	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}

	if filters.EventType != "" {
		add("event_type = $%d", filters.EventType)
	}
	if filters.Action != "" {
		add("action = $%d", filters.Action)
	}
	if filters.UserID != "" {
		add("user_id = $%d::uuid", filters.UserID)
	}
	if filters.AuditableType != "" {
		add("auditable_type = $%d", filters.AuditableType)
	}
	if filters.AuditableID != "" {
		add("auditable_id = $%d", filters.AuditableID)
	}
	if filters.From != nil {
		add("created_at >= $%d", *filters.From)
	}
	if filters.To != nil {
		add("created_at <= $%d", *filters.To)
	}
	if s := strings.TrimSpace(filters.Search); s != "" {
		add("(action ILIKE $%[1]d OR auditable_type ILIKE $%[1]d OR ip_address ILIKE $%[1]d OR new_values::text ILIKE $%[1]d OR old_values::text ILIKE $%[1]d)", "%"+s+"%")
	}

	return " WHERE " + strings.Join(where, " AND "), args
}

func scanEntry(row pgx.Row) (Entry, error) {
	var (
		e                     Entry
		oldRaw, newRaw, extra []byte
	)
	if err := row.Scan(
		&e.ID,
		&e.EventType,
		&e.AuditableType,
		&e.AuditableID,
		&e.Action,
		&e.UserID,
		&oldRaw,
		&newRaw,
		&e.URL,
		&e.IPAddress,
		&e.UserAgent,
		&extra,
		&e.CreatedAt,
	); err != nil {
		return Entry{}, err
	}
	var err error
	if e.OldValues, err = unmarshalNullable(oldRaw); err != nil {
		return Entry{}, err
	}
	if e.NewValues, err = unmarshalNullable(newRaw); err != nil {
		return Entry{}, err
	}
	if e.AdditionalData, err = unmarshalNullable(extra); err != nil {
		return Entry{}, err
	}
	return e, nil
}

func marshalNullable(m map[string]any) (*string, error) {
	if m == nil {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

func unmarshalNullable(b []byte) (map[string]any, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}
