package broadcast

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"shopexpress/db"
)

var (
	// ErrNotFound signals the broadcast message does not exist.
	ErrNotFound = errors.New("broadcast: not found")
)

type Repository interface {
	Create(ctx context.Context, tx pgx.Tx, m Message) (Message, error)
	Get(ctx context.Context, id string) (Message, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Message, error)
	SetStatus(ctx context.Context, tx pgx.Tx, id string, status Status, sentAt *time.Time) (Message, error)
	List(ctx context.Context, filters Filters) ([]Message, int, error)
	DueIDs(ctx context.Context, now time.Time) ([]string, error)
	CreateDelivery(ctx context.Context, tx pgx.Tx, d Delivery) (Delivery, error)
	MarkDelivery(ctx context.Context, deliveryID string, sent bool, errMsg string) error
	Stats(ctx context.Context, id string) (Stats, error)
}

type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const messageColumns = `id::text, subject, content, sender_id::text, recipient_type, recipient_ids::text[],
	status, scheduled_at, sent_at, created_at, updated_at`

func (r *PGRepository) Create(ctx context.Context, tx pgx.Tx, m Message) (Message, error) {
	const query = `
		INSERT INTO broadcast_messages (subject, content, sender_id, recipient_type, recipient_ids, status, scheduled_at)
		VALUES ($1, $2, $3, $4, $5::uuid[], $6, $7)
		RETURNING ` + messageColumns

	ids := m.RecipientIDs
	if ids == nil {
		ids = []string{}
	}
	out, err := scanMessage(tx.QueryRow(ctx, query,
		m.Subject, m.Content, m.SenderID, string(m.RecipientType), ids, string(m.Status), m.ScheduledAt))
	if err != nil {
		return Message{}, fmt.Errorf("broadcast: create: %w", err)
	}
	return out, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (Message, error) {
	return getOne(ctx, r.pool, id, "", "get")
}

func (r *PGRepository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Message, error) {
	return getOne(ctx, tx, id, " FOR UPDATE", "get for update")
}

func getOne(ctx context.Context, q db.Querier, id, lock, op string) (Message, error) {
	out, err := scanMessage(q.QueryRow(ctx, `SELECT `+messageColumns+` FROM broadcast_messages WHERE id = $1`+lock, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Message{}, ErrNotFound
		}
		return Message{}, fmt.Errorf("broadcast: %s: %w", op, err)
	}
	return out, nil
}

func (r *PGRepository) SetStatus(ctx context.Context, tx pgx.Tx, id string, status Status, sentAt *time.Time) (Message, error) {
	const query = `
		UPDATE broadcast_messages SET status = $2, sent_at = COALESCE($3, sent_at), updated_at = now()
		WHERE id = $1
		RETURNING ` + messageColumns

	out, err := scanMessage(tx.QueryRow(ctx, query, id, string(status), sentAt))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Message{}, ErrNotFound
		}
		return Message{}, fmt.Errorf("broadcast: set status: %w", err)
	}
	return out, nil
}

func (r *PGRepository) List(ctx context.Context, filters Filters) ([]Message, int, error) {
	if filters.Page <= 0 {
		filters.Page = 1
	}
	if filters.PageSize <= 0 || filters.PageSize > 100 {
		filters.PageSize = 20
	}

	where := []string{"1=1"}
	args := []any{}
	if filters.Status != "" {
		where = append(where, fmt.Sprintf("status=$%d", len(args)+1))
		args = append(args, string(filters.Status))
	}
	if s := strings.TrimSpace(filters.Search); s != "" {
		where = append(where, fmt.Sprintf("subject ILIKE $%d", len(args)+1))
		args = append(args, "%"+s+"%")
	}
	whereClause := " WHERE " + strings.Join(where, " AND ")

	query := fmt.Sprintf(`SELECT %s FROM broadcast_messages%s ORDER BY created_at DESC, id LIMIT %d OFFSET %d`,
		messageColumns, whereClause, filters.PageSize, (filters.Page-1)*filters.PageSize)
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("broadcast: query list: %w", err)
	}
	defer rows.Close()

	list := []Message{}
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("broadcast: scan: %w", err)
		}
		list = append(list, m)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("broadcast: iterate: %w", err)
	}

	var total int
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM broadcast_messages"+whereClause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("broadcast: count list: %w", err)
	}
	return list, total, nil
}

func (r *PGRepository) DueIDs(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id::text FROM broadcast_messages
		WHERE status = 'scheduled' AND scheduled_at <= $1
		ORDER BY scheduled_at`, now)
	if err != nil {
		return nil, fmt.Errorf("broadcast: due: %w", err)
	}
	defer rows.Close()
	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("broadcast: scan due: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CreateDelivery is idempotent per broadcast and customer.
func (r *PGRepository) CreateDelivery(ctx context.Context, tx pgx.Tx, d Delivery) (Delivery, error) {
	const query = `
		INSERT INTO broadcast_deliveries (broadcast_id, customer_id, email, status)
		VALUES ($1, $2, $3, 'pending')
		ON CONFLICT (broadcast_id, customer_id) DO UPDATE SET email = EXCLUDED.email
		RETURNING id::text, status`

	var status string
	if err := tx.QueryRow(ctx, query, d.BroadcastID, d.CustomerID, d.Email).Scan(&d.ID, &status); err != nil {
		return Delivery{}, fmt.Errorf("broadcast: create delivery: %w", err)
	}
	d.Status = DeliveryStatus(status)
	return d, nil
}

func (r *PGRepository) MarkDelivery(ctx context.Context, deliveryID string, sent bool, errMsg string) error {
	status := DeliveryFailed
	if sent {
		status = DeliverySent
	}
	if _, err := r.pool.Exec(ctx, `
		UPDATE broadcast_deliveries
		SET status = $2, error = $3, sent_at = CASE WHEN $2 = 'sent' THEN now() ELSE sent_at END
		WHERE id = $1`, deliveryID, string(status), errMsg); err != nil {
		return fmt.Errorf("broadcast: mark delivery: %w", err)
	}
	return nil
}

func (r *PGRepository) Stats(ctx context.Context, id string) (Stats, error) {
	const query = `
		SELECT COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'sent'),
			COUNT(*) FILTER (WHERE status = 'failed')
		FROM broadcast_deliveries
		WHERE broadcast_id = $1`
	var s Stats
	if err := r.pool.QueryRow(ctx, query, id).Scan(&s.Pending, &s.Sent, &s.Failed); err != nil {
		return Stats{}, fmt.Errorf("broadcast: stats: %w", err)
	}
	return s, nil
}

func scanMessage(row pgx.Row) (Message, error) {
	var (
		m             Message
		recipientType string
		status        string
	)
	if err := row.Scan(
		&m.ID,
		&m.Subject,
		&m.Content,
		&m.SenderID,
		&recipientType,
		&m.RecipientIDs,
		&status,
		&m.ScheduledAt,
		&m.SentAt,
		&m.CreatedAt,
		&m.UpdatedAt,
	); err != nil {
		return Message{}, err
	}
	m.RecipientType = RecipientType(recipientType)
	m.Status = Status(status)
	return m, nil
}
