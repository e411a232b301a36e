package broadcast

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"shopexpress/audit"
	"shopexpress/auth"
	"shopexpress/db"
	"shopexpress/outbox"
)

var (
	// ErrInvalidInput signals a missing subject, content or recipient list.
	ErrInvalidInput = errors.New("broadcast: invalid input")
	// ErrAlreadySent signals Send on a message that is no longer a draft or scheduled.
	ErrAlreadySent = errors.New("broadcast: message already sent")
	// ErrNoRecipients signals a message that resolves to no customers.
	ErrNoRecipients = errors.New("broadcast: no recipients")
	// ErrForbidden signals the acting role may not manage broadcasts.
	ErrForbidden = errors.New("broadcast: forbidden")
)

// Customers resolves recipients. A nil id list means every customer.
type Customers interface {
	ListCustomers(ctx context.Context, ids []string) ([]auth.User, error)
}

// Enqueuer writes outbox messages in the caller's transaction.
type Enqueuer interface {
	Enqueue(ctx context.Context, q db.Querier, topic string, payload map[string]any) error
}

type Service struct {
	pool      db.TxBeginner
	repo      Repository
	customers Customers
	outbox    Enqueuer
	audit     audit.Recorder
	logger    *zap.Logger
	now       func() time.Time
}

type CreateParams struct {
	Subject       string
	Content       string
	RecipientType RecipientType
	RecipientIDs  []string
	ScheduledAt   *time.Time
}

type ListResult struct {
	Items []Message
	Total int
}

func NewService(pool db.TxBeginner, repo Repository, customers Customers, queue Enqueuer, recorder audit.Recorder, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		pool:      pool,
		repo:      repo,
		customers: customers,
		outbox:    queue,
		audit:     recorder,
		logger:    logger,
		now:       time.Now,
	}
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Create stores a draft, or a scheduled message when ScheduledAt is in the
// future.
func (s *Service) Create(ctx context.Context, params CreateParams) (Message, error) {
	if err := authorize(ctx); err != nil {
		return Message{}, err
	}
	subject := strings.TrimSpace(params.Subject)
	content := strings.TrimSpace(params.Content)
	if subject == "" || content == "" {
		return Message{}, fmt.Errorf("%w: subject and content required", ErrInvalidInput)
	}
	if len(subject) > 255 {
		return Message{}, fmt.Errorf("%w: subject too long", ErrInvalidInput)
	}
	m := Message{
		Subject:       subject,
		Content:       content,
		RecipientType: params.RecipientType,
		Status:        StatusDraft,
	}
	switch params.RecipientType {
	case "", RecipientsAll:
		m.RecipientType = RecipientsAll
	case RecipientsSelected:
		m.RecipientIDs = dedupe(params.RecipientIDs)
		if len(m.RecipientIDs) == 0 {
			return Message{}, fmt.Errorf("%w: selected recipients required", ErrInvalidInput)
		}
	default:
		return Message{}, fmt.Errorf("%w: recipient type must be all or selected", ErrInvalidInput)
	}
	if params.ScheduledAt != nil && params.ScheduledAt.After(s.now()) {
		at := params.ScheduledAt.UTC()
		m.ScheduledAt = &at
		m.Status = StatusScheduled
	}
	if actor, ok := audit.ActorFrom(ctx); ok && actor.UserID != "" {
		m.SenderID = &actor.UserID
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Message{}, fmt.Errorf("broadcast: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	created, err := s.repo.Create(ctx, tx, m)
	if err != nil {
		return Message{}, err
	}
	if err := s.audit.Created(ctx, tx, created); err != nil {
		return Message{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Message{}, fmt.Errorf("broadcast: commit tx: %w", err)
	}
	return created, nil
}

// Send resolves recipients and queues one email per customer.
func (s *Service) Send(ctx context.Context, id string) (Message, error) {
	if err := authorize(ctx); err != nil {
		return Message{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Message{}, fmt.Errorf("broadcast: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	before, err := s.repo.GetForUpdate(ctx, tx, id)
	if err != nil {
		return Message{}, err
	}
	if before.Status != StatusDraft && before.Status != StatusScheduled {
		return Message{}, ErrAlreadySent
	}

	var ids []string
	if before.RecipientType == RecipientsSelected {
		ids = before.RecipientIDs
	}
	recipients, err := s.customers.ListCustomers(ctx, ids)
	if err != nil {
		return Message{}, fmt.Errorf("broadcast: resolve recipients: %w", err)
	}
	if len(recipients) == 0 {
		return Message{}, ErrNoRecipients
	}

	for _, u := range recipients {
		d, err := s.repo.CreateDelivery(ctx, tx, Delivery{BroadcastID: id, CustomerID: u.ID, Email: u.Email})
		if err != nil {
			return Message{}, err
		}
		if err := s.outbox.Enqueue(ctx, tx, outbox.TopicBroadcast, map[string]any{
			"delivery_id":  d.ID,
			"broadcast_id": id,
			"email":        u.Email,
			"name":         u.FullName(),
			"subject":      before.Subject,
			"content":      before.Content,
		}); err != nil {
			return Message{}, err
		}
	}

	sentAt := s.now().UTC()
	after, err := s.repo.SetStatus(ctx, tx, id, StatusSent, &sentAt)
	if err != nil {
		return Message{}, err
	}
	if err := s.audit.Updated(ctx, tx, before, after); err != nil {
		return Message{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Message{}, fmt.Errorf("broadcast: commit tx: %w", err)
	}
	s.logger.Info("broadcast queued", zap.String("id", id), zap.Int("recipients", len(recipients)))
	return after, nil
}

// SendDue sends every scheduled message whose time has come. Failures are
// logged and joined; the remaining messages are still attempted.
func (s *Service) SendDue(ctx context.Context) (int, error) {
	ids, err := s.repo.DueIDs(ctx, s.now())
	if err != nil {
		return 0, err
	}
	ctx = audit.WithActor(ctx, audit.SystemActor("broadcast-scheduler"))

	sent := 0
	var errs []error
	for _, id := range ids {
		if _, err := s.Send(ctx, id); err != nil {
			if errors.Is(err, ErrNoRecipients) {
				s.markFailed(ctx, id)
			}
			s.logger.Error("scheduled broadcast failed", zap.String("id", id), zap.Error(err))
			errs = append(errs, fmt.Errorf("broadcast %s: %w", id, err))
			continue
		}
		sent++
	}
	return sent, errors.Join(errs...)
}

func (s *Service) markFailed(ctx context.Context, id string) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return
	}
	defer tx.Rollback(ctx)
	if _, err := s.repo.SetStatus(ctx, tx, id, StatusFailed, nil); err != nil {
		return
	}
	_ = tx.Commit(ctx)
}

func (s *Service) Get(ctx context.Context, id string) (Detail, error) {
	if err := authorize(ctx); err != nil {
		return Detail{}, err
	}
	m, err := s.repo.Get(ctx, id)
	if err != nil {
		return Detail{}, err
	}
	stats, err := s.repo.Stats(ctx, id)
	if err != nil {
		return Detail{}, err
	}
	return Detail{Message: m, Stats: stats}, nil
}

func (s *Service) List(ctx context.Context, filters Filters) (ListResult, error) {
	if err := authorize(ctx); err != nil {
		return ListResult{}, err
	}
	items, total, err := s.repo.List(ctx, filters)
	if err != nil {
		return ListResult{}, err
	}
	return ListResult{Items: items, Total: total}, nil
}

func dedupe(ids []string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}

func authorize(ctx context.Context) error {
	actor, ok := audit.ActorFrom(ctx)
	if !ok || actor.Role == "" {
		return nil
	}
	if !auth.Can(auth.Role(actor.Role), auth.ManageBroadcasts) {
		return ErrForbidden
	}
	return nil
}
