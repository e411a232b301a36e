package outbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"shopexpress/db"
	"shopexpress/metrics"
)

// ErrNoHandler marks messages whose topic has no registered handler.
var ErrNoHandler = errors.New("outbox: no handler for topic")

// Handler delivers one message. Returning an error schedules a retry.
type Handler interface {
	Handle(ctx context.Context, msg Message) error
}

type HandlerFunc func(ctx context.Context, msg Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg Message) error {
	return f(ctx, msg)
}

// Router dispatches by longest matching topic prefix.
type Router struct {
	routes map[string]Handler
}

func NewRouter() *Router {
	return &Router{routes: map[string]Handler{}}
}

// Register routes topics starting with prefix, e.g. "mail.".
func (r *Router) Register(prefix string, h Handler) *Router {
	r.routes[prefix] = h
	return r
}

func (r *Router) Handle(ctx context.Context, msg Message) error {
	var (
		best    Handler
		bestLen = -1
	)
	for prefix, h := range r.routes {
		if strings.HasPrefix(msg.Topic, prefix) && len(prefix) > bestLen {
			best, bestLen = h, len(prefix)
		}
	}
	if best == nil {
		return fmt.Errorf("%w %q", ErrNoHandler, msg.Topic)
	}
	return best.Handle(ctx, msg)
}

type WorkerOptions struct {
	Concurrency int
	BatchSize   int
	MaxAttempts int
	Interval    time.Duration
	// Backoff is the retry delay per failed attempt.
	Backoff time.Duration
}

type Worker struct {
	pool    db.TxBeginner
	store   Store
	handler Handler
	logger  *zap.Logger
	opts    WorkerOptions
}

func NewWorker(pool db.TxBeginner, store Store, handler Handler, logger *zap.Logger, opts WorkerOptions) *Worker {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 1
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 5
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Worker{pool: pool, store: store, handler: handler, logger: logger, opts: opts}
}

// Run polls until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < w.opts.Concurrency; i++ {
		poller := i
		g.Go(func() error {
			return w.poll(ctx, poller)
		})
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (w *Worker) poll(ctx context.Context, poller int) error {
	timer := time.NewTimer(0)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}

		delivered, err := w.ProcessBatch(ctx)
		if err != nil && ctx.Err() == nil {
			w.logger.Error("outbox batch failed", zap.Int("poller", poller), zap.Error(err))
		}
		if delivered > 0 && err == nil {
			timer.Reset(0)
			continue
		}
		timer.Reset(w.opts.Interval)
	}
}

// ProcessBatch claims one batch and settles every message in it. It returns
// the number of messages delivered.
func (w *Worker) ProcessBatch(ctx context.Context) (int, error) {
	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("outbox: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	msgs, err := w.store.Claim(ctx, tx, w.opts.BatchSize, w.opts.Backoff)
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, msg := range msgs {
		herr := w.handler.Handle(ctx, msg)
		if herr == nil {
			if err := w.store.MarkProcessed(ctx, tx, msg.ID); err != nil {
				return 0, err
			}
			metrics.OutboxProcessed.WithLabelValues(msg.Topic, "processed").Inc()
			delivered++
			continue
		}

		dead := msg.Attempts+1 >= w.opts.MaxAttempts || errors.Is(herr, ErrNoHandler)
		if err := w.store.MarkFailed(ctx, tx, msg.ID, herr.Error(), dead); err != nil {
			return 0, err
		}
		result := "retry"
		if dead {
			result = "dead"
		}
		metrics.OutboxProcessed.WithLabelValues(msg.Topic, result).Inc()
		w.logger.Warn("outbox delivery failed",
			zap.String("id", msg.ID),
			zap.String("topic", msg.Topic),
			zap.Int("attempt", msg.Attempts+1),
			zap.Bool("dead", dead),
			zap.Error(herr),
		)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("outbox: commit batch: %w", err)
	}
	return delivered, nil
}
