package infra

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"shopexpress/db"
)

// DSNEnv names a database reused instead of starting a container.
const DSNEnv = "SHOPEXPRESS_TEST_PG_DSN"

// ErrNoDatabase is returned when neither a DSN, docker nor a local Postgres
// is available.
var ErrNoDatabase = fmt.Errorf("infra: no postgres available (set %s or start docker)", DSNEnv)

// Harness owns the Postgres the stress run talks to and the pgx pool over it.
type Harness struct {
	container *PGContainer
	pool      *pgxpool.Pool
	dsn       string
	schema    string
}

// NewHarness resolves a database in order: overrideDSN, $SHOPEXPRESS_TEST_PG_DSN,
// a docker container, then a local Postgres. Shared databases get a private
// schema that Close drops again. Migrations are applied before returning.
func NewHarness(ctx context.Context, overrideDSN string) (*Harness, error) {
	h := &Harness{container: &PGContainer{}}
	shared := false

	switch {
	case overrideDSN != "":
		h.dsn, shared = overrideDSN, true
	case os.Getenv(DSNEnv) != "":
		h.dsn, shared = os.Getenv(DSNEnv), true
	case DockerAvailable(ctx):
		c, dsn, err := StartPostgres16(ctx)
		if err != nil {
			return nil, fmt.Errorf("start postgres container: %w", err)
		}
		h.container, h.dsn = c, dsn
	default:
		dsn, err := InitLocalDatabase(ctx)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrNoDatabase, err)
		}
		h.dsn = dsn
	}

	cfg, err := pgxpool.ParseConfig(h.dsn)
	if err != nil {
		h.Close(ctx)
		return nil, fmt.Errorf("parse pgx config: %w", err)
	}
	cfg.MaxConns = 64
	cfg.MaxConnIdleTime = 30 * time.Second
	cfg.MaxConnLifetime = 5 * time.Minute

	if shared {
		h.schema = fmt.Sprintf("stress_run_%d", time.Now().UnixNano())
		if err := h.exec(ctx, "CREATE SCHEMA "+pgx.Identifier{h.schema}.Sanitize()); err != nil {
			return nil, fmt.Errorf("create schema %s: %w", h.schema, err)
		}
		setPath := "SET search_path TO " + pgx.Identifier{h.schema}.Sanitize() + ", public"
		cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
			_, err := conn.Exec(ctx, setPath)
			return err
		}
	}

	h.pool, err = pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		h.Close(ctx)
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := h.applyMigrations(ctx); err != nil {
		h.Close(ctx)
		return nil, err
	}
	return h, nil
}

// Pool exposes the configured pgx pool.
func (h *Harness) Pool() *pgxpool.Pool {
	return h.pool
}

// DSN returns the connection string for direct connections.
func (h *Harness) DSN() string {
	return h.dsn
}

// Close drops the private schema, closes the pool and stops the container.
func (h *Harness) Close(ctx context.Context) {
	if h.pool != nil {
		h.pool.Close()
	}
	if h.schema != "" {
		_ = h.exec(ctx, "DROP SCHEMA IF EXISTS "+pgx.Identifier{h.schema}.Sanitize()+" CASCADE")
	}
	_ = h.container.Terminate(ctx)
}

func (h *Harness) exec(ctx context.Context, sql string) error {
	conn, err := pgx.Connect(ctx, h.dsn)
	if err != nil {
		return err
	}
	defer conn.Close(ctx)
	_, err = conn.Exec(ctx, sql)
	return err
}

// applyMigrations sends every embedded migration as one simple-protocol batch.
func (h *Harness) applyMigrations(ctx context.Context) error {
	sql, err := db.MigrationSQL()
	if err != nil {
		return err
	}
	if strings.TrimSpace(sql) == "" {
		return fmt.Errorf("no migrations to apply")
	}

	conn, err := h.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire conn: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Conn().PgConn().Exec(ctx, sql).ReadAll(); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return nil
}

// Reset truncates mutable tables to give the next epoch a clean slate.
func (h *Harness) Reset(ctx context.Context) error {
	tables := []string{
		"audit_logs",
		"outbox",
		"broadcast_deliveries",
		"broadcast_messages",
		"backups",
		"distribution_packages",
		"distributions",
		"packages",
		"consolidated_packages",
		"manifests",
		"rates",
		"users",
	}
	idents := make([]string, len(tables))
	for i, t := range tables {
		idents[i] = pgx.Identifier{t}.Sanitize()
	}
	if _, err := h.pool.Exec(ctx, "TRUNCATE "+strings.Join(idents, ", ")+" RESTART IDENTITY CASCADE"); err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	return nil
}
