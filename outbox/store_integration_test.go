package outbox

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// TestPGStore_ClaimHonoursBackoff_Integration connects to a real PostgreSQL
// via DATABASE_URL and checks that a failed row is held back until its retry
// delay has passed.
func TestPGStore_ClaimHonoursBackoff_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	var exists bool
	if err := pool.QueryRow(ctx, `SELECT to_regclass('outbox') IS NOT NULL`).Scan(&exists); err != nil {
		t.Fatalf("check schema: %v", err)
	}
	if !exists {
		t.Skip("database schema missing; run migrations: shipctl migrate")
	}

	topic := fmt.Sprintf("test.backoff.%d", time.Now().UnixNano())
	if err := NewWriter().Enqueue(ctx, pool, topic, map[string]any{"n": 1}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	var id string
	if err := pool.QueryRow(ctx, `SELECT id::text FROM outbox WHERE topic = $1`, topic).Scan(&id); err != nil {
		t.Fatalf("find message: %v", err)
	}
	t.Cleanup(func() {
		pool.Exec(context.Background(), `UPDATE outbox SET status = 'dead' WHERE id = $1`, id)
	})

	store := NewStore()
	claimed := func(backoff time.Duration) bool {
		t.Helper()
		tx, err := pool.Begin(ctx)
		if err != nil {
			t.Fatalf("begin: %v", err)
		}
		defer tx.Rollback(ctx)
		msgs, err := store.Claim(ctx, tx, 1000, backoff)
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		for _, m := range msgs {
			if m.ID == id {
				return true
			}
		}
		return false
	}

	if !claimed(time.Hour) {
		t.Fatal("a fresh message must be claimable regardless of backoff")
	}

	tx, err := pool.Begin(ctx)
	if err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := store.MarkFailed(ctx, tx, id, "smtp down", false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if err := tx.Commit(ctx); err != nil {
		t.Fatalf("commit: %v", err)
	}

	if claimed(time.Hour) {
		t.Fatal("failed message claimed again before its backoff elapsed")
	}
	if !claimed(0) {
		t.Fatal("failed message not claimable once the backoff elapsed")
	}
}
