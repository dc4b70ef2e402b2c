package settlement

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

func integrationPool(t *testing.T) (context.Context, *pgxpool.Pool) {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	t.Cleanup(pool.Close)

	var exists bool
	if err := pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = 'transactions')`,
	).Scan(&exists); err != nil || !exists {
		t.Skip("transactions table does not exist; ensure migrations are applied")
	}
	return ctx, pool
}

func TestReclaimStaleReturnsOrphanedClaims(t *testing.T) {
	ctx, pool := integrationPool(t)

	seedClaim := func(age string) string {
		var id string
		err := pool.QueryRow(ctx, `
			INSERT INTO transactions (type, settlement_flag, updated_at)
			VALUES ('meetup', 'pending', now() - $1::interval)
			RETURNING id
		`, age).Scan(&id)
		if err != nil {
			t.Fatalf("seed claimed transaction: %v", err)
		}
		t.Cleanup(func() {
			_, _ = pool.Exec(context.Background(), `DELETE FROM transactions WHERE id = $1`, id)
		})
		return id
	}

	// A settler crashed half an hour ago on the first one; the second claim
	// is live and must be left alone.
	staleID := seedClaim("30 minutes")
	freshID := seedClaim("0 seconds")

	bridge := NewBridge(pool, NewLogLedger(nil), nil, nil)

	n, err := bridge.ReclaimStale(ctx, 10*time.Minute)
	if err != nil {
		t.Fatalf("reclaim stale: %v", err)
	}
	if n < 1 {
		t.Fatalf("expected at least the seeded stale claim reclaimed, got %d", n)
	}

	var staleFlag, freshFlag *string
	if err := pool.QueryRow(ctx, `SELECT settlement_flag FROM transactions WHERE id = $1`, staleID).Scan(&staleFlag); err != nil {
		t.Fatalf("read stale claim: %v", err)
	}
	if staleFlag != nil {
		t.Fatalf("orphaned claim must return to the queue, got %q", *staleFlag)
	}
	if err := pool.QueryRow(ctx, `SELECT settlement_flag FROM transactions WHERE id = $1`, freshID).Scan(&freshFlag); err != nil {
		t.Fatalf("read fresh claim: %v", err)
	}
	if freshFlag == nil || *freshFlag != "pending" {
		t.Fatal("a live claim must not be reclaimed")
	}
}

func TestReclaimStaleIgnoresDoneTransactions(t *testing.T) {
	ctx, pool := integrationPool(t)

	var doneID string
	if err := pool.QueryRow(ctx, `
		INSERT INTO transactions (type, settlement_flag, settlement_hash, settled_at, updated_at)
		VALUES ('meetup', 'done', 'abc123', now() - interval '1 day', now() - interval '1 day')
		RETURNING id
	`).Scan(&doneID); err != nil {
		t.Fatalf("seed settled transaction: %v", err)
	}
	t.Cleanup(func() {
		_, _ = pool.Exec(context.Background(), `DELETE FROM transactions WHERE id = $1`, doneID)
	})

	bridge := NewBridge(pool, NewLogLedger(nil), nil, nil)
	if _, err := bridge.ReclaimStale(ctx, 10*time.Minute); err != nil {
		t.Fatalf("reclaim stale: %v", err)
	}

	var flag *string
	if err := pool.QueryRow(ctx, `SELECT settlement_flag FROM transactions WHERE id = $1`, doneID).Scan(&flag); err != nil {
		t.Fatalf("read settled transaction: %v", err)
	}
	if flag == nil || *flag != "done" {
		t.Fatal("done is terminal; the sweep must never reopen it")
	}
}
