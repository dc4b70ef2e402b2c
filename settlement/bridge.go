// Package settlement anchors completed escrows onto an external ledger
// exactly once. The settlement flag on the transaction row is a tri-state
// compare-and-swap (NULL -> pending -> done); the pending claim is what
// keeps concurrent settlers from double-anchoring.
package settlement

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gian-gg/sabot-sub002/audit"
	"github.com/gian-gg/sabot-sub002/deliverable"
	"github.com/gian-gg/sabot-sub002/escrow"
	"github.com/gian-gg/sabot-sub002/fault"
)

// ErrAlreadyClaimed signals the CAS claim matched no row: another settler
// holds the pending claim or the transaction is already anchored.
var ErrAlreadyClaimed = errors.New("settlement: transaction already claimed")

// Ledger is the external anchoring backend. Anchor must be treated as
// non-idempotent; the bridge only calls it while holding the pending claim.
type Ledger interface {
	Anchor(ctx context.Context, escrowID, summaryHash string) (ref string, err error)
}

// TimelineWriter appends an immutable audit event inside the transaction.
type TimelineWriter interface {
	Append(ctx context.Context, tx pgx.Tx, escrowID, eventType, actorID string, payload map[string]any) error
}

// OutboxWriter enqueues a transactional outbox message.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

type Bridge struct {
	pool     *pgxpool.Pool
	escrows  *escrow.Repository
	delivs   *deliverable.Repository
	ledger   Ledger
	timeline TimelineWriter
	outbox   OutboxWriter
}

func NewBridge(pool *pgxpool.Pool, ledger Ledger, timeline TimelineWriter, outbox OutboxWriter) *Bridge {
	return &Bridge{
		pool:     pool,
		escrows:  escrow.NewRepository(pool),
		delivs:   deliverable.NewRepository(pool),
		ledger:   ledger,
		timeline: timeline,
		outbox:   outbox,
	}
}

// summary is the canonical settlement record. Field order is fixed so the
// marshalled bytes, and therefore the hash, are stable across settlers.
type summary struct {
	EscrowID      string         `json:"escrow_id"`
	TransactionID string         `json:"transaction_id"`
	Amount        *float64       `json:"amount"`
	Currency      *string        `json:"currency"`
	Resolution    *string        `json:"resolution"`
	Deliverables  []summaryDeliv `json:"deliverables"`
	CompletedAt   time.Time      `json:"completed_at"`
}

type summaryDeliv struct {
	ID     string `json:"id"`
	Type   string `json:"type"`
	Status string `json:"status"`
}

// SummaryHash computes the sha256 settlement digest for a completed escrow.
func SummaryHash(e escrow.Escrow, delivs []deliverable.Deliverable) (string, error) {
	s := summary{
		EscrowID:      e.ID,
		TransactionID: e.TransactionID,
		Amount:        e.Amount,
		Currency:      e.Currency,
		Resolution:    e.Resolution,
		Deliverables:  make([]summaryDeliv, 0, len(delivs)),
		CompletedAt:   e.UpdatedAt.UTC(),
	}
	for _, d := range delivs {
		s.Deliverables = append(s.Deliverables, summaryDeliv{
			ID:     d.ID,
			Type:   string(d.Type),
			Status: string(d.Status),
		})
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return "", fmt.Errorf("settlement: marshal summary: %w", err)
	}
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:]), nil
}

// Settle anchors a single completed escrow. The sequence is claim, anchor,
// finalize; a failed anchor releases the claim so a later pass can retry,
// while a successful anchor is never repeated because the flag only moves
// forward to done.
func (b *Bridge) Settle(ctx context.Context, escrowID string) error {
	e, err := b.escrows.Get(ctx, escrowID)
	if err != nil {
		if errors.Is(err, escrow.ErrNotFound) {
			return fault.NotFound("escrow %s", escrowID)
		}
		return err
	}
	if e.Status != escrow.StatusCompleted {
		return fault.Conflict(string(e.Status), "only completed escrows settle")
	}

	tag, err := b.pool.Exec(ctx, `
		UPDATE transactions
		SET settlement_flag = 'pending', updated_at = get_tx_timestamp()
		WHERE id = $1 AND settlement_flag IS NULL
	`, e.TransactionID)
	if err != nil {
		return fmt.Errorf("settlement: claim: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAlreadyClaimed
	}

	delivs, err := b.delivs.ListByEscrow(ctx, e.ID)
	if err != nil {
		return b.release(ctx, e.TransactionID, err)
	}
	hash, err := SummaryHash(e, delivs)
	if err != nil {
		return b.release(ctx, e.TransactionID, err)
	}

	ref, err := b.ledger.Anchor(ctx, e.ID, hash)
	if err != nil {
		return b.release(ctx, e.TransactionID, fault.External(err, "ledger anchor failed"))
	}

	tx, err := b.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("settlement: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `
		UPDATE transactions
		SET settlement_flag = 'done', settlement_hash = $2,
		    settled_at = get_tx_timestamp(), updated_at = get_tx_timestamp()
		WHERE id = $1 AND settlement_flag = 'pending'
	`, e.TransactionID, hash); err != nil {
		return fmt.Errorf("settlement: finalize: %w", err)
	}

	if b.timeline != nil {
		if err := b.timeline.Append(ctx, tx, e.ID, "SETTLEMENT_ANCHORED", "", map[string]any{
			"hash":       hash,
			"ledger_ref": ref,
		}); err != nil {
			return err
		}
	}
	if b.outbox != nil {
		if err := b.outbox.Enqueue(ctx, tx, audit.TopicEscrowSettled, map[string]any{
			"escrow_id":  e.ID,
			"hash":       hash,
			"ledger_ref": ref,
		}); err != nil {
			return err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("settlement: commit: %w", err)
	}
	return nil
}

// release returns the claim to NULL after a failed anchor attempt. The
// original error wins over a release failure; the stuck pending claim is
// visible in the table either way.
func (b *Bridge) release(ctx context.Context, transactionID string, cause error) error {
	if _, err := b.pool.Exec(ctx, `
		UPDATE transactions
		SET settlement_flag = NULL, updated_at = get_tx_timestamp()
		WHERE id = $1 AND settlement_flag = 'pending'
	`, transactionID); err != nil {
		return fmt.Errorf("settlement: release claim after %v: %w", cause, err)
	}
	return cause
}

// ReclaimStale reverts pending claims older than maxAge back to NULL. A
// settler that crashed between claim and finalize leaves the flag stuck at
// pending; without this sweep no later pass would ever pick the
// transaction up again, since Pending only selects unclaimed rows.
func (b *Bridge) ReclaimStale(ctx context.Context, maxAge time.Duration) (int64, error) {
	tag, err := b.pool.Exec(ctx, `
		UPDATE transactions
		SET settlement_flag = NULL, updated_at = get_tx_timestamp()
		WHERE settlement_flag = 'pending'
		  AND updated_at < now() - make_interval(secs => $1)
	`, maxAge.Seconds())
	if err != nil {
		return 0, fmt.Errorf("settlement: reclaim stale claims: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Pending lists escrow ids that completed but have not been claimed for
// settlement yet.
func (b *Bridge) Pending(ctx context.Context, limit int) ([]string, error) {
	rows, err := b.pool.Query(ctx, `
		SELECT e.id
		FROM escrows e
		JOIN transactions t ON t.id = e.transaction_id
		WHERE e.status = 'completed' AND t.settlement_flag IS NULL
		ORDER BY e.updated_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("settlement: scan pending: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("settlement: scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("settlement: iterate pending: %w", err)
	}
	return ids, nil
}
