// Package confirmation reconciles the two representations of "is this
// obligation done": per-participant boolean flags and per-deliverable
// status. The unified value is re-derived on every status read because the
// oracle can flip the deliverable side without any participant action
// touching the flag side.
package confirmation

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/gian-gg/sabot-sub002/deliverable"
)

// Querier is satisfied by both *pgxpool.Pool and pgx.Tx so reconciliation
// can run standalone on a read or inside a confirm transaction.
type Querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Flags is the participant-row view of confirmation.
type Flags struct {
	Role             string
	ItemConfirmed    bool
	PaymentConfirmed bool
}

// Unified is the OR-merge of the two views per semantic domain.
type Unified struct {
	Item    bool
	Payment bool
}

// Unify computes the unified confirmation for the item-shaped and
// payment-shaped domains. Pure; idempotent by construction (running it on
// an already-unified read yields the same booleans).
func Unify(flags []Flags, deliverables []deliverable.Deliverable) Unified {
	var u Unified
	for _, f := range flags {
		u.Item = u.Item || f.ItemConfirmed
		u.Payment = u.Payment || f.PaymentConfirmed
	}
	for _, d := range deliverables {
		if !d.Status.Done() {
			continue
		}
		if d.Type.PaymentShaped() {
			u.Payment = true
		} else {
			u.Item = true
		}
	}
	return u
}

type Aggregator struct{}

func NewAggregator() *Aggregator {
	return &Aggregator{}
}

// Reconcile derives the unified confirmation for a transaction and writes
// it back to both participant rows unconditionally, so subsequent reads
// from either representation agree. The write is scoped to the transaction
// id; escrows never interfere with one another.
func (a *Aggregator) Reconcile(ctx context.Context, q Querier, transactionID string) (Unified, error) {
	flags, err := a.loadFlags(ctx, q, transactionID)
	if err != nil {
		return Unified{}, err
	}
	deliverables, err := a.loadDeliverables(ctx, q, transactionID)
	if err != nil {
		return Unified{}, err
	}

	u := Unify(flags, deliverables)

	const writeBack = `
		UPDATE transaction_participants
		SET item_confirmed = $2, payment_confirmed = $3, updated_at = get_tx_timestamp()
		WHERE transaction_id = $1
	`
	if _, err := q.Exec(ctx, writeBack, transactionID, u.Item, u.Payment); err != nil {
		return Unified{}, fmt.Errorf("confirmation: write back unified flags: %w", err)
	}

	return u, nil
}

func (a *Aggregator) loadFlags(ctx context.Context, q Querier, transactionID string) ([]Flags, error) {
	rows, err := q.Query(ctx,
		`SELECT role, item_confirmed, payment_confirmed FROM transaction_participants WHERE transaction_id = $1`,
		transactionID)
	if err != nil {
		return nil, fmt.Errorf("confirmation: load participant flags: %w", err)
	}
	defer rows.Close()

	out := make([]Flags, 0, 2)
	for rows.Next() {
		var f Flags
		if err := rows.Scan(&f.Role, &f.ItemConfirmed, &f.PaymentConfirmed); err != nil {
			return nil, fmt.Errorf("confirmation: scan flags: %w", err)
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("confirmation: iterate flags: %w", err)
	}
	return out, nil
}

func (a *Aggregator) loadDeliverables(ctx context.Context, q Querier, transactionID string) ([]deliverable.Deliverable, error) {
	const query = `
		SELECT d.id, d.type, d.status
		FROM deliverables d
		JOIN escrows e ON e.id = d.escrow_id
		WHERE e.transaction_id = $1
	`
	rows, err := q.Query(ctx, query, transactionID)
	if err != nil {
		return nil, fmt.Errorf("confirmation: load deliverables: %w", err)
	}
	defer rows.Close()

	out := make([]deliverable.Deliverable, 0, 4)
	for rows.Next() {
		var d deliverable.Deliverable
		if err := rows.Scan(&d.ID, &d.Type, &d.Status); err != nil {
			return nil, fmt.Errorf("confirmation: scan deliverable: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("confirmation: iterate deliverables: %w", err)
	}
	return out, nil
}
