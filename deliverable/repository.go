package deliverable

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned when no deliverable row exists for the id.
	ErrNotFound = errors.New("deliverable: not found")
	// ErrNoForwardProgress signals the conditional advance matched no row:
	// the deliverable is already at or past the requested status, or failed.
	ErrNoForwardProgress = errors.New("deliverable: status not advanced")
)

const columns = `id, escrow_id, type, party_responsible, description, value, currency, quantity, status, created_at, updated_at`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func scanDeliverable(row pgx.Row) (Deliverable, error) {
	var d Deliverable
	err := row.Scan(
		&d.ID, &d.EscrowID, &d.Type, &d.PartyResponsible, &d.Description,
		&d.Value, &d.Currency, &d.Quantity, &d.Status, &d.CreatedAt, &d.UpdatedAt,
	)
	return d, err
}

// CreateTx inserts a deliverable inside the caller's transaction. Escrow
// creation inserts all deliverables atomically with the escrow row.
func (r *Repository) CreateTx(ctx context.Context, tx pgx.Tx, d Deliverable) (Deliverable, error) {
	const query = `
		INSERT INTO deliverables (escrow_id, type, party_responsible, description, value, currency, quantity, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending')
		RETURNING ` + columns

	created, err := scanDeliverable(tx.QueryRow(ctx, query,
		d.EscrowID, d.Type, d.PartyResponsible, d.Description, d.Value, d.Currency, d.Quantity))
	if err != nil {
		return Deliverable{}, fmt.Errorf("deliverable: insert: %w", err)
	}
	return created, nil
}

func (r *Repository) Get(ctx context.Context, id string) (Deliverable, error) {
	d, err := scanDeliverable(r.pool.QueryRow(ctx, `SELECT `+columns+` FROM deliverables WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Deliverable{}, ErrNotFound
		}
		return Deliverable{}, fmt.Errorf("deliverable: get: %w", err)
	}
	return d, nil
}

// GetForUpdate locks the deliverable row for the remainder of the caller's
// transaction.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Deliverable, error) {
	d, err := scanDeliverable(tx.QueryRow(ctx, `SELECT `+columns+` FROM deliverables WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Deliverable{}, ErrNotFound
		}
		return Deliverable{}, fmt.Errorf("deliverable: get for update: %w", err)
	}
	return d, nil
}

func (r *Repository) ListByEscrow(ctx context.Context, escrowID string) ([]Deliverable, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+columns+` FROM deliverables WHERE escrow_id = $1 ORDER BY created_at ASC`, escrowID)
	if err != nil {
		return nil, fmt.Errorf("deliverable: list: %w", err)
	}
	defer rows.Close()

	out := make([]Deliverable, 0, 4)
	for rows.Next() {
		d, err := scanDeliverable(rows)
		if err != nil {
			return nil, fmt.Errorf("deliverable: scan: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("deliverable: iterate: %w", err)
	}
	return out, nil
}

// ListByEscrowTx is ListByEscrow inside the caller's transaction, used when
// a status transition must observe deliverables under the escrow row lock.
func (r *Repository) ListByEscrowTx(ctx context.Context, tx pgx.Tx, escrowID string) ([]Deliverable, error) {
	rows, err := tx.Query(ctx, `SELECT `+columns+` FROM deliverables WHERE escrow_id = $1 ORDER BY created_at ASC`, escrowID)
	if err != nil {
		return nil, fmt.Errorf("deliverable: list in tx: %w", err)
	}
	defer rows.Close()

	out := make([]Deliverable, 0, 4)
	for rows.Next() {
		d, err := scanDeliverable(rows)
		if err != nil {
			return nil, fmt.Errorf("deliverable: scan: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("deliverable: iterate: %w", err)
	}
	return out, nil
}

// Advance moves the deliverable forward to next in a single conditional
// update. The WHERE clause restricts the current status to those strictly
// behind next, so a stale writer (e.g. a verification for an older proof)
// matches no row and cannot regress the status.
func (r *Repository) Advance(ctx context.Context, tx pgx.Tx, id string, next Status) (Deliverable, error) {
	priors := priorStatuses(next)
	if len(priors) == 0 {
		return Deliverable{}, fmt.Errorf("deliverable: invalid target status %q", next)
	}

	const query = `
		UPDATE deliverables
		SET status = $2, updated_at = get_tx_timestamp()
		WHERE id = $1 AND status = ANY($3)
		RETURNING ` + columns

	d, err := scanDeliverable(tx.QueryRow(ctx, query, id, next, priors))
	if err == nil {
		return d, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Deliverable{}, fmt.Errorf("deliverable: advance: %w", err)
	}

	var exists bool
	if err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM deliverables WHERE id = $1)`, id).Scan(&exists); err != nil {
		return Deliverable{}, fmt.Errorf("deliverable: advance exists check: %w", err)
	}
	if !exists {
		return Deliverable{}, ErrNotFound
	}
	return Deliverable{}, ErrNoForwardProgress
}
