package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound is returned when no escrow row exists for the identifier.
	ErrNotFound = errors.New("escrow: not found")
	// ErrInvalidTransition signals the state machine rejected the move.
	ErrInvalidTransition = errors.New("escrow: invalid status transition")
)

const columns = `id, transaction_id, initiator_id, participant_id, status, amount, currency,
	verification_required, initiator_confirmation, participant_confirmation,
	proposed_arbiter_id, proposer_id, initiator_approved_arbiter, participant_approved_arbiter,
	active_arbiter_id, dispute_reason, dispute_details, resolution, expires_at, created_at, updated_at`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func scanEscrow(row pgx.Row) (Escrow, error) {
	var e Escrow
	err := row.Scan(
		&e.ID, &e.TransactionID, &e.InitiatorID, &e.ParticipantID, &e.Status, &e.Amount, &e.Currency,
		&e.VerificationRequired, &e.InitiatorConfirmation, &e.ParticipantConfirmation,
		&e.ProposedArbiterID, &e.ProposerID, &e.InitiatorApprovedArbiter, &e.ParticipantApprovedArbiter,
		&e.ActiveArbiterID, &e.DisputeReason, &e.DisputeDetails, &e.Resolution, &e.ExpiresAt,
		&e.CreatedAt, &e.UpdatedAt,
	)
	return e, err
}

func (r *Repository) Get(ctx context.Context, id string) (Escrow, error) {
	e, err := scanEscrow(r.pool.QueryRow(ctx, `SELECT `+columns+` FROM escrows WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Escrow{}, ErrNotFound
		}
		return Escrow{}, fmt.Errorf("escrow: get: %w", err)
	}
	return e, nil
}

// GetByRef resolves either an escrow id or a transaction id, in that order.
// The read model accepts both shapes of identifier.
func (r *Repository) GetByRef(ctx context.Context, ref string) (Escrow, error) {
	const query = `
		SELECT ` + columns + `
		FROM escrows
		WHERE id::text = $1 OR transaction_id::text = $1
		LIMIT 1
	`
	e, err := scanEscrow(r.pool.QueryRow(ctx, query, ref))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Escrow{}, ErrNotFound
		}
		return Escrow{}, fmt.Errorf("escrow: get by ref: %w", err)
	}
	return e, nil
}

// GetForUpdate locks the escrow row for the remainder of the caller's
// transaction. Every transition goes through this lock.
func (r *Repository) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Escrow, error) {
	e, err := scanEscrow(tx.QueryRow(ctx, `SELECT `+columns+` FROM escrows WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Escrow{}, ErrNotFound
		}
		return Escrow{}, fmt.Errorf("escrow: get for update: %w", err)
	}
	return e, nil
}

// UpdateStatusTx validates the transition against the SQL-side state
// machine and applies it inside the caller's transaction.
func (r *Repository) UpdateStatusTx(ctx context.Context, tx pgx.Tx, id string, prev, next Status) error {
	if !CanTransition(prev, next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev, next)
	}

	var ok bool
	if err := tx.QueryRow(ctx, `SELECT escrow_validate_transition($1::escrow_status, $2::escrow_status)`, prev, next).Scan(&ok); err != nil {
		return fmt.Errorf("escrow: validate transition: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, prev, next)
	}

	const query = `
		UPDATE escrows
		SET status = $2::escrow_status, updated_at = get_tx_timestamp()
		WHERE id = $1 AND status = $3::escrow_status
	`
	tag, err := tx.Exec(ctx, query, id, next, prev)
	if err != nil {
		return fmt.Errorf("escrow: update status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: concurrent status change", ErrInvalidTransition)
	}
	return nil
}
