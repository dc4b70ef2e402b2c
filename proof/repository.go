package proof

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when no proof row exists for the id.
var ErrNotFound = errors.New("proof: not found")

const columns = `id, escrow_id, deliverable_id, virtual_id, submitter_id, proof_type, file_url, file_path, description, verification_status, submitted_at`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func scanProof(row pgx.Row) (Proof, error) {
	var p Proof
	err := row.Scan(
		&p.ID, &p.EscrowID, &p.DeliverableID, &p.VirtualID, &p.SubmitterID,
		&p.Type, &p.FileURL, &p.FilePath, &p.Description, &p.VerificationStatus, &p.SubmittedAt,
	)
	return p, err
}

// InsertTx appends a proof row inside the caller's transaction.
func (r *Repository) InsertTx(ctx context.Context, tx pgx.Tx, p Proof) (Proof, error) {
	const query = `
		INSERT INTO escrow_proofs
			(escrow_id, deliverable_id, virtual_id, submitter_id, proof_type, file_url, file_path, description)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING ` + columns

	created, err := scanProof(tx.QueryRow(ctx, query,
		p.EscrowID, p.DeliverableID, p.VirtualID, p.SubmitterID, p.Type, p.FileURL, p.FilePath, p.Description))
	if err != nil {
		return Proof{}, fmt.Errorf("proof: insert: %w", err)
	}
	return created, nil
}

func (r *Repository) Get(ctx context.Context, id string) (Proof, error) {
	p, err := scanProof(r.pool.QueryRow(ctx, `SELECT `+columns+` FROM escrow_proofs WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Proof{}, ErrNotFound
		}
		return Proof{}, fmt.Errorf("proof: get: %w", err)
	}
	return p, nil
}

// Latest returns the most recently submitted proof for a deliverable.
func (r *Repository) Latest(ctx context.Context, deliverableID string) (Proof, error) {
	const query = `
		SELECT ` + columns + `
		FROM escrow_proofs
		WHERE deliverable_id = $1
		ORDER BY submitted_at DESC, id DESC
		LIMIT 1
	`
	p, err := scanProof(r.pool.QueryRow(ctx, query, deliverableID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Proof{}, ErrNotFound
		}
		return Proof{}, fmt.Errorf("proof: latest: %w", err)
	}
	return p, nil
}

func (r *Repository) ListByEscrow(ctx context.Context, escrowID string) ([]Proof, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+columns+` FROM escrow_proofs WHERE escrow_id = $1 ORDER BY submitted_at ASC`, escrowID)
	if err != nil {
		return nil, fmt.Errorf("proof: list: %w", err)
	}
	defer rows.Close()

	out := make([]Proof, 0, 4)
	for rows.Next() {
		p, err := scanProof(rows)
		if err != nil {
			return nil, fmt.Errorf("proof: scan: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("proof: iterate: %w", err)
	}
	return out, nil
}

// SetVerificationStatusTx flips a proof's verification status inside the
// caller's transaction. Pending is not a valid target; proofs only move
// forward into review or a verdict.
func (r *Repository) SetVerificationStatusTx(ctx context.Context, tx pgx.Tx, proofID string, status VerificationStatus) error {
	if status == VerificationPending {
		return fmt.Errorf("proof: cannot reset verification to pending")
	}
	tag, err := tx.Exec(ctx, `UPDATE escrow_proofs SET verification_status = $2 WHERE id = $1`, proofID, status)
	if err != nil {
		return fmt.Errorf("proof: set verification status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
