package oracle

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNoVerification is returned when a deliverable has no verification yet.
var ErrNoVerification = errors.New("oracle: no verification recorded")

const columns = `id, escrow_id, deliverable_id, proof_id, oracle_type, verified, confidence_score, notes, created_at`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func scanVerification(row pgx.Row) (Verification, error) {
	var v Verification
	err := row.Scan(
		&v.ID, &v.EscrowID, &v.DeliverableID, &v.ProofID, &v.OracleType,
		&v.Verified, &v.Confidence, &v.Notes, &v.CreatedAt,
	)
	return v, err
}

// InsertTx appends a verification record inside the caller's transaction.
func (r *Repository) InsertTx(ctx context.Context, tx pgx.Tx, v Verification) (Verification, error) {
	const query = `
		INSERT INTO oracle_verifications
			(escrow_id, deliverable_id, proof_id, oracle_type, verified, confidence_score, notes)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING ` + columns

	created, err := scanVerification(tx.QueryRow(ctx, query,
		v.EscrowID, v.DeliverableID, v.ProofID, v.OracleType, v.Verified, v.Confidence, v.Notes))
	if err != nil {
		return Verification{}, fmt.Errorf("oracle: insert verification: %w", err)
	}
	return created, nil
}

func (r *Repository) ListByEscrow(ctx context.Context, escrowID string) ([]Verification, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+columns+` FROM oracle_verifications WHERE escrow_id = $1 ORDER BY created_at ASC`, escrowID)
	if err != nil {
		return nil, fmt.Errorf("oracle: list verifications: %w", err)
	}
	defer rows.Close()

	out := make([]Verification, 0, 4)
	for rows.Next() {
		v, err := scanVerification(rows)
		if err != nil {
			return nil, fmt.Errorf("oracle: scan verification: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("oracle: iterate verifications: %w", err)
	}
	return out, nil
}

// Authoritative returns the verification attached to the deliverable's
// newest proof. Earlier verifications remain in the table for audit but are
// superseded.
func (r *Repository) Authoritative(ctx context.Context, deliverableID string) (Verification, error) {
	const query = `
		SELECT ` + columns + `
		FROM oracle_verifications v
		WHERE v.deliverable_id = $1
		  AND v.proof_id = (
			SELECT p.id FROM escrow_proofs p
			WHERE p.deliverable_id = $1
			ORDER BY p.submitted_at DESC, p.id DESC
			LIMIT 1
		  )
		ORDER BY v.created_at DESC
		LIMIT 1
	`
	v, err := scanVerification(r.pool.QueryRow(ctx, query, deliverableID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Verification{}, ErrNoVerification
		}
		return Verification{}, fmt.Errorf("oracle: authoritative verification: %w", err)
	}
	return v, nil
}

// isLatestProofTx reports, inside the caller's transaction, whether proofID
// is still the newest proof on the deliverable. Used as the stale guard:
// verifications for superseded proofs are recorded but never touch status.
func isLatestProofTx(ctx context.Context, tx pgx.Tx, deliverableID, proofID string) (bool, error) {
	const query = `
		SELECT id = $2
		FROM escrow_proofs
		WHERE deliverable_id = $1
		ORDER BY submitted_at DESC, id DESC
		LIMIT 1
	`
	var latest bool
	if err := tx.QueryRow(ctx, query, deliverableID, proofID).Scan(&latest); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("oracle: latest proof check: %w", err)
	}
	return latest, nil
}
