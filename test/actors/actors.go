package actors

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// reconcileSQL writes the OR-merged unified confirmation back to every
// participant row of the transaction, mirroring what the aggregator does.
const reconcileSQL = `
	UPDATE transaction_participants SET
		item_confirmed = (
			(SELECT COALESCE(bool_or(item_confirmed), false)
			 FROM transaction_participants WHERE transaction_id = $1)
			OR
			(SELECT COALESCE(bool_or(d.type <> 'cash' AND d.status IN ('verified','completed')), false)
			 FROM deliverables d JOIN escrows e ON e.id = d.escrow_id
			 WHERE e.transaction_id = $1)
		),
		payment_confirmed = (
			(SELECT COALESCE(bool_or(payment_confirmed), false)
			 FROM transaction_participants WHERE transaction_id = $1)
			OR
			(SELECT COALESCE(bool_or(d.type = 'cash' AND d.status IN ('verified','completed')), false)
			 FROM deliverables d JOIN escrows e ON e.id = d.escrow_id
			 WHERE e.transaction_id = $1)
		),
		updated_at = now()
	WHERE transaction_id = $1
`

// Confirmer records one party's completion confirmation over and over,
// reconciles the unified view, and applies the derived transitions. All
// writes go through the SQL transition guard so an illegal move is a no-op,
// never corruption.
func Confirmer(ctx context.Context, pool *pgxpool.Pool, escrowID, txID, column, actorID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var status string
		err = tx.QueryRow(ctx, `SELECT status::text FROM escrows WHERE id=$1 FOR UPDATE`, escrowID).Scan(&status)
		if err == nil && (status == "active" || status == "awaiting_confirmation") {
			_, err = tx.Exec(ctx, `UPDATE escrows SET `+column+` = true, updated_at = now() WHERE id = $1`, escrowID)
			if err == nil {
				// Confirmation completes the caller's manually confirmable
				// deliverables.
				_, _ = tx.Exec(ctx, `
					UPDATE deliverables SET status='completed', updated_at=now()
					WHERE escrow_id=$1 AND type IN ('cash','item','digital_transfer','mixed')
					  AND status IN ('pending','in_progress','submitted','verified')
				`, escrowID)
				_, _ = tx.Exec(ctx, reconcileSQL, txID)

				// Derived transitions under the SQL guard.
				advanced, _ := tx.Exec(ctx, `
					UPDATE escrows SET status='awaiting_confirmation', updated_at=now()
					WHERE id=$1 AND status='active'
					  AND escrow_validate_transition(status, 'awaiting_confirmation')
					  AND NOT EXISTS (SELECT 1 FROM deliverables WHERE escrow_id=$1 AND status NOT IN ('verified','completed'))
				`, escrowID)
				if advanced.RowsAffected() > 0 {
					_, _ = tx.Exec(ctx, `INSERT INTO timeline_events (escrow_id, type, actor_id, payload) VALUES ($1,'AWAITING_CONFIRMATION',NULL,'{}'::jsonb)`, escrowID)
				}
				completed, _ := tx.Exec(ctx, `
					UPDATE escrows SET status='completed', updated_at=now()
					WHERE id=$1 AND status='awaiting_confirmation'
					  AND escrow_validate_transition(status, 'completed')
					  AND initiator_confirmation AND participant_confirmation
					  AND NOT EXISTS (SELECT 1 FROM deliverables WHERE escrow_id=$1 AND status NOT IN ('verified','completed'))
				`, escrowID)
				if completed.RowsAffected() > 0 {
					_, _ = tx.Exec(ctx, `INSERT INTO timeline_events (escrow_id, type, actor_id, payload) VALUES ($1,'ESCROW_COMPLETED',$2,'{}'::jsonb)`, escrowID, actorID)
					_, _ = tx.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ('escrow.status_changed', jsonb_build_object('escrow_id',$1))`, escrowID)
				}
				_, _ = tx.Exec(ctx, `INSERT INTO timeline_events (escrow_id, type, actor_id, payload) VALUES ($1,'COMPLETION_CONFIRMED',$2,'{}'::jsonb)`, escrowID, actorID)
			}
		}
		if err == nil {
			_ = tx.Commit(ctx)
		} else {
			_ = tx.Rollback(ctx)
		}
		time.Sleep(time.Duration(15+rand.Intn(30)) * time.Millisecond)
	}
}

// ProofSubmitter appends proof rows against a deliverable and bumps it to
// submitted through the monotonic conditional update. Submission while the
// escrow is closed or disputed matches no row and is silently skipped,
// mirroring the service-level conflict rejection.
func ProofSubmitter(ctx context.Context, pool *pgxpool.Pool, escrowID, deliverableID, submitterID string, stop <-chan struct{}) error {
	n := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		n++
		_, err := pool.Exec(ctx, `
			INSERT INTO escrow_proofs (escrow_id, deliverable_id, submitter_id, proof_type, description)
			SELECT $1, $2, $3, 'text', $4
			WHERE EXISTS (SELECT 1 FROM escrows WHERE id=$1 AND status IN ('pending','active','awaiting_confirmation'))
		`, escrowID, deliverableID, submitterID, fmt.Sprintf("stress proof %d", n))
		if err != nil {
			return fmt.Errorf("proof insert: %w", err)
		}
		_, _ = pool.Exec(ctx, `
			UPDATE deliverables SET status='submitted', updated_at=now()
			WHERE id=$1 AND status IN ('pending','in_progress','failed')
		`, deliverableID)
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Verifier plays the oracle: it records a verification for the newest proof
// and applies the side effects through the same stale-writer-safe
// conditional updates the router uses.
func Verifier(ctx context.Context, pool *pgxpool.Pool, escrowID, deliverableID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		var proofID string
		err = tx.QueryRow(ctx, `
			SELECT id FROM escrow_proofs WHERE deliverable_id=$1
			ORDER BY submitted_at DESC, id DESC LIMIT 1
		`, deliverableID).Scan(&proofID)
		if err == nil {
			verified := rand.Intn(4) != 0
			confidence := 0
			if verified {
				confidence = 100
			}
			_, err = tx.Exec(ctx, `
				INSERT INTO oracle_verifications (escrow_id, deliverable_id, proof_id, oracle_type, verified, confidence_score, notes)
				VALUES ($1, $2, $3, 'ipfs', $4, $5, 'stress verification')
			`, escrowID, deliverableID, proofID, verified, confidence)
			if err == nil {
				if verified {
					_, _ = tx.Exec(ctx, `
						UPDATE deliverables SET status='verified', updated_at=now()
						WHERE id=$1 AND status IN ('pending','in_progress','submitted')
					`, deliverableID)
					_, _ = tx.Exec(ctx, `UPDATE escrow_proofs SET verification_status='accepted' WHERE id=$1 AND verification_status IN ('pending','under_review')`, proofID)
				} else {
					_, _ = tx.Exec(ctx, `
						UPDATE deliverables SET status='failed', updated_at=now()
						WHERE id=$1 AND status IN ('pending','in_progress','submitted')
					`, deliverableID)
					_, _ = tx.Exec(ctx, `UPDATE escrow_proofs SET verification_status='rejected' WHERE id=$1 AND verification_status IN ('pending','under_review')`, proofID)
				}
			}
		}
		if err == nil {
			_ = tx.Commit(ctx)
		} else {
			_ = tx.Rollback(ctx)
		}
		time.Sleep(time.Duration(30+rand.Intn(50)) * time.Millisecond)
	}
}

// Settler races the tri-state settlement CAS: claim NULL -> pending, record
// the (simulated) anchor call, then either finalize to done or revert to
// NULL on a random anchor failure. anchor_calls feeds the at-most-once
// oracle.
func Settler(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		var txID string
		err := pool.QueryRow(ctx, `
			SELECT t.id FROM transactions t
			JOIN escrows e ON e.transaction_id = t.id
			WHERE e.status = 'completed' AND t.settlement_flag IS NULL
			LIMIT 1
		`).Scan(&txID)
		if err == nil {
			claimed, err := pool.Exec(ctx, `
				UPDATE transactions SET settlement_flag='pending', updated_at=now()
				WHERE id=$1 AND settlement_flag IS NULL
			`, txID)
			if err == nil && claimed.RowsAffected() > 0 {
				if rand.Intn(5) == 0 {
					// Simulated anchor failure: release the claim for retry.
					_, _ = pool.Exec(ctx, `
						UPDATE transactions SET settlement_flag=NULL, updated_at=now()
						WHERE id=$1 AND settlement_flag='pending'
					`, txID)
				} else {
					_, _ = pool.Exec(ctx, `INSERT INTO anchor_calls (transaction_id) VALUES ($1)`, txID)
					_, _ = pool.Exec(ctx, `
						UPDATE transactions
						SET settlement_flag='done',
						    settlement_hash=encode(sha256(id::text::bytea), 'hex'),
						    settled_at=now(), updated_at=now()
						WHERE id=$1 AND settlement_flag='pending'
					`, txID)
				}
			}
		}
		time.Sleep(time.Duration(25+rand.Intn(50)) * time.Millisecond)
	}
}

// Disputer occasionally raises a dispute through the transition guard, then
// runs the arbiter negotiation to a binding resolution so the escrow does
// not stall forever.
func Disputer(ctx context.Context, pool *pgxpool.Pool, escrowID, callerID, arbiterID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		if rand.Intn(20) == 0 {
			disputed, _ := pool.Exec(ctx, `
				UPDATE escrows
				SET status='disputed', dispute_reason='quality',
				    dispute_details='stress dispute with enough detail text', updated_at=now()
				WHERE id=$1 AND status IN ('pending','active','awaiting_confirmation')
				  AND escrow_validate_transition(status, 'disputed')
			`, escrowID)
			if disputed.RowsAffected() > 0 {
				_, _ = pool.Exec(ctx, `INSERT INTO timeline_events (escrow_id, type, actor_id, payload) VALUES ($1,'DISPUTE_RAISED',$2,'{}'::jsonb)`, escrowID, callerID)
			}
		}

		// Arbiter negotiation: propose, double-approve, activate in one
		// guarded write, then resolve.
		_, _ = pool.Exec(ctx, `
			UPDATE escrows
			SET proposed_arbiter_id=$2, proposer_id=$3,
			    initiator_approved_arbiter=true, participant_approved_arbiter=true,
			    active_arbiter_id=$2, updated_at=now()
			WHERE id=$1 AND status='disputed' AND active_arbiter_id IS NULL
		`, escrowID, arbiterID, callerID)

		decision := "release"
		next := "completed"
		if rand.Intn(3) == 0 {
			decision = "refund"
			next = "cancelled"
		}
		resolved, _ := pool.Exec(ctx, `
			UPDATE escrows SET status=$2::escrow_status, resolution=$3, updated_at=now()
			WHERE id=$1 AND status='disputed' AND active_arbiter_id IS NOT NULL
			  AND escrow_validate_transition(status, $2::escrow_status)
		`, escrowID, next, decision)
		if resolved.RowsAffected() > 0 {
			_, _ = pool.Exec(ctx, `INSERT INTO timeline_events (escrow_id, type, actor_id, payload) VALUES ($1,'DISPUTE_RESOLVED',$2,'{}'::jsonb)`, escrowID, arbiterID)
			_, _ = pool.Exec(ctx, `INSERT INTO outbox (topic, payload) VALUES ('escrow.resolved', jsonb_build_object('escrow_id',$1,'decision',$2))`, escrowID, decision)
		}

		time.Sleep(time.Duration(150+rand.Intn(150)) * time.Millisecond)
	}
}

// Expirer races strangers calling the anti-stall expiry: any caller may
// expire a stale escrow, but only one write lands and terminals stay put.
func Expirer(ctx context.Context, pool *pgxpool.Pool, escrowID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		expired, err := pool.Exec(ctx, `
			UPDATE escrows SET status='expired', updated_at=now()
			WHERE id=$1 AND expires_at IS NOT NULL AND expires_at < now()
			  AND status IN ('pending','active','awaiting_confirmation','disputed')
			  AND escrow_validate_transition(status, 'expired')
		`, escrowID)
		if err != nil {
			return fmt.Errorf("expire: %w", err)
		}
		if expired.RowsAffected() > 0 {
			_, _ = pool.Exec(ctx, `INSERT INTO timeline_events (escrow_id, type, actor_id, payload) VALUES ($1,'ESCROW_EXPIRED',NULL,'{}'::jsonb)`, escrowID)
		}
		time.Sleep(time.Duration(50+rand.Intn(100)) * time.Millisecond)
	}
}

// OutboxWorker consumes pending outbox messages with SKIP LOCKED and marks
// them processed, with simulated transient failures bumping attempts.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE status='pending' ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]string, 0, 10)
		for rows.Next() {
			var id string
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			if rand.Intn(10) == 0 {
				_, _ = tx.Exec(ctx, `UPDATE outbox SET attempts=attempts+1 WHERE id=$1`, id)
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status='processed' WHERE id=$1`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}

// FreezeProber hammers transitions the state machine forbids (reviving a
// terminal escrow, confirming through a dispute). Every write must match
// zero rows; the oracles catch it if one ever lands.
func FreezeProber(ctx context.Context, pool *pgxpool.Pool, escrowID string, stop <-chan struct{}) error {
	forbidden := []string{
		`UPDATE escrows SET status='active' WHERE id=$1 AND status='disputed' AND escrow_validate_transition(status,'active')`,
		`UPDATE escrows SET status='awaiting_confirmation' WHERE id=$1 AND status='disputed' AND escrow_validate_transition(status,'awaiting_confirmation')`,
		`UPDATE escrows SET status='active' WHERE id=$1 AND status='completed' AND escrow_validate_transition(status,'active')`,
		`UPDATE escrows SET status='disputed' WHERE id=$1 AND status IN ('completed','cancelled','expired') AND escrow_validate_transition(status,'disputed')`,
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		q := forbidden[rand.Intn(len(forbidden))]
		tag, err := pool.Exec(ctx, q, escrowID)
		if err != nil {
			return fmt.Errorf("freeze probe: %w", err)
		}
		if tag.RowsAffected() > 0 {
			return fmt.Errorf("forbidden transition landed: %s", q)
		}
		time.Sleep(time.Duration(40+rand.Intn(60)) * time.Millisecond)
	}
}
