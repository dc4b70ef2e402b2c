// Package arbiter tracks the negotiation of a third-party adjudicator:
// proposal, bilateral approval, activation, and the final binding decision.
// The active arbiter id is a capability token; resolution authority is
// checked against it, never against a role field.
package arbiter

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gian-gg/sabot-sub002/audit"
	"github.com/gian-gg/sabot-sub002/escrow"
	"github.com/gian-gg/sabot-sub002/fault"
)

// TimelineWriter appends an immutable audit event inside the transaction.
type TimelineWriter interface {
	Append(ctx context.Context, tx pgx.Tx, escrowID, eventType, actorID string, payload map[string]any) error
}

// OutboxWriter enqueues a transactional outbox message.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

type Service struct {
	pool     *pgxpool.Pool
	escrows  *escrow.Repository
	resolver *escrow.Service
	timeline TimelineWriter
	outbox   OutboxWriter
}

func NewService(pool *pgxpool.Pool, escrows *escrow.Repository, resolver *escrow.Service, timeline TimelineWriter, outbox OutboxWriter) *Service {
	if escrows == nil {
		escrows = escrow.NewRepository(pool)
	}
	return &Service{
		pool:     pool,
		escrows:  escrows,
		resolver: resolver,
		timeline: timeline,
		outbox:   outbox,
	}
}

// Propose nominates an arbiter for a disputed escrow. A rejected proposal
// does not block a later proposal of a different (or even the same)
// arbiter; only one proposal may be pending at a time.
func (s *Service) Propose(ctx context.Context, escrowID, arbiterID, proposerID string) (escrow.Escrow, error) {
	if arbiterID == "" {
		return escrow.Escrow{}, fault.Validation("arbiter id required")
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return escrow.Escrow{}, fmt.Errorf("arbiter: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	e, err := s.lock(ctx, tx, escrowID)
	if err != nil {
		return escrow.Escrow{}, err
	}
	if !e.IsParty(proposerID) {
		return escrow.Escrow{}, fault.Authorization("caller is not a party to this escrow")
	}
	if e.Status != escrow.StatusDisputed {
		return escrow.Escrow{}, fault.Conflict(string(e.Status), "arbiter proposals require a disputed escrow")
	}
	if e.ActiveArbiterID != nil {
		return escrow.Escrow{}, fault.Conflict(string(e.Status), "an arbiter is already active")
	}
	if e.ProposedArbiterID != nil {
		return escrow.Escrow{}, fault.Conflict(string(e.Status), "a proposal is already pending")
	}

	if _, err := tx.Exec(ctx, `
		UPDATE escrows
		SET proposed_arbiter_id = $2, proposer_id = $3,
		    initiator_approved_arbiter = false, participant_approved_arbiter = false,
		    updated_at = get_tx_timestamp()
		WHERE id = $1
	`, e.ID, arbiterID, proposerID); err != nil {
		return escrow.Escrow{}, fmt.Errorf("arbiter: set proposal: %w", err)
	}

	if err := s.append(ctx, tx, e.ID, "ARBITER_PROPOSED", proposerID, map[string]any{
		"arbiter_id": arbiterID,
	}); err != nil {
		return escrow.Escrow{}, err
	}
	if err := s.enqueue(ctx, tx, audit.TopicArbiterProposed, map[string]any{
		"escrow_id":  e.ID,
		"arbiter_id": arbiterID,
	}); err != nil {
		return escrow.Escrow{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return escrow.Escrow{}, fmt.Errorf("arbiter: commit propose: %w", err)
	}
	return s.escrows.Get(ctx, e.ID)
}

// Approve records a party's approval of the pending proposal. Activation
// happens on double approval: the proposed id becomes the active arbiter
// capability and both parties are notified.
func (s *Service) Approve(ctx context.Context, escrowID, callerID string) (escrow.Escrow, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return escrow.Escrow{}, fmt.Errorf("arbiter: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	e, err := s.lock(ctx, tx, escrowID)
	if err != nil {
		return escrow.Escrow{}, err
	}
	if !e.IsParty(callerID) {
		return escrow.Escrow{}, fault.Authorization("caller is not a party to this escrow")
	}
	if e.ProposedArbiterID == nil {
		return escrow.Escrow{}, fault.Conflict(string(e.Status), "no arbiter proposal pending")
	}

	column := "initiator_approved_arbiter"
	if e.ParticipantID != nil && callerID == *e.ParticipantID {
		column = "participant_approved_arbiter"
	}
	if _, err := tx.Exec(ctx,
		`UPDATE escrows SET `+column+` = true, updated_at = get_tx_timestamp() WHERE id = $1`, e.ID); err != nil {
		return escrow.Escrow{}, fmt.Errorf("arbiter: set approval: %w", err)
	}

	var bothApproved bool
	if err := tx.QueryRow(ctx, `
		SELECT initiator_approved_arbiter AND participant_approved_arbiter
		FROM escrows WHERE id = $1
	`, e.ID).Scan(&bothApproved); err != nil {
		return escrow.Escrow{}, fmt.Errorf("arbiter: check approvals: %w", err)
	}

	if err := s.append(ctx, tx, e.ID, "ARBITER_APPROVED", callerID, map[string]any{
		"arbiter_id": *e.ProposedArbiterID,
	}); err != nil {
		return escrow.Escrow{}, err
	}

	if bothApproved {
		if _, err := tx.Exec(ctx, `
			UPDATE escrows SET active_arbiter_id = proposed_arbiter_id, updated_at = get_tx_timestamp()
			WHERE id = $1
		`, e.ID); err != nil {
			return escrow.Escrow{}, fmt.Errorf("arbiter: activate: %w", err)
		}
		if err := s.append(ctx, tx, e.ID, "ARBITER_ACTIVATED", callerID, map[string]any{
			"arbiter_id": *e.ProposedArbiterID,
		}); err != nil {
			return escrow.Escrow{}, err
		}
		if err := s.enqueue(ctx, tx, audit.TopicArbiterActive, map[string]any{
			"escrow_id":  e.ID,
			"arbiter_id": *e.ProposedArbiterID,
		}); err != nil {
			return escrow.Escrow{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return escrow.Escrow{}, fmt.Errorf("arbiter: commit approve: %w", err)
	}
	return s.escrows.Get(ctx, e.ID)
}

// Reject clears the pending proposal. A fresh Propose is required
// afterwards; the rejected arbiter is not retried implicitly.
func (s *Service) Reject(ctx context.Context, escrowID, callerID string) (escrow.Escrow, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return escrow.Escrow{}, fmt.Errorf("arbiter: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	e, err := s.lock(ctx, tx, escrowID)
	if err != nil {
		return escrow.Escrow{}, err
	}
	if !e.IsParty(callerID) {
		return escrow.Escrow{}, fault.Authorization("caller is not a party to this escrow")
	}
	if e.ProposedArbiterID == nil {
		return escrow.Escrow{}, fault.Conflict(string(e.Status), "no arbiter proposal pending")
	}

	rejected := *e.ProposedArbiterID
	if _, err := tx.Exec(ctx, `
		UPDATE escrows
		SET proposed_arbiter_id = NULL, proposer_id = NULL,
		    initiator_approved_arbiter = false, participant_approved_arbiter = false,
		    updated_at = get_tx_timestamp()
		WHERE id = $1
	`, e.ID); err != nil {
		return escrow.Escrow{}, fmt.Errorf("arbiter: clear proposal: %w", err)
	}

	if err := s.append(ctx, tx, e.ID, "ARBITER_REJECTED", callerID, map[string]any{
		"arbiter_id": rejected,
	}); err != nil {
		return escrow.Escrow{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return escrow.Escrow{}, fmt.Errorf("arbiter: commit reject: %w", err)
	}
	return s.escrows.Get(ctx, e.ID)
}

// Resolve applies the active arbiter's binding decision. Only the holder
// of the active-arbiter capability may call it, and it is terminal: once
// the escrow leaves disputed there is no appeal.
func (s *Service) Resolve(ctx context.Context, escrowID, callerID string, decision escrow.Decision, notes string) (escrow.Escrow, error) {
	if !decision.Valid() {
		return escrow.Escrow{}, fault.Validation("invalid decision %q", decision)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return escrow.Escrow{}, fmt.Errorf("arbiter: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	e, err := s.lock(ctx, tx, escrowID)
	if err != nil {
		return escrow.Escrow{}, err
	}
	if e.Status != escrow.StatusDisputed {
		return escrow.Escrow{}, fault.Conflict(string(e.Status), "escrow is not disputed")
	}
	if e.ActiveArbiterID == nil || callerID != *e.ActiveArbiterID {
		return escrow.Escrow{}, fault.Authorization("caller does not hold the active arbiter capability")
	}

	if _, err := s.resolver.ApplyResolutionTx(ctx, tx, e, decision, callerID, notes); err != nil {
		return escrow.Escrow{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return escrow.Escrow{}, fmt.Errorf("arbiter: commit resolve: %w", err)
	}
	return s.escrows.Get(ctx, e.ID)
}

func (s *Service) lock(ctx context.Context, tx pgx.Tx, escrowID string) (escrow.Escrow, error) {
	e, err := s.escrows.GetForUpdate(ctx, tx, escrowID)
	if err != nil {
		if errors.Is(err, escrow.ErrNotFound) {
			return escrow.Escrow{}, fault.NotFound("escrow %s", escrowID)
		}
		return escrow.Escrow{}, err
	}
	return e, nil
}

func (s *Service) append(ctx context.Context, tx pgx.Tx, escrowID, eventType, actorID string, payload map[string]any) error {
	if s.timeline == nil {
		return nil
	}
	return s.timeline.Append(ctx, tx, escrowID, eventType, actorID, payload)
}

func (s *Service) enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	if s.outbox == nil {
		return nil
	}
	return s.outbox.Enqueue(ctx, tx, topic, payload)
}
