package escrow

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/gian-gg/sabot-sub002/audit"
)

// Decision is the arbiter's binding verdict on a disputed escrow.
type Decision string

const (
	DecisionRelease Decision = "release"
	DecisionRefund  Decision = "refund"
	DecisionSplit   Decision = "split"
)

func (d Decision) Valid() bool {
	switch d {
	case DecisionRelease, DecisionRefund, DecisionSplit:
		return true
	}
	return false
}

// terminalFor maps a decision onto the state machine: release and split
// complete the escrow; refund lands in the refund-flavoured terminal.
func (d Decision) terminalFor() Status {
	if d == DecisionRefund {
		return StatusCancelled
	}
	return StatusCompleted
}

// ApplyResolutionTx executes the dispute-resolution transition inside the
// caller's transaction. The caller (the arbiter service) has already
// verified the resolver holds the active-arbiter capability and locked the
// escrow row.
func (s *Service) ApplyResolutionTx(ctx context.Context, tx pgx.Tx, e Escrow, decision Decision, arbiterID, notes string) (Status, error) {
	if !decision.Valid() {
		return "", fmt.Errorf("escrow: invalid resolution decision %q", decision)
	}
	next := decision.terminalFor()

	if _, err := tx.Exec(ctx, `
		UPDATE escrows
		SET resolution = $2, updated_at = get_tx_timestamp()
		WHERE id = $1
	`, e.ID, string(decision)); err != nil {
		return "", fmt.Errorf("escrow: record resolution: %w", err)
	}

	if err := s.repo.UpdateStatusTx(ctx, tx, e.ID, e.Status, next); err != nil {
		return "", err
	}

	payload := map[string]any{
		"decision": decision,
		"next":     next,
	}
	if notes != "" {
		payload["notes"] = notes
	}
	if err := s.appendEvent(ctx, tx, e.ID, "DISPUTE_RESOLVED", arbiterID, payload); err != nil {
		return "", err
	}
	if err := s.enqueue(ctx, tx, audit.TopicEscrowResolved, map[string]any{
		"escrow_id": e.ID,
		"decision":  decision,
		"next":      next,
	}); err != nil {
		return "", err
	}

	return next, nil
}
