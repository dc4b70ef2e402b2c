package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/gian-gg/sabot-sub002/confirmation"
	"github.com/gian-gg/sabot-sub002/deliverable"
	"github.com/gian-gg/sabot-sub002/fault"
	"github.com/gian-gg/sabot-sub002/oracle"
)

// StatusView is the read model handed to UI and automation callers.
type StatusView struct {
	Escrow             Escrow
	Deliverables       []deliverable.Deliverable
	Verifications      []oracle.Verification
	Unified            confirmation.Unified
	IsReadyForNextStep bool
}

// ReadModel serves getStatus. The Confirmation Aggregator runs on every
// call because oracle verification can flip the deliverable side without a
// participant action ever touching the participant-flag side.
type ReadModel struct {
	svc           *Service
	verifications *oracle.Repository
}

func NewReadModel(svc *Service, verifications *oracle.Repository) *ReadModel {
	return &ReadModel{svc: svc, verifications: verifications}
}

// GetStatus accepts either an escrow id or a transaction id, reconciles the
// unified confirmation view, applies any derived transition, and returns
// the full status snapshot.
func (m *ReadModel) GetStatus(ctx context.Context, ref string) (StatusView, error) {
	e, err := m.svc.repo.GetByRef(ctx, ref)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return StatusView{}, fault.NotFound("escrow %s", ref)
		}
		return StatusView{}, err
	}

	unified, err := m.svc.reconciler.Reconcile(ctx, m.svc.pool, e.TransactionID)
	if err != nil {
		return StatusView{}, err
	}

	// External verification may have completed the last deliverable since
	// the previous request; derive the transition now rather than waiting
	// for a confirm call.
	if e.Status == StatusActive {
		tx, err := m.svc.pool.Begin(ctx)
		if err != nil {
			return StatusView{}, fmt.Errorf("escrow: begin tx: %w", err)
		}
		if _, err := m.svc.deriveStatusTx(ctx, tx, e.ID); err != nil {
			tx.Rollback(ctx)
			return StatusView{}, err
		}
		if err := tx.Commit(ctx); err != nil {
			return StatusView{}, fmt.Errorf("escrow: commit derive: %w", err)
		}
		if e, err = m.svc.repo.Get(ctx, e.ID); err != nil {
			return StatusView{}, err
		}
	}

	deliverables, err := m.svc.delivs.ListByEscrow(ctx, e.ID)
	if err != nil {
		return StatusView{}, err
	}
	verifications, err := m.verifications.ListByEscrow(ctx, e.ID)
	if err != nil {
		return StatusView{}, err
	}

	return StatusView{
		Escrow:             e,
		Deliverables:       deliverables,
		Verifications:      verifications,
		Unified:            unified,
		IsReadyForNextStep: readyForNextStep(e),
	}, nil
}

func readyForNextStep(e Escrow) bool {
	switch e.Status {
	case StatusAwaitingConfirmation:
		return true
	case StatusDisputed:
		return e.ActiveArbiterID != nil
	default:
		return false
	}
}
