// Package audit appends immutable timeline events and transactional outbox
// messages. Both writes always happen inside the caller's transaction so an
// escrow mutation, its audit trail, and its downstream notification commit
// or roll back together.
package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// Outbox topics emitted by the engine.
const (
	TopicEscrowCreated   = "escrow.created"
	TopicEscrowJoined    = "escrow.joined"
	TopicEscrowStatus    = "escrow.status_changed"
	TopicEscrowDisputed  = "escrow.disputed"
	TopicEscrowResolved  = "escrow.resolved"
	TopicEscrowSettled   = "escrow.settled"
	TopicProofSubmitted  = "proof.submitted"
	TopicOracleVerified  = "oracle.verified"
	TopicArbiterProposed = "arbiter.proposed"
	TopicArbiterActive   = "arbiter.activated"
)

type Writer struct{}

func NewWriter() *Writer {
	return &Writer{}
}

// Append inserts a timeline event for the escrow. The seq column is
// assigned by a trigger so concurrent appends within row-locked
// transactions stay monotonic per escrow.
func (w *Writer) Append(ctx context.Context, tx pgx.Tx, escrowID, eventType, actorID string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("audit: marshal timeline payload: %w", err)
	}
	var actor any
	if actorID != "" {
		actor = actorID
	}
	const q = `
		INSERT INTO timeline_events (escrow_id, type, actor_id, payload)
		VALUES ($1, $2, $3::uuid, $4::jsonb)
	`
	if _, err := tx.Exec(ctx, q, escrowID, eventType, actor, body); err != nil {
		return fmt.Errorf("audit: insert timeline event: %w", err)
	}
	return nil
}

// Enqueue adds an outbox message for downstream delivery.
func (w *Writer) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("audit: marshal outbox payload: %w", err)
	}
	const q = `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`
	if _, err := tx.Exec(ctx, q, topic, body); err != nil {
		return fmt.Errorf("audit: enqueue outbox: %w", err)
	}
	return nil
}
