package oracle

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gian-gg/sabot-sub002/audit"
	"github.com/gian-gg/sabot-sub002/deliverable"
	"github.com/gian-gg/sabot-sub002/fault"
	"github.com/gian-gg/sabot-sub002/proof"
)

// ErrDuplicateReview signals a manual-review callback replayed an already
// processed idempotency key.
var ErrDuplicateReview = errors.New("oracle: duplicate manual review delivery")

// TimelineWriter appends an immutable audit event inside the transaction.
type TimelineWriter interface {
	Append(ctx context.Context, tx pgx.Tx, escrowID, eventType, actorID string, payload map[string]any) error
}

// OutboxWriter enqueues a transactional outbox message.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// Router dispatches a deliverable's latest proof to the verification
// strategy matching the deliverable type, then atomically records the
// result and its side effects on the deliverable and proof rows.
type Router struct {
	pool     *pgxpool.Pool
	repo     *Repository
	proofs   *proof.Repository
	delivs   *deliverable.Repository
	content  Strategy
	scoring  Strategy
	manual   Strategy
	timeline TimelineWriter
	outbox   OutboxWriter
}

func NewRouter(pool *pgxpool.Pool, checker ContentChecker, scorer Scorer, timeline TimelineWriter, outbox OutboxWriter) *Router {
	return &Router{
		pool:     pool,
		repo:     NewRepository(pool),
		proofs:   proof.NewRepository(pool),
		delivs:   deliverable.NewRepository(pool),
		content:  NewContentStrategy(checker),
		scoring:  NewScoringStrategy(scorer),
		manual:   NewManualStrategy(),
		timeline: timeline,
		outbox:   outbox,
	}
}

// Repo exposes the verification repository for read-model consumers.
func (r *Router) Repo() *Repository { return r.repo }

// routeFor selects the strategy by deliverable type, not proof content.
func (r *Router) routeFor(t deliverable.Type) Strategy {
	switch t {
	case deliverable.TypeDigital, deliverable.TypeDocument:
		return r.content
	case deliverable.TypeService:
		return r.scoring
	default:
		// item, cash, digital_transfer, mixed
		return r.manual
	}
}

// Verify runs the matching strategy against the proof and records the
// outcome. Implements the proof package's Verifier.
func (r *Router) Verify(ctx context.Context, d deliverable.Deliverable, p proof.Proof) error {
	strategy := r.routeFor(d.Type)
	result, err := strategy.Verify(ctx, d, p)
	if err != nil {
		return fmt.Errorf("oracle: strategy %T: %w", strategy, err)
	}
	_, err = r.record(ctx, d, p, result, "")
	return err
}

// record writes the verification and, when the proof is still the newest
// one for its deliverable, applies the status side effects in the same
// transaction: verified -> deliverable verified, rejected -> failed,
// pending manual -> submitted. A non-empty idemKey is reserved inside the
// same transaction, so the key and the verification commit or roll back
// together; a failed write never burns the key.
func (r *Router) record(ctx context.Context, d deliverable.Deliverable, p proof.Proof, result Result, idemKey string) (Verification, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Verification{}, fmt.Errorf("oracle: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if idemKey != "" {
		if _, err := tx.Exec(ctx, `INSERT INTO idempotency (key) VALUES ($1)`, idemKey); err != nil {
			var pgErr *pgconn.PgError
			if errors.As(err, &pgErr) && pgErr.Code == "23505" {
				return Verification{}, ErrDuplicateReview
			}
			return Verification{}, fmt.Errorf("oracle: reserve idempotency key: %w", err)
		}
	}

	created, err := r.repo.InsertTx(ctx, tx, Verification{
		EscrowID:      d.EscrowID,
		DeliverableID: d.ID,
		ProofID:       p.ID,
		OracleType:    result.OracleType,
		Verified:      result.Verified,
		Confidence:    result.Confidence,
		Notes:         result.Notes,
	})
	if err != nil {
		return Verification{}, err
	}

	latest, err := isLatestProofTx(ctx, tx, d.ID, p.ID)
	if err != nil {
		return Verification{}, err
	}

	if latest {
		if err := r.applySideEffects(ctx, tx, d, p, result); err != nil {
			return Verification{}, err
		}
	}

	if r.timeline != nil {
		payload := map[string]any{
			"verification_id": created.ID,
			"deliverable_id":  d.ID,
			"proof_id":        p.ID,
			"oracle_type":     result.OracleType,
			"verified":        result.Verified,
			"confidence":      result.Confidence,
			"superseded":      !latest,
		}
		if err := r.timeline.Append(ctx, tx, d.EscrowID, "ORACLE_VERIFIED", "", payload); err != nil {
			return Verification{}, err
		}
	}
	if r.outbox != nil && latest && !result.Manual {
		payload := map[string]any{
			"escrow_id":      d.EscrowID,
			"deliverable_id": d.ID,
			"verified":       result.Verified,
		}
		if err := r.outbox.Enqueue(ctx, tx, audit.TopicOracleVerified, payload); err != nil {
			return Verification{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Verification{}, fmt.Errorf("oracle: commit: %w", err)
	}
	return created, nil
}

func (r *Router) applySideEffects(ctx context.Context, tx pgx.Tx, d deliverable.Deliverable, p proof.Proof, result Result) error {
	switch {
	case result.Manual:
		// Await the human verdict; the deliverable stays at submitted and
		// the proof stays pending.
		if _, err := r.delivs.Advance(ctx, tx, d.ID, deliverable.StatusSubmitted); err != nil &&
			!errors.Is(err, deliverable.ErrNoForwardProgress) {
			return err
		}
	case result.Verified:
		if _, err := r.delivs.Advance(ctx, tx, d.ID, deliverable.StatusVerified); err != nil &&
			!errors.Is(err, deliverable.ErrNoForwardProgress) {
			return err
		}
		if err := r.proofs.SetVerificationStatusTx(ctx, tx, p.ID, proof.VerificationAccepted); err != nil {
			return err
		}
	default:
		if _, err := r.delivs.Advance(ctx, tx, d.ID, deliverable.StatusFailed); err != nil &&
			!errors.Is(err, deliverable.ErrNoForwardProgress) {
			return err
		}
		if err := r.proofs.SetVerificationStatusTx(ctx, tx, p.ID, proof.VerificationRejected); err != nil {
			return err
		}
	}
	return nil
}

// ManualReviewParams is the external operator's approve/reject write for a
// manually reviewed proof. Deliveries may repeat; IdempotencyKey dedupes.
type ManualReviewParams struct {
	ProofID        string
	ReviewerID     string
	Approved       bool
	Notes          string
	IdempotencyKey string
}

// RecordManualReview accepts the human verdict on a manual-review proof and
// applies the same atomic side effects the automated strategies do.
func (r *Router) RecordManualReview(ctx context.Context, params ManualReviewParams) (Verification, error) {
	if params.ProofID == "" {
		return Verification{}, fault.Validation("proof id required")
	}

	p, err := r.proofs.Get(ctx, params.ProofID)
	if err != nil {
		if errors.Is(err, proof.ErrNotFound) {
			return Verification{}, fault.NotFound("proof %s", params.ProofID)
		}
		return Verification{}, err
	}

	// A replayed delivery of an already-committed verdict answers with the
	// authoritative record rather than a verdict conflict.
	if params.IdempotencyKey != "" {
		var seen bool
		if err := r.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM idempotency WHERE key = $1)`, params.IdempotencyKey,
		).Scan(&seen); err != nil {
			return Verification{}, fmt.Errorf("oracle: check idempotency key: %w", err)
		}
		if seen {
			return r.replayed(ctx, p.DeliverableID)
		}
	}

	if p.VerificationStatus == proof.VerificationAccepted || p.VerificationStatus == proof.VerificationRejected {
		return Verification{}, fault.Conflict(string(p.VerificationStatus), "proof already has a verdict")
	}

	d, err := r.delivs.Get(ctx, p.DeliverableID)
	if err != nil {
		return Verification{}, err
	}

	confidence := 0
	if params.Approved {
		confidence = 100
	}
	notes := params.Notes
	if notes == "" {
		notes = fmt.Sprintf("manual review by %s", params.ReviewerID)
	}

	created, err := r.record(ctx, d, p, Result{
		OracleType: TypeManual,
		Verified:   params.Approved,
		Confidence: confidence,
		Notes:      notes,
	}, params.IdempotencyKey)
	if errors.Is(err, ErrDuplicateReview) {
		// Lost a race against a concurrent delivery of the same key.
		return r.replayed(ctx, p.DeliverableID)
	}
	return created, err
}

// replayed answers a duplicate delivery with the verdict the first delivery
// committed.
func (r *Router) replayed(ctx context.Context, deliverableID string) (Verification, error) {
	v, err := r.repo.Authoritative(ctx, deliverableID)
	if err != nil {
		if errors.Is(err, ErrNoVerification) {
			return Verification{}, nil
		}
		return Verification{}, err
	}
	return v, nil
}
