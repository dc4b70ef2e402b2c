package proof

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gian-gg/sabot-sub002/audit"
	"github.com/gian-gg/sabot-sub002/deliverable"
	"github.com/gian-gg/sabot-sub002/fault"
)

// StoredFile is the content reference returned by the external file store.
type StoredFile struct {
	URL  string
	Path string
}

// FileStore is the external storage collaborator. Upload happens before the
// proof row is written; if the insert later fails the orphaned file is
// acceptable garbage and is not cleaned up synchronously.
type FileStore interface {
	Upload(ctx context.Context, data []byte, path string) (StoredFile, error)
}

// Verifier routes a freshly submitted proof to the matching oracle
// strategy. Implemented by the oracle router.
type Verifier interface {
	Verify(ctx context.Context, d deliverable.Deliverable, p Proof) error
}

// TimelineWriter appends an immutable audit event inside the transaction.
type TimelineWriter interface {
	Append(ctx context.Context, tx pgx.Tx, escrowID, eventType, actorID string, payload map[string]any) error
}

// OutboxWriter enqueues a transactional outbox message.
type OutboxWriter interface {
	Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// File is one uploaded evidence file.
type File struct {
	Name string
	Data []byte
}

// SubmitParams carries everything needed to record evidence against a
// deliverable. DeliverableID may be a virtual id (item-/payment- prefixed)
// which is resolved to the concrete deliverable before persisting.
type SubmitParams struct {
	DeliverableID string
	SubmitterID   string
	Type          ProofType
	Files         []File
	Description   string
}

type Service struct {
	pool         *pgxpool.Pool
	repo         *Repository
	deliverables *deliverable.Repository
	store        FileStore
	verifier     Verifier
	timeline     TimelineWriter
	outbox       OutboxWriter
}

func NewService(pool *pgxpool.Pool, repo *Repository, deliverables *deliverable.Repository, store FileStore, verifier Verifier, timeline TimelineWriter, outbox OutboxWriter) *Service {
	if repo == nil {
		repo = NewRepository(pool)
	}
	if deliverables == nil {
		deliverables = deliverable.NewRepository(pool)
	}
	return &Service{
		pool:         pool,
		repo:         repo,
		deliverables: deliverables,
		store:        store,
		verifier:     verifier,
		timeline:     timeline,
		outbox:       outbox,
	}
}

// Submit validates the caller, resolves virtual ids, uploads files, appends
// the immutable proof row, bumps the deliverable to submitted, and finally
// routes the proof through the oracle router.
func (s *Service) Submit(ctx context.Context, params SubmitParams) (Proof, error) {
	if params.SubmitterID == "" {
		return Proof{}, fault.Validation("submitter id required")
	}
	if params.DeliverableID == "" {
		return Proof{}, fault.Validation("deliverable id required")
	}
	if params.Type == "" {
		params.Type = TypeText
	}
	if !params.Type.Valid() {
		return Proof{}, fault.Validation("invalid proof type %q", params.Type)
	}
	if len(params.Files) == 0 && strings.TrimSpace(params.Description) == "" {
		return Proof{}, fault.Validation("proof requires files or a description")
	}

	d, err := s.deliverables.ResolveVirtualID(ctx, params.DeliverableID)
	if err != nil {
		if errors.Is(err, deliverable.ErrNotFound) || errors.Is(err, deliverable.ErrVirtualUnresolvable) {
			return Proof{}, fault.NotFound("deliverable %s", params.DeliverableID)
		}
		return Proof{}, err
	}

	var (
		initiatorID   string
		participantID *string
		status        string
	)
	const escrowSQL = `SELECT initiator_id::text, participant_id::text, status::text FROM escrows WHERE id = $1`
	if err := s.pool.QueryRow(ctx, escrowSQL, d.EscrowID).Scan(&initiatorID, &participantID, &status); err != nil {
		return Proof{}, fmt.Errorf("proof: load escrow parties: %w", err)
	}
	if params.SubmitterID != initiatorID && (participantID == nil || params.SubmitterID != *participantID) {
		return Proof{}, fault.Authorization("caller is not a party to this escrow")
	}
	switch status {
	case "completed", "cancelled", "expired", "disputed":
		return Proof{}, fault.Conflict(status, "escrow no longer accepts proof submissions")
	}

	// Upload before the database write. A crash between the two leaves an
	// orphaned file, which is the documented availability trade-off.
	var stored *StoredFile
	for i, f := range params.Files {
		sf, err := s.store.Upload(ctx, f.Data, fmt.Sprintf("proofs/%s/%s", d.ID, f.Name))
		if err != nil {
			return Proof{}, fault.External(err, "upload proof file %q", f.Name)
		}
		if i == 0 {
			stored = &sf
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Proof{}, fmt.Errorf("proof: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rec := Proof{
		EscrowID:      d.EscrowID,
		DeliverableID: d.ID,
		SubmitterID:   params.SubmitterID,
		Type:          params.Type,
		Description:   params.Description,
	}
	if deliverable.IsVirtualID(params.DeliverableID) {
		virtual := params.DeliverableID
		rec.VirtualID = &virtual
	}
	if stored != nil {
		rec.FileURL = &stored.URL
		rec.FilePath = &stored.Path
	}

	created, err := s.repo.InsertTx(ctx, tx, rec)
	if err != nil {
		return Proof{}, err
	}

	if _, err := s.deliverables.Advance(ctx, tx, d.ID, deliverable.StatusSubmitted); err != nil &&
		!errors.Is(err, deliverable.ErrNoForwardProgress) {
		return Proof{}, err
	}

	if s.timeline != nil {
		payload := map[string]any{
			"proof_id":       created.ID,
			"deliverable_id": d.ID,
			"proof_type":     created.Type,
		}
		if err := s.timeline.Append(ctx, tx, d.EscrowID, "PROOF_SUBMITTED", params.SubmitterID, payload); err != nil {
			return Proof{}, err
		}
	}
	if s.outbox != nil {
		payload := map[string]any{
			"proof_id":       created.ID,
			"escrow_id":      d.EscrowID,
			"deliverable_id": d.ID,
		}
		if err := s.outbox.Enqueue(ctx, tx, audit.TopicProofSubmitted, payload); err != nil {
			return Proof{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Proof{}, fmt.Errorf("proof: commit: %w", err)
	}

	// Routing happens after the proof commit so evidence is never lost to a
	// verification failure; the proof simply stays pending for retry or
	// manual review.
	if s.verifier != nil {
		if err := s.verifier.Verify(ctx, d, created); err != nil {
			return created, fault.External(err, "verify proof %s", created.ID)
		}
	}

	return created, nil
}
