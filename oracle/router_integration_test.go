package oracle_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gian-gg/sabot-sub002/audit"
	"github.com/gian-gg/sabot-sub002/deliverable"
	"github.com/gian-gg/sabot-sub002/escrow"
	"github.com/gian-gg/sabot-sub002/fault"
	"github.com/gian-gg/sabot-sub002/oracle"
	"github.com/gian-gg/sabot-sub002/proof"
)

// The router is exercised from outside the package here because the seeds
// go through the escrow service, which itself depends on oracle reads.
type stubChecker struct {
	exists bool
}

func (s stubChecker) Exists(ctx context.Context, path string) (bool, error) {
	return s.exists, nil
}

type stubScorer struct{}

func (stubScorer) Score(ctx context.Context, d deliverable.Deliverable, p proof.Proof) (int, error) {
	return 0, nil
}

func setupIntegration(t *testing.T) (context.Context, *pgxpool.Pool) {
	t.Helper()
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL not set; skipping integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	t.Cleanup(cancel)

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	t.Cleanup(pool.Close)

	for _, tbl := range []string{"users", "escrows", "deliverables", "escrow_proofs", "oracle_verifications", "idempotency"} {
		var exists bool
		if err := pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1)`,
			tbl).Scan(&exists); err != nil || !exists {
			t.Skipf("table %s does not exist; ensure migrations are applied", tbl)
		}
	}
	return ctx, pool
}

// seedActiveEscrow opens and joins an escrow through the real services and
// returns the concrete id of the deliverable with the given type.
func seedActiveEscrow(t *testing.T, ctx context.Context, pool *pgxpool.Pool, specs []escrow.DeliverableSpec, wantType deliverable.Type) (string, string, string) {
	t.Helper()

	seed := func(role string) string {
		var id string
		err := pool.QueryRow(ctx, `INSERT INTO users (email, full_name) VALUES ($1, $2) RETURNING id`,
			fmt.Sprintf("%s+%d@example.com", role, time.Now().UnixNano()), role).Scan(&id)
		if err != nil {
			t.Fatalf("seed %s: %v", role, err)
		}
		return id
	}
	initiator := seed("initiator")
	participant := seed("participant")

	w := audit.NewWriter()
	svc := escrow.NewService(pool, nil, nil, nil, nil, w, w)
	created, err := svc.Create(ctx, escrow.CreateParams{
		InitiatorID:     initiator,
		TransactionType: "online",
		Deliverables:    specs,
	})
	if err != nil {
		t.Fatalf("create escrow: %v", err)
	}
	if _, err := svc.Join(ctx, created.ID, participant); err != nil {
		t.Fatalf("join escrow: %v", err)
	}

	var deliverableID string
	if err := pool.QueryRow(ctx,
		`SELECT id FROM deliverables WHERE escrow_id = $1 AND type = $2`,
		created.ID, string(wantType)).Scan(&deliverableID); err != nil {
		t.Fatalf("find %s deliverable: %v", wantType, err)
	}
	return deliverableID, initiator, participant
}

func TestVerifySupersededProofDoesNotRegressStatus(t *testing.T) {
	ctx, pool := setupIntegration(t)

	deliverableID, initiator, _ := seedActiveEscrow(t, ctx, pool, []escrow.DeliverableSpec{
		{Type: deliverable.TypeDigital, Party: deliverable.PartyInitiator, Description: "source archive"},
	}, deliverable.TypeDigital)

	var escrowID string
	if err := pool.QueryRow(ctx, `SELECT escrow_id FROM deliverables WHERE id = $1`, deliverableID).Scan(&escrowID); err != nil {
		t.Fatalf("load escrow id: %v", err)
	}

	var oldProofID string
	if err := pool.QueryRow(ctx, `
		INSERT INTO escrow_proofs (escrow_id, deliverable_id, submitter_id, proof_type, file_path, description, submitted_at)
		VALUES ($1, $2, $3, 'document', 'bafy-old', 'first upload', now() - interval '1 hour')
		RETURNING id
	`, escrowID, deliverableID, initiator).Scan(&oldProofID); err != nil {
		t.Fatalf("insert superseded proof: %v", err)
	}
	if _, err := pool.Exec(ctx, `
		INSERT INTO escrow_proofs (escrow_id, deliverable_id, submitter_id, proof_type, file_path, description)
		VALUES ($1, $2, $3, 'document', 'bafy-new', 'replacement upload')
	`, escrowID, deliverableID, initiator); err != nil {
		t.Fatalf("insert newer proof: %v", err)
	}
	if _, err := pool.Exec(ctx,
		`UPDATE deliverables SET status = 'verified' WHERE id = $1`, deliverableID); err != nil {
		t.Fatalf("advance deliverable: %v", err)
	}

	d, err := deliverable.NewRepository(pool).Get(ctx, deliverableID)
	if err != nil {
		t.Fatalf("load deliverable: %v", err)
	}
	oldProof, err := proof.NewRepository(pool).Get(ctx, oldProofID)
	if err != nil {
		t.Fatalf("load superseded proof: %v", err)
	}

	w := audit.NewWriter()
	router := oracle.NewRouter(pool, stubChecker{exists: false}, stubScorer{}, w, w)

	// A rejecting verdict against a proof that is no longer the newest one
	// must be recorded for audit but never touch current status.
	if err := router.Verify(ctx, d, oldProof); err != nil {
		t.Fatalf("verify superseded proof: %v", err)
	}

	var status string
	if err := pool.QueryRow(ctx, `SELECT status FROM deliverables WHERE id = $1`, deliverableID).Scan(&status); err != nil {
		t.Fatalf("read deliverable status: %v", err)
	}
	if status != "verified" {
		t.Fatalf("superseded verdict must not regress the deliverable, got %s", status)
	}

	var proofStatus string
	if err := pool.QueryRow(ctx, `SELECT verification_status FROM escrow_proofs WHERE id = $1`, oldProofID).Scan(&proofStatus); err != nil {
		t.Fatalf("read proof status: %v", err)
	}
	if proofStatus != string(proof.VerificationPending) {
		t.Fatalf("superseded proof must keep its status, got %s", proofStatus)
	}

	var recorded int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM oracle_verifications WHERE proof_id = $1`, oldProofID).Scan(&recorded); err != nil {
		t.Fatalf("count verifications: %v", err)
	}
	if recorded != 1 {
		t.Fatalf("the verdict itself must still be recorded, got %d rows", recorded)
	}
}

func TestManualReviewReplayReturnsAuthoritativeVerdict(t *testing.T) {
	ctx, pool := setupIntegration(t)

	deliverableID, initiator, _ := seedActiveEscrow(t, ctx, pool, []escrow.DeliverableSpec{
		{Type: deliverable.TypeItem, Party: deliverable.PartyInitiator, Description: "mechanical keyboard"},
	}, deliverable.TypeItem)

	w := audit.NewWriter()
	router := oracle.NewRouter(pool, stubChecker{}, stubScorer{}, w, w)
	proofs := proof.NewService(pool, nil, nil, nil, router, w, w)

	submitted, err := proofs.Submit(ctx, proof.SubmitParams{
		DeliverableID: deliverableID,
		SubmitterID:   initiator,
		Description:   "handed over in person, serial number matches",
	})
	if err != nil {
		t.Fatalf("submit proof: %v", err)
	}

	key := uuid.NewString()
	first, err := router.RecordManualReview(ctx, oracle.ManualReviewParams{
		ProofID:        submitted.ID,
		ReviewerID:     initiator,
		Approved:       true,
		Notes:          "condition matches the listing",
		IdempotencyKey: key,
	})
	if err != nil {
		t.Fatalf("record manual review: %v", err)
	}
	if !first.Verified || first.OracleType != oracle.TypeManual {
		t.Fatalf("unexpected verdict: %+v", first)
	}

	var proofStatus, deliverableStatus string
	if err := pool.QueryRow(ctx, `SELECT verification_status FROM escrow_proofs WHERE id = $1`, submitted.ID).Scan(&proofStatus); err != nil {
		t.Fatalf("read proof status: %v", err)
	}
	if proofStatus != string(proof.VerificationAccepted) {
		t.Fatalf("approval must accept the proof, got %s", proofStatus)
	}
	if err := pool.QueryRow(ctx, `SELECT status FROM deliverables WHERE id = $1`, deliverableID).Scan(&deliverableStatus); err != nil {
		t.Fatalf("read deliverable status: %v", err)
	}
	if deliverableStatus != "verified" {
		t.Fatalf("approval must verify the deliverable, got %s", deliverableStatus)
	}

	var before int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM oracle_verifications WHERE deliverable_id = $1`, deliverableID).Scan(&before); err != nil {
		t.Fatalf("count verifications: %v", err)
	}

	// The replayed delivery gets the committed verdict back, not a zero value
	// and not a second verification row.
	replay, err := router.RecordManualReview(ctx, oracle.ManualReviewParams{
		ProofID:        submitted.ID,
		ReviewerID:     initiator,
		Approved:       true,
		IdempotencyKey: key,
	})
	if err != nil {
		t.Fatalf("replay manual review: %v", err)
	}
	if replay.ID != first.ID {
		t.Fatalf("replay must return the authoritative record: first %s, replay %s", first.ID, replay.ID)
	}

	var after int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM oracle_verifications WHERE deliverable_id = $1`, deliverableID).Scan(&after); err != nil {
		t.Fatalf("count verifications: %v", err)
	}
	if after != before {
		t.Fatalf("replay must not add verification rows: %d -> %d", before, after)
	}
}

func TestManualReviewConflictLeavesKeyUnconsumed(t *testing.T) {
	ctx, pool := setupIntegration(t)

	deliverableID, initiator, _ := seedActiveEscrow(t, ctx, pool, []escrow.DeliverableSpec{
		{Type: deliverable.TypeItem, Party: deliverable.PartyInitiator, Description: "camera lens"},
	}, deliverable.TypeItem)

	w := audit.NewWriter()
	router := oracle.NewRouter(pool, stubChecker{}, stubScorer{}, w, w)
	proofs := proof.NewService(pool, nil, nil, nil, router, w, w)

	submitted, err := proofs.Submit(ctx, proof.SubmitParams{
		DeliverableID: deliverableID,
		SubmitterID:   initiator,
		Description:   "boxed and sealed, photos on request",
	})
	if err != nil {
		t.Fatalf("submit proof: %v", err)
	}

	if _, err := router.RecordManualReview(ctx, oracle.ManualReviewParams{
		ProofID:        submitted.ID,
		ReviewerID:     initiator,
		Approved:       true,
		IdempotencyKey: uuid.NewString(),
	}); err != nil {
		t.Fatalf("record manual review: %v", err)
	}

	// A delivery that never commits a verdict must not burn its key.
	conflictKey := uuid.NewString()
	_, err = router.RecordManualReview(ctx, oracle.ManualReviewParams{
		ProofID:        submitted.ID,
		ReviewerID:     initiator,
		Approved:       false,
		IdempotencyKey: conflictKey,
	})
	if !fault.IsKind(err, fault.KindConflict) {
		t.Fatalf("expected conflict on a second verdict, got %v", err)
	}

	var reserved bool
	if err := pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM idempotency WHERE key = $1)`, conflictKey).Scan(&reserved); err != nil {
		t.Fatalf("check idempotency key: %v", err)
	}
	if reserved {
		t.Fatal("rejected delivery must leave its idempotency key unconsumed")
	}
}
