package proof_test

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/gian-gg/sabot-sub002/audit"
	"github.com/gian-gg/sabot-sub002/deliverable"
	"github.com/gian-gg/sabot-sub002/escrow"
	"github.com/gian-gg/sabot-sub002/fault"
	"github.com/gian-gg/sabot-sub002/proof"
)

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

	for _, tbl := range []string{"users", "escrows", "deliverables", "escrow_proofs"} {
		var exists bool
		if err := pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM information_schema.tables WHERE table_schema = 'public' AND table_name = $1)`,
			tbl).Scan(&exists); err != nil || !exists {
			t.Skipf("table %s does not exist; ensure migrations are applied", tbl)
		}
	}
	return ctx, pool
}

func seedJoinedEscrow(t *testing.T, ctx context.Context, pool *pgxpool.Pool, specs []escrow.DeliverableSpec) (escrow.Escrow, string, string) {
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
		TransactionType: "meetup",
		Deliverables:    specs,
	})
	if err != nil {
		t.Fatalf("create escrow: %v", err)
	}
	joined, err := svc.Join(ctx, created.ID, participant)
	if err != nil {
		t.Fatalf("join escrow: %v", err)
	}
	return joined, initiator, participant
}

func TestSubmitResolvesVirtualItemID(t *testing.T) {
	ctx, pool := setupIntegration(t)

	value := 650.0
	currency := "PHP"
	e, initiator, _ := seedJoinedEscrow(t, ctx, pool, []escrow.DeliverableSpec{
		{Type: deliverable.TypeItem, Party: deliverable.PartyInitiator, Description: "board game"},
		{Type: deliverable.TypeCash, Party: deliverable.PartyParticipant, Description: "payment", Value: &value, Currency: &currency},
	})

	// No file store needed: description-only submissions never upload, and
	// the verifier is optional.
	svc := proof.NewService(pool, nil, nil, nil, nil, audit.NewWriter(), audit.NewWriter())

	virtual := "item-" + e.TransactionID
	created, err := svc.Submit(ctx, proof.SubmitParams{
		DeliverableID: virtual,
		SubmitterID:   initiator,
		Description:   "sealed copy handed over as agreed",
	})
	if err != nil {
		t.Fatalf("submit against virtual id: %v", err)
	}

	if created.VirtualID == nil || *created.VirtualID != virtual {
		t.Fatal("proof must remember the virtual id it was submitted under")
	}

	var concreteType, status string
	if err := pool.QueryRow(ctx,
		`SELECT type, status FROM deliverables WHERE id = $1`, created.DeliverableID).Scan(&concreteType, &status); err != nil {
		t.Fatalf("load resolved deliverable: %v", err)
	}
	if concreteType == string(deliverable.TypeCash) {
		t.Fatal("item-* must resolve to the non-payment deliverable")
	}
	if status != string(deliverable.StatusSubmitted) {
		t.Fatalf("submission must advance the deliverable, got %s", status)
	}
}

func TestSubmitUnresolvableVirtualID(t *testing.T) {
	ctx, pool := setupIntegration(t)

	// Only an item deliverable exists, so payment-* has nothing to bind to.
	e, initiator, _ := seedJoinedEscrow(t, ctx, pool, []escrow.DeliverableSpec{
		{Type: deliverable.TypeItem, Party: deliverable.PartyInitiator, Description: "textbooks"},
	})

	svc := proof.NewService(pool, nil, nil, nil, nil, nil, nil)

	_, err := svc.Submit(ctx, proof.SubmitParams{
		DeliverableID: "payment-" + e.TransactionID,
		SubmitterID:   initiator,
		Description:   "bank transfer reference 0042",
	})
	if !fault.IsKind(err, fault.KindNotFound) {
		t.Fatalf("expected not-found for unresolvable virtual id, got %v", err)
	}
}

func TestSubmitRejectsNonParty(t *testing.T) {
	ctx, pool := setupIntegration(t)

	e, _, _ := seedJoinedEscrow(t, ctx, pool, []escrow.DeliverableSpec{
		{Type: deliverable.TypeItem, Party: deliverable.PartyInitiator, Description: "bicycle"},
	})

	var outsider string
	if err := pool.QueryRow(ctx, `INSERT INTO users (email, full_name) VALUES ($1, $2) RETURNING id`,
		fmt.Sprintf("outsider+%d@example.com", time.Now().UnixNano()), "Outsider").Scan(&outsider); err != nil {
		t.Fatalf("seed outsider: %v", err)
	}

	svc := proof.NewService(pool, nil, nil, nil, nil, nil, nil)

	_, err := svc.Submit(ctx, proof.SubmitParams{
		DeliverableID: "item-" + e.TransactionID,
		SubmitterID:   outsider,
		Description:   "I saw the handover happen",
	})
	if !fault.IsKind(err, fault.KindAuthorization) {
		t.Fatalf("expected authorization error for non-party, got %v", err)
	}
}
