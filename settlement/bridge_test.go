package settlement

import (
	"testing"
	"time"

	"github.com/gian-gg/sabot-sub002/deliverable"
	"github.com/gian-gg/sabot-sub002/escrow"
)

func sampleEscrow() escrow.Escrow {
	amount := 2500.0
	currency := "PHP"
	resolution := "release"
	return escrow.Escrow{
		ID:            "e1",
		TransactionID: "t1",
		Amount:        &amount,
		Currency:      &currency,
		Resolution:    &resolution,
		UpdatedAt:     time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func sampleDeliverables() []deliverable.Deliverable {
	return []deliverable.Deliverable{
		{ID: "d1", Type: deliverable.TypeItem, Status: deliverable.StatusCompleted},
		{ID: "d2", Type: deliverable.TypeCash, Status: deliverable.StatusCompleted},
	}
}

func TestSummaryHash_Deterministic(t *testing.T) {
	first, err := SummaryHash(sampleEscrow(), sampleDeliverables())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := SummaryHash(sampleEscrow(), sampleDeliverables())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first != second {
		t.Fatalf("hash must be stable across settlers: %s vs %s", first, second)
	}
	if len(first) != 64 {
		t.Fatalf("expected sha256 hex digest, got %q", first)
	}
}

func TestSummaryHash_SensitiveToContent(t *testing.T) {
	base, err := SummaryHash(sampleEscrow(), sampleDeliverables())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	delivs := sampleDeliverables()
	delivs[0].Status = deliverable.StatusVerified
	changed, err := SummaryHash(sampleEscrow(), delivs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if base == changed {
		t.Fatal("hash must change when a deliverable status changes")
	}

	e := sampleEscrow()
	refund := "refund"
	e.Resolution = &refund
	changed, err = SummaryHash(e, sampleDeliverables())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if base == changed {
		t.Fatal("hash must change when the resolution changes")
	}
}
