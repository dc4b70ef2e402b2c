package oracle

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/gian-gg/sabot-sub002/deliverable"
	"github.com/gian-gg/sabot-sub002/proof"
)

type fakeChecker struct {
	exists bool
	err    error
}

func (f fakeChecker) Exists(ctx context.Context, path string) (bool, error) {
	return f.exists, f.err
}

type fixedScorer struct {
	score int
	err   error
}

func (f fixedScorer) Score(ctx context.Context, d deliverable.Deliverable, p proof.Proof) (int, error) {
	return f.score, f.err
}

func strPtr(s string) *string { return &s }

func TestContentStrategy_Retrievable(t *testing.T) {
	s := NewContentStrategy(fakeChecker{exists: true})

	result, err := s.Verify(context.Background(), deliverable.Deliverable{Type: deliverable.TypeDigital},
		proof.Proof{FilePath: strPtr("abc123")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Verified || result.Confidence != 100 || result.OracleType != TypeIPFS {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestContentStrategy_MissingContentFailsClosed(t *testing.T) {
	s := NewContentStrategy(fakeChecker{exists: false})

	result, err := s.Verify(context.Background(), deliverable.Deliverable{Type: deliverable.TypeDocument},
		proof.Proof{FilePath: strPtr("abc123")})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Verified || result.Confidence != 0 {
		t.Fatalf("missing content must fail closed: %+v", result)
	}
}

func TestContentStrategy_CheckerErrorFailsClosed(t *testing.T) {
	s := NewContentStrategy(fakeChecker{err: errors.New("gateway timeout")})

	result, err := s.Verify(context.Background(), deliverable.Deliverable{Type: deliverable.TypeDigital},
		proof.Proof{FilePath: strPtr("abc123")})
	if err != nil {
		t.Fatalf("external failure must become a record, not an error: %v", err)
	}
	if result.Verified {
		t.Fatalf("checker failure must fail closed: %+v", result)
	}
	if !strings.Contains(result.Notes, "gateway timeout") {
		t.Fatalf("notes should carry the failure: %q", result.Notes)
	}
}

func TestContentStrategy_NoReference(t *testing.T) {
	s := NewContentStrategy(fakeChecker{exists: true})

	result, err := s.Verify(context.Background(), deliverable.Deliverable{Type: deliverable.TypeDigital}, proof.Proof{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Verified {
		t.Fatalf("a proof without a content reference cannot verify: %+v", result)
	}
}

func TestScoringStrategy_Threshold(t *testing.T) {
	d := deliverable.Deliverable{Type: deliverable.TypeService}

	at := NewScoringStrategy(fixedScorer{score: ConfidenceThreshold})
	result, err := at.Verify(context.Background(), d, proof.Proof{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Verified || result.Confidence != ConfidenceThreshold {
		t.Fatalf("score at threshold should verify: %+v", result)
	}

	below := NewScoringStrategy(fixedScorer{score: ConfidenceThreshold - 1})
	result, err = below.Verify(context.Background(), d, proof.Proof{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Verified {
		t.Fatalf("score below threshold must not verify: %+v", result)
	}
}

func TestScoringStrategy_ScorerErrorFailsClosed(t *testing.T) {
	s := NewScoringStrategy(fixedScorer{err: errors.New("model unavailable")})

	result, err := s.Verify(context.Background(), deliverable.Deliverable{Type: deliverable.TypeService}, proof.Proof{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Verified || result.Confidence != 0 {
		t.Fatalf("scorer failure must fail closed: %+v", result)
	}
}

func TestScoringStrategy_ClampsScore(t *testing.T) {
	s := NewScoringStrategy(fixedScorer{score: 140})
	result, err := s.Verify(context.Background(), deliverable.Deliverable{Type: deliverable.TypeService}, proof.Proof{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Confidence != 100 {
		t.Fatalf("confidence must clamp to 100, got %d", result.Confidence)
	}
}

func TestHeuristicScorer(t *testing.T) {
	scorer := HeuristicScorer{}
	d := deliverable.Deliverable{Type: deliverable.TypeService}

	bare, err := scorer.Score(context.Background(), d, proof.Proof{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if bare >= ConfidenceThreshold {
		t.Fatalf("an empty proof must not clear the threshold, got %d", bare)
	}

	rich, err := scorer.Score(context.Background(), d, proof.Proof{
		Description: strings.Repeat("delivered as agreed with photos and receipts attached ", 6),
		FileURL:     strPtr("file://blob"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rich < ConfidenceThreshold {
		t.Fatalf("substantive evidence should clear the threshold, got %d", rich)
	}
	if rich > 100 {
		t.Fatalf("score must clamp to 100, got %d", rich)
	}
}

func TestManualStrategy(t *testing.T) {
	s := NewManualStrategy()

	result, err := s.Verify(context.Background(), deliverable.Deliverable{Type: deliverable.TypeItem}, proof.Proof{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Manual || result.Verified || result.Confidence != 0 {
		t.Fatalf("manual strategy must queue, not judge: %+v", result)
	}
	if result.OracleType != TypeManual {
		t.Fatalf("expected manual oracle type, got %s", result.OracleType)
	}
}

func TestRouteFor(t *testing.T) {
	r := NewRouter(nil, fakeChecker{}, fixedScorer{}, nil, nil)

	if r.routeFor(deliverable.TypeDigital) != r.content || r.routeFor(deliverable.TypeDocument) != r.content {
		t.Fatal("digital and document route to the content strategy")
	}
	if r.routeFor(deliverable.TypeService) != r.scoring {
		t.Fatal("service routes to the scoring strategy")
	}
	for _, typ := range []deliverable.Type{deliverable.TypeItem, deliverable.TypeCash, deliverable.TypeDigitalTransfer, deliverable.TypeMixed} {
		if r.routeFor(typ) != r.manual {
			t.Errorf("%s should route to manual review", typ)
		}
	}
}
