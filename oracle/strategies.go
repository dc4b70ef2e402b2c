package oracle

import (
	"context"
	"fmt"
	"strings"

	"github.com/gian-gg/sabot-sub002/deliverable"
	"github.com/gian-gg/sabot-sub002/proof"
)

// Strategy judges whether a proof satisfies its deliverable. Strategies
// never return an error for a failed judgement; errors are reserved for
// plumbing failures. External-dependency failures fail closed into a
// verified=false result.
type Strategy interface {
	Verify(ctx context.Context, d deliverable.Deliverable, p proof.Proof) (Result, error)
}

// ContentChecker is the external storage probe used by the
// content-addressable strategy.
type ContentChecker interface {
	Exists(ctx context.Context, path string) (bool, error)
}

// ContentStrategy verifies digital and document deliverables by checking
// the referenced content is actually retrievable.
type ContentStrategy struct {
	checker ContentChecker
}

func NewContentStrategy(checker ContentChecker) *ContentStrategy {
	return &ContentStrategy{checker: checker}
}

func (s *ContentStrategy) Verify(ctx context.Context, d deliverable.Deliverable, p proof.Proof) (Result, error) {
	if p.FilePath == nil || *p.FilePath == "" {
		return Result{
			OracleType: TypeIPFS,
			Verified:   false,
			Confidence: 0,
			Notes:      "no content reference on proof",
		}, nil
	}

	checkCtx, cancel := context.WithTimeout(ctx, ContentCheckTimeout)
	defer cancel()

	exists, err := s.checker.Exists(checkCtx, *p.FilePath)
	if err != nil {
		// Fail closed: timeouts and transport errors become an unverified
		// record with a descriptive note, never a hung or pending state.
		return Result{
			OracleType: TypeIPFS,
			Verified:   false,
			Confidence: 0,
			Notes:      fmt.Sprintf("content check failed: %v", err),
		}, nil
	}
	if !exists {
		return Result{
			OracleType: TypeIPFS,
			Verified:   false,
			Confidence: 0,
			Notes:      fmt.Sprintf("content %s not retrievable", *p.FilePath),
		}, nil
	}
	return Result{
		OracleType: TypeIPFS,
		Verified:   true,
		Confidence: 100,
		Notes:      fmt.Sprintf("content %s retrievable", *p.FilePath),
	}, nil
}

// Scorer produces a confidence score in [0,100] for a service proof.
type Scorer interface {
	Score(ctx context.Context, d deliverable.Deliverable, p proof.Proof) (int, error)
}

// ScoringStrategy verifies service deliverables through automated
// confidence scoring against the policy threshold.
type ScoringStrategy struct {
	scorer Scorer
}

func NewScoringStrategy(scorer Scorer) *ScoringStrategy {
	if scorer == nil {
		scorer = HeuristicScorer{}
	}
	return &ScoringStrategy{scorer: scorer}
}

func (s *ScoringStrategy) Verify(ctx context.Context, d deliverable.Deliverable, p proof.Proof) (Result, error) {
	score, err := s.scorer.Score(ctx, d, p)
	if err != nil {
		return Result{
			OracleType: TypeAI,
			Verified:   false,
			Confidence: 0,
			Notes:      fmt.Sprintf("scoring failed: %v", err),
		}, nil
	}
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return Result{
		OracleType: TypeAI,
		Verified:   score >= ConfidenceThreshold,
		Confidence: score,
		Notes:      fmt.Sprintf("automated confidence %d (threshold %d)", score, ConfidenceThreshold),
	}, nil
}

// HeuristicScorer is the default local scorer. It rewards substantive
// descriptions and attached evidence files.
type HeuristicScorer struct{}

func (HeuristicScorer) Score(ctx context.Context, d deliverable.Deliverable, p proof.Proof) (int, error) {
	score := 40
	words := len(strings.Fields(p.Description))
	switch {
	case words >= 30:
		score += 35
	case words >= 10:
		score += 25
	case words > 0:
		score += 10
	}
	if p.FileURL != nil && *p.FileURL != "" {
		score += 25
	}
	if score > 100 {
		score = 100
	}
	return score, nil
}

// ManualStrategy covers deliverable types that require a human reviewer.
// The record is created unverified and the proof stays pending until the
// operator's approve/reject write arrives.
type ManualStrategy struct{}

func NewManualStrategy() *ManualStrategy {
	return &ManualStrategy{}
}

func (ManualStrategy) Verify(ctx context.Context, d deliverable.Deliverable, p proof.Proof) (Result, error) {
	return Result{
		OracleType: TypeManual,
		Verified:   false,
		Confidence: 0,
		Notes:      fmt.Sprintf("queued for manual review (%s deliverable)", d.Type),
		Manual:     true,
	}, nil
}
