package scoring

import (
	"context"

	"github.com/probelab/crucible/internal/domain"
)

// EvaluatorResult is one evaluator's verdict on one execution.
type EvaluatorResult struct {
	Evaluator string
	Score     float64
	Reason    string
}

// ScoreResult is everything the scoring service hands back for one
// case. FinalScore is the service's own aggregate; the engine records
// it without recomputing.
type ScoreResult struct {
	PerEvaluator []EvaluatorResult
	FinalScore   float64
}

// Scorer scores a produced trajectory/output against an evaluator set.
// Treated as a pure, possibly-failing remote call.
type Scorer interface {
	Score(ctx context.Context, evaluators []domain.Evaluator, trajectory, output, input string) (*ScoreResult, error)
}
