package executor

import (
	"context"
	"fmt"
)

// ReplayExecutor substitutes a data item's reference trajectory and
// output for a real execution. Useful for scoring-pipeline dry runs and
// for datasets captured from live traffic.
type ReplayExecutor struct{}

func (ReplayExecutor) Execute(ctx context.Context, in *Input) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if in.RefTrajectory == "" && in.RefOutput == "" {
		return nil, fmt.Errorf("data item %s has no reference trajectory or output to replay", in.DataItemID)
	}
	return &Result{
		Trajectory: in.RefTrajectory,
		Output:     in.RefOutput,
	}, nil
}
