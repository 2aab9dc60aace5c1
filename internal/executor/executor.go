package executor

import (
	"context"
	"time"
)

// Input is everything a case executor needs to run one data item
// against the bound agent.
type Input struct {
	ExperimentID string
	DataItemID   string
	Attempt      int
	AgentImage   string
	Prompt       string

	// Reference fields from the data item, used by replay execution.
	RefTrajectory string
	RefOutput     string
}

// Result is what one execution produced.
type Result struct {
	Trajectory   string
	Output       string
	TokensInput  int
	TokensOutput int
	CostUSD      float64
	Duration     time.Duration
}

// CaseExecutor runs a single data item and produces a trajectory and
// output. Implementations must honor ctx cancellation; a deadline on
// ctx bounds the execution.
type CaseExecutor interface {
	Execute(ctx context.Context, in *Input) (*Result, error)
}
