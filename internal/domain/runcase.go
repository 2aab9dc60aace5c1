package domain

import "time"

// RunCase is one execution attempt of one data item within an
// experiment. Attempts are append-only: a retry inserts a new row with
// attempt+1 and retires the previous one rather than overwriting it.
type RunCase struct {
	ID           string
	ExperimentID string
	DataItemID   string
	AgentID      string
	Attempt      int
	IsLatest     bool
	Status       CaseStatus
	FinalScore   float64
	Trajectory   string
	Output       string
	ErrorMessage string
	TokensInput  int
	TokensOutput int
	CostUSD      float64
	LatencyMS    int64
	StartedAt    *time.Time
	FinishedAt   *time.Time
	CreatedAt    time.Time
}

// RunCaseScore is one evaluator's verdict on one run case. Written once
// per attempt, immutable thereafter.
type RunCaseScore struct {
	RunCaseID    string
	EvaluatorKey string
	Score        float64
	Reason       string
}

// StatusCounts is the distribution of latest run-case statuses for one
// experiment, the sole input to status aggregation.
type StatusCounts struct {
	Pending int
	Running int
	Success int
	Failed  int
}

// Total returns the number of latest run cases counted.
func (c StatusCounts) Total() int {
	return c.Pending + c.Running + c.Success + c.Failed
}
