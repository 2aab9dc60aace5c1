package domain

import "time"

// Experiment binds a dataset, an agent version, and a set of evaluators
// into one execution campaign.
type Experiment struct {
	ID         string
	Name       string
	DatasetID  string
	AgentID    string
	Locked     bool
	Status     ExperimentStatus
	StartedBy  string
	StartedAt  *time.Time
	FinishedAt *time.Time
	CreatedAt  time.Time
	Deleted    bool

	// Joined read-only context, populated by the store's detail query.
	DatasetName string
	Agent       Agent
}

// Agent is an agent version bound to an experiment. The image is what
// the docker case executor actually runs.
type Agent struct {
	ID      string
	Name    string
	Version string
	Image   string
}

// Dataset groups data items.
type Dataset struct {
	ID        string
	Name      string
	CreatedAt time.Time
}

// DataItem is a read-only input to the engine: a prompt plus optional
// reference trajectory/output used as ground truth for scoring and for
// replay execution.
type DataItem struct {
	ID            string
	DatasetID     string
	Input         string
	RefTrajectory string
	RefOutput     string
	CreatedAt     time.Time
	Deleted       bool
}

// Evaluator is one scoring criterion bound to an experiment.
type Evaluator struct {
	Key          string
	ExperimentID string
	Name         string
	Prompt       string
	Weight       float64
}
