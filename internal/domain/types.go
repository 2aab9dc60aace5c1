package domain

// ExperimentStatus represents the lifecycle state of an experiment.
type ExperimentStatus string

const (
	ExperimentReady         ExperimentStatus = "ready"
	ExperimentQueued        ExperimentStatus = "queued"
	ExperimentRunning       ExperimentStatus = "running"
	ExperimentFinished      ExperimentStatus = "finished"
	ExperimentFailed        ExperimentStatus = "failed"
	ExperimentPartialFailed ExperimentStatus = "partial_failed"
	ExperimentTerminated    ExperimentStatus = "terminated"
)

// Active reports whether work may still be in flight for this status.
func (s ExperimentStatus) Active() bool {
	return s == ExperimentQueued || s == ExperimentRunning
}

// CaseStatus represents the execution state of a single run case.
type CaseStatus string

const (
	CasePending CaseStatus = "pending"
	CaseRunning CaseStatus = "running"
	CaseSuccess CaseStatus = "success"
	CaseFailed  CaseStatus = "failed"
)
