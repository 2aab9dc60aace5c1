package engine

import "github.com/probelab/crucible/internal/domain"

// AggregateStatus derives an experiment's status from the distribution
// of its latest run-case statuses. The second return reports whether
// the status is terminal, i.e. a finish timestamp applies.
//
// Pure function of the counts: recomputing with unchanged cases yields
// the same answer, so it doubles as a standalone repair tool.
func AggregateStatus(counts domain.StatusCounts) (domain.ExperimentStatus, bool) {
	switch {
	case counts.Total() == 0:
		return domain.ExperimentReady, false
	case counts.Pending > 0 || counts.Running > 0:
		return domain.ExperimentRunning, false
	case counts.Failed == 0:
		return domain.ExperimentFinished, true
	case counts.Success == 0:
		return domain.ExperimentFailed, true
	default:
		return domain.ExperimentPartialFailed, true
	}
}
