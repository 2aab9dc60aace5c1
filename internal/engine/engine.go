package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/probelab/crucible/internal/domain"
	"github.com/probelab/crucible/internal/executor"
	"github.com/probelab/crucible/internal/scoring"
	"github.com/probelab/crucible/internal/store"
)

// Engine orchestrates experiment runs: it owns the locking protocol and
// attempt bookkeeping, and composes the case executor, the scoring
// client, and the store under one transaction per operation.
type Engine struct {
	store    *store.Store
	executor executor.CaseExecutor
	scorer   scoring.Scorer

	// CaseTimeout bounds a single executor+scorer round trip so one slow
	// case cannot stall the whole experiment. Zero means no bound.
	CaseTimeout time.Duration
}

func New(st *store.Store, exec executor.CaseExecutor, scorer scoring.Scorer) *Engine {
	return &Engine{store: st, executor: exec, scorer: scorer}
}

// StartExperiment executes every data item of the experiment's dataset
// as an independently tracked run case and returns how many cases ran.
//
// The whole operation is one transaction: precondition failures
// (ErrNotFound, ErrAlreadyRunning, ErrNoEvaluators) and fatal store
// errors roll everything back; individual case failures do not.
func (e *Engine) StartExperiment(ctx context.Context, experimentID, actor string) (int, error) {
	var started int
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		exp, evals, err := e.loadForRun(ctx, tx, experimentID)
		if err != nil {
			return err
		}
		if exp.Locked {
			return ErrAlreadyRunning
		}

		ok, err := store.AcquireExperimentLock(ctx, tx, exp.ID, actor, time.Now())
		if err != nil {
			return fmt.Errorf("acquiring lock: %w", err)
		}
		if !ok {
			return ErrAlreadyRunning
		}

		items, err := store.ListDataItems(ctx, tx, exp.DatasetID)
		if err != nil {
			return fmt.Errorf("loading data items: %w", err)
		}
		if len(items) == 0 {
			// Nothing to run is not an error; hand the lock straight back.
			return store.FinishExperiment(ctx, tx, exp.ID, domain.ExperimentReady, nil)
		}

		for _, item := range items {
			attempt, err := e.nextAttempt(ctx, tx, exp.ID, item.ID)
			if err != nil {
				return err
			}
			if err := e.runOneCase(ctx, tx, exp, item, attempt, evals); err != nil {
				return err
			}
		}
		started = len(items)

		return e.finalize(ctx, tx, exp.ID)
	})
	return started, err
}

// RetryFailed re-executes every latest failed run case with an
// incremented attempt number, leaving successful cases untouched.
// Returns how many cases were retried; zero remaining failures is a
// no-op beyond the (idempotent) status recomputation.
func (e *Engine) RetryFailed(ctx context.Context, experimentID, actor string) (int, error) {
	var retried int
	err := e.store.WithTx(ctx, func(tx *sql.Tx) error {
		exp, evals, err := e.loadForRun(ctx, tx, experimentID)
		if err != nil {
			return err
		}

		// Retry takes the same lock Start does, so a retry can never
		// interleave with a fresh start on the same experiment.
		ok, err := store.AcquireExperimentLock(ctx, tx, exp.ID, actor, time.Now())
		if err != nil {
			return fmt.Errorf("acquiring lock: %w", err)
		}
		if !ok {
			return ErrAlreadyRunning
		}

		failed, err := store.ListLatestFailed(ctx, tx, exp.ID)
		if err != nil {
			return fmt.Errorf("loading failed cases: %w", err)
		}

		itemsByID, err := e.itemIndex(ctx, tx, exp.DatasetID)
		if err != nil {
			return err
		}

		for _, rc := range failed {
			item, ok := itemsByID[rc.DataItemID]
			if !ok {
				// Item was soft-deleted since the original run; the failed
				// attempt stays as-is.
				log.Printf("warning: skipping retry for missing data item %s", rc.DataItemID)
				continue
			}
			if err := store.RetireRunCase(ctx, tx, rc.ID); err != nil {
				return fmt.Errorf("retiring case %s: %w", rc.ID, err)
			}
			if err := e.runOneCase(ctx, tx, exp, item, rc.Attempt+1, evals); err != nil {
				return err
			}
			retried++
		}

		return e.finalize(ctx, tx, exp.ID)
	})
	return retried, err
}

// Terminate moves a running experiment to the terminal terminated state
// and releases the lock. Completed run cases are untouched; in-flight
// work is cancelled cooperatively by whatever is executing it.
func (e *Engine) Terminate(ctx context.Context, experimentID, actor string) error {
	return e.store.WithTx(ctx, func(tx *sql.Tx) error {
		exp, err := e.getExperiment(ctx, tx, experimentID)
		if err != nil {
			return err
		}
		if !exp.Status.Active() {
			return ErrNotRunning
		}
		now := time.Now()
		log.Printf("experiment %s terminated by %s", exp.ID, actor)
		return store.FinishExperiment(ctx, tx, exp.ID, domain.ExperimentTerminated, &now)
	})
}

// RefreshStatus recomputes the experiment status from the current
// run-case distribution. Safe to call at any time; calling it twice
// with no intervening case changes yields the same status.
func (e *Engine) RefreshStatus(ctx context.Context, experimentID string) error {
	return e.store.WithTx(ctx, func(tx *sql.Tx) error {
		exp, err := e.getExperiment(ctx, tx, experimentID)
		if err != nil {
			return err
		}
		if exp.Status == domain.ExperimentTerminated {
			// Manual termination outranks the derived status.
			return nil
		}

		counts, err := store.CountLatestStatuses(ctx, tx, exp.ID)
		if err != nil {
			return fmt.Errorf("counting case statuses: %w", err)
		}
		status, terminal := AggregateStatus(counts)

		var finishedAt *time.Time
		if terminal {
			if exp.FinishedAt != nil {
				finishedAt = exp.FinishedAt
			} else {
				now := time.Now()
				finishedAt = &now
			}
		}
		return store.SetExperimentStatus(ctx, tx, exp.ID, status, finishedAt)
	})
}

// MarkExperimentFailed is the crash escape hatch for external
// supervisors: it force-fails the experiment and every run case still
// pending or running, attaching the given reason.
func (e *Engine) MarkExperimentFailed(ctx context.Context, experimentID, reason string) error {
	return e.store.WithTx(ctx, func(tx *sql.Tx) error {
		exp, err := e.getExperiment(ctx, tx, experimentID)
		if err != nil {
			return err
		}
		now := time.Now()
		n, err := store.ForceFailUnfinished(ctx, tx, exp.ID, reason, now)
		if err != nil {
			return fmt.Errorf("failing unfinished cases: %w", err)
		}
		if n > 0 {
			log.Printf("experiment %s: force-failed %d unfinished cases: %s", exp.ID, n, reason)
		}
		return store.FinishExperiment(ctx, tx, exp.ID, domain.ExperimentFailed, &now)
	})
}

// runOneCase inserts the attempt row, executes the item, scores the
// result, and records the outcome. Executor and scorer failures are
// recorded on the run case and swallowed; only store write failures
// propagate, aborting the whole batch.
func (e *Engine) runOneCase(ctx context.Context, tx *sql.Tx, exp *domain.Experiment, item *domain.DataItem, attempt int, evals []domain.Evaluator) error {
	now := time.Now()
	rc := &domain.RunCase{
		ID:           uuid.NewString(),
		ExperimentID: exp.ID,
		DataItemID:   item.ID,
		AgentID:      exp.AgentID,
		Attempt:      attempt,
		IsLatest:     true,
		Status:       domain.CaseRunning,
		StartedAt:    &now,
		CreatedAt:    now,
	}
	if err := store.InsertRunCase(ctx, tx, rc); err != nil {
		return fmt.Errorf("recording attempt %d for item %s: %w", attempt, item.ID, err)
	}

	res, scores, caseErr := e.executeAndScore(ctx, exp, item, attempt, evals)
	finished := time.Now()

	if caseErr != nil {
		if err := store.FinishRunCaseFailed(ctx, tx, rc.ID, caseErr.Error(), finished); err != nil {
			return fmt.Errorf("recording failure for item %s: %w", item.ID, err)
		}
		log.Printf("warning: case for item %s attempt %d failed: %v", item.ID, attempt, caseErr)
		return nil
	}

	rows := make([]domain.RunCaseScore, 0, len(scores.PerEvaluator))
	for _, s := range scores.PerEvaluator {
		rows = append(rows, domain.RunCaseScore{
			RunCaseID:    rc.ID,
			EvaluatorKey: s.Evaluator,
			Score:        s.Score,
			Reason:       s.Reason,
		})
	}
	if err := store.InsertRunCaseScores(ctx, tx, rows); err != nil {
		return fmt.Errorf("recording scores for item %s: %w", item.ID, err)
	}

	rc.FinalScore = scores.FinalScore
	rc.Trajectory = res.Trajectory
	rc.Output = res.Output
	rc.TokensInput = res.TokensInput
	rc.TokensOutput = res.TokensOutput
	rc.CostUSD = res.CostUSD
	rc.LatencyMS = res.Duration.Milliseconds()
	rc.FinishedAt = &finished
	if err := store.FinishRunCaseSuccess(ctx, tx, rc); err != nil {
		return fmt.Errorf("recording success for item %s: %w", item.ID, err)
	}
	return nil
}

// executeAndScore runs the executor and scorer under the per-case
// timeout. Any error it returns is a case-level failure.
func (e *Engine) executeAndScore(ctx context.Context, exp *domain.Experiment, item *domain.DataItem, attempt int, evals []domain.Evaluator) (*executor.Result, *scoring.ScoreResult, error) {
	caseCtx := ctx
	if e.CaseTimeout > 0 {
		var cancel context.CancelFunc
		caseCtx, cancel = context.WithTimeout(ctx, e.CaseTimeout)
		defer cancel()
	}

	res, err := e.executor.Execute(caseCtx, &executor.Input{
		ExperimentID:  exp.ID,
		DataItemID:    item.ID,
		Attempt:       attempt,
		AgentImage:    exp.Agent.Image,
		Prompt:        item.Input,
		RefTrajectory: item.RefTrajectory,
		RefOutput:     item.RefOutput,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("executing: %w", err)
	}

	scores, err := e.scorer.Score(caseCtx, evals, res.Trajectory, res.Output, item.Input)
	if err != nil {
		return nil, nil, fmt.Errorf("scoring: %w", err)
	}
	return res, scores, nil
}

// finalize recomputes the experiment status from its latest cases and
// releases the lock in the same write.
func (e *Engine) finalize(ctx context.Context, tx *sql.Tx, experimentID string) error {
	counts, err := store.CountLatestStatuses(ctx, tx, experimentID)
	if err != nil {
		return fmt.Errorf("counting case statuses: %w", err)
	}
	status, terminal := AggregateStatus(counts)
	var finishedAt *time.Time
	if terminal {
		now := time.Now()
		finishedAt = &now
	}
	return store.FinishExperiment(ctx, tx, experimentID, status, finishedAt)
}

func (e *Engine) getExperiment(ctx context.Context, tx *sql.Tx, id string) (*domain.Experiment, error) {
	exp, err := store.GetExperiment(ctx, tx, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading experiment: %w", err)
	}
	return exp, nil
}

// loadForRun checks the shared Start/Retry preconditions: the
// experiment exists and has at least one evaluator bound.
func (e *Engine) loadForRun(ctx context.Context, tx *sql.Tx, id string) (*domain.Experiment, []domain.Evaluator, error) {
	exp, err := e.getExperiment(ctx, tx, id)
	if err != nil {
		return nil, nil, err
	}
	evals, err := store.ListEvaluators(ctx, tx, exp.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("loading evaluators: %w", err)
	}
	if len(evals) == 0 {
		return nil, nil, ErrNoEvaluators
	}
	return exp, evals, nil
}

// nextAttempt returns 1 for an item never run in this experiment, or
// previous+1 after retiring the superseded attempt. Attempt numbers are
// never reused.
func (e *Engine) nextAttempt(ctx context.Context, tx *sql.Tx, experimentID, itemID string) (int, error) {
	latest, err := store.LatestRunCase(ctx, tx, experimentID, itemID)
	if errors.Is(err, sql.ErrNoRows) {
		return 1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("loading latest case for item %s: %w", itemID, err)
	}
	if err := store.RetireRunCase(ctx, tx, latest.ID); err != nil {
		return 0, fmt.Errorf("retiring case %s: %w", latest.ID, err)
	}
	return latest.Attempt + 1, nil
}

func (e *Engine) itemIndex(ctx context.Context, tx *sql.Tx, datasetID string) (map[string]*domain.DataItem, error) {
	items, err := store.ListDataItems(ctx, tx, datasetID)
	if err != nil {
		return nil, fmt.Errorf("loading data items: %w", err)
	}
	byID := make(map[string]*domain.DataItem, len(items))
	for _, item := range items {
		byID[item.ID] = item
	}
	return byID, nil
}
