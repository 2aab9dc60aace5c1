package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/probelab/crucible/internal/domain"
)

const experimentColumns = `
	e.id, e.name, e.dataset_id, e.agent_id, e.locked, e.status,
	e.started_by, e.started_at, e.finished_at, e.created_at, e.deleted,
	d.name, a.name, a.version, a.image`

const experimentJoin = `
	FROM experiments e
	JOIN datasets d ON d.id = e.dataset_id
	JOIN agents a ON a.id = e.agent_id`

// GetExperiment loads an experiment with its dataset and agent joined.
// Soft-deleted experiments are invisible; callers get sql.ErrNoRows.
func GetExperiment(ctx context.Context, q DBTX, id string) (*domain.Experiment, error) {
	row := q.QueryRowContext(ctx,
		`SELECT`+experimentColumns+experimentJoin+` WHERE e.id = ? AND e.deleted = FALSE`, id)
	return scanExperiment(row)
}

// ListExperiments returns all non-deleted experiments, newest first.
func ListExperiments(ctx context.Context, q DBTX) ([]*domain.Experiment, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT`+experimentColumns+experimentJoin+` WHERE e.deleted = FALSE ORDER BY e.created_at DESC, e.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var exps []*domain.Experiment
	for rows.Next() {
		exp, err := scanExperiment(rows)
		if err != nil {
			return nil, err
		}
		exps = append(exps, exp)
	}
	return exps, rows.Err()
}

// AcquireExperimentLock is a transactional compare-and-set on the lock
// flag: it succeeds only if the experiment is currently unlocked. The
// same statement flips status to running and stamps the start, so a
// reader never observes the lock without the matching status.
func AcquireExperimentLock(ctx context.Context, q DBTX, id, actor string, now time.Time) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE experiments
		SET locked = TRUE, status = ?, started_by = ?, started_at = ?, finished_at = NULL
		WHERE id = ? AND locked = FALSE AND deleted = FALSE
	`, string(domain.ExperimentRunning), actor, now, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// FinishExperiment releases the lock and writes the derived status in
// one statement. finishedAt may be nil for non-terminal statuses.
func FinishExperiment(ctx context.Context, q DBTX, id string, status domain.ExperimentStatus, finishedAt *time.Time) error {
	_, err := q.ExecContext(ctx, `
		UPDATE experiments SET locked = FALSE, status = ?, finished_at = ? WHERE id = ?
	`, string(status), finishedAt, id)
	return err
}

// SetExperimentStatus writes a derived status without touching the lock
// flag. Used by the standalone status refresh.
func SetExperimentStatus(ctx context.Context, q DBTX, id string, status domain.ExperimentStatus, finishedAt *time.Time) error {
	_, err := q.ExecContext(ctx, `
		UPDATE experiments SET status = ?, finished_at = ? WHERE id = ?
	`, string(status), finishedAt, id)
	return err
}

// ListStaleRunning returns IDs of experiments still marked running that
// started before the cutoff. The supervisor force-fails these.
func ListStaleRunning(ctx context.Context, q DBTX, cutoff time.Time) ([]string, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id FROM experiments
		WHERE status IN (?, ?) AND deleted = FALSE AND started_at IS NOT NULL AND started_at < ?
	`, string(domain.ExperimentQueued), string(domain.ExperimentRunning), cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// SoftDeleteExperiment hides an experiment while preserving run history.
func SoftDeleteExperiment(ctx context.Context, q DBTX, id string) error {
	_, err := q.ExecContext(ctx, `UPDATE experiments SET deleted = TRUE WHERE id = ?`, id)
	return err
}

// CreateExperiment inserts a new experiment in the ready state.
func CreateExperiment(ctx context.Context, q DBTX, exp *domain.Experiment) error {
	if exp.Status == "" {
		exp.Status = domain.ExperimentReady
	}
	if exp.CreatedAt.IsZero() {
		exp.CreatedAt = time.Now()
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO experiments (id, name, dataset_id, agent_id, locked, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, exp.ID, exp.Name, exp.DatasetID, exp.AgentID, exp.Locked, string(exp.Status), exp.CreatedAt)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanExperiment(row rowScanner) (*domain.Experiment, error) {
	var exp domain.Experiment
	var status string
	var startedBy, agentVersion sql.NullString
	var startedAt, finishedAt sql.NullTime

	err := row.Scan(
		&exp.ID, &exp.Name, &exp.DatasetID, &exp.AgentID, &exp.Locked, &status,
		&startedBy, &startedAt, &finishedAt, &exp.CreatedAt, &exp.Deleted,
		&exp.DatasetName, &exp.Agent.Name, &agentVersion, &exp.Agent.Image,
	)
	if err != nil {
		return nil, err
	}

	exp.Status = domain.ExperimentStatus(status)
	exp.Agent.ID = exp.AgentID
	if startedBy.Valid {
		exp.StartedBy = startedBy.String
	}
	if agentVersion.Valid {
		exp.Agent.Version = agentVersion.String
	}
	if startedAt.Valid {
		t := startedAt.Time
		exp.StartedAt = &t
	}
	if finishedAt.Valid {
		t := finishedAt.Time
		exp.FinishedAt = &t
	}
	return &exp, nil
}

// CreateAgent registers an agent version.
func CreateAgent(ctx context.Context, q DBTX, a *domain.Agent) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO agents (id, name, version, image) VALUES (?, ?, ?, ?)
	`, a.ID, a.Name, a.Version, a.Image)
	return err
}

// CreateDataset inserts a dataset.
func CreateDataset(ctx context.Context, q DBTX, d *domain.Dataset) error {
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now()
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO datasets (id, name, created_at) VALUES (?, ?, ?)
	`, d.ID, d.Name, d.CreatedAt)
	return err
}

// CreateDataItem inserts a data item.
func CreateDataItem(ctx context.Context, q DBTX, item *domain.DataItem) error {
	if item.CreatedAt.IsZero() {
		item.CreatedAt = time.Now()
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO data_items (id, dataset_id, input, ref_trajectory, ref_output, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, item.ID, item.DatasetID, item.Input, item.RefTrajectory, item.RefOutput, item.CreatedAt)
	return err
}

// ListDataItems returns the non-deleted items of a dataset in creation
// order, so repeated runs produce cases in a stable sequence.
func ListDataItems(ctx context.Context, q DBTX, datasetID string) ([]*domain.DataItem, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, dataset_id, input, ref_trajectory, ref_output, created_at
		FROM data_items WHERE dataset_id = ? AND deleted = FALSE
		ORDER BY created_at, id
	`, datasetID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []*domain.DataItem
	for rows.Next() {
		var item domain.DataItem
		var refTraj, refOut sql.NullString
		if err := rows.Scan(&item.ID, &item.DatasetID, &item.Input, &refTraj, &refOut, &item.CreatedAt); err != nil {
			return nil, err
		}
		item.RefTrajectory = refTraj.String
		item.RefOutput = refOut.String
		items = append(items, &item)
	}
	return items, rows.Err()
}

// CreateEvaluator binds a scoring criterion to an experiment.
func CreateEvaluator(ctx context.Context, q DBTX, ev *domain.Evaluator) error {
	if ev.Weight == 0 {
		ev.Weight = 1.0
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO evaluators (key, experiment_id, name, prompt, weight)
		VALUES (?, ?, ?, ?, ?)
	`, ev.Key, ev.ExperimentID, ev.Name, ev.Prompt, ev.Weight)
	return err
}

// ListEvaluators returns the evaluator set bound to an experiment.
func ListEvaluators(ctx context.Context, q DBTX, experimentID string) ([]domain.Evaluator, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT key, experiment_id, name, prompt, weight
		FROM evaluators WHERE experiment_id = ? ORDER BY key
	`, experimentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var evals []domain.Evaluator
	for rows.Next() {
		var ev domain.Evaluator
		if err := rows.Scan(&ev.Key, &ev.ExperimentID, &ev.Name, &ev.Prompt, &ev.Weight); err != nil {
			return nil, err
		}
		evals = append(evals, ev)
	}
	return evals, rows.Err()
}
