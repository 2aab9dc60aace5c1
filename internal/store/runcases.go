package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/probelab/crucible/internal/domain"
)

// InsertRunCase records a new attempt. The row starts as the latest for
// its (experiment, data item) pair; the caller retires the previous
// attempt first.
func InsertRunCase(ctx context.Context, q DBTX, rc *domain.RunCase) error {
	if rc.CreatedAt.IsZero() {
		rc.CreatedAt = time.Now()
	}
	_, err := q.ExecContext(ctx, `
		INSERT INTO run_cases (id, experiment_id, data_item_id, agent_id, attempt_no, is_latest, status, started_at, created_at)
		VALUES (?, ?, ?, ?, ?, TRUE, ?, ?, ?)
	`, rc.ID, rc.ExperimentID, rc.DataItemID, rc.AgentID, rc.Attempt, string(rc.Status), rc.StartedAt, rc.CreatedAt)
	return err
}

// RetireRunCase clears the is-latest marker on a superseded attempt.
func RetireRunCase(ctx context.Context, q DBTX, id string) error {
	_, err := q.ExecContext(ctx, `UPDATE run_cases SET is_latest = FALSE WHERE id = ?`, id)
	return err
}

// FinishRunCaseSuccess records a successful execution on the attempt
// row: final score, produced trajectory/output, usage and timing.
func FinishRunCaseSuccess(ctx context.Context, q DBTX, rc *domain.RunCase) error {
	_, err := q.ExecContext(ctx, `
		UPDATE run_cases
		SET status = ?, final_score = ?, trajectory = ?, output = ?,
		    tokens_input = ?, tokens_output = ?, cost_usd = ?, latency_ms = ?, finished_at = ?
		WHERE id = ?
	`, string(domain.CaseSuccess), rc.FinalScore, rc.Trajectory, rc.Output,
		rc.TokensInput, rc.TokensOutput, rc.CostUSD, rc.LatencyMS, rc.FinishedAt, rc.ID)
	return err
}

// FinishRunCaseFailed records a case-level failure with the captured
// error message.
func FinishRunCaseFailed(ctx context.Context, q DBTX, id, errMsg string, finishedAt time.Time) error {
	_, err := q.ExecContext(ctx, `
		UPDATE run_cases SET status = ?, error_message = ?, finished_at = ? WHERE id = ?
	`, string(domain.CaseFailed), errMsg, finishedAt, id)
	return err
}

// ListLatestFailed returns the latest run cases with status failed for
// an experiment, in creation order. These are the retry candidates.
func ListLatestFailed(ctx context.Context, q DBTX, experimentID string) ([]*domain.RunCase, error) {
	return queryRunCases(ctx, q, `
		WHERE experiment_id = ? AND is_latest = TRUE AND status = ?
		ORDER BY created_at, id
	`, experimentID, string(domain.CaseFailed))
}

// ListRunCases returns every attempt recorded for an experiment.
func ListRunCases(ctx context.Context, q DBTX, experimentID string) ([]*domain.RunCase, error) {
	return queryRunCases(ctx, q, `
		WHERE experiment_id = ? ORDER BY data_item_id, attempt_no
	`, experimentID)
}

// LatestRunCase returns the current attempt for one data item, or
// sql.ErrNoRows if none has been made.
func LatestRunCase(ctx context.Context, q DBTX, experimentID, dataItemID string) (*domain.RunCase, error) {
	cases, err := queryRunCases(ctx, q, `
		WHERE experiment_id = ? AND data_item_id = ? AND is_latest = TRUE
	`, experimentID, dataItemID)
	if err != nil {
		return nil, err
	}
	if len(cases) == 0 {
		return nil, sql.ErrNoRows
	}
	return cases[0], nil
}

// CountLatestStatuses returns the status distribution of the latest run
// cases for an experiment, the input to status aggregation.
func CountLatestStatuses(ctx context.Context, q DBTX, experimentID string) (domain.StatusCounts, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM run_cases
		WHERE experiment_id = ? AND is_latest = TRUE
		GROUP BY status
	`, experimentID)
	if err != nil {
		return domain.StatusCounts{}, err
	}
	defer rows.Close()

	var counts domain.StatusCounts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return domain.StatusCounts{}, err
		}
		switch domain.CaseStatus(status) {
		case domain.CasePending:
			counts.Pending = n
		case domain.CaseRunning:
			counts.Running = n
		case domain.CaseSuccess:
			counts.Success = n
		case domain.CaseFailed:
			counts.Failed = n
		}
	}
	return counts, rows.Err()
}

// ForceFailUnfinished marks every latest pending/running case of an
// experiment as failed with the given reason. Crash recovery only.
func ForceFailUnfinished(ctx context.Context, q DBTX, experimentID, reason string, now time.Time) (int, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE run_cases SET status = ?, error_message = ?, finished_at = ?
		WHERE experiment_id = ? AND is_latest = TRUE AND status IN (?, ?)
	`, string(domain.CaseFailed), reason, now,
		experimentID, string(domain.CasePending), string(domain.CaseRunning))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// InsertRunCaseScores persists the per-evaluator verdicts for one
// attempt.
func InsertRunCaseScores(ctx context.Context, q DBTX, scores []domain.RunCaseScore) error {
	for _, s := range scores {
		_, err := q.ExecContext(ctx, `
			INSERT INTO run_case_scores (run_case_id, evaluator_key, score, reason)
			VALUES (?, ?, ?, ?)
		`, s.RunCaseID, s.EvaluatorKey, s.Score, s.Reason)
		if err != nil {
			return err
		}
	}
	return nil
}

// ListRunCaseScores returns the evaluator verdicts for one attempt.
func ListRunCaseScores(ctx context.Context, q DBTX, runCaseID string) ([]domain.RunCaseScore, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT run_case_id, evaluator_key, score, reason
		FROM run_case_scores WHERE run_case_id = ? ORDER BY evaluator_key
	`, runCaseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var scores []domain.RunCaseScore
	for rows.Next() {
		var s domain.RunCaseScore
		var reason sql.NullString
		if err := rows.Scan(&s.RunCaseID, &s.EvaluatorKey, &s.Score, &reason); err != nil {
			return nil, err
		}
		s.Reason = reason.String
		scores = append(scores, s)
	}
	return scores, rows.Err()
}

func queryRunCases(ctx context.Context, q DBTX, clause string, args ...any) ([]*domain.RunCase, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, experiment_id, data_item_id, agent_id, attempt_no, is_latest, status,
		       final_score, trajectory, output, error_message,
		       tokens_input, tokens_output, cost_usd, latency_ms,
		       started_at, finished_at, created_at
		FROM run_cases `+clause, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cases []*domain.RunCase
	for rows.Next() {
		var rc domain.RunCase
		var status string
		var finalScore sql.NullFloat64
		var trajectory, output, errMsg sql.NullString
		var startedAt, finishedAt sql.NullTime

		err := rows.Scan(&rc.ID, &rc.ExperimentID, &rc.DataItemID, &rc.AgentID, &rc.Attempt, &rc.IsLatest, &status,
			&finalScore, &trajectory, &output, &errMsg,
			&rc.TokensInput, &rc.TokensOutput, &rc.CostUSD, &rc.LatencyMS,
			&startedAt, &finishedAt, &rc.CreatedAt)
		if err != nil {
			return nil, err
		}

		rc.Status = domain.CaseStatus(status)
		rc.FinalScore = finalScore.Float64
		rc.Trajectory = trajectory.String
		rc.Output = output.String
		rc.ErrorMessage = errMsg.String
		if startedAt.Valid {
			t := startedAt.Time
			rc.StartedAt = &t
		}
		if finishedAt.Valid {
			t := finishedAt.Time
			rc.FinishedAt = &t
		}
		cases = append(cases, &rc)
	}
	return cases, rows.Err()
}
