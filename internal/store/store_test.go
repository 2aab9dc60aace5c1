package store_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/probelab/crucible/internal/domain"
	"github.com/probelab/crucible/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// seedExperiment inserts the minimal referential chain an experiment
// needs and returns (experimentID, dataItemID, agentID).
func seedExperiment(t *testing.T, st *store.Store) (string, string, string) {
	t.Helper()
	ctx := context.Background()

	datasetID := uuid.NewString()
	if err := store.CreateDataset(ctx, st.DB(), &domain.Dataset{ID: datasetID, Name: "ds"}); err != nil {
		t.Fatalf("creating dataset: %v", err)
	}
	itemID := uuid.NewString()
	if err := store.CreateDataItem(ctx, st.DB(), &domain.DataItem{ID: itemID, DatasetID: datasetID, Input: "q1"}); err != nil {
		t.Fatalf("creating item: %v", err)
	}
	agentID := uuid.NewString()
	if err := store.CreateAgent(ctx, st.DB(), &domain.Agent{ID: agentID, Name: "a", Version: "v1", Image: "a:v1"}); err != nil {
		t.Fatalf("creating agent: %v", err)
	}
	expID := uuid.NewString()
	err := store.CreateExperiment(ctx, st.DB(), &domain.Experiment{
		ID: expID, Name: "exp", DatasetID: datasetID, AgentID: agentID,
	})
	if err != nil {
		t.Fatalf("creating experiment: %v", err)
	}
	return expID, itemID, agentID
}

func TestAcquireExperimentLockIsCompareAndSet(t *testing.T) {
	st := openTestStore(t)
	expID, _, _ := seedExperiment(t, st)
	ctx := context.Background()

	ok, err := store.AcquireExperimentLock(ctx, st.DB(), expID, "alice", time.Now())
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	if !ok {
		t.Fatal("first acquire should win")
	}

	ok, err = store.AcquireExperimentLock(ctx, st.DB(), expID, "bob", time.Now())
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if ok {
		t.Fatal("second acquire should lose while locked")
	}

	exp, err := store.GetExperiment(ctx, st.DB(), expID)
	if err != nil {
		t.Fatalf("loading experiment: %v", err)
	}
	if !exp.Locked || exp.Status != domain.ExperimentRunning {
		t.Errorf("after lock: locked=%v status=%q", exp.Locked, exp.Status)
	}
	if exp.StartedBy != "alice" {
		t.Errorf("started_by: got %q, loser must not overwrite", exp.StartedBy)
	}

	if err := store.FinishExperiment(ctx, st.DB(), expID, domain.ExperimentFinished, nil); err != nil {
		t.Fatalf("finishing: %v", err)
	}
	ok, err = store.AcquireExperimentLock(ctx, st.DB(), expID, "bob", time.Now())
	if err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	if !ok {
		t.Fatal("acquire should succeed after release")
	}
}

func TestAcquireExperimentLockSkipsDeleted(t *testing.T) {
	st := openTestStore(t)
	expID, _, _ := seedExperiment(t, st)
	ctx := context.Background()

	if err := store.SoftDeleteExperiment(ctx, st.DB(), expID); err != nil {
		t.Fatalf("soft deleting: %v", err)
	}
	ok, err := store.AcquireExperimentLock(ctx, st.DB(), expID, "alice", time.Now())
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if ok {
		t.Error("lock acquired on soft-deleted experiment")
	}
	if _, err := store.GetExperiment(ctx, st.DB(), expID); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("GetExperiment on deleted: got %v, want sql.ErrNoRows", err)
	}
}

func TestRunCaseLatestTracking(t *testing.T) {
	st := openTestStore(t)
	expID, itemID, agentID := seedExperiment(t, st)
	ctx := context.Background()

	first := &domain.RunCase{
		ID: uuid.NewString(), ExperimentID: expID, DataItemID: itemID, AgentID: agentID,
		Attempt: 1, Status: domain.CaseRunning,
	}
	if err := store.InsertRunCase(ctx, st.DB(), first); err != nil {
		t.Fatalf("inserting attempt 1: %v", err)
	}
	now := time.Now()
	if err := store.FinishRunCaseFailed(ctx, st.DB(), first.ID, "boom", now); err != nil {
		t.Fatalf("failing attempt 1: %v", err)
	}

	failed, err := store.ListLatestFailed(ctx, st.DB(), expID)
	if err != nil {
		t.Fatalf("listing failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != first.ID {
		t.Fatalf("latest failed: got %+v", failed)
	}
	if failed[0].ErrorMessage != "boom" {
		t.Errorf("error message: got %q", failed[0].ErrorMessage)
	}

	if err := store.RetireRunCase(ctx, st.DB(), first.ID); err != nil {
		t.Fatalf("retiring: %v", err)
	}
	second := &domain.RunCase{
		ID: uuid.NewString(), ExperimentID: expID, DataItemID: itemID, AgentID: agentID,
		Attempt: 2, Status: domain.CaseRunning,
	}
	if err := store.InsertRunCase(ctx, st.DB(), second); err != nil {
		t.Fatalf("inserting attempt 2: %v", err)
	}
	second.FinalScore = 0.75
	second.Output = "fixed"
	second.FinishedAt = &now
	if err := store.FinishRunCaseSuccess(ctx, st.DB(), second); err != nil {
		t.Fatalf("finishing attempt 2: %v", err)
	}

	latest, err := store.LatestRunCase(ctx, st.DB(), expID, itemID)
	if err != nil {
		t.Fatalf("loading latest: %v", err)
	}
	if latest.ID != second.ID || latest.Attempt != 2 {
		t.Errorf("latest: got attempt %d id %s", latest.Attempt, latest.ID)
	}
	if latest.Status != domain.CaseSuccess || latest.FinalScore != 0.75 {
		t.Errorf("latest: status=%q score=%f", latest.Status, latest.FinalScore)
	}

	// Counts see only the latest attempt; the retired failure is gone.
	counts, err := store.CountLatestStatuses(ctx, st.DB(), expID)
	if err != nil {
		t.Fatalf("counting: %v", err)
	}
	if counts.Success != 1 || counts.Failed != 0 || counts.Total() != 1 {
		t.Errorf("counts: got %+v", counts)
	}

	failed, err = store.ListLatestFailed(ctx, st.DB(), expID)
	if err != nil {
		t.Fatalf("listing failed after retry: %v", err)
	}
	if len(failed) != 0 {
		t.Errorf("retired failure still listed: %+v", failed)
	}
}

func TestInsertRunCaseRejectsDuplicateAttempt(t *testing.T) {
	st := openTestStore(t)
	expID, itemID, agentID := seedExperiment(t, st)
	ctx := context.Background()

	rc := &domain.RunCase{
		ID: uuid.NewString(), ExperimentID: expID, DataItemID: itemID, AgentID: agentID,
		Attempt: 1, Status: domain.CaseRunning,
	}
	if err := store.InsertRunCase(ctx, st.DB(), rc); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	dup := &domain.RunCase{
		ID: uuid.NewString(), ExperimentID: expID, DataItemID: itemID, AgentID: agentID,
		Attempt: 1, Status: domain.CaseRunning,
	}
	if err := store.InsertRunCase(ctx, st.DB(), dup); err == nil {
		t.Fatal("duplicate attempt number accepted")
	}
}

func TestLatestRunCaseNoAttempts(t *testing.T) {
	st := openTestStore(t)
	expID, itemID, _ := seedExperiment(t, st)

	_, err := store.LatestRunCase(context.Background(), st.DB(), expID, itemID)
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("got %v, want sql.ErrNoRows", err)
	}
}

func TestForceFailUnfinished(t *testing.T) {
	st := openTestStore(t)
	expID, itemID, agentID := seedExperiment(t, st)
	ctx := context.Background()

	running := &domain.RunCase{
		ID: uuid.NewString(), ExperimentID: expID, DataItemID: itemID, AgentID: agentID,
		Attempt: 1, Status: domain.CaseRunning,
	}
	if err := store.InsertRunCase(ctx, st.DB(), running); err != nil {
		t.Fatalf("inserting: %v", err)
	}
	done := &domain.RunCase{
		ID: uuid.NewString(), ExperimentID: expID, DataItemID: itemID, AgentID: agentID,
		Attempt: 2, Status: domain.CaseRunning,
	}
	if err := store.RetireRunCase(ctx, st.DB(), running.ID); err != nil {
		t.Fatalf("retiring: %v", err)
	}
	if err := store.InsertRunCase(ctx, st.DB(), done); err != nil {
		t.Fatalf("inserting: %v", err)
	}
	now := time.Now()
	done.FinishedAt = &now
	if err := store.FinishRunCaseSuccess(ctx, st.DB(), done); err != nil {
		t.Fatalf("finishing: %v", err)
	}

	n, err := store.ForceFailUnfinished(ctx, st.DB(), expID, "crashed", now)
	if err != nil {
		t.Fatalf("force failing: %v", err)
	}
	// The retired running case is not latest, the finished one is not
	// unfinished; nothing qualifies.
	if n != 0 {
		t.Fatalf("force failed %d cases, want 0", n)
	}

	orphan := &domain.RunCase{
		ID: uuid.NewString(), ExperimentID: expID, DataItemID: itemID, AgentID: agentID,
		Attempt: 3, Status: domain.CaseRunning,
	}
	if err := store.RetireRunCase(ctx, st.DB(), done.ID); err != nil {
		t.Fatalf("retiring: %v", err)
	}
	if err := store.InsertRunCase(ctx, st.DB(), orphan); err != nil {
		t.Fatalf("inserting: %v", err)
	}
	n, err = store.ForceFailUnfinished(ctx, st.DB(), expID, "crashed", now)
	if err != nil {
		t.Fatalf("force failing: %v", err)
	}
	if n != 1 {
		t.Fatalf("force failed %d cases, want 1", n)
	}
	latest, err := store.LatestRunCase(ctx, st.DB(), expID, itemID)
	if err != nil {
		t.Fatalf("loading latest: %v", err)
	}
	if latest.Status != domain.CaseFailed || latest.ErrorMessage != "crashed" {
		t.Errorf("orphan not force-failed: status=%q msg=%q", latest.Status, latest.ErrorMessage)
	}
}

func TestWithTxRollsBackOnError(t *testing.T) {
	st := openTestStore(t)
	expID, itemID, agentID := seedExperiment(t, st)
	ctx := context.Background()

	sentinel := errors.New("abort")
	err := st.WithTx(ctx, func(tx *sql.Tx) error {
		rc := &domain.RunCase{
			ID: uuid.NewString(), ExperimentID: expID, DataItemID: itemID, AgentID: agentID,
			Attempt: 1, Status: domain.CaseRunning,
		}
		if err := store.InsertRunCase(ctx, tx, rc); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("got %v, want sentinel", err)
	}

	cases, err := store.ListRunCases(ctx, st.DB(), expID)
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	if len(cases) != 0 {
		t.Fatalf("rollback leaked %d rows", len(cases))
	}
}

func TestListDataItemsSkipsDeleted(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	datasetID := uuid.NewString()
	if err := store.CreateDataset(ctx, st.DB(), &domain.Dataset{ID: datasetID, Name: "ds"}); err != nil {
		t.Fatalf("creating dataset: %v", err)
	}
	base := time.Now()
	keepID, dropID := uuid.NewString(), uuid.NewString()
	for i, id := range []string{keepID, dropID} {
		err := store.CreateDataItem(ctx, st.DB(), &domain.DataItem{
			ID: id, DatasetID: datasetID, Input: "q",
			CreatedAt: base.Add(time.Duration(i) * time.Millisecond),
		})
		if err != nil {
			t.Fatalf("creating item: %v", err)
		}
	}
	if _, err := st.DB().ExecContext(ctx, `UPDATE data_items SET deleted = TRUE WHERE id = ?`, dropID); err != nil {
		t.Fatalf("deleting item: %v", err)
	}

	items, err := store.ListDataItems(ctx, st.DB(), datasetID)
	if err != nil {
		t.Fatalf("listing: %v", err)
	}
	if len(items) != 1 || items[0].ID != keepID {
		t.Fatalf("items: got %+v, want only %s", items, keepID)
	}
}

func TestListStaleRunning(t *testing.T) {
	st := openTestStore(t)
	expID, _, _ := seedExperiment(t, st)
	ctx := context.Background()

	started := time.Now().Add(-2 * time.Hour)
	if _, err := store.AcquireExperimentLock(ctx, st.DB(), expID, "alice", started); err != nil {
		t.Fatalf("locking: %v", err)
	}

	ids, err := store.ListStaleRunning(ctx, st.DB(), time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("listing stale: %v", err)
	}
	if len(ids) != 1 || ids[0] != expID {
		t.Fatalf("stale ids: got %v, want [%s]", ids, expID)
	}

	ids, err = store.ListStaleRunning(ctx, st.DB(), time.Now().Add(-3*time.Hour))
	if err != nil {
		t.Fatalf("listing stale: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("experiment within deadline reported stale: %v", ids)
	}
}
