package report_test

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/probelab/crucible/internal/domain"
	"github.com/probelab/crucible/internal/report"
	"github.com/probelab/crucible/internal/store"
)

// seedReportData builds one finished experiment with two latest cases
// (one success scoring 0.8, one failure) plus a retired attempt that
// must not count.
func seedReportData(t *testing.T) *store.Store {
	t.Helper()
	ctx := context.Background()

	st, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	datasetID, agentID, expID := uuid.NewString(), uuid.NewString(), uuid.NewString()
	if err := store.CreateDataset(ctx, st.DB(), &domain.Dataset{ID: datasetID, Name: "ds"}); err != nil {
		t.Fatalf("creating dataset: %v", err)
	}
	if err := store.CreateAgent(ctx, st.DB(), &domain.Agent{ID: agentID, Name: "a", Image: "a:v1"}); err != nil {
		t.Fatalf("creating agent: %v", err)
	}
	err = store.CreateExperiment(ctx, st.DB(), &domain.Experiment{
		ID: expID, Name: "nightly", DatasetID: datasetID, AgentID: agentID,
		Status: domain.ExperimentPartialFailed,
	})
	if err != nil {
		t.Fatalf("creating experiment: %v", err)
	}

	item1, item2 := uuid.NewString(), uuid.NewString()
	for _, id := range []string{item1, item2} {
		if err := store.CreateDataItem(ctx, st.DB(), &domain.DataItem{ID: id, DatasetID: datasetID, Input: "q"}); err != nil {
			t.Fatalf("creating item: %v", err)
		}
	}

	now := time.Now()

	retired := &domain.RunCase{
		ID: uuid.NewString(), ExperimentID: expID, DataItemID: item1, AgentID: agentID,
		Attempt: 1, Status: domain.CaseRunning,
	}
	if err := store.InsertRunCase(ctx, st.DB(), retired); err != nil {
		t.Fatalf("inserting retired case: %v", err)
	}
	if err := store.FinishRunCaseFailed(ctx, st.DB(), retired.ID, "flaky", now); err != nil {
		t.Fatalf("failing retired case: %v", err)
	}
	if err := store.RetireRunCase(ctx, st.DB(), retired.ID); err != nil {
		t.Fatalf("retiring: %v", err)
	}

	success := &domain.RunCase{
		ID: uuid.NewString(), ExperimentID: expID, DataItemID: item1, AgentID: agentID,
		Attempt: 2, Status: domain.CaseRunning,
	}
	if err := store.InsertRunCase(ctx, st.DB(), success); err != nil {
		t.Fatalf("inserting success case: %v", err)
	}
	success.FinalScore = 0.8
	success.TokensInput = 100
	success.TokensOutput = 50
	success.CostUSD = 0.25
	success.FinishedAt = &now
	if err := store.FinishRunCaseSuccess(ctx, st.DB(), success); err != nil {
		t.Fatalf("finishing success case: %v", err)
	}

	failed := &domain.RunCase{
		ID: uuid.NewString(), ExperimentID: expID, DataItemID: item2, AgentID: agentID,
		Attempt: 1, Status: domain.CaseRunning,
	}
	if err := store.InsertRunCase(ctx, st.DB(), failed); err != nil {
		t.Fatalf("inserting failed case: %v", err)
	}
	if err := store.FinishRunCaseFailed(ctx, st.DB(), failed.ID, "boom", now); err != nil {
		t.Fatalf("failing case: %v", err)
	}

	return st
}

func TestGenerateJSON(t *testing.T) {
	st := seedReportData(t)
	var buf bytes.Buffer

	if err := report.Generate(context.Background(), st.DB(), "json", &buf); err != nil {
		t.Fatalf("Generate: %v", err)
	}

	var summaries []report.ExperimentSummary
	if err := json.Unmarshal(buf.Bytes(), &summaries); err != nil {
		t.Fatalf("decoding report: %v", err)
	}
	if len(summaries) != 1 {
		t.Fatalf("summaries: got %d, want 1", len(summaries))
	}
	s := summaries[0]
	if s.Name != "nightly" || s.Status != "partial_failed" {
		t.Errorf("header: %+v", s)
	}
	// Retired attempt is invisible: 2 latest cases, 1 success, 1 failed.
	if s.Cases != 2 || s.Success != 1 || s.Failed != 1 {
		t.Errorf("counts: %+v", s)
	}
	if s.PassRate != 0.5 || s.MeanScore != 0.8 {
		t.Errorf("rates: pass=%f mean=%f", s.PassRate, s.MeanScore)
	}
	if s.TotalTokens != 150 || s.TotalCostUSD != 0.25 {
		t.Errorf("usage: tokens=%d cost=%f", s.TotalTokens, s.TotalCostUSD)
	}
}

func TestGenerateTable(t *testing.T) {
	st := seedReportData(t)
	var buf bytes.Buffer

	if err := report.Generate(context.Background(), st.DB(), "table", &buf); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	out := buf.String()
	for _, want := range []string{"EXPERIMENT", "nightly", "partial_failed", "50%", "0.800"} {
		if !strings.Contains(out, want) {
			t.Errorf("table output missing %q:\n%s", want, out)
		}
	}
}

func TestGenerateMarkdown(t *testing.T) {
	st := seedReportData(t)
	var buf bytes.Buffer

	if err := report.Generate(context.Background(), st.DB(), "markdown", &buf); err != nil {
		t.Fatalf("Generate: %v", err)
	}
	out := buf.String()
	if !strings.HasPrefix(out, "| Experiment |") {
		t.Errorf("markdown header missing:\n%s", out)
	}
	if !strings.Contains(out, "| nightly | partial_failed | 2 | 50% | 0.800 | 150 | $0.25 |") {
		t.Errorf("markdown row missing:\n%s", out)
	}
}
