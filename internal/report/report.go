package report

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/probelab/crucible/internal/domain"
	"github.com/probelab/crucible/internal/store"
)

// ExperimentSummary aggregates the latest run cases of one experiment.
type ExperimentSummary struct {
	Name         string  `json:"name"`
	Status       string  `json:"status"`
	Cases        int     `json:"cases"`
	Success      int     `json:"success"`
	Failed       int     `json:"failed"`
	PassRate     float64 `json:"pass_rate"`
	MeanScore    float64 `json:"mean_score"`
	TotalTokens  int     `json:"total_tokens"`
	TotalCostUSD float64 `json:"total_cost_usd"`
}

// Generate summarizes every experiment in the store and writes it in
// the requested format (table, markdown, or json).
func Generate(ctx context.Context, q store.DBTX, format string, w io.Writer) error {
	summaries, err := collect(ctx, q)
	if err != nil {
		return err
	}

	switch format {
	case "markdown":
		return writeMarkdown(summaries, w)
	case "json":
		return writeJSON(summaries, w)
	default:
		return writeTable(summaries, w)
	}
}

func collect(ctx context.Context, q store.DBTX) ([]ExperimentSummary, error) {
	exps, err := store.ListExperiments(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("listing experiments: %w", err)
	}

	var summaries []ExperimentSummary
	for _, exp := range exps {
		s := ExperimentSummary{Name: exp.Name, Status: string(exp.Status)}

		cases, err := store.ListRunCases(ctx, q, exp.ID)
		if err != nil {
			return nil, fmt.Errorf("listing cases for %s: %w", exp.Name, err)
		}
		var scoreSum float64
		for _, rc := range cases {
			if !rc.IsLatest {
				continue
			}
			s.Cases++
			s.TotalTokens += rc.TokensInput + rc.TokensOutput
			s.TotalCostUSD += rc.CostUSD
			switch rc.Status {
			case domain.CaseSuccess:
				s.Success++
				scoreSum += rc.FinalScore
			case domain.CaseFailed:
				s.Failed++
			}
		}
		if s.Cases > 0 {
			s.PassRate = float64(s.Success) / float64(s.Cases)
		}
		if s.Success > 0 {
			s.MeanScore = scoreSum / float64(s.Success)
		}
		summaries = append(summaries, s)
	}
	return summaries, nil
}

func writeTable(summaries []ExperimentSummary, w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "EXPERIMENT\tSTATUS\tCASES\tPASS RATE\tMEAN SCORE\tTOKENS\tCOST")
	fmt.Fprintln(tw, strings.Repeat("-", 80))
	for _, s := range summaries {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%.0f%%\t%.3f\t%d\t$%.2f\n",
			s.Name, s.Status, s.Cases, s.PassRate*100, s.MeanScore, s.TotalTokens, s.TotalCostUSD)
	}
	return tw.Flush()
}

func writeMarkdown(summaries []ExperimentSummary, w io.Writer) error {
	fmt.Fprintln(w, "| Experiment | Status | Cases | Pass Rate | Mean Score | Tokens | Cost |")
	fmt.Fprintln(w, "|---|---|---|---|---|---|---|")
	for _, s := range summaries {
		fmt.Fprintf(w, "| %s | %s | %d | %.0f%% | %.3f | %d | $%.2f |\n",
			s.Name, s.Status, s.Cases, s.PassRate*100, s.MeanScore, s.TotalTokens, s.TotalCostUSD)
	}
	return nil
}

func writeJSON(summaries []ExperimentSummary, w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(summaries)
}
