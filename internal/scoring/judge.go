package scoring

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/probelab/crucible/internal/domain"
)

// DefaultJudgeModel is used when the config does not name one.
const DefaultJudgeModel = "gemini-2.0-flash"

// JudgeClient scores executions with an LLM judge behind an
// OpenAI-compatible chat-completions endpoint. With Samples > 1 each
// evaluator is scored several times and the median is kept.
type JudgeClient struct {
	BaseURL string
	Model   string
	APIKey  string
	Samples int

	HTTPClient *http.Client
}

// maxTrajectoryChars bounds the judged trajectory so one verbose agent
// cannot blow the judge's context window.
const maxTrajectoryChars = 100_000

func (c *JudgeClient) Score(ctx context.Context, evaluators []domain.Evaluator, trajectory, output, input string) (*ScoreResult, error) {
	if len(evaluators) == 0 {
		return nil, fmt.Errorf("no evaluators to score with")
	}

	if len(trajectory) > maxTrajectoryChars {
		trajectory = trajectory[:maxTrajectoryChars] +
			fmt.Sprintf("\n\n... [trajectory truncated to %d chars] ...", maxTrajectoryChars)
	}

	prompt := buildJudgePrompt(evaluators, trajectory, output, input)

	samples := c.Samples
	if samples < 1 {
		samples = 1
	}

	scoresByKey := make(map[string][]float64)
	reasonByKey := make(map[string]string)
	var lastErr error
	got := 0
	for i := 0; i < samples; i++ {
		verdicts, err := c.callJudge(ctx, prompt)
		if err != nil {
			lastErr = err
			continue
		}
		got++
		for key, v := range verdicts {
			scoresByKey[key] = append(scoresByKey[key], v.Score)
			if reasonByKey[key] == "" {
				reasonByKey[key] = v.Reason
			}
		}
	}
	if got == 0 {
		return nil, fmt.Errorf("judge produced no verdicts: %w", lastErr)
	}

	res := &ScoreResult{}
	var totalWeight, weightedSum float64
	for _, ev := range evaluators {
		vals, ok := scoresByKey[ev.Key]
		if !ok {
			// Judge may key by display name instead of the evaluator key.
			vals, ok = scoresByKey[ev.Name]
		}
		if !ok {
			continue
		}
		score := Median(vals)
		reason := reasonByKey[ev.Key]
		if reason == "" {
			reason = reasonByKey[ev.Name]
		}
		res.PerEvaluator = append(res.PerEvaluator, EvaluatorResult{
			Evaluator: ev.Key,
			Score:     score,
			Reason:    reason,
		})
		weightedSum += score * ev.Weight
		totalWeight += ev.Weight
	}
	if len(res.PerEvaluator) == 0 {
		return nil, fmt.Errorf("judge response matched no configured evaluator")
	}
	if totalWeight > 0 {
		res.FinalScore = weightedSum / totalWeight
	}
	return res, nil
}

type judgeVerdict struct {
	Score  float64 `json:"score"`
	Reason string  `json:"reason"`
}

func buildJudgePrompt(evaluators []domain.Evaluator, trajectory, output, input string) string {
	var criteria strings.Builder
	for _, ev := range evaluators {
		fmt.Fprintf(&criteria, "- %s: %s\n", ev.Key, ev.Prompt)
	}
	return fmt.Sprintf(`You are an impartial judge scoring an AI agent's work. Score the agent against each criterion on a scale of 0.0 to 1.0 and give a one-sentence reason.

User input:
%s

Agent trajectory:
%s

Agent output:
%s

Criteria:
%s
Respond with ONLY a JSON object mapping criterion key to {"score": <0..1>, "reason": "<why>"}, e.g.:
{"correctness": {"score": 0.9, "reason": "matches the reference answer"}}`,
		input, trajectory, output, criteria.String())
}

func (c *JudgeClient) callJudge(ctx context.Context, prompt string) (map[string]judgeVerdict, error) {
	model := c.Model
	if model == "" {
		model = DefaultJudgeModel
	}
	reqBody := map[string]interface{}{
		"model":       model,
		"temperature": 0,
		"messages": []map[string]string{
			{"role": "user", "content": prompt},
		},
	}
	bodyBytes, _ := json.Marshal(reqBody)

	req, err := http.NewRequestWithContext(ctx, "POST",
		strings.TrimSuffix(c.BaseURL, "/")+"/v1/chat/completions", bytes.NewReader(bodyBytes))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errBody map[string]interface{}
		json.NewDecoder(resp.Body).Decode(&errBody)
		return nil, fmt.Errorf("judge returned %d: %v", resp.StatusCode, errBody)
	}

	var chatResult struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&chatResult); err != nil {
		return nil, err
	}
	if len(chatResult.Choices) == 0 {
		return nil, fmt.Errorf("no choices in judge response")
	}

	return parseJudgeResponse(chatResult.Choices[0].Message.Content)
}

func parseJudgeResponse(content string) (map[string]judgeVerdict, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	var verdicts map[string]judgeVerdict
	if err := json.Unmarshal([]byte(content), &verdicts); err != nil {
		return nil, fmt.Errorf("parsing judge response: %w", err)
	}
	return verdicts, nil
}

// Median returns the median of a slice of scores.
func Median(scores []float64) float64 {
	if len(scores) == 0 {
		return 0.0
	}
	sorted := make([]float64, len(scores))
	copy(sorted, scores)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}
