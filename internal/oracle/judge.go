package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"explab/internal/config"
	"explab/internal/logging"
	"explab/internal/types"
)

// Judge assesses step attempts with an LLM. Advisory input to the
// evaluation gate: it never overrides mechanical evidence, it only adds
// the semantic reading of the output.
type Judge struct {
	client types.LLMClient
}

// NewJudge wraps an existing transport as a judgment provider.
func NewJudge(client types.LLMClient) *Judge {
	return &Judge{client: client}
}

// NewJudgeFromConfig builds a judge with its own transport pinned to
// temperature 0, so judgments stay reproducible regardless of the
// generation temperature.
func NewJudgeFromConfig(cfg config.LLMConfig) (*Judge, error) {
	cfg.Temperature = 0
	client, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return &Judge{client: client}, nil
}

// Judge evaluates one attempt against the step's acceptance criteria.
func (j *Judge) Judge(ctx context.Context, step types.Step, attempt types.AttemptRecord) (types.Judgment, error) {
	timer := logging.StartTimer(logging.CategoryOracle, "Judge")
	defer timer.Stop()

	userPrompt := buildJudgmentPrompt(step, attempt)

	response, err := j.client.CompleteWithSystem(ctx, judgeSystemPrompt, userPrompt)
	if err != nil {
		logging.OracleError("judge call failed for %s attempt %d: %v", step.Label(), attempt.AttemptNumber, err)
		return types.Judgment{}, fmt.Errorf("judgment failed: %w", err)
	}

	judgment, err := parseJudgment(response)
	if err != nil {
		logging.OracleError("judge response unparseable for %s: %v", step.Label(), err)
		return types.Judgment{}, fmt.Errorf("parse judgment: %w", err)
	}

	logging.Oracle("judged %s attempt %d: pass=%v", step.Label(), attempt.AttemptNumber, judgment.Pass)
	return judgment, nil
}

func buildJudgmentPrompt(step types.Step, attempt types.AttemptRecord) string {
	var sb strings.Builder

	sb.WriteString("## Step\n")
	sb.WriteString(step.Description)
	sb.WriteString("\n\n")

	sb.WriteString("## Acceptance Criteria\n")
	if step.Criteria != "" {
		sb.WriteString(step.Criteria)
	} else {
		sb.WriteString("None stated; judge whether the output shows the step achieved its goal.")
	}
	sb.WriteString("\n\n")

	sb.WriteString("## Execution Evidence\n")
	sb.WriteString(fmt.Sprintf("- **Exit Code**: %d\n", attempt.ExitCode))
	sb.WriteString(fmt.Sprintf("- **Duration**: %s\n", attempt.Duration))
	if attempt.TimedOut {
		sb.WriteString("- **Timed Out**: yes\n")
	}
	if len(attempt.FilesChanged) > 0 {
		sb.WriteString(fmt.Sprintf("- **Files Written**: %s\n", strings.Join(attempt.FilesChanged, ", ")))
	}
	sb.WriteString("\n")

	if attempt.Stdout != "" {
		sb.WriteString("## Stdout (tail)\n")
		sb.WriteString(tailString(attempt.Stdout, 2000))
		sb.WriteString("\n\n")
	}
	if attempt.Stderr != "" {
		sb.WriteString("## Stderr (tail)\n")
		sb.WriteString(tailString(attempt.Stderr, 2000))
		sb.WriteString("\n")
	}

	return sb.String()
}

// parseJudgment extracts the verdict JSON from the LLM response. Accepts
// both the canonical {"verdict": "PASS"} form and a bare {"pass": bool}.
func parseJudgment(response string) (types.Judgment, error) {
	jsonStr := extractJSONObject(response)
	if jsonStr == "" {
		return types.Judgment{}, fmt.Errorf("no JSON found in response")
	}

	var parsed struct {
		Verdict   string `json:"verdict"`
		Pass      *bool  `json:"pass"`
		Rationale string `json:"rationale"`
	}
	if err := json.Unmarshal([]byte(jsonStr), &parsed); err != nil {
		return types.Judgment{}, fmt.Errorf("failed to parse JSON: %w", err)
	}

	judgment := types.Judgment{Rationale: strings.TrimSpace(parsed.Rationale)}
	switch {
	case parsed.Verdict != "":
		verdict := strings.ToUpper(strings.TrimSpace(parsed.Verdict))
		if verdict != "PASS" && verdict != "FAIL" {
			return types.Judgment{}, fmt.Errorf("invalid verdict: %s", parsed.Verdict)
		}
		judgment.Pass = verdict == "PASS"
	case parsed.Pass != nil:
		judgment.Pass = *parsed.Pass
	default:
		return types.Judgment{}, fmt.Errorf("response carries neither verdict nor pass field")
	}
	return judgment, nil
}

// extractJSONObject extracts the first brace-balanced JSON object from a
// string, fenced or not.
func extractJSONObject(s string) string {
	start := strings.Index(s, "{")
	if start == -1 {
		return ""
	}
	depth := 0
	for i := start; i < len(s); i++ {
		switch s[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return ""
}

// tailString keeps the last maxLen characters of long output; failures
// usually explain themselves at the end.
func tailString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return "..." + s[len(s)-maxLen+3:]
}

// judgeSystemPrompt drives the judgment capability. The gate combines
// the verdict with mechanical evidence; a PASS here never accepts a
// failed run on its own.
var judgeSystemPrompt = `You are an expert evaluator for automated experiment steps. A program was generated and executed in a sandbox; your job is to assess whether the execution satisfied the step's goal.

Be objective and precise. Focus on:
- Does the output show the step accomplished its stated goal?
- Do the acceptance criteria hold based on the evidence?
- Are there errors, warnings, or suspicious values in the output?

Judge only from the provided evidence. Do not assume files or results you cannot see.

Output your evaluation as JSON:
{
  "verdict": "PASS" or "FAIL",
  "rationale": "2-3 sentences explaining the verdict"
}`
