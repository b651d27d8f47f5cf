// Package synth turns experiment steps into runnable Python programs via
// the configured LLM. Every candidate program is parsed with tree-sitter
// before it is handed to the sandbox; a program that does not parse can
// never pass, so rejecting it here saves the container round-trip.
package synth

import (
	"context"
	"fmt"
	"strings"

	"explab/internal/logging"
	"explab/internal/types"
)

// Generator implements code generation for experiment steps on top of a
// completion client. Safe for concurrent use by branch workers.
type Generator struct {
	client  types.LLMClient
	checker *SyntaxChecker
}

var _ types.CodeGenerator = (*Generator)(nil)

// NewGenerator returns a Generator backed by the given completion client.
func NewGenerator(client types.LLMClient) *Generator {
	return &Generator{
		client:  client,
		checker: NewSyntaxChecker(),
	}
}

// GenerateProgram produces the Python program for one attempt at a step.
// On repair attempts the seed carries the prior stderr and attempt history;
// on divergent branches it carries the scheme hint. Failures of any kind
// (completion, empty response, unparseable code) come back as a
// *types.GenerationError so the step executor can consume a retry slot
// without ever burning a sandbox run.
func (g *Generator) GenerateProgram(ctx context.Context, seed types.GenerationSeed) (string, error) {
	timer := logging.StartTimer(logging.CategorySynth, "GenerateProgram")
	defer timer.Stop()

	repair := seed.PriorStderr != "" || len(seed.PriorAttempts) > 0
	logging.Synth("Generating program for %s (repair=%v, divergent=%v)",
		seed.Step.Label(), repair, seed.SchemeHint != "")

	userPrompt := buildGenerationPrompt(seed)
	logging.SynthDebug("Generation prompt for %s: %d bytes", seed.Step.Label(), len(userPrompt))

	resp, err := g.client.CompleteWithSystem(ctx, generationSystemPrompt, userPrompt)
	if err != nil {
		logging.Get(logging.CategorySynth).Error("Completion failed for %s: %v", seed.Step.Label(), err)
		return "", &types.GenerationError{Reason: "completion failed", Err: err}
	}

	code := ExtractCodeBlock(resp, "python")
	if code == "" {
		return "", &types.GenerationError{Reason: "completion carried no code"}
	}

	if err := g.checker.Check(code); err != nil {
		logging.Get(logging.CategorySynth).Warn("Rejected program for %s: %v", seed.Step.Label(), err)
		return "", &types.GenerationError{Reason: "generated program does not parse", Err: err}
	}

	logging.SynthDebug("Generated program for %s: %d bytes", seed.Step.Label(), len(code))
	return code, nil
}

var generationSystemPrompt = `You are a Python program generator for sandboxed experiment steps.
Each program you write runs exactly once, unattended, inside an isolated
container whose working directory is the experiment workspace.

REQUIREMENTS:
- Write one complete, runnable Python 3 program. No placeholders, no TODOs.
- Print progress to stdout as the program works; print failures to stderr.
- Write every output file to a workspace-relative path. Never use absolute paths.
- Exit 0 only when the step succeeded end to end; otherwise exit non-zero.
- Assume no network access unless the step says it is enabled.
- Use only the Python standard library plus the packages listed as available.

Respond with a single fenced python code block and nothing else.`

// buildGenerationPrompt renders the seed into the user prompt. Base
// sections always; repair and divergence sections only when the seed
// carries them.
func buildGenerationPrompt(seed types.GenerationSeed) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Write the Python program for the following experiment step.\n\n")
	fmt.Fprintf(&b, "--- STEP (%s) ---\n%s\n", seed.Step.Label(), seed.Step.Description)

	if seed.Step.Criteria != "" {
		fmt.Fprintf(&b, "\n--- ACCEPTANCE CRITERIA ---\n%s\n", seed.Step.Criteria)
	}
	if len(seed.Step.Artifacts) > 0 {
		b.WriteString("\n--- REQUIRED ARTIFACTS (workspace-relative, must be non-empty) ---\n")
		for _, a := range seed.Step.Artifacts {
			fmt.Fprintf(&b, "- %s\n", a)
		}
	}
	if len(seed.Requirements) > 0 {
		b.WriteString("\n--- AVAILABLE PACKAGES ---\n")
		for _, r := range seed.Requirements {
			fmt.Fprintf(&b, "- %s\n", r)
		}
	}
	if seed.Step.NeedsNetwork {
		b.WriteString("\nNetwork access is enabled for this step.\n")
	}

	if seed.SchemeHint != "" {
		fmt.Fprintf(&b, "\n--- APPROACH FOR THIS BRANCH ---\n%s\n", seed.SchemeHint)
		b.WriteString("The previous approach to this step was abandoned. Solve it this way instead.\n")
	}

	if len(seed.PriorAttempts) > 0 {
		b.WriteString("\n--- PREVIOUS ATTEMPTS (DO NOT REPEAT THESE MISTAKES) ---\n")
		for _, pa := range seed.PriorAttempts {
			fmt.Fprintf(&b, "Attempt %d exited with code %d.\n", pa.AttemptNumber, pa.ExitCode)
			if pa.StderrTail != "" {
				fmt.Fprintf(&b, "%s\n", pa.StderrTail)
			}
		}
	}
	if seed.PriorStderr != "" {
		fmt.Fprintf(&b, "\n--- STDERR FROM THE LAST RUN ---\n%s\n", tail(seed.PriorStderr, 2000))
	}
	if len(seed.PriorAttempts) > 0 || seed.PriorStderr != "" {
		b.WriteString("\nYour previous program for this step failed. Diagnose the failure from the evidence above and fix it; keep whatever already worked.\n")
	}

	if len(seed.FeedbackNotes) > 0 {
		b.WriteString("\n--- OPERATOR FEEDBACK ---\n")
		for _, note := range seed.FeedbackNotes {
			fmt.Fprintf(&b, "- %s\n", note)
		}
	}

	b.WriteString("\nGenerate the complete program now:")
	return b.String()
}

// ExtractCodeBlock pulls source out of a fenced LLM response.
// Language-tagged fences win over bare fences, and among candidates the
// largest block wins: repair responses sometimes quote small fragments
// before the actual program. A response with no fence at all is returned
// whole, trimmed; a response whose fences are all empty yields "".
func ExtractCodeBlock(text, language string) string {
	for _, marker := range []string{"```" + language, "```"} {
		if block := largestFencedBlock(text, marker); block != "" {
			return block
		}
	}
	if strings.Contains(text, "```") {
		return ""
	}
	return strings.TrimSpace(text)
}

// largestFencedBlock scans for fences opened by marker followed directly
// by a newline, so "```python" does not match "```pythonic" and the bare
// pass does not re-match tagged fences.
func largestFencedBlock(text, marker string) string {
	var best string
	rest := text
	for {
		idx := strings.Index(rest, marker)
		if idx == -1 {
			break
		}
		after := rest[idx+len(marker):]
		nl := strings.IndexByte(after, '\n')
		if nl == -1 {
			break
		}
		if strings.TrimRight(after[:nl], "\r") != "" {
			rest = after
			continue
		}
		body := after[nl+1:]
		end := strings.Index(body, "```")
		if end == -1 {
			break
		}
		if block := strings.TrimSpace(body[:end]); len(block) > len(best) {
			best = block
		}
		rest = body[end+3:]
	}
	return best
}

// tail keeps the last maxLen bytes of s. Stderr tails matter more than
// heads: Python tracebacks put the actual error on the final lines.
func tail(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return "..." + s[len(s)-maxLen+3:]
}
