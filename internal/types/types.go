// Package types holds the shared domain model for the experiment
// orchestration engine: plans, steps, attempt records, verdicts, and the
// capability interfaces consumed by the exploration core.
package types

import (
	"fmt"
	"time"
)

// StepKind distinguishes ordinary plan steps from the preparatory and
// concluding stages that flow through the same execution machinery.
type StepKind string

const (
	KindPlanStep StepKind = "step"
	KindDataPrep StepKind = "data_preparation"
	KindAnalysis StepKind = "analysis"
)

// Step is one unit of an experiment plan. Immutable once the experiment
// starts.
type Step struct {
	Index       int      `yaml:"index" json:"index"`
	Description string   `yaml:"description" json:"description"`
	RiskFlags   []string `yaml:"expected_risk_flags,omitempty" json:"expected_risk_flags,omitempty"`

	// Artifacts lists workspace-relative paths that must exist and be
	// non-empty for the step to be accepted.
	Artifacts []string `yaml:"artifacts,omitempty" json:"artifacts,omitempty"`

	// Criteria is the textual acceptance criteria handed to the judgment
	// capability alongside the execution evidence.
	Criteria string `yaml:"acceptance_criteria,omitempty" json:"acceptance_criteria,omitempty"`

	// NeedsNetwork opts the step's sandbox run into bridge networking.
	// Steps run with networking disabled unless they ask for it.
	NeedsNetwork bool `yaml:"needs_network,omitempty" json:"needs_network,omitempty"`

	Kind StepKind `yaml:"-" json:"kind,omitempty"`
}

// ScriptName returns the filename the generated program is written to
// inside the branch workspace. The source file is part of the committed
// snapshot, so the history tree carries the code that produced each result.
func (s Step) ScriptName() string {
	switch s.Kind {
	case KindDataPrep:
		return "setup_data.py"
	case KindAnalysis:
		return "final_analysis.py"
	default:
		return fmt.Sprintf("step_%d.py", s.Index)
	}
}

// Label is a short human-readable identifier used in logs and commit
// summaries.
func (s Step) Label() string {
	switch s.Kind {
	case KindDataPrep:
		return "data preparation"
	case KindAnalysis:
		return "final analysis"
	default:
		return fmt.Sprintf("step %d", s.Index)
	}
}

// Plan is an ordered experiment plan plus the optional preparatory and
// concluding stages. Immutable once an experiment starts.
type Plan struct {
	Title string `yaml:"title,omitempty" json:"title,omitempty"`

	// Requirements lists pip packages installed into the workspace during
	// the provisioning phase. Empty means no provisioning phase.
	Requirements []string `yaml:"requirements,omitempty" json:"requirements,omitempty"`

	DataPreparation *Step  `yaml:"data_preparation,omitempty" json:"data_preparation,omitempty"`
	Steps           []Step `yaml:"steps" json:"steps"`
	Analysis        *Step  `yaml:"analysis,omitempty" json:"analysis,omitempty"`
}

// Normalize assigns ordinal indexes and kinds to the plan's steps. Step
// indexes are 0-based positions in the plan regardless of what the plan
// file declared; the preparatory and concluding stages get sentinel
// indexes outside the plan range.
func (p *Plan) Normalize() {
	for i := range p.Steps {
		p.Steps[i].Index = i
		p.Steps[i].Kind = KindPlanStep
	}
	if p.DataPreparation != nil {
		p.DataPreparation.Index = -1
		p.DataPreparation.Kind = KindDataPrep
	}
	if p.Analysis != nil {
		p.Analysis.Index = len(p.Steps)
		p.Analysis.Kind = KindAnalysis
	}
}

// Validate reports every structural problem with the plan, not only the
// first one found.
func (p *Plan) Validate() error {
	var problems []string
	if len(p.Steps) == 0 {
		problems = append(problems, "plan has no steps")
	}
	for i, s := range p.Steps {
		if s.Description == "" {
			problems = append(problems, fmt.Sprintf("step %d has no description", i))
		}
	}
	if p.DataPreparation != nil && p.DataPreparation.Description == "" {
		problems = append(problems, "data_preparation has no description")
	}
	if p.Analysis != nil && p.Analysis.Description == "" {
		problems = append(problems, "analysis has no description")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid plan: %s", joinProblems(problems))
	}
	return nil
}

func joinProblems(problems []string) string {
	out := ""
	for i, p := range problems {
		if i > 0 {
			out += "; "
		}
		out += p
	}
	return out
}

// AttemptRecord captures one sandbox execution attempt. Append-only: one
// record per attempt, failed attempts included, so the history tree always
// explains why a path died.
type AttemptRecord struct {
	StepIndex     int           `json:"step_index"`
	AttemptNumber int           `json:"attempt_number"`
	CodeHash      string        `json:"code_hash"`
	CodePath      string        `json:"code_path,omitempty"`
	Stdout        string        `json:"stdout"`
	Stderr        string        `json:"stderr"`
	ExitCode      int           `json:"exit_code"`
	Duration      time.Duration `json:"duration"`
	Timestamp     time.Time     `json:"timestamp"`

	// Verdict is filled in by the evaluation gate after the attempt runs.
	Verdict Verdict `json:"verdict,omitempty"`

	// ErrorKind classifies the failure when the attempt did not produce a
	// clean execution (generation failure, timeout, environment fault).
	ErrorKind ErrorKind `json:"error_kind,omitempty"`

	TimedOut bool `json:"timed_out,omitempty"`
	Crashed  bool `json:"crashed,omitempty"`

	// RetryExhausted marks the terminal attempt of a spent retry ceiling.
	// The gate treats it as evidence for a DIVERGE decision.
	RetryExhausted bool `json:"retry_exhausted,omitempty"`

	// FilesChanged lists workspace-relative paths the artifact watcher saw
	// created or modified during the run. Best-effort observation.
	FilesChanged []string `json:"files_changed,omitempty"`
}

// Summary renders a one-line description for commit messages and logs.
func (a AttemptRecord) Summary() string {
	state := "ok"
	switch {
	case a.Crashed:
		state = "crashed"
	case a.TimedOut:
		state = "timed out"
	case a.ErrorKind == KindGeneration:
		state = "generation failed"
	case a.ExitCode != 0:
		state = fmt.Sprintf("exit %d", a.ExitCode)
	}
	return fmt.Sprintf("attempt %d: %s (%s)", a.AttemptNumber, state, a.Duration.Round(time.Millisecond))
}

// Judgment is the external judgment capability's assessment of an attempt.
// Advisory input to the evaluation gate; never authoritative alone when the
// attempt exited non-zero.
type Judgment struct {
	Pass      bool   `json:"pass"`
	Rationale string `json:"rationale"`
}

// PriorAttempt is the compressed form of an earlier failed attempt fed back
// to the generation capability so it can avoid repeating a failed scheme.
type PriorAttempt struct {
	AttemptNumber int    `json:"attempt_number"`
	CodeHash      string `json:"code_hash"`
	ExitCode      int    `json:"exit_code"`
	StderrTail    string `json:"stderr_tail"`
}

// GenerationSeed carries everything the code-generation capability is
// seeded with for one attempt. The step description always; the prior
// stderr and attempt history only on repair attempts; the scheme hint only
// on divergent branches.
type GenerationSeed struct {
	Step          Step
	SchemeHint    string
	PriorStderr   string
	PriorAttempts []PriorAttempt
	FeedbackNotes []string
	Requirements  []string
}
