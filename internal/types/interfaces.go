package types

import (
	"context"
)

// LLMClient is the transport-level interface to a language model provider.
// Implementations live in the oracle package; tests supply deterministic
// stubs.
type LLMClient interface {
	Complete(ctx context.Context, prompt string) (string, error)
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// CodeGenerator is the external code-generation capability. Given a seed
// (step description, prior error output, attempt history) it returns
// runnable source text. Failures surface as *GenerationError.
type CodeGenerator interface {
	GenerateProgram(ctx context.Context, seed GenerationSeed) (string, error)
}

// JudgmentProvider is the external judgment capability consulted by the
// evaluation gate. Advisory: the gate combines it with mechanical evidence
// and never lets it alone justify acceptance of a failed run.
type JudgmentProvider interface {
	Judge(ctx context.Context, step Step, attempt AttemptRecord) (Judgment, error)
}
