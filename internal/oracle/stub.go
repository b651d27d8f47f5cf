package oracle

import (
	"context"
	"fmt"
	"sync"
)

// defaultStubProgram is what the stub emits when no scripted responses
// are loaded, so offline dry runs still produce a runnable attempt.
const defaultStubProgram = "```python\nprint(\"stub attempt\")\n```"

// StubClient is a deterministic offline LLM transport. Responses are
// served from a script in order; when the script runs out the last entry
// repeats. Prompts are recorded for inspection.
type StubClient struct {
	mu        sync.Mutex
	responses []string
	calls     int

	// Err, when set, is returned by every call instead of a response.
	Err error

	// Prompts records every user prompt received, in order.
	Prompts []string
	// SystemPrompts records every system prompt received, in order.
	SystemPrompts []string
}

// NewStubClient creates a stub serving the given responses in order. With
// no arguments it always returns a minimal runnable program.
func NewStubClient(responses ...string) *StubClient {
	if len(responses) == 0 {
		responses = []string{defaultStubProgram}
	}
	return &StubClient{responses: responses}
}

// Complete serves the next scripted response.
func (c *StubClient) Complete(ctx context.Context, prompt string) (string, error) {
	return c.CompleteWithSystem(ctx, "", prompt)
}

// CompleteWithSystem serves the next scripted response, recording both
// prompts.
func (c *StubClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.Prompts = append(c.Prompts, userPrompt)
	c.SystemPrompts = append(c.SystemPrompts, systemPrompt)

	if c.Err != nil {
		return "", c.Err
	}
	if len(c.responses) == 0 {
		return "", fmt.Errorf("stub has no responses")
	}

	idx := c.calls
	if idx >= len(c.responses) {
		idx = len(c.responses) - 1
	}
	c.calls++
	return c.responses[idx], nil
}

// Calls reports how many completions were served.
func (c *StubClient) Calls() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}
