package sandbox

import (
	"context"
	"io"
)

// Runner is the interface for sandboxed script execution. Exactly one
// execution per Execute call; cancellation through the context forcibly
// terminates the running process, not just the caller-side wait.
type Runner interface {
	// Execute runs a command and returns a comprehensive result. A
	// non-nil error is returned only for invalid input; infrastructure
	// failures during execution are reported on the result as Crashed.
	Execute(ctx context.Context, cmd Command) (*ExecutionResult, error)

	// Capabilities returns what this runner supports.
	Capabilities() Capabilities

	// Validate checks whether a command can be executed by this runner.
	Validate(cmd Command) error
}

// AuditedRunner is a runner that emits execution lifecycle events.
type AuditedRunner interface {
	Runner

	// SetAuditCallback sets the callback for audit events.
	SetAuditCallback(callback func(AuditEvent))
}

// limitedWriter is an io.Writer that caps total bytes written and counts
// the overflow instead of failing the stream.
type limitedWriter struct {
	w         io.Writer
	max       int64
	written   int64
	truncated bool
	discarded int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)

	if lw.written >= lw.max {
		lw.truncated = true
		lw.discarded += int64(n)
		return n, nil // pretend we wrote it so the pipe stays open
	}

	remaining := lw.max - lw.written
	if int64(n) > remaining {
		kept := p[:remaining]
		if _, err := lw.w.Write(kept); err != nil {
			return 0, err
		}
		lw.written += remaining
		lw.truncated = true
		lw.discarded += int64(n) - remaining
		return n, nil
	}

	written, err := lw.w.Write(p)
	lw.written += int64(written)
	return n, err
}
