package types

import (
	"errors"
	"fmt"
)

// ErrorKind buckets every failure the exploration core can see. Local
// recovery (repair, retry) is attempted only for the transient and
// generation kinds; the rest propagate to the controller unchanged.
type ErrorKind string

const (
	KindTransientExecution ErrorKind = "transient_execution"
	KindGeneration         ErrorKind = "generation"
	KindEnvironmentFault   ErrorKind = "environment_fault"
	KindStoreCorruption    ErrorKind = "store_corruption"
	KindBudgetExhausted    ErrorKind = "budget_exhausted"
)

// Retryable reports whether the step executor may consume a retry ceiling
// slot on this kind instead of escalating.
func (k ErrorKind) Retryable() bool {
	return k == KindTransientExecution || k == KindGeneration
}

// TransientExecutionError wraps a recoverable sandbox fault: a timeout or
// a run that failed for reasons a regenerated program might fix.
type TransientExecutionError struct {
	Op  string
	Err error
}

func (e *TransientExecutionError) Error() string {
	return fmt.Sprintf("transient execution failure during %s: %v", e.Op, e.Err)
}

func (e *TransientExecutionError) Unwrap() error { return e.Err }

// GenerationError reports that the code-generation capability failed or
// returned unusable output. Consumes a retry slot; repeated failure
// exhausts the ceiling.
type GenerationError struct {
	Reason string
	Err    error
}

func (e *GenerationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("generation failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("generation failed: %s", e.Reason)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// EnvironmentFault reports that the isolation runtime itself is broken:
// daemon unreachable, image unpullable, container creation failed. Never
// retried by the engine; surfaced to the user as an ABORT.
type EnvironmentFault struct {
	Op  string
	Err error
}

func (e *EnvironmentFault) Error() string {
	return fmt.Sprintf("environment fault during %s: %v", e.Op, e.Err)
}

func (e *EnvironmentFault) Unwrap() error { return e.Err }

// StoreCorruptionError reports a violated atomicity invariant in the
// version store. Fatal for the whole experiment; the store is never
// auto-repaired.
type StoreCorruptionError struct {
	Detail string
	Err    error
}

func (e *StoreCorruptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("history store corrupted: %s: %v", e.Detail, e.Err)
	}
	return fmt.Sprintf("history store corrupted: %s", e.Detail)
}

func (e *StoreCorruptionError) Unwrap() error { return e.Err }

// BudgetExhaustedError reports that a hard exploration cap was hit. The
// experiment fails with this reason explicitly, never by silent truncation.
type BudgetExhaustedError struct {
	Resource string // "branches" or "attempts"
	Limit    int
}

func (e *BudgetExhaustedError) Error() string {
	return fmt.Sprintf("exploration budget exhausted: %s limit %d reached", e.Resource, e.Limit)
}

// KindOf classifies an error into the taxonomy. Returns the empty kind for
// errors outside it.
func KindOf(err error) ErrorKind {
	var (
		transient *TransientExecutionError
		gen       *GenerationError
		env       *EnvironmentFault
		corrupt   *StoreCorruptionError
		budget    *BudgetExhaustedError
	)
	switch {
	case errors.As(err, &transient):
		return KindTransientExecution
	case errors.As(err, &gen):
		return KindGeneration
	case errors.As(err, &env):
		return KindEnvironmentFault
	case errors.As(err, &corrupt):
		return KindStoreCorruption
	case errors.As(err, &budget):
		return KindBudgetExhausted
	}
	return ""
}
