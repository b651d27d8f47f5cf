package sandbox

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"explab/internal/logging"
)

// Router dispatches commands to runtime-specific runners. A command asking
// for a runtime that has no registered runner gets a crashed result rather
// than a silent fallback: running untrusted code outside the isolation the
// caller asked for is never acceptable.
type Router struct {
	mu sync.RWMutex

	runners map[RuntimeKind]Runner
	config  RunnerConfig

	auditCallback func(AuditEvent)
}

// NewRouter creates a router with default configuration. The process runner
// is always registered; Docker is registered when the daemon responds.
func NewRouter() *Router {
	return NewRouterWithConfig(DefaultRunnerConfig())
}

// NewRouterWithConfig creates a router with custom configuration.
func NewRouterWithConfig(config RunnerConfig) *Router {
	rt := &Router{
		config:  config,
		runners: make(map[RuntimeKind]Runner),
	}

	rt.runners[RuntimeProcess] = NewProcessRunnerWithConfig(config)

	docker := NewDockerRunnerWithConfig(config)
	if docker.IsAvailable() {
		rt.runners[RuntimeDocker] = docker
	} else {
		logging.SandboxWarn("docker unavailable; only process runtime registered")
	}

	return rt
}

// Register installs a runner for a runtime, replacing any existing one.
func (rt *Router) Register(kind RuntimeKind, runner Runner) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.runners[kind] = runner
}

// Available reports the registered runtimes in stable order.
func (rt *Router) Available() []RuntimeKind {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	kinds := make([]RuntimeKind, 0, len(rt.runners))
	for kind := range rt.runners {
		kinds = append(kinds, kind)
	}
	sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
	return kinds
}

// SetAuditCallback sets the callback for audit events on all runners.
func (rt *Router) SetAuditCallback(callback func(AuditEvent)) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	rt.auditCallback = callback

	for _, runner := range rt.runners {
		if audited, ok := runner.(interface{ SetAuditCallback(func(AuditEvent)) }); ok {
			audited.SetAuditCallback(callback)
		}
	}
}

// Capabilities returns the combined capabilities of all registered runners.
func (rt *Router) Capabilities() Capabilities {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	caps := Capabilities{
		Name:              "router",
		SupportedRuntimes: make([]RuntimeKind, 0, len(rt.runners)),
		DefaultTimeout:    rt.config.DefaultTimeout,
		MaxTimeout:        rt.config.MaxTimeout,
	}

	for kind := range rt.runners {
		caps.SupportedRuntimes = append(caps.SupportedRuntimes, kind)
	}
	sort.Slice(caps.SupportedRuntimes, func(i, j int) bool {
		return caps.SupportedRuntimes[i] < caps.SupportedRuntimes[j]
	})

	for _, runner := range rt.runners {
		rc := runner.Capabilities()
		if rc.SupportsResourceLimits {
			caps.SupportsResourceLimits = true
		}
		if rc.SupportsNetworkControl {
			caps.SupportsNetworkControl = true
		}
	}

	return caps
}

// Validate checks whether a command can be executed by some registered runner.
func (rt *Router) Validate(cmd Command) error {
	runner, kind := rt.runnerFor(cmd)
	if runner == nil {
		return fmt.Errorf("no runner registered for runtime %q (available: %v)", kind, rt.Available())
	}
	return runner.Validate(cmd)
}

// Execute routes the command to its runtime's runner.
func (rt *Router) Execute(ctx context.Context, cmd Command) (*ExecutionResult, error) {
	runner, kind := rt.runnerFor(cmd)
	if runner == nil {
		now := time.Now()
		result := &ExecutionResult{
			ExitCode:    -1,
			Crashed:     true,
			Error:       fmt.Sprintf("runtime %q is not available on this host (available: %v)", kind, rt.Available()),
			RuntimeUsed: kind,
			StartedAt:   now,
			FinishedAt:  now,
			Command:     &cmd,
		}
		logging.SandboxError("no runner for runtime %q", kind)
		rt.emitAudit(AuditEvent{
			Type:       AuditEventError,
			Timestamp:  now,
			Command:    cmd,
			Result:     result,
			RunnerName: "router",
		})
		return result, nil
	}

	return runner.Execute(ctx, cmd)
}

func (rt *Router) emitAudit(event AuditEvent) {
	rt.mu.RLock()
	callback := rt.auditCallback
	rt.mu.RUnlock()

	if callback != nil {
		callback(event)
	}
}

// runnerFor resolves the command's requested runtime and looks up its runner.
func (rt *Router) runnerFor(cmd Command) (Runner, RuntimeKind) {
	rt.mu.RLock()
	defer rt.mu.RUnlock()

	kind := RuntimeDocker
	if rt.config.DefaultIsolation != nil && rt.config.DefaultIsolation.Runtime != "" {
		kind = rt.config.DefaultIsolation.Runtime
	}
	if cmd.Isolation != nil && cmd.Isolation.Runtime != "" {
		kind = cmd.Isolation.Runtime
	}

	return rt.runners[kind], kind
}
