package config

// ExplorationConfig holds the retry ceilings, budgets, and scheduling
// policy for the exploration controller. Everything here is a hard limit:
// exceeding a budget fails the experiment explicitly, never silently.
type ExplorationConfig struct {
	// RetryCeiling bounds repair attempts per step within one branch.
	RetryCeiling int `yaml:"retry_ceiling"`

	// MaxBranches caps total branches including the root.
	MaxBranches int `yaml:"max_branches"`

	// MaxAttempts caps total execution attempts across the experiment.
	MaxAttempts int `yaml:"max_attempts"`

	// Parallelism is the number of frontier entries executed
	// concurrently. 1 means pure depth-first order.
	Parallelism int `yaml:"parallelism"`

	// StopOnFirstSuccess ends the experiment at the first COMPLETED
	// branch instead of draining the whole frontier.
	StopOnFirstSuccess bool `yaml:"stop_on_first_success"`

	// ProvisionRetries bounds requirement-repair attempts during the
	// environment provisioning phase.
	ProvisionRetries int `yaml:"provision_retries"`
}

// DefaultExplorationConfig returns the default exploration settings:
// three repairs per step, one divergence beyond the root, depth-first.
func DefaultExplorationConfig() ExplorationConfig {
	return ExplorationConfig{
		RetryCeiling:       3,
		MaxBranches:        2,
		MaxAttempts:        30,
		Parallelism:        1,
		StopOnFirstSuccess: true,
		ProvisionRetries:   3,
	}
}
