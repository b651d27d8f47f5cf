// Package oracle provides the external LLM capabilities behind the
// engine's capability interfaces: the generation transport used by the
// synthesizer and the judgment provider consulted by the evaluation gate.
// Two transports are available (the official Gemini SDK and a raw REST
// client) plus a deterministic stub for tests and offline dry runs.
package oracle

import (
	"fmt"
	"time"

	"explab/internal/config"
	"explab/internal/types"
)

// NewClient builds the LLM transport selected by the config.
func NewClient(cfg config.LLMConfig) (types.LLMClient, error) {
	switch cfg.Provider {
	case config.ProviderGenAI:
		return NewGenAIClient(cfg)
	case config.ProviderREST:
		return NewRESTClient(cfg), nil
	case config.ProviderStub:
		return NewStubClient(), nil
	default:
		return nil, fmt.Errorf("unknown llm provider: %s (valid: %s, %s, %s)",
			cfg.Provider, config.ProviderGenAI, config.ProviderREST, config.ProviderStub)
	}
}

func callTimeout(cfg config.LLMConfig) time.Duration {
	if cfg.Timeout == "" {
		return 120 * time.Second
	}
	d, err := time.ParseDuration(cfg.Timeout)
	if err != nil {
		return 120 * time.Second
	}
	return d
}
