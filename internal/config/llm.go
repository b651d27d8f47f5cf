package config

// LLM provider names accepted in config.
const (
	ProviderGenAI = "genai"  // official Gemini SDK
	ProviderREST  = "gemini" // raw REST transport
	ProviderStub  = "stub"   // deterministic offline stub, tests and dry runs
)

// LLMConfig configures the generation and judgment capability transport.
type LLMConfig struct {
	Provider string `yaml:"provider"` // genai, gemini, stub
	APIKey   string `yaml:"api_key,omitempty"`
	Model    string `yaml:"model"`
	BaseURL  string `yaml:"base_url,omitempty"`
	Timeout  string `yaml:"timeout"`

	// Temperature for generation calls. Judgment calls always run at 0.
	Temperature float64 `yaml:"temperature"`

	MaxOutputTokens int `yaml:"max_output_tokens"`
}

// DefaultLLMConfig returns the default LLM settings.
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		Provider:        ProviderGenAI,
		Model:           "gemini-2.5-flash",
		Timeout:         "120s",
		Temperature:     0.4,
		MaxOutputTokens: 8192,
	}
}
