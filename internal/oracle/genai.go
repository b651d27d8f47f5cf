package oracle

import (
	"context"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"explab/internal/config"
	"explab/internal/logging"
)

// GenAIClient talks to Gemini through the official SDK. Preferred
// transport; the REST client exists for environments where the SDK's
// auth plumbing gets in the way.
type GenAIClient struct {
	client          *genai.Client
	model           string
	temperature     float32
	maxOutputTokens int32
	timeout         time.Duration
}

// NewGenAIClient creates the SDK-backed client.
func NewGenAIClient(cfg config.LLMConfig) (*GenAIClient, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("genai provider requires an API key (set EXPLAB_API_KEY or GEMINI_API_KEY)")
	}
	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = "gemini-2.5-flash"
	}

	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}

	maxTokens := cfg.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}

	return &GenAIClient{
		client:          client,
		model:           model,
		temperature:     float32(cfg.Temperature),
		maxOutputTokens: int32(maxTokens),
		timeout:         callTimeout(cfg),
	}, nil
}

// Complete sends a prompt and returns the completion.
func (c *GenAIClient) Complete(ctx context.Context, prompt string) (string, error) {
	return c.CompleteWithSystem(ctx, "", prompt)
}

// CompleteWithSystem sends a prompt with a system message.
func (c *GenAIClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	startTime := time.Now()
	logging.OracleDebug("[genai] model=%s system_len=%d user_len=%d", c.model, len(systemPrompt), len(userPrompt))

	contents := []*genai.Content{
		genai.NewContentFromText(userPrompt, genai.RoleUser),
	}
	temperature := c.temperature
	genCfg := &genai.GenerateContentConfig{
		Temperature:     &temperature,
		MaxOutputTokens: c.maxOutputTokens,
	}
	if systemPrompt != "" {
		genCfg.SystemInstruction = genai.NewContentFromText(systemPrompt, genai.RoleUser)
	}

	result, err := c.client.Models.GenerateContent(ctx, c.model, contents, genCfg)
	if err != nil {
		logging.OracleError("[genai] request failed after %v: %v", time.Since(startTime), err)
		return "", fmt.Errorf("genai request failed: %w", err)
	}

	var builder strings.Builder
	for _, candidate := range result.Candidates {
		if candidate.Content == nil {
			continue
		}
		for _, part := range candidate.Content.Parts {
			// Thought parts are the model's reasoning, not the answer.
			if part.Thought || part.Text == "" {
				continue
			}
			builder.WriteString(part.Text)
		}
		break
	}

	response := strings.TrimSpace(builder.String())
	if response == "" {
		return "", fmt.Errorf("no completion returned")
	}

	logging.Oracle("[genai] completed in %v response_len=%d", time.Since(startTime), len(response))
	return response, nil
}

// Model returns the configured model name.
func (c *GenAIClient) Model() string {
	return c.model
}
