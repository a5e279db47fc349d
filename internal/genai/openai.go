// Package genai provides the OpenAI-backed provider implementation.
package genai

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/EduPipe/LeadPipe/internal/config"
)

// OpenAIProvider generates content through the OpenAI chat completion API.
type OpenAIProvider struct {
	name        string
	model       string
	client      openai.Client
	callTimeout time.Duration
}

// NewOpenAIProvider creates a provider from configuration. The API key is
// read from the configured environment variable, never from config files.
func NewOpenAIProvider(cfg config.ProviderConfig) (*OpenAIProvider, error) {
	keyEnv := cfg.APIKeyEnv
	if keyEnv == "" {
		keyEnv = "OPENAI_API_KEY"
	}
	apiKey := os.Getenv(keyEnv)
	if apiKey == "" {
		return nil, fmt.Errorf("%s not set", keyEnv)
	}

	model := cfg.Model
	if model == "" {
		model = openai.ChatModelGPT4oMini
	}
	timeout := cfg.CallTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	return &OpenAIProvider{
		name:        cfg.Name,
		model:       model,
		client:      openai.NewClient(option.WithAPIKey(apiKey)),
		callTimeout: timeout,
	}, nil
}

// Name returns the configured provider identifier.
func (p *OpenAIProvider) Name() string {
	return p.name
}

// Generate produces a chat completion for the request under the per-call timeout.
func (p *OpenAIProvider) Generate(ctx context.Context, req Request) (string, error) {
	cctx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()

	messages := []openai.ChatCompletionMessageParamUnion{}
	if req.System != "" {
		messages = append(messages, openai.SystemMessage(req.System))
	}
	for _, msg := range req.History {
		switch msg.Role {
		case "assistant":
			messages = append(messages, openai.AssistantMessage(msg.Content))
		default:
			messages = append(messages, openai.UserMessage(msg.Content))
		}
	}
	messages = append(messages, openai.UserMessage(req.User))

	resp, err := p.client.Chat.Completions.New(cctx, openai.ChatCompletionNewParams{
		Model:    p.model,
		Messages: messages,
	})
	if err != nil {
		slog.Error("OpenAI generation failed", "provider", p.name, "error", err)
		return "", fmt.Errorf("openai completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("openai returned no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

// Healthcheck issues a minimal completion to verify the provider answers.
func (p *OpenAIProvider) Healthcheck(ctx context.Context) bool {
	cctx, cancel := context.WithTimeout(ctx, p.callTimeout)
	defer cancel()

	_, err := p.client.Chat.Completions.New(cctx, openai.ChatCompletionNewParams{
		Model:    p.model,
		Messages: []openai.ChatCompletionMessageParamUnion{openai.UserMessage("ping")},
	})
	if err != nil {
		slog.Debug("OpenAI healthcheck failed", "provider", p.name, "error", err)
		return false
	}
	return true
}
