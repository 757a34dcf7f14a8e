package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

type AnthropicClientConfig struct {
	APIKey     string
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
}

type AnthropicClient struct {
	client anthropic.Client
	apiKey string
	policy retryPolicy
}

func NewAnthropicClient(config AnthropicClientConfig) *AnthropicClient {
	if config.Timeout <= 0 {
		config.Timeout = 20 * time.Second
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 2
	}

	apiKey := strings.TrimSpace(config.APIKey)
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if strings.TrimSpace(config.BaseURL) != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSuffix(config.BaseURL, "/")+"/"))
	}

	return &AnthropicClient{
		client: anthropic.NewClient(opts...),
		apiKey: apiKey,
		policy: retryPolicy{maxRetries: config.MaxRetries, timeout: config.Timeout},
	}
}

func (c *AnthropicClient) Available() bool {
	return c.apiKey != ""
}

// Generate ignores request.Schema; the instructions carry the JSON contract.
func (c *AnthropicClient) Generate(ctx context.Context, request GenerateRequest) (GenerateResult, error) {
	if !c.Available() {
		return GenerateResult{}, ErrEngineUnavailable
	}
	if strings.TrimSpace(request.Model) == "" {
		return GenerateResult{}, errors.New("model is required")
	}
	if strings.TrimSpace(request.Input) == "" {
		return GenerateResult{}, errors.New("input is required")
	}

	maxTokens := request.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = 1024
	}
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(request.Model),
		MaxTokens: int64(maxTokens),
		Messages: []anthropic.MessageParam{{
			Role:    anthropic.MessageParamRoleUser,
			Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(request.Input)},
		}},
		Temperature: anthropic.Float(request.Temperature),
	}
	if instructions := strings.TrimSpace(request.Instructions); instructions != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: instructions}}
	}

	return c.policy.generateWithRetry(ctx, func(ctx context.Context) (GenerateResult, error) {
		start := time.Now()
		resp, err := c.client.Messages.New(ctx, params)
		if err != nil {
			return GenerateResult{}, fmt.Errorf("anthropic messages: %w", err)
		}

		slog.DebugContext(ctx, "llm chat completed",
			"model", request.Model,
			"duration_ms", time.Since(start).Milliseconds(),
			"input_tokens", resp.Usage.InputTokens,
			"output_tokens", resp.Usage.OutputTokens,
			"stop_reason", resp.StopReason)

		var text strings.Builder
		for _, block := range resp.Content {
			if block.Type == "text" {
				text.WriteString(block.Text)
			}
		}
		if strings.TrimSpace(text.String()) == "" {
			return GenerateResult{}, errors.New("anthropic response without text output")
		}

		input := int(resp.Usage.InputTokens)
		output := int(resp.Usage.OutputTokens)
		return GenerateResult{
			Text:    text.String(),
			ModelID: firstNonEmpty(string(resp.Model), request.Model),
			Usage: TokenUsage{
				InputTokens:  input,
				OutputTokens: output,
				TotalTokens:  input + output,
			},
		}, nil
	})
}
