package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const openRouterBaseURL = "https://openrouter.ai/api/v1"

type OpenAIClientConfig struct {
	APIKey     string
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int

	// Headers are sent on every request, e.g. OpenRouter attribution.
	Headers map[string]string
}

// OpenAIClient talks to any OpenAI-compatible chat completions API.
type OpenAIClient struct {
	client openai.Client
	apiKey string
	policy retryPolicy
}

func NewOpenAIClient(config OpenAIClientConfig) *OpenAIClient {
	if config.Timeout <= 0 {
		config.Timeout = 15 * time.Second
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
	for key, value := range config.Headers {
		if strings.TrimSpace(value) != "" {
			opts = append(opts, option.WithHeader(key, value))
		}
	}

	return &OpenAIClient{
		client: openai.NewClient(opts...),
		apiKey: apiKey,
		policy: retryPolicy{maxRetries: config.MaxRetries, timeout: config.Timeout},
	}
}

type OpenRouterClientConfig struct {
	APIKey     string
	BaseURL    string
	Timeout    time.Duration
	MaxRetries int
	SiteURL    string
	AppName    string
}

// NewOpenRouterClient is an OpenAIClient pointed at OpenRouter.
func NewOpenRouterClient(config OpenRouterClientConfig) *OpenAIClient {
	if strings.TrimSpace(config.BaseURL) == "" {
		config.BaseURL = openRouterBaseURL
	}
	if strings.TrimSpace(config.AppName) == "" {
		config.AppName = "Mira"
	}
	return NewOpenAIClient(OpenAIClientConfig{
		APIKey:     config.APIKey,
		BaseURL:    config.BaseURL,
		Timeout:    config.Timeout,
		MaxRetries: config.MaxRetries,
		Headers: map[string]string{
			"HTTP-Referer": strings.TrimSpace(config.SiteURL),
			"X-Title":      strings.TrimSpace(config.AppName),
		},
	})
}

func (c *OpenAIClient) Available() bool {
	return c.apiKey != ""
}

func (c *OpenAIClient) Generate(ctx context.Context, request GenerateRequest) (GenerateResult, error) {
	if !c.Available() {
		return GenerateResult{}, ErrEngineUnavailable
	}
	if strings.TrimSpace(request.Model) == "" {
		return GenerateResult{}, errors.New("model is required")
	}
	if strings.TrimSpace(request.Input) == "" {
		return GenerateResult{}, errors.New("input is required")
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, 2)
	if strings.TrimSpace(request.Instructions) != "" {
		messages = append(messages, openai.SystemMessage(strings.TrimSpace(request.Instructions)))
	}
	messages = append(messages, openai.UserMessage(request.Input))

	params := openai.ChatCompletionNewParams{
		Model:       request.Model,
		Messages:    messages,
		Temperature: openai.Float(request.Temperature),
	}
	if request.MaxOutputTokens > 0 {
		params.MaxTokens = openai.Int(int64(request.MaxOutputTokens))
	}
	if request.Schema != nil {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONSchema: &openai.ResponseFormatJSONSchemaParam{
				JSONSchema: openai.ResponseFormatJSONSchemaJSONSchemaParam{
					Name:        firstNonEmpty(request.SchemaName, "response"),
					Description: openai.String("Structured note enhancement"),
					Schema:      request.Schema,
					Strict:      openai.Bool(true),
				},
			},
		}
	}

	return c.policy.generateWithRetry(ctx, func(ctx context.Context) (GenerateResult, error) {
		start := time.Now()
		resp, err := c.client.Chat.Completions.New(ctx, params)
		if err != nil {
			return GenerateResult{}, fmt.Errorf("openai chat: %w", err)
		}

		slog.DebugContext(ctx, "llm chat completed",
			"model", request.Model,
			"duration_ms", time.Since(start).Milliseconds(),
			"prompt_tokens", resp.Usage.PromptTokens,
			"completion_tokens", resp.Usage.CompletionTokens)

		if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
			return GenerateResult{}, errors.New("openai response without text output")
		}
		return GenerateResult{
			Text:    resp.Choices[0].Message.Content,
			ModelID: firstNonEmpty(resp.Model, request.Model),
			Usage: TokenUsage{
				InputTokens:  int(resp.Usage.PromptTokens),
				OutputTokens: int(resp.Usage.CompletionTokens),
				TotalTokens:  int(resp.Usage.TotalTokens),
			},
		}, nil
	})
}
