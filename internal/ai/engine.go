package ai

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/invopop/jsonschema"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/mira/mira-back/internal/domain"
	"github.com/mira/mira-back/internal/quality"
)

// Engine turns a note into a structured answer/task result.
type Engine interface {
	ProcessNote(ctx context.Context, userID, text string, opts Options) (domain.ReasoningResult, error)
}

type Options struct {
	IncludeContext bool
	SkipCache      bool
	// Context is the formatted memory block, used when IncludeContext is set.
	Context string
}

const promptVersion = "note_enhance_v2"

const instructions = `You enrich short personal notes. Reply with a single JSON object:
{"answer": string, "task": {"task": string, "timing_hint": string, "due_date": string, "details": string, "confidence": number}, "meta": {"confidence": number}}
"answer" is a brief, friendly reply to the note. When the note asks to remember or do something, fill "task" with a short imperative task name and any timing words from the note; otherwise leave task.task empty.
Confidence values are between 0 and 1. Output JSON only.`

type noteTaskOutput struct {
	Task       string  `json:"task" jsonschema:"description=Short imperative task name or empty when the note has no task"`
	TimingHint string  `json:"timing_hint" jsonschema:"description=Timing words from the note such as tomorrow or next week"`
	DueDate    string  `json:"due_date" jsonschema:"description=ISO date when the note names one"`
	Details    string  `json:"details"`
	Confidence float64 `json:"confidence" jsonschema:"description=Between 0 and 1"`
}

type noteMetaOutput struct {
	Confidence float64 `json:"confidence" jsonschema:"description=Between 0 and 1"`
}

type noteOutput struct {
	Answer string         `json:"answer" jsonschema:"description=Brief reply to the note"`
	Task   noteTaskOutput `json:"task"`
	Meta   noteMetaOutput `json:"meta"`
}

func generateSchema[T any]() any {
	reflector := jsonschema.Reflector{
		AllowAdditionalProperties: false,
		DoNotReference:            true,
	}
	var v T
	return reflector.Reflect(v)
}

var noteOutputSchema = generateSchema[noteOutput]()

type ReasoningEngineConfig struct {
	Generator TextGenerator
	Router    *ModelRouter
	// Limiter paces provider calls across all workers in the process.
	Limiter   *rate.Limiter
	Validator *quality.OutputValidator
}

// ReasoningEngine runs a note through an LLM provider, retrying once on the
// router's fallback model when the primary call or its output fails.
type ReasoningEngine struct {
	generator TextGenerator
	router    *ModelRouter
	limiter   *rate.Limiter
	validator *quality.OutputValidator
	tracer    trace.Tracer
}

func NewReasoningEngine(config ReasoningEngineConfig) *ReasoningEngine {
	if config.Router == nil {
		config.Router = NewModelRouter(ModelRouterConfig{})
	}
	if config.Validator == nil {
		config.Validator = quality.NewOutputValidator()
	}
	return &ReasoningEngine{
		generator: config.Generator,
		router:    config.Router,
		limiter:   config.Limiter,
		validator: config.Validator,
		tracer:    otel.Tracer("github.com/mira/mira-back/internal/ai"),
	}
}

func (e *ReasoningEngine) ProcessNote(
	ctx context.Context,
	userID, text string,
	opts Options,
) (domain.ReasoningResult, error) {
	if e.generator == nil || !e.generator.Available() {
		return domain.ReasoningResult{}, ErrEngineUnavailable
	}
	if strings.TrimSpace(text) == "" {
		return domain.ReasoningResult{}, errors.New("note text is required")
	}

	size := ClassifyNote(text)
	profile := e.router.Select(size)

	ctx, span := e.tracer.Start(ctx, "ai.process_note",
		trace.WithAttributes(
			attribute.String("user_id", userID),
			attribute.String("note_size", string(size)),
			attribute.Bool("include_context", opts.IncludeContext),
			attribute.String("prompt_version", promptVersion),
		))
	defer span.End()

	models := []string{profile.PrimaryModel}
	if profile.FallbackModel != "" && profile.FallbackModel != profile.PrimaryModel {
		models = append(models, profile.FallbackModel)
	}

	input := buildInput(text, opts)
	var lastErr error
	for index, model := range models {
		result, err := e.attempt(ctx, model, profile, input)
		if err == nil {
			span.SetAttributes(attribute.String("model", result.Meta.Model))
			return result, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		if index < len(models)-1 {
			slog.WarnContext(ctx, "primary model failed, trying fallback",
				"model", model,
				"fallback_model", models[index+1],
				"error", err)
		}
	}

	span.RecordError(lastErr)
	span.SetStatus(codes.Error, "reasoning failed")
	return domain.ReasoningResult{}, lastErr
}

func (e *ReasoningEngine) attempt(
	ctx context.Context,
	model string,
	profile ModelProfile,
	input string,
) (domain.ReasoningResult, error) {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return domain.ReasoningResult{}, fmt.Errorf("wait for llm rate limit: %w", err)
		}
	}

	start := time.Now()
	generated, err := e.generator.Generate(ctx, GenerateRequest{
		Model:           model,
		Instructions:    instructions,
		Input:           input,
		Temperature:     profile.Temperature,
		MaxOutputTokens: profile.MaxOutputTokens,
		SchemaName:      "note_enhancement",
		Schema:          noteOutputSchema,
	})
	if err != nil {
		return domain.ReasoningResult{}, fmt.Errorf("generate with %s: %w", model, err)
	}
	if quality.IsObviouslyBroken(generated.Text) {
		return domain.ReasoningResult{}, fmt.Errorf("model %s returned unusable output", model)
	}

	validation := e.validator.Validate(generated.Text)
	if !validation.Valid {
		return domain.ReasoningResult{}, fmt.Errorf("model %s: %w", model, validation.Err())
	}

	latency := float64(time.Since(start).Milliseconds())
	cached := false
	return toResult(validation.Sanitized, domain.ReasoningMeta{
		Confidence: validation.Sanitized.Meta.Confidence,
		LatencyMS:  &latency,
		Model:      firstNonEmpty(generated.ModelID, model),
		Cached:     &cached,
		TokenUsage: &domain.TokenUsage{
			InputTokens:  generated.Usage.InputTokens,
			OutputTokens: generated.Usage.OutputTokens,
			TotalTokens:  generated.Usage.TotalTokens,
		},
	}), nil
}

func buildInput(text string, opts Options) string {
	var builder strings.Builder
	if opts.IncludeContext && strings.TrimSpace(opts.Context) != "" {
		builder.WriteString(strings.TrimSpace(opts.Context))
		builder.WriteString("\n\n")
	}
	builder.WriteString("Note:\n")
	builder.WriteString(strings.TrimSpace(text))
	return builder.String()
}

func toResult(response *quality.Response, meta domain.ReasoningMeta) domain.ReasoningResult {
	result := domain.ReasoningResult{
		Answer: response.Answer,
		Tasks:  response.Tasks,
		Meta:   &meta,
	}
	if response.Task != nil && response.Task.Task != "" {
		task := *response.Task
		result.Task = &task
	}
	return result
}
