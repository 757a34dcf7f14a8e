package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/mira/mira-back/internal/ai"
	"github.com/mira/mira-back/internal/domain"
	"github.com/mira/mira-back/internal/logger"
	"github.com/mira/mira-back/internal/memory"
	"github.com/mira/mira-back/internal/progress"
	"github.com/mira/mira-back/internal/quality"
	"github.com/mira/mira-back/internal/queue"
	"github.com/mira/mira-back/internal/repository"
)

const (
	DefaultPollInterval = 3 * time.Second
	DefaultBatchSize    = 5

	FallbackAnswer     = "I couldn't fully understand this note. Could you add a bit more detail?"
	FallbackConfidence = 0.3
)

type Config struct {
	PollInterval time.Duration
	BatchSize    int
	// StrictSchema aborts a job when the validator rejects the reasoning
	// result. When off, the fallback answer is stored instead.
	StrictSchema bool
	// ID identifies this worker in logs. Generated when empty.
	ID string
}

// Validator is satisfied by *quality.OutputValidator.
type Validator interface {
	Validate(raw string) quality.Validation
}

type Deps struct {
	Queue     *queue.Queue
	Engine    ai.Engine
	Facts     *memory.Retriever
	Validator Validator
	Events    progress.Emitter
}

type Outcome string

const (
	OutcomeCompleted       Outcome = "completed"
	OutcomeAlreadyEnhanced Outcome = "already_enhanced"
	OutcomeLocked          Outcome = "locked"
	OutcomeRetry           Outcome = "retry"
	OutcomeFailed          Outcome = "failed"
)

// Worker polls the enhancement queue and drives each claimed job through
// memory retrieval, reasoning, validation and persistence.
type Worker struct {
	queue     *queue.Queue
	store     repository.Store
	engine    ai.Engine
	facts     *memory.Retriever
	validator Validator
	events    progress.Emitter
	cfg       Config
	tracer    trace.Tracer

	running   atomic.Bool
	stopOnce  sync.Once
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

func New(deps Deps, cfg Config) (*Worker, error) {
	if deps.Queue == nil {
		return nil, errors.New("worker: queue is required")
	}
	if deps.Engine == nil {
		return nil, errors.New("worker: reasoning engine is required")
	}
	if deps.Validator == nil {
		deps.Validator = quality.NewOutputValidator()
	}
	if deps.Events == nil {
		deps.Events = progress.Nop{}
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}

	return &Worker{
		queue:     deps.Queue,
		store:     deps.Queue.Store(),
		engine:    deps.Engine,
		facts:     deps.Facts,
		validator: deps.Validator,
		events:    deps.Events,
		cfg:       cfg,
		tracer:    otel.Tracer("github.com/mira/mira-back/internal/worker"),
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}, nil
}

// Run recovers stale jobs once, then polls until ctx is cancelled or Stop
// is called. A batch in flight always finishes; its jobs do not observe
// the cancellation of ctx.
func (w *Worker) Run(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return errors.New("worker already running")
	}
	defer close(w.stoppedCh)

	ctx = logger.WithLogFields(ctx, logger.LogFields{
		WorkerID:  logger.Ptr(w.cfg.ID),
		Component: "mira.worker",
	})
	slog.InfoContext(ctx, "worker started",
		"poll_interval", w.cfg.PollInterval,
		"batch_size", w.cfg.BatchSize,
		"strict_schema", w.cfg.StrictSchema)

	if _, err := w.queue.RecoverStale(ctx); err != nil {
		slog.ErrorContext(ctx, "stale job recovery failed", "error", err)
	}

	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "worker stopping", "reason", "context cancelled")
			return nil
		case <-w.stopCh:
			slog.InfoContext(ctx, "worker stopping", "reason", "stop requested")
			return nil
		default:
		}

		if _, err := w.ProcessBatch(ctx); err != nil {
			slog.ErrorContext(ctx, "batch processing error", "error", err)
		}

		select {
		case <-ctx.Done():
		case <-w.stopCh:
		case <-ticker.C:
		}
	}
}

// Stop ends the polling loop and waits for the current batch to finish.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	if w.running.Load() {
		<-w.stoppedCh
	}
}

// ProcessBatch claims up to BatchSize jobs and processes them concurrently.
func (w *Worker) ProcessBatch(ctx context.Context) (map[int64]Outcome, error) {
	jobs, err := w.queue.Claim(ctx, w.cfg.BatchSize)
	if err != nil {
		return nil, err
	}
	if len(jobs) == 0 {
		return nil, nil
	}
	slog.DebugContext(ctx, "claimed jobs", "count", len(jobs))

	jobCtx := context.WithoutCancel(ctx)
	outcomes := make(map[int64]Outcome, len(jobs))
	var mu sync.Mutex

	var g errgroup.Group
	g.SetLimit(w.cfg.BatchSize)
	for _, job := range jobs {
		g.Go(func() error {
			outcome := w.processSafe(jobCtx, job)
			mu.Lock()
			outcomes[job.ID] = outcome
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return outcomes, nil
}

func (w *Worker) processSafe(ctx context.Context, job domain.EnhancementJob) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			slog.ErrorContext(ctx, "panic recovered in job processing",
				"panic", r,
				"job_id", job.ID,
				"note_id", job.NoteID)
			outcome = w.handleFailure(ctx, job, fmt.Errorf("panic: %v", r))
		}
	}()
	return w.ProcessJob(ctx, job)
}

// ProcessJob runs one claimed job inside a single transaction. Errors never
// escape: they are turned into a retry or a terminal failure.
func (w *Worker) ProcessJob(ctx context.Context, job domain.EnhancementJob) Outcome {
	ctx = logger.WithLogFields(ctx, logger.LogFields{
		JobID:  logger.Ptr(job.ID),
		NoteID: logger.Ptr(job.NoteID),
		UserID: logger.Ptr(job.UserID),
	})
	ctx, span := w.tracer.Start(ctx, "worker.process_job",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.Int64("job_id", job.ID),
			attribute.String("note_id", job.NoteID),
			attribute.Int("retry_count", job.RetryCount),
		))
	defer span.End()

	start := time.Now()
	alreadyEnhanced, err := w.enhance(ctx, job)

	switch {
	case errors.Is(err, repository.ErrNoteLocked):
		slog.InfoContext(ctx, "note locked by another worker, skipping")
		span.SetAttributes(attribute.String("outcome", string(OutcomeLocked)))
		if releaseErr := w.queue.Release(ctx, job.ID); releaseErr != nil {
			slog.WarnContext(ctx, "failed to release skipped job", "error", releaseErr)
		}
		return OutcomeLocked
	case err != nil:
		span.RecordError(err)
		span.SetStatus(codes.Error, "job failed")
		return w.handleFailure(ctx, job, err)
	case alreadyEnhanced:
		slog.InfoContext(ctx, "note already enhanced, job completed as no-op")
		w.emit(ctx, job.NoteID, progress.EventComplete, progress.StageComplete, "Note was already enhanced")
		return OutcomeAlreadyEnhanced
	}

	elapsed := time.Since(start).Milliseconds()
	slog.InfoContext(ctx, "job completed", "elapsed_ms", elapsed)
	w.emit(ctx, job.NoteID, progress.EventComplete, progress.StageComplete,
		fmt.Sprintf("Enhancement complete in %dms", elapsed))
	return OutcomeCompleted
}

func (w *Worker) enhance(ctx context.Context, job domain.EnhancementJob) (bool, error) {
	alreadyEnhanced := false

	err := w.store.WithTx(ctx, func(tx repository.Tx) error {
		note, err := tx.LockNote(ctx, job.NoteID)
		if errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("note %s no longer exists: %w", job.NoteID, err)
		}
		if err != nil {
			return err
		}

		if note.AIEnhanced {
			alreadyEnhanced = true
			return tx.MarkCompleted(ctx, job.ID)
		}

		w.emit(ctx, job.NoteID, progress.EventProgress, progress.StageMemory, "Looking through your memories")
		memoryContext := w.retrieveContext(ctx, job)

		w.emit(ctx, job.NoteID, progress.EventProgress, progress.StageReasoning, "Thinking about your note")
		result, err := w.engine.ProcessNote(ctx, job.UserID, job.Text, ai.Options{
			IncludeContext: memoryContext != "",
			Context:        memoryContext,
		})
		if err != nil {
			return fmt.Errorf("reasoning engine: %w", err)
		}
		guardAnswer(&result)

		w.emit(ctx, job.NoteID, progress.EventProgress, progress.StageValidation, "Checking the response")
		richContext, err := w.validate(ctx, result)
		if err != nil {
			return err
		}

		w.emit(ctx, job.NoteID, progress.EventProgress, progress.StageSaving, "Saving enhancement")
		if err := tx.SaveEnhancement(ctx, note.ID, richContext); err != nil {
			return fmt.Errorf("save enhancement: %w", err)
		}
		if err := tx.MarkCompleted(ctx, job.ID); err != nil {
			return fmt.Errorf("mark job completed: %w", err)
		}
		return nil
	})
	return alreadyEnhanced, err
}

// retrieveContext degrades to no context when fact lookup fails.
func (w *Worker) retrieveContext(ctx context.Context, job domain.EnhancementJob) string {
	if w.facts == nil {
		return ""
	}
	facts, err := w.facts.Retrieve(ctx, job.UserID, job.Text)
	if err != nil {
		slog.WarnContext(ctx, "memory retrieval failed, continuing without context", "error", err)
		return ""
	}
	slog.DebugContext(ctx, "retrieved memory facts", "count", len(facts))
	return memory.FormatContext(facts, memory.DefaultContextTokens)
}

func (w *Worker) validate(ctx context.Context, result domain.ReasoningResult) (json.RawMessage, error) {
	encoded, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("encode reasoning result: %w", err)
	}

	validation := w.validator.Validate(string(encoded))
	if validation.Valid {
		if validation.Salvaged {
			slog.WarnContext(ctx, "reasoning result salvaged", "errors", validation.Errors)
		}
		return validation.JSON()
	}

	if w.cfg.StrictSchema {
		return nil, validation.Err()
	}
	slog.WarnContext(ctx, "reasoning result rejected, storing fallback answer", "errors", validation.Errors)
	fallback, err := json.Marshal(quality.Response{
		Answer: FallbackAnswer,
		Meta:   domain.ReasoningMeta{Confidence: FallbackConfidence},
	})
	if err != nil {
		return nil, fmt.Errorf("encode fallback response: %w", err)
	}
	return fallback, nil
}

func (w *Worker) handleFailure(ctx context.Context, job domain.EnhancementJob, cause error) Outcome {
	slog.ErrorContext(ctx, "job processing failed", "error", cause)

	if w.queue.Fail(ctx, job, cause) == domain.JobStatusFailed {
		w.emit(ctx, job.NoteID, progress.EventError, progress.StageFailed,
			domain.Truncate("Enhancement failed: "+cause.Error(), 200))
		return OutcomeFailed
	}
	w.emit(ctx, job.NoteID, progress.EventError, progress.StageRetry,
		domain.Truncate("Enhancement failed, will retry: "+cause.Error(), 200))
	return OutcomeRetry
}

func (w *Worker) emit(ctx context.Context, noteID string, eventType progress.EventType, stage, message string) {
	err := w.events.Emit(ctx, noteID, progress.Event{
		Type:    eventType,
		Stage:   stage,
		Message: message,
	})
	if err != nil {
		slog.DebugContext(ctx, "progress event not delivered", "stage", stage, "error", err)
	}
}

// guardAnswer replaces a missing or non-string answer with a clarifying
// fallback at low confidence.
func guardAnswer(result *domain.ReasoningResult) {
	if _, ok := result.AnswerText(); ok {
		return
	}
	result.Answer = FallbackAnswer
	if result.Meta == nil {
		result.Meta = &domain.ReasoningMeta{}
	}
	result.Meta.Confidence = FallbackConfidence
}
