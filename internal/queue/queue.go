package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mira/mira-back/internal/domain"
	"github.com/mira/mira-back/internal/repository"
)

const (
	DefaultMaxRetries = 3
	DefaultStaleAfter = 10 * time.Minute
)

type Config struct {
	MaxRetries int
	StaleAfter time.Duration
}

// Queue is the enhancement job queue. Storage does the locking; Queue owns
// the retry budget and the cleanup that goes with a terminal failure.
type Queue struct {
	store      repository.Store
	maxRetries int
	staleAfter time.Duration
}

func New(store repository.Store, cfg Config) *Queue {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	return &Queue{
		store:      store,
		maxRetries: cfg.MaxRetries,
		staleAfter: cfg.StaleAfter,
	}
}

func (q *Queue) MaxRetries() int {
	return q.maxRetries
}

func (q *Queue) Store() repository.Store {
	return q.store
}

func (q *Queue) Enqueue(ctx context.Context, noteID, userID, text string) (*domain.EnhancementJob, error) {
	job, err := q.store.EnqueueJob(ctx, noteID, userID, text)
	if err != nil {
		return nil, fmt.Errorf("enqueue note %s: %w", noteID, err)
	}
	return job, nil
}

// Claim moves up to n pending jobs to processing, oldest id first.
func (q *Queue) Claim(ctx context.Context, n int) ([]domain.EnhancementJob, error) {
	jobs, err := q.store.ClaimBatch(ctx, n)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	return jobs, nil
}

// RecoverStale returns jobs abandoned in processing by a crashed worker to
// pending, charging one retry each.
func (q *Queue) RecoverStale(ctx context.Context) (int, error) {
	message := fmt.Sprintf("recovered after worker crash: processing exceeded %s", q.staleAfter)
	recovered, err := q.store.RecoverStale(ctx, q.staleAfter, message)
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs: %w", err)
	}
	if recovered > 0 {
		slog.WarnContext(ctx, "recovered stale jobs",
			"count", recovered,
			"stale_after", q.staleAfter)
	}
	return recovered, nil
}

func (q *Queue) Complete(ctx context.Context, jobID int64) error {
	if err := q.store.MarkCompleted(ctx, jobID); err != nil {
		return fmt.Errorf("mark job %d completed: %w", jobID, err)
	}
	return nil
}

// Release hands a job back to the queue untouched; used when another worker
// already holds the note.
func (q *Queue) Release(ctx context.Context, jobID int64) error {
	if err := q.store.ReleaseJob(ctx, jobID); err != nil {
		return fmt.Errorf("release job %d: %w", jobID, err)
	}
	return nil
}

// Fail charges one retry to the job. When the budget is exhausted the job
// becomes terminally failed and the note's processing flag is cleared.
// Cleanup problems are logged, never returned.
func (q *Queue) Fail(ctx context.Context, job domain.EnhancementJob, cause error) domain.JobStatus {
	message := "unknown error"
	if cause != nil {
		message = cause.Error()
	}

	status, retryCount, err := q.store.MarkFailedOrRetry(ctx, job.ID, message, q.maxRetries)
	if err != nil {
		slog.ErrorContext(ctx, "failed to record job failure",
			"error", err,
			"cause", message)
		return ""
	}

	if status != domain.JobStatusFailed {
		slog.WarnContext(ctx, "job scheduled for retry",
			"retry_count", retryCount,
			"max_retries", q.maxRetries,
			"error", message)
		return status
	}

	slog.ErrorContext(ctx, "job permanently failed",
		"retry_count", retryCount,
		"error", domain.Truncate(message, 200))
	if err := q.store.ClearNoteProcessing(ctx, job.NoteID); err != nil && !errors.Is(err, repository.ErrNotFound) {
		slog.ErrorContext(ctx, "failed to clear note processing flag", "error", err)
	}
	return status
}

func (q *Queue) Stats(ctx context.Context) (domain.QueueStats, error) {
	return q.store.Stats(ctx)
}

func (q *Queue) Failed(ctx context.Context, limit int) ([]domain.EnhancementJob, error) {
	return q.store.ListFailed(ctx, limit)
}
