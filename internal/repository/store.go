package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/mira/mira-back/internal/domain"
)

var (
	ErrNotFound = errors.New("resource not found")
	// ErrNoteLocked means another transaction holds the note row lock.
	ErrNoteLocked = errors.New("note is locked by another worker")
)

// Tx is the set of writes that must commit atomically for one job.
type Tx interface {
	// LockNote takes an exclusive row lock without waiting.
	LockNote(ctx context.Context, noteID string) (*domain.Note, error)
	SaveEnhancement(ctx context.Context, noteID string, richContext json.RawMessage) error
	MarkCompleted(ctx context.Context, jobID int64) error
}

// QueueStore abstracts the enhancement queue table.
type QueueStore interface {
	GetJob(ctx context.Context, jobID int64) (*domain.EnhancementJob, error)
	EnqueueJob(ctx context.Context, noteID, userID, text string) (*domain.EnhancementJob, error)
	ClaimBatch(ctx context.Context, limit int) ([]domain.EnhancementJob, error)
	RecoverStale(ctx context.Context, olderThan time.Duration, message string) (int, error)
	MarkCompleted(ctx context.Context, jobID int64) error
	// ReleaseJob returns a processing job to pending without charging a retry.
	ReleaseJob(ctx context.Context, jobID int64) error
	MarkFailedOrRetry(ctx context.Context, jobID int64, message string, maxRetries int) (domain.JobStatus, int, error)
	Stats(ctx context.Context) (domain.QueueStats, error)
	ListFailed(ctx context.Context, limit int) ([]domain.EnhancementJob, error)
	WithTx(ctx context.Context, fn func(tx Tx) error) error
}

type NoteStore interface {
	CreateNoteWithJob(ctx context.Context, note *domain.Note) (*domain.EnhancementJob, error)
	GetNote(ctx context.Context, noteID string) (*domain.Note, error)
	ClearNoteProcessing(ctx context.Context, noteID string) error
}

type FactStore interface {
	SearchFacts(ctx context.Context, userID string, keywords []string, limit int) ([]domain.MemoryFact, error)
	RecentFacts(ctx context.Context, userID string, since time.Time, limit int) ([]domain.MemoryFact, error)
	TouchFacts(ctx context.Context, factIDs []string, staleBefore time.Time) (int, error)
}

type Store interface {
	QueueStore
	NoteStore
	FactStore
}

// NextStatus applies the retry budget to a job that just failed.
func NextStatus(retryCount, maxRetries int) (domain.JobStatus, int) {
	next := retryCount + 1
	if next > maxRetries {
		return domain.JobStatusFailed, next
	}
	return domain.JobStatusPending, next
}
