package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mira/mira-back/internal/domain"
	"github.com/mira/mira-back/internal/policy"
	"github.com/mira/mira-back/internal/queue"
	"github.com/mira/mira-back/internal/repository"
)

const (
	DefaultFailedLimit = 50
	MaxFailedLimit     = 500

	operatorErrorLength = 200
)

// FailedJob is the operator view of a terminally failed job.
type FailedJob struct {
	JobID      int64     `json:"job_id"`
	NoteID     string    `json:"note_id"`
	UserID     string    `json:"user_id"`
	RetryCount int       `json:"retry_count"`
	Error      string    `json:"error"`
	FailedAt   time.Time `json:"failed_at"`
}

// NotesService is the note-creation side of the pipeline plus the queue
// queries operators need.
type NotesService struct {
	store repository.NoteStore
	queue *queue.Queue
}

func NewNotesService(store repository.NoteStore, q *queue.Queue) *NotesService {
	return &NotesService{store: store, queue: q}
}

// CreateNote stores the note with is_processing set and enqueues its
// enhancement job in the same transaction.
func (s *NotesService) CreateNote(ctx context.Context, userID, content string) (*domain.Note, *domain.EnhancementJob, error) {
	userID = strings.TrimSpace(userID)
	if err := policy.CheckNote(userID, content); err != nil {
		return nil, nil, err
	}

	note := &domain.Note{
		ID:           uuid.NewString(),
		UserID:       userID,
		Content:      content,
		IsProcessing: true,
	}
	job, err := s.store.CreateNoteWithJob(ctx, note)
	if err != nil {
		return nil, nil, fmt.Errorf("create note: %w", err)
	}

	slog.InfoContext(ctx, "note enqueued for enhancement",
		"note_id", note.ID,
		"job_id", job.ID,
		"user_id", userID)
	return note, job, nil
}

func (s *NotesService) GetNote(ctx context.Context, noteID string) (*domain.Note, error) {
	return s.store.GetNote(ctx, noteID)
}

func (s *NotesService) GetJob(ctx context.Context, jobID int64) (*domain.EnhancementJob, error) {
	return s.queue.Store().GetJob(ctx, jobID)
}

func (s *NotesService) QueueStats(ctx context.Context) (domain.QueueStats, error) {
	return s.queue.Stats(ctx)
}

// FailedJobs lists failed jobs newest first with error messages masked and
// truncated for display.
func (s *NotesService) FailedJobs(ctx context.Context, limit int) ([]FailedJob, error) {
	if limit <= 0 {
		limit = DefaultFailedLimit
	}
	if limit > MaxFailedLimit {
		limit = MaxFailedLimit
	}

	jobs, err := s.queue.Failed(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list failed jobs: %w", err)
	}

	failed := make([]FailedJob, 0, len(jobs))
	for _, job := range jobs {
		failedAt := job.UpdatedAt
		if job.CompletedAt != nil {
			failedAt = *job.CompletedAt
		}
		failed = append(failed, FailedJob{
			JobID:      job.ID,
			NoteID:     job.NoteID,
			UserID:     job.UserID,
			RetryCount: job.RetryCount,
			Error:      policy.OperatorError(job.ErrorMessage, operatorErrorLength),
			FailedAt:   failedAt,
		})
	}
	return failed, nil
}
