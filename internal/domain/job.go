package domain

import (
	"encoding/json"
	"time"
	"unicode/utf8"
)

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusProcessing, JobStatusCompleted, JobStatusFailed:
		return true
	default:
		return false
	}
}

// MaxErrorMessageLength bounds error_message on queue rows.
const MaxErrorMessageLength = 500

// EnhancementJob is one row of the enhancement queue.
// Text is a snapshot of the note content taken at enqueue time.
type EnhancementJob struct {
	ID           int64
	NoteID       string
	UserID       string
	Text         string
	Status       JobStatus
	RetryCount   int
	ErrorMessage *string
	StartedAt    *time.Time
	CompletedAt  *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Note is owned by the note-creation collaborator; the pipeline only
// writes the enhancement columns.
type Note struct {
	ID           string
	UserID       string
	Content      string
	AIEnhanced   bool
	RichContext  json.RawMessage
	IsProcessing bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type QueueStats struct {
	Pending       int
	Processing    int
	Completed     int
	Failed        int
	Total         int
	OldestPending *time.Time
}

func TruncateError(message string) string {
	return Truncate(message, MaxErrorMessageLength)
}

func Truncate(value string, maxLen int) string {
	if maxLen <= 0 || len(value) <= maxLen {
		return value
	}
	cut := value[:maxLen]
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut + "..."
}
