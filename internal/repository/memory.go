package repository

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mira/mira-back/internal/domain"
)

// MemoryStore keeps notes, queue rows and facts in memory for local
// development and tests. Row locks are emulated: ClaimBatch skips nothing
// because claims happen under the store mutex, and LockNote fails fast when
// another open transaction holds the note.
type MemoryStore struct {
	mu        sync.Mutex
	now       func() time.Time
	nextJobID int64
	jobs      map[int64]*domain.EnhancementJob
	notes     map[string]*domain.Note
	facts     map[string]*domain.MemoryFact
	noteLocks map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:       func() time.Time { return time.Now().UTC() },
		jobs:      make(map[int64]*domain.EnhancementJob),
		notes:     make(map[string]*domain.Note),
		facts:     make(map[string]*domain.MemoryFact),
		noteLocks: make(map[string]struct{}),
	}
}

// SetClock replaces the time source; tests use it to age rows.
func (s *MemoryStore) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

func (s *MemoryStore) PutNote(note *domain.Note) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notes[note.ID] = cloneNote(note)
}

func (s *MemoryStore) DeleteNote(noteID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.notes, noteID)
}

func (s *MemoryStore) PutFact(fact *domain.MemoryFact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.facts[fact.ID] = cloneFact(fact)
}

func (s *MemoryStore) GetFact(factID string) (*domain.MemoryFact, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fact, ok := s.facts[factID]
	if !ok {
		return nil, false
	}
	return cloneFact(fact), true
}

func (s *MemoryStore) CreateNoteWithJob(_ context.Context, note *domain.Note) (*domain.EnhancementJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	stored := cloneNote(note)
	stored.IsProcessing = true
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.notes[note.ID] = stored

	return s.enqueueLocked(note.ID, note.UserID, note.Content), nil
}

func (s *MemoryStore) GetNote(_ context.Context, noteID string) (*domain.Note, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	note, ok := s.notes[noteID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneNote(note), nil
}

func (s *MemoryStore) ClearNoteProcessing(_ context.Context, noteID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	note, ok := s.notes[noteID]
	if !ok {
		return ErrNotFound
	}
	note.IsProcessing = false
	note.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) GetJob(_ context.Context, jobID int64) (*domain.EnhancementJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[jobID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneJob(job), nil
}

func (s *MemoryStore) EnqueueJob(_ context.Context, noteID, userID, text string) (*domain.EnhancementJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enqueueLocked(noteID, userID, text), nil
}

func (s *MemoryStore) enqueueLocked(noteID, userID, text string) *domain.EnhancementJob {
	s.nextJobID++
	now := s.now()
	job := &domain.EnhancementJob{
		ID:        s.nextJobID,
		NoteID:    noteID,
		UserID:    userID,
		Text:      text,
		Status:    domain.JobStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.jobs[job.ID] = job
	return cloneJob(job)
}

func (s *MemoryStore) ClaimBatch(_ context.Context, limit int) ([]domain.EnhancementJob, error) {
	if limit <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	claimed := make([]domain.EnhancementJob, 0, limit)
	for _, id := range s.sortedJobIDs() {
		job := s.jobs[id]
		if job.Status != domain.JobStatusPending {
			continue
		}
		job.Status = domain.JobStatusProcessing
		startedAt := now
		job.StartedAt = &startedAt
		job.UpdatedAt = now
		claimed = append(claimed, *cloneJob(job))
		if len(claimed) == limit {
			break
		}
	}
	return claimed, nil
}

func (s *MemoryStore) RecoverStale(_ context.Context, olderThan time.Duration, message string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	cutoff := now.Add(-olderThan)
	recovered := 0
	for _, job := range s.jobs {
		if job.Status != domain.JobStatusProcessing || job.StartedAt == nil {
			continue
		}
		if !job.StartedAt.Before(cutoff) {
			continue
		}
		job.Status = domain.JobStatusPending
		job.RetryCount++
		msg := domain.TruncateError(message)
		job.ErrorMessage = &msg
		job.UpdatedAt = now
		recovered++
	}
	return recovered, nil
}

func (s *MemoryStore) MarkCompleted(_ context.Context, jobID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markCompletedLocked(jobID)
}

func (s *MemoryStore) markCompletedLocked(jobID int64) error {
	job, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	now := s.now()
	job.Status = domain.JobStatusCompleted
	job.CompletedAt = &now
	job.UpdatedAt = now
	return nil
}

func (s *MemoryStore) ReleaseJob(_ context.Context, jobID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return ErrNotFound
	}
	if job.Status != domain.JobStatusProcessing {
		return nil
	}
	job.Status = domain.JobStatusPending
	job.StartedAt = nil
	job.UpdatedAt = s.now()
	return nil
}

func (s *MemoryStore) MarkFailedOrRetry(
	_ context.Context,
	jobID int64,
	message string,
	maxRetries int,
) (domain.JobStatus, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, ok := s.jobs[jobID]
	if !ok {
		return "", 0, ErrNotFound
	}
	now := s.now()
	status, retryCount := NextStatus(job.RetryCount, maxRetries)
	job.Status = status
	job.RetryCount = retryCount
	msg := domain.TruncateError(message)
	job.ErrorMessage = &msg
	job.UpdatedAt = now
	if status == domain.JobStatusFailed {
		job.CompletedAt = &now
	}
	return status, retryCount, nil
}

func (s *MemoryStore) Stats(_ context.Context) (domain.QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var stats domain.QueueStats
	for _, job := range s.jobs {
		stats.Total++
		switch job.Status {
		case domain.JobStatusPending:
			stats.Pending++
			if stats.OldestPending == nil || job.CreatedAt.Before(*stats.OldestPending) {
				createdAt := job.CreatedAt
				stats.OldestPending = &createdAt
			}
		case domain.JobStatusProcessing:
			stats.Processing++
		case domain.JobStatusCompleted:
			stats.Completed++
		case domain.JobStatusFailed:
			stats.Failed++
		}
	}
	return stats, nil
}

func (s *MemoryStore) ListFailed(_ context.Context, limit int) ([]domain.EnhancementJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	ids := s.sortedJobIDs()
	failed := make([]domain.EnhancementJob, 0)
	for i := len(ids) - 1; i >= 0; i-- {
		job := s.jobs[ids[i]]
		if job.Status != domain.JobStatusFailed {
			continue
		}
		failed = append(failed, *cloneJob(job))
		if len(failed) == limit {
			break
		}
	}
	return failed, nil
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	tx := &memoryTx{store: s}
	defer tx.release()

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return tx.commit()
}

func (s *MemoryStore) SearchFacts(
	_ context.Context,
	userID string,
	keywords []string,
	limit int,
) ([]domain.MemoryFact, error) {
	if len(keywords) == 0 {
		return nil, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	matches := make([]domain.MemoryFact, 0)
	for _, fact := range s.facts {
		if fact.UserID != userID {
			continue
		}
		haystack := strings.ToLower(fact.Name + " " + string(fact.Metadata))
		for _, keyword := range keywords {
			if strings.Contains(haystack, keyword) {
				matches = append(matches, *cloneFact(fact))
				break
			}
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if matches[i].ExtractionConfidence == matches[j].ExtractionConfidence {
			return matches[i].ID < matches[j].ID
		}
		return matches[i].ExtractionConfidence > matches[j].ExtractionConfidence
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

func (s *MemoryStore) RecentFacts(
	_ context.Context,
	userID string,
	since time.Time,
	limit int,
) ([]domain.MemoryFact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	recent := make([]domain.MemoryFact, 0)
	for _, fact := range s.facts {
		if fact.UserID != userID || fact.LastAccessed == nil || fact.LastAccessed.Before(since) {
			continue
		}
		recent = append(recent, *cloneFact(fact))
	}
	sort.Slice(recent, func(i, j int) bool {
		return recent[i].LastAccessed.After(*recent[j].LastAccessed)
	})
	if limit > 0 && len(recent) > limit {
		recent = recent[:limit]
	}
	return recent, nil
}

func (s *MemoryStore) TouchFacts(_ context.Context, factIDs []string, staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	touched := 0
	for _, id := range factIDs {
		fact, ok := s.facts[id]
		if !ok {
			continue
		}
		if fact.LastAccessed != nil && !fact.LastAccessed.Before(staleBefore) {
			continue
		}
		accessed := now
		fact.LastAccessed = &accessed
		touched++
	}
	return touched, nil
}

func (s *MemoryStore) sortedJobIDs() []int64 {
	ids := make([]int64, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

type stagedEnhancement struct {
	noteID      string
	richContext json.RawMessage
}

// memoryTx stages writes and applies them on commit, so a failed job leaves
// no partial state behind.
type memoryTx struct {
	store        *MemoryStore
	lockedNotes  []string
	enhancements []stagedEnhancement
	completed    []int64
}

func (t *memoryTx) LockNote(_ context.Context, noteID string) (*domain.Note, error) {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	note, ok := t.store.notes[noteID]
	if !ok {
		return nil, ErrNotFound
	}
	for _, held := range t.lockedNotes {
		if held == noteID {
			return cloneNote(note), nil
		}
	}
	if _, held := t.store.noteLocks[noteID]; held {
		return nil, ErrNoteLocked
	}
	t.store.noteLocks[noteID] = struct{}{}
	t.lockedNotes = append(t.lockedNotes, noteID)
	return cloneNote(note), nil
}

func (t *memoryTx) SaveEnhancement(_ context.Context, noteID string, richContext json.RawMessage) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if _, ok := t.store.notes[noteID]; !ok {
		return ErrNotFound
	}
	t.enhancements = append(t.enhancements, stagedEnhancement{
		noteID:      noteID,
		richContext: append(json.RawMessage(nil), richContext...),
	})
	return nil
}

func (t *memoryTx) MarkCompleted(_ context.Context, jobID int64) error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	if _, ok := t.store.jobs[jobID]; !ok {
		return ErrNotFound
	}
	t.completed = append(t.completed, jobID)
	return nil
}

func (t *memoryTx) commit() error {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()

	now := t.store.now()
	for _, staged := range t.enhancements {
		note, ok := t.store.notes[staged.noteID]
		if !ok {
			return ErrNotFound
		}
		note.RichContext = staged.richContext
		note.AIEnhanced = true
		note.IsProcessing = false
		note.UpdatedAt = now
	}
	for _, jobID := range t.completed {
		if err := t.store.markCompletedLocked(jobID); err != nil {
			return err
		}
	}
	return nil
}

func (t *memoryTx) release() {
	t.store.mu.Lock()
	defer t.store.mu.Unlock()
	for _, noteID := range t.lockedNotes {
		delete(t.store.noteLocks, noteID)
	}
	t.lockedNotes = nil
}

func cloneJob(job *domain.EnhancementJob) *domain.EnhancementJob {
	if job == nil {
		return nil
	}
	clone := *job
	if job.ErrorMessage != nil {
		msg := *job.ErrorMessage
		clone.ErrorMessage = &msg
	}
	if job.StartedAt != nil {
		startedAt := *job.StartedAt
		clone.StartedAt = &startedAt
	}
	if job.CompletedAt != nil {
		completedAt := *job.CompletedAt
		clone.CompletedAt = &completedAt
	}
	return &clone
}

func cloneNote(note *domain.Note) *domain.Note {
	if note == nil {
		return nil
	}
	clone := *note
	clone.RichContext = append(json.RawMessage(nil), note.RichContext...)
	return &clone
}

func cloneFact(fact *domain.MemoryFact) *domain.MemoryFact {
	if fact == nil {
		return nil
	}
	clone := *fact
	clone.Metadata = append(json.RawMessage(nil), fact.Metadata...)
	if fact.LastAccessed != nil {
		accessed := *fact.LastAccessed
		clone.LastAccessed = &accessed
	}
	return &clone
}
