package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mira/mira-back/internal/domain"
)

// SQLSTATE lock_not_available, raised by FOR UPDATE NOWAIT.
const pgLockNotAvailable = "55P03"

type PostgresConfig struct {
	DatabaseURL string
	MaxConns    int32
	MinConns    int32
}

type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse pg config: %w", err)
	}
	// every job in a batch holds its own connection for the whole transaction
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	} else {
		poolCfg.MaxConns = 10
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (s *PostgresStore) Close() {
	s.pool.Close()
}

const jobColumns = `id, note_id, user_id, text, status, retry_count, error_message, started_at, completed_at, created_at, updated_at`

const noteColumns = `id, user_id, content, ai_enhanced, rich_context, is_processing, created_at, updated_at`

const factColumns = `id, user_id, name, type, metadata, extraction_confidence, last_accessed, created_at`

func (s *PostgresStore) CreateNoteWithJob(ctx context.Context, note *domain.Note) (*domain.EnhancementJob, error) {
	var job *domain.EnhancementJob
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			INSERT INTO notes (id, user_id, content, ai_enhanced, is_processing, created_at, updated_at)
			VALUES ($1, $2, $3, false, true, now(), now())
		`, note.ID, note.UserID, note.Content); err != nil {
			return fmt.Errorf("insert note: %w", err)
		}

		row := tx.QueryRow(ctx, `
			INSERT INTO enhancement_queue (note_id, user_id, text, status, retry_count, created_at, updated_at)
			VALUES ($1, $2, $3, 'pending', 0, now(), now())
			RETURNING `+jobColumns,
			note.ID, note.UserID, note.Content,
		)
		created, err := scanJob(row)
		if err != nil {
			return fmt.Errorf("insert queue job: %w", err)
		}
		job = created
		return nil
	})
	if err != nil {
		return nil, err
	}
	return job, nil
}

func (s *PostgresStore) GetNote(ctx context.Context, noteID string) (*domain.Note, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+noteColumns+` FROM notes WHERE id = $1`, noteID)
	note, err := scanNote(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query note: %w", err)
	}
	return note, nil
}

func (s *PostgresStore) ClearNoteProcessing(ctx context.Context, noteID string) error {
	command, err := s.pool.Exec(ctx, `
		UPDATE notes SET is_processing = false, updated_at = now() WHERE id = $1
	`, noteID)
	if err != nil {
		return fmt.Errorf("clear note processing: %w", err)
	}
	if command.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID int64) (*domain.EnhancementJob, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM enhancement_queue WHERE id = $1`, jobID)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) EnqueueJob(ctx context.Context, noteID, userID, text string) (*domain.EnhancementJob, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO enhancement_queue (note_id, user_id, text, status, retry_count, created_at, updated_at)
		VALUES ($1, $2, $3, 'pending', 0, now(), now())
		RETURNING `+jobColumns,
		noteID, userID, text,
	)
	job, err := scanJob(row)
	if err != nil {
		return nil, fmt.Errorf("insert queue job: %w", err)
	}
	return job, nil
}

func (s *PostgresStore) ClaimBatch(ctx context.Context, limit int) ([]domain.EnhancementJob, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		UPDATE enhancement_queue
		SET status = 'processing', started_at = now(), updated_at = now()
		WHERE id IN (
			SELECT id FROM enhancement_queue
			WHERE status = 'pending'
			ORDER BY id
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, fmt.Errorf("claim batch: %w", err)
	}
	// RETURNING order is unspecified
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
	return jobs, nil
}

func (s *PostgresStore) RecoverStale(ctx context.Context, olderThan time.Duration, message string) (int, error) {
	command, err := s.pool.Exec(ctx, `
		UPDATE enhancement_queue
		SET status = 'pending',
			retry_count = retry_count + 1,
			error_message = $2,
			updated_at = now()
		WHERE status = 'processing'
		  AND started_at < now() - make_interval(secs => $1)
	`, olderThan.Seconds(), domain.TruncateError(message))
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs: %w", err)
	}
	return int(command.RowsAffected()), nil
}

func (s *PostgresStore) MarkCompleted(ctx context.Context, jobID int64) error {
	return markCompleted(ctx, s.pool, jobID)
}

func (s *PostgresStore) ReleaseJob(ctx context.Context, jobID int64) error {
	command, err := s.pool.Exec(ctx, `
		UPDATE enhancement_queue
		SET status = 'pending', started_at = NULL, updated_at = now()
		WHERE id = $1 AND status = 'processing'
	`, jobID)
	if err != nil {
		return fmt.Errorf("release job: %w", err)
	}
	if command.RowsAffected() == 0 {
		var exists bool
		if err := s.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM enhancement_queue WHERE id = $1)`, jobID).Scan(&exists); err != nil {
			return fmt.Errorf("release job: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
	}
	return nil
}

func (s *PostgresStore) MarkFailedOrRetry(
	ctx context.Context,
	jobID int64,
	message string,
	maxRetries int,
) (domain.JobStatus, int, error) {
	var (
		status     string
		retryCount int
	)
	err := s.pool.QueryRow(ctx, `
		UPDATE enhancement_queue
		SET retry_count = retry_count + 1,
			status = CASE WHEN retry_count + 1 > $3 THEN 'failed' ELSE 'pending' END,
			completed_at = CASE WHEN retry_count + 1 > $3 THEN now() ELSE completed_at END,
			error_message = $2,
			updated_at = now()
		WHERE id = $1
		RETURNING status, retry_count
	`, jobID, domain.TruncateError(message), maxRetries).Scan(&status, &retryCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", 0, ErrNotFound
		}
		return "", 0, fmt.Errorf("mark failed or retry: %w", err)
	}
	return domain.JobStatus(status), retryCount, nil
}

func (s *PostgresStore) Stats(ctx context.Context) (domain.QueueStats, error) {
	var stats domain.QueueStats
	rows, err := s.pool.Query(ctx, `SELECT status, count(*) FROM enhancement_queue GROUP BY status`)
	if err != nil {
		return stats, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return stats, fmt.Errorf("scan queue stats: %w", err)
		}
		stats.Total += count
		switch domain.JobStatus(status) {
		case domain.JobStatusPending:
			stats.Pending = count
		case domain.JobStatusProcessing:
			stats.Processing = count
		case domain.JobStatusCompleted:
			stats.Completed = count
		case domain.JobStatusFailed:
			stats.Failed = count
		}
	}
	if rows.Err() != nil {
		return stats, fmt.Errorf("iterate queue stats: %w", rows.Err())
	}

	if err := s.pool.QueryRow(ctx, `
		SELECT min(created_at) FROM enhancement_queue WHERE status = 'pending'
	`).Scan(&stats.OldestPending); err != nil {
		return stats, fmt.Errorf("oldest pending: %w", err)
	}
	return stats, nil
}

func (s *PostgresStore) ListFailed(ctx context.Context, limit int) ([]domain.EnhancementJob, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM enhancement_queue
		WHERE status = 'failed'
		ORDER BY id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list failed jobs: %w", err)
	}
	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, fmt.Errorf("list failed jobs: %w", err)
	}
	return jobs, nil
}

// WithTx runs fn on a dedicated connection. Returning an error rolls back.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&postgresTx{tx: tx})
	})
}

func (s *PostgresStore) SearchFacts(
	ctx context.Context,
	userID string,
	keywords []string,
	limit int,
) ([]domain.MemoryFact, error) {
	if len(keywords) == 0 {
		return nil, nil
	}
	patterns := make([]string, 0, len(keywords))
	for _, keyword := range keywords {
		patterns = append(patterns, "%"+keyword+"%")
	}

	rows, err := s.pool.Query(ctx, `
		SELECT `+factColumns+`
		FROM memory_facts
		WHERE user_id = $1
		  AND (lower(name) LIKE ANY($2) OR lower(coalesce(metadata::text, '')) LIKE ANY($2))
		ORDER BY extraction_confidence DESC, id
		LIMIT $3
	`, userID, patterns, limit)
	if err != nil {
		return nil, fmt.Errorf("search facts: %w", err)
	}
	return collectFacts(rows)
}

func (s *PostgresStore) RecentFacts(
	ctx context.Context,
	userID string,
	since time.Time,
	limit int,
) ([]domain.MemoryFact, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+factColumns+`
		FROM memory_facts
		WHERE user_id = $1 AND last_accessed >= $2
		ORDER BY last_accessed DESC
		LIMIT $3
	`, userID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("recent facts: %w", err)
	}
	return collectFacts(rows)
}

func (s *PostgresStore) TouchFacts(ctx context.Context, factIDs []string, staleBefore time.Time) (int, error) {
	if len(factIDs) == 0 {
		return 0, nil
	}
	command, err := s.pool.Exec(ctx, `
		UPDATE memory_facts
		SET last_accessed = now()
		WHERE id = ANY($1)
		  AND (last_accessed IS NULL OR last_accessed < $2)
	`, factIDs, staleBefore)
	if err != nil {
		return 0, fmt.Errorf("touch facts: %w", err)
	}
	return int(command.RowsAffected()), nil
}

type postgresTx struct {
	tx pgx.Tx
}

func (t *postgresTx) LockNote(ctx context.Context, noteID string) (*domain.Note, error) {
	row := t.tx.QueryRow(ctx, `SELECT `+noteColumns+` FROM notes WHERE id = $1 FOR UPDATE NOWAIT`, noteID)
	note, err := scanNote(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgLockNotAvailable {
			return nil, ErrNoteLocked
		}
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("lock note: %w", err)
	}
	return note, nil
}

func (t *postgresTx) SaveEnhancement(ctx context.Context, noteID string, richContext json.RawMessage) error {
	command, err := t.tx.Exec(ctx, `
		UPDATE notes
		SET rich_context = $2, ai_enhanced = true, is_processing = false, updated_at = now()
		WHERE id = $1
	`, noteID, []byte(richContext))
	if err != nil {
		return fmt.Errorf("save enhancement: %w", err)
	}
	if command.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (t *postgresTx) MarkCompleted(ctx context.Context, jobID int64) error {
	return markCompleted(ctx, t.tx, jobID)
}

type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

func markCompleted(ctx context.Context, db execer, jobID int64) error {
	command, err := db.Exec(ctx, `
		UPDATE enhancement_queue
		SET status = 'completed', completed_at = now(), updated_at = now()
		WHERE id = $1
	`, jobID)
	if err != nil {
		return fmt.Errorf("mark completed: %w", err)
	}
	if command.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanJob(row pgx.Row) (*domain.EnhancementJob, error) {
	var (
		job    domain.EnhancementJob
		status string
	)
	err := row.Scan(
		&job.ID,
		&job.NoteID,
		&job.UserID,
		&job.Text,
		&status,
		&job.RetryCount,
		&job.ErrorMessage,
		&job.StartedAt,
		&job.CompletedAt,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	job.Status = domain.JobStatus(status)
	return &job, nil
}

func collectJobs(rows pgx.Rows) ([]domain.EnhancementJob, error) {
	defer rows.Close()
	jobs := make([]domain.EnhancementJob, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *job)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate jobs: %w", rows.Err())
	}
	return jobs, nil
}

func scanNote(row pgx.Row) (*domain.Note, error) {
	var (
		note        domain.Note
		richContext []byte
	)
	err := row.Scan(
		&note.ID,
		&note.UserID,
		&note.Content,
		&note.AIEnhanced,
		&richContext,
		&note.IsProcessing,
		&note.CreatedAt,
		&note.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	note.RichContext = json.RawMessage(richContext)
	return &note, nil
}

func collectFacts(rows pgx.Rows) ([]domain.MemoryFact, error) {
	defer rows.Close()
	facts := make([]domain.MemoryFact, 0)
	for rows.Next() {
		var (
			fact     domain.MemoryFact
			metadata []byte
		)
		if err := rows.Scan(
			&fact.ID,
			&fact.UserID,
			&fact.Name,
			&fact.Type,
			&metadata,
			&fact.ExtractionConfidence,
			&fact.LastAccessed,
			&fact.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		fact.Metadata = json.RawMessage(metadata)
		facts = append(facts, fact)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate facts: %w", rows.Err())
	}
	return facts, nil
}
