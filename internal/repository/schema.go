package repository

import (
	"context"
	"fmt"
)

const schema = `
CREATE TABLE IF NOT EXISTS notes (
	id            TEXT PRIMARY KEY,
	user_id       TEXT NOT NULL,
	content       TEXT NOT NULL,
	ai_enhanced   BOOLEAN NOT NULL DEFAULT false,
	rich_context  JSONB,
	is_processing BOOLEAN NOT NULL DEFAULT false,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS enhancement_queue (
	id            BIGSERIAL PRIMARY KEY,
	note_id       TEXT NOT NULL,
	user_id       TEXT NOT NULL,
	text          TEXT NOT NULL,
	status        TEXT NOT NULL DEFAULT 'pending'
		CHECK (status IN ('pending', 'processing', 'completed', 'failed')),
	retry_count   INTEGER NOT NULL DEFAULT 0,
	error_message TEXT,
	started_at    TIMESTAMPTZ,
	completed_at  TIMESTAMPTZ,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS enhancement_queue_pending_idx
	ON enhancement_queue (id) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS enhancement_queue_processing_idx
	ON enhancement_queue (started_at) WHERE status = 'processing';

CREATE TABLE IF NOT EXISTS memory_facts (
	id                    TEXT PRIMARY KEY,
	user_id               TEXT NOT NULL,
	name                  TEXT NOT NULL,
	type                  TEXT NOT NULL DEFAULT '',
	metadata              JSONB,
	extraction_confidence DOUBLE PRECISION NOT NULL DEFAULT 0.5
		CHECK (extraction_confidence >= 0 AND extraction_confidence <= 1),
	last_accessed         TIMESTAMPTZ,
	created_at            TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS memory_facts_user_idx ON memory_facts (user_id, last_accessed DESC);
`

// Migrate creates the tables the pipeline needs. Safe to run repeatedly.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
