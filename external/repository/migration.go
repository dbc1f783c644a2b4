package repository

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

var migrationStatements = []string{
	`DO $$ BEGIN CREATE TYPE session_status AS ENUM ('running', 'completed'); EXCEPTION WHEN duplicate_object THEN NULL; END $$`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		connection_id TEXT NOT NULL,
		session_target_id TEXT NOT NULL,
		language_code TEXT NOT NULL,
		target_language_code TEXT NOT NULL DEFAULT '',
		sample_rate_hz INTEGER NOT NULL,
		provider TEXT NOT NULL DEFAULT '',
		started_at TIMESTAMPTZ NOT NULL,
		ended_at TIMESTAMPTZ,
		status session_status NOT NULL DEFAULT 'running',
		stop_reason TEXT NOT NULL DEFAULT '',
		timezone TEXT NOT NULL DEFAULT '',
		duration_seconds BIGINT NOT NULL DEFAULT 0,
		segment_count INTEGER NOT NULL DEFAULT 0,
		transcript_text TEXT NOT NULL DEFAULT '',
		webhook_payload JSONB,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_target ON sessions (session_target_id, started_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_sessions_running ON sessions (status) WHERE status = 'running'`,
	`CREATE TABLE IF NOT EXISTS transcript_segments (
		id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL REFERENCES sessions(id) ON DELETE CASCADE,
		result_id TEXT NOT NULL DEFAULT '',
		segment_index INTEGER NOT NULL,
		content TEXT NOT NULL,
		start_ms BIGINT NOT NULL DEFAULT 0,
		end_ms BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE(session_id, segment_index)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transcript_segments_session ON transcript_segments (session_id, segment_index)`,
}

func RunMigration(ctx context.Context, pool *pgxpool.Pool) error {
	for _, s := range migrationStatements {
		stmt := strings.TrimSpace(s)
		if stmt == "" {
			continue
		}
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
