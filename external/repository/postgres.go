package repository

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/xid"

	"github.com/eumlab/speechbridge/internal/repository"
)

type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) repository.Repository {
	return &PostgresRepository{pool: pool}
}

func (r *PostgresRepository) CreateSession(ctx context.Context, input repository.CreateSessionInput) (*repository.Session, error) {
	row := r.pool.QueryRow(ctx,
		`INSERT INTO sessions (id, connection_id, session_target_id, language_code, target_language_code, sample_rate_hz, provider, started_at, status)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 'running')
		 RETURNING id, started_at, ended_at, status, created_at, updated_at`,
		xid.New().String(), input.ConnectionID, input.SessionTargetID, input.LanguageCode, input.TargetLanguageCode,
		input.SampleRateHz, input.Provider, input.StartedAt)

	s := repository.Session{
		ConnectionID:       input.ConnectionID,
		SessionTargetID:    input.SessionTargetID,
		LanguageCode:       input.LanguageCode,
		TargetLanguageCode: input.TargetLanguageCode,
		SampleRateHz:       input.SampleRateHz,
		Provider:           input.Provider,
	}
	var endedAt *time.Time
	if err := row.Scan(&s.ID, &s.StartedAt, &endedAt, &s.Status, &s.CreatedAt, &s.UpdatedAt); err != nil {
		return nil, err
	}
	s.EndedAt = endedAt
	return &s, nil
}

func (r *PostgresRepository) CompleteSession(ctx context.Context, input repository.CompleteSessionInput) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE sessions SET status = 'completed', ended_at = $2, stop_reason = $3, updated_at = NOW()
		 WHERE id = $1`,
		input.SessionID, input.EndedAt, input.StopReason)
	return err
}

func (r *PostgresRepository) SaveSessionOutput(ctx context.Context, input repository.SaveSessionOutputInput) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE sessions SET
			ended_at = $2,
			stop_reason = $3,
			timezone = $4,
			duration_seconds = $5,
			segment_count = $6,
			transcript_text = $7,
			webhook_payload = $8,
			updated_at = NOW()
		 WHERE id = $1`,
		input.SessionID, input.EndedAt, input.StopReason, input.Timezone,
		input.DurationSeconds, input.SegmentCount, input.TranscriptText, input.WebhookPayloadJSON)
	return err
}

func (r *PostgresRepository) MarkOrphanSessionsCompleted(ctx context.Context, reason string) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`UPDATE sessions SET status = 'completed', ended_at = NOW(), stop_reason = $1, updated_at = NOW()
		 WHERE status = 'running'`,
		reason)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// SaveSegments writes one flush batch with COPY. The statement is atomic, so
// a failed batch leaves no partial rows and is safe to retry as a whole.
func (r *PostgresRepository) SaveSegments(ctx context.Context, sessionID string, segments []repository.SegmentRecord) error {
	if len(segments) == 0 {
		return nil
	}
	rows := make([][]any, len(segments))
	for i, seg := range segments {
		rows[i] = []any{xid.New().String(), sessionID, seg.ResultID, seg.SegmentIndex, seg.Content, seg.StartMS, seg.EndMS}
	}
	_, err := r.pool.CopyFrom(ctx,
		pgx.Identifier{"transcript_segments"},
		[]string{"id", "session_id", "result_id", "segment_index", "content", "start_ms", "end_ms"},
		pgx.CopyFromRows(rows))
	return err
}

func (r *PostgresRepository) ListSegmentsBySessionID(ctx context.Context, sessionID string) ([]repository.TranscriptSegment, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT id, session_id, result_id, segment_index, content, start_ms, end_ms, created_at
		 FROM transcript_segments WHERE session_id = $1 ORDER BY segment_index ASC`,
		sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []repository.TranscriptSegment
	for rows.Next() {
		var seg repository.TranscriptSegment
		if err := rows.Scan(&seg.ID, &seg.SessionID, &seg.ResultID, &seg.SegmentIndex, &seg.Content, &seg.StartMS, &seg.EndMS, &seg.CreatedAt); err != nil {
			return nil, err
		}
		list = append(list, seg)
	}
	return list, rows.Err()
}
