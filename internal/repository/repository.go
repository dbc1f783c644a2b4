package repository

import (
	"context"
	"time"
)

type CreateSessionInput struct {
	ConnectionID       string
	SessionTargetID    string
	LanguageCode       string
	TargetLanguageCode string
	SampleRateHz       int
	Provider           string
	StartedAt          time.Time
}

type CompleteSessionInput struct {
	SessionID  string
	EndedAt    time.Time
	StopReason string
}

type SaveSessionOutputInput struct {
	SessionID          string
	EndedAt            time.Time
	StopReason         string
	Timezone           string
	DurationSeconds    int64
	SegmentCount       int
	TranscriptText     string
	WebhookPayloadJSON []byte
}

// SegmentRecord is one final transcript segment queued for a batch write.
type SegmentRecord struct {
	ResultID     string
	SegmentIndex int
	Content      string
	StartMS      int64
	EndMS        int64
}

type SessionRepository interface {
	CreateSession(ctx context.Context, input CreateSessionInput) (*Session, error)
	CompleteSession(ctx context.Context, input CompleteSessionInput) error
	SaveSessionOutput(ctx context.Context, input SaveSessionOutputInput) error
	// MarkOrphanSessionsCompleted closes sessions left running by an unclean
	// shutdown. It returns how many rows were closed.
	MarkOrphanSessionsCompleted(ctx context.Context, reason string) (int64, error)
}

type TranscriptRepository interface {
	SaveSegments(ctx context.Context, sessionID string, segments []SegmentRecord) error
	ListSegmentsBySessionID(ctx context.Context, sessionID string) ([]TranscriptSegment, error)
}

type Repository interface {
	SessionRepository
	TranscriptRepository
}
