package repository

import "time"

type SessionStatus string

const (
	SessionStatusRunning   SessionStatus = "running"
	SessionStatusCompleted SessionStatus = "completed"
)

// Session is one streaming run. ID is generated at insert; ConnectionID ties
// the run back to the WebSocket connection that produced it (a connection may
// run several sessions back to back).
type Session struct {
	ID                 string
	ConnectionID       string
	SessionTargetID    string
	LanguageCode       string
	TargetLanguageCode string
	SampleRateHz       int
	Provider           string
	StartedAt          time.Time
	EndedAt            *time.Time
	Status             SessionStatus
	StopReason         string
	DurationSeconds    int64
	SegmentCount       int
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

type TranscriptSegment struct {
	ID           string
	SessionID    string
	ResultID     string
	SegmentIndex int
	Content      string
	StartMS      int64
	EndMS        int64
	CreatedAt    time.Time
}
