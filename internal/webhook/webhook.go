// Package webhook delivers the finished-session transcript summary to the
// configured receiving endpoint.
package webhook

import (
	"context"
	"time"
)

// PayloadSegment is one stored final segment as the receiver sees it.
type PayloadSegment struct {
	ResultID string `json:"resultId,omitempty"`
	Index    int    `json:"index"`
	Text     string `json:"text"`
	StartMS  int64  `json:"startMs"`
	EndMS    int64  `json:"endMs"`
}

// TranscriptPayload summarizes one completed session. Timestamps carry the
// configured timezone's offset.
type TranscriptPayload struct {
	SessionID          string           `json:"sessionId"`
	SessionTargetID    string           `json:"sessionTargetId"`
	LanguageCode       string           `json:"languageCode"`
	TargetLanguageCode string           `json:"targetLanguageCode,omitempty"`
	StartedAt          time.Time        `json:"startedAt"`
	EndedAt            time.Time        `json:"endedAt"`
	Timezone           string           `json:"timezone"`
	DurationSeconds    int64            `json:"durationSeconds"`
	StopReason         string           `json:"stopReason"`
	SegmentCount       int              `json:"segmentCount"`
	Segments           []PayloadSegment `json:"segments"`
	Transcript         string           `json:"transcript"`
}

type Sender interface {
	SendTranscript(ctx context.Context, payload TranscriptPayload) error
}
