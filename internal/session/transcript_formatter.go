package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/eumlab/speechbridge/internal/repository"
	"github.com/eumlab/speechbridge/internal/webhook"
)

// 변경 용이성을 위해 time.DateTime을 직접 쓰지 않는다
const transcriptTimeLayout = "2006-01-02 15:04:05"

// buildTranscriptText renders the stored transcript column: a short header
// followed by one elapsed-time line per segment. Elapsed times are relative
// to the start of the audio stream.
func buildTranscriptText(sess *repository.Session, segments []repository.TranscriptSegment, endedAt time.Time, timezone string, loc *time.Location) string {
	startText := sess.StartedAt.In(safeLocation(loc)).Format(transcriptTimeLayout)
	endText := endedAt.In(safeLocation(loc)).Format(transcriptTimeLayout)

	lines := []string{
		fmt.Sprintf("세션 ID: %s", sess.ID),
		fmt.Sprintf("대상: %s", sess.SessionTargetID),
		fmt.Sprintf("언어: %s", sess.LanguageCode),
		fmt.Sprintf("기간: %s ~ %s（%s）", startText, endText, timezone),
		"",
	}
	for _, seg := range segments {
		elapsed := time.Duration(seg.StartMS) * time.Millisecond
		if elapsed < 0 {
			elapsed = 0
		}
		lines = append(lines, fmt.Sprintf("%s %s", formatElapsedHMS(elapsed), seg.Content))
	}
	return strings.Join(lines, "\n")
}

func buildTranscriptPayload(sess *repository.Session, segments []repository.TranscriptSegment, endedAt time.Time, reason, timezone string, loc *time.Location) webhook.TranscriptPayload {
	payloadSegments := make([]webhook.PayloadSegment, 0, len(segments))
	transcriptLines := make([]string, 0, len(segments))
	for _, seg := range segments {
		payloadSegments = append(payloadSegments, webhook.PayloadSegment{
			ResultID: seg.ResultID,
			Index:    seg.SegmentIndex,
			Text:     seg.Content,
			StartMS:  seg.StartMS,
			EndMS:    seg.EndMS,
		})
		transcriptLines = append(transcriptLines, seg.Content)
	}

	durationSeconds := int64(endedAt.Sub(sess.StartedAt).Seconds())
	if durationSeconds < 0 {
		durationSeconds = 0
	}

	return webhook.TranscriptPayload{
		SessionID:          sess.ID,
		SessionTargetID:    sess.SessionTargetID,
		LanguageCode:       sess.LanguageCode,
		TargetLanguageCode: sess.TargetLanguageCode,
		StartedAt:          sess.StartedAt.In(safeLocation(loc)),
		EndedAt:            endedAt.In(safeLocation(loc)),
		Timezone:           timezone,
		DurationSeconds:    durationSeconds,
		StopReason:         reason,
		SegmentCount:       len(segments),
		Segments:           payloadSegments,
		Transcript:         strings.Join(transcriptLines, "\n"),
	}
}

func formatElapsedHMS(d time.Duration) string {
	total := int64(d / time.Second)
	h := total / 3600
	m := (total % 3600) / 60
	s := total % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

func safeLocation(loc *time.Location) *time.Location {
	if loc == nil {
		return time.UTC
	}
	return loc
}
