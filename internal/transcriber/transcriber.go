// Package transcriber is the seam between the session manager and the
// upstream speech recognition service.
package transcriber

import (
	"context"
	"errors"
)

// ErrUpstreamHandshake marks failures to establish the recognition stream.
// Adapters wrap dial and handshake errors in it so callers can distinguish
// "never connected" from mid-stream loss.
var ErrUpstreamHandshake = errors.New("upstream handshake failed")

// Word is a single recognized token with millisecond timings relative to the
// start of the stream.
type Word struct {
	Text       string
	StartMS    int64
	EndMS      int64
	Confidence float64
}

// Result is one recognition hypothesis. Partial results may be revised by
// later results carrying the same ResultID; a final result closes that id.
type Result struct {
	ResultID  string
	Text      string
	IsPartial bool
	StartMS   int64
	EndMS     int64
	Words     []Word
}

type ResultReceiver interface {
	OnResult(result Result)
	OnError(err error)
}

// StreamWriter accepts PCM16LE audio for an established stream. Close signals
// end of audio; the upstream may still deliver results for buffered audio
// after Close returns.
type StreamWriter interface {
	Write(pcm []byte) error
	Close() error
}

type Transcriber interface {
	StartStreaming(ctx context.Context, sessionID, languageCode string, sampleRateHz int, receiver ResultReceiver) (StreamWriter, error)
}
