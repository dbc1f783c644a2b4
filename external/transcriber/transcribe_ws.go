package transcriber

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/eumlab/speechbridge/internal/presign"
	"github.com/eumlab/speechbridge/internal/transcriber"
)

const (
	defaultHandshakeTimeout = 7 * time.Second
	streamWriteTimeout      = 10 * time.Second
	// How long to keep reading after end-of-stream so results for already
	// buffered audio still arrive before the socket is abandoned.
	streamDrainTimeout = 15 * time.Second
)

type TranscribeConfig struct {
	Signer           *presign.Signer
	HandshakeTimeout time.Duration
}

// TranscribeTranscriber streams audio to the managed recognition service over
// a presigned WebSocket. Each StartStreaming call signs its own URL, so a
// stream never outlives the signature that authorized it.
type TranscribeTranscriber struct {
	signer           *presign.Signer
	handshakeTimeout time.Duration
}

func NewTranscribeTranscriber(cfg TranscribeConfig) transcriber.Transcriber {
	timeout := cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	return &TranscribeTranscriber{signer: cfg.Signer, handshakeTimeout: timeout}
}

func (t *TranscribeTranscriber) StartStreaming(ctx context.Context, sessionID, languageCode string, sampleRateHz int, receiver transcriber.ResultReceiver) (transcriber.StreamWriter, error) {
	signed, err := t.signer.Sign(languageCode, sampleRateHz, time.Now())
	if err != nil {
		return nil, err
	}
	slog.Info("dialing transcribe stream",
		"session_id", sessionID, "language", signed.LanguageCode, "sample_rate", sampleRateHz)

	dialer := websocket.Dialer{HandshakeTimeout: t.handshakeTimeout}
	dialCtx, cancel := context.WithTimeout(ctx, t.handshakeTimeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(dialCtx, signed.URL, nil)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			return nil, fmt.Errorf("%w: %v (upstream status %s)", transcriber.ErrUpstreamHandshake, err, resp.Status)
		}
		return nil, fmt.Errorf("%w: %v", transcriber.ErrUpstreamHandshake, err)
	}

	w := &transcribeStream{
		sessionID: sessionID,
		conn:      conn,
		receiver:  receiver,
	}
	go w.receiveLoop()

	slog.Info("transcribe stream established", "session_id", sessionID)
	return w, nil
}

type transcribeStream struct {
	sessionID string
	receiver  transcriber.ResultReceiver

	mu     sync.Mutex
	closed bool
	conn   *websocket.Conn
}

func (s *transcribeStream) Write(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return io.ErrClosedPipe
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	if err := s.conn.WriteMessage(websocket.BinaryMessage, encodeAudioEvent(pcm)); err != nil {
		return fmt.Errorf("send audio event: %w", err)
	}
	return nil
}

// Close sends the empty audio event that tells the service no more audio is
// coming. The receive loop keeps draining trailing results until the service
// closes the socket or the drain window runs out.
func (s *transcribeStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	_ = s.conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
	err := s.conn.WriteMessage(websocket.BinaryMessage, encodeAudioEvent(nil))
	_ = s.conn.SetReadDeadline(time.Now().Add(streamDrainTimeout))
	if err != nil {
		_ = s.conn.Close()
		return fmt.Errorf("send end of stream: %w", err)
	}
	return nil
}

func (s *transcribeStream) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *transcribeStream) receiveLoop() {
	defer s.conn.Close()
	for {
		msgType, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.isClosed() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Debug("transcribe stream drained", "session_id", s.sessionID)
				return
			}
			s.receiver.OnError(fmt.Errorf("transcribe stream read: %w", err))
			return
		}
		if msgType != websocket.BinaryMessage {
			continue
		}
		msg, err := decodeEventMessage(data)
		if err != nil {
			slog.Warn("discarding undecodable transcribe event", "session_id", s.sessionID, "error", err)
			continue
		}
		s.handleEvent(msg)
	}
}

func (s *transcribeStream) handleEvent(msg eventMessage) {
	switch msg.headers[headerMessageType] {
	case messageTypeEvent:
		if msg.headers[headerEventType] != eventTypeTranscript {
			return
		}
		var ev transcriptEvent
		if err := json.Unmarshal(msg.payload, &ev); err != nil {
			slog.Warn("malformed transcript event payload", "session_id", s.sessionID, "error", err)
			return
		}
		for _, r := range ev.Transcript.Results {
			if len(r.Alternatives) == 0 {
				continue
			}
			s.receiver.OnResult(r.toResult())
		}
	case messageTypeException:
		s.receiver.OnError(fmt.Errorf("transcribe exception %s: %s",
			msg.headers[headerExceptionType], exceptionMessage(msg.payload)))
	}
}

type transcriptEvent struct {
	Transcript struct {
		Results []transcriptResult `json:"Results"`
	} `json:"Transcript"`
}

type transcriptResult struct {
	ResultID     string  `json:"ResultId"`
	IsPartial    bool    `json:"IsPartial"`
	StartTime    float64 `json:"StartTime"`
	EndTime      float64 `json:"EndTime"`
	Alternatives []struct {
		Transcript string           `json:"Transcript"`
		Items      []transcriptItem `json:"Items"`
	} `json:"Alternatives"`
}

type transcriptItem struct {
	Content    string  `json:"Content"`
	StartTime  float64 `json:"StartTime"`
	EndTime    float64 `json:"EndTime"`
	Type       string  `json:"Type"`
	Confidence float64 `json:"Confidence"`
}

func (r transcriptResult) toResult() transcriber.Result {
	alt := r.Alternatives[0]
	var words []transcriber.Word
	for _, item := range alt.Items {
		if item.Type != "pronunciation" {
			continue
		}
		words = append(words, transcriber.Word{
			Text:       item.Content,
			StartMS:    secondsToMS(item.StartTime),
			EndMS:      secondsToMS(item.EndTime),
			Confidence: item.Confidence,
		})
	}
	return transcriber.Result{
		ResultID:  r.ResultID,
		Text:      alt.Transcript,
		IsPartial: r.IsPartial,
		StartMS:   secondsToMS(r.StartTime),
		EndMS:     secondsToMS(r.EndTime),
		Words:     words,
	}
}

func exceptionMessage(payload []byte) string {
	var body struct {
		Message string `json:"Message"`
	}
	if err := json.Unmarshal(payload, &body); err != nil || body.Message == "" {
		return string(payload)
	}
	return body.Message
}

func secondsToMS(seconds float64) int64 {
	return int64(math.Round(seconds * 1000))
}
