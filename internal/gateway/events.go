// Package gateway defines the event protocol spoken over a client WebSocket
// connection. Control events are JSON text frames; audio travels as binary
// frames, or wrapped in an audioFrame event with base64 bytes.
package gateway

import (
	"errors"

	"github.com/eumlab/speechbridge/internal/audio"
	"github.com/eumlab/speechbridge/internal/language"
	"github.com/eumlab/speechbridge/internal/presign"
	"github.com/eumlab/speechbridge/internal/transcriber"
)

const (
	ClientEventStart      = "start"
	ClientEventStop       = "stop"
	ClientEventAudioFrame = "audioFrame"
)

const (
	ServerEventStarted            = "started"
	ServerEventTranscriptResult   = "transcriptResult"
	ServerEventTranscriptionError = "transcriptionError"
	ServerEventStopped            = "stopped"
)

// Error codes carried by transcriptionError events.
const (
	CodeUnsupportedLanguage     = "UNSUPPORTED_LANGUAGE"
	CodeUnconfiguredCredentials = "UNCONFIGURED_CREDENTIALS"
	CodeUpstreamHandshakeFailed = "UPSTREAM_HANDSHAKE_FAILED"
	CodeMalformedAudioFrame     = "MALFORMED_AUDIO_FRAME"
	CodeSessionNotFound         = "SESSION_NOT_FOUND"
	CodeInternal                = "INTERNAL"
)

// Status values carried by started/stopped acknowledgments.
const (
	StatusStarted = "started"
	StatusStopped = "stopped"
)

// ClientEvent is every control frame a client may send. Fields beyond Event
// are set depending on the event name.
type ClientEvent struct {
	Event              string `json:"event"`
	SessionTargetID    string `json:"sessionTargetId,omitempty"`
	LanguageCode       string `json:"languageCode,omitempty"`
	TargetLanguageCode string `json:"targetLanguageCode,omitempty"`
	SampleRate         int    `json:"sampleRate,omitempty"`
	AudioFormat        string `json:"audioFormat,omitempty"`
	Bytes              []byte `json:"bytes,omitempty"`
}

// StartedEvent acknowledges a start request. It is sent before the upstream
// handshake begins, so clients may begin pushing audio right away.
type StartedEvent struct {
	Event           string `json:"event"`
	SessionTargetID string `json:"sessionTargetId"`
	Status          string `json:"status"`
	LanguageCode    string `json:"languageCode,omitempty"`
}

type TranscriptWord struct {
	Text       string  `json:"text"`
	StartMS    int64   `json:"startMs"`
	EndMS      int64   `json:"endMs"`
	Confidence float64 `json:"confidence,omitempty"`
}

type TranscriptResultEvent struct {
	Event           string           `json:"event"`
	SessionTargetID string           `json:"sessionTargetId"`
	ResultID        string           `json:"resultId"`
	Text            string           `json:"text"`
	IsPartial       bool             `json:"isPartial"`
	StartMS         int64            `json:"startMs"`
	EndMS           int64            `json:"endMs"`
	Words           []TranscriptWord `json:"words,omitempty"`
}

// ErrorInfo is the error object nested in transcriptionError events.
type ErrorInfo struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// TranscriptionErrorEvent is terminal for its session.
type TranscriptionErrorEvent struct {
	Event           string    `json:"event"`
	SessionTargetID string    `json:"sessionTargetId,omitempty"`
	Error           ErrorInfo `json:"error"`
}

type StoppedEvent struct {
	Event           string `json:"event"`
	SessionTargetID string `json:"sessionTargetId,omitempty"`
	Status          string `json:"status"`
	Reason          string `json:"reason,omitempty"`
}

func NewStartedEvent(sessionTargetID, languageCode string) StartedEvent {
	return StartedEvent{
		Event:           ServerEventStarted,
		SessionTargetID: sessionTargetID,
		Status:          StatusStarted,
		LanguageCode:    languageCode,
	}
}

func NewTranscriptResultEvent(sessionTargetID string, result transcriber.Result) TranscriptResultEvent {
	words := make([]TranscriptWord, len(result.Words))
	for i, w := range result.Words {
		words[i] = TranscriptWord{Text: w.Text, StartMS: w.StartMS, EndMS: w.EndMS, Confidence: w.Confidence}
	}
	return TranscriptResultEvent{
		Event:           ServerEventTranscriptResult,
		SessionTargetID: sessionTargetID,
		ResultID:        result.ResultID,
		Text:            result.Text,
		IsPartial:       result.IsPartial,
		StartMS:         result.StartMS,
		EndMS:           result.EndMS,
		Words:           words,
	}
}

func NewTranscriptionErrorEvent(sessionTargetID string, err error) TranscriptionErrorEvent {
	return TranscriptionErrorEvent{
		Event:           ServerEventTranscriptionError,
		SessionTargetID: sessionTargetID,
		Error:           ErrorInfo{Code: ErrorCode(err), Message: err.Error()},
	}
}

func NewStoppedEvent(sessionTargetID, reason string) StoppedEvent {
	return StoppedEvent{
		Event:           ServerEventStopped,
		SessionTargetID: sessionTargetID,
		Status:          StatusStopped,
		Reason:          reason,
	}
}

// ErrorCode maps a failure to its protocol code.
func ErrorCode(err error) string {
	switch {
	case errors.Is(err, language.ErrUnsupported):
		return CodeUnsupportedLanguage
	case errors.Is(err, presign.ErrUnconfiguredCredentials):
		return CodeUnconfiguredCredentials
	case errors.Is(err, transcriber.ErrUpstreamHandshake):
		return CodeUpstreamHandshakeFailed
	case errors.Is(err, audio.ErrMalformedFrame):
		return CodeMalformedAudioFrame
	default:
		return CodeInternal
	}
}

// EventSender pushes one server event onto a client connection. Senders must
// be safe for concurrent use; results and lifecycle events race by nature.
type EventSender interface {
	SendEvent(event any) error
}
