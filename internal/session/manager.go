// Package session owns the lifecycle of live transcription sessions: one per
// websocket connection, from the start request through audio forwarding to
// transcript finalization.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eumlab/speechbridge/internal/audio"
	"github.com/eumlab/speechbridge/internal/config"
	"github.com/eumlab/speechbridge/internal/gateway"
	"github.com/eumlab/speechbridge/internal/language"
	"github.com/eumlab/speechbridge/internal/metrics"
	"github.com/eumlab/speechbridge/internal/phrase"
	"github.com/eumlab/speechbridge/internal/publisher"
	"github.com/eumlab/speechbridge/internal/repository"
	"github.com/eumlab/speechbridge/internal/transcriber"
	"github.com/eumlab/speechbridge/internal/transcript"
	"github.com/eumlab/speechbridge/internal/webhook"
)

// ErrSessionNotFound is returned for operations addressing a session id with
// no running session.
var ErrSessionNotFound = errors.New("session not found")

// Stop reasons recorded on completed sessions and echoed in stopped events.
const (
	StopReasonClient      = "client stop"
	StopReasonDisconnect  = "connection closed"
	StopReasonShutdown    = "server shutdown"
	StopReasonMaxDuration = "max duration reached"
	StopReasonUpstream    = "upstream error"
	StopReasonStartFailed = "start failed"
	StopReasonReplaced    = "replaced by new start"
	StopReasonInternal    = "internal error"
	StopReasonOrphaned    = "orphaned by restart"
)

const (
	publishTimeout  = 10 * time.Second
	finalizeTimeout = 30 * time.Second
)

// StartRequest carries the client's start parameters.
type StartRequest struct {
	SessionTargetID    string
	LanguageCode       string
	TargetLanguageCode string
	SampleRateHz       int
	AudioFormat        string
}

// Manager tracks running sessions keyed by connection id and coordinates the
// audio pump, the recognition stream, and transcript finalization.
type Manager struct {
	cfg        *config.Config
	repo       repository.Repository
	stt        transcriber.Transcriber
	webhook    webhook.Sender
	publisher  publisher.Publisher
	metrics    *metrics.Metrics
	newDecoder audio.FrameDecoderFactory
	newBuffer  transcript.BufferFactory

	mu          sync.Mutex
	sessions    map[string]*runningSession
	stopReasons map[string]string

	finalizeWG sync.WaitGroup

	locOnce sync.Once
	loc     *time.Location
}

func NewManager(
	cfg *config.Config,
	repo repository.Repository,
	stt transcriber.Transcriber,
	webhookSender webhook.Sender,
	phrasePublisher publisher.Publisher,
	m *metrics.Metrics,
	newDecoder audio.FrameDecoderFactory,
	newBuffer transcript.BufferFactory,
) *Manager {
	return &Manager{
		cfg:         cfg,
		repo:        repo,
		stt:         stt,
		webhook:     webhookSender,
		publisher:   phrasePublisher,
		metrics:     m,
		newDecoder:  newDecoder,
		newBuffer:   newBuffer,
		sessions:    make(map[string]*runningSession),
		stopReasons: make(map[string]string),
	}
}

// runningSession is the in-memory state of one live session. The frames
// channel carries upstream-ready PCM; pushFrame holds the read side of
// frameMu while sending so closeFrames can never close the channel under a
// concurrent send, and a send blocked on a full channel unblocks when the
// session context cancels.
type runningSession struct {
	id              string
	record          *repository.Session
	sessionTargetID string
	languageCode    string
	targetLanguage  string
	sender          gateway.EventSender
	decoder         audio.FrameDecoder
	buffer          *transcript.Buffer
	frames          chan []byte
	ctx             context.Context
	cancel          context.CancelFunc
	startedAt       time.Time

	state atomic.Int32

	frameMu   sync.RWMutex
	accepting bool

	writerMu sync.Mutex
	writer   transcriber.StreamWriter

	stopOnce sync.Once
}

func (s *runningSession) currentState() State {
	return State(s.state.Load())
}

func (s *runningSession) transition(from, to State) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

func (s *runningSession) pushFrame(pcm []byte) (bool, string) {
	s.frameMu.RLock()
	defer s.frameMu.RUnlock()
	if !s.accepting {
		return false, "closed"
	}
	select {
	case s.frames <- pcm:
		return true, ""
	case <-s.ctx.Done():
		return false, "stopped"
	}
}

func (s *runningSession) closeFrames() {
	s.frameMu.Lock()
	defer s.frameMu.Unlock()
	if s.accepting {
		s.accepting = false
		close(s.frames)
	}
}

func (s *runningSession) setWriter(w transcriber.StreamWriter) {
	s.writerMu.Lock()
	defer s.writerMu.Unlock()
	s.writer = w
}

func (s *runningSession) getWriter() transcriber.StreamWriter {
	s.writerMu.Lock()
	defer s.writerMu.Unlock()
	return s.writer
}

// StartSession validates the request, replaces any session already running
// on the connection, and acknowledges with a started event before the
// upstream handshake begins. The worker waits out the start grace period
// before dialing upstream, so frames arriving right after the acknowledgment
// queue in the session's channel.
func (m *Manager) StartSession(sessionID string, req StartRequest, sender gateway.EventSender) error {
	languageCode, ok := language.Normalize(req.LanguageCode)
	if !ok {
		return fmt.Errorf("%w: %q", language.ErrUnsupported, req.LanguageCode)
	}
	targetLanguage := ""
	if req.TargetLanguageCode != "" {
		targetLanguage, ok = language.Normalize(req.TargetLanguageCode)
		if !ok {
			return fmt.Errorf("%w: %q", language.ErrUnsupported, req.TargetLanguageCode)
		}
	}
	format, err := audio.ParseFrameFormat(req.AudioFormat)
	if err != nil {
		return fmt.Errorf("%w: %v", audio.ErrMalformedFrame, err)
	}

	clientRate := req.SampleRateHz
	if clientRate <= 0 {
		clientRate = m.cfg.UpstreamSampleRateHz
	}
	decoder, err := m.newDecoder(format, clientRate)
	if err != nil {
		return fmt.Errorf("create frame decoder: %w", err)
	}

	if m.StopSession(sessionID, StopReasonReplaced) {
		slog.Info("replacing running session",
			"session_id", sessionID, "session_target_id", req.SessionTargetID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	created, err := m.repo.CreateSession(ctx, repository.CreateSessionInput{
		ConnectionID:       sessionID,
		SessionTargetID:    req.SessionTargetID,
		LanguageCode:       languageCode,
		TargetLanguageCode: targetLanguage,
		SampleRateHz:       m.cfg.UpstreamSampleRateHz,
		Provider:           m.cfg.STTProvider,
		StartedAt:          time.Now(),
	})
	if err != nil {
		cancel()
		_ = decoder.Close()
		return fmt.Errorf("create session record: %w", err)
	}

	rs := &runningSession{
		id:              sessionID,
		record:          created,
		sessionTargetID: req.SessionTargetID,
		languageCode:    languageCode,
		targetLanguage:  targetLanguage,
		sender:          sender,
		decoder:         decoder,
		buffer:          m.newBuffer(created.ID),
		frames:          make(chan []byte, m.cfg.AudioChannelCapacity),
		ctx:             ctx,
		cancel:          cancel,
		startedAt:       created.StartedAt,
		accepting:       true,
	}
	rs.state.Store(int32(StateStarting))

	m.mu.Lock()
	m.sessions[sessionID] = rs
	m.mu.Unlock()

	m.metrics.SessionStarted()
	slog.Info("session starting",
		"session_id", sessionID,
		"record_id", created.ID,
		"session_target_id", req.SessionTargetID,
		"language_code", languageCode,
		"target_language_code", targetLanguage,
		"audio_format", string(format),
		"sample_rate_hz", clientRate)

	if err := sender.SendEvent(gateway.NewStartedEvent(req.SessionTargetID, languageCode)); err != nil {
		slog.Warn("failed to send started event", "session_id", sessionID, "error", err)
	}

	m.runSessionWorker(sessionID, "stream", func() {
		m.streamSession(ctx, rs)
	})
	return nil
}

// streamSession runs on the session worker goroutine: grace wait, upstream
// dial, then the frame pump until the session stops.
func (m *Manager) streamSession(ctx context.Context, rs *runningSession) {
	if grace := m.cfg.SessionStartGrace; grace > 0 {
		timer := time.NewTimer(grace)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}
	}

	receiver := &resultReceiver{manager: m, session: rs}
	dialStartedAt := time.Now()
	writer, err := m.stt.StartStreaming(ctx, rs.id, rs.languageCode, m.cfg.UpstreamSampleRateHz, receiver)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		m.failStart(rs, err)
		return
	}
	m.metrics.HandshakeObserved(time.Since(dialStartedAt).Seconds())
	rs.setWriter(writer)

	if !rs.transition(StateStarting, StateStreaming) {
		// A stop raced the dial. Teardown may have seen a nil writer, so
		// close it here too; Close is idempotent.
		_ = writer.Close()
		return
	}
	slog.Info("session streaming",
		"session_id", rs.id, "record_id", rs.record.ID, "language_code", rs.languageCode)

	m.pumpFrames(ctx, rs, writer)
}

// pumpFrames drains the session's frame queue into the upstream writer until
// the queue closes, the context cancels, or the session outlives its cap.
func (m *Manager) pumpFrames(ctx context.Context, rs *runningSession, writer transcriber.StreamWriter) {
	var maxDuration <-chan time.Time
	if d := m.cfg.SessionMaxDuration; d > 0 {
		timer := time.NewTimer(d - time.Since(rs.startedAt))
		defer timer.Stop()
		maxDuration = timer.C
	}
	for {
		select {
		case <-ctx.Done():
			return
		case <-maxDuration:
			slog.Info("session reached max duration", "session_id", rs.id)
			m.StopSession(rs.id, StopReasonMaxDuration)
			return
		case pcm, open := <-rs.frames:
			if !open {
				return
			}
			if err := writer.Write(pcm); err != nil {
				if ctx.Err() != nil || errors.Is(err, io.ErrClosedPipe) {
					return
				}
				slog.Error("failed to forward audio upstream", "session_id", rs.id, "error", err)
				if sendErr := rs.sender.SendEvent(gateway.NewTranscriptionErrorEvent(rs.sessionTargetID, err)); sendErr != nil {
					slog.Debug("failed to send error event", "session_id", rs.id, "error", sendErr)
				}
				m.StopSession(rs.id, StopReasonUpstream)
				return
			}
		}
	}
}

// HandleAudioFrame decodes one client frame, resamples it to the upstream
// rate, and queues it for the writer. Unknown session ids return
// ErrSessionNotFound. A malformed frame returns an error wrapping
// audio.ErrMalformedFrame and leaves the session running. A full queue
// blocks the connection's read loop until the pump drains or the session
// stops, so a slow upstream shows up as backpressure instead of silent loss.
func (m *Manager) HandleAudioFrame(sessionID string, frame []byte) error {
	m.mu.Lock()
	rs, ok := m.sessions[sessionID]
	m.mu.Unlock()
	if !ok {
		m.metrics.FrameDropped("no_session")
		return fmt.Errorf("%w: %s", ErrSessionNotFound, sessionID)
	}
	if len(frame) == 0 {
		return nil
	}

	samples, err := rs.decoder.Decode(frame)
	if err != nil {
		m.metrics.FrameDropped("malformed")
		return err
	}
	resampled := audio.Resample(samples, rs.decoder.SourceRate(), m.cfg.UpstreamSampleRateHz)
	if len(resampled) == 0 {
		return nil
	}
	pcm := audio.EncodePCM16LE(resampled)

	pushed, reason := rs.pushFrame(pcm)
	if !pushed {
		m.metrics.FrameDropped(reason)
		slog.Debug("audio frame dropped", "session_id", sessionID, "reason", reason)
		return nil
	}
	m.metrics.FrameAccepted(len(frame))
	return nil
}

// StopSession removes the session and tears it down. It reports whether a
// session with the given id was running; transcript finalization continues in
// the background after it returns.
func (m *Manager) StopSession(sessionID, reason string) bool {
	m.mu.Lock()
	rs, ok := m.sessions[sessionID]
	if ok {
		delete(m.sessions, sessionID)
		m.stopReasons[sessionID] = reason
	}
	m.mu.Unlock()
	if !ok {
		return false
	}
	rs.stopOnce.Do(func() {
		m.teardown(rs, reason)
	})
	return true
}

func (m *Manager) teardown(rs *runningSession, reason string) {
	rs.state.Store(int32(StateStopping))
	slog.Info("session stopping", "session_id", rs.id, "reason", reason)

	// Cancel before closing the queue so a grace wait or in-flight dial
	// aborts instead of racing the channel close.
	rs.cancel()
	rs.closeFrames()
	if w := rs.getWriter(); w != nil {
		if err := w.Close(); err != nil {
			slog.Warn("failed to close upstream stream", "session_id", rs.id, "error", err)
		}
	}
	m.metrics.SessionStopped(reason)

	m.finalizeWG.Add(1)
	go func() {
		defer m.finalizeWG.Done()
		m.finalizeSession(rs, reason)
	}()
}

// finalizeSession flushes the transcript buffer, completes the session
// record, and delivers the transcript webhook. Failures are logged and the
// remaining steps still run; the stopped event always reaches the client.
func (m *Manager) finalizeSession(rs *runningSession, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()
	defer rs.state.Store(int32(StateClosed))
	defer func() {
		m.mu.Lock()
		delete(m.stopReasons, rs.id)
		m.mu.Unlock()
	}()

	if err := rs.buffer.Close(ctx); err != nil {
		slog.Error("failed to flush transcript buffer", "session_id", rs.id, "error", err)
	}
	if err := rs.decoder.Close(); err != nil {
		slog.Warn("failed to close audio decoder", "session_id", rs.id, "error", err)
	}

	endedAt := time.Now()
	if err := m.repo.CompleteSession(ctx, repository.CompleteSessionInput{
		SessionID:  rs.record.ID,
		EndedAt:    endedAt,
		StopReason: reason,
	}); err != nil {
		slog.Error("failed to complete session record", "session_id", rs.id, "error", err)
	}

	segments, err := m.repo.ListSegmentsBySessionID(ctx, rs.record.ID)
	if err != nil {
		slog.Error("failed to list transcript segments", "session_id", rs.id, "error", err)
		segments = nil
	}

	loc := m.location()
	payload := buildTranscriptPayload(rs.record, segments, endedAt, reason, m.cfg.Timezone, loc)
	transcriptText := buildTranscriptText(rs.record, segments, endedAt, m.cfg.Timezone, loc)

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		slog.Error("failed to encode webhook payload", "session_id", rs.id, "error", err)
	}
	if err := m.repo.SaveSessionOutput(ctx, repository.SaveSessionOutputInput{
		SessionID:          rs.record.ID,
		EndedAt:            endedAt,
		StopReason:         reason,
		Timezone:           m.cfg.Timezone,
		DurationSeconds:    payload.DurationSeconds,
		SegmentCount:       len(segments),
		TranscriptText:     transcriptText,
		WebhookPayloadJSON: payloadJSON,
	}); err != nil {
		slog.Error("failed to save session output", "session_id", rs.id, "error", err)
	}

	if err := m.webhook.SendTranscript(ctx, payload); err != nil {
		slog.Error("failed to deliver transcript webhook", "session_id", rs.id, "error", err)
	}

	_ = rs.sender.SendEvent(gateway.NewStoppedEvent(rs.sessionTargetID, reason))
	slog.Info("session finalized",
		"session_id", rs.id,
		"record_id", rs.record.ID,
		"reason", reason,
		"segment_count", len(segments),
		"duration_seconds", payload.DurationSeconds)
}

func (m *Manager) failStart(rs *runningSession, err error) {
	slog.Error("session start failed", "session_id", rs.id, "error", err)
	if sendErr := rs.sender.SendEvent(gateway.NewTranscriptionErrorEvent(rs.sessionTargetID, err)); sendErr != nil {
		slog.Debug("failed to send error event", "session_id", rs.id, "error", sendErr)
	}
	m.StopSession(rs.id, StopReasonStartFailed)
}

// HandleDisconnect stops the session owned by a closed connection. Safe to
// call for connections that never started one.
func (m *Manager) HandleDisconnect(sessionID string) {
	if m.StopSession(sessionID, StopReasonDisconnect) {
		slog.Info("session stopped on disconnect", "session_id", sessionID)
	}
}

// StopAllSessions stops every running session and waits for their transcripts
// to finalize. It returns the number of sessions stopped.
func (m *Manager) StopAllSessions(reason string) int {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	for _, id := range ids {
		m.StopSession(id, reason)
	}
	m.finalizeWG.Wait()
	if len(ids) > 0 {
		slog.Info("stopped all sessions", "count", len(ids), "reason", reason)
	}
	return len(ids)
}

// RecoverOrphans marks sessions left running by a previous process as
// completed. Called once at boot before the server accepts connections.
func (m *Manager) RecoverOrphans(ctx context.Context) error {
	count, err := m.repo.MarkOrphanSessionsCompleted(ctx, StopReasonOrphaned)
	if err != nil {
		return fmt.Errorf("mark orphan sessions: %w", err)
	}
	if count > 0 {
		slog.Warn("completed orphan sessions from previous run", "count", count)
	}
	return nil
}

func (m *Manager) ActiveSessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *Manager) takeStopReason(sessionID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	reason, ok := m.stopReasons[sessionID]
	if !ok {
		return "unknown (likely remote stream close or network interruption)"
	}
	delete(m.stopReasons, sessionID)
	return reason
}

func (m *Manager) location() *time.Location {
	m.locOnce.Do(func() {
		loc, err := time.LoadLocation(m.cfg.Timezone)
		if err != nil {
			slog.Warn("invalid timezone, falling back to UTC", "timezone", m.cfg.Timezone, "error", err)
			loc = time.UTC
		}
		m.loc = loc
	})
	return m.loc
}

// runSessionWorker runs fn on its own goroutine. A panic stops the session
// instead of crashing the process.
func (m *Manager) runSessionWorker(sessionID, name string, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("session worker panic", "session_id", sessionID, "worker", name, "panic", r)
				m.StopSession(sessionID, StopReasonInternal)
			}
		}()
		fn()
	}()
}

// publishPhrases emits a final result to the phrase stream. When the
// session's language pair supports it, long finals are split at phrase
// boundaries; otherwise the whole final goes out as a single chunk so
// downstream consumers see every final exactly once.
func (m *Manager) publishPhrases(rs *runningSession, result transcriber.Result) {
	chunks := []phrase.Chunk{{Text: strings.TrimSpace(result.Text), Index: 0, IsLast: true}}
	if phrase.ShouldChunk(result.Text, rs.languageCode, rs.targetLanguage) {
		chunks = phrase.Split(result.Text, rs.languageCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	defer cancel()
	for _, chunk := range chunks {
		msg := publisher.PhraseMessage{
			SessionID:          rs.record.ID,
			SessionTargetID:    rs.sessionTargetID,
			ResultID:           result.ResultID,
			LanguageCode:       rs.languageCode,
			TargetLanguageCode: rs.targetLanguage,
			Text:               chunk.Text,
			PhraseIndex:        chunk.Index,
			IsLast:             chunk.IsLast,
			StartMS:            result.StartMS,
			EndMS:              result.EndMS,
		}
		if err := m.publisher.PublishPhrase(ctx, msg); err != nil {
			slog.Error("failed to publish phrase",
				"session_id", rs.id, "result_id", result.ResultID, "error", err)
			return
		}
		m.metrics.PhrasePublished()
	}
}

// resultReceiver adapts upstream recognition callbacks to the session: every
// result is pushed to the client, finals also land in the transcript buffer
// and the phrase stream.
type resultReceiver struct {
	manager *Manager
	session *runningSession
}

func (r *resultReceiver) OnResult(result transcriber.Result) {
	m, rs := r.manager, r.session
	m.metrics.ResultReceived(result.IsPartial)
	if err := rs.sender.SendEvent(gateway.NewTranscriptResultEvent(rs.sessionTargetID, result)); err != nil {
		slog.Debug("failed to push transcript result", "session_id", rs.id, "error", err)
	}
	if result.IsPartial || strings.TrimSpace(result.Text) == "" {
		return
	}
	rs.buffer.Append(result)
	m.publishPhrases(rs, result)
}

func (r *resultReceiver) OnError(err error) {
	m, rs := r.manager, r.session
	if errors.Is(err, context.Canceled) || strings.Contains(err.Error(), "operation was cancelled") {
		slog.Info("recognition stream closed", "session_id", rs.id, "reason", m.takeStopReason(rs.id))
		return
	}
	slog.Error("recognition stream error", "session_id", rs.id, "error", err)
	if sendErr := rs.sender.SendEvent(gateway.NewTranscriptionErrorEvent(rs.sessionTargetID, err)); sendErr != nil {
		slog.Debug("failed to send error event", "session_id", rs.id, "error", sendErr)
	}
	m.StopSession(rs.id, StopReasonUpstream)
}
