package session

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/eumlab/speechbridge/internal/audio"
	"github.com/eumlab/speechbridge/internal/config"
	"github.com/eumlab/speechbridge/internal/gateway"
	"github.com/eumlab/speechbridge/internal/language"
	"github.com/eumlab/speechbridge/internal/metrics"
	"github.com/eumlab/speechbridge/internal/publisher"
	"github.com/eumlab/speechbridge/internal/repository"
	"github.com/eumlab/speechbridge/internal/transcriber"
	"github.com/eumlab/speechbridge/internal/transcript"
	"github.com/eumlab/speechbridge/internal/webhook"
)

type mockRepo struct {
	mu            sync.Mutex
	createErr     error
	created       []repository.CreateSessionInput
	completed     []repository.CompleteSessionInput
	outputs       []repository.SaveSessionOutputInput
	batches       [][]repository.SegmentRecord
	listSegments  []repository.TranscriptSegment
	orphanReasons []string
	orphanCount   int64
}

func (m *mockRepo) CreateSession(_ context.Context, input repository.CreateSessionInput) (*repository.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return nil, m.createErr
	}
	m.created = append(m.created, input)
	return &repository.Session{
		ID:                 fmt.Sprintf("rec-%d", len(m.created)),
		ConnectionID:       input.ConnectionID,
		SessionTargetID:    input.SessionTargetID,
		LanguageCode:       input.LanguageCode,
		TargetLanguageCode: input.TargetLanguageCode,
		SampleRateHz:       input.SampleRateHz,
		Provider:           input.Provider,
		StartedAt:          input.StartedAt,
		Status:             repository.SessionStatusRunning,
	}, nil
}

func (m *mockRepo) CompleteSession(_ context.Context, input repository.CompleteSessionInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.completed = append(m.completed, input)
	return nil
}

func (m *mockRepo) SaveSessionOutput(_ context.Context, input repository.SaveSessionOutputInput) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outputs = append(m.outputs, input)
	return nil
}

func (m *mockRepo) MarkOrphanSessionsCompleted(_ context.Context, reason string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orphanReasons = append(m.orphanReasons, reason)
	return m.orphanCount, nil
}

func (m *mockRepo) SaveSegments(_ context.Context, _ string, segments []repository.SegmentRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	batch := make([]repository.SegmentRecord, len(segments))
	copy(batch, segments)
	m.batches = append(m.batches, batch)
	return nil
}

func (m *mockRepo) ListSegmentsBySessionID(_ context.Context, _ string) ([]repository.TranscriptSegment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listSegments, nil
}

func (m *mockRepo) createCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.created)
}

func (m *mockRepo) completedReasons() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	reasons := make([]string, 0, len(m.completed))
	for _, c := range m.completed {
		reasons = append(reasons, c.StopReason)
	}
	return reasons
}

func (m *mockRepo) outputCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.outputs)
}

func (m *mockRepo) batchCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.batches)
}

func (m *mockRepo) savedSegments() []repository.SegmentRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	var all []repository.SegmentRecord
	for _, batch := range m.batches {
		all = append(all, batch...)
	}
	return all
}

type mockTranscriber struct {
	mu        sync.Mutex
	dialErr   error
	dialCount int
	writers   []*mockStreamWriter
	receivers []transcriber.ResultReceiver
}

func (m *mockTranscriber) StartStreaming(_ context.Context, _, _ string, _ int, receiver transcriber.ResultReceiver) (transcriber.StreamWriter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dialCount++
	if m.dialErr != nil {
		return nil, m.dialErr
	}
	w := &mockStreamWriter{}
	m.writers = append(m.writers, w)
	m.receivers = append(m.receivers, receiver)
	return w, nil
}

func (m *mockTranscriber) dials() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.dialCount
}

func (m *mockTranscriber) receiver(i int) transcriber.ResultReceiver {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i >= len(m.receivers) {
		return nil
	}
	return m.receivers[i]
}

func (m *mockTranscriber) writer(i int) *mockStreamWriter {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i >= len(m.writers) {
		return nil
	}
	return m.writers[i]
}

type mockStreamWriter struct {
	mu       sync.Mutex
	writeErr error
	frames   [][]byte
	closed   bool
}

func (m *mockStreamWriter) Write(pcm []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.writeErr != nil {
		return m.writeErr
	}
	frame := make([]byte, len(pcm))
	copy(frame, pcm)
	m.frames = append(m.frames, frame)
	return nil
}

func (m *mockStreamWriter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockStreamWriter) setWriteErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writeErr = err
}

func (m *mockStreamWriter) frameCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.frames)
}

func (m *mockStreamWriter) frameAt(i int) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frames[i]
}

func (m *mockStreamWriter) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

type mockSender struct {
	mu     sync.Mutex
	events []any
}

func (m *mockSender) SendEvent(event any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

func (m *mockSender) startedCount() int {
	return len(m.startedEvents())
}

func (m *mockSender) startedEvents() []gateway.StartedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []gateway.StartedEvent
	for _, e := range m.events {
		if ev, ok := e.(gateway.StartedEvent); ok {
			out = append(out, ev)
		}
	}
	return out
}

func (m *mockSender) stoppedEvents() []gateway.StoppedEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []gateway.StoppedEvent
	for _, e := range m.events {
		if ev, ok := e.(gateway.StoppedEvent); ok {
			out = append(out, ev)
		}
	}
	return out
}

func (m *mockSender) errorEvents() []gateway.TranscriptionErrorEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []gateway.TranscriptionErrorEvent
	for _, e := range m.events {
		if ev, ok := e.(gateway.TranscriptionErrorEvent); ok {
			out = append(out, ev)
		}
	}
	return out
}

func (m *mockSender) resultEvents() []gateway.TranscriptResultEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []gateway.TranscriptResultEvent
	for _, e := range m.events {
		if ev, ok := e.(gateway.TranscriptResultEvent); ok {
			out = append(out, ev)
		}
	}
	return out
}

type mockPublisher struct {
	mu       sync.Mutex
	messages []publisher.PhraseMessage
}

func (m *mockPublisher) PublishPhrase(_ context.Context, msg publisher.PhraseMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg)
	return nil
}

func (m *mockPublisher) Close() error { return nil }

func (m *mockPublisher) published() []publisher.PhraseMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]publisher.PhraseMessage, len(m.messages))
	copy(out, m.messages)
	return out
}

type mockWebhookSender struct {
	mu       sync.Mutex
	payloads []webhook.TranscriptPayload
}

func (m *mockWebhookSender) SendTranscript(_ context.Context, payload webhook.TranscriptPayload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.payloads = append(m.payloads, payload)
	return nil
}

func (m *mockWebhookSender) delivered() []webhook.TranscriptPayload {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]webhook.TranscriptPayload, len(m.payloads))
	copy(out, m.payloads)
	return out
}

type testEnv struct {
	manager *Manager
	repo    *mockRepo
	stt     *mockTranscriber
	sender  *mockSender
	pub     *mockPublisher
	wh      *mockWebhookSender
}

func newTestEnv(t *testing.T, mutate ...func(*config.Config)) *testEnv {
	t.Helper()
	cfg := &config.Config{
		Env:                  "test",
		STTProvider:          "transcribe",
		UpstreamSampleRateHz: 16000,
		SessionStartGrace:    5 * time.Millisecond,
		AudioChannelCapacity: 8,
		SessionMaxDuration:   time.Hour,
		Timezone:             "Asia/Seoul",
	}
	for _, fn := range mutate {
		fn(cfg)
	}

	repo := &mockRepo{}
	stt := &mockTranscriber{}
	pub := &mockPublisher{}
	wh := &mockWebhookSender{}
	mtr := metrics.New(prometheus.NewRegistry())

	newDecoder := audio.FrameDecoderFactory(func(format audio.FrameFormat, sampleRate int) (audio.FrameDecoder, error) {
		if format == audio.FormatPCM16LE {
			return audio.NewPCM16Decoder(sampleRate), nil
		}
		return audio.NewFloat32Decoder(sampleRate), nil
	})
	newBuffer := transcript.BufferFactory(func(sessionID string) *transcript.Buffer {
		return transcript.NewBuffer(transcript.BufferConfig{
			SessionID:     sessionID,
			Store:         repo,
			Metrics:       mtr,
			FlushCount:    2,
			FlushInterval: 20 * time.Millisecond,
		})
	})

	manager := NewManager(cfg, repo, stt, wh, pub, mtr, newDecoder, newBuffer)
	return &testEnv{manager: manager, repo: repo, stt: stt, sender: &mockSender{}, pub: pub, wh: wh}
}

func isStreaming(env *testEnv, sessionID string) bool {
	env.manager.mu.Lock()
	rs, ok := env.manager.sessions[sessionID]
	env.manager.mu.Unlock()
	return ok && rs.currentState() == StateStreaming
}

func startStreamingSession(t *testing.T, env *testEnv, sessionID string, req StartRequest) {
	t.Helper()
	if err := env.manager.StartSession(sessionID, req, env.sender); err != nil {
		t.Fatalf("failed to start session: %v", err)
	}
	waitUntil(t, time.Second, func() bool { return isStreaming(env, sessionID) }, "session should reach streaming")
}

func koreanStartRequest() StartRequest {
	return StartRequest{
		SessionTargetID: "meeting-42",
		LanguageCode:    "ko-KR",
		SampleRateHz:    16000,
		AudioFormat:     "f32le",
	}
}

func float32Frame(samples ...float32) []byte {
	buf := make([]byte, 4*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(s))
	}
	return buf
}

func finalResult(id, text string) transcriber.Result {
	return transcriber.Result{ResultID: id, Text: text, IsPartial: false, StartMS: 100, EndMS: 4200}
}

func TestStartSession_ReachesStreamingAndCreatesRecord(t *testing.T) {
	env := newTestEnv(t)
	startStreamingSession(t, env, "conn-1", koreanStartRequest())

	if env.repo.createCount() != 1 {
		t.Fatalf("expected one session record, got %d", env.repo.createCount())
	}
	created := env.repo.created[0]
	if created.ConnectionID != "conn-1" || created.LanguageCode != "ko-KR" || created.SessionTargetID != "meeting-42" {
		t.Fatalf("unexpected create input: %+v", created)
	}
	if created.SampleRateHz != 16000 || created.Provider != "transcribe" {
		t.Fatalf("unexpected create input: %+v", created)
	}
	if env.manager.ActiveSessionCount() != 1 {
		t.Fatalf("expected one active session, got %d", env.manager.ActiveSessionCount())
	}
}

func TestStartSession_AcksBeforeUpstreamHandshake(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.SessionStartGrace = 250 * time.Millisecond
	})
	if err := env.manager.StartSession("conn-1", koreanStartRequest(), env.sender); err != nil {
		t.Fatalf("failed to start session: %v", err)
	}

	if env.sender.startedCount() != 1 {
		t.Fatalf("expected an immediate started ack, got %d", env.sender.startedCount())
	}
	if env.stt.dials() != 0 {
		t.Fatalf("expected no dial before the grace period, got %d", env.stt.dials())
	}
	started := env.sender.startedEvents()[0]
	if started.SessionTargetID != "meeting-42" || started.Status != gateway.StatusStarted {
		t.Fatalf("unexpected started event: %+v", started)
	}
	if started.LanguageCode != "ko-KR" {
		t.Fatalf("unexpected language code: %q", started.LanguageCode)
	}
}

func TestStartSession_SecondStartReplacesRunningSession(t *testing.T) {
	env := newTestEnv(t)
	startStreamingSession(t, env, "conn-1", koreanStartRequest())

	if err := env.manager.StartSession("conn-1", koreanStartRequest(), env.sender); err != nil {
		t.Fatalf("expected second start to replace the session, got %v", err)
	}
	if env.manager.ActiveSessionCount() != 1 {
		t.Fatalf("expected one active session, got %d", env.manager.ActiveSessionCount())
	}

	waitUntil(t, time.Second, func() bool { return len(env.sender.stoppedEvents()) == 1 }, "replaced session should be stopped")
	if got := env.sender.stoppedEvents()[0].Reason; got != StopReasonReplaced {
		t.Fatalf("unexpected stop reason: %q", got)
	}
	waitUntil(t, time.Second, func() bool { return env.stt.dials() == 2 }, "replacement session should dial upstream")
	if env.repo.createCount() != 2 {
		t.Fatalf("expected two session records, got %d", env.repo.createCount())
	}
}

func TestStartSession_RepoFailureReturnsError(t *testing.T) {
	env := newTestEnv(t)
	env.repo.createErr = errors.New("db down")

	if err := env.manager.StartSession("conn-1", koreanStartRequest(), env.sender); err == nil {
		t.Fatal("expected an error when the session record cannot be created")
	}
	if env.manager.ActiveSessionCount() != 0 {
		t.Fatal("expected no active session")
	}
	if env.sender.startedCount() != 0 {
		t.Fatal("expected no started ack")
	}
}

func TestStartSession_UnsupportedLanguage(t *testing.T) {
	env := newTestEnv(t)

	req := koreanStartRequest()
	req.LanguageCode = "fr-FR"
	if err := env.manager.StartSession("conn-1", req, env.sender); !errors.Is(err, language.ErrUnsupported) {
		t.Fatalf("expected unsupported language error, got %v", err)
	}

	req = koreanStartRequest()
	req.TargetLanguageCode = "de-DE"
	if err := env.manager.StartSession("conn-1", req, env.sender); !errors.Is(err, language.ErrUnsupported) {
		t.Fatalf("expected unsupported target language error, got %v", err)
	}

	if env.stt.dials() != 0 {
		t.Fatalf("expected no upstream dial, got %d", env.stt.dials())
	}
	if env.manager.ActiveSessionCount() != 0 {
		t.Fatalf("expected no active session, got %d", env.manager.ActiveSessionCount())
	}
}

func TestStartSession_UnknownAudioFormat(t *testing.T) {
	env := newTestEnv(t)

	req := koreanStartRequest()
	req.AudioFormat = "mp3"
	err := env.manager.StartSession("conn-1", req, env.sender)
	if !errors.Is(err, audio.ErrMalformedFrame) {
		t.Fatalf("expected malformed frame error, got %v", err)
	}
}

func TestHandleAudioFrame_ResamplesAndForwardsUpstream(t *testing.T) {
	env := newTestEnv(t)
	req := koreanStartRequest()
	req.SampleRateHz = 32000
	startStreamingSession(t, env, "conn-1", req)

	frame := float32Frame(0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8)
	if err := env.manager.HandleAudioFrame("conn-1", frame); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	writer := env.stt.writer(0)
	waitUntil(t, time.Second, func() bool { return writer.frameCount() == 1 }, "frame should reach the upstream writer")
	// 8 samples at 32 kHz become 4 samples at 16 kHz, 2 bytes each.
	if got := len(writer.frameAt(0)); got != 8 {
		t.Fatalf("expected 8 bytes of resampled PCM, got %d", got)
	}
}

func TestHandleAudioFrame_PreservesArrivalOrder(t *testing.T) {
	env := newTestEnv(t)
	startStreamingSession(t, env, "conn-1", koreanStartRequest())

	const frameCount = 32
	want := make([][]byte, 0, frameCount)
	for i := 0; i < frameCount; i++ {
		v := float32(i+1) / float32(frameCount)
		if err := env.manager.HandleAudioFrame("conn-1", float32Frame(v, v)); err != nil {
			t.Fatalf("frame %d: %v", i, err)
		}
		want = append(want, audio.EncodePCM16LE([]float32{v, v}))
	}

	writer := env.stt.writer(0)
	waitUntil(t, time.Second, func() bool { return writer.frameCount() == frameCount }, "every frame should reach the upstream writer")
	for i := 0; i < frameCount; i++ {
		if !bytes.Equal(writer.frameAt(i), want[i]) {
			t.Fatalf("frame %d arrived out of order", i)
		}
	}
}

func TestStop_UnblocksPendingFramePush(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.SessionStartGrace = time.Second
		cfg.AudioChannelCapacity = 1
	})
	if err := env.manager.StartSession("conn-1", koreanStartRequest(), env.sender); err != nil {
		t.Fatalf("failed to start session: %v", err)
	}

	// The pump is still in its grace wait, so the first frame fills the
	// queue and the second blocks.
	if err := env.manager.HandleAudioFrame("conn-1", float32Frame(0.1, 0.2)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	unblocked := make(chan error, 1)
	go func() {
		unblocked <- env.manager.HandleAudioFrame("conn-1", float32Frame(0.3, 0.4))
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-unblocked:
		t.Fatal("expected the second frame to block while the queue is full")
	default:
	}

	env.manager.StopSession("conn-1", StopReasonClient)
	select {
	case err := <-unblocked:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("expected the blocked frame push to unblock on stop")
	}
}

func TestHandleAudioFrame_AfterStopIsRejected(t *testing.T) {
	env := newTestEnv(t)
	startStreamingSession(t, env, "conn-1", koreanStartRequest())
	writer := env.stt.writer(0)

	env.manager.StopSession("conn-1", StopReasonClient)
	waitUntil(t, time.Second, func() bool { return len(env.sender.stoppedEvents()) == 1 }, "client should receive a stopped event")

	err := env.manager.HandleAudioFrame("conn-1", float32Frame(0.5, 0.5))
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
	if got := writer.frameCount(); got != 0 {
		t.Fatalf("expected no upstream writes after stop, got %d", got)
	}
}

func TestHandleAudioFrame_UnknownSession(t *testing.T) {
	env := newTestEnv(t)

	err := env.manager.HandleAudioFrame("ghost", float32Frame(0.1))
	if !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestHandleAudioFrame_MalformedFrameKeepsSessionRunning(t *testing.T) {
	env := newTestEnv(t)
	startStreamingSession(t, env, "conn-1", koreanStartRequest())

	err := env.manager.HandleAudioFrame("conn-1", []byte{0x01, 0x02, 0x03})
	if !errors.Is(err, audio.ErrMalformedFrame) {
		t.Fatalf("expected malformed frame error, got %v", err)
	}
	if env.manager.ActiveSessionCount() != 1 {
		t.Fatal("expected session to keep running after a malformed frame")
	}

	if err := env.manager.HandleAudioFrame("conn-1", float32Frame(0.1, 0.2)); err != nil {
		t.Fatalf("expected later frames to be accepted, got %v", err)
	}
	writer := env.stt.writer(0)
	waitUntil(t, time.Second, func() bool { return writer.frameCount() == 1 }, "valid frame should still be forwarded")
}

func TestStopSession_FinalizesAndAcksClient(t *testing.T) {
	env := newTestEnv(t)
	env.repo.listSegments = []repository.TranscriptSegment{
		{SessionID: "conn-1", ResultID: "r-1", SegmentIndex: 0, Content: "안녕하세요", StartMS: 1000, EndMS: 2500},
		{SessionID: "conn-1", ResultID: "r-2", SegmentIndex: 1, Content: "반갑습니다", StartMS: 3000, EndMS: 4200},
	}
	startStreamingSession(t, env, "conn-1", koreanStartRequest())

	if stopped := env.manager.StopSession("conn-1", StopReasonClient); !stopped {
		t.Fatal("expected session to be found")
	}
	if env.manager.ActiveSessionCount() != 0 {
		t.Fatal("expected session to be removed immediately")
	}

	waitUntil(t, time.Second, func() bool { return len(env.sender.stoppedEvents()) == 1 }, "client should receive a stopped event")
	stoppedEvent := env.sender.stoppedEvents()[0]
	if stoppedEvent.SessionTargetID != "meeting-42" || stoppedEvent.Status != gateway.StatusStopped {
		t.Fatalf("unexpected stopped event: %+v", stoppedEvent)
	}
	if stoppedEvent.Reason != StopReasonClient {
		t.Fatalf("unexpected stop reason: %q", stoppedEvent.Reason)
	}

	waitUntil(t, time.Second, func() bool { return env.repo.outputCount() == 1 }, "session output should be saved")
	reasons := env.repo.completedReasons()
	if len(reasons) != 1 || reasons[0] != StopReasonClient {
		t.Fatalf("unexpected completion reasons: %v", reasons)
	}
	if env.repo.completed[0].SessionID != "rec-1" {
		t.Fatalf("expected completion keyed by the record id, got %q", env.repo.completed[0].SessionID)
	}

	waitUntil(t, time.Second, func() bool { return len(env.wh.delivered()) == 1 }, "webhook should be delivered")
	payload := env.wh.delivered()[0]
	if payload.SessionID != "rec-1" || payload.SegmentCount != 2 || payload.StopReason != StopReasonClient {
		t.Fatalf("unexpected webhook payload: %+v", payload)
	}
	if payload.Transcript != "안녕하세요\n반갑습니다" {
		t.Fatalf("unexpected transcript: %q", payload.Transcript)
	}

	if !env.stt.writer(0).isClosed() {
		t.Fatal("expected upstream writer to be closed")
	}
}

func TestStopSession_UnknownID(t *testing.T) {
	env := newTestEnv(t)
	if env.manager.StopSession("ghost", StopReasonClient) {
		t.Fatal("expected StopSession to report an unknown session")
	}
}

func TestStopDuringGrace_SkipsUpstreamDial(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.SessionStartGrace = 200 * time.Millisecond
	})
	if err := env.manager.StartSession("conn-1", koreanStartRequest(), env.sender); err != nil {
		t.Fatalf("failed to start session: %v", err)
	}

	if stopped := env.manager.StopSession("conn-1", StopReasonClient); !stopped {
		t.Fatal("expected session to be found")
	}
	waitUntil(t, time.Second, func() bool { return len(env.sender.stoppedEvents()) == 1 }, "client should receive a stopped event")

	if env.stt.dials() != 0 {
		t.Fatalf("expected the upstream dial to be abandoned, got %d dials", env.stt.dials())
	}
	waitUntil(t, time.Second, func() bool { return len(env.repo.completedReasons()) == 1 }, "session record should still complete")
}

func TestUpstreamErrorStopsSessionWithErrorEvent(t *testing.T) {
	env := newTestEnv(t)
	startStreamingSession(t, env, "conn-1", koreanStartRequest())

	env.stt.receiver(0).OnError(errors.New("stream blew up"))

	waitUntil(t, time.Second, func() bool { return env.manager.ActiveSessionCount() == 0 }, "session should stop on upstream error")
	waitUntil(t, time.Second, func() bool { return len(env.sender.errorEvents()) == 1 }, "client should receive an error event")
	errorEvent := env.sender.errorEvents()[0]
	if errorEvent.SessionTargetID != "meeting-42" || errorEvent.Error.Code != gateway.CodeInternal {
		t.Fatalf("unexpected error event: %+v", errorEvent)
	}
	waitUntil(t, time.Second, func() bool { return len(env.sender.stoppedEvents()) == 1 }, "client should receive a stopped event")

	waitUntil(t, time.Second, func() bool { return len(env.repo.completedReasons()) == 1 }, "session record should complete")
	if reasons := env.repo.completedReasons(); reasons[0] != StopReasonUpstream {
		t.Fatalf("unexpected stop reason: %v", reasons)
	}
}

func TestUpstreamWriteFailureStopsSession(t *testing.T) {
	env := newTestEnv(t)
	startStreamingSession(t, env, "conn-1", koreanStartRequest())
	env.stt.writer(0).setWriteErr(errors.New("pipe broken"))

	if err := env.manager.HandleAudioFrame("conn-1", float32Frame(0.1, 0.2)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	waitUntil(t, time.Second, func() bool { return env.manager.ActiveSessionCount() == 0 }, "session should stop when the upstream write fails")
	waitUntil(t, time.Second, func() bool { return len(env.sender.errorEvents()) == 1 }, "client should receive an error event")
	waitUntil(t, time.Second, func() bool { return len(env.repo.completedReasons()) == 1 }, "session record should complete")
	if reasons := env.repo.completedReasons(); reasons[0] != StopReasonUpstream {
		t.Fatalf("unexpected stop reason: %v", reasons)
	}
}

func TestUpstreamCancellationAfterStopIsQuiet(t *testing.T) {
	env := newTestEnv(t)
	startStreamingSession(t, env, "conn-1", koreanStartRequest())
	receiver := env.stt.receiver(0)

	env.manager.StopSession("conn-1", StopReasonClient)
	waitUntil(t, time.Second, func() bool { return len(env.sender.stoppedEvents()) == 1 }, "client should receive a stopped event")

	receiver.OnError(context.Canceled)
	if len(env.sender.errorEvents()) != 0 {
		t.Fatalf("expected no error event for post-stop cancellation, got %d", len(env.sender.errorEvents()))
	}
}

func TestFinalResultsReachClientBufferAndPublisher(t *testing.T) {
	env := newTestEnv(t)
	startStreamingSession(t, env, "conn-1", koreanStartRequest())
	receiver := env.stt.receiver(0)

	receiver.OnResult(transcriber.Result{ResultID: "r-1", Text: "안녕", IsPartial: true})
	receiver.OnResult(finalResult("r-1", "안녕하세요"))

	waitUntil(t, time.Second, func() bool { return len(env.sender.resultEvents()) == 2 }, "both results should reach the client")
	if got := env.sender.resultEvents()[0]; !got.IsPartial {
		t.Fatal("expected first event to be partial")
	}

	waitUntil(t, time.Second, func() bool { return env.repo.batchCount() >= 1 }, "final should be flushed to storage")
	saved := env.repo.savedSegments()
	if len(saved) != 1 || saved[0].Content != "안녕하세요" || saved[0].SegmentIndex != 0 {
		t.Fatalf("unexpected saved segments: %+v", saved)
	}
	if saved[0].ResultID != "r-1" {
		t.Fatalf("unexpected result id: %q", saved[0].ResultID)
	}

	messages := env.pub.published()
	if len(messages) != 1 {
		t.Fatalf("expected one phrase message, got %d", len(messages))
	}
	if messages[0].Text != "안녕하세요" || !messages[0].IsLast || messages[0].PhraseIndex != 0 {
		t.Fatalf("unexpected phrase message: %+v", messages[0])
	}
}

func TestFinalWithTargetLanguageSplitsIntoPhrases(t *testing.T) {
	env := newTestEnv(t)
	req := koreanStartRequest()
	req.TargetLanguageCode = "ja-JP"
	startStreamingSession(t, env, "conn-1", req)

	env.stt.receiver(0).OnResult(finalResult("r-1", "오늘은 날씨가 좋지만 내일은 비가 올 것 같습니다"))

	waitUntil(t, time.Second, func() bool { return len(env.pub.published()) == 2 }, "final should split into two phrases")
	messages := env.pub.published()
	if messages[0].PhraseIndex != 0 || messages[0].IsLast {
		t.Fatalf("unexpected first phrase: %+v", messages[0])
	}
	if messages[1].PhraseIndex != 1 || !messages[1].IsLast {
		t.Fatalf("unexpected second phrase: %+v", messages[1])
	}
	if messages[0].Text != "오늘은 날씨가 좋지만" {
		t.Fatalf("unexpected first phrase text: %q", messages[0].Text)
	}
	for _, msg := range messages {
		if msg.SessionID != "rec-1" || msg.ResultID != "r-1" || msg.TargetLanguageCode != "ja-JP" {
			t.Fatalf("unexpected phrase envelope: %+v", msg)
		}
		if msg.SessionTargetID != "meeting-42" {
			t.Fatalf("unexpected session target: %+v", msg)
		}
	}
}

func TestStopAllSessions_WaitsForFinalization(t *testing.T) {
	env := newTestEnv(t)
	startStreamingSession(t, env, "conn-1", koreanStartRequest())

	secondSender := &mockSender{}
	if err := env.manager.StartSession("conn-2", koreanStartRequest(), secondSender); err != nil {
		t.Fatalf("failed to start second session: %v", err)
	}
	waitUntil(t, time.Second, func() bool { return isStreaming(env, "conn-2") }, "second session should reach streaming")

	count := env.manager.StopAllSessions(StopReasonShutdown)
	if count != 2 {
		t.Fatalf("expected 2 stopped sessions, got %d", count)
	}
	if env.manager.ActiveSessionCount() != 0 {
		t.Fatal("expected no active sessions")
	}
	// StopAllSessions waits for finalization, so deliveries are already done.
	if got := len(env.wh.delivered()); got != 2 {
		t.Fatalf("expected 2 webhook deliveries, got %d", got)
	}
}

func TestMaxDurationStopsSession(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.SessionMaxDuration = 60 * time.Millisecond
	})
	startStreamingSession(t, env, "conn-1", koreanStartRequest())

	waitUntil(t, time.Second, func() bool { return env.manager.ActiveSessionCount() == 0 }, "session should stop at max duration")
	waitUntil(t, time.Second, func() bool { return len(env.repo.completedReasons()) == 1 }, "session record should complete")
	if reasons := env.repo.completedReasons(); reasons[0] != StopReasonMaxDuration {
		t.Fatalf("unexpected stop reason: %v", reasons)
	}
}

func TestHandleDisconnect_StopsSession(t *testing.T) {
	env := newTestEnv(t)
	startStreamingSession(t, env, "conn-1", koreanStartRequest())

	env.manager.HandleDisconnect("conn-1")

	if env.manager.ActiveSessionCount() != 0 {
		t.Fatal("expected session to stop on disconnect")
	}
	waitUntil(t, time.Second, func() bool { return len(env.repo.completedReasons()) == 1 }, "session record should complete")
	if reasons := env.repo.completedReasons(); reasons[0] != StopReasonDisconnect {
		t.Fatalf("unexpected stop reason: %v", reasons)
	}
}

func TestRunSessionWorker_PanicStopsSession(t *testing.T) {
	env := newTestEnv(t)
	startStreamingSession(t, env, "conn-1", koreanStartRequest())

	env.manager.runSessionWorker("conn-1", "test_worker", func() {
		panic("boom")
	})

	waitUntil(t, time.Second, func() bool { return env.manager.ActiveSessionCount() == 0 }, "session should stop after worker panic")
	waitUntil(t, time.Second, func() bool { return len(env.repo.completedReasons()) == 1 }, "session record should complete")
	if reasons := env.repo.completedReasons(); reasons[0] != StopReasonInternal {
		t.Fatalf("unexpected stop reason: %v", reasons)
	}
}

func TestRecoverOrphans_MarksLeftoverSessions(t *testing.T) {
	env := newTestEnv(t)
	env.repo.orphanCount = 3

	if err := env.manager.RecoverOrphans(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(env.repo.orphanReasons) != 1 || env.repo.orphanReasons[0] != StopReasonOrphaned {
		t.Fatalf("unexpected orphan cleanup calls: %v", env.repo.orphanReasons)
	}
}

func waitUntil(t *testing.T, timeout time.Duration, cond func() bool, message string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(message)
}
