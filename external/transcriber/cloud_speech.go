package transcriber

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"cloud.google.com/go/auth/credentials"
	speech "cloud.google.com/go/speech/apiv2"
	speechpb "cloud.google.com/go/speech/apiv2/speechpb"
	"github.com/rs/xid"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/eumlab/speechbridge/internal/language"
	"github.com/eumlab/speechbridge/internal/transcriber"
)

const (
	speechAPIEndpointPort = 443
	audioChannelCount     = 1
)

type CloudSpeechConfig struct {
	ProjectID       string
	CredentialsJSON string
	Location        string
	Model           string
}

// CloudSpeechTranscriber is the alternative upstream. It speaks the Speech v2
// bidi gRPC stream and reconnects transparently when the service rotates the
// stream out from under a long session.
type CloudSpeechTranscriber struct {
	projectID       string
	credentialsJSON string
	location        string
	model           string
}

func NewCloudSpeechTranscriber(cfg CloudSpeechConfig) transcriber.Transcriber {
	return &CloudSpeechTranscriber{
		projectID:       cfg.ProjectID,
		credentialsJSON: cfg.CredentialsJSON,
		location:        strings.TrimSpace(cfg.Location),
		model:           strings.TrimSpace(cfg.Model),
	}
}

func (t *CloudSpeechTranscriber) StartStreaming(ctx context.Context, sessionID, languageCode string, sampleRateHz int, receiver transcriber.ResultReceiver) (transcriber.StreamWriter, error) {
	lang, ok := language.Normalize(languageCode)
	if !ok {
		return nil, fmt.Errorf("%w: %q", language.ErrUnsupported, languageCode)
	}
	slog.Info("starting cloud speech streaming",
		"session_id", sessionID, "location", t.location, "language", lang, "sample_rate", sampleRateHz, "model", t.model)

	creds, err := credentials.DetectDefault(&credentials.DetectOptions{
		CredentialsJSON: []byte(t.credentialsJSON),
		Scopes:          []string{"https://www.googleapis.com/auth/cloud-platform"},
	})
	if err != nil {
		return nil, fmt.Errorf("detect credentials: %w", err)
	}

	opts := []option.ClientOption{
		option.WithAuthCredentials(creds),
	}
	if t.location != "global" {
		opts = append(opts, option.WithEndpoint(fmt.Sprintf("%s-speech.googleapis.com:%d", t.location, speechAPIEndpointPort)))
	}

	client, err := speech.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", transcriber.ErrUpstreamHandshake, err)
	}
	stream, err := client.StreamingRecognize(ctx)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: %v", transcriber.ErrUpstreamHandshake, err)
	}

	recognizer := fmt.Sprintf("projects/%s/locations/%s/recognizers/_", t.projectID, t.location)
	sendConfig := func(s speechpb.Speech_StreamingRecognizeClient) error {
		return s.Send(&speechpb.StreamingRecognizeRequest{
			Recognizer: recognizer,
			StreamingRequest: &speechpb.StreamingRecognizeRequest_StreamingConfig{
				StreamingConfig: &speechpb.StreamingRecognitionConfig{
					Config: &speechpb.RecognitionConfig{
						Model:         t.model,
						LanguageCodes: []string{lang},
						DecodingConfig: &speechpb.RecognitionConfig_ExplicitDecodingConfig{
							ExplicitDecodingConfig: &speechpb.ExplicitDecodingConfig{
								Encoding:          speechpb.ExplicitDecodingConfig_LINEAR16,
								SampleRateHertz:   int32(sampleRateHz),
								AudioChannelCount: audioChannelCount,
							},
						},
						Features: &speechpb.RecognitionFeatures{
							EnableWordTimeOffsets: true,
							EnableWordConfidence:  true,
						},
					},
					StreamingFeatures: &speechpb.StreamingRecognitionFeatures{InterimResults: true},
				},
			},
		})
	}
	if err := sendConfig(stream); err != nil {
		_ = stream.CloseSend()
		_ = client.Close()
		return nil, fmt.Errorf("%w: %v", transcriber.ErrUpstreamHandshake, err)
	}
	slog.Info("cloud speech stream initialized", "session_id", sessionID)

	w := &googleStream{
		stream:   stream,
		receiver: receiver,
		newStreamFn: func() (speechpb.Speech_StreamingRecognizeClient, error) {
			next, err := client.StreamingRecognize(ctx)
			if err != nil {
				return nil, err
			}
			if err := sendConfig(next); err != nil {
				_ = next.CloseSend()
				return nil, err
			}
			return next, nil
		},
		closeFn: func() error {
			return client.Close()
		},
	}
	w.startReceiver(stream, receiver)

	return w, nil
}

type googleStream struct {
	mu          sync.Mutex
	closed      bool
	stream      speechpb.Speech_StreamingRecognizeClient
	receiver    transcriber.ResultReceiver
	newStreamFn func() (speechpb.Speech_StreamingRecognizeClient, error)
	closeFn     func() error
}

func (w *googleStream) Write(pcm []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return io.ErrClosedPipe
	}
	req := &speechpb.StreamingRecognizeRequest{
		StreamingRequest: &speechpb.StreamingRecognizeRequest_Audio{
			Audio: pcm,
		},
	}
	if err := w.stream.Send(req); err != nil {
		if !isReconnectableStreamError(err) {
			return err
		}
		slog.Warn("cloud speech send failed with reconnectable error; reconnecting", "error", err)
		if err := w.reconnectLocked(); err != nil {
			return fmt.Errorf("reconnect stream: %w", err)
		}
		return w.stream.Send(req)
	}
	return nil
}

func (w *googleStream) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.stream.CloseSend(); err != nil {
		_ = w.closeFn()
		return err
	}
	return w.closeFn()
}

func (w *googleStream) reconnectLocked() error {
	slog.Warn("cloud speech stream aborted; reconnecting")
	_ = w.stream.CloseSend()
	next, err := w.newStreamFn()
	if err != nil {
		slog.Error("failed to reconnect cloud speech stream", "error", err)
		return err
	}
	w.stream = next
	w.startReceiver(next, w.receiver)
	slog.Info("cloud speech stream reconnected")
	return nil
}

func (w *googleStream) startReceiver(stream speechpb.Speech_StreamingRecognizeClient, receiver transcriber.ResultReceiver) {
	go func() {
		// The service has no stable result ids, so each utterance slot gets a
		// synthetic one that lives until the slot finalizes.
		pending := map[int]string{}
		for {
			resp, err := stream.Recv()
			if err != nil {
				if err == io.EOF || strings.Contains(err.Error(), "context canceled") {
					slog.Info("cloud speech receive loop stopped", "reason", err.Error())
					return
				}
				if isReconnectableStreamError(err) {
					slog.Warn("cloud speech receive loop ended with reconnectable abort", "error", err)
					return
				}
				receiver.OnError(err)
				return
			}
			for i, result := range resp.GetResults() {
				if len(result.GetAlternatives()) == 0 {
					continue
				}
				id, ok := pending[i]
				if !ok {
					id = xid.New().String()
					pending[i] = id
				}
				if result.GetIsFinal() {
					delete(pending, i)
				}
				receiver.OnResult(toResult(id, result))
			}
		}
	}()
}

func toResult(id string, result *speechpb.StreamingRecognitionResult) transcriber.Result {
	alt := result.GetAlternatives()[0]
	words := make([]transcriber.Word, 0, len(alt.GetWords()))
	for _, w := range alt.GetWords() {
		words = append(words, transcriber.Word{
			Text:       w.GetWord(),
			StartMS:    w.GetStartOffset().AsDuration().Milliseconds(),
			EndMS:      w.GetEndOffset().AsDuration().Milliseconds(),
			Confidence: float64(w.GetConfidence()),
		})
	}
	startMS := int64(0)
	if len(words) > 0 {
		startMS = words[0].StartMS
	}
	return transcriber.Result{
		ResultID:  id,
		Text:      alt.GetTranscript(),
		IsPartial: !result.GetIsFinal(),
		StartMS:   startMS,
		EndMS:     result.GetResultEndOffset().AsDuration().Milliseconds(),
		Words:     words,
	}
}

func isReconnectableStreamError(err error) bool {
	if err == io.EOF || strings.Contains(strings.ToLower(err.Error()), "eof") {
		return true
	}
	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.Aborted {
		return false
	}
	msg := strings.ToLower(st.Message())
	return strings.Contains(msg, "max duration of 5 minutes") ||
		strings.Contains(msg, "stream timed out after receiving no more client requests")
}
