package publisher

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/eumlab/speechbridge/internal/publisher"
)

const (
	kafkaDialTimeout  = 10 * time.Second
	kafkaWriteTimeout = 10 * time.Second
	kafkaBatchTimeout = 10 * time.Millisecond
)

type KafkaConfig struct {
	Brokers []string
	Topic   string
}

// KafkaPublisher writes phrase messages keyed by session id, so one session's
// phrases land on a single partition in order. Without brokers configured it
// degrades to log-only mode.
type KafkaPublisher struct {
	writer *kafka.Writer
	topic  string
}

func NewKafkaPublisher(cfg KafkaConfig) publisher.Publisher {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		slog.Info("phrase publisher disabled; phrases are logged only")
		return &KafkaPublisher{}
	}

	dialer := &kafka.Dialer{
		Timeout:   kafkaDialTimeout,
		DualStack: true,
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: kafkaBatchTimeout,
		WriteTimeout: kafkaWriteTimeout,
		RequiredAcks: kafka.RequireOne,
		Transport:    &kafka.Transport{Dial: dialer.DialFunc},
	}
	slog.Info("phrase publisher initialized", "brokers", cfg.Brokers, "topic", cfg.Topic)
	return &KafkaPublisher{writer: writer, topic: cfg.Topic}
}

func (p *KafkaPublisher) PublishPhrase(ctx context.Context, msg publisher.PhraseMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if p.writer == nil {
		slog.Debug("phrase publish skipped",
			"session_id", msg.SessionID, "result_id", msg.ResultID, "phrase_index", msg.PhraseIndex)
		return nil
	}

	kmsg := kafka.Message{
		Key:   []byte(msg.SessionID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "languageCode", Value: []byte(msg.LanguageCode)},
			{Key: "targetLanguageCode", Value: []byte(msg.TargetLanguageCode)},
		},
	}
	if err := p.writer.WriteMessages(ctx, kmsg); err != nil {
		slog.Error("failed to publish phrase",
			"session_id", msg.SessionID, "topic", p.topic, "error", err)
		return err
	}
	return nil
}

func (p *KafkaPublisher) Close() error {
	if p.writer == nil {
		return nil
	}
	return p.writer.Close()
}
