package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	internalconfig "github.com/eumlab/speechbridge/internal/config"
)

type envConfig struct {
	Env            string `env:"ENV" envDefault:"production"`
	HTTPListenAddr string `env:"HTTP_LISTEN_ADDR" envDefault:":8080"`
	DatabaseURL    string `env:"DATABASE_URL,required"`

	STTProvider string `env:"STT_PROVIDER" envDefault:"transcribe"`

	AWSAccessKeyID     string        `env:"AWS_ACCESS_KEY_ID"`
	AWSSecretAccessKey string        `env:"AWS_SECRET_ACCESS_KEY"`
	AWSRegion          string        `env:"AWS_REGION" envDefault:"ap-northeast-2"`
	TranscribeEndpoint string        `env:"TRANSCRIBE_ENDPOINT"`
	PresignExpiresIn   time.Duration `env:"PRESIGN_EXPIRES_IN" envDefault:"300s"`

	GoogleCloudProjectID       string `env:"GOOGLE_CLOUD_PROJECT_ID"`
	GoogleCloudCredentialsJSON string `env:"GOOGLE_CLOUD_CREDENTIALS_JSON"`
	GoogleCloudSpeechLocation  string `env:"GOOGLE_CLOUD_SPEECH_LOCATION" envDefault:"asia-northeast1"`
	GoogleCloudSpeechModel     string `env:"GOOGLE_CLOUD_SPEECH_MODEL" envDefault:"chirp_3"`

	UpstreamSampleRateHz     int           `env:"UPSTREAM_SAMPLE_RATE_HZ" envDefault:"16000"`
	SessionStartGrace        time.Duration `env:"SESSION_START_GRACE" envDefault:"300ms"`
	UpstreamHandshakeTimeout time.Duration `env:"UPSTREAM_HANDSHAKE_TIMEOUT" envDefault:"7s"`
	AudioChannelCapacity     int           `env:"AUDIO_CHANNEL_CAPACITY" envDefault:"64"`
	SessionMaxDuration       time.Duration `env:"SESSION_MAX_DURATION" envDefault:"4h"`

	BufferFlushCount    int           `env:"BUFFER_FLUSH_COUNT" envDefault:"10"`
	BufferFlushInterval time.Duration `env:"BUFFER_FLUSH_INTERVAL" envDefault:"10s"`

	TranscriptWebhookURL string `env:"TRANSCRIPT_WEBHOOK_URL"`

	KafkaBrokers     []string `env:"KAFKA_BROKERS"`
	KafkaPhraseTopic string   `env:"KAFKA_PHRASE_TOPIC" envDefault:"transcript.phrases"`

	Timezone string `env:"TIMEZONE" envDefault:"Asia/Seoul"`
}

func Load() (*internalconfig.Config, error) {
	var raw envConfig
	if err := env.Parse(&raw); err != nil {
		return nil, fmt.Errorf("environment variables are invalid or missing: %w", err)
	}

	cfg := &internalconfig.Config{
		Env:                        raw.Env,
		HTTPListenAddr:             raw.HTTPListenAddr,
		DatabaseURL:                raw.DatabaseURL,
		STTProvider:                raw.STTProvider,
		AWSAccessKeyID:             raw.AWSAccessKeyID,
		AWSSecretAccessKey:         raw.AWSSecretAccessKey,
		AWSRegion:                  raw.AWSRegion,
		TranscribeEndpoint:         raw.TranscribeEndpoint,
		PresignExpiresIn:           raw.PresignExpiresIn,
		GoogleCloudProjectID:       raw.GoogleCloudProjectID,
		GoogleCloudCredentialsJSON: raw.GoogleCloudCredentialsJSON,
		GoogleCloudSpeechLocation:  raw.GoogleCloudSpeechLocation,
		GoogleCloudSpeechModel:     raw.GoogleCloudSpeechModel,
		UpstreamSampleRateHz:       raw.UpstreamSampleRateHz,
		SessionStartGrace:          raw.SessionStartGrace,
		UpstreamHandshakeTimeout:   raw.UpstreamHandshakeTimeout,
		AudioChannelCapacity:       raw.AudioChannelCapacity,
		SessionMaxDuration:         raw.SessionMaxDuration,
		BufferFlushCount:           raw.BufferFlushCount,
		BufferFlushInterval:        raw.BufferFlushInterval,
		TranscriptWebhookURL:       raw.TranscriptWebhookURL,
		KafkaBrokers:               raw.KafkaBrokers,
		KafkaPhraseTopic:           raw.KafkaPhraseTopic,
		Timezone:                   raw.Timezone,
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
