package config

import (
	"fmt"
	"time"
)

// Recognized STT_PROVIDER values.
const (
	STTProviderTranscribe = "transcribe"
	STTProviderGoogle     = "google"
)

type Config struct {
	Env            string
	HTTPListenAddr string
	DatabaseURL    string

	STTProvider string

	AWSAccessKeyID     string
	AWSSecretAccessKey string
	AWSRegion          string
	TranscribeEndpoint string
	PresignExpiresIn   time.Duration

	GoogleCloudProjectID       string
	GoogleCloudCredentialsJSON string
	GoogleCloudSpeechLocation  string
	GoogleCloudSpeechModel     string

	UpstreamSampleRateHz     int
	SessionStartGrace        time.Duration
	UpstreamHandshakeTimeout time.Duration
	AudioChannelCapacity     int
	SessionMaxDuration       time.Duration

	BufferFlushCount    int
	BufferFlushInterval time.Duration

	TranscriptWebhookURL string

	KafkaBrokers     []string
	KafkaPhraseTopic string

	Timezone string
}

func (c *Config) Validate() error {
	for _, req := range c.requiredFieldChecks() {
		if req.value == "" {
			return fmt.Errorf("%s is required", req.name)
		}
	}
	switch c.STTProvider {
	case STTProviderTranscribe, STTProviderGoogle:
	default:
		return fmt.Errorf("STT_PROVIDER must be %q or %q, got %q", STTProviderTranscribe, STTProviderGoogle, c.STTProvider)
	}
	if c.STTProvider == STTProviderGoogle {
		if c.GoogleCloudProjectID == "" {
			return fmt.Errorf("GOOGLE_CLOUD_PROJECT_ID is required when STT_PROVIDER=%s", STTProviderGoogle)
		}
		if c.GoogleCloudCredentialsJSON == "" {
			return fmt.Errorf("GOOGLE_CLOUD_CREDENTIALS_JSON is required when STT_PROVIDER=%s", STTProviderGoogle)
		}
	}
	if c.PresignExpiresIn <= 0 {
		return fmt.Errorf("PRESIGN_EXPIRES_IN must be positive, got %s", c.PresignExpiresIn)
	}
	if c.UpstreamSampleRateHz <= 0 {
		return fmt.Errorf("UPSTREAM_SAMPLE_RATE_HZ must be positive, got %d", c.UpstreamSampleRateHz)
	}
	if c.SessionStartGrace < 0 {
		return fmt.Errorf("SESSION_START_GRACE must not be negative, got %s", c.SessionStartGrace)
	}
	if c.UpstreamHandshakeTimeout <= 0 {
		return fmt.Errorf("UPSTREAM_HANDSHAKE_TIMEOUT must be positive, got %s", c.UpstreamHandshakeTimeout)
	}
	if c.AudioChannelCapacity <= 0 {
		return fmt.Errorf("AUDIO_CHANNEL_CAPACITY must be positive, got %d", c.AudioChannelCapacity)
	}
	if c.SessionMaxDuration <= 0 {
		return fmt.Errorf("SESSION_MAX_DURATION must be positive, got %s", c.SessionMaxDuration)
	}
	if c.BufferFlushCount <= 0 {
		return fmt.Errorf("BUFFER_FLUSH_COUNT must be positive, got %d", c.BufferFlushCount)
	}
	if c.BufferFlushInterval <= 0 {
		return fmt.Errorf("BUFFER_FLUSH_INTERVAL must be positive, got %s", c.BufferFlushInterval)
	}
	if len(c.KafkaBrokers) > 0 && c.KafkaPhraseTopic == "" {
		return fmt.Errorf("KAFKA_PHRASE_TOPIC is required when KAFKA_BROKERS is set")
	}
	if c.Timezone == "" {
		return fmt.Errorf("TIMEZONE is required")
	}
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("TIMEZONE is invalid: %w", err)
	}
	return nil
}

type requiredEnvField struct {
	name  string
	value string
}

func (c *Config) requiredFieldChecks() []requiredEnvField {
	return []requiredEnvField{
		{name: "HTTP_LISTEN_ADDR", value: c.HTTPListenAddr},
		{name: "DATABASE_URL", value: c.DatabaseURL},
	}
}

func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}
