package transcriber

import (
	"fmt"

	"github.com/samber/do/v2"

	"github.com/eumlab/speechbridge/internal/config"
	"github.com/eumlab/speechbridge/internal/presign"
	"github.com/eumlab/speechbridge/internal/transcriber"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (transcriber.Transcriber, error) {
		c := do.MustInvoke[*config.Config](i)
		switch c.STTProvider {
		case config.STTProviderTranscribe:
			return NewTranscribeTranscriber(TranscribeConfig{
				Signer:           do.MustInvoke[*presign.Signer](i),
				HandshakeTimeout: c.UpstreamHandshakeTimeout,
			}), nil
		case config.STTProviderGoogle:
			return NewCloudSpeechTranscriber(CloudSpeechConfig{
				ProjectID:       c.GoogleCloudProjectID,
				CredentialsJSON: c.GoogleCloudCredentialsJSON,
				Location:        c.GoogleCloudSpeechLocation,
				Model:           c.GoogleCloudSpeechModel,
			}), nil
		default:
			return nil, fmt.Errorf("unknown stt provider %q", c.STTProvider)
		}
	})
}
