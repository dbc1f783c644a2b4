package presign

import (
	"github.com/eumlab/speechbridge/internal/config"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*Signer, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return NewSigner(Config{
			AccessKeyID:     cfg.AWSAccessKeyID,
			SecretAccessKey: cfg.AWSSecretAccessKey,
			Region:          cfg.AWSRegion,
			Endpoint:        cfg.TranscribeEndpoint,
			ExpiresIn:       cfg.PresignExpiresIn,
		}), nil
	})
}
