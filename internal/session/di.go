package session

import (
	"github.com/eumlab/speechbridge/internal/audio"
	"github.com/eumlab/speechbridge/internal/config"
	"github.com/eumlab/speechbridge/internal/metrics"
	"github.com/eumlab/speechbridge/internal/publisher"
	"github.com/eumlab/speechbridge/internal/repository"
	"github.com/eumlab/speechbridge/internal/transcriber"
	"github.com/eumlab/speechbridge/internal/transcript"
	"github.com/eumlab/speechbridge/internal/webhook"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*Manager, error) {
		cfg := do.MustInvoke[*config.Config](i)
		repo := do.MustInvoke[repository.Repository](i)
		stt := do.MustInvoke[transcriber.Transcriber](i)
		wh := do.MustInvoke[webhook.Sender](i)
		pub := do.MustInvoke[publisher.Publisher](i)
		mtr := do.MustInvoke[*metrics.Metrics](i)
		newDecoder := do.MustInvoke[audio.FrameDecoderFactory](i)
		newBuffer := do.MustInvoke[transcript.BufferFactory](i)
		return NewManager(cfg, repo, stt, wh, pub, mtr, newDecoder, newBuffer), nil
	})
}
