package transcript

import (
	"github.com/samber/do/v2"

	"github.com/eumlab/speechbridge/internal/config"
	"github.com/eumlab/speechbridge/internal/metrics"
	"github.com/eumlab/speechbridge/internal/repository"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (BufferFactory, error) {
		cfg := do.MustInvoke[*config.Config](i)
		repo := do.MustInvoke[repository.Repository](i)
		m := do.MustInvoke[*metrics.Metrics](i)
		return func(sessionID string) *Buffer {
			return NewBuffer(BufferConfig{
				SessionID:     sessionID,
				Store:         repo,
				Metrics:       m,
				FlushCount:    cfg.BufferFlushCount,
				FlushInterval: cfg.BufferFlushInterval,
			})
		}, nil
	})
}
