package httpserver

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/do/v2"

	gatewayimpl "github.com/eumlab/speechbridge/external/gateway"
	"github.com/eumlab/speechbridge/internal/config"
	"github.com/eumlab/speechbridge/internal/metrics"
	"github.com/eumlab/speechbridge/internal/presign"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*Server, error) {
		cfg := do.MustInvoke[*config.Config](i)
		ws := do.MustInvoke[*gatewayimpl.Server](i)
		return NewServer(Config{
			ListenAddr:        cfg.HTTPListenAddr,
			DefaultSampleRate: cfg.UpstreamSampleRateHz,
			Signer:            do.MustInvoke[*presign.Signer](i),
			Metrics:           do.MustInvoke[*metrics.Metrics](i),
			Registry:          do.MustInvoke[*prometheus.Registry](i),
			WS:                ws.ServeWS,
		}), nil
	})
}
