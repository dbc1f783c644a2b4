package publisher

import (
	"github.com/samber/do/v2"

	"github.com/eumlab/speechbridge/internal/config"
	"github.com/eumlab/speechbridge/internal/publisher"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (publisher.Publisher, error) {
		c := do.MustInvoke[*config.Config](i)
		return NewKafkaPublisher(KafkaConfig{
			Brokers: c.KafkaBrokers,
			Topic:   c.KafkaPhraseTopic,
		}), nil
	})
}
