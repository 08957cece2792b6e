package source

import (
	"fmt"

	"github.com/genricoloni/coverd/internal/config"
	"github.com/genricoloni/coverd/internal/domain"
	"go.uber.org/zap"
)

var (
	_ domain.Source = (*MQTTSource)(nil)
	_ domain.Source = (*AMQPSource)(nil)
	_ domain.Source = (*MPRISSource)(nil)
	_ domain.Source = (*MPDSource)(nil)
)

// New builds the source selected by cfg.Source
func New(logger *zap.Logger, cfg *config.AppConfig) (domain.Source, error) {
	logger = logger.Named("source").With(zap.String("kind", cfg.Source))

	switch cfg.Source {
	case config.SourceMQTT:
		return NewMQTTSource(logger, cfg.MQTT), nil
	case config.SourceAMQP:
		return NewAMQPSource(logger, cfg.AMQP, cfg.MQTT.Topic), nil
	case config.SourceMPRIS:
		return NewMPRISSource(logger), nil
	case config.SourceMPD:
		return NewMPDSource(logger, cfg.MPD), nil
	}
	return nil, fmt.Errorf("unknown source %q", cfg.Source)
}
