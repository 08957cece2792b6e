package source

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/genricoloni/coverd/internal/config"
	"go.uber.org/zap"
)

const (
	_mqttQoS             = 0
	_mqttKeepAlive       = 60 * time.Second
	_mqttRetryInterval   = 5 * time.Second
	_mqttDisconnectQuiet = 250 // milliseconds
)

// MQTTSource subscribes to the now-playing topic on an MQTT broker.
// The connection is retried until Stop; the subscription is renewed on every
// (re)connect so a broker restart does not silently end the stream.
type MQTTSource struct {
	*emitter
	cfg config.MQTTConfig

	newClient func(*mqtt.ClientOptions) mqtt.Client

	mu     sync.Mutex
	client mqtt.Client
	ctx    context.Context
	cancel context.CancelFunc
}

// NewMQTTSource creates an MQTT source. Nothing connects until Start.
func NewMQTTSource(logger *zap.Logger, cfg config.MQTTConfig) *MQTTSource {
	s := &MQTTSource{
		emitter:   newEmitter(logger),
		cfg:       cfg,
		newClient: mqtt.NewClient,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

func (s *MQTTSource) clientOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions().
		AddBroker(s.cfg.Broker()).
		SetClientID(s.cfg.ClientID).
		SetKeepAlive(_mqttKeepAlive).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(_mqttRetryInterval).
		SetOrderMatters(true).
		SetOnConnectHandler(s.onConnect).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			s.logger.Warn("MQTT connection lost", zap.Error(err))
		})
	if s.cfg.Username != "" {
		opts.SetUsername(s.cfg.Username).SetPassword(s.cfg.Password)
	}
	return opts
}

// Start begins connecting in the background and returns immediately
func (s *MQTTSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.client != nil {
		return fmt.Errorf("mqtt source already started")
	}

	s.client = s.newClient(s.clientOptions())
	token := s.client.Connect()

	s.logger.Info("MQTT source starting",
		zap.String("broker", s.cfg.Broker()),
		zap.String("topic", s.cfg.Topic),
		zap.String("clientId", s.cfg.ClientID))

	go func() {
		select {
		case <-token.Done():
			if err := token.Error(); err != nil {
				s.logger.Error("MQTT connect failed", zap.Error(err))
			}
		case <-s.ctx.Done():
		}
	}()
	return nil
}

func (s *MQTTSource) onConnect(c mqtt.Client) {
	s.logger.Info("Connected to MQTT broker", zap.String("broker", s.cfg.Broker()))

	token := c.Subscribe(s.cfg.Topic, _mqttQoS, s.handle)
	go func() {
		select {
		case <-token.Done():
			if err := token.Error(); err != nil {
				s.logger.Error("MQTT subscribe failed", zap.String("topic", s.cfg.Topic), zap.Error(err))
				return
			}
			s.logger.Info("Subscribed to topic", zap.String("topic", s.cfg.Topic))
		case <-s.ctx.Done():
		}
	}()
}

// handle runs on paho's router goroutine, one message at a time
func (s *MQTTSource) handle(_ mqtt.Client, m mqtt.Message) {
	s.logger.Debug("MQTT message received",
		zap.String("topic", m.Topic()),
		zap.Int("bytes", len(m.Payload())))
	s.emit(s.ctx, m.Topic(), m.Payload())
}

// Stop disconnects from the broker and closes the Messages channel
func (s *MQTTSource) Stop(ctx context.Context) error {
	s.cancel()

	s.mu.Lock()
	client := s.client
	s.mu.Unlock()

	if client != nil {
		client.Disconnect(_mqttDisconnectQuiet)
	}
	s.close()

	s.logger.Info("MQTT source stopped")
	return nil
}
