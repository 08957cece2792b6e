package source

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/genricoloni/coverd/internal/config"
	"github.com/streadway/amqp"
	"go.uber.org/zap"
)

const (
	_amqpConsumerTag    = "coverd"
	_amqpReconnectDelay = 5 * time.Second
)

// MessageChannel is the part of an AMQP channel the source consumes from
type MessageChannel interface {
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Close() error
}

// amqpSession is one live connection with a queue bound to the exchange
type amqpSession struct {
	channel MessageChannel
	queue   string
	close   func() error
}

// AMQPSource consumes now-playing messages published to a RabbitMQ topic
// exchange. MQTT topics map to routing keys the way the RabbitMQ MQTT plugin
// does it, so "media/gym" is bound as "media.gym" on amq.topic.
type AMQPSource struct {
	*emitter
	cfg        config.AMQPConfig
	routingKey string

	open           func(cfg config.AMQPConfig, routingKey string) (*amqpSession, error)
	reconnectDelay time.Duration

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	session *amqpSession
}

// NewAMQPSource creates an AMQP source for topic
func NewAMQPSource(logger *zap.Logger, cfg config.AMQPConfig, topic string) *AMQPSource {
	s := &AMQPSource{
		emitter:        newEmitter(logger),
		cfg:            cfg,
		routingKey:     RoutingKey(topic),
		open:           dialAMQP,
		reconnectDelay: _amqpReconnectDelay,
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s
}

// RoutingKey translates an MQTT topic filter to an AMQP binding key
func RoutingKey(topic string) string {
	r := strings.NewReplacer("/", ".", "+", "*")
	return r.Replace(topic)
}

func dialAMQP(cfg config.AMQPConfig, routingKey string) (*amqpSession, error) {
	conn, err := amqp.Dial(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to get channel: %w", err)
	}

	// Server-named, exclusive, auto-deleted: the queue lives as long as this connection
	queue, err := ch.QueueDeclare(
		"",
		false,
		true,
		true,
		false,
		nil,
	)
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to declare queue: %w", err)
	}

	if err := ch.QueueBind(queue.Name, routingKey, cfg.Exchange, false, nil); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to bind queue to %s: %w", cfg.Exchange, err)
	}

	return &amqpSession{channel: ch, queue: queue.Name, close: conn.Close}, nil
}

// Start opens the first connection and consumes in the background.
// A failing first connection is returned so misconfiguration surfaces at startup;
// later connection losses are retried until Stop.
func (s *AMQPSource) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("amqp source already started")
	}

	session, err := s.open(s.cfg, s.routingKey)
	if err != nil {
		return err
	}
	deliveries, err := session.channel.Consume(session.queue, _amqpConsumerTag, true, true, false, false, nil)
	if err != nil {
		_ = session.close()
		return fmt.Errorf("failed to start consuming from %s: %w", session.queue, err)
	}

	s.started = true
	s.session = session
	s.logger.Info("AMQP source started",
		zap.String("exchange", s.cfg.Exchange),
		zap.String("routingKey", s.routingKey),
		zap.String("queue", session.queue))

	s.wg.Add(1)
	go s.run(deliveries)
	return nil
}

func (s *AMQPSource) run(deliveries <-chan amqp.Delivery) {
	defer s.wg.Done()

	for {
		s.consume(deliveries)
		if s.ctx.Err() != nil {
			return
		}

		s.logger.Warn("AMQP delivery stream closed, reconnecting",
			zap.Duration("delay", s.reconnectDelay))

		var ok bool
		deliveries, ok = s.reconnect()
		if !ok {
			return
		}
	}
}

func (s *AMQPSource) consume(deliveries <-chan amqp.Delivery) {
	for {
		select {
		case <-s.ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			s.logger.Debug("AMQP message received",
				zap.String("routingKey", d.RoutingKey),
				zap.Int("bytes", len(d.Body)))
			s.emit(s.ctx, d.RoutingKey, d.Body)
		}
	}
}

// reconnect retries until a new delivery stream is open or the source stops
func (s *AMQPSource) reconnect() (<-chan amqp.Delivery, bool) {
	s.closeSession()

	for {
		select {
		case <-s.ctx.Done():
			return nil, false
		case <-time.After(s.reconnectDelay):
		}

		session, err := s.open(s.cfg, s.routingKey)
		if err != nil {
			s.logger.Warn("AMQP reconnect failed", zap.Error(err))
			continue
		}
		deliveries, err := session.channel.Consume(session.queue, _amqpConsumerTag, true, true, false, false, nil)
		if err != nil {
			_ = session.close()
			s.logger.Warn("AMQP consume failed", zap.Error(err))
			continue
		}

		s.mu.Lock()
		s.session = session
		s.mu.Unlock()

		s.logger.Info("AMQP source reconnected", zap.String("queue", session.queue))
		return deliveries, true
	}
}

func (s *AMQPSource) closeSession() {
	s.mu.Lock()
	session := s.session
	s.session = nil
	s.mu.Unlock()

	if session == nil {
		return
	}
	if err := session.channel.Close(); err != nil {
		s.logger.Debug("Failed to close AMQP channel", zap.Error(err))
	}
	if err := session.close(); err != nil {
		s.logger.Debug("Failed to close AMQP connection", zap.Error(err))
	}
}

// Stop closes the connection and the Messages channel
func (s *AMQPSource) Stop(ctx context.Context) error {
	s.cancel()
	s.closeSession()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("waiting for amqp consumer: %w", ctx.Err())
	}

	// Pending sends observe the cancelled context, so closing is safe either way
	s.close()
	s.logger.Info("AMQP source stopped")
	return err
}
