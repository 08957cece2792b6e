// Package source connects to the transports that publish now-playing events.
package source

import (
	"context"
	"sync"
	"time"

	"github.com/genricoloni/coverd/internal/domain"
	"go.uber.org/zap"
)

const _messageBuffer = 64

// emitter owns the Messages channel shared by every source.
// Sends block until the consumer reads or ctx ends; close waits for
// in-flight sends so the channel is never written after it is closed.
type emitter struct {
	logger *zap.Logger
	ch     chan domain.RawMessage
	now    func() time.Time

	mu     sync.RWMutex
	closed bool
}

func newEmitter(logger *zap.Logger) *emitter {
	return &emitter{
		logger: logger,
		ch:     make(chan domain.RawMessage, _messageBuffer),
		now:    time.Now,
	}
}

// emit copies payload and delivers it. It reports whether the message was sent.
func (e *emitter) emit(ctx context.Context, topic string, payload []byte) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		return false
	}

	msg := domain.RawMessage{
		Topic:      topic,
		Payload:    append([]byte(nil), payload...),
		ReceivedAt: e.now(),
	}

	select {
	case e.ch <- msg:
		return true
	case <-ctx.Done():
		e.logger.Debug("Dropping message during shutdown", zap.String("topic", topic))
		return false
	}
}

// close closes the channel. Callers cancel the emit context first.
func (e *emitter) close() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.closed {
		e.closed = true
		close(e.ch)
	}
}

// Messages returns a read-only channel of payloads in arrival order
func (e *emitter) Messages() <-chan domain.RawMessage {
	return e.ch
}
