package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/genricoloni/coverd/internal/domain"
	"github.com/genricoloni/coverd/internal/normalize"
	"go.uber.org/zap"
)

// Engine consumes now-playing messages and drives artwork resolution.
// Messages are handled one at a time in arrival order; resolution itself runs
// on the resolver's goroutines so a slow provider never stalls the loop.
type Engine struct {
	logger   *zap.Logger
	source   domain.Source
	resolver domain.Resolver
	gate     *Gate

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewEngine creates a new event engine
func NewEngine(
	logger *zap.Logger,
	src domain.Source,
	res domain.Resolver,
	gate *Gate,
) *Engine {
	return &Engine{
		logger:   logger,
		source:   src,
		resolver: res,
		gate:     gate,
	}
}

// Start launches the event loop in a goroutine.
// It returns immediately (non-blocking).
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.done != nil {
		return fmt.Errorf("engine already started")
	}

	e.logger.Info("Engine starting...")

	// The start context only bounds startup; the loop lives until Stop
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel
	e.done = make(chan struct{})

	go e.runLoop(loopCtx, e.done)
	return nil
}

// runLoop reads messages until the context is cancelled or the source closes
func (e *Engine) runLoop(ctx context.Context, done chan struct{}) {
	defer close(done)

	messages := e.source.Messages()
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Engine loop stopped")
			return

		case msg, ok := <-messages:
			if !ok {
				e.logger.Info("Source messages channel closed")
				return
			}
			e.handle(msg)
		}
	}
}

// handle processes a single message. A panic is logged and the loop continues.
func (e *Engine) handle(msg domain.RawMessage) {
	defer func() {
		if p := recover(); p != nil {
			e.logger.Error("Recovered panic while handling message",
				zap.String("topic", msg.Topic),
				zap.Any("panic", p))
		}
	}()

	ev, err := normalize.Parse(msg.Payload, msg.ReceivedAt)
	if err != nil {
		e.logger.Warn("Dropping malformed payload",
			zap.String("topic", msg.Topic),
			zap.Int("bytes", len(msg.Payload)),
			zap.Error(err))
		return
	}

	e.resolver.ApplyState(ev)

	decision := e.gate.Decide(ev)
	e.logger.Debug("Event received",
		zap.String("topic", msg.Topic),
		zap.String("state", string(ev.State)),
		zap.String("artist", ev.Key.Artist()),
		zap.String("title", ev.Key.Title()),
		zap.Stringer("decision", decision))

	if decision == Trigger {
		e.resolver.Resolve(ev.Key)
	}
}

// Stop ends the event loop and waits for it to exit
func (e *Engine) Stop(ctx context.Context) error {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.mu.Unlock()

	if done == nil {
		return nil
	}

	e.logger.Info("Engine stopping...")
	cancel()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for engine loop: %w", ctx.Err())
	}
}
