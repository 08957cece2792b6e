// Package resolver turns track keys into artwork, one attempt at a time.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/genricoloni/coverd/internal/artwork"
	"github.com/genricoloni/coverd/internal/domain"
	"github.com/genricoloni/coverd/internal/store"
	"go.uber.org/zap"
)

// Resolver runs artwork lookups and fetches off the event loop.
//
// At most one attempt is pending. Starting a new attempt cancels the pending
// one; the cancelled attempt may still run to completion, but its result is
// dropped because it is no longer the pending attempt when it finishes.
// The resolver is the only writer of the artifact store.
type Resolver struct {
	logger  *zap.Logger
	lookup  domain.Lookup
	fetcher domain.Fetcher
	store   *store.Store
	retain  bool
	now     func() time.Time

	mu      sync.Mutex
	nextID  uint64
	pending *attempt
	stopped bool

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
}

type attempt struct {
	domain.ResolutionAttempt
	cancel context.CancelFunc
}

// Option configures a Resolver
type Option func(*Resolver)

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		r.now = now
	}
}

// New creates a resolver. retain selects whether stopped players and
// not-found lookups keep the last image (true) or fall back to the placeholder.
func New(logger *zap.Logger, lookup domain.Lookup, fetcher domain.Fetcher, st *store.Store, retain bool, opts ...Option) *Resolver {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Resolver{
		logger:     logger,
		lookup:     lookup,
		fetcher:    fetcher,
		store:      st,
		retain:     retain,
		now:        time.Now,
		baseCtx:    ctx,
		baseCancel: cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve starts a new attempt for key and returns immediately
func (r *Resolver) Resolve(key domain.TrackKey) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return
	}
	if r.pending != nil {
		r.cancelPendingLocked("superseded by " + key.String())
	}

	r.nextID++
	ctx, cancel := context.WithCancel(r.baseCtx)
	a := &attempt{
		ResolutionAttempt: domain.ResolutionAttempt{
			ID:        r.nextID,
			Key:       key,
			Status:    domain.AttemptPending,
			StartedAt: r.now(),
		},
		cancel: cancel,
	}
	r.pending = a

	r.store.Update(func(cur domain.CurrentArtifact) domain.CurrentArtifact {
		cur.Pending = true
		cur.LastAttemptKey = key
		return cur
	})

	r.logger.Info("Resolving artwork",
		zap.Uint64("attempt", a.ID),
		zap.String("artist", key.Artist()),
		zap.String("album", key.Album()),
		zap.String("title", key.Title()))

	r.wg.Add(1)
	go r.run(ctx, a)
}

// ApplyState records ev's play state. Stopped and unknown states never start
// an attempt; under the clear policy they drop the image and cancel any
// pending attempt so that a late result cannot bring the image back.
func (r *Resolver) ApplyState(ev domain.PlayEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.stopped {
		return
	}

	clear := !ev.State.Active() && !r.retain
	cur := r.store.Snapshot()
	if cur.State == ev.State && (!clear || (cur.Image == nil && !cur.Pending)) {
		return
	}

	if clear && r.pending != nil {
		r.cancelPendingLocked("player " + string(ev.State))
	}

	r.store.Update(func(cur domain.CurrentArtifact) domain.CurrentArtifact {
		cur.State = ev.State
		if clear {
			cur.Image = nil
			cur.ImageKey = domain.TrackKey{}
			cur.ArtworkURL = ""
			cur.Pending = false
			cur.LastUpdated = ev.ReceivedAt
		}
		return cur
	})

	r.logger.Debug("Play state applied",
		zap.String("state", string(ev.State)),
		zap.Bool("cleared", clear))
}

// Stop cancels the pending attempt and waits for running attempts to return
func (r *Resolver) Stop(ctx context.Context) error {
	r.mu.Lock()
	r.stopped = true
	if r.pending != nil {
		r.cancelPendingLocked("shutdown")
		r.store.Update(func(cur domain.CurrentArtifact) domain.CurrentArtifact {
			cur.Pending = false
			return cur
		})
	}
	r.mu.Unlock()

	r.baseCancel()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for resolutions: %w", ctx.Err())
	}
}

// Wait blocks until every started attempt has returned
func (r *Resolver) Wait() {
	r.wg.Wait()
}

// cancelPendingLocked must be called with r.mu held
func (r *Resolver) cancelPendingLocked(reason string) {
	a := r.pending
	a.cancel()
	a.Status = domain.AttemptCancelled
	r.pending = nil

	r.logger.Debug("Cancelled pending resolution",
		zap.Uint64("attempt", a.ID),
		zap.String("key", a.Key.String()),
		zap.String("reason", reason))
}

func (r *Resolver) run(ctx context.Context, a *attempt) {
	defer r.wg.Done()

	res := r.execute(ctx, a.Key)
	r.complete(a, res)
}

type result struct {
	status domain.AttemptStatus
	url    string
	image  *domain.Image
	err    error
}

// execute performs lookup, fetch and inspection without touching shared state
func (r *Resolver) execute(ctx context.Context, key domain.TrackKey) (res result) {
	defer func() {
		if p := recover(); p != nil {
			res = result{status: domain.AttemptFailed, err: fmt.Errorf("panic during resolution: %v", p)}
		}
	}()

	url, err := r.lookup.Lookup(ctx, key.Artist(), key.Album(), key.Title())
	if errors.Is(err, domain.ErrNotFound) {
		return result{status: domain.AttemptNotFound}
	}
	if err != nil {
		return result{status: domain.AttemptFailed, err: fmt.Errorf("lookup failed: %w", err)}
	}

	// A fetch failure ends the attempt; the lookup cascade does not move on to
	// a less specific query. The remembered URL is dropped so that the next
	// trigger for this track searches again.
	data, err := r.fetcher.Fetch(ctx, url)
	if err != nil {
		r.forget(ctx, key)
		return result{status: domain.AttemptFailed, url: url, err: fmt.Errorf("fetch failed: %w", err)}
	}

	img, err := artwork.Inspect(data)
	if err != nil {
		r.forget(ctx, key)
		return result{status: domain.AttemptFailed, url: url, err: fmt.Errorf("fetched artwork rejected: %w", err)}
	}

	return result{status: domain.AttemptResolved, url: url, image: img}
}

// forget evicts key from a caching lookup. A cancelled attempt says nothing
// about the URL, so its entry is kept.
func (r *Resolver) forget(ctx context.Context, key domain.TrackKey) {
	f, ok := r.lookup.(domain.Forgetter)
	if !ok || ctx.Err() != nil {
		return
	}
	if err := f.Forget(ctx, key.Artist(), key.Album(), key.Title()); err != nil {
		r.logger.Warn("Failed to evict cached lookup", zap.String("key", key.String()), zap.Error(err))
	}
}

// complete applies res if a is still the pending attempt
func (r *Resolver) complete(a *attempt, res result) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a.cancel()

	if r.pending != a {
		r.logger.Debug("Discarding result of cancelled resolution",
			zap.Uint64("attempt", a.ID),
			zap.String("key", a.Key.String()),
			zap.String("outcome", string(res.status)))
		return
	}
	r.pending = nil

	a.Status = res.status
	a.ArtworkURL = res.url
	a.Image = res.image
	a.Err = res.err
	a.ResolvedAt = r.now()

	r.store.Update(func(cur domain.CurrentArtifact) domain.CurrentArtifact {
		return r.apply(cur, a.ResolutionAttempt)
	})

	fields := []zap.Field{
		zap.Uint64("attempt", a.ID),
		zap.String("artist", a.Key.Artist()),
		zap.String("album", a.Key.Album()),
		zap.String("title", a.Key.Title()),
		zap.Duration("elapsed", a.ResolvedAt.Sub(a.StartedAt)),
	}
	switch a.Status {
	case domain.AttemptResolved:
		r.logger.Info("Updated album art", append(fields,
			zap.String("url", a.ArtworkURL),
			zap.Int("bytes", len(a.Image.Data)))...)
	case domain.AttemptNotFound:
		r.logger.Info("No art found", append(fields, zap.Bool("retained", r.retain))...)
	case domain.AttemptFailed:
		r.logger.Warn("Artwork resolution failed", append(fields, zap.Error(a.Err))...)
	}
}

// apply builds the artifact that reflects a completed attempt
func (r *Resolver) apply(cur domain.CurrentArtifact, a domain.ResolutionAttempt) domain.CurrentArtifact {
	cur.Pending = false
	cur.Key = a.Key
	cur.LastAttemptKey = a.Key
	cur.Outcome = a.Status
	cur.LastUpdated = a.ResolvedAt

	switch a.Status {
	case domain.AttemptResolved:
		cur.Image = a.Image
		cur.ImageKey = a.Key
		cur.ArtworkURL = a.ArtworkURL
		cur.LastError = nil
	case domain.AttemptNotFound:
		cur.LastError = nil
		if !r.retain {
			cur.Image = nil
			cur.ImageKey = domain.TrackKey{}
			cur.ArtworkURL = ""
		}
	case domain.AttemptFailed:
		// The previous image stays: a failure never replaces good artwork
		cur.LastError = a.Err
	}
	return cur
}
