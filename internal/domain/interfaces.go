package domain

import (
	"context"
	"errors"
)

// ErrNotFound is returned by a Lookup when no artwork matches the query.
// It is a legitimate outcome, not a failure.
var ErrNotFound = errors.New("artwork not found")

// Source delivers raw now-playing payloads from a pub/sub transport.
// Connection and reconnection are the implementation's concern.
//
//go:generate mockgen -destination=mocks/mocks.go -package=mocks github.com/genricoloni/coverd/internal/domain Source,Lookup,Fetcher
type Source interface {
	// Start connects and begins delivering messages. It does not block.
	Start(ctx context.Context) error

	// Stop disconnects and closes the Messages channel
	Stop(ctx context.Context) error

	// Messages returns a read-only channel of payloads in arrival order
	Messages() <-chan RawMessage
}

// Lookup searches an artwork provider for a track
type Lookup interface {
	// Lookup returns the URL of the best artwork match, or ErrNotFound
	Lookup(ctx context.Context, artist, album, title string) (string, error)
}

// Forgetter is implemented by lookups that remember answers. Forget drops
// the remembered answer for a track so the next lookup asks the provider again.
type Forgetter interface {
	Forget(ctx context.Context, artist, album, title string) error
}

// Fetcher defines the interface for retrieving album artwork
type Fetcher interface {
	// Fetch downloads image data from a URL
	// Returns the raw image bytes or an error
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// Resolver turns gate decisions into artifact updates
type Resolver interface {
	// Resolve starts an attempt for key, superseding any pending one.
	// It returns immediately.
	Resolve(key TrackKey)

	// ApplyState records the play state of an event. For stopped or unknown
	// states it also applies the artwork retention policy.
	ApplyState(ev PlayEvent)
}

// ArtifactReader is the read side of the current-artifact store
type ArtifactReader interface {
	Snapshot() CurrentArtifact
}
