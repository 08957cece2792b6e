package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/genricoloni/coverd/internal/artwork"
	"github.com/genricoloni/coverd/internal/domain"
	"go.uber.org/zap"
)

// FileName is the name of the persisted artwork inside the static directory
const FileName = "albumart.jpg"

// Persister mirrors the served image to disk so the last artwork survives a
// restart. Files are replaced with write-temp-then-rename, so a reader of the
// file never sees a partial image.
type Persister struct {
	logger      *zap.Logger
	store       *Store
	path        string
	placeholder *artwork.Placeholder

	mu      sync.Mutex
	written *domain.Image // last image written, compared by identity
	primed  bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewPersister creates a persister writing to dir/albumart.jpg
func NewPersister(logger *zap.Logger, store *Store, dir string, placeholder *artwork.Placeholder) *Persister {
	return &Persister{
		logger:      logger,
		store:       store,
		path:        filepath.Join(dir, FileName),
		placeholder: placeholder,
	}
}

// Path returns the absolute path of the persisted artwork
func (p *Persister) Path() string {
	if abs, err := filepath.Abs(p.path); err == nil {
		return abs
	}
	return p.path
}

// Start restores the image from a previous run and begins mirroring changes.
// It returns immediately.
func (p *Persister) Start(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return fmt.Errorf("failed to create static dir: %w", err)
	}

	p.restore()

	loopCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(loopCtx)
	return nil
}

// Stop halts mirroring after a final flush of the current image
func (p *Persister) Stop(ctx context.Context) error {
	if p.cancel == nil {
		return nil
	}
	p.cancel()

	select {
	case <-p.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return p.Flush()
}

// restore loads an image left by a previous run as the initial artifact.
// The artifact carries no key: the track it belonged to is unknown.
func (p *Persister) restore() {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			p.logger.Warn("Failed to read persisted artwork", zap.String("path", p.path), zap.Error(err))
		}
		return
	}

	img, err := artwork.Inspect(data)
	if err != nil {
		p.logger.Warn("Ignoring unreadable persisted artwork", zap.String("path", p.path), zap.Error(err))
		return
	}

	// The placeholder on disk means no artwork was available at shutdown
	if img.Digest == p.placeholder.Digest {
		p.mu.Lock()
		p.primed = true
		p.mu.Unlock()
		p.logger.Debug("Persisted file is the placeholder, nothing to restore", zap.String("path", p.path))
		return
	}

	info, err := os.Stat(p.path)
	if err != nil {
		return
	}

	p.mu.Lock()
	p.written = img
	p.primed = true
	p.mu.Unlock()

	p.store.Update(func(cur domain.CurrentArtifact) domain.CurrentArtifact {
		if cur.Image != nil {
			return cur
		}
		cur.Image = img
		cur.LastUpdated = info.ModTime()
		return cur
	})

	p.logger.Info("Restored artwork from previous run",
		zap.String("path", p.path),
		zap.Int("bytes", len(img.Data)))
}

func (p *Persister) run(ctx context.Context) {
	defer close(p.done)

	// Write the initial state so the file always exists
	if err := p.Flush(); err != nil {
		p.logger.Warn("Failed to persist artwork", zap.Error(err))
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-p.store.Changes():
			if err := p.Flush(); err != nil {
				p.logger.Warn("Failed to persist artwork", zap.Error(err))
			}
		}
	}
}

// Flush writes the current image (or the placeholder) if it changed since the last write
func (p *Persister) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	snap := p.store.Snapshot()
	if p.primed && snap.Image == p.written {
		return nil
	}

	data := p.placeholder.Data
	if snap.HasImage() {
		data = snap.Image.Data
	}

	if err := writeAtomic(p.path, data); err != nil {
		return err
	}

	p.written = snap.Image
	p.primed = true
	p.logger.Debug("Persisted artwork",
		zap.String("path", p.path),
		zap.Int("bytes", len(data)),
		zap.Uint64("version", snap.Version))
	return nil
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}
