package lookup

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/genricoloni/coverd/internal/domain"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"go.uber.org/zap"
)

const _schema = `
CREATE TABLE IF NOT EXISTS artwork_lookups (
	lookup_key TEXT PRIMARY KEY,
	artist     TEXT NOT NULL,
	album      TEXT NOT NULL,
	title      TEXT NOT NULL,
	url        TEXT NOT NULL,
	found      INTEGER NOT NULL,
	created_at INTEGER NOT NULL
);
`

// CachedLookup remembers lookup results in SQLite so a restart or a replayed
// song does not hit the search API again. Matches are kept until the resolver
// reports that their URL could not be fetched; misses expire after the
// negative TTL. Errors are never cached.
type CachedLookup struct {
	logger      *zap.Logger
	next        domain.Lookup
	db          *sql.DB
	negativeTTL time.Duration
	now         func() time.Time
}

// NewCachedLookup opens (or creates) the cache database at path and wraps next
func NewCachedLookup(logger *zap.Logger, next domain.Lookup, path string, negativeTTL time.Duration) (*CachedLookup, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_journal=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open lookup cache: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite only supports one writer

	if _, err := db.Exec(_schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize lookup cache schema: %w", err)
	}

	logger.Info("Lookup cache opened", zap.String("path", path))
	return &CachedLookup{
		logger:      logger,
		next:        next,
		db:          db,
		negativeTTL: negativeTTL,
		now:         time.Now,
	}, nil
}

func cacheKey(artist, album, title string) string {
	parts := []string{artist, album, title}
	for i, p := range parts {
		parts[i] = strings.ToLower(strings.Join(strings.Fields(p), " "))
	}
	return strings.Join(parts, "\x1f")
}

// Lookup answers from the cache when possible and falls through to the wrapped lookup otherwise
func (c *CachedLookup) Lookup(ctx context.Context, artist, album, title string) (string, error) {
	key := cacheKey(artist, album, title)

	artURL, found, hit, err := c.get(ctx, key)
	if err != nil {
		// A broken cache must not break resolution
		c.logger.Warn("Lookup cache read failed", zap.Error(err))
	}
	if hit {
		c.logger.Debug("Lookup cache hit", zap.String("key", key), zap.Bool("found", found))
		if !found {
			return "", domain.ErrNotFound
		}
		return artURL, nil
	}

	artURL, err = c.next.Lookup(ctx, artist, album, title)
	switch {
	case err == nil:
		c.put(ctx, key, artist, album, title, artURL, true)
	case errors.Is(err, domain.ErrNotFound):
		c.put(ctx, key, artist, album, title, "", false)
	}
	return artURL, err
}

func (c *CachedLookup) get(ctx context.Context, key string) (artURL string, found, hit bool, err error) {
	var (
		foundInt  int
		createdAt int64
	)
	err = c.db.QueryRowContext(ctx,
		`SELECT url, found, created_at FROM artwork_lookups WHERE lookup_key = ?`, key,
	).Scan(&artURL, &foundInt, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, false, nil
	}
	if err != nil {
		return "", false, false, fmt.Errorf("query lookup cache: %w", err)
	}

	found = foundInt == 1
	if !found && c.now().Sub(time.Unix(createdAt, 0)) >= c.negativeTTL {
		return "", false, false, nil
	}
	return artURL, found, true, nil
}

func (c *CachedLookup) put(ctx context.Context, key, artist, album, title, artURL string, found bool) {
	foundInt := 0
	if found {
		foundInt = 1
	}
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO artwork_lookups (lookup_key, artist, album, title, url, found, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(lookup_key) DO UPDATE SET
			url = excluded.url,
			found = excluded.found,
			created_at = excluded.created_at`,
		key, artist, album, title, artURL, foundInt, c.now().Unix())
	if err != nil {
		c.logger.Warn("Lookup cache write failed", zap.Error(err))
	}
}

// Forget removes the cached answer for a track
func (c *CachedLookup) Forget(ctx context.Context, artist, album, title string) error {
	key := cacheKey(artist, album, title)
	if _, err := c.db.ExecContext(ctx, `DELETE FROM artwork_lookups WHERE lookup_key = ?`, key); err != nil {
		return fmt.Errorf("evict lookup cache entry: %w", err)
	}
	c.logger.Debug("Lookup cache entry evicted", zap.String("key", key))
	return nil
}

// Close closes the cache database
func (c *CachedLookup) Close() error {
	return c.db.Close()
}
