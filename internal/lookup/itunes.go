// Package lookup finds artwork URLs for a track.
package lookup

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/genricoloni/coverd/internal/domain"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	// DefaultITunesBaseURL is the public iTunes Search API host
	DefaultITunesBaseURL = "https://itunes.apple.com"

	_defaultArtworkSize = 600
	_defaultTimeout     = 10 * time.Second
	_defaultRate        = 3
	_userAgent          = "coverd/1.0"
)

// ITunesClient searches the iTunes Search API. It needs no credentials.
type ITunesClient struct {
	logger      *zap.Logger
	baseURL     string
	country     string
	artworkSize int
	httpClient  *http.Client
	limiter     *rate.Limiter
}

// Option is a functional option for configuring the iTunes client
type Option func(*ITunesClient)

// WithBaseURL sets a custom base URL (useful for testing)
func WithBaseURL(u string) Option {
	return func(c *ITunesClient) {
		c.baseURL = strings.TrimRight(u, "/")
	}
}

// WithHTTPClient sets a custom HTTP client
func WithHTTPClient(client *http.Client) Option {
	return func(c *ITunesClient) {
		c.httpClient = client
	}
}

// WithCountry restricts searches to one storefront
func WithCountry(country string) Option {
	return func(c *ITunesClient) {
		c.country = country
	}
}

// WithArtworkSize sets the edge length requested from the artwork CDN
func WithArtworkSize(px int) Option {
	return func(c *ITunesClient) {
		if px > 0 {
			c.artworkSize = px
		}
	}
}

// WithRateLimit sets the rate limit in requests per second
func WithRateLimit(rps float64) Option {
	return func(c *ITunesClient) {
		if rps > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
		}
	}
}

// NewITunesClient creates a new iTunes Search client
func NewITunesClient(logger *zap.Logger, timeout time.Duration, opts ...Option) *ITunesClient {
	if timeout <= 0 {
		timeout = _defaultTimeout
	}
	c := &ITunesClient{
		logger:      logger,
		baseURL:     DefaultITunesBaseURL,
		artworkSize: _defaultArtworkSize,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		limiter: rate.NewLimiter(_defaultRate, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type searchQuery struct {
	term   string
	entity string
}

// queries builds the search cascade from the most to the least specific term.
// Empty fields drop the queries that need them.
func queries(artist, album, title string) []searchQuery {
	var qs []searchQuery
	if artist != "" && title != "" {
		qs = append(qs, searchQuery{artist + " " + title, "song"})
	}
	if artist != "" && album != "" {
		qs = append(qs, searchQuery{artist + " " + album, "album"})
	}
	if title != "" {
		qs = append(qs, searchQuery{title, "song"})
	}
	if album != "" {
		qs = append(qs, searchQuery{album, "album"})
	}
	return qs
}

// Lookup runs the query cascade and returns the first artwork URL found.
// A query that fails is skipped; its error is returned only when no later
// query finds anything, so a flaky search never masquerades as "not found".
func (c *ITunesClient) Lookup(ctx context.Context, artist, album, title string) (string, error) {
	var lastErr error
	for _, q := range queries(artist, album, title) {
		artURL, err := c.search(ctx, q)
		if err != nil {
			if ctx.Err() != nil {
				return "", ctx.Err()
			}
			c.logger.Warn("iTunes lookup failed",
				zap.String("term", q.term),
				zap.String("entity", q.entity),
				zap.Error(err))
			lastErr = err
			continue
		}
		if artURL != "" {
			c.logger.Debug("iTunes match",
				zap.String("term", q.term),
				zap.String("entity", q.entity),
				zap.String("url", artURL))
			return artURL, nil
		}
	}

	if lastErr != nil {
		return "", fmt.Errorf("itunes search: %w", lastErr)
	}
	return "", domain.ErrNotFound
}

type searchResponse struct {
	ResultCount int            `json:"resultCount"`
	Results     []searchResult `json:"results"`
}

type searchResult struct {
	ArtworkURL100 string `json:"artworkUrl100"`
}

// search returns "" with a nil error when the query has no usable result
func (c *ITunesClient) search(ctx context.Context, q searchQuery) (string, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limiter: %w", err)
	}

	params := url.Values{
		"term":   {q.term},
		"entity": {q.entity},
		"limit":  {"1"},
	}
	if c.country != "" {
		params.Set("country", c.country)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/search?"+params.Encode(), nil)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", _userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("http request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status: %d", resp.StatusCode)
	}

	var body searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(body.Results) == 0 || body.Results[0].ArtworkURL100 == "" {
		return "", nil
	}

	return c.upscale(body.Results[0].ArtworkURL100), nil
}

// upscale rewrites the 100x100 thumbnail URL to the configured size
func (c *ITunesClient) upscale(thumb string) string {
	size := fmt.Sprintf("%dx%d", c.artworkSize, c.artworkSize)
	return strings.Replace(thumb, "100x100", size, 1)
}
