package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/genricoloni/coverd/internal/artwork"
	"github.com/genricoloni/coverd/internal/config"
	"github.com/genricoloni/coverd/internal/domain"
	"github.com/genricoloni/coverd/internal/store"
	"go.uber.org/zap"
)

func createTestImage(t *testing.T, w, h int) *domain.Image {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 200, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode: %v", err)
	}
	out, err := artwork.Inspect(buf.Bytes())
	if err != nil {
		t.Fatalf("inspect: %v", err)
	}
	return out
}

func newTestServer(t *testing.T) (*Server, *store.Store) {
	t.Helper()
	placeholder, err := artwork.NewPlaceholder()
	if err != nil {
		t.Fatalf("placeholder: %v", err)
	}
	st := store.New()
	srv := NewServer(zap.NewNop(),
		config.HTTPConfig{Host: "127.0.0.1", Port: 0, AllowOrigin: "*"},
		st, placeholder,
		Info{Topic: "media/gym", Source: "mqtt", AlbumArtPath: "/srv/static/albumart.jpg"},
	)
	return srv, st
}

func get(t *testing.T, h http.Handler, path string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestArtwork_Placeholder(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := get(t, srv.Handler(), "/albumart.jpg", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("Content-Type: expected image/jpeg, got %q", ct)
	}
	if !bytes.Equal(rec.Body.Bytes(), srv.placeholder.Data) {
		t.Error("body should be the placeholder")
	}
	if cc := rec.Header().Get("Cache-Control"); cc != "no-cache, must-revalidate" {
		t.Errorf("Cache-Control: got %q", cc)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("CORS header missing")
	}
}

func TestArtwork_CurrentImageAndETag(t *testing.T) {
	srv, st := newTestServer(t)
	img := createTestImage(t, 32, 16)
	key := domain.NewTrackKey("The Beatles", "Abbey Road", "Something")
	st.Replace(domain.CurrentArtifact{Key: key, ImageKey: key, Image: img, Outcome: domain.AttemptResolved})

	h := srv.Handler()
	rec := get(t, h, "/albumart.jpg", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Errorf("Content-Type: expected sniffed image/png, got %q", ct)
	}
	if !bytes.Equal(rec.Body.Bytes(), img.Data) {
		t.Error("body should be the current image")
	}

	etag := rec.Header().Get("ETag")
	if etag == "" {
		t.Fatal("ETag missing")
	}

	rec = get(t, h, "/albumart.jpg", http.Header{"If-None-Match": {etag}})
	if rec.Code != http.StatusNotModified {
		t.Errorf("matching If-None-Match: expected 304, got %d", rec.Code)
	}
	if rec.Body.Len() != 0 {
		t.Error("304 must not carry a body")
	}

	// A state-only update keeps the same image and therefore the same ETag
	st.Update(func(cur domain.CurrentArtifact) domain.CurrentArtifact {
		cur.State = domain.StatePaused
		return cur
	})
	if got := get(t, h, "/albumart.jpg", nil).Header().Get("ETag"); got != etag {
		t.Errorf("ETag changed on state-only update: %s -> %s", etag, got)
	}

	// Dropping the image switches to the placeholder and its ETag
	st.Update(func(cur domain.CurrentArtifact) domain.CurrentArtifact {
		cur.Image = nil
		return cur
	})
	rec = get(t, h, "/albumart.jpg", http.Header{"If-None-Match": {etag}})
	if rec.Code != http.StatusOK {
		t.Errorf("stale ETag: expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("ETag") == etag {
		t.Error("placeholder should have a different ETag")
	}
}

func TestStatus(t *testing.T) {
	srv, st := newTestServer(t)
	h := srv.Handler()

	t.Run("Empty store", func(t *testing.T) {
		for _, path := range []string{"/status", "/"} {
			rec := get(t, h, path, nil)
			if rec.Code != http.StatusOK {
				t.Fatalf("%s: expected 200, got %d", path, rec.Code)
			}
			if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("%s: Content-Type %q", path, ct)
			}

			var raw map[string]any
			if err := json.Unmarshal(rec.Body.Bytes(), &raw); err != nil {
				t.Fatalf("%s: invalid JSON: %v", path, err)
			}
			for _, field := range []string{"key", "image_key", "last_attempt_key", "last_updated"} {
				if v, ok := raw[field]; !ok || v != nil {
					t.Errorf("%s: %s should be null, got %v", path, field, v)
				}
			}
			if raw["last_error"] != "" {
				t.Errorf("%s: last_error should be empty, got %v", path, raw["last_error"])
			}
			if raw["has_artwork"] != false {
				t.Errorf("%s: has_artwork should be false", path)
			}
			if raw["topic"] != "media/gym" || raw["albumart_path"] != "/srv/static/albumart.jpg" {
				t.Errorf("%s: static info missing: %v", path, raw)
			}
			if raw["state"] != "unknown" {
				t.Errorf("%s: state should default to unknown, got %v", path, raw["state"])
			}
		}
	})

	t.Run("Failed attempt keeps image", func(t *testing.T) {
		img := createTestImage(t, 20, 10)
		ct := domain.NewTrackKey("The Beatles", "Abbey Road", "Come Together")
		sm := domain.NewTrackKey("The Beatles", "Abbey Road", "Something")
		updated := time.Date(2026, 10, 19, 18, 30, 0, 0, time.UTC)
		st.Replace(domain.CurrentArtifact{
			State:          domain.StatePlaying,
			Key:            sm,
			Image:          img,
			ImageKey:       ct,
			ArtworkURL:     "https://art.example/ct.jpg",
			Outcome:        domain.AttemptFailed,
			LastUpdated:    updated,
			LastError:      fmt.Errorf("fetch failed: %w", errors.New("status 503")),
			LastAttemptKey: sm,
		})

		rec := get(t, h, "/status", nil)
		var rep StatusReport
		if err := json.Unmarshal(rec.Body.Bytes(), &rep); err != nil {
			t.Fatalf("invalid JSON: %v", err)
		}

		if rep.State != "playing" || rep.Outcome != "failed" {
			t.Errorf("state/outcome: got %s/%s", rep.State, rep.Outcome)
		}
		if rep.Key == nil || rep.Key.Title != "Something" {
			t.Errorf("key: got %+v", rep.Key)
		}
		if rep.ImageKey == nil || rep.ImageKey.Title != "Come Together" {
			t.Errorf("image_key: got %+v", rep.ImageKey)
		}
		if rep.LastError != "fetch failed: status 503" {
			t.Errorf("last_error: got %q", rep.LastError)
		}
		if rep.LastUpdated == nil || *rep.LastUpdated != "2026-10-19T18:30:00Z" {
			t.Errorf("last_updated: got %v", rep.LastUpdated)
		}
		if rep.LastUpdateEpoch != float64(updated.Unix()) {
			t.Errorf("last_update_epoch: got %v", rep.LastUpdateEpoch)
		}
		if !rep.HasArtwork || rep.Width != 20 || rep.Height != 10 || rep.ContentType != "image/png" {
			t.Errorf("artwork fields: %+v", rep)
		}
		if rep.SizeBytes != len(img.Data) {
			t.Errorf("size_bytes: expected %d, got %d", len(img.Data), rep.SizeBytes)
		}
	})
}

func TestUnknownRoute(t *testing.T) {
	srv, _ := newTestServer(t)
	if rec := get(t, srv.Handler(), "/nope", nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/albumart.jpg", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("POST: expected 405, got %d", rec.Code)
	}
}

func TestServer_StartStop(t *testing.T) {
	srv, _ := newTestServer(t)

	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := srv.Start(context.Background()); err == nil {
		t.Error("second Start should fail")
	}

	resp, err := http.Get("http://" + srv.Addr() + "/albumart.jpg")
	if err != nil {
		t.Fatalf("GET failed: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK || len(body) == 0 {
		t.Errorf("unexpected response: %d, %d bytes", resp.StatusCode, len(body))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
}

func TestServer_PortInUse(t *testing.T) {
	first, _ := newTestServer(t)
	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer first.Stop(context.Background())

	second, _ := newTestServer(t)
	var port int
	fmt.Sscanf(first.Addr(), "127.0.0.1:%d", &port)
	second.cfg.Port = port

	if err := second.Start(context.Background()); err == nil {
		t.Error("expected listen error on a taken port")
	}
}
