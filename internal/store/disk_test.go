package store

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/genricoloni/coverd/internal/artwork"
	"github.com/genricoloni/coverd/internal/domain"
	"go.uber.org/zap"
)

func newTestPlaceholder(t *testing.T) *artwork.Placeholder {
	t.Helper()
	p, err := artwork.NewPlaceholder()
	if err != nil {
		t.Fatalf("placeholder: %v", err)
	}
	return p
}

func createTestJPEG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{B: 180, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, nil); err != nil {
		t.Fatalf("encode: %v", err)
	}
	return buf.Bytes()
}

func waitForFile(t *testing.T, path string, want []byte) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if got, err := os.ReadFile(path); err == nil && bytes.Equal(got, want) {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	got, _ := os.ReadFile(path)
	t.Fatalf("file %s never reached expected content (have %d bytes, want %d)", path, len(got), len(want))
}

func TestPersister_WritesPlaceholderThenImage(t *testing.T) {
	dir := t.TempDir()
	placeholder := newTestPlaceholder(t)
	s := New()
	p := NewPersister(zap.NewNop(), s, dir, placeholder)

	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Stop(context.Background())

	path := filepath.Join(dir, FileName)
	waitForFile(t, path, placeholder.Data)

	// The persister mirrors bytes as they are; inspection happens upstream
	img := &domain.Image{Data: []byte("resolved-artwork"), ContentType: "image/jpeg"}
	s.Replace(domain.CurrentArtifact{Image: img})

	waitForFile(t, path, img.Data)

	abs, _ := filepath.Abs(path)
	if p.Path() != abs {
		t.Errorf("expected path %s, got %s", abs, p.Path())
	}
}

func TestPersister_RestoresPreviousImage(t *testing.T) {
	dir := t.TempDir()
	placeholder := newTestPlaceholder(t)
	path := filepath.Join(dir, FileName)
	if err := os.WriteFile(path, createTestJPEG(t, 8, 6), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	s := New()
	p := NewPersister(zap.NewNop(), s, dir, placeholder)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Stop(context.Background())

	snap := s.Snapshot()
	if !snap.HasImage() {
		t.Fatal("expected restored image in the store")
	}
	if !snap.Key.IsZero() {
		t.Errorf("restored artifact must not claim a key, got %s", snap.Key)
	}
	if snap.Image.ContentType != "image/jpeg" {
		t.Errorf("expected image/jpeg, got %s", snap.Image.ContentType)
	}
	if snap.Image.Width != 8 || snap.Image.Height != 6 {
		t.Errorf("expected 8x6, got %dx%d", snap.Image.Width, snap.Image.Height)
	}
}

// A run that ends without artwork leaves the placeholder on disk; the next
// run must not mistake it for resolved artwork.
func TestPersister_PlaceholderIsNotRestored(t *testing.T) {
	dir := t.TempDir()
	placeholder := newTestPlaceholder(t)
	path := filepath.Join(dir, FileName)

	first := NewPersister(zap.NewNop(), New(), dir, placeholder)
	if err := first.Start(context.Background()); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if err := first.Stop(context.Background()); err != nil {
		t.Fatalf("first stop: %v", err)
	}
	waitForFile(t, path, placeholder.Data)

	s := New()
	second := NewPersister(zap.NewNop(), s, dir, placeholder)
	if err := second.Start(context.Background()); err != nil {
		t.Fatalf("second start: %v", err)
	}
	defer second.Stop(context.Background())

	snap := s.Snapshot()
	if snap.HasImage() {
		t.Fatalf("placeholder restored as artwork: %dx%d", snap.Image.Width, snap.Image.Height)
	}
	if snap.Version != 0 {
		t.Errorf("store should be untouched, got version %d", snap.Version)
	}
	waitForFile(t, path, placeholder.Data)
}

func TestPersister_IgnoresCorruptFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	if err := os.WriteFile(path, []byte("garbage"), 0o644); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	placeholder := newTestPlaceholder(t)
	s := New()
	p := NewPersister(zap.NewNop(), s, dir, placeholder)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer p.Stop(context.Background())

	if s.Snapshot().HasImage() {
		t.Error("corrupt file must not become the current image")
	}
	// The corrupt file is overwritten with the placeholder
	waitForFile(t, path, placeholder.Data)
}

func TestPersister_StopFlushes(t *testing.T) {
	dir := t.TempDir()
	placeholder := newTestPlaceholder(t)
	s := New()
	p := NewPersister(zap.NewNop(), s, dir, placeholder)
	if err := p.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	img := &domain.Image{Data: []byte("final-bytes"), ContentType: "image/jpeg"}
	s.Replace(domain.CurrentArtifact{Image: img})

	if err := p.Stop(context.Background()); err != nil {
		t.Fatalf("stop: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dir, FileName))
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !bytes.Equal(got, img.Data) {
		t.Errorf("expected final image on disk after Stop, got %q", got)
	}
}
