package artwork

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"
)

func TestInspect(t *testing.T) {
	validJPEG := createTestJPEG(120, 80)
	validPNG := createTestPNG(64, 64)

	tests := []struct {
		name            string
		data            []byte
		wantErr         bool
		wantContentType string
		wantW, wantH    int
	}{
		{
			name:            "Success - JPEG",
			data:            validJPEG,
			wantContentType: "image/jpeg",
			wantW:           120,
			wantH:           80,
		},
		{
			name:            "Success - PNG",
			data:            validPNG,
			wantContentType: "image/png",
			wantW:           64,
			wantH:           64,
		},
		{
			name:    "Error - Empty",
			data:    nil,
			wantErr: true,
		},
		{
			name:    "Error - Not an image",
			data:    []byte("<html>nope</html>"),
			wantErr: true,
		},
		{
			name:    "Error - Truncated JPEG",
			data:    validJPEG[:len(validJPEG)/2],
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			img, err := Inspect(tt.data)

			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				if !errors.Is(err, ErrUndecodable) {
					t.Errorf("expected ErrUndecodable, got %v", err)
				}
				return
			}

			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if img.ContentType != tt.wantContentType {
				t.Errorf("ContentType: expected %s, got %s", tt.wantContentType, img.ContentType)
			}
			if img.Width != tt.wantW || img.Height != tt.wantH {
				t.Errorf("expected %dx%d, got %dx%d", tt.wantW, tt.wantH, img.Width, img.Height)
			}
			if !bytes.Equal(img.Data, tt.data) {
				t.Error("Inspect must not re-encode the original bytes")
			}
		})
	}
}

func TestPlaceholder(t *testing.T) {
	p, err := NewPlaceholder()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.ContentType != "image/jpeg" {
		t.Errorf("expected image/jpeg, got %s", p.ContentType)
	}

	// The placeholder must itself pass inspection
	img, err := Inspect(p.Data)
	if err != nil {
		t.Fatalf("placeholder is not a valid image: %v", err)
	}
	if img.Width != 1 || img.Height != 1 {
		t.Errorf("expected 1x1 placeholder, got %dx%d", img.Width, img.Height)
	}
}

func createTestJPEG(w, h int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	_ = jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90})
	return buf.Bytes()
}

func createTestPNG(w, h int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return buf.Bytes()
}
