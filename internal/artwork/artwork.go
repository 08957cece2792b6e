// Package artwork verifies fetched image bytes and builds the placeholder.
package artwork

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"  // GIF format support
	_ "image/jpeg" // JPEG format support
	_ "image/png"  // PNG format support

	"github.com/disintegration/imaging"
	"github.com/genricoloni/coverd/internal/domain"
	_ "golang.org/x/image/webp" // WebP format support
)

// ErrUndecodable is returned for bytes that do not decode as a complete image
var ErrUndecodable = errors.New("undecodable image")

const placeholderSize = 1

// Inspect fully decodes data so that truncated or corrupt downloads are
// rejected before they can be served. The bytes themselves are kept as-is.
func Inspect(data []byte) (*domain.Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty body", ErrUndecodable)
	}

	_, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}

	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}

	// Validate image dimensions
	bounds := img.Bounds()
	if bounds.Dx() == 0 || bounds.Dy() == 0 {
		return nil, fmt.Errorf("%w: invalid image dimensions: %dx%d", ErrUndecodable, bounds.Dx(), bounds.Dy())
	}

	return &domain.Image{
		Data:        data,
		ContentType: "image/" + format,
		Width:       bounds.Dx(),
		Height:      bounds.Dy(),
		Digest:      Digest(data),
	}, nil
}

// Placeholder is the image served when no artwork is available
type Placeholder struct {
	domain.Image
}

// NewPlaceholder renders the tiny white JPEG served before any artwork resolves
func NewPlaceholder() (*Placeholder, error) {
	img := imaging.New(placeholderSize, placeholderSize, color.White)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(90)); err != nil {
		return nil, fmt.Errorf("failed to encode placeholder: %w", err)
	}

	return &Placeholder{Image: domain.Image{
		Data:        buf.Bytes(),
		ContentType: "image/jpeg",
		Width:       placeholderSize,
		Height:      placeholderSize,
		Digest:      Digest(buf.Bytes()),
	}}, nil
}

// Digest returns a short content hash suitable for an HTTP ETag
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8])
}
