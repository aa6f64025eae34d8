// Package imagesrc acquires images for classification, either from uploaded
// files or from remote URLs.
package imagesrc

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"sync/atomic"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

var (
	// ErrUnsupportedFormat is returned when the bytes are not a known image format.
	ErrUnsupportedFormat = errors.New("unsupported image format")

	// ErrInvalidURL is returned for references that cannot be fetched.
	ErrInvalidURL = errors.New("invalid image URL")

	// ErrTooLarge is returned when an image exceeds the configured size limit.
	ErrTooLarge = errors.New("image too large")

	// ErrBlobNotFound is returned for unknown blob references.
	ErrBlobNotFound = errors.New("blob not found")

	// ErrForbiddenAddress is returned when a URL resolves to a loopback,
	// private or link-local address.
	ErrForbiddenAddress = errors.New("address not allowed")
)

// DefaultMaxPixels bounds width*height of decoded images.
const DefaultMaxPixels = 25_000_000

var maxPixels atomic.Int64

func init() {
	maxPixels.Store(DefaultMaxPixels)
}

// SetMaxPixels changes the decode limit and returns the previous one. Values
// below one restore the default.
func SetMaxPixels(n int64) int64 {
	if n < 1 {
		n = DefaultMaxPixels
	}
	return maxPixels.Swap(n)
}

// File is one user-selected file.
type File struct {
	Name        string
	ContentType string
	Data        []byte
}

// Decode reads an image in any registered format: JPEG, PNG, GIF, BMP, TIFF
// or WebP. The header is checked against the pixel limit before any pixel
// data is decoded.
func Decode(r io.Reader) (image.Image, string, error) {
	var header bytes.Buffer
	cfg, _, err := image.DecodeConfig(io.TeeReader(r, &header))
	if err != nil {
		if errors.Is(err, image.ErrFormat) {
			return nil, "", ErrUnsupportedFormat
		}
		return nil, "", fmt.Errorf("failed to decode image: %w", err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return nil, "", fmt.Errorf("failed to decode image: empty %dx%d", cfg.Width, cfg.Height)
	}
	if limit := maxPixels.Load(); int64(cfg.Width)*int64(cfg.Height) > limit {
		return nil, "", fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrTooLarge, cfg.Width, cfg.Height, limit)
	}

	img, format, err := image.Decode(io.MultiReader(&header, r))
	if err != nil {
		if errors.Is(err, image.ErrFormat) {
			return nil, "", ErrUnsupportedFormat
		}
		return nil, "", fmt.Errorf("failed to decode image: %w", err)
	}
	return img, format, nil
}

func DecodeFile(f File) (image.Image, string, error) {
	return Decode(bytes.NewReader(f.Data))
}
