// Package imagehash computes 64-bit average hashes (aHash) for near-duplicate image detection.
package imagehash

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"math/bits"
	"strconv"
	"strings"

	_ "golang.org/x/image/bmp"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"

	"github.com/lyzr/mediacache/common/apperr"
)

const (
	gridSize = 8

	// HashLength is the number of hex characters in a hash
	HashLength = 16

	// DefaultSimilarityThreshold is the Hamming distance at or under which two images count as near-duplicates
	DefaultSimilarityThreshold = 5

	// MaxPixels caps width*height. Larger images are refused from their header, before decoding.
	MaxPixels = 50_000_000
)

// Compute returns the average hash of the encoded image in data
func Compute(data []byte) (string, error) {
	if len(data) == 0 {
		return "", &apperr.HashComputationError{Err: fmt.Errorf("empty image data")}
	}

	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return "", &apperr.HashComputationError{Err: err}
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return "", &apperr.HashComputationError{Err: fmt.Errorf("image has zero size")}
	}
	if int64(cfg.Width)*int64(cfg.Height) > MaxPixels {
		return "", &apperr.HashComputationError{
			Err: fmt.Errorf("image is %dx%d, over the %d pixel limit", cfg.Width, cfg.Height, MaxPixels),
		}
	}

	src, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return "", &apperr.HashComputationError{Err: err}
	}

	return FromImage(src)
}

// FromImage hashes an already decoded image
func FromImage(src image.Image) (string, error) {
	b := src.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return "", &apperr.HashComputationError{Err: fmt.Errorf("image has zero size")}
	}

	// Forced fit: aspect ratio is ignored.
	small := image.NewRGBA(image.Rect(0, 0, gridSize, gridSize))
	draw.CatmullRom.Scale(small, small.Bounds(), src, b, draw.Src, nil)

	var pixels [gridSize * gridSize]uint8
	var sum int
	for y := 0; y < gridSize; y++ {
		for x := 0; x < gridSize; x++ {
			g := color.GrayModel.Convert(small.At(x, y)).(color.Gray)
			pixels[y*gridSize+x] = g.Y
			sum += int(g.Y)
		}
	}

	// value > mean  <=>  value*64 > sum, which keeps the comparison in integers
	var hash uint64
	for _, p := range pixels {
		hash <<= 1
		if int(p)*len(pixels) > sum {
			hash |= 1
		}
	}

	return fmt.Sprintf("%016x", hash), nil
}

// HammingDistance counts the differing bits between two hashes
func HammingDistance(h1, h2 string) (int, error) {
	if len(h1) != len(h2) {
		return 0, apperr.Validation("hash", "hash lengths differ (%d vs %d)", len(h1), len(h2))
	}

	a, err := parse(h1)
	if err != nil {
		return 0, err
	}
	b, err := parse(h2)
	if err != nil {
		return 0, err
	}

	return bits.OnesCount64(a ^ b), nil
}

// AreSimilar reports whether the two hashes are within threshold bits of each other
func AreSimilar(h1, h2 string, threshold int) (bool, error) {
	d, err := HammingDistance(h1, h2)
	if err != nil {
		return false, err
	}
	return d <= threshold, nil
}

// Valid reports whether h looks like a hash produced by Compute
func Valid(h string) bool {
	if len(h) != HashLength {
		return false
	}
	_, err := parse(h)
	return err == nil
}

// IsImageContentType reports whether a MIME type should be hashed
func IsImageContentType(contentType string) bool {
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	// svg is not a raster format
	return strings.HasPrefix(ct, "image/") && ct != "image/svg+xml"
}

// Hashable reports whether contentType is an image format Compute can decode.
// Other images (avif, tiff, icons) are cached without a hash.
func Hashable(contentType string) bool {
	if !IsImageContentType(contentType) {
		return false
	}
	ct := strings.ToLower(strings.TrimSpace(contentType))
	if i := strings.Index(ct, ";"); i >= 0 {
		ct = strings.TrimSpace(ct[:i])
	}
	switch ct {
	case "image/jpeg", "image/jpg", "image/pjpeg", "image/png", "image/gif", "image/webp", "image/bmp", "image/x-ms-bmp":
		return true
	}
	return false
}

func parse(h string) (uint64, error) {
	if len(h) == 0 || len(h) > HashLength {
		return 0, apperr.Validation("hash", "hash must be 1-%d hex characters", HashLength)
	}
	v, err := strconv.ParseUint(h, 16, 64)
	if err != nil {
		return 0, apperr.Validation("hash", "hash %q is not hexadecimal", h)
	}
	return v, nil
}
