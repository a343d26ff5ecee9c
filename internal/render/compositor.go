package render

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/cshum/vipsgen/vips"
	"go.uber.org/zap"

	"tilestream/internal/tile"
)

var ErrUnsupportedFormat = errors.New("unsupported texture format")

const DefaultQuality = 82

// Region is a pixel rectangle with row 0 at the north edge.
type Region struct {
	Left, Top, Width, Height int
}

// SubRegion converts a fallback transform into the pixel rectangle it covers in a
// w x h ancestor texture. The transform's t axis grows northward, image rows grow
// southward.
func SubRegion(w, h int, f tile.FallbackTransform) Region {
	s0, t0, s1, t1 := f.Region()
	left := int(math.Floor(s0 * float64(w)))
	right := int(math.Ceil(s1 * float64(w)))
	top := int(math.Floor((1 - t1) * float64(h)))
	bottom := int(math.Ceil((1 - t0) * float64(h)))

	left = clamp(left, 0, w-1)
	top = clamp(top, 0, h-1)
	right = clamp(right, left+1, w)
	bottom = clamp(bottom, top+1, h)
	return Region{Left: left, Top: top, Width: right - left, Height: bottom - top}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Compositor cuts the part of an ancestor texture that covers a missing tile and
// scales it up to a full tile.
type Compositor struct {
	Quality int
	logger  *zap.Logger
}

func NewCompositor(logger *zap.Logger) *Compositor {
	return &Compositor{Quality: DefaultQuality, logger: logger}
}

// Compose returns a tileWidth x tileHeight JPEG drawn from the region of ancestor
// described by f.
func (c *Compositor) Compose(ancestor *tile.TexturePayload, f tile.FallbackTransform, tileWidth, tileHeight int) ([]byte, error) {
	if ancestor == nil || len(ancestor.Data) == 0 {
		return nil, fmt.Errorf("empty ancestor texture")
	}
	if tileWidth <= 0 || tileHeight <= 0 {
		return nil, fmt.Errorf("invalid tile size %dx%d", tileWidth, tileHeight)
	}

	image, err := loadBuffer(ancestor)
	if err != nil {
		return nil, err
	}
	defer image.Close()

	// Step 1: cut the covered area
	r := SubRegion(image.Width(), image.Height(), f)
	if err := image.ExtractArea(r.Left, r.Top, r.Width, r.Height); err != nil {
		return nil, fmt.Errorf("failed to extract area: %w", err)
	}

	// Step 2: scale up to the tile size
	resizeOpts := vips.DefaultResizeOptions()
	resizeOpts.Kernel = vips.KernelLanczos3
	resizeOpts.Vscale = float64(tileHeight) / float64(r.Height)
	if err := image.Resize(float64(tileWidth)/float64(r.Width), resizeOpts); err != nil {
		return nil, fmt.Errorf("failed to resize: %w", err)
	}

	// Step 3: rounding can leave a pixel short
	if image.Width() < tileWidth || image.Height() < tileHeight {
		embedOpts := vips.DefaultEmbedOptions()
		embedOpts.Extend = vips.ExtendCopy
		if err := image.Embed(0, 0, tileWidth, tileHeight, embedOpts); err != nil {
			return nil, fmt.Errorf("failed to pad: %w", err)
		}
	}
	if image.Width() > tileWidth || image.Height() > tileHeight {
		if err := image.ExtractArea(0, 0, tileWidth, tileHeight); err != nil {
			return nil, fmt.Errorf("failed to crop: %w", err)
		}
	}

	jpegOpts := vips.DefaultJpegsaveBufferOptions()
	jpegOpts.Q = c.Quality
	jpegOpts.Interlace = false
	out, err := image.JpegsaveBuffer(jpegOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to export: %w", err)
	}

	c.logger.Debug("composed fallback",
		zap.Int("level_delta", f.LevelDelta),
		zap.Int("region_width", r.Width),
		zap.Int("region_height", r.Height),
		zap.Int("bytes", len(out)))
	return out, nil
}

func loadBuffer(p *tile.TexturePayload) (*vips.Image, error) {
	switch strings.ToLower(p.Format) {
	case "jpg", "jpeg":
		return vips.NewJpegloadBuffer(p.Data, vips.DefaultJpegloadBufferOptions())
	case "png":
		return vips.NewPngloadBuffer(p.Data, vips.DefaultPngloadBufferOptions())
	case "webp":
		return vips.NewWebploadBuffer(p.Data, vips.DefaultWebploadBufferOptions())
	case "gif":
		return vips.NewGifloadBuffer(p.Data, vips.DefaultGifloadBufferOptions())
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, p.Format)
	}
}

// CanCompose reports whether Compose can decode format.
func CanCompose(format string) bool {
	switch strings.ToLower(format) {
	case "jpg", "jpeg", "png", "webp", "gif":
		return true
	}
	return false
}

// ETag is a short content hash for HTTP caching.
func ETag(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])[:16]
}
