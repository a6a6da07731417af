package camera

import (
	"bytes"
	"context"
	"image"
	"io"
	"sync/atomic"

	"github.com/disintegration/imaging"

	"github.com/dj-oyu/birdwatch/internal/metrics"
	"github.com/dj-oyu/birdwatch/pkg/types"
)

// DefaultJPEGQuality trades a little fidelity for small uploads.
const DefaultJPEGQuality = 75

// SamplerOptions controls frame encoding.
type SamplerOptions struct {
	MaxWidth int // stills wider than this are downscaled; 0 disables
	Quality  int // JPEG quality 1-100
	Metrics  *metrics.Metrics
}

// Sampler captures the current still of a Source as an upload-ready JPEG.
type Sampler struct {
	src      Source
	maxWidth int
	quality  int
	metrics  *metrics.Metrics
	seq      atomic.Uint64
}

// NewSampler wraps src.
func NewSampler(src Source, opts SamplerOptions) *Sampler {
	if opts.Quality <= 0 || opts.Quality > 100 {
		opts.Quality = DefaultJPEGQuality
	}
	return &Sampler{
		src:      src,
		maxWidth: opts.MaxWidth,
		quality:  opts.Quality,
		metrics:  opts.Metrics,
	}
}

// Open acquires the underlying source.
func (s *Sampler) Open(ctx context.Context) error {
	if s.src == nil {
		return ErrNoSource
	}
	return s.src.Open(ctx)
}

// Close releases the underlying source.
func (s *Sampler) Close() error {
	if s.src == nil {
		return nil
	}
	return s.src.Close()
}

// Latest returns the undecorated newest still for display.
func (s *Sampler) Latest() (image.Image, bool) {
	if s.src == nil {
		return nil, false
	}
	img, _, ok := s.src.Latest()
	if !ok || empty(img) {
		return nil, false
	}
	return img, true
}

// CaptureFrame encodes the newest still. It returns ErrUnavailable until the
// source reports a frame with non-zero dimensions.
func (s *Sampler) CaptureFrame() (*types.Frame, error) {
	if s.src == nil {
		return nil, ErrNoSource
	}
	img, at, ok := s.src.Latest()
	if !ok || empty(img) {
		s.countFailure()
		return nil, ErrUnavailable
	}

	if s.maxWidth > 0 && img.Bounds().Dx() > s.maxWidth {
		img = imaging.Resize(img, s.maxWidth, 0, imaging.Box)
	}

	var buf bytes.Buffer
	if err := EncodeJPEG(&buf, img, s.quality); err != nil {
		s.countFailure()
		return nil, err
	}

	b := img.Bounds()
	if s.metrics != nil {
		s.metrics.FramesCaptured.Add(1)
	}
	return &types.Frame{
		Data:      buf.Bytes(),
		Timestamp: at,
		FrameNum:  s.seq.Add(1),
		Width:     b.Dx(),
		Height:    b.Dy(),
	}, nil
}

func (s *Sampler) countFailure() {
	if s.metrics != nil {
		s.metrics.CaptureFailures.Add(1)
	}
}

func empty(img image.Image) bool {
	if img == nil {
		return true
	}
	b := img.Bounds()
	return b.Dx() <= 0 || b.Dy() <= 0
}

// EncodeJPEG writes img as a JPEG of the given quality.
func EncodeJPEG(w io.Writer, img image.Image, quality int) error {
	return imaging.Encode(w, img, imaging.JPEG, imaging.JPEGQuality(quality))
}
