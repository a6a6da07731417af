// Package camera owns live image sources and turns their latest still into
// an upload-ready JPEG frame.
package camera

import (
	"context"
	"errors"
	"image"
	"sync"
	"time"
)

var (
	// ErrUnavailable is returned while the source has not produced a frame
	// with non-zero dimensions.
	ErrUnavailable = errors.New("camera: frame unavailable")
	// ErrNoSource is returned when no live source is configured.
	ErrNoSource = errors.New("camera: no source configured")
	// ErrSourceBusy is returned when a source is opened twice.
	ErrSourceBusy = errors.New("camera: source already open")
)

// Source is a live image source. A source is owned by one session at a
// time: Open acquires the underlying device or process and Close releases it.
type Source interface {
	Open(ctx context.Context) error
	// Latest returns the most recent decoded still. ok is false until the
	// first still has been decoded after Open.
	Latest() (img image.Image, at time.Time, ok bool)
	Close() error
}

// latestFrame keeps the newest decoded still of a source.
type latestFrame struct {
	mu  sync.RWMutex
	img image.Image
	at  time.Time
}

func (l *latestFrame) store(img image.Image, at time.Time) {
	l.mu.Lock()
	l.img = img
	l.at = at
	l.mu.Unlock()
}

func (l *latestFrame) load() (image.Image, time.Time, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.img == nil {
		return nil, time.Time{}, false
	}
	return l.img, l.at, true
}

func (l *latestFrame) reset() {
	l.store(nil, time.Time{})
}

// StaticSource serves a single fixed image. Useful for demos and tests.
type StaticSource struct {
	img image.Image

	mu   sync.Mutex
	open bool
	at   time.Time
}

// NewStaticSource returns a source that always yields img once opened.
func NewStaticSource(img image.Image) *StaticSource {
	return &StaticSource{img: img}
}

func (s *StaticSource) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.open {
		return ErrSourceBusy
	}
	s.open = true
	s.at = time.Now()
	return nil
}

func (s *StaticSource) Latest() (image.Image, time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.open || s.img == nil {
		return nil, time.Time{}, false
	}
	return s.img, s.at, true
}

func (s *StaticSource) Close() error {
	s.mu.Lock()
	s.open = false
	s.mu.Unlock()
	return nil
}
