package camera

import (
	"context"
	"fmt"
	"image"
	"net/http"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/disintegration/imaging"

	"github.com/dj-oyu/birdwatch/internal/logger"
)

// SnapshotSource polls an HTTP endpoint that returns a still image, such as
// an IP camera's snapshot URL.
type SnapshotSource struct {
	url      string
	interval time.Duration
	client   *http.Client
	clock    clock.Clock
	log      logger.Module
	latest   latestFrame

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSnapshotSource creates an unopened source polling url every interval.
func NewSnapshotSource(url string, interval time.Duration, client *http.Client, clk clock.Clock) *SnapshotSource {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	if clk == nil {
		clk = clock.New()
	}
	if interval <= 0 {
		interval = 200 * time.Millisecond
	}
	return &SnapshotSource{
		url:      url,
		interval: interval,
		client:   client,
		clock:    clk,
		log:      logger.For("Snapshot"),
	}
}

func (s *SnapshotSource) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return ErrSourceBusy
	}
	if s.url == "" {
		return ErrNoSource
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.latest.reset()

	ticker := s.clock.Ticker(s.interval)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		s.poll(runCtx)
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				s.poll(runCtx)
			}
		}
	}()
	return nil
}

func (s *SnapshotSource) poll(ctx context.Context) {
	img, err := s.fetch(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.log.Debug("Snapshot fetch failed: %v", err)
		}
		return
	}
	s.latest.store(img, s.clock.Now())
}

func (s *SnapshotSource) fetch(ctx context.Context) (image.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("snapshot returned %s", resp.Status)
	}
	return imaging.Decode(resp.Body)
}

func (s *SnapshotSource) Latest() (image.Image, time.Time, bool) {
	return s.latest.load()
}

func (s *SnapshotSource) Close() error {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	s.wg.Wait()
	s.latest.reset()
	return nil
}
