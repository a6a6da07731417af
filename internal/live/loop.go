// Package live runs the sampling and inference loop for a live camera
// session.
package live

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"github.com/dj-oyu/birdwatch/internal/detection"
	"github.com/dj-oyu/birdwatch/internal/inference"
	"github.com/dj-oyu/birdwatch/internal/logger"
	"github.com/dj-oyu/birdwatch/internal/metrics"
	"github.com/dj-oyu/birdwatch/internal/stats"
	"github.com/dj-oyu/birdwatch/pkg/types"
)

const (
	MinIntervalFloor    = 120 * time.Millisecond
	DefaultMinInterval  = 200 * time.Millisecond
	DefaultTickInterval = 33 * time.Millisecond
	DefaultConfidence   = 0.25
)

// FrameSource yields upload-ready frames. camera.Sampler implements it.
type FrameSource interface {
	Open(ctx context.Context) error
	CaptureFrame() (*types.Frame, error)
	Close() error
}

// Detector runs inference on one frame. inference.Client implements it.
type Detector interface {
	CheckCredential() error
	PredictFrame(ctx context.Context, frame *types.Frame, confidence float64) (*detection.Batch, error)
}

// Sink receives applied batches and surfaced errors.
type Sink interface {
	Apply(u Update)
	ReportError(sessionID string, err error)
}

// Options tune a Loop. Zero values take defaults.
type Options struct {
	Clock        clock.Clock
	TickInterval time.Duration
	MinInterval  time.Duration
	Confidence   float64
	StatsWindow  int
	TopN         int
	Metrics      *metrics.Metrics
}

// Loop drives live sessions. At most one session runs at a time and each
// session has at most one inference request outstanding.
type Loop struct {
	clock    clock.Clock
	source   FrameSource
	detector Detector
	sink     Sink
	metrics  *metrics.Metrics
	tick     time.Duration
	window   int
	topN     int
	log      logger.Module

	minInterval atomic.Int64  // nanoseconds
	confidence  atomic.Uint64 // float64 bits

	ctrl   sync.Mutex // serializes Start and Stop
	cancel context.CancelFunc
	done   chan struct{}

	status atomic.Pointer[Status]
}

// New creates an idle loop.
func New(source FrameSource, detector Detector, sink Sink, opts Options) *Loop {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = DefaultTickInterval
	}
	if opts.MinInterval == 0 {
		opts.MinInterval = DefaultMinInterval
	}
	if opts.Confidence == 0 {
		opts.Confidence = DefaultConfidence
	}
	l := &Loop{
		clock:    opts.Clock,
		source:   source,
		detector: detector,
		sink:     sink,
		metrics:  opts.Metrics,
		tick:     opts.TickInterval,
		window:   opts.StatsWindow,
		topN:     opts.TopN,
		log:      logger.For("LiveLoop"),
	}
	l.SetMinInterval(opts.MinInterval)
	l.SetConfidence(opts.Confidence)
	l.publish(nil)
	return l
}

// SetMinInterval changes the minimum gap between requests. Values below
// MinIntervalFloor are raised to it. Takes effect on the next tick.
func (l *Loop) SetMinInterval(d time.Duration) time.Duration {
	if d < MinIntervalFloor {
		d = MinIntervalFloor
	}
	l.minInterval.Store(int64(d))
	l.republish()
	return d
}

// MinInterval returns the current minimum gap between requests.
func (l *Loop) MinInterval() time.Duration {
	return time.Duration(l.minInterval.Load())
}

// SetConfidence changes the threshold sent with each request, clamped to
// [0, 1]. Takes effect on the next request.
func (l *Loop) SetConfidence(c float64) float64 {
	if math.IsNaN(c) || c < 0 {
		c = 0
	}
	if c > 1 {
		c = 1
	}
	l.confidence.Store(math.Float64bits(c))
	l.republish()
	return c
}

// Confidence returns the current threshold.
func (l *Loop) Confidence() float64 {
	return math.Float64frombits(l.confidence.Load())
}

// Status returns the latest published view of the loop.
func (l *Loop) Status() Status {
	return *l.status.Load()
}

// Start begins a new session. A running session is stopped first and its
// source released before the source is opened again.
func (l *Loop) Start(ctx context.Context) (Status, error) {
	l.ctrl.Lock()
	defer l.ctrl.Unlock()

	if err := l.stopLocked(); err != nil {
		l.log.Warn("Releasing previous source: %v", err)
	}
	if err := l.detector.CheckCredential(); err != nil {
		return l.Status(), err
	}
	if err := l.source.Open(ctx); err != nil {
		return l.Status(), fmt.Errorf("open frame source: %w", err)
	}

	s := l.newSession()
	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	ticker := l.clock.Ticker(l.tick)
	done := make(chan struct{})
	l.cancel, l.done = cancel, done

	if l.metrics != nil {
		l.metrics.SessionsStarted.Add(1)
		l.metrics.SetSessionActive(true)
	}
	l.publish(s)
	l.log.Info("Session %s started (interval=%v, conf=%.2f)", s.ID, l.MinInterval(), l.Confidence())

	go l.run(runCtx, s, ticker, done)
	return l.Status(), nil
}

// Stop ends the running session, if any, and releases the source. A
// response still in flight is never applied.
func (l *Loop) Stop() error {
	l.ctrl.Lock()
	defer l.ctrl.Unlock()
	return l.stopLocked()
}

func (l *Loop) stopLocked() error {
	if l.cancel == nil {
		return nil
	}
	id := l.Status().SessionID
	l.cancel()
	<-l.done
	l.cancel, l.done = nil, nil

	if l.metrics != nil {
		l.metrics.SetSessionActive(false)
	}
	err := l.source.Close()
	l.log.Info("Session %s stopped", id)
	return err
}

func (l *Loop) newSession() *Session {
	return &Session{
		ID:        uuid.NewString(),
		Active:    true,
		State:     StateArmed,
		StartedAt: l.clock.Now(),
		agg:       stats.NewAggregator(l.window, l.topN),
	}
}

// run is the only writer of s while the session is running.
func (l *Loop) run(ctx context.Context, s *Session, ticker *clock.Ticker, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()

	results := make(chan outcome, 1)
	for {
		select {
		case <-ctx.Done():
			s.Active = false
			s.InFlight = false
			s.State = StateIdle
			l.publish(s)
			return
		case <-ticker.C:
			if req, ok := l.step(s, l.clock.Now()); ok {
				l.publish(s)
				go l.dispatch(ctx, req, results)
			}
		case out := <-results:
			if ctx.Err() != nil {
				s.Active = false
			}
			l.complete(s, out)
			l.publish(s)
		}
	}
}

// step is one scheduling tick. It returns a request to dispatch, or false
// when the tick is skipped.
func (l *Loop) step(s *Session, now time.Time) (request, bool) {
	if !s.Active {
		return request{}, false
	}
	if s.InFlight || now.Sub(s.LastRequestAt) < l.MinInterval() {
		if l.metrics != nil {
			l.metrics.TicksSkipped.Add(1)
		}
		return request{}, false
	}

	frame, err := l.source.CaptureFrame()
	if err != nil {
		return request{}, false
	}

	s.InFlight = true
	s.LastRequestAt = now
	s.State = StateRequesting
	s.Requests++
	if l.metrics != nil {
		l.metrics.RequestsSent.Add(1)
	}
	return request{
		sessionID:    s.ID,
		seq:          s.Requests,
		frame:        frame,
		confidence:   l.Confidence(),
		dispatchedAt: now,
	}, true
}

func (l *Loop) dispatch(ctx context.Context, req request, results chan<- outcome) {
	batch, err := l.detector.PredictFrame(ctx, req.frame, req.confidence)
	results <- outcome{req: req, batch: batch, err: err, receivedAt: l.clock.Now()}
}

// complete applies one response. It returns false when the response was
// discarded because its session is no longer active.
func (l *Loop) complete(s *Session, out outcome) bool {
	if !s.Active || out.req.sessionID != s.ID {
		if l.metrics != nil {
			l.metrics.ResponsesDiscarded.Add(1)
		}
		l.log.Debug("Discarding late response %d of session %s", out.req.seq, out.req.sessionID)
		return false
	}

	s.InFlight = false
	s.State = StateArmed
	latency := out.receivedAt.Sub(out.req.dispatchedAt)

	batch := out.batch
	switch {
	case out.err == nil && batch != nil:
	case out.err == nil || inference.IsMalformed(out.err):
		// Render nothing rather than stale boxes.
		if l.metrics != nil {
			l.metrics.MalformedResponses.Add(1)
		}
		l.log.Warn("Malformed inference response: %v", out.err)
		batch = &detection.Batch{}
	default:
		if l.metrics != nil {
			l.metrics.InferenceErrors.Add(1)
		}
		l.log.Warn("Inference failed: %v", out.err)
		l.sink.ReportError(s.ID, out.err)
		return true
	}

	batch.FillSource(out.req.frame.Width, out.req.frame.Height)
	batch.ReceivedAt = out.receivedAt

	snap := s.agg.Add(batch, latency)
	if l.metrics != nil {
		l.metrics.ResponsesApplied.Add(1)
		l.metrics.UpdateInferenceLatency(latency)
		l.metrics.LastDetections.Store(uint64(batch.Len()))
	}
	l.sink.Apply(Update{SessionID: s.ID, FrameNum: out.req.frame.FrameNum, Batch: batch, Stats: snap})
	return true
}

func (l *Loop) publish(s *Session) {
	st := &Status{
		State:         StateIdle,
		MinIntervalMs: l.MinInterval().Milliseconds(),
		Confidence:    l.Confidence(),
	}
	if s != nil {
		st.SessionID = s.ID
		st.State = s.State
		st.Active = s.Active
		st.InFlight = s.InFlight
		st.StartedAt = s.StartedAt
		st.LastRequestAt = s.LastRequestAt
		st.Requests = s.Requests
	}
	l.status.Store(st)
}

// republish refreshes the tunables in the published status.
func (l *Loop) republish() {
	for {
		old := l.status.Load()
		if old == nil {
			return
		}
		next := *old
		next.MinIntervalMs = l.MinInterval().Milliseconds()
		next.Confidence = l.Confidence()
		if l.status.CompareAndSwap(old, &next) {
			return
		}
	}
}
