package webmonitor

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"image"
	"sync"
	"sync/atomic"
	"time"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/dj-oyu/birdwatch/internal/camera"
	"github.com/dj-oyu/birdwatch/internal/logger"
	"github.com/dj-oyu/birdwatch/internal/overlay"
)

// clientSet fans values out to subscribers. Slow subscribers miss values
// instead of blocking the producer.
type clientSet[T any] struct {
	name    string
	mu      sync.Mutex
	clients map[int]chan T
	nextID  int
	gauge   *atomic.Int64
}

func newClientSet[T any](name string, gauge *atomic.Int64) *clientSet[T] {
	return &clientSet[T]{name: name, clients: make(map[int]chan T), gauge: gauge}
}

// Subscribe adds a new client and returns its channel.
func (c *clientSet[T]) Subscribe() (int, <-chan T) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextID
	c.nextID++
	ch := make(chan T, 2) // Buffer 2 values to avoid blocking
	c.clients[id] = ch
	if c.gauge != nil {
		c.gauge.Add(1)
	}

	logger.Debug(c.name, "Client #%d subscribed (total clients: %d)", id, len(c.clients))
	return id, ch
}

// Unsubscribe removes a client.
func (c *clientSet[T]) Unsubscribe(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ch, ok := c.clients[id]; ok {
		close(ch)
		delete(c.clients, id)
		if c.gauge != nil {
			c.gauge.Add(-1)
		}
		logger.Debug(c.name, "Client #%d unsubscribed (remaining clients: %d)", id, len(c.clients))
	}
}

func (c *clientSet[T]) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.clients)
}

func (c *clientSet[T]) broadcast(v T) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, ch := range c.clients {
		select {
		case ch <- v:
		default:
			// Client too slow, skip this value for this client
		}
	}
}

// closeAll disconnects every subscriber.
func (c *clientSet[T]) closeAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, ch := range c.clients {
		close(ch)
		delete(c.clients, id)
		if c.gauge != nil {
			c.gauge.Add(-1)
		}
	}
}

// stopper is the shared Start/Stop plumbing of the broadcasters.
type stopper struct {
	mu      sync.Mutex
	stop    chan struct{}
	stopped bool
}

func newStopper() stopper {
	return stopper{stop: make(chan struct{})}
}

// Stop halts the broadcaster.
func (s *stopper) Stop() {
	s.mu.Lock()
	if !s.stopped {
		close(s.stop)
		s.stopped = true
	}
	s.mu.Unlock()
}

// FrameProvider yields the newest undecorated still. camera.Sampler
// implements it.
type FrameProvider interface {
	Latest() (image.Image, bool)
}

// FrameBroadcaster renders the overlay over the newest still and fans the
// JPEG out to MJPEG clients.
type FrameBroadcaster struct {
	*clientSet[[]byte]
	stopper

	frames   FrameProvider
	renderer *overlay.Renderer
	monitor  *Monitor
	interval time.Duration
	quality  int

	skipCount int // Count of cycles skipped when no clients
}

// NewFrameBroadcaster creates a broadcaster that generates overlay frames and fans them out.
func NewFrameBroadcaster(frames FrameProvider, renderer *overlay.Renderer, monitor *Monitor, interval time.Duration, quality int, gauge *atomic.Int64) *FrameBroadcaster {
	return &FrameBroadcaster{
		clientSet: newClientSet[[]byte]("FrameBroadcaster", gauge),
		stopper:   newStopper(),
		frames:    frames,
		renderer:  renderer,
		monitor:   monitor,
		interval:  interval,
		quality:   quality,
	}
}

// Start begins the frame generation and broadcast loop.
func (fb *FrameBroadcaster) Start() {
	go fb.run()
}

func (fb *FrameBroadcaster) run() {
	ticker := time.NewTicker(fb.interval)
	defer ticker.Stop()
	defer fb.closeAll()

	for {
		select {
		case <-fb.stop:
			return
		case <-ticker.C:
		}

		if fb.count() == 0 {
			fb.skipCount++
			if fb.skipCount%100 == 0 {
				logger.Debug("FrameBroadcaster", "No clients connected (idle for %d cycles)", fb.skipCount)
			}
			continue
		}
		fb.skipCount = 0

		jpegData := fb.generateOverlay()
		if jpegData == nil {
			continue
		}
		fb.broadcast(jpegData)
	}
}

// generateOverlay returns the annotated JPEG of the newest still, or nil
// before the source has produced one.
func (fb *FrameBroadcaster) generateOverlay() []byte {
	if fb.frames == nil {
		return nil
	}
	img, ok := fb.frames.Latest()
	if !ok {
		return nil
	}
	if fb.renderer != nil {
		img = fb.renderer.Annotate(img, fb.monitor.LatestBatch())
	}

	var buf bytes.Buffer
	if err := camera.EncodeJPEG(&buf, img, fb.quality); err != nil {
		logger.Warn("FrameBroadcaster", "JPEG encode failed: %v", err)
		return nil
	}
	return buf.Bytes()
}

// SerializedEvent holds pre-serialized data in both formats.
// This avoids redundant serialization when broadcasting to multiple clients.
type SerializedEvent struct {
	JSONData     []byte // Pre-serialized JSON
	ProtobufData []byte // google.protobuf.Struct, base64 encoded for SSE
}

// serializeEvent encodes payload as JSON and as a protobuf Struct built
// from that JSON.
func serializeEvent(payload any) (*SerializedEvent, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("json marshal: %w", err)
	}

	st := &structpb.Struct{}
	if err := protojson.Unmarshal(jsonData, st); err != nil {
		return nil, fmt.Errorf("protobuf convert: %w", err)
	}
	pbData, err := proto.Marshal(st)
	if err != nil {
		return nil, fmt.Errorf("protobuf marshal: %w", err)
	}

	return &SerializedEvent{
		JSONData:     jsonData,
		ProtobufData: []byte(base64.StdEncoding.EncodeToString(pbData)),
	}, nil
}

// DetectionBroadcaster pushes every applied batch to SSE and WebSocket
// clients, including empty ones so clients clear stale boxes.
type DetectionBroadcaster struct {
	*clientSet[*SerializedEvent]
	stopper

	monitor          *Monitor
	lastEventVersion int // Track last sent version to avoid duplicates
}

// NewDetectionBroadcaster creates a broadcaster for detection events.
func NewDetectionBroadcaster(monitor *Monitor, gauge *atomic.Int64) *DetectionBroadcaster {
	return &DetectionBroadcaster{
		clientSet: newClientSet[*SerializedEvent]("DetectionBroadcaster", gauge),
		stopper:   newStopper(),
		monitor:   monitor,
	}
}

// Start begins the detection event loop.
func (db *DetectionBroadcaster) Start() {
	go db.run()
}

func (db *DetectionBroadcaster) run() {
	logger.Info("DetectionBroadcaster", "Starting detection event broadcaster")
	defer db.closeAll()

	for {
		select {
		case <-db.stop:
			return
		case <-db.monitor.Changed():
		}

		det := db.monitor.Latest()
		if det == nil || det.Version == db.lastEventVersion {
			continue
		}
		db.lastEventVersion = det.Version

		if db.count() == 0 {
			continue
		}
		db.processAndBroadcast(det)
	}
}

func (db *DetectionBroadcaster) processAndBroadcast(det *DetectionResult) {
	event, err := serializeEvent(det)
	if err != nil {
		logger.Error("DetectionBroadcaster", "Serialize error: %v", err)
		return
	}
	db.broadcast(event)
}

// StatusBroadcaster publishes the status payload on a fixed interval.
type StatusBroadcaster struct {
	*clientSet[*SerializedEvent]
	stopper

	build    func() any
	interval time.Duration
}

// NewStatusBroadcaster creates a broadcaster for status events. build
// produces the payload for each tick.
func NewStatusBroadcaster(build func() any, interval time.Duration, gauge *atomic.Int64) *StatusBroadcaster {
	return &StatusBroadcaster{
		clientSet: newClientSet[*SerializedEvent]("StatusBroadcaster", gauge),
		stopper:   newStopper(),
		build:     build,
		interval:  interval,
	}
}

// Start begins the status event loop.
func (sb *StatusBroadcaster) Start() {
	go sb.run()
}

func (sb *StatusBroadcaster) run() {
	logger.Info("StatusBroadcaster", "Starting status event broadcaster (interval=%v)", sb.interval)
	ticker := time.NewTicker(sb.interval)
	defer ticker.Stop()
	defer sb.closeAll()

	for {
		select {
		case <-sb.stop:
			return
		case <-ticker.C:
			if sb.count() == 0 {
				continue
			}
			event, err := serializeEvent(sb.build())
			if err != nil {
				logger.Error("StatusBroadcaster", "Serialize error: %v", err)
				continue
			}
			sb.broadcast(event)
		}
	}
}
