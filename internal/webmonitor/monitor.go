package webmonitor

import (
	"sync"
	"time"

	"github.com/dj-oyu/birdwatch/internal/detection"
	"github.com/dj-oyu/birdwatch/internal/live"
	"github.com/dj-oyu/birdwatch/internal/logger"
	"github.com/dj-oyu/birdwatch/internal/stats"
)

const historySize = 8

// Monitor holds the latest live results for the HTTP surfaces. It is the
// live loop's Sink.
type Monitor struct {
	startTime time.Time

	mu               sync.Mutex
	session          string
	version          int
	latestBatch      *detection.Batch
	latestDetection  *DetectionResult
	detectionHistory []DetectionResult
	stats            stats.Snapshot
	lastError        *ErrorInfo

	changed chan struct{}
}

// NewMonitor creates an empty Monitor.
func NewMonitor() *Monitor {
	return &Monitor{
		startTime: time.Now(),
		changed:   make(chan struct{}, 1),
	}
}

// Apply implements live.Sink. The batch pointer is swapped, never mutated.
func (m *Monitor) Apply(u live.Update) {
	result := DetectionResult{
		SessionID:   u.SessionID,
		FrameNumber: u.FrameNum,
		Detections:  convertDetections(u.Batch),
	}
	if u.Batch != nil {
		result.Width = u.Batch.SourceWidth
		result.Height = u.Batch.SourceHeight
		result.Timestamp = unixSeconds(u.Batch.ReceivedAt)
	}
	result.NumDetections = len(result.Detections)

	m.mu.Lock()
	if u.SessionID != m.session {
		m.clearLocked()
		m.session = u.SessionID
	}
	m.version++
	result.Version = m.version
	m.latestBatch = u.Batch
	m.latestDetection = &result
	m.stats = u.Stats
	if result.NumDetections > 0 {
		m.detectionHistory = append([]DetectionResult{result}, m.detectionHistory...)
		if len(m.detectionHistory) > historySize {
			m.detectionHistory = m.detectionHistory[:historySize]
		}
	}
	m.mu.Unlock()

	m.signal()
}

// ReportError implements live.Sink.
func (m *Monitor) ReportError(sessionID string, err error) {
	if err == nil {
		return
	}
	m.mu.Lock()
	m.lastError = &ErrorInfo{
		SessionID: sessionID,
		Message:   err.Error(),
		Timestamp: unixSeconds(time.Now()),
	}
	m.mu.Unlock()
	logger.Debug("Monitor", "Session %s reported: %v", sessionID, err)
}

// Reset clears all results.
func (m *Monitor) Reset() {
	m.mu.Lock()
	m.clearLocked()
	m.session = ""
	m.mu.Unlock()
	m.signal()
}

// Begin switches the monitor to sessionID, clearing results left by any
// other session. The first update of a session does the same, so calling
// Begin after that update is a no-op.
func (m *Monitor) Begin(sessionID string) {
	m.mu.Lock()
	if m.session == sessionID {
		m.mu.Unlock()
		return
	}
	m.clearLocked()
	m.session = sessionID
	m.mu.Unlock()
	m.signal()
}

func (m *Monitor) clearLocked() {
	m.latestBatch = nil
	m.latestDetection = nil
	m.detectionHistory = nil
	m.stats = stats.Snapshot{}
	m.lastError = nil
}

func (m *Monitor) signal() {
	select {
	case m.changed <- struct{}{}:
	default:
	}
}

// Changed is signalled after every Apply or Reset. Signals coalesce, so a
// reader must re-read the latest state rather than count signals.
func (m *Monitor) Changed() <-chan struct{} {
	return m.changed
}

// LatestBatch returns the batch currently rendered over the live view.
func (m *Monitor) LatestBatch() *detection.Batch {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.latestBatch
}

// Latest returns the most recent detection result, or nil.
func (m *Monitor) Latest() *DetectionResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.latestDetection == nil {
		return nil
	}
	r := *m.latestDetection
	return &r
}

// Snapshot returns the stats panel, the latest result, the recent
// non-empty results and the last surfaced error.
func (m *Monitor) Snapshot() (MonitorStats, *DetectionResult, []DetectionResult, *ErrorInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()

	historyCopy := make([]DetectionResult, len(m.detectionHistory))
	copy(historyCopy, m.detectionHistory)

	var latest *DetectionResult
	if m.latestDetection != nil {
		r := *m.latestDetection
		latest = &r
	}
	var lastErr *ErrorInfo
	if m.lastError != nil {
		e := *m.lastError
		lastErr = &e
	}
	return convertStats(m.stats), latest, historyCopy, lastErr
}

// Uptime reports how long the monitor has been running.
func (m *Monitor) Uptime() time.Duration {
	return time.Since(m.startTime)
}

func unixSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.UnixNano()) / 1e9
}
