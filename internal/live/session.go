package live

import (
	"time"

	"github.com/dj-oyu/birdwatch/internal/detection"
	"github.com/dj-oyu/birdwatch/internal/stats"
	"github.com/dj-oyu/birdwatch/pkg/types"
)

// State is the loop state of a session.
type State int32

const (
	StateIdle State = iota
	StateArmed
	StateRequesting
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArmed:
		return "armed"
	case StateRequesting:
		return "requesting"
	default:
		return "unknown"
	}
}

// MarshalText renders the state name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Session is the state of one live run. Only the loop goroutine touches it
// while the session is running.
type Session struct {
	ID            string
	Active        bool
	InFlight      bool
	State         State
	StartedAt     time.Time
	LastRequestAt time.Time
	Requests      uint64

	agg *stats.Aggregator
}

// request is one dispatched inference call.
type request struct {
	sessionID    string
	seq          uint64
	frame        *types.Frame
	confidence   float64
	dispatchedAt time.Time
}

// outcome is what the inference goroutine hands back to the loop.
type outcome struct {
	req        request
	batch      *detection.Batch
	err        error
	receivedAt time.Time
}

// Update is published to the Sink for every applied response.
type Update struct {
	SessionID string
	FrameNum  uint64 // capture number of the submitted frame
	Batch     *detection.Batch
	Stats     stats.Snapshot
}

// Status is a read-only view of the loop for status endpoints.
type Status struct {
	SessionID     string    `json:"session_id,omitempty"`
	State         State     `json:"state"`
	Active        bool      `json:"active"`
	InFlight      bool      `json:"in_flight"`
	MinIntervalMs int64     `json:"min_interval_ms"`
	Confidence    float64   `json:"confidence"`
	StartedAt     time.Time `json:"started_at,omitempty"`
	LastRequestAt time.Time `json:"last_request_at,omitempty"`
	Requests      uint64    `json:"requests"`
}
