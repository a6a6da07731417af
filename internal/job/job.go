// Package job follows asynchronous video analysis jobs from submission to
// a downloaded artifact.
package job

import (
	"errors"
	"fmt"
	"time"

	"github.com/dj-oyu/birdwatch/internal/inference"
)

// State of a job. Done and Error are terminal.
type State string

const (
	StateSubmitted  State = "submitted"
	StateQueued     State = inference.StateQueued
	StateProcessing State = inference.StateProcessing
	StateDone       State = inference.StateDone
	StateError      State = inference.StateError
)

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == StateDone || s == StateError
}

func parseState(s string) (State, bool) {
	switch State(s) {
	case StateQueued, StateProcessing, StateDone, StateError:
		return State(s), true
	}
	return "", false
}

// GenericFailure is reported when the service fails a job without detail.
const GenericFailure = "analysis failed without detail"

var (
	// ErrNoVideo is a precondition failure: nothing to submit.
	ErrNoVideo = errors.New("job: no video selected")
	// ErrPollGaveUp is returned after too many consecutive failed polls.
	ErrPollGaveUp = errors.New("job: status polling abandoned")
	// ErrArtifactUnavailable is returned when a done job's artifact could
	// not be retrieved.
	ErrArtifactUnavailable = errors.New("job: artifact unavailable")
)

// FailedError is a job the service moved to the error state.
type FailedError struct {
	JobID  string
	Detail string
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("job %s failed: %s", e.JobID, e.Detail)
}

// Job is a snapshot of one analysis job. Observers receive copies and must
// treat Result as read-only.
type Job struct {
	ID            string               `json:"id"`
	Filename      string               `json:"filename,omitempty"`
	State         State                `json:"state"`
	Progress      float64              `json:"progress"`
	Message       string               `json:"message,omitempty"`
	Result        *inference.JobResult `json:"result,omitempty"`
	ErrorDetail   string               `json:"error,omitempty"`
	Cached        bool                 `json:"cached"`
	Polls         int                  `json:"polls"`
	PollError     string               `json:"poll_error,omitempty"`
	Abandoned     bool                 `json:"abandoned,omitempty"`
	ArtifactPath  string               `json:"-"`
	ArtifactBytes int64                `json:"artifact_bytes,omitempty"`
	ArtifactError string               `json:"artifact_error,omitempty"`
	SubmittedAt   time.Time            `json:"submitted_at"`
	UpdatedAt     time.Time            `json:"updated_at"`
}

// Settled reports whether nothing more will happen to the job: it reached a
// terminal state or polling was abandoned.
func (j Job) Settled() bool {
	return j.State.Terminal() || j.Abandoned
}

// HasArtifact reports whether the annotated clip was downloaded.
func (j Job) HasArtifact() bool {
	return j.State == StateDone && j.ArtifactPath != "" && j.ArtifactError == ""
}
