package job

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/dj-oyu/birdwatch/internal/artifact"
	"github.com/dj-oyu/birdwatch/internal/inference"
	"github.com/dj-oyu/birdwatch/internal/logger"
	"github.com/dj-oyu/birdwatch/internal/metrics"
)

const (
	DefaultPollInterval    = 800 * time.Millisecond
	DefaultMaxPollBackoff  = 10 * time.Second
	DefaultBackoffFactor   = 2
	DefaultMaxPollFailures = 20
)

// Client is the part of the inference service the orchestrator needs.
type Client interface {
	SubmitVideo(ctx context.Context, req inference.VideoRequest) (*inference.Submission, error)
	JobStatus(ctx context.Context, jobID string) (*inference.JobStatus, error)
	FetchArtifact(ctx context.Context, ref string, w io.Writer) (int64, error)
}

// Options tune an Orchestrator. Zero values take defaults.
type Options struct {
	Clock           clock.Clock
	PollInterval    time.Duration
	MaxPollBackoff  time.Duration
	BackoffFactor   int
	MaxPollFailures int
	// Store receives artifacts. When nil the artifact is fetched and
	// discarded, which still proves it is retrievable.
	Store    *artifact.Store
	Metrics  *metrics.Metrics
	Observer func(Job)
}

// Orchestrator runs jobs. It is safe for concurrent use; each job is owned
// by the goroutine that awaits it.
type Orchestrator struct {
	client      Client
	clock       clock.Clock
	interval    time.Duration
	maxBackoff  time.Duration
	factor      int
	maxFailures int
	store       *artifact.Store
	metrics     *metrics.Metrics
	observer    func(Job)
	log         logger.Module
}

// New creates an orchestrator.
func New(client Client, opts Options) *Orchestrator {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.MaxPollBackoff < opts.PollInterval {
		opts.MaxPollBackoff = DefaultMaxPollBackoff
		if opts.MaxPollBackoff < opts.PollInterval {
			opts.MaxPollBackoff = opts.PollInterval
		}
	}
	if opts.BackoffFactor < 1 {
		opts.BackoffFactor = DefaultBackoffFactor
	}
	if opts.MaxPollFailures <= 0 {
		opts.MaxPollFailures = DefaultMaxPollFailures
	}
	return &Orchestrator{
		client:      client,
		clock:       opts.Clock,
		interval:    opts.PollInterval,
		maxBackoff:  opts.MaxPollBackoff,
		factor:      opts.BackoffFactor,
		maxFailures: opts.MaxPollFailures,
		store:       opts.Store,
		metrics:     opts.Metrics,
		observer:    opts.Observer,
		log:         logger.For("JobOrchestrator"),
	}
}

// Run submits a clip and follows it to a downloaded artifact.
func (o *Orchestrator) Run(ctx context.Context, req inference.VideoRequest) (Job, error) {
	j, err := o.Submit(ctx, req)
	if err != nil {
		return j, err
	}
	return o.Await(ctx, j)
}

// Submit uploads the clip. A failed submission is terminal and is not
// retried. A cached answer moves the job straight to done.
func (o *Orchestrator) Submit(ctx context.Context, req inference.VideoRequest) (Job, error) {
	if req.Video == nil {
		return Job{}, ErrNoVideo
	}

	now := o.clock.Now()
	j := Job{
		Filename:    path.Base(req.Filename),
		State:       StateSubmitted,
		SubmittedAt: now,
		UpdatedAt:   now,
	}

	sub, err := o.client.SubmitVideo(ctx, req)
	if err != nil {
		j.State = StateError
		j.ErrorDetail = err.Error()
		o.count(func(m *metrics.Metrics) { m.JobsFailed.Add(1) })
		o.notify(&j)
		return j, fmt.Errorf("submit video: %w", err)
	}
	o.count(func(m *metrics.Metrics) { m.JobsSubmitted.Add(1) })

	j.ID = sub.JobID
	j.Cached = sub.Cached
	j.State = StateQueued

	if sub.Cached {
		o.count(func(m *metrics.Metrics) { m.JobsCached.Add(1) })
		result := sub.Result
		if result == nil {
			// The cached answer did not inline its result; look it up once.
			if st, err := o.client.JobStatus(ctx, j.ID); err == nil && st.State == inference.StateDone {
				result = st.Result
			}
		}
		if result != nil {
			j.State = StateDone
			j.Progress = 1
			j.Message = "cached result"
			j.Result = result
			o.count(func(m *metrics.Metrics) { m.JobsDone.Add(1) })
		}
	}

	o.log.Info("Job %s submitted (%s, cached=%v)", j.ID, j.State, j.Cached)
	o.notify(&j)
	return j, nil
}

// Await polls j until it is terminal, then fetches the artifact of a done
// job exactly once.
func (o *Orchestrator) Await(ctx context.Context, j Job) (Job, error) {
	if !j.State.Terminal() {
		if err := o.poll(ctx, &j); err != nil {
			return j, err
		}
	}

	if j.State == StateError {
		return j, &FailedError{JobID: j.ID, Detail: j.ErrorDetail}
	}
	return o.fetchArtifact(ctx, j)
}

func (o *Orchestrator) poll(ctx context.Context, j *Job) error {
	wait := o.interval
	failures := 0
	ticker := o.clock.Ticker(wait)
	defer ticker.Stop()

	for !j.State.Terminal() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		st, err := o.client.JobStatus(ctx, j.ID)
		j.Polls++
		o.count(func(m *metrics.Metrics) { m.JobPolls.Add(1) })

		var state State
		if err == nil {
			var ok bool
			if state, ok = parseState(st.State); !ok {
				err = &inference.MalformedError{Op: "status", Err: fmt.Errorf("unknown state %q", st.State)}
			}
		}

		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if terminal, detail := terminalPollError(err); terminal {
				j.State = StateError
				j.ErrorDetail = detail
				o.count(func(m *metrics.Metrics) { m.JobsFailed.Add(1) })
				o.notify(j)
				return nil
			}

			failures++
			o.count(func(m *metrics.Metrics) { m.JobPollFailures.Add(1) })
			j.PollError = err.Error()
			if failures >= o.maxFailures {
				j.Abandoned = true
				o.count(func(m *metrics.Metrics) { m.JobsAbandoned.Add(1) })
				o.notify(j)
				return fmt.Errorf("%w: job %s after %d consecutive failures: %w", ErrPollGaveUp, j.ID, failures, err)
			}
			wait = o.nextWait(wait)
			ticker.Reset(wait)
			o.log.Warn("Poll of job %s failed (%d/%d), retrying in %v: %v", j.ID, failures, o.maxFailures, wait, err)
			o.notify(j)
			continue
		}

		if failures > 0 {
			failures = 0
			wait = o.interval
			ticker.Reset(wait)
		}
		j.PollError = ""
		o.apply(j, state, st)
		o.notify(j)
	}
	return nil
}

// apply copies one poll response into j. The response is the only source
// of state, progress and message.
func (o *Orchestrator) apply(j *Job, state State, st *inference.JobStatus) {
	j.State = state
	j.Progress = clamp01(st.Progress)
	j.Message = st.Message

	switch state {
	case StateDone:
		j.Progress = 1
		j.Result = st.Result
		o.count(func(m *metrics.Metrics) { m.JobsDone.Add(1) })
		o.log.Info("Job %s done after %d polls", j.ID, j.Polls)
	case StateError:
		j.ErrorDetail = st.Error
		if j.ErrorDetail == "" {
			j.ErrorDetail = GenericFailure
		}
		o.count(func(m *metrics.Metrics) { m.JobsFailed.Add(1) })
		o.log.Warn("Job %s failed: %s", j.ID, j.ErrorDetail)
	}
}

// terminalPollError separates failures that end the job from transient ones.
// A service-reported error is final unless its status says the service is
// overloaded or restarting (5xx, 429, 408). A missing credential cannot
// recover by waiting.
func terminalPollError(err error) (bool, string) {
	if errors.Is(err, inference.ErrNoCredential) {
		return true, err.Error()
	}
	var se *inference.ServiceError
	if errors.As(err, &se) && !inference.IsTransient(se) {
		return true, se.Detail
	}
	return false, ""
}

func (o *Orchestrator) nextWait(last time.Duration) time.Duration {
	next := last * time.Duration(o.factor)
	if next > o.maxBackoff {
		return o.maxBackoff
	}
	return next
}

func (o *Orchestrator) fetchArtifact(ctx context.Context, j Job) (Job, error) {
	fail := func(err error) (Job, error) {
		j.ArtifactError = err.Error()
		j.UpdatedAt = o.clock.Now()
		o.count(func(m *metrics.Metrics) { m.ArtifactErrors.Add(1) })
		o.notify(&j)
		return j, fmt.Errorf("%w: job %s: %w", ErrArtifactUnavailable, j.ID, err)
	}

	if j.Result == nil || j.Result.VideoURL == "" {
		return fail(errors.New("service reported no artifact url"))
	}

	var dst io.Writer = io.Discard
	var w *artifact.Writer
	if o.store != nil {
		var err error
		if w, err = o.store.Create(j.ID, artifactExt(j.Result.VideoURL)); err != nil {
			return fail(err)
		}
		dst = w
	}

	n, err := o.client.FetchArtifact(ctx, j.Result.VideoURL, dst)
	if err != nil {
		if w != nil {
			w.Abort()
		}
		return fail(err)
	}
	if w != nil {
		st, err := w.Commit()
		if err != nil {
			return fail(err)
		}
		j.ArtifactPath = st.Path
	}

	j.ArtifactBytes = n
	j.UpdatedAt = o.clock.Now()
	o.count(func(m *metrics.Metrics) {
		m.ArtifactsFetched.Add(1)
		m.ArtifactBytes.Add(uint64(n))
	})
	o.log.Info("Job %s artifact retrieved (%d bytes)", j.ID, n)
	o.notify(&j)
	return j, nil
}

func artifactExt(ref string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	return path.Ext(u.Path)
}

func (o *Orchestrator) notify(j *Job) {
	j.UpdatedAt = o.clock.Now()
	if o.observer != nil {
		o.observer(*j)
	}
}

func (o *Orchestrator) count(f func(m *metrics.Metrics)) {
	if o.metrics != nil {
		f(o.metrics)
	}
}

func clamp01(v float64) float64 {
	switch {
	case v < 0 || v != v:
		return 0
	case v > 1:
		return 1
	}
	return v
}

// StatusCode returns the HTTP status that best describes err for callers
// that expose jobs over HTTP.
func StatusCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrNoVideo):
		return http.StatusBadRequest
	case errors.Is(err, inference.ErrNoCredential):
		return http.StatusUnauthorized
	default:
		return http.StatusBadGateway
	}
}
