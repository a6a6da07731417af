package webmonitor

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/birdwatch/internal/detection"
	"github.com/dj-oyu/birdwatch/internal/job"
	"github.com/dj-oyu/birdwatch/internal/live"
)

func TestMonitorHistoryKeepsRecentNonEmpty(t *testing.T) {
	m := NewMonitor()
	for i := 1; i <= 12; i++ {
		u := robinUpdate()
		u.FrameNum = uint64(i)
		m.Apply(u)
		// Empty batches replace the latest result but stay out of history.
		m.Apply(live.Update{SessionID: "session-1", FrameNum: uint64(100 + i), Batch: &detection.Batch{}})
	}

	_, latest, history, _ := m.Snapshot()
	require.NotNil(t, latest)
	assert.Equal(t, 0, latest.NumDetections)
	assert.Equal(t, uint64(112), latest.FrameNumber)

	require.Len(t, history, historySize)
	assert.Equal(t, uint64(12), history[0].FrameNumber)
	assert.Equal(t, uint64(5), history[historySize-1].FrameNumber)
	assert.Equal(t, 24, latest.Version)
}

func TestMonitorSignalsAndReset(t *testing.T) {
	m := NewMonitor()
	m.Apply(robinUpdate())
	m.Apply(robinUpdate())

	select {
	case <-m.Changed():
	default:
		t.Fatal("expected a change signal")
	}
	select {
	case <-m.Changed():
		t.Fatal("signals should coalesce")
	default:
	}

	m.ReportError("session-1", errors.New("service unavailable"))
	_, _, _, lastErr := m.Snapshot()
	require.NotNil(t, lastErr)
	assert.Equal(t, "service unavailable", lastErr.Message)
	assert.NotNil(t, m.LatestBatch())

	m.Reset()
	stats, latest, history, lastErr := m.Snapshot()
	assert.Nil(t, latest)
	assert.Empty(t, history)
	assert.Nil(t, lastErr)
	assert.Nil(t, m.LatestBatch())
	assert.Zero(t, stats.BatchesApplied)
}

func TestMonitorBeginKeepsSessionsApart(t *testing.T) {
	m := NewMonitor()
	m.Apply(robinUpdate())
	m.ReportError("session-1", errors.New("timeout"))

	m.Begin("session-2")
	_, latest, history, lastErr := m.Snapshot()
	assert.Nil(t, latest)
	assert.Empty(t, history)
	assert.Nil(t, lastErr)

	// The new session's first batch may land before Begin is called.
	u := robinUpdate()
	u.SessionID = "session-3"
	m.Apply(u)
	m.Begin("session-3")
	_, latest, history, _ = m.Snapshot()
	require.NotNil(t, latest)
	assert.Equal(t, "session-3", latest.SessionID)
	assert.Len(t, history, 1)

	u.SessionID = "session-4"
	u.FrameNum = 8
	m.Apply(u)
	_, latest, history, _ = m.Snapshot()
	assert.Equal(t, uint64(8), latest.FrameNumber)
	assert.Len(t, history, 1, "a new session's update drops the previous history")
}

func TestJobTrackerEvictsOldestTerminal(t *testing.T) {
	tr := NewJobTracker(2)
	base := time.Now()
	tr.Observe(job.Job{ID: "a", State: job.StateProcessing, SubmittedAt: base})
	tr.Observe(job.Job{ID: "b", State: job.StateDone, SubmittedAt: base.Add(time.Second)})
	tr.Observe(job.Job{ID: "c", State: job.StateQueued, SubmittedAt: base.Add(2 * time.Second)})

	_, ok := tr.Get("b")
	assert.False(t, ok, "terminal job evicted first")
	_, ok = tr.Get("a")
	assert.True(t, ok, "running job kept")

	list := tr.List()
	require.Len(t, list, 2)
	assert.Equal(t, "c", list[0].ID)
	assert.Equal(t, 2, tr.Active())

	tr.Observe(job.Job{State: job.StateError})
	assert.Len(t, tr.List(), 2, "snapshots without an id are ignored")
}

func TestJobTrackerSettlesAbandonedJobs(t *testing.T) {
	tr := NewJobTracker(1)
	base := time.Now()
	tr.Observe(job.Job{ID: "stuck", State: job.StateQueued, PollError: "connection refused", Abandoned: true, SubmittedAt: base})
	assert.Zero(t, tr.Active(), "abandoned jobs are no longer polled")

	tr.Observe(job.Job{ID: "next", State: job.StateProcessing, SubmittedAt: base.Add(time.Second)})
	_, ok := tr.Get("stuck")
	assert.False(t, ok, "abandoned job evicted before running ones")
	assert.Equal(t, 1, tr.Active())
}

func TestJobTrackerUpdatesInPlace(t *testing.T) {
	tr := NewJobTracker(0)
	for i, st := range []job.State{job.StateQueued, job.StateProcessing, job.StateDone} {
		tr.Observe(job.Job{ID: "j", State: st, Polls: i})
	}
	j, ok := tr.Get("j")
	require.True(t, ok)
	assert.Equal(t, job.StateDone, j.State)
	assert.Equal(t, 2, j.Polls)
	assert.Len(t, tr.List(), 1)
	assert.Zero(t, tr.Active())
}

func TestSerializeEvent(t *testing.T) {
	ev, err := serializeEvent(map[string]any{"frame_number": 3, "detections": []Detection{{ClassName: "wren"}}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"frame_number":3,"detections":[{"class_name":"wren","confidence":0,"color":""}]}`, string(ev.JSONData))
	assert.NotEmpty(t, ev.ProtobufData)

	_, err = serializeEvent([]int{1, 2})
	assert.Error(t, err, fmt.Sprintf("%T is not an object", []int{}))
}
