// Package stats derives display statistics from the stream of detection
// batches. It does no I/O.
package stats

import (
	"math"
	"sort"
	"time"

	"github.com/dj-oyu/birdwatch/internal/detection"
)

const (
	// MaxFPS caps the derived rate so sub-millisecond replies do not
	// report absurd values.
	MaxFPS        = 60
	DefaultWindow = 5
	DefaultTopN   = 3
)

// ClassCount is one row of the ranked class table.
type ClassCount struct {
	Class string `json:"class"`
	Count int    `json:"count"`
}

// Snapshot is the derived view after the latest batch.
type Snapshot struct {
	LastLatencyMs int64        `json:"last_latency_ms"`
	EffectiveFPS  int          `json:"effective_fps"`
	Detections    int          `json:"detections"`
	ClassCounts   []ClassCount `json:"class_counts"`
	TopSpecies    []ClassCount `json:"top_species"`
	Batches       uint64       `json:"batches"`
}

// EffectiveFPS converts a round trip into a frame rate, capped at MaxFPS.
// Non-positive latencies yield 0; sub-millisecond ones hit the cap.
func EffectiveFPS(latency time.Duration) int {
	if latency <= 0 {
		return 0
	}
	fps := int(math.Round(float64(time.Second) / float64(latency)))
	if fps > MaxFPS {
		return MaxFPS
	}
	return fps
}

// Aggregator keeps a bounded window of recent batches. Not safe for
// concurrent use; the live loop is its only caller.
type Aggregator struct {
	window  int
	topN    int
	recent  [][]string
	batches uint64
}

// NewAggregator creates an aggregator over the last window batches.
func NewAggregator(window, topN int) *Aggregator {
	if window <= 0 {
		window = DefaultWindow
	}
	if topN <= 0 {
		topN = DefaultTopN
	}
	return &Aggregator{window: window, topN: topN}
}

// Add folds in one batch and its round trip and returns the new snapshot.
func (a *Aggregator) Add(batch *detection.Batch, latency time.Duration) Snapshot {
	a.batches++
	a.recent = append(a.recent, batch.Classes())
	if len(a.recent) > a.window {
		a.recent = a.recent[len(a.recent)-a.window:]
	}

	ms := latency.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	counts := Rank(a.recent)
	top := counts
	if len(top) > a.topN {
		top = top[:a.topN]
	}
	return Snapshot{
		LastLatencyMs: ms,
		EffectiveFPS:  EffectiveFPS(latency),
		Detections:    batch.Len(),
		ClassCounts:   counts,
		TopSpecies:    append([]ClassCount(nil), top...),
		Batches:       a.batches,
	}
}

// Reset forgets the window.
func (a *Aggregator) Reset() {
	a.recent = nil
	a.batches = 0
}

// Rank counts classes across batches, oldest first, and orders them by
// count descending. Equal counts keep first-seen order.
func Rank(batches [][]string) []ClassCount {
	index := map[string]int{}
	var out []ClassCount
	for _, classes := range batches {
		for _, c := range classes {
			if i, ok := index[c]; ok {
				out[i].Count++
				continue
			}
			index[c] = len(out)
			out = append(out, ClassCount{Class: c, Count: 1})
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Count > out[j].Count })
	return out
}
