package stats

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dj-oyu/birdwatch/internal/detection"
)

func batchOf(classes ...string) *detection.Batch {
	b := &detection.Batch{}
	for _, c := range classes {
		b.Detections = append(b.Detections, detection.Detection{Class: c, Confidence: 0.5})
	}
	return b
}

func TestEffectiveFPS(t *testing.T) {
	assert.Equal(t, 0, EffectiveFPS(0))
	assert.Equal(t, 0, EffectiveFPS(-5*time.Millisecond))
	assert.Equal(t, 60, EffectiveFPS(400*time.Microsecond))
	assert.Equal(t, 60, EffectiveFPS(time.Millisecond))
	assert.Equal(t, 60, EffectiveFPS(16*time.Millisecond))
	assert.Equal(t, 5, EffectiveFPS(200*time.Millisecond))
	assert.Equal(t, 3, EffectiveFPS(333*time.Millisecond))
	assert.Equal(t, 1, EffectiveFPS(1500*time.Millisecond))
}

func TestRankTiesKeepFirstSeenOrder(t *testing.T) {
	got := Rank([][]string{
		{"wren", "robin"},
		{"magpie", "robin"},
		{"magpie", "wren"},
	})
	require.Len(t, got, 3)
	// wren, robin and magpie all appear twice; wren was seen first.
	assert.Equal(t, []ClassCount{{"wren", 2}, {"robin", 2}, {"magpie", 2}}, got)

	got = Rank([][]string{{"a", "b"}, {"b"}})
	assert.Equal(t, []ClassCount{{"b", 2}, {"a", 1}}, got)
}

func TestAggregatorWindowAndTopN(t *testing.T) {
	a := NewAggregator(2, 2)

	a.Add(batchOf("owl", "owl", "owl"), 100*time.Millisecond)
	s := a.Add(batchOf("robin", "wren"), 250*time.Millisecond)
	assert.Equal(t, "owl", s.TopSpecies[0].Class)
	assert.Len(t, s.TopSpecies, 2)

	// owl falls out of the two-batch window.
	s = a.Add(batchOf("wren"), 250*time.Millisecond)
	assert.Equal(t, []ClassCount{{"wren", 2}, {"robin", 1}}, s.ClassCounts)
	assert.Equal(t, int64(250), s.LastLatencyMs)
	assert.Equal(t, 4, s.EffectiveFPS)
	assert.Equal(t, 1, s.Detections)
	assert.Equal(t, uint64(3), s.Batches)
}

func TestAggregatorEmptyBatch(t *testing.T) {
	a := NewAggregator(0, 0)
	s := a.Add(&detection.Batch{}, 0)
	assert.Empty(t, s.ClassCounts)
	assert.Empty(t, s.TopSpecies)
	assert.Equal(t, 0, s.EffectiveFPS)

	a.Reset()
	s = a.Add(batchOf("robin"), 50*time.Millisecond)
	assert.Equal(t, uint64(1), s.Batches)
	assert.Equal(t, 20, s.EffectiveFPS)

	s = a.Add(batchOf("robin"), 400*time.Microsecond)
	assert.Equal(t, int64(0), s.LastLatencyMs)
	assert.Equal(t, MaxFPS, s.EffectiveFPS)
}
