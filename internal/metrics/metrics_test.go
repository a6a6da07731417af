package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlerExposesCounters(t *testing.T) {
	m := New()
	m.RequestsSent.Add(3)
	m.ResponsesDiscarded.Add(1)
	m.SetSessionActive(true)
	m.UpdateInferenceLatency(142 * time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	text := string(body)

	assert.Contains(t, text, "birdwatch_inference_requests_total 3")
	assert.Contains(t, text, "birdwatch_inference_responses_discarded_total 1")
	assert.Contains(t, text, "birdwatch_session_active 1")
	assert.Contains(t, text, "birdwatch_inference_latency_ms 142")
}

func TestNegativeLatencyClampsToZero(t *testing.T) {
	m := New()
	m.UpdateInferenceLatency(-time.Second)
	assert.Equal(t, uint64(0), m.InferenceLatencyMs.Load())
}
