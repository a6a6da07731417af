package logger

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoggerFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	l := New(WARN, &buf, false)

	l.Info("LiveLoop", "tick %d", 1)
	assert.Empty(t, buf.String())

	l.Warn("LiveLoop", "inference failed: %s", "timeout")
	out := buf.String()
	assert.Contains(t, out, "[WARN] [LiveLoop] inference failed: timeout")
}

func TestLoggerSilentDropsEverything(t *testing.T) {
	var buf bytes.Buffer
	l := New(SILENT, &buf, false)
	l.Error("Job", "boom")
	assert.Empty(t, buf.String())
}

func TestModuleWritesWithTag(t *testing.T) {
	var buf bytes.Buffer
	l := New(DEBUG, &buf, false)
	m := For("Sampler").With(l)

	m.Debug("frame %dx%d", 640, 480)
	assert.True(t, strings.HasSuffix(strings.TrimSpace(buf.String()), "[DEBUG] [Sampler] frame 640x480"))
	assert.Equal(t, "Sampler", m.Name())
}

func TestModuleWithoutLoggerIsNoop(t *testing.T) {
	// Must not panic before Init.
	Module{name: "x"}.With(nil).Info("hello")
}

func TestParseLevel(t *testing.T) {
	cases := map[string]LogLevel{
		"debug":   DEBUG,
		"INFO":    INFO,
		"":        INFO,
		"Warning": WARN,
		"error":   ERROR,
		"off":     SILENT,
	}
	for in, want := range cases {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	_, err := ParseLevel("loud")
	assert.Error(t, err)
}
