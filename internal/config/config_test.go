package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	c := Default()
	require.NoError(t, c.Validate())
	assert.Equal(t, 0.25, c.Confidence)
	assert.Equal(t, 200*time.Millisecond, c.MinInterval)
	assert.Equal(t, 800*time.Millisecond, c.PollInterval)
	assert.Equal(t, 5, c.Stride)
	assert.Equal(t, "/predict_frame", c.Paths.PredictFrame)
}

func TestFromEnvOverlays(t *testing.T) {
	t.Setenv("BIRDWATCH_API_BASE", "https://birds.example.com/api")
	t.Setenv("BIRDWATCH_CONFIDENCE", "0.4")
	t.Setenv("BIRDWATCH_MIN_INTERVAL", "350ms")
	t.Setenv("BIRDWATCH_POLL_INTERVAL", "1500")
	t.Setenv("BIRDWATCH_STRIDE", "3")
	t.Setenv("BIRDWATCH_LOG_COLOR", "false")
	t.Setenv("BIRDWATCH_TOP_N", "lots")
	t.Setenv("BIRDWATCH_PATH_STATUS", "/jobs/")

	c := FromEnv(Default())
	assert.Equal(t, "https://birds.example.com/api", c.APIBase)
	assert.Equal(t, 0.4, c.Confidence)
	assert.Equal(t, 350*time.Millisecond, c.MinInterval)
	assert.Equal(t, 1500*time.Millisecond, c.PollInterval)
	assert.Equal(t, 3, c.Stride)
	assert.False(t, c.LogColor)
	assert.Equal(t, 3, c.TopN)
	assert.Equal(t, "/jobs/", c.Paths.Status)
	assert.Equal(t, "/predict_video", c.Paths.PredictVideo)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]func(*Config){
		"bad base":       func(c *Config) { c.APIBase = "ftp://x" },
		"no host":        func(c *Config) { c.APIBase = "http://" },
		"confidence":     func(c *Config) { c.Confidence = 1.5 },
		"interval floor": func(c *Config) { c.MinInterval = 50 * time.Millisecond },
		"stride":         func(c *Config) { c.Stride = 0 },
		"quality":        func(c *Config) { c.JPEGQuality = 0 },
		"window":         func(c *Config) { c.StatsWindow = 0 },
		"log level":      func(c *Config) { c.LogLevel = "chatty" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := Default()
			mutate(&c)
			assert.Error(t, c.Validate())
		})
	}
}

func TestTokenSource(t *testing.T) {
	c := Default()
	assert.Nil(t, c.TokenSource())

	c.Token = "inline"
	tok, err := c.TokenSource()()
	require.NoError(t, err)
	assert.Equal(t, "inline", tok)

	path := filepath.Join(t.TempDir(), "token")
	require.NoError(t, os.WriteFile(path, []byte("from-file\n"), 0o600))
	c.TokenFile = path
	tok, err = c.TokenSource()()
	require.NoError(t, err)
	assert.Equal(t, "from-file", tok)
}
