// Package config loads birdwatch settings from defaults, an optional .env
// file and BIRDWATCH_* environment variables. Binaries bind flags over the
// loaded values.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/dj-oyu/birdwatch/internal/inference"
	"github.com/dj-oyu/birdwatch/internal/logger"
)

const envPrefix = "BIRDWATCH_"

// Config is the runtime configuration shared by the birdwatch binaries.
type Config struct {
	// HTTP surfaces
	Addr        string
	MetricsAddr string // empty serves /metrics on Addr only

	// Inference service
	APIBase        string
	Token          string
	TokenFile      string
	RequestTimeout time.Duration
	Paths          inference.Paths

	// Live source. Source is an ffmpeg input; SnapshotURL takes precedence
	// when set.
	Source           string
	SourceFormat     string
	SnapshotURL      string
	SnapshotInterval time.Duration
	CaptureFPS       int
	CaptureMaxWidth  int
	JPEGQuality      int

	// Live loop
	Confidence   float64
	MinInterval  time.Duration
	TickInterval time.Duration
	StatsWindow  int
	TopN         int

	// Video jobs
	Stride          int
	PollInterval    time.Duration
	MaxPollBackoff  time.Duration
	MaxPollFailures int
	ArtifactDir     string

	// Monitor
	StatusInterval time.Duration
	MJPEGInterval  time.Duration

	LogLevel string
	LogColor bool
}

// Default returns the settings used when nothing is configured.
func Default() Config {
	return Config{
		Addr:             ":8080",
		APIBase:          "http://localhost:8000",
		RequestTimeout:   30 * time.Second,
		Paths:            inference.DefaultPaths(),
		Source:           "/dev/video0",
		SourceFormat:     "v4l2",
		SnapshotInterval: 200 * time.Millisecond,
		CaptureFPS:       10,
		CaptureMaxWidth:  960,
		JPEGQuality:      75,
		Confidence:       0.25,
		MinInterval:      200 * time.Millisecond,
		TickInterval:     33 * time.Millisecond,
		StatsWindow:      5,
		TopN:             3,
		Stride:           5,
		PollInterval:     800 * time.Millisecond,
		MaxPollBackoff:   10 * time.Second,
		MaxPollFailures:  20,
		ArtifactDir:      "./artifacts",
		StatusInterval:   2 * time.Second,
		MJPEGInterval:    66 * time.Millisecond,
		LogLevel:         "info",
		LogColor:         true,
	}
}

// Load reads an optional .env file, then overlays environment variables
// on the defaults.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		logger.Debug("Config", "No .env file loaded: %v", err)
	}
	return FromEnv(Default())
}

// FromEnv overlays BIRDWATCH_* variables on base.
func FromEnv(base Config) Config {
	c := base
	c.Addr = getEnv("ADDR", c.Addr)
	c.MetricsAddr = getEnv("METRICS_ADDR", c.MetricsAddr)

	c.APIBase = getEnv("API_BASE", c.APIBase)
	c.Token = getEnv("TOKEN", c.Token)
	c.TokenFile = getEnv("TOKEN_FILE", c.TokenFile)
	c.RequestTimeout = getEnvDuration("REQUEST_TIMEOUT", c.RequestTimeout)
	c.Paths.PredictFrame = getEnv("PATH_PREDICT_FRAME", c.Paths.PredictFrame)
	c.Paths.PredictImage = getEnv("PATH_PREDICT", c.Paths.PredictImage)
	c.Paths.PredictVideo = getEnv("PATH_PREDICT_VIDEO", c.Paths.PredictVideo)
	c.Paths.Status = getEnv("PATH_STATUS", c.Paths.Status)

	c.Source = getEnv("SOURCE", c.Source)
	c.SourceFormat = getEnv("SOURCE_FORMAT", c.SourceFormat)
	c.SnapshotURL = getEnv("SNAPSHOT_URL", c.SnapshotURL)
	c.SnapshotInterval = getEnvDuration("SNAPSHOT_INTERVAL", c.SnapshotInterval)
	c.CaptureFPS = getEnvInt("CAPTURE_FPS", c.CaptureFPS)
	c.CaptureMaxWidth = getEnvInt("CAPTURE_MAX_WIDTH", c.CaptureMaxWidth)
	c.JPEGQuality = getEnvInt("JPEG_QUALITY", c.JPEGQuality)

	c.Confidence = getEnvFloat("CONFIDENCE", c.Confidence)
	c.MinInterval = getEnvDuration("MIN_INTERVAL", c.MinInterval)
	c.TickInterval = getEnvDuration("TICK_INTERVAL", c.TickInterval)
	c.StatsWindow = getEnvInt("STATS_WINDOW", c.StatsWindow)
	c.TopN = getEnvInt("TOP_N", c.TopN)

	c.Stride = getEnvInt("STRIDE", c.Stride)
	c.PollInterval = getEnvDuration("POLL_INTERVAL", c.PollInterval)
	c.MaxPollBackoff = getEnvDuration("MAX_POLL_BACKOFF", c.MaxPollBackoff)
	c.MaxPollFailures = getEnvInt("MAX_POLL_FAILURES", c.MaxPollFailures)
	c.ArtifactDir = getEnv("ARTIFACT_DIR", c.ArtifactDir)

	c.StatusInterval = getEnvDuration("STATUS_INTERVAL", c.StatusInterval)
	c.MJPEGInterval = getEnvDuration("MJPEG_INTERVAL", c.MJPEGInterval)

	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogColor = getEnvBool("LOG_COLOR", c.LogColor)
	return c
}

// Validate reports the first setting that cannot work.
func (c Config) Validate() error {
	u, err := url.Parse(c.APIBase)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid API base %q", c.APIBase)
	}
	if c.Confidence < 0 || c.Confidence > 1 {
		return fmt.Errorf("confidence %.2f out of range [0,1]", c.Confidence)
	}
	if c.MinInterval < 120*time.Millisecond {
		return fmt.Errorf("min interval %v below 120ms floor", c.MinInterval)
	}
	if c.TickInterval <= 0 || c.PollInterval <= 0 {
		return errors.New("tick and poll intervals must be positive")
	}
	if c.Stride < 1 {
		return fmt.Errorf("stride %d must be at least 1", c.Stride)
	}
	if c.JPEGQuality < 1 || c.JPEGQuality > 100 {
		return fmt.Errorf("jpeg quality %d out of range [1,100]", c.JPEGQuality)
	}
	if c.StatsWindow < 1 || c.TopN < 1 {
		return errors.New("stats window and top-n must be at least 1")
	}
	if _, err := logger.ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// TokenSource returns the credential source. A token file wins over an
// inline token so rotated credentials are re-read. Nil means no credential
// is configured.
func (c Config) TokenSource() inference.TokenSource {
	switch {
	case c.TokenFile != "":
		return inference.FileToken(c.TokenFile)
	case c.Token != "":
		return inference.StaticToken(c.Token)
	default:
		return nil
	}
}

func getEnv(key string, defaultVal string) string {
	if v := os.Getenv(envPrefix + key); v != "" {
		return v
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if v := os.Getenv(envPrefix + key); v != "" {
		if intVal, err := strconv.Atoi(v); err == nil {
			return intVal
		}
		logger.Warn("Config", "Ignoring %s%s=%q: not an integer", envPrefix, key, v)
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(envPrefix + key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
		logger.Warn("Config", "Ignoring %s%s=%q: not a number", envPrefix, key, v)
	}
	return defaultVal
}

// getEnvDuration accepts Go durations ("250ms") or bare milliseconds.
func getEnvDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(envPrefix + key)
	if v == "" {
		return defaultVal
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if ms, err := strconv.Atoi(v); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	logger.Warn("Config", "Ignoring %s%s=%q: not a duration", envPrefix, key, v)
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	v := strings.TrimSpace(os.Getenv(envPrefix + key))
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}
