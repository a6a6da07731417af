package webmonitor

import (
	"time"
)

// Config defines the runtime configuration for the monitor server.
type Config struct {
	Addr           string
	StatusInterval time.Duration
	MJPEGInterval  time.Duration
	JPEGQuality    int
	Confidence     float64 // default conf for uploaded jobs
	Stride         int     // default stride for uploaded jobs
	MaxUploadBytes int64
}

// DefaultConfig returns the standard monitor settings.
func DefaultConfig() Config {
	return Config{
		Addr:           ":8080",
		StatusInterval: 2 * time.Second,
		MJPEGInterval:  66 * time.Millisecond,
		JPEGQuality:    80,
		Confidence:     0.25,
		Stride:         5,
		MaxUploadBytes: 512 << 20,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.StatusInterval <= 0 {
		c.StatusInterval = d.StatusInterval
	}
	if c.MJPEGInterval <= 0 {
		c.MJPEGInterval = d.MJPEGInterval
	}
	if c.JPEGQuality <= 0 || c.JPEGQuality > 100 {
		c.JPEGQuality = d.JPEGQuality
	}
	if c.Confidence <= 0 || c.Confidence > 1 {
		c.Confidence = d.Confidence
	}
	if c.Stride < 1 {
		c.Stride = d.Stride
	}
	if c.MaxUploadBytes <= 0 {
		c.MaxUploadBytes = d.MaxUploadBytes
	}
	return c
}
