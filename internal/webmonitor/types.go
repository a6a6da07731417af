package webmonitor

import (
	"github.com/dj-oyu/birdwatch/internal/detection"
	"github.com/dj-oyu/birdwatch/internal/overlay"
	"github.com/dj-oyu/birdwatch/internal/stats"
)

// BoundingBox is a detection box in pixels of the submitted frame.
type BoundingBox struct {
	X int `json:"x"`
	Y int `json:"y"`
	W int `json:"w"`
	H int `json:"h"`
}

// Detection is the JSON shape of one detection in monitor APIs.
type Detection struct {
	ClassName  string       `json:"class_name"`
	Confidence float64      `json:"confidence"`
	Color      string       `json:"color"`
	BBox       *BoundingBox `json:"bbox,omitempty"`
}

// DetectionResult is one applied batch.
type DetectionResult struct {
	SessionID     string      `json:"session_id"`
	FrameNumber   uint64      `json:"frame_number"`
	Timestamp     float64     `json:"timestamp"`
	Width         int         `json:"width"`
	Height        int         `json:"height"`
	NumDetections int         `json:"num_detections"`
	Version       int         `json:"version"`
	Detections    []Detection `json:"detections"`
}

// Species is one entry of the top-species legend.
type Species struct {
	ClassName string `json:"class_name"`
	Count     int    `json:"count"`
	Color     string `json:"color"`
}

// MonitorStats is the stats panel payload.
type MonitorStats struct {
	BatchesApplied uint64    `json:"batches_applied"`
	LastLatencyMs  int64     `json:"last_latency_ms"`
	EffectiveFPS   int       `json:"effective_fps"`
	DetectionCount int       `json:"detection_count"`
	TopSpecies     []Species `json:"top_species"`
}

// ErrorInfo is the last error surfaced by the live loop.
type ErrorInfo struct {
	SessionID string  `json:"session_id"`
	Message   string  `json:"message"`
	Timestamp float64 `json:"timestamp"`
}

func convertDetections(batch *detection.Batch) []Detection {
	if batch == nil {
		return []Detection{}
	}
	out := make([]Detection, len(batch.Detections))
	for i, d := range batch.Detections {
		out[i] = Detection{
			ClassName:  d.Class,
			Confidence: d.Confidence,
			Color:      overlay.CSS(overlay.ClassColor(d.Class)),
		}
		if r, ok := detection.ToPixelRect(d, batch.SourceWidth, batch.SourceHeight, batch.SourceWidth, batch.SourceHeight); ok {
			out[i].BBox = &BoundingBox{
				X: int(r.X + 0.5),
				Y: int(r.Y + 0.5),
				W: int(r.Width + 0.5),
				H: int(r.Height + 0.5),
			}
		}
	}
	return out
}

func convertStats(s stats.Snapshot) MonitorStats {
	top := make([]Species, len(s.TopSpecies))
	for i, c := range s.TopSpecies {
		top[i] = Species{
			ClassName: c.Class,
			Count:     c.Count,
			Color:     overlay.CSS(overlay.ClassColor(c.Class)),
		}
	}
	return MonitorStats{
		BatchesApplied: s.Batches,
		LastLatencyMs:  s.LastLatencyMs,
		EffectiveFPS:   s.EffectiveFPS,
		DetectionCount: s.Detections,
		TopSpecies:     top,
	}
}
