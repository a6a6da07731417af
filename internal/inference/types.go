package inference

import "io"

// Job states reported by the status endpoint.
const (
	StateQueued     = "queued"
	StateProcessing = "processing"
	StateDone       = "done"
	StateError      = "error"
)

// VideoRequest is one clip submission.
type VideoRequest struct {
	Filename   string
	Video      io.Reader
	Confidence float64
	Stride     int // analyse every Nth frame
}

// Submission is the response to a video submission.
type Submission struct {
	JobID  string     `json:"job_id"`
	Cached bool       `json:"cached"`
	State  string     `json:"state,omitempty"`
	Result *JobResult `json:"result,omitempty"`
}

// JobStatus is one poll response.
type JobStatus struct {
	State    string     `json:"state"`
	Progress float64    `json:"progress"`
	Message  string     `json:"message"`
	Result   *JobResult `json:"result,omitempty"`
	Error    string     `json:"error,omitempty"`
}

// JobResult summarises a finished analysis and points at the annotated clip.
type JobResult struct {
	VideoURL                string     `json:"video_url"`
	VideoID                 string     `json:"video_id,omitempty"`
	TopSpeciesOverall       string     `json:"top_species_overall,omitempty"`
	NumFramesWithDetections int        `json:"num_frames_with_detections,omitempty"`
	Segments                []Segment  `json:"segments,omitempty"`
	VideoInfo               *VideoInfo `json:"video_info,omitempty"`
}

// Segment is a run of analysed frames that contained detections.
type Segment struct {
	StartFrame int      `json:"start_frame"`
	EndFrame   int      `json:"end_frame"`
	StartTime  *float64 `json:"start_time"`
	EndTime    *float64 `json:"end_time"`
}

// VideoInfo describes the analysed clip.
type VideoInfo struct {
	FPS             float64 `json:"fps"`
	FrameCount      int     `json:"frame_count"`
	Width           int     `json:"width"`
	Height          int     `json:"height"`
	FrameStride     int     `json:"frame_stride"`
	ConfUsed        float64 `json:"conf_used"`
	DurationSeconds float64 `json:"duration_seconds,omitempty"`
}

// Duration returns the clip length in seconds, derived from frame count and
// rate when the service did not report it.
func (v *VideoInfo) Duration() float64 {
	if v == nil {
		return 0
	}
	if v.DurationSeconds > 0 {
		return v.DurationSeconds
	}
	if v.FPS > 0 {
		return float64(v.FrameCount) / v.FPS
	}
	return 0
}
