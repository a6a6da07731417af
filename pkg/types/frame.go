package types

import "time"

// Frame is one encoded still captured from the live source and ready for
// upload to the inference service.
type Frame struct {
	Data      []byte    // JPEG bytes
	Timestamp time.Time // time the source produced the still
	FrameNum  uint64    // sequential capture number within the source
	Width     int       // encoded width in pixels
	Height    int       // encoded height in pixels
}

// Valid reports whether the frame carries image data with usable dimensions.
func (f *Frame) Valid() bool {
	return f != nil && len(f.Data) > 0 && f.Width > 0 && f.Height > 0
}

// JPEG markers used when splitting an MJPEG byte stream into stills.
const (
	MarkerPrefix byte = 0xFF
	MarkerSOI    byte = 0xD8 // start of image
	MarkerEOI    byte = 0xD9 // end of image
)
