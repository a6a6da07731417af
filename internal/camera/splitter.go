package camera

import (
	"github.com/dj-oyu/birdwatch/pkg/types"
)

// DefaultMaxFrameSize bounds a single still in the MJPEG byte stream.
const DefaultMaxFrameSize = 8 << 20

// FrameSplitter cuts a concatenated MJPEG byte stream (ffmpeg image2pipe
// output) into whole JPEG stills by scanning for SOI and EOI markers.
// Chunks may split a still anywhere.
type FrameSplitter struct {
	buf      []byte
	maxSize  int
	inFrame  bool
	Dropped  uint64 // stills discarded for exceeding maxSize
	Complete uint64
}

// NewFrameSplitter creates a splitter. maxSize <= 0 uses DefaultMaxFrameSize.
func NewFrameSplitter(maxSize int) *FrameSplitter {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	return &FrameSplitter{maxSize: maxSize}
}

// Feed appends chunk and returns every still completed by it. Returned
// slices are owned by the caller.
func (s *FrameSplitter) Feed(chunk []byte) [][]byte {
	s.buf = append(s.buf, chunk...)

	var frames [][]byte
	for {
		if !s.inFrame {
			start := findMarker(s.buf, types.MarkerSOI, 0)
			if start == -1 {
				// Keep a trailing 0xFF, it may begin the next SOI.
				if n := len(s.buf); n > 0 && s.buf[n-1] == types.MarkerPrefix {
					s.buf = append(s.buf[:0], types.MarkerPrefix)
				} else {
					s.buf = s.buf[:0]
				}
				return frames
			}
			s.buf = s.buf[start:]
			s.inFrame = true
		}

		end := findMarker(s.buf, types.MarkerEOI, 2)
		if end == -1 {
			if len(s.buf) > s.maxSize {
				s.Dropped++
				s.buf = s.buf[:0]
				s.inFrame = false
			}
			return frames
		}

		frameEnd := end + 2
		if frameEnd <= s.maxSize {
			frames = append(frames, append([]byte(nil), s.buf[:frameEnd]...))
			s.Complete++
		} else {
			s.Dropped++
		}
		s.buf = s.buf[frameEnd:]
		s.inFrame = false
	}
}

// Reset drops any partial still.
func (s *FrameSplitter) Reset() {
	s.buf = s.buf[:0]
	s.inFrame = false
}

// findMarker returns the index of the 0xFF byte of marker at or after offset.
func findMarker(data []byte, marker byte, offset int) int {
	for i := offset; i < len(data)-1; i++ {
		if data[i] == types.MarkerPrefix && data[i+1] == marker {
			return i
		}
	}
	return -1
}
