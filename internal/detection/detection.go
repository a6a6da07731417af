// Package detection holds the detection types returned by the inference
// service and the geometry that maps their boxes onto a drawing surface.
package detection

import (
	"encoding/json"
	"math"
	"time"
)

// Box is an axis-aligned bounding box given by its corners.
type Box struct {
	X1, Y1, X2, Y2 float64
}

// boxFromSlice accepts exactly four finite values and returns nil otherwise.
func boxFromSlice(v []float64) *Box {
	if len(v) != 4 {
		return nil
	}
	for _, f := range v {
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil
		}
	}
	return &Box{X1: v[0], Y1: v[1], X2: v[2], Y2: v[3]}
}

func (b *Box) slice() []float64 {
	if b == nil {
		return nil
	}
	return []float64{b.X1, b.Y1, b.X2, b.Y2}
}

// Detection is one classified, localized object. Normalized holds fractions
// of the source frame, Absolute holds source pixels. Either may be nil.
type Detection struct {
	Class      string
	Confidence float64
	Normalized *Box
	Absolute   *Box
}

// HasBox reports whether any box encoding is present.
func (d Detection) HasBox() bool {
	return d.Normalized != nil || d.Absolute != nil
}

type wireDetection struct {
	Class      string    `json:"class"`
	Confidence float64   `json:"confidence"`
	BBox       []float64 `json:"bbox,omitempty"`
	BBoxNorm   []float64 `json:"bbox_norm,omitempty"`
}

// UnmarshalJSON decodes the service form {"class","confidence","bbox","bbox_norm"}.
// Box arrays that are not four finite numbers decode as absent.
func (d *Detection) UnmarshalJSON(data []byte) error {
	var w struct {
		Class      string          `json:"class"`
		Confidence float64         `json:"confidence"`
		BBox       json.RawMessage `json:"bbox"`
		BBoxNorm   json.RawMessage `json:"bbox_norm"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*d = Detection{
		Class:      w.Class,
		Confidence: w.Confidence,
		Absolute:   decodeBox(w.BBox),
		Normalized: decodeBox(w.BBoxNorm),
	}
	return nil
}

func decodeBox(raw json.RawMessage) *Box {
	if len(raw) == 0 {
		return nil
	}
	var v []float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	return boxFromSlice(v)
}

// MarshalJSON emits the same wire form the service uses.
func (d Detection) MarshalJSON() ([]byte, error) {
	return json.Marshal(wireDetection{
		Class:      d.Class,
		Confidence: d.Confidence,
		BBox:       d.Absolute.slice(),
		BBoxNorm:   d.Normalized.slice(),
	})
}

// Batch is the complete result of one inference call. Consumers swap whole
// batches and never modify one in place.
type Batch struct {
	Detections   []Detection `json:"detections"`
	SourceWidth  int         `json:"source_width"`
	SourceHeight int         `json:"source_height"`
	ReceivedAt   time.Time   `json:"received_at"`
}

// Len returns the number of detections, including ones without a usable box.
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Detections)
}

// FillSource sets the source dimensions when the service did not report
// them. Producers call it before the batch is published.
func (b *Batch) FillSource(width, height int) {
	if b == nil || (b.SourceWidth > 0 && b.SourceHeight > 0) {
		return
	}
	b.SourceWidth, b.SourceHeight = width, height
}

// Classes returns detection classes in batch order.
func (b *Batch) Classes() []string {
	if b == nil {
		return nil
	}
	out := make([]string, 0, len(b.Detections))
	for _, d := range b.Detections {
		out = append(out, d.Class)
	}
	return out
}
