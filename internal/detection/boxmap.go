package detection

import "math"

// Rect is a pixel rectangle on a target surface.
type Rect struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// ToPixelRect maps d onto a dstW x dstH surface. srcW and srcH are the
// dimensions of the frame that was submitted for inference and are only
// consulted for absolute boxes. A normalized box takes precedence when both
// encodings are present. The second result is false when the detection has
// no usable box on this surface.
func ToPixelRect(d Detection, srcW, srcH, dstW, dstH int) (Rect, bool) {
	if dstW <= 0 || dstH <= 0 {
		return Rect{}, false
	}

	var nx1, ny1, nx2, ny2 float64
	switch {
	case d.Normalized != nil:
		nx1, ny1, nx2, ny2 = d.Normalized.X1, d.Normalized.Y1, d.Normalized.X2, d.Normalized.Y2
	case d.Absolute != nil:
		if srcW <= 0 || srcH <= 0 {
			return Rect{}, false
		}
		sw, sh := float64(srcW), float64(srcH)
		nx1, ny1 = d.Absolute.X1/sw, d.Absolute.Y1/sh
		nx2, ny2 = d.Absolute.X2/sw, d.Absolute.Y2/sh
	default:
		return Rect{}, false
	}

	tw, th := float64(dstW), float64(dstH)
	r := Rect{
		X:      nx1 * tw,
		Y:      ny1 * th,
		Width:  (nx2 - nx1) * tw,
		Height: (ny2 - ny1) * th,
	}
	if !(r.Width > 0) || !(r.Height > 0) || math.IsInf(r.Width, 0) || math.IsInf(r.Height, 0) {
		return Rect{}, false
	}
	return r, true
}

// Placed pairs a detection with its rectangle on a surface.
type Placed struct {
	Detection Detection
	Rect      Rect
}

// Place maps every detection of the batch onto a dstW x dstH surface and
// drops the ones without a usable box.
func (b *Batch) Place(dstW, dstH int) []Placed {
	if b == nil {
		return nil
	}
	out := make([]Placed, 0, len(b.Detections))
	for _, d := range b.Detections {
		r, ok := ToPixelRect(d, b.SourceWidth, b.SourceHeight, dstW, dstH)
		if !ok {
			continue
		}
		out = append(out, Placed{Detection: d, Rect: r})
	}
	return out
}
