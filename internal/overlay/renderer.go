// Package overlay draws detection boxes and labels over frames.
package overlay

import (
	"fmt"
	"image"

	"github.com/fogleman/gg"
	"github.com/golang/freetype/truetype"
	"golang.org/x/image/font/gofont/goregular"

	"github.com/dj-oyu/birdwatch/internal/detection"
)

// Reference geometry at a 640px wide surface; scaled with the surface.
const (
	referenceWidth = 640.0
	baseLineWidth  = 4.0
	baseFontSize   = 18.0
	baseLabelPad   = 4.0
	minScale       = 0.5
)

// Renderer draws detection batches. It is safe for concurrent use.
type Renderer struct {
	font *truetype.Font
}

// NewRenderer loads the embedded Go Regular font.
func NewRenderer() (*Renderer, error) {
	f, err := truetype.Parse(goregular.TTF)
	if err != nil {
		return nil, fmt.Errorf("parse label font: %w", err)
	}
	return &Renderer{font: f}, nil
}

// Label formats the caption drawn above a box.
func Label(d detection.Detection) string {
	return fmt.Sprintf("%s %.1f%%", d.Class, d.Confidence*100)
}

// Render clears dc to transparent and draws every placeable detection of
// batch. It returns how many boxes were drawn.
func (r *Renderer) Render(dc *gg.Context, batch *detection.Batch) int {
	dc.SetRGBA(0, 0, 0, 0)
	dc.Clear()
	return r.draw(dc, batch)
}

// Annotate returns a copy of img with batch drawn over it.
func (r *Renderer) Annotate(img image.Image, batch *detection.Batch) image.Image {
	dc := gg.NewContextForImage(img)
	r.draw(dc, batch)
	return dc.Image()
}

func (r *Renderer) draw(dc *gg.Context, batch *detection.Batch) int {
	w, h := dc.Width(), dc.Height()
	placed := batch.Place(w, h)
	if len(placed) == 0 {
		return 0
	}

	scale := float64(w) / referenceWidth
	if scale < minScale {
		scale = minScale
	}
	dc.SetFontFace(truetype.NewFace(r.font, &truetype.Options{Size: baseFontSize * scale}))
	pad := baseLabelPad * scale

	for _, p := range placed {
		col := ClassColor(p.Detection.Class)

		dc.SetColor(col)
		dc.SetLineWidth(baseLineWidth * scale)
		dc.DrawRectangle(p.Rect.X, p.Rect.Y, p.Rect.Width, p.Rect.Height)
		dc.Stroke()

		label := Label(p.Detection)
		tw, th := dc.MeasureString(label)
		lb := labelBox(p.Rect, tw, th, pad, float64(w))

		dc.DrawRectangle(lb.X, lb.Y, lb.Width, lb.Height)
		dc.Fill()
		dc.SetColor(textColor(col))
		dc.DrawString(label, lb.X+pad, lb.Y+pad+th)
	}
	return len(placed)
}

// labelBox places the caption background directly above rect. It is clamped
// into the surface when rect touches the top or right edge.
func labelBox(rect detection.Rect, textW, textH, pad, surfaceW float64) detection.Rect {
	lb := detection.Rect{
		X:      rect.X,
		Y:      rect.Y - textH - 2*pad,
		Width:  textW + 2*pad,
		Height: textH + 2*pad,
	}
	if lb.Y < 0 {
		lb.Y = 0
	}
	if lb.X+lb.Width > surfaceW {
		lb.X = surfaceW - lb.Width
	}
	if lb.X < 0 {
		lb.X = 0
	}
	return lb
}
