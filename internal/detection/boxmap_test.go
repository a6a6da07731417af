package detection

import (
	"encoding/json"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertRect(t *testing.T, want, got Rect) {
	t.Helper()
	const eps = 1e-6
	assert.InDelta(t, want.X, got.X, eps, "x")
	assert.InDelta(t, want.Y, got.Y, eps, "y")
	assert.InDelta(t, want.Width, got.Width, eps, "width")
	assert.InDelta(t, want.Height, got.Height, eps, "height")
}

func TestToPixelRectNormalized(t *testing.T) {
	d := Detection{Class: "robin", Normalized: &Box{0.1, 0.2, 0.6, 0.8}}

	r, ok := ToPixelRect(d, 0, 0, 800, 600)
	require.True(t, ok)
	assertRect(t, Rect{X: 80, Y: 120, Width: 400, Height: 360}, r)
}

func TestToPixelRectAbsolute(t *testing.T) {
	d := Detection{Class: "robin", Absolute: &Box{80, 60, 480, 360}}

	r, ok := ToPixelRect(d, 800, 600, 400, 300)
	require.True(t, ok)
	assertRect(t, Rect{X: 40, Y: 30, Width: 200, Height: 150}, r)
}

func TestToPixelRectPrefersNormalized(t *testing.T) {
	d := Detection{
		Normalized: &Box{0.5, 0.5, 1, 1},
		Absolute:   &Box{0, 0, 100, 100},
	}
	r, ok := ToPixelRect(d, 200, 200, 100, 100)
	require.True(t, ok)
	assertRect(t, Rect{X: 50, Y: 50, Width: 50, Height: 50}, r)
}

func TestToPixelRectNoBox(t *testing.T) {
	cases := []struct {
		name       string
		d          Detection
		srcW, srcH int
		dstW, dstH int
	}{
		{"no encoding", Detection{Class: "x"}, 640, 480, 640, 480},
		{"zero target", Detection{Normalized: &Box{0, 0, 1, 1}}, 640, 480, 0, 480},
		{"absolute without source", Detection{Absolute: &Box{1, 1, 5, 5}}, 0, 0, 640, 480},
		{"inverted", Detection{Normalized: &Box{0.6, 0.2, 0.1, 0.8}}, 0, 0, 640, 480},
		{"degenerate", Detection{Normalized: &Box{0.3, 0.3, 0.3, 0.5}}, 0, 0, 640, 480},
		{"nan", Detection{Normalized: &Box{math.NaN(), 0, 1, 1}}, 0, 0, 640, 480},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, ok := ToPixelRect(tc.d, tc.srcW, tc.srcH, tc.dstW, tc.dstH)
			assert.False(t, ok)
		})
	}
}

func TestBatchPlaceSkipsMalformed(t *testing.T) {
	b := &Batch{
		SourceWidth:  640,
		SourceHeight: 480,
		Detections: []Detection{
			{Class: "no-box", Confidence: 0.9},
			{Class: "sparrow", Confidence: 0.8, Absolute: &Box{64, 48, 320, 240}},
		},
	}
	placed := b.Place(1280, 960)
	require.Len(t, placed, 1)
	assert.Equal(t, "sparrow", placed[0].Detection.Class)
	assertRect(t, Rect{X: 128, Y: 96, Width: 512, Height: 384}, placed[0].Rect)
}

func TestFillSourceKeepsReportedSize(t *testing.T) {
	abs := Detection{Class: "robin", Absolute: &Box{X1: 100, Y1: 50, X2: 300, Y2: 250}}

	b := &Batch{Detections: []Detection{abs}}
	assert.Empty(t, b.Place(400, 300), "absolute box needs a source size")
	b.FillSource(400, 300)
	placed := b.Place(400, 300)
	require.Len(t, placed, 1)
	assertRect(t, Rect{X: 100, Y: 50, Width: 200, Height: 200}, placed[0].Rect)

	reported := &Batch{Detections: []Detection{abs}, SourceWidth: 800, SourceHeight: 600}
	reported.FillSource(400, 300)
	assert.Equal(t, 800, reported.SourceWidth)
	assert.Equal(t, 600, reported.SourceHeight)

	var none *Batch
	none.FillSource(1, 1)
}

func TestDetectionJSON(t *testing.T) {
	raw := `[
		{"class":"blue tit","confidence":0.91,"bbox":[10,20,110,220],"bbox_norm":[0.1,0.2,0.5,0.9]},
		{"class":"wren","confidence":0.5,"bbox":[1,2,3]},
		{"class":"owl","confidence":0.4,"bbox_norm":"bad"}
	]`
	var dets []Detection
	require.NoError(t, json.Unmarshal([]byte(raw), &dets))
	require.Len(t, dets, 3)

	assert.Equal(t, "blue tit", dets[0].Class)
	require.NotNil(t, dets[0].Absolute)
	require.NotNil(t, dets[0].Normalized)
	assert.Equal(t, 0.9, dets[0].Normalized.Y2)

	assert.False(t, dets[1].HasBox())
	assert.False(t, dets[2].HasBox())

	out, err := json.Marshal(dets[0])
	require.NoError(t, err)
	assert.JSONEq(t, `{"class":"blue tit","confidence":0.91,"bbox":[10,20,110,220],"bbox_norm":[0.1,0.2,0.5,0.9]}`, string(out))
}
