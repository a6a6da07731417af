package overlay

import (
	"fmt"
	"image/color"
	"unicode/utf16"
)

// ClassColor maps a class label to a stable colour. Each channel lands in
// [80, 255] so boxes stay visible on dark footage.
func ClassColor(class string) color.RGBA {
	var h uint32
	for _, c := range utf16.Encode([]rune(class)) {
		h = h*31 + uint32(c)
	}
	return color.RGBA{
		R: uint8(80 + (h&0xff)%176),
		G: uint8(80 + ((h>>8)&0xff)%176),
		B: uint8(80 + ((h>>16)&0xff)%176),
		A: 0xff,
	}
}

// CSS renders c as an rgb() triple for the status legend.
func CSS(c color.RGBA) string {
	return fmt.Sprintf("rgb(%d,%d,%d)", c.R, c.G, c.B)
}

// textColor picks black or white for legibility on bg.
func textColor(bg color.RGBA) color.Color {
	lum := 0.299*float64(bg.R) + 0.587*float64(bg.G) + 0.114*float64(bg.B)
	if lum > 150 {
		return color.Black
	}
	return color.White
}
