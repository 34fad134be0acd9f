package gobig

import (
	"image"
	"image/color"
)

// Feather builds the per-tile alpha mask: transparent at the border,
// ramping up by four per pixel inward across the overlap band. The
// interior holds the last ramp value rather than full opacity, which
// keeps a sliver of the underlying canvas blended through every tile.
func Feather(w, h, overlap int) *image.Alpha {
	mask := image.NewAlpha(image.Rect(0, 0, w, h))
	maxDepth := overlap - 1
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			depth := minInt(minInt(x, y), minInt(w-1-x, h-1-y))
			if depth > maxDepth {
				depth = maxDepth
			}
			a := 4 * depth
			if a > 255 {
				a = 255
			}
			mask.SetAlpha(x, y, color.Alpha{A: uint8(a)})
		}
	}
	return mask
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
