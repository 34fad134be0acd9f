// Package gobig amplifies a finished image by upscaling it and
// resynthesizing detail tile by tile, then feather-compositing the tiles
// back onto the upscaled canvas.
package gobig

import "image"

// SliceCount is the closed-form tile estimate for a scale factor: the
// squared scale to match the pixel increase, plus one to cover overlap.
// A positive override wins.
func SliceCount(scale, override int) int {
	if override > 0 {
		return override
	}
	return scale*scale + 1
}

// Coords places tile origins over the target canvas, expanding out from a
// centered tile by (tile - overlap) per step. Tiles are emitted
// edge-first with the center last, so compositing in emission order
// stacks the center on top. The expansion order is kept as-is for
// output compatibility even though other orders would cover equally
// well.
func Coords(targetW, targetH, tileW, tileH, overlap int) []image.Point {
	centerX := targetW/2 - tileW/2
	centerY := targetH/2 - tileH/2

	// A non-positive stride cannot make progress; a single centered tile
	// is the best available placement.
	if tileW-overlap <= 0 || tileH-overlap <= 0 {
		return []image.Point{clampOrigin(image.Pt(centerX, centerY), targetW, targetH, tileW, tileH)}
	}

	var upList, downList, leftList, rightList []image.Point

	up := centerY
	for up > 0 {
		up = up - tileH + overlap
		upList = append(upList, image.Pt(centerX, up))
	}
	down := centerY
	for down+tileH <= targetH {
		down = down + tileH - overlap
		downList = append(downList, image.Pt(centerX, down))
	}
	left := centerX
	for left > 0 {
		left = left - tileW + overlap
		leftList = append(leftList, image.Pt(left, centerY))
		up = centerY
		for up > 0 {
			up = up - tileH + overlap
			upList = append(upList, image.Pt(left, up))
		}
		down = centerY
		for down+tileH <= targetH {
			down = down + tileH - overlap
			downList = append(downList, image.Pt(left, down))
		}
	}
	right := centerX
	for right+tileW <= targetW {
		right = right + tileW - overlap
		rightList = append(rightList, image.Pt(right, centerY))
		up = centerY
		for up > 0 {
			up = up - tileH + overlap
			upList = append(upList, image.Pt(right, up))
		}
		down = centerY
		for down+tileH <= targetH {
			down = down + tileH - overlap
			downList = append(downList, image.Pt(right, down))
		}
	}

	// Reversing each list puts the outermost tiles first, so the more
	// central ones land on top of them during compositing.
	out := make([]image.Point, 0, len(upList)+len(downList)+len(leftList)+len(rightList)+1)
	out = append(out, reversed(downList)...)
	out = append(out, reversed(upList)...)
	out = append(out, reversed(rightList)...)
	out = append(out, reversed(leftList)...)
	out = append(out, image.Pt(centerX, centerY))

	for i := range out {
		out[i] = clampOrigin(out[i], targetW, targetH, tileW, tileH)
	}
	return dedupeKeepLast(out)
}

func reversed(pts []image.Point) []image.Point {
	out := make([]image.Point, len(pts))
	for i, p := range pts {
		out[len(pts)-1-i] = p
	}
	return out
}

// clampOrigin keeps every tile fully inside the canvas; the expansion
// can overshoot the edges by up to a tile.
func clampOrigin(p image.Point, targetW, targetH, tileW, tileH int) image.Point {
	if p.X < 0 {
		p.X = 0
	}
	if p.Y < 0 {
		p.Y = 0
	}
	if p.X > targetW-tileW {
		p.X = targetW - tileW
	}
	if p.Y > targetH-tileH {
		p.Y = targetH - tileH
	}
	return p
}

// dedupeKeepLast drops repeated origins introduced by edge clamping,
// keeping the last occurrence so the stacking order is unchanged.
func dedupeKeepLast(pts []image.Point) []image.Point {
	last := make(map[image.Point]int, len(pts))
	for i, p := range pts {
		last[p] = i
	}
	out := pts[:0]
	for i, p := range pts {
		if last[p] == i {
			out = append(out, p)
		}
	}
	return out
}
