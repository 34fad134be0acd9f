package gobig

import "image"

// Composite alpha-overs a tile onto the canvas at the given origin using
// the shared feather mask. Integer arithmetic keeps the result
// byte-identical across runs for the same inputs.
func Composite(canvas, tile *image.RGBA, alpha *image.Alpha, at image.Point) {
	b := tile.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		cy := at.Y + y - b.Min.Y
		if cy < 0 || cy >= canvas.Bounds().Dy() {
			continue
		}
		for x := b.Min.X; x < b.Max.X; x++ {
			cx := at.X + x - b.Min.X
			if cx < 0 || cx >= canvas.Bounds().Dx() {
				continue
			}
			a := int(alpha.AlphaAt(x-b.Min.X, y-b.Min.Y).A)
			ti := tile.PixOffset(x, y)
			ci := canvas.PixOffset(cx, cy)
			for ch := 0; ch < 3; ch++ {
				t := int(tile.Pix[ti+ch])
				c := int(canvas.Pix[ci+ch])
				canvas.Pix[ci+ch] = uint8((t*a + c*(255-a) + 127) / 255)
			}
			canvas.Pix[ci+3] = 255
		}
	}
}
