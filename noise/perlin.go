// Package noise generates Perlin start images for runs that begin from
// structured noise instead of a flat latent or a user-supplied picture.
package noise

import (
	"fmt"
	"image"
	"math"
	"math/rand"

	"progdiff/imaging"
)

// Mode selects how the Perlin layers are colored.
type Mode string

const (
	ModeColor Mode = "color"
	ModeGray  Mode = "gray"
	ModeMixed Mode = "mixed"
)

// ParseMode validates a mode string from configuration.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeColor, ModeGray, ModeMixed:
		return Mode(s), nil
	default:
		return "", fmt.Errorf("unknown perlin mode %q", s)
	}
}

type gradientGrid struct {
	w, h int
	gx   []float64
	gy   []float64
}

func newGradientGrid(rng *rand.Rand, w, h int) *gradientGrid {
	g := &gradientGrid{w: w, h: h, gx: make([]float64, w*h), gy: make([]float64, w*h)}
	for i := range g.gx {
		angle := rng.Float64() * 2 * math.Pi
		g.gx[i] = math.Cos(angle)
		g.gy[i] = math.Sin(angle)
	}
	return g
}

func (g *gradientGrid) at(x, y int) (float64, float64) {
	x = ((x % g.w) + g.w) % g.w
	y = ((y % g.h) + g.h) % g.h
	i := y*g.w + x
	return g.gx[i], g.gy[i]
}

// smoothstep easing between lattice points.
func fade(t float64) float64 {
	return t * t * (3 - 2*t)
}

// sample returns the Perlin value at fractional lattice coordinates,
// roughly in [-0.7, 0.7].
func (g *gradientGrid) sample(fx, fy float64) float64 {
	x0 := int(math.Floor(fx))
	y0 := int(math.Floor(fy))
	dx := fx - float64(x0)
	dy := fy - float64(y0)

	dot := func(cx, cy int, ox, oy float64) float64 {
		gx, gy := g.at(cx, cy)
		return gx*ox + gy*oy
	}

	n00 := dot(x0, y0, dx, dy)
	n10 := dot(x0+1, y0, dx-1, dy)
	n01 := dot(x0, y0+1, dx, dy-1)
	n11 := dot(x0+1, y0+1, dx-1, dy-1)

	u := fade(dx)
	v := fade(dy)
	top := n00 + u*(n10-n00)
	bot := n01 + u*(n11-n01)
	return top + v*(bot-top)
}

// octaveField renders multi-octave noise into a w by h scalar field in
// [0, 1]. Octave i doubles the lattice frequency and scales by amps[i].
func octaveField(rng *rand.Rand, w, h, baseCells int, amps []float64) []float64 {
	field := make([]float64, w*h)
	for i := range field {
		field[i] = 0.5
	}
	cells := baseCells
	for _, amp := range amps {
		grid := newGradientGrid(rng, cells, cells)
		for y := 0; y < h; y++ {
			fy := float64(y) / float64(h) * float64(cells)
			for x := 0; x < w; x++ {
				fx := float64(x) / float64(w) * float64(cells)
				field[y*w+x] += grid.sample(fx, fy) * amp
			}
		}
		cells *= 2
	}
	return field
}

// octaveAmps returns the geometric amplitude ladder used for start images.
func octaveAmps(n int) []float64 {
	amps := make([]float64, n)
	for i := range amps {
		amps[i] = 0.5 * math.Pow(1.5, -float64(i))
	}
	return amps
}

func fieldToGray(field []float64, w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v := clamp01(field[y*w+x])
			o := img.PixOffset(x, y)
			g := uint8(math.Round(v * 255))
			img.Pix[o] = g
			img.Pix[o+1] = g
			img.Pix[o+2] = g
			img.Pix[o+3] = 255
		}
	}
	return img
}

func fieldsToColor(fields [3][]float64, w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			o := img.PixOffset(x, y)
			for ch := 0; ch < 3; ch++ {
				img.Pix[o+ch] = uint8(math.Round(clamp01(fields[ch][y*w+x]) * 255))
			}
			img.Pix[o+3] = 255
		}
	}
	return img
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

func renderLayer(rng *rand.Rand, w, h, baseCells, octaves int, gray bool) *image.RGBA {
	amps := octaveAmps(octaves)
	if gray {
		return fieldToGray(octaveField(rng, w, h, baseCells, amps), w, h)
	}
	var fields [3][]float64
	for ch := 0; ch < 3; ch++ {
		fields[ch] = octaveField(rng, w, h, baseCells, amps)
	}
	return fieldsToColor(fields, w, h)
}

// Generate produces a w by h Perlin start image with the given mode and
// seed. Two layers at different base frequencies are averaged, then the
// result is contrast-stretched.
func Generate(w, h int, mode Mode, seed int64) (*image.RGBA, error) {
	if w <= 0 || h <= 0 {
		return nil, fmt.Errorf("invalid perlin dimensions %dx%d", w, h)
	}
	rng := rand.New(rand.NewSource(seed))

	var coarse, fine *image.RGBA
	switch mode {
	case ModeColor:
		coarse = renderLayer(rng, w, h, 2, 12, false)
		fine = renderLayer(rng, w, h, 8, 8, false)
	case ModeGray:
		coarse = renderLayer(rng, w, h, 2, 12, true)
		fine = renderLayer(rng, w, h, 8, 8, true)
	case ModeMixed:
		coarse = renderLayer(rng, w, h, 2, 12, false)
		fine = renderLayer(rng, w, h, 8, 8, true)
	default:
		return nil, fmt.Errorf("unknown perlin mode %q", mode)
	}

	blended := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(blended.Pix); i += 4 {
		blended.Pix[i] = uint8((int(coarse.Pix[i]) + int(fine.Pix[i])) / 2)
		blended.Pix[i+1] = uint8((int(coarse.Pix[i+1]) + int(fine.Pix[i+1])) / 2)
		blended.Pix[i+2] = uint8((int(coarse.Pix[i+2]) + int(fine.Pix[i+2])) / 2)
		blended.Pix[i+3] = 255
	}
	return imaging.Autocontrast(blended, 0), nil
}
