package embed

import (
	"image"
	"math"
	"math/rand"

	"progdiff/tensor"
)

// Cutout is one stochastic sub-sample of the preview image, resampled to
// the provider's cut size. Rect records where it came from so its scoring
// gradient can be scattered back into the full image.
type Cutout struct {
	T    *tensor.Tensor
	Rect image.Rectangle
	Gray bool
}

// Cutter draws scored cutouts from an image. Overview cuts cover the full
// frame; inner cuts are random crops whose size distribution is shaped by
// ICPow, optionally turned grayscale with probability GrayP.
type Cutter struct {
	Size     int
	Overview int
	Inner    int
	ICPow    float64
	GrayP    float64

	rng *rand.Rand
}

// NewCutter builds a Cutter with its own deterministic random stream.
func NewCutter(size int, seed int64) *Cutter {
	return &Cutter{Size: size, rng: rand.New(rand.NewSource(seed))}
}

// Cut draws the configured cutouts from img.
func (c *Cutter) Cut(img *tensor.Tensor) []Cutout {
	cuts := make([]Cutout, 0, c.Overview+c.Inner)
	full := image.Rect(0, 0, img.W, img.H)
	for i := 0; i < c.Overview; i++ {
		cuts = append(cuts, Cutout{T: resampleRegion(img, full, c.Size, false), Rect: full})
	}

	maxSize := img.W
	if img.H < maxSize {
		maxSize = img.H
	}
	minSize := c.Size
	if minSize > maxSize {
		minSize = maxSize
	}
	for i := 0; i < c.Inner; i++ {
		size := int(math.Pow(c.rng.Float64(), c.ICPow)*float64(maxSize-minSize)) + minSize
		x := c.rng.Intn(img.W - size + 1)
		y := c.rng.Intn(img.H - size + 1)
		rect := image.Rect(x, y, x+size, y+size)
		gray := c.rng.Float64() < c.GrayP
		cuts = append(cuts, Cutout{T: resampleRegion(img, rect, c.Size, gray), Rect: rect, Gray: gray})
	}
	return cuts
}

// ScatterGrad accumulates a cut-size gradient back into a full-image
// gradient, inverting the box resampling (and grayscale mixing) that
// produced the cutout.
func ScatterGrad(dst *tensor.Tensor, cut Cutout, grad *tensor.Tensor) {
	size := grad.H
	for c := 0; c < 3; c++ {
		for ty := 0; ty < size; ty++ {
			y0, y1 := span(cut.Rect.Min.Y, cut.Rect.Max.Y, ty, size)
			for tx := 0; tx < size; tx++ {
				x0, x1 := span(cut.Rect.Min.X, cut.Rect.Max.X, tx, size)
				g := grad.At(c, ty, tx)
				if cut.Gray {
					// All three source channels fed the gray value equally.
					g = (grad.At(0, ty, tx) + grad.At(1, ty, tx) + grad.At(2, ty, tx)) / 3
				}
				share := g / float64((y1-y0)*(x1-x0))
				for sy := y0; sy < y1; sy++ {
					for sx := x0; sx < x1; sx++ {
						dst.Set(c, sy, sx, dst.At(c, sy, sx)+share)
					}
				}
			}
		}
	}
}

// resampleRegion box-averages a source rectangle down (or up) to a square
// size-by-size tensor.
func resampleRegion(img *tensor.Tensor, rect image.Rectangle, size int, gray bool) *tensor.Tensor {
	out := tensor.New(3, size, size)
	for c := 0; c < 3; c++ {
		for ty := 0; ty < size; ty++ {
			y0, y1 := span(rect.Min.Y, rect.Max.Y, ty, size)
			for tx := 0; tx < size; tx++ {
				x0, x1 := span(rect.Min.X, rect.Max.X, tx, size)
				var sum float64
				for sy := y0; sy < y1; sy++ {
					for sx := x0; sx < x1; sx++ {
						sum += img.At(c, sy, sx)
					}
				}
				out.Set(c, ty, tx, sum/float64((y1-y0)*(x1-x0)))
			}
		}
	}
	if gray {
		for ty := 0; ty < size; ty++ {
			for tx := 0; tx < size; tx++ {
				v := (out.At(0, ty, tx) + out.At(1, ty, tx) + out.At(2, ty, tx)) / 3
				out.Set(0, ty, tx, v)
				out.Set(1, ty, tx, v)
				out.Set(2, ty, tx, v)
			}
		}
	}
	return out
}

// span maps target cell t of count cells onto source pixels [lo, hi),
// guaranteeing at least one source pixel.
func span(min, max, t, count int) (int, int) {
	length := max - min
	lo := min + t*length/count
	hi := min + (t+1)*length/count
	if hi <= lo {
		hi = lo + 1
	}
	if hi > max {
		hi = max
	}
	if lo >= hi {
		lo = hi - 1
	}
	return lo, hi
}
