// Package percep defines the perceptual similarity capability used by the
// guidance terms that compare the evolving image against a reference, and
// ships a multiscale implementation that needs no external model.
package percep

import (
	"fmt"

	"progdiff/tensor"
)

// Similarity scores how far two images are from each other perceptually.
// DistanceGrad returns the scalar distance together with its gradient with
// respect to a, shaped like a. Implementations may hold model state and
// are not required to be safe for concurrent use.
type Similarity interface {
	DistanceGrad(a, b *tensor.Tensor) (float64, *tensor.Tensor, error)
}

// Multiscale compares images as squared error accumulated over a pyramid
// of progressively downsampled copies, which approximates a perceptual
// metric by weighting coarse structure alongside pixel detail.
type Multiscale struct {
	// Levels is the number of pyramid levels, minimum 1. Each level
	// halves the resolution.
	Levels int
}

var _ Similarity = (*Multiscale)(nil)

// NewMultiscale returns a Multiscale with the default pyramid depth.
func NewMultiscale() *Multiscale {
	return &Multiscale{Levels: 4}
}

func (m *Multiscale) DistanceGrad(a, b *tensor.Tensor) (float64, *tensor.Tensor, error) {
	if !a.SameShape(b) {
		return 0, nil, fmt.Errorf("shape mismatch: %dx%dx%d vs %dx%dx%d",
			a.C, a.H, a.W, b.C, b.H, b.W)
	}
	levels := m.Levels
	if levels < 1 {
		levels = 1
	}

	grad := tensor.NewLike(a)
	var total float64

	ca, cb := a, b
	scale := 1
	for level := 0; level < levels; level++ {
		n := float64(len(ca.Data))
		var dist float64
		lg := tensor.NewLike(ca)
		for i := range ca.Data {
			d := ca.Data[i] - cb.Data[i]
			dist += d * d
			lg.Data[i] = 2 * d / n
		}
		total += dist / n
		accumulateUpsampled(grad, lg, scale)

		if ca.H < 2 || ca.W < 2 {
			break
		}
		ca = downsample(ca)
		cb = downsample(cb)
		scale *= 2
	}
	return total, grad, nil
}

// downsample halves each spatial dimension by 2x2 box averaging.
func downsample(t *tensor.Tensor) *tensor.Tensor {
	h := t.H / 2
	w := t.W / 2
	out := tensor.New(t.C, h, w)
	for c := 0; c < t.C; c++ {
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				sum := t.At(c, 2*y, 2*x) + t.At(c, 2*y, 2*x+1) +
					t.At(c, 2*y+1, 2*x) + t.At(c, 2*y+1, 2*x+1)
				out.Set(c, y, x, sum/4)
			}
		}
	}
	return out
}

// accumulateUpsampled spreads a coarse-level gradient back to full
// resolution. Each coarse pixel averaged scale*scale source pixels, so its
// gradient is distributed evenly over them.
func accumulateUpsampled(dst, coarse *tensor.Tensor, scale int) {
	if scale == 1 {
		for i := range dst.Data {
			dst.Data[i] += coarse.Data[i]
		}
		return
	}
	share := 1 / float64(scale*scale)
	for c := 0; c < coarse.C; c++ {
		for y := 0; y < coarse.H; y++ {
			for x := 0; x < coarse.W; x++ {
				g := coarse.At(c, y, x) * share
				for dy := 0; dy < scale; dy++ {
					for dx := 0; dx < scale; dx++ {
						fy := y*scale + dy
						fx := x*scale + dx
						if fy < dst.H && fx < dst.W {
							dst.Set(c, fy, fx, dst.At(c, fy, fx)+g)
						}
					}
				}
			}
		}
	}
}
