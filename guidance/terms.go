// Package guidance blends the per-step loss signals into the single
// corrective gradient subtracted from the denoising direction.
package guidance

import (
	"math"

	"progdiff/percep"
	"progdiff/schedule"
	"progdiff/tensor"
)

// Term is one contribution to the guidance gradient. Active lets the
// aggregator walk a fixed list of terms and skip the ones the current
// settings or step disable. LossGrad returns the weighted loss and its
// gradient with respect to the preview.
type Term interface {
	Name() string
	Active(stepIdx, runStep int) bool
	LossGrad(preview *tensor.Tensor, stepIdx int) (float64, *tensor.Tensor, error)
}

// TVTerm penalizes local pixel-difference energy, which suppresses
// high-frequency noise.
type TVTerm struct {
	Scale float64
}

func (t *TVTerm) Name() string { return "tv" }

func (t *TVTerm) Active(int, int) bool { return t.Scale != 0 }

func (t *TVTerm) LossGrad(preview *tensor.Tensor, _ int) (float64, *tensor.Tensor, error) {
	dx := preview.DiffX()
	dy := preview.DiffY()
	n := float64(len(preview.Data))

	var loss float64
	for i := range dx.Data {
		loss += dx.Data[i]*dx.Data[i] + dy.Data[i]*dy.Data[i]
	}
	loss = loss / n * t.Scale

	// d/dp of sum of squared forward differences: each pixel gains from
	// the differences it terminates and loses from the ones it starts.
	grad := tensor.NewLike(preview)
	scale := 2 * t.Scale / n
	for c := 0; c < preview.C; c++ {
		for y := 0; y < preview.H; y++ {
			for x := 0; x < preview.W; x++ {
				var g float64
				g -= dx.At(c, y, x) + dy.At(c, y, x)
				if x > 0 {
					g += dx.At(c, y, x-1)
				}
				if y > 0 {
					g += dy.At(c, y-1, x)
				}
				grad.Set(c, y, x, g*scale)
			}
		}
	}
	return loss, grad, nil
}

// RangeTerm penalizes values outside [-1, 1] quadratically.
type RangeTerm struct {
	Scale float64
}

func (t *RangeTerm) Name() string { return "range" }

func (t *RangeTerm) Active(int, int) bool { return t.Scale != 0 }

func (t *RangeTerm) LossGrad(preview *tensor.Tensor, _ int) (float64, *tensor.Tensor, error) {
	n := float64(len(preview.Data))
	grad := tensor.NewLike(preview)
	var loss float64
	for i, v := range preview.Data {
		over := overshoot(v)
		loss += over * over
		grad.Data[i] = 2 * over / n * t.Scale
	}
	return loss / n * t.Scale, grad, nil
}

// SatTerm penalizes the mean absolute clamp residual, a softer companion
// to RangeTerm.
type SatTerm struct {
	Scale float64
}

func (t *SatTerm) Name() string { return "saturation" }

func (t *SatTerm) Active(int, int) bool { return t.Scale != 0 }

func (t *SatTerm) LossGrad(preview *tensor.Tensor, _ int) (float64, *tensor.Tensor, error) {
	n := float64(len(preview.Data))
	grad := tensor.NewLike(preview)
	var loss float64
	for i, v := range preview.Data {
		over := overshoot(v)
		loss += math.Abs(over)
		if over > 0 {
			grad.Data[i] = t.Scale / n
		} else if over < 0 {
			grad.Data[i] = -t.Scale / n
		}
	}
	return loss / n * t.Scale, grad, nil
}

func overshoot(v float64) float64 {
	if v > 1 {
		return v - 1
	}
	if v < -1 {
		return v + 1
	}
	return 0
}

// InitTerm pulls the preview toward the initial/constraint image by
// perceptual distance.
type InitTerm struct {
	Scale  float64
	Init   *tensor.Tensor
	Percep percep.Similarity
}

func (t *InitTerm) Name() string { return "init" }

func (t *InitTerm) Active(int, int) bool { return t.Scale != 0 && t.Init != nil }

func (t *InitTerm) LossGrad(preview *tensor.Tensor, _ int) (float64, *tensor.Tensor, error) {
	dist, grad, err := t.Percep.DistanceGrad(preview, t.Init)
	if err != nil {
		return 0, nil, err
	}
	grad.Scale(t.Scale)
	return dist * t.Scale, grad, nil
}

// SymmetryTerm compares one half of the preview against the mirror of the
// other, active only before the configured step cutoff. Vertical folds
// left/right across the vertical axis, otherwise top/bottom.
type SymmetryTerm struct {
	Vertical bool
	Scale    *schedule.Schedule
	Switch   int
	Percep   percep.Similarity
}

func (t *SymmetryTerm) Name() string {
	if t.Vertical {
		return "symmetry-v"
	}
	return "symmetry-h"
}

func (t *SymmetryTerm) Active(_, runStep int) bool {
	return runStep <= t.Switch
}

func (t *SymmetryTerm) LossGrad(preview *tensor.Tensor, stepIdx int) (float64, *tensor.Tensor, error) {
	var first, mirrored *tensor.Tensor
	if t.Vertical {
		first = cropHalfW(preview, false)
		mirrored = cropHalfW(preview, true).FlipH()
	} else {
		first = cropHalfH(preview, false)
		mirrored = cropHalfH(preview, true).FlipV()
	}

	scale := t.Scale.At(stepIdx)
	dist, halfGrad, err := t.Percep.DistanceGrad(first, mirrored)
	if err != nil {
		return 0, nil, err
	}
	halfGrad.Scale(scale)

	// The metric is symmetric, so the mirrored half receives the negated
	// gradient reflected back into place.
	grad := tensor.NewLike(preview)
	if t.Vertical {
		placeHalfW(grad, halfGrad, false, 1)
		placeHalfW(grad, halfGrad.FlipH(), true, -1)
	} else {
		placeHalfH(grad, halfGrad, false, 1)
		placeHalfH(grad, halfGrad.FlipV(), true, -1)
	}
	return dist * scale, grad, nil
}

func cropHalfW(t *tensor.Tensor, second bool) *tensor.Tensor {
	half := t.W / 2
	out := tensor.New(t.C, t.H, half)
	off := 0
	if second {
		off = t.W - half
	}
	for c := 0; c < t.C; c++ {
		for y := 0; y < t.H; y++ {
			for x := 0; x < half; x++ {
				out.Set(c, y, x, t.At(c, y, x+off))
			}
		}
	}
	return out
}

func cropHalfH(t *tensor.Tensor, second bool) *tensor.Tensor {
	half := t.H / 2
	out := tensor.New(t.C, half, t.W)
	off := 0
	if second {
		off = t.H - half
	}
	for c := 0; c < t.C; c++ {
		for y := 0; y < half; y++ {
			for x := 0; x < t.W; x++ {
				out.Set(c, y, x, t.At(c, y+off, x))
			}
		}
	}
	return out
}

func placeHalfW(dst, src *tensor.Tensor, second bool, sign float64) {
	off := 0
	if second {
		off = dst.W - src.W
	}
	for c := 0; c < src.C; c++ {
		for y := 0; y < src.H; y++ {
			for x := 0; x < src.W; x++ {
				dst.Set(c, y, x+off, dst.At(c, y, x+off)+sign*src.At(c, y, x))
			}
		}
	}
}

func placeHalfH(dst, src *tensor.Tensor, second bool, sign float64) {
	off := 0
	if second {
		off = dst.H - src.H
	}
	for c := 0; c < src.C; c++ {
		for y := 0; y < src.H; y++ {
			for x := 0; x < src.W; x++ {
				dst.Set(c, y+off, x, dst.At(c, y+off, x)+sign*src.At(c, y, x))
			}
		}
	}
}
