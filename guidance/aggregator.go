package guidance

import (
	"go.uber.org/zap"

	"progdiff/core"
	"progdiff/embed"
	"progdiff/logging"
	"progdiff/tensor"
)

// Guide pairs one scoring provider with the targets it steers toward.
// Series optionally replaces the targets mid-run: each entry takes effect
// once that many steps have completed.
type Guide struct {
	Provider embed.Provider
	Targets  *embed.Targets
	Series   map[int]*embed.Targets

	cutter *embed.Cutter
}

func (g *Guide) targetsAt(runStep int) *embed.Targets {
	best, targets := -1, g.Targets
	for step, t := range g.Series {
		if step <= runStep && step > best {
			best, targets = step, t
		}
	}
	return targets
}

// Aggregator produces the guidance gradient for one denoising step. It is
// not safe for concurrent use; the stepping loop calls it serially.
type Aggregator struct {
	Guides    []*Guide
	Terms     []Term
	Plan      *core.Plan
	Mask      *tensor.Tensor
	ClampGrad bool

	log      *logging.Logger
	recovery int
}

// New builds an aggregator. cutSeed fixes the stochastic cutout draws so a
// run is reproducible end to end.
func New(guides []*Guide, terms []Term, plan *core.Plan, log *logging.Logger, cutSeed int64) *Aggregator {
	for i, g := range guides {
		g.cutter = embed.NewCutter(g.Provider.CutSize(), cutSeed+int64(i))
	}
	return &Aggregator{
		Guides: guides,
		Terms:  terms,
		Plan:   plan,
		log:    log.Named("guidance"),
	}
}

// Recoveries returns how many steps substituted a zero gradient after a
// non-finite value appeared.
func (a *Aggregator) Recoveries() int {
	return a.recovery
}

// Gradient computes the loss-ascent gradient for the preview at the given
// canonical step index. The caller subtracts it from the denoising
// direction. The result always has the preview's shape; a non-finite
// gradient is replaced by zero so a single bad step cannot corrupt the
// run.
func (a *Aggregator) Gradient(preview *tensor.Tensor, stepIdx, runStep int) (*tensor.Tensor, float64, error) {
	total := tensor.NewLike(preview)
	var lossTotal float64

	promptGrad, promptLoss, err := a.promptGradient(preview, stepIdx, runStep)
	if err != nil {
		return nil, 0, err
	}
	if a.Mask != nil {
		if err := promptGrad.Mul(a.Mask); err != nil {
			return nil, 0, err
		}
	}
	if err := total.Add(promptGrad); err != nil {
		return nil, 0, err
	}
	lossTotal += promptLoss

	for _, term := range a.Terms {
		if !term.Active(stepIdx, runStep) {
			continue
		}
		loss, grad, err := term.LossGrad(preview, stepIdx)
		if err != nil {
			return nil, 0, err
		}
		if err := total.Add(grad); err != nil {
			return nil, 0, err
		}
		lossTotal += loss
	}

	if !total.IsFinite() {
		a.recovery++
		a.log.Warn("non-finite guidance gradient, substituting zero",
			zap.Int("step", stepIdx),
			zap.String("code", core.ErrCodeNonFiniteGradient))
		return tensor.NewLike(preview), lossTotal, nil
	}

	if a.ClampGrad {
		max := a.Plan.ClampMax.At(stepIdx)
		if rms := total.RMS(); rms > max && rms > 0 {
			total.Scale(max / rms)
		}
	}
	return total, lossTotal, nil
}

// promptGradient accumulates the cutout-scored contributions of every
// provider, each round scaled by clip_guidance_scale over the round count.
func (a *Aggregator) promptGradient(preview *tensor.Tensor, stepIdx, runStep int) (*tensor.Tensor, float64, error) {
	grad := tensor.NewLike(preview)
	var lossTotal float64

	rounds := a.Plan.CutnBatches.IntAt(stepIdx)
	if rounds < 1 {
		return grad, 0, nil
	}
	scale := a.Plan.ClipGuidanceScale.At(stepIdx) / float64(rounds)

	for _, g := range a.Guides {
		targets := g.targetsAt(runStep)
		if targets == nil || targets.Empty() {
			continue
		}
		g.cutter.Overview = a.Plan.CutOverview.IntAt(stepIdx)
		g.cutter.Inner = a.Plan.CutInnercut.IntAt(stepIdx)
		g.cutter.ICPow = a.Plan.CutICPow.At(stepIdx)
		g.cutter.GrayP = a.Plan.CutICGrayP.At(stepIdx)

		for round := 0; round < rounds; round++ {
			roundGrad := tensor.NewLike(preview)
			for _, cut := range g.cutter.Cut(preview) {
				loss, cutGrad, err := g.Provider.ScoreGrad(cut.T, targets)
				if err != nil {
					return nil, 0, err
				}
				lossTotal += loss
				embed.ScatterGrad(roundGrad, cut, cutGrad)
			}
			roundGrad.Scale(scale)
			if err := grad.Add(roundGrad); err != nil {
				return nil, 0, err
			}
		}
	}
	return grad, lossTotal, nil
}
