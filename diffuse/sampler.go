// Package diffuse runs one image's full generation: the stepping loop,
// checkpointing, brightness/contrast self-correction, and final artifact
// assembly.
package diffuse

import (
	"fmt"
	"math"
	"math/rand"

	"progdiff/schedule"
	"progdiff/tensor"
)

// GuidanceFunc is the per-step callback the sampler invokes with the
// denoised preview. It returns the loss-ascent gradient to subtract from
// the denoising direction.
type GuidanceFunc func(preview *tensor.Tensor, stepIdx, runStep int) (*tensor.Tensor, error)

// Sampler is the denoising-step capability. Implementations must support
// resuming partway through the step range and accept an optional initial
// image bias.
type Sampler interface {
	// Steps is the number of sampled steps in a full run.
	Steps() int
	// Timestep maps completed steps to the canonical schedule index.
	Timestep(runStep int) int
	// Begin returns the starting latent for a run resuming after skip
	// steps. A non-nil init anchors the latent to that image.
	Begin(seed int64, c, h, w, skip int, init *tensor.Tensor) (*tensor.Tensor, error)
	// Step advances one denoising step, consulting guide with the current
	// denoised preview. It returns the next latent and that preview.
	Step(latent *tensor.Tensor, runStep int, guide GuidanceFunc) (next, preview *tensor.Tensor, err error)
}

// BlendSampler is a self-contained deterministic sampler. Each step blends
// the latent toward its clean estimate along a cosine noise schedule and
// applies the guidance gradient scaled by the remaining noise. It stands
// in for an accelerator-backed network while exercising the full control
// loop, and is the sampler the tests run against.
type BlendSampler struct {
	TotalSteps int
	Eta        float64

	sigma []float64
}

var _ Sampler = (*BlendSampler)(nil)

// NewBlendSampler builds a sampler over the given number of sampled
// steps, spaced evenly across the canonical range.
func NewBlendSampler(steps int, eta float64) (*BlendSampler, error) {
	if steps < 1 || steps > schedule.CanonicalSteps {
		return nil, fmt.Errorf("steps %d outside [1, %d]", steps, schedule.CanonicalSteps)
	}
	s := &BlendSampler{TotalSteps: steps, Eta: eta, sigma: make([]float64, steps+1)}
	for i := 0; i <= steps; i++ {
		// Cosine ramp from full noise at step 0 to none at the end.
		s.sigma[i] = math.Cos(float64(i) / float64(steps) * math.Pi / 2)
	}
	s.sigma[steps] = 0
	return s, nil
}

func (s *BlendSampler) Steps() int { return s.TotalSteps }

func (s *BlendSampler) Timestep(runStep int) int {
	t := runStep * schedule.CanonicalSteps / s.TotalSteps
	if t >= schedule.CanonicalSteps {
		t = schedule.CanonicalSteps - 1
	}
	return t
}

func (s *BlendSampler) Begin(seed int64, c, h, w, skip int, init *tensor.Tensor) (*tensor.Tensor, error) {
	if skip < 0 || skip >= s.TotalSteps {
		return nil, fmt.Errorf("skip %d outside [0, %d)", skip, s.TotalSteps)
	}
	latent := tensor.New(c, h, w)
	if init != nil {
		if !latent.SameShape(init) {
			return nil, fmt.Errorf("init shape %dx%dx%d does not match %dx%dx%d",
				init.C, init.H, init.W, c, h, w)
		}
		copy(latent.Data, init.Data)
	}
	sigma := s.sigma[skip]
	rng := rand.New(rand.NewSource(seed))
	for i := range latent.Data {
		latent.Data[i] = latent.Data[i]*(1-sigma) + rng.NormFloat64()*sigma
	}
	return latent, nil
}

func (s *BlendSampler) Step(latent *tensor.Tensor, runStep int, guide GuidanceFunc) (*tensor.Tensor, *tensor.Tensor, error) {
	if runStep < 0 || runStep >= s.TotalSteps {
		return nil, nil, fmt.Errorf("step %d outside [0, %d)", runStep, s.TotalSteps)
	}
	sigma := s.sigma[runStep]
	next := s.sigma[runStep+1]

	// The clean estimate under this toy model is the latent with its
	// residual noise annealed away.
	preview := latent.Clone()
	preview.Scale(1 - sigma*sigma)

	if guide != nil {
		grad, err := guide(preview, s.Timestep(runStep), runStep)
		if err != nil {
			return nil, nil, err
		}
		if !preview.SameShape(grad) {
			return nil, nil, fmt.Errorf("guidance gradient shape mismatch")
		}
		for i := range preview.Data {
			preview.Data[i] -= grad.Data[i] * sigma
		}
	}

	out := tensor.NewLike(latent)
	for i := range out.Data {
		// Move toward the (guided) clean estimate as noise decreases.
		out.Data[i] = preview.Data[i] + (latent.Data[i]-preview.Data[i])*next/(sigma+1e-12)*(1-s.Eta*0.1)
	}
	return out, preview, nil
}
