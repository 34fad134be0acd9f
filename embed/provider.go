package embed

import (
	"context"
	"math"

	"progdiff/tensor"
)

// Provider is the embedding/scoring capability the guidance aggregator
// consumes. A provider embeds prompts into its own vector space and
// scores image crops against a weighted set of target embeddings,
// returning the loss gradient with respect to the crop pixels.
type Provider interface {
	Name() string
	// CutSize is the square pixel size the provider scores crops at.
	CutSize() int
	EmbedText(ctx context.Context, text string) ([]float64, error)
	EmbedImage(ctx context.Context, img *tensor.Tensor) ([]float64, error)
	// ScoreGrad evaluates the weighted spherical distance of crop against
	// targets. The returned gradient has the crop's shape.
	ScoreGrad(crop *tensor.Tensor, targets *Targets) (float64, *tensor.Tensor, error)
}

// sphericalDist returns the squared great-circle distance between two
// unit-normalized vectors, plus the gradient with respect to the raw
// (pre-normalization) first argument.
func sphericalDist(x, y []float64) (float64, []float64) {
	xn, xNorm := unit(x)
	yn, _ := unit(y)

	var diffSq float64
	diff := make([]float64, len(x))
	for i := range xn {
		diff[i] = xn[i] - yn[i]
		diffSq += diff[i] * diff[i]
	}
	d := math.Sqrt(diffSq)

	half := d / 2
	if half > 1 {
		half = 1
	}
	loss := 4 * math.Asin(half) * math.Asin(half)

	// dloss/dd, guarding the arcsin singularity at d = 2.
	var dLoss float64
	if d > 1e-12 && half < 1 {
		dLoss = 4 * math.Asin(half) / math.Sqrt(1-half*half)
	}

	// Chain through d = |x_hat - y_hat| and the normalization of x.
	grad := make([]float64, len(x))
	if dLoss != 0 && xNorm > 1e-12 {
		var dot float64
		for i := range diff {
			dot += diff[i] * xn[i]
		}
		for i := range grad {
			// (I - x_hat x_hat^T) projects out the radial component.
			grad[i] = dLoss / d * (diff[i] - dot*xn[i]) / xNorm
		}
	}
	return loss, grad
}

func unit(v []float64) ([]float64, float64) {
	var sq float64
	for _, x := range v {
		sq += x * x
	}
	norm := math.Sqrt(sq)
	out := make([]float64, len(v))
	if norm > 1e-12 {
		for i, x := range v {
			out[i] = x / norm
		}
	}
	return out, norm
}
