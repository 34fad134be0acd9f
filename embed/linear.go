package embed

import (
	"context"
	"fmt"
	"hash/fnv"
	"math/rand"
	"strings"

	"gonum.org/v1/gonum/mat"

	"progdiff/tensor"
)

// Linear embeds images through a fixed seeded gaussian projection, which
// keeps the scoring gradient exact: the Jacobian of the embedding is the
// projection matrix itself. Text lands in the same space via seeded
// per-token direction vectors, so a crop can always be scored against a
// prompt deterministically and without any external model.
type Linear struct {
	name    string
	cutSize int
	dim     int
	proj    *mat.Dense
}

var _ Provider = (*Linear)(nil)

// NewLinear builds a provider with a dim-dimensional space scoring crops
// of cutSize pixels. The same seed always yields the same projection.
func NewLinear(name string, cutSize, dim int, seed int64) *Linear {
	in := 3 * cutSize * cutSize
	rng := rand.New(rand.NewSource(seed))
	data := make([]float64, dim*in)
	for i := range data {
		data[i] = rng.NormFloat64()
	}
	return &Linear{
		name:    name,
		cutSize: cutSize,
		dim:     dim,
		proj:    mat.NewDense(dim, in, data),
	}
}

func (l *Linear) Name() string { return l.name }

func (l *Linear) CutSize() int { return l.cutSize }

func (l *Linear) EmbedText(_ context.Context, text string) ([]float64, error) {
	out := make([]float64, l.dim)
	tokens := strings.Fields(strings.ToLower(text))
	if len(tokens) == 0 {
		return nil, fmt.Errorf("empty prompt text")
	}
	for _, tok := range tokens {
		h := fnv.New64a()
		h.Write([]byte(tok))
		rng := rand.New(rand.NewSource(int64(h.Sum64())))
		for i := range out {
			out[i] += rng.NormFloat64()
		}
	}
	normed, _ := unit(out)
	return normed, nil
}

func (l *Linear) EmbedImage(_ context.Context, img *tensor.Tensor) ([]float64, error) {
	if err := l.checkShape(img); err != nil {
		return nil, err
	}
	var out mat.VecDense
	out.MulVec(l.proj, mat.NewVecDense(len(img.Data), img.Data))
	normed, _ := unit(out.RawVector().Data)
	return normed, nil
}

func (l *Linear) ScoreGrad(crop *tensor.Tensor, targets *Targets) (float64, *tensor.Tensor, error) {
	if err := l.checkShape(crop); err != nil {
		return 0, nil, err
	}
	if targets.Empty() {
		return 0, tensor.NewLike(crop), nil
	}

	var embedVec mat.VecDense
	embedVec.MulVec(l.proj, mat.NewVecDense(len(crop.Data), crop.Data))
	embedded := embedVec.RawVector().Data

	var total float64
	embedGrad := make([]float64, l.dim)
	for i, target := range targets.Embeds {
		loss, g := sphericalDist(embedded, target)
		w := targets.Weights[i]
		total += w * loss
		for j := range embedGrad {
			embedGrad[j] += w * g[j]
		}
	}

	// Chain back through the projection.
	grad := tensor.NewLike(crop)
	var gradVec mat.VecDense
	gradVec.MulVec(l.proj.T(), mat.NewVecDense(l.dim, embedGrad))
	copy(grad.Data, gradVec.RawVector().Data)
	return total, grad, nil
}

func (l *Linear) checkShape(img *tensor.Tensor) error {
	if img.C != 3 || img.H != l.cutSize || img.W != l.cutSize {
		return fmt.Errorf("crop shape %dx%dx%d does not match cut size %d",
			img.C, img.H, img.W, l.cutSize)
	}
	return nil
}
