package embed

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"

	"progdiff/tensor"
)

// OpenAI layers a remote text encoder over a Linear image space. Text is
// embedded by the OpenAI embeddings API, folded down to the local space
// dimension, and scored against crops exactly like the Linear provider.
// Image scoring stays local so the per-cutout gradient remains exact.
type OpenAI struct {
	client *openai.Client
	model  openai.EmbeddingModel
	local  *Linear
}

var _ Provider = (*OpenAI)(nil)

// NewOpenAI builds the provider. The local projection must be supplied so
// runs can share one image space across providers.
func NewOpenAI(apiKey, baseURL string, local *Linear) *OpenAI {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAI{
		client: openai.NewClientWithConfig(cfg),
		model:  openai.SmallEmbedding3,
		local:  local,
	}
}

func (o *OpenAI) Name() string { return "openai-" + o.local.Name() }

func (o *OpenAI) CutSize() int { return o.local.CutSize() }

func (o *OpenAI) EmbedText(ctx context.Context, text string) ([]float64, error) {
	resp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: o.model,
	})
	if err != nil {
		return nil, fmt.Errorf("embedding %q: %w", text, err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("embedding %q: empty response", text)
	}
	folded := foldVector(resp.Data[0].Embedding, o.local.dim)
	normed, _ := unit(folded)
	return normed, nil
}

func (o *OpenAI) EmbedImage(ctx context.Context, img *tensor.Tensor) ([]float64, error) {
	return o.local.EmbedImage(ctx, img)
}

func (o *OpenAI) ScoreGrad(crop *tensor.Tensor, targets *Targets) (float64, *tensor.Tensor, error) {
	return o.local.ScoreGrad(crop, targets)
}

// foldVector sums a high-dimensional embedding into dim buckets,
// preserving relative direction information while matching the local
// space size.
func foldVector(v []float32, dim int) []float64 {
	out := make([]float64, dim)
	for i, x := range v {
		out[i%dim] += float64(x)
	}
	return out
}
