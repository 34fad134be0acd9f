// Package embed holds the embedding/scoring capability contract consumed
// by guidance, the prompt bookkeeping around it, and the built-in
// providers.
package embed

import (
	"math"
	"strconv"
	"strings"

	"progdiff/core"
)

// Prompt is one guidance target with its relative weight. Negative
// weights push generation away from the content.
type Prompt struct {
	Text   string
	Weight float64
}

// ParsePrompt splits "some text:weight" into its parts. A prompt without
// a numeric suffix gets weight 1.
func ParsePrompt(raw string) Prompt {
	if i := strings.LastIndex(raw, ":"); i > 0 {
		if w, err := strconv.ParseFloat(strings.TrimSpace(raw[i+1:]), 64); err == nil {
			return Prompt{Text: strings.TrimSpace(raw[:i]), Weight: w}
		}
	}
	return Prompt{Text: strings.TrimSpace(raw), Weight: 1}
}

// ParsePrompts parses a prompt list, dropping empty entries.
func ParsePrompts(raw []string) []Prompt {
	prompts := make([]Prompt, 0, len(raw))
	for _, r := range raw {
		p := ParsePrompt(r)
		if p.Text != "" {
			prompts = append(prompts, p)
		}
	}
	return prompts
}

// Targets is the set of embeddings one provider steers toward, with the
// weight vector aligned by index.
type Targets struct {
	Embeds  [][]float64
	Weights []float64
}

// Add appends one target embedding.
func (t *Targets) Add(embed []float64, weight float64) {
	t.Embeds = append(t.Embeds, embed)
	t.Weights = append(t.Weights, weight)
}

// Empty reports whether no targets are present.
func (t *Targets) Empty() bool {
	return len(t.Embeds) == 0
}

// Normalize rescales the weights so their absolute values sum to 1. A
// weight vector whose plain sum is numerically negligible is rejected,
// since the targets would cancel each other out.
func (t *Targets) Normalize() error {
	var sum, absSum float64
	for _, w := range t.Weights {
		sum += w
		absSum += math.Abs(w)
	}
	if math.Abs(sum) < 1e-3 {
		return core.ErrZeroWeights(sum)
	}
	for i := range t.Weights {
		t.Weights[i] /= absSum
	}
	return nil
}
