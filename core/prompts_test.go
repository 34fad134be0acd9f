package core

import (
	"testing"

	"gopkg.in/yaml.v3"
)

func TestPromptSetUnmarshal(t *testing.T) {
	t.Run("plain list", func(t *testing.T) {
		var p PromptSet
		if err := yaml.Unmarshal([]byte(`["a castle", "fog:0.5"]`), &p); err != nil {
			t.Fatal(err)
		}
		if got := p.Initial(); len(got) != 2 || got[0] != "a castle" {
			t.Errorf("Initial() = %v", got)
		}
		if steps := p.ChangeSteps(); len(steps) != 0 {
			t.Errorf("ChangeSteps() = %v, want none", steps)
		}
	})

	t.Run("step keyed", func(t *testing.T) {
		var p PromptSet
		content := `
0: ["a castle"]
120: ["a castle at night", "stars:0.5"]
`
		if err := yaml.Unmarshal([]byte(content), &p); err != nil {
			t.Fatal(err)
		}
		if got := p.At(119); len(got) != 1 || got[0] != "a castle" {
			t.Errorf("At(119) = %v", got)
		}
		if got := p.At(120); len(got) != 2 || got[0] != "a castle at night" {
			t.Errorf("At(120) = %v", got)
		}
		if steps := p.ChangeSteps(); len(steps) != 1 || steps[0] != 120 {
			t.Errorf("ChangeSteps() = %v, want [120]", steps)
		}
	})

	t.Run("negative step rejected", func(t *testing.T) {
		var p PromptSet
		if err := yaml.Unmarshal([]byte(`{-1: ["x"]}`), &p); err == nil {
			t.Error("negative step accepted")
		}
	})
}

func TestPromptSetEmpty(t *testing.T) {
	if !(PromptSet{}).Empty() {
		t.Error("empty set not reported empty")
	}
	if !(PromptSet{0: {""}}).Empty() {
		t.Error("blank prompt not reported empty")
	}
	if (PromptSet{40: {"x"}}).Empty() {
		t.Error("non-empty set reported empty")
	}
}
