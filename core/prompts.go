package core

import (
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

// PromptSet holds prompt lists keyed by the run step at which they take
// effect. A plain YAML list is shorthand for a single entry at step 0,
// which covers the common case of one prompt set for the whole run.
type PromptSet map[int][]string

// UnmarshalYAML accepts either a sequence of prompts or a mapping from
// step numbers to prompt sequences.
func (p *PromptSet) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.SequenceNode:
		var list []string
		if err := node.Decode(&list); err != nil {
			return err
		}
		*p = PromptSet{0: list}
		return nil
	case yaml.MappingNode:
		var keyed map[int][]string
		if err := node.Decode(&keyed); err != nil {
			return fmt.Errorf("prompt steps must be integers: %w", err)
		}
		for step := range keyed {
			if step < 0 {
				return fmt.Errorf("prompt step %d is negative", step)
			}
		}
		*p = keyed
		return nil
	default:
		return fmt.Errorf("unsupported YAML node for prompts")
	}
}

// Initial returns the prompts in effect at the start of a run.
func (p PromptSet) Initial() []string { return p.At(0) }

// At returns the prompt list in effect once the given number of steps
// has completed: the entry with the largest key not exceeding step.
func (p PromptSet) At(step int) []string {
	best, found := -1, []string(nil)
	for k, list := range p {
		if k <= step && k > best {
			best, found = k, list
		}
	}
	return found
}

// ChangeSteps returns the steps after the start at which the prompt set
// changes, in ascending order.
func (p PromptSet) ChangeSteps() []int {
	steps := make([]int, 0, len(p))
	for k := range p {
		if k > 0 {
			steps = append(steps, k)
		}
	}
	sort.Ints(steps)
	return steps
}

// Empty reports whether no prompt text is present at any step.
func (p PromptSet) Empty() bool {
	for _, list := range p {
		for _, raw := range list {
			if raw != "" {
				return false
			}
		}
	}
	return true
}
