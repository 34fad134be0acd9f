package schedule

import (
	"fmt"
	"strconv"
	"strings"
)

// Parse builds a Schedule from schedule text of the form
//
//	[12]*400+[4]*600
//
// Each segment is a bracketed value repeated a fixed number of steps;
// segment lengths must sum to the canonical step count. The value kind is
// inferred: a schedule whose every value parses as an integer is tagged
// KindInt, otherwise KindFloat.
//
// This replaces the historical practice of evaluating schedule text as
// code; malformed text is a configuration error, never executed.
func Parse(text string) (*Schedule, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("schedule: empty schedule text")
	}

	kind := KindInt
	vals := make([]float64, 0, CanonicalSteps)
	for _, segment := range strings.Split(text, "+") {
		segment = strings.TrimSpace(segment)
		value, count, isFloat, err := parseSegment(segment)
		if err != nil {
			return nil, err
		}
		if isFloat {
			kind = KindFloat
		}
		for i := 0; i < count; i++ {
			vals = append(vals, value)
		}
		if len(vals) > CanonicalSteps {
			return nil, fmt.Errorf("schedule: %q exceeds %d total steps", text, CanonicalSteps)
		}
	}
	if len(vals) != CanonicalSteps {
		return nil, fmt.Errorf("schedule: %q covers %d steps, want %d", text, len(vals), CanonicalSteps)
	}
	return &Schedule{kind: kind, vals: vals}, nil
}

// parseSegment parses one "[value]*count" segment.
func parseSegment(segment string) (value float64, count int, isFloat bool, err error) {
	open := strings.IndexByte(segment, '[')
	closeIdx := strings.IndexByte(segment, ']')
	if open != 0 || closeIdx < 0 {
		return 0, 0, false, fmt.Errorf("schedule: segment %q is not of the form [value]*count", segment)
	}
	valText := strings.TrimSpace(segment[1:closeIdx])

	rest := strings.TrimSpace(segment[closeIdx+1:])
	if !strings.HasPrefix(rest, "*") {
		return 0, 0, false, fmt.Errorf("schedule: segment %q is missing a repeat count", segment)
	}
	countText := strings.TrimSpace(rest[1:])

	if iv, ierr := strconv.Atoi(valText); ierr == nil {
		value = float64(iv)
	} else {
		value, err = strconv.ParseFloat(valText, 64)
		if err != nil {
			return 0, 0, false, fmt.Errorf("schedule: segment %q has a non-numeric value: %w", segment, err)
		}
		isFloat = true
	}

	count, err = strconv.Atoi(countText)
	if err != nil {
		return 0, 0, false, fmt.Errorf("schedule: segment %q has a non-integer count: %w", segment, err)
	}
	if count <= 0 {
		return 0, 0, false, fmt.Errorf("schedule: segment %q repeats %d times, want > 0", segment, count)
	}
	return value, count, isFloat, nil
}
