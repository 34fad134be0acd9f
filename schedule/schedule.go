// Package schedule turns scalar configuration values into per-step value
// sequences for the denoising loop.
//
// A Schedule always has the canonical diffusion length (1000 entries), no
// matter how many steps are actually sampled. Entries are indexed by steps
// completed, so callers translate a "steps remaining" counter with
// CanonicalSteps - remaining before lookup.
package schedule

import (
	"fmt"
	"math"
)

// CanonicalSteps is the canonical diffusion step count. Every schedule has
// exactly this many entries regardless of the sampled step count.
const CanonicalSteps = 1000

// Kind tags a schedule as integer- or float-valued. Integer schedules
// truncate interpolated values so that counts (e.g. cutout batches) stay
// whole numbers.
type Kind int

const (
	// KindFloat is a float-valued schedule.
	KindFloat Kind = iota
	// KindInt is an integer-valued schedule; values are truncated.
	KindInt
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindFloat:
		return "float"
	case KindInt:
		return "int"
	}
	return "unknown"
}

// Schedule is an immutable per-step value sequence. The only mutation
// allowed after construction is a single Smooth pass.
type Schedule struct {
	kind     Kind
	vals     []float64
	smoothed bool
}

// Interpolate returns the y between y1 and y2 at the same position x holds
// between x1 and x2. A degenerate span (x1 == x2) is a configuration error
// and must be rejected before schedules are built.
func Interpolate(x1, y1, x2, y2, x float64) (float64, error) {
	if x1 == x2 {
		return 0, fmt.Errorf("schedule: interpolation span is empty (x1 == x2 == %v)", x1)
	}
	return y1 + (x-x1)*(y2-y1)/(x2-x1), nil
}

// Expand returns a constant float schedule of canonical length.
func Expand(v float64) *Schedule {
	vals := make([]float64, CanonicalSteps)
	for i := range vals {
		vals[i] = v
	}
	return &Schedule{kind: KindFloat, vals: vals}
}

// ExpandInt returns a constant integer schedule of canonical length.
func ExpandInt(v int) *Schedule {
	s := Expand(float64(v))
	s.kind = KindInt
	return s
}

// ExpandBetween returns a float schedule interpolating linearly from v1 at
// the first step to v2 at the last.
func ExpandBetween(v1, v2 float64) *Schedule {
	vals := make([]float64, CanonicalSteps)
	for i := range vals {
		// Position runs 1..CanonicalSteps so the endpoints land exactly
		// on v1 and v2.
		y, err := Interpolate(1, v1, CanonicalSteps, v2, float64(i+1))
		if err != nil {
			panic(err) // unreachable: span is constant and non-empty
		}
		vals[i] = y
	}
	return &Schedule{kind: KindFloat, vals: vals}
}

// ExpandIntBetween returns an integer schedule interpolating from v1 to v2
// with truncation at every step.
func ExpandIntBetween(v1, v2 int) *Schedule {
	s := ExpandBetween(float64(v1), float64(v2))
	s.kind = KindInt
	for i := range s.vals {
		s.vals[i] = math.Trunc(s.vals[i])
	}
	return s
}

// FromValues builds a schedule from an explicit value slice. The slice must
// have canonical length.
func FromValues(kind Kind, vals []float64) (*Schedule, error) {
	if len(vals) != CanonicalSteps {
		return nil, fmt.Errorf("schedule: expected %d values, got %d", CanonicalSteps, len(vals))
	}
	out := make([]float64, CanonicalSteps)
	copy(out, vals)
	if kind == KindInt {
		for i := range out {
			out[i] = math.Trunc(out[i])
		}
	}
	return &Schedule{kind: kind, vals: out}, nil
}

// Kind reports whether the schedule is integer- or float-valued.
func (s *Schedule) Kind() Kind { return s.kind }

// Len returns the schedule length (always CanonicalSteps).
func (s *Schedule) Len() int { return len(s.vals) }

// At returns the value at index i (steps completed). Out-of-range indexes
// clamp to the nearest endpoint so a finished run reads the final value.
func (s *Schedule) At(i int) float64 {
	if i < 0 {
		i = 0
	}
	if i >= len(s.vals) {
		i = len(s.vals) - 1
	}
	return s.vals[i]
}

// IntAt returns the value at index i truncated to an integer.
func (s *Schedule) IntAt(i int) int { return int(s.At(i)) }

// Values returns a copy of the underlying values.
func (s *Schedule) Values() []float64 {
	out := make([]float64, len(s.vals))
	copy(out, s.vals)
	return out
}

// IsConstant reports whether every entry holds the same value.
func (s *Schedule) IsConstant() bool {
	for _, v := range s.vals[1:] {
		if v != s.vals[0] {
			return false
		}
	}
	return true
}

// Smooth linearly re-interpolates the values around each discontinuity over
// a transition zone of 5% of the schedule length. Change-points closer than
// half a zone to the previous one keep their hard step. Smooth runs at most
// once per schedule; repeated calls are no-ops so smoothing error cannot
// compound.
func (s *Schedule) Smooth() {
	if s.smoothed {
		return
	}
	s.smoothed = true

	zone := int(float64(len(s.vals)) * 0.05)
	if zone < 2 {
		return
	}

	var markers []int
	last := s.vals[0]
	for i := 1; i < len(s.vals); i++ {
		if s.vals[i] != last {
			markers = append(markers, i)
		}
		last = s.vals[i]
	}
	if len(markers) == 0 {
		return
	}

	lastIndex := 0
	for _, index := range markers {
		if index-lastIndex >= zone/2 {
			start := index - zone/2
			if start < 1 {
				start = 1
			}
			end := index + zone/2
			if end > len(s.vals)-1 {
				end = len(s.vals) - 1
			}
			for i := start; i < end; i++ {
				y, err := Interpolate(float64(start), s.vals[start], float64(end), s.vals[end], float64(i))
				if err != nil {
					continue // start == end, zone collapsed at the boundary
				}
				if s.kind == KindInt {
					y = math.Trunc(y)
				}
				s.vals[i] = y
			}
		}
		lastIndex = index
	}
}

// Smoothed reports whether the one-time smoothing pass has run.
func (s *Schedule) Smoothed() bool { return s.smoothed }

// Summary returns a compact human-readable description, used for
// provenance metadata and logging.
func (s *Schedule) Summary() string {
	if s.IsConstant() {
		if s.kind == KindInt {
			return fmt.Sprintf("[%d]*%d", int(s.vals[0]), len(s.vals))
		}
		return fmt.Sprintf("[%g]*%d", s.vals[0], len(s.vals))
	}
	return fmt.Sprintf("[%g..%g]/%d", s.vals[0], s.vals[len(s.vals)-1], len(s.vals))
}
