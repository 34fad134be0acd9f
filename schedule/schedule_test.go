package schedule

import (
	"math"
	"testing"
)

func TestExpandConstant(t *testing.T) {
	tests := []struct {
		name  string
		value float64
	}{
		{name: "zero", value: 0},
		{name: "positive", value: 5000},
		{name: "fractional", value: 0.05},
		{name: "negative", value: -2.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Expand(tt.value)
			if s.Len() != CanonicalSteps {
				t.Fatalf("Len() = %d, want %d", s.Len(), CanonicalSteps)
			}
			for i := 0; i < s.Len(); i++ {
				if s.At(i) != tt.value {
					t.Fatalf("At(%d) = %v, want %v", i, s.At(i), tt.value)
				}
			}
		})
	}
}

func TestExpandBetweenEndpoints(t *testing.T) {
	s := ExpandBetween(5, 6)

	if got := s.At(0); got != 5 {
		t.Errorf("first element = %v, want 5", got)
	}
	if got := s.At(s.Len() - 1); got != 6 {
		t.Errorf("last element = %v, want 6", got)
	}

	// Monotonic transition between the endpoints.
	prev := s.At(0)
	for i := 1; i < s.Len(); i++ {
		if s.At(i) < prev {
			t.Fatalf("At(%d) = %v decreased from %v", i, s.At(i), prev)
		}
		prev = s.At(i)
	}

	mid := s.At(s.Len() / 2)
	if mid < 5 || mid > 6 {
		t.Errorf("midpoint = %v, want within [5, 6]", mid)
	}
}

func TestExpandBetweenDescending(t *testing.T) {
	s := ExpandBetween(10, 2)
	prev := s.At(0)
	for i := 1; i < s.Len(); i++ {
		if s.At(i) > prev {
			t.Fatalf("At(%d) = %v increased from %v", i, s.At(i), prev)
		}
		prev = s.At(i)
	}
}

func TestExpandIntTruncates(t *testing.T) {
	s := ExpandIntBetween(1, 4)
	if s.Kind() != KindInt {
		t.Fatalf("Kind() = %v, want KindInt", s.Kind())
	}
	for i := 0; i < s.Len(); i++ {
		if v := s.At(i); v != math.Trunc(v) {
			t.Fatalf("At(%d) = %v is not integral", i, v)
		}
	}
	if s.At(0) != 1 {
		t.Errorf("first element = %v, want 1", s.At(0))
	}
	if s.At(s.Len()-1) != 4 {
		t.Errorf("last element = %v, want 4", s.At(s.Len()-1))
	}
}

func TestAtClampsOutOfRange(t *testing.T) {
	s := ExpandBetween(1, 9)
	if s.At(-5) != s.At(0) {
		t.Errorf("At(-5) = %v, want first element %v", s.At(-5), s.At(0))
	}
	if s.At(s.Len()+100) != s.At(s.Len()-1) {
		t.Errorf("At(past end) = %v, want last element %v", s.At(s.Len()+100), s.At(s.Len()-1))
	}
}

func TestSmoothIdempotentOnConstant(t *testing.T) {
	s := Expand(7)
	before := s.Values()
	s.Smooth()
	after := s.Values()
	for i := range before {
		if before[i] != after[i] {
			t.Fatalf("Smooth changed constant schedule at %d: %v -> %v", i, before[i], after[i])
		}
	}
}

func TestSmoothSoftensStep(t *testing.T) {
	vals := make([]float64, CanonicalSteps)
	for i := range vals {
		if i < 400 {
			vals[i] = 12
		} else {
			vals[i] = 4
		}
	}
	s, err := FromValues(KindFloat, vals)
	if err != nil {
		t.Fatal(err)
	}
	s.Smooth()

	// A value strictly between the two plateaus must now exist inside
	// the transition zone.
	found := false
	for i := 375; i < 425; i++ {
		if v := s.At(i); v > 4 && v < 12 {
			found = true
			break
		}
	}
	if !found {
		t.Error("no transition values found after Smooth")
	}

	// Plateaus away from the change-point stay untouched.
	if s.At(100) != 12 {
		t.Errorf("At(100) = %v, want 12", s.At(100))
	}
	if s.At(900) != 4 {
		t.Errorf("At(900) = %v, want 4", s.At(900))
	}
}

func TestSmoothRunsOnce(t *testing.T) {
	vals := make([]float64, CanonicalSteps)
	for i := range vals {
		if i < 500 {
			vals[i] = 10
		} else {
			vals[i] = 0
		}
	}
	s, err := FromValues(KindFloat, vals)
	if err != nil {
		t.Fatal(err)
	}
	s.Smooth()
	first := s.Values()
	s.Smooth()
	second := s.Values()
	for i := range first {
		if first[i] != second[i] {
			t.Fatalf("second Smooth changed value at %d: %v -> %v", i, first[i], second[i])
		}
	}
}

func TestInterpolateRejectsEmptySpan(t *testing.T) {
	if _, err := Interpolate(3, 1, 3, 2, 3); err == nil {
		t.Error("expected error for x1 == x2")
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		wantErr  bool
		wantKind Kind
		checks   map[int]float64
	}{
		{
			name:     "two segments",
			text:     "[12]*400+[4]*600",
			wantKind: KindInt,
			checks:   map[int]float64{0: 12, 399: 12, 400: 4, 999: 4},
		},
		{
			name:     "float segment",
			text:     "[0.05]*1000",
			wantKind: KindFloat,
			checks:   map[int]float64{0: 0.05, 999: 0.05},
		},
		{
			name:     "whitespace tolerated",
			text:     " [2]*500 + [8]*500 ",
			wantKind: KindInt,
			checks:   map[int]float64{499: 2, 500: 8},
		},
		{name: "empty", text: "", wantErr: true},
		{name: "short coverage", text: "[1]*999", wantErr: true},
		{name: "over coverage", text: "[1]*500+[2]*501", wantErr: true},
		{name: "missing count", text: "[1]", wantErr: true},
		{name: "non numeric", text: "[abc]*1000", wantErr: true},
		{name: "zero count", text: "[1]*0+[2]*1000", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Parse(tt.text)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("Parse(%q) succeeded, want error", tt.text)
				}
				return
			}
			if err != nil {
				t.Fatalf("Parse(%q) failed: %v", tt.text, err)
			}
			if s.Kind() != tt.wantKind {
				t.Errorf("Kind() = %v, want %v", s.Kind(), tt.wantKind)
			}
			for i, want := range tt.checks {
				if got := s.At(i); got != want {
					t.Errorf("At(%d) = %v, want %v", i, got, want)
				}
			}
		})
	}
}
