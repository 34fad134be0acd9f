package tensor

import (
	"image"
	"image/color"
	"math"
	"testing"
)

func TestImageRoundTrip(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 4, 3))
	for y := 0; y < 3; y++ {
		for x := 0; x < 4; x++ {
			img.SetRGBA(x, y, color.RGBA{
				R: uint8(x * 60),
				G: uint8(y * 80),
				B: uint8((x + y) * 30),
				A: 255,
			})
		}
	}

	ts := FromImage(img)
	if ts.C != 3 || ts.H != 3 || ts.W != 4 {
		t.Fatalf("shape = %dx%dx%d, want 3x3x4", ts.C, ts.H, ts.W)
	}

	back, err := ts.ToImage()
	if err != nil {
		t.Fatal(err)
	}
	for y := 0; y < 3; y++ {
		for x := 0; x < 4; x++ {
			want := img.RGBAAt(x, y)
			got := back.RGBAAt(x, y)
			if got != want {
				t.Errorf("pixel (%d,%d) = %v, want %v", x, y, got, want)
			}
		}
	}
}

func TestValueRange(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	img.SetRGBA(0, 0, color.RGBA{R: 0, G: 0, B: 0, A: 255})
	img.SetRGBA(1, 1, color.RGBA{R: 255, G: 255, B: 255, A: 255})

	ts := FromImage(img)
	if got := ts.At(0, 0, 0); got != -1 {
		t.Errorf("black maps to %v, want -1", got)
	}
	if got := ts.At(0, 1, 1); got != 1 {
		t.Errorf("white maps to %v, want 1", got)
	}
}

func TestArithmetic(t *testing.T) {
	a := New(1, 2, 2)
	b := New(1, 2, 2)
	for i := range a.Data {
		a.Data[i] = float64(i)
		b.Data[i] = 2
	}

	if err := a.Add(b); err != nil {
		t.Fatal(err)
	}
	if a.Data[3] != 5 {
		t.Errorf("Add: got %v, want 5", a.Data[3])
	}

	a.Scale(0.5)
	if a.Data[3] != 2.5 {
		t.Errorf("Scale: got %v, want 2.5", a.Data[3])
	}

	if err := a.Mul(b); err != nil {
		t.Fatal(err)
	}
	if a.Data[3] != 5 {
		t.Errorf("Mul: got %v, want 5", a.Data[3])
	}

	wrong := New(1, 3, 3)
	if err := a.Add(wrong); err == nil {
		t.Error("Add with mismatched shape succeeded, want error")
	}
}

func TestRMS(t *testing.T) {
	ts := New(1, 1, 4)
	copy(ts.Data, []float64{3, -3, 3, -3})
	if got := ts.RMS(); math.Abs(got-3) > 1e-12 {
		t.Errorf("RMS = %v, want 3", got)
	}
}

func TestIsFinite(t *testing.T) {
	ts := New(1, 1, 3)
	if !ts.IsFinite() {
		t.Error("zero tensor reported as non-finite")
	}
	ts.Data[1] = math.NaN()
	if ts.IsFinite() {
		t.Error("NaN tensor reported as finite")
	}
	ts.Data[1] = math.Inf(1)
	if ts.IsFinite() {
		t.Error("Inf tensor reported as finite")
	}
}

func TestFlips(t *testing.T) {
	ts := New(1, 2, 3)
	copy(ts.Data, []float64{
		1, 2, 3,
		4, 5, 6,
	})

	h := ts.FlipH()
	if h.At(0, 0, 0) != 3 || h.At(0, 0, 2) != 1 {
		t.Errorf("FlipH first row = %v %v %v", h.At(0, 0, 0), h.At(0, 0, 1), h.At(0, 0, 2))
	}

	v := ts.FlipV()
	if v.At(0, 0, 0) != 4 || v.At(0, 1, 0) != 1 {
		t.Errorf("FlipV first column = %v %v", v.At(0, 0, 0), v.At(0, 1, 0))
	}

	// Double flip restores the original.
	hh := h.FlipH()
	for i := range ts.Data {
		if hh.Data[i] != ts.Data[i] {
			t.Fatalf("double FlipH differs at %d", i)
		}
	}
}

func TestDiffs(t *testing.T) {
	ts := New(1, 2, 3)
	copy(ts.Data, []float64{
		1, 3, 6,
		2, 2, 2,
	})

	dx := ts.DiffX()
	if dx.At(0, 0, 0) != 2 || dx.At(0, 0, 1) != 3 {
		t.Errorf("DiffX row 0 = %v %v", dx.At(0, 0, 0), dx.At(0, 0, 1))
	}
	if dx.At(0, 0, 2) != 0 {
		t.Errorf("DiffX last column = %v, want 0", dx.At(0, 0, 2))
	}

	dy := ts.DiffY()
	if dy.At(0, 0, 0) != 1 || dy.At(0, 0, 1) != -1 {
		t.Errorf("DiffY row 0 = %v %v", dy.At(0, 0, 0), dy.At(0, 0, 1))
	}
	if dy.At(0, 1, 0) != 0 {
		t.Errorf("DiffY last row = %v, want 0", dy.At(0, 1, 0))
	}
}
