// Package tensor provides a dense channel-major image tensor used by the
// guidance and sampling code. Pixel data is stored as float64 in CHW order
// with values normalized to [-1, 1].
package tensor

import (
	"fmt"
	"image"
	"image/color"
	"math"
)

// Tensor holds C*H*W float64 values in channel-major order.
type Tensor struct {
	C, H, W int
	Data    []float64
}

// New returns a zero-filled tensor of the given shape.
func New(c, h, w int) *Tensor {
	return &Tensor{C: c, H: h, W: w, Data: make([]float64, c*h*w)}
}

// NewLike returns a zero-filled tensor with the same shape as t.
func NewLike(t *Tensor) *Tensor {
	return New(t.C, t.H, t.W)
}

// At returns the value at channel c, row y, column x.
func (t *Tensor) At(c, y, x int) float64 {
	return t.Data[(c*t.H+y)*t.W+x]
}

// Set stores v at channel c, row y, column x.
func (t *Tensor) Set(c, y, x int, v float64) {
	t.Data[(c*t.H+y)*t.W+x] = v
}

// Clone returns a deep copy of t.
func (t *Tensor) Clone() *Tensor {
	out := NewLike(t)
	copy(out.Data, t.Data)
	return out
}

// SameShape reports whether t and o have identical dimensions.
func (t *Tensor) SameShape(o *Tensor) bool {
	return t.C == o.C && t.H == o.H && t.W == o.W
}

// FromImage converts an image to a 3-channel tensor with values in [-1, 1].
func FromImage(img image.Image) *Tensor {
	b := img.Bounds()
	t := New(3, b.Dy(), b.Dx())
	for y := 0; y < b.Dy(); y++ {
		for x := 0; x < b.Dx(); x++ {
			r, g, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			t.Set(0, y, x, float64(r)/32767.5-1)
			t.Set(1, y, x, float64(g)/32767.5-1)
			t.Set(2, y, x, float64(bl)/32767.5-1)
		}
	}
	return t
}

// ToImage converts a 3-channel tensor back to an RGBA image, clamping
// values to [-1, 1] before quantizing.
func (t *Tensor) ToImage() (*image.RGBA, error) {
	if t.C != 3 {
		return nil, fmt.Errorf("tensor has %d channels, want 3", t.C)
	}
	img := image.NewRGBA(image.Rect(0, 0, t.W, t.H))
	for y := 0; y < t.H; y++ {
		for x := 0; x < t.W; x++ {
			img.SetRGBA(x, y, color.RGBA{
				R: quantize(t.At(0, y, x)),
				G: quantize(t.At(1, y, x)),
				B: quantize(t.At(2, y, x)),
				A: 255,
			})
		}
	}
	return img, nil
}

func quantize(v float64) uint8 {
	v = (clamp(v, -1, 1) + 1) * 127.5
	return uint8(math.Round(v))
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Add accumulates o into t in place. Shapes must match.
func (t *Tensor) Add(o *Tensor) error {
	if !t.SameShape(o) {
		return fmt.Errorf("shape mismatch: %dx%dx%d vs %dx%dx%d", t.C, t.H, t.W, o.C, o.H, o.W)
	}
	for i := range t.Data {
		t.Data[i] += o.Data[i]
	}
	return nil
}

// Sub subtracts o from t in place. Shapes must match.
func (t *Tensor) Sub(o *Tensor) error {
	if !t.SameShape(o) {
		return fmt.Errorf("shape mismatch: %dx%dx%d vs %dx%dx%d", t.C, t.H, t.W, o.C, o.H, o.W)
	}
	for i := range t.Data {
		t.Data[i] -= o.Data[i]
	}
	return nil
}

// Scale multiplies every element by s in place.
func (t *Tensor) Scale(s float64) {
	for i := range t.Data {
		t.Data[i] *= s
	}
}

// Mul multiplies t elementwise by o in place. Shapes must match.
func (t *Tensor) Mul(o *Tensor) error {
	if !t.SameShape(o) {
		return fmt.Errorf("shape mismatch: %dx%dx%d vs %dx%dx%d", t.C, t.H, t.W, o.C, o.H, o.W)
	}
	for i := range t.Data {
		t.Data[i] *= o.Data[i]
	}
	return nil
}

// Zero resets every element to 0.
func (t *Tensor) Zero() {
	for i := range t.Data {
		t.Data[i] = 0
	}
}

// RMS returns the root mean square of all elements.
func (t *Tensor) RMS() float64 {
	if len(t.Data) == 0 {
		return 0
	}
	var sum float64
	for _, v := range t.Data {
		sum += v * v
	}
	return math.Sqrt(sum / float64(len(t.Data)))
}

// Mean returns the arithmetic mean of all elements.
func (t *Tensor) Mean() float64 {
	if len(t.Data) == 0 {
		return 0
	}
	var sum float64
	for _, v := range t.Data {
		sum += v
	}
	return sum / float64(len(t.Data))
}

// IsFinite reports whether every element is a finite number.
func (t *Tensor) IsFinite() bool {
	for _, v := range t.Data {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}

// FlipH returns a new tensor mirrored across the vertical axis.
func (t *Tensor) FlipH() *Tensor {
	out := NewLike(t)
	for c := 0; c < t.C; c++ {
		for y := 0; y < t.H; y++ {
			for x := 0; x < t.W; x++ {
				out.Set(c, y, x, t.At(c, y, t.W-1-x))
			}
		}
	}
	return out
}

// FlipV returns a new tensor mirrored across the horizontal axis.
func (t *Tensor) FlipV() *Tensor {
	out := NewLike(t)
	for c := 0; c < t.C; c++ {
		for y := 0; y < t.H; y++ {
			for x := 0; x < t.W; x++ {
				out.Set(c, y, x, t.At(c, t.H-1-y, x))
			}
		}
	}
	return out
}

// DiffX returns forward horizontal differences with replicate padding,
// so the result has the same shape as t and the last column is zero.
func (t *Tensor) DiffX() *Tensor {
	out := NewLike(t)
	for c := 0; c < t.C; c++ {
		for y := 0; y < t.H; y++ {
			for x := 0; x < t.W-1; x++ {
				out.Set(c, y, x, t.At(c, y, x+1)-t.At(c, y, x))
			}
		}
	}
	return out
}

// DiffY returns forward vertical differences with replicate padding,
// so the result has the same shape as t and the last row is zero.
func (t *Tensor) DiffY() *Tensor {
	out := NewLike(t)
	for c := 0; c < t.C; c++ {
		for y := 0; y < t.H-1; y++ {
			for x := 0; x < t.W; x++ {
				out.Set(c, y, x, t.At(c, y+1, x)-t.At(c, y, x))
			}
		}
	}
	return out
}
