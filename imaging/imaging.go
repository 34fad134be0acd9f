// Package imaging provides the pixel-level operations used by the run
// pipeline: resampling, cropping, tone adjustments, and sharpening.
package imaging

import (
	"image"
	"image/color"
	"math"

	xdraw "golang.org/x/image/draw"
)

// Resize resamples img to w by h using Catmull-Rom interpolation.
func Resize(img image.Image, w, h int) *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.CatmullRom.Scale(out, out.Bounds(), img, img.Bounds(), xdraw.Over, nil)
	return out
}

// ResizeNearest resamples img to w by h without interpolation. Used for
// masks, where blended edge values would be wrong.
func ResizeNearest(img image.Image, w, h int) *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, w, h))
	xdraw.NearestNeighbor.Scale(out, out.Bounds(), img, img.Bounds(), xdraw.Over, nil)
	return out
}

// Crop returns a copy of the region r of img. Pixels outside img are black.
func Crop(img image.Image, r image.Rectangle) *image.RGBA {
	out := image.NewRGBA(image.Rect(0, 0, r.Dx(), r.Dy()))
	xdraw.Draw(out, out.Bounds(), img, r.Min, xdraw.Src)
	return out
}

// ToRGBA returns img as an *image.RGBA, copying only when necessary.
func ToRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba
	}
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	xdraw.Draw(out, out.Bounds(), img, b.Min, xdraw.Src)
	return out
}

// Luminance returns the grayscale value of a color using ITU-R 601 weights.
func Luminance(c color.Color) float64 {
	r, g, b, _ := c.RGBA()
	return (0.299*float64(r) + 0.587*float64(g) + 0.114*float64(b)) / 257
}

// MeanBrightness returns the mean grayscale value of img in [0, 255].
func MeanBrightness(img image.Image) float64 {
	b := img.Bounds()
	if b.Empty() {
		return 0
	}
	var sum float64
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			sum += Luminance(img.At(x, y))
		}
	}
	return sum / float64(b.Dx()*b.Dy())
}

// AdjustBrightness scales every channel by factor. A factor of 1.0 leaves
// the image unchanged, 0.0 yields black.
func AdjustBrightness(img image.Image, factor float64) *image.RGBA {
	src := ToRGBA(img)
	out := image.NewRGBA(src.Bounds())
	for i := 0; i < len(src.Pix); i += 4 {
		out.Pix[i] = clamp8(float64(src.Pix[i]) * factor)
		out.Pix[i+1] = clamp8(float64(src.Pix[i+1]) * factor)
		out.Pix[i+2] = clamp8(float64(src.Pix[i+2]) * factor)
		out.Pix[i+3] = src.Pix[i+3]
	}
	return out
}

// AdjustContrast interpolates between the mean-gray image and the original.
// A factor of 1.0 leaves the image unchanged, 0.0 yields solid gray.
func AdjustContrast(img image.Image, factor float64) *image.RGBA {
	src := ToRGBA(img)
	mean := MeanBrightness(src)
	out := image.NewRGBA(src.Bounds())
	for i := 0; i < len(src.Pix); i += 4 {
		out.Pix[i] = clamp8(mean + factor*(float64(src.Pix[i])-mean))
		out.Pix[i+1] = clamp8(mean + factor*(float64(src.Pix[i+1])-mean))
		out.Pix[i+2] = clamp8(mean + factor*(float64(src.Pix[i+2])-mean))
		out.Pix[i+3] = src.Pix[i+3]
	}
	return out
}

// Autocontrast stretches each channel so that the darkest cutoff percent of
// pixels map to 0 and the brightest map to 255.
func Autocontrast(img image.Image, cutoff float64) *image.RGBA {
	src := ToRGBA(img)
	out := image.NewRGBA(src.Bounds())
	copy(out.Pix, src.Pix)

	n := src.Bounds().Dx() * src.Bounds().Dy()
	if n == 0 {
		return out
	}
	drop := int(float64(n) * cutoff / 100)

	for ch := 0; ch < 3; ch++ {
		var hist [256]int
		for i := ch; i < len(src.Pix); i += 4 {
			hist[src.Pix[i]]++
		}
		lo, hi := channelRange(hist, drop)
		if hi <= lo {
			continue
		}
		scale := 255.0 / float64(hi-lo)
		for i := ch; i < len(out.Pix); i += 4 {
			out.Pix[i] = clamp8(float64(int(src.Pix[i])-lo) * scale)
		}
	}
	return out
}

func channelRange(hist [256]int, drop int) (lo, hi int) {
	rem := drop
	for lo = 0; lo < 256; lo++ {
		rem -= hist[lo]
		if rem < 0 {
			break
		}
	}
	rem = drop
	for hi = 255; hi >= 0; hi-- {
		rem -= hist[hi]
		if rem < 0 {
			break
		}
	}
	return lo, hi
}

// Unsharp sharpens img by adding back a scaled difference from a Gaussian
// blur of the given radius. Differences below threshold are left alone.
func Unsharp(img image.Image, radius float64, percent int, threshold int) *image.RGBA {
	src := ToRGBA(img)
	blurred := gaussianBlur(src, radius)
	out := image.NewRGBA(src.Bounds())
	amount := float64(percent) / 100
	for i := 0; i < len(src.Pix); i += 4 {
		for ch := 0; ch < 3; ch++ {
			orig := float64(src.Pix[i+ch])
			diff := orig - float64(blurred.Pix[i+ch])
			if math.Abs(diff) < float64(threshold) {
				out.Pix[i+ch] = src.Pix[i+ch]
			} else {
				out.Pix[i+ch] = clamp8(orig + diff*amount)
			}
		}
		out.Pix[i+3] = src.Pix[i+3]
	}
	return out
}

func gaussianBlur(src *image.RGBA, radius float64) *image.RGBA {
	if radius <= 0 {
		out := image.NewRGBA(src.Bounds())
		copy(out.Pix, src.Pix)
		return out
	}
	kernel := gaussianKernel(radius)
	half := len(kernel) / 2
	b := src.Bounds()
	w, h := b.Dx(), b.Dy()

	tmp := image.NewRGBA(b)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var acc [4]float64
			for k, kv := range kernel {
				sx := clampInt(x+k-half, 0, w-1)
				o := src.PixOffset(b.Min.X+sx, b.Min.Y+y)
				for ch := 0; ch < 4; ch++ {
					acc[ch] += float64(src.Pix[o+ch]) * kv
				}
			}
			o := tmp.PixOffset(b.Min.X+x, b.Min.Y+y)
			for ch := 0; ch < 4; ch++ {
				tmp.Pix[o+ch] = clamp8(acc[ch])
			}
		}
	}

	out := image.NewRGBA(b)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var acc [4]float64
			for k, kv := range kernel {
				sy := clampInt(y+k-half, 0, h-1)
				o := tmp.PixOffset(b.Min.X+x, b.Min.Y+sy)
				for ch := 0; ch < 4; ch++ {
					acc[ch] += float64(tmp.Pix[o+ch]) * kv
				}
			}
			o := out.PixOffset(b.Min.X+x, b.Min.Y+y)
			for ch := 0; ch < 4; ch++ {
				out.Pix[o+ch] = clamp8(acc[ch])
			}
		}
	}
	return out
}

func gaussianKernel(radius float64) []float64 {
	half := int(math.Ceil(radius * 3))
	kernel := make([]float64, half*2+1)
	var sum float64
	for i := range kernel {
		d := float64(i - half)
		kernel[i] = math.Exp(-d * d / (2 * radius * radius))
		sum += kernel[i]
	}
	for i := range kernel {
		kernel[i] /= sum
	}
	return kernel
}

func clamp8(v float64) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(math.Round(v))
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
