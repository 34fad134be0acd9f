package imaging

import (
	"image"

	"gonum.org/v1/gonum/stat"
)

// Stats summarizes the tonal state of an image. Brightness is the mean
// grayscale value in [0, 255]. Contrast is the channel standard deviation
// averaged over R, G, and B.
type Stats struct {
	Brightness float64
	Contrast   float64
}

// Measure computes brightness and contrast statistics for img.
func Measure(img image.Image) Stats {
	src := ToRGBA(img)
	n := src.Bounds().Dx() * src.Bounds().Dy()
	if n == 0 {
		return Stats{}
	}

	lum := make([]float64, 0, n)
	channels := [3][]float64{
		make([]float64, 0, n),
		make([]float64, 0, n),
		make([]float64, 0, n),
	}
	for i := 0; i < len(src.Pix); i += 4 {
		r := float64(src.Pix[i])
		g := float64(src.Pix[i+1])
		b := float64(src.Pix[i+2])
		lum = append(lum, 0.299*r+0.587*g+0.114*b)
		channels[0] = append(channels[0], r)
		channels[1] = append(channels[1], g)
		channels[2] = append(channels[2], b)
	}

	var contrast float64
	for _, ch := range channels {
		contrast += stat.StdDev(ch, nil)
	}
	return Stats{
		Brightness: stat.Mean(lum, nil),
		Contrast:   contrast / 3,
	}
}
