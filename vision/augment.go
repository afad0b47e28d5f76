package vision

import (
	"image"
	"math"
	"math/rand"

	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// Augmenter applies the train-time image augmentation pipeline: random
// horizontal flip, random rotation up to ±MaxRotation radians, and random
// contrast jitter of ±ContrastJitter around each channel's mean.
type Augmenter struct {
	MaxRotation    float64
	ContrastJitter float64
	Rng            *rand.Rand
}

func NewAugmenter(rng *rand.Rand) *Augmenter {
	return &Augmenter{MaxRotation: 0.2, ContrastJitter: 0.3, Rng: rng}
}

func (a *Augmenter) Apply(img *image.RGBA) *image.RGBA {
	out := img
	if a.Rng.Float64() < 0.5 {
		out = flipHorizontal(out)
	}
	if theta := (a.Rng.Float64()*2 - 1) * a.MaxRotation; theta != 0 {
		out = rotate(out, theta)
	}
	if a.ContrastJitter > 0 {
		factor := 1 + (a.Rng.Float64()*2-1)*a.ContrastJitter
		out = adjustContrast(out, factor)
	}
	return out
}

func flipHorizontal(img *image.RGBA) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(b)
	m := f64.Aff3{
		-1, 0, float64(b.Max.X + b.Min.X),
		0, 1, 0,
	}
	draw.BiLinear.Transform(dst, m, img, b, draw.Src, nil)
	return dst
}

func rotate(img *image.RGBA, theta float64) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(b)
	cx := float64(b.Min.X+b.Max.X) / 2
	cy := float64(b.Min.Y+b.Max.Y) / 2
	sin, cos := math.Sincos(theta)
	// rotate about the image center
	m := f64.Aff3{
		cos, -sin, cx - cos*cx + sin*cy,
		sin, cos, cy - sin*cx - cos*cy,
	}
	draw.BiLinear.Transform(dst, m, img, b, draw.Src, nil)
	return dst
}

func adjustContrast(img *image.RGBA, factor float64) *image.RGBA {
	b := img.Bounds()
	dst := image.NewRGBA(b)
	var mean [3]float64
	n := float64(b.Dx() * b.Dy())
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			i := img.PixOffset(x, y)
			mean[0] += float64(img.Pix[i])
			mean[1] += float64(img.Pix[i+1])
			mean[2] += float64(img.Pix[i+2])
		}
	}
	for c := range mean {
		mean[c] /= n
	}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			i := img.PixOffset(x, y)
			for c := 0; c < 3; c++ {
				v := mean[c] + (float64(img.Pix[i+c])-mean[c])*factor
				dst.Pix[i+c] = clampByte(v)
			}
			dst.Pix[i+3] = img.Pix[i+3]
		}
	}
	return dst
}

func clampByte(v float64) uint8 {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return uint8(v + 0.5)
}
