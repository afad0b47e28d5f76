package vision

import (
	"image"
	"math/rand"

	"github.com/flickcap/flickcap/utils"
	"gonum.org/v1/gonum/mat"
)

// poolEdge is the per-cell pooling resolution; each grid cell is averaged
// down to poolEdge x poolEdge RGB values before projection.
const poolEdge = 8

// PatchExtractor is the frozen feature extractor: it divides the image into
// a GridSize x GridSize grid, average-pools each cell, and projects the
// pooled pixels through a fixed random matrix with a ReLU. The projection
// is seeded once and never updated, standing in for a pretrained frozen
// convolutional backbone. Output is a (FeatureDim x positions) grid.
type PatchExtractor struct {
	GridSize   int
	FeatureDim int

	proj *mat.Dense // (FeatureDim x poolEdge*poolEdge*3)
}

func NewPatchExtractor(featureDim, gridSize int, seed int64) *PatchExtractor {
	rng := rand.New(rand.NewSource(seed))
	in := poolEdge * poolEdge * 3
	return &PatchExtractor{
		GridSize:   gridSize,
		FeatureDim: featureDim,
		proj:       mat.NewDense(featureDim, in, utils.RandomArray(rng, featureDim*in, float64(in))),
	}
}

// Features maps an image to its (FeatureDim x GridSize*GridSize) grid.
func (pe *PatchExtractor) Features(img *image.RGBA) *mat.Dense {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	positions := pe.GridSize * pe.GridSize
	out := mat.NewDense(pe.FeatureDim, positions, nil)

	vec := mat.NewDense(poolEdge*poolEdge*3, 1, nil)
	col := mat.NewDense(pe.FeatureDim, 1, nil)
	for gy := 0; gy < pe.GridSize; gy++ {
		for gx := 0; gx < pe.GridSize; gx++ {
			cell := image.Rect(
				b.Min.X+gx*w/pe.GridSize,
				b.Min.Y+gy*h/pe.GridSize,
				b.Min.X+(gx+1)*w/pe.GridSize,
				b.Min.Y+(gy+1)*h/pe.GridSize,
			)
			pe.poolCell(img, cell, vec)
			col.Mul(pe.proj, vec)

			p := gy*pe.GridSize + gx
			for i := 0; i < pe.FeatureDim; i++ {
				if v := col.At(i, 0); v > 0 {
					out.Set(i, p, v)
				}
			}
		}
	}
	return out
}

// poolCell averages the cell's pixels into a poolEdge x poolEdge RGB
// summary, scaled to [0,1], written into vec column-major by bin.
func (pe *PatchExtractor) poolCell(img *image.RGBA, cell image.Rectangle, vec *mat.Dense) {
	cw, ch := cell.Dx(), cell.Dy()
	for by := 0; by < poolEdge; by++ {
		for bx := 0; bx < poolEdge; bx++ {
			x0 := cell.Min.X + bx*cw/poolEdge
			x1 := cell.Min.X + (bx+1)*cw/poolEdge
			y0 := cell.Min.Y + by*ch/poolEdge
			y1 := cell.Min.Y + (by+1)*ch/poolEdge
			if x1 <= x0 {
				x1 = x0 + 1
			}
			if y1 <= y0 {
				y1 = y0 + 1
			}
			var sum [3]float64
			for y := y0; y < y1; y++ {
				for x := x0; x < x1; x++ {
					i := img.PixOffset(x, y)
					sum[0] += float64(img.Pix[i])
					sum[1] += float64(img.Pix[i+1])
					sum[2] += float64(img.Pix[i+2])
				}
			}
			n := float64((x1 - x0) * (y1 - y0) * 255)
			base := (by*poolEdge + bx) * 3
			for c := 0; c < 3; c++ {
				vec.Set(base+c, 0, sum[c]/n)
			}
		}
	}
}
