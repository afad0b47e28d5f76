package optimizations

import (
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Dropout zeroes entries with probability Rate at train time, scaling the
// survivors by 1/(1-Rate) so eval needs no rescaling (inverted dropout).
type Dropout struct {
	Rate float64
	Rng  *rand.Rand

	mask *mat.Dense // nil when the last forward was a pass-through
}

func NewDropout(rate float64, rng *rand.Rand) *Dropout {
	return &Dropout{Rate: rate, Rng: rng}
}

func (dr *Dropout) Forward(X *mat.Dense, training bool) *mat.Dense {
	if !training || dr.Rate <= 0 {
		dr.mask = nil
		return X
	}
	r, c := X.Dims()
	keep := 1.0 - dr.Rate
	scale := 1.0 / keep
	mask := mat.NewDense(r, c, nil)
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if dr.Rng.Float64() < keep {
				mask.Set(i, j, scale)
				out.Set(i, j, X.At(i, j)*scale)
			}
		}
	}
	dr.mask = mask
	return out
}

func (dr *Dropout) Backward(dY *mat.Dense) *mat.Dense {
	if dr.mask == nil {
		return dY
	}
	r, c := dY.Dims()
	out := mat.NewDense(r, c, nil)
	out.MulElem(dY, dr.mask)
	return out
}
