package optimizations

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// AdamUpdateInPlace applies one Adam step with bias correction:
// p -= lr * mhat / (sqrt(vhat)+eps). Moment buffers m, v are updated
// in place; t is the per-parameter step count starting at 1.
func AdamUpdateInPlace(
	p, g, m, v *mat.Dense,
	t int,
	lr, beta1, beta2, eps float64,
) {
	pr, pc := p.Dims()
	if gr, gc := g.Dims(); gr != pr || gc != pc {
		panic("AdamUpdateInPlace: grad shape mismatch")
	}
	if mr, mc := m.Dims(); mr != pr || mc != pc {
		panic("AdamUpdateInPlace: m shape mismatch")
	}
	if vr, vc := v.Dims(); vr != pr || vc != pc {
		panic("AdamUpdateInPlace: v shape mismatch")
	}
	b1t := math.Pow(beta1, float64(t))
	b2t := math.Pow(beta2, float64(t))
	c1 := 1.0 / (1.0 - b1t)
	c2 := 1.0 / (1.0 - b2t)
	for i := 0; i < pr; i++ {
		for j := 0; j < pc; j++ {
			gij := g.At(i, j)
			mij := beta1*m.At(i, j) + (1.0-beta1)*gij
			vij := beta2*v.At(i, j) + (1.0-beta2)*gij*gij
			mhat := mij * c1
			vhat := vij * c2
			p.Set(i, j, p.At(i, j)-lr*mhat/(math.Sqrt(vhat)+eps))
			m.Set(i, j, mij)
			v.Set(i, j, vij)
		}
	}
}

// LRSchedule is the warmup-then-constant learning rate: linear from 0 to
// peak over warmupSteps, constant at peak afterwards. warmupSteps <= 0
// means the schedule is already past warmup.
func LRSchedule(step, warmupSteps int, peak float64) float64 {
	if warmupSteps <= 0 {
		return peak
	}
	if step < warmupSteps {
		if step <= 0 {
			return 0
		}
		return peak * float64(step) / float64(warmupSteps)
	}
	return peak
}

// ZerosLike returns a zero matrix with a's shape, for moment buffers.
func ZerosLike(a *mat.Dense) *mat.Dense {
	r, c := a.Dims()
	return mat.NewDense(r, c, nil)
}
