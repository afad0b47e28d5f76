package optimizations

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func TestLRSchedule(t *testing.T) {
	const peak = 1e-4

	require.Equal(t, 0.0, LRSchedule(0, 100, peak))
	require.InDelta(t, peak/2, LRSchedule(50, 100, peak), 1e-12)
	require.InDelta(t, peak, LRSchedule(100, 100, peak), 1e-12)
	require.InDelta(t, peak, LRSchedule(2000, 100, peak), 1e-12)

	// no warmup configured: constant from the first step
	require.InDelta(t, peak, LRSchedule(0, 0, peak), 1e-12)
	require.InDelta(t, peak, LRSchedule(7, -3, peak), 1e-12)
}

func TestAdamUpdateMovesAgainstGradient(t *testing.T) {
	p := mat.NewDense(2, 2, []float64{1, -1, 0.5, 2})
	g := mat.NewDense(2, 2, []float64{1, -1, 1, -1})
	m := ZerosLike(p)
	v := ZerosLike(p)

	before := mat.DenseCopyOf(p)
	AdamUpdateInPlace(p, g, m, v, 1, 1e-2, 0.9, 0.999, 1e-7)

	for i := 0; i < 2; i++ {
		for j := 0; j < 2; j++ {
			if g.At(i, j) > 0 {
				require.Less(t, p.At(i, j), before.At(i, j))
			} else {
				require.Greater(t, p.At(i, j), before.At(i, j))
			}
		}
	}
}

func TestAdamUpdateShapePanics(t *testing.T) {
	p := mat.NewDense(2, 2, nil)
	g := mat.NewDense(2, 3, nil)
	m := ZerosLike(p)
	v := ZerosLike(p)
	require.Panics(t, func() {
		AdamUpdateInPlace(p, g, m, v, 1, 1e-3, 0.9, 0.999, 1e-7)
	})
}

func TestAdamConvergesOnQuadratic(t *testing.T) {
	// minimize 0.5*x^2; gradient is x itself
	x := mat.NewDense(1, 1, []float64{5})
	m := ZerosLike(x)
	v := ZerosLike(x)
	for step := 1; step <= 2000; step++ {
		g := mat.DenseCopyOf(x)
		AdamUpdateInPlace(x, g, m, v, step, 1e-2, 0.9, 0.999, 1e-7)
	}
	require.InDelta(t, 0.0, x.At(0, 0), 1e-2)
}
