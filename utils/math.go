package utils

import (
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
)

// Matrix helpers shared by every layer. Sequences are column-major:
// a sequence of T vectors of width d is a (d x T) *mat.Dense, one column
// per position. Attention masks are (Tq x Tk) and additive: 0 keeps an
// entry, MaskedOut removes it before the softmax.

// MaskedOut is the additive value for a disallowed attention entry.
const MaskedOut = -1e30

func Dot(m, n mat.Matrix) mat.Matrix {
	r, _ := m.Dims()
	_, c := n.Dims()
	o := mat.NewDense(r, c, nil)
	o.Product(m, n)
	return o
}

func ToDense(m mat.Matrix) *mat.Dense {
	if d, ok := m.(*mat.Dense); ok {
		return d
	}
	return mat.DenseCopyOf(m)
}

func Apply(fn func(i, j int, v float64) float64, m mat.Matrix) mat.Matrix {
	r, c := m.Dims()
	o := mat.NewDense(r, c, nil)
	o.Apply(fn, m)
	return o
}

func Scale(s float64, m mat.Matrix) mat.Matrix {
	r, c := m.Dims()
	o := mat.NewDense(r, c, nil)
	o.Scale(s, m)
	return o
}

func Multiply(m, n mat.Matrix) mat.Matrix {
	r, c := m.Dims()
	o := mat.NewDense(r, c, nil)
	o.MulElem(m, n)
	return o
}

func Add(m, n mat.Matrix) mat.Matrix {
	r, c := m.Dims()
	o := mat.NewDense(r, c, nil)
	o.Add(m, n)
	return o
}

func Subtract(m, n mat.Matrix) mat.Matrix {
	r, c := m.Dims()
	o := mat.NewDense(r, c, nil)
	o.Sub(m, n)
	return o
}

// RandomArray returns size uniform values in [-1/sqrt(v), 1/sqrt(v)].
func RandomArray(rng *rand.Rand, size int, v float64) []float64 {
	lo := -1.0 / math.Sqrt(v+1e-12)
	hi := 1.0 / math.Sqrt(v+1e-12)
	out := make([]float64, size)
	for i := range out {
		out[i] = lo + (hi-lo)*rng.Float64()
	}
	return out
}

func Ones(r, c int) *mat.Dense {
	o := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			o.Set(i, j, 1.0)
		}
	}
	return o
}

// AddBias adds a (r x 1) bias to every column of m.
func AddBias(m, bias *mat.Dense) *mat.Dense {
	r, c := m.Dims()
	rb, cb := bias.Dims()
	if rb != r || cb != 1 {
		panic("AddBias: bias must be (r x 1)")
	}
	out := mat.NewDense(r, c, nil)
	for j := 0; j < c; j++ {
		for i := 0; i < r; i++ {
			out.Set(i, j, m.At(i, j)+bias.At(i, 0))
		}
	}
	return out
}

// RowSumsInto collapses a (r x T) gradient into a (r x 1) bias gradient.
func RowSumsInto(m *mat.Dense) *mat.Dense {
	r, c := m.Dims()
	out := mat.NewDense(r, 1, nil)
	for i := 0; i < r; i++ {
		s := 0.0
		for j := 0; j < c; j++ {
			s += m.At(i, j)
		}
		out.Set(i, 0, s)
	}
	return out
}

// ColArgMax returns the row index of the maximum entry in column j.
func ColArgMax(m *mat.Dense, j int) int {
	r, _ := m.Dims()
	best := 0
	bestV := m.At(0, j)
	for i := 1; i < r; i++ {
		if v := m.At(i, j); v > bestV {
			best, bestV = i, v
		}
	}
	return best
}

// -------- Activations --------

func ReluApply(i, j int, x float64) float64 {
	if x > 0 {
		return x
	}
	return 0
}

// ReluPrime returns the elementwise derivative given the pre-activation.
func ReluPrime(m mat.Matrix) *mat.Dense {
	r, c := m.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if m.At(i, j) > 0 {
				out.Set(i, j, 1.0)
			}
		}
	}
	return out
}

// -------- Attention masks --------

// CausalMask returns a (T x T) additive mask: 0 on and below the diagonal,
// MaskedOut above, so query i attends to key j iff i >= j.
func CausalMask(T int) *mat.Dense {
	out := mat.NewDense(T, T, nil)
	for i := 0; i < T; i++ {
		for j := i + 1; j < T; j++ {
			out.Set(i, j, MaskedOut)
		}
	}
	return out
}

// KeyPaddingMask invalidates key columns whose token is padding.
// valid[j] reports whether key position j carries a real token.
func KeyPaddingMask(valid []bool, Tq int) *mat.Dense {
	Tk := len(valid)
	out := mat.NewDense(Tq, Tk, nil)
	for j, ok := range valid {
		if ok {
			continue
		}
		for i := 0; i < Tq; i++ {
			out.Set(i, j, MaskedOut)
		}
	}
	return out
}

// QueryPaddingMask invalidates query rows whose token is padding. Used by
// cross-attention, where the keys (image positions) are never padded.
func QueryPaddingMask(valid []bool, Tk int) *mat.Dense {
	Tq := len(valid)
	out := mat.NewDense(Tq, Tk, nil)
	for i, ok := range valid {
		if ok {
			continue
		}
		for j := 0; j < Tk; j++ {
			out.Set(i, j, MaskedOut)
		}
	}
	return out
}

// CombineMasks sums additive masks: an entry survives only if every mask
// keeps it. The boolean minimum of 0/1 masks maps to addition here.
func CombineMasks(a, b *mat.Dense) *mat.Dense {
	return ToDense(Add(a, b))
}

// -------- Softmax variants --------

// RowSoftmax applies softmax independently to each row across columns.
func RowSoftmax(m mat.Matrix) *mat.Dense {
	r, c := m.Dims()
	out := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		mx := m.At(i, 0)
		for j := 1; j < c; j++ {
			if v := m.At(i, j); v > mx {
				mx = v
			}
		}
		sum := 0.0
		for j := 0; j < c; j++ {
			e := math.Exp(m.At(i, j) - mx)
			out.Set(i, j, e)
			sum += e
		}
		inv := 1.0 / sum
		for j := 0; j < c; j++ {
			out.Set(i, j, out.At(i, j)*inv)
		}
	}
	return out
}

// RowSoftmaxMasked computes softmax(m+mask) row-wise. mask may be nil.
func RowSoftmaxMasked(m, mask *mat.Dense) *mat.Dense {
	if mask == nil {
		return RowSoftmax(m)
	}
	r, c := m.Dims()
	if mr, mc := mask.Dims(); mr != r || mc != c {
		panic("RowSoftmaxMasked: mask shape mismatch")
	}
	return RowSoftmax(Add(m, mask))
}

// ColSoftmax applies softmax down each column. Used to turn per-position
// vocabulary logits (V x T) into per-position distributions.
func ColSoftmax(m *mat.Dense) *mat.Dense {
	r, c := m.Dims()
	out := mat.NewDense(r, c, nil)
	for j := 0; j < c; j++ {
		mx := m.At(0, j)
		for i := 1; i < r; i++ {
			if v := m.At(i, j); v > mx {
				mx = v
			}
		}
		sum := 0.0
		for i := 0; i < r; i++ {
			e := math.Exp(m.At(i, j) - mx)
			out.Set(i, j, e)
			sum += e
		}
		inv := 1.0 / sum
		for i := 0; i < r; i++ {
			out.Set(i, j, out.At(i, j)*inv)
		}
	}
	return out
}

// SoftmaxBackward maps dL/dA to dL/dS for row-wise softmax A = softmax(S).
// Vector-JVP form: s = sum_k dA[i,k]*A[i,k]; dS[i,j] = A[i,j]*(dA[i,j]-s).
func SoftmaxBackward(dA mat.Matrix, A *mat.Dense) *mat.Dense {
	r, c := A.Dims()
	dS := mat.NewDense(r, c, nil)
	for i := 0; i < r; i++ {
		s := 0.0
		for k := 0; k < c; k++ {
			s += dA.At(i, k) * A.At(i, k)
		}
		for j := 0; j < c; j++ {
			aj := A.At(i, j)
			dS.Set(i, j, aj*(dA.At(i, j)-s))
		}
	}
	return dS
}
