package transformer

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/flickcap/flickcap/utils"
)

func TestDecoderOutputsDistributions(t *testing.T) {
	rng := rand.New(rand.NewSource(30))
	const seqLen, vocab, d, ff, heads = 8, 16, 12, 24, 2
	dec := NewDecoderBlock(seqLen, vocab, d, ff, heads, rng)
	encOut := mat.NewDense(d, 4, utils.RandomArray(rng, d*4, float64(d)))

	ids := []int{2, 5, 9, 0, 0}
	probs := dec.Decode(ids, encOut, false, Valid(ids))

	r, c := probs.Dims()
	require.Equal(t, vocab, r)
	require.Equal(t, len(ids), c)
	for j := 0; j < c; j++ {
		sum := 0.0
		for i := 0; i < r; i++ {
			p := probs.At(i, j)
			require.GreaterOrEqual(t, p, 0.0)
			sum += p
		}
		require.InDelta(t, 1.0, sum, 1e-9)
	}
	require.True(t, mat.Equal(probs, dec.Probs()))
}

// Perturbing a token must leave the distributions at earlier positions
// untouched: the self-attention mask is causal whether or not a validity
// mask is supplied.
func TestDecoderCausality(t *testing.T) {
	rng := rand.New(rand.NewSource(31))
	const seqLen, vocab, d, ff, heads = 8, 16, 12, 24, 2
	dec := NewDecoderBlock(seqLen, vocab, d, ff, heads, rng)
	encOut := mat.NewDense(d, 4, utils.RandomArray(rng, d*4, float64(d)))

	for _, valid := range [][]bool{nil, {true, true, true, true, true}} {
		ids := []int{2, 5, 9, 3, 7}
		p1 := mat.DenseCopyOf(dec.Decode(ids, encOut, false, valid))

		ids[4] = 11
		p2 := dec.Decode(ids, encOut, false, valid)

		for j := 0; j < 4; j++ {
			for i := 0; i < vocab; i++ {
				require.InDelta(t, p1.At(i, j), p2.At(i, j), 1e-12,
					"position %d changed after editing a later token", j)
			}
		}
	}
}

// An all-true validity mask must decode identically to no mask at all.
func TestDecoderAllValidMatchesNilMask(t *testing.T) {
	rng := rand.New(rand.NewSource(32))
	const seqLen, vocab, d, ff, heads = 8, 16, 12, 24, 2
	dec := NewDecoderBlock(seqLen, vocab, d, ff, heads, rng)
	encOut := mat.NewDense(d, 4, utils.RandomArray(rng, d*4, float64(d)))

	ids := []int{2, 5, 9, 3}
	p1 := mat.DenseCopyOf(dec.Decode(ids, encOut, false, nil))
	p2 := dec.Decode(ids, encOut, false, []bool{true, true, true, true})

	require.True(t, mat.EqualApprox(p1, p2, 1e-12))
}

func TestDecoderBackwardUpdatesWeights(t *testing.T) {
	rng := rand.New(rand.NewSource(33))
	const seqLen, vocab, d, ff, heads = 8, 16, 12, 24, 2
	dec := NewDecoderBlock(seqLen, vocab, d, ff, heads, rng)
	dec.SetLearningRate(1e-3)
	encOut := mat.NewDense(d, 4, utils.RandomArray(rng, d*4, float64(d)))

	ids := []int{2, 5, 9}
	dec.Decode(ids, encOut, true, Valid(ids))

	outWBefore := mat.DenseCopyOf(dec.OutW)
	ffn1Before := mat.DenseCopyOf(dec.Ffn1W)
	tokBefore := mat.DenseCopyOf(dec.Embedding.Tok)

	dLogits := mat.NewDense(vocab, len(ids), utils.RandomArray(rng, vocab*len(ids), 1))
	dEnc := dec.BackwardFromLogits(dLogits)

	r, c := dEnc.Dims()
	require.Equal(t, d, r)
	require.Equal(t, 4, c)
	require.False(t, mat.Equal(outWBefore, dec.OutW))
	require.False(t, mat.Equal(ffn1Before, dec.Ffn1W))
	require.False(t, mat.Equal(tokBefore, dec.Embedding.Tok))
}

func TestEncoderShapesAndBackward(t *testing.T) {
	rng := rand.New(rand.NewSource(34))
	const featureDim, d, P = 20, 12, 9
	enc := NewEncoderBlock(featureDim, d, 1, rng)
	enc.SetLearningRate(1e-3)

	features := mat.NewDense(featureDim, P, utils.RandomArray(rng, featureDim*P, float64(featureDim)))
	out := enc.Encode(features)
	r, c := out.Dims()
	require.Equal(t, d, r)
	require.Equal(t, P, c)

	denseBefore := mat.DenseCopyOf(enc.Dense)
	dOut := mat.NewDense(d, P, utils.RandomArray(rng, d*P, 1))
	dFeatures := enc.Backward(dOut)
	fr, fc := dFeatures.Dims()
	require.Equal(t, featureDim, fr)
	require.Equal(t, P, fc)
	require.False(t, mat.Equal(denseBefore, enc.Dense))
}

func TestLayerInterfaceDispatch(t *testing.T) {
	rng := rand.New(rand.NewSource(35))
	const seqLen, vocab, d, ff = 8, 16, 12, 24
	dec := NewDecoderBlock(seqLen, vocab, d, ff, 2, rng)
	encOut := mat.NewDense(d, 4, utils.RandomArray(rng, d*4, float64(d)))

	var layer Layer = dec
	ids := []int{2, 5}
	got := layer.Forward(Inputs{Tokens: ids, Context: encOut, Valid: Valid(ids)})
	want := dec.Decode(ids, encOut, false, Valid(ids))
	require.True(t, mat.EqualApprox(got, want, 1e-12))
}
