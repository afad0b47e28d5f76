package transformer

import (
	"math/rand"

	"github.com/flickcap/flickcap/optimizations"
	"github.com/flickcap/flickcap/params"
	"github.com/flickcap/flickcap/utils"
	"gonum.org/v1/gonum/mat"
)

// DecoderBlock turns a shifted caption prefix plus encoder output into a
// per-position distribution over the vocabulary.
//
// Masking: causal masking is ALWAYS applied in self-attention. When a
// validity mask is supplied it is additionally combined over the keys, and
// cross-attention masks out padded query rows; encoder keys are image
// positions and never padded. When no validity mask is supplied only the
// causal constraint holds.
type DecoderBlock struct {
	DModel    int
	FFDim     int
	VocabSize int

	Embedding *PositionalEmbedding
	SelfAttn  *Attention
	CrossAttn *Attention

	Ln1 *optimizations.LayerNorm
	Ln2 *optimizations.LayerNorm
	Ln3 *optimizations.LayerNorm

	Ffn1W *mat.Dense // (FFDim x DModel)
	Ffn1B *mat.Dense // (FFDim x 1)
	Ffn2W *mat.Dense // (DModel x FFDim)
	Ffn2B *mat.Dense // (DModel x 1)

	OutW *mat.Dense // (VocabSize x DModel)
	OutB *mat.Dense // (VocabSize x 1)

	Drop1 *optimizations.Dropout
	Drop2 *optimizations.Dropout

	LearningRate float64

	// Adam state for the dense layers
	T              int
	MFfn1W, VFfn1W *mat.Dense
	MFfn1B, VFfn1B *mat.Dense
	MFfn2W, VFfn2W *mat.Dense
	MFfn2B, VFfn2B *mat.Dense
	MOutW, VOutW   *mat.Dense
	MOutB, VOutB   *mat.Dense

	// cache for backprop
	encOut  *mat.Dense
	out1    *mat.Dense
	out2    *mat.Dense
	ffnPre  *mat.Dense
	ffnDrop *mat.Dense
	dropped *mat.Dense
	probs   *mat.Dense
}

func NewDecoderBlock(seqLen, vocabSize, dModel, ffDim, nHeads int, rng *rand.Rand) *DecoderBlock {
	cfg := &params.Config
	ffn1W := mat.NewDense(ffDim, dModel, utils.RandomArray(rng, ffDim*dModel, float64(dModel)))
	ffn2W := mat.NewDense(dModel, ffDim, utils.RandomArray(rng, dModel*ffDim, float64(ffDim)))
	outW := mat.NewDense(vocabSize, dModel, utils.RandomArray(rng, vocabSize*dModel, float64(dModel)))
	dec := &DecoderBlock{
		DModel:    dModel,
		FFDim:     ffDim,
		VocabSize: vocabSize,
		Embedding: NewPositionalEmbedding(seqLen, vocabSize, dModel, rng),
		SelfAttn:  NewAttention(dModel, dModel, nHeads, rng),
		CrossAttn: NewAttention(dModel, dModel, nHeads, rng),
		Ln1:       optimizations.NewLayerNorm(dModel, 1e-5),
		Ln2:       optimizations.NewLayerNorm(dModel, 1e-5),
		Ln3:       optimizations.NewLayerNorm(dModel, 1e-5),
		Ffn1W:     ffn1W,
		Ffn1B:     mat.NewDense(ffDim, 1, nil),
		Ffn2W:     ffn2W,
		Ffn2B:     mat.NewDense(dModel, 1, nil),
		OutW:      outW,
		OutB:      mat.NewDense(vocabSize, 1, nil),
		Drop1:     optimizations.NewDropout(cfg.FFNDropout, rng),
		Drop2:     optimizations.NewDropout(cfg.OutDropout, rng),
	}
	dec.MFfn1W, dec.VFfn1W = optimizations.ZerosLike(ffn1W), optimizations.ZerosLike(ffn1W)
	dec.MFfn1B, dec.VFfn1B = mat.NewDense(ffDim, 1, nil), mat.NewDense(ffDim, 1, nil)
	dec.MFfn2W, dec.VFfn2W = optimizations.ZerosLike(ffn2W), optimizations.ZerosLike(ffn2W)
	dec.MFfn2B, dec.VFfn2B = mat.NewDense(dModel, 1, nil), mat.NewDense(dModel, 1, nil)
	dec.MOutW, dec.VOutW = optimizations.ZerosLike(outW), optimizations.ZerosLike(outW)
	dec.MOutB, dec.VOutB = mat.NewDense(vocabSize, 1, nil), mat.NewDense(vocabSize, 1, nil)
	return dec
}

func (dec *DecoderBlock) SetLearningRate(lr float64) {
	dec.LearningRate = lr
	dec.Embedding.SetLearningRate(lr)
	dec.SelfAttn.SetLearningRate(lr)
	dec.CrossAttn.SetLearningRate(lr)
	dec.Ln1.SetLearningRate(lr)
	dec.Ln2.SetLearningRate(lr)
	dec.Ln3.SetLearningRate(lr)
}

// Decode runs one forward pass over a token prefix of length L, returning
// (VocabSize x L) probability columns. valid marks non-padding positions of
// the aligned target sequence and may be nil.
func (dec *DecoderBlock) Decode(ids []int, encOut *mat.Dense, training bool, valid []bool) *mat.Dense {
	x := dec.Embedding.Embed(ids)
	_, L := x.Dims()
	_, P := encOut.Dims()
	dec.encOut = encOut

	selfMask := utils.CausalMask(L)
	var crossMask *mat.Dense
	if valid != nil {
		selfMask = utils.CombineMasks(selfMask, utils.KeyPaddingMask(valid, L))
		crossMask = utils.QueryPaddingMask(valid, P)
	}

	selfOut := dec.SelfAttn.Forward(x, x, selfMask)
	dec.out1 = dec.Ln1.Forward(utils.ToDense(utils.Add(x, selfOut)))

	crossOut := dec.CrossAttn.Forward(dec.out1, encOut, crossMask)
	dec.out2 = dec.Ln2.Forward(utils.ToDense(utils.Add(dec.out1, crossOut)))

	dec.ffnPre = utils.AddBias(utils.ToDense(utils.Dot(dec.Ffn1W, dec.out2)), dec.Ffn1B)
	act := utils.ToDense(utils.Apply(utils.ReluApply, dec.ffnPre))
	dec.ffnDrop = dec.Drop1.Forward(act, training)
	ffnOut := utils.AddBias(utils.ToDense(utils.Dot(dec.Ffn2W, dec.ffnDrop)), dec.Ffn2B)

	normed := dec.Ln3.Forward(utils.ToDense(utils.Add(ffnOut, dec.out2)))
	dec.dropped = dec.Drop2.Forward(normed, training)

	logits := utils.AddBias(utils.ToDense(utils.Dot(dec.OutW, dec.dropped)), dec.OutB)
	dec.probs = utils.ColSoftmax(logits)
	return dec.probs
}

func (dec *DecoderBlock) Forward(in Inputs) *mat.Dense {
	return dec.Decode(in.Tokens, in.Context, in.Training, in.Valid)
}

// Probs returns the distributions from the last forward pass.
func (dec *DecoderBlock) Probs() *mat.Dense { return dec.probs }

// BackwardFromLogits propagates dLogits (VocabSize x L) through the whole
// block, applying Adam everywhere, and returns the gradient with respect to
// the encoder output so the caller can keep going into the encoder.
func (dec *DecoderBlock) BackwardFromLogits(dLogits *mat.Dense) *mat.Dense {
	cfg := &params.Config
	lr := dec.LearningRate

	// logits = OutW * dropped + OutB
	dOutW := utils.ToDense(utils.Dot(dLogits, dec.dropped.T()))
	dOutB := utils.RowSumsInto(dLogits)
	dDropped := utils.ToDense(utils.Dot(dec.OutW.T(), dLogits))

	dNormed := dec.Drop2.Backward(dDropped)
	dSum3 := dec.Ln3.Backward(dNormed) // wrt ffnOut + out2

	// ffnOut = Ffn2W * drop1(relu(Ffn1W*out2 + b1)) + b2
	dFfn2W := utils.ToDense(utils.Dot(dSum3, dec.ffnDrop.T()))
	dFfn2B := utils.RowSumsInto(dSum3)
	dFfnDrop := utils.ToDense(utils.Dot(dec.Ffn2W.T(), dSum3))
	dAct := dec.Drop1.Backward(dFfnDrop)
	dFfnPre := utils.ToDense(utils.Multiply(dAct, utils.ReluPrime(dec.ffnPre)))
	dFfn1W := utils.ToDense(utils.Dot(dFfnPre, dec.out2.T()))
	dFfn1B := utils.RowSumsInto(dFfnPre)

	dOut2 := utils.ToDense(utils.Add(dSum3, utils.Dot(dec.Ffn1W.T(), dFfnPre)))
	dSum2 := dec.Ln2.Backward(dOut2) // wrt out1 + crossOut

	dQ2, dEnc := dec.CrossAttn.Backward(dSum2)
	dOut1 := utils.ToDense(utils.Add(dSum2, dQ2))
	dSum1 := dec.Ln1.Backward(dOut1) // wrt x + selfOut

	dQ1, dKV1 := dec.SelfAttn.Backward(dSum1)
	dX := utils.ToDense(utils.Add(dSum1, utils.Add(dQ1, dKV1)))
	dec.Embedding.Backward(dX)

	dec.T++
	optimizations.AdamUpdateInPlace(dec.OutW, dOutW, dec.MOutW, dec.VOutW, dec.T,
		lr, cfg.AdamBeta1, cfg.AdamBeta2, cfg.AdamEps)
	optimizations.AdamUpdateInPlace(dec.OutB, dOutB, dec.MOutB, dec.VOutB, dec.T,
		lr, cfg.AdamBeta1, cfg.AdamBeta2, cfg.AdamEps)
	optimizations.AdamUpdateInPlace(dec.Ffn2W, dFfn2W, dec.MFfn2W, dec.VFfn2W, dec.T,
		lr, cfg.AdamBeta1, cfg.AdamBeta2, cfg.AdamEps)
	optimizations.AdamUpdateInPlace(dec.Ffn2B, dFfn2B, dec.MFfn2B, dec.VFfn2B, dec.T,
		lr, cfg.AdamBeta1, cfg.AdamBeta2, cfg.AdamEps)
	optimizations.AdamUpdateInPlace(dec.Ffn1W, dFfn1W, dec.MFfn1W, dec.VFfn1W, dec.T,
		lr, cfg.AdamBeta1, cfg.AdamBeta2, cfg.AdamEps)
	optimizations.AdamUpdateInPlace(dec.Ffn1B, dFfn1B, dec.MFfn1B, dec.VFfn1B, dec.T,
		lr, cfg.AdamBeta1, cfg.AdamBeta2, cfg.AdamEps)

	return dEnc
}
