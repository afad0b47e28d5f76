package transformer

import (
	"math/rand"

	"github.com/flickcap/flickcap/optimizations"
	"github.com/flickcap/flickcap/params"
	"github.com/flickcap/flickcap/utils"
	"gonum.org/v1/gonum/mat"
)

// EncoderBlock contextualizes the frozen feature grid: layer-normalize the
// raw channels, project them to DModel with a ReLU dense layer, self-attend
// with no mask (image positions have no order or padding), then
// layer-normalize the residual sum of projection and attention output.
type EncoderBlock struct {
	FeatureDim int
	DModel     int

	Ln1   *optimizations.LayerNorm // over FeatureDim channels
	Dense *mat.Dense               // (DModel x FeatureDim)
	Bias  *mat.Dense               // (DModel x 1)
	Attn  *Attention
	Ln2   *optimizations.LayerNorm // over DModel

	LearningRate float64

	// Adam state for the dense projection
	T              int
	MDense, VDense *mat.Dense
	MBias, VBias   *mat.Dense

	// cache for backprop
	lastNorm *mat.Dense // Ln1 output
	preAct   *mat.Dense // dense pre-activation
	proj     *mat.Dense // post-ReLU projection
}

func NewEncoderBlock(featureDim, dModel, nHeads int, rng *rand.Rand) *EncoderBlock {
	dense := mat.NewDense(dModel, featureDim, utils.RandomArray(rng, dModel*featureDim, float64(featureDim)))
	bias := mat.NewDense(dModel, 1, nil)
	return &EncoderBlock{
		FeatureDim: featureDim,
		DModel:     dModel,
		Ln1:        optimizations.NewLayerNorm(featureDim, 1e-5),
		Dense:      dense,
		Bias:       bias,
		Attn:       NewAttention(dModel, dModel, nHeads, rng),
		Ln2:        optimizations.NewLayerNorm(dModel, 1e-5),
		MDense:     optimizations.ZerosLike(dense),
		VDense:     optimizations.ZerosLike(dense),
		MBias:      optimizations.ZerosLike(bias),
		VBias:      optimizations.ZerosLike(bias),
	}
}

func (enc *EncoderBlock) SetLearningRate(lr float64) {
	enc.LearningRate = lr
	enc.Ln1.SetLearningRate(lr)
	enc.Ln2.SetLearningRate(lr)
	enc.Attn.SetLearningRate(lr)
}

// Encode maps a (FeatureDim x P) grid to contextualized (DModel x P) output.
func (enc *EncoderBlock) Encode(features *mat.Dense) *mat.Dense {
	normed := enc.Ln1.Forward(features)
	pre := utils.AddBias(utils.ToDense(utils.Dot(enc.Dense, normed)), enc.Bias)
	proj := utils.ToDense(utils.Apply(utils.ReluApply, pre))
	enc.lastNorm = normed
	enc.preAct = pre
	enc.proj = proj

	attnOut := enc.Attn.Forward(proj, proj, nil)
	return enc.Ln2.Forward(utils.ToDense(utils.Add(proj, attnOut)))
}

func (enc *EncoderBlock) Forward(in Inputs) *mat.Dense {
	return enc.Encode(in.X)
}

// Backward applies Adam to every parameter and returns the gradient with
// respect to the raw feature grid. The extractor is frozen, so callers
// normally discard it.
func (enc *EncoderBlock) Backward(dOut *mat.Dense) *mat.Dense {
	// out = Ln2(proj + attn(proj))
	dSum := enc.Ln2.Backward(dOut)
	dQ, dKV := enc.Attn.Backward(dSum)
	dProj := utils.ToDense(utils.Add(dSum, utils.Add(dQ, dKV)))

	dPre := utils.ToDense(utils.Multiply(dProj, utils.ReluPrime(enc.preAct)))
	dDense := utils.ToDense(utils.Dot(dPre, enc.lastNorm.T()))
	dBias := utils.RowSumsInto(dPre)
	dNorm := utils.ToDense(utils.Dot(enc.Dense.T(), dPre))

	enc.T++
	cfg := &params.Config
	optimizations.AdamUpdateInPlace(enc.Dense, dDense, enc.MDense, enc.VDense, enc.T,
		enc.LearningRate, cfg.AdamBeta1, cfg.AdamBeta2, cfg.AdamEps)
	optimizations.AdamUpdateInPlace(enc.Bias, dBias, enc.MBias, enc.VBias, enc.T,
		enc.LearningRate, cfg.AdamBeta1, cfg.AdamBeta2, cfg.AdamEps)

	return enc.Ln1.Backward(dNorm)
}
