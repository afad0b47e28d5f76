package transformer

import (
	"math"
	"math/rand"

	"github.com/flickcap/flickcap/optimizations"
	"github.com/flickcap/flickcap/params"
	"github.com/flickcap/flickcap/utils"
	"gonum.org/v1/gonum/mat"
)

// Attention is multi-head scaled dot-product attention over column-major
// sequences. Queries come from Xq (d x Tq), keys and values from Xkv
// (d x Tk); self-attention passes the same matrix for both. Each head keeps
// the full HeadDim width rather than splitting DModel across heads, so the
// output projection maps (H*HeadDim) back to DModel.
type Attention struct {
	H       int
	DModel  int
	HeadDim int

	Wquery  []*mat.Dense // per head (HeadDim x DModel)
	Wkey    []*mat.Dense
	Wvalue  []*mat.Dense
	Woutput *mat.Dense // (DModel x H*HeadDim)

	LearningRate float64

	// Adam state
	T        int
	MWq, VWq []*mat.Dense
	MWk, VWk []*mat.Dense
	MWv, VWv []*mat.Dense
	MWo, VWo *mat.Dense

	// cache for backprop
	Xq, Xkv *mat.Dense
	Q, K, V []*mat.Dense
	A       []*mat.Dense // post-softmax scores (Tq x Tk)
	Ocat    *mat.Dense
}

func NewAttention(dModel, headDim, nHeads int, rng *rand.Rand) *Attention {
	attn := &Attention{
		H:       nHeads,
		DModel:  dModel,
		HeadDim: headDim,
		Wquery:  make([]*mat.Dense, nHeads),
		Wkey:    make([]*mat.Dense, nHeads),
		Wvalue:  make([]*mat.Dense, nHeads),
		MWq:     make([]*mat.Dense, nHeads),
		VWq:     make([]*mat.Dense, nHeads),
		MWk:     make([]*mat.Dense, nHeads),
		VWk:     make([]*mat.Dense, nHeads),
		MWv:     make([]*mat.Dense, nHeads),
		VWv:     make([]*mat.Dense, nHeads),
		Q:       make([]*mat.Dense, nHeads),
		K:       make([]*mat.Dense, nHeads),
		V:       make([]*mat.Dense, nHeads),
		A:       make([]*mat.Dense, nHeads),
	}
	for h := 0; h < nHeads; h++ {
		attn.Wquery[h] = mat.NewDense(headDim, dModel, utils.RandomArray(rng, headDim*dModel, float64(dModel)))
		attn.Wkey[h] = mat.NewDense(headDim, dModel, utils.RandomArray(rng, headDim*dModel, float64(dModel)))
		attn.Wvalue[h] = mat.NewDense(headDim, dModel, utils.RandomArray(rng, headDim*dModel, float64(dModel)))
		attn.MWq[h] = mat.NewDense(headDim, dModel, nil)
		attn.VWq[h] = mat.NewDense(headDim, dModel, nil)
		attn.MWk[h] = mat.NewDense(headDim, dModel, nil)
		attn.VWk[h] = mat.NewDense(headDim, dModel, nil)
		attn.MWv[h] = mat.NewDense(headDim, dModel, nil)
		attn.VWv[h] = mat.NewDense(headDim, dModel, nil)
	}
	attn.Woutput = mat.NewDense(dModel, nHeads*headDim, utils.RandomArray(rng, dModel*nHeads*headDim, float64(nHeads*headDim)))
	attn.MWo = mat.NewDense(dModel, nHeads*headDim, nil)
	attn.VWo = mat.NewDense(dModel, nHeads*headDim, nil)
	return attn
}

func (attn *Attention) SetLearningRate(lr float64) { attn.LearningRate = lr }

// Forward computes attention(Xq -> Xkv). mask is additive (Tq x Tk) or nil.
func (attn *Attention) Forward(Xq, Xkv, mask *mat.Dense) *mat.Dense {
	attn.Xq, attn.Xkv = Xq, Xkv
	_, Tq := Xq.Dims()
	_, Tk := Xkv.Dims()
	rescale := 1.0 / math.Sqrt(float64(attn.HeadDim))

	headsCat := mat.NewDense(attn.H*attn.HeadDim, Tq, nil)
	for h := 0; h < attn.H; h++ {
		q := mat.NewDense(attn.HeadDim, Tq, nil)
		k := mat.NewDense(attn.HeadDim, Tk, nil)
		v := mat.NewDense(attn.HeadDim, Tk, nil)
		q.Mul(attn.Wquery[h], Xq)
		k.Mul(attn.Wkey[h], Xkv)
		v.Mul(attn.Wvalue[h], Xkv)
		attn.Q[h], attn.K[h], attn.V[h] = q, k, v

		// S = (Q^T K)/sqrt(HeadDim), then masked row softmax
		s := mat.NewDense(Tq, Tk, nil)
		s.Mul(q.T(), k)
		s.Scale(rescale, s)
		attn.A[h] = utils.RowSoftmaxMasked(s, mask)

		// O = V * A^T
		o := mat.NewDense(attn.HeadDim, Tq, nil)
		o.Mul(v, attn.A[h].T())
		base := h * attn.HeadDim
		dst := headsCat.Slice(base, base+attn.HeadDim, 0, Tq).(*mat.Dense)
		dst.Copy(o)
	}
	attn.Ocat = headsCat

	y := mat.NewDense(attn.DModel, Tq, nil)
	y.Mul(attn.Woutput, headsCat)
	return y
}

// Backward computes grads, applies Adam, and returns input gradients for
// the query sequence and the key/value sequence. Self-attention callers
// add the two.
func (attn *Attention) Backward(dY *mat.Dense) (dXq, dXkv *mat.Dense) {
	dXq, dXkv, dWq, dWk, dWv, dWo := attn.BackwardGradsOnly(dY)

	attn.T++
	lr := attn.LearningRate
	cfg := &params.Config
	for h := 0; h < attn.H; h++ {
		optimizations.AdamUpdateInPlace(attn.Wquery[h], dWq[h], attn.MWq[h], attn.VWq[h], attn.T,
			lr, cfg.AdamBeta1, cfg.AdamBeta2, cfg.AdamEps)
		optimizations.AdamUpdateInPlace(attn.Wkey[h], dWk[h], attn.MWk[h], attn.VWk[h], attn.T,
			lr, cfg.AdamBeta1, cfg.AdamBeta2, cfg.AdamEps)
		optimizations.AdamUpdateInPlace(attn.Wvalue[h], dWv[h], attn.MWv[h], attn.VWv[h], attn.T,
			lr, cfg.AdamBeta1, cfg.AdamBeta2, cfg.AdamEps)
	}
	optimizations.AdamUpdateInPlace(attn.Woutput, dWo, attn.MWo, attn.VWo, attn.T,
		lr, cfg.AdamBeta1, cfg.AdamBeta2, cfg.AdamEps)

	return dXq, dXkv
}

func (attn *Attention) BackwardGradsOnly(dY *mat.Dense) (
	dXq, dXkv *mat.Dense,
	dWq, dWk, dWv []*mat.Dense,
	dWo *mat.Dense,
) {
	_, Tq := attn.Xq.Dims()
	_, Tk := attn.Xkv.Dims()
	rescale := 1.0 / math.Sqrt(float64(attn.HeadDim))

	dWq = make([]*mat.Dense, attn.H)
	dWk = make([]*mat.Dense, attn.H)
	dWv = make([]*mat.Dense, attn.H)

	// Y = Woutput * Ocat
	dWo = utils.ToDense(utils.Dot(dY, attn.Ocat.T()))
	dOcat := utils.ToDense(utils.Dot(attn.Woutput.T(), dY))

	dXq = mat.NewDense(attn.DModel, Tq, nil)
	dXkv = mat.NewDense(attn.DModel, Tk, nil)

	for h := 0; h < attn.H; h++ {
		base := h * attn.HeadDim
		dO := dOcat.Slice(base, base+attn.HeadDim, 0, Tq).(*mat.Dense)

		// O = V * A^T
		dV := utils.ToDense(utils.Dot(dO, attn.A[h]))       // (HeadDim x Tk)
		dA := utils.ToDense(utils.Dot(dO.T(), attn.V[h]))   // (Tq x Tk)

		// A = softmax_row(S + mask); the additive mask is constant
		dS := utils.SoftmaxBackward(dA, attn.A[h])

		// S = Q^T K / sqrt(HeadDim)
		dQ := utils.ToDense(utils.Scale(rescale, utils.Dot(attn.K[h], dS.T())))
		dK := utils.ToDense(utils.Scale(rescale, utils.Dot(attn.Q[h], dS)))

		dWq[h] = utils.ToDense(utils.Dot(dQ, attn.Xq.T()))
		dWk[h] = utils.ToDense(utils.Dot(dK, attn.Xkv.T()))
		dWv[h] = utils.ToDense(utils.Dot(dV, attn.Xkv.T()))

		dXq.Add(dXq, utils.ToDense(utils.Dot(attn.Wquery[h].T(), dQ)))
		dXkv.Add(dXkv, utils.ToDense(utils.Dot(attn.Wkey[h].T(), dK)))
		dXkv.Add(dXkv, utils.ToDense(utils.Dot(attn.Wvalue[h].T(), dV)))
	}
	return dXq, dXkv, dWq, dWk, dWv, dWo
}
