package transformer

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/flickcap/flickcap/optimizations"
	"github.com/flickcap/flickcap/params"
	"github.com/flickcap/flickcap/utils"
	"gonum.org/v1/gonum/mat"
)

// PositionalEmbedding combines token identity and position into one vector
// per sequence slot: out[:,t] = Tok[:,id_t]*sqrt(D) + Pos[:,t]. The sqrt(D)
// scale keeps the token term from being drowned by the positional term at
// small initial norms.
type PositionalEmbedding struct {
	SeqLen    int
	VocabSize int
	DModel    int
	Scale     float64

	Tok *mat.Dense // (D x |V|)
	Pos *mat.Dense // (D x SeqLen)

	LearningRate float64

	// Adam state
	T          int
	MTok, VTok *mat.Dense
	MPos, VPos *mat.Dense

	// cache for backprop
	lastIDs []int
}

func NewPositionalEmbedding(seqLen, vocabSize, dModel int, rng *rand.Rand) *PositionalEmbedding {
	tok := mat.NewDense(dModel, vocabSize, utils.RandomArray(rng, dModel*vocabSize, float64(dModel)))
	pos := mat.NewDense(dModel, seqLen, utils.RandomArray(rng, dModel*seqLen, float64(dModel)))
	return &PositionalEmbedding{
		SeqLen:    seqLen,
		VocabSize: vocabSize,
		DModel:    dModel,
		Scale:     math.Sqrt(float64(dModel)),
		Tok:       tok,
		Pos:       pos,
		MTok:      optimizations.ZerosLike(tok),
		VTok:      optimizations.ZerosLike(tok),
		MPos:      optimizations.ZerosLike(pos),
		VPos:      optimizations.ZerosLike(pos),
	}
}

func (pe *PositionalEmbedding) SetLearningRate(lr float64) { pe.LearningRate = lr }

// Embed maps a token-id sequence of length L <= SeqLen to a (D x L) matrix.
// Position indices run 0..L-1 regardless of content, padding included.
func (pe *PositionalEmbedding) Embed(ids []int) *mat.Dense {
	L := len(ids)
	if L == 0 || L > pe.SeqLen {
		panic(fmt.Sprintf("PositionalEmbedding: sequence length %d out of range [1,%d]", L, pe.SeqLen))
	}
	out := mat.NewDense(pe.DModel, L, nil)
	for t, id := range ids {
		if id < 0 || id >= pe.VocabSize {
			panic(fmt.Sprintf("PositionalEmbedding: token id %d out of vocabulary", id))
		}
		for i := 0; i < pe.DModel; i++ {
			out.Set(i, t, pe.Tok.At(i, id)*pe.Scale+pe.Pos.At(i, t))
		}
	}
	pe.lastIDs = ids
	return out
}

func (pe *PositionalEmbedding) Forward(in Inputs) *mat.Dense {
	return pe.Embed(in.Tokens)
}

// Valid reports, per position, whether the token is a real one (id != 0).
func Valid(ids []int) []bool {
	out := make([]bool, len(ids))
	for i, id := range ids {
		out[i] = id != 0
	}
	return out
}

// Backward accumulates table gradients from dX (D x L) and applies Adam.
// Token columns hit multiple times in one sequence accumulate.
func (pe *PositionalEmbedding) Backward(dX *mat.Dense) {
	dTok, dPos := pe.BackwardGradsOnly(dX)
	pe.T++
	optimizations.AdamUpdateInPlace(pe.Tok, dTok, pe.MTok, pe.VTok, pe.T,
		pe.LearningRate, params.Config.AdamBeta1, params.Config.AdamBeta2, params.Config.AdamEps)
	optimizations.AdamUpdateInPlace(pe.Pos, dPos, pe.MPos, pe.VPos, pe.T,
		pe.LearningRate, params.Config.AdamBeta1, params.Config.AdamBeta2, params.Config.AdamEps)
}

func (pe *PositionalEmbedding) BackwardGradsOnly(dX *mat.Dense) (dTok, dPos *mat.Dense) {
	d, L := dX.Dims()
	if d != pe.DModel || L != len(pe.lastIDs) {
		panic("PositionalEmbedding: gradient shape mismatch")
	}
	dTok = mat.NewDense(pe.DModel, pe.VocabSize, nil)
	dPos = mat.NewDense(pe.DModel, pe.SeqLen, nil)
	for t, id := range pe.lastIDs {
		for i := 0; i < pe.DModel; i++ {
			dTok.Set(i, id, dTok.At(i, id)+dX.At(i, t)*pe.Scale)
			dPos.Set(i, t, dPos.At(i, t)+dX.At(i, t))
		}
	}
	return dTok, dPos
}
