package transformer

import "gonum.org/v1/gonum/mat"

// Inputs carries everything a layer's forward pass may consume. Each
// variant reads the fields it needs: the embedding reads Tokens, the
// encoder reads X, the decoder reads Tokens, Context and Valid.
type Inputs struct {
	Tokens   []int      // token-id sequence
	X        *mat.Dense // (d x T) feature sequence
	Context  *mat.Dense // encoder output, keys/values for cross-attention
	Valid    []bool     // per-position validity (token != padding)
	Training bool
}

// Layer is the single forward contract shared by the embedding, the
// encoder block and the decoder block.
type Layer interface {
	Forward(in Inputs) *mat.Dense
}

// Tunable is anything whose learning rate the training step drives
// before each optimizer sub-step.
type Tunable interface {
	SetLearningRate(lr float64)
}

var (
	_ Layer = (*PositionalEmbedding)(nil)
	_ Layer = (*EncoderBlock)(nil)
	_ Layer = (*DecoderBlock)(nil)

	_ Tunable = (*PositionalEmbedding)(nil)
	_ Tunable = (*Attention)(nil)
	_ Tunable = (*EncoderBlock)(nil)
	_ Tunable = (*DecoderBlock)(nil)
)
