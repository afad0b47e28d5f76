package captioner

import (
	"image"

	"github.com/flickcap/flickcap/tokenizer"
	"github.com/flickcap/flickcap/transformer"
	"github.com/flickcap/flickcap/utils"
)

// Generate produces a caption for one image by greedy decoding: extract
// features and encode once, then grow the token sequence one arg-max token
// at a time, re-vectorizing the partial caption each iteration. The loop
// runs at most SeqLen-1 times and stops early on the end marker.
func (m *Model) Generate(img *image.RGBA) string {
	features := m.Extractor.Features(img)
	encOut := m.Encoder.Encode(features)

	var dec transformer.Layer = m.Decoder

	decoded := tokenizer.StartToken
	maxLen := m.Vec.SeqLen - 1
	for i := 0; i < maxLen; i++ {
		seq := m.Vec.Encode([]string{decoded})[0]
		inp := seq[:len(seq)-1]
		probs := dec.Forward(transformer.Inputs{
			Tokens:  inp,
			Context: encOut,
			Valid:   transformer.Valid(inp),
		})
		next := utils.ColArgMax(probs, i)
		word := m.Vec.Word(next)
		if word == tokenizer.EndToken {
			break
		}
		decoded += " " + word
	}
	return tokenizer.Strip(decoded)
}
