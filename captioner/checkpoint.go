package captioner

import (
	"encoding/gob"
	"fmt"
	"os"
	"path/filepath"

	"github.com/flickcap/flickcap/optimizations"
	"github.com/flickcap/flickcap/transformer"
	"gonum.org/v1/gonum/mat"
)

// Checkpoints persist every learned weight plus its Adam state with gob, so
// a restored model resumes training exactly where it stopped. The frozen
// extractor has no learned state and is reconstructed from config.

type matData struct {
	R, C int
	Data []float64
}

type normData struct {
	Gamma, Beta                  matData
	MGamma, VGamma, MBeta, VBeta matData
	T                            int
}

type attnData struct {
	Wq, Wk, Wv                   []matData
	MWq, VWq, MWk, VWk, MWv, VWv []matData
	Wo, MWo, VWo                 matData
	T                            int
}

type embeddingData struct {
	Tok, MTok, VTok matData
	Pos, MPos, VPos matData
	T               int
}

type encoderData struct {
	Ln1, Ln2              normData
	Dense, MDense, VDense matData
	Bias, MBias, VBias    matData
	Attn                  attnData
	T                     int
}

type decoderData struct {
	Embedding             embeddingData
	SelfAttn, CrossAttn   attnData
	Ln1, Ln2, Ln3         normData
	Ffn1W, MFfn1W, VFfn1W matData
	Ffn1B, MFfn1B, VFfn1B matData
	Ffn2W, MFfn2W, VFfn2W matData
	Ffn2B, MFfn2B, VFfn2B matData
	OutW, MOutW, VOutW    matData
	OutB, MOutB, VOutB    matData
	T                     int
}

type checkpointData struct {
	Step    int
	Vocab   []string
	Encoder encoderData
	Decoder decoderData
}

// SaveCheckpoint writes the model and its vocabulary to path.
func SaveCheckpoint(m *Model, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data := checkpointData{
		Step:    m.step,
		Vocab:   m.Vec.Vocabulary(),
		Encoder: packEncoder(m.Encoder),
		Decoder: packDecoder(m.Decoder),
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := gob.NewEncoder(f).Encode(&data); err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	return nil
}

// LoadCheckpoint restores weights, Adam state and the step counter into an
// already-constructed model. Shapes must match the current config.
func LoadCheckpoint(m *Model, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var data checkpointData
	if err := gob.NewDecoder(f).Decode(&data); err != nil {
		return fmt.Errorf("decode checkpoint: %w", err)
	}
	m.step = data.Step
	if err := unpackEncoder(&data.Encoder, m.Encoder); err != nil {
		return err
	}
	if err := unpackDecoder(&data.Decoder, m.Decoder); err != nil {
		return err
	}
	return nil
}

// ReadVocabulary pulls only the saved vocabulary out of a checkpoint.
func ReadVocabulary(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	var data checkpointData
	if err := gob.NewDecoder(f).Decode(&data); err != nil {
		return nil, fmt.Errorf("decode checkpoint: %w", err)
	}
	return data.Vocab, nil
}

// -------- pack/unpack --------

func packMat(m *mat.Dense) matData {
	r, c := m.Dims()
	raw := mat.DenseCopyOf(m).RawMatrix()
	return matData{R: r, C: c, Data: append([]float64(nil), raw.Data...)}
}

func restoreMat(dst *mat.Dense, d matData) error {
	r, c := dst.Dims()
	if r != d.R || c != d.C {
		return fmt.Errorf("checkpoint shape mismatch: have (%d x %d), want (%d x %d)", d.R, d.C, r, c)
	}
	dst.Copy(mat.NewDense(d.R, d.C, d.Data))
	return nil
}

func packNorm(ln *optimizations.LayerNorm) normData {
	return normData{
		Gamma: packMat(ln.Gamma), Beta: packMat(ln.Beta),
		MGamma: packMat(ln.MGamma), VGamma: packMat(ln.VGamma),
		MBeta: packMat(ln.MBeta), VBeta: packMat(ln.VBeta),
		T: ln.T,
	}
}

func unpackNorm(d *normData, ln *optimizations.LayerNorm) error {
	ln.T = d.T
	for _, p := range []struct {
		dst *mat.Dense
		src matData
	}{
		{ln.Gamma, d.Gamma}, {ln.Beta, d.Beta},
		{ln.MGamma, d.MGamma}, {ln.VGamma, d.VGamma},
		{ln.MBeta, d.MBeta}, {ln.VBeta, d.VBeta},
	} {
		if err := restoreMat(p.dst, p.src); err != nil {
			return err
		}
	}
	return nil
}

func packMats(ms []*mat.Dense) []matData {
	out := make([]matData, len(ms))
	for i, m := range ms {
		out[i] = packMat(m)
	}
	return out
}

func restoreMats(dst []*mat.Dense, src []matData) error {
	if len(dst) != len(src) {
		return fmt.Errorf("checkpoint head count mismatch: have %d, want %d", len(src), len(dst))
	}
	for i := range dst {
		if err := restoreMat(dst[i], src[i]); err != nil {
			return err
		}
	}
	return nil
}

func packAttn(a *transformer.Attention) attnData {
	return attnData{
		Wq: packMats(a.Wquery), Wk: packMats(a.Wkey), Wv: packMats(a.Wvalue),
		MWq: packMats(a.MWq), VWq: packMats(a.VWq),
		MWk: packMats(a.MWk), VWk: packMats(a.VWk),
		MWv: packMats(a.MWv), VWv: packMats(a.VWv),
		Wo: packMat(a.Woutput), MWo: packMat(a.MWo), VWo: packMat(a.VWo),
		T: a.T,
	}
}

func unpackAttn(d *attnData, a *transformer.Attention) error {
	a.T = d.T
	for _, p := range []struct {
		dst []*mat.Dense
		src []matData
	}{
		{a.Wquery, d.Wq}, {a.Wkey, d.Wk}, {a.Wvalue, d.Wv},
		{a.MWq, d.MWq}, {a.VWq, d.VWq},
		{a.MWk, d.MWk}, {a.VWk, d.VWk},
		{a.MWv, d.MWv}, {a.VWv, d.VWv},
	} {
		if err := restoreMats(p.dst, p.src); err != nil {
			return err
		}
	}
	for _, p := range []struct {
		dst *mat.Dense
		src matData
	}{
		{a.Woutput, d.Wo}, {a.MWo, d.MWo}, {a.VWo, d.VWo},
	} {
		if err := restoreMat(p.dst, p.src); err != nil {
			return err
		}
	}
	return nil
}

func packEmbedding(pe *transformer.PositionalEmbedding) embeddingData {
	return embeddingData{
		Tok: packMat(pe.Tok), MTok: packMat(pe.MTok), VTok: packMat(pe.VTok),
		Pos: packMat(pe.Pos), MPos: packMat(pe.MPos), VPos: packMat(pe.VPos),
		T: pe.T,
	}
}

func unpackEmbedding(d *embeddingData, pe *transformer.PositionalEmbedding) error {
	pe.T = d.T
	for _, p := range []struct {
		dst *mat.Dense
		src matData
	}{
		{pe.Tok, d.Tok}, {pe.MTok, d.MTok}, {pe.VTok, d.VTok},
		{pe.Pos, d.Pos}, {pe.MPos, d.MPos}, {pe.VPos, d.VPos},
	} {
		if err := restoreMat(p.dst, p.src); err != nil {
			return err
		}
	}
	return nil
}

func packEncoder(enc *transformer.EncoderBlock) encoderData {
	return encoderData{
		Ln1: packNorm(enc.Ln1), Ln2: packNorm(enc.Ln2),
		Dense: packMat(enc.Dense), MDense: packMat(enc.MDense), VDense: packMat(enc.VDense),
		Bias: packMat(enc.Bias), MBias: packMat(enc.MBias), VBias: packMat(enc.VBias),
		Attn: packAttn(enc.Attn),
		T:    enc.T,
	}
}

func unpackEncoder(d *encoderData, enc *transformer.EncoderBlock) error {
	enc.T = d.T
	if err := unpackNorm(&d.Ln1, enc.Ln1); err != nil {
		return err
	}
	if err := unpackNorm(&d.Ln2, enc.Ln2); err != nil {
		return err
	}
	if err := unpackAttn(&d.Attn, enc.Attn); err != nil {
		return err
	}
	for _, p := range []struct {
		dst *mat.Dense
		src matData
	}{
		{enc.Dense, d.Dense}, {enc.MDense, d.MDense}, {enc.VDense, d.VDense},
		{enc.Bias, d.Bias}, {enc.MBias, d.MBias}, {enc.VBias, d.VBias},
	} {
		if err := restoreMat(p.dst, p.src); err != nil {
			return err
		}
	}
	return nil
}

func packDecoder(dec *transformer.DecoderBlock) decoderData {
	return decoderData{
		Embedding: packEmbedding(dec.Embedding),
		SelfAttn:  packAttn(dec.SelfAttn),
		CrossAttn: packAttn(dec.CrossAttn),
		Ln1:       packNorm(dec.Ln1), Ln2: packNorm(dec.Ln2), Ln3: packNorm(dec.Ln3),
		Ffn1W: packMat(dec.Ffn1W), MFfn1W: packMat(dec.MFfn1W), VFfn1W: packMat(dec.VFfn1W),
		Ffn1B: packMat(dec.Ffn1B), MFfn1B: packMat(dec.MFfn1B), VFfn1B: packMat(dec.VFfn1B),
		Ffn2W: packMat(dec.Ffn2W), MFfn2W: packMat(dec.MFfn2W), VFfn2W: packMat(dec.VFfn2W),
		Ffn2B: packMat(dec.Ffn2B), MFfn2B: packMat(dec.MFfn2B), VFfn2B: packMat(dec.VFfn2B),
		OutW: packMat(dec.OutW), MOutW: packMat(dec.MOutW), VOutW: packMat(dec.VOutW),
		OutB: packMat(dec.OutB), MOutB: packMat(dec.MOutB), VOutB: packMat(dec.VOutB),
		T: dec.T,
	}
}

func unpackDecoder(d *decoderData, dec *transformer.DecoderBlock) error {
	dec.T = d.T
	if err := unpackEmbedding(&d.Embedding, dec.Embedding); err != nil {
		return err
	}
	if err := unpackAttn(&d.SelfAttn, dec.SelfAttn); err != nil {
		return err
	}
	if err := unpackAttn(&d.CrossAttn, dec.CrossAttn); err != nil {
		return err
	}
	for _, p := range []struct {
		src *normData
		dst *optimizations.LayerNorm
	}{
		{&d.Ln1, dec.Ln1}, {&d.Ln2, dec.Ln2}, {&d.Ln3, dec.Ln3},
	} {
		if err := unpackNorm(p.src, p.dst); err != nil {
			return err
		}
	}
	for _, p := range []struct {
		dst *mat.Dense
		src matData
	}{
		{dec.Ffn1W, d.Ffn1W}, {dec.MFfn1W, d.MFfn1W}, {dec.VFfn1W, d.VFfn1W},
		{dec.Ffn1B, d.Ffn1B}, {dec.MFfn1B, d.MFfn1B}, {dec.VFfn1B, d.VFfn1B},
		{dec.Ffn2W, d.Ffn2W}, {dec.MFfn2W, d.MFfn2W}, {dec.VFfn2W, d.VFfn2W},
		{dec.Ffn2B, d.Ffn2B}, {dec.MFfn2B, d.MFfn2B}, {dec.VFfn2B, d.VFfn2B},
		{dec.OutW, d.OutW}, {dec.MOutW, d.MOutW}, {dec.VOutW, d.VOutW},
		{dec.OutB, d.OutB}, {dec.MOutB, d.MOutB}, {dec.VOutB, d.VOutB},
	} {
		if err := restoreMat(p.dst, p.src); err != nil {
			return err
		}
	}
	return nil
}
