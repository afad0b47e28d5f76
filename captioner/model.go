package captioner

import (
	"image"
	"math"
	"math/rand"

	"github.com/flickcap/flickcap/optimizations"
	"github.com/flickcap/flickcap/params"
	"github.com/flickcap/flickcap/tokenizer"
	"github.com/flickcap/flickcap/transformer"
	"github.com/flickcap/flickcap/utils"
	"gonum.org/v1/gonum/mat"
)

// FeatureExtractor is the frozen image backbone: image in, feature grid
// out, no parameter updates ever flow back into it.
type FeatureExtractor interface {
	Features(img *image.RGBA) *mat.Dense
}

// Augmenter perturbs a training image. A nil Augmenter disables
// augmentation.
type Augmenter interface {
	Apply(img *image.RGBA) *image.RGBA
}

// Model wires the frozen extractor, the encoder and the decoder together
// and owns the train/eval step protocol and its metric trackers.
type Model struct {
	Extractor FeatureExtractor
	Encoder   *transformer.EncoderBlock
	Decoder   *transformer.DecoderBlock
	Vec       *tokenizer.Vectorizer
	Augment   Augmenter

	NumCaptions int
	WarmupSteps int

	LossTracker MeanTracker
	AccTracker  MeanTracker

	tunables []transformer.Tunable
	step     int
}

func NewModel(vec *tokenizer.Vectorizer, extractor FeatureExtractor, augment Augmenter, rng *rand.Rand) *Model {
	cfg := &params.Config
	enc := transformer.NewEncoderBlock(cfg.FeatureDim, cfg.DModel, cfg.EncHeads, rng)
	dec := transformer.NewDecoderBlock(cfg.SeqLen, cfg.VocabSize, cfg.DModel, cfg.FFDim, cfg.DecHeads, rng)
	return &Model{
		Extractor:   extractor,
		Encoder:     enc,
		Decoder:     dec,
		Vec:         vec,
		Augment:     augment,
		NumCaptions: cfg.CaptionsPerImage,
		WarmupSteps: cfg.WarmupSteps,
		tunables:    []transformer.Tunable{enc, dec},
	}
}

// Step reports the optimizer sub-steps taken so far.
func (m *Model) Step() int { return m.step }

// TrainStep runs one batch: augment, extract features once per image, then
// feed the image's captions one at a time, each caption performing a full
// forward, backward and optimizer apply before the next begins. Loss is
// summed over the captions-per-image slots, accuracy averaged over them.
// Returns the running tracker means.
func (m *Model) TrainStep(images []*image.RGBA, captions [][]string) (loss, acc float64) {
	return m.runStep(images, captions, true)
}

// EvalStep is TrainStep without augmentation or parameter updates.
func (m *Model) EvalStep(images []*image.RGBA, captions [][]string) (loss, acc float64) {
	return m.runStep(images, captions, false)
}

func (m *Model) runStep(images []*image.RGBA, captions [][]string, training bool) (float64, float64) {
	cfg := &params.Config
	lossK := make([]float64, m.NumCaptions)
	accK := make([]float64, m.NumCaptions)

	for i, img := range images {
		if training && m.Augment != nil {
			img = m.Augment.Apply(img)
		}
		features := m.Extractor.Features(img)

		caps := captions[i]
		for k := 0; k < m.NumCaptions; k++ {
			text := caps[k%len(caps)]
			seq := m.Vec.Encode([]string{tokenizer.Wrap(text)})[0]

			if training {
				lr := optimizations.LRSchedule(m.step, m.WarmupSteps, cfg.PostWarmupLR)
				for _, tn := range m.tunables {
					tn.SetLearningRate(lr)
				}
				m.step++
			}
			l, a := m.captionLossAndAcc(features, seq, training)
			lossK[k] += l
			accK[k] += a
		}
	}

	n := float64(len(images))
	var batchLoss, batchAcc float64
	for k := 0; k < m.NumCaptions; k++ {
		batchLoss += lossK[k] / n
		batchAcc += accK[k] / n
	}
	batchAcc /= float64(m.NumCaptions)

	m.LossTracker.Update(batchLoss)
	m.AccTracker.Update(batchAcc)
	return m.LossTracker.Result(), m.AccTracker.Result()
}

// captionLossAndAcc runs the encoder (once per caption, recomputing over
// the same features) and decoder for one caption, returning masked loss
// and accuracy; in training mode it also backpropagates and applies the
// optimizer to encoder and decoder parameters only.
func (m *Model) captionLossAndAcc(features *mat.Dense, seq []int, training bool) (loss, acc float64) {
	encOut := m.Encoder.Encode(features)

	// teacher-forcing shift: predict seq[t+1] from seq[..t]
	inp := seq[:len(seq)-1]
	target := seq[1:]
	valid := transformer.Valid(target)

	probs := m.Decoder.Decode(inp, encOut, training, valid)
	loss, acc, maskSum := maskedLossAndAcc(probs, target, valid)

	if training && maskSum > 0 {
		dLogits := lossGrad(probs, target, valid, maskSum)
		dEnc := m.Decoder.BackwardFromLogits(dLogits)
		m.Encoder.Backward(dEnc)
	}
	return loss, acc
}

// ResetMetrics clears the running trackers, called between epochs.
func (m *Model) ResetMetrics() {
	m.LossTracker.Reset()
	m.AccTracker.Reset()
}

// maskedLossAndAcc computes cross-entropy and top-1 accuracy over valid
// positions only. A fully padded sequence contributes zero for both.
func maskedLossAndAcc(probs *mat.Dense, target []int, valid []bool) (loss, acc float64, maskSum int) {
	for t, ok := range valid {
		if !ok {
			continue
		}
		maskSum++
		loss += -math.Log(probs.At(target[t], t) + 1e-12)
		if utils.ColArgMax(probs, t) == target[t] {
			acc++
		}
	}
	if maskSum == 0 {
		return 0, 0, 0
	}
	return loss / float64(maskSum), acc / float64(maskSum), maskSum
}

// lossGrad is dL/dlogits for the masked mean cross-entropy over softmax
// outputs: (p - onehot)/maskSum at valid positions, zero elsewhere.
func lossGrad(probs *mat.Dense, target []int, valid []bool, maskSum int) *mat.Dense {
	V, T := probs.Dims()
	out := mat.NewDense(V, T, nil)
	inv := 1.0 / float64(maskSum)
	for t := 0; t < T; t++ {
		if !valid[t] {
			continue
		}
		for i := 0; i < V; i++ {
			out.Set(i, t, probs.At(i, t)*inv)
		}
		out.Set(target[t], t, out.At(target[t], t)-inv)
	}
	return out
}
