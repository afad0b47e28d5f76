package captioner

import (
	"image"
	"math"
	"math/rand"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"

	"github.com/flickcap/flickcap/params"
	"github.com/flickcap/flickcap/tokenizer"
	"github.com/flickcap/flickcap/transformer"
	"github.com/flickcap/flickcap/vision"
)

// withTestConfig shrinks the global config to toy dimensions so the tests
// run in milliseconds, restoring the real values afterwards.
func withTestConfig(t *testing.T) *params.TrainingConfig {
	t.Helper()
	saved := params.Config
	t.Cleanup(func() { params.Config = saved })

	params.Config.DModel = 8
	params.Config.FFDim = 16
	params.Config.VocabSize = 24
	params.Config.EncHeads = 1
	params.Config.DecHeads = 2
	params.Config.SeqLen = 10
	params.Config.FeatureDim = 12
	params.Config.GridSize = 2
	params.Config.ImageSize = 32
	params.Config.CaptionsPerImage = 2
	params.Config.BatchSize = 2
	params.Config.PostWarmupLR = 1e-3
	params.Config.WarmupSteps = 4
	params.Config.FFNDropout = 0.1
	params.Config.OutDropout = 0.1
	return &params.Config
}

func toyImage(seed int64) *image.RGBA {
	rng := rand.New(rand.NewSource(seed))
	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for i := range img.Pix {
		img.Pix[i] = uint8(rng.Intn(256))
	}
	for i := 3; i < len(img.Pix); i += 4 {
		img.Pix[i] = 255
	}
	return img
}

func toyModel(t *testing.T, cfg *params.TrainingConfig) *Model {
	t.Helper()
	vec := tokenizer.NewVectorizer(cfg.SeqLen, cfg.VocabSize)
	vec.Adapt([]string{
		tokenizer.Wrap("a dog runs"),
		tokenizer.Wrap("a cat sleeps"),
	})
	extractor := vision.NewPatchExtractor(cfg.FeatureDim, cfg.GridSize, 1)
	return NewModel(vec, extractor, nil, rand.New(rand.NewSource(2)))
}

func TestMaskedLossFullyValidEqualsMean(t *testing.T) {
	probs := mat.NewDense(4, 3, []float64{
		0.7, 0.1, 0.2,
		0.1, 0.6, 0.2,
		0.1, 0.2, 0.5,
		0.1, 0.1, 0.1,
	})
	target := []int{0, 1, 2}
	valid := []bool{true, true, true}

	loss, acc, maskSum := maskedLossAndAcc(probs, target, valid)
	require.Equal(t, 3, maskSum)
	require.Equal(t, 1.0, acc)

	want := (-math.Log(0.7+1e-12) - math.Log(0.6+1e-12) - math.Log(0.5+1e-12)) / 3
	require.InDelta(t, want, loss, 1e-12)
}

func TestMaskedLossSkipsPadding(t *testing.T) {
	probs := mat.NewDense(4, 3, []float64{
		0.7, 0.1, 0.2,
		0.1, 0.6, 0.2,
		0.1, 0.2, 0.5,
		0.1, 0.1, 0.1,
	})
	target := []int{0, 3, 0}
	valid := []bool{true, false, false}

	loss, acc, maskSum := maskedLossAndAcc(probs, target, valid)
	require.Equal(t, 1, maskSum)
	require.Equal(t, 1.0, acc)
	require.InDelta(t, -math.Log(0.7+1e-12), loss, 1e-12)

	// the single valid position is wrong: accuracy drops to zero
	target[0] = 3
	loss, acc, _ = maskedLossAndAcc(probs, target, valid)
	require.Equal(t, 0.0, acc)
	require.Greater(t, loss, 0.0)
}

func TestMaskedLossAllPadding(t *testing.T) {
	probs := mat.NewDense(2, 2, []float64{0.5, 0.5, 0.5, 0.5})
	loss, acc, maskSum := maskedLossAndAcc(probs, []int{0, 0}, []bool{false, false})
	require.Equal(t, 0.0, loss)
	require.Equal(t, 0.0, acc)
	require.Equal(t, 0, maskSum)
}

func TestLossGradColumns(t *testing.T) {
	probs := mat.NewDense(3, 2, []float64{
		0.5, 0.3,
		0.3, 0.3,
		0.2, 0.4,
	})
	target := []int{1, 2}
	valid := []bool{true, false}

	g := lossGrad(probs, target, valid, 1)

	// valid column: p - onehot, scaled by 1/maskSum
	require.InDelta(t, 0.5, g.At(0, 0), 1e-12)
	require.InDelta(t, 0.3-1, g.At(1, 0), 1e-12)
	require.InDelta(t, 0.2, g.At(2, 0), 1e-12)
	// gradient over a valid column sums to zero
	require.InDelta(t, 0.0, g.At(0, 0)+g.At(1, 0)+g.At(2, 0), 1e-12)
	// padded column carries no gradient
	for i := 0; i < 3; i++ {
		require.Equal(t, 0.0, g.At(i, 1))
	}
}

func TestTrainStepToyBatch(t *testing.T) {
	cfg := withTestConfig(t)
	m := toyModel(t, cfg)
	images := []*image.RGBA{toyImage(1), toyImage(2)}
	captions := [][]string{{"a dog runs"}, {"a cat sleeps"}}

	outWBefore := mat.DenseCopyOf(m.Decoder.OutW)
	loss, acc := m.TrainStep(images, captions)

	require.False(t, math.IsNaN(loss))
	require.False(t, math.IsInf(loss, 0))
	require.Greater(t, loss, 0.0)
	require.GreaterOrEqual(t, acc, 0.0)
	require.LessOrEqual(t, acc, 1.0)

	// one optimizer sub-step per image/caption-slot pair
	require.Equal(t, len(images)*cfg.CaptionsPerImage, m.Step())
	require.False(t, mat.Equal(outWBefore, m.Decoder.OutW))
}

func TestEvalStepLeavesWeightsAlone(t *testing.T) {
	cfg := withTestConfig(t)
	m := toyModel(t, cfg)
	images := []*image.RGBA{toyImage(3)}
	captions := [][]string{{"a dog runs"}}

	outWBefore := mat.DenseCopyOf(m.Decoder.OutW)
	tokBefore := mat.DenseCopyOf(m.Decoder.Embedding.Tok)
	loss, acc := m.EvalStep(images, captions)

	require.Greater(t, loss, 0.0)
	require.GreaterOrEqual(t, acc, 0.0)
	require.Equal(t, 0, m.Step())
	require.True(t, mat.Equal(outWBefore, m.Decoder.OutW))
	require.True(t, mat.Equal(tokBefore, m.Decoder.Embedding.Tok))
}

func TestTrainingReducesLossOnOneExample(t *testing.T) {
	cfg := withTestConfig(t)
	cfg.FFNDropout = 0
	cfg.OutDropout = 0
	cfg.WarmupSteps = 1
	m := toyModel(t, cfg)
	images := []*image.RGBA{toyImage(4)}
	captions := [][]string{{"a dog runs"}}

	var first, last float64
	for i := 0; i < 30; i++ {
		m.ResetMetrics()
		loss, _ := m.TrainStep(images, captions)
		if i == 0 {
			first = loss
		}
		last = loss
	}
	require.Less(t, last, first)
}

func TestMeanTracker(t *testing.T) {
	var tr MeanTracker
	require.Equal(t, 0.0, tr.Result())
	tr.Update(2)
	tr.Update(4)
	require.InDelta(t, 3.0, tr.Result(), 1e-12)
	tr.Reset()
	require.Equal(t, 0.0, tr.Result())
	tr.Update(10)
	require.InDelta(t, 10.0, tr.Result(), 1e-12)
}

func TestGenerateBoundedAndMarkerFree(t *testing.T) {
	cfg := withTestConfig(t)
	m := toyModel(t, cfg)

	caption := m.Generate(toyImage(5))
	require.NotContains(t, caption, tokenizer.StartToken)
	require.NotContains(t, caption, tokenizer.EndToken)
	require.LessOrEqual(t, len(strings.Fields(caption)), cfg.SeqLen-1)
}

func TestCheckpointRoundTrip(t *testing.T) {
	cfg := withTestConfig(t)
	m := toyModel(t, cfg)
	images := []*image.RGBA{toyImage(6)}
	captions := [][]string{{"a dog runs"}}
	m.TrainStep(images, captions)

	path := filepath.Join(t.TempDir(), "model.gob")
	require.NoError(t, SaveCheckpoint(m, path))

	vocab, err := ReadVocabulary(path)
	require.NoError(t, err)
	require.Equal(t, m.Vec.Vocabulary(), vocab)

	restored := NewModel(
		tokenizer.FromVocabulary(vocab, cfg.SeqLen),
		vision.NewPatchExtractor(cfg.FeatureDim, cfg.GridSize, 1),
		nil,
		rand.New(rand.NewSource(99)),
	)
	require.NoError(t, LoadCheckpoint(restored, path))
	require.Equal(t, m.Step(), restored.Step())

	// both models must produce identical distributions
	features := m.Extractor.Features(toyImage(7))
	seq := m.Vec.Encode([]string{tokenizer.Wrap("a dog runs")})[0]
	inp := seq[:len(seq)-1]
	valid := transformer.Valid(seq[1:])

	p1 := m.Decoder.Decode(inp, m.Encoder.Encode(features), false, valid)
	p2 := restored.Decoder.Decode(inp, restored.Encoder.Encode(features), false, valid)
	require.True(t, mat.EqualApprox(p1, p2, 1e-12))
}

func TestCheckpointShapeMismatch(t *testing.T) {
	cfg := withTestConfig(t)
	m := toyModel(t, cfg)
	path := filepath.Join(t.TempDir(), "model.gob")
	require.NoError(t, SaveCheckpoint(m, path))

	cfg.DModel = 12
	other := toyModel(t, cfg)
	require.Error(t, LoadCheckpoint(other, path))
}
