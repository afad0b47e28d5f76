package params

import "github.com/spf13/viper"

// TrainingConfig holds every hyperparameter for the captioning model.
type TrainingConfig struct {
	// Core transformer parameters
	DModel     int // embedding width
	FFDim      int // decoder feed-forward hidden width
	VocabSize  int // |V|
	EncHeads   int // encoder attention heads (head dim = DModel each)
	DecHeads   int // decoder attention heads (head dim = DModel each)
	SeqLen     int // fixed caption length, padding included
	FeatureDim int // channels produced by the frozen feature extractor
	GridSize   int // extractor grid edge; positions = GridSize*GridSize

	// Image parameters
	ImageSize int // square edge fed to the extractor

	// Dataset parameters
	CaptionsPerImage int
	BatchSize        int
	TrainFrac        float64 // train share of the image-level split
	MinCaptionTokens int     // captions shorter than this drop the image

	// Optimization
	PostWarmupLR float64 // constant rate after warmup
	WarmupSteps  int     // linear warmup steps (<=0 means no warmup)
	AdamBeta1    float64
	AdamBeta2    float64
	AdamEps      float64

	// Regularization
	FFNDropout float64 // after the first feed-forward layer
	OutDropout float64 // after the final layer norm

	// Session
	MaxEpochs      int
	Patience       int // early stopping patience, epochs without val improvement
	Seed           int64
	CheckpointPath string
}

// Config mirrors the reference training run on Flickr8k.
var Config = TrainingConfig{
	DModel:     512,
	FFDim:      512,
	VocabSize:  10000,
	EncHeads:   1,
	DecHeads:   2,
	SeqLen:     25,
	FeatureDim: 1280,
	GridSize:   10,

	ImageSize: 299,

	CaptionsPerImage: 5,
	BatchSize:        64,
	TrainFrac:        0.8,
	MinCaptionTokens: 5,

	PostWarmupLR: 1e-4,
	WarmupSteps:  0, // derived from dataset size at train time when 0
	AdamBeta1:    0.9,
	AdamBeta2:    0.999,
	AdamEps:      1e-8,

	FFNDropout: 0.3,
	OutDropout: 0.5,

	MaxEpochs:      30,
	Patience:       3,
	Seed:           111,
	CheckpointPath: "models/captioner.gob",
}

// Load overlays Config with values from an optional viper-backed config file.
// Keys mirror the struct fields in lower-case dotted form.
func Load(v *viper.Viper) error {
	setDefaults(v)
	if v.ConfigFileUsed() != "" {
		if err := v.ReadInConfig(); err != nil {
			return err
		}
	}
	c := &Config
	c.DModel = v.GetInt("model.dmodel")
	c.FFDim = v.GetInt("model.ffdim")
	c.VocabSize = v.GetInt("model.vocabsize")
	c.EncHeads = v.GetInt("model.encheads")
	c.DecHeads = v.GetInt("model.decheads")
	c.SeqLen = v.GetInt("model.seqlen")
	c.FeatureDim = v.GetInt("model.featuredim")
	c.GridSize = v.GetInt("model.gridsize")
	c.ImageSize = v.GetInt("image.size")
	c.CaptionsPerImage = v.GetInt("data.captionsperimage")
	c.BatchSize = v.GetInt("data.batchsize")
	c.TrainFrac = v.GetFloat64("data.trainfrac")
	c.MinCaptionTokens = v.GetInt("data.mincaptiontokens")
	c.PostWarmupLR = v.GetFloat64("optim.postwarmuplr")
	c.WarmupSteps = v.GetInt("optim.warmupsteps")
	c.AdamBeta1 = v.GetFloat64("optim.adambeta1")
	c.AdamBeta2 = v.GetFloat64("optim.adambeta2")
	c.AdamEps = v.GetFloat64("optim.adameps")
	c.FFNDropout = v.GetFloat64("optim.ffndropout")
	c.OutDropout = v.GetFloat64("optim.outdropout")
	c.MaxEpochs = v.GetInt("session.maxepochs")
	c.Patience = v.GetInt("session.patience")
	c.Seed = v.GetInt64("session.seed")
	c.CheckpointPath = v.GetString("session.checkpointpath")
	return nil
}

func setDefaults(v *viper.Viper) {
	c := Config
	v.SetDefault("model.dmodel", c.DModel)
	v.SetDefault("model.ffdim", c.FFDim)
	v.SetDefault("model.vocabsize", c.VocabSize)
	v.SetDefault("model.encheads", c.EncHeads)
	v.SetDefault("model.decheads", c.DecHeads)
	v.SetDefault("model.seqlen", c.SeqLen)
	v.SetDefault("model.featuredim", c.FeatureDim)
	v.SetDefault("model.gridsize", c.GridSize)
	v.SetDefault("image.size", c.ImageSize)
	v.SetDefault("data.captionsperimage", c.CaptionsPerImage)
	v.SetDefault("data.batchsize", c.BatchSize)
	v.SetDefault("data.trainfrac", c.TrainFrac)
	v.SetDefault("data.mincaptiontokens", c.MinCaptionTokens)
	v.SetDefault("optim.postwarmuplr", c.PostWarmupLR)
	v.SetDefault("optim.warmupsteps", c.WarmupSteps)
	v.SetDefault("optim.adambeta1", c.AdamBeta1)
	v.SetDefault("optim.adambeta2", c.AdamBeta2)
	v.SetDefault("optim.adameps", c.AdamEps)
	v.SetDefault("optim.ffndropout", c.FFNDropout)
	v.SetDefault("optim.outdropout", c.OutDropout)
	v.SetDefault("session.maxepochs", c.MaxEpochs)
	v.SetDefault("session.patience", c.Patience)
	v.SetDefault("session.seed", c.Seed)
	v.SetDefault("session.checkpointpath", c.CheckpointPath)
}
