package cmd

import (
	"fmt"
	"math/rand"

	"github.com/flickcap/flickcap/IO"
	"github.com/flickcap/flickcap/captioner"
	"github.com/flickcap/flickcap/params"
	"github.com/flickcap/flickcap/tokenizer"
	"github.com/flickcap/flickcap/vision"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	captionsPath string
	imageDir     string
)

var trainCmd = &cobra.Command{
	Use:   "train",
	Short: "Train the captioning model on a Flickr8k-style corpus",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := &params.Config
		rng := rand.New(rand.NewSource(cfg.Seed))

		mapped, corpus, err := IO.ParseCaptions(captionsPath, imageDir, cfg.MinCaptionTokens, cfg.SeqLen)
		if err != nil {
			return err
		}

		vec := tokenizer.NewVectorizer(cfg.SeqLen, cfg.VocabSize)
		vec.Adapt(corpus)

		train, val := IO.Split(mapped, cfg.TrainFrac, rng)
		logger.Info("dataset",
			zap.Int("train_images", len(train)),
			zap.Int("val_images", len(val)),
			zap.Int("vocab", len(vec.Vocabulary())),
		)
		if len(train) == 0 || len(val) == 0 {
			return fmt.Errorf("dataset too small to split: %d images", len(mapped))
		}

		extractor := vision.NewPatchExtractor(cfg.FeatureDim, cfg.GridSize, cfg.Seed)
		model := captioner.NewModel(vec, extractor, vision.NewAugmenter(rng), rng)

		session := &captioner.Session{
			Model:          model,
			Train:          IO.NewLoader(train, cfg.BatchSize, cfg.ImageSize, rand.New(rand.NewSource(cfg.Seed+1))),
			Val:            IO.NewLoader(val, cfg.BatchSize, cfg.ImageSize, rand.New(rand.NewSource(cfg.Seed+2))),
			Log:            logger,
			CheckpointPath: cfg.CheckpointPath,
		}
		if err := session.Run(cmd.Context()); err != nil {
			return err
		}
		logger.Info("done", zap.String("checkpoint", cfg.CheckpointPath))
		return nil
	},
}

func init() {
	trainCmd.Flags().StringVar(&captionsPath, "captions", "Flickr8k.token.txt", "tab-separated caption file")
	trainCmd.Flags().StringVar(&imageDir, "images", "Flicker8k_Dataset", "directory holding the images")
	rootCmd.AddCommand(trainCmd)
}
