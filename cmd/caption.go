package cmd

import (
	"fmt"
	"math/rand"

	"github.com/flickcap/flickcap/captioner"
	"github.com/flickcap/flickcap/params"
	"github.com/flickcap/flickcap/tokenizer"
	"github.com/flickcap/flickcap/vision"
	"github.com/spf13/cobra"
)

var captionCmd = &cobra.Command{
	Use:   "caption <image>",
	Short: "Generate a caption for one image from a trained checkpoint",
	Long: "Generate a caption for one image. The model is rebuilt from the " +
		"current config, so the config must match the one used at train time.",
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := &params.Config

		vocab, err := captioner.ReadVocabulary(cfg.CheckpointPath)
		if err != nil {
			return fmt.Errorf("read checkpoint: %w", err)
		}
		vec := tokenizer.FromVocabulary(vocab, cfg.SeqLen)

		rng := rand.New(rand.NewSource(cfg.Seed))
		extractor := vision.NewPatchExtractor(cfg.FeatureDim, cfg.GridSize, cfg.Seed)
		model := captioner.NewModel(vec, extractor, nil, rng)
		if err := captioner.LoadCheckpoint(model, cfg.CheckpointPath); err != nil {
			return fmt.Errorf("load checkpoint: %w", err)
		}

		img, err := vision.LoadImage(args[0], cfg.ImageSize)
		if err != nil {
			return err
		}
		fmt.Println(model.Generate(img))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(captionCmd)
}
