package captioner

import (
	"context"
	"fmt"
	"math"

	"github.com/flickcap/flickcap/IO"
	"github.com/flickcap/flickcap/params"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"
)

// Session drives training across epochs: runs the train and validation
// loaders through the model's step protocol, logs epoch metrics, and stops
// early once validation loss has not improved for Patience epochs,
// restoring the best checkpoint afterwards.
type Session struct {
	Model *Model
	Train *IO.Loader
	Val   *IO.Loader
	Log   *zap.Logger

	CheckpointPath string
}

func (s *Session) Run(ctx context.Context) error {
	cfg := &params.Config

	if s.Model.WarmupSteps <= 0 {
		// mirror the reference run: warm up over 1/15 of all updates
		total := cfg.MaxEpochs * s.Train.Batches() * cfg.BatchSize * cfg.CaptionsPerImage
		s.Model.WarmupSteps = total / 15
	}
	s.Log.Info("training",
		zap.Int("epochs", cfg.MaxEpochs),
		zap.Int("train_batches", s.Train.Batches()),
		zap.Int("val_batches", s.Val.Batches()),
		zap.Int("warmup_steps", s.Model.WarmupSteps),
	)

	bestVal := math.Inf(1)
	noImprovement := 0
	saved := false

	for epoch := 1; epoch <= cfg.MaxEpochs; epoch++ {
		trainLoss, trainAcc, err := s.runEpoch(ctx, s.Train, true,
			fmt.Sprintf("epoch %d/%d", epoch, cfg.MaxEpochs))
		if err != nil {
			return fmt.Errorf("epoch %d: %w", epoch, err)
		}
		valLoss, valAcc, err := s.runEpoch(ctx, s.Val, false, "validate")
		if err != nil {
			return fmt.Errorf("epoch %d validation: %w", epoch, err)
		}

		s.Log.Info("epoch done",
			zap.Int("epoch", epoch),
			zap.Float64("loss", trainLoss),
			zap.Float64("acc", trainAcc),
			zap.Float64("val_loss", valLoss),
			zap.Float64("val_acc", valAcc),
			zap.Int("steps", s.Model.Step()),
		)

		if valLoss < bestVal {
			bestVal = valLoss
			noImprovement = 0
			if err := SaveCheckpoint(s.Model, s.CheckpointPath); err != nil {
				return fmt.Errorf("save checkpoint: %w", err)
			}
			saved = true
			continue
		}
		noImprovement++
		if noImprovement >= cfg.Patience {
			s.Log.Info("early stopping", zap.Int("epoch", epoch), zap.Float64("best_val_loss", bestVal))
			break
		}
	}

	if saved {
		// restore best weights
		if err := LoadCheckpoint(s.Model, s.CheckpointPath); err != nil {
			return fmt.Errorf("restore best checkpoint: %w", err)
		}
	}
	return nil
}

func (s *Session) runEpoch(ctx context.Context, loader *IO.Loader, training bool, label string) (loss, acc float64, err error) {
	s.Model.ResetMetrics()
	bar := progressbar.NewOptions(loader.Batches(),
		progressbar.OptionSetDescription(label),
		progressbar.OptionShowCount(),
	)
	for b := range loader.Epoch(ctx) {
		if training {
			loss, acc = s.Model.TrainStep(b.Images, b.Captions)
		} else {
			loss, acc = s.Model.EvalStep(b.Images, b.Captions)
		}
		_ = bar.Add(1)
	}
	_ = bar.Finish()
	if err := loader.Err(); err != nil {
		return 0, 0, err
	}
	return loss, acc, nil
}
