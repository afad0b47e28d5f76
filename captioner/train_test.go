package captioner

import (
	"context"
	"image/jpeg"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flickcap/flickcap/IO"
)

func writeToyJPEG(t *testing.T, dir, name string, seed int64) string {
	t.Helper()
	path := filepath.Join(dir, name)
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, jpeg.Encode(f, toyImage(seed), nil))
	require.NoError(t, f.Close())
	return path
}

func TestSessionRun(t *testing.T) {
	cfg := withTestConfig(t)
	cfg.MaxEpochs = 2
	cfg.Patience = 1

	dir := t.TempDir()
	train := []IO.Sample{
		{Path: writeToyJPEG(t, dir, "a.jpg", 1), Captions: []string{"a dog runs"}},
		{Path: writeToyJPEG(t, dir, "b.jpg", 2), Captions: []string{"a cat sleeps"}},
	}
	val := []IO.Sample{
		{Path: writeToyJPEG(t, dir, "c.jpg", 3), Captions: []string{"a dog runs"}},
	}

	m := toyModel(t, cfg)
	session := &Session{
		Model:          m,
		Train:          IO.NewLoader(train, cfg.BatchSize, cfg.ImageSize, rand.New(rand.NewSource(4))),
		Val:            IO.NewLoader(val, cfg.BatchSize, cfg.ImageSize, rand.New(rand.NewSource(5))),
		Log:            zap.NewNop(),
		CheckpointPath: filepath.Join(dir, "models", "toy.gob"),
	}

	require.NoError(t, session.Run(context.Background()))
	require.Greater(t, m.Step(), 0)

	_, err := os.Stat(session.CheckpointPath)
	require.NoError(t, err)

	vocab, err := ReadVocabulary(session.CheckpointPath)
	require.NoError(t, err)
	require.Equal(t, m.Vec.Vocabulary(), vocab)
}

func TestSessionDerivesWarmup(t *testing.T) {
	cfg := withTestConfig(t)
	cfg.MaxEpochs = 1
	cfg.WarmupSteps = 0
	cfg.BatchSize = 16

	dir := t.TempDir()
	samples := []IO.Sample{
		{Path: writeToyJPEG(t, dir, "a.jpg", 6), Captions: []string{"a dog runs"}},
	}

	m := toyModel(t, cfg)
	m.WarmupSteps = 0
	session := &Session{
		Model:          m,
		Train:          IO.NewLoader(samples, cfg.BatchSize, cfg.ImageSize, rand.New(rand.NewSource(7))),
		Val:            IO.NewLoader(samples, cfg.BatchSize, cfg.ImageSize, rand.New(rand.NewSource(8))),
		Log:            zap.NewNop(),
		CheckpointPath: filepath.Join(dir, "toy.gob"),
	}

	require.NoError(t, session.Run(context.Background()))
	want := cfg.MaxEpochs * 1 * cfg.BatchSize * cfg.CaptionsPerImage / 15
	require.Equal(t, want, m.WarmupSteps)
}
