package IO

import (
	"context"
	"image"
	"math/rand"

	"github.com/flickcap/flickcap/vision"
	"golang.org/x/sync/errgroup"
)

// Batch is one training/eval step's worth of decoded images and their
// caption lists.
type Batch struct {
	Images   []*image.RGBA
	Captions [][]string
}

// Loader shuffles samples each epoch and yields decoded, resized batches.
// Decoding runs in a prefetch goroutine so the next batch's image I/O
// overlaps with the current step's compute; image errors abort the epoch
// and surface from Err, never retried.
type Loader struct {
	samples   []Sample
	batchSize int
	imageSize int
	rng       *rand.Rand

	g *errgroup.Group
}

func NewLoader(samples []Sample, batchSize, imageSize int, rng *rand.Rand) *Loader {
	return &Loader{
		samples:   samples,
		batchSize: batchSize,
		imageSize: imageSize,
		rng:       rng,
	}
}

// Batches returns the number of batches in one epoch.
func (l *Loader) Batches() int {
	return (len(l.samples) + l.batchSize - 1) / l.batchSize
}

// Epoch starts a prefetching pass over a fresh shuffle of the samples.
// Drain the channel, then call Err.
func (l *Loader) Epoch(ctx context.Context) <-chan Batch {
	order := make([]int, len(l.samples))
	for i := range order {
		order[i] = i
	}
	l.rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })

	out := make(chan Batch, 2)
	g, ctx := errgroup.WithContext(ctx)
	l.g = g
	g.Go(func() error {
		defer close(out)
		for start := 0; start < len(order); start += l.batchSize {
			end := min(start+l.batchSize, len(order))
			b := Batch{
				Images:   make([]*image.RGBA, 0, end-start),
				Captions: make([][]string, 0, end-start),
			}
			for _, idx := range order[start:end] {
				s := l.samples[idx]
				img, err := vision.LoadImage(s.Path, l.imageSize)
				if err != nil {
					return err
				}
				b.Images = append(b.Images, img)
				b.Captions = append(b.Captions, s.Captions)
			}
			select {
			case out <- b:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		return nil
	})
	return out
}

// Err reports the first error from the most recent epoch, after the
// channel is drained.
func (l *Loader) Err() error {
	if l.g == nil {
		return nil
	}
	return l.g.Wait()
}
