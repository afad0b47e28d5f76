package captioner

// MeanTracker is a running mean over step metrics. Trackers are owned by
// the model, updated once per step, and reset explicitly between epochs.
type MeanTracker struct {
	sum float64
	n   int
}

func (t *MeanTracker) Update(v float64) {
	t.sum += v
	t.n++
}

func (t *MeanTracker) Result() float64 {
	if t.n == 0 {
		return 0
	}
	return t.sum / float64(t.n)
}

func (t *MeanTracker) Reset() {
	t.sum = 0
	t.n = 0
}
