package IO

import (
	"bufio"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/flickcap/flickcap/tokenizer"
)

// ParseCaptions reads a Flickr8k-style token file: one caption per line,
// "image.jpg#idx<TAB>caption". It returns the image -> captions mapping and
// the marker-wrapped corpus used to adapt the vectorizer.
//
// Quality filter: captions with fewer than minTokens or more than maxTokens
// words are dropped, and any image with at least one dropped caption is
// excluded entirely. A line without exactly one tab is a fatal format error.
func ParseCaptions(path, imageDir string, minTokens, maxTokens int) (map[string][]string, []string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open captions: %w", err)
	}
	defer f.Close()

	mapped := make(map[string][]string)
	var corpus []string
	skip := make(map[string]bool)

	sc := bufio.NewScanner(f)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimRight(sc.Text(), "\n")
		if line == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) != 2 {
			return nil, nil, fmt.Errorf("captions line %d: want 2 tab-separated fields, got %d", lineNo, len(fields))
		}
		caption := strings.TrimSpace(fields[1])

		// each image has several captions, suffixed "#<n>"
		name := strings.TrimSpace(strings.SplitN(fields[0], "#", 2)[0])
		name = filepath.Join(imageDir, name)

		nTokens := len(strings.Fields(caption))
		if nTokens < minTokens || nTokens > maxTokens {
			skip[name] = true
			continue
		}
		if !strings.HasSuffix(name, "jpg") || skip[name] {
			continue
		}
		corpus = append(corpus, tokenizer.Wrap(caption))
		mapped[name] = append(mapped[name], caption)
	}
	if err := sc.Err(); err != nil {
		return nil, nil, fmt.Errorf("read captions: %w", err)
	}

	for name := range skip {
		delete(mapped, name)
	}
	return mapped, corpus, nil
}

// Sample pairs an image path with its captions (markers not yet applied).
type Sample struct {
	Path     string
	Captions []string
}

// Split shuffles the images and partitions them trainFrac/1-trainFrac by
// image, never by caption, so no image appears on both sides.
func Split(mapped map[string][]string, trainFrac float64, rng *rand.Rand) (train, val []Sample) {
	names := make([]string, 0, len(mapped))
	for name := range mapped {
		names = append(names, name)
	}
	// map order is random; sort first so the shuffle is seed-reproducible
	sort.Strings(names)
	rng.Shuffle(len(names), func(i, j int) { names[i], names[j] = names[j], names[i] })

	cut := int(float64(len(names)) * trainFrac)
	for i, name := range names {
		s := Sample{Path: name, Captions: mapped[name]}
		if i < cut {
			train = append(train, s)
		} else {
			val = append(val, s)
		}
	}
	return train, val
}
