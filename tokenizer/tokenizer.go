package tokenizer

import (
	"sort"
	"strings"
)

// Markers wrapped around every caption before vectorization.
const (
	StartToken = "<start>"
	EndToken   = "<end>"
)

// Reserved vocabulary slots.
const (
	PadID = 0 // also the sequence padding value
	UnkID = 1
)

const padWord = ""
const unkWord = "[UNK]"

// stripChars is every ASCII punctuation mark except the marker delimiters.
const stripChars = "!\"#$%&'()*+,-./:;=?@[\\]^_`{|}~"

// Vectorizer maps caption strings to fixed-length integer sequences and
// back. Id 0 is reserved for padding and id 1 for out-of-vocabulary words;
// the rest of the vocabulary is ordered by descending corpus frequency.
type Vectorizer struct {
	SeqLen    int
	MaxTokens int

	words   []string
	wordIDs map[string]int
}

func NewVectorizer(seqLen, maxTokens int) *Vectorizer {
	return &Vectorizer{SeqLen: seqLen, MaxTokens: maxTokens}
}

// FromVocabulary rebuilds a vectorizer from a saved ordered vocabulary.
func FromVocabulary(vocab []string, seqLen int) *Vectorizer {
	v := &Vectorizer{SeqLen: seqLen, MaxTokens: len(vocab)}
	v.words = append([]string(nil), vocab...)
	v.wordIDs = make(map[string]int, len(vocab))
	for id, w := range v.words {
		v.wordIDs[w] = id
	}
	return v
}

// Wrap surrounds a caption with the start/end markers.
func Wrap(caption string) string {
	return StartToken + " " + caption + " " + EndToken
}

// Strip removes the markers and trims the result.
func Strip(caption string) string {
	caption = strings.ReplaceAll(caption, StartToken, "")
	caption = strings.ReplaceAll(caption, EndToken, "")
	return strings.TrimSpace(caption)
}

// Standardize lowercases and removes punctuation, keeping the < and >
// marker delimiters intact.
func Standardize(s string) string {
	s = strings.ToLower(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r < 128 && strings.ContainsRune(stripChars, r) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Adapt builds the vocabulary from a corpus: pad, unknown, then words by
// descending frequency (ties broken lexicographically), capped at MaxTokens.
func (v *Vectorizer) Adapt(texts []string) {
	counts := make(map[string]int)
	for _, t := range texts {
		for _, w := range strings.Fields(Standardize(t)) {
			counts[w]++
		}
	}
	type wc struct {
		w string
		n int
	}
	ordered := make([]wc, 0, len(counts))
	for w, n := range counts {
		ordered = append(ordered, wc{w, n})
	}
	sort.Slice(ordered, func(i, j int) bool {
		if ordered[i].n != ordered[j].n {
			return ordered[i].n > ordered[j].n
		}
		return ordered[i].w < ordered[j].w
	})

	v.words = []string{padWord, unkWord}
	for _, e := range ordered {
		if len(v.words) >= v.MaxTokens {
			break
		}
		v.words = append(v.words, e.w)
	}
	v.wordIDs = make(map[string]int, len(v.words))
	for id, w := range v.words {
		v.wordIDs[w] = id
	}
}

// Encode maps each string to a zero-padded sequence of exactly SeqLen ids.
// Longer inputs are truncated.
func (v *Vectorizer) Encode(texts []string) [][]int {
	out := make([][]int, len(texts))
	for i, t := range texts {
		seq := make([]int, v.SeqLen)
		for p, w := range strings.Fields(Standardize(t)) {
			if p >= v.SeqLen {
				break
			}
			id, ok := v.wordIDs[w]
			if !ok {
				id = UnkID
			}
			seq[p] = id
		}
		out[i] = seq
	}
	return out
}

// Decode renders a token sequence back to a space-joined string, skipping
// padding.
func (v *Vectorizer) Decode(seq []int) string {
	var words []string
	for _, id := range seq {
		if id == PadID {
			continue
		}
		words = append(words, v.Word(id))
	}
	return strings.Join(words, " ")
}

// Word returns the vocabulary entry for id.
func (v *Vectorizer) Word(id int) string {
	if id < 0 || id >= len(v.words) {
		return unkWord
	}
	return v.words[id]
}

// Vocabulary returns the ordered id -> word table.
func (v *Vectorizer) Vocabulary() []string {
	return append([]string(nil), v.words...)
}
