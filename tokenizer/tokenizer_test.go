package tokenizer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestStandardize(t *testing.T) {
	require.Equal(t, "a dog runs", Standardize("A dog, runs!"))
	require.Equal(t, "<start> a dog <end>", Standardize("<start> A dog. <end>"))
	require.Equal(t, "its cold", Standardize("It's \"cold\""))
}

func TestWrapStrip(t *testing.T) {
	wrapped := Wrap("a dog runs")
	require.Equal(t, "<start> a dog runs <end>", wrapped)
	require.Equal(t, "a dog runs", Strip(wrapped))
	require.Equal(t, "bare caption", Strip("bare caption"))
}

func TestAdaptOrdersByFrequency(t *testing.T) {
	v := NewVectorizer(10, 100)
	v.Adapt([]string{
		"dog dog dog cat cat bird",
		"cat dog",
	})

	vocab := v.Vocabulary()
	require.Equal(t, "", vocab[PadID])
	require.Equal(t, "[UNK]", vocab[UnkID])
	require.Equal(t, "dog", vocab[2]) // 4 occurrences
	require.Equal(t, "cat", vocab[3]) // 3 occurrences
	require.Equal(t, "bird", vocab[4])
}

func TestAdaptTieBreakAndCap(t *testing.T) {
	v := NewVectorizer(10, 4)
	v.Adapt([]string{"zebra ant zebra ant mole"})

	vocab := v.Vocabulary()
	require.Len(t, vocab, 4)
	// ant and zebra tie at two occurrences; lexicographic order wins
	require.Equal(t, []string{"", "[UNK]", "ant", "zebra"}, vocab)
}

func TestEncodePadsAndTruncates(t *testing.T) {
	v := NewVectorizer(5, 100)
	v.Adapt([]string{"a dog runs fast today again"})

	seqs := v.Encode([]string{"a dog"})
	require.Len(t, seqs, 1)
	require.Len(t, seqs[0], 5)
	require.NotEqual(t, 0, seqs[0][0])
	require.NotEqual(t, 0, seqs[0][1])
	require.Equal(t, []int{0, 0, 0}, seqs[0][2:])

	long := v.Encode([]string{"a dog runs fast today again"})
	require.Len(t, long[0], 5)
	for _, id := range long[0] {
		require.NotEqual(t, 0, id)
	}
}

func TestEncodeUnknownWords(t *testing.T) {
	v := NewVectorizer(4, 100)
	v.Adapt([]string{"a dog runs"})

	seq := v.Encode([]string{"a zeppelin runs"})[0]
	require.Equal(t, UnkID, seq[1])
	require.NotEqual(t, UnkID, seq[0])
	require.NotEqual(t, UnkID, seq[2])
}

func TestEncodeWrappedCaption(t *testing.T) {
	v := NewVectorizer(25, 100)
	v.Adapt([]string{Wrap("a dog runs"), Wrap("a cat sleeps")})

	seq := v.Encode([]string{Wrap("a dog runs")})[0]
	require.Len(t, seq, 25)
	nonzero := 0
	for _, id := range seq {
		if id != 0 {
			nonzero++
		}
	}
	// <start>, a, dog, runs, <end>
	require.Equal(t, 5, nonzero)
	require.Equal(t, StartToken, v.Word(seq[0]))
	require.Equal(t, EndToken, v.Word(seq[4]))
}

func TestDecodeRoundTrip(t *testing.T) {
	v := NewVectorizer(8, 100)
	v.Adapt([]string{"a dog runs fast"})

	seq := v.Encode([]string{"a dog runs"})[0]
	require.Equal(t, "a dog runs", v.Decode(seq))
}

func TestFromVocabularyMatchesAdapt(t *testing.T) {
	v := NewVectorizer(6, 100)
	v.Adapt([]string{"a dog runs", "a cat"})

	rebuilt := FromVocabulary(v.Vocabulary(), 6)
	require.Equal(t, v.Vocabulary(), rebuilt.Vocabulary())
	require.Equal(t, v.Encode([]string{"a dog"}), rebuilt.Encode([]string{"a dog"}))
}

func TestWordOutOfRange(t *testing.T) {
	v := NewVectorizer(4, 10)
	v.Adapt([]string{"a"})
	require.Equal(t, "[UNK]", v.Word(-1))
	require.Equal(t, "[UNK]", v.Word(99))
}
