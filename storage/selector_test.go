package storage

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSelector(t *testing.T) {
	t.Run("corpus and match", func(t *testing.T) {
		sel, err := ParseSelector("mini_sentences+innerProduct")
		require.NoError(t, err)
		assert.Equal(t, Selector{Corpus: "mini_sentences", Match: MatchInnerProduct}, sel)
		assert.Equal(t, "mini_sentences+innerProduct", sel.String())
	})

	t.Run("match defaults to distance", func(t *testing.T) {
		sel, err := ParseSelector("sentences")
		require.NoError(t, err)
		assert.Equal(t, MatchDistance, sel.Match)
	})

	t.Run("empty uses default corpus", func(t *testing.T) {
		sel, err := ParseSelector("")
		require.NoError(t, err)
		assert.Equal(t, DefaultCorpus, sel.Corpus)
		assert.Equal(t, MatchDistance, sel.Match)
	})

	t.Run("unknown match", func(t *testing.T) {
		_, err := ParseSelector("sentences+hamming")
		assert.ErrorIs(t, err, ErrInvalidMatchFunction)
	})

	t.Run("invalid corpus names", func(t *testing.T) {
		for _, name := range []string{"Sentences", "1st", "drop table", "a-b", "x;y"} {
			_, err := ParseSelector(name)
			assert.ErrorIs(t, err, ErrInvalidCorpusName, name)
		}
	})
}

func TestSelectorValidate(t *testing.T) {
	assert.NoError(t, Selector{Corpus: "main", Match: MatchDistance}.Validate())
	assert.ErrorIs(t, Selector{Corpus: "main"}.Validate(), ErrInvalidMatchFunction)
	assert.ErrorIs(t, Selector{Match: MatchDistance}.Validate(), ErrInvalidCorpusName)
}
