package storage

import (
	"errors"
	"math"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poiesic/passim/core"
)

func TestParseMatchFunction(t *testing.T) {
	tests := []struct {
		name string
		want MatchFunction
	}{
		{"", MatchDistance},
		{"distance", MatchDistance},
		{"Cosine", MatchDistance},
		{"innerProduct", MatchInnerProduct},
		{"inner_product", MatchInnerProduct},
		{"knn", MatchInnerProduct},
	}
	for _, tt := range tests {
		got, err := ParseMatchFunction(tt.name)
		require.NoError(t, err, tt.name)
		assert.Equal(t, tt.want, got, tt.name)
	}

	_, err := ParseMatchFunction("euclid")
	assert.ErrorIs(t, err, ErrInvalidMatchFunction)
}

func TestDistanceMatcher(t *testing.T) {
	m := DistanceMatcher{}

	t.Run("identical vectors", func(t *testing.T) {
		s, ok := m.Similarity([]float32{1, 2, 3}, []float32{1, 2, 3})
		require.True(t, ok)
		assert.InDelta(t, 1.0, s, 1e-9)
	})

	t.Run("orthogonal vectors", func(t *testing.T) {
		s, ok := m.Similarity([]float32{1, 0}, []float32{0, 1})
		require.True(t, ok)
		assert.InDelta(t, 0.0, s, 1e-9)
	})

	t.Run("opposite vectors", func(t *testing.T) {
		s, ok := m.Similarity([]float32{1, 0}, []float32{-1, 0})
		require.True(t, ok)
		assert.InDelta(t, -1.0, s, 1e-9)
	})

	t.Run("scale invariant", func(t *testing.T) {
		a, _ := m.Similarity([]float32{1, 2}, []float32{2, 1})
		b, _ := m.Similarity([]float32{10, 20}, []float32{0.2, 0.1})
		assert.InDelta(t, a, b, 1e-9)
	})

	t.Run("zero vector is undefined", func(t *testing.T) {
		_, ok := m.Similarity([]float32{0, 0}, []float32{1, 0})
		assert.False(t, ok)
		_, ok = m.Similarity([]float32{1, 0}, []float32{0, 0})
		assert.False(t, ok)
	})

	t.Run("dimension mismatch is undefined", func(t *testing.T) {
		_, ok := m.Similarity([]float32{1, 0}, []float32{1, 0, 0})
		assert.False(t, ok)
	})
}

func TestInnerProductMatcher(t *testing.T) {
	m := InnerProductMatcher{}

	s, ok := m.Similarity([]float32{1, 2, 3}, []float32{4, 5, 6})
	require.True(t, ok)
	assert.InDelta(t, 32.0, s, 1e-9)

	_, ok = m.Similarity([]float32{1}, []float32{1, 2})
	assert.False(t, ok)
}

func TestMatchersAgreeOnUnitVectors(t *testing.T) {
	query := NormalizeVector([]float32{0.3, -0.7, 0.2, 0.9})
	corpus := [][]float32{
		{0.1, 0.1, 0.1, 0.1},
		{0.3, -0.6, 0.2, 1.0},
		{-0.9, 0.1, 0.4, 0.0},
		{0.5, 0.5, -0.5, 0.5},
		{0.0, -1.0, 0.0, 0.2},
	}

	rank := func(m Matcher) ([]int, []float64) {
		idx := make([]int, len(corpus))
		scores := make([]float64, len(corpus))
		for i, v := range corpus {
			s, ok := m.Similarity(query, NormalizeVector(v))
			require.True(t, ok)
			idx[i] = i
			scores[i] = s
		}
		sort.SliceStable(idx, func(a, b int) bool { return scores[idx[a]] > scores[idx[b]] })
		return idx, scores
	}

	distOrder, distScores := rank(DistanceMatcher{})
	ipOrder, ipScores := rank(InnerProductMatcher{})

	assert.Equal(t, distOrder, ipOrder)
	for i := range distScores {
		assert.InDelta(t, distScores[i], ipScores[i], 1e-6)
	}

	// Neither strategy degenerates to a constant score
	nonZero := 0
	for _, s := range distScores {
		if math.Abs(s) > 1e-9 {
			nonZero++
		}
	}
	assert.Greater(t, nonZero, 1)
}

func TestNewMatcher(t *testing.T) {
	m, err := NewMatcher(MatchDistance)
	require.NoError(t, err)
	assert.Equal(t, MatchDistance, m.Function())

	m, err = NewMatcher(MatchInnerProduct)
	require.NoError(t, err)
	assert.Equal(t, MatchInnerProduct, m.Function())

	_, err = NewMatcher(MatchFunction(42))
	assert.ErrorIs(t, err, ErrInvalidMatchFunction)
}

func TestCheckDegenerate(t *testing.T) {
	hit := func(id core.ID, s float32, vector ...float32) *core.SearchHit {
		return &core.SearchHit{Sentence: &core.Sentence{Id: id, Vector: vector}, Similarity: s}
	}
	query := []float32{1, 0}

	assert.NoError(t, CheckDegenerate(query, nil))
	assert.NoError(t, CheckDegenerate(query, []*core.SearchHit{hit(1, 0.9), hit(2, 0)}))

	t.Run("orthogonal zeros are genuine", func(t *testing.T) {
		assert.NoError(t, CheckDegenerate(query, []*core.SearchHit{hit(1, 0, 0, 1)}))
		assert.NoError(t, CheckDegenerate(query, []*core.SearchHit{hit(1, 0, 0, 1), hit(2, 0, 0, -3)}))
	})

	t.Run("zero on correlated vectors", func(t *testing.T) {
		err := CheckDegenerate(query, []*core.SearchHit{hit(1, 0, 0.8, 0.6)})
		assert.True(t, errors.Is(err, ErrDegenerateSimilarity))
	})

	t.Run("zero-norm stored vector", func(t *testing.T) {
		assert.NoError(t, CheckDegenerate(query, []*core.SearchHit{hit(1, 0, 0, 0), hit(2, 0, 0, 0)}))
	})

	t.Run("unverified zeros", func(t *testing.T) {
		assert.NoError(t, CheckDegenerate(query, []*core.SearchHit{hit(1, 0)}))
		err := CheckDegenerate(query, []*core.SearchHit{hit(1, 0), hit(2, 0)})
		assert.ErrorIs(t, err, ErrDegenerateSimilarity)
	})

	t.Run("not finite", func(t *testing.T) {
		err := CheckDegenerate(query, []*core.SearchHit{hit(1, 0.5), hit(2, float32(math.NaN()))})
		assert.ErrorIs(t, err, ErrDegenerateSimilarity)

		err = CheckDegenerate(query, []*core.SearchHit{hit(1, float32(math.Inf(1)))})
		assert.ErrorIs(t, err, ErrDegenerateSimilarity)
	})
}
