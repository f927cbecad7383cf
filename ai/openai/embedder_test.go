package openai

import (
	"context"
	"errors"
	"testing"

	"github.com/poiesic/passim/ai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tmc/langchaingo/embeddings"
)

func fixedClient(dim int) embeddings.EmbedderClientFunc {
	return func(ctx context.Context, texts []string) ([][]float32, error) {
		out := make([][]float32, len(texts))
		for i := range texts {
			v := make([]float32, dim)
			v[i%dim] = 1
			out[i] = v
		}
		return out, nil
	}
}

func TestNewEmbedder(t *testing.T) {
	t.Run("valid config", func(t *testing.T) {
		embedder, err := NewEmbedder(ai.NewConfig(ai.WithEmbeddingHost("http://localhost:11434")))
		require.NoError(t, err)
		assert.NotNil(t, embedder)
	})

	t.Run("invalid config", func(t *testing.T) {
		_, err := NewEmbedder(ai.NewConfig(ai.WithEmbeddingModel("")))
		require.Error(t, err)
	})
}

func TestNewProvider(t *testing.T) {
	provider, err := NewProvider(ai.NewConfig(ai.WithEmbeddingModel("text-embedding-3-small")))
	require.NoError(t, err)
	defer provider.Close()

	assert.Equal(t, "text-embedding-3-small", provider.Model())
	assert.NotNil(t, provider.Embedder())
}

func TestEmbedder_EmbedText(t *testing.T) {
	embedder, err := newEmbedderWithClient(fixedClient(3), "test-model", 10)
	require.NoError(t, err)

	vector, err := embedder.EmbedText(context.Background(), "The appeal is allowed.")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0, 0}, vector)
}

func TestEmbedder_EmbedTexts(t *testing.T) {
	embedder, err := newEmbedderWithClient(fixedClient(3), "test-model", 2)
	require.NoError(t, err)

	vectors, err := embedder.EmbedTexts(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vectors, 3)

	t.Run("empty input", func(t *testing.T) {
		vectors, err := embedder.EmbedTexts(context.Background(), nil)
		require.NoError(t, err)
		assert.Empty(t, vectors)
	})
}

func TestEmbedder_Failures(t *testing.T) {
	t.Run("client error becomes provider error", func(t *testing.T) {
		client := embeddings.EmbedderClientFunc(func(ctx context.Context, texts []string) ([][]float32, error) {
			return nil, errors.New("401 unauthorized")
		})
		embedder, err := newEmbedderWithClient(client, "kanon-2-embedder", 10)
		require.NoError(t, err)

		_, err = embedder.EmbedText(context.Background(), "query")
		require.Error(t, err)
		var pe *ai.ProviderError
		require.ErrorAs(t, err, &pe)
		assert.Equal(t, "kanon-2-embedder", pe.Model)
		assert.Contains(t, err.Error(), "401")
	})

	t.Run("empty response is an error, not a zero vector", func(t *testing.T) {
		client := embeddings.EmbedderClientFunc(func(ctx context.Context, texts []string) ([][]float32, error) {
			return [][]float32{}, nil
		})
		embedder, err := newEmbedderWithClient(client, "m", 10)
		require.NoError(t, err)

		vector, err := embedder.EmbedText(context.Background(), "query")
		assert.Nil(t, vector)
		assert.ErrorIs(t, err, ai.ErrEmptyEmbedding)
		assert.ErrorIs(t, err, ai.ErrProvider)
	})
}
