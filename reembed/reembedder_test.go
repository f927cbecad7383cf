package reembed

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poiesic/passim/ai"
	"github.com/poiesic/passim/ai/mock"
	"github.com/poiesic/passim/storage"
	"github.com/poiesic/passim/storage/badger"
)

func newProvider(model string) ai.Provider {
	embedder := mock.NewMockEmbedder()
	embedder.Dimensions = 16
	return mock.NewMockProviderWithEmbedder(embedder, model)
}

func testConfig() *Config {
	return &Config{
		BatchSize:      3,
		ReportInterval: 3,
		MaxRetries:     3,
		RetryDelay:     time.Millisecond,
	}
}

func TestReembedder_Run(t *testing.T) {
	c := setupCorpora(t, 10)
	ctx := context.Background()

	var buf bytes.Buffer
	reembedder := NewReembedder(c.source, c.target, newProvider(targetModel), testConfig(), &buf)
	final, err := reembedder.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, 10, final.Done)
	assert.Equal(t, 10, final.Total)

	manifest, err := c.target.Manifest(ctx)
	require.NoError(t, err)
	assert.True(t, manifest.Sealed)
	assert.Equal(t, 10, manifest.SentenceCount)
	assert.Equal(t, 16, manifest.Dimensions)
	assert.Equal(t, targetModel, manifest.EmbeddingModel)

	source := collect(t, c.source)
	copied := collect(t, c.target)
	require.Len(t, copied, 10)
	for i := range copied {
		assert.Equal(t, source[i].Text, copied[i].Text)
		assert.Len(t, copied[i].Vector, 16)
		assert.True(t, storage.IsUnit(copied[i].Vector, 1e-5))
	}

	// Neighbourhoods are preserved in the new snapshot
	next, err := storage.GetNext(ctx, c.target, copied[0].Id)
	require.NoError(t, err)
	assert.Equal(t, source[2].Text, next.Text())

	// Source is untouched
	sourceManifest, err := c.source.Manifest(ctx)
	require.NoError(t, err)
	assert.Equal(t, sourceModel, sourceManifest.EmbeddingModel)
	assert.Equal(t, 4, sourceManifest.Dimensions)

	assert.Contains(t, buf.String(), "10/10")
	assert.Contains(t, buf.String(), "Reembedding complete")
}

func TestReembedder_EmptySource(t *testing.T) {
	c := setupCorpora(t, 0)

	var buf bytes.Buffer
	final, err := NewReembedder(c.source, c.target, newProvider(targetModel), DefaultConfig(), &buf).Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, final.Done)

	manifest, err := c.target.Manifest(context.Background())
	require.NoError(t, err)
	assert.True(t, manifest.Sealed)
	assert.Contains(t, buf.String(), "0/0")
}

func TestReembedder_Preconditions(t *testing.T) {
	ctx := context.Background()

	t.Run("source not sealed", func(t *testing.T) {
		backend, err := badger.OpenBackend("", true)
		require.NoError(t, err)
		defer backend.Close()
		source, err := badger.CreateCorpus(ctx, backend, storage.Selector{Corpus: "v1", Match: storage.MatchDistance}, sourceModel)
		require.NoError(t, err)
		target, err := badger.CreateCorpus(ctx, backend, storage.Selector{Corpus: "v2", Match: storage.MatchDistance}, targetModel)
		require.NoError(t, err)

		_, err = NewReembedder(source, target, newProvider(targetModel), nil, nil).Run(ctx)
		assert.ErrorIs(t, err, ErrSourceNotSealed)
	})

	t.Run("same corpus", func(t *testing.T) {
		c := setupCorpora(t, 1)
		_, err := NewReembedder(c.source, c.source, newProvider(sourceModel), nil, nil).Run(ctx)
		assert.ErrorIs(t, err, ErrSameCorpus)
	})

	t.Run("model mismatch", func(t *testing.T) {
		c := setupCorpora(t, 1)
		_, err := NewReembedder(c.source, c.target, newProvider("third-model"), nil, nil).Run(ctx)
		assert.ErrorIs(t, err, storage.ErrModelMismatch)
	})

	t.Run("target not empty", func(t *testing.T) {
		c := setupCorpora(t, 2)
		_, err := NewReembedder(c.source, c.target, newProvider(targetModel), testConfig(), nil).Run(ctx)
		require.NoError(t, err)

		other, err := badger.CreateCorpus(ctx, c.backend, storage.Selector{Corpus: "v3", Match: storage.MatchDistance}, targetModel)
		require.NoError(t, err)
		_, err = other.InsertSentences(ctx, collect(t, c.target)[0])
		require.NoError(t, err)

		_, err = NewReembedder(c.source, other, newProvider(targetModel), nil, nil).Run(ctx)
		assert.ErrorIs(t, err, ErrTargetNotEmpty)
	})

	t.Run("target sealed", func(t *testing.T) {
		c := setupCorpora(t, 1)
		require.NoError(t, c.target.Seal(ctx))
		_, err := NewReembedder(c.source, c.target, newProvider(targetModel), nil, nil).Run(ctx)
		assert.ErrorIs(t, err, storage.ErrCorpusSealed)
	})
}

func TestReembedder_FailureLeavesTargetUnsealed(t *testing.T) {
	c := setupCorpora(t, 6)
	ctx := context.Background()

	calls := 0
	embedder := mock.NewMockEmbedder()
	embedder.EmbedTextsFunc = func(ctx context.Context, texts []string) ([][]float32, error) {
		calls++
		if calls > 1 {
			return nil, errors.New("quota exceeded")
		}
		return unnormalized(ctx, texts)
	}
	config := testConfig()
	config.MaxRetries = 1

	final, err := NewReembedder(c.source, c.target, mock.NewMockProviderWithEmbedder(embedder, targetModel), config, nil).Run(ctx)
	assert.ErrorIs(t, err, ai.ErrProvider)
	assert.Equal(t, 3, final.Done)

	manifest, err := c.target.Manifest(ctx)
	require.NoError(t, err)
	assert.False(t, manifest.Sealed)
	assert.Equal(t, 3, manifest.SentenceCount)
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	assert.Equal(t, DefaultBatchSize, config.BatchSize)
	assert.Equal(t, 3, config.MaxRetries)
	assert.Equal(t, time.Second, config.RetryDelay)
}
