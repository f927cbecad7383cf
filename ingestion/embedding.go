package ingestion

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"

	"github.com/poiesic/passim/ai"
	"github.com/poiesic/passim/core"
	"github.com/poiesic/passim/storage"
)

type embeddingProcessor struct {
	embedder  ai.Embedder
	model     string
	limiter   *rate.Limiter
	normalize bool
	logger    *slog.Logger
}

func newEmbeddingProcessor(embedder ai.Embedder, model string, limiter *rate.Limiter, normalize bool, logger *slog.Logger) *embeddingProcessor {
	if logger == nil {
		logger = slog.Default()
	}
	return &embeddingProcessor{
		embedder:  embedder,
		model:     model,
		limiter:   limiter,
		normalize: normalize,
		logger:    logger.With("processor", "embeddings"),
	}
}

// process embeds every sentence in batch that has no vector and normalizes
// all vectors. It returns the number of sentences it embedded.
func (ep *embeddingProcessor) process(ctx context.Context, batch []*core.Sentence) (int, error) {
	var missing []*core.Sentence
	for _, s := range batch {
		if len(s.Vector) == 0 {
			missing = append(missing, s)
		}
	}

	if len(missing) > 0 {
		if err := ep.limiter.Wait(ctx); err != nil {
			return 0, err
		}

		texts := make([]string, len(missing))
		for i, s := range missing {
			texts[i] = s.Text
		}

		ep.logger.Debug("generating embeddings for sentences", "sentences", len(texts))
		embeddings, err := ep.embedder.EmbedTexts(ctx, texts)
		if err != nil {
			ep.logger.Error("error generating embeddings", "err", err)
			return 0, ai.AsProviderError("embed batch", ep.model, err)
		}
		if len(embeddings) != len(missing) {
			return 0, ai.AsProviderError("embed batch", ep.model,
				fmt.Errorf("embedding result mismatch. expected %d, received %d", len(missing), len(embeddings)))
		}
		for i, s := range missing {
			if len(embeddings[i]) == 0 {
				return 0, ai.AsProviderError("embed batch", ep.model, ai.ErrEmptyEmbedding)
			}
			s.Vector = embeddings[i]
		}
	}

	if ep.normalize {
		for _, s := range batch {
			s.Vector = storage.NormalizeVector(s.Vector)
		}
	}
	return len(missing), nil
}
