package reembed

import (
	"context"
	"fmt"
	"time"

	"github.com/poiesic/passim/ai"
	"github.com/poiesic/passim/core"
	"github.com/poiesic/passim/storage"
)

// BatchProcessor embeds one batch of source sentences with the target model
// and inserts copies into the target corpus.
type BatchProcessor struct {
	target         storage.CorpusWriter
	embedder       ai.Embedder
	model          string
	maxRetries     int
	retryBaseDelay time.Duration
}

func NewBatchProcessor(target storage.CorpusWriter, embedder ai.Embedder, model string, maxRetries int, retryBaseDelay time.Duration) *BatchProcessor {
	return &BatchProcessor{
		target:         target,
		embedder:       embedder,
		model:          model,
		maxRetries:     maxRetries,
		retryBaseDelay: retryBaseDelay,
	}
}

// Process copies sentences into the target. The source sentences are not modified.
func (bp *BatchProcessor) Process(ctx context.Context, sentences []*core.Sentence) error {
	if len(sentences) == 0 {
		return nil
	}

	texts := make([]string, len(sentences))
	for i, s := range sentences {
		texts[i] = s.Text
	}

	var embeddings [][]float32
	err := ai.RetryWithBackoff(ctx, func() error {
		var err error
		embeddings, err = bp.embedder.EmbedTexts(ctx, texts)
		return err
	}, bp.maxRetries, bp.retryBaseDelay)
	if err != nil {
		return ai.AsProviderError("reembed batch", bp.model,
			fmt.Errorf("failed to generate embeddings after %d attempts: %w", bp.maxRetries, err))
	}

	if len(embeddings) != len(sentences) {
		return ai.AsProviderError("reembed batch", bp.model,
			fmt.Errorf("embedding count mismatch: expected %d, got %d", len(sentences), len(embeddings)))
	}

	copies := make([]*core.Sentence, len(sentences))
	for i, s := range sentences {
		if storage.Norm(embeddings[i]) == 0 {
			return ai.AsProviderError("reembed batch", bp.model, ai.ErrEmptyEmbedding)
		}
		c := *s
		c.Id = 0
		c.Vector = storage.NormalizeVector(embeddings[i])
		copies[i] = &c
	}

	if _, err := bp.target.InsertSentences(ctx, copies...); err != nil {
		return fmt.Errorf("failed to insert sentences: %w", err)
	}
	return nil
}
