package storage

import (
	"context"

	"github.com/poiesic/passim/core"
)

// Filter restricts search to sentences whose tags contain every key/value pair.
// A nil or empty Filter matches everything.
type Filter map[string]string

// Matches reports whether tags satisfy the filter.
func (f Filter) Matches(tags map[string]string) bool {
	for k, v := range f {
		if tags[k] != v {
			return false
		}
	}
	return true
}

// CorpusReader is the read path used by retrieval.
// Implementations must be thread-safe and support concurrent access.
type CorpusReader interface {
	// Search returns up to topK sentences ordered by descending similarity to vector.
	// Every hit has similarity strictly greater than threshold.
	// Ties are broken by ascending sentence ID.
	// Returns ErrDegenerateSimilarity (wrapped in a *QueryError) if the scores are unusable.
	Search(ctx context.Context, vector []float32, topK int, threshold float32, filter Filter) ([]*core.SearchHit, error)

	// GetByOffset returns the sentence at SentenceIndex+offset within the same
	// (DocumentId, SectionTitle) as the sentence identified by id.
	// Returns core.EmptySentence when no such sentence exists.
	// Returns a *NotFoundError only if id itself does not exist.
	GetByOffset(ctx context.Context, id core.ID, offset int) (core.Slot, error)

	// Manifest returns the corpus metadata.
	Manifest(ctx context.Context) (*core.Manifest, error)

	// Selector returns the corpus and matching function this reader is bound to.
	Selector() Selector
}

// CorpusWriter is the ingestion write contract.
type CorpusWriter interface {
	// InsertSentences bulk-inserts sentences and assigns their IDs.
	// Every sentence must carry a vector. The first insert fixes the corpus
	// dimensionality; later inserts must match it.
	// Returns ErrCorpusSealed once the corpus is sealed and ErrDuplicateKey for
	// a position that is already taken.
	InsertSentences(ctx context.Context, sentences ...*core.Sentence) ([]*core.Sentence, error)

	// Seal freezes the corpus. Sealing an already sealed corpus is a no-op.
	Seal(ctx context.Context) error
}

// Corpus is a complete corpus snapshot.
type Corpus interface {
	CorpusReader
	CorpusWriter

	// ForEach calls fn with batches of sentences in ascending ID order.
	// Iteration stops on the first error from fn.
	ForEach(ctx context.Context, batchSize int, fn func([]*core.Sentence) error) error

	// Close releases resources held by the corpus handle.
	Close() error
}

// GetNext returns the sentence following id in its section.
func GetNext(ctx context.Context, r CorpusReader, id core.ID) (core.Slot, error) {
	return r.GetByOffset(ctx, id, 1)
}

// GetPrevious returns the sentence preceding id in its section.
func GetPrevious(ctx context.Context, r CorpusReader, id core.ID) (core.Slot, error) {
	return r.GetByOffset(ctx, id, -1)
}
