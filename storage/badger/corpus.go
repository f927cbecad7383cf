package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/poiesic/passim/core"
	"github.com/poiesic/passim/storage"
)

// cancelCheckInterval is how many scanned records pass between context checks.
const cancelCheckInterval = 256

// Corpus implements storage.Corpus for one snapshot in a BadgerDB backend.
type Corpus struct {
	backend *Backend
	sel     storage.Selector
	matcher storage.Matcher
	idSeq   *badger.Sequence
	logger  *slog.Logger

	// Serializes writers so manifest counts and position checks stay consistent.
	writeMu sync.Mutex
}

var _ storage.Corpus = (*Corpus)(nil)

// OpenCorpus opens an existing corpus snapshot.
// Returns storage.ErrUnknownCorpus if the corpus has no manifest.
func OpenCorpus(ctx context.Context, backend *Backend, sel storage.Selector) (storage.Corpus, error) {
	if err := sel.Validate(); err != nil {
		return nil, err
	}
	manifest, err := backend.LoadManifest(ctx, sel.Corpus)
	if err != nil {
		return nil, err
	}
	if manifest == nil {
		return nil, fmt.Errorf("%w: %q", storage.ErrUnknownCorpus, sel.Corpus)
	}
	return newCorpus(backend, sel)
}

// CreateCorpus creates an empty, unsealed corpus snapshot bound to an embedding model.
// Returns storage.ErrCorpusExists if the corpus already has a manifest.
func CreateCorpus(ctx context.Context, backend *Backend, sel storage.Selector, embeddingModel string) (storage.Corpus, error) {
	if err := sel.Validate(); err != nil {
		return nil, err
	}
	err := backend.WithTx(func(tx *badger.Txn) error {
		existing, err := readManifest(tx, sel.Corpus)
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("%w: %q", storage.ErrCorpusExists, sel.Corpus)
		}
		manifest := &core.Manifest{
			Name:           sel.Corpus,
			EmbeddingModel: embeddingModel,
			CreatedAt:      time.Now().UTC(),
		}
		if err := writeManifest(tx, manifest); err != nil {
			return err
		}
		return tx.Commit()
	}, true)
	if err != nil {
		return nil, err
	}
	return newCorpus(backend, sel)
}

func newCorpus(backend *Backend, sel storage.Selector) (*Corpus, error) {
	matcher, err := storage.NewMatcher(sel.Match)
	if err != nil {
		return nil, err
	}
	idSeq, err := backend.GetSequence(makeSequenceKey(sel.Corpus))
	if err != nil {
		return nil, err
	}
	return &Corpus{
		backend: backend,
		sel:     sel,
		matcher: matcher,
		idSeq:   idSeq,
		logger:  backend.logger.With("corpus", sel.Corpus, "match", sel.Match.String()),
	}, nil
}

// Close releases the ID sequence. The backend stays open.
func (c *Corpus) Close() error {
	return c.idSeq.Release()
}

// Selector returns the corpus and matching function this store is bound to.
func (c *Corpus) Selector() storage.Selector {
	return c.sel
}

// Manifest returns the corpus metadata.
func (c *Corpus) Manifest(ctx context.Context) (*core.Manifest, error) {
	manifest, err := c.backend.LoadManifest(ctx, c.sel.Corpus)
	if err != nil {
		return nil, c.queryError("manifest", err)
	}
	if manifest == nil {
		return nil, fmt.Errorf("%w: %q", storage.ErrUnknownCorpus, c.sel.Corpus)
	}
	return manifest, nil
}

func (c *Corpus) queryError(op string, err error) error {
	return &storage.QueryError{Op: op, Corpus: c.sel.Corpus, Err: err}
}

// Search scans the corpus and scores every sentence with the selected matcher.
func (c *Corpus) Search(ctx context.Context, vector []float32, topK int, threshold float32, filter storage.Filter) ([]*core.SearchHit, error) {
	if topK <= 0 {
		return nil, c.queryError("search", fmt.Errorf("%w: topK must be positive, got %d", storage.ErrInvalidQuery, topK))
	}
	if len(vector) == 0 || storage.Norm(vector) == 0 {
		return nil, c.queryError("search", fmt.Errorf("%w: query vector is empty or zero", storage.ErrInvalidQuery))
	}
	if err := ctx.Err(); err != nil {
		return nil, c.queryError("search", err)
	}

	var hits []*core.SearchHit
	var audit storage.ScoreAudit

	err := c.backend.WithTx(func(tx *badger.Txn) error {
		manifest, err := readManifest(tx, c.sel.Corpus)
		if err != nil {
			return err
		}
		if manifest == nil {
			return storage.ErrUnknownCorpus
		}
		if manifest.Dimensions != 0 && len(vector) != manifest.Dimensions {
			return fmt.Errorf("%w: query has %d dimensions, corpus has %d",
				storage.ErrDimensionMismatch, len(vector), manifest.Dimensions)
		}

		opts := badger.DefaultIteratorOptions
		opts.Prefix = corpusPrefix(sentencePrefix, c.sel.Corpus)
		iter := tx.NewIterator(opts)
		defer iter.Close()

		scanned := 0
		for iter.Rewind(); iter.Valid(); iter.Next() {
			scanned++
			if scanned%cancelCheckInterval == 0 {
				if err := ctx.Err(); err != nil {
					return err
				}
			}

			var sentence *core.Sentence
			err := iter.Item().Value(func(val []byte) error {
				var err error
				sentence, err = storage.UnmarshalSentence(val)
				return err
			})
			if err != nil {
				return err
			}
			if !filter.Matches(sentence.Tags) {
				continue
			}

			score, ok := c.matcher.Similarity(vector, sentence.Vector)
			if !ok {
				// Undefined for this pair, never a zero score
				continue
			}
			if err := audit.Observe(sentence.Id, score, vector, sentence.Vector); err != nil {
				return err
			}
			similarity := float32(score)
			if similarity > threshold {
				hits = append(hits, &core.SearchHit{Sentence: sentence, Similarity: similarity})
			}
		}
		return audit.Err()
	}, false)
	if err != nil {
		return nil, c.queryError("search", err)
	}

	slices.SortStableFunc(hits, compareHits)
	if len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

// compareHits orders by descending similarity, then ascending ID.
func compareHits(a, b *core.SearchHit) int {
	switch {
	case a.Similarity > b.Similarity:
		return -1
	case a.Similarity < b.Similarity:
		return 1
	case a.Sentence.Id < b.Sentence.Id:
		return -1
	case a.Sentence.Id > b.Sentence.Id:
		return 1
	default:
		return 0
	}
}

// GetByOffset resolves the sentence offset positions away from id inside its section.
func (c *Corpus) GetByOffset(ctx context.Context, id core.ID, offset int) (core.Slot, error) {
	if err := ctx.Err(); err != nil {
		return core.EmptySentence, c.queryError("get_by_offset", err)
	}

	var result core.Slot
	err := c.backend.WithTx(func(tx *badger.Txn) error {
		anchor, err := c.readSentence(tx, id)
		if err != nil {
			return err
		}
		if anchor == nil {
			return &storage.NotFoundError{Corpus: c.sel.Corpus, ID: id}
		}
		if offset == 0 {
			result = core.SlotOf(anchor)
			return nil
		}

		index := anchor.SentenceIndex + offset
		if index < 0 {
			result = core.EmptySentence
			return nil
		}

		ids, err := readPositionBucket(tx, makePositionKey(c.sel.Corpus, anchor.DocumentId, anchor.SectionTitle, index))
		if err != nil {
			return err
		}
		target, err := c.sentenceAt(tx, ids, anchor, index)
		if err != nil {
			return err
		}
		if target == nil {
			result = core.EmptySentence
			return nil
		}
		result = core.SlotOf(target)
		return nil
	}, false)
	if err != nil {
		var notFound *storage.NotFoundError
		if errors.As(err, &notFound) {
			return core.EmptySentence, err
		}
		return core.EmptySentence, c.queryError("get_by_offset", err)
	}
	return result, nil
}

// readPositionBucket returns the IDs filed under a position key, or nil.
func readPositionBucket(tx *badger.Txn, key []byte) ([]core.ID, error) {
	item, err := tx.Get(key)
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var ids []core.ID
	err = item.Value(func(val []byte) error {
		var err error
		ids, err = decodePositionBucket(val)
		return err
	})
	return ids, err
}

// sentenceAt picks the sentence from a position bucket that sits at index in
// the section of ref. Entries from colliding sections are skipped.
// Returns nil, nil if none matches.
func (c *Corpus) sentenceAt(tx *badger.Txn, ids []core.ID, ref *core.Sentence, index int) (*core.Sentence, error) {
	for _, id := range ids {
		s, err := c.readSentence(tx, id)
		if err != nil {
			return nil, err
		}
		if s == nil {
			return nil, fmt.Errorf("position index points at missing sentence %d", id)
		}
		if s.SameSection(ref) && s.SentenceIndex == index {
			return s, nil
		}
	}
	if len(ids) > 0 {
		c.logger.Debug("section key collision", "doc", ref.DocumentId, "section", ref.SectionTitle, "index", index)
	}
	return nil, nil
}

// readSentence reads a sentence inside an open transaction.
// Returns nil, nil if the sentence does not exist.
func (c *Corpus) readSentence(tx *badger.Txn, id core.ID) (*core.Sentence, error) {
	item, err := tx.Get(makeSentenceKey(c.sel.Corpus, id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, err
	}
	var sentence *core.Sentence
	err = item.Value(func(val []byte) error {
		var unmarshalErr error
		sentence, unmarshalErr = storage.UnmarshalSentence(val)
		return unmarshalErr
	})
	return sentence, err
}

// InsertSentences stores sentences and assigns their IDs.
// The whole call commits or fails together.
func (c *Corpus) InsertSentences(ctx context.Context, sentences ...*core.Sentence) ([]*core.Sentence, error) {
	if len(sentences) == 0 {
		return sentences, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	ids := make([]core.ID, len(sentences))
	err := c.backend.WithTx(func(tx *badger.Txn) error {
		manifest, err := readManifest(tx, c.sel.Corpus)
		if err != nil {
			return err
		}
		if manifest == nil {
			return fmt.Errorf("%w: %q", storage.ErrUnknownCorpus, c.sel.Corpus)
		}
		if manifest.Sealed {
			return fmt.Errorf("%w: %q", storage.ErrCorpusSealed, c.sel.Corpus)
		}

		for i, sentence := range sentences {
			if err := core.ValidateSentence(sentence); err != nil {
				return err
			}
			if len(sentence.Vector) == 0 {
				return fmt.Errorf("%w: %s/%s#%d", storage.ErrMissingVector,
					sentence.DocumentId, sentence.SectionTitle, sentence.SentenceIndex)
			}
			if manifest.Dimensions == 0 {
				manifest.Dimensions = len(sentence.Vector)
			} else if len(sentence.Vector) != manifest.Dimensions {
				return fmt.Errorf("%w: sentence has %d dimensions, corpus has %d",
					storage.ErrDimensionMismatch, len(sentence.Vector), manifest.Dimensions)
			}

			posKey := makePositionKey(c.sel.Corpus, sentence.DocumentId, sentence.SectionTitle, sentence.SentenceIndex)
			bucket, err := readPositionBucket(tx, posKey)
			if err != nil {
				return err
			}
			existing, err := c.sentenceAt(tx, bucket, sentence, sentence.SentenceIndex)
			if err != nil {
				return err
			}
			if existing != nil {
				return fmt.Errorf("%w: %s/%s#%d", storage.ErrDuplicateKey,
					sentence.DocumentId, sentence.SectionTitle, sentence.SentenceIndex)
			}

			id, err := c.nextID()
			if err != nil {
				return err
			}
			ids[i] = id

			stored := *sentence
			stored.Id = id
			value, err := storage.MarshalSentence(&stored)
			if err != nil {
				return err
			}
			if err := tx.Set(makeSentenceKey(c.sel.Corpus, id), value); err != nil {
				return err
			}
			if err := tx.Set(posKey, encodePositionBucket(append(bucket, id))); err != nil {
				return err
			}
		}

		manifest.SentenceCount += len(sentences)
		if err := writeManifest(tx, manifest); err != nil {
			return err
		}
		return tx.Commit()
	}, true)
	if err != nil {
		return nil, err
	}

	for i, sentence := range sentences {
		sentence.Id = ids[i]
	}
	return sentences, nil
}

func (c *Corpus) nextID() (core.ID, error) {
	nextID, err := c.idSeq.Next()
	if err != nil {
		return 0, err
	}
	// BadgerDB sequences can return 0 on first call, so we skip it
	if nextID == 0 {
		nextID, err = c.idSeq.Next()
		if err != nil {
			return 0, err
		}
	}
	return core.ID(nextID), nil
}

// Seal marks the corpus immutable. Sealing twice is a no-op.
func (c *Corpus) Seal(ctx context.Context) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return c.backend.WithTx(func(tx *badger.Txn) error {
		manifest, err := readManifest(tx, c.sel.Corpus)
		if err != nil {
			return err
		}
		if manifest == nil {
			return fmt.Errorf("%w: %q", storage.ErrUnknownCorpus, c.sel.Corpus)
		}
		if manifest.Sealed {
			return nil
		}
		manifest.Sealed = true
		manifest.SealedAt = time.Now().UTC()
		if err := writeManifest(tx, manifest); err != nil {
			return err
		}
		c.logger.Info("corpus sealed", "sentences", manifest.SentenceCount, "dimensions", manifest.Dimensions)
		return tx.Commit()
	}, true)
}

// ForEach streams the corpus in ID order in batches of batchSize.
func (c *Corpus) ForEach(ctx context.Context, batchSize int, fn func([]*core.Sentence) error) error {
	if batchSize <= 0 {
		return fmt.Errorf("%w: batch size must be positive", storage.ErrInvalidQuery)
	}
	return c.backend.WithTx(func(tx *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = corpusPrefix(sentencePrefix, c.sel.Corpus)
		iter := tx.NewIterator(opts)
		defer iter.Close()

		batch := make([]*core.Sentence, 0, batchSize)
		for iter.Rewind(); iter.Valid(); iter.Next() {
			var sentence *core.Sentence
			err := iter.Item().Value(func(val []byte) error {
				var err error
				sentence, err = storage.UnmarshalSentence(val)
				return err
			})
			if err != nil {
				return err
			}
			batch = append(batch, sentence)
			if len(batch) == batchSize {
				if err := ctx.Err(); err != nil {
					return err
				}
				if err := fn(batch); err != nil {
					return err
				}
				batch = make([]*core.Sentence, 0, batchSize)
			}
		}
		if len(batch) > 0 {
			if err := ctx.Err(); err != nil {
				return err
			}
			return fn(batch)
		}
		return nil
	}, false)
}
