package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/lib/pq"

	"github.com/poiesic/passim/core"
	"github.com/poiesic/passim/storage"
)

// Corpus implements storage.Corpus over a pgvector table.
type Corpus struct {
	db     *DB
	sel    storage.Selector
	table  string
	logger *slog.Logger

	// Cached once the corpus is sealed; a sealed manifest never changes.
	sealed atomic.Pointer[core.Manifest]
}

var _ storage.Corpus = (*Corpus)(nil)

// TableName returns the quoted table holding a corpus.
func TableName(corpus string) string {
	return pq.QuoteIdentifier("corpus_" + corpus)
}

// OpenCorpus opens an existing corpus.
// Returns storage.ErrUnknownCorpus if the corpus has no manifest.
func OpenCorpus(ctx context.Context, db *DB, sel storage.Selector) (storage.Corpus, error) {
	if err := sel.Validate(); err != nil {
		return nil, err
	}
	manifest, err := db.LoadManifest(ctx, sel.Corpus)
	if err != nil {
		return nil, &storage.QueryError{Op: "open", Corpus: sel.Corpus, Err: err}
	}
	if manifest == nil {
		return nil, fmt.Errorf("%w: %q", storage.ErrUnknownCorpus, sel.Corpus)
	}
	return newCorpus(db, sel), nil
}

// CreateCorpus registers a new corpus and creates its table.
// Returns storage.ErrCorpusExists if the corpus already has a manifest.
func CreateCorpus(ctx context.Context, db *DB, sel storage.Selector, embeddingModel string) (storage.Corpus, error) {
	if err := sel.Validate(); err != nil {
		return nil, err
	}
	table := TableName(sel.Corpus)
	err := db.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO corpus_manifests (name, embedding_model) VALUES ($1, $2) ON CONFLICT (name) DO NOTHING`,
			sel.Corpus, embeddingModel)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return fmt.Errorf("%w: %q", storage.ErrCorpusExists, sel.Corpus)
		}

		_, err = tx.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+table+` (
			id BIGSERIAL PRIMARY KEY,
			doc_id TEXT NOT NULL,
			text TEXT NOT NULL,
			section_title TEXT NOT NULL,
			section_number TEXT NOT NULL DEFAULT '',
			sentence_index INTEGER NOT NULL,
			global_index INTEGER NOT NULL,
			tags JSONB NOT NULL DEFAULT '{}',
			embedding vector NOT NULL,
			UNIQUE (doc_id, section_title, sentence_index)
		)`)
		return err
	})
	if err != nil {
		return nil, err
	}
	db.logger.Info("corpus created", "corpus", sel.Corpus, "model", embeddingModel)
	return newCorpus(db, sel), nil
}

func newCorpus(db *DB, sel storage.Selector) *Corpus {
	return &Corpus{
		db:     db,
		sel:    sel,
		table:  TableName(sel.Corpus),
		logger: db.logger.With("corpus", sel.Corpus, "match", sel.Match.String()),
	}
}

// Close is a no-op; the pool belongs to the DB.
func (c *Corpus) Close() error {
	return nil
}

// Selector returns the corpus and matching function this store is bound to.
func (c *Corpus) Selector() storage.Selector {
	return c.sel
}

func (c *Corpus) queryError(op string, err error) error {
	return &storage.QueryError{Op: op, Corpus: c.sel.Corpus, Err: err}
}

// Manifest returns the corpus metadata.
func (c *Corpus) Manifest(ctx context.Context) (*core.Manifest, error) {
	if m := c.sealed.Load(); m != nil {
		return m, nil
	}
	m, err := c.db.LoadManifest(ctx, c.sel.Corpus)
	if err != nil {
		return nil, c.queryError("manifest", err)
	}
	if m == nil {
		return nil, fmt.Errorf("%w: %q", storage.ErrUnknownCorpus, c.sel.Corpus)
	}
	if m.Sealed {
		c.sealed.Store(m)
	}
	return m, nil
}

// scoreExpr returns the similarity expression and ordering for the matcher.
// Distance skips zero-norm rows, where cosine distance is undefined.
func (c *Corpus) scoreExpr() (score, order, where string) {
	if c.sel.Match == storage.MatchInnerProduct {
		return `-(embedding <#> $1::vector)`, `embedding <#> $1::vector`, ``
	}
	return `1 - (embedding <=> $1::vector)`, `embedding <=> $1::vector`, ` AND vector_norm(embedding) > 0`
}

// Search ranks the corpus with pgvector. The threshold is applied after the
// scores are audited, so a degenerate matcher is reported rather than hidden.
func (c *Corpus) Search(ctx context.Context, vector []float32, topK int, threshold float32, filter storage.Filter) ([]*core.SearchHit, error) {
	if topK <= 0 {
		return nil, c.queryError("search", fmt.Errorf("%w: topK must be positive, got %d", storage.ErrInvalidQuery, topK))
	}
	if len(vector) == 0 || storage.Norm(vector) == 0 {
		return nil, c.queryError("search", fmt.Errorf("%w: query vector is empty or zero", storage.ErrInvalidQuery))
	}

	manifest, err := c.Manifest(ctx)
	if err != nil {
		return nil, err
	}
	if manifest.Dimensions != 0 && len(vector) != manifest.Dimensions {
		return nil, c.queryError("search", fmt.Errorf("%w: query has %d dimensions, corpus has %d",
			storage.ErrDimensionMismatch, len(vector), manifest.Dimensions))
	}

	filterJSON := []byte("{}")
	if len(filter) > 0 {
		if filterJSON, err = json.Marshal(filter); err != nil {
			return nil, c.queryError("search", err)
		}
	}

	score, order, where := c.scoreExpr()
	query := `SELECT id, doc_id, text, section_title, section_number, sentence_index, global_index, tags, embedding::text, ` +
		score + ` AS similarity FROM ` + c.table +
		` WHERE tags @> $2::jsonb` + where +
		` ORDER BY ` + order + `, id LIMIT $3`

	rows, err := c.db.QueryContext(ctx, query, formatVector(vector), string(filterJSON), topK)
	if err != nil {
		return nil, c.queryError("search", err)
	}
	defer rows.Close()

	var audit storage.ScoreAudit
	var hits []*core.SearchHit
	for rows.Next() {
		var s core.Sentence
		var tags []byte
		var embedding string
		var similarity sql.NullFloat64
		if err := rows.Scan(&s.Id, &s.DocumentId, &s.Text, &s.SectionTitle, &s.SectionNumber,
			&s.SentenceIndex, &s.GlobalIndex, &tags, &embedding, &similarity); err != nil {
			return nil, c.queryError("search", err)
		}
		if !similarity.Valid {
			return nil, c.queryError("search", fmt.Errorf("%w: sentence %d has no score", storage.ErrDegenerateSimilarity, s.Id))
		}
		if s.Vector, err = parseVector(embedding); err != nil {
			return nil, c.queryError("search", fmt.Errorf("sentence %d: %w", s.Id, err))
		}
		if err := audit.Observe(s.Id, similarity.Float64, vector, s.Vector); err != nil {
			return nil, c.queryError("search", err)
		}
		if err := decodeTags(tags, &s); err != nil {
			return nil, c.queryError("search", err)
		}
		if sim := float32(similarity.Float64); sim > threshold {
			hits = append(hits, &core.SearchHit{Sentence: &s, Similarity: sim})
		}
	}
	if err := rows.Err(); err != nil {
		return nil, c.queryError("search", err)
	}
	if err := audit.Err(); err != nil {
		return nil, c.queryError("search", err)
	}
	return hits, nil
}

func decodeTags(raw []byte, s *core.Sentence) error {
	if len(raw) == 0 {
		return nil
	}
	var tags map[string]string
	if err := json.Unmarshal(raw, &tags); err != nil {
		return fmt.Errorf("decode tags of sentence %d: %w", s.Id, err)
	}
	if len(tags) > 0 {
		s.Tags = tags
	}
	return nil
}

// GetByOffset resolves the neighbour in a single self-join. A missing anchor
// row means the id is unknown; a NULL target means a section edge or gap.
func (c *Corpus) GetByOffset(ctx context.Context, id core.ID, offset int) (core.Slot, error) {
	query := `SELECT t.id, t.doc_id, t.text, t.section_title, t.section_number, t.sentence_index, t.global_index, t.tags
		FROM ` + c.table + ` a
		LEFT JOIN ` + c.table + ` t
			ON t.doc_id = a.doc_id
			AND t.section_title = a.section_title
			AND t.sentence_index = a.sentence_index + $2
		WHERE a.id = $1`

	var (
		tid           sql.NullInt64
		docID, text   sql.NullString
		title, number sql.NullString
		index, gindex sql.NullInt64
		tags          []byte
	)
	err := c.db.QueryRowContext(ctx, query, int64(id), offset).
		Scan(&tid, &docID, &text, &title, &number, &index, &gindex, &tags)
	if errors.Is(err, sql.ErrNoRows) {
		return core.EmptySentence, &storage.NotFoundError{Corpus: c.sel.Corpus, ID: id}
	}
	if err != nil {
		return core.EmptySentence, c.queryError("get_by_offset", err)
	}
	if !tid.Valid {
		return core.EmptySentence, nil
	}

	s := &core.Sentence{
		Id:            core.ID(tid.Int64),
		DocumentId:    docID.String,
		Text:          text.String,
		SectionTitle:  title.String,
		SectionNumber: number.String,
		SentenceIndex: int(index.Int64),
		GlobalIndex:   int(gindex.Int64),
	}
	if err := decodeTags(tags, s); err != nil {
		return core.EmptySentence, c.queryError("get_by_offset", err)
	}
	return core.SlotOf(s), nil
}

// InsertSentences inserts sentences in one transaction and assigns their IDs.
func (c *Corpus) InsertSentences(ctx context.Context, sentences ...*core.Sentence) ([]*core.Sentence, error) {
	if len(sentences) == 0 {
		return sentences, nil
	}

	ids := make([]core.ID, len(sentences))
	err := c.db.inTx(ctx, func(tx *sql.Tx) error {
		manifest, err := loadManifest(ctx, tx, c.sel.Corpus, true)
		if err != nil {
			return err
		}
		if manifest == nil {
			return fmt.Errorf("%w: %q", storage.ErrUnknownCorpus, c.sel.Corpus)
		}
		if manifest.Sealed {
			return fmt.Errorf("%w: %q", storage.ErrCorpusSealed, c.sel.Corpus)
		}

		stmt, err := tx.PrepareContext(ctx, `INSERT INTO `+c.table+`
			(doc_id, text, section_title, section_number, sentence_index, global_index, tags, embedding)
			VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8::vector) RETURNING id`)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for i, s := range sentences {
			if err := core.ValidateSentence(s); err != nil {
				return err
			}
			if len(s.Vector) == 0 {
				return fmt.Errorf("%w: %s/%s#%d", storage.ErrMissingVector, s.DocumentId, s.SectionTitle, s.SentenceIndex)
			}
			if manifest.Dimensions == 0 {
				manifest.Dimensions = len(s.Vector)
			} else if len(s.Vector) != manifest.Dimensions {
				return fmt.Errorf("%w: sentence has %d dimensions, corpus has %d",
					storage.ErrDimensionMismatch, len(s.Vector), manifest.Dimensions)
			}

			tags := []byte("{}")
			if len(s.Tags) > 0 {
				if tags, err = json.Marshal(s.Tags); err != nil {
					return err
				}
			}

			var id int64
			err := stmt.QueryRowContext(ctx, s.DocumentId, s.Text, s.SectionTitle, s.SectionNumber,
				s.SentenceIndex, s.GlobalIndex, string(tags), formatVector(s.Vector)).Scan(&id)
			if err != nil {
				var pqErr *pq.Error
				if errors.As(err, &pqErr) && pqErr.Code.Name() == "unique_violation" {
					return fmt.Errorf("%w: %s/%s#%d", storage.ErrDuplicateKey, s.DocumentId, s.SectionTitle, s.SentenceIndex)
				}
				return err
			}
			ids[i] = core.ID(id)
		}

		_, err = tx.ExecContext(ctx,
			`UPDATE corpus_manifests SET dimensions = $2, sentence_count = sentence_count + $3 WHERE name = $1`,
			c.sel.Corpus, manifest.Dimensions, len(sentences))
		return err
	})
	if err != nil {
		return nil, err
	}

	for i, s := range sentences {
		s.Id = ids[i]
	}
	return sentences, nil
}

// Seal marks the corpus immutable. Sealing twice is a no-op.
func (c *Corpus) Seal(ctx context.Context) error {
	res, err := c.db.ExecContext(ctx,
		`UPDATE corpus_manifests SET sealed = true, sealed_at = now() WHERE name = $1 AND NOT sealed`,
		c.sel.Corpus)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		m, err := c.db.LoadManifest(ctx, c.sel.Corpus)
		if err != nil {
			return err
		}
		if m == nil {
			return fmt.Errorf("%w: %q", storage.ErrUnknownCorpus, c.sel.Corpus)
		}
		return nil
	}
	c.logger.Info("corpus sealed")
	return nil
}

// ForEach pages through the corpus by ascending ID.
func (c *Corpus) ForEach(ctx context.Context, batchSize int, fn func([]*core.Sentence) error) error {
	if batchSize <= 0 {
		return fmt.Errorf("%w: batch size must be positive", storage.ErrInvalidQuery)
	}
	query := `SELECT id, doc_id, text, section_title, section_number, sentence_index, global_index, tags, embedding::text
		FROM ` + c.table + ` WHERE id > $1 ORDER BY id LIMIT $2`

	var after int64
	for {
		batch, err := c.page(ctx, query, after, batchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}
		if err := fn(batch); err != nil {
			return err
		}
		if len(batch) < batchSize {
			return nil
		}
		after = int64(batch[len(batch)-1].Id)
	}
}

func (c *Corpus) page(ctx context.Context, query string, after int64, limit int) ([]*core.Sentence, error) {
	rows, err := c.db.QueryContext(ctx, query, after, limit)
	if err != nil {
		return nil, c.queryError("for_each", err)
	}
	defer rows.Close()

	batch := make([]*core.Sentence, 0, limit)
	for rows.Next() {
		var s core.Sentence
		var tags []byte
		var embedding string
		if err := rows.Scan(&s.Id, &s.DocumentId, &s.Text, &s.SectionTitle, &s.SectionNumber,
			&s.SentenceIndex, &s.GlobalIndex, &tags, &embedding); err != nil {
			return nil, c.queryError("for_each", err)
		}
		if err := decodeTags(tags, &s); err != nil {
			return nil, c.queryError("for_each", err)
		}
		if s.Vector, err = parseVector(embedding); err != nil {
			return nil, c.queryError("for_each", err)
		}
		batch = append(batch, &s)
	}
	if err := rows.Err(); err != nil {
		return nil, c.queryError("for_each", err)
	}
	return batch, nil
}
