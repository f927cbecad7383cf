package postgres

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/poiesic/passim/core"
	"github.com/poiesic/passim/storage"
)

var (
	manifestCols = []string{"name", "embedding_model", "dimensions", "sentence_count", "sealed", "created_at", "sealed_at"}
	hitCols      = []string{"id", "doc_id", "text", "section_title", "section_number", "sentence_index", "global_index", "tags", "embedding", "similarity"}
	sentenceCols = []string{"id", "doc_id", "text", "section_title", "section_number", "sentence_index", "global_index", "tags"}
	created      = time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
)

const manifestQuery = `SELECT (.+) FROM corpus_manifests WHERE name = \$1`

func newMockCorpus(t *testing.T, match storage.MatchFunction) (*Corpus, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		sqlDB.Close()
	})
	return newCorpus(NewDB(sqlDB), storage.Selector{Corpus: "sentences", Match: match}), mock
}

func manifestRows(dims int, sealed bool) *sqlmock.Rows {
	var sealedAt any
	if sealed {
		sealedAt = created.Add(time.Hour)
	}
	return sqlmock.NewRows(manifestCols).AddRow("sentences", "embeddinggemma", dims, 10, sealed, created, sealedAt)
}

func TestTableName(t *testing.T) {
	assert.Equal(t, `"corpus_mini_sentences"`, TableName("mini_sentences"))
}

func TestOpenCorpus(t *testing.T) {
	ctx := context.Background()
	sel := storage.Selector{Corpus: "sentences", Match: storage.MatchDistance}

	t.Run("unknown corpus", func(t *testing.T) {
		sqlDB, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer sqlDB.Close()

		mock.ExpectQuery(manifestQuery).WithArgs("sentences").WillReturnRows(sqlmock.NewRows(manifestCols))

		_, err = OpenCorpus(ctx, NewDB(sqlDB), sel)
		assert.ErrorIs(t, err, storage.ErrUnknownCorpus)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("existing corpus", func(t *testing.T) {
		sqlDB, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer sqlDB.Close()

		mock.ExpectQuery(manifestQuery).WithArgs("sentences").WillReturnRows(manifestRows(3, true))

		corpus, err := OpenCorpus(ctx, NewDB(sqlDB), sel)
		require.NoError(t, err)
		assert.Equal(t, sel, corpus.Selector())
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestCreateCorpus(t *testing.T) {
	ctx := context.Background()
	sel := storage.Selector{Corpus: "sentences", Match: storage.MatchDistance}

	t.Run("creates manifest and table", func(t *testing.T) {
		sqlDB, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer sqlDB.Close()

		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO corpus_manifests`).WithArgs("sentences", "embeddinggemma").
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectExec(regexp.QuoteMeta(`CREATE TABLE IF NOT EXISTS "corpus_sentences"`)).
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectCommit()

		_, err = CreateCorpus(ctx, NewDB(sqlDB), sel, "embeddinggemma")
		require.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("already exists", func(t *testing.T) {
		sqlDB, mock, err := sqlmock.New()
		require.NoError(t, err)
		defer sqlDB.Close()

		mock.ExpectBegin()
		mock.ExpectExec(`INSERT INTO corpus_manifests`).WithArgs("sentences", "embeddinggemma").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectRollback()

		_, err = CreateCorpus(ctx, NewDB(sqlDB), sel, "embeddinggemma")
		assert.ErrorIs(t, err, storage.ErrCorpusExists)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestSearch_Distance(t *testing.T) {
	ctx := context.Background()
	corpus, mock := newMockCorpus(t, storage.MatchDistance)

	mock.ExpectQuery(manifestQuery).WillReturnRows(manifestRows(2, false))
	mock.ExpectQuery(regexp.QuoteMeta(`embedding::text, 1 - (embedding <=> $1::vector) AS similarity FROM "corpus_sentences" WHERE tags @> $2::jsonb AND vector_norm(embedding) > 0 ORDER BY embedding <=> $1::vector, id LIMIT $3`)).
		WithArgs("[1,0]", "{}", 3).
		WillReturnRows(sqlmock.NewRows(hitCols).
			AddRow(7, "D1", "best", "Facts", "1", 2, 10, []byte(`{"court":"supreme"}`), "[0.95,0.31]", 0.95).
			AddRow(3, "D1", "good", "Facts", "1", 0, 8, []byte(`{}`), "[0.81,0.58]", 0.81).
			AddRow(9, "D2", "weak", "Facts", "", 4, 40, []byte(`{}`), "[0.4,0.91]", 0.40))

	hits, err := corpus.Search(ctx, []float32{1, 0}, 3, 0.78, nil)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, core.ID(7), hits[0].Sentence.Id)
	assert.Equal(t, "best", hits[0].Sentence.Text)
	assert.Equal(t, 2, hits[0].Sentence.SentenceIndex)
	assert.Equal(t, map[string]string{"court": "supreme"}, hits[0].Sentence.Tags)
	assert.InDelta(t, 0.95, hits[0].Similarity, 1e-6)
	assert.Equal(t, core.ID(3), hits[1].Sentence.Id)
	assert.Nil(t, hits[1].Sentence.Tags)
}

func TestSearch_InnerProductWithFilter(t *testing.T) {
	ctx := context.Background()
	corpus, mock := newMockCorpus(t, storage.MatchInnerProduct)

	mock.ExpectQuery(manifestQuery).WillReturnRows(manifestRows(2, false))
	mock.ExpectQuery(regexp.QuoteMeta(`embedding::text, -(embedding <#> $1::vector) AS similarity FROM "corpus_sentences" WHERE tags @> $2::jsonb ORDER BY embedding <#> $1::vector, id LIMIT $3`)).
		WithArgs("[0.5,0.25]", `{"court":"supreme"}`, 5).
		WillReturnRows(sqlmock.NewRows(hitCols).
			AddRow(1, "D1", "only", "Facts", "", 0, 0, []byte(`{"court":"supreme"}`), "[0.4,0.4]", 0.3))

	hits, err := corpus.Search(ctx, []float32{0.5, 0.25}, 5, 0, storage.Filter{"court": "supreme"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "only", hits[0].Sentence.Text)
}

func TestSearch_Degenerate(t *testing.T) {
	ctx := context.Background()

	t.Run("null score", func(t *testing.T) {
		corpus, mock := newMockCorpus(t, storage.MatchInnerProduct)
		mock.ExpectQuery(manifestQuery).WillReturnRows(manifestRows(2, false))
		mock.ExpectQuery(`AS similarity`).WillReturnRows(sqlmock.NewRows(hitCols).
			AddRow(1, "D1", "a", "Facts", "", 0, 0, []byte(`{}`), "[1,0]", nil))

		_, err := corpus.Search(ctx, []float32{1, 0}, 5, 0, nil)
		assert.ErrorIs(t, err, storage.ErrDegenerateSimilarity)
		assert.ErrorIs(t, err, storage.ErrStoreQuery)
	})

	t.Run("zero scores on correlated vectors", func(t *testing.T) {
		corpus, mock := newMockCorpus(t, storage.MatchDistance)
		mock.ExpectQuery(manifestQuery).WillReturnRows(manifestRows(2, false))
		mock.ExpectQuery(`AS similarity`).WillReturnRows(sqlmock.NewRows(hitCols).
			AddRow(1, "D1", "a", "Facts", "", 0, 0, []byte(`{}`), "[1,0]", 0.0).
			AddRow(2, "D1", "b", "Facts", "", 1, 1, []byte(`{}`), "[0.6,0.8]", 0.0))

		_, err := corpus.Search(ctx, []float32{1, 0}, 5, 0.5, nil)
		assert.ErrorIs(t, err, storage.ErrDegenerateSimilarity)
	})

	t.Run("orthogonal sentence is not degenerate", func(t *testing.T) {
		corpus, mock := newMockCorpus(t, storage.MatchInnerProduct)
		mock.ExpectQuery(manifestQuery).WillReturnRows(manifestRows(2, false))
		mock.ExpectQuery(`AS similarity`).WillReturnRows(sqlmock.NewRows(hitCols).
			AddRow(1, "D1", "a", "Facts", "", 0, 0, []byte(`{}`), "[0,1]", 0.0))

		hits, err := corpus.Search(ctx, []float32{1, 0}, 3, 0.99, nil)
		require.NoError(t, err)
		assert.Empty(t, hits)
	})
}

func TestSearch_Errors(t *testing.T) {
	ctx := context.Background()

	t.Run("invalid topK", func(t *testing.T) {
		corpus, _ := newMockCorpus(t, storage.MatchDistance)
		_, err := corpus.Search(ctx, []float32{1, 0}, 0, 0, nil)
		assert.ErrorIs(t, err, storage.ErrInvalidQuery)
	})

	t.Run("dimension mismatch", func(t *testing.T) {
		corpus, mock := newMockCorpus(t, storage.MatchDistance)
		mock.ExpectQuery(manifestQuery).WillReturnRows(manifestRows(3, false))
		_, err := corpus.Search(ctx, []float32{1, 0}, 5, 0, nil)
		assert.ErrorIs(t, err, storage.ErrDimensionMismatch)
	})

	t.Run("database failure", func(t *testing.T) {
		corpus, mock := newMockCorpus(t, storage.MatchDistance)
		mock.ExpectQuery(manifestQuery).WillReturnRows(manifestRows(2, false))
		mock.ExpectQuery(`AS similarity`).WillReturnError(errors.New("connection reset"))

		_, err := corpus.Search(ctx, []float32{1, 0}, 5, 0, nil)
		var queryErr *storage.QueryError
		require.ErrorAs(t, err, &queryErr)
		assert.Equal(t, "search", queryErr.Op)
		assert.Equal(t, "sentences", queryErr.Corpus)
	})

	t.Run("sealed manifest is cached", func(t *testing.T) {
		corpus, mock := newMockCorpus(t, storage.MatchDistance)
		mock.ExpectQuery(manifestQuery).WillReturnRows(manifestRows(2, true))
		for i := 0; i < 2; i++ {
			mock.ExpectQuery(`AS similarity`).WillReturnRows(sqlmock.NewRows(hitCols).
				AddRow(1, "D1", "a", "Facts", "", 0, 0, []byte(`{}`), "[0.9,0.1]", 0.9))
		}
		for i := 0; i < 2; i++ {
			hits, err := corpus.Search(ctx, []float32{1, 0}, 5, 0, nil)
			require.NoError(t, err)
			assert.Len(t, hits, 1)
		}
	})
}

const offsetQuery = `LEFT JOIN "corpus_sentences" t`

func TestGetByOffset(t *testing.T) {
	ctx := context.Background()

	t.Run("neighbour found", func(t *testing.T) {
		corpus, mock := newMockCorpus(t, storage.MatchDistance)
		mock.ExpectQuery(regexp.QuoteMeta(offsetQuery)).WithArgs(int64(5), 1).
			WillReturnRows(sqlmock.NewRows(sentenceCols).
				AddRow(6, "D1", "next one", "Facts", "1", 3, 12, []byte(`{}`)))

		slot, err := corpus.GetByOffset(ctx, 5, 1)
		require.NoError(t, err)
		s, ok := slot.Get()
		require.True(t, ok)
		assert.Equal(t, core.ID(6), s.Id)
		assert.Equal(t, "next one", s.Text)
		assert.Equal(t, 3, s.SentenceIndex)
	})

	t.Run("section edge", func(t *testing.T) {
		corpus, mock := newMockCorpus(t, storage.MatchDistance)
		mock.ExpectQuery(regexp.QuoteMeta(offsetQuery)).WithArgs(int64(5), -1).
			WillReturnRows(sqlmock.NewRows(sentenceCols).
				AddRow(nil, nil, nil, nil, nil, nil, nil, nil))

		slot, err := corpus.GetByOffset(ctx, 5, -1)
		require.NoError(t, err)
		assert.Equal(t, core.EmptySentence, slot)
	})

	t.Run("unknown anchor", func(t *testing.T) {
		corpus, mock := newMockCorpus(t, storage.MatchDistance)
		mock.ExpectQuery(regexp.QuoteMeta(offsetQuery)).WithArgs(int64(404), 1).
			WillReturnRows(sqlmock.NewRows(sentenceCols))

		_, err := corpus.GetByOffset(ctx, 404, 1)
		assert.ErrorIs(t, err, storage.ErrNotFound)
		var notFound *storage.NotFoundError
		require.ErrorAs(t, err, &notFound)
		assert.Equal(t, core.ID(404), notFound.ID)
	})

	t.Run("database failure", func(t *testing.T) {
		corpus, mock := newMockCorpus(t, storage.MatchDistance)
		mock.ExpectQuery(regexp.QuoteMeta(offsetQuery)).WillReturnError(sql.ErrConnDone)

		_, err := corpus.GetByOffset(ctx, 5, 1)
		assert.ErrorIs(t, err, storage.ErrStoreQuery)
		assert.ErrorIs(t, err, sql.ErrConnDone)
		assert.NotErrorIs(t, err, storage.ErrNotFound)
	})
}

const insertQuery = `INSERT INTO "corpus_sentences"`

func TestInsertSentences(t *testing.T) {
	ctx := context.Background()
	newSentences := func() []*core.Sentence {
		return []*core.Sentence{
			{DocumentId: "D1", Text: "one", SectionTitle: "Facts", SentenceIndex: 0, Vector: []float32{1, 0}},
			{DocumentId: "D1", Text: "two", SectionTitle: "Facts", SentenceIndex: 1, Vector: []float32{0, 1},
				Tags: map[string]string{"court": "supreme"}},
		}
	}

	t.Run("inserts and updates manifest", func(t *testing.T) {
		corpus, mock := newMockCorpus(t, storage.MatchDistance)
		mock.ExpectBegin()
		mock.ExpectQuery(manifestQuery + ` FOR UPDATE`).WithArgs("sentences").WillReturnRows(manifestRows(0, false))
		prep := mock.ExpectPrepare(regexp.QuoteMeta(insertQuery))
		prep.ExpectQuery().WithArgs("D1", "one", "Facts", "", 0, 0, "{}", "[1,0]").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(11))
		prep.ExpectQuery().WithArgs("D1", "two", "Facts", "", 1, 0, `{"court":"supreme"}`, "[0,1]").
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(12))
		mock.ExpectExec(`UPDATE corpus_manifests SET dimensions`).WithArgs("sentences", 2, 2).
			WillReturnResult(sqlmock.NewResult(0, 1))
		mock.ExpectCommit()

		inserted, err := corpus.InsertSentences(ctx, newSentences()...)
		require.NoError(t, err)
		assert.Equal(t, core.ID(11), inserted[0].Id)
		assert.Equal(t, core.ID(12), inserted[1].Id)
	})

	t.Run("duplicate position", func(t *testing.T) {
		corpus, mock := newMockCorpus(t, storage.MatchDistance)
		mock.ExpectBegin()
		mock.ExpectQuery(manifestQuery).WillReturnRows(manifestRows(2, false))
		prep := mock.ExpectPrepare(regexp.QuoteMeta(insertQuery))
		prep.ExpectQuery().WillReturnError(&pq.Error{Code: "23505"})
		mock.ExpectRollback()

		inserted, err := corpus.InsertSentences(ctx, newSentences()...)
		assert.ErrorIs(t, err, storage.ErrDuplicateKey)
		assert.Nil(t, inserted)
	})

	t.Run("sealed corpus", func(t *testing.T) {
		corpus, mock := newMockCorpus(t, storage.MatchDistance)
		mock.ExpectBegin()
		mock.ExpectQuery(manifestQuery).WillReturnRows(manifestRows(2, true))
		mock.ExpectRollback()

		_, err := corpus.InsertSentences(ctx, newSentences()...)
		assert.ErrorIs(t, err, storage.ErrCorpusSealed)
	})

	t.Run("dimension mismatch", func(t *testing.T) {
		corpus, mock := newMockCorpus(t, storage.MatchDistance)
		mock.ExpectBegin()
		mock.ExpectQuery(manifestQuery).WillReturnRows(manifestRows(3, false))
		mock.ExpectPrepare(regexp.QuoteMeta(insertQuery))
		mock.ExpectRollback()

		_, err := corpus.InsertSentences(ctx, newSentences()...)
		assert.ErrorIs(t, err, storage.ErrDimensionMismatch)
	})
}

func TestSeal(t *testing.T) {
	ctx := context.Background()

	t.Run("seals", func(t *testing.T) {
		corpus, mock := newMockCorpus(t, storage.MatchDistance)
		mock.ExpectExec(`UPDATE corpus_manifests SET sealed = true`).WithArgs("sentences").
			WillReturnResult(sqlmock.NewResult(0, 1))
		assert.NoError(t, corpus.Seal(ctx))
	})

	t.Run("already sealed is a no-op", func(t *testing.T) {
		corpus, mock := newMockCorpus(t, storage.MatchDistance)
		mock.ExpectExec(`UPDATE corpus_manifests SET sealed = true`).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(manifestQuery).WillReturnRows(manifestRows(2, true))
		assert.NoError(t, corpus.Seal(ctx))
	})

	t.Run("unknown corpus", func(t *testing.T) {
		corpus, mock := newMockCorpus(t, storage.MatchDistance)
		mock.ExpectExec(`UPDATE corpus_manifests SET sealed = true`).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery(manifestQuery).WillReturnRows(sqlmock.NewRows(manifestCols))
		assert.ErrorIs(t, corpus.Seal(ctx), storage.ErrUnknownCorpus)
	})
}

func TestForEach(t *testing.T) {
	ctx := context.Background()
	corpus, mock := newMockCorpus(t, storage.MatchDistance)
	cols := append(append([]string{}, sentenceCols...), "embedding")

	mock.ExpectQuery(`WHERE id > \$1 ORDER BY id LIMIT \$2`).WithArgs(int64(0), 2).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(1, "D1", "a", "Facts", "", 0, 0, []byte(`{}`), "[1,0]").
			AddRow(2, "D1", "b", "Facts", "", 1, 1, []byte(`{}`), "[0,1]"))
	mock.ExpectQuery(`WHERE id > \$1 ORDER BY id LIMIT \$2`).WithArgs(int64(2), 2).
		WillReturnRows(sqlmock.NewRows(cols).
			AddRow(5, "D2", "c", "Facts", "", 0, 0, []byte(`{}`), "[0.5,0.5]"))

	var seen []core.ID
	err := corpus.ForEach(ctx, 2, func(batch []*core.Sentence) error {
		for _, s := range batch {
			seen = append(seen, s.Id)
			assert.Len(t, s.Vector, 2)
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, []core.ID{1, 2, 5}, seen)
}

func TestListManifests(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer sqlDB.Close()

	mock.ExpectQuery(`FROM corpus_manifests ORDER BY name`).WillReturnRows(sqlmock.NewRows(manifestCols).
		AddRow("main", "embeddinggemma", 768, 100, true, created, created).
		AddRow("mini_sentences", "embeddinggemma", 768, 50, false, created, nil))

	manifests, err := NewDB(sqlDB).ListManifests(context.Background())
	require.NoError(t, err)
	require.Len(t, manifests, 2)
	assert.True(t, manifests[0].Sealed)
	assert.Equal(t, created, manifests[0].SealedAt)
	assert.False(t, manifests[1].Sealed)
	assert.True(t, manifests[1].SealedAt.IsZero())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestVectorLiteral(t *testing.T) {
	assert.Equal(t, "[1,-0.5,0.25]", formatVector([]float32{1, -0.5, 0.25}))
	assert.Equal(t, "[]", formatVector(nil))

	v, err := parseVector("[1,-0.5, 0.25]")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, -0.5, 0.25}, v)

	v, err = parseVector("[]")
	require.NoError(t, err)
	assert.Empty(t, v)

	_, err = parseVector("1,2")
	assert.Error(t, err)
	_, err = parseVector("[1,x]")
	assert.Error(t, err)
}
