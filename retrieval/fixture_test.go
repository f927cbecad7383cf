package retrieval

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/poiesic/passim/ai/mock"
	"github.com/poiesic/passim/core"
	"github.com/poiesic/passim/storage"
	"github.com/poiesic/passim/storage/badger"
)

// Query texts understood by the fixture embedder.
var queryVectors = map[string][]float32{
	"find B":       {1, 0, 0, 0},
	"Intro find B": {1, 0, 0, 0},
	"find C":       {0, 0, 1, 0},
	"nothing":      {0.5, 0.5, 0.5, 0.5},
}

// newFixture builds a corpus with two sections of document D1:
//
//	Intro: 0 "A." 1 "B." 2 "C."
//	Facts: 0 "F0." 1 "F1." 2 "F2."
//
// Against "find B" the ranking is B (1.0), F0 (~0.995), F1 (~0.958), F2 (~0.894).
func newFixture(t *testing.T) (storage.Corpus, *mock.MockEmbedder, map[string]core.ID) {
	t.Helper()
	corpus, backend, err := badger.NewMemoryCorpus(storage.Selector{Corpus: "sentences", Match: storage.MatchDistance}, "mock-embedder")
	require.NoError(t, err)
	t.Cleanup(func() {
		corpus.Close()
		backend.Close()
	})

	s := func(section string, index int, text string, v ...float32) *core.Sentence {
		return &core.Sentence{DocumentId: "D1", SectionTitle: section, SentenceIndex: index, Text: text, Vector: v}
	}
	inserted, err := corpus.InsertSentences(context.Background(),
		s("Intro", 0, "A.", 0, 1, 0, 0),
		s("Intro", 1, "B.", 1, 0, 0, 0),
		s("Intro", 2, "C.", 0, 0, 1, 0),
		s("Facts", 0, "F0.", 1, 0.1, 0, 0),
		s("Facts", 1, "F1.", 1, 0.3, 0, 0),
		s("Facts", 2, "F2.", 1, 0.5, 0, 0),
	)
	require.NoError(t, err)

	ids := make(map[string]core.ID, len(inserted))
	for _, sentence := range inserted {
		ids[sentence.Text] = sentence.Id
	}
	return corpus, mock.NewMockEmbedder().WithVectors(queryVectors), ids
}

// instrumentedCorpus wraps a reader to inject failures and measure concurrency.
type instrumentedCorpus struct {
	storage.CorpusReader

	search      func(ctx context.Context, vector []float32, topK int, threshold float32, filter storage.Filter) ([]*core.SearchHit, error)
	getByOffset func(ctx context.Context, id core.ID, offset int) (core.Slot, error)
	delay       time.Duration

	mu          sync.Mutex
	searchCalls int
	offsetCalls int
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
	lastTopK    int
	lastFilter  storage.Filter
}

func (c *instrumentedCorpus) Search(ctx context.Context, vector []float32, topK int, threshold float32, filter storage.Filter) ([]*core.SearchHit, error) {
	c.mu.Lock()
	c.searchCalls++
	c.lastTopK = topK
	c.lastFilter = filter
	c.mu.Unlock()
	if c.search != nil {
		return c.search(ctx, vector, topK, threshold, filter)
	}
	return c.CorpusReader.Search(ctx, vector, topK, threshold, filter)
}

func (c *instrumentedCorpus) GetByOffset(ctx context.Context, id core.ID, offset int) (core.Slot, error) {
	n := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		peak := c.maxInFlight.Load()
		if n <= peak || c.maxInFlight.CompareAndSwap(peak, n) {
			break
		}
	}
	c.mu.Lock()
	c.offsetCalls++
	c.mu.Unlock()

	if c.delay > 0 {
		select {
		case <-time.After(c.delay):
		case <-ctx.Done():
			return core.EmptySentence, ctx.Err()
		}
	}
	if c.getByOffset != nil {
		return c.getByOffset(ctx, id, offset)
	}
	return c.CorpusReader.GetByOffset(ctx, id, offset)
}

func (c *instrumentedCorpus) calls() (search, offset int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.searchCalls, c.offsetCalls
}

// recordingMonitor records which hooks fired.
type recordingMonitor struct {
	started  bool
	vector   []float32
	hits     int
	targets  int
	results  int
	finished bool
}

func (m *recordingMonitor) Start(_ Request)                  { m.started = true }
func (m *recordingMonitor) AfterEmbedding(v []float32)       { m.vector = v }
func (m *recordingMonitor) AfterSearch(h []*core.SearchHit)  { m.hits = len(h) }
func (m *recordingMonitor) AfterTargets(t []core.Slot)       { m.targets = len(t) }
func (m *recordingMonitor) Finish(r []*core.RetrievalResult) { m.finished = true; m.results = len(r) }
