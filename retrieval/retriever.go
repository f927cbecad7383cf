package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/poiesic/passim/ai"
	"github.com/poiesic/passim/core"
	"github.com/poiesic/passim/storage"
)

// Defaults applied by NewRetriever.
const (
	DefaultTopK           = 10
	DefaultThreshold      = float32(0.78)
	DefaultMaxConcurrency = 64
)

// Retriever finds the sentences most similar to a query and returns each
// with its neighbours from the same document section.
type Retriever struct {
	corpus         storage.CorpusReader
	embedder       ai.Embedder
	logger         *slog.Logger
	topK           int
	threshold      float32
	maxConcurrency int
	policy         EmptyTargetPolicy
}

// Option configures a Retriever.
type Option func(*Retriever) error

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(r *Retriever) error {
		if logger == nil {
			logger = slog.Default()
		}
		r.logger = logger
		return nil
	}
}

// WithDefaultTopK sets the result count used when a request leaves TopK at zero.
func WithDefaultTopK(topK int) Option {
	return func(r *Retriever) error {
		if topK <= 0 || topK > MaxTopK {
			return fmt.Errorf("%w: default topK %d outside 1..%d", ErrInvalidOption, topK, MaxTopK)
		}
		r.topK = topK
		return nil
	}
}

// WithDefaultThreshold sets the similarity threshold used when a request has none.
// Suitable values depend on the corpus and embedding model.
func WithDefaultThreshold(threshold float32) Option {
	return func(r *Retriever) error {
		if threshold < -1 || threshold > 1 {
			return fmt.Errorf("%w: threshold %v outside -1..1", ErrInvalidOption, threshold)
		}
		r.threshold = threshold
		return nil
	}
}

// WithMaxConcurrency caps concurrent store calls per query, on top of the
// 2×topK bound.
func WithMaxConcurrency(n int) Option {
	return func(r *Retriever) error {
		if n <= 0 {
			return fmt.Errorf("%w: max concurrency must be positive, got %d", ErrInvalidOption, n)
		}
		r.maxConcurrency = n
		return nil
	}
}

// WithEmptyTargetPolicy sets how hits with out-of-section targets are treated.
// Default is KeepEmptyTargets.
func WithEmptyTargetPolicy(policy EmptyTargetPolicy) Option {
	return func(r *Retriever) error {
		switch policy {
		case KeepEmptyTargets, DropEmptyTargets, BackfillEmptyTargets:
			r.policy = policy
			return nil
		default:
			return fmt.Errorf("%w: %v", ErrInvalidPolicy, policy)
		}
	}
}

// NewRetriever creates a new retriever over one corpus.
// The embedder must produce vectors from the model the corpus was built with.
func NewRetriever(corpus storage.CorpusReader, embedder ai.Embedder, opts ...Option) (*Retriever, error) {
	if corpus == nil {
		return nil, ErrCorpusRequired
	}
	if embedder == nil {
		return nil, ErrEmbedderRequired
	}

	r := &Retriever{
		corpus:         corpus,
		embedder:       embedder,
		logger:         slog.Default(),
		topK:           DefaultTopK,
		threshold:      DefaultThreshold,
		maxConcurrency: DefaultMaxConcurrency,
		policy:         KeepEmptyTargets,
	}

	// Apply options
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}

	sel := corpus.Selector()
	r.logger = r.logger.With("component", "retriever", "corpus", sel.Corpus, "match", sel.Match.String())
	return r, nil
}

// Query runs a retrieval query.
// Results are in descending similarity order. Either the full list or an error is returned.
func (r *Retriever) Query(ctx context.Context, req Request) ([]*core.RetrievalResult, error) {
	return r.QueryWithMonitor(ctx, req, nil)
}

// QueryWithMonitor runs a retrieval query with monitoring.
// The monitor receives callbacks at each stage of the query.
func (r *Retriever) QueryWithMonitor(ctx context.Context, req Request, monitor QueryMonitor) ([]*core.RetrievalResult, error) {
	// Use noop monitor if none provided
	if monitor == nil {
		monitor = &noopMonitor{}
	}

	req.Text = strings.TrimSpace(req.Text)
	if err := req.validate(); err != nil {
		return nil, err
	}
	topK := req.TopK
	if topK == 0 {
		topK = r.topK
	}
	threshold := r.threshold
	if req.SimilarityThreshold != nil {
		threshold = *req.SimilarityThreshold
	}

	logger := r.logger.With("query_id", uuid.NewString())
	monitor.Start(req)

	// 1. Embed the effective query once
	vector, err := r.embedder.EmbedText(ctx, req.effectiveQuery())
	if err != nil {
		err = ai.AsProviderError("embed query", "", err)
		logger.Error("error generating embedding for query", "err", err)
		return nil, err
	}
	monitor.AfterEmbedding(vector)

	// 2. Search
	searchK := topK
	if r.policy == BackfillEmptyTargets {
		searchK = 2 * topK
	}
	hits, err := r.corpus.Search(ctx, vector, searchK, threshold, req.Filter)
	if err != nil {
		var queryErr *storage.QueryError
		if !errors.As(err, &queryErr) {
			err = &storage.QueryError{Op: "search", Corpus: r.corpus.Selector().Corpus, Err: err}
		}
		logger.Error("error searching corpus", "err", err)
		return nil, err
	}
	monitor.AfterSearch(hits)
	logger.Debug("search complete", "hits", len(hits), "top_k", topK, "threshold", threshold, "offset", req.Offset)

	if len(hits) == 0 {
		results := []*core.RetrievalResult{}
		monitor.Finish(results)
		return results, nil
	}

	limit := min(2*topK, r.maxConcurrency)

	// 3. Resolve targets
	targets, err := r.resolveTargets(ctx, logger, hits, req.Offset, limit)
	if err != nil {
		return nil, err
	}
	monitor.AfterTargets(targets)

	hits, targets = r.applyPolicy(hits, targets, topK)

	// 4. Resolve neighbours of every non-empty target
	next, previous, err := r.resolveNeighbours(ctx, logger, targets, limit)
	if err != nil {
		return nil, err
	}

	// 5. Assemble in search order
	results := make([]*core.RetrievalResult, len(hits))
	for i, hit := range hits {
		results[i] = &core.RetrievalResult{
			MatchId:    hit.Sentence.Id,
			Target:     targets[i],
			Next:       next[i],
			Previous:   previous[i],
			Similarity: hit.Similarity,
			Rank:       i + 1,
		}
	}
	monitor.Finish(results)
	return results, nil
}

// resolveTargets applies offset to every hit concurrently.
// Results are stored by hit index, never by completion order.
func (r *Retriever) resolveTargets(ctx context.Context, logger *slog.Logger, hits []*core.SearchHit, offset, limit int) ([]core.Slot, error) {
	targets := make([]core.Slot, len(hits))
	if offset == 0 {
		for i, hit := range hits {
			targets[i] = core.SlotOf(hit.Sentence)
		}
		return targets, nil
	}

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, hit := range hits {
		g.Go(func() error {
			slot, err := r.fetch(ctx, gctx, logger, hit.Sentence.Id, offset)
			if err != nil {
				return err
			}
			targets[i] = slot
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return targets, nil
}

// resolveNeighbours fetches next and previous for every non-empty target.
// Each lookup is its own task so the limit counts store calls.
func (r *Retriever) resolveNeighbours(ctx context.Context, logger *slog.Logger, targets []core.Slot, limit int) (next, previous []core.Slot, err error) {
	next = make([]core.Slot, len(targets))
	previous = make([]core.Slot, len(targets))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, target := range targets {
		sentence, ok := target.Get()
		if !ok {
			continue
		}
		g.Go(func() error {
			slot, err := r.fetch(ctx, gctx, logger, sentence.Id, 1)
			if err != nil {
				return err
			}
			next[i] = slot
			return nil
		})
		g.Go(func() error {
			slot, err := r.fetch(ctx, gctx, logger, sentence.Id, -1)
			if err != nil {
				return err
			}
			previous[i] = slot
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	return next, previous, nil
}

// fetch wraps GetByOffset with the per-candidate failure rules: an unknown
// anchor and cancellation are fatal, anything else downgrades to EmptySentence.
func (r *Retriever) fetch(ctx, gctx context.Context, logger *slog.Logger, id core.ID, offset int) (core.Slot, error) {
	if err := gctx.Err(); err != nil {
		return core.EmptySentence, err
	}
	slot, err := r.corpus.GetByOffset(gctx, id, offset)
	if err == nil {
		return slot, nil
	}
	if errors.Is(err, storage.ErrNotFound) {
		logger.Error("sentence returned by search does not exist", "alert", "corpus_integrity", "sentence_id", id, "err", err)
		return core.EmptySentence, err
	}
	if ctx.Err() != nil || gctx.Err() != nil {
		return core.EmptySentence, err
	}
	logger.Warn("context lookup failed, using empty sentence", "sentence_id", id, "offset", offset, "err", err)
	return core.EmptySentence, nil
}

// applyPolicy filters hits with empty targets according to the policy.
// hits and targets stay index-aligned.
func (r *Retriever) applyPolicy(hits []*core.SearchHit, targets []core.Slot, topK int) ([]*core.SearchHit, []core.Slot) {
	if r.policy == KeepEmptyTargets {
		return hits, targets
	}
	keptHits := make([]*core.SearchHit, 0, min(len(hits), topK))
	keptTargets := make([]core.Slot, 0, min(len(hits), topK))
	for i, target := range targets {
		if target.IsEmpty() {
			continue
		}
		keptHits = append(keptHits, hits[i])
		keptTargets = append(keptTargets, target)
		if len(keptHits) == topK {
			break
		}
	}
	return keptHits, keptTargets
}
