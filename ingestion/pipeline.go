// Copyright 2025 Poiesic Systems
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ingestion

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"
	"golang.org/x/time/rate"

	"github.com/poiesic/passim/ai"
	"github.com/poiesic/passim/core"
	"github.com/poiesic/passim/storage"
)

// DefaultBatchSize keeps insert payloads and embedding requests bounded.
const DefaultBatchSize = 100

// Pipeline orchestrates embedding and bulk insertion into one corpus.
type Pipeline struct {
	corpus        storage.Corpus
	embedder      ai.Embedder
	model         string
	embeddingPool *ants.Pool
	limiter       *rate.Limiter
	batchSize     int
	normalize     bool
	maxAttempts   int
	retryDelay    time.Duration
	logger        *slog.Logger
}

// Option configures a Pipeline.
type Option func(*Pipeline) error

// WithPoolSize sets the number of concurrent embedding workers.
// Default is runtime.NumCPU() / 2 (minimum 1).
func WithPoolSize(size int) Option {
	return func(p *Pipeline) error {
		if size < 1 {
			size = 1
		}

		// Release old pool
		if p.embeddingPool != nil {
			p.embeddingPool.Release()
		}

		pool, err := ants.NewPool(size)
		if err != nil {
			return err
		}
		p.embeddingPool = pool
		return nil
	}
}

// WithBatchSize sets how many sentences go into one embedding call and one insert.
func WithBatchSize(size int) Option {
	return func(p *Pipeline) error {
		if size < 1 {
			return fmt.Errorf("%w: batch size must be positive, got %d", ErrInvalidOption, size)
		}
		p.batchSize = size
		return nil
	}
}

// WithRateLimit caps embedding requests per second. A non-positive rate means unlimited.
func WithRateLimit(requestsPerSecond float64, burst int) Option {
	return func(p *Pipeline) error {
		if requestsPerSecond <= 0 {
			p.limiter = rate.NewLimiter(rate.Inf, 0)
			return nil
		}
		if burst < 1 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(requestsPerSecond), burst)
		return nil
	}
}

// WithRetry retries failed embedding calls with exponential backoff.
func WithRetry(maxAttempts int, baseDelay time.Duration) Option {
	return func(p *Pipeline) error {
		if maxAttempts < 1 {
			return fmt.Errorf("%w: %w", ErrInvalidOption, ai.ErrInvalidMaxAttempts)
		}
		p.maxAttempts = maxAttempts
		p.retryDelay = baseDelay
		return nil
	}
}

// WithNormalize controls unit-length normalization of vectors before insert.
// Default is true; inner-product matching relies on it.
func WithNormalize(normalize bool) Option {
	return func(p *Pipeline) error {
		p.normalize = normalize
		return nil
	}
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) error {
		if logger == nil {
			logger = slog.Default()
		}
		p.logger = logger
		return nil
	}
}

// NewPipeline creates a new ingestion pipeline for corpus.
// Call Release when done to stop the worker pool.
func NewPipeline(corpus storage.Corpus, provider ai.Provider, opts ...Option) (*Pipeline, error) {
	if corpus == nil {
		return nil, ErrCorpusRequired
	}
	if provider == nil {
		return nil, ErrProviderRequired
	}

	// Default pool size
	poolSize := runtime.NumCPU() / 2
	if poolSize < 1 {
		poolSize = 1
	}

	embeddingPool, err := ants.NewPool(poolSize)
	if err != nil {
		return nil, err
	}

	// Create pipeline with defaults
	p := &Pipeline{
		corpus:        corpus,
		embedder:      provider.Embedder(),
		model:         provider.Model(),
		embeddingPool: embeddingPool,
		limiter:       rate.NewLimiter(rate.Inf, 0),
		batchSize:     DefaultBatchSize,
		normalize:     true,
		maxAttempts:   1,
		logger:        slog.Default(),
	}

	// Apply options (may override defaults)
	for _, opt := range opts {
		if optErr := opt(p); optErr != nil {
			p.Release()
			return nil, optErr
		}
	}

	p.embedder = ai.WithRetry(p.embedder, p.maxAttempts, p.retryDelay)
	p.logger = p.logger.With("component", "ingestion", "corpus", corpus.Selector().Corpus)
	return p, nil
}

// Result summarizes one Ingest call.
type Result struct {
	Inserted int
	Embedded int
	Batches  int
}

// Ingest validates, embeds and inserts sentences in input order.
// Sentences are modified in place: vectors are filled in and normalized, and IDs assigned.
func (p *Pipeline) Ingest(ctx context.Context, sentences []*core.Sentence) (*Result, error) {
	result := &Result{}
	if len(sentences) == 0 {
		return result, nil
	}

	manifest, err := p.corpus.Manifest(ctx)
	if err != nil {
		return result, err
	}
	if manifest.Sealed {
		return result, fmt.Errorf("%w: %q", storage.ErrCorpusSealed, manifest.Name)
	}
	if manifest.EmbeddingModel != p.model {
		return result, fmt.Errorf("%w: corpus %q uses %q, provider uses %q",
			storage.ErrModelMismatch, manifest.Name, manifest.EmbeddingModel, p.model)
	}

	if err := validateSentences(sentences); err != nil {
		return result, err
	}

	batches := split(sentences, p.batchSize)
	embedded, err := p.embedBatches(ctx, batches)
	if err != nil {
		return result, err
	}
	result.Embedded = embedded

	if err := checkVectors(sentences, manifest.Dimensions); err != nil {
		return result, err
	}

	for i, batch := range batches {
		if _, err := p.corpus.InsertSentences(ctx, batch...); err != nil {
			p.logger.Error("error inserting batch", "batch", i, "size", len(batch), "err", err)
			return result, err
		}
		result.Inserted += len(batch)
		result.Batches++
	}

	p.logger.Info("ingested sentences", "inserted", result.Inserted, "embedded", result.Embedded, "batches", result.Batches)
	return result, nil
}

// embedBatches runs the embedding processor for every batch on the worker pool.
// The first error cancels the remaining batches.
func (p *Pipeline) embedBatches(ctx context.Context, batches [][]*core.Sentence) (int, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	proc := newEmbeddingProcessor(p.embedder, p.model, p.limiter, p.normalize, p.logger)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		firstErr error
		embedded int
	)
	for _, batch := range batches {
		wg.Add(1)
		err := p.embeddingPool.Submit(func() {
			defer wg.Done()
			n, err := proc.process(ctx, batch)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = err
					cancel()
				}
				return
			}
			embedded += n
		})
		if err != nil {
			wg.Done()
			mu.Lock()
			if firstErr == nil {
				firstErr = err
			}
			mu.Unlock()
			break
		}
	}
	wg.Wait()
	return embedded, firstErr
}

// Seal freezes the corpus.
func (p *Pipeline) Seal(ctx context.Context) error {
	return p.corpus.Seal(ctx)
}

// Release stops the worker pool.
func (p *Pipeline) Release() {
	if p.embeddingPool != nil {
		p.embeddingPool.Release()
	}
}

func validateSentences(sentences []*core.Sentence) error {
	type position struct {
		doc, section string
		index        int
	}
	seen := make(map[position]struct{}, len(sentences))
	for i, s := range sentences {
		if err := core.ValidateSentence(s); err != nil {
			return fmt.Errorf("sentence %d: %w", i, err)
		}
		pos := position{s.DocumentId, s.SectionTitle, s.SentenceIndex}
		if _, dup := seen[pos]; dup {
			return fmt.Errorf("%w: %s/%s#%d appears twice", storage.ErrDuplicateKey, s.DocumentId, s.SectionTitle, s.SentenceIndex)
		}
		seen[pos] = struct{}{}
	}
	return nil
}

// checkVectors enforces one dimensionality per corpus. dims is zero for an
// empty corpus, in which case the first vector sets it.
func checkVectors(sentences []*core.Sentence, dims int) error {
	for _, s := range sentences {
		if storage.Norm(s.Vector) == 0 {
			return fmt.Errorf("%w: %s/%s#%d", ErrZeroVector, s.DocumentId, s.SectionTitle, s.SentenceIndex)
		}
		if dims == 0 {
			dims = len(s.Vector)
		}
		if len(s.Vector) != dims {
			return fmt.Errorf("%w: %s/%s#%d has %d dimensions, expected %d",
				storage.ErrDimensionMismatch, s.DocumentId, s.SectionTitle, s.SentenceIndex, len(s.Vector), dims)
		}
	}
	return nil
}

func split(sentences []*core.Sentence, size int) [][]*core.Sentence {
	batches := make([][]*core.Sentence, 0, (len(sentences)+size-1)/size)
	for start := 0; start < len(sentences); start += size {
		batches = append(batches, sentences[start:min(start+size, len(sentences))])
	}
	return batches
}
