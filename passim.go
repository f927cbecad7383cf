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

// Package passim wires configuration, a corpus store and an embedding
// provider into a sentence retrieval engine.
package passim

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/poiesic/passim/ai"
	"github.com/poiesic/passim/ai/openai"
	"github.com/poiesic/passim/config"
	"github.com/poiesic/passim/core"
	"github.com/poiesic/passim/ingestion"
	"github.com/poiesic/passim/reembed"
	"github.com/poiesic/passim/retrieval"
	"github.com/poiesic/passim/storage"
)

// ErrEngineClosed is returned by any call made after Close.
var ErrEngineClosed = errors.New("engine closed")

// ProviderFactory builds an embedding provider from configuration.
type ProviderFactory func(cfg *ai.Config) (ai.Provider, error)

// Engine owns the store, the embedding provider and every corpus opened through it.
// It is safe for concurrent use.
type Engine struct {
	cfg      *config.Config
	store    store
	provider ai.Provider
	factory  ProviderFactory
	selector storage.Selector
	logger   *slog.Logger

	mu        sync.Mutex
	retriever *retrieval.Retriever
	corpora   map[storage.Selector]storage.Corpus
	closed    bool
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithProviderFactory replaces the OpenAI-compatible provider.
func WithProviderFactory(factory ProviderFactory) EngineOption {
	return func(e *Engine) {
		e.factory = factory
	}
}

// WithLogger sets a custom logger.
// Default is slog.Default().
func WithLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// Open validates cfg, opens the configured store and creates the embedding provider.
// Corpora are opened lazily.
func Open(ctx context.Context, cfg *config.Config, opts ...EngineOption) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	sel, err := cfg.Selector()
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:      cfg,
		factory:  openai.NewProvider,
		selector: sel,
		logger:   slog.Default(),
		corpora:  make(map[storage.Selector]storage.Corpus),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = e.logger.With("component", "engine")

	e.provider, err = e.factory(cfg.AIConfig())
	if err != nil {
		return nil, err
	}

	e.store, err = openStore(ctx, cfg.Store)
	if err != nil {
		e.provider.Close()
		return nil, err
	}

	e.logger.Debug("engine opened", "driver", cfg.Store.Driver, "selector", sel.String(), "model", e.provider.Model())
	return e, nil
}

// Selector returns the corpus and matching function queries run against.
func (e *Engine) Selector() storage.Selector {
	return e.selector
}

// Query runs one retrieval request against the configured corpus.
func (e *Engine) Query(ctx context.Context, req retrieval.Request) ([]*core.RetrievalResult, error) {
	r, err := e.Retriever(ctx)
	if err != nil {
		return nil, err
	}
	return r.Query(ctx, req)
}

// Retriever returns the retriever for the configured corpus, opening it on first use.
// The corpus must have been embedded with the provider's model.
func (e *Engine) Retriever(ctx context.Context) (*retrieval.Retriever, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrEngineClosed
	}
	if e.retriever != nil {
		return e.retriever, nil
	}

	corpus, err := e.corpusLocked(ctx, e.selector, false, "")
	if err != nil {
		return nil, err
	}
	if err := e.checkModel(ctx, corpus); err != nil {
		return nil, err
	}

	policy, err := e.cfg.EmptyTargetPolicy()
	if err != nil {
		return nil, err
	}
	embedder := ai.WithRetry(e.provider.Embedder(), e.cfg.Embedding.MaxRetries, e.cfg.Embedding.RetryDelay)
	r, err := retrieval.NewRetriever(corpus, embedder,
		retrieval.WithLogger(e.logger),
		retrieval.WithDefaultTopK(e.cfg.Retrieval.TopK),
		retrieval.WithDefaultThreshold(e.cfg.Retrieval.Threshold),
		retrieval.WithMaxConcurrency(e.cfg.Retrieval.MaxConcurrency),
		retrieval.WithEmptyTargetPolicy(policy),
	)
	if err != nil {
		return nil, err
	}

	e.retriever = r
	return r, nil
}

func (e *Engine) checkModel(ctx context.Context, corpus storage.Corpus) error {
	manifest, err := corpus.Manifest(ctx)
	if err != nil {
		return err
	}
	if manifest.EmbeddingModel != e.provider.Model() {
		return fmt.Errorf("%w: corpus %q was embedded with %q, provider uses %q",
			storage.ErrModelMismatch, manifest.Name, manifest.EmbeddingModel, e.provider.Model())
	}
	return nil
}

// NewIngestionPipeline returns a pipeline writing into the named corpus.
// With create set, a missing corpus is created for the provider's model.
// The caller must Release the pipeline; the corpus is closed with the engine.
func (e *Engine) NewIngestionPipeline(ctx context.Context, corpusName string, create bool, opts ...ingestion.Option) (*ingestion.Pipeline, error) {
	corpus, err := e.corpus(ctx, corpusName, create, e.provider.Model())
	if err != nil {
		return nil, err
	}

	ic := e.cfg.Ingestion
	defaults := []ingestion.Option{
		ingestion.WithLogger(e.logger),
		ingestion.WithBatchSize(ic.BatchSize),
		ingestion.WithRateLimit(ic.RateLimit, ic.Burst),
		ingestion.WithRetry(e.cfg.Embedding.MaxRetries, e.cfg.Embedding.RetryDelay),
	}
	if ic.PoolSize > 0 {
		defaults = append(defaults, ingestion.WithPoolSize(ic.PoolSize))
	}
	return ingestion.NewPipeline(corpus, e.provider, append(defaults, opts...)...)
}

// Reembed copies the sealed corpus from into a new corpus to, embedding every
// sentence with model. The target corpus is created and sealed.
func (e *Engine) Reembed(ctx context.Context, from, to, model string, progress io.Writer) (reembed.Progress, error) {
	aiCfg := e.cfg.AIConfig()
	aiCfg.EmbeddingModel = model
	provider, err := e.factory(aiCfg)
	if err != nil {
		return reembed.Progress{}, err
	}
	defer provider.Close()

	source, err := e.corpus(ctx, from, false, "")
	if err != nil {
		return reembed.Progress{}, err
	}
	target, err := e.corpus(ctx, to, true, provider.Model())
	if err != nil {
		return reembed.Progress{}, err
	}

	config := reembed.DefaultConfig()
	config.BatchSize = e.cfg.Ingestion.BatchSize
	config.MaxRetries = e.cfg.Embedding.MaxRetries
	config.RetryDelay = e.cfg.Embedding.RetryDelay
	return reembed.NewReembedder(source, target, provider, config, progress).Run(ctx)
}

// Corpora lists the manifests of every corpus in the store.
func (e *Engine) Corpora(ctx context.Context) ([]*core.Manifest, error) {
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return nil, ErrEngineClosed
	}
	return e.store.ListManifests(ctx)
}

// corpus opens the named corpus with the configured match function, creating
// it for model when create is set and it does not exist.
func (e *Engine) corpus(ctx context.Context, name string, create bool, model string) (storage.Corpus, error) {
	sel := storage.Selector{Corpus: name, Match: e.selector.Match}
	if err := sel.Validate(); err != nil {
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil, ErrEngineClosed
	}
	return e.corpusLocked(ctx, sel, create, model)
}

// corpusLocked returns the engine's single instance for sel, opening it on
// first use. Callers share it, so its write lock serializes every writer.
// e.mu must be held.
func (e *Engine) corpusLocked(ctx context.Context, sel storage.Selector, create bool, model string) (storage.Corpus, error) {
	if corpus, ok := e.corpora[sel]; ok {
		return corpus, nil
	}

	corpus, err := e.store.OpenCorpus(ctx, sel)
	if errors.Is(err, storage.ErrUnknownCorpus) && create {
		e.logger.Info("creating corpus", "corpus", sel.Corpus, "model", model)
		corpus, err = e.store.CreateCorpus(ctx, sel, model)
	}
	if err != nil {
		return nil, err
	}
	e.corpora[sel] = corpus
	return corpus, nil
}

// Close closes every corpus, the store and the provider.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil
	}
	e.closed = true

	var errs []error
	for _, corpus := range e.corpora {
		if err := corpus.Close(); err != nil {
			e.logger.Error("error closing corpus", "corpus", corpus.Selector().Corpus, "err", err)
			errs = append(errs, err)
		}
	}
	if err := e.provider.Close(); err != nil {
		e.logger.Error("error closing embedding provider", "err", err)
		errs = append(errs, err)
	}
	if err := e.store.Close(); err != nil {
		e.logger.Error("error closing store", "err", err)
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
