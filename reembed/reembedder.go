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

package reembed

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/poiesic/passim/ai"
	"github.com/poiesic/passim/core"
	"github.com/poiesic/passim/storage"
)

// DefaultBatchSize is the default number of sentences read and embedded together.
const DefaultBatchSize = 100

// Config holds configuration for the reembedding operation.
type Config struct {
	// BatchSize is the number of sentences to process in each batch
	BatchSize int

	// ReportInterval is how often to report progress (number of sentences)
	ReportInterval int

	// MaxRetries is the maximum number of attempts for each embedding call
	MaxRetries int

	// RetryDelay is the base delay for exponential backoff
	RetryDelay time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		BatchSize:      DefaultBatchSize,
		ReportInterval: 100,
		MaxRetries:     3,
		RetryDelay:     1 * time.Second,
	}
}

// Reembedder copies a sealed source corpus into an empty target corpus
// created for a different embedding model.
type Reembedder struct {
	source    storage.Corpus
	target    storage.Corpus
	model     string
	config    *Config
	progress  io.Writer
	processor *BatchProcessor
	logger    *slog.Logger
}

// NewReembedder creates a new reembedder.
// progress: where to write progress output (typically os.Stderr)
func NewReembedder(source, target storage.Corpus, provider ai.Provider, config *Config, progress io.Writer) *Reembedder {
	if config == nil {
		config = DefaultConfig()
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 1
	}
	if progress == nil {
		progress = io.Discard
	}

	return &Reembedder{
		source:    source,
		target:    target,
		model:     provider.Model(),
		config:    config,
		progress:  progress,
		processor: NewBatchProcessor(target, provider.Embedder(), provider.Model(), config.MaxRetries, config.RetryDelay),
		logger: slog.Default().With("component", "reembed",
			"source", source.Selector().Corpus, "target", target.Selector().Corpus),
	}
}

// Run copies every source sentence into the target and seals the target.
// A failed run leaves the target unsealed and partially filled; drop it and retry.
func (r *Reembedder) Run(ctx context.Context) (Progress, error) {
	sourceManifest, targetManifest, err := r.checkCorpora(ctx)
	if err != nil {
		return Progress{}, err
	}

	total := sourceManifest.SentenceCount
	fmt.Fprintf(r.progress, "Reembedding %d sentences from %q (%s) into %q (%s), batch size %d\n",
		total, sourceManifest.Name, sourceManifest.EmbeddingModel,
		targetManifest.Name, targetManifest.EmbeddingModel, r.config.BatchSize)

	tracker := NewProgressTracker(r.progress, total, r.config.ReportInterval)
	tracker.Start()

	err = r.source.ForEach(ctx, r.config.BatchSize, func(sentences []*core.Sentence) error {
		if err := r.processor.Process(ctx, sentences); err != nil {
			return fmt.Errorf("failed to process batch: %w", err)
		}
		tracker.Add(len(sentences))
		return nil
	})
	if err != nil {
		r.logger.Error("reembedding failed", "copied", tracker.Snapshot().Done, "err", err)
		return tracker.Snapshot(), err
	}

	if err := r.target.Seal(ctx); err != nil {
		return tracker.Snapshot(), fmt.Errorf("failed to seal target: %w", err)
	}

	final := tracker.Finish()
	fmt.Fprintf(r.progress, "Reembedding complete. Copied %d sentences in %v (%.1f sentences/sec)\n",
		final.Done, final.Elapsed.Round(time.Millisecond), final.Rate())
	r.logger.Info("reembedding complete", "copied", final.Done, "elapsed", final.Elapsed)
	return final, nil
}

func (r *Reembedder) checkCorpora(ctx context.Context) (*core.Manifest, *core.Manifest, error) {
	if r.source.Selector().Corpus == r.target.Selector().Corpus {
		return nil, nil, fmt.Errorf("%w: %q", ErrSameCorpus, r.source.Selector().Corpus)
	}

	sourceManifest, err := r.source.Manifest(ctx)
	if err != nil {
		return nil, nil, err
	}
	if !sourceManifest.Sealed {
		return nil, nil, fmt.Errorf("%w: %q", ErrSourceNotSealed, sourceManifest.Name)
	}

	targetManifest, err := r.target.Manifest(ctx)
	if err != nil {
		return nil, nil, err
	}
	if targetManifest.Sealed {
		return nil, nil, fmt.Errorf("%w: %q", storage.ErrCorpusSealed, targetManifest.Name)
	}
	if targetManifest.SentenceCount > 0 {
		return nil, nil, fmt.Errorf("%w: %q holds %d sentences", ErrTargetNotEmpty, targetManifest.Name, targetManifest.SentenceCount)
	}
	if targetManifest.EmbeddingModel != r.model {
		return nil, nil, fmt.Errorf("%w: target %q uses %q, provider uses %q",
			storage.ErrModelMismatch, targetManifest.Name, targetManifest.EmbeddingModel, r.model)
	}
	return sourceManifest, targetManifest, nil
}
