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

// Package storage defines the corpus store contract for passim.
//
// A corpus is an immutable snapshot of sentences embedded with one model.
// Retrieval reads it through CorpusReader; ingestion fills it through
// CorpusWriter and then seals it.
//
// # Constructor Return Type Pattern
//
// Public backend constructors return interfaces so callers cannot couple to
// a particular engine:
//
//	corpus, err := badger.OpenCorpus(backend, sel)  // returns storage.Corpus
//
// # Matching Strategy
//
// A Selector binds a corpus name to a MatchFunction:
//
//	sel, err := storage.ParseSelector("mini_sentences+innerProduct")
//
// MatchDistance scores 1 - cosine distance and MatchInnerProduct scores the raw
// dot product. On unit vectors both produce the same ranking. Backends audit
// every score with ScoreAudit, so a matcher that collapses to zero on
// correlated vectors fails loudly instead of returning an empty result. A
// candidate that is genuinely orthogonal to the query simply scores zero.
//
// # Neighbours
//
// GetByOffset resolves a sentence relative to another within the same
// (document, section). Section edges yield core.EmptySentence. Only an
// unknown anchor ID is an error (*NotFoundError).
//
// # Thread Safety
//
// All implementations must be thread-safe and support concurrent access
// from multiple goroutines.
package storage
