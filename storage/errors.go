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

package storage

import (
	"errors"
	"fmt"

	"github.com/poiesic/passim/core"
)

var (
	// ErrNotFound indicates that the requested record was not found.
	ErrNotFound = errors.New("record not found")

	// ErrStoreQuery matches any *QueryError via errors.Is.
	ErrStoreQuery = errors.New("store query failed")

	// ErrDuplicateKey indicates a duplicate (document, section, index) position.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrStorageClosed indicates that the storage backend is closed.
	ErrStorageClosed = errors.New("storage is closed")

	// ErrInvalidQuery indicates invalid query parameters.
	ErrInvalidQuery = errors.New("invalid query parameters")

	// ErrSerializationFailed indicates a serialization/deserialization failure.
	ErrSerializationFailed = errors.New("serialization failed")

	// ErrUnknownCorpus indicates the selected corpus has no manifest.
	ErrUnknownCorpus = errors.New("unknown corpus")

	// ErrCorpusExists indicates an attempt to create a corpus that already has a manifest.
	ErrCorpusExists = errors.New("corpus already exists")

	// ErrInvalidCorpusName indicates a corpus name outside [a-z][a-z0-9_]*.
	ErrInvalidCorpusName = errors.New("invalid corpus name")

	// ErrInvalidMatchFunction indicates an unrecognized matching function name.
	ErrInvalidMatchFunction = errors.New("invalid match function")

	// ErrCorpusSealed indicates a write to a sealed, immutable corpus.
	ErrCorpusSealed = errors.New("corpus is sealed")

	// ErrModelMismatch indicates vectors from a different embedding model than the corpus.
	ErrModelMismatch = errors.New("embedding model mismatch")

	// ErrDimensionMismatch indicates a vector whose size differs from the corpus.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")

	// ErrMissingVector indicates a sentence inserted without an embedding.
	ErrMissingVector = errors.New("sentence has no embedding")

	// ErrDegenerateSimilarity indicates a search whose scores are all zero or not finite.
	// This is the signature of a broken matching function, not of a poor query.
	ErrDegenerateSimilarity = errors.New("degenerate similarity scores")
)

// NotFoundError reports that a sentence id does not resolve in the corpus.
// Seen during retrieval this is a corpus integrity violation.
type NotFoundError struct {
	Corpus string
	ID     core.ID
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("sentence %d not found in corpus %q", e.ID, e.Corpus)
}

// Is lets errors.Is(err, ErrNotFound) match.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}

// QueryError reports a failed search or lookup against the store.
type QueryError struct {
	Op     string
	Corpus string
	Err    error
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("%s on corpus %q: %v", e.Op, e.Corpus, e.Err)
}

func (e *QueryError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrStoreQuery) match.
func (e *QueryError) Is(target error) bool {
	return target == ErrStoreQuery
}
