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

package retrieval

import "errors"

var (
	// ErrCorpusRequired is returned when a corpus reader is not provided.
	ErrCorpusRequired = errors.New("corpus required")

	// ErrEmbedderRequired is returned when an embedder is not provided.
	ErrEmbedderRequired = errors.New("embedder required")

	// ErrInvalidRequest is returned when a query request fails validation.
	ErrInvalidRequest = errors.New("invalid request")

	// ErrInvalidOption is returned when a retriever option is out of range.
	ErrInvalidOption = errors.New("invalid retriever option")

	// ErrInvalidPolicy is returned for an unrecognized empty target policy name.
	ErrInvalidPolicy = errors.New("invalid empty target policy")
)
