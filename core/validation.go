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

package core

import "fmt"

// ValidateSentence validates a Sentence according to domain rules.
//
// Validation rules:
//   - DocumentId must not be empty
//   - Text must not be empty
//   - SentenceIndex and GlobalIndex must not be negative
//
// NOT validated (populated by ingestion):
//   - Vector (can be empty until the embedding step runs)
//   - ID (assigned by the store)
func ValidateSentence(sentence *Sentence) error {
	if sentence == nil {
		return fmt.Errorf("%w: sentence is nil", ErrInvalidSentence)
	}

	if sentence.DocumentId == "" {
		return fmt.Errorf("%w: %w", ErrInvalidSentence, ErrEmptyDocumentId)
	}

	if sentence.Text == "" {
		return fmt.Errorf("%w: %w", ErrInvalidSentence, ErrEmptyText)
	}

	if sentence.SentenceIndex < 0 {
		return fmt.Errorf("%w: sentence index %d: %w", ErrInvalidSentence, sentence.SentenceIndex, ErrNegativeIndex)
	}

	if sentence.GlobalIndex < 0 {
		return fmt.Errorf("%w: global index %d: %w", ErrInvalidSentence, sentence.GlobalIndex, ErrNegativeIndex)
	}

	return nil
}
