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

// Package ai provides the embedding provider abstraction used by passim.
//
// Retrieval and ingestion depend on the Embedder interface rather than on a
// concrete service. The same provider and model must embed the corpus and the
// queries run against it; a mismatch is not detected here, but corpora record
// the model name in their manifest so ingestion can reject it.
//
// # Implementation Packages
//
//   - ai/openai: production embedder for OpenAI-compatible APIs
//   - ai/mock: deterministic test doubles
//
// # Constructor Return Type Pattern
//
// Public constructors (openai.NewProvider, openai.NewEmbedder) return INTERFACE
// types to prevent accidental coupling to a concrete service. Test constructors
// (mock.NewMockEmbedder) return CONCRETE types so tests can inject behavior and
// inspect call counts.
//
// # Failures and Retries
//
// Every failed service call surfaces as a *ProviderError. Embedders do not retry
// on their own; wrap them with WithRetry to get bounded exponential backoff:
//
//	provider, err := openai.NewProvider(ai.NewConfig(ai.WithEmbeddingModel("text-embedding-3-small")))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer provider.Close()
//
//	embedder := ai.WithRetry(provider.Embedder(), 3, time.Second)
//	vector, err := embedder.EmbedText(ctx, "duty of care owed to a neighbour")
package ai
