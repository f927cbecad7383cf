// Package ingestion fills a corpus through the write contract.
//
// The Pipeline validates sentences, splits them into batches, embeds any
// sentence that arrives without a vector, normalizes vectors to unit length
// and inserts the batches in input order. Embedding runs concurrently on a
// worker pool and is rate limited to respect provider quotas.
//
// A corpus is bound to one embedding model. The pipeline refuses to write
// vectors from a provider whose model differs from the corpus manifest, and
// every vector in a corpus must have the same dimensionality.
//
// Ingest is not atomic across batches: batches committed before a failure stay.
// Seal the corpus once ingestion is complete; a sealed corpus rejects writes.
package ingestion
