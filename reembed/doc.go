// Package reembed replaces a corpus by copying its sentences into a new
// snapshot embedded with a different model.
//
// Sentence positions and text are preserved exactly. Vectors are regenerated
// in batches with retry and exponential backoff, normalized to unit length,
// and the target corpus is sealed once every sentence has been copied.
// Corpora are immutable, so the source is never modified.
package reembed
