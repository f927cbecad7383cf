package ingestion

import "errors"

var (
	// ErrCorpusRequired is returned when a corpus is not provided.
	ErrCorpusRequired = errors.New("corpus required")

	// ErrProviderRequired is returned when an embedding provider is not provided.
	ErrProviderRequired = errors.New("embedding provider required")

	// ErrZeroVector is returned for a sentence whose embedding has zero length.
	// Such a vector has no direction and cannot be scored by cosine distance.
	ErrZeroVector = errors.New("zero embedding vector")

	// ErrInvalidOption is returned when a pipeline option is out of range.
	ErrInvalidOption = errors.New("invalid pipeline option")
)
