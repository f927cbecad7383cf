package reembed

import "errors"

var (
	// ErrSourceNotSealed is returned when the source corpus is still accepting writes.
	ErrSourceNotSealed = errors.New("source corpus is not sealed")

	// ErrTargetNotEmpty is returned when the target corpus already holds sentences.
	ErrTargetNotEmpty = errors.New("target corpus is not empty")

	// ErrSameCorpus is returned when source and target name the same corpus.
	ErrSameCorpus = errors.New("source and target are the same corpus")
)
