package ai

import (
	"context"
	"errors"
	"fmt"
)

// ErrProvider matches any *ProviderError via errors.Is.
var ErrProvider = errors.New("embedding provider error")

// ProviderError reports a failed call to the embedding service
// (network, authentication, quota or an unusable response).
type ProviderError struct {
	Op    string
	Model string
	Err   error
}

func (e *ProviderError) Error() string {
	if e.Model == "" {
		return fmt.Sprintf("embedding %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("embedding %s (model %s): %v", e.Op, e.Model, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrProvider) match any ProviderError.
func (e *ProviderError) Is(target error) bool {
	return target == ErrProvider
}

// AsProviderError wraps err in a ProviderError unless it already is one.
// Context errors are returned unchanged so cancellation stays recognizable.
func AsProviderError(op, model string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return err
	}
	return &ProviderError{Op: op, Model: model, Err: err}
}

var (
	// ErrInvalidMaxAttempts is returned when maxAttempts is <= 0
	ErrInvalidMaxAttempts = errors.New("maxAttempts must be greater than 0")

	// ErrEmptyEmbedding is returned when the service answers without a vector.
	ErrEmptyEmbedding = errors.New("embedding service returned no vectors")
)
