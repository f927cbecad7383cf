package retrieval

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/poiesic/passim/storage"
)

// MaxTopK bounds the number of results one query may ask for.
const MaxTopK = 1000

// Request describes one retrieval query.
type Request struct {
	// Text is the free-text query.
	Text string `validate:"required"`

	// Title is prepended to Text before embedding when set.
	Title string

	// Offset shifts which sentence is treated as the target relative to each
	// search hit. Zero means the hit itself.
	Offset int

	// TopK caps the number of results. Zero selects the retriever default.
	TopK int `validate:"gte=0,lte=1000"`

	// SimilarityThreshold overrides the retriever default when set.
	// Hits must score strictly above it.
	SimilarityThreshold *float32 `validate:"omitempty,gte=-1,lte=1"`

	// Filter restricts search to sentences carrying these tags.
	Filter storage.Filter
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (r Request) validate() error {
	r.Text = strings.TrimSpace(r.Text)
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	return nil
}

// effectiveQuery returns the string sent to the embedder.
func (r Request) effectiveQuery() string {
	title := strings.TrimSpace(r.Title)
	if title == "" {
		return r.Text
	}
	return title + " " + r.Text
}

// Threshold returns a pointer to t, for use in Request literals.
func Threshold(t float32) *float32 {
	return &t
}
