package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEmptyTargetPolicy(t *testing.T) {
	for name, want := range map[string]EmptyTargetPolicy{
		"":         KeepEmptyTargets,
		"keep":     KeepEmptyTargets,
		"Drop":     DropEmptyTargets,
		"backfill": BackfillEmptyTargets,
	} {
		got, err := ParseEmptyTargetPolicy(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}

	_, err := ParseEmptyTargetPolicy("shuffle")
	assert.ErrorIs(t, err, ErrInvalidPolicy)

	assert.Equal(t, "backfill", BackfillEmptyTargets.String())
}

func TestEffectiveQuery(t *testing.T) {
	assert.Equal(t, "text", Request{Text: "text"}.effectiveQuery())
	assert.Equal(t, "text", Request{Text: "text", Title: "  "}.effectiveQuery())
	assert.Equal(t, "Decision text", Request{Text: "text", Title: "Decision"}.effectiveQuery())
}
