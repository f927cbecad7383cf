package retrieval

import (
	"fmt"
	"strings"
)

// EmptyTargetPolicy decides what happens to a search hit whose offset-shifted
// target falls outside its section.
type EmptyTargetPolicy int

const (
	// KeepEmptyTargets keeps the hit in its rank slot with an empty target and
	// its original similarity.
	KeepEmptyTargets EmptyTargetPolicy = iota

	// DropEmptyTargets removes the hit. Remaining ranks are renumbered.
	DropEmptyTargets

	// BackfillEmptyTargets searches twice as deep and keeps the first topK
	// hits whose targets exist.
	BackfillEmptyTargets
)

func (p EmptyTargetPolicy) String() string {
	switch p {
	case KeepEmptyTargets:
		return "keep"
	case DropEmptyTargets:
		return "drop"
	case BackfillEmptyTargets:
		return "backfill"
	default:
		return fmt.Sprintf("EmptyTargetPolicy(%d)", int(p))
	}
}

// ParseEmptyTargetPolicy parses "keep", "drop" or "backfill".
// An empty name selects KeepEmptyTargets.
func ParseEmptyTargetPolicy(name string) (EmptyTargetPolicy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "keep":
		return KeepEmptyTargets, nil
	case "drop":
		return DropEmptyTargets, nil
	case "backfill":
		return BackfillEmptyTargets, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidPolicy, name)
	}
}
