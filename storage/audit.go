package storage

import (
	"fmt"
	"math"

	"github.com/poiesic/passim/core"
)

// orthogonalTolerance is the largest |cosine| still treated as orthogonal.
const orthogonalTolerance = 1e-6

// minUnverifiedZeros is how many zero scores without a stored vector to check
// against are needed before the audit calls the matcher degenerate.
const minUnverifiedZeros = 2

// ScoreAudit watches the scores a search computes and flags a degenerate
// matching function. Feed every scored candidate to Observe, before any
// threshold is applied, then call Err.
//
// A zero score is only evidence of a broken matcher when the vectors it came
// from are not orthogonal. A single sentence orthogonal to the query scores
// zero legitimately and must produce an empty result, not an error.
type ScoreAudit struct {
	scored     int
	nonZero    int
	correlated int
	unverified int
}

// Observe records one score with the vectors it was computed from. stored may
// be nil when the backend did not load it; such zeros count as unverified.
// Observe fails immediately on NaN or infinity.
func (a *ScoreAudit) Observe(id core.ID, score float64, query, stored []float32) error {
	if math.IsNaN(score) || math.IsInf(score, 0) {
		return fmt.Errorf("%w: sentence %d scored %v", ErrDegenerateSimilarity, id, score)
	}
	a.scored++
	switch {
	case score != 0:
		a.nonZero++
	case stored == nil:
		a.unverified++
	case correlated(query, stored):
		a.correlated++
	}
	return nil
}

// Err reports a matcher that scored every candidate zero although at least
// one pair of inputs was correlated, or although too many zeros could not be
// checked against their inputs.
func (a *ScoreAudit) Err() error {
	if a.scored == 0 || a.nonZero > 0 {
		return nil
	}
	if a.correlated > 0 {
		return fmt.Errorf("%w: all %d candidates scored zero, %d of them on correlated vectors",
			ErrDegenerateSimilarity, a.scored, a.correlated)
	}
	if a.unverified >= minUnverifiedZeros {
		return fmt.Errorf("%w: all %d candidates scored zero", ErrDegenerateSimilarity, a.scored)
	}
	return nil
}

func correlated(query, stored []float32) bool {
	if len(query) == 0 || len(query) != len(stored) {
		return false
	}
	qn, sn := Norm(query), Norm(stored)
	if qn == 0 || sn == 0 {
		return false
	}
	return math.Abs(Dot(query, stored)/(qn*sn)) > orthogonalTolerance
}

// CheckDegenerate rejects a result whose scores cannot be trusted for query:
// any similarity NaN or infinite, or every similarity zero when the sentence
// vectors say otherwise. Hits without a vector are judged by count alone.
func CheckDegenerate(query []float32, hits []*core.SearchHit) error {
	var audit ScoreAudit
	for _, hit := range hits {
		if err := audit.Observe(hit.Sentence.Id, float64(hit.Similarity), query, hit.Sentence.Vector); err != nil {
			return err
		}
	}
	return audit.Err()
}
