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

package storage

import (
	"fmt"
	"math"
	"strings"
)

// MatchFunction names how query vectors are scored against corpus vectors.
type MatchFunction int

const (
	// MatchDistance scores by cosine similarity, 1 - cosine distance.
	MatchDistance MatchFunction = iota + 1
	// MatchInnerProduct scores by the raw dot product.
	MatchInnerProduct
)

func (m MatchFunction) String() string {
	switch m {
	case MatchDistance:
		return "distance"
	case MatchInnerProduct:
		return "innerProduct"
	default:
		return fmt.Sprintf("MatchFunction(%d)", int(m))
	}
}

// ParseMatchFunction parses a matching function name.
// An empty name selects MatchDistance.
func ParseMatchFunction(name string) (MatchFunction, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "distance", "cosine":
		return MatchDistance, nil
	case "innerproduct", "inner_product", "knn":
		return MatchInnerProduct, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidMatchFunction, name)
	}
}

// Matcher scores a query vector against a stored vector.
// Similarity returns ok=false when the score is undefined for the pair; such
// candidates must be skipped, never scored as zero.
type Matcher interface {
	Function() MatchFunction
	Similarity(query, stored []float32) (score float64, ok bool)
}

// NewMatcher returns the Matcher for fn.
func NewMatcher(fn MatchFunction) (Matcher, error) {
	switch fn {
	case MatchDistance:
		return DistanceMatcher{}, nil
	case MatchInnerProduct:
		return InnerProductMatcher{}, nil
	default:
		return nil, fmt.Errorf("%w: %v", ErrInvalidMatchFunction, fn)
	}
}

// DistanceMatcher computes 1 - cosine distance with explicit norms, so stored
// vectors need not be unit length.
type DistanceMatcher struct{}

func (DistanceMatcher) Function() MatchFunction { return MatchDistance }

func (DistanceMatcher) Similarity(query, stored []float32) (float64, bool) {
	if len(query) == 0 || len(query) != len(stored) {
		return 0, false
	}
	qn, sn := Norm(query), Norm(stored)
	if qn == 0 || sn == 0 {
		return 0, false
	}
	cos := Dot(query, stored) / (qn * sn)
	// Rounding can push cos just outside [-1, 1].
	cos = math.Max(-1, math.Min(1, cos))
	distance := 1 - cos
	return 1 - distance, true
}

// InnerProductMatcher computes the dot product. On unit vectors it equals
// cosine similarity.
type InnerProductMatcher struct{}

func (InnerProductMatcher) Function() MatchFunction { return MatchInnerProduct }

func (InnerProductMatcher) Similarity(query, stored []float32) (float64, bool) {
	if len(query) == 0 || len(query) != len(stored) {
		return 0, false
	}
	return Dot(query, stored), true
}
