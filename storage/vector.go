package storage

import "math"

// NormalizeVector normalizes a vector to unit length.
// Returns a new vector. If the input is a zero vector, returns a zero vector.
func NormalizeVector(v []float32) []float32 {
	if len(v) == 0 {
		return v
	}

	norm := Norm(v)
	result := make([]float32, len(v))
	// Can't normalize zero vector
	if norm == 0 {
		return result
	}
	for i, val := range v {
		result[i] = float32(float64(val) / norm)
	}
	return result
}

// Norm returns the Euclidean length of v, accumulated in float64.
func Norm(v []float32) float64 {
	var sum float64
	for _, val := range v {
		sum += float64(val) * float64(val)
	}
	return math.Sqrt(sum)
}

// Dot returns the inner product of a and b, accumulated in float64.
// Callers must ensure the vectors have equal length.
func Dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

// IsUnit reports whether v has unit length within tolerance.
func IsUnit(v []float32, tolerance float64) bool {
	return math.Abs(Norm(v)-1) <= tolerance
}
