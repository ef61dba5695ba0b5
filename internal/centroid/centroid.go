// Package centroid maintains the running embedding that represents the
// semantic center of an issue.
package centroid

import (
	"errors"
	"fmt"
	"math"
)

// ErrDimensionMismatch is returned when an embedding does not match the
// dimension of an existing centroid.
var ErrDimensionMismatch = errors.New("centroid dimension mismatch")

// Centroid is the persisted state of an issue's semantic center.
// Base is the un-normalized sum of every embedding merged into the issue and
// Weight is the number of embeddings in that sum.
type Centroid struct {
	Base   []float32 `json:"base"`
	Weight int       `json:"weight"`
}

// Empty reports whether no embedding has been merged yet.
func (c Centroid) Empty() bool {
	return c.Weight == 0 && len(c.Base) == 0
}

// Add merges one embedding into the centroid and returns the new state.
// The receiver is not modified.
func (c Centroid) Add(embedding []float32) (Centroid, error) {
	if len(c.Base) == 0 {
		base := make([]float32, len(embedding))
		copy(base, embedding)
		return Centroid{Base: base, Weight: c.Weight + 1}, nil
	}
	if len(embedding) != len(c.Base) {
		return c, fmt.Errorf("%w: centroid has %d dimensions, embedding has %d",
			ErrDimensionMismatch, len(c.Base), len(embedding))
	}

	base := make([]float32, len(c.Base))
	for i := range c.Base {
		base[i] = c.Base[i] + embedding[i]
	}
	return Centroid{Base: base, Weight: c.Weight + 1}, nil
}

// Merge folds another centroid's sum into this one. Used when issues are
// merged so the anchor keeps every occurrence it absorbed.
func (c Centroid) Merge(other Centroid) (Centroid, error) {
	if other.Empty() {
		return c, nil
	}
	if c.Empty() {
		base := make([]float32, len(other.Base))
		copy(base, other.Base)
		return Centroid{Base: base, Weight: other.Weight}, nil
	}
	if len(other.Base) != len(c.Base) {
		return c, fmt.Errorf("%w: centroid has %d dimensions, other has %d",
			ErrDimensionMismatch, len(c.Base), len(other.Base))
	}

	base := make([]float32, len(c.Base))
	for i := range c.Base {
		base[i] = c.Base[i] + other.Base[i]
	}
	return Centroid{Base: base, Weight: c.Weight + other.Weight}, nil
}

// Normalized returns the vector written to the index: Base scaled to unit L2
// norm, or the zero vector unchanged when the norm is zero.
func (c Centroid) Normalized() []float32 {
	return Normalize(c.Base)
}

// Normalize returns v scaled to unit L2 norm. A zero vector is returned as a
// zero vector of the same length.
func Normalize(v []float32) []float32 {
	out := make([]float32, len(v))
	norm := Norm(v)
	if norm == 0 {
		return out
	}
	for i, x := range v {
		out[i] = float32(float64(x) / norm)
	}
	return out
}

// Norm is the L2 norm of v, accumulated in float64.
func Norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}
