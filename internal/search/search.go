// Package search finds where a short feature sequence best fits inside a
// longer one.
package search

import (
	"errors"
	"fmt"
	"math"

	"gorgonia.org/tensor"
)

var (
	// ErrQueryTooLong is returned when the query has more rows than the reference
	ErrQueryTooLong = errors.New("query longer than reference")
	// ErrEmptyQuery is returned for a query with no rows
	ErrEmptyQuery = errors.New("query is empty")
	// ErrDimensionMismatch is returned when feature widths differ
	ErrDimensionMismatch = errors.New("feature dimensions differ")
	// ErrNonFinite is returned when a window's distance is NaN or infinite
	ErrNonFinite = errors.New("non-finite feature distance")
)

// Match is the best-fitting reference window for a query
type Match struct {
	// Index is the first reference row of the window
	Index int
	// Start and End bound the window in seconds
	Start float64
	End   float64
	// Score is the mean per-row Euclidean distance, lower is closer
	Score float64
}

// Locate slides query (M x D) over reference (N x D) and returns the start
// row of the window with the smallest mean row-wise Euclidean distance,
// together with that distance. Ties go to the earliest window. A window
// whose distance is NaN or infinite fails the whole search.
func Locate(reference, query *tensor.Dense) (int, float64, error) {
	ref, n, d, err := matrix(reference)
	if err != nil {
		return 0, 0, fmt.Errorf("reference: %w", err)
	}
	q, m, qd, err := matrix(query)
	if err != nil {
		return 0, 0, fmt.Errorf("query: %w", err)
	}

	switch {
	case m == 0:
		return 0, 0, ErrEmptyQuery
	case d != qd:
		return 0, 0, fmt.Errorf("%w: reference has %d, query has %d", ErrDimensionMismatch, d, qd)
	case m > n:
		return 0, 0, fmt.Errorf("%w: %d rows vs %d", ErrQueryTooLong, m, n)
	}

	best, bestScore := 0, math.Inf(1)
	for i := 0; i <= n-m; i++ {
		var total float64
		for j := range m {
			total += distance(ref[(i+j)*d:(i+j+1)*d], q[j*d:(j+1)*d])
		}
		score := total / float64(m)
		if math.IsNaN(score) || math.IsInf(score, 0) {
			return 0, 0, fmt.Errorf("%w: window at row %d", ErrNonFinite, i)
		}
		if score < bestScore {
			best, bestScore = i, score
		}
	}
	return best, bestScore, nil
}

// Search runs Locate and converts the window to a time range, given the
// block duration both tensors were extracted with.
func Search(block float64, reference, query *tensor.Dense) (Match, error) {
	idx, score, err := Locate(reference, query)
	if err != nil {
		return Match{}, err
	}
	rows := query.Shape()[0]
	return Match{
		Index: idx,
		Start: float64(idx) * block,
		End:   float64(idx+rows) * block,
		Score: score,
	}, nil
}

func distance(a, b []float32) float64 {
	var sum float64
	for i := range a {
		diff := float64(a[i]) - float64(b[i])
		sum += diff * diff
	}
	return math.Sqrt(sum)
}

// matrix returns the row-major backing of a rank-2 float32 tensor
func matrix(t *tensor.Dense) ([]float32, int, int, error) {
	if t == nil {
		return nil, 0, 0, fmt.Errorf("nil tensor")
	}
	shape := t.Shape()
	if shape.Dims() != 2 {
		return nil, 0, 0, fmt.Errorf("expected a 2-D feature matrix, got shape %v", shape)
	}
	switch data := t.Data().(type) {
	case []float32:
		return data, shape[0], shape[1], nil
	case float32:
		return []float32{data}, shape[0], shape[1], nil
	default:
		return nil, 0, 0, fmt.Errorf("expected float32 features, got %v", t.Dtype())
	}
}
