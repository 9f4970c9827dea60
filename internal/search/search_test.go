package search

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorgonia.org/tensor"
)

func features(rows ...[]float32) *tensor.Dense {
	d := len(rows[0])
	data := make([]float32, 0, len(rows)*d)
	for _, r := range rows {
		data = append(data, r...)
	}
	return tensor.New(tensor.WithShape(len(rows), d), tensor.WithBacking(data))
}

// ramp builds n rows of width d with distinct, irregular values
func ramp(n, d int) [][]float32 {
	rows := make([][]float32, n)
	for i := range rows {
		rows[i] = make([]float32, d)
		for j := range rows[i] {
			rows[i][j] = float32(math.Sin(float64(i*d+j)) * 10)
		}
	}
	return rows
}

func TestLocateFindsExactSlice(t *testing.T) {
	rows := ramp(20, 7)
	ref := features(rows...)

	for _, tc := range []struct{ k, m int }{{0, 3}, {5, 4}, {12, 8}, {19, 1}} {
		idx, score, err := Locate(ref, features(rows[tc.k:tc.k+tc.m]...))
		require.NoError(t, err)
		assert.Equal(t, tc.k, idx, "k=%d m=%d", tc.k, tc.m)
		assert.Zero(t, score)
	}
}

func TestLocateScore(t *testing.T) {
	ref := features([]float32{0, 0}, []float32{3, 4}, []float32{10, 10})
	q := features([]float32{0, 0}, []float32{0, 0})

	idx, score, err := Locate(ref, q)
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
	// mean of |(0,0)| and |(3,4)|
	assert.InDelta(t, 2.5, score, 1e-12)
}

func TestLocateTiesPickEarliest(t *testing.T) {
	same := []float32{1, 1, 1}
	ref := features(same, same, same, same)

	idx, score, err := Locate(ref, features(same, same))
	require.NoError(t, err)
	assert.Equal(t, 0, idx)
	assert.Zero(t, score)

	ref = features([]float32{5}, []float32{1}, []float32{9}, []float32{1})
	idx, _, err = Locate(ref, features([]float32{1}))
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
}

func TestLocateBoundaries(t *testing.T) {
	rows := ramp(4, 3)
	ref := features(rows...)

	idx, _, err := Locate(ref, features(ramp(4, 3)...))
	require.NoError(t, err)
	assert.Equal(t, 0, idx, "equal lengths give the only window")

	_, _, err = Locate(ref, features(ramp(5, 3)...))
	assert.ErrorIs(t, err, ErrQueryTooLong)
}

func TestLocateValidation(t *testing.T) {
	ref := features(ramp(5, 7)...)

	_, _, err := Locate(ref, features(ramp(2, 6)...))
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	vec := tensor.New(tensor.WithShape(7), tensor.WithBacking(make([]float32, 7)))
	_, _, err = Locate(ref, vec)
	assert.Error(t, err)

	_, _, err = Locate(nil, ref)
	assert.Error(t, err)

	f64 := tensor.New(tensor.WithShape(2, 7), tensor.WithBacking(make([]float64, 14)))
	_, _, err = Locate(ref, f64)
	assert.Error(t, err)
}

func TestSearchTimeRange(t *testing.T) {
	rows := ramp(30, 7)
	m, err := Search(0.5, features(rows...), features(rows[10:16]...))
	require.NoError(t, err)

	assert.Equal(t, 10, m.Index)
	assert.InDelta(t, 5.0, m.Start, 1e-12)
	assert.InDelta(t, 8.0, m.End, 1e-12)
	assert.Zero(t, m.Score)

	_, err = Search(0.5, features(rows[:2]...), features(rows...))
	assert.ErrorIs(t, err, ErrQueryTooLong)
}

func TestLocateNoisyQuery(t *testing.T) {
	rows := ramp(40, 7)
	noisy := make([][]float32, 5)
	for i := range noisy {
		noisy[i] = make([]float32, 7)
		for j := range noisy[i] {
			noisy[i][j] = rows[22+i][j] + 0.01
		}
	}

	idx, score, err := Locate(features(rows...), features(noisy...))
	require.NoError(t, err)
	assert.Equal(t, 22, idx)
	assert.InDelta(t, 0.01*math.Sqrt(7), score, 1e-4)
}

func TestLocateRejectsNonFinite(t *testing.T) {
	for name, bad := range map[string]float32{
		"nan":  float32(math.NaN()),
		"+inf": float32(math.Inf(1)),
		"-inf": float32(math.Inf(-1)),
	} {
		t.Run(name, func(t *testing.T) {
			rows := ramp(6, 7)
			rows[4][2] = bad
			_, _, err := Locate(features(rows...), features(ramp(2, 7)...))
			assert.ErrorIs(t, err, ErrNonFinite)

			_, err = Search(0.5, features(ramp(6, 7)...), features(rows[3:5]...))
			assert.ErrorIs(t, err, ErrNonFinite)
		})
	}
}
