package matrix

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// ColSums returns a slice containing m column sums.
// It panics if m is nil.
func ColSums(m *mat.Dense) []float64 {
	_, cols := m.Dims()
	sum := make([]float64, cols)

	for i := 0; i < cols; i++ {
		sum[i] = mat.Sum(m.ColView(i))
	}

	return sum
}

// LogColumns replaces every column of m flagged in logs with its natural logarithm.
// Columns past the end of logs are left untouched.
// It panics if m is nil.
func LogColumns(m *mat.Dense, logs []bool) {
	applyColumns(m, logs, math.Log)
}

// ExpColumns reverses LogColumns.
// It panics if m is nil.
func ExpColumns(m *mat.Dense, logs []bool) {
	applyColumns(m, logs, math.Exp)
}

func applyColumns(m *mat.Dense, logs []bool, fn func(float64) float64) {
	rows, cols := m.Dims()
	for j := 0; j < cols && j < len(logs); j++ {
		if !logs[j] {
			continue
		}
		for i := 0; i < rows; i++ {
			m.Set(i, j, fn(m.At(i, j)))
		}
	}
}

// AddRows adds v to every row of m in place.
// It panics if len(v) does not match the number of m columns.
func AddRows(m *mat.Dense, v []float64) {
	rows, cols := m.Dims()
	if len(v) != cols {
		panic(mat.ErrShape)
	}

	for i := 0; i < rows; i++ {
		floats.Add(m.RawRowView(i), v)
	}
}

// Identity returns n x n identity matrix
func Identity(n int) *mat.SymDense {
	m := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		m.SetSym(i, i, 1.0)
	}

	return m
}
