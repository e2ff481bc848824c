// Package weights implements log-space importance weight utilities.
package weights

import (
	"fmt"
	"math"

	smc "github.com/milosgajdos/go-smc"
	"github.com/milosgajdos/go-smc/matrix"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// LogSumExp returns log(sum(exp(lw))).
// It returns -Inf if lw is empty or all its entries are -Inf.
func LogSumExp(lw []float64) float64 {
	if len(lw) == 0 {
		return math.Inf(-1)
	}

	max := floats.Max(lw)
	if math.IsInf(max, 0) {
		return max
	}

	return floats.LogSumExp(lw)
}

// Normalise normalises log-weights lw in place so that sum(exp(lw)) == 1.
// Empty or all -Inf log-weights are left unchanged.
func Normalise(lw []float64) {
	lse := LogSumExp(lw)
	if math.IsInf(lse, 0) {
		return
	}

	floats.AddConst(-lse, lw)
}

// ESS returns effective sample size of log-weights lw: (sum w)^2 / sum(w^2).
// The weights do not need to be normalised. ESS does not modify lw.
// It returns 0 if lw is empty or carries no mass.
func ESS(lw []float64) float64 {
	lse := LogSumExp(lw)
	if math.IsInf(lse, 0) {
		return 0
	}

	lw2 := make([]float64, len(lw))
	floats.ScaleTo(lw2, 2, lw)

	return math.Exp(2*lse - LogSumExp(lw2))
}

// Exp stores unnormalised weights exp(lw - max(lw)) in dst and returns it.
// If dst is nil a new slice is allocated.
// It panics if dst is not nil and its length does not match lw.
func Exp(dst, lw []float64) []float64 {
	if dst == nil {
		dst = make([]float64, len(lw))
	}

	if len(dst) != len(lw) {
		panic("weights: length mismatch")
	}

	if len(lw) == 0 {
		return dst
	}

	max := floats.Max(lw)
	for i, l := range lw {
		if math.IsInf(max, -1) {
			dst[i] = 0
			continue
		}
		dst[i] = math.Exp(l - max)
	}

	return dst
}

// Mean returns weighted mean of the rows of x with non-negative unnormalised weights ws.
// It returns error if the number of weights does not match x rows or the weights carry no mass.
func Mean(x mat.Matrix, ws []float64) ([]float64, error) {
	rows, cols := x.Dims()
	if rows != len(ws) {
		return nil, fmt.Errorf("%w: weight count %d != row count %d", smc.ErrContract, len(ws), rows)
	}

	sum := floats.Sum(ws)
	if sum <= 0 {
		return nil, fmt.Errorf("%w: invalid weight mass: %f", smc.ErrContract, sum)
	}

	if cols == 0 {
		return []float64{}, nil
	}

	wx := mat.DenseCopyOf(x)
	for i := 0; i < rows; i++ {
		floats.Scale(ws[i], wx.RawRowView(i))
	}
	mu := matrix.ColSums(wx)
	floats.Scale(1/sum, mu)

	return mu, nil
}

// Cov returns weighted covariance of the rows of x around mean mu
// with non-negative unnormalised weights ws. The weighted sum is divided by sum(ws).
// It returns error if mu or ws dimensions do not match x or the weights carry no mass.
func Cov(x mat.Matrix, ws, mu []float64) (*mat.SymDense, error) {
	rows, cols := x.Dims()
	if rows != len(ws) {
		return nil, fmt.Errorf("%w: weight count %d != row count %d", smc.ErrContract, len(ws), rows)
	}

	if cols != len(mu) {
		return nil, fmt.Errorf("%w: mean length %d != column count %d", smc.ErrContract, len(mu), cols)
	}

	sum := floats.Sum(ws)
	if sum <= 0 {
		return nil, fmt.Errorf("%w: invalid weight mass: %f", smc.ErrContract, sum)
	}

	cov := mat.NewSymDense(cols, nil)
	d := mat.NewVecDense(cols, nil)
	for i := 0; i < rows; i++ {
		if ws[i] == 0 {
			continue
		}
		for j := 0; j < cols; j++ {
			d.SetVec(j, x.At(i, j)-mu[j])
		}
		cov.SymRankOne(cov, ws[i]/sum, d)
	}

	return cov, nil
}
