package estimate

import (
	"fmt"

	smc "github.com/milosgajdos/go-smc"
	"github.com/milosgajdos/go-smc/weights"
	"gonum.org/v1/gonum/mat"
)

// Base is base estimate
type Base struct {
	// val is estimated value
	val *mat.VecDense
	// cov is estimated covariance
	cov *mat.SymDense
}

// NewBase returns base estimate given val
func NewBase(val mat.Vector) (*Base, error) {
	v := &mat.VecDense{}
	if val != nil {
		v.CloneFromVec(val)
	}

	c := mat.NewSymDense(v.Len(), nil)

	return &Base{
		val: v,
		cov: c,
	}, nil
}

// NewBaseWithCov returns base estimate given value and covariance
func NewBaseWithCov(val mat.Vector, cov mat.Symmetric) (*Base, error) {
	rv, _ := val.Dims()
	rc := cov.SymmetricDim()

	if rv != rc {
		return nil, fmt.Errorf("invalid dimensions. Val: %d, Cov: %d x %d", rv, rc, rc)
	}

	v := &mat.VecDense{}
	v.CloneFromVec(val)

	c := mat.NewSymDense(cov.SymmetricDim(), nil)
	c.CopySym(cov)

	return &Base{
		val: v,
		cov: c,
	}, nil
}

// NewWeighted returns weighted mean and covariance of the rows of x given log-weights lws.
// Log-weights do not need to be normalised.
// It returns error if the number of log-weights does not match x rows or the weights carry no mass.
func NewWeighted(x mat.Matrix, lws []float64) (*Base, error) {
	rows, _ := x.Dims()
	if rows != len(lws) {
		return nil, fmt.Errorf("%w: weight count %d != row count %d", smc.ErrContract, len(lws), rows)
	}

	ws := weights.Exp(nil, lws)
	mu, err := weights.Mean(x, ws)
	if err != nil {
		return nil, err
	}

	cov, err := weights.Cov(x, ws, mu)
	if err != nil {
		return nil, err
	}

	return &Base{
		val: mat.NewVecDense(len(mu), mu),
		cov: cov,
	}, nil
}

// Val returns estimated value
func (b *Base) Val() mat.Vector {
	v := &mat.VecDense{}
	v.CloneFromVec(b.val)

	return v
}

// Cov returns covariance estimate
func (b *Base) Cov() mat.Symmetric {
	cov := mat.NewSymDense(b.cov.SymmetricDim(), nil)
	cov.CopySym(b.cov)

	return cov
}
