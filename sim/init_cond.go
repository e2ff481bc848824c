package sim

import (
	"fmt"

	smc "github.com/milosgajdos/go-smc"
	"github.com/milosgajdos/go-smc/matrix"
	"github.com/milosgajdos/go-smc/rand"
	rnd "golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
)

// InitCond is a Gaussian initial condition
type InitCond struct {
	state *mat.VecDense
	cov   *mat.SymDense
}

// NewInitCond creates new InitCond and returns it
func NewInitCond(state mat.Vector, cov mat.Symmetric) *InitCond {
	s := &mat.VecDense{}
	s.CloneFromVec(state)

	c := mat.NewSymDense(cov.SymmetricDim(), nil)
	c.CopySym(cov)

	return &InitCond{
		state: s,
		cov:   c,
	}
}

// State returns initial state
func (c *InitCond) State() mat.Vector {
	state := mat.NewVecDense(c.state.Len(), nil)
	state.CloneFromVec(c.state)

	return state
}

// Cov returns initial covariance
func (c *InitCond) Cov() mat.Symmetric {
	cov := mat.NewSymDense(c.cov.SymmetricDim(), nil)
	cov.CopySym(c.cov)

	return cov
}

// Sample fills every row of block b with a draw from the initial condition.
// It returns error if the block width does not match the initial state.
func (c *InitCond) Sample(b *smc.Block, src rnd.Source) error {
	if b.Cols != c.state.Len() {
		return fmt.Errorf("%w: invalid block width: %d", smc.ErrContract, b.Cols)
	}

	if b.Rows == 0 {
		return nil
	}

	x, err := rand.WithCovN(c.cov, b.Rows, src)
	if err != nil {
		return err
	}

	dst := b.Dense()
	dst.Copy(x.T())
	matrix.AddRows(dst, c.state.RawVector().Data)

	return nil
}
