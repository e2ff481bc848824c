package particle

import (
	"fmt"

	smc "github.com/milosgajdos/go-smc"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
)

// Filter is an ensemble particle filter
type Filter interface {
	// Init initializes filter weights and ancestors of ensemble s
	Init(s *smc.State) (lw1, lw2 []float64, as []int, err error)
	// Filter filters ensemble s up to time T
	Filter(T float64, s *smc.State) error
	// Flush flushes buffered output
	Flush() error
}

// Prior proposes particle noise from its standard normal prior
type Prior struct{}

// Propose fills the noise block of x with standard normal draws.
// The proposal matches the prior, so the returned log importance ratio is always 0.
func (Prior) Propose(p, a int, x smc.Particle, src rand.Source) (float64, error) {
	if src == nil {
		return 0, fmt.Errorf("%w: invalid random source", smc.ErrContract)
	}

	norm := distuv.Normal{Mu: 0, Sigma: 1, Src: src}
	for i := range x.R {
		x.R[i] = norm.Rand()
	}

	return 0, nil
}
