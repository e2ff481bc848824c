package sim

import (
	"fmt"

	smc "github.com/milosgajdos/go-smc"
	"github.com/milosgajdos/go-smc/matrix"
	"github.com/milosgajdos/go-smc/noise"
	rnd "golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
)

// Simulate simulates k steps of model m from initial state x0.
// Step i is observed at time i for i in [1, k].
// It returns a k x nx matrix of true states and the noisy observations.
func Simulate(m *LinearGaussian, x0 []float64, k int, src rnd.Source) (*mat.Dense, []smc.Observation, error) {
	if k <= 0 {
		return nil, nil, fmt.Errorf("%w: invalid step count: %d", smc.ErrContract, k)
	}

	nx, _, ny, nz := m.SystemDims()
	if len(x0) != nx {
		return nil, nil, fmt.Errorf("%w: invalid initial state length: %d", smc.ErrContract, len(x0))
	}

	s, err := smc.NewModelState(m, 1, true)
	if err != nil {
		return nil, nil, err
	}
	p := s.Particle(0)
	copy(p.D, x0)

	var q *noise.Gaussian
	if nz > 0 {
		if q, err = noise.NewGaussian(make([]float64, nz), matrix.Identity(nz), src); err != nil {
			return nil, nil, err
		}
	}

	v, err := noise.NewGaussian(make([]float64, ny), m.ObsCov(), src)
	if err != nil {
		return nil, nil, err
	}

	xs := mat.NewDense(k, nx, nil)
	obs := make([]smc.Observation, k)
	for i := 0; i < k; i++ {
		if q != nil {
			q.SampleTo(p.R)
		}

		t := float64(i + 1)
		if err := m.Advance(p, t-1, t); err != nil {
			return nil, nil, err
		}
		xs.SetRow(i, p.D)

		y, err := m.Observe(p)
		if err != nil {
			return nil, nil, err
		}
		w := make([]float64, ny)
		v.SampleTo(w)
		for j := range y {
			y[j] += w[j]
		}

		obs[i] = smc.Observation{T: t, Y: y}
	}

	return xs, obs, nil
}
