package resample

import (
	"fmt"
	"math"

	smc "github.com/milosgajdos/go-smc"
	"github.com/milosgajdos/go-smc/matrix"
	"github.com/milosgajdos/go-smc/parallel"
	"github.com/milosgajdos/go-smc/rand"
	"github.com/milosgajdos/go-smc/weights"
	rnd "golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// KernelConfig configures kernel resampler
type KernelConfig struct {
	// H is kernel bandwidth
	H float64
	// Shrink enables covariance preserving shrinkage
	Shrink bool
	// Seed seeds kernel noise
	Seed uint64
	// Workers limits the number of goroutines perturbing particles
	Workers int
}

// Kernel resamples with a base resampler and perturbs the
// resampled particles with Gaussian kernel noise.
type Kernel struct {
	// m provides log-transform flags
	m smc.LogModel
	// base selects ancestors
	base smc.Resampler
	// h is kernel bandwidth
	h float64
	// a is shrinkage factor
	a float64
	// shrink enables shrinkage
	shrink bool
	// workers limits perturbation goroutines
	workers int
	// src seeds per-particle noise
	src *rnd.Rand
}

// NewKernel creates new kernel resampler wrapping base and returns it.
// It returns error if the bandwidth is outside [0, 1) or any of the arguments is nil.
func NewKernel(m smc.LogModel, base smc.Resampler, c *KernelConfig) (*Kernel, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: invalid model: %v", smc.ErrContract, m)
	}

	if base == nil {
		return nil, fmt.Errorf("%w: invalid base resampler: %v", smc.ErrContract, base)
	}

	if c == nil {
		return nil, fmt.Errorf("%w: invalid config: %v", smc.ErrContract, c)
	}

	if c.H < 0 || c.H >= 1 || math.IsNaN(c.H) {
		return nil, fmt.Errorf("%w: invalid bandwidth: %f", smc.ErrContract, c.H)
	}

	return &Kernel{
		m:       m,
		base:    base,
		h:       c.H,
		a:       math.Sqrt(1 - c.H*c.H),
		shrink:  c.Shrink,
		workers: c.Workers,
		src:     rand.New(c.Seed),
	}, nil
}

// Resample resamples s with the base resampler and perturbs the result with
// kernel noise of covariance h^2 * Sigma, where Sigma is the weighted
// covariance of the ensemble computed in log-transformed space.
// It returns error if the covariance is not positive definite.
func (k *Kernel) Resample(lws []float64, as []int, s *smc.State) error {
	if err := check(lws, as, s); err != nil {
		return err
	}

	if k.h == 0 || s.Width() == 0 {
		return k.base.Resample(lws, as, s)
	}

	s.Log(k.m)
	err := k.resample(lws, as, s)
	s.Exp(k.m)

	return err
}

func (k *Kernel) resample(lws []float64, as []int, s *smc.State) error {
	x, err := s.Flatten()
	if err != nil {
		return err
	}

	ws := weights.Exp(nil, lws)
	mu, err := weights.Mean(x, ws)
	if err != nil {
		return fmt.Errorf("%w: %v", smc.ErrNumerical, err)
	}

	cov, err := weights.Cov(x, ws, mu)
	if err != nil {
		return fmt.Errorf("%w: %v", smc.ErrNumerical, err)
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(cov); !ok {
		return fmt.Errorf("%w: kernel covariance is not positive definite", smc.ErrNumerical)
	}
	U := mat.NewTriDense(len(mu), mat.Upper, nil)
	chol.UTo(U)

	// shrinkage is applied row by row so it commutes with ancestor selection
	if err := k.base.Resample(lws, as, s); err != nil {
		return err
	}

	if x, err = s.Flatten(); err != nil {
		return err
	}

	if k.shrink {
		x.Scale(k.a, x)
		floats.Scale(1-k.a, mu)
		matrix.AddRows(x, mu)
	}

	seeds := rand.Seeds(k.src, s.P)
	err = parallel.For(s.P, k.workers, func(i int) error {
		norm := distuv.Normal{Mu: 0, Sigma: 1, Src: rand.New(seeds[i])}
		z := mat.NewVecDense(len(mu), nil)
		for j := range mu {
			z.SetVec(j, norm.Rand())
		}
		// row vector z*U
		dz := mat.NewVecDense(len(mu), nil)
		dz.MulVec(U.T(), z)
		floats.AddScaled(x.RawRowView(i), k.h, dz.RawVector().Data)
		return nil
	})
	if err != nil {
		return err
	}

	return s.Unflatten(x)
}

// ResampleConditional is not supported by kernel resampler
func (k *Kernel) ResampleConditional(a int, lws []float64, as []int, s *smc.State) error {
	return fmt.Errorf("%w: kernel conditional resampling", smc.ErrUnsupported)
}

// ResampleProposal is not supported by kernel resampler
func (k *Kernel) ResampleProposal(qlws, lws []float64, as []int, s *smc.State) error {
	return fmt.Errorf("%w: kernel proposal resampling", smc.ErrUnsupported)
}

// Bandwidth computes optimal bandwidth of Gaussian kernel for p particles of width n and returns it.
// The result is capped just below 1 for tiny ensembles.
func Bandwidth(n, p int) float64 {
	h := math.Pow(4.0/(float64(p)*(float64(n)+2.0)), 1/(float64(n)+4.0))
	return math.Min(h, maxBandwidth)
}

const maxBandwidth = 0.99
