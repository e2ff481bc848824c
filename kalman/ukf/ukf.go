package ukf

import (
	"fmt"
	"math"

	smc "github.com/milosgajdos/go-smc"
	"github.com/milosgajdos/go-smc/parallel"
	rnd "golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"
	"gonum.org/v1/gonum/stat/distuv"
)

// Model is a state-space model observed with additive Gaussian noise
type Model interface {
	smc.Model
	smc.MeanObserver
}

// Config contains UKF [unitless] configuration parameters
type Config struct {
	// Alpha is alpha parameter (0,1]
	Alpha float64
	// Beta is beta parameter (2 is optimal choice for Gaussian)
	Beta float64
	// Kappa is kappa parameter (must be non-negative)
	Kappa float64
	// Workers limits the number of goroutines running per-particle filters
	Workers int
}

// DefaultConfig returns default UKF configuration
func DefaultConfig() *Config {
	return &Config{
		Alpha: 1.0,
		Beta:  2.0,
		Kappa: 0.0,
	}
}

// stats stores per-particle lookahead statistics
type stats struct {
	// quad is the quadratic form J1'*J2
	quad float64
	// ldet is log determinant of innovation covariance square root
	ldet float64
	// mean is the conditional noise mean
	mean []float64
	// chol is Cholesky factor of the conditional noise covariance
	chol *mat.Cholesky
}

// UKF is Unscented (aka Sigma Point) Kalman Filter run independently for every particle.
// Sigma points span the particle noise block, which is standard normal a priori,
// while the rest of the particle state is held fixed. Every run produces a lookahead
// log-weight correction and a Gaussian proposal for the particle noise.
type UKF struct {
	// model is UKF model
	model Model
	// integ advances sigma points
	integ smc.Integrator
	// nr is sigma point dimension
	nr int
	// gamma is a unitless UKF parameter
	gamma float64
	// Wm0 is mean sigma point weight
	Wm0 float64
	// Wc0 is mean sigma point covariance weight
	Wc0 float64
	// W is weight for regular sigma points and covariances
	W float64
	// workers limits per-particle goroutines
	workers int
	// stats stores per-particle statistics of the last run
	stats []stats
}

// New creates new UKF and returns it.
// It accepts the following arguments:
// - model:  model observed with Gaussian noise
// - integ:  integrator used to advance sigma points
// - c:      filter configuration
// It returns error if any of the arguments is nil or the config is invalid.
func New(model Model, integ smc.Integrator, c *Config) (*UKF, error) {
	if model == nil {
		return nil, fmt.Errorf("invalid model: %v", model)
	}

	if integ == nil {
		return nil, fmt.Errorf("invalid integrator: %v", integ)
	}

	if c == nil {
		c = DefaultConfig()
	}

	// config parameters can't be negative numbers
	if c.Alpha <= 0 || c.Beta < 0 || c.Kappa < 0 {
		return nil, fmt.Errorf("invalid config supplied: %+v", *c)
	}

	// sigma point dimension (length of sigma point vector)
	spDim := model.NetSize(smc.RNode)

	// lambda is another unitless UKF parameter - calculates using the config ones
	lambda := c.Alpha*c.Alpha*(float64(spDim)+c.Kappa) - float64(spDim)

	k := &UKF{
		model:   model,
		integ:   integ,
		nr:      spDim,
		workers: c.Workers,
	}

	if spDim > 0 {
		// gamma is the square root Sigma Point covariance scaling factor
		k.gamma = math.Sqrt(float64(spDim) + lambda)
		// weight of the mean sigma point
		k.Wm0 = lambda / (float64(spDim) + lambda)
		// weight of the mean sigma point covariance
		k.Wc0 = k.Wm0 + (1 - c.Alpha*c.Alpha + c.Beta)
		// weight of the rest of sigma points and covariance
		k.W = 1 / (2 * (float64(spDim) + lambda))
	}

	return k, nil
}

// GenSigmaPoints generates sigma points of the standard normal noise and returns them.
// It returns matrix which stores sigma points in its columns, the mean sigma point first.
func (k *UKF) GenSigmaPoints() *mat.Dense {
	n := k.nr
	sp := mat.NewDense(n, 2*n+1, nil)
	for i := 0; i < n; i++ {
		// positive sigma points
		sp.Set(i, 1+i, k.gamma)
		// negative sigma points
		sp.Set(i, 1+n+i, -k.gamma)
	}

	return sp
}

// Active returns true if the last run produced lookahead statistics
func (k *UKF) Active() bool {
	return k.stats != nil
}

// Run runs one UKF step from t1 to t2 for every particle in s given observation y.
// If y is nil or particles have no noise it clears the statistics of the previous run,
// which turns Apply into a no-op and Propose into prior sampling.
// It returns error if the sigma points fail to propagate or the innovation covariance is not positive definite.
func (k *UKF) Run(s *smc.State, t1, t2 float64, y []float64) error {
	k.stats = nil

	if y == nil || k.nr == 0 {
		return nil
	}

	if s.R.Cols != k.nr {
		return fmt.Errorf("%w: noise block width %d != %d", smc.ErrContract, s.R.Cols, k.nr)
	}

	sp := k.GenSigmaPoints()
	st := make([]stats, s.P)

	err := parallel.For(s.P, k.workers, func(p int) error {
		return k.run(s.Particle(p), sp, t1, t2, y, &st[p])
	})
	if err != nil {
		return err
	}

	k.stats = st

	return nil
}

// run runs UKF for a single particle
func (k *UKF) run(x smc.Particle, sp *mat.Dense, t1, t2 float64, y []float64, st *stats) error {
	ny := len(y)
	_, cols := sp.Dims()

	// sigma point outputs stored in columns
	out := mat.NewDense(ny, cols, nil)
	yMean := mat.NewVecDense(ny, nil)

	sx := smc.Particle{
		D:     make([]float64, len(x.D)),
		C:     make([]float64, len(x.C)),
		R:     make([]float64, k.nr),
		Theta: x.Theta,
	}

	for c := 0; c < cols; c++ {
		copy(sx.D, x.D)
		copy(sx.C, x.C)
		mat.Col(sx.R, c, sp)

		if err := k.integ.Advance(sx, t1, t2); err != nil {
			return fmt.Errorf("failed to propagate sigma point: %w", err)
		}

		sy, err := k.model.Observe(sx)
		if err != nil {
			return fmt.Errorf("failed to observe sigma point output: %w", err)
		}

		if len(sy) != ny {
			return fmt.Errorf("%w: observation length %d != %d", smc.ErrContract, len(sy), ny)
		}
		out.SetCol(c, sy)

		w := k.W
		if c == 0 {
			w = k.Wm0
		}
		yMean.AddScaledVec(yMean, w, mat.NewVecDense(ny, sy))
	}

	// innovation covariance and noise-output cross covariance
	obsCov := k.model.ObsCov()
	if obsCov.SymmetricDim() != ny {
		return fmt.Errorf("%w: observation covariance dimension %d != %d", smc.ErrContract, obsCov.SymmetricDim(), ny)
	}
	pyy := mat.NewSymDense(ny, nil)
	pyy.CopySym(obsCov)
	pry := mat.NewDense(k.nr, ny, nil)

	dy := mat.NewVecDense(ny, nil)
	for c := 0; c < cols; c++ {
		dy.SubVec(out.ColView(c), yMean)

		w := k.W
		if c == 0 {
			w = k.Wc0
		}
		pyy.SymRankOne(pyy, w, dy)

		if c == 0 {
			// mean sigma point is zero
			continue
		}
		cov := mat.NewDense(k.nr, ny, nil)
		cov.Outer(k.W, sp.ColView(c), dy)
		pry.Add(pry, cov)
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(pyy); !ok {
		return fmt.Errorf("%w: innovation covariance is not positive definite", smc.ErrNumerical)
	}

	// innovation vector
	j2 := mat.NewVecDense(ny, nil)
	j2.SubVec(mat.NewVecDense(ny, y), yMean)

	j1 := mat.NewVecDense(ny, nil)
	if err := chol.SolveVecTo(j1, j2); err != nil {
		return fmt.Errorf("%w: %v", smc.ErrNumerical, err)
	}

	// conditional noise mean: pry * inv(pyy) * j2
	mean := mat.NewVecDense(k.nr, nil)
	mean.MulVec(pry, j1)

	// conditional noise covariance: I - pry * inv(pyy) * pry'
	gain := mat.NewDense(ny, k.nr, nil)
	if err := chol.SolveTo(gain, pry.T()); err != nil {
		return fmt.Errorf("%w: %v", smc.ErrNumerical, err)
	}
	corr := mat.NewDense(k.nr, k.nr, nil)
	corr.Mul(pry, gain)

	sq := mat.NewSymDense(k.nr, nil)
	for i := 0; i < k.nr; i++ {
		for j := i; j < k.nr; j++ {
			v := -0.5 * (corr.At(i, j) + corr.At(j, i))
			if i == j {
				v += 1
			}
			sq.SetSym(i, j, v)
		}
	}

	var sqChol mat.Cholesky
	if ok := sqChol.Factorize(sq); !ok {
		return fmt.Errorf("%w: proposal covariance is not positive definite", smc.ErrNumerical)
	}

	st.quad = mat.Dot(j1, j2)
	st.ldet = 0.5 * chol.LogDet()
	st.mean = mean.RawVector().Data
	st.chol = &sqChol

	return nil
}

// Apply adds lookahead log-weight corrections of the last run to lw1.
// It leaves lw1 untouched if the last run produced no statistics.
// It returns error if the number of log-weights does not match the last run.
func (k *UKF) Apply(lw1 []float64) error {
	if k.stats == nil {
		return nil
	}

	if len(lw1) != len(k.stats) {
		return fmt.Errorf("%w: weight count %d != particle count %d", smc.ErrContract, len(lw1), len(k.stats))
	}

	for p := range lw1 {
		lw1[p] += -0.5 * k.stats[p].quad
	}

	for p := range lw1 {
		lw1[p] -= k.stats[p].ldet
	}

	return nil
}

// Propose fills the noise block of particle x descending from ancestor a.
// If the last run produced statistics the noise is drawn from the conditional
// Gaussian proposal of ancestor a, otherwise from its standard normal prior.
// It returns the log ratio of the prior and proposal densities of the drawn noise.
func (k *UKF) Propose(p, a int, x smc.Particle, src rnd.Source) (float64, error) {
	if len(x.R) != k.nr {
		return 0, fmt.Errorf("%w: noise length %d != %d", smc.ErrContract, len(x.R), k.nr)
	}

	if k.stats == nil {
		norm := distuv.Normal{Mu: 0, Sigma: 1, Src: src}
		for i := range x.R {
			x.R[i] = norm.Rand()
		}
		return 0, nil
	}

	if a < 0 || a >= len(k.stats) {
		return 0, fmt.Errorf("%w: ancestor %d out of range", smc.ErrContract, a)
	}

	st := k.stats[a]
	q := distmv.NewNormalChol(st.mean, st.chol, src)
	q.Rand(x.R)

	return stdNormalLogProb(x.R) - q.LogProb(x.R), nil
}

func stdNormalLogProb(x []float64) float64 {
	return -0.5*float64(len(x))*math.Log(2*math.Pi) - 0.5*floats.Dot(x, x)
}
