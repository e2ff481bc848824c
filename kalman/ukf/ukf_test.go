package ukf

import (
	"errors"
	"math"
	"os"
	"testing"

	smc "github.com/milosgajdos/go-smc"
	"github.com/milosgajdos/go-smc/rand"
	"github.com/milosgajdos/go-smc/sim"
	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// constModel observes a constant regardless of particle state
type constModel struct {
	nr  int
	cov *mat.SymDense
}

func (m *constModel) NetSize(t smc.NodeType) int {
	switch t {
	case smc.DNode:
		return 1
	case smc.RNode:
		return m.nr
	}
	return 0
}

func (m *constModel) Logs(t smc.NodeType) []bool { return nil }

func (m *constModel) Observe(p smc.Particle) ([]float64, error) { return []float64{1}, nil }

func (m *constModel) ObsCov() mat.Symmetric { return m.cov }

func (m *constModel) LogLikelihood(p smc.Particle, y []float64) (float64, error) { return 0, nil }

type nopIntegrator struct{}

func (nopIntegrator) Advance(p smc.Particle, t1, t2 float64) error { return nil }

type failIntegrator struct{}

func (failIntegrator) Advance(p smc.Particle, t1, t2 float64) error { return errors.New("boom") }

var (
	c       *Config
	a, e, h float64
	r2      float64
	model   *sim.LinearGaussian
)

func setup() {
	a, e, h, r2 = 0.9, 0.5, 2.0, 0.3

	d, err := sim.NewDiscrete(
		mat.NewDense(1, 1, []float64{a}),
		nil,
		mat.NewDense(1, 1, []float64{h}),
		nil,
		mat.NewDense(1, 1, []float64{e}),
	)
	if err != nil {
		panic(err)
	}

	model, err = sim.NewLinearGaussian(d, nil, mat.NewSymDense(1, []float64{r2}))
	if err != nil {
		panic(err)
	}

	c = &Config{
		Alpha: 0.75,
		Beta:  2.0,
		Kappa: 3.0,
	}
}

func TestMain(m *testing.M) {
	// set up tests
	setup()
	// run the tests
	retCode := m.Run()
	// call with result of m.Run()
	os.Exit(retCode)
}

func newState(t *testing.T, xs ...float64) *smc.State {
	s, err := smc.NewModelState(model, len(xs), true)
	if err != nil {
		t.Fatalf("failed to create state: %v", err)
	}
	copy(s.D.Data, xs)
	return s
}

func TestNew(t *testing.T) {
	assert := assert.New(t)

	f, err := New(model, model, c)
	assert.NotNil(f)
	assert.NoError(err)

	f, err = New(model, model, nil)
	assert.NotNil(f)
	assert.NoError(err)

	f, err = New(nil, model, c)
	assert.Nil(f)
	assert.Error(err)

	f, err = New(model, nil, c)
	assert.Nil(f)
	assert.Error(err)

	// invalid config
	f, err = New(model, model, &Config{Alpha: -10, Beta: 2})
	assert.Nil(f)
	assert.Error(err)
}

func TestGenSigmaPoints(t *testing.T) {
	assert := assert.New(t)

	f, err := New(&constModel{nr: 2, cov: mat.NewSymDense(1, []float64{1})}, nopIntegrator{}, c)
	assert.NoError(err)

	sp := f.GenSigmaPoints()
	r, cols := sp.Dims()
	assert.Equal(2, r)
	assert.Equal(5, cols)

	// weighted sigma points recover zero mean and identity covariance
	for i := 0; i < 2; i++ {
		mean := f.Wm0 * sp.At(i, 0)
		for j := 1; j < cols; j++ {
			mean += f.W * sp.At(i, j)
		}
		assert.InDelta(0.0, mean, 1e-12)

		for k := 0; k < 2; k++ {
			cov := 0.0
			for j := 1; j < cols; j++ {
				cov += f.W * sp.At(i, j) * sp.At(k, j)
			}
			want := 0.0
			if i == k {
				want = 1.0
			}
			assert.InDelta(want, cov, 1e-12)
		}
	}
}

func TestRunApply(t *testing.T) {
	assert := assert.New(t)

	f, err := New(model, model, c)
	assert.NoError(err)

	xs := []float64{-1, 0, 2.5}
	s := newState(t, xs...)
	y := []float64{1.2}

	assert.NoError(f.Run(s, 0, 1, y))
	assert.True(f.Active())

	lw1 := []float64{0.1, 0.2, 0.3}
	assert.NoError(f.Apply(lw1))

	syy := h*h*e*e + r2
	for i, x := range xs {
		d := y[0] - h*a*x
		want := []float64{0.1, 0.2, 0.3}[i] - 0.5*d*d/syy - 0.5*math.Log(syy)
		assert.InDelta(want, lw1[i], 1e-9)
	}

	// ensemble is not modified by the lookahead
	assert.Equal(xs, s.D.Data)

	err = f.Apply(make([]float64, 2))
	assert.True(errors.Is(err, smc.ErrContract))
}

func TestRunPassThrough(t *testing.T) {
	assert := assert.New(t)

	f, err := New(model, model, c)
	assert.NoError(err)

	s := newState(t, 1, 2)
	assert.NoError(f.Run(s, 0, 1, []float64{0}))
	assert.True(f.Active())

	// no observation clears statistics
	assert.NoError(f.Run(s, 0, 1, nil))
	assert.False(f.Active())

	lw1 := []float64{math.Pi, -math.E}
	assert.NoError(f.Apply(lw1))
	assert.Equal([]float64{math.Pi, -math.E}, lw1)

	// no noise
	f, err = New(&constModel{nr: 0, cov: mat.NewSymDense(1, []float64{1})}, nopIntegrator{}, c)
	assert.NoError(err)
	ns, err := smc.NewState(2, 1, 0, 0, 0, true)
	assert.NoError(err)
	assert.NoError(f.Run(ns, 0, 1, []float64{0}))
	assert.False(f.Active())
	assert.NoError(f.Apply(lw1))
	assert.Equal([]float64{math.Pi, -math.E}, lw1)
}

func TestRunErrors(t *testing.T) {
	assert := assert.New(t)

	// zero innovation covariance
	f, err := New(&constModel{nr: 1, cov: mat.NewSymDense(1, []float64{0})}, nopIntegrator{}, c)
	assert.NoError(err)

	s, err := smc.NewState(2, 1, 0, 1, 0, true)
	assert.NoError(err)
	err = f.Run(s, 0, 1, []float64{0})
	assert.True(errors.Is(err, smc.ErrNumerical))
	assert.False(f.Active())

	// integrator failure
	f, err = New(model, failIntegrator{}, c)
	assert.NoError(err)
	assert.Error(f.Run(newState(t, 1), 0, 1, []float64{0}))

	// noise block mismatch
	f, err = New(model, model, c)
	assert.NoError(err)
	s, err = smc.NewState(2, 1, 0, 2, 0, true)
	assert.NoError(err)
	err = f.Run(s, 0, 1, []float64{0})
	assert.True(errors.Is(err, smc.ErrContract))
}

func TestPropose(t *testing.T) {
	assert := assert.New(t)

	f, err := New(model, model, c)
	assert.NoError(err)

	xs := []float64{-1, 3}
	s := newState(t, xs...)
	y := []float64{1.2}
	assert.NoError(f.Run(s, 0, 1, y))

	syy := h*h*e*e + r2
	// proposals of ancestor 1
	d := y[0] - h*a*xs[1]
	mean := h * e * d / syy
	variance := 1 - h*h*e*e/syy

	src := rand.New(11)
	n := 20000
	rs := make([]float64, n)
	x := s.Particle(0)
	for i := range rs {
		lw, err := f.Propose(0, 1, x, src)
		assert.NoError(err)
		rs[i] = x.R[0]

		lq := -0.5*math.Log(2*math.Pi*variance) - 0.5*(x.R[0]-mean)*(x.R[0]-mean)/variance
		lp := -0.5*math.Log(2*math.Pi) - 0.5*x.R[0]*x.R[0]
		if i < 10 {
			assert.InDelta(lp-lq, lw, 1e-9)
		}
	}
	assert.InDelta(mean, stat.Mean(rs, nil), 0.02)
	assert.InDelta(variance, stat.Variance(rs, nil), 0.02)

	_, err = f.Propose(0, 5, x, src)
	assert.True(errors.Is(err, smc.ErrContract))

	_, err = f.Propose(0, 0, smc.Particle{R: []float64{1, 2}}, src)
	assert.True(errors.Is(err, smc.ErrContract))
}

func TestProposePrior(t *testing.T) {
	assert := assert.New(t)

	f, err := New(model, model, c)
	assert.NoError(err)

	s := newState(t, 0)
	x := s.Particle(0)
	src := rand.New(2)

	n := 20000
	rs := make([]float64, n)
	for i := range rs {
		lw, err := f.Propose(0, 0, x, src)
		assert.NoError(err)
		assert.Equal(0.0, lw)
		rs[i] = x.R[0]
	}
	assert.InDelta(0.0, stat.Mean(rs, nil), 0.03)
	assert.InDelta(1.0, stat.Variance(rs, nil), 0.05)
}
