package apf

import (
	"errors"
	"math"
	"os"
	"testing"

	smc "github.com/milosgajdos/go-smc"
	"github.com/milosgajdos/go-smc/buffer"
	"github.com/milosgajdos/go-smc/kalman/kf"
	"github.com/milosgajdos/go-smc/kalman/ukf"
	"github.com/milosgajdos/go-smc/particle"
	"github.com/milosgajdos/go-smc/rand"
	"github.com/milosgajdos/go-smc/resample"
	"github.com/milosgajdos/go-smc/sim"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
)

var _ particle.Filter = (*APF)(nil)

var (
	model *sim.LinearGaussian
	ic    *sim.InitCond
	obs   []smc.Observation
)

func setup() {
	d, err := sim.NewDiscrete(
		mat.NewDense(1, 1, []float64{1.0}),
		nil,
		mat.NewDense(1, 1, []float64{1.0}),
		nil,
		mat.NewDense(1, 1, []float64{0.5}),
	)
	if err != nil {
		panic(err)
	}

	model, err = sim.NewLinearGaussian(d, nil, mat.NewSymDense(1, []float64{0.5}))
	if err != nil {
		panic(err)
	}

	ic = sim.NewInitCond(mat.NewVecDense(1, []float64{10}), mat.NewSymDense(1, []float64{1}))

	// observations drift away from the prior mean
	ys := []float64{10.4, 10.9, 11.3, 11.8, 12.4, 12.7, 13.3, 13.6, 14.2, 14.5}
	obs = make([]smc.Observation, len(ys))
	for i, y := range ys {
		obs[i] = smc.Observation{T: float64(i + 1), Y: []float64{y}}
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

// countResampler counts resampler invocations
type countResampler struct {
	base     smc.Resampler
	calls    int
	proposal int
}

func (r *countResampler) Resample(lws []float64, as []int, s *smc.State) error {
	r.calls++
	return r.base.Resample(lws, as, s)
}

func (r *countResampler) ResampleConditional(a int, lws []float64, as []int, s *smc.State) error {
	r.calls++
	return r.base.ResampleConditional(a, lws, as, s)
}

func (r *countResampler) ResampleProposal(qlws, lws []float64, as []int, s *smc.State) error {
	r.calls++
	r.proposal++
	return r.base.ResampleProposal(qlws, lws, as, s)
}

func newConfig() *Config {
	return &Config{
		Model:        model,
		Integrator:   model,
		Observer:     model,
		RelESS:       0.5,
		Observations: obs,
		Seed:         1,
		Logger:       zap.NewNop(),
	}
}

func newEnsemble(t *testing.T, p int, seed uint64) *smc.State {
	s, err := smc.NewModelState(model, p, true)
	require.NoError(t, err)
	require.NoError(t, ic.Sample(s.D, rand.New(seed)))

	return s
}

func TestNew(t *testing.T) {
	assert := assert.New(t)

	f, err := New(newConfig())
	assert.NotNil(f)
	assert.NoError(err)
	assert.Equal(Init, f.Status())

	f, err = New(nil)
	assert.Nil(f)
	assert.True(errors.Is(err, smc.ErrContract))

	for _, relEss := range []float64{-0.1, 1.1, math.NaN()} {
		c := newConfig()
		c.RelESS = relEss
		f, err = New(c)
		assert.Nil(f)
		assert.True(errors.Is(err, smc.ErrContract))
	}

	c := newConfig()
	c.Integrator = nil
	f, err = New(c)
	assert.Nil(f)
	assert.Error(err)

	c = newConfig()
	c.Observations = []smc.Observation{{T: 1, Y: []float64{0}}, {T: 1, Y: []float64{1}}}
	f, err = New(c)
	assert.Nil(f)
	assert.True(errors.Is(err, smc.ErrContract))

	c = newConfig()
	c.Observations = []smc.Observation{{T: 1}}
	f, err = New(c)
	assert.Nil(f)
	assert.True(errors.Is(err, smc.ErrContract))
}

func TestInit(t *testing.T) {
	assert := assert.New(t)

	f, err := New(newConfig())
	assert.NoError(err)

	s := newEnsemble(t, 4, 1)
	lw1, lw2, as, err := f.Init(s)
	assert.NoError(err)
	assert.Equal([]float64{0, 0, 0, 0}, lw1)
	assert.Equal([]float64{0, 0, 0, 0}, lw2)
	assert.Equal([]int{0, 1, 2, 3}, as)
	assert.Equal(Stepping, f.Status())

	// noise is drawn from the prior
	for _, r := range s.R.Data {
		assert.NotEqual(0.0, r)
	}

	// ensemble layout does not match the model
	bad, err := smc.NewState(4, 2, 0, 1, 0, true)
	assert.NoError(err)
	_, _, _, err = f.Init(bad)
	assert.True(errors.Is(err, smc.ErrContract))
}

func TestResampleThreshold(t *testing.T) {
	assert := assert.New(t)

	// skewed weights with ESS of 10/3 out of 4 particles
	lws := []float64{math.Log(0.1), math.Log(0.2), math.Log(0.3), math.Log(0.4)}

	testCases := []struct {
		relEss    float64
		resampled bool
	}{
		{0.0, false},
		{0.5, false},
		{0.9, true},
		{1.0, true},
	}

	for _, tc := range testCases {
		r := &countResampler{base: resample.NewMultinomial(7)}
		c := newConfig()
		c.RelESS = tc.relEss
		c.Resampler = r
		f, err := New(c)
		assert.NoError(err)

		s := newEnsemble(t, 4, 1)
		lw1, lw2, as, err := f.Init(s)
		assert.NoError(err)
		copy(lw2, lws)

		ok, err := f.Resample(s, lw1, lw2, as)
		assert.NoError(err)
		assert.Equal(tc.resampled, ok, "relEss %f", tc.relEss)

		if tc.resampled {
			assert.Equal(1, r.calls)
			for i := range lw2 {
				assert.InDelta(-math.Log(4), lw2[i], 1e-12)
			}
			continue
		}

		assert.Equal(0, r.calls)
		assert.Equal([]int{0, 1, 2, 3}, as)
		assert.Equal(lw2, lw1)
		for i := range lw2 {
			assert.InDelta(lws[i], lw2[i], 1e-12)
		}
	}
}

func TestResampleNoResampler(t *testing.T) {
	assert := assert.New(t)

	c := newConfig()
	c.RelESS = 1
	f, err := New(c)
	assert.NoError(err)

	s := newEnsemble(t, 3, 1)
	lw1, lw2, as, err := f.Init(s)
	assert.NoError(err)
	copy(lw2, []float64{0, math.Log(2), math.Log(5)})
	copy(as, []int{2, 2, 2})

	ok, err := f.Resample(s, lw1, lw2, as)
	assert.NoError(err)
	assert.False(ok)
	assert.Equal([]int{0, 1, 2}, as)
	assert.InDeltaSlice([]float64{math.Log(0.125), math.Log(0.25), math.Log(0.625)}, lw2, 1e-12)
	assert.Equal(lw2, lw1)

	_, err = f.Resample(s, lw1[:2], lw2, as)
	assert.True(errors.Is(err, smc.ErrContract))
}

func TestResampleConditional(t *testing.T) {
	assert := assert.New(t)

	c := newConfig()
	c.RelESS = 1
	c.Resampler = resample.NewSystematic(3)
	f, err := New(c)
	assert.NoError(err)

	s := newEnsemble(t, 5, 1)
	lw1, lw2, as, err := f.Init(s)
	assert.NoError(err)
	lw2[4] = 10

	ok, err := f.ResampleConditional(1, s, lw1, lw2, as)
	assert.NoError(err)
	assert.True(ok)
	assert.Equal(1, as[1])
}

func TestLookaheadPassThrough(t *testing.T) {
	assert := assert.New(t)

	// no lookahead configured
	f, err := New(newConfig())
	assert.NoError(err)

	lw1 := []float64{-0.1, -math.Pi, 0.7}
	assert.NoError(f.Lookahead(lw1))
	assert.Equal([]float64{-0.1, -math.Pi, 0.7}, lw1)

	// lookahead without observation
	look, err := ukf.New(model, model, nil)
	assert.NoError(err)
	c := newConfig()
	c.Lookahead = look
	c.Observations = nil
	f, err = New(c)
	assert.NoError(err)

	s := newEnsemble(t, 3, 1)
	assert.NoError(f.Prepare(5, s))
	assert.False(look.Active())
	assert.NoError(f.Lookahead(lw1))
	assert.Equal([]float64{-0.1, -math.Pi, 0.7}, lw1)
}

func TestFilterContract(t *testing.T) {
	assert := assert.New(t)

	f, err := New(newConfig())
	assert.NoError(err)

	s := newEnsemble(t, 10, 1)
	err = f.Filter(0, s)
	assert.True(errors.Is(err, smc.ErrContract))

	assert.NoError(f.Filter(2, s))
	assert.Equal(Terminated, f.Status())
	assert.Equal(2.0, f.Time())

	err = f.Filter(4, s)
	assert.True(errors.Is(err, smc.ErrContract))

	_, _, _, err = f.Init(s)
	assert.True(errors.Is(err, smc.ErrContract))
}

func TestFilterSteps(t *testing.T) {
	assert := assert.New(t)

	out := buffer.NewMemory()
	c := newConfig()
	c.Resampler = resample.NewSystematic(2)
	c.Buffer = out
	c.Observations = []smc.Observation{
		{T: 2, Y: []float64{10}},
		{T: 1, Y: []float64{10}},
		{T: 7, Y: []float64{10}},
	}
	f, err := New(c)
	assert.NoError(err)

	s := newEnsemble(t, 20, 1)
	assert.NoError(f.Filter(3.5, s))

	// steps end at observation times and the horizon
	sum, err := f.Summarise()
	assert.NoError(err)
	assert.Equal([]float64{1, 2, 3.5}, sum.Times)
	assert.Len(sum.LogLikelihoods, 3)
	assert.Len(sum.ESS, 3)
	assert.Len(sum.Stage1ESS, 3)
	assert.Len(sum.Resampled, 3)
	// the last step has no observation
	assert.InDelta(0.0, sum.LogLikelihoods[2], 1e-9)
	assert.InDelta(sum.LogLikelihoods[0]+sum.LogLikelihoods[1], sum.LogLikelihood, 1e-9)

	n, err := out.Steps()
	assert.NoError(err)
	assert.Equal(3, n)

	for k, want := range []float64{1, 2, 3.5} {
		ts, err := out.Time(k)
		assert.NoError(err)
		assert.Equal(want, ts)

		as, err := out.Ancestors(k)
		assert.NoError(err)
		assert.Len(as, 20)

		lw, err := out.LogWeights(k)
		assert.NoError(err)
		assert.Len(lw, 20)

		// stage-1 weights are written on flush only
		_, err = out.Stage1LogWeights(k)
		assert.Error(err)
	}

	assert.NoError(f.Flush())
	for k := 0; k < 3; k++ {
		lw1, err := out.Stage1LogWeights(k)
		assert.NoError(err)
		assert.Len(lw1, 20)
	}

	// second flush is a no-op
	assert.NoError(f.Flush())

	lineage, err := buffer.Lineage(out, 0)
	assert.NoError(err)
	assert.Len(lineage, 3)

	est := f.Estimates()
	assert.Len(est, 3)
	for _, e := range est {
		assert.NotNil(e)
	}
}

func TestFlushNoBuffer(t *testing.T) {
	assert := assert.New(t)

	f, err := New(newConfig())
	assert.NoError(err)

	_, err = f.Summarise()
	assert.True(errors.Is(err, smc.ErrContract))

	assert.NoError(f.Filter(1, newEnsemble(t, 5, 1)))
	assert.NoError(f.Flush())
	assert.NoError(f.Flush())
}

func TestFilterDeterministic(t *testing.T) {
	assert := assert.New(t)

	run := func(workers int) []float64 {
		c := newConfig()
		c.Resampler = resample.NewMultinomial(5)
		c.Workers = workers
		f, err := New(c)
		assert.NoError(err)

		s := newEnsemble(t, 50, 1)
		assert.NoError(f.Filter(10, s))

		return s.D.Data
	}

	assert.Equal(run(1), run(4))
}

// kalman returns Kalman filter means, standard deviations and log-likelihood of the test observations
func kalman(t *testing.T) ([]float64, []float64, float64) {
	k, err := kf.New(model, ic)
	require.NoError(t, err)

	means := make([]float64, len(obs))
	sds := make([]float64, len(obs))
	for i, o := range obs {
		est, err := k.Run(o.Y)
		require.NoError(t, err)
		means[i] = est.Val().AtVec(0)
		sds[i] = math.Sqrt(est.Cov().At(0, 0))
	}
	// the posterior leaves the prior behind
	require.Greater(t, means[len(means)-1]-ic.State().AtVec(0), 3.0)

	return means, sds, k.LogLikelihood()
}

// assertTracksKalman checks filter estimates lie within a fraction of the Kalman posterior deviation
func assertTracksKalman(assert *assert.Assertions, f *APF, means, sds []float64) {
	est := f.Estimates()
	assert.Len(est, len(means))
	for i, e := range est {
		assert.InDelta(means[i], e.Val().AtVec(0), 0.5*sds[i], "step %d", i)
	}
}

func TestFilterBootstrap(t *testing.T) {
	assert := assert.New(t)

	c := newConfig()
	c.Resampler = resample.NewMultinomial(11)
	f, err := New(c)
	assert.NoError(err)

	s := newEnsemble(t, 1000, 3)
	assert.NoError(f.Filter(10, s))

	means, sds, ll := kalman(t)
	assertTracksKalman(assert, f, means, sds)

	sum, err := f.Summarise()
	assert.NoError(err)
	assert.InDelta(ll, sum.LogLikelihood, 0.5)
}

func TestFilterLookahead(t *testing.T) {
	assert := assert.New(t)

	look, err := ukf.New(model, model, nil)
	assert.NoError(err)

	r := &countResampler{base: resample.NewSystematic(11)}
	c := newConfig()
	c.RelESS = 1
	c.Resampler = r
	c.Lookahead = look
	c.Proposal = look
	f, err := New(c)
	assert.NoError(err)

	s := newEnsemble(t, 1000, 3)
	assert.NoError(f.Filter(10, s))
	assert.Equal(10, r.proposal)

	means, sds, ll := kalman(t)
	assertTracksKalman(assert, f, means, sds)

	sum, err := f.Summarise()
	assert.NoError(err)
	assert.InDelta(ll, sum.LogLikelihood, 0.5)

	// fully adapted proposal leaves stage-2 weights uniform
	for _, ess := range sum.ESS {
		assert.InDelta(1000.0, ess, 1e-3)
	}
}

func TestFilterKernel(t *testing.T) {
	assert := assert.New(t)

	k, err := resample.NewKernel(model, resample.NewSystematic(13), &resample.KernelConfig{H: 0.2, Shrink: true, Seed: 17})
	require.NoError(t, err)

	r := &countResampler{base: k}
	c := newConfig()
	c.RelESS = 1
	c.Resampler = r
	f, err := New(c)
	assert.NoError(err)

	s := newEnsemble(t, 1000, 3)
	assert.NoError(f.Filter(10, s))
	assert.Equal(10, r.calls)

	means, sds, ll := kalman(t)
	assertTracksKalman(assert, f, means, sds)

	sum, err := f.Summarise()
	assert.NoError(err)
	assert.InDelta(ll, sum.LogLikelihood, 0.5)
}
