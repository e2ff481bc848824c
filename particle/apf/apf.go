// Package apf implements auxiliary particle filter with lookahead guided resampling.
package apf

import (
	"fmt"
	"math"
	"sort"

	smc "github.com/milosgajdos/go-smc"
	"github.com/milosgajdos/go-smc/cache"
	"github.com/milosgajdos/go-smc/estimate"
	"github.com/milosgajdos/go-smc/parallel"
	"github.com/milosgajdos/go-smc/particle"
	"github.com/milosgajdos/go-smc/rand"
	"github.com/milosgajdos/go-smc/weights"
	"go.uber.org/zap"
	rnd "golang.org/x/exp/rand"
)

// Lookahead computes approximate predictive likelihoods of particles
type Lookahead interface {
	// Run computes lookahead statistics of ensemble s over [t1, t2] for observation y.
	// A nil y clears statistics of the previous run.
	Run(s *smc.State, t1, t2 float64, y []float64) error
	// Apply adds lookahead log-weight corrections to lw1
	Apply(lw1 []float64) error
	// Active returns true if the last run produced statistics
	Active() bool
}

// Config is auxiliary particle filter configuration
type Config struct {
	// Model describes particle layout
	Model smc.Model
	// Integrator advances particles
	Integrator smc.Integrator
	// Observer evaluates observation likelihoods
	Observer smc.Observer
	// Proposal draws particle noise; defaults to prior proposal
	Proposal smc.Proposal
	// Lookahead guides resampling; nil disables lookahead
	Lookahead Lookahead
	// Resampler resamples ensemble; nil disables resampling
	Resampler smc.Resampler
	// RelESS is relative ESS resampling threshold in [0, 1]
	RelESS float64
	// Observations are filtered observations
	Observations []smc.Observation
	// T0 is start time
	T0 float64
	// Buffer receives filter output; nil disables output
	Buffer smc.Buffer
	// Seed seeds the filter random source
	Seed uint64
	// Workers limits goroutines of per-particle regions
	Workers int
	// Logger is filter logger
	Logger *zap.Logger
}

// Status is filter state
type Status int

const (
	// Init is status of a new filter
	Init Status = iota
	// Stepping is status of an initialized filter
	Stepping
	// Terminated is status of a terminated filter
	Terminated
)

// String implements fmt.Stringer
func (s Status) String() string {
	switch s {
	case Init:
		return "init"
	case Stepping:
		return "stepping"
	case Terminated:
		return "terminated"
	}
	return fmt.Sprintf("Status(%d)", int(s))
}

// Summary summarises a filter run
type Summary struct {
	// LogLikelihood is marginal log-likelihood estimate
	LogLikelihood float64
	// LogLikelihoods stores incremental log-likelihoods of every step
	LogLikelihoods []float64
	// ESS stores ESS of stage-2 weights of every step
	ESS []float64
	// Stage1ESS stores ESS of stage-1 weights of every step
	Stage1ESS []float64
	// Resampled records steps in which the ensemble was resampled
	Resampled []bool
	// Times stores step times
	Times []float64
}

// APF is Auxiliary Particle Filter.
// It weights particles in two stages: stage-1 weights combine current weights with
// a lookahead estimate of the next observation likelihood and guide resampling,
// stage-2 weights are the importance weights of the resampled ensemble.
type APF struct {
	// model describes particle layout
	model smc.Model
	// integ advances particles
	integ smc.Integrator
	// obs evaluates observation likelihoods
	obs smc.Observer
	// prop draws particle noise
	prop smc.Proposal
	// look guides resampling
	look Lookahead
	// resam resamples ensemble
	resam smc.Resampler
	// relEss is relative ESS threshold
	relEss float64
	// observations sorted by time
	observations []smc.Observation
	// out receives filter output
	out smc.Buffer
	// src is filter random source
	src *rnd.Rand
	// workers limits goroutines
	workers int
	// logger is filter logger
	logger *zap.Logger

	// status is filter status
	status Status
	// t is current time
	t float64
	// n is current step
	n int
	// lw1 stores stage-1 log-weights
	lw1 []float64
	// lw2 stores stage-2 log-weights
	lw2 []float64
	// as stores ancestors
	as []int
	// next is the target time of the prepared step
	next float64
	// y is the observation of the prepared step
	y []float64
	// stage1 caches stage-1 log-weights until flush
	stage1 *cache.Cache[float64]
	// summary collects run diagnostics
	summary Summary
	// estimates stores per-step state estimates
	estimates []*estimate.Base
}

// New creates new APF with config c and returns it.
// It returns error if any of the required collaborators is missing,
// relative ESS threshold is outside [0, 1] or observations are not strictly ordered.
func New(c *Config) (*APF, error) {
	if c == nil {
		return nil, fmt.Errorf("%w: invalid config", smc.ErrContract)
	}

	if c.Model == nil || c.Integrator == nil || c.Observer == nil {
		return nil, fmt.Errorf("%w: model, integrator and observer must be supplied", smc.ErrContract)
	}

	if math.IsNaN(c.RelESS) || c.RelESS < 0 || c.RelESS > 1 {
		return nil, fmt.Errorf("%w: invalid relative ESS threshold: %f", smc.ErrContract, c.RelESS)
	}

	observations := make([]smc.Observation, len(c.Observations))
	copy(observations, c.Observations)
	sort.SliceStable(observations, func(i, j int) bool {
		return observations[i].T < observations[j].T
	})
	for i := range observations {
		if observations[i].Y == nil {
			return nil, fmt.Errorf("%w: empty observation at time %f", smc.ErrContract, observations[i].T)
		}
		if i > 0 && observations[i].T == observations[i-1].T {
			return nil, fmt.Errorf("%w: duplicate observation time: %f", smc.ErrContract, observations[i].T)
		}
	}

	prop := c.Proposal
	if prop == nil {
		prop = particle.Prior{}
	}

	logger := c.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &APF{
		model:        c.Model,
		integ:        c.Integrator,
		obs:          c.Observer,
		prop:         prop,
		look:         c.Lookahead,
		resam:        c.Resampler,
		relEss:       c.RelESS,
		observations: observations,
		out:          c.Buffer,
		src:          rand.New(c.Seed),
		workers:      c.Workers,
		logger:       logger,
		status:       Init,
		t:            c.T0,
		next:         c.T0,
		stage1:       cache.New[float64](),
	}, nil
}

// Status returns filter status
func (a *APF) Status() Status {
	return a.status
}

// Time returns current filter time
func (a *APF) Time() float64 {
	return a.t
}

// Init initializes filter weights and ancestors of ensemble s and draws
// the particle noise from its prior.
// Both stage-1 and stage-2 log-weights are set to 0 and ancestors to identity.
// It returns error if the filter has terminated or s does not match the model.
func (a *APF) Init(s *smc.State) (lw1, lw2 []float64, as []int, err error) {
	if a.status == Terminated {
		return nil, nil, nil, fmt.Errorf("%w: filter has terminated", smc.ErrContract)
	}

	if err := a.checkState(s); err != nil {
		return nil, nil, nil, err
	}

	if s.R.Cols > 0 {
		seeds := rand.Seeds(a.src, s.P)
		err := parallel.For(s.P, a.workers, func(p int) error {
			_, err := particle.Prior{}.Propose(p, p, s.Particle(p), rand.New(seeds[p]))
			return err
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to sample initial noise: %w", err)
		}
	}

	a.lw1 = make([]float64, s.P)
	a.lw2 = make([]float64, s.P)
	a.as = make([]int, s.P)
	for i := range a.as {
		a.as[i] = i
	}
	a.status = Stepping

	return a.lw1, a.lw2, a.as, nil
}

func (a *APF) checkState(s *smc.State) error {
	if s == nil {
		return fmt.Errorf("%w: invalid ensemble", smc.ErrContract)
	}

	for _, b := range []struct {
		t smc.NodeType
		n int
	}{{smc.DNode, s.D.Cols}, {smc.CNode, s.C.Cols}, {smc.RNode, s.R.Cols}, {smc.PNode, s.Theta.Cols}} {
		if want := a.model.NetSize(b.t); want != b.n {
			return fmt.Errorf("%w: %s block width %d != %d", smc.ErrContract, b.t, b.n, want)
		}
	}

	return nil
}

// Filter filters ensemble s from the current time up to time T.
// It initializes the filter if it has not been initialized and terminates it once T is reached.
// It returns error if T does not exceed the current time, the filter has terminated or any of the steps fails.
func (a *APF) Filter(T float64, s *smc.State) error {
	if a.status == Terminated {
		return fmt.Errorf("%w: filter has terminated", smc.ErrContract)
	}

	if !(T > a.t) {
		return fmt.Errorf("%w: horizon %f does not exceed current time %f", smc.ErrContract, T, a.t)
	}

	if a.status == Init {
		if _, _, _, err := a.Init(s); err != nil {
			return err
		}
	} else if err := a.checkState(s); err != nil {
		return err
	}

	if s.P != len(a.lw2) {
		return fmt.Errorf("%w: particle count %d != %d", smc.ErrContract, s.P, len(a.lw2))
	}

	for a.t < T {
		if err := a.Prepare(T, s); err != nil {
			return err
		}

		r, err := a.Resample(s, a.lw1, a.lw2, a.as)
		if err != nil {
			return err
		}

		if err := a.Propose(s, a.as, a.lw2); err != nil {
			return err
		}

		if err := a.Predict(s, a.t, a.next); err != nil {
			return err
		}

		if a.y != nil {
			if err := a.Correct(s, a.lw2, a.y); err != nil {
				return err
			}
		}

		a.t = a.next
		if err := a.Output(a.n, s, r, a.lw1, a.lw2, a.as); err != nil {
			return err
		}
		a.n++
	}

	a.Term()

	return nil
}

// target returns the next step time after the current time capped at T and its observation
func (a *APF) target(T float64) (float64, []float64) {
	i := sort.Search(len(a.observations), func(i int) bool {
		return a.observations[i].T > a.t
	})

	if i == len(a.observations) || a.observations[i].T > T {
		return T, nil
	}

	return a.observations[i].T, a.observations[i].Y
}

// Prepare prepares the next step of ensemble s towards time T.
// It runs lookahead for the next observation if lookahead is configured.
func (a *APF) Prepare(T float64, s *smc.State) error {
	a.next, a.y = a.target(T)

	if a.look == nil {
		return nil
	}

	if err := a.look.Run(s, a.t, a.next, a.y); err != nil {
		return fmt.Errorf("lookahead failed: %w", err)
	}

	return nil
}

// Lookahead adds lookahead corrections to stage-1 log-weights lw1.
// It leaves lw1 untouched if no lookahead information exists.
func (a *APF) Lookahead(lw1 []float64) error {
	if a.look == nil || !a.look.Active() {
		return nil
	}

	return a.look.Apply(lw1)
}

// Resample normalises stage-2 weights, computes stage-1 weights and resamples s
// if ESS of stage-1 weights does not exceed P*RelESS or RelESS is 1.
// It returns true if the ensemble was resampled.
func (a *APF) Resample(s *smc.State, lw1, lw2 []float64, as []int) (bool, error) {
	return a.resample(s, lw1, lw2, as, func() error {
		if a.look != nil && a.look.Active() {
			return a.resam.ResampleProposal(lw1, lw2, as, s)
		}
		return a.resam.Resample(lw2, as, s)
	})
}

// ResampleConditional resamples like Resample but particle c keeps its own slot.
// Conditional resampling ignores lookahead corrections when selecting ancestors.
func (a *APF) ResampleConditional(c int, s *smc.State, lw1, lw2 []float64, as []int) (bool, error) {
	return a.resample(s, lw1, lw2, as, func() error {
		return a.resam.ResampleConditional(c, lw2, as, s)
	})
}

func (a *APF) resample(s *smc.State, lw1, lw2 []float64, as []int, fn func() error) (bool, error) {
	if len(lw1) != s.P || len(lw2) != s.P || len(as) != s.P {
		return false, fmt.Errorf("%w: weight or ancestor count does not match %d particles", smc.ErrContract, s.P)
	}

	weights.Normalise(lw2)
	copy(lw1, lw2)

	if err := a.Lookahead(lw1); err != nil {
		return false, err
	}

	if a.resam != nil {
		ess := weights.ESS(lw1)
		if a.relEss >= 1 || ess <= float64(s.P)*a.relEss {
			if err := fn(); err != nil {
				return false, fmt.Errorf("resampling failed: %w", err)
			}
			return true, nil
		}
	}

	copy(lw1, lw2)
	for i := range as {
		as[i] = i
	}

	return false, nil
}

// Propose draws noise of every particle from the filter proposal and folds
// the importance ratios into stage-2 log-weights lw2.
// Every particle draws from its own random source seeded from the filter source.
func (a *APF) Propose(s *smc.State, as []int, lw2 []float64) error {
	if len(as) != s.P || len(lw2) != s.P {
		return fmt.Errorf("%w: weight or ancestor count does not match %d particles", smc.ErrContract, s.P)
	}

	seeds := rand.Seeds(a.src, s.P)

	return parallel.For(s.P, a.workers, func(p int) error {
		lw, err := a.prop.Propose(p, as[p], s.Particle(p), rand.New(seeds[p]))
		if err != nil {
			return fmt.Errorf("proposal of particle %d failed: %w", p, err)
		}
		lw2[p] += lw

		return nil
	})
}

// Predict advances every particle of s from t1 to t2
func (a *APF) Predict(s *smc.State, t1, t2 float64) error {
	return parallel.For(s.P, a.workers, func(p int) error {
		if err := a.integ.Advance(s.Particle(p), t1, t2); err != nil {
			return fmt.Errorf("prediction of particle %d failed: %w", p, err)
		}
		return nil
	})
}

// Correct adds log-likelihoods of observation y to stage-2 log-weights lw2
func (a *APF) Correct(s *smc.State, lw2 []float64, y []float64) error {
	if len(lw2) != s.P {
		return fmt.Errorf("%w: weight count %d != particle count %d", smc.ErrContract, len(lw2), s.P)
	}

	return parallel.For(s.P, a.workers, func(p int) error {
		ll, err := a.obs.LogLikelihood(s.Particle(p), y)
		if err != nil {
			return fmt.Errorf("correction of particle %d failed: %w", p, err)
		}
		lw2[p] += ll

		return nil
	})
}

// Output writes ancestors and stage-2 log-weights of step k to the filter buffer
// and caches stage-1 log-weights until Flush. It also records step diagnostics.
func (a *APF) Output(k int, s *smc.State, r bool, lw1, lw2 []float64, as []int) error {
	if a.out != nil {
		if err := a.out.WriteAncestors(k, as); err != nil {
			return fmt.Errorf("failed to write ancestors: %w", err)
		}
		if err := a.out.WriteLogWeights(k, lw2); err != nil {
			return fmt.Errorf("failed to write log-weights: %w", err)
		}
		if tw, ok := a.out.(smc.TimeWriter); ok {
			if err := tw.WriteTime(k, a.t); err != nil {
				return fmt.Errorf("failed to write time: %w", err)
			}
		}
		if err := a.stage1.Put(k, lw1); err != nil {
			return err
		}
	}

	ll := weights.LogSumExp(lw2)
	ess := weights.ESS(lw2)
	ess1 := weights.ESS(lw1)

	a.summary.LogLikelihood += ll
	a.summary.LogLikelihoods = append(a.summary.LogLikelihoods, ll)
	a.summary.ESS = append(a.summary.ESS, ess)
	a.summary.Stage1ESS = append(a.summary.Stage1ESS, ess1)
	a.summary.Resampled = append(a.summary.Resampled, r)
	a.summary.Times = append(a.summary.Times, a.t)

	est, err := a.Estimate(s, lw2)
	if err != nil {
		a.logger.Warn("failed to estimate state", zap.Int("step", k), zap.Error(err))
	}
	a.estimates = append(a.estimates, est)

	a.logger.Debug("step",
		zap.Int("step", k),
		zap.Float64("time", a.t),
		zap.Float64("ess", ess),
		zap.Float64("ll", ll),
		zap.Bool("resampled", r),
	)

	return nil
}

// Estimate returns weighted mean and covariance of the state of ensemble s.
// Dynamic state is estimated if present, otherwise continuous state.
func (a *APF) Estimate(s *smc.State, lw2 []float64) (*estimate.Base, error) {
	b := s.D
	if b.Cols == 0 {
		b = s.C
	}

	x := b.Dense()
	if x == nil {
		return nil, fmt.Errorf("%w: ensemble has no state", smc.ErrContract)
	}

	return estimate.NewWeighted(x, lw2)
}

// Estimates returns state estimates of every filtered step.
// Steps which failed to be estimated hold nil.
func (a *APF) Estimates() []*estimate.Base {
	est := make([]*estimate.Base, len(a.estimates))
	copy(est, a.estimates)

	return est
}

// Term terminates the filter
func (a *APF) Term() {
	a.status = Terminated
}

// Flush writes cached stage-1 log-weights to the filter buffer in step order and cleans the cache.
// It does nothing if the filter has no buffer or the cache is empty.
func (a *APF) Flush() error {
	if a.out == nil || a.stage1.Size() == 0 {
		return nil
	}

	if !a.stage1.IsValid() {
		return fmt.Errorf("%w: stage-1 log-weight cache has holes", smc.ErrContract)
	}

	for k := 0; k < a.stage1.Size(); k++ {
		lw1, err := a.stage1.Get(k)
		if err != nil {
			return err
		}
		if err := a.out.WriteStage1LogWeights(k, lw1); err != nil {
			return fmt.Errorf("failed to write stage-1 log-weights: %w", err)
		}
	}
	a.stage1.Clean()

	return nil
}

// Summarise returns diagnostics of the filter run.
// It returns error if no step has been filtered.
func (a *APF) Summarise() (*Summary, error) {
	if len(a.summary.Times) == 0 {
		return nil, fmt.Errorf("%w: no steps filtered", smc.ErrContract)
	}

	s := &Summary{
		LogLikelihood:  a.summary.LogLikelihood,
		LogLikelihoods: append([]float64(nil), a.summary.LogLikelihoods...),
		ESS:            append([]float64(nil), a.summary.ESS...),
		Stage1ESS:      append([]float64(nil), a.summary.Stage1ESS...),
		Resampled:      append([]bool(nil), a.summary.Resampled...),
		Times:          append([]float64(nil), a.summary.Times...),
	}

	return s, nil
}
