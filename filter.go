package smc

import (
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/mat"
)

// Model describes the variable layout of a state-space model
type Model interface {
	// NetSize returns the number of variables of node type t
	NetSize(t NodeType) int
	// Logs returns per-variable log-transform flags of node type t.
	// Flagged variables are strictly positive and are perturbed in log space.
	Logs(t NodeType) []bool
}

// Integrator advances a single particle through time
type Integrator interface {
	// Advance advances particle p from time t1 to time t2 in place.
	// The noise driving the advance is read from the particle noise block.
	Advance(p Particle, t1, t2 float64) error
}

// Observer evaluates observation densities
type Observer interface {
	// LogLikelihood returns log density of observation y given particle p
	LogLikelihood(p Particle, y []float64) (float64, error)
}

// MeanObserver is an Observer with additive Gaussian observation noise
type MeanObserver interface {
	// Observer evaluates observation densities
	Observer
	// Observe returns the noise-free observation of particle p
	Observe(p Particle) ([]float64, error)
	// ObsCov returns observation noise covariance
	ObsCov() mat.Symmetric
}

// Proposal draws particle noise ahead of prediction
type Proposal interface {
	// Propose fills the noise block of particle x which occupies slot p
	// and descends from ancestor a. It returns the log importance ratio
	// between the prior noise density and the density actually sampled from.
	Propose(p, a int, x Particle, src rand.Source) (float64, error)
}

// Resampler selects ancestors from a weighted ensemble
type Resampler interface {
	// Resample draws ancestors as with probability proportional to exp(lws),
	// permutes s accordingly and resets lws to log-uniform weights.
	Resample(lws []float64, as []int, s *State) error
	// ResampleConditional resamples like Resample, but slot a keeps ancestor a.
	ResampleConditional(a int, lws []float64, as []int, s *State) error
	// ResampleProposal draws ancestors proportional to exp(qlws) and corrects
	// lws so the ensemble remains properly weighted w.r.t. lws.
	ResampleProposal(qlws, lws []float64, as []int, s *State) error
}

// Buffer receives per-step filter output
type Buffer interface {
	// WriteAncestors writes ancestor indices of step k
	WriteAncestors(k int, as []int) error
	// WriteLogWeights writes stage-2 log-weights of step k
	WriteLogWeights(k int, lws []float64) error
	// WriteStage1LogWeights writes stage-1 log-weights of step k
	WriteStage1LogWeights(k int, lws []float64) error
}

// TimeWriter is implemented by buffers which also record step times
type TimeWriter interface {
	// WriteTime writes time t of step k
	WriteTime(k int, t float64) error
}

// Observation is a measurement taken at time T
type Observation struct {
	// T is observation time
	T float64
	// Y is observed value
	Y []float64
}

// Estimate is a weighted ensemble estimate
type Estimate interface {
	// Val returns estimate value
	Val() mat.Vector
	// Cov returns estimate covariance
	Cov() mat.Symmetric
}
