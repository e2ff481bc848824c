package sim

import (
	"fmt"

	smc "github.com/milosgajdos/go-smc"
	"github.com/milosgajdos/go-smc/noise"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// observer observes linear models with additive Gaussian noise
type observer struct {
	// sys provides output matrices
	sys System
	// node is the block holding model state
	node smc.NodeType
	// u is a constant input
	u *mat.VecDense
	// v is zero mean observation noise
	v *noise.Gaussian
}

func newObserver(sys System, node smc.NodeType, u mat.Vector, r mat.Symmetric) (observer, error) {
	_, nu, ny, _ := sys.SystemDims()
	if sys.C == nil {
		return observer{}, fmt.Errorf("output matrix must be defined for a model")
	}

	if r == nil || r.SymmetricDim() != ny {
		return observer{}, fmt.Errorf("invalid observation noise covariance")
	}

	var in *mat.VecDense
	if u != nil {
		if u.Len() != nu {
			return observer{}, fmt.Errorf("invalid input vector")
		}
		in = mat.VecDenseCopyOf(u)
	}

	v, err := noise.NewGaussian(make([]float64, ny), r, nil)
	if err != nil {
		return observer{}, fmt.Errorf("invalid observation noise: %v", err)
	}

	return observer{sys: sys, node: node, u: in, v: v}, nil
}

func (o observer) state(p smc.Particle) []float64 {
	if o.node == smc.CNode {
		return p.C
	}
	return p.D
}

// Input returns constant model input or nil
func (o observer) Input() mat.Vector {
	if o.u == nil {
		return nil
	}
	return o.u
}

// Observe returns noise-free observation of particle p
func (o observer) Observe(p smc.Particle) ([]float64, error) {
	x := o.state(p)
	if len(x) == 0 {
		return nil, fmt.Errorf("%w: particle has no state", smc.ErrContract)
	}

	y, err := o.sys.Observe(mat.NewVecDense(len(x), x), o.Input())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", smc.ErrContract, err)
	}

	return y.RawVector().Data, nil
}

// ObsCov returns observation noise covariance
func (o observer) ObsCov() mat.Symmetric {
	return o.v.Cov()
}

// LogLikelihood returns log density of observation y given particle p
func (o observer) LogLikelihood(p smc.Particle, y []float64) (float64, error) {
	mean, err := o.Observe(p)
	if err != nil {
		return 0, err
	}

	if len(y) != len(mean) {
		return 0, fmt.Errorf("%w: invalid observation length: %d", smc.ErrContract, len(y))
	}

	d := make([]float64, len(y))
	floats.SubTo(d, y, mean)

	return o.v.LogProb(d), nil
}

// LinearGaussian is a linear, discrete-time model with Gaussian noise
//
//	x[n+1] = A*x[n] + B*u + E*r[n],  r[n] ~ N(0, I)
//	y[n] = C*x[n] + D*u + v[n],       v[n] ~ N(0, R)
//
// Every Advance applies a single transition regardless of the length of the interval.
type LinearGaussian struct {
	*Discrete
	observer
}

// NewLinearGaussian creates new linear Gaussian model and returns it.
// u is a constant input which can be nil, r is observation noise covariance.
// It returns error if the model dimensions are inconsistent.
func NewLinearGaussian(d *Discrete, u mat.Vector, r mat.Symmetric) (*LinearGaussian, error) {
	if d == nil {
		return nil, fmt.Errorf("invalid model: %v", d)
	}

	obs, err := newObserver(d.System, smc.DNode, u, r)
	if err != nil {
		return nil, err
	}

	return &LinearGaussian{Discrete: d, observer: obs}, nil
}

// NetSize returns the number of variables of node type t
func (m *LinearGaussian) NetSize(t smc.NodeType) int {
	nx, _, _, nz := m.SystemDims()
	switch t {
	case smc.DNode:
		return nx
	case smc.RNode:
		return nz
	}
	return 0
}

// Logs returns log-transform flags: linear Gaussian models do not log-transform any variable
func (m *LinearGaussian) Logs(t smc.NodeType) []bool {
	return nil
}

// Advance advances particle p from t1 to t2 by a single transition driven by the particle noise.
// It returns error if t1 >= t2 or particle p does not match the model.
func (m *LinearGaussian) Advance(p smc.Particle, t1, t2 float64) error {
	if t1 >= t2 {
		return fmt.Errorf("%w: invalid time interval: [%f, %f]", smc.ErrContract, t1, t2)
	}

	if len(p.D) == 0 {
		return fmt.Errorf("%w: particle has no state", smc.ErrContract)
	}

	var z mat.Vector
	if len(p.R) > 0 {
		z = mat.NewVecDense(len(p.R), p.R)
	}

	x, err := m.Propagate(mat.NewVecDense(len(p.D), p.D), m.Input(), z)
	if err != nil {
		return fmt.Errorf("%w: %v", smc.ErrContract, err)
	}
	copy(p.D, x.RawVector().Data)

	return nil
}

// ContinuousGaussian is a linear, continuous-time model observed with Gaussian noise
//
//	dx/dt = A*x + B*u + E*r,  r ~ N(0, I) held constant between observations
//	y = C*x + D*u + v,        v ~ N(0, R)
//
// Its state lives in the continuous block and is advanced by an ODE integrator.
type ContinuousGaussian struct {
	*Continuous
	observer
}

// NewContinuousGaussian creates new continuous-time linear Gaussian model and returns it.
// u is a constant input which can be nil, r is observation noise covariance.
// It returns error if the model dimensions are inconsistent.
func NewContinuousGaussian(c *Continuous, u mat.Vector, r mat.Symmetric) (*ContinuousGaussian, error) {
	if c == nil {
		return nil, fmt.Errorf("invalid model: %v", c)
	}

	obs, err := newObserver(c.System, smc.CNode, u, r)
	if err != nil {
		return nil, err
	}

	return &ContinuousGaussian{Continuous: c, observer: obs}, nil
}

// NetSize returns the number of variables of node type t
func (m *ContinuousGaussian) NetSize(t smc.NodeType) int {
	nx, _, _, nz := m.SystemDims()
	switch t {
	case smc.CNode:
		return nx
	case smc.RNode:
		return nz
	}
	return 0
}

// Logs returns log-transform flags: linear Gaussian models do not log-transform any variable
func (m *ContinuousGaussian) Logs(t smc.NodeType) []bool {
	return nil
}

// Derivative stores dx/dt of state x at time t in dxdt.
// The disturbance is read from the noise block of particle p.
func (m *ContinuousGaussian) Derivative(t float64, x []float64, p smc.Particle, dxdt []float64) error {
	var z mat.Vector
	if len(p.R) > 0 {
		z = mat.NewVecDense(len(p.R), p.R)
	}

	out, err := m.drift(mat.NewVecDense(len(x), x), m.Input(), z)
	if err != nil {
		return fmt.Errorf("%w: %v", smc.ErrContract, err)
	}
	copy(dxdt, out.RawVector().Data)

	return nil
}
