package sim

import (
	"gonum.org/v1/gonum/mat"
)

// Discrete is a basic model of a linear, discrete-time, dynamical system
type Discrete struct {
	System
}

// NewDiscrete creates a linear discrete-time model based on the control theory equations.
//
//	x[n+1] = A*x[n] + B*u[n] + E*z[n]
//	y[n] = C*x[n] + D*u[n]
func NewDiscrete(A, B, C, D, E *mat.Dense) (*Discrete, error) {
	sys, err := newSystem(A, B, C, D, E)
	if err != nil {
		return nil, err
	}

	return &Discrete{System: sys}, nil
}

// Propagate returns the next internal state x of a linear,
// discrete-time system given an input vector u and a disturbance z.
func (dt *Discrete) Propagate(x, u, z mat.Vector) (*mat.VecDense, error) {
	return dt.drift(x, u, z)
}
