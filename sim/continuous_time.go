package sim

import (
	"fmt"

	"github.com/milosgajdos/matrix"
	"gonum.org/v1/gonum/mat"
)

// Continuous is a basic model of a linear, continuous-time, dynamical system
type Continuous struct {
	System
}

// NewContinuous creates a linear continuous-time model based on the control theory equations.
//
//	dx/dt = A*x + B*u + E*z
//	y = C*x + D*u
func NewContinuous(A, B, C, D, E *mat.Dense) (*Continuous, error) {
	sys, err := newSystem(A, B, C, D, E)
	if err != nil {
		return nil, err
	}

	return &Continuous{System: sys}, nil
}

// Derivative returns dx/dt given state x, input u and disturbance z held constant.
func (ct *Continuous) Derivative(x, u, z mat.Vector) (*mat.VecDense, error) {
	return ct.drift(x, u, z)
}

// ToDiscrete creates a discrete-time model from a continuous time model
// using Ts as the sampling time. Input and disturbance are held constant
// over the sampling interval.
func (ct *Continuous) ToDiscrete(Ts float64) (*Discrete, error) {
	if Ts <= 0 {
		return nil, fmt.Errorf("invalid sampling time: %f", Ts)
	}

	nx, _, _, _ := ct.SystemDims()
	dsys, err := newSystem(ct.A, ct.B, ct.C, ct.D, ct.E)
	if err != nil {
		return nil, err
	}
	// continuous -> discrete time conversion
	// See Discrete-Time Control Systems by Katsuhiko Ogata
	// Eq. (5-73) p. 315  Second Edition (Spanish)
	dsys.A.Scale(Ts, dsys.A)
	dsys.A.Exp(dsys.A)

	// Gamma = integrate( exp(A*t)dt, 0, Ts )  Eq. (5-74) Ogata
	gamma := mat.NewDense(nx, nx, nil)
	Ainv := mat.NewDense(nx, nx, nil)
	if err := Ainv.Inverse(ct.A); err == nil {
		// Given A is not singular: Gamma = (exp(A*Ts) - I)*inv(A)
		eye, err := matrix.NewDenseValIdentity(nx, 1.0)
		if err != nil {
			return nil, err
		}
		gamma.Sub(dsys.A, eye)
		gamma.Mul(gamma, Ainv)
	} else {
		// trapezoidal quadrature of the closed form
		const n = 200
		h := Ts / float64(n)
		aux := mat.NewDense(nx, nx, nil)
		for i := 0; i <= n; i++ {
			aux.Scale(h*float64(i), ct.A)
			aux.Exp(aux)
			w := h
			if i == 0 || i == n {
				w = h / 2
			}
			aux.Scale(w, aux)
			gamma.Add(gamma, aux)
		}
	}

	if ct.B != nil {
		dsys.B.Mul(gamma, ct.B)
	}
	if ct.E != nil {
		dsys.E.Mul(gamma, ct.E)
	}

	return &Discrete{System: dsys}, nil
}
