// Package ode integrates continuous-time particle state.
package ode

import (
	"fmt"
	"math"

	smc "github.com/milosgajdos/go-smc"
	"gonum.org/v1/gonum/floats"
)

// System is a system of ordinary differential equations driven by particle variables
type System interface {
	// Derivative stores dx/dt of state x at time t in dxdt.
	// Noise and parameters are read from particle p.
	Derivative(t float64, x []float64, p smc.Particle, dxdt []float64) error
}

// Config configures DOPRI5 integrator
type Config struct {
	// H0 is initial step size
	H0 float64
	// Atol is absolute error tolerance
	Atol float64
	// Rtol is relative error tolerance
	Rtol float64
	// HMin is the smallest permitted step size
	HMin float64
	// MaxSteps limits the number of attempted steps per Advance
	MaxSteps int
}

// DefaultConfig returns default integrator configuration
func DefaultConfig() *Config {
	return &Config{
		H0:       1e-2,
		Atol:     1e-3,
		Rtol:     1e-3,
		HMin:     1e-12,
		MaxSteps: 100000,
	}
}

// Dormand-Prince 5(4) tableau
const (
	c2, c3, c4, c5 = 1.0 / 5.0, 3.0 / 10.0, 4.0 / 5.0, 8.0 / 9.0

	a21 = 1.0 / 5.0
	a31 = 3.0 / 40.0
	a32 = 9.0 / 40.0
	a41 = 44.0 / 45.0
	a42 = -56.0 / 15.0
	a43 = 32.0 / 9.0
	a51 = 19372.0 / 6561.0
	a52 = -25360.0 / 2187.0
	a53 = 64448.0 / 6561.0
	a54 = -212.0 / 729.0
	a61 = 9017.0 / 3168.0
	a62 = -355.0 / 33.0
	a63 = 46732.0 / 5247.0
	a64 = 49.0 / 176.0
	a65 = -5103.0 / 18656.0
	a71 = 35.0 / 384.0
	a73 = 500.0 / 1113.0
	a74 = 125.0 / 192.0
	a75 = -2187.0 / 6784.0
	a76 = 11.0 / 84.0

	e1 = 71.0 / 57600.0
	e3 = -71.0 / 16695.0
	e4 = 71.0 / 1920.0
	e5 = -17253.0 / 339200.0
	e6 = 22.0 / 525.0
	e7 = -1.0 / 40.0
)

// intermediate stages: node, coefficients and derivative slot
var stages = []struct {
	c  float64
	a  []float64
	to int
}{
	{c: c2, a: []float64{a21}, to: 1},
	{c: c3, a: []float64{a31, a32}, to: 2},
	{c: c4, a: []float64{a41, a42, a43}, to: 3},
	{c: c5, a: []float64{a51, a52, a53, a54}, to: 4},
	{c: 1, a: []float64{a61, a62, a63, a64, a65}, to: 5},
}

// step size controller
const (
	safe   = 0.9
	facMin = 0.2
	facMax = 10.0
)

// DOPRI5 is an adaptive Dormand-Prince 5(4) integrator
// which advances the continuous block of a particle.
type DOPRI5 struct {
	// sys is integrated system
	sys System
	// c is integrator config
	c Config
}

// New creates new DOPRI5 integrator of system sys and returns it.
// It returns error if sys is nil or config carries invalid tolerances.
func New(sys System, c *Config) (*DOPRI5, error) {
	if sys == nil {
		return nil, fmt.Errorf("invalid system: %v", sys)
	}

	if c == nil {
		c = DefaultConfig()
	}

	if c.H0 <= 0 || c.Atol <= 0 || c.Rtol < 0 || c.HMin <= 0 || c.MaxSteps <= 0 {
		return nil, fmt.Errorf("invalid integrator config: %+v", *c)
	}

	return &DOPRI5{sys: sys, c: *c}, nil
}

// Advance integrates the continuous block of particle p from t1 to t2 in place.
// It returns error if t1 >= t2, the system fails to evaluate or the step size
// falls below its floor.
func (d *DOPRI5) Advance(p smc.Particle, t1, t2 float64) error {
	if t1 >= t2 {
		return fmt.Errorf("%w: invalid time interval: [%f, %f]", smc.ErrContract, t1, t2)
	}

	n := len(p.C)
	if n == 0 {
		return nil
	}

	x0 := p.C
	x1 := make([]float64, n)
	tmp := make([]float64, n)
	errv := make([]float64, n)
	var k [7][]float64
	for i := range k {
		k[i] = make([]float64, n)
	}

	t := t1
	h := math.Min(d.c.H0, t2-t1)

	// first same as last
	if err := d.sys.Derivative(t, x0, p, k[0]); err != nil {
		return err
	}

	for steps := 0; t < t2; steps++ {
		if steps >= d.c.MaxSteps {
			return fmt.Errorf("%w: step limit %d exceeded at t=%f", smc.ErrNumerical, d.c.MaxSteps, t)
		}

		if h < d.c.HMin {
			return fmt.Errorf("%w: step size %g below floor at t=%f", smc.ErrNumerical, h, t)
		}

		last := false
		if t+h >= t2 {
			h = t2 - t
			last = true
		}

		for _, s := range stages {
			copy(tmp, x0)
			for j, a := range s.a {
				floats.AddScaled(tmp, h*a, k[j])
			}
			if err := d.sys.Derivative(t+s.c*h, tmp, p, k[s.to]); err != nil {
				return err
			}
		}

		// 5th order solution
		copy(x1, x0)
		floats.AddScaled(x1, h*a71, k[0])
		floats.AddScaled(x1, h*a73, k[2])
		floats.AddScaled(x1, h*a74, k[3])
		floats.AddScaled(x1, h*a75, k[4])
		floats.AddScaled(x1, h*a76, k[5])
		if err := d.sys.Derivative(t+h, x1, p, k[6]); err != nil {
			return err
		}

		// embedded error estimate
		for i := range errv {
			errv[i] = h * (e1*k[0][i] + e3*k[2][i] + e4*k[3][i] + e5*k[4][i] + e6*k[5][i] + e7*k[6][i])
		}
		e := d.norm(errv, x0, x1)

		if math.IsNaN(e) || math.IsInf(e, 0) {
			h *= facMin
			continue
		}

		fac := facMax
		if e > 0 {
			fac = math.Min(facMax, math.Max(facMin, safe*math.Pow(e, -0.2)))
		}

		if e > 1 {
			h *= math.Min(1, fac)
			continue
		}

		// accept
		copy(x0, x1)
		copy(k[0], k[6])
		if last {
			t = t2
			break
		}
		t += h
		h *= fac
	}

	return nil
}

// norm returns scaled RMS norm of the error vector
func (d *DOPRI5) norm(errv, x0, x1 []float64) float64 {
	sum := 0.0
	for i, e := range errv {
		sk := d.c.Atol + d.c.Rtol*math.Max(math.Abs(x0[i]), math.Abs(x1[i]))
		sum += (e / sk) * (e / sk)
	}

	return math.Sqrt(sum / float64(len(errv)))
}
