package kf

import (
	"fmt"
	"math"

	"github.com/milosgajdos/go-smc/estimate"
	"github.com/milosgajdos/go-smc/sim"
	"gonum.org/v1/gonum/mat"
)

// KF is Kalman Filter of a linear Gaussian model.
// It computes exact filtering distributions and marginal log-likelihood.
type KF struct {
	// m is KF system model
	m *sim.LinearGaussian
	// q is state noise covariance E*E'
	q *mat.SymDense
	// x is the KF state estimate
	x *mat.VecDense
	// p is the KF covariance matrix
	p *mat.SymDense
	// inn is innovation vector
	inn *mat.VecDense
	// k is Kalman gain
	k *mat.Dense
	// ll is accumulated log-likelihood of the measurements
	ll float64
}

// New creates new KF and returns it.
// It accepts the following parameters:
//   - m:      linear Gaussian model
//   - init:   initial condition of the filter
//
// It returns error if either of the following conditions is met:
//   - invalid model is given: model dimensions must be positive integers
//   - initial condition does not match the model dimensions
func New(m *sim.LinearGaussian, init *sim.InitCond) (*KF, error) {
	if m == nil || init == nil {
		return nil, fmt.Errorf("invalid model or initial condition")
	}

	nx, _, ny, nz := m.SystemDims()
	if nx <= 0 || ny <= 0 {
		return nil, fmt.Errorf("invalid model dimensions: [%d x %d]", nx, ny)
	}

	if init.State().Len() != nx {
		return nil, fmt.Errorf("invalid initial state dimension: %d", init.State().Len())
	}

	q := mat.NewSymDense(nx, nil)
	if nz > 0 {
		q.SymOuterK(1, m.E)
	}

	x := mat.VecDenseCopyOf(init.State())

	p := mat.NewSymDense(nx, nil)
	p.CopySym(init.Cov())

	return &KF{
		m:   m,
		q:   q,
		x:   x,
		p:   p,
		inn: mat.NewVecDense(ny, nil),
		k:   mat.NewDense(nx, ny, nil),
	}, nil
}

// Predict propagates the filter state to the next step and returns its estimate.
func (k *KF) Predict() (*estimate.Base, error) {
	xNext, err := k.m.Propagate(k.x, k.m.Input(), nil)
	if err != nil {
		return nil, fmt.Errorf("system state propagation failed: %v", err)
	}

	// A*P*A' + Q
	cov := &mat.Dense{}
	cov.Mul(k.m.A, k.p)
	cov.Mul(cov, k.m.A.T())
	cov.Add(cov, k.q)

	n := k.p.SymmetricDim()
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			k.p.SetSym(i, j, 0.5*(cov.At(i, j)+cov.At(j, i)))
		}
	}
	k.x.CopyVec(xNext)

	return estimate.NewBaseWithCov(k.x, k.p)
}

// Update corrects the filter state using the measurement y and returns corrected estimate.
// It returns error if invalid measurement was supplied or the innovation covariance is singular.
func (k *KF) Update(y []float64) (*estimate.Base, error) {
	nx, _, ny, _ := k.m.SystemDims()

	if len(y) != ny {
		return nil, fmt.Errorf("invalid measurement supplied: %v", y)
	}

	// observe system output
	yNext, err := k.m.System.Observe(k.x, k.m.Input())
	if err != nil {
		return nil, fmt.Errorf("failed to observe system output: %v", err)
	}

	C := k.m.C

	pxy := mat.NewDense(nx, ny, nil)
	// P*H'
	pxy.Mul(k.p, C.T())

	// H*P*H' + R
	pyy := mat.NewSymDense(ny, nil)
	hph := mat.NewDense(ny, ny, nil)
	hph.Mul(C, pxy)
	r := k.m.ObsCov()
	for i := 0; i < ny; i++ {
		for j := i; j < ny; j++ {
			pyy.SetSym(i, j, 0.5*(hph.At(i, j)+hph.At(j, i))+r.At(i, j))
		}
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(pyy); !ok {
		return nil, fmt.Errorf("innovation covariance is not positive definite")
	}

	// innovation vector
	inn := mat.NewVecDense(ny, nil)
	inn.SubVec(mat.NewVecDense(ny, y), yNext)

	// measurement log-likelihood
	sinn := mat.NewVecDense(ny, nil)
	if err := chol.SolveVecTo(sinn, inn); err != nil {
		return nil, fmt.Errorf("failed to solve innovation: %v", err)
	}
	k.ll += -0.5*float64(ny)*math.Log(2*math.Pi) - 0.5*chol.LogDet() - 0.5*mat.Dot(inn, sinn)

	// calculate Kalman gain: P*H'*inv(S)
	gainT := mat.NewDense(ny, nx, nil)
	if err := chol.SolveTo(gainT, pxy.T()); err != nil {
		return nil, fmt.Errorf("failed to calculate Kalman gain: %v", err)
	}
	gain := mat.DenseCopyOf(gainT.T())

	// update state x
	corr := mat.NewVecDense(nx, nil)
	corr.MulVec(gain, inn)
	k.x.AddVec(k.x, corr)

	// Joseph form update
	eye := mat.NewDiagDense(nx, nil)
	for i := 0; i < nx; i++ {
		eye.SetDiag(i, 1.0)
	}
	a := &mat.Dense{}
	// K*H
	a.Mul(gain, C)
	// eye - K*H
	a.Sub(eye, a)

	// K*R*K'
	krk := &mat.Dense{}
	kr := &mat.Dense{}
	kr.Mul(gain, r)
	krk.Mul(kr, gain.T())

	apa := &mat.Dense{}
	apa.Mul(a, k.p)
	apa.Mul(apa, a.T())

	pCorr := &mat.Dense{}
	pCorr.Add(apa, krk)

	// update KF innovation vector
	k.inn.CopyVec(inn)
	k.k.Copy(gain)
	// update KF covariance matrix
	for i := 0; i < nx; i++ {
		for j := i; j < nx; j++ {
			k.p.SetSym(i, j, 0.5*(pCorr.At(i, j)+pCorr.At(j, i)))
		}
	}

	return estimate.NewBaseWithCov(k.x, k.p)
}

// Run runs one step of KF for measurement y.
// It returns error if it either fails to propagate or correct the filter state.
func (k *KF) Run(y []float64) (*estimate.Base, error) {
	if _, err := k.Predict(); err != nil {
		return nil, err
	}

	return k.Update(y)
}

// LogLikelihood returns log-likelihood of all measurements processed by Update
func (k *KF) LogLikelihood() float64 {
	return k.ll
}

// Cov returns KF covariance
func (k *KF) Cov() mat.Symmetric {
	cov := mat.NewSymDense(k.p.SymmetricDim(), nil)
	cov.CopySym(k.p)

	return cov
}

// Gain returns Kalman gain
func (k *KF) Gain() mat.Matrix {
	gain := &mat.Dense{}
	gain.CloneFrom(k.k)

	return gain
}
