package rts

import (
	"fmt"

	"github.com/milosgajdos/go-smc/estimate"
	"github.com/milosgajdos/go-smc/sim"
	"gonum.org/v1/gonum/mat"
)

// RTS is Rauch-Tung-Striebel smoother of linear Gaussian models
type RTS struct {
	// m is system model
	m *sim.LinearGaussian
	// q is state noise covariance E*E'
	q *mat.SymDense
}

// New creates new RTS and returns it.
// It returns error if the model is nil or has invalid dimensions.
func New(m *sim.LinearGaussian) (*RTS, error) {
	if m == nil {
		return nil, fmt.Errorf("invalid model: %v", m)
	}

	nx, _, ny, nz := m.SystemDims()
	if nx <= 0 || ny <= 0 {
		return nil, fmt.Errorf("invalid model dimensions: [%d x %d]", nx, ny)
	}

	q := mat.NewSymDense(nx, nil)
	if nz > 0 {
		q.SymOuterK(1, m.E)
	}

	return &RTS{
		m: m,
		q: q,
	}, nil
}

// Smooth implements Rauch-Tung-Striebel smoothing algorithm.
// It smooths consecutive Kalman filter estimates est and returns the smoothed estimates.
// It returns error if est is empty or the predicted covariance can't be inverted.
func (s *RTS) Smooth(est []*estimate.Base) ([]*estimate.Base, error) {
	if len(est) == 0 {
		return nil, fmt.Errorf("invalid estimates size: %d", len(est))
	}

	n := len(est)
	sx := make([]*estimate.Base, n)
	sx[n-1] = est[n-1]

	A := s.m.A
	nx, _, _, _ := s.m.SystemDims()

	for i := n - 2; i >= 0; i-- {
		// predicted state
		xk1, err := s.m.Propagate(est[i].Val(), s.m.Input(), nil)
		if err != nil {
			return nil, fmt.Errorf("model state propagation failed: %v", err)
		}

		// predicted covariance A*P*A' + Q
		pk1 := &mat.Dense{}
		pk1.Mul(A, est[i].Cov())
		pk1.Mul(pk1, A.T())
		pk1.Add(pk1, s.q)

		// smoothing matrix P*A'*inv(P_k+1)
		pinv := &mat.Dense{}
		if err := pinv.Inverse(pk1); err != nil {
			return nil, fmt.Errorf("failed to invert predicted covariance: %v", err)
		}
		c := &mat.Dense{}
		c.Mul(est[i].Cov(), A.T())
		c.Mul(c, pinv)

		// x + C*(xs_k+1 - x_k+1)
		dx := mat.NewVecDense(nx, nil)
		dx.SubVec(sx[i+1].Val(), xk1)
		x := mat.NewVecDense(nx, nil)
		x.MulVec(c, dx)
		x.AddVec(est[i].Val(), x)

		// P + C*(Ps_k+1 - P_k+1)*C'
		dp := &mat.Dense{}
		dp.Sub(sx[i+1].Cov(), pk1)
		pk := &mat.Dense{}
		pk.Mul(c, dp)
		pk.Mul(pk, c.T())
		pk.Add(est[i].Cov(), pk)

		pSmooth := mat.NewSymDense(nx, nil)
		for r := 0; r < nx; r++ {
			for j := r; j < nx; j++ {
				pSmooth.SetSym(r, j, 0.5*(pk.At(r, j)+pk.At(j, r)))
			}
		}

		e, err := estimate.NewBaseWithCov(x, pSmooth)
		if err != nil {
			return nil, err
		}
		sx[i] = e
	}

	return sx, nil
}
