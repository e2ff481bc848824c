package kalman

import (
	"github.com/milosgajdos/go-smc/estimate"
	"gonum.org/v1/gonum/mat"
)

// Filter is Kalman filter of a linear Gaussian model
type Filter interface {
	// Predict propagates filter state to the next step
	Predict() (*estimate.Base, error)
	// Update corrects filter state with measurement y
	Update(y []float64) (*estimate.Base, error)
	// Run predicts and updates filter state
	Run(y []float64) (*estimate.Base, error)
	// Cov returns Kalman filter state covariance
	Cov() mat.Symmetric
	// Gain returns Kalman filter gain
	Gain() mat.Matrix
	// LogLikelihood returns log-likelihood of processed measurements
	LogLikelihood() float64
}
