package smooth

import "github.com/milosgajdos/go-smc/estimate"

// Smoother smooths filtered estimates
type Smoother interface {
	// Smooth returns smoothed estimates of filtered estimates est
	Smooth(est []*estimate.Base) ([]*estimate.Base, error)
}
