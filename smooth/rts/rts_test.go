package rts

import (
	"testing"

	"github.com/milosgajdos/go-smc/estimate"
	"github.com/milosgajdos/go-smc/kalman/kf"
	"github.com/milosgajdos/go-smc/sim"
	"github.com/milosgajdos/go-smc/smooth"
	"github.com/stretchr/testify/assert"
	"gonum.org/v1/gonum/mat"
)

var _ smooth.Smoother = (*RTS)(nil)

func TestSmooth(t *testing.T) {
	assert := assert.New(t)

	d, err := sim.NewDiscrete(
		mat.NewDense(1, 1, []float64{1.0}),
		nil,
		mat.NewDense(1, 1, []float64{1.0}),
		nil,
		mat.NewDense(1, 1, []float64{0.5}),
	)
	assert.NoError(err)

	m, err := sim.NewLinearGaussian(d, nil, mat.NewSymDense(1, []float64{0.5}))
	assert.NoError(err)

	ic := sim.NewInitCond(mat.NewVecDense(1, []float64{10}), mat.NewSymDense(1, []float64{1}))
	f, err := kf.New(m, ic)
	assert.NoError(err)

	var est []*estimate.Base
	for _, y := range []float64{10.0, 10.3} {
		e, err := f.Run([]float64{y})
		assert.NoError(err)
		est = append(est, e)
	}

	s, err := New(m)
	assert.NoError(err)

	sx, err := s.Smooth(est)
	assert.NoError(err)
	assert.Len(sx, 2)

	// the last estimate is not smoothed
	assert.InDelta(10.0+0.3*17.0/31.0, sx[1].Val().AtVec(0), 1e-9)
	assert.InDelta(17.0/62.0, sx[1].Cov().At(0, 0), 1e-9)

	assert.InDelta(10.0+3.0/31.0, sx[0].Val().AtVec(0), 1e-9)
	assert.InDelta(15.0/62.0, sx[0].Cov().At(0, 0), 1e-9)

	// smoothing never increases uncertainty
	assert.LessOrEqual(sx[0].Cov().At(0, 0), est[0].Cov().At(0, 0))

	_, err = s.Smooth(nil)
	assert.Error(err)

	_, err = New(nil)
	assert.Error(err)
}
