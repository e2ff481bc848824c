package resample

import (
	"errors"
	"math"
	"os"
	"testing"

	smc "github.com/milosgajdos/go-smc"
	"github.com/milosgajdos/go-smc/weights"
	"github.com/stretchr/testify/assert"
)

var resamplers map[string]func(seed uint64) smc.Resampler

func setup() {
	resamplers = map[string]func(seed uint64) smc.Resampler{
		"multinomial": func(seed uint64) smc.Resampler { return NewMultinomial(seed) },
		"systematic":  func(seed uint64) smc.Resampler { return NewSystematic(seed) },
	}
}

func TestMain(m *testing.M) {
	// set up tests
	setup()
	// run the tests
	retCode := m.Run()
	// call with result of m.Run()
	os.Exit(retCode)
}

// newIndexState returns ensemble whose single dynamic variable stores the particle index
func newIndexState(t *testing.T, p int) *smc.State {
	s, err := smc.NewState(p, 1, 0, 0, 0, true)
	if err != nil {
		t.Fatalf("failed to create state: %v", err)
	}
	for i := 0; i < p; i++ {
		s.D.Data[i] = float64(i)
	}
	return s
}

func TestResampleContract(t *testing.T) {
	assert := assert.New(t)

	for name, newR := range resamplers {
		r := newR(1)
		s := newIndexState(t, 4)

		err := r.Resample(make([]float64, 3), make([]int, 4), s)
		assert.True(errors.Is(err, smc.ErrContract), name)

		err = r.Resample(make([]float64, 4), make([]int, 5), s)
		assert.True(errors.Is(err, smc.ErrContract), name)

		err = r.Resample(make([]float64, 4), make([]int, 4), nil)
		assert.True(errors.Is(err, smc.ErrContract), name)

		err = r.ResampleConditional(4, make([]float64, 4), make([]int, 4), s)
		assert.True(errors.Is(err, smc.ErrContract), name)

		err = r.ResampleProposal(make([]float64, 2), make([]float64, 4), make([]int, 4), s)
		assert.True(errors.Is(err, smc.ErrContract), name)

		// no mass to resample from
		lws := []float64{math.Inf(-1), math.Inf(-1), math.Inf(-1), math.Inf(-1)}
		err = r.Resample(lws, make([]int, 4), s)
		assert.True(errors.Is(err, smc.ErrNumerical), name)
	}
}

func TestResample(t *testing.T) {
	assert := assert.New(t)

	for name, newR := range resamplers {
		r := newR(42)
		p := 8
		s := newIndexState(t, p)

		lws := []float64{math.Inf(-1), math.Inf(-1), 0, math.Inf(-1), math.Log(3), math.Inf(-1), math.Inf(-1), math.Inf(-1)}
		as := make([]int, p)
		assert.NoError(r.Resample(lws, as, s), name)

		for i, a := range as {
			assert.Contains([]int{2, 4}, a, name)
			// ensemble follows ancestors
			assert.Equal(float64(a), s.D.Data[i], name)
			assert.InDelta(-math.Log(float64(p)), lws[i], 1e-12, name)
		}
		// particles with offspring keep their slot
		assert.Equal(2, as[2], name)
		assert.Equal(4, as[4], name)
	}
}

func TestResampleUniform(t *testing.T) {
	assert := assert.New(t)

	for name, newR := range resamplers {
		r := newR(7)
		p := 10
		trials := 2000
		counts := make([]float64, p)

		for n := 0; n < trials; n++ {
			s := newIndexState(t, p)
			lws := make([]float64, p)
			as := make([]int, p)
			assert.NoError(r.Resample(lws, as, s))
			for _, a := range as {
				assert.True(a >= 0 && a < p)
				counts[a]++
			}
		}

		for _, c := range counts {
			assert.InDelta(1.0/float64(p), c/float64(p*trials), 0.01, name)
		}
	}
}

func TestSystematicCounts(t *testing.T) {
	assert := assert.New(t)

	r := NewSystematic(3)
	p := 20
	ws := make([]float64, p)
	for i := range ws {
		ws[i] = float64(i + 1)
	}
	total := float64(p * (p + 1) / 2)

	lws := make([]float64, p)
	for i, w := range ws {
		lws[i] = math.Log(w)
	}

	as := make([]int, p)
	assert.NoError(r.Resample(lws, as, newIndexState(t, p)))

	counts := make([]float64, p)
	for _, a := range as {
		counts[a]++
	}
	for i, w := range ws {
		assert.LessOrEqual(math.Abs(counts[i]-float64(p)*w/total), 1.0)
	}
}

func TestResampleConditional(t *testing.T) {
	assert := assert.New(t)

	for name, newR := range resamplers {
		r := newR(11)
		p := 6
		s := newIndexState(t, p)

		// all mass on particle 0, conditional slot 3
		lws := []float64{0, math.Inf(-1), math.Inf(-1), math.Inf(-1), math.Inf(-1), math.Inf(-1)}
		as := make([]int, p)
		assert.NoError(r.ResampleConditional(3, lws, as, s), name)

		assert.Equal(3, as[3], name)
		assert.Equal(3.0, s.D.Data[3], name)
		for i, a := range as {
			if i == 3 {
				continue
			}
			assert.Equal(0, a, name)
		}

		// single particle
		s = newIndexState(t, 1)
		as = make([]int, 1)
		assert.NoError(r.ResampleConditional(0, []float64{0}, as, s), name)
		assert.Equal([]int{0}, as, name)
	}
}

func TestResampleProposal(t *testing.T) {
	assert := assert.New(t)

	for name, newR := range resamplers {
		r := newR(5)
		p := 5
		s := newIndexState(t, p)

		qlws := []float64{math.Log(0.1), math.Log(0.2), math.Log(0.3), math.Log(0.2), math.Log(0.2)}
		lws := []float64{-1, -2, -3, -4, -5}
		prev := append([]float64(nil), lws...)
		as := make([]int, p)
		assert.NoError(r.ResampleProposal(qlws, lws, as, s), name)

		lse := weights.LogSumExp(qlws)
		for i, a := range as {
			want := prev[a] - qlws[a] + lse - math.Log(float64(p))
			assert.InDelta(want, lws[i], 1e-12, name)
			assert.Equal(float64(a), s.D.Data[i], name)
		}
	}
}

func TestArrange(t *testing.T) {
	assert := assert.New(t)

	as := []int{3, 3, 0, 3, 1}
	arrange(as)
	assert.Equal(0, as[0])
	assert.Equal(1, as[1])
	assert.Equal(3, as[3])
	assert.ElementsMatch([]int{3, 3, 0, 3, 1}, as)
}
