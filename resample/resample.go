// Package resample implements ensemble resampling strategies.
package resample

import (
	"fmt"
	"math"

	smc "github.com/milosgajdos/go-smc"
	"github.com/milosgajdos/go-smc/rand"
	"github.com/milosgajdos/go-smc/weights"
	rnd "golang.org/x/exp/rand"
)

// drawFn draws n indices from unnormalised weights p
type drawFn func(p []float64, n int, src rnd.Source) ([]int, error)

// base implements resampling on top of an index drawing scheme
type base struct {
	draw drawFn
	src  *rnd.Rand
}

// Multinomial draws ancestors independently from the weight distribution
type Multinomial struct {
	base
}

// NewMultinomial creates new multinomial resampler seeded with seed and returns it
func NewMultinomial(seed uint64) *Multinomial {
	return &Multinomial{
		base: base{draw: rand.RouletteDrawN, src: rand.New(seed)},
	}
}

// Systematic draws ancestors with a single uniform offset
type Systematic struct {
	base
}

// NewSystematic creates new systematic resampler seeded with seed and returns it
func NewSystematic(seed uint64) *Systematic {
	return &Systematic{
		base: base{draw: rand.SystematicDrawN, src: rand.New(seed)},
	}
}

// Resample draws ancestors proportional to exp(lws), permutes s and resets lws to -log P.
// It returns error if lws or as length does not match the number of particles.
func (b *base) Resample(lws []float64, as []int, s *smc.State) error {
	if err := check(lws, as, s); err != nil {
		return err
	}

	idx, err := b.ancestors(lws, s.P)
	if err != nil {
		return err
	}
	copy(as, idx)
	arrange(as)

	if err := s.Permute(as); err != nil {
		return err
	}
	uniform(lws)

	return nil
}

// ResampleConditional resamples like Resample but slot a keeps ancestor a.
// It returns error if a is out of range or lws or as length does not match the number of particles.
func (b *base) ResampleConditional(a int, lws []float64, as []int, s *smc.State) error {
	if err := check(lws, as, s); err != nil {
		return err
	}

	if a < 0 || a >= s.P {
		return fmt.Errorf("%w: conditional index %d out of range", smc.ErrContract, a)
	}

	idx, err := b.ancestors(lws, s.P-1)
	if err != nil {
		return err
	}
	copy(as, idx)
	as[s.P-1] = a
	arrange(as)

	if err := s.Permute(as); err != nil {
		return err
	}
	uniform(lws)

	return nil
}

// ResampleProposal draws ancestors proportional to exp(qlws), permutes s and
// sets lws[i] = lws[a_i] - qlws[a_i] + logsumexp(qlws) - log P.
// It returns error if any of the slices does not match the number of particles.
func (b *base) ResampleProposal(qlws, lws []float64, as []int, s *smc.State) error {
	if err := check(lws, as, s); err != nil {
		return err
	}

	if len(qlws) != s.P {
		return fmt.Errorf("%w: proposal weight count %d != particle count %d", smc.ErrContract, len(qlws), s.P)
	}

	idx, err := b.ancestors(qlws, s.P)
	if err != nil {
		return err
	}
	copy(as, idx)
	arrange(as)

	if err := s.Permute(as); err != nil {
		return err
	}

	lse := weights.LogSumExp(qlws)
	logP := math.Log(float64(s.P))
	prev := make([]float64, len(lws))
	copy(prev, lws)
	for i, a := range as {
		lws[i] = prev[a] - qlws[a] + lse - logP
	}

	return nil
}

func (b *base) ancestors(lws []float64, n int) ([]int, error) {
	if n == 0 {
		return nil, nil
	}

	idx, err := b.draw(weights.Exp(nil, lws), n, b.src)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", smc.ErrNumerical, err)
	}

	return idx, nil
}

// arrange reorders ancestors in place so that every particle with
// at least one offspring keeps its own slot.
func arrange(as []int) {
	p := len(as)
	counts := make([]int, p)
	for _, a := range as {
		counts[a]++
	}

	for i := range as {
		as[i] = -1
	}

	rest := make([]int, 0, p)
	for a, n := range counts {
		if n == 0 {
			continue
		}
		as[a] = a
		for j := 1; j < n; j++ {
			rest = append(rest, a)
		}
	}

	j := 0
	for i := range as {
		if as[i] == -1 {
			as[i] = rest[j]
			j++
		}
	}
}

func uniform(lws []float64) {
	lw := -math.Log(float64(len(lws)))
	for i := range lws {
		lws[i] = lw
	}
}

func check(lws []float64, as []int, s *smc.State) error {
	if s == nil {
		return fmt.Errorf("%w: nil ensemble", smc.ErrContract)
	}

	if len(lws) != s.P {
		return fmt.Errorf("%w: weight count %d != particle count %d", smc.ErrContract, len(lws), s.P)
	}

	if len(as) != s.P {
		return fmt.Errorf("%w: ancestor count %d != particle count %d", smc.ErrContract, len(as), s.P)
	}

	return nil
}
