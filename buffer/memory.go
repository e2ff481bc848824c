// Package buffer stores filter output.
package buffer

import (
	"fmt"

	smc "github.com/milosgajdos/go-smc"
	"github.com/milosgajdos/go-smc/cache"
)

// Memory is an in-memory filter output buffer
type Memory struct {
	// as stores ancestors
	as *cache.Cache[int]
	// lw stores stage-2 log-weights
	lw *cache.Cache[float64]
	// lw1 stores stage-1 log-weights
	lw1 *cache.Cache[float64]
	// ts stores step times
	ts *cache.Cache[float64]
}

// NewMemory creates new empty Memory buffer and returns it
func NewMemory() *Memory {
	return &Memory{
		as:  cache.New[int](),
		lw:  cache.New[float64](),
		lw1: cache.New[float64](),
		ts:  cache.New[float64](),
	}
}

// WriteAncestors writes ancestors of step k
func (m *Memory) WriteAncestors(k int, as []int) error {
	return m.as.Put(k, as)
}

// WriteLogWeights writes stage-2 log-weights of step k
func (m *Memory) WriteLogWeights(k int, lws []float64) error {
	return m.lw.Put(k, lws)
}

// WriteStage1LogWeights writes stage-1 log-weights of step k
func (m *Memory) WriteStage1LogWeights(k int, lws []float64) error {
	return m.lw1.Put(k, lws)
}

// WriteTime writes time of step k
func (m *Memory) WriteTime(k int, t float64) error {
	return m.ts.Put(k, []float64{t})
}

// Steps returns the number of steps with written ancestors
func (m *Memory) Steps() (int, error) {
	return m.as.Size(), nil
}

// Ancestors returns ancestors of step k
func (m *Memory) Ancestors(k int) ([]int, error) {
	return copyOf(m.as, k)
}

// LogWeights returns stage-2 log-weights of step k
func (m *Memory) LogWeights(k int) ([]float64, error) {
	return copyOf(m.lw, k)
}

// Stage1LogWeights returns stage-1 log-weights of step k
func (m *Memory) Stage1LogWeights(k int) ([]float64, error) {
	return copyOf(m.lw1, k)
}

// Time returns time of step k
func (m *Memory) Time(k int) (float64, error) {
	t, err := m.ts.Get(k)
	if err != nil {
		return 0, err
	}
	return t[0], nil
}

func copyOf[T any](c *cache.Cache[T], k int) ([]T, error) {
	v, err := c.Get(k)
	if err != nil {
		return nil, err
	}

	out := make([]T, len(v))
	copy(out, v)

	return out, nil
}

// Ancestry provides ancestors written by a filter
type Ancestry interface {
	// Steps returns the number of written steps
	Steps() (int, error)
	// Ancestors returns ancestors of step k
	Ancestors(k int) ([]int, error)
}

// Lineage reconstructs the genealogy of particle p of the last written step.
// It returns slot indices of the ancestors of p at every step, the last one being p.
// It returns error if no step was written, p is out of range or any step is missing.
func Lineage(a Ancestry, p int) ([]int, error) {
	n, err := a.Steps()
	if err != nil {
		return nil, err
	}

	if n == 0 {
		return nil, fmt.Errorf("%w: no steps written", smc.ErrContract)
	}

	path := make([]int, n)
	path[n-1] = p
	for k := n - 1; k >= 0; k-- {
		as, err := a.Ancestors(k)
		if err != nil {
			return nil, err
		}

		if path[k] < 0 || path[k] >= len(as) {
			return nil, fmt.Errorf("%w: particle %d out of range at step %d", smc.ErrContract, path[k], k)
		}

		if k > 0 {
			path[k-1] = as[path[k]]
		}
	}

	return path, nil
}
