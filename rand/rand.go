package rand

import (
	"fmt"
	"math"
	"sort"

	rnd "golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// New returns new random number generator seeded with seed
func New(seed uint64) *rnd.Rand {
	return rnd.New(rnd.NewSource(seed))
}

// Seeds draws n seeds from src.
// Seeds are drawn sequentially so the result only depends on the state of src.
func Seeds(src rnd.Source, n int) []uint64 {
	seeds := make([]uint64, n)
	for i := range seeds {
		seeds[i] = src.Uint64()
	}

	return seeds
}

// NormalN returns rows x cols matrix of independent standard normal samples drawn from src.
// It fails with error if either of the dimensions is non-positive.
func NormalN(rows, cols int, src rnd.Source) (*mat.Dense, error) {
	if rows <= 0 || cols <= 0 {
		return nil, fmt.Errorf("invalid sample dimensions: [%d x %d]", rows, cols)
	}

	norm := distuv.Normal{Mu: 0, Sigma: 1, Src: src}
	data := make([]float64, rows*cols)
	for i := range data {
		data[i] = norm.Rand()
	}

	return mat.NewDense(rows, cols, data), nil
}

// WithCovN draws n random samples from a zero-mean Normal (aka Gaussian) distribution with covariance cov.
// It returns matrix which contains the randomly generated samples stored in its columns.
// It fails with error if n is non-positive and/or smaller than 1 or if SVD factorization of cov fails.
func WithCovN(cov mat.Symmetric, n int, src rnd.Source) (*mat.Dense, error) {
	if n <= 0 {
		return nil, fmt.Errorf("invalid number of samples requested: %d", n)
	}

	// Use SVD instead of Cholesky as Cholesky can be numerically unstable if cov is (almost) singular
	var svd mat.SVD
	ok := svd.Factorize(cov, mat.SVDFull)
	if !ok {
		return nil, fmt.Errorf("SVD factorization failed")
	}

	U := new(mat.Dense)
	svd.UTo(U)
	vals := svd.Values(nil)
	for i := range vals {
		vals[i] = math.Sqrt(vals[i])
	}
	diag := mat.NewDiagDense(len(vals), vals)
	U.Mul(U, diag)

	samples, err := NormalN(cov.SymmetricDim(), n, src)
	if err != nil {
		return nil, err
	}
	samples.Mul(U, samples)

	return samples, nil
}

// RouletteDrawN draws n numbers randomly from a probability mass function (PMF) defined by weights in p.
// RouletteDrawN implements the Roulette Wheel Draw a.k.a. Fitness Proportionate Selection:
// - https://en.wikipedia.org/wiki/Fitness_proportionate_selection
// - http://www.keithschwarz.com/darts-dice-coins/
// It returns a slice of n indices into the vector p.
// It fails with error if p is empty or carries no mass.
func RouletteDrawN(p []float64, n int, src rnd.Source) ([]int, error) {
	cdf, err := cumulative(p)
	if err != nil {
		return nil, err
	}

	unif := distuv.Uniform{Min: 0, Max: 1, Src: src}
	// Generation:
	// 1. Generate a uniformly-random value x in the range [0,1)
	// 2. Using a binary search, find the index of the smallest element in cdf larger than x
	var val float64
	indices := make([]int, n)
	for i := range indices {
		// multiply the sample with the largest CDF value; easier than normalizing to [0,1)
		val = unif.Rand() * cdf[len(cdf)-1]
		indices[i] = search(cdf, val)
	}

	return indices, nil
}

// SystematicDrawN draws n numbers from a PMF defined by weights in p using a single
// uniform offset and n evenly spaced pointers. Every index i is drawn either
// floor(n*w[i]) or ceil(n*w[i]) times, where w are normalised weights.
// It returns a sorted slice of n indices into the vector p.
// It fails with error if p is empty or carries no mass.
func SystematicDrawN(p []float64, n int, src rnd.Source) ([]int, error) {
	cdf, err := cumulative(p)
	if err != nil {
		return nil, err
	}

	unif := distuv.Uniform{Min: 0, Max: 1, Src: src}
	step := cdf[len(cdf)-1] / float64(n)
	u := unif.Rand() * step

	indices := make([]int, n)
	j := 0
	for i := range indices {
		val := u + float64(i)*step
		for j < len(cdf)-1 && cdf[j] <= val {
			j++
		}
		indices[i] = j
	}

	return indices, nil
}

func cumulative(p []float64) ([]float64, error) {
	if len(p) == 0 {
		return nil, fmt.Errorf("invalid probability weights: %v", p)
	}

	// Initialization: create the discrete CDF
	// We know that cdf is sorted in ascending order
	cdf := make([]float64, len(p))
	floats.CumSum(cdf, p)

	if total := cdf[len(cdf)-1]; !(total > 0) || math.IsInf(total, 0) {
		return nil, fmt.Errorf("invalid probability mass: %f", total)
	}

	return cdf, nil
}

// search returns the smallest index i such that cdf[i] > val
func search(cdf []float64, val float64) int {
	i := sort.Search(len(cdf), func(i int) bool { return cdf[i] > val })
	if i == len(cdf) {
		i--
	}
	return i
}
