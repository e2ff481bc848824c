package sim

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// System defines a linear model of a plant using
// traditional matrices of modern control theory.
//
// It contains the System (A), input (B), Observation/Output (C)
// Feedthrough (D) and disturbance (E) matrices.
type System struct {
	// System/State matrix A
	A *mat.Dense
	// Control/Input Matrix B
	B *mat.Dense
	// Observation/Output Matrix C
	C *mat.Dense
	// Feedthrough matrix D
	D *mat.Dense
	// Disturbance matrix E which loads standard normal noise into state
	E *mat.Dense
}

func newSystem(A, B, C, D, E *mat.Dense) (System, error) {
	if A == nil {
		return System{}, fmt.Errorf("system matrix must be defined for a model")
	}

	nx, cx := A.Dims()
	if nx != cx {
		return System{}, fmt.Errorf("invalid system matrix dimensions: [%d x %d]", nx, cx)
	}

	sys := System{A: mat.DenseCopyOf(A)}
	if B != nil {
		if r, _ := B.Dims(); r != nx {
			return System{}, fmt.Errorf("invalid control matrix rows: %d", r)
		}
		sys.B = mat.DenseCopyOf(B)
	}
	if C != nil {
		if _, c := C.Dims(); c != nx {
			return System{}, fmt.Errorf("invalid output matrix columns: %d", c)
		}
		sys.C = mat.DenseCopyOf(C)
	}
	if D != nil {
		sys.D = mat.DenseCopyOf(D)
	}
	if E != nil {
		if r, _ := E.Dims(); r != nx {
			return System{}, fmt.Errorf("invalid disturbance matrix rows: %d", r)
		}
		sys.E = mat.DenseCopyOf(E)
	}

	return sys, nil
}

// SystemDims returns internal state length (nx), input vector length (nu),
// external/observable/output state length (ny) and disturbance vector length (nz).
func (s System) SystemDims() (nx, nu, ny, nz int) {
	nx, _ = s.A.Dims()
	if s.B != nil {
		_, nu = s.B.Dims()
	}
	if s.C != nil {
		ny, _ = s.C.Dims()
	}
	if s.E != nil {
		_, nz = s.E.Dims()
	}
	return nx, nu, ny, nz
}

// Observe returns external/observable state given internal state x and input u.
func (s System) Observe(x, u mat.Vector) (*mat.VecDense, error) {
	nx, nu, ny, _ := s.SystemDims()
	if s.C == nil {
		return nil, fmt.Errorf("output matrix must be defined to observe")
	}

	if u != nil && u.Len() != nu {
		return nil, fmt.Errorf("invalid input vector")
	}

	if x.Len() != nx {
		return nil, fmt.Errorf("invalid state vector")
	}

	out := mat.NewVecDense(ny, nil)
	out.MulVec(s.C, x)

	if u != nil && s.D != nil {
		outU := mat.NewVecDense(ny, nil)
		outU.MulVec(s.D, u)

		out.AddVec(out, outU)
	}

	return out, nil
}

// drift returns A*x + B*u + E*z
func (s System) drift(x, u, z mat.Vector) (*mat.VecDense, error) {
	nx, nu, _, nz := s.SystemDims()
	if u != nil && u.Len() != nu {
		return nil, fmt.Errorf("invalid input vector")
	}

	if x.Len() != nx {
		return nil, fmt.Errorf("invalid state vector")
	}

	if z != nil && z.Len() != nz {
		return nil, fmt.Errorf("invalid disturbance vector")
	}

	out := mat.NewVecDense(nx, nil)
	out.MulVec(s.A, x)

	if u != nil && s.B != nil {
		outU := mat.NewVecDense(nx, nil)
		outU.MulVec(s.B, u)

		out.AddVec(out, outU)
	}

	if z != nil && s.E != nil {
		outZ := mat.NewVecDense(nx, nil)
		outZ.MulVec(s.E, z)

		out.AddVec(out, outZ)
	}

	return out, nil
}
