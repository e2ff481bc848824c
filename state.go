package smc

import (
	"fmt"

	"github.com/milosgajdos/go-smc/matrix"
	"gonum.org/v1/gonum/mat"
)

// NodeType is a type of model variable
type NodeType int

const (
	// DNode is a dynamic (discrete-time) state variable
	DNode NodeType = iota
	// CNode is a continuous-time state variable
	CNode
	// RNode is an exogenous noise variable
	RNode
	// PNode is a static parameter
	PNode
)

// String implements fmt.Stringer
func (t NodeType) String() string {
	switch t {
	case DNode:
		return "d"
	case CNode:
		return "c"
	case RNode:
		return "r"
	case PNode:
		return "p"
	}
	return fmt.Sprintf("NodeType(%d)", int(t))
}

// LogModel exposes per-variable log-transform flags
type LogModel interface {
	// Logs returns log-transform flags of node type t
	Logs(t NodeType) []bool
}

// Block is a row-major block of particle variables.
// Every row stores variables of a single particle.
type Block struct {
	// Rows is number of rows
	Rows int
	// Cols is number of variables
	Cols int
	// Data stores block values
	Data []float64
}

// NewBlock creates new zero-valued Block and returns it
func NewBlock(rows, cols int) *Block {
	return &Block{
		Rows: rows,
		Cols: cols,
		Data: make([]float64, rows*cols),
	}
}

// Row returns a view of row i
func (b *Block) Row(i int) []float64 {
	if b.Cols == 0 {
		return nil
	}
	return b.Data[i*b.Cols : (i+1)*b.Cols : (i+1)*b.Cols]
}

// Dense returns a matrix view of b which shares its data.
// It returns nil if b is empty: gonum does not permit zero sized matrices.
func (b *Block) Dense() *mat.Dense {
	if b.Rows == 0 || b.Cols == 0 {
		return nil
	}
	return mat.NewDense(b.Rows, b.Cols, b.Data)
}

func (b *Block) clone() *Block {
	data := make([]float64, len(b.Data))
	copy(data, b.Data)

	return &Block{Rows: b.Rows, Cols: b.Cols, Data: data}
}

// gather replaces row i with row as[i] of the original block
func (b *Block) gather(as []int) {
	if b.Cols == 0 {
		return
	}
	src := make([]float64, len(b.Data))
	copy(src, b.Data)
	c := b.Cols
	for i, a := range as {
		copy(b.Data[i*c:(i+1)*c], src[a*c:(a+1)*c])
	}
}

// Particle is an in-place view of a single particle
type Particle struct {
	// D stores dynamic state
	D []float64
	// C stores continuous state
	C []float64
	// R stores noise
	R []float64
	// Theta stores parameters
	Theta []float64
}

// State is a particle ensemble
type State struct {
	// P is number of particles
	P int
	// D is dynamic state block
	D *Block
	// C is continuous state block
	C *Block
	// R is noise block
	R *Block
	// Theta stores parameters: a single shared row or one row per particle
	Theta *Block
}

// NewState creates new ensemble of p particles with the given block sizes and returns it.
// If shared is true all particles share a single parameter row.
// It returns error if p is non-positive or any of the block sizes is negative.
func NewState(p, nd, nc, nr, np int, shared bool) (*State, error) {
	if p <= 0 {
		return nil, fmt.Errorf("%w: invalid particle count: %d", ErrContract, p)
	}

	if nd < 0 || nc < 0 || nr < 0 || np < 0 {
		return nil, fmt.Errorf("%w: invalid block sizes: [%d %d %d %d]", ErrContract, nd, nc, nr, np)
	}

	thetaRows := p
	if shared {
		thetaRows = 1
	}

	return &State{
		P:     p,
		D:     NewBlock(p, nd),
		C:     NewBlock(p, nc),
		R:     NewBlock(p, nr),
		Theta: NewBlock(thetaRows, np),
	}, nil
}

// NewModelState creates new ensemble of p particles laid out according to model m
func NewModelState(m Model, p int, shared bool) (*State, error) {
	return NewState(p, m.NetSize(DNode), m.NetSize(CNode), m.NetSize(RNode), m.NetSize(PNode), shared)
}

// HaveParameters returns true if particles carry distinct parameter values
func (s *State) HaveParameters() bool {
	return s.Theta.Rows > 1
}

// Width returns the number of variables of a flattened particle
func (s *State) Width() int {
	n := s.D.Cols + s.C.Cols + s.R.Cols
	if s.HaveParameters() {
		n += s.Theta.Cols
	}
	return n
}

// Particle returns in-place view of particle p
func (s *State) Particle(p int) Particle {
	theta := 0
	if s.HaveParameters() {
		theta = p
	}

	return Particle{
		D:     s.D.Row(p),
		C:     s.C.Row(p),
		R:     s.R.Row(p),
		Theta: s.Theta.Row(theta),
	}
}

// Clone returns a deep copy of s
func (s *State) Clone() *State {
	return &State{
		P:     s.P,
		D:     s.D.clone(),
		C:     s.C.clone(),
		R:     s.R.clone(),
		Theta: s.Theta.clone(),
	}
}

// Permute reorders particles so that slot i holds the former particle as[i].
// It returns error if as has invalid length or contains out of range indices.
func (s *State) Permute(as []int) error {
	if len(as) != s.P {
		return fmt.Errorf("%w: ancestor count %d != particle count %d", ErrContract, len(as), s.P)
	}

	for i, a := range as {
		if a < 0 || a >= s.P {
			return fmt.Errorf("%w: ancestor index %d out of range at slot %d", ErrContract, a, i)
		}
	}

	s.D.gather(as)
	s.C.gather(as)
	s.R.gather(as)
	if s.HaveParameters() {
		s.Theta.gather(as)
	}

	return nil
}

// blocks returns the blocks taking part in flattening
func (s *State) blocks() []*Block {
	b := []*Block{s.D, s.C, s.R}
	if s.HaveParameters() {
		b = append(b, s.Theta)
	}
	return b
}

// Flatten copies all particle blocks into a single P x N matrix and returns it.
// Parameters are included only if particles carry distinct parameter values.
// It returns error if the ensemble has no variables.
func (s *State) Flatten() (*mat.Dense, error) {
	n := s.Width()
	if n == 0 {
		return nil, fmt.Errorf("%w: ensemble has no variables", ErrContract)
	}

	x := mat.NewDense(s.P, n, nil)
	off := 0
	for _, b := range s.blocks() {
		if b.Cols == 0 {
			continue
		}
		x.Slice(0, s.P, off, off+b.Cols).(*mat.Dense).Copy(b.Dense())
		off += b.Cols
	}

	return x, nil
}

// Unflatten copies x back into particle blocks.
// It returns error if x dimensions do not match the ensemble.
func (s *State) Unflatten(x *mat.Dense) error {
	r, c := x.Dims()
	if r != s.P || c != s.Width() {
		return fmt.Errorf("%w: invalid matrix dims: [%d x %d]", ErrContract, r, c)
	}

	off := 0
	for _, b := range s.blocks() {
		if b.Cols == 0 {
			continue
		}
		b.Dense().Copy(x.Slice(0, s.P, off, off+b.Cols))
		off += b.Cols
	}

	return nil
}

// Log log-transforms flagged variables in place
func (s *State) Log(m LogModel) {
	s.transform(m, matrix.LogColumns)
}

// Exp reverses Log
func (s *State) Exp(m LogModel) {
	s.transform(m, matrix.ExpColumns)
}

func (s *State) transform(m LogModel, fn func(*mat.Dense, []bool)) {
	types := []NodeType{DNode, CNode, RNode}
	if s.HaveParameters() {
		types = append(types, PNode)
	}

	for i, b := range s.blocks() {
		if d := b.Dense(); d != nil {
			fn(d, m.Logs(types[i]))
		}
	}
}
