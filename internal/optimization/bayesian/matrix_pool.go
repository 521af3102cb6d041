package bayesian

import (
	"sync"

	"gonum.org/v1/gonum/mat"
)

// MatrixPool provides a pool of reusable matrices to reduce allocations in
// the likelihood search, which factorizes one n×n matrix per evaluation.
// Matrices are keyed by size; returned matrices have undefined contents.
// It is safe for concurrent use.
type MatrixPool struct {
	mu    sync.Mutex
	sym   map[int]*sync.Pool
	dense map[[2]int]*sync.Pool
	vec   map[int]*sync.Pool
}

// NewMatrixPool creates a new MatrixPool
func NewMatrixPool() *MatrixPool {
	return &MatrixPool{
		sym:   make(map[int]*sync.Pool),
		dense: make(map[[2]int]*sync.Pool),
		vec:   make(map[int]*sync.Pool),
	}
}

func (p *MatrixPool) symPool(n int) *sync.Pool {
	p.mu.Lock()
	defer p.mu.Unlock()
	pool, ok := p.sym[n]
	if !ok {
		pool = &sync.Pool{New: func() any { return mat.NewSymDense(n, nil) }}
		p.sym[n] = pool
	}
	return pool
}

func (p *MatrixPool) densePool(r, c int) *sync.Pool {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := [2]int{r, c}
	pool, ok := p.dense[key]
	if !ok {
		pool = &sync.Pool{New: func() any { return mat.NewDense(r, c, nil) }}
		p.dense[key] = pool
	}
	return pool
}

func (p *MatrixPool) vecPool(n int) *sync.Pool {
	p.mu.Lock()
	defer p.mu.Unlock()
	pool, ok := p.vec[n]
	if !ok {
		pool = &sync.Pool{New: func() any { return mat.NewVecDense(n, nil) }}
		p.vec[n] = pool
	}
	return pool
}

// GetSymDense returns an n×n symmetric matrix from the pool or creates a new one
func (p *MatrixPool) GetSymDense(n int) *mat.SymDense {
	return p.symPool(n).Get().(*mat.SymDense)
}

// PutSymDense returns a symmetric matrix to the pool
func (p *MatrixPool) PutSymDense(m *mat.SymDense) {
	if m == nil {
		return
	}
	p.symPool(m.SymmetricDim()).Put(m)
}

// GetDense returns an r×c dense matrix from the pool or creates a new one
func (p *MatrixPool) GetDense(r, c int) *mat.Dense {
	return p.densePool(r, c).Get().(*mat.Dense)
}

// PutDense returns a dense matrix to the pool
func (p *MatrixPool) PutDense(m *mat.Dense) {
	if m == nil {
		return
	}
	r, c := m.Dims()
	p.densePool(r, c).Put(m)
}

// GetVecDense returns a vector of length n from the pool or creates a new one
func (p *MatrixPool) GetVecDense(n int) *mat.VecDense {
	return p.vecPool(n).Get().(*mat.VecDense)
}

// PutVecDense returns a vector to the pool
func (p *MatrixPool) PutVecDense(v *mat.VecDense) {
	if v == nil {
		return
	}
	p.vecPool(v.Len()).Put(v)
}
