package kernels

import (
	"fmt"
	"math"
)

// Kernel represents a kernel function for Gaussian Processes
type Kernel interface {
	// Eval computes the kernel value between two points x1 and x2
	Eval(x1, x2 []float64) float64

	// Hyperparameters returns the current hyperparameters, length-scales
	// first and signal variance last
	Hyperparameters() []float64

	// SetHyperparameters sets the kernel's hyperparameters
	SetHyperparameters(params []float64) error

	// SignalVariance returns k(x, x)
	SignalVariance() float64

	// Clone returns an independent copy
	Clone() Kernel
}

// stationary holds what the stationary kernels share: one length-scale per
// input dimension (ARD) or a single shared one, and a signal variance.
type stationary struct {
	lengthScales []float64
	signalVar    float64
}

func newStationary(lengthScales []float64, signalVar float64) stationary {
	if len(lengthScales) == 0 {
		panic("at least one length scale is required")
	}
	for _, ls := range lengthScales {
		if ls <= 0 {
			panic(fmt.Sprintf("lengthScale must be positive, got %v", ls))
		}
	}
	if signalVar <= 0 {
		panic(fmt.Sprintf("signalVar must be positive, got %v", signalVar))
	}
	return stationary{
		lengthScales: append([]float64(nil), lengthScales...),
		signalVar:    signalVar,
	}
}

// scaledDistSq is sum(((x1_i - x2_i) / l_i)^2). A single length-scale is
// shared by every dimension.
func (s *stationary) scaledDistSq(x1, x2 []float64) float64 {
	sumSq := 0.0
	shared := len(s.lengthScales) == 1
	for i := range x1 {
		ls := s.lengthScales[0]
		if !shared {
			ls = s.lengthScales[i]
		}
		diff := (x1[i] - x2[i]) / ls
		sumSq += diff * diff
	}
	return sumSq
}

func (s *stationary) hyperparameters() []float64 {
	params := make([]float64, 0, len(s.lengthScales)+1)
	params = append(params, s.lengthScales...)
	return append(params, s.signalVar)
}

func (s *stationary) setHyperparameters(params []float64) error {
	if len(params) != len(s.lengthScales)+1 {
		return fmt.Errorf("expected %d hyperparameters, got %d", len(s.lengthScales)+1, len(params))
	}
	for _, p := range params {
		if p <= 0 || math.IsNaN(p) || math.IsInf(p, 0) {
			return fmt.Errorf("hyperparameters must be positive and finite, got %v", params)
		}
	}
	copy(s.lengthScales, params[:len(s.lengthScales)])
	s.signalVar = params[len(params)-1]
	return nil
}

// RBFKernel implements the Radial Basis Function (squared exponential) kernel
type RBFKernel struct {
	stationary
}

// NewRBFKernel creates an isotropic RBF kernel
func NewRBFKernel(lengthScale, signalVar float64) *RBFKernel {
	return &RBFKernel{newStationary([]float64{lengthScale}, signalVar)}
}

// NewARDRBFKernel creates an RBF kernel with one length-scale per dimension
func NewARDRBFKernel(lengthScales []float64, signalVar float64) *RBFKernel {
	return &RBFKernel{newStationary(lengthScales, signalVar)}
}

// Eval computes the RBF kernel value between x1 and x2
func (k *RBFKernel) Eval(x1, x2 []float64) float64 {
	return k.signalVar * math.Exp(-0.5*k.scaledDistSq(x1, x2))
}

// Hyperparameters returns the current hyperparameters
func (k *RBFKernel) Hyperparameters() []float64 { return k.hyperparameters() }

// SetHyperparameters sets the kernel's hyperparameters
func (k *RBFKernel) SetHyperparameters(params []float64) error { return k.setHyperparameters(params) }

// SignalVariance returns the signal variance
func (k *RBFKernel) SignalVariance() float64 { return k.signalVar }

// Clone returns an independent copy
func (k *RBFKernel) Clone() Kernel {
	return &RBFKernel{newStationary(k.lengthScales, k.signalVar)}
}

// Matern52Kernel implements the Matérn 5/2 kernel
type Matern52Kernel struct {
	stationary
}

// NewMatern52Kernel creates an isotropic Matérn 5/2 kernel
func NewMatern52Kernel(lengthScale, signalVar float64) *Matern52Kernel {
	return &Matern52Kernel{newStationary([]float64{lengthScale}, signalVar)}
}

// NewARDMatern52Kernel creates a Matérn 5/2 kernel with one length-scale
// per dimension
func NewARDMatern52Kernel(lengthScales []float64, signalVar float64) *Matern52Kernel {
	return &Matern52Kernel{newStationary(lengthScales, signalVar)}
}

// Eval computes the Matérn 5/2 kernel value between x1 and x2
func (k *Matern52Kernel) Eval(x1, x2 []float64) float64 {
	r := math.Sqrt(k.scaledDistSq(x1, x2))
	sqrt5r := math.Sqrt(5) * r
	return k.signalVar * (1.0 + sqrt5r + (5.0/3.0)*r*r) * math.Exp(-sqrt5r)
}

// Hyperparameters returns the current hyperparameters
func (k *Matern52Kernel) Hyperparameters() []float64 { return k.hyperparameters() }

// SetHyperparameters sets the kernel's hyperparameters
func (k *Matern52Kernel) SetHyperparameters(params []float64) error {
	return k.setHyperparameters(params)
}

// SignalVariance returns the signal variance
func (k *Matern52Kernel) SignalVariance() float64 { return k.signalVar }

// Clone returns an independent copy
func (k *Matern52Kernel) Clone() Kernel {
	return &Matern52Kernel{newStationary(k.lengthScales, k.signalVar)}
}

// New creates a kernel by name ("matern52" or "rbf") with unit
// length-scales for dims inputs.
func New(name string, dims int) (Kernel, error) {
	if dims < 1 {
		return nil, fmt.Errorf("kernel needs at least one input dimension, got %d", dims)
	}
	ls := make([]float64, dims)
	for i := range ls {
		ls[i] = 1.0
	}
	switch name {
	case "", "matern52":
		return NewARDMatern52Kernel(ls, 1.0), nil
	case "rbf":
		return NewARDRBFKernel(ls, 1.0), nil
	default:
		return nil, fmt.Errorf("unknown kernel %q", name)
	}
}
