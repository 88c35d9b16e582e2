package fit

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/glasslab/refract/internal/params"
	"github.com/glasslab/refract/internal/voxel"
)

// DefaultStep is the finite-difference step used when callers have no
// better scale for a parameter.
const DefaultStep = 1e-3

// Transactional is the contract the derivative estimators need: a
// parameter store with speculative push/pop updates and a scalar
// log-likelihood. Derivatives work purely through it, keeping
// differentiation decoupled from rendering internals.
type Transactional interface {
	PushUpdate(b params.Block, values []float64) bool
	PopUpdate() bool
	Values(b params.Block) []float64
	LogLikelihood() float64
}

// Renderer additionally exposes the rendered model image, used by the
// Fisher-information estimator.
type Renderer interface {
	Transactional
	RenderedImage() *voxel.Grid
	Sigma() float64
}

// Gradient estimates the log-likelihood gradient over the given blocks by
// symmetric differences, (L(+h) - L(-h)) / 2h per block. The state is
// bit-identical to its pre-call value afterwards.
func Gradient(s Transactional, blocks []params.Block, step float64) []float64 {
	grad := make([]float64, len(blocks))
	for i, b := range blocks {
		grad[i] = gradSingle(s, b, step)
	}
	return grad
}

func gradSingle(s Transactional, b params.Block, step float64) float64 {
	vals := s.Values(b)

	plus := append([]float64(nil), vals...)
	floats.AddConst(step, plus)
	s.PushUpdate(b, plus)
	lr := s.LogLikelihood()
	s.PopUpdate()

	minus := append([]float64(nil), vals...)
	floats.AddConst(-step, minus)
	s.PushUpdate(b, minus)
	ll := s.LogLikelihood()
	s.PopUpdate()

	return (lr - ll) / (2 * step)
}

// Hessian estimates the log-likelihood Hessian over the given blocks by
// nested second differences through the push/pop protocol, filling a
// symmetric matrix.
func Hessian(s Transactional, blocks []params.Block, step float64) *mat.SymDense {
	n := len(blocks)
	h := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			h.SetSym(i, j, hessTwoParam(s, blocks[i], blocks[j], step))
		}
	}
	return h
}

// hessTwoParam evaluates (L11 - L10 - L01 + L00) / step² with the four
// corner evaluations reached by nested pushes. For i == j the nesting
// degenerates to the one-sided second difference (L(2h)-2L(h)+L(0))/h².
func hessTwoParam(s Transactional, b0, b1 params.Block, step float64) float64 {
	v0 := s.Values(b0)

	p0 := append([]float64(nil), v0...)
	floats.AddConst(step, p0)
	s.PushUpdate(b0, p0)

	v1 := s.Values(b1)
	p1 := append([]float64(nil), v1...)
	floats.AddConst(step, p1)
	s.PushUpdate(b1, p1)
	l11 := s.LogLikelihood()
	s.PopUpdate()
	s.PopUpdate()

	s.PushUpdate(b0, p0)
	l10 := s.LogLikelihood()
	s.PopUpdate()

	v1 = s.Values(b1)
	p1 = append([]float64(nil), v1...)
	floats.AddConst(step, p1)
	s.PushUpdate(b1, p1)
	l01 := s.LogLikelihood()
	s.PopUpdate()

	l00 := s.LogLikelihood()
	return (l11 - l10 - l01 + l00) / (step * step)
}

// FisherInformation estimates the Fisher information matrix as the outer
// product of the model-image parameter gradients scaled by the inverse
// noise variance. It reuses the push/pop machinery against the rendered
// image rather than the scalar likelihood, giving the Cramér–Rao error
// estimate even where the likelihood surface is rough.
func FisherInformation(s Renderer, blocks []params.Block, step float64) *mat.SymDense {
	n := len(blocks)
	grads := make([][]float64, n)
	for i, b := range blocks {
		grads[i] = gradImage(s, b, step)
	}

	sig := s.Sigma()
	inv := 1 / (sig * sig)
	f := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			f.SetSym(i, j, floats.Dot(grads[i], grads[j])*inv)
		}
	}
	return f
}

// gradImage returns the symmetric difference of the rendered model image
// with respect to the block, flattened.
func gradImage(s Renderer, b params.Block, step float64) []float64 {
	vals := s.Values(b)

	plus := append([]float64(nil), vals...)
	floats.AddConst(step, plus)
	s.PushUpdate(b, plus)
	m1 := append([]float64(nil), s.RenderedImage().Data()...)
	s.PopUpdate()

	minus := append([]float64(nil), vals...)
	floats.AddConst(-step, minus)
	s.PushUpdate(b, minus)
	m0 := s.RenderedImage().Data()
	s.PopUpdate()

	floats.Sub(m1, m0)
	floats.Scale(1/(2*step), m1)
	return m1
}

// Gradient is the method form over the state's own blocks; nil blocks
// default to every parameter.
func (s *State) Gradient(blocks []params.Block, step float64) []float64 {
	if blocks == nil {
		blocks = s.Explode(s.BlockAll())
	}
	return Gradient(s, blocks, step)
}

// Hessian is the method form; nil blocks default to every parameter.
func (s *State) Hessian(blocks []params.Block, step float64) *mat.SymDense {
	if blocks == nil {
		blocks = s.Explode(s.BlockAll())
	}
	return Hessian(s, blocks, step)
}

// FisherInformation is the method form; nil blocks default to every
// parameter.
func (s *State) FisherInformation(blocks []params.Block, step float64) *mat.SymDense {
	if blocks == nil {
		blocks = s.Explode(s.BlockAll())
	}
	return FisherInformation(s, blocks, step)
}
