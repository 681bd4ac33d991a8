package tracking

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ErrNotInvertible indicates a covariance that cannot be inverted for
// fusion; the observation is dropped and the track left unchanged.
var ErrNotInvertible = errors.New("covariance not invertible")

// invertSPD returns the inverse of a symmetric positive-definite
// matrix via Cholesky factorization.
func invertSPD(p *mat.Dense) (*mat.SymDense, error) {
	n, _ := p.Dims()
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sym.SetSym(i, j, 0.5*(p.At(i, j)+p.At(j, i)))
		}
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(sym); !ok {
		return nil, ErrNotInvertible
	}
	inv := mat.NewSymDense(n, nil)
	if err := chol.InverseTo(inv); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotInvertible, err)
	}
	return inv, nil
}

// ciFusedCov computes inv(ω·I1 + (1−ω)·I2) for two information
// matrices, returning nil when the blend is singular.
func ciFusedCov(i1, i2 *mat.SymDense, omega float64) *mat.SymDense {
	n := i1.SymmetricDim()
	blend := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			blend.SetSym(i, j, omega*i1.At(i, j)+(1-omega)*i2.At(i, j))
		}
	}
	var chol mat.Cholesky
	if ok := chol.Factorize(blend); !ok {
		return nil
	}
	out := mat.NewSymDense(n, nil)
	if err := chol.InverseTo(out); err != nil {
		return nil
	}
	return out
}

func traceSym(m *mat.SymDense) float64 {
	n := m.SymmetricDim()
	t := 0.0
	for i := 0; i < n; i++ {
		t += m.At(i, i)
	}
	return t
}

// FuseCI performs covariance intersection of two estimates with
// unknown cross-correlation: it finds ω ∈ [0,1] minimizing the trace of
// the fused covariance by golden-section search, then returns the fused
// mean, covariance, and the optimizing ω. The result is consistent for
// any true correlation between the inputs.
func FuseCI(x1 *mat.VecDense, p1 *mat.Dense, x2 *mat.VecDense, p2 *mat.Dense, tol float64) (*mat.VecDense, *mat.Dense, float64, error) {
	n := x1.Len()
	if x2.Len() != n {
		return nil, nil, 0, fmt.Errorf("estimate dims %d and %d differ", n, x2.Len())
	}
	if tol <= 0 {
		tol = 1e-4
	}

	i1, err := invertSPD(p1)
	if err != nil {
		return nil, nil, 0, err
	}
	i2, err := invertSPD(p2)
	if err != nil {
		return nil, nil, 0, err
	}

	objective := func(omega float64) float64 {
		pf := ciFusedCov(i1, i2, omega)
		if pf == nil {
			return math.Inf(1)
		}
		return traceSym(pf)
	}

	// Golden-section search over ω.
	const invPhi = 0.6180339887498949
	lo, hi := 0.0, 1.0
	a := hi - invPhi*(hi-lo)
	b := lo + invPhi*(hi-lo)
	fa, fb := objective(a), objective(b)
	for hi-lo > tol {
		if fa < fb {
			hi, b, fb = b, a, fa
			a = hi - invPhi*(hi-lo)
			fa = objective(a)
		} else {
			lo, a, fa = a, b, fb
			b = lo + invPhi*(hi-lo)
			fb = objective(b)
		}
	}
	omega := 0.5 * (lo + hi)

	// Endpoint guard: when one estimate dominates outright the optimum
	// sits at the boundary.
	best := objective(omega)
	for _, cand := range []float64{0, 1} {
		if v := objective(cand); v < best {
			best = v
			omega = cand
		}
	}

	pf := ciFusedCov(i1, i2, omega)
	if pf == nil {
		return nil, nil, 0, ErrNotInvertible
	}

	// x_f = P_f · (ω·I1·x1 + (1−ω)·I2·x2)
	t1 := mat.NewVecDense(n, nil)
	t2 := mat.NewVecDense(n, nil)
	t1.MulVec(i1, x1)
	t2.MulVec(i2, x2)
	info := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		info.SetVec(i, omega*t1.AtVec(i)+(1-omega)*t2.AtVec(i))
	}
	xf := mat.NewVecDense(n, nil)
	xf.MulVec(pf, info)

	out := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			out.Set(i, j, pf.At(i, j))
		}
	}
	return xf, out, omega, nil
}
