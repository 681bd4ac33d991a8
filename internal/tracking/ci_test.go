package tracking

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func vec(vals ...float64) *mat.VecDense {
	return mat.NewVecDense(len(vals), vals)
}

func diag(vals ...float64) *mat.Dense {
	n := len(vals)
	d := mat.NewDense(n, n, nil)
	for i, v := range vals {
		d.Set(i, i, v)
	}
	return d
}

// eigMin returns the smallest eigenvalue of a symmetric matrix given as
// a Dense.
func eigMin(t *testing.T, d *mat.Dense) float64 {
	t.Helper()
	n, _ := d.Dims()
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			sym.SetSym(i, j, 0.5*(d.At(i, j)+d.At(j, i)))
		}
	}
	var eig mat.EigenSym
	require.True(t, eig.Factorize(sym, false))
	vals := eig.Values(nil)
	min := vals[0]
	for _, v := range vals {
		if v < min {
			min = v
		}
	}
	return min
}

func traceDense(d *mat.Dense) float64 {
	n, _ := d.Dims()
	s := 0.0
	for i := 0; i < n; i++ {
		s += d.At(i, i)
	}
	return s
}

func TestFuseCIConservative(t *testing.T) {
	t.Parallel()

	x1 := vec(0, 0, 0)
	p1 := diag(1, 1, 4)
	x2 := vec(1, 0, 0)
	p2 := diag(4, 4, 1)

	xf, pf, omega, err := FuseCI(x1, p1, x2, p2, 1e-4)
	require.NoError(t, err)
	require.NotNil(t, xf)

	// Property 6: fused covariance is PSD.
	assert.GreaterOrEqual(t, eigMin(t, pf), -1e-9)

	// Löwner bound: P1/ω − Pf ⪰ 0 for the optimizing ω.
	if omega > 1e-6 {
		n, _ := p1.Dims()
		diff := mat.NewDense(n, n, nil)
		for i := 0; i < n; i++ {
			for j := 0; j < n; j++ {
				diff.Set(i, j, p1.At(i, j)/omega-pf.At(i, j))
			}
		}
		assert.GreaterOrEqual(t, eigMin(t, diff), -1e-6)
	}

	// The optimized trace never exceeds either input's trace (endpoints
	// ω=0 and ω=1 reproduce the inputs exactly).
	assert.LessOrEqual(t, traceDense(pf), traceDense(p1)+1e-9)
	assert.LessOrEqual(t, traceDense(pf), traceDense(p2)+1e-9)
}

func TestFuseCIEqualInputs(t *testing.T) {
	t.Parallel()

	// With identical covariances CI returns the common covariance for
	// any ω; the fused mean interpolates the two means.
	x1 := vec(0, 0, 0)
	x2 := vec(2, 0, 0)
	p := diag(1, 1, 1)

	xf, pf, _, err := FuseCI(x1, p, x2, diag(1, 1, 1), 1e-4)
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		assert.InDelta(t, p.At(i, i), pf.At(i, i), 1e-6)
	}
	assert.GreaterOrEqual(t, xf.AtVec(0), 0.0)
	assert.LessOrEqual(t, xf.AtVec(0), 2.0)
}

func TestFuseCICommutative(t *testing.T) {
	t.Parallel()

	x1 := vec(1, 2, 3)
	p1 := diag(2, 1, 0.5)
	x2 := vec(1.5, 2.2, 2.8)
	p2 := diag(0.5, 1, 2)

	xa, pa, _, err := FuseCI(x1, p1, x2, p2, 1e-6)
	require.NoError(t, err)
	xb, pb, _, err := FuseCI(x2, p2, x1, p1, 1e-6)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		assert.InDelta(t, xa.AtVec(i), xb.AtVec(i), 1e-3)
		assert.InDelta(t, pa.At(i, i), pb.At(i, i), 1e-3)
	}
}

func TestFuseCIDominantInput(t *testing.T) {
	t.Parallel()

	// A hugely uncertain second estimate contributes nothing: the
	// optimum sits at ω=1 and the fused result is the first input.
	x1 := vec(0, 0, 0)
	p1 := diag(1, 1, 1)
	x2 := vec(50, 50, 50)
	p2 := diag(1e9, 1e9, 1e9)

	xf, pf, omega, err := FuseCI(x1, p1, x2, p2, 1e-4)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, omega, 1e-3)
	for i := 0; i < 3; i++ {
		assert.InDelta(t, 0.0, xf.AtVec(i), 1e-3)
		assert.InDelta(t, 1.0, pf.At(i, i), 1e-3)
	}
}

func TestFuseCIRejectsSingular(t *testing.T) {
	t.Parallel()

	x := vec(0, 0, 0)
	_, _, _, err := FuseCI(x, diag(0, 0, 0), x, diag(1, 1, 1), 1e-4)
	assert.ErrorIs(t, err, ErrNotInvertible)
}
