package filter

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

func testConfig() Config {
	return Config{
		StateDim:        6,
		Lags:            3,
		DTMs:            200,
		ProcessNoisePos: 1e-4,
		ProcessNoiseVel: 1e-4,
		InitVelVar:      1.0,
	}
}

func identityCov() [9]float64 {
	return [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}
}

func measCov(v float64) [9]float64 {
	return [9]float64{v, 0, 0, 0, v, 0, 0, 0, v}
}

// posCovDet returns the determinant of the head position covariance.
func posCovDet(f *Filter) float64 {
	c := f.PositionCov()
	return c[0]*(c[4]*c[8]-c[5]*c[7]) - c[1]*(c[3]*c[8]-c[5]*c[6]) + c[2]*(c[3]*c[7]-c[4]*c[6])
}

// TestOOSMConsistency runs scenario S1: three measurements on a
// constant-velocity trajectory, with the middle one arriving last. The
// out-of-order result must match the chronological one to within 10%.
func TestOOSMConsistency(t *testing.T) {
	t.Parallel()

	vel := [3]float64{1, 0, 0}
	r := measCov(0.01)

	// Chronological baseline: z(0.0), z(0.2), z(0.4).
	inOrder, err := New(testConfig(), [3]float64{0, 0, 0}, &vel, identityCov(), 0)
	require.NoError(t, err)
	require.NoError(t, inOrder.UpdateOOSM([3]float64{0, 0, 0}, r, 0))
	inOrder.AdvanceTo(200)
	require.NoError(t, inOrder.UpdateOOSM([3]float64{0.2, 0, 0}, r, 0))
	inOrder.AdvanceTo(400)
	require.NoError(t, inOrder.UpdateOOSM([3]float64{0.4, 0, 0}, r, 0))

	// OOSM: z(0.0), z(0.4), then z(0.2) at lag 1.
	oosm, err := New(testConfig(), [3]float64{0, 0, 0}, &vel, identityCov(), 0)
	require.NoError(t, err)
	require.NoError(t, oosm.UpdateOOSM([3]float64{0, 0, 0}, r, 0))
	oosm.AdvanceTo(400)
	require.NoError(t, oosm.UpdateOOSM([3]float64{0.4, 0, 0}, r, 0))
	lag, err := oosm.LagIndex(200)
	require.NoError(t, err)
	assert.Equal(t, 1, lag)
	require.NoError(t, oosm.UpdateOOSM([3]float64{0.2, 0, 0}, r, lag))

	pos := oosm.Position()
	assert.InDelta(t, 0.4, pos[0], 0.05)
	assert.InDelta(t, 0, pos[1], 0.05)

	// The OOSM covariance should be nearly as tight as the in-order
	// covariance: within 10% in determinant.
	detIn := posCovDet(inOrder)
	detOOSM := posCovDet(oosm)
	require.Greater(t, detIn, 0.0)
	ratio := detOOSM / detIn
	assert.Less(t, ratio, 1.10, "OOSM covariance more than 10%% looser than in-order")
	assert.Greater(t, ratio, 0.90, "OOSM covariance suspiciously tighter than in-order")
}

// TestJosephFormPreservesPSD exercises a long predict/update sequence
// and verifies the augmented covariance stays symmetric and positive
// semi-definite throughout (invariant 1).
func TestJosephFormPreservesPSD(t *testing.T) {
	t.Parallel()

	cfg := Config{
		StateDim:        9,
		Lags:            5,
		DTMs:            30,
		ProcessNoisePos: 0.01,
		ProcessNoiseVel: 0.05,
		ProcessNoiseAcc: 0.1,
		InitVelVar:      4.0,
		InitAccVar:      1.0,
	}
	f, err := New(cfg, [3]float64{10, -5, 2}, nil, identityCov(), 0)
	require.NoError(t, err)

	checkPSD := func(step int) {
		for i := 0; i < f.na; i++ {
			for j := i; j < f.na; j++ {
				require.InDelta(t, f.p.At(i, j), f.p.At(j, i), 1e-9, "asymmetry at step %d (%d,%d)", step, i, j)
			}
		}
		sym := mat.NewSymDense(f.na, nil)
		for i := 0; i < f.na; i++ {
			for j := i; j < f.na; j++ {
				sym.SetSym(i, j, f.p.At(i, j))
			}
		}
		var eig mat.EigenSym
		require.True(t, eig.Factorize(sym, false))
		for _, v := range eig.Values(nil) {
			require.GreaterOrEqual(t, v, -1e-8, "negative eigenvalue at step %d", step)
		}
	}

	meas := [][3]float64{
		{10.2, -5.1, 2.0}, {10.5, -4.9, 2.1}, {10.9, -4.6, 2.0},
		{11.1, -4.4, 1.9}, {11.6, -4.1, 2.2}, {11.8, -3.8, 2.1},
	}
	tMs := int64(0)
	for step, z := range meas {
		tMs += 30
		f.AdvanceTo(tMs)
		lag := 0
		if step%3 == 2 && f.steps >= 2 {
			lag = 2 // periodically deliver late
		}
		require.NoError(t, f.UpdateOOSM(z, measCov(0.5), lag))
		checkPSD(step)
	}
}

func TestRejectionLeavesStateUnchanged(t *testing.T) {
	t.Parallel()

	newFilter := func(t *testing.T) *Filter {
		f, err := New(testConfig(), [3]float64{1, 2, 3}, nil, identityCov(), 0)
		require.NoError(t, err)
		f.AdvanceTo(600)
		return f
	}

	snapshot := func(f *Filter) ([]float64, []float64) {
		x := make([]float64, f.na)
		p := make([]float64, f.na*f.na)
		for i := 0; i < f.na; i++ {
			x[i] = f.x.AtVec(i)
			for j := 0; j < f.na; j++ {
				p[i*f.na+j] = f.p.At(i, j)
			}
		}
		return x, p
	}

	t.Run("lag beyond window", func(t *testing.T) {
		t.Parallel()
		f := newFilter(t)
		x0, p0 := snapshot(f)
		err := f.UpdateOOSM([3]float64{0, 0, 0}, measCov(0.1), f.lags+1)
		assert.ErrorIs(t, err, ErrLagOutOfRange)
		x1, p1 := snapshot(f)
		assert.Equal(t, x0, x1)
		assert.Equal(t, p0, p1)
	})

	t.Run("non-finite measurement", func(t *testing.T) {
		t.Parallel()
		f := newFilter(t)
		x0, _ := snapshot(f)
		err := f.UpdateOOSM([3]float64{math.NaN(), 0, 0}, measCov(0.1), 0)
		assert.ErrorIs(t, err, ErrNonFinite)
		x1, _ := snapshot(f)
		assert.Equal(t, x0, x1)
	})

	t.Run("singular innovation", func(t *testing.T) {
		t.Parallel()
		f, err := New(testConfig(), [3]float64{0, 0, 0}, nil, [9]float64{}, 0)
		require.NoError(t, err)
		x0, p0 := snapshot(f)
		err = f.UpdateOOSM([3]float64{1, 1, 1}, [9]float64{}, 0)
		assert.ErrorIs(t, err, ErrSingularInnovation)
		x1, p1 := snapshot(f)
		assert.Equal(t, x0, x1)
		assert.Equal(t, p0, p1)
	})
}

func TestLagIndexMapping(t *testing.T) {
	t.Parallel()

	f, err := New(testConfig(), [3]float64{0, 0, 0}, nil, identityCov(), 0)
	require.NoError(t, err)
	f.AdvanceTo(600) // three committed steps, head at 600ms

	cases := []struct {
		tMs  int64
		want int
	}{
		{600, 0},
		{510, 0}, // rounds to nearest slot
		{400, 1},
		{200, 2},
		{0, 3},
	}
	for _, tc := range cases {
		lag, err := f.LagIndex(tc.tMs)
		require.NoError(t, err, "t=%d", tc.tMs)
		assert.Equal(t, tc.want, lag, "t=%d", tc.tMs)
	}

	_, err = f.LagIndex(-200) // older than the window
	assert.ErrorIs(t, err, ErrLagOutOfRange)

	_, err = f.LagIndex(900) // ahead of the head
	assert.ErrorIs(t, err, ErrLagOutOfRange)
}

func TestPredictedAtProjectsForward(t *testing.T) {
	t.Parallel()

	vel := [3]float64{2, 0, 0}
	f, err := New(testConfig(), [3]float64{0, 0, 0}, &vel, measCov(0.01), 0)
	require.NoError(t, err)

	pred := f.PredictedAt(1000)
	assert.InDelta(t, 2.0, pred.Pos[0], 1e-9)

	// Scratch projection must not move the filter.
	assert.Equal(t, int64(0), f.HeadMs())
	assert.InDelta(t, 0.0, f.Position()[0], 1e-12)

	// Covariance grows with the projection horizon.
	near := f.PredictedAt(100)
	far := f.PredictedAt(2000)
	assert.Greater(t, far.PosCov[0], near.PosCov[0])
}

func TestConfigValidation(t *testing.T) {
	t.Parallel()

	bad := []Config{
		{StateDim: 0, Lags: 1, DTMs: 30},
		{StateDim: 4, Lags: 1, DTMs: 30},
		{StateDim: 12, Lags: 1, DTMs: 30},
		{StateDim: 9, Lags: -1, DTMs: 30},
		{StateDim: 9, Lags: 1, DTMs: 0},
		{StateDim: 9, Lags: 1, DTMs: 30, ProcessNoisePos: math.NaN()},
	}
	for _, cfg := range bad {
		_, err := New(cfg, [3]float64{0, 0, 0}, nil, identityCov(), 0)
		assert.Error(t, err, "%+v", cfg)
	}
}
