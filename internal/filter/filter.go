// Package filter implements the augmented-state extended Kalman filter
// used for per-track state estimation under delayed, out-of-order
// measurements. The state vector concatenates the current kinematic
// state with the last L lagged copies of it; a measurement whose true
// reference time falls inside the lag window updates the matching lag
// block directly, with no rewind of intermediate states.
package filter

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Update rejection reasons. The filter state is unchanged whenever one
// of these is returned.
var (
	ErrSingularInnovation = errors.New("singular innovation covariance")
	ErrLagOutOfRange      = errors.New("lag index outside window")
	ErrNonFinite          = errors.New("non-finite input")
)

// Config holds the construction-time parameters of a filter. The
// augmented-state matrices are preallocated from these at construction;
// an update allocates only its 3×3 innovation covariance and its
// factorization.
type Config struct {
	// StateDim is the base physical state dimension n; a multiple of 3
	// (position, then optionally velocity, then acceleration, per axis).
	StateDim int
	// Lags is the number of retained past states L.
	Lags int
	// DTMs is the lag slot width in milliseconds.
	DTMs int64
	// ProcessNoise holds the per-axis-group process noise variances:
	// position, velocity, acceleration. Scaled by dt on each predict.
	ProcessNoisePos float64
	ProcessNoiseVel float64
	ProcessNoiseAcc float64
	// InitVelVar and InitAccVar seed the covariance of unobserved
	// derivative states at creation.
	InitVelVar float64
	InitAccVar float64
}

// Validate checks configuration before any state is allocated.
func (c Config) Validate() error {
	if c.StateDim <= 0 || c.StateDim%3 != 0 || c.StateDim > 9 {
		return fmt.Errorf("state dim must be 3, 6, or 9, got %d", c.StateDim)
	}
	if c.Lags < 0 {
		return fmt.Errorf("lag count must be >= 0, got %d", c.Lags)
	}
	if c.DTMs <= 0 {
		return fmt.Errorf("dt must be positive, got %dms", c.DTMs)
	}
	for _, v := range []float64{c.ProcessNoisePos, c.ProcessNoiseVel, c.ProcessNoiseAcc, c.InitVelVar, c.InitAccVar} {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("noise parameters must be finite and non-negative")
		}
	}
	return nil
}

// Filter is an augmented-state EKF instance. It is not safe for
// concurrent use; the tracking engine owns each instance under its
// single-writer discipline.
type Filter struct {
	n    int // base state dimension
	lags int // L
	na   int // n*(L+1)

	dtMs   int64
	dtSec  float64
	headMs int64 // timestamp of the head (current) block
	steps  int   // committed predict steps since creation, capped at lags

	cfg Config

	x *mat.VecDense // augmented state, length na
	p *mat.Dense    // augmented covariance, na×na

	// Preallocated scratch.
	faug  *mat.Dense
	tmpA  *mat.Dense // na×na
	tmpB  *mat.Dense // na×na
	xTmp  *mat.VecDense
	kGain *mat.Dense // na×3
	kT    *mat.Dense // 3×na
	pht   *mat.Dense // na×3
	ikh   *mat.Dense // na×na
}

// New constructs a filter from an initial position measurement: the
// head block holds the position (and optional velocity); lag blocks are
// seeded as copies with independent covariance and become meaningful as
// predictions shift history into them.
func New(cfg Config, pos [3]float64, vel *[3]float64, posCov [9]float64, tMs int64) (*Filter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	for _, v := range pos {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: initial position", ErrNonFinite)
		}
	}

	n := cfg.StateDim
	na := n * (cfg.Lags + 1)
	f := &Filter{
		n:     n,
		lags:  cfg.Lags,
		na:    na,
		dtMs:  cfg.DTMs,
		dtSec: float64(cfg.DTMs) / 1000.0,
		cfg:   cfg,

		headMs: tMs,

		x:     mat.NewVecDense(na, nil),
		p:     mat.NewDense(na, na, nil),
		faug:  mat.NewDense(na, na, nil),
		tmpA:  mat.NewDense(na, na, nil),
		tmpB:  mat.NewDense(na, na, nil),
		xTmp:  mat.NewVecDense(na, nil),
		kGain: mat.NewDense(na, 3, nil),
		kT:    mat.NewDense(3, na, nil),
		pht:   mat.NewDense(na, 3, nil),
		ikh:   mat.NewDense(na, na, nil),
	}

	// Seed every block with the same state so early lag references are
	// at least consistent; their covariance keeps them from being
	// trusted before history exists.
	for b := 0; b <= cfg.Lags; b++ {
		base := b * n
		for i := 0; i < 3; i++ {
			f.x.SetVec(base+i, pos[i])
		}
		if vel != nil && n >= 6 {
			for i := 0; i < 3; i++ {
				f.x.SetVec(base+3+i, vel[i])
			}
		}
		for i := 0; i < 3; i++ {
			for j := 0; j < 3; j++ {
				f.p.Set(base+i, base+j, posCov[i*3+j])
			}
		}
		for i := 3; i < n; i++ {
			if i < 6 {
				f.p.Set(base+i, base+i, cfg.InitVelVar)
			} else {
				f.p.Set(base+i, base+i, cfg.InitAccVar)
			}
		}
	}
	return f, nil
}

// StateDim returns the base state dimension n.
func (f *Filter) StateDim() int { return f.n }

// Lags returns the configured lag depth L.
func (f *Filter) Lags() int { return f.lags }

// HeadMs returns the timestamp of the current head estimate.
func (f *Filter) HeadMs() int64 { return f.headMs }

// WindowMs returns the usable lag window width in milliseconds.
func (f *Filter) WindowMs() int64 { return int64(f.lags) * f.dtMs }

// baseTransition writes the n×n kinematic transition for dt seconds
// into the top-left of dst: position integrates velocity, velocity
// integrates acceleration.
func (f *Filter) baseTransition(dst *mat.Dense, dt float64) {
	n := f.n
	for i := 0; i < n; i++ {
		dst.Set(i, i, 1)
	}
	for i := 0; i+3 < n; i++ {
		dst.Set(i, i+3, dt)
	}
	for i := 0; i+6 < n; i++ {
		dst.Set(i, i+6, 0.5*dt*dt)
	}
}

// buildAugmentedTransition fills f.faug with the block matrix that
// advances the head by dt and shifts each lag block down one slot
// (dropping the oldest).
func (f *Filter) buildAugmentedTransition(dt float64) {
	f.faug.Zero()
	f.baseTransition(f.faug, dt)
	n := f.n
	for b := 1; b <= f.lags; b++ {
		for i := 0; i < n; i++ {
			f.faug.Set(b*n+i, (b-1)*n+i, 1)
		}
	}
}

// processNoiseAt returns the process noise variance for state index i
// within a block.
func (f *Filter) processNoiseAt(i int) float64 {
	switch {
	case i < 3:
		return f.cfg.ProcessNoisePos
	case i < 6:
		return f.cfg.ProcessNoiseVel
	default:
		return f.cfg.ProcessNoiseAcc
	}
}

// Predict advances the filter one step of dt seconds: the augmented
// state shifts one slot (the oldest lag drops off), the head advances
// under the kinematic model, and the covariance propagates as
// Faug·P·Faugᵀ + Qaug with process noise scaled by dt.
func (f *Filter) Predict(dt float64) {
	if dt <= 0 || math.IsNaN(dt) || math.IsInf(dt, 0) {
		return
	}
	f.buildAugmentedTransition(dt)

	f.xTmp.MulVec(f.faug, f.x)
	f.x.CopyVec(f.xTmp)

	f.tmpA.Mul(f.faug, f.p)
	f.tmpB.Mul(f.tmpA, f.faug.T())
	f.p.Copy(f.tmpB)
	for i := 0; i < f.n; i++ {
		f.p.Set(i, i, f.p.At(i, i)+f.processNoiseAt(i)*dt)
	}

	if f.steps < f.lags {
		f.steps++
	}
}

// AdvanceTo commits whole dt-width predict steps until tMs is no more
// than half a slot ahead of the head, i.e. the head moves forward to the
// slot boundary nearest tMs. Partial slots are never committed so lag
// indices stay aligned to the slot grid.
func (f *Filter) AdvanceTo(tMs int64) {
	for tMs-f.headMs > f.dtMs/2 {
		f.Predict(f.dtSec)
		f.headMs += f.dtMs
	}
}

// LagIndex maps a measurement timestamp to its lag slot, rounding to
// the nearest slot boundary. It returns ErrLagOutOfRange for
// measurements older than the usable window (bounded both by L and by
// how much history has actually accumulated) and for timestamps more
// than half a slot ahead of the head.
func (f *Filter) LagIndex(tMs int64) (int, error) {
	delta := f.headMs - tMs
	if delta < -f.dtMs/2 {
		return 0, fmt.Errorf("%w: measurement is ahead of the filter head", ErrLagOutOfRange)
	}
	lag := int((delta + f.dtMs/2) / f.dtMs)
	if lag < 0 {
		lag = 0
	}
	if lag > f.lags || lag > f.steps {
		return 0, fmt.Errorf("%w: lag %d exceeds usable window %d", ErrLagOutOfRange, lag, min(f.lags, f.steps))
	}
	return lag, nil
}

// UpdateOOSM applies a position measurement at the given lag slot using
// the augmented measurement model (observation block at lag j, zero
// elsewhere) and a Joseph-form covariance update. On any rejection the
// filter state is unchanged.
func (f *Filter) UpdateOOSM(z [3]float64, rCov [9]float64, lag int) error {
	if lag < 0 || lag > f.lags || lag > f.steps {
		return fmt.Errorf("%w: lag %d", ErrLagOutOfRange, lag)
	}
	for _, v := range z {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: measurement", ErrNonFinite)
		}
	}
	for _, v := range rCov {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: measurement covariance", ErrNonFinite)
		}
	}

	base := lag * f.n

	// Innovation covariance S = H·P·Hᵀ + R, where H selects the three
	// position rows of block `lag`.
	s := mat.NewSymDense(3, nil)
	for i := 0; i < 3; i++ {
		for j := i; j < 3; j++ {
			v := 0.5*(f.p.At(base+i, base+j)+f.p.At(base+j, base+i)) + 0.5*(rCov[i*3+j]+rCov[j*3+i])
			s.SetSym(i, j, v)
		}
	}

	var chol mat.Cholesky
	if ok := chol.Factorize(s); !ok {
		return ErrSingularInnovation
	}

	// P·Hᵀ is the three covariance columns of the lag block.
	for i := 0; i < f.na; i++ {
		for j := 0; j < 3; j++ {
			f.pht.Set(i, j, f.p.At(i, base+j))
		}
	}

	// K = P·Hᵀ·S⁻¹, computed via S·Kᵀ = (P·Hᵀ)ᵀ.
	if err := chol.SolveTo(f.kT, f.pht.T()); err != nil {
		return ErrSingularInnovation
	}
	f.kGain.Copy(f.kT.T())

	// Innovation ν = z − H·x.
	var nu [3]float64
	for i := 0; i < 3; i++ {
		nu[i] = z[i] - f.x.AtVec(base+i)
	}

	// Candidate state: x + K·ν.
	f.xTmp.CopyVec(f.x)
	for i := 0; i < f.na; i++ {
		f.xTmp.SetVec(i, f.xTmp.AtVec(i)+f.kGain.At(i, 0)*nu[0]+f.kGain.At(i, 1)*nu[1]+f.kGain.At(i, 2)*nu[2])
	}

	// Joseph form: P ← (I−KH)·P·(I−KH)ᵀ + K·R·Kᵀ. It preserves
	// symmetry and positive semi-definiteness under roundoff, which the
	// plain (I−KH)·P form does not.
	f.ikh.Zero()
	for i := 0; i < f.na; i++ {
		f.ikh.Set(i, i, 1)
	}
	for i := 0; i < f.na; i++ {
		for r := 0; r < 3; r++ {
			f.ikh.Set(i, base+r, f.ikh.At(i, base+r)-f.kGain.At(i, r))
		}
	}

	f.tmpA.Mul(f.ikh, f.p)
	f.tmpB.Mul(f.tmpA, f.ikh.T())

	// K·R·Kᵀ, accumulated directly (R is 3×3).
	for i := 0; i < f.na; i++ {
		var kr [3]float64
		for c := 0; c < 3; c++ {
			kr[c] = f.kGain.At(i, 0)*rCov[0*3+c] + f.kGain.At(i, 1)*rCov[1*3+c] + f.kGain.At(i, 2)*rCov[2*3+c]
		}
		for j := 0; j < f.na; j++ {
			v := kr[0]*f.kGain.At(j, 0) + kr[1]*f.kGain.At(j, 1) + kr[2]*f.kGain.At(j, 2)
			f.tmpB.Set(i, j, f.tmpB.At(i, j)+v)
		}
	}

	// Reject rather than commit a non-finite result.
	for i := 0; i < f.na; i++ {
		if v := f.xTmp.AtVec(i); math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: update produced non-finite state", ErrNonFinite)
		}
	}

	f.x.CopyVec(f.xTmp)
	// Commit with explicit symmetrization.
	for i := 0; i < f.na; i++ {
		for j := i; j < f.na; j++ {
			v := 0.5 * (f.tmpB.At(i, j) + f.tmpB.At(j, i))
			f.p.Set(i, j, v)
			f.p.Set(j, i, v)
		}
	}
	return nil
}

// Position returns the head position estimate.
func (f *Filter) Position() [3]float64 {
	return [3]float64{f.x.AtVec(0), f.x.AtVec(1), f.x.AtVec(2)}
}

// Velocity returns the head velocity estimate (zero for a
// position-only state).
func (f *Filter) Velocity() [3]float64 {
	if f.n < 6 {
		return [3]float64{}
	}
	return [3]float64{f.x.AtVec(3), f.x.AtVec(4), f.x.AtVec(5)}
}

// PositionCov returns the head 3×3 position covariance, row-major.
func (f *Filter) PositionCov() [9]float64 {
	var out [9]float64
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i*3+j] = f.p.At(i, j)
		}
	}
	return out
}

// VelocityCov returns the head 3×3 velocity covariance, row-major.
func (f *Filter) VelocityCov() [9]float64 {
	var out [9]float64
	if f.n < 6 {
		return out
	}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out[i*3+j] = f.p.At(3+i, 3+j)
		}
	}
	return out
}

// CurrentBlock returns copies of the head state block and its n×n
// covariance, for covariance-intersection fusion.
func (f *Filter) CurrentBlock() (*mat.VecDense, *mat.Dense) {
	x := mat.NewVecDense(f.n, nil)
	p := mat.NewDense(f.n, f.n, nil)
	for i := 0; i < f.n; i++ {
		x.SetVec(i, f.x.AtVec(i))
		for j := 0; j < f.n; j++ {
			p.Set(i, j, f.p.At(i, j))
		}
	}
	return x, p
}

// SetCurrent overwrites the head block with a fused estimate. Cross
// covariances between the head and the lag blocks are cleared: the
// fused estimate's correlation with stored history is unknown, and a
// block-diagonal write is the conservative choice that keeps the
// augmented matrix positive semi-definite.
func (f *Filter) SetCurrent(x *mat.VecDense, p *mat.Dense) error {
	if x.Len() != f.n {
		return fmt.Errorf("state length %d != %d", x.Len(), f.n)
	}
	r, c := p.Dims()
	if r != f.n || c != f.n {
		return fmt.Errorf("covariance dims %dx%d != %dx%d", r, c, f.n, f.n)
	}
	for i := 0; i < f.n; i++ {
		if v := x.AtVec(i); math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: fused state", ErrNonFinite)
		}
	}
	for i := 0; i < f.n; i++ {
		f.x.SetVec(i, x.AtVec(i))
		for j := 0; j < f.n; j++ {
			f.p.Set(i, j, 0.5*(p.At(i, j)+p.At(j, i)))
		}
		for j := f.n; j < f.na; j++ {
			f.p.Set(i, j, 0)
			f.p.Set(j, i, 0)
		}
	}
	return nil
}

// Prediction is a scratch forward projection of the head block.
type Prediction struct {
	Pos    [3]float64
	Vel    [3]float64
	PosCov [9]float64
}

// PredictedAt projects the head estimate forward to tMs without
// committing, stepping the n×n head block in dt-sized increments plus a
// final partial step. Used for gating against observations newer than
// the head; tMs at or before the head returns the head estimate.
func (f *Filter) PredictedAt(tMs int64) Prediction {
	n := f.n
	x := make([]float64, n)
	for i := 0; i < n; i++ {
		x[i] = f.x.AtVec(i)
	}
	p := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			p.Set(i, j, f.p.At(i, j))
		}
	}

	remainMs := tMs - f.headMs
	for remainMs > 0 {
		stepMs := f.dtMs
		if remainMs < stepMs {
			stepMs = remainMs
		}
		dt := float64(stepMs) / 1000.0
		stepState(x, dt, n)
		stepCov(p, dt, n, f)
		remainMs -= stepMs
	}

	var out Prediction
	copy(out.Pos[:], x[:3])
	if n >= 6 {
		copy(out.Vel[:], x[3:6])
	}
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			out.PosCov[i*3+j] = p.At(i, j)
		}
	}
	return out
}

// stepState advances a bare kinematic state by dt in place.
func stepState(x []float64, dt float64, n int) {
	for i := 0; i+3 < n; i++ {
		x[i] += x[i+3] * dt
	}
	for i := 0; i+6 < n; i++ {
		x[i] += 0.5 * dt * dt * x[i+6]
	}
}

// stepCov propagates an n×n covariance by F·P·Fᵀ + Q·dt in place.
func stepCov(p *mat.Dense, dt float64, n int, f *Filter) {
	fm := mat.NewDense(n, n, nil)
	for i := 0; i < n; i++ {
		fm.Set(i, i, 1)
	}
	for i := 0; i+3 < n; i++ {
		fm.Set(i, i+3, dt)
	}
	for i := 0; i+6 < n; i++ {
		fm.Set(i, i+6, 0.5*dt*dt)
	}
	var t1, t2 mat.Dense
	t1.Mul(fm, p)
	t2.Mul(&t1, fm.T())
	p.Copy(&t2)
	for i := 0; i < n; i++ {
		p.Set(i, i, p.At(i, i)+f.processNoiseAt(i)*dt)
	}
}

// IsFinite reports whether the head state and covariance are finite.
// Tracks whose filters go non-finite are retired by the tracking
// engine.
func (f *Filter) IsFinite() bool {
	for i := 0; i < f.n; i++ {
		if v := f.x.AtVec(i); math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
		if v := f.p.At(i, i); math.IsNaN(v) || math.IsInf(v, 0) {
			return false
		}
	}
	return true
}
