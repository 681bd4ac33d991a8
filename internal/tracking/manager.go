// Package tracking maintains the fused track table: data association,
// OOSM-vs-covariance-intersection dispatch, Highlander identity
// merging, spatial re-indexing, and retirement. All mutation funnels
// through a single writer; readers get immutable snapshots.
package tracking

import (
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"gonum.org/v1/gonum/mat"

	"github.com/Galanafai/Hivemind/internal/config"
	"github.com/Galanafai/Hivemind/internal/filter"
	"github.com/Galanafai/Hivemind/internal/geodesy"
	"github.com/Galanafai/Hivemind/internal/packet"
	"github.com/Galanafai/Hivemind/internal/spatial"
	"github.com/Galanafai/Hivemind/internal/telemetry"
)

// Internal numerical stability constants — not user-tunable.
const (
	// minDeterminant is the minimum determinant for innovation
	// covariance inversion during gating.
	minDeterminant = 1e-12
	// singularDistance is the distance returned when the innovation
	// covariance is singular; it always fails the gate.
	singularDistance = 1e9
	// unobservedVariance pads unobserved state components when an
	// observation is lifted to full state dimension for fusion.
	unobservedVariance = 1e6
)

// ErrStaleObservation marks an observation older than the filter's lag
// window at arrival time.
var ErrStaleObservation = errors.New("stale observation")

// Config holds the tracking engine parameters.
type Config struct {
	Filter               filter.Config
	DefaultMeasNoise     float64
	GateRadiusM          float64
	MahalanobisThreshold float64
	RetirementThreshold  time.Duration
	MaxAdmissibleLatency time.Duration
	CIOmegaTolerance     float64
	HexResolution        int
	AltitudeBucketM      float64
}

// ConfigFromTuning builds a tracking Config from a loaded TuningConfig.
func ConfigFromTuning(cfg *config.TuningConfig) Config {
	return Config{
		Filter: filter.Config{
			StateDim:        cfg.GetFilterStateDim(),
			Lags:            cfg.GetFilterLagCount(),
			DTMs:            cfg.GetFilterDT().Milliseconds(),
			ProcessNoisePos: cfg.GetProcessNoisePos(),
			ProcessNoiseVel: cfg.GetProcessNoiseVel(),
			ProcessNoiseAcc: cfg.GetProcessNoiseAcc(),
			InitVelVar:      cfg.GetInitVelVar(),
			InitAccVar:      cfg.GetInitAccVar(),
		},
		DefaultMeasNoise:     cfg.GetDefaultMeasNoise(),
		GateRadiusM:          cfg.GetGateRadiusM(),
		MahalanobisThreshold: cfg.GetMahalanobisThreshold(),
		RetirementThreshold:  cfg.GetRetirementThreshold(),
		MaxAdmissibleLatency: cfg.GetMaxAdmissibleLatency(),
		CIOmegaTolerance:     cfg.GetCIOmegaTolerance(),
		HexResolution:        cfg.GetHexResolution(),
		AltitudeBucketM:      cfg.GetAltitudeBucketM(),
	}
}

// AuditSink receives the final snapshot of every retired track.
type AuditSink interface {
	SaveRetired(snap Snapshot, reason string) error
}

// Manager owns the track table, the spatial index, and every track's
// filter. Process and ProcessBatch are the single-writer entry points.
type Manager struct {
	mu sync.RWMutex

	cfg     Config
	tracks  map[string]*Track // keyed by canonical id
	aliases map[string]string // any alias → canonical id
	index   *spatial.Index
	tel     *telemetry.Counters
	audit   AuditSink

	// nowMs is swappable for tests.
	nowMs func() int64
}

// NewManager constructs a tracking engine. audit may be nil.
func NewManager(cfg Config, tel *telemetry.Counters, audit AuditSink) (*Manager, error) {
	if err := cfg.Filter.Validate(); err != nil {
		return nil, fmt.Errorf("filter config: %w", err)
	}
	if cfg.GateRadiusM <= 0 {
		return nil, fmt.Errorf("gate radius must be positive, got %v", cfg.GateRadiusM)
	}
	if cfg.MahalanobisThreshold <= 0 {
		return nil, fmt.Errorf("mahalanobis threshold must be positive, got %v", cfg.MahalanobisThreshold)
	}
	if cfg.RetirementThreshold <= 0 {
		return nil, fmt.Errorf("retirement threshold must be positive, got %v", cfg.RetirementThreshold)
	}
	if cfg.MaxAdmissibleLatency <= 0 {
		return nil, fmt.Errorf("max admissible latency must be positive, got %v", cfg.MaxAdmissibleLatency)
	}
	ix, err := spatial.NewIndex(cfg.HexResolution, cfg.AltitudeBucketM)
	if err != nil {
		return nil, err
	}
	if tel == nil {
		tel = telemetry.NewCounters()
	}
	return &Manager{
		cfg:     cfg,
		tracks:  make(map[string]*Track),
		aliases: make(map[string]string),
		index:   ix,
		tel:     tel,
		audit:   audit,
		nowMs:   func() int64 { return time.Now().UnixMilli() },
	}, nil
}

// SetClock overrides the manager's clock; used by tests and replay.
func (m *Manager) SetClock(nowMs func() int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nowMs = nowMs
}

// Process routes one admitted observation: staleness gate, spatial
// gate, statistical gate, fuse-or-create, identity merge, re-index.
func (m *Manager) Process(obs *packet.Observation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.process(obs)
}

// ProcessBatch routes a batch of admitted observations that arrived
// together, using globally optimal assignment over the union of their
// spatial candidates instead of greedy per-observation matching.
func (m *Manager) ProcessBatch(batch []*packet.Observation) {
	if len(batch) == 0 {
		return
	}
	if len(batch) == 1 {
		_ = m.Process(batch[0])
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tel.BatchAssignRuns.Add(1)

	// Pre-gate each observation.
	kept := make([]*packet.Observation, 0, len(batch))
	for _, obs := range batch {
		if err := m.gateArrival(obs); err == nil {
			kept = append(kept, obs)
		}
	}
	if len(kept) == 0 {
		return
	}

	// Union of candidate tracks across the batch, in deterministic order.
	trackSet := make(map[string]struct{})
	for _, obs := range kept {
		for _, id := range m.index.QueryRadius(obs.Geodetic(), m.cfg.GateRadiusM) {
			trackSet[id] = struct{}{}
		}
	}
	trackIDs := make([]string, 0, len(trackSet))
	for id := range trackSet {
		if _, ok := m.tracks[id]; !ok {
			m.tel.Record(telemetry.KindIndexInconsistency, id)
			m.index.Remove(id)
			continue
		}
		trackIDs = append(trackIDs, id)
	}
	sort.Strings(trackIDs)

	cost := make([][]float64, len(kept))
	for i, obs := range kept {
		cost[i] = make([]float64, len(trackIDs))
		for j, id := range trackIDs {
			d2 := m.gateDistance(m.tracks[id], obs)
			if d2 > m.cfg.MahalanobisThreshold {
				cost[i][j] = forbiddenCost
			} else {
				cost[i][j] = d2
			}
		}
	}

	assign := hungarianAssign(cost)
	for i, obs := range kept {
		if assign[i] >= 0 {
			m.fuseInto(m.tracks[trackIDs[assign[i]]], obs)
		} else {
			m.routeUnmatched(obs)
		}
	}
}

// gateArrival applies the staleness and finiteness gates.
func (m *Manager) gateArrival(obs *packet.Observation) error {
	now := m.nowMs()
	lagMs := now - obs.TimestampMs
	if lagMs > m.cfg.MaxAdmissibleLatency.Milliseconds() {
		m.tel.Record(telemetry.KindStaleObservation, obs.ID)
		return fmt.Errorf("%w: %s lag %dms", ErrStaleObservation, obs.ID, lagMs)
	}
	if !obs.Geodetic().IsFinite() {
		m.tel.Record(telemetry.KindNonFiniteInput, obs.ID)
		return fmt.Errorf("%w: observation position", filter.ErrNonFinite)
	}
	return nil
}

func (m *Manager) process(obs *packet.Observation) error {
	if err := m.gateArrival(obs); err != nil {
		return err
	}

	best := m.bestCandidate(obs)
	if best == nil {
		m.routeUnmatched(obs)
		return nil
	}
	return m.fuseInto(best, obs)
}

// routeUnmatched handles an observation that gated into no track: if
// its identifier is already an alias of a live track the two refer to
// the same entity and we fuse regardless of the spatial miss; otherwise
// it seeds a new track.
func (m *Manager) routeUnmatched(obs *packet.Observation) {
	if canonical, ok := m.aliases[obs.ID]; ok {
		if t, ok := m.tracks[canonical]; ok {
			_ = m.fuseInto(t, obs)
			return
		}
	}
	m.createTrack(obs)
}

// bestCandidate returns the gated candidate with the minimum
// Mahalanobis distance, breaking ties deterministically by most recent
// update then smallest canonical id.
func (m *Manager) bestCandidate(obs *packet.Observation) *Track {
	ids := m.index.QueryRadius(obs.Geodetic(), m.cfg.GateRadiusM)
	sort.Strings(ids) // deterministic iteration regardless of index order

	var best *Track
	bestD2 := math.Inf(1)
	for _, id := range ids {
		t, ok := m.tracks[id]
		if !ok {
			// Index handle refers to a missing track: repair by removing.
			m.tel.Record(telemetry.KindIndexInconsistency, id)
			log.Printf("[tracking] index handle %s has no track; removing", id)
			m.index.Remove(id)
			continue
		}
		d2 := m.gateDistance(t, obs)
		if d2 > m.cfg.MahalanobisThreshold {
			continue
		}
		switch {
		case best == nil || d2 < bestD2:
			best, bestD2 = t, d2
		case d2 == bestD2:
			if t.LastUpdateMs > best.LastUpdateMs ||
				(t.LastUpdateMs == best.LastUpdateMs && t.CanonicalID < best.CanonicalID) {
				best = t
			}
		}
	}
	return best
}

// gateDistance computes the squared Mahalanobis distance between an
// observation and a track's estimate projected to the observation
// time, in the track's local ENU frame.
func (m *Manager) gateDistance(t *Track, obs *packet.Observation) float64 {
	pred := t.Filter.PredictedAt(obs.TimestampMs)
	z := geodesy.ENUOffset(t.Anchor, obs.Geodetic())

	var nu [3]float64
	for i := 0; i < 3; i++ {
		nu[i] = z[i] - pred.Pos[i]
	}

	// S = predicted covariance + observation covariance.
	var s [9]float64
	for i := 0; i < 9; i++ {
		s[i] = pred.PosCov[i] + obs.PositionCov[i]
	}
	inv, ok := invert3x3(s)
	if !ok {
		return singularDistance
	}

	d2 := 0.0
	for i := 0; i < 3; i++ {
		for j := 0; j < 3; j++ {
			d2 += nu[i] * inv[i*3+j] * nu[j]
		}
	}
	return d2
}

// invert3x3 inverts a row-major 3x3 matrix, rejecting near-singular
// determinants.
func invert3x3(a [9]float64) ([9]float64, bool) {
	var inv [9]float64
	c00 := a[4]*a[8] - a[5]*a[7]
	c01 := a[5]*a[6] - a[3]*a[8]
	c02 := a[3]*a[7] - a[4]*a[6]
	det := a[0]*c00 + a[1]*c01 + a[2]*c02
	if math.Abs(det) < minDeterminant || math.IsNaN(det) {
		return inv, false
	}
	invDet := 1.0 / det
	inv[0] = c00 * invDet
	inv[1] = (a[2]*a[7] - a[1]*a[8]) * invDet
	inv[2] = (a[1]*a[5] - a[2]*a[4]) * invDet
	inv[3] = c01 * invDet
	inv[4] = (a[0]*a[8] - a[2]*a[6]) * invDet
	inv[5] = (a[2]*a[3] - a[0]*a[5]) * invDet
	inv[6] = c02 * invDet
	inv[7] = (a[1]*a[6] - a[0]*a[7]) * invDet
	inv[8] = (a[0]*a[4] - a[1]*a[3]) * invDet
	return inv, true
}

// createTrack seeds a new track from an observation: fresh filter in an
// ENU frame anchored at the observation, singleton alias set.
func (m *Manager) createTrack(obs *packet.Observation) {
	now := m.nowMs()
	anchor := obs.Geodetic()

	f, err := filter.New(m.cfg.Filter, [3]float64{0, 0, 0}, obs.Velocity, obs.PositionCov, obs.TimestampMs)
	if err != nil {
		m.tel.Record(telemetry.KindNonFiniteInput, obs.ID)
		log.Printf("[tracking] cannot seed filter for %s: %v", obs.ID, err)
		return
	}

	t := &Track{
		CanonicalID:   obs.ID,
		Aliases:       map[string]struct{}{obs.ID: {}},
		Class:         obs.Class,
		Confidence:    obs.Confidence,
		Anchor:        anchor,
		Filter:        f,
		CreatedMs:     now,
		LastUpdateMs:  now,
		Agents:        map[string]struct{}{obs.AgentID: {}},
		lastOOSMAgent: obs.AgentID,
	}
	m.tracks[obs.ID] = t
	m.aliases[obs.ID] = obs.ID
	m.index.Upsert(obs.ID, anchor)
	m.tel.TracksCreated.Add(1)
}

// fuseInto updates track t with observation obs: OOSM when the
// observation comes from the track's most recent OOSM contributor,
// covariance intersection otherwise; then the identity merge and
// re-index steps.
func (m *Manager) fuseInto(t *Track, obs *packet.Observation) error {
	var fuseErr error
	if obs.AgentID == t.lastOOSMAgent {
		fuseErr = m.fuseOOSM(t, obs)
	} else {
		fuseErr = m.fuseCI(t, obs)
	}

	if fuseErr != nil {
		// Per-observation failure: the observation is dropped and the
		// track left exactly as it was.
		switch {
		case errors.Is(fuseErr, filter.ErrSingularInnovation), errors.Is(fuseErr, ErrNotInvertible):
			m.tel.Record(telemetry.KindSingularInnovation, obs.ID)
		case errors.Is(fuseErr, filter.ErrLagOutOfRange), errors.Is(fuseErr, ErrStaleObservation):
			m.tel.Record(telemetry.KindStaleObservation, obs.ID)
		default:
			m.tel.Record(telemetry.KindNonFiniteInput, obs.ID)
		}
		return fuseErr
	}
	m.tel.Fused.Add(1)

	if !t.Filter.IsFinite() {
		m.retireTrack(t, "divergence")
		m.tel.Record(telemetry.KindTrackDivergence, t.CanonicalID)
		return fuseErr
	}

	now := m.nowMs()
	t.LastUpdateMs = now
	t.Agents[obs.AgentID] = struct{}{}
	if obs.Confidence > t.Confidence {
		t.Confidence = obs.Confidence
	}

	t = m.mergeAlias(t, obs.ID)
	m.index.Upsert(t.CanonicalID, t.CurrentPosition())
	return fuseErr
}

// fuseOOSM applies a same-agent observation through the track filter's
// augmented-state update at the matching lag slot.
func (m *Manager) fuseOOSM(t *Track, obs *packet.Observation) error {
	t.Filter.AdvanceTo(obs.TimestampMs)
	lag, err := t.Filter.LagIndex(obs.TimestampMs)
	if err != nil {
		return err
	}
	z := geodesy.ENUOffset(t.Anchor, obs.Geodetic())
	if err := t.Filter.UpdateOOSM(z, obs.PositionCov, lag); err != nil {
		return err
	}
	t.lastOOSMAgent = obs.AgentID
	m.tel.OOSMUpdates.Add(1)
	return nil
}

// fuseCI fuses a different-agent observation into the track's current
// estimate by covariance intersection: the observation is lifted to
// full state dimension with large variance on unobserved components,
// fused, and written back.
func (m *Manager) fuseCI(t *Track, obs *packet.Observation) error {
	t.Filter.AdvanceTo(obs.TimestampMs)

	x1, p1 := t.Filter.CurrentBlock()
	n := t.Filter.StateDim()

	x2 := mat.NewVecDense(n, nil)
	p2 := mat.NewDense(n, n, nil)
	z := geodesy.ENUOffset(t.Anchor, obs.Geodetic())
	for i := 0; i < 3; i++ {
		x2.SetVec(i, z[i])
		for j := 0; j < 3; j++ {
			p2.Set(i, j, obs.PositionCov[i*3+j])
		}
	}
	if n >= 6 {
		if obs.Velocity != nil {
			for i := 0; i < 3; i++ {
				x2.SetVec(3+i, obs.Velocity[i])
			}
			if obs.VelocityCov != nil {
				for i := 0; i < 3; i++ {
					for j := 0; j < 3; j++ {
						p2.Set(3+i, 3+j, obs.VelocityCov[i*3+j])
					}
				}
			} else {
				for i := 3; i < 6; i++ {
					p2.Set(i, i, m.cfg.DefaultMeasNoise*100)
				}
			}
		} else {
			for i := 3; i < 6; i++ {
				p2.Set(i, i, unobservedVariance)
			}
		}
	}
	for i := 6; i < n; i++ {
		p2.Set(i, i, unobservedVariance)
	}

	xf, pf, _, err := FuseCI(x1, p1, x2, p2, m.cfg.CIOmegaTolerance)
	if err != nil {
		return filter.ErrSingularInnovation
	}
	if err := t.Filter.SetCurrent(xf, pf); err != nil {
		return err
	}
	m.tel.CIFusions.Add(1)
	return nil
}

// mergeAlias unions an observation identifier into the track's alias
// set and re-establishes the canonical id as the set minimum. If the
// identifier already belongs to a different live track, the two tracks
// describe the same physical entity and are merged. Returns the track
// that now owns the alias set.
func (m *Manager) mergeAlias(t *Track, obsID string) *Track {
	if other, ok := m.aliases[obsID]; ok && other != t.CanonicalID {
		if u, ok := m.tracks[other]; ok {
			t = m.mergeTracks(t, u)
		}
	}

	t.Aliases[obsID] = struct{}{}
	m.aliases[obsID] = t.CanonicalID
	m.rekeyIfNeeded(t)
	return t
}

// rekeyIfNeeded recomputes the canonical id (the alias-set minimum) and
// re-keys the track table, alias table, and spatial index when it
// changed. The canonical id never increases.
func (m *Manager) rekeyIfNeeded(t *Track) {
	minID := t.CanonicalID
	for a := range t.Aliases {
		if a < minID {
			minID = a
		}
	}
	if minID == t.CanonicalID {
		return
	}
	old := t.CanonicalID
	delete(m.tracks, old)
	m.index.Remove(old)
	t.CanonicalID = minID
	m.tracks[minID] = t
	for a := range t.Aliases {
		m.aliases[a] = minID
	}
	m.index.Upsert(minID, t.CurrentPosition())
}

// mergeTracks folds src into dst (returning the survivor): alias-set
// union, contributing-agent union, covariance intersection of the two
// estimates expressed in the survivor's frame.
func (m *Manager) mergeTracks(dst, src *Track) *Track {
	if dst == src {
		return dst
	}

	// Fuse src's estimate into dst's frame.
	x1, p1 := dst.Filter.CurrentBlock()
	x2s, p2 := src.Filter.CurrentBlock()
	n := dst.Filter.StateDim()
	x2 := mat.NewVecDense(n, nil)
	srcPos := src.CurrentPosition()
	z := geodesy.ENUOffset(dst.Anchor, srcPos)
	for i := 0; i < 3; i++ {
		x2.SetVec(i, z[i])
	}
	for i := 3; i < n; i++ {
		x2.SetVec(i, x2s.AtVec(i)) // velocity/acceleration are frame-parallel
	}
	if xf, pf, _, err := FuseCI(x1, p1, x2, p2, m.cfg.CIOmegaTolerance); err == nil {
		if err := dst.Filter.SetCurrent(xf, pf); err == nil {
			m.tel.CIFusions.Add(1)
		}
	}

	for a := range src.Aliases {
		dst.Aliases[a] = struct{}{}
		m.aliases[a] = dst.CanonicalID
	}
	for a := range src.Agents {
		dst.Agents[a] = struct{}{}
	}
	if src.LastUpdateMs > dst.LastUpdateMs {
		dst.LastUpdateMs = src.LastUpdateMs
	}
	if src.Confidence > dst.Confidence {
		dst.Confidence = src.Confidence
	}

	delete(m.tracks, src.CanonicalID)
	m.index.Remove(src.CanonicalID)
	m.tel.TracksMerged.Add(1)
	log.Printf("[tracking] merged track %s into %s (%d aliases)", src.CanonicalID, dst.CanonicalID, len(dst.Aliases))

	m.rekeyIfNeeded(dst)
	return dst
}

// retireTrack removes a track from the active set and the spatial
// index, preserving a last-state snapshot for audit.
func (m *Manager) retireTrack(t *Track, reason string) {
	snap := t.snapshot()
	delete(m.tracks, t.CanonicalID)
	for a := range t.Aliases {
		delete(m.aliases, a)
	}
	m.index.Remove(t.CanonicalID)
	m.tel.TracksRetired.Add(1)

	if m.audit != nil {
		if err := m.audit.SaveRetired(snap, reason); err != nil {
			log.Printf("[tracking] audit save for %s failed: %v", t.CanonicalID, err)
		}
	}
}

// RetireStale removes every track whose last update is older than the
// retirement threshold. Returns the number retired.
func (m *Manager) RetireStale() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.nowMs() - m.cfg.RetirementThreshold.Milliseconds()
	var stale []*Track
	for _, t := range m.tracks {
		if t.LastUpdateMs < cutoff {
			stale = append(stale, t)
		}
	}
	for _, t := range stale {
		m.retireTrack(t, "stale")
	}
	return len(stale)
}

// Snapshot returns an immutable view of every active track, sorted by
// canonical id.
func (m *Manager) Snapshot() []Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Snapshot, 0, len(m.tracks))
	for _, t := range m.tracks {
		out = append(out, t.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CanonicalID < out[j].CanonicalID })
	return out
}

// Get returns the snapshot for one canonical id or alias.
func (m *Manager) Get(id string) (Snapshot, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	canonical, ok := m.aliases[id]
	if !ok {
		canonical = id
	}
	t, ok := m.tracks[canonical]
	if !ok {
		return Snapshot{}, false
	}
	return t.snapshot(), true
}

// TrackCount returns the number of active tracks.
func (m *Manager) TrackCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tracks)
}
