// Package telemetry accumulates the engine's observable counters: one
// per rejection kind in the admission/processing error taxonomy, plus
// lifecycle counts and a bounded ring of recent events for the monitor.
package telemetry

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event kinds, matching the error taxonomy.
const (
	KindInvalidSignature   = "invalid_signature"
	KindUnauthorized       = "unauthorized"
	KindExpired            = "expired"
	KindMalformedPacket    = "malformed_packet"
	KindStaleObservation   = "stale_observation"
	KindNonFiniteInput     = "non_finite_input"
	KindSingularInnovation = "singular_innovation"
	KindIndexInconsistency = "index_inconsistency"
	KindTrackDivergence    = "track_divergence"
)

// Event is one recorded occurrence, kept in the recent-event ring.
type Event struct {
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail"`
	Timestamp time.Time `json:"timestamp"`
}

// Counters is the engine-wide telemetry sink. All methods are safe for
// concurrent use.
type Counters struct {
	InvalidSignature   atomic.Int64
	Unauthorized       atomic.Int64
	Expired            atomic.Int64
	MalformedPacket    atomic.Int64
	StaleObservation   atomic.Int64
	NonFiniteInput     atomic.Int64
	SingularInnovation atomic.Int64
	IndexInconsistency atomic.Int64
	TrackDivergence    atomic.Int64

	Admitted        atomic.Int64
	Fused           atomic.Int64
	TracksCreated   atomic.Int64
	TracksMerged    atomic.Int64
	TracksRetired   atomic.Int64
	OOSMUpdates     atomic.Int64
	CIFusions       atomic.Int64
	BatchAssignRuns atomic.Int64

	mu     sync.Mutex
	ring   []Event
	cursor int
}

// ringCapacity bounds the recent-event ring.
const ringCapacity = 256

// NewCounters returns a zeroed telemetry sink.
func NewCounters() *Counters {
	return &Counters{ring: make([]Event, 0, ringCapacity)}
}

// counterFor maps an event kind to its counter.
func (c *Counters) counterFor(kind string) *atomic.Int64 {
	switch kind {
	case KindInvalidSignature:
		return &c.InvalidSignature
	case KindUnauthorized:
		return &c.Unauthorized
	case KindExpired:
		return &c.Expired
	case KindMalformedPacket:
		return &c.MalformedPacket
	case KindStaleObservation:
		return &c.StaleObservation
	case KindNonFiniteInput:
		return &c.NonFiniteInput
	case KindSingularInnovation:
		return &c.SingularInnovation
	case KindIndexInconsistency:
		return &c.IndexInconsistency
	case KindTrackDivergence:
		return &c.TrackDivergence
	default:
		return nil
	}
}

// Record counts an event and appends it to the recent ring.
func (c *Counters) Record(kind, detail string) {
	if ctr := c.counterFor(kind); ctr != nil {
		ctr.Add(1)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ev := Event{Kind: kind, Detail: detail, Timestamp: time.Now()}
	if len(c.ring) < ringCapacity {
		c.ring = append(c.ring, ev)
	} else {
		c.ring[c.cursor] = ev
		c.cursor = (c.cursor + 1) % ringCapacity
	}
}

// RecentEvents returns a copy of the event ring, oldest first.
func (c *Counters) RecentEvents() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Event, 0, len(c.ring))
	out = append(out, c.ring[c.cursor:]...)
	out = append(out, c.ring[:c.cursor]...)
	return out
}

// Snapshot is a JSON-friendly view of all counters.
type Snapshot struct {
	InvalidSignature   int64 `json:"invalid_signature"`
	Unauthorized       int64 `json:"unauthorized"`
	Expired            int64 `json:"expired"`
	MalformedPacket    int64 `json:"malformed_packet"`
	StaleObservation   int64 `json:"stale_observation"`
	NonFiniteInput     int64 `json:"non_finite_input"`
	SingularInnovation int64 `json:"singular_innovation"`
	IndexInconsistency int64 `json:"index_inconsistency"`
	TrackDivergence    int64 `json:"track_divergence"`

	Admitted        int64 `json:"admitted"`
	Fused           int64 `json:"fused"`
	TracksCreated   int64 `json:"tracks_created"`
	TracksMerged    int64 `json:"tracks_merged"`
	TracksRetired   int64 `json:"tracks_retired"`
	OOSMUpdates     int64 `json:"oosm_updates"`
	CIFusions       int64 `json:"ci_fusions"`
	BatchAssignRuns int64 `json:"batch_assign_runs"`
}

// Read returns a point-in-time snapshot of every counter.
func (c *Counters) Read() Snapshot {
	return Snapshot{
		InvalidSignature:   c.InvalidSignature.Load(),
		Unauthorized:       c.Unauthorized.Load(),
		Expired:            c.Expired.Load(),
		MalformedPacket:    c.MalformedPacket.Load(),
		StaleObservation:   c.StaleObservation.Load(),
		NonFiniteInput:     c.NonFiniteInput.Load(),
		SingularInnovation: c.SingularInnovation.Load(),
		IndexInconsistency: c.IndexInconsistency.Load(),
		TrackDivergence:    c.TrackDivergence.Load(),
		Admitted:           c.Admitted.Load(),
		Fused:              c.Fused.Load(),
		TracksCreated:      c.TracksCreated.Load(),
		TracksMerged:       c.TracksMerged.Load(),
		TracksRetired:      c.TracksRetired.Load(),
		OOSMUpdates:        c.OOSMUpdates.Load(),
		CIFusions:          c.CIFusions.Load(),
		BatchAssignRuns:    c.BatchAssignRuns.Load(),
	}
}
