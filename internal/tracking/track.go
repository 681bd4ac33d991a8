package tracking

import (
	"sort"

	"github.com/Galanafai/Hivemind/internal/filter"
	"github.com/Galanafai/Hivemind/internal/geodesy"
)

// Track is one fused world-state entity. The canonical identifier is
// always the minimum of the alias set under lexicographic order; the
// alias set only grows. Filter state lives in a per-track ENU frame
// anchored at the track's first observation.
type Track struct {
	CanonicalID string
	Aliases     map[string]struct{}
	Class       string
	Confidence  float64

	// Anchor is the geodetic origin of the track's local ENU frame.
	Anchor geodesy.Geodetic
	Filter *filter.Filter

	// CreatedMs / LastUpdateMs are wall-clock arrival times; ordering
	// within a track is arrival order, which is why the filter carries
	// the OOSM machinery.
	CreatedMs    int64
	LastUpdateMs int64

	// Agents is the set of contributing agent ids; lastOOSMAgent is the
	// most recent agent whose observation went through the filter's own
	// OOSM update (rather than covariance intersection).
	Agents        map[string]struct{}
	lastOOSMAgent string
}

// CurrentPosition converts the filter's head position (track-local ENU)
// back to geodetic coordinates.
func (t *Track) CurrentPosition() geodesy.Geodetic {
	return geodesy.ENUToGeodetic(t.Anchor, t.Filter.Position())
}

// Snapshot is the immutable per-track view handed to readers.
type Snapshot struct {
	CanonicalID  string             `json:"canonical_id"`
	Class        string             `json:"class"`
	Confidence   float64            `json:"confidence"`
	Position     geodesy.Geodetic   `json:"position"`
	PositionCov  [9]float64         `json:"position_cov"`
	Velocity     [3]float64         `json:"velocity"`
	VelocityCov  [9]float64         `json:"velocity_cov"`
	LastUpdateMs int64              `json:"last_update_ms"`
	CreatedMs    int64              `json:"created_ms"`
	Agents       []string           `json:"agents"`
	AliasCount   int                `json:"alias_count"`
	Aliases      []string           `json:"aliases"`
}

// snapshot captures the track under the manager lock.
func (t *Track) snapshot() Snapshot {
	agents := make([]string, 0, len(t.Agents))
	for a := range t.Agents {
		agents = append(agents, a)
	}
	sort.Strings(agents)
	aliases := make([]string, 0, len(t.Aliases))
	for a := range t.Aliases {
		aliases = append(aliases, a)
	}
	sort.Strings(aliases)

	return Snapshot{
		CanonicalID:  t.CanonicalID,
		Class:        t.Class,
		Confidence:   t.Confidence,
		Position:     t.CurrentPosition(),
		PositionCov:  t.Filter.PositionCov(),
		Velocity:     t.Filter.Velocity(),
		VelocityCov:  t.Filter.VelocityCov(),
		LastUpdateMs: t.LastUpdateMs,
		CreatedMs:    t.CreatedMs,
		Agents:       agents,
		AliasCount:   len(t.Aliases),
		Aliases:      aliases,
	}
}
