package spatial

import (
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Galanafai/Hivemind/internal/geodesy"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	ix, err := NewIndex(10, 25.0)
	require.NoError(t, err)
	return ix
}

func sortedQuery(ix *Index, center geodesy.Geodetic, radius float64) []string {
	ids := ix.QueryRadius(center, radius)
	sort.Strings(ids)
	return ids
}

// TestVerticalSeparation is scenario S2: two entities at the same
// lat/lon, 300 m apart vertically, must not co-occur in a 50 m query.
func TestVerticalSeparation(t *testing.T) {
	t.Parallel()

	ix := newTestIndex(t)
	ground := geodesy.Geodetic{Lat: 37.7749, Lon: -122.4194, Alt: 0}
	aloft := geodesy.Geodetic{Lat: 37.7749, Lon: -122.4194, Alt: 300}

	ix.Upsert("A", ground)
	ix.Upsert("B", aloft)

	assert.Equal(t, []string{"A"}, sortedQuery(ix, ground, 50))
	assert.Equal(t, []string{"B"}, sortedQuery(ix, aloft, 50))
	assert.Equal(t, []string{"A", "B"}, sortedQuery(ix, ground, 350))
}

func TestQueryRadiusHorizontal(t *testing.T) {
	t.Parallel()

	ix := newTestIndex(t)
	center := geodesy.Geodetic{Lat: 37.7749, Lon: -122.4194, Alt: 10}

	// Ring of entities at known ENU offsets.
	offsets := map[string][3]float64{
		"near-e":  {30, 0, 0},
		"near-n":  {0, 45, 0},
		"far-e":   {180, 0, 0},
		"far-ne":  {150, 150, 0},
		"outside": {400, 0, 0},
	}
	for id, off := range offsets {
		ix.Upsert(id, geodesy.ENUToGeodetic(center, off))
	}

	assert.Equal(t, []string{"near-e", "near-n"}, sortedQuery(ix, center, 50))
	assert.Equal(t, []string{"far-e", "far-ne", "near-e", "near-n"}, sortedQuery(ix, center, 250))
	assert.Len(t, sortedQuery(ix, center, 1000), 5)
}

func TestQueryCrossesCellBoundaries(t *testing.T) {
	t.Parallel()

	ix := newTestIndex(t)
	center := geodesy.Geodetic{Lat: 37.7749, Lon: -122.4194, Alt: 0}

	// Place entities every 40 m east out to 400 m; a 400 m query must
	// find them all even though they span several res-10 cells
	// (~66 m edge).
	want := []string{}
	for i := 1; i <= 10; i++ {
		id := fmt.Sprintf("e%02d", i)
		ix.Upsert(id, geodesy.ENUToGeodetic(center, [3]float64{float64(40 * i), 0, 0}))
		want = append(want, id)
	}
	assert.Equal(t, want, sortedQuery(ix, center, 401))
}

func TestUpsertRebuckets(t *testing.T) {
	t.Parallel()

	ix := newTestIndex(t)
	p0 := geodesy.Geodetic{Lat: 37.7749, Lon: -122.4194, Alt: 0}
	p1 := geodesy.Geodetic{Lat: 37.7749, Lon: -122.4194, Alt: 120}

	key0, moved := ix.Upsert("drone", p0)
	assert.True(t, moved)

	key1, moved := ix.Upsert("drone", p1)
	assert.True(t, moved, "altitude change must rebucket")
	assert.Equal(t, key0.Cell, key1.Cell)
	assert.NotEqual(t, key0.Bucket, key1.Bucket)

	// The entity must only be findable at its new altitude.
	assert.Empty(t, ix.QueryRadius(p0, 50))
	assert.Equal(t, []string{"drone"}, ix.QueryRadius(p1, 50))
	assert.Equal(t, 1, ix.Len())
}

func TestUpsertSameBucketRefreshesPosition(t *testing.T) {
	t.Parallel()

	ix := newTestIndex(t)
	p0 := geodesy.Geodetic{Lat: 37.7749, Lon: -122.4194, Alt: 10}
	p1 := geodesy.ENUToGeodetic(p0, [3]float64{5, 0, 0})

	_, moved := ix.Upsert("x", p0)
	assert.True(t, moved)
	key0 := ix.KeyFor(p0)
	if key0 == ix.KeyFor(p1) {
		_, moved = ix.Upsert("x", p1)
		assert.False(t, moved)
		got, ok := ix.Position("x")
		require.True(t, ok)
		assert.InDelta(t, p1.Lat, got.Lat, 1e-12)
	}
}

func TestRemove(t *testing.T) {
	t.Parallel()

	ix := newTestIndex(t)
	p := geodesy.Geodetic{Lat: 37.7749, Lon: -122.4194, Alt: 10}
	ix.Upsert("gone", p)
	ix.Remove("gone")

	assert.Empty(t, ix.QueryRadius(p, 100))
	assert.Equal(t, 0, ix.Len())

	// Removing twice is a no-op, not an inconsistency.
	ix.Remove("gone")
	assert.Equal(t, int64(0), ix.Inconsistencies())
}

func TestConstructionValidation(t *testing.T) {
	t.Parallel()

	_, err := NewIndex(-1, 25)
	assert.Error(t, err)
	_, err = NewIndex(16, 25)
	assert.Error(t, err)
	_, err = NewIndex(10, 0)
	assert.Error(t, err)
}
