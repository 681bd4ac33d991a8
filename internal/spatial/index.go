// Package spatial indexes entities by 3D position: an H3 hexagonal
// geocode partitions the horizontal plane and, inside each occupied
// cell, an ordered tree of altitude buckets partitions the vertical
// extent. Radius queries enumerate candidate cells and buckets, then
// filter by true distance, so a vehicle at ground level is never
// confused with a drone 300 m above it.
package spatial

import (
	"fmt"
	"log"
	"math"
	"sync/atomic"

	"github.com/google/btree"
	h3 "github.com/uber/h3-go/v4"

	"github.com/Galanafai/Hivemind/internal/geodesy"
)

// hexEdgeM is the average hexagon edge length in metres per H3
// resolution, used to size query disks. Values from the H3 cell
// statistics tables.
var hexEdgeM = [16]float64{
	1107712.591, 418676.0055, 158244.6558, 59810.85794,
	22606.3794, 8544.408276, 3229.482772, 1220.629759,
	461.354684, 174.375668, 65.907807, 24.910561,
	9.415526, 3.559893, 1.348575, 0.509713,
}

// Key identifies an entity's insertion location: a hex cell plus an
// altitude bucket within it.
type Key struct {
	Cell   h3.Cell
	Bucket int
}

// record is the index's own view of one entity.
type record struct {
	key Key
	pos geodesy.Geodetic
}

// bucketNode is one altitude bucket inside a cell.
type bucketNode struct {
	idx     int
	members map[string]geodesy.Geodetic
}

func bucketLess(a, b *bucketNode) bool { return a.idx < b.idx }

// Index is the 3D spatial index. It is not internally synchronized;
// the tracking engine owns it under its single-writer discipline.
type Index struct {
	resolution int
	bucketM    float64

	cells   map[h3.Cell]*btree.BTreeG[*bucketNode]
	entries map[string]record

	// inconsistencies counts handle repairs (entity present in the
	// entry table but missing from its bucket).
	inconsistencies atomic.Int64
}

// NewIndex builds an empty index at the given H3 resolution with the
// given altitude bucket height in metres.
func NewIndex(resolution int, bucketM float64) (*Index, error) {
	if resolution < 0 || resolution > 15 {
		return nil, fmt.Errorf("hex resolution must be in [0, 15], got %d", resolution)
	}
	if bucketM <= 0 || math.IsNaN(bucketM) || math.IsInf(bucketM, 0) {
		return nil, fmt.Errorf("altitude bucket height must be positive, got %v", bucketM)
	}
	return &Index{
		resolution: resolution,
		bucketM:    bucketM,
		cells:      make(map[h3.Cell]*btree.BTreeG[*bucketNode]),
		entries:    make(map[string]record),
	}, nil
}

// Resolution returns the configured H3 resolution.
func (ix *Index) Resolution() int { return ix.resolution }

// Len returns the number of indexed entities.
func (ix *Index) Len() int { return len(ix.entries) }

// Inconsistencies returns the number of handle repairs performed.
func (ix *Index) Inconsistencies() int64 { return ix.inconsistencies.Load() }

// KeyFor computes the insertion key for a position.
func (ix *Index) KeyFor(pos geodesy.Geodetic) Key {
	cell := h3.LatLngToCell(h3.LatLng{Lat: pos.Lat, Lng: pos.Lon}, ix.resolution)
	return Key{Cell: cell, Bucket: int(math.Floor(pos.Alt / ix.bucketM))}
}

// Upsert inserts an entity or moves it if its bucket changed. It
// returns the entity's (possibly new) key and whether the key changed.
func (ix *Index) Upsert(id string, pos geodesy.Geodetic) (Key, bool) {
	key := ix.KeyFor(pos)
	if rec, ok := ix.entries[id]; ok {
		if rec.key == key {
			// Same bucket: refresh the stored position in place.
			if !ix.setMember(key, id, pos) {
				ix.repair(id, key, pos)
			}
			ix.entries[id] = record{key: key, pos: pos}
			return key, false
		}
		ix.removeFromBucket(id, rec.key)
	}
	ix.insert(id, key, pos)
	ix.entries[id] = record{key: key, pos: pos}
	return key, true
}

// Remove deletes an entity from the index. Unknown ids are a no-op.
func (ix *Index) Remove(id string) {
	rec, ok := ix.entries[id]
	if !ok {
		return
	}
	ix.removeFromBucket(id, rec.key)
	delete(ix.entries, id)
}

// Position returns the indexed position for an entity.
func (ix *Index) Position(id string) (geodesy.Geodetic, bool) {
	rec, ok := ix.entries[id]
	return rec.pos, ok
}

// QueryRadius returns the ids of all entities whose 3D distance to
// center is at most radiusM metres. Candidate cells come from a hex
// disk sized to cover the radius, candidate buckets from the vertical
// interval; both are over-approximations filtered by true distance
// before returning.
func (ix *Index) QueryRadius(center geodesy.Geodetic, radiusM float64) []string {
	if radiusM < 0 || math.IsNaN(radiusM) {
		return nil
	}
	edge := hexEdgeM[ix.resolution]
	rings := int(math.Ceil(radiusM/(edge*math.Sqrt(3)))) + 1

	origin := h3.LatLngToCell(h3.LatLng{Lat: center.Lat, Lng: center.Lon}, ix.resolution)
	loBucket := int(math.Floor((center.Alt - radiusM) / ix.bucketM))
	hiBucket := int(math.Floor((center.Alt + radiusM) / ix.bucketM))

	var out []string
	for _, cell := range h3.GridDisk(origin, rings) {
		tree, ok := ix.cells[cell]
		if !ok {
			continue
		}
		tree.AscendRange(&bucketNode{idx: loBucket}, &bucketNode{idx: hiBucket + 1}, func(b *bucketNode) bool {
			for id, pos := range b.members {
				if geodesy.ChordDistanceM(center, pos) <= radiusM {
					out = append(out, id)
				}
			}
			return true
		})
	}
	return out
}

func (ix *Index) insert(id string, key Key, pos geodesy.Geodetic) {
	tree, ok := ix.cells[key.Cell]
	if !ok {
		tree = btree.NewG(8, bucketLess)
		ix.cells[key.Cell] = tree
	}
	node, ok := tree.Get(&bucketNode{idx: key.Bucket})
	if !ok {
		node = &bucketNode{idx: key.Bucket, members: make(map[string]geodesy.Geodetic)}
		tree.ReplaceOrInsert(node)
	}
	node.members[id] = pos
}

// setMember updates an entity's stored position inside an existing
// bucket. Returns false if the bucket or membership is missing.
func (ix *Index) setMember(key Key, id string, pos geodesy.Geodetic) bool {
	tree, ok := ix.cells[key.Cell]
	if !ok {
		return false
	}
	node, ok := tree.Get(&bucketNode{idx: key.Bucket})
	if !ok {
		return false
	}
	if _, ok := node.members[id]; !ok {
		return false
	}
	node.members[id] = pos
	return true
}

// repair reinserts an entity whose handle pointed at a missing bucket.
func (ix *Index) repair(id string, key Key, pos geodesy.Geodetic) {
	ix.inconsistencies.Add(1)
	log.Printf("[spatial] repairing index handle for %s (cell=%v bucket=%d)", id, key.Cell, key.Bucket)
	ix.insert(id, key, pos)
}

func (ix *Index) removeFromBucket(id string, key Key) {
	tree, ok := ix.cells[key.Cell]
	if !ok {
		ix.inconsistencies.Add(1)
		log.Printf("[spatial] remove: missing cell for %s", id)
		return
	}
	node, ok := tree.Get(&bucketNode{idx: key.Bucket})
	if !ok {
		ix.inconsistencies.Add(1)
		log.Printf("[spatial] remove: missing bucket for %s", id)
		return
	}
	delete(node.members, id)
	if len(node.members) == 0 {
		tree.Delete(node)
		if tree.Len() == 0 {
			delete(ix.cells, key.Cell)
		}
	}
}
