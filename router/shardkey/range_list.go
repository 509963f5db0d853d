package shardkey

import (
	"math"
	"sort"
)

// RangeBoundary is one shard's lower bound (inclusive) for range
// sharding; shards are sorted ascending by Lower and the last one is
// open-ended, mirroring a BTreeMap<key, shard> range lookup.
type RangeBoundary struct {
	Lower int64
	Shard int
}

// RangeTable holds sorted range boundaries for O(log n) lookup.
type RangeTable struct {
	bounds []RangeBoundary
}

// NewRangeTable sorts boundaries by Lower and returns a lookup table.
func NewRangeTable(boundaries []RangeBoundary) *RangeTable {
	sorted := append([]RangeBoundary{}, boundaries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Lower < sorted[j].Lower })
	return &RangeTable{bounds: sorted}
}

// Shard returns the shard whose range contains value: the last boundary
// whose Lower is <= value.
func (t *RangeTable) Shard(value int64) (int, bool) {
	if len(t.bounds) == 0 {
		return 0, false
	}
	idx := sort.Search(len(t.bounds), func(i int) bool { return t.bounds[i].Lower > value }) - 1
	if idx < 0 {
		return 0, false
	}
	return t.bounds[idx].Shard, true
}

// ListTable maps discrete values to shards, for list sharding (e.g.
// routing by tenant_region IN ('us','eu','apac')).
type ListTable struct {
	byValue map[string]int
}

// NewListTable builds a lookup table from value->shard pairs.
func NewListTable(assignments map[string]int) *ListTable {
	byValue := make(map[string]int, len(assignments))
	for k, v := range assignments {
		byValue[k] = v
	}
	return &ListTable{byValue: byValue}
}

// Shard returns the shard assigned to value, if listed.
func (t *ListTable) Shard(value string) (int, bool) {
	s, ok := t.byValue[value]
	return s, ok
}

// Centroid is one shard's representative point for vector sharding.
type Centroid struct {
	Shard  int
	Vector []float32
}

// VectorTable does nearest-centroid routing for pgvector columns: the
// column's embedding is routed to the Probes nearest centroids by
// Euclidean (L2) distance, matching IVFFlat-style partitioning.
type VectorTable struct {
	centroids []Centroid
	probes    int
}

// NewVectorTable builds a vector routing table. probes controls how many
// nearest centroids' shards a query touches; probes=1 routes writes to
// exactly one shard, probes>1 fans reads out to several candidate shards.
func NewVectorTable(centroids []Centroid, probes int) *VectorTable {
	if probes < 1 {
		probes = 1
	}
	return &VectorTable{centroids: centroids, probes: probes}
}

// Shards returns the Probes nearest centroids' shard numbers, nearest
// first.
func (t *VectorTable) Shards(value []float32) []int {
	type dist struct {
		shard int
		d     float64
	}
	dists := make([]dist, 0, len(t.centroids))
	for _, c := range t.centroids {
		dists = append(dists, dist{shard: c.Shard, d: l2Distance(value, c.Vector)})
	}
	sort.Slice(dists, func(i, j int) bool { return dists[i].d < dists[j].d })

	n := t.probes
	if n > len(dists) {
		n = len(dists)
	}
	out := make([]int, n)
	for i := 0; i < n; i++ {
		out[i] = dists[i].shard
	}
	return out
}

func l2Distance(a, b []float32) float64 {
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	var sum float64
	for i := 0; i < n; i++ {
		d := float64(a[i] - b[i])
		sum += d * d
	}
	return math.Sqrt(sum)
}
