package store

import (
	"math"
	"sort"

	"github.com/coder/hnsw"
)

// minGraphDegree floors the graph's neighbour count. coder/hnsw also uses M
// as the candidate count when linking a new node, and below 16 the graph
// stops being navigable for text embeddings.
const minGraphDegree = 16

// denseIndex is an HNSW graph over normalized vectors keyed by record ID.
//
// The graph only proposes candidates: a search asks it for at least
// ef_search nodes and reranks them by exact cosine against the live vectors.
//
// Deletion is lazy: a deleted ID leaves the live map but its node stays in
// the graph (coder/hnsw misbehaves when the last node is deleted), so graph
// searches over-fetch by the orphan count and skip unknown keys.
// Callers hold the collection lock.
type denseIndex struct {
	graph          *hnsw.Graph[uint64]
	live           map[uint64][]float32
	efConstruction int
	efSearch       int
	exactThreshold int
}

func newDenseIndex(schema Schema, exactThreshold int) *denseIndex {
	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = max(schema.M, minGraphDegree)
	graph.EfSearch = schema.EfSearch
	graph.Ml = 0.25

	if exactThreshold < 0 {
		exactThreshold = 0
	}
	return &denseIndex{
		graph:          graph,
		live:           make(map[uint64][]float32),
		efConstruction: schema.EfConstruction,
		efSearch:       schema.EfSearch,
		exactThreshold: exactThreshold,
	}
}

// add inserts vectors, using ef_construction as the beam width.
func (d *denseIndex) add(ids []uint64, vectors [][]float32) {
	if len(ids) == 0 {
		return
	}
	d.graph.EfSearch = d.efConstruction
	defer func() { d.graph.EfSearch = d.efSearch }()

	nodes := make([]hnsw.Node[uint64], 0, len(ids))
	for i, id := range ids {
		vec := normalize(vectors[i])
		d.live[id] = vec
		nodes = append(nodes, hnsw.MakeNode(id, vec))
	}
	d.graph.Add(nodes...)
}

func (d *denseIndex) remove(ids []uint64) {
	for _, id := range ids {
		delete(d.live, id)
	}
}

func (d *denseIndex) len() int { return len(d.live) }

func (d *denseIndex) orphans() int { return d.graph.Len() - len(d.live) }

// search returns at most k hits ordered by descending cosine similarity,
// ties by ascending ID.
func (d *denseIndex) search(query []float32, k int) []rankedID {
	if k <= 0 || len(d.live) == 0 {
		return nil
	}
	q := normalize(query)

	var hits []rankedID
	if len(d.live) <= d.exactThreshold {
		hits = make([]rankedID, 0, len(d.live))
		for id, vec := range d.live {
			hits = append(hits, rankedID{ID: id, Score: dot(q, vec)})
		}
	} else {
		nodes := d.graph.Search(q, d.candidates(k))
		hits = make([]rankedID, 0, len(nodes))
		for _, n := range nodes {
			vec, ok := d.live[n.Key]
			if !ok {
				continue
			}
			hits = append(hits, rankedID{ID: n.Key, Score: dot(q, vec)})
		}
	}

	sortRanked(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

// candidates is how many nodes a graph search requests for a top-k query.
// coder/hnsw stops walking once it holds that many results and an expansion
// fails to improve the best one, so a wide request is what buys recall.
func (d *denseIndex) candidates(k int) int {
	return max(k, d.efSearch) + d.orphans()
}

// rebuild drops orphaned nodes by re-adding the live vectors to a fresh graph.
func (d *denseIndex) rebuild(schema Schema) {
	fresh := newDenseIndex(schema, d.exactThreshold)
	ids := make([]uint64, 0, len(d.live))
	for id := range d.live {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	vecs := make([][]float32, len(ids))
	for i, id := range ids {
		vecs[i] = d.live[id]
	}
	fresh.add(ids, vecs)
	*d = *fresh
}

func normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	out := make([]float32, len(v))
	if sum == 0 {
		copy(out, v)
		return out
	}
	inv := float32(1 / math.Sqrt(sum))
	for i, x := range v {
		out[i] = x * inv
	}
	return out
}

func dot(a, b []float32) float32 {
	var s float32
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}
