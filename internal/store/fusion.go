package store

import "sort"

// rankedID is one entry of a single-leg result list.
type rankedID struct {
	ID    uint64
	Score float32
}

// sortRanked orders by descending score, then ascending ID.
func sortRanked(hits []rankedID) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
}

// fused is a record's Reciprocal Rank Fusion result before hydration.
type fused struct {
	ID          uint64
	Score       float64
	DenseRank   int
	DenseScore  float32
	SparseRank  int
	SparseScore float32
}

// fuseRRF combines two ranked lists with score = sum of 1/(k + rank) over the
// lists a record appears in, ranks starting at 1. Equal scores are ordered by
// ascending ID so the output is deterministic. limit <= 0 keeps everything.
func fuseRRF(dense, sparse []rankedID, k, limit int) []fused {
	if k <= 0 {
		k = DefaultRRFConstant
	}

	byID := make(map[uint64]*fused, len(dense)+len(sparse))
	get := func(id uint64) *fused {
		f, ok := byID[id]
		if !ok {
			f = &fused{ID: id}
			byID[id] = f
		}
		return f
	}

	for i, h := range dense {
		f := get(h.ID)
		f.DenseRank = i + 1
		f.DenseScore = h.Score
		f.Score += 1 / float64(k+i+1)
	}
	for i, h := range sparse {
		f := get(h.ID)
		f.SparseRank = i + 1
		f.SparseScore = h.Score
		f.Score += 1 / float64(k+i+1)
	}

	out := make([]fused, 0, len(byID))
	for _, f := range byID {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].ID < out[j].ID
	})

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
