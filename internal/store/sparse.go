package store

import (
	"math"
	"sort"

	"github.com/odprt-iep/hybridrag/internal/embed"
)

type posting struct {
	id     uint64
	weight float32
}

// sparseIndex is an inverted index from term to postings. At build time each
// record loses its floor(n*dropRatio) lowest-weight terms; queries are not
// pruned. Scores are exact inner products over the surviving postings.
// Callers hold the collection lock.
type sparseIndex struct {
	dropRatio float64
	postings  map[uint32][]posting
	terms     map[uint64][]uint32 // record -> indexed terms, for removal
	count     int
}

func newSparseIndex(dropRatio float64) *sparseIndex {
	return &sparseIndex{
		dropRatio: dropRatio,
		postings:  make(map[uint32][]posting),
		terms:     make(map[uint64][]uint32),
	}
}

// prune returns the terms of v that survive the drop ratio, heaviest first.
// A non-empty vector always keeps at least one term.
func prune(v embed.SparseVector, dropRatio float64) []posting {
	kept := make([]posting, 0, len(v))
	for term, w := range v {
		kept = append(kept, posting{id: uint64(term), weight: w})
	}
	sort.Slice(kept, func(i, j int) bool {
		if kept[i].weight != kept[j].weight {
			return kept[i].weight > kept[j].weight
		}
		return kept[i].id < kept[j].id
	})

	drop := int(math.Floor(float64(len(kept)) * dropRatio))
	if drop >= len(kept) && len(kept) > 0 {
		drop = len(kept) - 1
	}
	return kept[:len(kept)-drop]
}

func (s *sparseIndex) add(id uint64, v embed.SparseVector) {
	kept := prune(v, s.dropRatio)
	terms := make([]uint32, 0, len(kept))
	for _, p := range kept {
		term := uint32(p.id)
		s.postings[term] = append(s.postings[term], posting{id: id, weight: p.weight})
		terms = append(terms, term)
	}
	s.terms[id] = terms
	s.count += len(terms)
}

func (s *sparseIndex) remove(ids []uint64) {
	for _, id := range ids {
		terms, ok := s.terms[id]
		if !ok {
			continue
		}
		for _, term := range terms {
			list := s.postings[term]
			for i, p := range list {
				if p.id == id {
					list = append(list[:i], list[i+1:]...)
					break
				}
			}
			if len(list) == 0 {
				delete(s.postings, term)
			} else {
				s.postings[term] = list
			}
		}
		s.count -= len(terms)
		delete(s.terms, id)
	}
}

// search returns at most k records with a positive inner product against q,
// ordered by descending score, ties by ascending ID.
func (s *sparseIndex) search(q embed.SparseVector, k int) []rankedID {
	if k <= 0 || len(q) == 0 {
		return nil
	}
	scores := make(map[uint64]float32)
	for term, qw := range q {
		for _, p := range s.postings[term] {
			scores[p.id] += qw * p.weight
		}
	}

	hits := make([]rankedID, 0, len(scores))
	for id, score := range scores {
		if score > 0 {
			hits = append(hits, rankedID{ID: id, Score: score})
		}
	}
	sortRanked(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}
