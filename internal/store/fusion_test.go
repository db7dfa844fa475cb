package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFuseRRF_Scores(t *testing.T) {
	dense := []rankedID{{ID: 1, Score: 0.9}, {ID: 2, Score: 0.8}}
	sparse := []rankedID{{ID: 2, Score: 0.7}, {ID: 3, Score: 0.6}}

	got := fuseRRF(dense, sparse, 60, 0)
	require.Len(t, got, 3)

	// 2 appears in both lists: 1/62 + 1/61
	assert.Equal(t, uint64(2), got[0].ID)
	assert.InDelta(t, 1.0/62+1.0/61, got[0].Score, 1e-12)
	assert.Equal(t, 2, got[0].DenseRank)
	assert.Equal(t, 1, got[0].SparseRank)

	// 1 is dense rank 1 (1/61), 3 is sparse rank 2 (1/62)
	assert.Equal(t, uint64(1), got[1].ID)
	assert.InDelta(t, 1.0/61, got[1].Score, 1e-12)
	assert.Zero(t, got[1].SparseRank)
	assert.Equal(t, uint64(3), got[2].ID)
	assert.InDelta(t, 1.0/62, got[2].Score, 1e-12)
	assert.Zero(t, got[2].DenseRank)
}

func TestFuseRRF_SingleListTieBreaksByID(t *testing.T) {
	// 3 is dense rank 1 and 1 is sparse rank 1: both score 1/61
	dense := []rankedID{{ID: 3, Score: 0.9}, {ID: 2, Score: 0.8}}
	sparse := []rankedID{{ID: 1, Score: 0.7}, {ID: 2, Score: 0.6}}

	got := fuseRRF(dense, sparse, 60, 0)
	require.Len(t, got, 3)

	assert.Equal(t, uint64(2), got[0].ID)
	assert.InDelta(t, 2.0/62, got[0].Score, 1e-12)
	assert.Equal(t, uint64(1), got[1].ID)
	assert.Equal(t, uint64(3), got[2].ID)
	assert.Equal(t, got[1].Score, got[2].Score)
	assert.Equal(t, 1, got[1].SparseRank)
	assert.Equal(t, 1, got[2].DenseRank)
}

func TestFuseRRF_Monotonic(t *testing.T) {
	// Moving a record up in one list never lowers its fused score
	lists := [][]rankedID{
		{{ID: 10}, {ID: 20}, {ID: 30}},
		{{ID: 20}, {ID: 10}, {ID: 30}},
		{{ID: 30}, {ID: 20}, {ID: 10}},
	}
	sparse := []rankedID{{ID: 30}, {ID: 10}}

	scoreOf := func(fusedList []fused, id uint64) float64 {
		for _, f := range fusedList {
			if f.ID == id {
				return f.Score
			}
		}
		return 0
	}

	prev := scoreOf(fuseRRF(lists[2], sparse, 60, 0), 10)
	for _, i := range []int{1, 0} {
		cur := scoreOf(fuseRRF(lists[i], sparse, 60, 0), 10)
		assert.Greater(t, cur, prev)
		prev = cur
	}
}

func TestFuseRRF_LimitAndDefaults(t *testing.T) {
	dense := []rankedID{{ID: 5}, {ID: 4}, {ID: 3}, {ID: 2}}

	got := fuseRRF(dense, nil, 0, 2)
	require.Len(t, got, 2)
	assert.Equal(t, uint64(5), got[0].ID)
	assert.InDelta(t, 1.0/float64(DefaultRRFConstant+1), got[0].Score, 1e-12)

	assert.Empty(t, fuseRRF(nil, nil, 60, 3))
}

func TestFuseRRF_Deterministic(t *testing.T) {
	dense := []rankedID{{ID: 3}, {ID: 1}, {ID: 2}}
	sparse := []rankedID{{ID: 1}, {ID: 3}, {ID: 2}}

	first := fuseRRF(dense, sparse, 60, 0)
	for range 20 {
		assert.Equal(t, first, fuseRRF(dense, sparse, 60, 0))
	}
	// 1 and 3 swap ranks between lists: equal scores, ID order
	assert.Equal(t, uint64(1), first[0].ID)
	assert.Equal(t, uint64(3), first[1].ID)
}
