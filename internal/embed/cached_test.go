package embed

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockEmbedder is a test double that counts calls
type mockEmbedder struct {
	embedCalls atomic.Int64
	batchCalls atomic.Int64
	batchSizes []int
	dimensions int
	modelName  string
	failOn     int64 // fail the n-th EmbedBatch call (1-based); 0 never fails
	failErr    error
	wrongDims  bool
	mu         sync.Mutex
}

func newMockEmbedder(dims int) *mockEmbedder {
	return &mockEmbedder{dimensions: dims, modelName: "mock-model"}
}

func (m *mockEmbedder) vector(text string) []float32 {
	n := m.dimensions
	if m.wrongDims {
		n--
	}
	vec := make([]float32, n)
	vec[len(text)%n] = 1
	return vec
}

func (m *mockEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	m.embedCalls.Add(1)
	return m.vector(text), nil
}

func (m *mockEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	call := m.batchCalls.Add(1)
	m.mu.Lock()
	m.batchSizes = append(m.batchSizes, len(texts))
	m.mu.Unlock()
	if m.failOn != 0 && call == m.failOn {
		return nil, m.failErr
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = m.vector(t)
	}
	return out, nil
}

func (m *mockEmbedder) Dimensions() int                { return m.dimensions }
func (m *mockEmbedder) ModelName() string              { return m.modelName }
func (m *mockEmbedder) Available(context.Context) bool { return true }
func (m *mockEmbedder) Close() error                   { return nil }

func TestCachedEmbedder_CacheHit_ReturnsWithoutCallingInner(t *testing.T) {
	inner := newMockEmbedder(8)
	cached := NewCachedEmbedder(inner, 100)
	ctx := context.Background()

	v1, err := cached.Embed(ctx, "Where do I get an RCA template?")
	require.NoError(t, err)
	v2, err := cached.Embed(ctx, "Where do I get an RCA template?")
	require.NoError(t, err)

	assert.Equal(t, int64(1), inner.embedCalls.Load())
	assert.Equal(t, v1, v2)
}

func TestCachedEmbedder_EmbedBatch_OnlyMissesReachInner(t *testing.T) {
	inner := newMockEmbedder(8)
	cached := NewCachedEmbedder(inner, 100)
	ctx := context.Background()

	_, err := cached.Embed(ctx, "alpha")
	require.NoError(t, err)

	vecs, err := cached.EmbedBatch(ctx, []string{"alpha", "beta", "gamma"})
	require.NoError(t, err)
	require.Len(t, vecs, 3)
	assert.Equal(t, []int{2}, inner.batchSizes)
	assert.Equal(t, 3, cached.Len())

	_, err = cached.EmbedBatch(ctx, []string{"beta", "gamma"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), inner.batchCalls.Load())
}

func TestCachedEmbedder_FailedBatchCachesNothing(t *testing.T) {
	inner := newMockEmbedder(8)
	inner.failOn = 1
	inner.failErr = errors.New("model down")
	cached := NewCachedEmbedder(inner, 100)

	_, err := cached.EmbedBatch(context.Background(), []string{"a", "b"})
	require.Error(t, err)
	assert.Equal(t, 0, cached.Len())
}

func TestCachedEmbedder_Eviction(t *testing.T) {
	inner := newMockEmbedder(8)
	cached := NewCachedEmbedder(inner, 2)
	ctx := context.Background()

	for _, s := range []string{"one", "two", "three"} {
		_, err := cached.Embed(ctx, s)
		require.NoError(t, err)
	}
	_, err := cached.Embed(ctx, "one")
	require.NoError(t, err)

	assert.Equal(t, int64(4), inner.embedCalls.Load(), "oldest entry should have been evicted")
}

func TestCachedEmbedder_Passthrough(t *testing.T) {
	inner := newMockEmbedder(1024)
	cached := NewCachedEmbedder(inner, 0)

	assert.Equal(t, 1024, cached.Dimensions())
	assert.Equal(t, "mock-model", cached.ModelName())
	assert.True(t, cached.Available(context.Background()))
	assert.NoError(t, cached.Close())
}

func TestCachedEmbedder_ConcurrentAccess(t *testing.T) {
	cached := NewCachedEmbedder(newMockEmbedder(8), 50)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				_, err := cached.Embed(ctx, string(rune('a'+(i+j)%26)))
				assert.NoError(t, err)
			}
		}(i)
	}
	wg.Wait()
}
