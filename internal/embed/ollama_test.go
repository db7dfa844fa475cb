package embed

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	rerrors "github.com/odprt-iep/hybridrag/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeOllama serves /api/embed with vectors of width dims and /api/tags
// listing model. status overrides the embed response for the first n calls.
func fakeOllama(t *testing.T, dims int, failFirst int32, status int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/tags":
			_, _ = w.Write([]byte(`{"models":[{"name":"bge-m3:latest"}]}`))
		case "/api/embed":
			n := calls.Add(1)
			if n <= failFirst {
				w.WriteHeader(status)
				_, _ = w.Write([]byte(`{"error":"busy"}`))
				return
			}
			var req ollamaEmbedRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
			resp := ollamaEmbedResponse{Model: req.Model}
			for i := range req.Input {
				v := make([]float64, dims)
				v[i%dims] = 3
				resp.Embeddings = append(resp.Embeddings, v)
			}
			_ = json.NewEncoder(w).Encode(resp)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func newTestOllama(t *testing.T, host string, dims int) *OllamaEmbedder {
	t.Helper()
	e, err := NewOllamaEmbedder(context.Background(), OllamaConfig{
		Host:            host,
		Model:           "bge-m3",
		Dimensions:      dims,
		BatchSize:       2,
		Timeout:         time.Second,
		MaxRetries:      2,
		RetryDelay:      time.Millisecond,
		SkipHealthCheck: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func TestOllamaEmbedder_EmbedBatch(t *testing.T) {
	srv, calls := fakeOllama(t, 4, 0, 0)
	e := newTestOllama(t, srv.URL, 4)

	vecs, err := e.EmbedBatch(context.Background(), []string{"a", " ", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vecs, 4)
	assert.Equal(t, []float32{1, 0, 0, 0}, vecs[0], "normalised")
	assert.Equal(t, []float32{1, 0, 0, 0}, vecs[1], "blank input gets the fixed vector")
	assert.Equal(t, int32(2), calls.Load(), "three non-blank texts in batches of two")
}

func TestOllamaEmbedder_RetriesTransientStatus(t *testing.T) {
	srv, calls := fakeOllama(t, 4, 2, http.StatusServiceUnavailable)
	e := newTestOllama(t, srv.URL, 4)

	_, err := e.Embed(context.Background(), "retry me")
	require.NoError(t, err)
	assert.Equal(t, int32(3), calls.Load())
}

func TestOllamaEmbedder_ExhaustedRetriesAreRetryable(t *testing.T) {
	srv, _ := fakeOllama(t, 4, 100, http.StatusServiceUnavailable)
	e := newTestOllama(t, srv.URL, 4)

	_, err := e.Embed(context.Background(), "x")
	require.Error(t, err)
	assert.True(t, rerrors.IsRetryable(err))
	assert.Equal(t, rerrors.ErrCodeEmbeddingUnavailable, rerrors.GetCode(err))
}

func TestOllamaEmbedder_ClientErrorNotRetried(t *testing.T) {
	srv, calls := fakeOllama(t, 4, 100, http.StatusNotFound)
	e := newTestOllama(t, srv.URL, 4)

	_, err := e.Embed(context.Background(), "x")
	require.Error(t, err)
	assert.False(t, rerrors.IsRetryable(err))
	assert.Equal(t, int32(1), calls.Load())
}

func TestOllamaEmbedder_DimensionMismatch(t *testing.T) {
	srv, _ := fakeOllama(t, 3, 0, 0)
	e := newTestOllama(t, srv.URL, 4)

	_, err := e.Embed(context.Background(), "x")
	require.Error(t, err)
	assert.Equal(t, rerrors.ErrCodeDimensionMismatch, rerrors.GetCode(err))
}

func TestOllamaEmbedder_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	e := newTestOllama(t, url, 4)
	_, err := e.Embed(context.Background(), "x")
	require.Error(t, err)
	assert.True(t, rerrors.IsRetryable(err))
}

func TestOllamaEmbedder_HealthCheckAndAvailable(t *testing.T) {
	srv, _ := fakeOllama(t, 4, 0, 0)

	e, err := NewOllamaEmbedder(context.Background(), OllamaConfig{Host: srv.URL, Dimensions: 4})
	require.NoError(t, err)
	defer func() { _ = e.Close() }()

	assert.True(t, e.Available(context.Background()))
	assert.Equal(t, DefaultOllamaModel, e.ModelName())
	require.NoError(t, e.Close())
	assert.False(t, e.Available(context.Background()))
}
