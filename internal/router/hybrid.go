package router

import (
	"context"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"

	rerrors "github.com/odprt-iep/hybridrag/internal/errors"
)

// DefaultCacheSize is the number of decisions HybridRouter remembers.
const DefaultCacheSize = 512

// HybridRouter tries a primary router first and falls back to a secondary
// one when the primary is unavailable. Primary decisions are cached in an
// LRU keyed by the request contents.
type HybridRouter struct {
	primary  Router
	fallback Router
	breaker  *rerrors.CircuitBreaker
	cache    *lru.Cache[string, Decision]
}

var _ Router = (*HybridRouter)(nil)

// HybridOption configures a HybridRouter.
type HybridOption func(*HybridRouter)

// WithBreaker lets the router skip the primary entirely while cb is open.
func WithBreaker(cb *rerrors.CircuitBreaker) HybridOption {
	return func(h *HybridRouter) { h.breaker = cb }
}

// NewHybridRouter creates a hybrid router. A nil primary routes everything
// through fallback. cacheSize <= 0 uses DefaultCacheSize.
func NewHybridRouter(primary, fallback Router, cacheSize int, opts ...HybridOption) *HybridRouter {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, _ := lru.New[string, Decision](cacheSize)
	h := &HybridRouter{primary: primary, fallback: fallback, cache: cache}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Route returns a cached decision when one exists, otherwise asks the
// primary router. Fallback decisions are not cached so the primary gets
// another chance once it recovers.
func (h *HybridRouter) Route(ctx context.Context, req Request) (Decision, error) {
	key := cacheKey(req)
	if d, ok := h.cache.Get(key); ok {
		return d, nil
	}

	if h.primary == nil {
		return h.routeFallback(ctx, req, nil)
	}
	if h.breaker != nil && h.breaker.State() == rerrors.StateOpen {
		return h.routeFallback(ctx, req, rerrors.ErrCircuitOpen)
	}

	d, err := h.primary.Route(ctx, req)
	if err == nil {
		h.cache.Add(key, d)
		return d, nil
	}
	if ctx.Err() != nil {
		return Decision{}, err
	}
	if rerrors.IsRetryable(err) || rerrors.IsCircuitOpen(err) {
		return h.routeFallback(ctx, req, err)
	}
	return Decision{}, err
}

func (h *HybridRouter) routeFallback(ctx context.Context, req Request, cause error) (Decision, error) {
	if h.fallback == nil {
		if cause == nil {
			return Decision{}, rerrors.InternalError("hybrid router has no routers", nil)
		}
		return Decision{}, cause
	}
	if cause != nil {
		slog.Warn("router_fallback",
			slog.String("reason", cause.Error()))
	}
	return h.fallback.Route(ctx, req)
}

// CacheLen returns the number of cached decisions.
func (h *HybridRouter) CacheLen() int { return h.cache.Len() }

// Purge clears the decision cache.
func (h *HybridRouter) Purge() { h.cache.Purge() }
