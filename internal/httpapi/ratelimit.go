package httpapi

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"
)

// limiterCap bounds the number of per-model limiters kept.
const limiterCap = 4096

// modelLimiter hands out one token bucket per model handle.
type modelLimiter struct {
	mu    sync.Mutex
	rps   rate.Limit
	burst int
	cache *lru.Cache[string, *rate.Limiter]
}

var limiter = &modelLimiter{}

// SetRateLimit allows rps inference calls per second per model with the
// given burst. rps <= 0 disables limiting.
func SetRateLimit(rps float64, burst int) {
	limiter.mu.Lock()
	defer limiter.mu.Unlock()
	if rps <= 0 {
		limiter.cache = nil
		return
	}
	if burst <= 0 {
		burst = 1
	}
	limiter.rps, limiter.burst = rate.Limit(rps), burst
	limiter.cache, _ = lru.New[string, *rate.Limiter](limiterCap)
}

// allow reports whether a call against model may proceed now.
func (m *modelLimiter) allow(model string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cache == nil {
		return true
	}
	l, ok := m.cache.Get(model)
	if !ok {
		l = rate.NewLimiter(m.rps, m.burst)
		m.cache.Add(model, l)
	}
	return l.Allow()
}

// forget drops the limiter of a terminated model.
func (m *modelLimiter) forget(model string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cache != nil {
		m.cache.Remove(model)
	}
}
