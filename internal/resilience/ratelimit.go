package resilience

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimitConfig configures a per-service dual limiter, ported from the
// teacher's infrastructure/ratelimit package.
type RateLimitConfig struct {
	PerSecond float64
	Burst     int
	PerMinute float64
}

// DefaultRateLimitConfig allows 10 requests/second with a burst of 20, and
// 300/minute.
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{PerSecond: 10, Burst: 20, PerMinute: 300}
}

// RateLimiter bounds calls to one external service under configurable
// per-second and per-minute budgets.
type RateLimiter struct {
	perSecond *rate.Limiter
	perMinute *rate.Limiter
}

// NewRateLimiter builds a RateLimiter from cfg.
func NewRateLimiter(cfg RateLimitConfig) *RateLimiter {
	perSecond := rate.NewLimiter(rate.Limit(cfg.PerSecond), cfg.Burst)
	var perMinute *rate.Limiter
	if cfg.PerMinute > 0 {
		perMinute = rate.NewLimiter(rate.Limit(cfg.PerMinute/60.0), int(cfg.PerMinute))
	}
	return &RateLimiter{perSecond: perSecond, perMinute: perMinute}
}

// Allow reports whether a request may proceed immediately without
// consuming a wait.
func (r *RateLimiter) Allow() bool {
	if !r.perSecond.Allow() {
		return false
	}
	if r.perMinute != nil && !r.perMinute.Allow() {
		return false
	}
	return true
}

// Wait blocks until both budgets grant a permit or ctx is done.
func (r *RateLimiter) Wait(ctx context.Context) error {
	if err := r.perSecond.Wait(ctx); err != nil {
		return err
	}
	if r.perMinute != nil {
		return r.perMinute.Wait(ctx)
	}
	return nil
}

// Registry holds one RateLimiter per external service name, lazily built
// from a default config. An optional Postgres coordinator (see pgcoord.go)
// can be attached; the Registry subscribes each new limiter to its
// service's channel but publishes nothing itself.
type Registry struct {
	mu       sync.Mutex
	cfg      RateLimitConfig
	limiters map[string]*RateLimiter
	coord    *PGCoordinator
}

// NewRegistry builds a Registry using cfg for any service not explicitly
// configured.
func NewRegistry(cfg RateLimitConfig) *Registry {
	return &Registry{cfg: cfg, limiters: make(map[string]*RateLimiter)}
}

// WithCoordinator attaches a Postgres LISTEN/NOTIFY coordinator that For
// subscribes each newly built limiter's service to.
func (r *Registry) WithCoordinator(coord *PGCoordinator) *Registry {
	r.coord = coord
	return r
}

// For returns (creating if necessary) the RateLimiter for service.
func (r *Registry) For(service string) *RateLimiter {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[service]; ok {
		return l
	}
	l := NewRateLimiter(r.cfg)
	r.limiters[service] = l
	if r.coord != nil {
		r.coord.Subscribe(service, func() {
			// A peer process reported spare capacity. The handler
			// changes no local state, since each process owns its own
			// token bucket budget slice, and it neither logs nor counts
			// the notification.
			_ = time.Now()
		})
	}
	return l
}
