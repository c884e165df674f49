package scrape

import (
	"context"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// HostLimiter enforces a request-rate ceiling per host. A 429 halves the
// host's rate, down to a quarter of the configured ceiling; successes
// recover it gradually but never above the ceiling.
type HostLimiter struct {
	ceiling rate.Limit
	burst   int

	mu       sync.Mutex
	hosts    map[string]*rate.Limiter
	ceilings map[string]rate.Limit
}

// NewHostLimiter creates a limiter allowing rps requests per second per host.
// A non-positive rps disables limiting.
func NewHostLimiter(rps float64) *HostLimiter {
	limit := rate.Inf
	if rps > 0 {
		limit = rate.Limit(rps)
	}
	return &HostLimiter{
		ceiling:  limit,
		burst:    1,
		hosts:    make(map[string]*rate.Limiter),
		ceilings: make(map[string]rate.Limit),
	}
}

func (h *HostLimiter) get(host string) *rate.Limiter {
	h.mu.Lock()
	defer h.mu.Unlock()
	lim, ok := h.hosts[host]
	if !ok {
		lim = rate.NewLimiter(h.ceilingFor(host), h.burst)
		h.hosts[host] = lim
	}
	return lim
}

// ceilingFor must be called with mu held.
func (h *HostLimiter) ceilingFor(host string) rate.Limit {
	if c, ok := h.ceilings[host]; ok {
		return c
	}
	return h.ceiling
}

// SetHostRate overrides the ceiling for one host. A non-positive rps
// restores the default.
func (h *HostLimiter) SetHostRate(host string, rps float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if rps <= 0 {
		delete(h.ceilings, host)
	} else {
		h.ceilings[host] = rate.Limit(rps)
	}
	if lim, ok := h.hosts[host]; ok {
		lim.SetLimit(h.ceilingFor(host))
	}
}

func (h *HostLimiter) hostCeiling(host string) rate.Limit {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.ceilingFor(host)
}

// Wait blocks until a request to host is allowed.
func (h *HostLimiter) Wait(ctx context.Context, host string) error {
	return h.get(host).Wait(ctx)
}

// OnRateLimit slows host down after a 429.
func (h *HostLimiter) OnRateLimit(host string) {
	ceiling := h.hostCeiling(host)
	if ceiling == rate.Inf {
		return
	}
	lim := h.get(host)
	next := lim.Limit() / 2
	if floor := ceiling / 4; next < floor {
		next = floor
	}
	lim.SetLimit(next)
	zap.L().Warn("scrape: reducing request rate after 429",
		zap.String("host", host),
		zap.Float64("rate", float64(next)),
	)
}

// OnSuccess raises host's rate by 20%, capped at the ceiling.
func (h *HostLimiter) OnSuccess(host string) {
	ceiling := h.hostCeiling(host)
	if ceiling == rate.Inf {
		return
	}
	lim := h.get(host)
	next := lim.Limit() * 1.2
	if next > ceiling {
		next = ceiling
	}
	lim.SetLimit(next)
}

// Limit returns the current rate for host.
func (h *HostLimiter) Limit(host string) rate.Limit {
	return h.get(host).Limit()
}
