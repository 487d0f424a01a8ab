// Package server implements a per-address token bucket throttle that protects
// the WebSocket endpoints from reconnect storms.
package server

import (
	"time"

	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"
)

// connectThrottle hands out one token bucket per address. Idle buckets expire
// from the cache, which also bounds memory for addresses seen once.
type connectThrottle struct {
	limiters *ttlcache.Cache[string, *rate.Limiter]
	rate     rate.Limit
	burst    int
}

func newConnectThrottle(cfg ConnectLimitConfig, idle time.Duration) *connectThrottle {
	if cfg.Rate <= 0 {
		cfg.Rate = 1
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if idle <= 0 {
		idle = time.Minute
	}

	cache := ttlcache.New[string, *rate.Limiter](
		ttlcache.WithTTL[string, *rate.Limiter](idle),
	)
	go cache.Start()

	return &connectThrottle{
		limiters: cache,
		rate:     rate.Limit(cfg.Rate),
		burst:    cfg.Burst,
	}
}

func (t *connectThrottle) allow(addr string) bool {
	item, _ := t.limiters.GetOrSet(addr, rate.NewLimiter(t.rate, t.burst))
	return item.Value().Allow()
}

func (t *connectThrottle) stop() {
	t.limiters.Stop()
}
