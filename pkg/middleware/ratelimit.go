package middleware

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-redis/redis_rate/v10"
	"github.com/ngoyal88/webstat/pkg/cache"
	"github.com/ngoyal88/webstat/pkg/config"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// redisLimitTimeout bounds a single call to the distributed limiter.
const redisLimitTimeout = 200 * time.Millisecond

// limiter is a local token bucket remembering the settings it was built
// with, so that a reloaded config replaces it.
type limiter struct {
	mu    sync.Mutex
	lim   *rate.Limiter
	rps   float64
	burst int
}

// get returns a limiter for the given settings, replacing the current one if
// they changed.
func (l *limiter) get(rps float64, burst int) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.lim == nil || l.rps != rps || l.burst != burst {
		l.lim = rate.NewLimiter(rate.Limit(rps), burst)
		l.rps, l.burst = rps, burst
	}

	return l.lim
}

// NewRateLimiter creates a middleware that limits requests.  The settings are
// read from cfgStore on every request, so they follow config reloads.
//
// With rdb set, each client address gets its own budget shared by all
// instances through Redis.  Otherwise, and whenever Redis fails, a single
// in-process budget is used.
func NewRateLimiter(rdb *cache.Client, cfgStore *config.Store) func(http.Handler) http.Handler {
	var distributed *redis_rate.Limiter
	if rdb != nil {
		distributed = redis_rate.NewLimiter(rdb.Redis())
	}

	local := &limiter{}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			cfg := cfgStore.Get()
			if cfg == nil || !cfg.RateLimit.Enabled {
				next.ServeHTTP(w, r)

				return
			}

			rl := cfg.RateLimit
			if distributed != nil {
				allowed, retryAfter, err := allowDistributed(r, distributed, cfg)
				if err == nil {
					if !allowed {
						rateLimited.WithLabelValues("redis").Inc()
						w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds())+1))
						http.Error(w, "Too Many Requests", http.StatusTooManyRequests)

						return
					}

					next.ServeHTTP(w, r)

					return
				}

				log.Warn().Err(err).Str("component", "ratelimit").Msg("redis limiter failed, using local")
			}

			if !local.get(rl.RPS, rl.Burst).Allow() {
				rateLimited.WithLabelValues("local").Inc()
				http.Error(w, "Too Many Requests", http.StatusTooManyRequests)

				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// allowDistributed asks Redis whether the client of r has budget left.
func allowDistributed(
	r *http.Request,
	l *redis_rate.Limiter,
	cfg *config.Config,
) (ok bool, retryAfter time.Duration, err error) {
	ctx, cancel := context.WithTimeout(r.Context(), redisLimitTimeout)
	defer cancel()

	rps := int(cfg.RateLimit.RPS)
	if rps < 1 {
		rps = 1
	}

	key := "ratelimit:" + ClientIP(r, cfg.Capture.TrustForwarded).String()
	res, err := l.Allow(ctx, key, redis_rate.Limit{
		Rate:   rps,
		Burst:  cfg.RateLimit.Burst,
		Period: time.Second,
	})
	if err != nil {
		return false, 0, err
	}

	return res.Allowed > 0, res.RetryAfter, nil
}
