package middleware

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/ngoyal88/webstat/pkg/cache"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// cacheOpTimeout bounds each Redis call made by the response cache.
const cacheOpTimeout = 2 * time.Second

// responseWrapper "wraps" the standard ResponseWriter.
// It writes data to the client and keeps a copy in memory.
type responseWrapper struct {
	http.ResponseWriter
	body       bytes.Buffer
	statusCode int
}

// WriteHeader captures the status code
func (rw *responseWrapper) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Write captures the JSON body
func (rw *responseWrapper) Write(b []byte) (int, error) {
	if rw.statusCode == 0 {
		rw.statusCode = http.StatusOK
	}

	rw.body.Write(b)

	return rw.ResponseWriter.Write(b)
}

// ResponseCache keeps successful JSON responses of read-only endpoints in
// Redis.  Invalidate makes every cached response stale at once.
type ResponseCache struct {
	rdb    *cache.Client
	prefix string
	ttl    time.Duration
}

// NewResponseCache returns a cache storing responses under prefix for ttl.
func NewResponseCache(rdb *cache.Client, prefix string, ttl time.Duration) *ResponseCache {
	return &ResponseCache{
		rdb:    rdb,
		prefix: prefix,
		ttl:    ttl,
	}
}

// genKey is the key of the generation counter.  Cached responses of older
// generations are never read again and expire on their own.
func (c *ResponseCache) genKey() string { return c.prefix + ":gen" }

// key returns the cache key of the response to r.
func (c *ResponseCache) key(ctx context.Context, r *http.Request) (key string, err error) {
	gen, err := c.rdb.Redis().Get(ctx, c.genKey()).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return "", err
	}

	hash := sha256.Sum256([]byte(r.URL.RequestURI()))

	return fmt.Sprintf("%s:%d:%s", c.prefix, gen, hex.EncodeToString(hash[:])), nil
}

// Invalidate drops every cached response.
func (c *ResponseCache) Invalidate(ctx context.Context) (err error) {
	return c.rdb.Redis().Incr(ctx, c.genKey()).Err()
}

// Middleware serves GET requests from the cache when possible.
func (c *ResponseCache) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			next.ServeHTTP(w, r)

			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), cacheOpTimeout)
		defer cancel()

		key, err := c.key(ctx, r)
		if err != nil {
			cacheLookups.WithLabelValues("error").Inc()
			log.Warn().Err(err).Str("component", "cache").Msg("redis error")
			next.ServeHTTP(w, r)

			return
		}

		val, err := c.rdb.Get(ctx, key)
		if err == nil {
			cacheLookups.WithLabelValues("hit").Inc()
			w.Header().Set("X-Cache", "HIT")
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(val)

			return
		} else if !errors.Is(err, redis.Nil) {
			cacheLookups.WithLabelValues("error").Inc()
			log.Warn().Err(err).Str("component", "cache").Msg("redis error")
		} else {
			cacheLookups.WithLabelValues("miss").Inc()
		}

		spy := &responseWrapper{ResponseWriter: w}
		next.ServeHTTP(spy, r)

		if spy.statusCode != http.StatusOK {
			return
		}

		go func(k string, data []byte) {
			saveCtx, saveCancel := context.WithTimeout(context.Background(), cacheOpTimeout)
			defer saveCancel()

			if serr := c.rdb.Set(saveCtx, k, data, c.ttl); serr != nil {
				log.Warn().Err(serr).Str("component", "cache").Msg("failed to save")
			}
		}(key, spy.body.Bytes())
	})
}
