package middleware

import (
	"context"
	"net/http"
	"net/netip"
	"path"
	"slices"
	"strings"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/google/uuid"
	"github.com/ngoyal88/webstat/pkg/geoip"
	"github.com/ngoyal88/webstat/pkg/storage"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"github.com/sourcegraph/conc"
)

// identityCookieMaxAge is how long a browser keeps its identity.
const identityCookieMaxAge = 365 * 24 * time.Hour

// CaptureConfig is the configuration of a Recorder.
type CaptureConfig struct {
	// Store receives the captured requests.  It must not be nil.
	Store storage.Store

	// Resolver looks up the country of the client.  Nil means the country is
	// always unknown.
	Resolver geoip.Resolver

	// Visitors, if not nil, counts the identities seen.
	Visitors *Visitors

	// IdentityCookie is the name of the cookie holding the identity of a
	// browser.  Empty means the client address is the identity.
	IdentityCookie string

	// ExcludePaths are path prefixes that aren't recorded.
	ExcludePaths []string

	// ExcludeExtensions are file extensions, like ".css", that aren't
	// recorded.
	ExcludeExtensions []string

	// ExcludeLoopback disables recording of loopback clients.
	ExcludeLoopback bool

	// TrustForwarded makes the client address come from X-Forwarded-For.
	TrustForwarded bool

	// WriteTimeout bounds each store write.
	WriteTimeout time.Duration

	// BreakerMaxFailures is the number of consecutive failed writes that
	// stops writing for BreakerOpenTimeout.
	BreakerMaxFailures uint32

	// BreakerOpenTimeout is how long writes are skipped once the breaker
	// trips.
	BreakerOpenTimeout time.Duration
}

// Recorder builds a WebRequest for every proxied request and writes it into
// the store in the background.  Failing writes never affect the response.
type Recorder struct {
	store    storage.Store
	resolver geoip.Resolver
	visitors *Visitors
	breaker  *gobreaker.CircuitBreaker

	// wg tracks the writes in flight.
	wg *conc.WaitGroup

	cookie       string
	excludePaths []string
	excludeExts  []string
	excludeLocal bool
	trustFwd     bool
	writeTimeout time.Duration
}

// NewRecorder returns a new *Recorder.  c must not be nil.
func NewRecorder(c *CaptureConfig) (r *Recorder) {
	resolver := c.Resolver
	if resolver == nil {
		resolver = geoip.Empty{}
	}

	maxFailures := c.BreakerMaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}

	writeTimeout := c.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}

	exts := make([]string, 0, len(c.ExcludeExtensions))
	for _, e := range c.ExcludeExtensions {
		exts = append(exts, strings.ToLower(e))
	}

	return &Recorder{
		store:    c.Store,
		resolver: resolver,
		visitors: c.Visitors,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "store-writes",
			Timeout: c.BreakerOpenTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= maxFailures
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				breakerState.Set(float64(to))
				log.Warn().
					Str("component", "capture").
					Str("breaker", name).
					Stringer("from", from).
					Stringer("to", to).
					Msg("breaker state changed")
			},
		}),
		wg:           conc.NewWaitGroup(),
		cookie:       c.IdentityCookie,
		excludePaths: c.ExcludePaths,
		excludeExts:  exts,
		excludeLocal: c.ExcludeLoopback,
		trustFwd:     c.TrustForwarded,
		writeTimeout: writeTimeout,
	}
}

// Middleware records the requests passing through next.
func (rec *Recorder) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ip := ClientIP(r, rec.trustFwd)
		if rec.skip(r, ip) {
			capturedRequests.WithLabelValues("skipped").Inc()
			next.ServeHTTP(w, r)

			return
		}

		identity := rec.identity(w, r, ip)

		next.ServeHTTP(w, r)

		req := &storage.WebRequest{
			Timestamp:       start,
			Identity:        identity,
			RemoteIPAddress: ip,
			Path:            r.URL.Path,
			Method:          r.Method,
			Referer:         r.Referer(),
			UserAgent:       r.UserAgent(),
			IsWebSocket:     isWebSocket(r),
		}

		rec.wg.Go(func() {
			ctx, cancel := context.WithTimeout(context.Background(), rec.writeTimeout)
			defer cancel()

			rec.Record(ctx, req)
		})
	})
}

// skip returns true if r must not be recorded.
func (rec *Recorder) skip(r *http.Request, ip netip.Addr) (ok bool) {
	if !ip.IsValid() || (rec.excludeLocal && ip.IsLoopback()) {
		return true
	}

	p := r.URL.Path
	for _, prefix := range rec.excludePaths {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}

	ext := strings.ToLower(path.Ext(p))

	return ext != "" && slices.Contains(rec.excludeExts, ext)
}

// identity returns the identity of the client, setting a new identity cookie
// if the client has none.
func (rec *Recorder) identity(w http.ResponseWriter, r *http.Request, ip netip.Addr) (id string) {
	if rec.cookie == "" {
		return ip.String()
	}

	if c, err := r.Cookie(rec.cookie); err == nil && c.Value != "" {
		return c.Value
	}

	id = uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     rec.cookie,
		Value:    id,
		Path:     "/",
		MaxAge:   int(identityCookieMaxAge.Seconds()),
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})

	return id
}

// Record resolves the country of req and writes it into the store.  Errors
// are logged and counted.
func (rec *Recorder) Record(ctx context.Context, req *storage.WebRequest) {
	ctry, err := rec.resolver.Resolve(ctx, req.RemoteIPAddress)
	if err != nil {
		log.Debug().Err(err).Str("component", "capture").Msg("country unknown")
		ctry = storage.CountryNone
	}

	req.CountryCode = ctry

	if rec.visitors != nil {
		rec.visitors.Record(req.Identity, req.Timestamp)
	}

	_, err = rec.breaker.Execute(func() (res any, execErr error) {
		return nil, rec.store.StoreRequest(ctx, req)
	})
	switch {
	case err == nil:
		capturedRequests.WithLabelValues("stored").Inc()
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		capturedRequests.WithLabelValues("dropped").Inc()
	default:
		capturedRequests.WithLabelValues("failed").Inc()
		log.Error().
			Err(err).
			Str("component", "capture").
			Str("path", req.Path).
			Msg("failed to store request")
	}
}

// Wait blocks until the writes in flight are done.  No requests must be
// passing through the middleware.
func (rec *Recorder) Wait() {
	rec.wg.Wait()
}

// isWebSocket returns true if r asks for a websocket upgrade.
func isWebSocket(r *http.Request) (ok bool) {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return false
	}

	for _, v := range strings.Split(r.Header.Get("Connection"), ",") {
		if strings.EqualFold(strings.TrimSpace(v), "upgrade") {
			return true
		}
	}

	return false
}
