package api

import (
	"context"
	"crypto/subtle"
	"fmt"
	"net/http"
	"net/netip"
	"slices"
	"strings"
	"time"

	"github.com/AdguardTeam/golibs/errors"
	json "github.com/goccy/go-json"
	"github.com/ngoyal88/webstat/pkg/archive"
	"github.com/ngoyal88/webstat/pkg/geoip"
	"github.com/ngoyal88/webstat/pkg/middleware"
	"github.com/ngoyal88/webstat/pkg/storage"
	"github.com/rs/zerolog/log"
)

// dayFormat is the layout of the day query parameter.
const dayFormat = time.DateOnly

// defaultWindow is the length of the range used when neither bound is given.
const defaultWindow = 7 * 24 * time.Hour

// Config is the configuration of an AdminAPI.
type Config struct {
	// Store is queried by the stats endpoints.  It must not be nil.
	Store storage.Store

	// Resolver is purged by the geoip endpoint.  Nil disables it.
	Resolver geoip.Resolver

	// Exporter is used by the export endpoint.  Nil disables it.
	Exporter *archive.Exporter

	// Cache, if not nil, keeps the responses of the query endpoints.  It's
	// invalidated on purge.
	Cache *middleware.ResponseCache

	// AdminKey authenticates the requests.  Empty rejects all of them.
	AdminKey string

	// OpTimeout bounds every store operation.
	OpTimeout time.Duration
}

// AdminAPI provides endpoints for querying and maintaining the request store
type AdminAPI struct {
	store     storage.Store
	resolver  geoip.Resolver
	exporter  *archive.Exporter
	cache     *middleware.ResponseCache
	adminKey  string
	opTimeout time.Duration
}

// NewAdminAPI creates a new admin API handler
func NewAdminAPI(c *Config) *AdminAPI {
	opTimeout := c.OpTimeout
	if opTimeout <= 0 {
		opTimeout = 10 * time.Second
	}

	return &AdminAPI{
		store:     c.Store,
		resolver:  c.Resolver,
		exporter:  c.Exporter,
		cache:     c.Cache,
		adminKey:  c.AdminKey,
		opTimeout: opTimeout,
	}
}

// RegisterRoutes registers admin endpoints
func (api *AdminAPI) RegisterRoutes(mux *http.ServeMux) {
	// Queries
	mux.HandleFunc("GET /admin/stats/count", api.authenticate(api.cached(api.handleCount)))
	mux.HandleFunc("GET /admin/stats/uniques", api.authenticate(api.cached(api.handleUniques)))
	mux.HandleFunc("GET /admin/stats/uniques/count", api.authenticate(api.cached(api.handleCountUniques)))
	mux.HandleFunc("GET /admin/stats/ips", api.authenticate(api.cached(api.handleIPAddresses)))
	mux.HandleFunc("GET /admin/stats/requests", api.authenticate(api.cached(api.handleRequests)))
	mux.HandleFunc("GET /admin/identities/{identity}", api.authenticate(api.cached(api.handleIdentity)))

	// Maintenance
	mux.HandleFunc("POST /admin/purge", api.authenticate(api.handlePurge))
	mux.HandleFunc("POST /admin/geoip/purge", api.authenticate(api.handleGeoIPPurge))
	mux.HandleFunc("POST /admin/export", api.authenticate(api.handleExport))

	// System
	mux.HandleFunc("GET /admin/health", api.handleHealth)
}

// authenticate checks the admin key from X-Admin-Key or a bearer token.
func (api *AdminAPI) authenticate(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Admin-Key")
		if key == "" {
			key, _ = strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		}

		if api.adminKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(api.adminKey)) != 1 {
			respondJSON(w, http.StatusUnauthorized, map[string]string{
				"error": "Invalid admin key",
			})

			return
		}

		next(w, r)
	}
}

// cached serves the responses of next from the cache, if there is one.
func (api *AdminAPI) cached(next http.HandlerFunc) http.HandlerFunc {
	if api.cache == nil {
		return next
	}

	return api.cache.Middleware(next).ServeHTTP
}

// handleCount returns the number of requests in the range.
func (api *AdminAPI) handleCount(w http.ResponseWriter, r *http.Request) {
	rng, ok := rangeOrRespond(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), api.opTimeout)
	defer cancel()

	n, err := api.store.Count(ctx, rng)
	if err != nil {
		respondStoreError(w, "count", err)

		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"range": rng.String(),
		"count": n,
	})
}

// handleUniques lists the distinct identities in the range.
func (api *AdminAPI) handleUniques(w http.ResponseWriter, r *http.Request) {
	rng, ok := rangeOrRespond(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), api.opTimeout)
	defer cancel()

	ids, err := api.store.UniqueIdentities(ctx, rng)
	if err != nil {
		respondStoreError(w, "unique identities", err)

		return
	}

	slices.Sort(ids)

	respondJSON(w, http.StatusOK, map[string]any{
		"range":      rng.String(),
		"identities": ids,
	})
}

// handleCountUniques returns the number of distinct identities in the range.
func (api *AdminAPI) handleCountUniques(w http.ResponseWriter, r *http.Request) {
	rng, ok := rangeOrRespond(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), api.opTimeout)
	defer cancel()

	n, err := api.store.CountUniqueIdentities(ctx, rng)
	if err != nil {
		respondStoreError(w, "count unique identities", err)

		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"range": rng.String(),
		"count": n,
	})
}

// handleIPAddresses lists the distinct client addresses in the range.
func (api *AdminAPI) handleIPAddresses(w http.ResponseWriter, r *http.Request) {
	rng, ok := rangeOrRespond(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), api.opTimeout)
	defer cancel()

	ips, err := api.store.IPAddresses(ctx, rng)
	if err != nil {
		respondStoreError(w, "ip addresses", err)

		return
	}

	slices.SortFunc(ips, netip.Addr.Compare)

	respondJSON(w, http.StatusOK, map[string]any{
		"range": rng.String(),
		"ips":   ips,
	})
}

// handleRequests returns the requests in the range.
func (api *AdminAPI) handleRequests(w http.ResponseWriter, r *http.Request) {
	rng, ok := rangeOrRespond(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), api.opTimeout)
	defer cancel()

	reqs, err := api.store.RequestsInRange(ctx, rng)
	if err != nil {
		respondStoreError(w, "requests in range", err)

		return
	}

	storage.SortRequests(reqs)

	respondJSON(w, http.StatusOK, map[string]any{
		"range":    rng.String(),
		"requests": reqs,
		"count":    len(reqs),
	})
}

// handleIdentity returns every request of one identity.
func (api *AdminAPI) handleIdentity(w http.ResponseWriter, r *http.Request) {
	identity := r.PathValue("identity")

	ctx, cancel := context.WithTimeout(r.Context(), api.opTimeout)
	defer cancel()

	reqs, err := api.store.RequestsByIdentity(ctx, identity)
	if err != nil {
		respondStoreError(w, "requests by identity", err)

		return
	}

	storage.SortRequests(reqs)

	respondJSON(w, http.StatusOK, map[string]any{
		"identity": identity,
		"requests": reqs,
		"count":    len(reqs),
	})
}

// handlePurge removes every stored request.
func (api *AdminAPI) handlePurge(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), api.opTimeout)
	defer cancel()

	if err := api.store.Purge(ctx); err != nil {
		respondStoreError(w, "purge", err)

		return
	}

	log.Warn().Str("component", "admin").Str("remote", r.RemoteAddr).Msg("store purged")

	if api.cache != nil {
		if err := api.cache.Invalidate(ctx); err != nil {
			log.Error().Err(err).Str("component", "admin").Msg("failed to invalidate cache")
		}
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"message": "All requests purged",
	})
}

// handleGeoIPPurge drops the cached country lookups.
func (api *AdminAPI) handleGeoIPPurge(w http.ResponseWriter, r *http.Request) {
	if api.resolver == nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "GeoIP not enabled",
		})

		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), api.opTimeout)
	defer cancel()

	if err := api.resolver.Purge(ctx); err != nil {
		respondJSON(w, http.StatusInternalServerError, map[string]string{
			"error": fmt.Sprintf("Failed to purge geoip: %v", err),
		})

		return
	}

	respondJSON(w, http.StatusOK, map[string]string{
		"message": "GeoIP data purged",
	})
}

// handleExport archives the requests in the range.
func (api *AdminAPI) handleExport(w http.ResponseWriter, r *http.Request) {
	if api.exporter == nil {
		respondJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error": "Export not enabled",
		})

		return
	}

	rng, ok := rangeOrRespond(w, r)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), api.opTimeout)
	defer cancel()

	res, err := api.exporter.Export(ctx, rng)
	if err != nil {
		respondStoreError(w, "export", err)

		return
	}

	respondJSON(w, http.StatusOK, res)
}

// handleHealth returns system health
func (api *AdminAPI) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{
		"status":    "healthy",
		"timestamp": time.Now(),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	if err := api.store.Ping(ctx); err != nil {
		health["storage"] = "unhealthy"
		health["status"] = "degraded"
		status = http.StatusServiceUnavailable
	} else {
		health["storage"] = "healthy"
	}

	respondJSON(w, status, health)
}

// rangeOrRespond parses the range of r and responds with an error if it's
// invalid.
func rangeOrRespond(w http.ResponseWriter, r *http.Request) (rng storage.Range, ok bool) {
	rng, err := ParseRange(r.URL.Query(), time.Now())
	if err != nil {
		respondJSON(w, http.StatusBadRequest, map[string]string{
			"error": err.Error(),
		})

		return storage.Range{}, false
	}

	return rng, true
}

// respondStoreError writes the error of a store operation.
func respondStoreError(w http.ResponseWriter, op string, err error) {
	status := http.StatusInternalServerError

	var persistErr *storage.PersistenceError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	case errors.As(err, &persistErr):
		status = http.StatusServiceUnavailable
	}

	log.Error().Err(err).Str("component", "admin").Str("op", op).Msg("store operation failed")

	respondJSON(w, status, map[string]string{
		"error": fmt.Sprintf("Failed to %s: %v", op, err),
	})
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
