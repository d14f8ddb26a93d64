package api_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/netip"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	json "github.com/goccy/go-json"
	"github.com/ngoyal88/webstat/pkg/api"
	"github.com/ngoyal88/webstat/pkg/archive"
	"github.com/ngoyal88/webstat/pkg/cache"
	"github.com/ngoyal88/webstat/pkg/geoip"
	"github.com/ngoyal88/webstat/pkg/middleware"
	"github.com/ngoyal88/webstat/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testAdminKey is the admin key used in tests.
const testAdminKey = "admin_test"

// testDay is the day of the test requests.
var testDay = time.Date(2024, time.May, 17, 0, 0, 0, 0, time.UTC)

// newTestMux returns a mux with the admin API over a memory store holding the
// MATTEO and FRANCO requests.
func newTestMux(t *testing.T) (mux *http.ServeMux, s storage.Store) {
	t.Helper()

	return newTestMuxCache(t, nil)
}

// newTestMuxCache is like newTestMux but with a response cache.
func newTestMuxCache(t *testing.T, c *middleware.ResponseCache) (mux *http.ServeMux, s storage.Store) {
	t.Helper()

	s = storage.NewMemoryStore()
	t.Cleanup(func() { _ = s.Close() })

	ctx := context.Background()
	for _, req := range []*storage.WebRequest{{
		Timestamp:       testDay.Add(time.Hour),
		Identity:        "MATTEO",
		RemoteIPAddress: netip.MustParseAddr("86.49.47.89"),
	}, {
		Timestamp:       testDay.Add(2 * time.Hour),
		Identity:        "FRANCO",
		RemoteIPAddress: netip.MustParseAddr("2001:db8::1"),
	}, {
		Timestamp:       testDay.Add(3 * time.Hour),
		Identity:        "MATTEO",
		RemoteIPAddress: netip.MustParseAddr("86.49.47.89"),
	}, {
		Timestamp:       testDay.Add(24 * time.Hour),
		Identity:        "MATTEO",
		RemoteIPAddress: netip.MustParseAddr("86.49.47.90"),
	}} {
		require.NoError(t, s.StoreRequest(ctx, req))
	}

	mux = http.NewServeMux()
	api.NewAdminAPI(&api.Config{
		Store:     s,
		Resolver:  geoip.Empty{},
		Exporter:  archive.NewExporter(s, &archive.DirSink{Dir: filepath.Join(t.TempDir(), "out")}),
		Cache:     c,
		AdminKey:  testAdminKey,
		OpTimeout: time.Second,
	}).RegisterRoutes(mux)

	return mux, s
}

// do performs an authenticated request and decodes the JSON response.
func do(t *testing.T, mux http.Handler, method, target string) (code int, body map[string]any) {
	t.Helper()

	r := httptest.NewRequest(method, target, nil)
	r.Header.Set("Authorization", "Bearer "+testAdminKey)

	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)

	require.Equal(t, "application/json", w.Header().Get("Content-Type"))
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))

	return w.Code, body
}

// dayQuery is the query selecting testDay.
const dayQuery = "?day=2024-05-17"

func TestAdminAPI_queries(t *testing.T) {
	mux, _ := newTestMux(t)

	testCases := []struct {
		want   map[string]any
		name   string
		target string
	}{{
		want:   map[string]any{"count": float64(3)},
		name:   "count_day",
		target: "/admin/stats/count" + dayQuery,
	}, {
		want:   map[string]any{"count": float64(4)},
		name:   "count_inclusive",
		target: "/admin/stats/count?from=2024-05-17T00:00:00Z&to=2024-05-18T00:00:00Z",
	}, {
		want:   map[string]any{"identities": []any{"FRANCO", "MATTEO"}},
		name:   "uniques",
		target: "/admin/stats/uniques" + dayQuery,
	}, {
		want:   map[string]any{"count": float64(2)},
		name:   "uniques_count",
		target: "/admin/stats/uniques/count" + dayQuery,
	}, {
		want:   map[string]any{"ips": []any{"86.49.47.89", "2001:db8::1"}},
		name:   "ips",
		target: "/admin/stats/ips" + dayQuery,
	}, {
		want:   map[string]any{"count": float64(3)},
		name:   "other_zone",
		target: "/admin/stats/count?day=2024-05-16&tz=America/New_York",
	}, {
		want:   map[string]any{"count": float64(3)},
		name:   "requests",
		target: "/admin/stats/requests" + dayQuery,
	}, {
		want:   map[string]any{"count": float64(3), "identity": "MATTEO"},
		name:   "identity",
		target: "/admin/identities/MATTEO",
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			code, body := do(t, mux, http.MethodGet, tc.target)
			require.Equal(t, http.StatusOK, code)

			for k, v := range tc.want {
				assert.Equal(t, v, body[k], k)
			}
		})
	}
}

func TestAdminAPI_badRange(t *testing.T) {
	mux, _ := newTestMux(t)

	for _, q := range []string{
		"?day=17.05.2024",
		"?day=2024-05-17&from=2024-05-17T00:00:00Z",
		"?day=2024-05-17&tz=Nowhere/Special",
		"?from=yesterday",
		"?to=1",
	} {
		code, body := do(t, mux, http.MethodGet, "/admin/stats/count"+q)
		assert.Equal(t, http.StatusBadRequest, code, q)
		assert.NotEmpty(t, body["error"], q)
	}
}

func TestAdminAPI_authenticate(t *testing.T) {
	mux, _ := newTestMux(t)

	testCases := []struct {
		name   string
		header string
		value  string
		want   int
	}{{
		name:   "admin_key",
		header: "X-Admin-Key",
		value:  testAdminKey,
		want:   http.StatusOK,
	}, {
		name:   "wrong_key",
		header: "X-Admin-Key",
		value:  "guess",
		want:   http.StatusUnauthorized,
	}, {
		name:   "wrong_scheme",
		header: "Authorization",
		value:  "Basic " + testAdminKey,
		want:   http.StatusUnauthorized,
	}, {
		name:   "none",
		header: "X-Nothing",
		value:  "",
		want:   http.StatusUnauthorized,
	}}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/admin/stats/count", nil)
			r.Header.Set(tc.header, tc.value)

			w := httptest.NewRecorder()
			mux.ServeHTTP(w, r)
			assert.Equal(t, tc.want, w.Code)
		})
	}

	// Health needs no key.
	r := httptest.NewRequest(http.MethodGet, "/admin/health", nil)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAdminAPI_purge(t *testing.T) {
	mux, s := newTestMux(t)

	code, _ := do(t, mux, http.MethodPost, "/admin/purge")
	require.Equal(t, http.StatusOK, code)

	n, err := s.Count(context.Background(), storage.All())
	require.NoError(t, err)
	assert.Zero(t, n)

	code, _ = do(t, mux, http.MethodPost, "/admin/geoip/purge")
	assert.Equal(t, http.StatusOK, code)

	r := httptest.NewRequest(http.MethodGet, "/admin/purge", nil)
	r.Header.Set("X-Admin-Key", testAdminKey)
	w := httptest.NewRecorder()
	mux.ServeHTTP(w, r)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestAdminAPI_export(t *testing.T) {
	mux, _ := newTestMux(t)

	code, body := do(t, mux, http.MethodPost, "/admin/export"+dayQuery)
	require.Equal(t, http.StatusOK, code)

	assert.Equal(t, float64(3), body["count"])
	assert.True(t, strings.HasSuffix(body["key"].(string), ".jsonl.gz"))
}

func TestAdminAPI_closedStore(t *testing.T) {
	mux, s := newTestMux(t)
	require.NoError(t, s.Close())

	code, body := do(t, mux, http.MethodGet, "/admin/stats/count")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Contains(t, body["error"], "count")

	code, body = do(t, mux, http.MethodGet, "/admin/health")
	assert.Equal(t, http.StatusServiceUnavailable, code)
	assert.Equal(t, "degraded", body["status"])
}

func TestParseRange(t *testing.T) {
	now := testDay.Add(12 * time.Hour)

	r, err := api.ParseRange(url.Values{}, now)
	require.NoError(t, err)
	assert.Equal(t, now, r.To())
	assert.Equal(t, now.Add(-7*24*time.Hour), r.From())
	assert.False(t, r.IsExclusive())

	r, err = api.ParseRange(url.Values{"day": {"2024-05-17"}, "tz": {"Europe/Prague"}}, now)
	require.NoError(t, err)
	assert.True(t, r.IsExclusive())
	assert.Equal(t, testDay.Add(-2*time.Hour), r.From().UTC())
	assert.Equal(t, 24*time.Hour, r.To().Sub(r.From()))
}

func TestAdminAPI_cache(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb, err := cache.NewRedis(mr.Addr(), "", 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rdb.Close() })

	mux, s := newTestMuxCache(t, middleware.NewResponseCache(rdb, "statscache", time.Minute))

	cachedCount := func() (hit bool, count any) {
		r := httptest.NewRequest(http.MethodGet, "/admin/stats/count"+dayQuery, nil)
		r.Header.Set("X-Admin-Key", testAdminKey)

		w := httptest.NewRecorder()
		mux.ServeHTTP(w, r)
		require.Equal(t, http.StatusOK, w.Code)

		var body map[string]any
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))

		return w.Header().Get("X-Cache") == "HIT", body["count"]
	}

	require.Eventually(t, func() bool {
		hit, _ := cachedCount()

		return hit
	}, 5*time.Second, 10*time.Millisecond)

	// A new request isn't visible while the response is cached.
	require.NoError(t, s.StoreRequest(context.Background(), &storage.WebRequest{
		Timestamp:       testDay.Add(5 * time.Hour),
		Identity:        "FRANCO",
		RemoteIPAddress: netip.MustParseAddr("2001:db8::1"),
	}))

	hit, count := cachedCount()
	assert.True(t, hit)
	assert.Equal(t, float64(3), count)

	code, _ := do(t, mux, http.MethodPost, "/admin/purge")
	require.Equal(t, http.StatusOK, code)

	hit, count = cachedCount()
	assert.False(t, hit)
	assert.Equal(t, float64(0), count)
}
