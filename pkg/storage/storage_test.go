package storage_test

import (
	"context"
	"fmt"
	"net/netip"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/ngoyal88/webstat/pkg/storage"
	"github.com/sourcegraph/conc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testTimeout is the common timeout for tests.
const testTimeout = 5 * time.Second

// testDay is the day most of the test requests are made on.
var testDay = time.Date(2024, time.May, 17, 0, 0, 0, 0, time.UTC)

// Common addresses for tests.
var (
	matteoIP = netip.MustParseAddr("86.49.47.89")
	francoIP = netip.MustParseAddr("212.95.74.42")
)

// testPaths are the paths requested by every test identity.
var testPaths = []string{"/", "/home", "/read", "/", "/stat"}

// openers returns constructors of fresh stores for every backend.
func openers() (m map[string]func(t *testing.T) storage.Store) {
	return map[string]func(t *testing.T) storage.Store{
		storage.BackendMemory: func(t *testing.T) storage.Store {
			return openStore(t, "memory://")
		},
		storage.BackendSQLite: func(t *testing.T) storage.Store {
			return openStore(t, "sqlite://"+filepath.Join(t.TempDir(), "test.db"))
		},
		storage.BackendBolt: func(t *testing.T) storage.Store {
			return openStore(t, "bolt://"+filepath.Join(t.TempDir(), "test.bolt"))
		},
		storage.BackendRedis: func(t *testing.T) storage.Store {
			mr := miniredis.RunT(t)

			return openStore(t, "redis://"+mr.Addr())
		},
	}
}

// openStore opens a store and registers its closing as a cleanup.
func openStore(t *testing.T, descriptor string, opts ...storage.Option) (s storage.Store) {
	t.Helper()

	s, err := storage.Open(testContext(t), descriptor, opts...)
	require.NoError(t, err)

	t.Cleanup(func() { assert.NoError(t, s.Close()) })

	return s
}

// testContext returns a context bound to the test's lifetime.
func testContext(t *testing.T) (ctx context.Context) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), testTimeout)
	t.Cleanup(cancel)

	return ctx
}

// newRequests returns one request per test path for identity, made a second
// apart starting at start.
func newRequests(
	identity string,
	ip netip.Addr,
	ctry storage.Country,
	start time.Time,
) (reqs []*storage.WebRequest) {
	for i, p := range testPaths {
		reqs = append(reqs, &storage.WebRequest{
			Timestamp:       start.Add(time.Duration(i) * time.Second),
			Identity:        identity,
			RemoteIPAddress: ip,
			Path:            p,
			Method:          "GET",
			Referer:         "",
			UserAgent:       "Mozilla/5.0 (compatible; bingbot/2.0; +http://www.bing.com/bingbot.htm)",
			CountryCode:     ctry,
		})
	}

	return reqs
}

// storeAll writes every request into s.
func storeAll(t *testing.T, s storage.Store, reqs ...*storage.WebRequest) {
	t.Helper()

	ctx := testContext(t)
	for _, req := range reqs {
		require.NoError(t, s.StoreRequest(ctx, req))
	}
}

func TestStore_contract(t *testing.T) {
	matteo := newRequests("MATTEO", matteoIP, "CZ", testDay.Add(10*time.Hour))
	franco := newRequests("FRANCO", francoIP, "FR", testDay.Add(11*time.Hour))

	for name, open := range openers() {
		t.Run(name, func(t *testing.T) {
			t.Run("count", func(t *testing.T) {
				s := open(t)
				storeAll(t, s, matteo...)

				n, err := s.Count(testContext(t), storage.All())
				require.NoError(t, err)

				assert.Equal(t, int64(len(matteo)), n)
			})

			t.Run("reversed_range", func(t *testing.T) {
				s := open(t)
				storeAll(t, s, matteo...)

				ctx := testContext(t)
				r := storage.Between(storage.MaxInstant, storage.MinInstant)

				n, err := s.Count(ctx, r)
				require.NoError(t, err)
				assert.Zero(t, n)

				n, err = s.CountUniqueIdentities(ctx, r)
				require.NoError(t, err)
				assert.Zero(t, n)

				ids, err := s.UniqueIdentities(ctx, r)
				require.NoError(t, err)
				assert.Empty(t, ids)

				ips, err := s.IPAddresses(ctx, r)
				require.NoError(t, err)
				assert.Empty(t, ips)

				reqs, err := s.RequestsInRange(ctx, r)
				require.NoError(t, err)
				assert.Empty(t, reqs)
			})

			t.Run("ping", func(t *testing.T) {
				assert.NoError(t, open(t).Ping(testContext(t)))
			})

			t.Run("extreme_instants", func(t *testing.T) {
				s := open(t)
				storeAll(t, s, &storage.WebRequest{
					Timestamp:       storage.MinInstant,
					Identity:        "FIRST",
					RemoteIPAddress: matteoIP,
				}, &storage.WebRequest{
					Timestamp:       storage.MaxInstant,
					Identity:        "LAST",
					RemoteIPAddress: francoIP,
				})

				ctx := testContext(t)

				n, err := s.Count(ctx, storage.All())
				require.NoError(t, err)
				assert.Equal(t, int64(2), n)

				n, err = s.Count(ctx, storage.Day(storage.MinInstant))
				require.NoError(t, err)
				assert.Equal(t, int64(1), n)

				n, err = s.Count(ctx, storage.Day(storage.MaxInstant))
				require.NoError(t, err)
				assert.Equal(t, int64(1), n)

				reqs, err := s.RequestsInRange(ctx, storage.Day(storage.MaxInstant))
				require.NoError(t, err)
				require.Len(t, reqs, 1)
				assert.Equal(t, "LAST", reqs[0].Identity)
				assert.True(t, storage.MaxInstant.Equal(reqs[0].Timestamp))
			})

			t.Run("identities", func(t *testing.T) {
				s := open(t)
				ctx := testContext(t)
				storeAll(t, s, matteo...)

				n, err := s.CountUniqueIdentities(ctx, storage.Day(testDay))
				require.NoError(t, err)
				assert.Equal(t, int64(1), n)

				n, err = s.CountUniqueIdentities(ctx, storage.All())
				require.NoError(t, err)
				assert.Equal(t, int64(1), n)

				storeAll(t, s, franco...)

				n, err = s.CountUniqueIdentities(ctx, storage.Day(testDay))
				require.NoError(t, err)
				assert.Equal(t, int64(2), n)

				ids, err := s.UniqueIdentities(ctx, storage.Day(testDay))
				require.NoError(t, err)
				assert.ElementsMatch(t, []string{"MATTEO", "FRANCO"}, ids)
			})

			t.Run("ip_addresses", func(t *testing.T) {
				s := open(t)
				ctx := testContext(t)
				storeAll(t, s, matteo...)

				ips, err := s.IPAddresses(ctx, storage.Day(testDay))
				require.NoError(t, err)
				assert.Equal(t, []netip.Addr{matteoIP}, ips)

				storeAll(t, s, franco...)

				ips, err = s.IPAddresses(ctx, storage.All())
				require.NoError(t, err)
				assert.ElementsMatch(t, []netip.Addr{matteoIP, francoIP}, ips)
			})

			t.Run("requests_by_identity", func(t *testing.T) {
				s := open(t)
				ctx := testContext(t)
				storeAll(t, s, matteo...)
				storeAll(t, s, franco...)

				reqs, err := s.RequestsByIdentity(ctx, "MATTEO")
				require.NoError(t, err)
				require.Len(t, reqs, len(matteo))

				for _, req := range reqs {
					assert.Equal(t, "MATTEO", req.Identity)
					assert.Equal(t, matteoIP, req.RemoteIPAddress)
				}

				reqs, err = s.RequestsByIdentity(ctx, "FRANCO")
				require.NoError(t, err)
				assert.Len(t, reqs, len(franco))

				reqs, err = s.RequestsByIdentity(ctx, "NOBODY")
				require.NoError(t, err)
				assert.Empty(t, reqs)
			})

			t.Run("day_boundary", func(t *testing.T) {
				s := open(t)
				ctx := testContext(t)
				next := testDay.Add(24 * time.Hour)
				storeAll(t, s,
					&storage.WebRequest{Timestamp: testDay, Identity: "A", RemoteIPAddress: matteoIP},
					&storage.WebRequest{Timestamp: next, Identity: "B", RemoteIPAddress: francoIP},
				)

				n, err := s.Count(ctx, storage.Between(testDay, next))
				require.NoError(t, err)
				assert.Equal(t, int64(2), n)

				n, err = s.Count(ctx, storage.Day(testDay))
				require.NoError(t, err)
				assert.Equal(t, int64(1), n)

				n, err = s.CountUniqueIdentities(ctx, storage.Day(testDay))
				require.NoError(t, err)
				assert.Equal(t, int64(1), n)

				n, err = s.CountUniqueIdentities(ctx, storage.Between(testDay, next))
				require.NoError(t, err)
				assert.Equal(t, int64(2), n)

				ids, err := s.UniqueIdentities(ctx, storage.Day(testDay.Add(13*time.Hour)))
				require.NoError(t, err)
				assert.Equal(t, []string{"A"}, ids)

				ips, err := s.IPAddresses(ctx, storage.Day(next))
				require.NoError(t, err)
				assert.Equal(t, []netip.Addr{francoIP}, ips)

				reqs, err := s.RequestsInRange(ctx, storage.Day(testDay))
				require.NoError(t, err)
				require.Len(t, reqs, 1)
				assert.Equal(t, "A", reqs[0].Identity)
			})

			t.Run("round_trip", func(t *testing.T) {
				s := open(t)
				ctx := testContext(t)
				want := []*storage.WebRequest{{
					Timestamp:       testDay.Add(123456789 * time.Microsecond),
					Identity:        "ROUND",
					RemoteIPAddress: netip.MustParseAddr("2001:db8::1"),
					Path:            "/ws",
					Method:          "GET",
					Referer:         "https://example.org/",
					UserAgent:       "test",
					CountryCode:     "IT",
					IsWebSocket:     true,
				}, {
					Timestamp:       testDay.Add(time.Hour),
					Identity:        "ROUND",
					RemoteIPAddress: netip.MustParseAddr("::ffff:10.0.0.1"),
					Path:            "/",
					Method:          "POST",
					CountryCode:     storage.CountryNone,
				}}
				storeAll(t, s, want...)

				got, err := s.RequestsByIdentity(ctx, "ROUND")
				require.NoError(t, err)
				require.Len(t, got, len(want))

				sort.Slice(got, func(i, j int) bool { return got[i].ID < got[j].ID })
				for i, req := range got {
					assert.NotZero(t, req.ID)

					cp := *req
					cp.ID = 0
					assert.Equal(t, *want[i], cp)
				}
			})

			t.Run("purge", func(t *testing.T) {
				s := open(t)
				ctx := testContext(t)
				storeAll(t, s, matteo...)

				before, err := s.RequestsInRange(ctx, storage.All())
				require.NoError(t, err)
				require.NotEmpty(t, before)

				require.NoError(t, s.Purge(ctx))
				require.NoError(t, s.Purge(ctx))

				n, err := s.Count(ctx, storage.All())
				require.NoError(t, err)
				assert.Zero(t, n)

				reqs, err := s.RequestsInRange(ctx, storage.All())
				require.NoError(t, err)
				assert.Empty(t, reqs)

				reqs, err = s.RequestsByIdentity(ctx, "MATTEO")
				require.NoError(t, err)
				assert.Empty(t, reqs)

				storeAll(t, s, franco[0])

				after, err := s.RequestsInRange(ctx, storage.All())
				require.NoError(t, err)
				require.Len(t, after, 1)

				for _, req := range before {
					assert.Greater(t, after[0].ID, req.ID)
				}
			})

			t.Run("invalid_requests", func(t *testing.T) {
				s := open(t)
				ctx := testContext(t)

				testCases := []struct {
					req     *storage.WebRequest
					wantErr error
					name    string
				}{{
					req:     nil,
					wantErr: storage.ErrNilRequest,
					name:    "nil",
				}, {
					req:     &storage.WebRequest{RemoteIPAddress: matteoIP},
					wantErr: storage.ErrNoTimestamp,
					name:    "no_timestamp",
				}, {
					req:     &storage.WebRequest{Timestamp: testDay},
					wantErr: storage.ErrInvalidAddress,
					name:    "no_address",
				}}

				for _, tc := range testCases {
					t.Run(tc.name, func(t *testing.T) {
						err := s.StoreRequest(ctx, tc.req)
						assert.ErrorIs(t, err, tc.wantErr)

						var perr *storage.PersistenceError
						assert.ErrorAs(t, err, &perr)
					})
				}

				n, err := s.Count(ctx, storage.All())
				require.NoError(t, err)
				assert.Zero(t, n)
			})

			t.Run("concurrent_writes", func(t *testing.T) {
				s := open(t)
				ctx := testContext(t)

				const writers = 20
				var wg conc.WaitGroup
				for i := range writers {
					wg.Go(func() {
						req := &storage.WebRequest{
							Timestamp:       testDay.Add(time.Duration(i) * time.Minute),
							Identity:        fmt.Sprintf("user-%d", i%4),
							RemoteIPAddress: matteoIP,
						}
						assert.NoError(t, s.StoreRequest(ctx, req))
					})
				}
				wg.Wait()

				reqs, err := s.RequestsInRange(ctx, storage.Day(testDay))
				require.NoError(t, err)
				require.Len(t, reqs, writers)

				seen := map[uint64]struct{}{}
				for _, req := range reqs {
					seen[req.ID] = struct{}{}
				}
				assert.Len(t, seen, writers)

				n, err := s.CountUniqueIdentities(ctx, storage.Day(testDay))
				require.NoError(t, err)
				assert.Equal(t, int64(4), n)
			})
		})
	}
}

// sameResultsRanges are the ranges compared across backends.
var sameResultsRanges = []storage.Range{
	storage.All(),
	storage.Day(testDay),
	storage.Day(testDay.Add(24 * time.Hour)),
	storage.Between(testDay, testDay.Add(24*time.Hour)),
	storage.Between(testDay.Add(10*time.Hour+time.Second), testDay.Add(10*time.Hour+3*time.Second)),
	storage.Between(testDay.Add(10*time.Hour+500*time.Millisecond), testDay.Add(11*time.Hour+2*time.Second+1)),
	storage.Between(testDay.Add(time.Hour), testDay),
}

// queryResults are the answers of a store to every query over a range.
type queryResults struct {
	ids     []string
	ips     []netip.Addr
	reqs    []*storage.WebRequest
	count   int64
	uniques int64
}

func TestStore_sameResults(t *testing.T) {
	var reqs []*storage.WebRequest
	reqs = append(reqs, newRequests("MATTEO", matteoIP, "CZ", testDay.Add(10*time.Hour))...)
	reqs = append(reqs, newRequests("FRANCO", francoIP, "FR", testDay.Add(11*time.Hour))...)
	reqs = append(reqs,
		&storage.WebRequest{Timestamp: testDay, Identity: "MIDNIGHT", RemoteIPAddress: francoIP},
		&storage.WebRequest{
			Timestamp:       testDay.Add(24 * time.Hour),
			Identity:        "NEXT",
			RemoteIPAddress: netip.MustParseAddr("2001:db8::2"),
		},
	)

	results := map[string][]queryResults{}
	for name, open := range openers() {
		s := open(t)
		storeAll(t, s, reqs...)

		ctx := testContext(t)
		for _, r := range sameResultsRanges {
			var res queryResults
			var err error

			res.count, err = s.Count(ctx, r)
			require.NoError(t, err)

			res.uniques, err = s.CountUniqueIdentities(ctx, r)
			require.NoError(t, err)

			res.ids, err = s.UniqueIdentities(ctx, r)
			require.NoError(t, err)
			assert.Len(t, res.ids, int(res.uniques), "%s %s", name, r)

			res.ips, err = s.IPAddresses(ctx, r)
			require.NoError(t, err)

			res.reqs, err = s.RequestsInRange(ctx, r)
			require.NoError(t, err)
			assert.Len(t, res.reqs, int(res.count), "%s %s", name, r)

			results[name] = append(results[name], res)
		}
	}

	opts := cmp.Options{
		cmp.AllowUnexported(queryResults{}),
		cmp.Comparer(func(a, b netip.Addr) bool { return a == b }),
		cmpopts.SortSlices(func(a, b string) bool { return a < b }),
		cmpopts.SortSlices(func(a, b netip.Addr) bool { return a.Less(b) }),
		cmpopts.SortSlices(func(a, b *storage.WebRequest) bool { return a.ID < b.ID }),
		cmpopts.EquateEmpty(),
	}

	want := results[storage.BackendMemory]
	for name, got := range results {
		assert.Empty(t, cmp.Diff(want, got, opts), name)
	}
}

func TestOpen(t *testing.T) {
	ctx := testContext(t)

	_, err := storage.Open(ctx, "mysql://localhost/db")
	assert.ErrorIs(t, err, storage.ErrUnknownScheme)

	_, err = storage.Open(ctx, "no-scheme")
	assert.ErrorIs(t, err, storage.ErrUnknownScheme)

	_, err = storage.Open(ctx, "memory://", storage.WithTable("bad name;"))
	assert.Error(t, err)

	var perr *storage.PersistenceError
	_, err = storage.Open(ctx, "redis://127.0.0.1:1")
	assert.ErrorAs(t, err, &perr)
}

func TestOpen_tables(t *testing.T) {
	ctx := testContext(t)
	desc := "sqlite://" + filepath.Join(t.TempDir(), "shared.db")

	first := openStore(t, desc, storage.WithTable("first_requests"))
	storeAll(t, first, newRequests("MATTEO", matteoIP, "CZ", testDay)...)

	second := openStore(t, desc, storage.WithTable("second_requests"))

	n, err := second.Count(ctx, storage.All())
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = first.Count(ctx, storage.All())
	require.NoError(t, err)
	assert.Equal(t, int64(len(testPaths)), n)
}
