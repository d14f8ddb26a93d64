package geoip_test

import (
	"context"
	"net/netip"
	"path/filepath"
	"testing"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/ngoyal88/webstat/pkg/geoip"
	"github.com/ngoyal88/webstat/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Common addresses for tests.
var (
	testIPCZ    = netip.MustParseAddr("86.49.47.89")
	testIPFR    = netip.MustParseAddr("212.95.74.42")
	testIPOther = netip.MustParseAddr("192.0.2.1")
)

// testTable is the static table used in tests.
var testTable = map[string]string{
	"86.49.0.0/16":    "CZ",
	"86.49.47.0/24":   "SK",
	"212.95.74.42":    "FR",
	"2001:db8::/32":   "DE",
	"2001:db8:1::/48": "AT",
}

// fakeResolver is a Resolver for tests.
type fakeResolver struct {
	onResolve func(ctx context.Context, ip netip.Addr) (c storage.Country, err error)
	onPurge   func(ctx context.Context) (err error)
}

// type check
var _ geoip.Resolver = (*fakeResolver)(nil)

// Resolve implements the geoip.Resolver interface for *fakeResolver.
func (r *fakeResolver) Resolve(ctx context.Context, ip netip.Addr) (c storage.Country, err error) {
	return r.onResolve(ctx, ip)
}

// Purge implements the geoip.Resolver interface for *fakeResolver.
func (r *fakeResolver) Purge(ctx context.Context) (err error) {
	return r.onPurge(ctx)
}

func TestStatic_Resolve(t *testing.T) {
	s, err := geoip.NewStatic(testTable)
	require.NoError(t, err)

	testCases := []struct {
		ip   netip.Addr
		want storage.Country
		name string
	}{{
		ip:   netip.MustParseAddr("86.49.1.1"),
		want: "CZ",
		name: "network",
	}, {
		ip:   testIPCZ,
		want: "SK",
		name: "most_specific",
	}, {
		ip:   testIPFR,
		want: "FR",
		name: "single_address",
	}, {
		ip:   netip.MustParseAddr("::ffff:212.95.74.42"),
		want: "FR",
		name: "mapped",
	}, {
		ip:   netip.MustParseAddr("2001:db8:1::5"),
		want: "AT",
		name: "ipv6",
	}, {
		ip:   netip.MustParseAddr("2001:db8:2::5"),
		want: "DE",
		name: "ipv6_wider",
	}, {
		ip:   testIPOther,
		want: storage.CountryNone,
		name: "unknown",
	}}

	ctx := context.Background()
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			c, resErr := s.Resolve(ctx, tc.ip)
			require.NoError(t, resErr)

			assert.Equal(t, tc.want, c)
		})
	}

	_, err = s.Resolve(ctx, netip.Addr{})

	var rerr *geoip.ResolutionError
	assert.ErrorAs(t, err, &rerr)
}

func TestNewStatic_errors(t *testing.T) {
	_, err := geoip.NewStatic(map[string]string{"not-a-network": "CZ"})
	assert.Error(t, err)

	_, err = geoip.NewStatic(map[string]string{"10.0.0.0/8": "czech"})

	var cerr *storage.NotACountryError
	assert.ErrorAs(t, err, &cerr)
}

func TestCached(t *testing.T) {
	const errResolve errors.Error = "lookup failed"

	calls := 0
	purged := false
	r := &fakeResolver{
		onResolve: func(_ context.Context, ip netip.Addr) (c storage.Country, err error) {
			calls++
			if ip == testIPOther {
				return storage.CountryNone, &geoip.ResolutionError{IP: ip, Err: errResolve}
			}

			return "CZ", nil
		},
		onPurge: func(_ context.Context) (err error) {
			purged = true

			return nil
		},
	}

	c := geoip.NewCached(r, 10)
	ctx := context.Background()

	for range 3 {
		ctry, err := c.Resolve(ctx, testIPCZ)
		require.NoError(t, err)
		assert.Equal(t, storage.Country("CZ"), ctry)
	}
	assert.Equal(t, 1, calls)

	for range 2 {
		_, err := c.Resolve(ctx, testIPOther)
		assert.ErrorIs(t, err, errResolve)
	}
	assert.Equal(t, 3, calls)

	require.NoError(t, c.Purge(ctx))
	assert.True(t, purged)

	_, err := c.Resolve(ctx, testIPCZ)
	require.NoError(t, err)
	assert.Equal(t, 4, calls)
}

func TestChain(t *testing.T) {
	s, err := geoip.NewStatic(map[string]string{"192.0.2.0/24": "IT"})
	require.NoError(t, err)

	const errResolve errors.Error = "lookup failed"
	fallback := &fakeResolver{
		onResolve: func(_ context.Context, ip netip.Addr) (c storage.Country, err error) {
			if ip == testIPFR {
				return "FR", nil
			}

			return storage.CountryNone, &geoip.ResolutionError{IP: ip, Err: errResolve}
		},
		onPurge: func(_ context.Context) (err error) { return errResolve },
	}

	ch := geoip.Chain{s, fallback}
	ctx := context.Background()

	c, err := ch.Resolve(ctx, testIPOther)
	require.NoError(t, err)
	assert.Equal(t, storage.Country("IT"), c)

	c, err = ch.Resolve(ctx, testIPFR)
	require.NoError(t, err)
	assert.Equal(t, storage.Country("FR"), c)

	c, err = ch.Resolve(ctx, testIPCZ)
	assert.ErrorIs(t, err, errResolve)
	assert.Equal(t, storage.CountryNone, c)

	assert.ErrorIs(t, ch.Purge(ctx), errResolve)
}

func TestNew(t *testing.T) {
	r, err := geoip.New(&geoip.Config{})
	require.NoError(t, err)
	assert.IsType(t, geoip.Empty{}, r)

	c, err := r.Resolve(context.Background(), testIPCZ)
	require.NoError(t, err)
	assert.Equal(t, storage.CountryNone, c)

	r, err = geoip.New(&geoip.Config{Static: testTable, CacheSize: 16})
	require.NoError(t, err)
	assert.IsType(t, &geoip.Cached{}, r)

	c, err = r.Resolve(context.Background(), testIPFR)
	require.NoError(t, err)
	assert.Equal(t, storage.Country("FR"), c)

	_, err = geoip.New(&geoip.Config{CountryPath: filepath.Join(t.TempDir(), "missing.mmdb")})
	assert.Error(t, err)
}

func TestFromBytes_invalid(t *testing.T) {
	_, err := geoip.FromBytes([]byte("definitely not a maxmind database"))
	assert.Error(t, err)
}
