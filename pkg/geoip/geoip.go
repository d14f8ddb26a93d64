// Package geoip resolves client addresses into countries.
package geoip

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/ngoyal88/webstat/pkg/storage"
)

// Resolver maps an IP address to the country it belongs to.  The result only
// depends on the address and the data loaded at call time.
type Resolver interface {
	// Resolve returns the country of ip.  storage.CountryNone is returned
	// with a nil error when the data has no country for ip.  Failed lookups
	// return a *ResolutionError.
	Resolve(ctx context.Context, ip netip.Addr) (c storage.Country, err error)

	// Purge drops everything the resolver has cached.
	Purge(ctx context.Context) (err error)
}

// ResolutionError is returned when the country of an address cannot be
// looked up.  Callers treat it as an unknown country.
type ResolutionError struct {
	Err error
	IP  netip.Addr
}

// Error implements the error interface for *ResolutionError.
func (err *ResolutionError) Error() (msg string) {
	return fmt.Sprintf("resolving %s: %v", err.IP, err.Err)
}

// Unwrap implements the errors.Wrapper interface for *ResolutionError.
func (err *ResolutionError) Unwrap() (unwrapped error) {
	return err.Err
}

// Empty is a Resolver that knows no countries.
type Empty struct{}

// type check
var _ Resolver = Empty{}

// Resolve implements the Resolver interface for Empty.
func (Empty) Resolve(_ context.Context, _ netip.Addr) (c storage.Country, err error) {
	return storage.CountryNone, nil
}

// Purge implements the Resolver interface for Empty.
func (Empty) Purge(_ context.Context) (err error) { return nil }

// Config is the configuration of a resolver created by New.
type Config struct {
	// Static maps networks or addresses to country codes.  It takes
	// precedence over the database.
	Static map[string]string

	// CountryPath is the path to a MaxMind country database.  Empty means no
	// database.
	CountryPath string

	// CacheSize is how many lookups are cached.  Zero disables the cache.
	CacheSize int
}

// New returns the resolver described by c.
func New(c *Config) (r Resolver, err error) {
	var chain Chain
	if len(c.Static) > 0 {
		var s *Static
		s, err = NewStatic(c.Static)
		if err != nil {
			return nil, fmt.Errorf("static table: %w", err)
		}

		chain = append(chain, s)
	}

	if c.CountryPath != "" {
		var f *File
		f, err = NewFile(c.CountryPath)
		if err != nil {
			return nil, err
		}

		chain = append(chain, f)
	}

	switch len(chain) {
	case 0:
		return Empty{}, nil
	case 1:
		r = chain[0]
	default:
		r = chain
	}

	if c.CacheSize > 0 {
		r = NewCached(r, c.CacheSize)
	}

	return r, nil
}

// Chain is a Resolver asking each of its resolvers in turn until one knows
// the country.
type Chain []Resolver

// type check
var _ Resolver = Chain(nil)

// Resolve implements the Resolver interface for Chain.  If no resolver knows
// the country, the last error is returned.
func (ch Chain) Resolve(ctx context.Context, ip netip.Addr) (c storage.Country, err error) {
	for _, r := range ch {
		c, err = r.Resolve(ctx, ip)
		if c != storage.CountryNone {
			return c, nil
		}
	}

	return storage.CountryNone, err
}

// Purge implements the Resolver interface for Chain.
func (ch Chain) Purge(ctx context.Context) (err error) {
	var errs []error
	for _, r := range ch {
		errs = append(errs, r.Purge(ctx))
	}

	return errors.Join(errs...)
}
