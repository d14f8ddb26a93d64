package geoip

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"os"
	"sync"

	"github.com/ngoyal88/webstat/pkg/storage"
	"github.com/oschwald/maxminddb-golang"
	"github.com/rs/zerolog/log"
)

// File is a Resolver reading a MaxMind country database.  City databases are
// also supported.
type File struct {
	// mu protects reader during a reload.
	mu     sync.RWMutex
	reader *maxminddb.Reader

	// path is empty for databases created from bytes.
	path string
}

// NewFile reads the database at path.
func NewFile(path string) (f *File, err error) {
	// #nosec G304 -- The path comes from the configuration file.
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading geoip file: %w", err)
	}

	f, err = FromBytes(b)
	if err != nil {
		return nil, fmt.Errorf("geoip file %q: %w", path, err)
	}

	f.path = path

	return f, nil
}

// FromBytes returns a resolver over the database contents in b.
func FromBytes(b []byte) (f *File, err error) {
	r, err := readerFromBytes(b)
	if err != nil {
		return nil, err
	}

	return &File{reader: r}, nil
}

// readerFromBytes returns an initialized and checked reader.
func readerFromBytes(b []byte) (r *maxminddb.Reader, err error) {
	r, err = maxminddb.FromBytes(b)
	if err != nil {
		return nil, fmt.Errorf("parsing geoip database: %w", err)
	}

	var v any
	err = r.Lookup(net.IPv4zero, &v)
	if err != nil {
		return nil, fmt.Errorf("checking geoip database: %w", err)
	}

	return r, nil
}

// type check
var _ Resolver = (*File)(nil)

// countryResult is used to retrieve the country data from a GeoIP reader.
type countryResult struct {
	Country struct {
		ISOCode string `maxminddb:"iso_code"`
	} `maxminddb:"country"`
}

// Resolve implements the Resolver interface for *File.
func (f *File) Resolve(_ context.Context, ip netip.Addr) (c storage.Country, err error) {
	if !ip.IsValid() {
		return storage.CountryNone, &ResolutionError{IP: ip, Err: fmt.Errorf("invalid address")}
	}

	// The databases are scanned without aliased networks, so 4-in-6
	// addresses have to be converted.
	ip = ip.Unmap()

	f.mu.RLock()
	defer f.mu.RUnlock()

	var res countryResult
	err = f.reader.Lookup(ip.AsSlice(), &res)
	if err != nil {
		return storage.CountryNone, &ResolutionError{IP: ip, Err: err}
	}

	c, err = storage.NewCountry(res.Country.ISOCode)
	if err != nil {
		return storage.CountryNone, &ResolutionError{IP: ip, Err: err}
	}

	return c, nil
}

// Purge implements the Resolver interface for *File.  It rereads the
// database file, if there is one.
func (f *File) Purge(_ context.Context) (err error) {
	if f.path == "" {
		return nil
	}

	// #nosec G304 -- The path comes from the configuration file.
	b, err := os.ReadFile(f.path)
	if err != nil {
		return fmt.Errorf("reading geoip file: %w", err)
	}

	r, err := readerFromBytes(b)
	if err != nil {
		return fmt.Errorf("geoip file %q: %w", f.path, err)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	f.reader = r
	log.Info().Str("component", "geoip").Str("path", f.path).Msg("database reloaded")

	return nil
}
