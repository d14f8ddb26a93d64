package geoip

import (
	"context"
	"fmt"
	"net/netip"
	"slices"

	"github.com/ngoyal88/webstat/pkg/storage"
)

// Static is a Resolver over a fixed table of networks.  The most specific
// network containing an address wins.
type Static struct {
	nets []staticNet
}

// staticNet is one entry of the table.
type staticNet struct {
	prefix  netip.Prefix
	country storage.Country
}

// NewStatic returns a resolver for a table of CIDR networks or single
// addresses mapped to country codes.
func NewStatic(table map[string]string) (s *Static, err error) {
	s = &Static{nets: make([]staticNet, 0, len(table))}
	for k, v := range table {
		var p netip.Prefix
		p, err = parsePrefix(k)
		if err != nil {
			return nil, fmt.Errorf("network %q: %w", k, err)
		}

		var c storage.Country
		c, err = storage.NewCountry(v)
		if err != nil {
			return nil, fmt.Errorf("network %q: %w", k, err)
		}

		s.nets = append(s.nets, staticNet{prefix: p.Masked(), country: c})
	}

	slices.SortFunc(s.nets, func(a, b staticNet) (res int) {
		return b.prefix.Bits() - a.prefix.Bits()
	})

	return s, nil
}

// parsePrefix parses a CIDR network or a single address.
func parsePrefix(s string) (p netip.Prefix, err error) {
	p, err = netip.ParsePrefix(s)
	if err == nil {
		return p, nil
	}

	ip, ipErr := netip.ParseAddr(s)
	if ipErr != nil {
		return netip.Prefix{}, err
	}

	return netip.PrefixFrom(ip, ip.BitLen()), nil
}

// type check
var _ Resolver = (*Static)(nil)

// Resolve implements the Resolver interface for *Static.
func (s *Static) Resolve(_ context.Context, ip netip.Addr) (c storage.Country, err error) {
	if !ip.IsValid() {
		return storage.CountryNone, &ResolutionError{IP: ip, Err: fmt.Errorf("invalid address")}
	}

	ip = ip.Unmap().WithZone("")
	for _, n := range s.nets {
		if n.prefix.Contains(ip) {
			return n.country, nil
		}
	}

	return storage.CountryNone, nil
}

// Purge implements the Resolver interface for *Static.
func (s *Static) Purge(_ context.Context) (err error) { return nil }
