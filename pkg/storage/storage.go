package storage

import (
	"context"
	"net/netip"
)

// Store is the analytic store: an append-only log of web requests with
// aggregate queries over time ranges.  Every implementation returns the same
// results for the same sequence of writes, including ties on range bounds.
//
// All methods are safe for concurrent use.  Errors from the backing storage
// are returned as *PersistenceError.
type Store interface {
	// StoreRequest appends req.  req.ID is ignored; the stored copy gets a new
	// unique ID.  req must have a non-zero timestamp and a valid address.
	StoreRequest(ctx context.Context, req *WebRequest) (err error)

	// Count returns the number of requests in r.
	Count(ctx context.Context, r Range) (n int64, err error)

	// UniqueIdentities returns the distinct identities of the requests in r
	// in no particular order.
	UniqueIdentities(ctx context.Context, r Range) (ids []string, err error)

	// CountUniqueIdentities returns the number of distinct identities of the
	// requests in r.  It always equals len(UniqueIdentities(ctx, r)).
	CountUniqueIdentities(ctx context.Context, r Range) (n int64, err error)

	// IPAddresses returns the distinct remote addresses of the requests in r
	// in no particular order.
	IPAddresses(ctx context.Context, r Range) (ips []netip.Addr, err error)

	// RequestsByIdentity returns all requests with exactly this identity.
	RequestsByIdentity(ctx context.Context, identity string) (reqs []*WebRequest, err error)

	// RequestsInRange returns all requests in r.
	RequestsInRange(ctx context.Context, r Range) (reqs []*WebRequest, err error)

	// Purge removes every stored request.  IDs are not reused afterwards.
	Purge(ctx context.Context) (err error)

	// Ping checks that the backing storage is reachable.
	Ping(ctx context.Context) (err error)

	// Close releases the backing storage.
	Close() (err error)
}

// parseAddr converts a stored address back into its domain form.
func parseAddr(s string) (ip netip.Addr, err error) {
	ip, err = netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, &MalformedDataError{
			Err:   err,
			Field: "remote ip address",
			Value: s,
		}
	}

	return ip, nil
}

// uniqueAddrs parses the distinct stored address strings.
func uniqueAddrs(strs []string) (ips []netip.Addr, err error) {
	ips = make([]netip.Addr, 0, len(strs))
	for _, s := range strs {
		var ip netip.Addr
		ip, err = parseAddr(s)
		if err != nil {
			return nil, err
		}

		ips = append(ips, ip)
	}

	return ips, nil
}
