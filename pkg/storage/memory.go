package storage

import (
	"context"
	"net/netip"
	"sync"
)

// MemoryStore is an in-process Store.  Data is lost when the process exits.
type MemoryStore struct {
	// mu protects all fields below.
	mu     sync.RWMutex
	reqs   []*WebRequest
	lastID uint64
	closed bool
}

// NewMemoryStore returns an empty *MemoryStore.
func NewMemoryStore() (s *MemoryStore) {
	return &MemoryStore{}
}

// type check
var _ Store = (*MemoryStore)(nil)

// StoreRequest implements the Store interface for *MemoryStore.
func (s *MemoryStore) StoreRequest(_ context.Context, req *WebRequest) (err error) {
	if err = req.validate(); err != nil {
		return wrapErr(BackendMemory, "store", err)
	}

	cp := *req
	cp.Timestamp = fromMicro(toMicro(req.Timestamp))

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return wrapErr(BackendMemory, "store", ErrClosed)
	}

	s.lastID++
	cp.ID = s.lastID
	s.reqs = append(s.reqs, &cp)

	return nil
}

// each calls f for every stored request in r under the read lock.
func (s *MemoryStore) each(op string, r Range, f func(req *WebRequest)) (err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return wrapErr(BackendMemory, op, ErrClosed)
	}

	lo, hi, ok := r.micros()
	if !ok {
		return nil
	}

	for _, req := range s.reqs {
		if contains(lo, hi, toMicro(req.Timestamp)) {
			f(req)
		}
	}

	return nil
}

// Count implements the Store interface for *MemoryStore.
func (s *MemoryStore) Count(_ context.Context, r Range) (n int64, err error) {
	err = s.each("count", r, func(_ *WebRequest) { n++ })

	return n, err
}

// UniqueIdentities implements the Store interface for *MemoryStore.
func (s *MemoryStore) UniqueIdentities(_ context.Context, r Range) (ids []string, err error) {
	seen := map[string]struct{}{}
	ids = []string{}
	err = s.each("unique identities", r, func(req *WebRequest) {
		if _, ok := seen[req.Identity]; !ok {
			seen[req.Identity] = struct{}{}
			ids = append(ids, req.Identity)
		}
	})
	if err != nil {
		return nil, err
	}

	return ids, nil
}

// CountUniqueIdentities implements the Store interface for *MemoryStore.
func (s *MemoryStore) CountUniqueIdentities(_ context.Context, r Range) (n int64, err error) {
	seen := map[string]struct{}{}
	err = s.each("count unique identities", r, func(req *WebRequest) {
		seen[req.Identity] = struct{}{}
	})

	return int64(len(seen)), err
}

// IPAddresses implements the Store interface for *MemoryStore.
func (s *MemoryStore) IPAddresses(_ context.Context, r Range) (ips []netip.Addr, err error) {
	seen := map[netip.Addr]struct{}{}
	ips = []netip.Addr{}
	err = s.each("ip addresses", r, func(req *WebRequest) {
		if _, ok := seen[req.RemoteIPAddress]; !ok {
			seen[req.RemoteIPAddress] = struct{}{}
			ips = append(ips, req.RemoteIPAddress)
		}
	})
	if err != nil {
		return nil, err
	}

	return ips, nil
}

// RequestsByIdentity implements the Store interface for *MemoryStore.
func (s *MemoryStore) RequestsByIdentity(
	_ context.Context,
	identity string,
) (reqs []*WebRequest, err error) {
	reqs = []*WebRequest{}
	err = s.each("requests by identity", All(), func(req *WebRequest) {
		if req.Identity == identity {
			cp := *req
			reqs = append(reqs, &cp)
		}
	})
	if err != nil {
		return nil, err
	}

	return reqs, nil
}

// RequestsInRange implements the Store interface for *MemoryStore.
func (s *MemoryStore) RequestsInRange(_ context.Context, r Range) (reqs []*WebRequest, err error) {
	reqs = []*WebRequest{}
	err = s.each("requests in range", r, func(req *WebRequest) {
		cp := *req
		reqs = append(reqs, &cp)
	})
	if err != nil {
		return nil, err
	}

	return reqs, nil
}

// Purge implements the Store interface for *MemoryStore.
func (s *MemoryStore) Purge(_ context.Context) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return wrapErr(BackendMemory, "purge", ErrClosed)
	}

	s.reqs = nil

	return nil
}

// Ping implements the Store interface for *MemoryStore.
func (s *MemoryStore) Ping(_ context.Context) (err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return wrapErr(BackendMemory, "ping", ErrClosed)
	}

	return nil
}

// Close implements the Store interface for *MemoryStore.
func (s *MemoryStore) Close() (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	s.reqs = nil

	return nil
}
