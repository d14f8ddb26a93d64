package storage

import (
	"context"
	"net/netip"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	opDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "webstat_storage_op_duration_seconds",
		Help:    "Time spent in analytic store operations",
		Buckets: prometheus.DefBuckets,
	}, []string{"backend", "op"})
	opErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webstat_storage_op_errors_total",
		Help: "Number of failed analytic store operations",
	}, []string{"backend", "op"})
	storedRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "webstat_storage_requests_stored_total",
		Help: "Number of web requests written to the analytic store",
	}, []string{"backend"})
)

// instrumentedStore records the duration and the errors of every operation of
// the wrapped store.
type instrumentedStore struct {
	store   Store
	backend string
}

// Instrument returns s wrapped so that its operations are reported to
// prometheus under the given backend label.
func Instrument(s Store, backend string) (wrapped Store) {
	return &instrumentedStore{
		store:   s,
		backend: backend,
	}
}

// type check
var _ Store = (*instrumentedStore)(nil)

// observe records one operation that started at start and ended with err.
func (s *instrumentedStore) observe(op string, start time.Time, err error) {
	opDuration.WithLabelValues(s.backend, op).Observe(time.Since(start).Seconds())
	if err != nil {
		opErrors.WithLabelValues(s.backend, op).Inc()
	}
}

// StoreRequest implements the Store interface for *instrumentedStore.
func (s *instrumentedStore) StoreRequest(ctx context.Context, req *WebRequest) (err error) {
	start := time.Now()
	err = s.store.StoreRequest(ctx, req)
	s.observe("store", start, err)
	if err == nil {
		storedRequests.WithLabelValues(s.backend).Inc()
	}

	return err
}

// Count implements the Store interface for *instrumentedStore.
func (s *instrumentedStore) Count(ctx context.Context, r Range) (n int64, err error) {
	start := time.Now()
	n, err = s.store.Count(ctx, r)
	s.observe("count", start, err)

	return n, err
}

// UniqueIdentities implements the Store interface for *instrumentedStore.
func (s *instrumentedStore) UniqueIdentities(ctx context.Context, r Range) (ids []string, err error) {
	start := time.Now()
	ids, err = s.store.UniqueIdentities(ctx, r)
	s.observe("unique_identities", start, err)

	return ids, err
}

// CountUniqueIdentities implements the Store interface for *instrumentedStore.
func (s *instrumentedStore) CountUniqueIdentities(ctx context.Context, r Range) (n int64, err error) {
	start := time.Now()
	n, err = s.store.CountUniqueIdentities(ctx, r)
	s.observe("count_unique_identities", start, err)

	return n, err
}

// IPAddresses implements the Store interface for *instrumentedStore.
func (s *instrumentedStore) IPAddresses(ctx context.Context, r Range) (ips []netip.Addr, err error) {
	start := time.Now()
	ips, err = s.store.IPAddresses(ctx, r)
	s.observe("ip_addresses", start, err)

	return ips, err
}

// RequestsByIdentity implements the Store interface for *instrumentedStore.
func (s *instrumentedStore) RequestsByIdentity(
	ctx context.Context,
	identity string,
) (reqs []*WebRequest, err error) {
	start := time.Now()
	reqs, err = s.store.RequestsByIdentity(ctx, identity)
	s.observe("requests_by_identity", start, err)

	return reqs, err
}

// RequestsInRange implements the Store interface for *instrumentedStore.
func (s *instrumentedStore) RequestsInRange(ctx context.Context, r Range) (reqs []*WebRequest, err error) {
	start := time.Now()
	reqs, err = s.store.RequestsInRange(ctx, r)
	s.observe("requests_in_range", start, err)

	return reqs, err
}

// Purge implements the Store interface for *instrumentedStore.
func (s *instrumentedStore) Purge(ctx context.Context) (err error) {
	start := time.Now()
	err = s.store.Purge(ctx)
	s.observe("purge", start, err)

	return err
}

// Ping implements the Store interface for *instrumentedStore.
func (s *instrumentedStore) Ping(ctx context.Context) (err error) {
	start := time.Now()
	err = s.store.Ping(ctx)
	s.observe("ping", start, err)

	return err
}

// Close implements the Store interface for *instrumentedStore.
func (s *instrumentedStore) Close() (err error) {
	return s.store.Close()
}
