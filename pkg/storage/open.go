package storage

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/AdguardTeam/golibs/errors"
	"github.com/glebarez/sqlite"
	"github.com/ngoyal88/webstat/pkg/cache"
	"gorm.io/driver/postgres"
)

// DefaultTable is the table, bucket, or key prefix used when none is set.
const DefaultTable = "webstat_request"

// Backend names reported in errors and metrics.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendBolt     = "bolt"
	BackendRedis    = "redis"
)

// ErrUnknownScheme is returned by Open for descriptors it cannot handle.
const ErrUnknownScheme errors.Error = "unknown storage scheme"

// tableRe matches the accepted table names.  The name ends up in SQL
// statements, bucket names, and key prefixes.
var tableRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

// options are the settings shared by every backend.
type options struct {
	table           string
	boltMmapSize    int
	instrumentation bool
}

// Option configures a store created by Open.
type Option func(*options)

// WithTable overrides the table, bucket, or key prefix name.
func WithTable(name string) (opt Option) {
	return func(o *options) { o.table = name }
}

// WithBoltMmapSize sets the initial mmap size of a bolt database in bytes.
func WithBoltMmapSize(n int) (opt Option) {
	return func(o *options) { o.boltMmapSize = n }
}

// WithoutMetrics disables the prometheus instrumentation of the store.
func WithoutMetrics() (opt Option) {
	return func(o *options) { o.instrumentation = false }
}

// Open creates a store from a connection descriptor.  Supported forms are:
//
//	memory://
//	sqlite://<path>
//	postgres://<user>:<password>@<host>/<db>?<params>
//	bolt://<path>
//	redis://[:<password>@]<host>:<port>/<db>
//
// The schema is created if it doesn't exist yet.
func Open(ctx context.Context, descriptor string, opts ...Option) (s Store, err error) {
	o := &options{
		table:           DefaultTable,
		instrumentation: true,
	}
	for _, opt := range opts {
		opt(o)
	}

	if !tableRe.MatchString(o.table) {
		return nil, fmt.Errorf("invalid table name %q", o.table)
	}

	scheme, rest, ok := strings.Cut(descriptor, "://")
	if !ok {
		return nil, fmt.Errorf("descriptor %q: %w", descriptor, ErrUnknownScheme)
	}

	var backend string
	switch scheme {
	case "memory":
		backend, s = BackendMemory, NewMemoryStore()
	case "sqlite":
		backend = BackendSQLite
		s, err = NewSQLStore(ctx, &SQLConfig{
			Dialector:    sqlite.Open(rest),
			Backend:      backend,
			Table:        o.table,
			MaxOpenConns: 1,
		})
	case "postgres", "postgresql":
		backend = BackendPostgres
		s, err = NewSQLStore(ctx, &SQLConfig{
			Dialector: postgres.Open(descriptor),
			Backend:   backend,
			Table:     o.table,
		})
	case "bolt":
		backend = BackendBolt
		s, err = NewBoltStore(&BoltConfig{
			Path:            rest,
			Table:           o.table,
			InitialMmapSize: o.boltMmapSize,
		})
	case "redis", "rediss":
		backend = BackendRedis
		var rdb *cache.Client
		rdb, err = cache.NewRedisURL(ctx, descriptor)
		if err == nil {
			s = NewRedisStore(rdb, o.table)
		}
	default:
		return nil, fmt.Errorf("scheme %q: %w", scheme, ErrUnknownScheme)
	}
	if err != nil {
		return nil, wrapErr(backend, "open", err)
	}

	if o.instrumentation {
		s = Instrument(s, backend)
	}

	return s, nil
}
