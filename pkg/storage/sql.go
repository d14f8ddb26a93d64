package storage

import (
	"context"
	"fmt"
	"net/netip"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// SQLConfig is the configuration of a relational store.
type SQLConfig struct {
	// Dialector selects the database driver and connection.  It must not be
	// nil.
	Dialector gorm.Dialector

	// Backend is the name of the backend used in errors and metrics.
	Backend string

	// Table is the name of the request table.
	Table string

	// MaxOpenConns limits the connection pool, if positive.
	MaxOpenConns int
}

// SQLStore is a Store backed by a relational database through gorm.
type SQLStore struct {
	db      *gorm.DB
	backend string
	table   string
}

// requestRow is the stored form of a WebRequest.
type requestRow struct {
	ID              uint64 `gorm:"column:id;primaryKey;autoIncrement"`
	TimestampUS     int64  `gorm:"column:timestamp_us;not null"`
	Identity        string `gorm:"column:identity;not null"`
	RemoteIPAddress string `gorm:"column:remote_ip_address;not null"`
	Path            string `gorm:"column:path"`
	Method          string `gorm:"column:method"`
	Referer         string `gorm:"column:referer"`
	UserAgent       string `gorm:"column:user_agent"`
	CountryCode     string `gorm:"column:country_code"`
	IsWebSocket     bool   `gorm:"column:is_websocket"`
}

// toRow converts req into its stored form.  The ID is left for the database
// to assign.
func toRow(req *WebRequest) (row *requestRow) {
	return &requestRow{
		TimestampUS:     toMicro(req.Timestamp),
		Identity:        req.Identity,
		RemoteIPAddress: req.RemoteIPAddress.String(),
		Path:            req.Path,
		Method:          req.Method,
		Referer:         req.Referer,
		UserAgent:       req.UserAgent,
		CountryCode:     string(req.CountryCode),
		IsWebSocket:     req.IsWebSocket,
	}
}

// fromRow converts a stored row back into a WebRequest.
func fromRow(row *requestRow) (req *WebRequest, err error) {
	ip, err := parseAddr(row.RemoteIPAddress)
	if err != nil {
		return nil, err
	}

	return &WebRequest{
		ID:              row.ID,
		Timestamp:       fromMicro(row.TimestampUS),
		Identity:        row.Identity,
		RemoteIPAddress: ip,
		Path:            row.Path,
		Method:          row.Method,
		Referer:         row.Referer,
		UserAgent:       row.UserAgent,
		CountryCode:     Country(row.CountryCode),
		IsWebSocket:     row.IsWebSocket,
	}, nil
}

// NewSQLStore opens the database described by c and creates the request table
// and its indexes if they are missing.
func NewSQLStore(ctx context.Context, c *SQLConfig) (s *SQLStore, err error) {
	db, err := gorm.Open(c.Dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("connecting: %w", err)
	}

	if c.MaxOpenConns > 0 {
		sqlDB, dbErr := db.DB()
		if dbErr != nil {
			return nil, fmt.Errorf("getting pool: %w", dbErr)
		}

		sqlDB.SetMaxOpenConns(c.MaxOpenConns)
	}

	s = &SQLStore{
		db:      db,
		backend: c.Backend,
		table:   c.Table,
	}

	err = s.migrate(ctx)
	if err != nil {
		_ = s.Close()

		return nil, fmt.Errorf("creating schema: %w", err)
	}

	return s, nil
}

// migrate creates the table and the indexes.  Existing columns and data are
// never dropped.
func (s *SQLStore) migrate(ctx context.Context) (err error) {
	db := s.db.WithContext(ctx)

	err = db.Table(s.table).AutoMigrate(&requestRow{})
	if err != nil {
		return err
	}

	for _, col := range []string{"timestamp_us", "identity"} {
		err = db.Exec(
			"CREATE INDEX IF NOT EXISTS ? ON ? (?)",
			clause.Table{Name: "idx_" + s.table + "_" + col},
			clause.Table{Name: s.table},
			clause.Column{Name: col},
		).Error
		if err != nil {
			return fmt.Errorf("index on %s: %w", col, err)
		}
	}

	return nil
}

// type check
var _ Store = (*SQLStore)(nil)

// StoreRequest implements the Store interface for *SQLStore.
func (s *SQLStore) StoreRequest(ctx context.Context, req *WebRequest) (err error) {
	if err = req.validate(); err != nil {
		return wrapErr(s.backend, "store", err)
	}

	err = s.db.WithContext(ctx).Table(s.table).Create(toRow(req)).Error

	return wrapErr(s.backend, "store", err)
}

// inRange returns a query over the rows in the inclusive interval of Unix
// microseconds.
func (s *SQLStore) inRange(ctx context.Context, lo, hi int64) (q *gorm.DB) {
	return s.db.WithContext(ctx).Table(s.table).Where("timestamp_us BETWEEN ? AND ?", lo, hi)
}

// Count implements the Store interface for *SQLStore.
func (s *SQLStore) Count(ctx context.Context, r Range) (n int64, err error) {
	lo, hi, ok := r.micros()
	if !ok {
		return 0, nil
	}

	err = s.inRange(ctx, lo, hi).Count(&n).Error

	return n, wrapErr(s.backend, "count", err)
}

// UniqueIdentities implements the Store interface for *SQLStore.
func (s *SQLStore) UniqueIdentities(ctx context.Context, r Range) (ids []string, err error) {
	ids = []string{}
	lo, hi, ok := r.micros()
	if !ok {
		return ids, nil
	}

	err = s.inRange(ctx, lo, hi).Distinct().Pluck("identity", &ids).Error
	if err != nil {
		return nil, wrapErr(s.backend, "unique identities", err)
	}

	return ids, nil
}

// CountUniqueIdentities implements the Store interface for *SQLStore.
func (s *SQLStore) CountUniqueIdentities(ctx context.Context, r Range) (n int64, err error) {
	lo, hi, ok := r.micros()
	if !ok {
		return 0, nil
	}

	err = s.inRange(ctx, lo, hi).Distinct("identity").Count(&n).Error

	return n, wrapErr(s.backend, "count unique identities", err)
}

// IPAddresses implements the Store interface for *SQLStore.
func (s *SQLStore) IPAddresses(ctx context.Context, r Range) (ips []netip.Addr, err error) {
	lo, hi, ok := r.micros()
	if !ok {
		return []netip.Addr{}, nil
	}

	var strs []string
	err = s.inRange(ctx, lo, hi).Distinct().Pluck("remote_ip_address", &strs).Error
	if err != nil {
		return nil, wrapErr(s.backend, "ip addresses", err)
	}

	ips, err = uniqueAddrs(strs)

	return ips, wrapErr(s.backend, "ip addresses", err)
}

// RequestsByIdentity implements the Store interface for *SQLStore.
func (s *SQLStore) RequestsByIdentity(
	ctx context.Context,
	identity string,
) (reqs []*WebRequest, err error) {
	q := s.db.WithContext(ctx).Table(s.table).Where("identity = ?", identity)
	reqs, err = s.find(q)

	return reqs, wrapErr(s.backend, "requests by identity", err)
}

// RequestsInRange implements the Store interface for *SQLStore.
func (s *SQLStore) RequestsInRange(ctx context.Context, r Range) (reqs []*WebRequest, err error) {
	lo, hi, ok := r.micros()
	if !ok {
		return []*WebRequest{}, nil
	}

	reqs, err = s.find(s.inRange(ctx, lo, hi))

	return reqs, wrapErr(s.backend, "requests in range", err)
}

// find loads and converts the rows selected by q.
func (s *SQLStore) find(q *gorm.DB) (reqs []*WebRequest, err error) {
	var rows []*requestRow
	err = q.Order("id").Find(&rows).Error
	if err != nil {
		return nil, err
	}

	reqs = make([]*WebRequest, 0, len(rows))
	for _, row := range rows {
		var req *WebRequest
		req, err = fromRow(row)
		if err != nil {
			return nil, err
		}

		reqs = append(reqs, req)
	}

	return reqs, nil
}

// Purge implements the Store interface for *SQLStore.  The rows are deleted,
// not truncated, so that the ID sequence keeps going.
func (s *SQLStore) Purge(ctx context.Context) (err error) {
	err = s.db.WithContext(ctx).
		Session(&gorm.Session{AllowGlobalUpdate: true}).
		Table(s.table).
		Delete(&requestRow{}).
		Error

	return wrapErr(s.backend, "purge", err)
}

// Ping implements the Store interface for *SQLStore.
func (s *SQLStore) Ping(ctx context.Context) (err error) {
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}

	return wrapErr(s.backend, "ping", err)
}

// Close implements the Store interface for *SQLStore.
func (s *SQLStore) Close() (err error) {
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.Close()
	}

	return wrapErr(s.backend, "close", err)
}
