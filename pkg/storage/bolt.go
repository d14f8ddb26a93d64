package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"net/netip"
	"time"

	json "github.com/goccy/go-json"
	"go.etcd.io/bbolt"
)

// BoltConfig is the configuration of an embedded file store.
type BoltConfig struct {
	// Path is the path to the database file.  It's created if missing.
	Path string

	// Table is the name of the top-level bucket.
	Table string

	// InitialMmapSize is the initial mmap size of the database in bytes.
	// Zero means the bbolt default.
	InitialMmapSize int
}

// Names of the buckets nested in the table bucket.
var (
	bucketRequests   = []byte("requests")
	bucketByTime     = []byte("by_time")
	bucketByIdentity = []byte("by_identity")
)

// boltOpenTimeout is how long opening waits for the file lock.
const boltOpenTimeout = 5 * time.Second

// BoltStore is a Store backed by a single bbolt file.  Requests are kept in
// the requests bucket keyed by ID, and indexed by time and by identity.
//
// The table bucket's sequence is the ID counter, so it survives a purge.
type BoltStore struct {
	db    *bbolt.DB
	table []byte
}

// boltRecord is the stored form of a WebRequest.
type boltRecord struct {
	TimestampUS     int64  `json:"ts"`
	Identity        string `json:"identity"`
	RemoteIPAddress string `json:"ip"`
	Path            string `json:"path"`
	Method          string `json:"method"`
	Referer         string `json:"referer"`
	UserAgent       string `json:"user_agent"`
	CountryCode     string `json:"country"`
	IsWebSocket     bool   `json:"ws,omitempty"`
}

// toBoltRecord converts req into its stored form.
func toBoltRecord(req *WebRequest) (rec *boltRecord) {
	return &boltRecord{
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

// fromBoltRecord converts a stored record with the given ID back into a
// WebRequest.
func fromBoltRecord(id uint64, rec *boltRecord) (req *WebRequest, err error) {
	ip, err := parseAddr(rec.RemoteIPAddress)
	if err != nil {
		return nil, err
	}

	return &WebRequest{
		ID:              id,
		Timestamp:       fromMicro(rec.TimestampUS),
		Identity:        rec.Identity,
		RemoteIPAddress: ip,
		Path:            rec.Path,
		Method:          rec.Method,
		Referer:         rec.Referer,
		UserAgent:       rec.UserAgent,
		CountryCode:     Country(rec.CountryCode),
		IsWebSocket:     rec.IsWebSocket,
	}, nil
}

// NewBoltStore opens or creates the database file and its buckets.
func NewBoltStore(c *BoltConfig) (s *BoltStore, err error) {
	db, err := bbolt.Open(c.Path, 0o600, &bbolt.Options{
		Timeout:         boltOpenTimeout,
		InitialMmapSize: c.InitialMmapSize,
	})
	if err != nil {
		return nil, fmt.Errorf("opening %q: %w", c.Path, err)
	}

	s = &BoltStore{
		db:    db,
		table: []byte(c.Table),
	}

	err = db.Update(func(tx *bbolt.Tx) (txErr error) {
		b, txErr := tx.CreateBucketIfNotExists(s.table)
		if txErr != nil {
			return txErr
		}

		return createSubBuckets(b)
	})
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("creating buckets: %w", err)
	}

	return s, nil
}

// createSubBuckets creates the nested buckets of the table bucket b.
func createSubBuckets(b *bbolt.Bucket) (err error) {
	for _, name := range [][]byte{bucketRequests, bucketByTime, bucketByIdentity} {
		_, err = b.CreateBucketIfNotExists(name)
		if err != nil {
			return fmt.Errorf("bucket %s: %w", name, err)
		}
	}

	return nil
}

// type check
var _ Store = (*BoltStore)(nil)

// idKey returns the big-endian key for id.
func idKey(id uint64) (k []byte) {
	return binary.BigEndian.AppendUint64(nil, id)
}

// timePrefix returns a key prefix for us that sorts the same way as the
// signed value.
func timePrefix(us int64) (k []byte) {
	return binary.BigEndian.AppendUint64(nil, uint64(us)^(1<<63))
}

// timeKey returns the by_time index key for a request.
func timeKey(us int64, id uint64) (k []byte) {
	return binary.BigEndian.AppendUint64(timePrefix(us), id)
}

// identityPrefix returns the by_identity key prefix for identity.  The length
// goes first so that no identity is a prefix of another one.
func identityPrefix(identity string) (k []byte) {
	k = binary.BigEndian.AppendUint32(nil, uint32(len(identity)))

	return append(k, identity...)
}

// StoreRequest implements the Store interface for *BoltStore.
func (s *BoltStore) StoreRequest(_ context.Context, req *WebRequest) (err error) {
	if err = req.validate(); err != nil {
		return wrapErr(BackendBolt, "store", err)
	}

	rec := toBoltRecord(req)
	data, err := json.Marshal(rec)
	if err != nil {
		return wrapErr(BackendBolt, "store", fmt.Errorf("encoding: %w", err))
	}

	err = s.db.Update(func(tx *bbolt.Tx) (txErr error) {
		b := tx.Bucket(s.table)
		id, txErr := b.NextSequence()
		if txErr != nil {
			return txErr
		}

		key := idKey(id)
		txErr = b.Bucket(bucketRequests).Put(key, data)
		if txErr != nil {
			return txErr
		}

		txErr = b.Bucket(bucketByTime).Put(timeKey(rec.TimestampUS, id), []byte(rec.Identity))
		if txErr != nil {
			return txErr
		}

		return b.Bucket(bucketByIdentity).Put(append(identityPrefix(rec.Identity), key...), nil)
	})

	return wrapErr(BackendBolt, "store", err)
}

// scan calls f with the ID and identity of every request in r, in time order.
func (s *BoltStore) scan(tx *bbolt.Tx, r Range, f func(id uint64, identity []byte) (err error)) (err error) {
	lo, hi, ok := r.micros()
	if !ok {
		return nil
	}

	end := timePrefix(hi)
	c := tx.Bucket(s.table).Bucket(bucketByTime).Cursor()
	for k, v := c.Seek(timePrefix(lo)); k != nil && bytes.Compare(k[:8], end) <= 0; k, v = c.Next() {
		err = f(binary.BigEndian.Uint64(k[8:]), v)
		if err != nil {
			return err
		}
	}

	return nil
}

// load returns the request with the given ID.
func (s *BoltStore) load(tx *bbolt.Tx, id uint64) (req *WebRequest, err error) {
	data := tx.Bucket(s.table).Bucket(bucketRequests).Get(idKey(id))
	if data == nil {
		return nil, &MalformedDataError{
			Err:   ErrMissingRequest,
			Field: "id",
			Value: fmt.Sprint(id),
		}
	}

	rec := &boltRecord{}
	err = json.Unmarshal(data, rec)
	if err != nil {
		return nil, &MalformedDataError{
			Err:   err,
			Field: "record",
			Value: string(data),
		}
	}

	return fromBoltRecord(id, rec)
}

// Count implements the Store interface for *BoltStore.
func (s *BoltStore) Count(_ context.Context, r Range) (n int64, err error) {
	err = s.db.View(func(tx *bbolt.Tx) (txErr error) {
		return s.scan(tx, r, func(_ uint64, _ []byte) (err error) {
			n++

			return nil
		})
	})

	return n, wrapErr(BackendBolt, "count", err)
}

// UniqueIdentities implements the Store interface for *BoltStore.
func (s *BoltStore) UniqueIdentities(_ context.Context, r Range) (ids []string, err error) {
	seen := map[string]struct{}{}
	ids = []string{}
	err = s.db.View(func(tx *bbolt.Tx) (txErr error) {
		return s.scan(tx, r, func(_ uint64, identity []byte) (err error) {
			if _, ok := seen[string(identity)]; !ok {
				id := string(identity)
				seen[id] = struct{}{}
				ids = append(ids, id)
			}

			return nil
		})
	})
	if err != nil {
		return nil, wrapErr(BackendBolt, "unique identities", err)
	}

	return ids, nil
}

// CountUniqueIdentities implements the Store interface for *BoltStore.  Only
// the time index is read.
func (s *BoltStore) CountUniqueIdentities(_ context.Context, r Range) (n int64, err error) {
	seen := map[string]struct{}{}
	err = s.db.View(func(tx *bbolt.Tx) (txErr error) {
		return s.scan(tx, r, func(_ uint64, identity []byte) (err error) {
			seen[string(identity)] = struct{}{}

			return nil
		})
	})

	return int64(len(seen)), wrapErr(BackendBolt, "count unique identities", err)
}

// IPAddresses implements the Store interface for *BoltStore.
func (s *BoltStore) IPAddresses(_ context.Context, r Range) (ips []netip.Addr, err error) {
	seen := map[netip.Addr]struct{}{}
	ips = []netip.Addr{}
	err = s.db.View(func(tx *bbolt.Tx) (txErr error) {
		return s.scan(tx, r, func(id uint64, _ []byte) (err error) {
			req, err := s.load(tx, id)
			if err != nil {
				return err
			}

			if _, ok := seen[req.RemoteIPAddress]; !ok {
				seen[req.RemoteIPAddress] = struct{}{}
				ips = append(ips, req.RemoteIPAddress)
			}

			return nil
		})
	})
	if err != nil {
		return nil, wrapErr(BackendBolt, "ip addresses", err)
	}

	return ips, nil
}

// RequestsByIdentity implements the Store interface for *BoltStore.
func (s *BoltStore) RequestsByIdentity(
	_ context.Context,
	identity string,
) (reqs []*WebRequest, err error) {
	reqs = []*WebRequest{}
	prefix := identityPrefix(identity)
	err = s.db.View(func(tx *bbolt.Tx) (txErr error) {
		c := tx.Bucket(s.table).Bucket(bucketByIdentity).Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			var req *WebRequest
			req, txErr = s.load(tx, binary.BigEndian.Uint64(k[len(prefix):]))
			if txErr != nil {
				return txErr
			}

			reqs = append(reqs, req)
		}

		return nil
	})
	if err != nil {
		return nil, wrapErr(BackendBolt, "requests by identity", err)
	}

	return reqs, nil
}

// RequestsInRange implements the Store interface for *BoltStore.
func (s *BoltStore) RequestsInRange(_ context.Context, r Range) (reqs []*WebRequest, err error) {
	reqs = []*WebRequest{}
	err = s.db.View(func(tx *bbolt.Tx) (txErr error) {
		return s.scan(tx, r, func(id uint64, _ []byte) (err error) {
			req, err := s.load(tx, id)
			if err != nil {
				return err
			}

			reqs = append(reqs, req)

			return nil
		})
	})
	if err != nil {
		return nil, wrapErr(BackendBolt, "requests in range", err)
	}

	return reqs, nil
}

// Purge implements the Store interface for *BoltStore.  The nested buckets are
// recreated while the table bucket and its sequence stay.
func (s *BoltStore) Purge(_ context.Context) (err error) {
	err = s.db.Update(func(tx *bbolt.Tx) (txErr error) {
		b := tx.Bucket(s.table)
		for _, name := range [][]byte{bucketRequests, bucketByTime, bucketByIdentity} {
			txErr = b.DeleteBucket(name)
			if txErr != nil {
				return fmt.Errorf("deleting bucket %s: %w", name, txErr)
			}
		}

		return createSubBuckets(b)
	})

	return wrapErr(BackendBolt, "purge", err)
}

// Ping implements the Store interface for *BoltStore.
func (s *BoltStore) Ping(_ context.Context) (err error) {
	err = s.db.View(func(tx *bbolt.Tx) (txErr error) {
		if tx.Bucket(s.table) == nil {
			return fmt.Errorf("bucket %s is missing", s.table)
		}

		return nil
	})

	return wrapErr(BackendBolt, "ping", err)
}

// Close implements the Store interface for *BoltStore.
func (s *BoltStore) Close() (err error) {
	return wrapErr(BackendBolt, "close", s.db.Close())
}
