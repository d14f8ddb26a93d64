package storage

import (
	"context"
	"fmt"
	"net/netip"
	"strconv"
	"strings"

	"github.com/ngoyal88/webstat/pkg/cache"
	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store using Redis.  For a table name p the keys are:
//
//	p:seq              ID counter, never deleted
//	p:req:<id>         hash with the request fields
//	p:timeline         sorted set of "<time>:<id>" members, all with score 0
//	p:identity:<name>  set of IDs with that identity
//
// The timeline is queried lexicographically, since float scores can't hold
// every microsecond timestamp exactly.
type RedisStore struct {
	rdb    *cache.Client
	prefix string
}

// Hash fields of a stored request.
const (
	fieldTimestamp = "ts"
	fieldIdentity  = "identity"
	fieldIP        = "ip"
	fieldPath      = "path"
	fieldMethod    = "method"
	fieldReferer   = "referer"
	fieldUserAgent = "ua"
	fieldCountry   = "country"
	fieldWebSocket = "ws"
)

// distinctScript returns the distinct values of a hash field over the
// timeline members in a lex range, or their number if ARGV[5] is "count".
var distinctScript = redis.NewScript(`
local members = redis.call('ZRANGEBYLEX', KEYS[1], ARGV[1], ARGV[2])
local seen = {}
local out = {}
local n = 0
for _, m in ipairs(members) do
	local v = redis.call('HGET', ARGV[3] .. string.sub(m, 18), ARGV[4])
	if not v then
		return redis.error_reply('webstat: missing request ' .. m)
	end
	if not seen[v] then
		seen[v] = true
		n = n + 1
		if ARGV[5] ~= 'count' then
			out[n] = v
		end
	end
end
if ARGV[5] == 'count' then
	return n
end
return out
`)

// purgeScript deletes every key matching the patterns in ARGV at once.
var purgeScript = redis.NewScript(`
local n = 0
for _, pattern in ipairs(ARGV) do
	for _, k in ipairs(redis.call('KEYS', pattern)) do
		redis.call('DEL', k)
		n = n + 1
	end
end
return n
`)

// NewRedisStore creates a new Redis-backed storage using prefix for all keys.
func NewRedisStore(rdb *cache.Client, prefix string) (s *RedisStore) {
	if prefix == "" {
		prefix = DefaultTable
	}

	return &RedisStore{
		rdb:    rdb,
		prefix: prefix,
	}
}

// type check
var _ Store = (*RedisStore)(nil)

func (s *RedisStore) seqKey() (key string) { return s.prefix + ":seq" }

func (s *RedisStore) reqKeyPrefix() (prefix string) { return s.prefix + ":req:" }

func (s *RedisStore) reqKey(id uint64) (key string) {
	return s.reqKeyPrefix() + strconv.FormatUint(id, 10)
}

func (s *RedisStore) timelineKey() (key string) { return s.prefix + ":timeline" }

func (s *RedisStore) identityKey(identity string) (key string) {
	return s.prefix + ":identity:" + identity
}

// timelineMember returns the sorted set member for a request.  The time part
// is 16 hex digits of the sign-flipped value, so the members sort by time.
func timelineMember(us int64, id uint64) (m string) {
	return fmt.Sprintf("%016x:%d", uint64(us)^(1<<63), id)
}

// lexBounds returns the ZRANGEBYLEX bounds for an inclusive interval.
func lexBounds(lo, hi int64) (lexMin, lexMax string) {
	return fmt.Sprintf("[%016x", uint64(lo)^(1<<63)), fmt.Sprintf("(%016x", uint64(hi+1)^(1<<63))
}

// memberID returns the ID part of a timeline member.
func memberID(m string) (id uint64, err error) {
	if len(m) < 18 || m[16] != ':' {
		return 0, &MalformedDataError{
			Err:   fmt.Errorf("bad timeline member"),
			Field: "timeline member",
			Value: m,
		}
	}

	id, err = strconv.ParseUint(m[17:], 10, 64)
	if err != nil {
		return 0, &MalformedDataError{Err: err, Field: "timeline member", Value: m}
	}

	return id, nil
}

// toHash converts req into its stored form.
func toHash(req *WebRequest) (h map[string]any) {
	ws := "0"
	if req.IsWebSocket {
		ws = "1"
	}

	return map[string]any{
		fieldTimestamp: strconv.FormatInt(toMicro(req.Timestamp), 10),
		fieldIdentity:  req.Identity,
		fieldIP:        req.RemoteIPAddress.String(),
		fieldPath:      req.Path,
		fieldMethod:    req.Method,
		fieldReferer:   req.Referer,
		fieldUserAgent: req.UserAgent,
		fieldCountry:   string(req.CountryCode),
		fieldWebSocket: ws,
	}
}

// fromHash converts a stored hash with the given ID back into a WebRequest.
func fromHash(id uint64, h map[string]string) (req *WebRequest, err error) {
	if len(h) == 0 {
		return nil, &MalformedDataError{
			Err:   ErrMissingRequest,
			Field: "id",
			Value: strconv.FormatUint(id, 10),
		}
	}

	us, err := strconv.ParseInt(h[fieldTimestamp], 10, 64)
	if err != nil {
		return nil, &MalformedDataError{Err: err, Field: "timestamp", Value: h[fieldTimestamp]}
	}

	ip, err := parseAddr(h[fieldIP])
	if err != nil {
		return nil, err
	}

	return &WebRequest{
		ID:              id,
		Timestamp:       fromMicro(us),
		Identity:        h[fieldIdentity],
		RemoteIPAddress: ip,
		Path:            h[fieldPath],
		Method:          h[fieldMethod],
		Referer:         h[fieldReferer],
		UserAgent:       h[fieldUserAgent],
		CountryCode:     Country(h[fieldCountry]),
		IsWebSocket:     h[fieldWebSocket] == "1",
	}, nil
}

// StoreRequest implements the Store interface for *RedisStore.
func (s *RedisStore) StoreRequest(ctx context.Context, req *WebRequest) (err error) {
	if err = req.validate(); err != nil {
		return wrapErr(BackendRedis, "store", err)
	}

	rdb := s.rdb.Redis()
	n, err := rdb.Incr(ctx, s.seqKey()).Result()
	if err != nil {
		return wrapErr(BackendRedis, "store", fmt.Errorf("allocating id: %w", err))
	}

	id := uint64(n)
	_, err = rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) (pipeErr error) {
		pipe.HSet(ctx, s.reqKey(id), toHash(req))
		pipe.ZAdd(ctx, s.timelineKey(), redis.Z{Member: timelineMember(toMicro(req.Timestamp), id)})
		pipe.SAdd(ctx, s.identityKey(req.Identity), id)

		return nil
	})

	return wrapErr(BackendRedis, "store", err)
}

// Count implements the Store interface for *RedisStore.
func (s *RedisStore) Count(ctx context.Context, r Range) (n int64, err error) {
	lo, hi, ok := r.micros()
	if !ok {
		return 0, nil
	}

	lexMin, lexMax := lexBounds(lo, hi)
	n, err = s.rdb.Redis().ZLexCount(ctx, s.timelineKey(), lexMin, lexMax).Result()

	return n, wrapErr(BackendRedis, "count", err)
}

// missingReply starts the error distinctScript returns for a timeline member
// without a request hash.
const missingReply = "webstat: missing request "

// distinct runs distinctScript for field over r.
func (s *RedisStore) distinct(ctx context.Context, r Range, field, mode string) (res any, err error) {
	lo, hi, _ := r.micros()
	lexMin, lexMax := lexBounds(lo, hi)

	res, err = distinctScript.Run(
		ctx,
		s.rdb.Redis(),
		[]string{s.timelineKey()},
		lexMin, lexMax, s.reqKeyPrefix(), field, mode,
	).Result()
	if err != nil {
		return nil, missingRequestErr(err)
	}

	return res, nil
}

// missingRequestErr converts the missing request reply of distinctScript into
// a *MalformedDataError.  Other errors are returned as is.
func missingRequestErr(err error) (converted error) {
	_, rest, ok := strings.Cut(err.Error(), missingReply)
	if !ok {
		return err
	}

	member, _, _ := strings.Cut(strings.TrimSpace(rest), " ")
	id, idErr := memberID(member)
	if idErr != nil {
		return idErr
	}

	return &MalformedDataError{
		Err:   ErrMissingRequest,
		Field: "id",
		Value: strconv.FormatUint(id, 10),
	}
}

// distinctStrings runs distinctScript for field over r and returns the values.
func (s *RedisStore) distinctStrings(ctx context.Context, r Range, field string) (vals []string, err error) {
	vals = []string{}
	if _, _, ok := r.micros(); !ok {
		return vals, nil
	}

	res, err := s.distinct(ctx, r, field, "list")
	if err != nil {
		return nil, err
	}

	items, ok := res.([]any)
	if !ok {
		return nil, fmt.Errorf("unexpected script result %T", res)
	}

	for _, item := range items {
		v, isStr := item.(string)
		if !isStr {
			return nil, fmt.Errorf("unexpected script item %T", item)
		}

		vals = append(vals, v)
	}

	return vals, nil
}

// UniqueIdentities implements the Store interface for *RedisStore.
func (s *RedisStore) UniqueIdentities(ctx context.Context, r Range) (ids []string, err error) {
	ids, err = s.distinctStrings(ctx, r, fieldIdentity)
	if err != nil {
		return nil, wrapErr(BackendRedis, "unique identities", err)
	}

	return ids, nil
}

// CountUniqueIdentities implements the Store interface for *RedisStore.  The
// counting happens in a server-side script.
func (s *RedisStore) CountUniqueIdentities(ctx context.Context, r Range) (n int64, err error) {
	if _, _, ok := r.micros(); !ok {
		return 0, nil
	}

	res, err := s.distinct(ctx, r, fieldIdentity, "count")
	if err != nil {
		return 0, wrapErr(BackendRedis, "count unique identities", err)
	}

	n, ok := res.(int64)
	if !ok {
		err = fmt.Errorf("unexpected script result %T", res)
	}

	return n, wrapErr(BackendRedis, "count unique identities", err)
}

// IPAddresses implements the Store interface for *RedisStore.
func (s *RedisStore) IPAddresses(ctx context.Context, r Range) (ips []netip.Addr, err error) {
	strs, err := s.distinctStrings(ctx, r, fieldIP)
	if err == nil {
		ips, err = uniqueAddrs(strs)
	}
	if err != nil {
		return nil, wrapErr(BackendRedis, "ip addresses", err)
	}

	return ips, nil
}

// RequestsByIdentity implements the Store interface for *RedisStore.
func (s *RedisStore) RequestsByIdentity(
	ctx context.Context,
	identity string,
) (reqs []*WebRequest, err error) {
	members, err := s.rdb.Redis().SMembers(ctx, s.identityKey(identity)).Result()
	if err != nil {
		return nil, wrapErr(BackendRedis, "requests by identity", err)
	}

	ids := make([]uint64, 0, len(members))
	for _, m := range members {
		id, parseErr := strconv.ParseUint(m, 10, 64)
		if parseErr != nil {
			err = &MalformedDataError{Err: parseErr, Field: "identity member", Value: m}

			return nil, wrapErr(BackendRedis, "requests by identity", err)
		}

		ids = append(ids, id)
	}

	reqs, err = s.load(ctx, ids)

	return reqs, wrapErr(BackendRedis, "requests by identity", err)
}

// RequestsInRange implements the Store interface for *RedisStore.
func (s *RedisStore) RequestsInRange(ctx context.Context, r Range) (reqs []*WebRequest, err error) {
	lo, hi, ok := r.micros()
	if !ok {
		return []*WebRequest{}, nil
	}

	lexMin, lexMax := lexBounds(lo, hi)
	members, err := s.rdb.Redis().ZRangeByLex(ctx, s.timelineKey(), &redis.ZRangeBy{
		Min: lexMin,
		Max: lexMax,
	}).Result()
	if err != nil {
		return nil, wrapErr(BackendRedis, "requests in range", err)
	}

	ids := make([]uint64, 0, len(members))
	for _, m := range members {
		var id uint64
		id, err = memberID(m)
		if err != nil {
			return nil, wrapErr(BackendRedis, "requests in range", err)
		}

		ids = append(ids, id)
	}

	reqs, err = s.load(ctx, ids)

	return reqs, wrapErr(BackendRedis, "requests in range", err)
}

// load fetches the hashes of the given IDs in one pipeline.
func (s *RedisStore) load(ctx context.Context, ids []uint64) (reqs []*WebRequest, err error) {
	reqs = make([]*WebRequest, 0, len(ids))
	if len(ids) == 0 {
		return reqs, nil
	}

	cmds := make([]*redis.MapStringStringCmd, 0, len(ids))
	_, err = s.rdb.Redis().Pipelined(ctx, func(pipe redis.Pipeliner) (pipeErr error) {
		for _, id := range ids {
			cmds = append(cmds, pipe.HGetAll(ctx, s.reqKey(id)))
		}

		return nil
	})
	if err != nil {
		return nil, err
	}

	for i, cmd := range cmds {
		var req *WebRequest
		req, err = fromHash(ids[i], cmd.Val())
		if err != nil {
			return nil, err
		}

		reqs = append(reqs, req)
	}

	return reqs, nil
}

// Purge implements the Store interface for *RedisStore.  The ID counter is
// kept.
func (s *RedisStore) Purge(ctx context.Context) (err error) {
	err = purgeScript.Run(
		ctx,
		s.rdb.Redis(),
		nil,
		s.reqKeyPrefix()+"*", s.prefix+":identity:*", s.timelineKey(),
	).Err()

	return wrapErr(BackendRedis, "purge", err)
}

// Ping implements the Store interface for *RedisStore.
func (s *RedisStore) Ping(ctx context.Context) (err error) {
	return wrapErr(BackendRedis, "ping", s.rdb.Redis().Ping(ctx).Err())
}

// Close implements the Store interface for *RedisStore.
func (s *RedisStore) Close() (err error) {
	return wrapErr(BackendRedis, "close", s.rdb.Close())
}
