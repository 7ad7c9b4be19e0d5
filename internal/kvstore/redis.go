package kvstore

import (
	"context"
	"encoding/json"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/ckoons/tekton-ci/internal/errors"
	"github.com/ckoons/tekton-ci/internal/logger"
)

// redisPrefix namespaces every key this backend touches.
const redisPrefix = "tekton:kv"

// maxTxAttempts bounds optimistic retries of unconditional writes.
const maxTxAttempts = 32

// RedisStore is the Redis backend, for hosts where several machines share
// one CI registry.
//
// Layout:
//
//	tekton:kv:e:<ns>:<key>  "<revision> <entry JSON>", with Redis expiry for TTLs
//	tekton:kv:idx:<ns>      sorted set key -> revision (eviction order)
//	tekton:kv:namespaces    set of namespaces
//	tekton:kv:seq           revision counter
//	tekton:kv:changes       sorted set seq -> "<seq> <op> <unix ms> <ns> <key>"
//
// Every mutation allocates its seq and records its change inside one Lua
// script, so the feed never shows seq N+1 before seq N.
type RedisStore struct {
	client *redis.Client
	cfg    Config
	log    *zap.SugaredLogger
}

// KEYS: entry, index, namespaces, seq, changes
// ARGV: ns, key, entry JSON, ttl ms (0 = none), at ms
var commitScript = redis.NewScript(`
local seq = redis.call('INCR', KEYS[4])
local body = string.format('%d %s', seq, ARGV[3])
local ttl = tonumber(ARGV[4])
if ttl > 0 then
  redis.call('SET', KEYS[1], body, 'PX', ttl)
else
  redis.call('SET', KEYS[1], body)
end
redis.call('ZADD', KEYS[2], seq, ARGV[2])
redis.call('SADD', KEYS[3], ARGV[1])
redis.call('ZADD', KEYS[5], seq, string.format('%d put %s %s %s', seq, ARGV[5], ARGV[1], ARGV[2]))
return seq
`)

// KEYS: entry, index, seq, changes
// ARGV: ns, key, at ms
var deleteScript = redis.NewScript(`
local seq = redis.call('INCR', KEYS[3])
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[2])
redis.call('ZADD', KEYS[4], seq, string.format('%d delete %s %s %s', seq, ARGV[3], ARGV[1], ARGV[2]))
return seq
`)

// KEYS: entry, index, seq, changes
// ARGV: ns, key, at ms
var expireScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 or not redis.call('ZSCORE', KEYS[2], ARGV[2]) then
  return 0
end
redis.call('ZREM', KEYS[2], ARGV[2])
local seq = redis.call('INCR', KEYS[3])
redis.call('ZADD', KEYS[4], seq, string.format('%d expire %s %s %s', seq, ARGV[3], ARGV[1], ARGV[2]))
return 1
`)

// Pops the lowest-revision keys above the bound. A popped key whose entry
// Redis already expired is recorded as expired rather than evicted.
//
// KEYS: index, seq, changes
// ARGV: ns, entry key prefix, max entries, at ms
// Returns {expired, evicted}.
var boundScript = redis.NewScript(`
local max = tonumber(ARGV[3])
local expired, evicted = 0, 0
while redis.call('ZCARD', KEYS[1]) > max do
  local key = redis.call('ZRANGE', KEYS[1], 0, 0)[1]
  redis.call('ZREM', KEYS[1], key)
  local op = 'expire'
  if redis.call('DEL', ARGV[2] .. key) == 1 then
    op = 'evict'
    evicted = evicted + 1
  else
    expired = expired + 1
  end
  local seq = redis.call('INCR', KEYS[2])
  redis.call('ZADD', KEYS[3], seq, string.format('%d %s %s %s %s', seq, op, ARGV[4], ARGV[1], key))
end
return {expired, evicted}
`)

// NewRedis connects to cfg.RedisURL and checks the connection.
func NewRedis(ctx context.Context, cfg Config) (*RedisStore, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrInvalidRequest, "kvstore: parse redis url: %v", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.WithHint(
			errors.Wrapf(errors.ErrUnavailable, "kvstore: connect to redis: %v", err),
			"check store.redis_url or switch store.backend to sqlite",
		)
	}
	return &RedisStore{client: client, cfg: cfg, log: logger.ComponentLogger("kvstore.redis")}, nil
}

func (r *RedisStore) entryKey(ns, key string) string { return redisPrefix + ":e:" + ns + ":" + key }
func (r *RedisStore) indexKey(ns string) string      { return redisPrefix + ":idx:" + ns }
func (r *RedisStore) namespacesKey() string          { return redisPrefix + ":namespaces" }
func (r *RedisStore) seqKey() string                 { return redisPrefix + ":seq" }
func (r *RedisStore) changesKey() string             { return redisPrefix + ":changes" }

// Close closes the client.
func (r *RedisStore) Close() error {
	return r.client.Close()
}

func decodeRedisEntry(raw string, now time.Time) (*Entry, error) {
	revText, body, ok := strings.Cut(raw, " ")
	rev, err := strconv.ParseInt(revText, 10, 64)
	if !ok || err != nil {
		return nil, errors.Newf("kvstore: malformed redis entry %.32q", raw)
	}
	var e Entry
	if err := json.Unmarshal([]byte(body), &e); err != nil {
		return nil, errors.Wrap(err, "kvstore: decode redis entry")
	}
	e.Revision = rev
	if e.ExpiresAt != nil && !e.ExpiresAt.After(now) {
		return nil, nil
	}
	return &e, nil
}

func decodeRedisChange(member string) (Change, error) {
	parts := strings.SplitN(member, " ", 5)
	if len(parts) != 5 {
		return Change{}, errors.Newf("kvstore: malformed change %.32q", member)
	}
	seq, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		return Change{}, errors.Wrap(err, "kvstore: decode change seq")
	}
	at, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return Change{}, errors.Wrap(err, "kvstore: decode change time")
	}
	return Change{Seq: seq, Op: parts[1], At: fromMillis(at), Namespace: parts[3], Key: parts[4]}, nil
}

// boundArgs returns the keys and arguments of boundScript for ns, or nil
// when ns is not bounded.
func (r *RedisStore) boundArgs(ns string, now time.Time) ([]string, []interface{}) {
	if !r.cfg.bounded(ns) {
		return nil, nil
	}
	keys := []string{r.indexKey(ns), r.seqKey(), r.changesKey()}
	return keys, []interface{}{ns, r.entryKey(ns, ""), r.cfg.MaxEntries, millis(now)}
}

// Get returns the live entry for ns/key.
func (r *RedisStore) Get(ctx context.Context, ns, key string) (*Entry, error) {
	if err := validateKey(ns, key); err != nil {
		return nil, err
	}
	raw, err := r.client.Get(ctx, r.entryKey(ns, key)).Result()
	if err == redis.Nil {
		return nil, errors.NotFoundf("kvstore: %s/%s", ns, key)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "kvstore: get %s/%s", ns, key)
	}
	e, err := decodeRedisEntry(raw, timeNow())
	if err != nil {
		return nil, err
	}
	if e == nil {
		return nil, errors.NotFoundf("kvstore: %s/%s", ns, key)
	}
	return e, nil
}

// Put writes value under ns/key.
func (r *RedisStore) Put(ctx context.Context, ns, key string, value json.RawMessage, opts PutOptions) (*Entry, error) {
	if err := validateValue(value, r.cfg.MaxValueBytes); err != nil {
		return nil, err
	}
	return r.Update(ctx, ns, key, func(*Entry) (json.RawMessage, error) { return value, nil }, opts)
}

// Update runs fn under WATCH on the entry key and commits through
// commitScript in the same MULTI. A conditional write that loses the race
// reports ErrConflict; an unconditional one is retried.
func (r *RedisStore) Update(ctx context.Context, ns, key string, fn UpdateFunc, opts PutOptions) (*Entry, error) {
	if err := validateKey(ns, key); err != nil {
		return nil, err
	}
	ek := r.entryKey(ns, key)

	for attempt := 0; attempt < maxTxAttempts; attempt++ {
		var out *Entry
		var bound *redis.Cmd
		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			now := timeNow()
			var cur *Entry
			raw, err := tx.Get(ctx, ek).Result()
			switch {
			case err == redis.Nil:
			case err != nil:
				return err
			default:
				if cur, err = decodeRedisEntry(raw, now); err != nil {
					return err
				}
			}
			if err := checkCondition(ns, key, cur, opts.IfRevision); err != nil {
				return err
			}
			next, err := fn(cur)
			if err != nil {
				return err
			}
			if err := validateValue(next, r.cfg.MaxValueBytes); err != nil {
				return err
			}

			now = now.UTC().Truncate(time.Millisecond)
			e := &Entry{
				Namespace: ns,
				Key:       key,
				Value:     next,
				CreatedAt: now,
				UpdatedAt: now,
				ExpiresAt: expiry(opts, r.cfg.DefaultTTL, now),
			}
			if cur != nil {
				e.CreatedAt = cur.CreatedAt
			}
			data, err := json.Marshal(e)
			if err != nil {
				return err
			}
			var ttlMillis int64
			if e.ExpiresAt != nil {
				ttlMillis = max(e.ExpiresAt.Sub(now).Milliseconds(), 1)
			}

			var commit *redis.Cmd
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				commit = commitScript.Eval(ctx, pipe,
					[]string{ek, r.indexKey(ns), r.namespacesKey(), r.seqKey(), r.changesKey()},
					ns, key, string(data), ttlMillis, millis(now),
				)
				if keys, args := r.boundArgs(ns, now); keys != nil {
					bound = boundScript.Eval(ctx, pipe, keys, args...)
				}
				return nil
			})
			if err != nil {
				return err
			}
			if e.Revision, err = commit.Int64(); err != nil {
				return err
			}
			out = e
			return nil
		}, ek)

		switch {
		case err == nil:
			r.logBound(ns, bound)
			return out, nil
		case errors.Is(err, redis.TxFailedErr):
			if opts.IfRevision != nil {
				return nil, errors.Wrapf(errors.ErrConflict, "kvstore: %s/%s changed concurrently", ns, key)
			}
			continue
		case errors.IsInvalid(err), errors.IsConflict(err), errors.Is(err, errors.ErrTooLarge):
			return nil, err
		default:
			return nil, errors.Wrapf(err, "kvstore: put %s/%s", ns, key)
		}
	}
	return nil, errors.Wrapf(errors.ErrConflict, "kvstore: %s/%s: gave up after %d attempts", ns, key, maxTxAttempts)
}

// logBound reports what boundScript removed, if it ran.
func (r *RedisStore) logBound(ns string, bound *redis.Cmd) {
	if bound == nil {
		return
	}
	counts, err := bound.Int64Slice()
	if err != nil || len(counts) != 2 {
		return
	}
	if counts[1] > 0 {
		r.log.Infow("evicted entries", logger.FieldNamespace, ns, logger.FieldCount, counts[1])
	}
}

// Delete removes ns/key.
func (r *RedisStore) Delete(ctx context.Context, ns, key string, ifRevision *int64) error {
	if err := validateKey(ns, key); err != nil {
		return err
	}
	ek := r.entryKey(ns, key)

	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		now := timeNow()
		raw, err := tx.Get(ctx, ek).Result()
		if err == redis.Nil {
			return errors.NotFoundf("kvstore: %s/%s", ns, key)
		}
		if err != nil {
			return err
		}
		cur, err := decodeRedisEntry(raw, now)
		if err != nil {
			return err
		}
		if cur == nil {
			return errors.NotFoundf("kvstore: %s/%s", ns, key)
		}
		if err := checkCondition(ns, key, cur, ifRevision); err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			deleteScript.Eval(ctx, pipe,
				[]string{ek, r.indexKey(ns), r.seqKey(), r.changesKey()},
				ns, key, millis(now),
			)
			return nil
		})
		return err
	}, ek)

	if errors.Is(err, redis.TxFailedErr) {
		return errors.Wrapf(errors.ErrConflict, "kvstore: %s/%s changed concurrently", ns, key)
	}
	return err
}

// List returns live entries of ns ordered by key.
func (r *RedisStore) List(ctx context.Context, ns string, opts ListOptions) ([]Entry, error) {
	if !ValidNamespace(ns) {
		return nil, errors.Invalidf("kvstore: namespace %q", ns)
	}
	keys, err := r.client.ZRange(ctx, r.indexKey(ns), 0, -1).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "kvstore: list %s", ns)
	}

	filtered := keys[:0]
	for _, k := range keys {
		if strings.HasPrefix(k, opts.Prefix) {
			filtered = append(filtered, k)
		}
	}
	sort.Strings(filtered)
	if len(filtered) == 0 {
		return nil, nil
	}

	entryKeys := make([]string, len(filtered))
	for i, k := range filtered {
		entryKeys[i] = r.entryKey(ns, k)
	}
	vals, err := r.client.MGet(ctx, entryKeys...).Result()
	if err != nil {
		return nil, errors.Wrapf(err, "kvstore: list %s", ns)
	}

	// Index members whose entries Redis already expired are skipped here
	// and recorded by Sweep.
	now := timeNow()
	var out []Entry
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		e, err := decodeRedisEntry(raw, now)
		if err != nil {
			return nil, err
		}
		if e == nil {
			continue
		}
		out = append(out, *e)
		if opts.Limit > 0 && len(out) == opts.Limit {
			break
		}
	}
	return out, nil
}

// Namespaces returns namespaces with indexed keys.
func (r *RedisStore) Namespaces(ctx context.Context) ([]string, error) {
	all, err := r.client.SMembers(ctx, r.namespacesKey()).Result()
	if err != nil {
		return nil, errors.Wrap(err, "kvstore: namespaces")
	}
	var out []string
	for _, ns := range all {
		n, err := r.client.ZCard(ctx, r.indexKey(ns)).Result()
		if err != nil {
			return nil, errors.Wrap(err, "kvstore: namespaces")
		}
		if n > 0 {
			out = append(out, ns)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Changes returns change-feed rows after since.
func (r *RedisStore) Changes(ctx context.Context, since int64, limit int) ([]Change, error) {
	if limit <= 0 {
		limit = 1000
	}
	raw, err := r.client.ZRangeByScore(ctx, r.changesKey(), &redis.ZRangeBy{
		Min:   "(" + strconv.FormatInt(since, 10),
		Max:   "+inf",
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, errors.Wrap(err, "kvstore: changes")
	}
	out := make([]Change, 0, len(raw))
	for _, member := range raw {
		c, err := decodeRedisChange(member)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// Sweep drops index members whose entries Redis already expired, records
// them in the feed, and trims the feed.
func (r *RedisStore) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	namespaces, err := r.client.SMembers(ctx, r.namespacesKey()).Result()
	if err != nil {
		return res, errors.Wrap(err, "kvstore: sweep")
	}
	now := timeNow()
	for _, ns := range namespaces {
		keys, err := r.client.ZRange(ctx, r.indexKey(ns), 0, -1).Result()
		if err != nil {
			return res, errors.Wrap(err, "kvstore: sweep")
		}
		for _, k := range keys {
			n, err := expireScript.Run(ctx, r.client,
				[]string{r.entryKey(ns, k), r.indexKey(ns), r.seqKey(), r.changesKey()},
				ns, k, millis(now),
			).Int()
			if err != nil {
				return res, errors.Wrapf(err, "kvstore: expire %s/%s", ns, k)
			}
			res.Expired += n
		}
	}
	if res.Expired > 0 {
		r.log.Debugw("swept expired entries", logger.FieldCount, res.Expired)
	}

	if r.cfg.ChangeRetention > 0 {
		n, err := r.client.ZRemRangeByRank(ctx, r.changesKey(), 0, int64(-r.cfg.ChangeRetention-1)).Result()
		if err != nil {
			return res, errors.Wrap(err, "kvstore: trim changes")
		}
		res.ChangesTrimmed = int(n)
	}
	return res, nil
}

// Stats returns per-namespace counts and the current sequence.
func (r *RedisStore) Stats(ctx context.Context) (*Stats, error) {
	st := &Stats{Backend: BackendRedis, Namespaces: map[string]int{}}
	namespaces, err := r.Namespaces(ctx)
	if err != nil {
		return nil, err
	}
	for _, ns := range namespaces {
		n, err := r.client.ZCard(ctx, r.indexKey(ns)).Result()
		if err != nil {
			return nil, errors.Wrap(err, "kvstore: stats")
		}
		st.Namespaces[ns] = int(n)
		st.Entries += int(n)
	}
	seq, err := r.client.Get(ctx, r.seqKey()).Int64()
	if err != nil && err != redis.Nil {
		return nil, errors.Wrap(err, "kvstore: stats")
	}
	st.LastSeq = seq
	return st, nil
}
