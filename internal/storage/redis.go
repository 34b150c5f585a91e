package storage

import (
	"context"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// Each logical set is laid out as three Redis keys:
//
//	<key>      ZSET   member "<20-digit seq>:<id>", score EnrolledAt
//	<key>:idx  HASH   id -> member
//	<key>:seq  STRING insertion counter
//
// Equal scores sort lexicographically by member, so the zero-padded sequence
// prefix keeps same-second arrivals in insertion order.
const (
	indexSuffix = ":idx"
	seqSuffix   = ":seq"
	seqWidth    = 20
)

var addScript = redis.NewScript(`
	if redis.call('HEXISTS', KEYS[2], ARGV[1]) == 1 then
		return 0
	end
	local seq = tostring(redis.call('INCR', KEYS[3]))
	local member = string.rep('0', 20 - #seq) .. seq .. ':' .. ARGV[1]
	redis.call('ZADD', KEYS[1], ARGV[2], member)
	redis.call('HSET', KEYS[2], ARGV[1], member)
	return 1
`)

var rankScript = redis.NewScript(`
	local member = redis.call('HGET', KEYS[2], ARGV[1])
	if not member then
		return -1
	end
	local rank = redis.call('ZRANK', KEYS[1], member)
	if not rank then
		return -1
	end
	return rank
`)

var popMinScript = redis.NewScript(`
	local popped = redis.call('ZPOPMIN', KEYS[1], ARGV[1])
	for i = 1, #popped, 2 do
		redis.call('HDEL', KEYS[2], string.sub(popped[i], 22))
	end
	return popped
`)

// RedisStore implements Store on Redis sorted sets. Every operation is a
// single script or command, so per-key atomicity comes from Redis itself.
// It needs a single-node client: the scripts touch sibling keys that a
// cluster would hash to different slots, and SCAN only sees one node.
type RedisStore struct {
	client    *redis.Client
	opTimeout time.Duration
}

var _ Store = (*RedisStore)(nil)

// RedisOption configures a RedisStore.
type RedisOption func(*RedisStore)

// WithOpTimeout bounds every Redis round trip.
func WithOpTimeout(d time.Duration) RedisOption {
	return func(s *RedisStore) {
		if d > 0 {
			s.opTimeout = d
		}
	}
}

// NewRedisClient connects to addr and verifies the connection.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "ping redis at %s", addr)
	}
	return client, nil
}

// NewRedisStore wraps client. The caller owns the client lifecycle.
func NewRedisStore(client *redis.Client, opts ...RedisOption) *RedisStore {
	s := &RedisStore{client: client, opTimeout: 2 * time.Second}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStore) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

// Add inserts m under key unless m.ID is already present.
func (s *RedisStore) Add(ctx context.Context, key string, m Member) (bool, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	added, err := addScript.Run(ctx, s.client,
		[]string{key, key + indexSuffix, key + seqSuffix},
		strconv.FormatInt(m.ID, 10), m.EnrolledAt,
	).Int64()
	if err != nil {
		return false, transient("add", err)
	}
	return added == 1, nil
}

// Rank returns the zero-based rank of id under key, or -1.
func (s *RedisStore) Rank(ctx context.Context, key string, id int64) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	rank, err := rankScript.Run(ctx, s.client,
		[]string{key, key + indexSuffix},
		strconv.FormatInt(id, 10),
	).Int64()
	if err != nil {
		return -1, transient("rank", err)
	}
	return rank, nil
}

// RemoveMin pops up to n oldest members under key.
func (s *RedisStore) RemoveMin(ctx context.Context, key string, n int64) ([]Member, error) {
	if n <= 0 {
		return nil, nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	raw, err := popMinScript.Run(ctx, s.client,
		[]string{key, key + indexSuffix}, n,
	).Slice()
	if err != nil {
		return nil, transient("remove min", err)
	}

	out := make([]Member, 0, len(raw)/2)
	for i := 0; i+1 < len(raw); i += 2 {
		m, err := decodeMember(raw[i], raw[i+1])
		if err != nil {
			return out, err
		}
		out = append(out, m)
	}
	return out, nil
}

// Size returns the cardinality of the set under key.
func (s *RedisStore) Size(ctx context.Context, key string) (int64, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	n, err := s.client.ZCard(ctx, key).Result()
	if err != nil {
		return 0, transient("size", err)
	}
	return n, nil
}

// Scan walks the keyspace with SCAN MATCH pattern. Redis drops empty sorted
// sets, so every returned key is non-empty at the time it was seen.
func (s *RedisStore) Scan(ctx context.Context, pattern string) ([]string, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	seen := make(map[string]struct{})
	var (
		keys   []string
		cursor uint64
	)
	for {
		batch, next, err := s.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, transient("scan", err)
		}
		for _, key := range batch {
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			keys = append(keys, key)
		}
		if next == 0 {
			sort.Strings(keys)
			return keys, nil
		}
		cursor = next
	}
}

func decodeMember(rawMember, rawScore interface{}) (Member, error) {
	member, ok := rawMember.(string)
	if !ok || len(member) <= seqWidth {
		return Member{}, errors.Errorf("unexpected member %v", rawMember)
	}
	_, idPart, _ := strings.Cut(member, ":")
	id, err := strconv.ParseInt(idPart, 10, 64)
	if err != nil {
		return Member{}, errors.Wrapf(err, "parse member %q", member)
	}

	scoreStr, ok := rawScore.(string)
	if !ok {
		return Member{}, errors.Errorf("unexpected score %v", rawScore)
	}
	score, err := strconv.ParseFloat(scoreStr, 64)
	if err != nil {
		return Member{}, errors.Wrapf(err, "parse score %q", scoreStr)
	}
	return Member{ID: id, EnrolledAt: int64(score)}, nil
}
