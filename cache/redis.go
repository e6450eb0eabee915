package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps entries as JSON strings under <prefix>:<namespace>:e:<hash>.
// A sorted set scored by expiry time is the secondary index used by CleanupExpired.
// Entries carry no native Redis TTL; expiry is driven by the caller's clock.
type RedisStore struct {
	client    redis.UniversalClient
	namespace string
	prefix    string
}

type redisEntry struct {
	Body      json.RawMessage `json:"body"`
	CreatedAt int64           `json:"created_at"`
	ExpiresAt int64           `json:"expires_at"`
}

// NewRedisStore returns a store for the namespace using the given client.
// The store owns the client: Close closes it.
func NewRedisStore(client redis.UniversalClient, namespace string) (*RedisStore, error) {
	if client == nil {
		return nil, errors.New("cache: redis client is nil")
	}
	if err := ValidateNamespace(namespace); err != nil {
		return nil, err
	}
	return &RedisStore{
		client:    client,
		namespace: namespace,
		prefix:    "apihive-cache:" + namespace,
	}, nil
}

func (r *RedisStore) entryKey(hash string) string {
	return r.prefix + ":e:" + hash
}

func (r *RedisStore) indexKey() string {
	return r.prefix + ":expires"
}

func (r *RedisStore) Get(ctx context.Context, hash string) (Entry, bool, error) {
	result, err := r.client.Get(ctx, r.entryKey(hash)).Result()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, opError("get", r.namespace, err)
	}
	var stored redisEntry
	if err := json.Unmarshal([]byte(result), &stored); err != nil {
		return Entry{}, false, opError("get", r.namespace, fmt.Errorf("decode entry: %w", err))
	}
	body, err := decodeBody(stored.Body)
	if err != nil {
		return Entry{}, false, opError("get", r.namespace, fmt.Errorf("decode body: %w", err))
	}
	return Entry{
		Hash:      hash,
		Body:      body,
		CreatedAt: unixMillisToTime(stored.CreatedAt),
		ExpiresAt: unixMillisToTime(stored.ExpiresAt),
	}, true, nil
}

func (r *RedisStore) Set(ctx context.Context, entry Entry) error {
	body, err := encodeBody(entry.Body)
	if err != nil {
		return opError("set", r.namespace, err)
	}
	data, err := json.Marshal(redisEntry{
		Body:      body,
		CreatedAt: timeToUnixMillis(entry.CreatedAt),
		ExpiresAt: timeToUnixMillis(entry.ExpiresAt),
	})
	if err != nil {
		return opError("set", r.namespace, err)
	}
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.entryKey(entry.Hash), data, 0)
		pipe.ZAdd(ctx, r.indexKey(), redis.Z{
			Score:  float64(timeToUnixMillis(entry.ExpiresAt)),
			Member: entry.Hash,
		})
		return nil
	})
	return opError("set", r.namespace, err)
}

func (r *RedisStore) Delete(ctx context.Context, hash string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, r.entryKey(hash))
		pipe.ZRem(ctx, r.indexKey(), hash)
		return nil
	})
	return opError("delete", r.namespace, err)
}

// clearScript drops every entry listed in the index and the index itself in one step,
// so entries written concurrently are either removed or keep their index member.
var clearScript = redis.NewScript(`
local hashes = redis.call('ZRANGE', KEYS[1], 0, -1)
for _, hash in ipairs(hashes) do
	redis.call('DEL', ARGV[1] .. hash)
end
redis.call('DEL', KEYS[1])
return #hashes
`)

// cleanupScript removes the entries scored at or below ARGV[2] together with their index members.
var cleanupScript = redis.NewScript(`
local hashes = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
for _, hash in ipairs(hashes) do
	redis.call('DEL', ARGV[1] .. hash)
end
redis.call('ZREMRANGEBYSCORE', KEYS[1], '-inf', ARGV[2])
return #hashes
`)

func (r *RedisStore) Clear(ctx context.Context) error {
	err := clearScript.Run(ctx, r.client, []string{r.indexKey()}, r.entryKey("")).Err()
	return opError("clear", r.namespace, err)
}

// CleanupExpired removes the members of the expiry index scored at or below now.
func (r *RedisStore) CleanupExpired(ctx context.Context, now time.Time) (int64, error) {
	removed, err := cleanupScript.Run(ctx, r.client, []string{r.indexKey()},
		r.entryKey(""), strconv.FormatInt(timeToUnixMillis(now), 10),
	).Int64()
	if err != nil {
		return 0, opError("cleanup", r.namespace, err)
	}
	return removed, nil
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}

var _ Store = (*RedisStore)(nil)
