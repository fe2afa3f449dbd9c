// Package cache implements the typed, cross-node-invalidating cache the
// core depends on (§4.9), plus the raw KV/set/setNX primitives the replay
// guard builds on.
//
// Every store has two layers: a small local LRU (fast, per-process, can go
// stale) in front of a distributed Redis backend (shared, authoritative).
// Invalidation fans out over a Redis Pub/Sub channel so every process
// drops its local copy when any node writes a new value.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Backend is the distributed half of the cache: whatever doesn't fit in the
// local LRU. The Redis implementation below is the only one this repo
// ships, but callers depend on the interface so tests can substitute an
// in-memory fake.
type Backend interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Del(ctx context.Context, key string) error

	SAdd(ctx context.Context, key string, members ...string) error
	SMembers(ctx context.Context, key string) ([]string, error)
	SRem(ctx context.Context, key string, members ...string) error

	// SetNX sets key only if absent, returning alreadyExists=true when a
	// concurrent writer beat this call to it.
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (alreadyExists bool, err error)

	Publish(ctx context.Context, channel string, payload []byte) error
	// Subscribe returns a channel of raw message payloads on channel. The
	// returned function unsubscribes and releases resources.
	Subscribe(ctx context.Context, channel string) (msgs <-chan []byte, unsubscribe func(), err error)
}

// RedisBackend implements Backend over go-redis/v9.
type RedisBackend struct {
	client *redis.Client
}

func NewRedisBackend(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client}
}

var ErrBackendUnavailable = errors.New("cache: backend unavailable")

func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := b.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, wrapRedisErr(err)
	}
	return val, true, nil
}

func (b *RedisBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return wrapRedisErr(b.client.Set(ctx, key, value, ttl).Err())
}

func (b *RedisBackend) Del(ctx context.Context, key string) error {
	return wrapRedisErr(b.client.Del(ctx, key).Err())
}

func (b *RedisBackend) SAdd(ctx context.Context, key string, members ...string) error {
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return wrapRedisErr(b.client.SAdd(ctx, key, args...).Err())
}

func (b *RedisBackend) SMembers(ctx context.Context, key string) ([]string, error) {
	members, err := b.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, wrapRedisErr(err)
	}
	return members, nil
}

func (b *RedisBackend) SRem(ctx context.Context, key string, members ...string) error {
	args := make([]any, len(members))
	for i, m := range members {
		args[i] = m
	}
	return wrapRedisErr(b.client.SRem(ctx, key, args...).Err())
}

// setNXScript is a Lua script so the "does it already exist" read and the
// conditional write happen atomically, matching §4.5's "implemented
// atomically via cache setNX" requirement — SETNX alone doesn't tell the
// caller whether IT set the key or a prior call did, which the replay
// guard needs to distinguish "fresh" from "already used".
var setNXScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 1
end
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[2])
return 0
`)

func (b *RedisBackend) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	res, err := setNXScript.Run(ctx, b.client, []string{key}, value, ttl.Milliseconds()).Int()
	if err != nil {
		return false, wrapRedisErr(err)
	}
	return res == 1, nil
}

func (b *RedisBackend) Publish(ctx context.Context, channel string, payload []byte) error {
	return wrapRedisErr(b.client.Publish(ctx, channel, payload).Err())
}

func (b *RedisBackend) Subscribe(ctx context.Context, channel string) (<-chan []byte, func(), error) {
	sub := b.client.Subscribe(ctx, channel)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, nil, wrapRedisErr(err)
	}

	out := make(chan []byte, 16)
	redisCh := sub.Channel()
	go func() {
		defer close(out)
		for msg := range redisCh {
			select {
			case out <- []byte(msg.Payload):
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, func() { _ = sub.Close() }, nil
}

func wrapRedisErr(err error) error {
	if err == nil {
		return nil
	}
	return errors.Join(ErrBackendUnavailable, err)
}

// invalidationMessage is the JSON payload published on a store's
// invalidation channel (§6 cache protocol).
type invalidationMessage struct {
	StoreID      string `json:"storeId"`
	Key          string `json:"key"`
	SourceNodeID string `json:"sourceNodeId"`
}

func (m invalidationMessage) marshal() []byte {
	b, _ := json.Marshal(m)
	return b
}
