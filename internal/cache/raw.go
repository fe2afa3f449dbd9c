package cache

import (
	"context"
	"time"
)

// Raw exposes the §4.9 "additional primitives" — kv.{get,set,del},
// sets.{add,members,remove}, setNX — directly over a Backend, for callers
// that want raw key/value access rather than a typed lookup-cache (the
// replay guard only needs this).
type Raw struct {
	backend Backend
}

func NewRaw(backend Backend) Raw {
	return Raw{backend: backend}
}

func (r Raw) KV() KV     { return KV{r.backend} }
func (r Raw) Sets() Sets { return Sets{r.backend} }

// SetNX sets key to value only if it doesn't already exist, returning
// alreadyExists=true when a concurrent writer won the race.
func (r Raw) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (alreadyExists bool, err error) {
	return r.backend.SetNX(ctx, key, value, ttl)
}

type KV struct{ backend Backend }

func (k KV) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return k.backend.Get(ctx, key)
}

func (k KV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return k.backend.Set(ctx, key, value, ttl)
}

func (k KV) Del(ctx context.Context, key string) error {
	return k.backend.Del(ctx, key)
}

type Sets struct{ backend Backend }

func (s Sets) Add(ctx context.Context, key string, members ...string) error {
	return s.backend.SAdd(ctx, key, members...)
}

func (s Sets) Members(ctx context.Context, key string) ([]string, error) {
	return s.backend.SMembers(ctx, key)
}

func (s Sets) Remove(ctx context.Context, key string, members ...string) error {
	return s.backend.SRem(ctx, key, members...)
}
