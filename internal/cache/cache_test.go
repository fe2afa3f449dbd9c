package cache_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/parametricportal/trustplane/internal/cache"
)

// fakeBackend is an in-memory stand-in for Redis, good enough to exercise
// Typed's layering and invalidation logic without a live server.
type fakeBackend struct {
	mu   sync.Mutex
	kv   map[string][]byte
	sets map[string]map[string]struct{}
	subs map[string][]chan []byte
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		kv:   map[string][]byte{},
		sets: map[string]map[string]struct{}{},
		subs: map[string][]chan []byte{},
	}
}

func (f *fakeBackend) Get(_ context.Context, key string) ([]byte, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.kv[key]
	return v, ok, nil
}

func (f *fakeBackend) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.kv[key] = value
	return nil
}

func (f *fakeBackend) Del(_ context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.kv, key)
	return nil
}

func (f *fakeBackend) SAdd(_ context.Context, key string, members ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	set, ok := f.sets[key]
	if !ok {
		set = map[string]struct{}{}
		f.sets[key] = set
	}
	for _, m := range members {
		set[m] = struct{}{}
	}
	return nil
}

func (f *fakeBackend) SMembers(_ context.Context, key string) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for m := range f.sets[key] {
		out = append(out, m)
	}
	return out, nil
}

func (f *fakeBackend) SRem(_ context.Context, key string, members ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, m := range members {
		delete(f.sets[key], m)
	}
	return nil
}

func (f *fakeBackend) SetNX(_ context.Context, key string, value []byte, _ time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.kv[key]; ok {
		return true, nil
	}
	f.kv[key] = value
	return false, nil
}

func (f *fakeBackend) Publish(_ context.Context, channel string, payload []byte) error {
	f.mu.Lock()
	subs := append([]chan []byte(nil), f.subs[channel]...)
	f.mu.Unlock()
	for _, ch := range subs {
		ch <- payload
	}
	return nil
}

func (f *fakeBackend) Subscribe(_ context.Context, channel string) (<-chan []byte, func(), error) {
	ch := make(chan []byte, 16)
	f.mu.Lock()
	f.subs[channel] = append(f.subs[channel], ch)
	f.mu.Unlock()
	return ch, func() {}, nil
}

func TestTyped_LookupOnDoubleMiss(t *testing.T) {
	backend := newFakeBackend()
	var calls int32

	store := cache.New[string, string]("users", backend, func(k string) string { return k },
		func(_ context.Context, k string) (string, error) {
			atomic.AddInt32(&calls, 1)
			return "value-for-" + k, nil
		})

	v, err := store.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "value-for-u1", v)

	// Second call should be served from the local layer, not re-run lookup.
	v2, err := store.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, v, v2)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestTyped_ServesFromDistributedLayerWithoutRecallingLookup(t *testing.T) {
	backend := newFakeBackend()
	var calls int32

	keyFunc := func(k string) string { return k }
	lookup := func(_ context.Context, k string) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "from-lookup", nil
	}

	storeA := cache.New[string, string]("users", backend, keyFunc, lookup)
	_, err := storeA.Get(context.Background(), "u1")
	require.NoError(t, err)

	// A second, independent Typed instance (simulating another process)
	// sharing the same backend should hit the distributed layer.
	storeB := cache.New[string, string]("users", backend, keyFunc, lookup)
	v, err := storeB.Get(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, "from-lookup", v)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestTyped_InvalidatePropagatesAcrossNodes(t *testing.T) {
	backend := newFakeBackend()
	var calls int32
	keyFunc := func(k string) string { return k }
	lookup := func(_ context.Context, k string) (string, error) {
		atomic.AddInt32(&calls, 1)
		return "v", nil
	}

	storeA := cache.New[string, string]("sessions", backend, keyFunc, lookup)
	storeB := cache.New[string, string]("sessions", backend, keyFunc, lookup)
	defer storeA.Close()
	defer storeB.Close()

	_, err := storeA.Get(context.Background(), "k1")
	require.NoError(t, err)
	_, err = storeB.Get(context.Background(), "k1")
	require.NoError(t, err)

	require.NoError(t, storeA.Invalidate(context.Background(), "k1"))

	assert.Eventually(t, func() bool {
		_, ok, _ := backend.Get(context.Background(), "sessions:k1")
		return !ok
	}, time.Second, 5*time.Millisecond)

	// storeB's local copy is dropped by its background subscriber, so once
	// the message is processed a Get on B falls through to lookup again.
	assert.Eventually(t, func() bool {
		_, err := storeB.Get(context.Background(), "k1")
		return err == nil && atomic.LoadInt32(&calls) > 1
	}, time.Second, 5*time.Millisecond)
}

func TestRaw_SetNXReportsAlreadyExists(t *testing.T) {
	backend := newFakeBackend()
	raw := cache.NewRaw(backend)

	alreadyExists, err := raw.SetNX(context.Background(), "totp:u1:100:123456", []byte("1"), time.Second)
	require.NoError(t, err)
	assert.False(t, alreadyExists)

	alreadyExists, err = raw.SetNX(context.Background(), "totp:u1:100:123456", []byte("1"), time.Second)
	require.NoError(t, err)
	assert.True(t, alreadyExists, "second setNX on the same key must report the replay")
}

func TestRaw_SetsRoundTrip(t *testing.T) {
	backend := newFakeBackend()
	raw := cache.NewRaw(backend)
	ctx := context.Background()

	require.NoError(t, raw.Sets().Add(ctx, "tags", "a", "b"))
	members, err := raw.Sets().Members(ctx, "tags")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"a", "b"}, members)

	require.NoError(t, raw.Sets().Remove(ctx, "tags", "a"))
	members, err = raw.Sets().Members(ctx, "tags")
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, members)
}
