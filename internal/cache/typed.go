package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

const (
	defaultLocalSize = 1000
	defaultLocalTTL  = 30 * time.Second
	invalidationPrefix = "cache:invalidate:"
)

// LookupFunc computes the value for a cache miss that also missed the
// distributed backend.
type LookupFunc[K any, V any] func(ctx context.Context, key K) (V, error)

// KeyFunc derives the backend/local cache key for K (§4.9's "key.primaryKey").
type KeyFunc[K any] func(key K) string

// Option configures a Typed store at construction time.
type Option func(*options)

type options struct {
	localSize int
	localTTL  time.Duration
	valueTTL  time.Duration
}

func WithLocalSize(n int) Option { return func(o *options) { o.localSize = n } }
func WithLocalTTL(d time.Duration) Option { return func(o *options) { o.localTTL = d } }

// WithValueTTL sets the distributed-store TTL; defaults to the local TTL
// when unset, but callers like internal/session use a much longer value
// (e.g. 5 minutes) than the 30s local layer.
func WithValueTTL(d time.Duration) Option { return func(o *options) { o.valueTTL = d } }

// Typed is the §4.9 typed cache: a local LRU in front of a distributed
// Backend, with lookup-on-miss and cross-node invalidation.
type Typed[K any, V any] struct {
	storeID string
	local   *expirable.LRU[string, V]
	backend Backend
	lookup  LookupFunc[K, V]
	keyFunc KeyFunc[K]

	valueTTL time.Duration
	nodeID   string
	group    singleflight.Group

	unsubscribe func()
}

// New builds a Typed store and starts its invalidation subscriber. Callers
// should call Close when done (process shutdown) to release the
// subscription.
func New[K any, V any](storeID string, backend Backend, keyFunc KeyFunc[K], lookup LookupFunc[K, V], opts ...Option) *Typed[K, V] {
	o := options{localSize: defaultLocalSize, localTTL: defaultLocalTTL}
	for _, opt := range opts {
		opt(&o)
	}
	if o.valueTTL == 0 {
		o.valueTTL = o.localTTL
	}

	t := &Typed[K, V]{
		storeID:  storeID,
		local:    expirable.NewLRU[string, V](o.localSize, nil, o.localTTL),
		backend:  backend,
		lookup:   lookup,
		keyFunc:  keyFunc,
		valueTTL: o.valueTTL,
		nodeID:   uuid.NewString(),
	}
	t.subscribe()
	return t
}

func (t *Typed[K, V]) backendKey(pk string) string {
	return fmt.Sprintf("%s:%s", t.storeID, pk)
}

func (t *Typed[K, V]) channel() string {
	return invalidationPrefix + t.storeID
}

func (t *Typed[K, V]) subscribe() {
	msgs, unsubscribe, err := t.backend.Subscribe(context.Background(), t.channel())
	if err != nil {
		// Falling back to local-only invalidation is acceptable: a node
		// that can't reach the backend for pub/sub also can't reach it for
		// reads, so its local cache will already be out of the distributed
		// loop.
		slog.Warn("cache: invalidation subscribe failed, local invalidation only", "store", t.storeID, "error", err)
		return
	}
	t.unsubscribe = unsubscribe

	go func() {
		for payload := range msgs {
			var msg invalidationMessage
			if err := json.Unmarshal(payload, &msg); err != nil {
				continue
			}
			if msg.SourceNodeID == t.nodeID {
				continue // our own write, already applied locally
			}
			t.local.Remove(msg.Key)
		}
	}()
}

func (t *Typed[K, V]) Close() {
	if t.unsubscribe != nil {
		t.unsubscribe()
	}
}

// Get resolves key through the local layer, then the distributed layer,
// then lookup — persisting back through both layers on any miss that had
// to fall through, per §4.9.
func (t *Typed[K, V]) Get(ctx context.Context, key K) (V, error) {
	pk := t.keyFunc(key)

	if v, ok := t.local.Get(pk); ok {
		return v, nil
	}

	if raw, ok, err := t.backend.Get(ctx, t.backendKey(pk)); err == nil && ok {
		var v V
		if err := json.Unmarshal(raw, &v); err == nil {
			t.local.Add(pk, v)
			return v, nil
		}
	}

	v, err, _ := t.group.Do(pk, func() (any, error) {
		v, err := t.lookup(ctx, key)
		if err != nil {
			return nil, err
		}
		t.persist(ctx, pk, v)
		return v, nil
	})
	if err != nil {
		var zero V
		return zero, err
	}
	return v.(V), nil
}

// Set writes value through both layers without consulting lookup, for
// callers that already have a fresh value to seed the cache with (e.g.
// right after Session.Create).
func (t *Typed[K, V]) Set(ctx context.Context, key K, value V) {
	t.persist(ctx, t.keyFunc(key), value)
}

func (t *Typed[K, V]) persist(ctx context.Context, pk string, v V) {
	t.local.Add(pk, v)
	if raw, err := json.Marshal(v); err == nil {
		if err := t.backend.Set(ctx, t.backendKey(pk), raw, t.valueTTL); err != nil {
			slog.Warn("cache: distributed write failed", "store", t.storeID, "error", err)
		}
	}
}

// Invalidate drops key from the local layer, the distributed layer, and
// publishes the eviction to every other node subscribed to this store.
func (t *Typed[K, V]) Invalidate(ctx context.Context, key K) error {
	pk := t.keyFunc(key)
	t.local.Remove(pk)

	if err := t.backend.Del(ctx, t.backendKey(pk)); err != nil {
		return err
	}

	msg := invalidationMessage{StoreID: t.storeID, Key: pk, SourceNodeID: t.nodeID}
	return t.backend.Publish(ctx, t.channel(), msg.marshal())
}
