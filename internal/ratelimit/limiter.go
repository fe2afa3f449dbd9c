package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/parametricportal/trustplane/internal/apierr"
)

// Result is written onto the request context so the headers middleware can
// emit X-RateLimit-* and Retry-After, per §4.8.
type Result struct {
	Limit      int
	Remaining  int
	ResetAfter time.Duration
	Delay      time.Duration
}

// Limiter runs every preset against Redis, falling back to an in-process
// golang.org/x/time/rate limiter per key when Redis is unreachable and the
// preset is fail-open.
type Limiter struct {
	client *redis.Client

	fallbackMu sync.Mutex
	fallback   map[string]*rate.Limiter

	// OnStoreFailure is called once per Redis failure, wired to
	// internal/metrics' rate_limit_store_failures counter by the caller
	// that constructs the Limiter.
	OnStoreFailure func()
}

func New(client *redis.Client) *Limiter {
	return &Limiter{client: client, fallback: make(map[string]*rate.Limiter)}
}

// Key builds the §4.8 rate-limit key: "{preset}:{tenantId}:{userId|anonymous}:{ipOrUnknown}".
func Key(preset, tenantID, userID, ip string) string {
	if userID == "" {
		userID = "anonymous"
	}
	if ip == "" {
		ip = "unknown"
	}
	return fmt.Sprintf("%s:%s:%s:%s", preset, tenantID, userID, ip)
}

// Consume applies preset against key. A denied request returns an
// *apierr.Error of KindRateLimit; an allowed request (including a
// delay-mode preset that was over budget) returns a Result with no error.
func (l *Limiter) Consume(ctx context.Context, preset Preset, tenantID, userID, ip string) (Result, error) {
	key := "ratelimit:" + Key(preset.Name, tenantID, userID, ip)

	var res Result
	var err error
	switch preset.Algorithm {
	case TokenBucket:
		res, err = l.consumeTokenBucket(ctx, key, preset)
	default:
		res, err = l.consumeFixedWindow(ctx, key, preset)
	}

	if err != nil {
		return l.handleStoreFailure(ctx, key, preset, err)
	}

	if res.Remaining < 0 {
		if preset.Delay {
			res.Delay = res.ResetAfter
			res.Remaining = 0
			return res, nil
		}
		return res, apierr.RateLimit(res.ResetAfter.Milliseconds(), res.Limit, 0, preset.RecoveryAction)
	}
	return res, nil
}

func (l *Limiter) handleStoreFailure(ctx context.Context, key string, preset Preset, cause error) (Result, error) {
	if l.OnStoreFailure != nil {
		l.OnStoreFailure()
	}
	slog.Warn("ratelimit: store unavailable", "key", key, "preset", preset.Name, "error", cause)

	if !preset.FailOpen {
		return Result{Limit: preset.Limit, Remaining: 0, ResetAfter: preset.Window},
			apierr.RateLimit(preset.Window.Milliseconds(), preset.Limit, 0, preset.RecoveryAction)
	}

	// Fail-open: the request is always allowed. The in-process per-key
	// limiter only decides whether the reported Remaining is Limit-1 or 0;
	// no request is rejected or delayed while the store is unreachable.
	if l.fallbackAllow(key, preset) {
		return Result{Limit: preset.Limit, Remaining: preset.Limit - 1}, nil
	}
	return Result{Limit: preset.Limit, Remaining: 0, ResetAfter: preset.Window}, nil
}

func (l *Limiter) fallbackAllow(key string, preset Preset) bool {
	l.fallbackMu.Lock()
	lim, ok := l.fallback[key]
	if !ok {
		lim = rate.NewLimiter(rate.Every(preset.Window/time.Duration(preset.Limit)), preset.Limit)
		l.fallback[key] = lim
	}
	l.fallbackMu.Unlock()
	return lim.Allow()
}

// tokenBucketScript stores {tokens, lastRefillMs} in a Redis hash and
// refills proportionally to elapsed time, capped at capacity. Returns
// {remaining (negative if denied), resetAfterMs}.
var tokenBucketScript = redis.NewScript(`
local key = KEYS[1]
local capacity = tonumber(ARGV[1])
local refillMs = tonumber(ARGV[2])
local requested = tonumber(ARGV[3])
local nowMs = tonumber(ARGV[4])
local ttlMs = tonumber(ARGV[5])

local data = redis.call("HMGET", key, "tokens", "last")
local tokens = tonumber(data[1])
local last = tonumber(data[2])
if tokens == nil then
  tokens = capacity
  last = nowMs
end

local elapsed = math.max(0, nowMs - last)
local refillRate = capacity / refillMs
tokens = math.min(capacity, tokens + elapsed * refillRate)

local remaining = tokens - requested
if remaining < 0 then
  redis.call("HMSET", key, "tokens", tokens, "last", nowMs)
  redis.call("PEXPIRE", key, ttlMs)
  return {-1, math.ceil((requested - tokens) / refillRate)}
end

redis.call("HMSET", key, "tokens", remaining, "last", nowMs)
redis.call("PEXPIRE", key, ttlMs)
return {math.floor(remaining), 0}
`)

func (l *Limiter) consumeTokenBucket(ctx context.Context, key string, preset Preset) (Result, error) {
	now := time.Now().UnixMilli()
	out, err := tokenBucketScript.Run(ctx, l.client, []string{key},
		preset.Limit, preset.Window.Milliseconds(), preset.TokensPerRequest, now, preset.Window.Milliseconds()*2,
	).Slice()
	if err != nil {
		return Result{}, err
	}
	remaining := toInt(out[0])
	resetMs := toInt(out[1])
	return Result{
		Limit:      preset.Limit,
		Remaining:  remaining,
		ResetAfter: time.Duration(resetMs) * time.Millisecond,
	}, nil
}

// fixedWindowScript increments a counter, setting its expiry only on the
// first increment of the window, and returns {remaining, resetAfterMs}.
var fixedWindowScript = redis.NewScript(`
local key = KEYS[1]
local limit = tonumber(ARGV[1])
local windowMs = tonumber(ARGV[2])

local count = redis.call("INCR", key)
if count == 1 then
  redis.call("PEXPIRE", key, windowMs)
end
local ttl = redis.call("PTTL", key)
if ttl < 0 then
  ttl = windowMs
end

return {limit - count, ttl}
`)

func (l *Limiter) consumeFixedWindow(ctx context.Context, key string, preset Preset) (Result, error) {
	out, err := fixedWindowScript.Run(ctx, l.client, []string{key}, preset.Limit, preset.Window.Milliseconds()).Slice()
	if err != nil {
		return Result{}, err
	}
	remaining := toInt(out[0])
	resetMs := toInt(out[1])
	return Result{
		Limit:      preset.Limit,
		Remaining:  remaining,
		ResetAfter: time.Duration(resetMs) * time.Millisecond,
	}, nil
}

func toInt(v any) int {
	switch n := v.(type) {
	case int64:
		return int(n)
	case int:
		return n
	default:
		return 0
	}
}

var errUnknownPreset = errors.New("ratelimit: unknown preset")

// Lookup resolves a preset by name, for callers (middleware) that only
// have the string name from a route annotation.
func Lookup(name string) (Preset, error) {
	p, ok := Presets[name]
	if !ok {
		return Preset{}, fmt.Errorf("%w: %s", errUnknownPreset, name)
	}
	return p, nil
}
