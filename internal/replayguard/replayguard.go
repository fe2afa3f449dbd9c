// Package replayguard implements §4.5: TOTP replay detection over the
// distributed cache, and a per-user in-process brute-force lockout map.
package replayguard

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/parametricportal/trustplane/internal/apierr"
	"github.com/parametricportal/trustplane/internal/cache"
)

const replayTTL = 150 * time.Second

// Guard bundles the replay-detection cache primitive and the lockout map.
// Replay marks live in the shared cache; the lockout map is per-process.
// They are pulled under one roof because they're always consumed together
// from internal/mfa.
type Guard struct {
	raw cache.Raw

	mu       sync.Mutex
	attempts map[uuid.UUID]*lockoutState
}

type lockoutState struct {
	count       int
	lockedUntil time.Time
	lastFailure time.Time
}

func New(raw cache.Raw) *Guard {
	g := &Guard{raw: raw, attempts: make(map[uuid.UUID]*lockoutState)}
	return g
}

// CheckAndMark implements checkAndMark(userId, timeStep, code) — atomic via
// cache setNX. Fail-closed: if the cache is unreachable, treat the code as
// already used rather than risk accepting a replay.
func (g *Guard) CheckAndMark(ctx context.Context, userID uuid.UUID, timeStep int64, code string) (alreadyUsed bool) {
	key := fmt.Sprintf("totp:%s:%d:%s", userID, timeStep, code)
	alreadyExists, err := g.raw.SetNX(ctx, key, []byte("1"), replayTTL)
	if err != nil {
		return true
	}
	return alreadyExists
}

// RecordFailure increments the per-user failure counter and, at 5
// failures, opens an exponentially growing lockout window capped at 15
// minutes: 30s · 2^(count−5).
func (g *Guard) RecordFailure(userID uuid.UUID) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := time.Now()
	st, ok := g.attempts[userID]
	if !ok {
		st = &lockoutState{}
		g.attempts[userID] = st
	}
	st.count++
	st.lastFailure = now

	if st.count >= 5 {
		backoff := 30 * time.Second * (1 << uint(st.count-5))
		if backoff > 15*time.Minute {
			backoff = 15 * time.Minute
		}
		st.lockedUntil = now.Add(backoff)
	}
}

// RecordSuccess clears the user's failure state entirely.
func (g *Guard) RecordSuccess(userID uuid.UUID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.attempts, userID)
}

// CheckLockout fails with a RateLimit error when the user is currently
// locked out, recommending the email-verify recovery path.
func (g *Guard) CheckLockout(userID uuid.UUID) error {
	g.mu.Lock()
	st, ok := g.attempts[userID]
	g.mu.Unlock()
	if !ok {
		return nil
	}

	now := time.Now()
	if st.lockedUntil.After(now) {
		retryAfter := st.lockedUntil.Sub(now)
		return apierr.RateLimit(retryAfter.Milliseconds(), 5, 0, "email-verify")
	}
	return nil
}

// GC drops lockout entries whose last failure is more than 15 minutes old.
// Callers run this on a ticker (e.g. every minute, per §4.5).
func (g *Guard) GC() {
	cutoff := time.Now().Add(-15 * time.Minute)

	g.mu.Lock()
	defer g.mu.Unlock()
	for userID, st := range g.attempts {
		if st.lastFailure.Before(cutoff) {
			delete(g.attempts, userID)
		}
	}
}

// Run starts a background goroutine that calls GC every interval until ctx
// is cancelled.
func (g *Guard) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.GC()
			}
		}
	}()
}
