// Package ratelimit implements the §4.8 preset-keyed rate limiter: Redis
// Lua scripts for the distributed token-bucket and fixed-window
// algorithms, with an in-process golang.org/x/time/rate fallback for the
// fail-open path when Redis is unreachable.
package ratelimit

import "time"

// Algorithm selects which Lua script Consume runs for a preset.
type Algorithm int

const (
	TokenBucket Algorithm = iota
	FixedWindow
)

// Preset is one named rate-limit policy. Every caller identifies itself by
// preset name rather than configuring limits inline, so the whole fleet
// shares one definition per operation class.
type Preset struct {
	Name             string
	Algorithm        Algorithm
	Limit            int           // capacity (token bucket) or max requests (fixed window)
	Window           time.Duration // refill window (token bucket) or window length (fixed window)
	TokensPerRequest int
	FailOpen         bool
	RecoveryAction   string
	// Delay marks presets where exceeding the limit delays the caller
	// instead of rejecting the request (§4.8: "For delay-mode presets
	// (mutation), the delay is applied before continuing, not rejected").
	Delay bool
}

// Presets is the fixed table §4.8 names. Operations are assigned one of
// these by name; there is no ad hoc per-call configuration.
var Presets = map[string]Preset{
	"api": {
		Name: "api", Algorithm: TokenBucket, Limit: 100, Window: time.Minute,
		TokensPerRequest: 1, FailOpen: true,
	},
	"mutation": {
		Name: "mutation", Algorithm: TokenBucket, Limit: 100, Window: time.Minute,
		TokensPerRequest: 5, FailOpen: true, Delay: true,
	},
	"auth": {
		Name: "auth", Algorithm: FixedWindow, Limit: 5, Window: 15 * time.Minute,
		TokensPerRequest: 1, FailOpen: false, RecoveryAction: "email-verify",
	},
	"mfa": {
		Name: "mfa", Algorithm: FixedWindow, Limit: 5, Window: 15 * time.Minute,
		TokensPerRequest: 1, FailOpen: false, RecoveryAction: "email-verify",
	},
	"health": {
		Name: "health", Algorithm: TokenBucket, Limit: 300, Window: time.Minute,
		TokensPerRequest: 1, FailOpen: true,
	},
	"realtime": {
		Name: "realtime", Algorithm: TokenBucket, Limit: 300, Window: time.Minute,
		TokensPerRequest: 1, FailOpen: true,
	},
}
