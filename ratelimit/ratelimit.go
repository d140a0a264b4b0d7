// Package ratelimit provides per-category, per-identity admission control
// for outbound platform actions.
//
// Every action passes three nested checks — burst (seconds), per-minute,
// per-hour — evaluated in that order. The first tier that is full denies
// the action and reports how long until that tier's window resets. Limits
// differ per category because the platform penalizes action classes very
// differently: bulk individual messages are tolerated, rapid group
// administration or profile changes get accounts suspended.
package ratelimit

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Category classifies an outbound action for limit selection.
type Category string

const (
	CategoryMessage       Category = "message"        // individual text sends
	CategoryMedia         Category = "media"          // image/video/audio/file sends
	CategoryGroupAdmin    Category = "group-admin"    // group create/add/remove/promote
	CategoryProfileChange Category = "profile-change" // name/status/picture updates
	CategoryCheckExists   Category = "check-exists"   // identity existence probes
)

// Limits holds the three tier ceilings for one category.
type Limits struct {
	Burst     int // max actions inside the burst window
	PerMinute int
	PerHour   int
}

// DefaultLimits is the built-in limit table. The rate_limit_rules table can
// override any category at runtime (see ReloadRules).
var DefaultLimits = map[Category]Limits{
	CategoryMessage:       {Burst: 5, PerMinute: 60, PerHour: 1000},
	CategoryMedia:         {Burst: 3, PerMinute: 20, PerHour: 300},
	CategoryGroupAdmin:    {Burst: 2, PerMinute: 10, PerHour: 60},
	CategoryProfileChange: {Burst: 1, PerMinute: 3, PerHour: 10},
	CategoryCheckExists:   {Burst: 5, PerMinute: 30, PerHour: 200},
}

// Decision is the outcome of an Admit call.
type Decision struct {
	Allowed    bool
	Tier       string        // "burst", "minute" or "hour" when denied
	RetryAfter time.Duration // time until the denying tier's window resets
}

// ErrRateLimited carries a denial back to callers that want an error value.
type ErrRateLimited struct {
	Category   Category
	Tier       string
	RetryAfter time.Duration
}

func (e *ErrRateLimited) Error() string {
	return fmt.Sprintf("ratelimit: %s limit reached (%s tier), retry in %ds",
		e.Category, e.Tier, int(e.RetryAfter.Seconds()+0.5))
}

// bucket tracks one (category, identity) pair across the three tiers.
type bucket struct {
	burst       []time.Time
	minuteCount int
	minuteReset time.Time
	hourCount   int
	hourReset   time.Time
	lastSeen    time.Time
}

// Limiter admits or denies outbound actions. Buckets are created lazily on
// first use and evicted by the sweeper once idle past the idle horizon.
type Limiter struct {
	mu      sync.Mutex
	rules   map[Category]Limits
	buckets map[string]*bucket

	burstWindow time.Duration
	idleHorizon time.Duration
	now         func() time.Time
	logger      *slog.Logger
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(rl *Limiter) { rl.logger = l }
}

// WithClock sets a custom clock function (for testing).
func WithClock(fn func() time.Time) Option {
	return func(rl *Limiter) { rl.now = fn }
}

// WithLimits overrides the limit table for a category.
func WithLimits(cat Category, l Limits) Option {
	return func(rl *Limiter) { rl.rules[cat] = l }
}

// WithBurstWindow overrides the burst window length. Default: 3s.
func WithBurstWindow(d time.Duration) Option {
	return func(rl *Limiter) { rl.burstWindow = d }
}

// WithIdleHorizon overrides how long an inactive bucket is retained.
// Default: 1h (the hour window — nothing older can still matter).
func WithIdleHorizon(d time.Duration) Option {
	return func(rl *Limiter) { rl.idleHorizon = d }
}

// New creates a Limiter with the built-in limit table.
func New(opts ...Option) *Limiter {
	rl := &Limiter{
		rules:       make(map[Category]Limits, len(DefaultLimits)),
		buckets:     make(map[string]*bucket),
		burstWindow: 3 * time.Second,
		idleHorizon: time.Hour,
		now:         time.Now,
		logger:      slog.Default(),
	}
	for cat, l := range DefaultLimits {
		rl.rules[cat] = l
	}
	for _, o := range opts {
		o(rl)
	}
	return rl
}

// Admit checks whether one action in the given category may proceed for the
// identity. Denied actions do not consume budget: counters advance only on
// an Allowed outcome, so a burst of rejected calls cannot starve the window
// after it resets.
func (rl *Limiter) Admit(cat Category, identityKey string) Decision {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	limits, ok := rl.rules[cat]
	if !ok {
		// Unknown categories fall back to the most restrictive known table.
		limits = rl.rules[CategoryProfileChange]
	}

	now := rl.now()
	key := string(cat) + "|" + identityKey
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{
			minuteReset: now.Add(time.Minute),
			hourReset:   now.Add(time.Hour),
		}
		rl.buckets[key] = b
	}
	b.lastSeen = now

	// Roll expired windows before comparing. Windows reset exactly when the
	// clock passes resetAt, never retroactively.
	if !now.Before(b.minuteReset) {
		b.minuteCount = 0
		b.minuteReset = now.Add(time.Minute)
	}
	if !now.Before(b.hourReset) {
		b.hourCount = 0
		b.hourReset = now.Add(time.Hour)
	}
	b.burst = pruneBefore(b.burst, now.Add(-rl.burstWindow))

	// Burst tier.
	if limits.Burst > 0 && len(b.burst) >= limits.Burst {
		retry := b.burst[0].Add(rl.burstWindow).Sub(now)
		return rl.deny(cat, identityKey, "burst", retry)
	}
	// Minute tier.
	if limits.PerMinute > 0 && b.minuteCount >= limits.PerMinute {
		return rl.deny(cat, identityKey, "minute", b.minuteReset.Sub(now))
	}
	// Hour tier.
	if limits.PerHour > 0 && b.hourCount >= limits.PerHour {
		return rl.deny(cat, identityKey, "hour", b.hourReset.Sub(now))
	}

	b.burst = append(b.burst, now)
	b.minuteCount++
	b.hourCount++
	return Decision{Allowed: true}
}

func (rl *Limiter) deny(cat Category, identityKey, tier string, retry time.Duration) Decision {
	if retry < time.Second {
		retry = time.Second
	}
	rl.logger.Warn("ratelimit: action denied",
		"category", cat, "tier", tier, "retry_after", retry)
	return Decision{Allowed: false, Tier: tier, RetryAfter: retry}
}

// StartSweeper launches a goroutine that evicts idle buckets at the given
// interval until ctx is done. The reference cadence is every 10 minutes.
func (rl *Limiter) StartSweeper(done <-chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				rl.sweep()
			}
		}
	}()
}

// sweep removes buckets with no activity inside the idle horizon.
func (rl *Limiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := rl.now().Add(-rl.idleHorizon)
	evicted := 0
	for key, b := range rl.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(rl.buckets, key)
			evicted++
		}
	}
	if evicted > 0 {
		rl.logger.Debug("ratelimit: idle buckets evicted",
			"evicted", evicted, "remaining", len(rl.buckets))
	}
}

// BucketCount returns the number of live buckets (for status endpoints).
func (rl *Limiter) BucketCount() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for i < len(ts) && !ts[i].After(cutoff) {
		i++
	}
	if i == 0 {
		return ts
	}
	return append(ts[:0], ts[i:]...)
}
