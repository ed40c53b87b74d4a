// Package ratelimit gates outbound acquisition requests per upstream
// source so a misbehaving webcam or weather provider cannot be hammered
// faster than it allows, and so bursts across many airports sharing one
// host don't trip an upstream's own rate limiting.
package ratelimit

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/aviationwx/hub/internal/logger"
)

// Limits configures the token bucket for one key.
type Limits struct {
	RequestsPerMinute float64
	Burst             int
}

// DefaultLimits is used for any key without an explicit override.
func DefaultLimits() Limits {
	return Limits{RequestsPerMinute: 30, Burst: 5}
}

// snapshot is the on-disk shape used to survive process restarts without
// immediately re-bursting against every upstream.
type snapshot struct {
	Keys map[string]keySnapshot `json:"keys"`
}

type keySnapshot struct {
	LastRefill time.Time `json:"last_refill"`
	Tokens     float64   `json:"tokens"`
}

// Limiter is a keyed token-bucket gate. Keys are typically
// "<host>" or "<host>:<credential>" so distinct credentials against the
// same host (or distinct hosts sharing a credential) are rate limited
// independently.
type Limiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limits   map[string]Limits
	defaults Limits

	snapshotPath string
	log          *logger.Logger
}

// New creates a Limiter. snapshotPath may be empty to disable persistence
// entirely (memory-only, resets on restart).
func New(snapshotPath string) *Limiter {
	l := &Limiter{
		limiters:     make(map[string]*rate.Limiter),
		limits:       make(map[string]Limits),
		defaults:     DefaultLimits(),
		snapshotPath: snapshotPath,
		log:          logger.Default().With("component", "ratelimit"),
	}
	l.restore()
	return l
}

// SetLimits overrides the bucket configuration for a specific key (e.g. a
// slower per-host limit discovered from repeated 429 responses).
func (l *Limiter) SetLimits(key string, limits Limits) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.limits[key] = limits
	delete(l.limiters, key) // force recreation with new limits on next Allow/Wait
}

func (l *Limiter) limiterFor(key string) *rate.Limiter {
	if lim, ok := l.limiters[key]; ok {
		return lim
	}
	cfg, ok := l.limits[key]
	if !ok {
		cfg = l.defaults
	}
	r := rate.Limit(cfg.RequestsPerMinute / 60.0)
	lim := rate.NewLimiter(r, cfg.Burst)
	l.limiters[key] = lim
	return lim
}

// Allow reports whether a request against key may proceed right now
// without blocking. Use for fail-fast call sites that would rather skip
// a cycle than wait.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.limiterFor(key).Allow()
}

// Wait blocks until a request against key is permitted or ctx is done.
func (l *Limiter) Wait(ctx context.Context, key string) error {
	l.mu.Lock()
	lim := l.limiterFor(key)
	l.mu.Unlock()
	return lim.Wait(ctx)
}

// Snapshot persists current bucket state to disk (best-effort, fail-open:
// a write error is logged, never returned, since losing rate-limit state
// across a restart is a minor availability cost, not a correctness one).
func (l *Limiter) Snapshot() {
	if l.snapshotPath == "" {
		return
	}

	l.mu.Lock()
	snap := snapshot{Keys: make(map[string]keySnapshot, len(l.limiters))}
	now := time.Now()
	for key, lim := range l.limiters {
		snap.Keys[key] = keySnapshot{LastRefill: now, Tokens: lim.Tokens()}
	}
	l.mu.Unlock()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		l.log.Warn("ratelimit: marshal snapshot failed", "error", err)
		return
	}

	tmpPath := l.snapshotPath + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		l.log.Warn("ratelimit: write snapshot failed", "error", err)
		return
	}
	if err := os.Rename(tmpPath, l.snapshotPath); err != nil {
		os.Remove(tmpPath)
		l.log.Warn("ratelimit: rename snapshot failed", "error", err)
	}
}

func (l *Limiter) restore() {
	if l.snapshotPath == "" {
		return
	}
	data, err := os.ReadFile(l.snapshotPath)
	if err != nil {
		return
	}
	var snap snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		l.log.Warn("ratelimit: snapshot corrupt, starting fresh", "error", err)
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	for key, ks := range snap.Keys {
		cfg, ok := l.limits[key]
		if !ok {
			cfg = l.defaults
		}
		r := rate.Limit(cfg.RequestsPerMinute / 60.0)
		lim := rate.NewLimiter(r, cfg.Burst)

		// rate.Limiter exposes no direct token setter. Approximate the
		// persisted bucket level by immediately reserving the deficit
		// between a fresh (full) bucket and the saved token count, rounded
		// up to whole tokens so a drained bucket is not restored with one
		// spare token.
		deficit := float64(cfg.Burst) - ks.Tokens
		if deficit > 0 {
			lim.ReserveN(now, int(math.Ceil(deficit)))
		}
		l.limiters[key] = lim
	}
}
