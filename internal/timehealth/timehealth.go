// Package timehealth tracks the host clock's offset from a set of public
// NTP servers. Timestamp validation (internal/exifdiscipline) and the
// health surface (internal/web) both need to know whether "now" can be
// trusted before they reject a frame as future-dated or stale: a host
// with several minutes of drift would otherwise silently misclassify
// good captures as clock-skew failures.
package timehealth

import (
	"context"
	"sync"
	"time"

	"github.com/beevik/ntp"

	"github.com/aviationwx/hub/internal/logger"
)

// defaultServers is queried in order; the first server to answer wins
// each sync. Using more than one avoids a single flaky pool member
// stalling every sync attempt.
var defaultServers = []string{
	"time.cloudflare.com",
	"pool.ntp.org",
	"time.google.com",
}

const (
	queryTimeout = 3 * time.Second

	// maxTrustedOffset bounds how far the host clock may drift from NTP
	// before Healthy reports false. Past this, timestamp validation
	// should not lean on the local clock at all.
	maxTrustedOffset = 5 * time.Second
)

// Checker periodically queries NTP and remembers the measured offset
// between the host clock and network time, so callers can correct
// time.Now() or simply report drift as unhealthy.
type Checker struct {
	servers []string
	log     *logger.Logger

	mu       sync.RWMutex
	offset   time.Duration
	synced   bool
	lastSync time.Time
	lastErr  string
}

// NewChecker builds a Checker against servers, falling back to
// defaultServers when none are given.
func NewChecker(servers ...string) *Checker {
	if len(servers) == 0 {
		servers = defaultServers
	}
	return &Checker{
		servers: servers,
		log:     logger.Default().With("component", "timehealth"),
	}
}

// Run blocks, resyncing every interval until ctx is cancelled. It syncs
// once immediately so Offset/Now are meaningful before the first tick.
func (c *Checker) Run(ctx context.Context, interval time.Duration) {
	c.sync(ctx)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sync(ctx)
		}
	}
}

func (c *Checker) sync(ctx context.Context) {
	for _, server := range c.servers {
		offset, err := queryOffset(ctx, server)
		if err != nil {
			c.log.Warn("ntp query failed", "server", server, "error", err)
			continue
		}

		c.mu.Lock()
		c.offset = offset
		c.synced = true
		c.lastSync = time.Now()
		c.lastErr = ""
		c.mu.Unlock()
		return
	}

	c.mu.Lock()
	c.lastErr = "all ntp servers unreachable"
	c.mu.Unlock()
}

func queryOffset(ctx context.Context, server string) (time.Duration, error) {
	resp, err := ntp.QueryWithOptions(server, ntp.QueryOptions{Timeout: queryTimeout})
	if err != nil {
		return 0, err
	}
	if err := resp.Validate(); err != nil {
		return 0, err
	}
	return resp.ClockOffset, nil
}

// Now returns the host clock's view of the current instant, corrected
// by the last measured NTP offset. Before the first successful sync it
// is simply time.Now().
func (c *Checker) Now() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return time.Now().Add(c.offset)
}

// Offset returns the last measured network-minus-host clock offset:
// the amount Now adds to the host clock.
func (c *Checker) Offset() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.offset
}

// Healthy reports whether the last sync succeeded and the measured
// drift is within maxTrustedOffset. A Checker that has never
// synchronized successfully is not healthy.
func (c *Checker) Healthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.synced {
		return false
	}
	d := c.offset
	if d < 0 {
		d = -d
	}
	return d <= maxTrustedOffset
}

// LastSync reports when the offset was last refreshed, and whether any
// sync has ever succeeded.
func (c *Checker) LastSync() (time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastSync, c.synced
}
