// Package weather polls the external weather collaborators declared per
// airport and tracks each one's freshness. The wire format used to talk
// to a given provider is explicitly out of scope (spec Non-goals) — this
// package only needs to know whether a poll succeeded and when, which is
// enough to drive the staleness tiers and the primary/backup recovery
// gate (internal/staleness).
package weather

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/icholy/digest"

	"github.com/aviationwx/hub/internal/config"
)

// Source polls one configured weather collaborator and records the
// timestamp of its last successful response. It deliberately does not
// parse or persist the response body — correctness of the published
// data is the collaborator's concern, not this hub's.
type Source struct {
	Name   string // airport-scoped identifier, e.g. "ksea_weather_0"
	Backup bool

	cfg    config.WeatherSource
	client *http.Client

	mu          sync.RWMutex
	lastSuccess time.Time
	lastErr     error
}

// NewSource builds a Source from one airport's configured weather entry.
func NewSource(name string, cfg config.WeatherSource) *Source {
	client := &http.Client{Timeout: 15 * time.Second}
	if cfg.Username != "" {
		client.Transport = &digest.Transport{Username: cfg.Username, Password: cfg.Password}
	}
	return &Source{Name: name, Backup: cfg.Backup, cfg: cfg, client: client}
}

// Poll issues a single liveness request against the configured URL. A
// 2xx/3xx response counts as success and refreshes LastSuccess; anything
// else (including transport errors) is recorded as a failure and
// returned to the caller for backoff accounting.
func (s *Source) Poll(ctx context.Context) error {
	if s.cfg.URL == "" {
		return fmt.Errorf("weather source %s: no url configured", s.Name)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if s.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}

	resp, err := s.client.Do(req)
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.lastErr = err
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		s.lastErr = fmt.Errorf("weather source %s: http %d", s.Name, resp.StatusCode)
		return s.lastErr
	}

	s.lastSuccess = time.Now()
	s.lastErr = nil
	return nil
}

// Age returns how long it has been since the last successful poll. A
// Source that has never succeeded reports an effectively-infinite age so
// it classifies as Down immediately.
func (s *Source) Age(now time.Time) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastSuccess.IsZero() {
		return 365 * 24 * time.Hour
	}
	return now.Sub(s.lastSuccess)
}

func (s *Source) LastError() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastErr
}
