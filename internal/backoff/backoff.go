// Package backoff implements the keyed circuit-breaker/backoff store
// shared by every outbound acquisition source (webcams and weather
// providers alike). State is persisted to a single JSON file updated
// atomically so a scheduler restart doesn't forget which sources are
// currently backing off.
package backoff

import (
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"os"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"github.com/aviationwx/hub/internal/logger"
)

// Severity classifies why a failure occurred, which determines the
// backoff formula applied.
type Severity string

const (
	SeverityTransient Severity = "transient"
	SeverityRateLimit Severity = "rate_limit"
	SeverityPermanent Severity = "permanent"
)

// Tuning constants named directly after the configuration surface.
const (
	BaseTransient = 30 * time.Second
	BaseRateLimit = 2 * time.Second
	MaxTransient  = 30 * time.Minute
	MaxPermanent  = 6 * time.Hour

	// CircuitBreakerFailureThreshold trips the breaker after this many
	// consecutive failures; it resets on the first success.
	CircuitBreakerFailureThreshold = 5
)

// Record is one key's persisted backoff/circuit state.
type Record struct {
	Key                string    `json:"key"`
	ConsecutiveFailures int      `json:"consecutive_failures"`
	NextAllowedTime    time.Time `json:"next_allowed_time"`
	LastErrorTime      time.Time `json:"last_error_time,omitempty"`
	LastHTTPCode       int       `json:"last_http_code,omitempty"`
	LastFailureReason  string    `json:"last_failure_reason,omitempty"`
	CircuitOpen        bool      `json:"circuit_open"`
}

type fileFormat struct {
	Records map[string]Record `json:"records"`
}

// Store is the shared keyed backoff/circuit-breaker state, persisted as
// a single JSON document and guarded by an in-process mutex (plus
// tmp-then-rename for cross-process durability — the store tolerates
// readers seeing state that is one write-iteration stale, per the
// monotonicity invariant below).
type Store struct {
	mu       sync.Mutex
	path     string
	records  map[string]Record
	breakers map[string]*gobreaker.CircuitBreaker
	log      *logger.Logger
}

// New loads path if it exists, or starts with an empty store.
func New(path string) (*Store, error) {
	s := &Store{
		path:     path,
		records:  make(map[string]Record),
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		log:      logger.Default().With("component", "backoff"),
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read backoff store: %w", err)
	}

	var ff fileFormat
	if err := json.Unmarshal(data, &ff); err != nil {
		s.log.Warn("backoff store corrupt, starting fresh", "error", err)
		return s, nil
	}
	s.records = ff.Records
	return s, nil
}

// Key builds the canonical `<airport>_<role>_<kind>` backoff key.
func Key(airport, role, kind string) string {
	return fmt.Sprintf("%s_%s_%s", airport, role, kind)
}

func (s *Store) breakerFor(key string) *gobreaker.CircuitBreaker {
	if b, ok := s.breakers[key]; ok {
		return b
	}
	st := gobreaker.Settings{
		Name:    key,
		Timeout: BaseTransient,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= CircuitBreakerFailureThreshold
		},
	}
	b := gobreaker.NewCircuitBreaker(st)
	s.breakers[key] = b
	return b
}

// Check reports whether key is currently allowed to attempt acquisition
// — false if its circuit is open or its backoff window hasn't elapsed.
func (s *Store) Check(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.breakerFor(key).State() == gobreaker.StateOpen {
		return false
	}
	rec, ok := s.records[key]
	if !ok {
		return true
	}
	return time.Now().After(rec.NextAllowedTime)
}

// RecordFailure increments the key's consecutive-failure count, computes
// the next-allowed time per severity, and persists the result.
func (s *Store) RecordFailure(key string, severity Severity, httpCode int, reason string) error {
	s.mu.Lock()
	rec := s.records[key]
	rec.Key = key
	rec.ConsecutiveFailures++
	rec.LastErrorTime = time.Now()
	rec.LastHTTPCode = httpCode
	rec.LastFailureReason = reason

	backoffDur := computeBackoff(severity, rec.ConsecutiveFailures)
	next := time.Now().Add(backoffDur)
	// Monotonicity: within a consecutive-failure streak next_allowed_time
	// never decreases.
	if next.Before(rec.NextAllowedTime) {
		next = rec.NextAllowedTime
	}
	rec.NextAllowedTime = next

	if rec.ConsecutiveFailures >= CircuitBreakerFailureThreshold {
		rec.CircuitOpen = true
	}
	s.records[key] = rec

	breaker := s.breakerFor(key)
	_, _ = breaker.Execute(func() (interface{}, error) { return nil, fmt.Errorf("recorded failure") })

	s.mu.Unlock()
	return s.persist()
}

// RecordSuccess resets the key's failure streak and closes its circuit.
func (s *Store) RecordSuccess(key string) error {
	s.mu.Lock()
	rec := s.records[key]
	rec.Key = key
	rec.ConsecutiveFailures = 0
	rec.NextAllowedTime = time.Time{}
	rec.CircuitOpen = false
	s.records[key] = rec

	breaker := s.breakerFor(key)
	_, _ = breaker.Execute(func() (interface{}, error) { return nil, nil })

	s.mu.Unlock()
	return s.persist()
}

// Get returns a copy of the current record for key, if any.
func (s *Store) Get(key string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	return rec, ok
}

func computeBackoff(severity Severity, failures int) time.Duration {
	var base, max time.Duration
	switch severity {
	case SeverityRateLimit:
		base, max = BaseRateLimit, MaxTransient
	case SeverityPermanent:
		base, max = BaseTransient, MaxPermanent
	default:
		base, max = BaseTransient, MaxTransient
	}

	backoff := float64(base) * math.Pow(2, float64(failures-1))
	if backoff > float64(max) {
		backoff = float64(max)
	}
	// Up to 20% jitter to avoid a thundering herd of synchronized retries.
	backoff += backoff * 0.2 * rand.Float64()

	return time.Duration(backoff)
}

func (s *Store) persist() error {
	if s.path == "" {
		return nil
	}

	s.mu.Lock()
	ff := fileFormat{Records: make(map[string]Record, len(s.records))}
	for k, v := range s.records {
		ff.Records[k] = v
	}
	s.mu.Unlock()

	data, err := json.MarshalIndent(ff, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal backoff store: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write temp backoff store: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename backoff store into place: %w", err)
	}
	return nil
}
