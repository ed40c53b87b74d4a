package backoff

import (
	"testing"
	"time"
)

func TestKey_Format(t *testing.T) {
	if got := Key("kpdx", "pull", "webcam"); got != "kpdx_pull_webcam" {
		t.Errorf("unexpected key format: %q", got)
	}
}

func TestStore_Check_AllowsUnknownKey(t *testing.T) {
	s, err := New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if !s.Check("unknown") {
		t.Error("expected unknown key to be allowed")
	}
}

func TestStore_RecordFailure_SetsBackoffWindow(t *testing.T) {
	s, err := New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	key := Key("kpdx", "pull", "webcam")
	if err := s.RecordFailure(key, SeverityTransient, 0, "connection_refused"); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}

	rec, ok := s.Get(key)
	if !ok {
		t.Fatal("expected record to exist")
	}
	if rec.ConsecutiveFailures != 1 {
		t.Errorf("expected 1 consecutive failure, got %d", rec.ConsecutiveFailures)
	}
	if !rec.NextAllowedTime.After(time.Now()) {
		t.Error("expected next_allowed_time in the future")
	}
	if s.Check(key) {
		t.Error("expected key to be denied during its backoff window")
	}
}

func TestStore_RecordSuccess_ResetsStreak(t *testing.T) {
	s, err := New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	key := Key("kpdx", "pull", "webcam")

	s.RecordFailure(key, SeverityTransient, 0, "timeout")
	s.RecordFailure(key, SeverityTransient, 0, "timeout")
	if err := s.RecordSuccess(key); err != nil {
		t.Fatalf("RecordSuccess: %v", err)
	}

	rec, _ := s.Get(key)
	if rec.ConsecutiveFailures != 0 {
		t.Errorf("expected reset to 0, got %d", rec.ConsecutiveFailures)
	}
	if !s.Check(key) {
		t.Error("expected key to be allowed immediately after success")
	}
}

func TestStore_CircuitOpensAtThreshold(t *testing.T) {
	s, err := New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	key := Key("kpdx", "pull", "webcam")

	for i := 0; i < CircuitBreakerFailureThreshold; i++ {
		s.RecordFailure(key, SeverityPermanent, 403, "auth_failure")
	}

	rec, _ := s.Get(key)
	if !rec.CircuitOpen {
		t.Error("expected circuit_open after threshold consecutive failures")
	}
}

func TestStore_BackoffMonotonicity_WithinFailureStreak(t *testing.T) {
	s, err := New("")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	key := Key("kpdx", "pull", "weather")

	s.RecordFailure(key, SeverityTransient, 0, "timeout")
	first, _ := s.Get(key)

	s.RecordFailure(key, SeverityTransient, 0, "timeout")
	second, _ := s.Get(key)

	if second.NextAllowedTime.Before(first.NextAllowedTime) {
		t.Error("expected next_allowed_time to be non-decreasing within a failure streak")
	}
}

func TestStore_PersistsAndReloads(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/backoff.json"

	s1, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	key := Key("kpdx", "pull", "webcam")
	if err := s1.RecordFailure(key, SeverityRateLimit, 429, "rate_limited"); err != nil {
		t.Fatalf("RecordFailure: %v", err)
	}

	s2, err := New(path)
	if err != nil {
		t.Fatalf("New (reload): %v", err)
	}
	rec, ok := s2.Get(key)
	if !ok {
		t.Fatal("expected record to survive reload")
	}
	if rec.LastFailureReason != "rate_limited" {
		t.Errorf("unexpected reason after reload: %q", rec.LastFailureReason)
	}
}
