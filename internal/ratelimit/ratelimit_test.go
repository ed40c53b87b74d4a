package ratelimit

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestLimiter_Allow_PermitsWithinBurst(t *testing.T) {
	l := New("")
	l.SetLimits("host-a", Limits{RequestsPerMinute: 60, Burst: 3})

	for i := 0; i < 3; i++ {
		if !l.Allow("host-a") {
			t.Fatalf("expected request %d within burst to be allowed", i)
		}
	}
	if l.Allow("host-a") {
		t.Fatal("expected 4th request to exceed burst")
	}
}

func TestLimiter_Allow_KeysAreIndependent(t *testing.T) {
	l := New("")
	l.SetLimits("host-a", Limits{RequestsPerMinute: 60, Burst: 1})
	l.SetLimits("host-b", Limits{RequestsPerMinute: 60, Burst: 1})

	if !l.Allow("host-a") {
		t.Fatal("expected host-a first request allowed")
	}
	if l.Allow("host-a") {
		t.Fatal("expected host-a second request denied")
	}
	if !l.Allow("host-b") {
		t.Fatal("expected host-b unaffected by host-a's bucket")
	}
}

func TestLimiter_Wait_RespectsContextCancellation(t *testing.T) {
	l := New("")
	l.SetLimits("host-a", Limits{RequestsPerMinute: 1, Burst: 1})
	l.Allow("host-a") // drain the single token

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := l.Wait(ctx, "host-a"); err == nil {
		t.Fatal("expected Wait to time out waiting for refill")
	}
}

func TestLimiter_Snapshot_PersistsAndRestores(t *testing.T) {
	dir := t.TempDir()
	path := dir + "/ratelimit.json"

	// Use the default bucket (burst 5) on both sides so restore() applies
	// the same config it was saved under.
	l1 := New(path)
	for i := 0; i < 5; i++ {
		l1.Allow("host-a")
	}
	l1.Snapshot()

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected snapshot file to exist: %v", err)
	}

	l2 := New(path)
	if l2.Allow("host-a") {
		t.Error("expected restored limiter to reflect drained bucket, not a fresh full one")
	}
}
