package cache

import (
	"os"
	"testing"
	"time"
)

func TestStore_SetGet_MemoryHit(t *testing.T) {
	s := New("test", "")
	s.Set("k1", []byte("v1"), time.Minute)

	v, ok := s.Get("k1")
	if !ok || string(v) != "v1" {
		t.Fatalf("expected hit v1, got %q ok=%v", v, ok)
	}
}

func TestStore_Get_MissingKey(t *testing.T) {
	s := New("test", "")
	if _, ok := s.Get("nope"); ok {
		t.Fatal("expected miss for absent key")
	}
}

func TestStore_Get_Expired(t *testing.T) {
	s := New("test", "")
	s.Set("k1", []byte("v1"), -time.Second)

	if _, ok := s.Get("k1"); ok {
		t.Fatal("expected miss for expired entry")
	}
}

func TestStore_FileTier_SurvivesRestart(t *testing.T) {
	dir := t.TempDir()

	s1 := New("test", dir)
	s1.Set("k1", []byte(`"v1"`), time.Hour)

	s2 := New("test", dir)
	v, ok := s2.Get("k1")
	if !ok {
		t.Fatal("expected file-tier hit on fresh Store")
	}
	if string(v) != `"v1"` {
		t.Errorf("unexpected value %q", v)
	}
}

func TestStore_Invalidate_RemovesBothTiers(t *testing.T) {
	dir := t.TempDir()
	s := New("test", dir)
	s.Set("k1", []byte(`"v1"`), time.Hour)

	s.Invalidate("k1")

	if _, ok := s.Get("k1"); ok {
		t.Fatal("expected miss after invalidate")
	}
	if _, err := os.Stat(s.filePath("k1")); !os.IsNotExist(err) {
		t.Error("expected file tier entry to be removed")
	}
}

func TestStore_FileTierWriteFailure_DoesNotBreakMemoryTier(t *testing.T) {
	// A directory path that cannot be created (parent is a file, not a dir).
	parent := t.TempDir()
	blocker := parent + "/blocker"
	if err := os.WriteFile(blocker, []byte("x"), 0644); err != nil {
		t.Fatalf("setup: %v", err)
	}

	s := New("test", blocker+"/sub")
	s.Set("k1", []byte("v1"), time.Minute)

	v, ok := s.Get("k1")
	if !ok || string(v) != "v1" {
		t.Fatalf("expected memory-only hit, got %q ok=%v", v, ok)
	}
}
