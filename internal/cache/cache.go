// Package cache implements the two-tier (memory + file) TTL cache used to
// avoid re-fetching upstream weather-source and webcam-metadata responses
// more often than their freshness window allows.
package cache

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aviationwx/hub/internal/logger"
)

// entry is one memory-tier cache slot.
type entry struct {
	value     []byte
	expiresAt time.Time
}

// Store is a two-tier cache: an in-memory map for the hot path, backed by
// a per-key JSON file on disk so a restarted process doesn't immediately
// re-fetch everything. File-tier errors never fail a Get/Set call — they
// are logged and the cache falls back to memory-only behavior, matching
// the teacher's fail-safe-on-disk-error posture throughout
// internal/config/service.go.
type Store struct {
	mu   sync.RWMutex
	mem  map[string]entry
	dir  string
	log  *logger.Logger
	name string
}

// fileRecord is the on-disk shape of one cached value.
type fileRecord struct {
	Value     json.RawMessage `json:"value"`
	ExpiresAt time.Time       `json:"expires_at"`
}

// New creates a Store persisting its file tier under dir (created if
// absent). name is used only for log context.
func New(name, dir string) *Store {
	if dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			logger.Default().Warn("cache: could not create file tier directory, memory-only", "name", name, "dir", dir, "error", err)
			dir = ""
		}
	}
	return &Store{
		mem:  make(map[string]entry),
		dir:  dir,
		log:  logger.Default().With("component", "cache", "name", name),
		name: name,
	}
}

// Get returns the cached value for key if present and unexpired. The
// memory tier is checked first; a miss there falls through to the file
// tier, which is then promoted back into memory.
func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.RLock()
	e, ok := s.mem[key]
	s.mu.RUnlock()

	now := time.Now()
	if ok && now.Before(e.expiresAt) {
		return e.value, true
	}

	if s.dir == "" {
		return nil, false
	}

	rec, err := s.readFile(key)
	if err != nil {
		return nil, false
	}
	if now.After(rec.ExpiresAt) {
		return nil, false
	}

	s.mu.Lock()
	s.mem[key] = entry{value: rec.Value, expiresAt: rec.ExpiresAt}
	s.mu.Unlock()

	return rec.Value, true
}

// Set stores value under key with the given TTL, writing through to the
// file tier. A file-tier write failure is logged but does not fail the
// call — the memory tier still has the fresh value (fail-open).
func (s *Store) Set(key string, value []byte, ttl time.Duration) {
	expiresAt := time.Now().Add(ttl)

	s.mu.Lock()
	s.mem[key] = entry{value: value, expiresAt: expiresAt}
	s.mu.Unlock()

	if s.dir == "" {
		return
	}
	if err := s.writeFile(key, value, expiresAt); err != nil {
		s.log.Warn("cache: file tier write failed, continuing memory-only", "key", key, "error", err)
	}
}

// Invalidate removes key from both tiers.
func (s *Store) Invalidate(key string) {
	s.mu.Lock()
	delete(s.mem, key)
	s.mu.Unlock()

	if s.dir != "" {
		os.Remove(s.filePath(key))
	}
}

func (s *Store) filePath(key string) string {
	return filepath.Join(s.dir, safeFileName(key)+".json")
}

func (s *Store) readFile(key string) (fileRecord, error) {
	data, err := os.ReadFile(s.filePath(key))
	if err != nil {
		return fileRecord{}, err
	}
	var rec fileRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return fileRecord{}, err
	}
	return rec, nil
}

func (s *Store) writeFile(key string, value []byte, expiresAt time.Time) error {
	rec := fileRecord{Value: value, ExpiresAt: expiresAt}
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal cache record: %w", err)
	}

	path := s.filePath(key)
	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write temp cache file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename cache file into place: %w", err)
	}
	return nil
}

// safeFileName maps a cache key to a filesystem-safe name.
func safeFileName(key string) string {
	out := make([]rune, 0, len(key))
	for _, r := range key {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
