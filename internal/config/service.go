package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/aviationwx/hub/internal/logger"
)

// Service owns the in-memory snapshot of airports.json and keeps it in
// sync with the file on disk, reloading on mtime change via fsnotify
// (internal/scheduler relies on this for C10's config hot-reload).
//
// Design principles carried from the teacher's config.Service: single
// source of truth, callers always receive copies (never shared pointers),
// writes are atomic (tmp-then-rename), reload notifications are
// non-blocking.
type Service struct {
	path string
	log  *logger.Logger

	mu   sync.RWMutex
	root *Root

	listeners []func(Event)

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// Event describes a configuration change delivered to Subscribe callbacks.
type Event struct {
	Type string // "reloaded"
}

// NewService loads airports.json from path and starts watching it for
// changes. Callers must call Close when done to stop the watcher goroutine.
func NewService(path string) (*Service, error) {
	root, err := Load(path)
	if err != nil {
		return nil, err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}
	// Watch the containing directory, not the file: a tmp-then-rename
	// replacement swaps the file's inode, which a file watch would lose.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("watch config file: %w", err)
	}

	s := &Service{
		path:    path,
		log:     logger.Default().With("component", "config"),
		root:    root,
		watcher: watcher,
		done:    make(chan struct{}),
	}

	go s.watchLoop()

	return s, nil
}

// Get returns a deep-enough copy of the current config (the Airports map
// is cloned; Webcam/WeatherSource slices are shared read-only backing
// arrays, which is safe since Load never mutates them after construction).
func (s *Service) Get() Root {
	s.mu.RLock()
	defer s.mu.RUnlock()

	airports := make(map[string]Airport, len(s.root.Airports))
	for k, v := range s.root.Airports {
		airports[k] = v
	}

	global := *s.root.Config
	return Root{Config: &global, Airports: airports}
}

// Airport returns a copy of one airport's config.
func (s *Service) Airport(id string) (Airport, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.root.Airports[id]
	return a, ok
}

// Subscribe registers a listener invoked (asynchronously) after every
// successful reload.
func (s *Service) Subscribe(fn func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

// Save validates and atomically persists the given root, then reloads the
// in-memory snapshot from it directly (skipping a redundant disk re-read).
func (s *Service) Save(root Root) error {
	applyDefaults(&root)
	if err := Validate(&root); err != nil {
		return fmt.Errorf("validate config: %w", err)
	}

	data, err := json.MarshalIndent(root, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0644); err != nil {
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename config into place: %w", err)
	}

	s.mu.Lock()
	s.root = &root
	s.mu.Unlock()

	s.notify(Event{Type: "reloaded"})
	return nil
}

// Close stops the file watcher.
func (s *Service) Close() error {
	close(s.done)
	return s.watcher.Close()
}

func (s *Service) watchLoop() {
	for {
		select {
		case <-s.done:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			s.reload()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.log.Warn("config watcher error", "error", err)
		}
	}
}

func (s *Service) reload() {
	root, err := Load(s.path)
	if err != nil {
		s.log.Warn("config reload failed, keeping previous config", "error", err)
		return
	}

	s.mu.Lock()
	s.root = root
	s.mu.Unlock()

	s.log.Info("config reloaded", "airports", len(root.Airports))
	s.notify(Event{Type: "reloaded"})
}

func (s *Service) notify(event Event) {
	s.mu.RLock()
	listeners := make([]func(Event), len(s.listeners))
	copy(listeners, s.listeners)
	s.mu.RUnlock()

	for _, fn := range listeners {
		go fn(event)
	}
}
