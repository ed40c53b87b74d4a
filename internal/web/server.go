// Package web serves the hub's thin read-only HTTP surface: liveness,
// aggregate status, and per-webcam current/historical frames with
// integrity headers and conditional-GET support. The full public API,
// UI rendering, and CORS/SEO concerns the original camera-side bridge's
// web console touched are explicitly out of scope (spec Non-goals) — this
// is the minimal core surface needed to exercise C11/C12.
package web

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/aviationwx/hub/internal/integrity"
	"github.com/aviationwx/hub/internal/logger"
	"github.com/aviationwx/hub/internal/scheduler"
	"github.com/aviationwx/hub/internal/staleness"
	"github.com/aviationwx/hub/pkg/health"
)

// stagingFallbackWindow bounds how long the file handler waits for a
// just-renamed variant to appear before giving up and checking the
// staging name (spec §4.7: "rename is atomic... up to 100ms").
const stagingFallbackWindow = 100 * time.Millisecond

// Config configures the read surface.
type Config struct {
	DataDir     string
	Daemon      *scheduler.Daemon
	CORSOrigins []string
}

// Server is the hub's HTTP read surface.
type Server struct {
	cfg     Config
	mux     chi.Router
	cache   *integrity.Cache
	sys     *health.SystemMonitor
	log     *logger.Logger
	httpSrv *http.Server
}

func NewServer(cfg Config) *Server {
	s := &Server{
		cfg:   cfg,
		cache: integrity.NewCache(5 * time.Minute),
		sys:   health.NewSystemMonitor(cfg.DataDir),
		log:   logger.Default().With("component", "web"),
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	corsOrigins := s.cfg.CORSOrigins
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: corsOrigins,
		AllowedMethods: []string{"GET", "HEAD"},
	}))

	r.Get("/healthz", health.EnhancedHealthHandler(s.healthSnapshot))
	r.Get("/readyz", health.ReadyHandler)
	r.Get("/status", s.handleStatus)
	r.Get("/logs", s.handleLogs)
	r.Get("/webcams/{airport}/{cam}/*", s.handleWebcamFile)

	s.mux = r
}

// Start listens on addr until the process is signalled to stop.
func (s *Server) Start(addr string) error {
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s.httpSrv.ListenAndServe()
}

func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// Router exposes the chi router for tests.
func (s *Server) Router() chi.Router { return s.mux }

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	items := s.cfg.Daemon.Status()

	type entry struct {
		Airport string `json:"airport"`
		Source  string `json:"source"`
		Role    string `json:"role"`
		State   string `json:"state"`
		Tier    string `json:"tier"`
	}

	out := make([]entry, 0, len(items))
	for _, it := range items {
		thresholds := staleness.DefaultWebcamThresholds
		age := time.Since(it.LastAttempt)
		if it.LastAttempt.IsZero() {
			age = 365 * 24 * time.Hour
		}
		tier := staleness.Classify(age, thresholds)
		out = append(out, entry{Airport: it.Airport, Source: it.Source, Role: it.Role, State: string(it.State), Tier: string(tier)})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"timestamp": time.Now().UTC(),
		"items":     out,
	})
}

// defaultLogLines/maxLogLines bound the ?n= query param on /logs; the
// underlying ring buffer (internal/logger) holds at most 500 entries,
// the same as maxLogLines.
const (
	defaultLogLines = 100
	maxLogLines     = 500
)

// handleLogs serves the most recent in-memory log entries, newest first,
// the read-only counterpart to the daemon's structured stdout/stderr
// logging — useful for a quick operational look without shipping to an
// external log sink.
func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	n := defaultLogLines
	if raw := r.URL.Query().Get("n"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			n = parsed
		}
	}
	if n > maxLogLines {
		n = maxLogLines
	}

	entries := logger.GetRecentLogs(n)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{
		"count": len(entries),
		"logs":  entries,
	})
}

func (s *Server) healthSnapshot() health.HealthStatus {
	items := s.cfg.Daemon.Status()

	airports := make(map[string]bool)
	webcamsActive, webcamsTotal, weatherActive, weatherTotal, circuitsOpen := 0, 0, 0, 0, 0
	for _, it := range items {
		airports[it.Airport] = true
		switch it.Role {
		case "webcam":
			webcamsTotal++
			if it.State != stateCircuitOpen && it.State != stateFailure {
				webcamsActive++
			}
		case "weather":
			weatherTotal++
			if it.State != stateCircuitOpen && it.State != stateFailure {
				weatherActive++
			}
		}
		if it.State == stateCircuitOpen {
			circuitsOpen++
		}
	}

	clockOffset, clockHealthy := s.cfg.Daemon.ClockStatus()
	sysStats := s.sys.GetStats()

	status := "healthy"
	if webcamsTotal > 0 && webcamsActive == 0 {
		status = "unhealthy"
	} else if circuitsOpen > 0 || !clockHealthy || sysStats.OverallLevel == health.LevelWarning {
		status = "degraded"
	}
	if sysStats.OverallLevel == health.LevelCritical {
		status = "unhealthy"
	}

	return health.HealthStatus{
		Status:           status,
		Timestamp:        time.Now().UTC(),
		SchedulerRunning: true,
		AirportsTotal:    len(airports),
		WebcamsActive:    webcamsActive,
		WebcamsTotal:     webcamsTotal,
		WeatherActive:    weatherActive,
		WeatherTotal:     weatherTotal,
		CircuitsOpen:     circuitsOpen,
		ClockOffsetMS:    clockOffset.Milliseconds(),
		ClockSynced:      clockHealthy,
		System:           sysStats,
	}
}

func (s *Server) handleWebcamFile(w http.ResponseWriter, r *http.Request) {
	airport := chi.URLParam(r, "airport")
	cam := chi.URLParam(r, "cam")
	rel := chi.URLParam(r, "*")
	if rel == "" {
		http.NotFound(w, r)
		return
	}

	fullPath := filepath.Join(s.cfg.DataDir, "webcams", airport, cam, rel)
	if !pathWithin(filepath.Join(s.cfg.DataDir, "webcams", airport, cam), fullPath) {
		http.Error(w, "invalid path", http.StatusBadRequest)
		return
	}

	if _, err := os.Stat(fullPath); err != nil {
		if staged, ok := s.awaitStagingFallback(fullPath); ok {
			fullPath = staged
		} else {
			http.NotFound(w, r)
			return
		}
	}

	headers, err := s.cache.Compute(fullPath)
	if err != nil {
		http.Error(w, "read failed", http.StatusInternalServerError)
		return
	}

	if headers.NotModified(r) {
		headers.SetResponseHeaders(w)
		w.WriteHeader(http.StatusNotModified)
		return
	}

	headers.SetResponseHeaders(w)
	w.Header().Set("Content-Type", contentTypeFor(fullPath))
	w.Header().Set("Cache-Control", "no-cache, must-revalidate")
	http.ServeFile(w, r, fullPath)
}

// awaitStagingFallback polls, for up to stagingFallbackWindow, for the
// staging-named sibling of the requested file that store.StageVariant
// writes alongside the final path before PromoteVariant renames it in
// place (internal/store/store.go): <final>.staging.<pid>, in the same
// bucket directory as the final file, not under StagingDir — staging and
// promotion both happen inside DataDir's webcams tree.
func (s *Server) awaitStagingFallback(fullPath string) (string, bool) {
	stagingPath := fullPath + fmt.Sprintf(".staging.%d", os.Getpid())
	deadline := time.Now().Add(stagingFallbackWindow)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(stagingPath); err == nil {
			return stagingPath, true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return "", false
}

func pathWithin(root, candidate string) bool {
	rel, err := filepath.Rel(root, candidate)
	if err != nil {
		return false
	}
	return rel != ".." && !hasParentEscape(rel)
}

func hasParentEscape(rel string) bool {
	return len(rel) >= 2 && rel[:2] == ".."
}

func contentTypeFor(path string) string {
	switch filepath.Ext(path) {
	case ".webp":
		return "image/webp"
	default:
		return "image/jpeg"
	}
}
