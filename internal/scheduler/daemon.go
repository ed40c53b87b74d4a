// Package scheduler implements the single long-lived dispatch loop that
// ties every other component together: it computes which webcams and
// weather sources are due, filters them through the circuit
// breaker/backoff store, and submits them to bounded worker pools,
// generalizing the teacher's per-camera orchestrator to per-airport
// webcams and weather sources (spec §4.10).
package scheduler

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/aviationwx/hub/internal/acquisition"
	"github.com/aviationwx/hub/internal/backoff"
	"github.com/aviationwx/hub/internal/cache"
	"github.com/aviationwx/hub/internal/config"
	"github.com/aviationwx/hub/internal/exifdiscipline"
	"github.com/aviationwx/hub/internal/logger"
	"github.com/aviationwx/hub/internal/pipeline"
	"github.com/aviationwx/hub/internal/pool"
	"github.com/aviationwx/hub/internal/quality"
	"github.com/aviationwx/hub/internal/resource"
	"github.com/aviationwx/hub/internal/staleness"
	"github.com/aviationwx/hub/internal/store"
	"github.com/aviationwx/hub/internal/timehealth"
	"github.com/aviationwx/hub/internal/weather"
)

// Config configures the scheduler daemon.
type Config struct {
	ConfigService *config.Service

	DataDir     string // webcam/weather variant store root
	StagingDir  string // acquisition staging + push inbox root
	LockFilePath string

	MaxWebcamWorkers  int
	MaxWeatherWorkers int

	BackoffStorePath string
}

// webcamEntry is the daemon's long-lived per-webcam state: the built
// strategy, its pipeline, and scheduling bookkeeping.
type webcamEntry struct {
	key       string
	airport   string
	index     int
	refresh   time.Duration
	strategy  acquisition.Strategy
	pipeline  *pipeline.Pipeline
	history   *acquisition.StabilityHistory

	mu          sync.Mutex
	lastAttempt time.Time
	state       itemState
	lastError   string
}

// weatherEntry is the per-weather-source scheduling state.
type weatherEntry struct {
	key     string
	airport string
	refresh time.Duration
	source  *weather.Source
	backup  bool

	mu          sync.Mutex
	lastAttempt time.Time
	state       itemState
	lastError   string
}

// Daemon is the scheduler's live, running state.
type Daemon struct {
	cfg Config
	log *logger.Logger

	backoffStore  *backoff.Store
	webcamPool    *pool.Pool
	weatherPool   *pool.Pool
	pullMetaCache *cache.Store
	clock         *timehealth.Checker

	mu       sync.RWMutex
	webcams  map[string]*webcamEntry
	weathers map[string]*weatherEntry
	gates    map[string]*staleness.PrimaryBackupGate // keyed by airport

	started      time.Time
	loopCount    int64
	lastError    string
	lastReload   time.Time
}

// NewDaemon wires the daemon from cfg, building the backoff store and
// worker pools. Webcam/weather entries are built lazily on the first
// reconcile pass.
func NewDaemon(cfg Config) (*Daemon, error) {
	if cfg.MaxWebcamWorkers <= 0 {
		cfg.MaxWebcamWorkers = 8
	}
	if cfg.MaxWeatherWorkers <= 0 {
		cfg.MaxWeatherWorkers = 4
	}

	backoffStore, err := backoff.New(cfg.BackoffStorePath)
	if err != nil {
		return nil, fmt.Errorf("open backoff store: %w", err)
	}

	d := &Daemon{
		cfg:           cfg,
		log:           logger.Default().With("component", "scheduler"),
		backoffStore:  backoffStore,
		webcamPool:    pool.New("webcam", cfg.MaxWebcamWorkers),
		weatherPool:   pool.New("weather", cfg.MaxWeatherWorkers),
		pullMetaCache: cache.New("pull_meta", filepath.Join(cfg.StagingDir, "_cache", "pull_meta")),
		clock:         timehealth.NewChecker(),
		webcams:       make(map[string]*webcamEntry),
		weathers:      make(map[string]*weatherEntry),
		gates:         make(map[string]*staleness.PrimaryBackupGate),
		started:       time.Now(),
	}

	d.reconcile(cfg.ConfigService.Get())
	cfg.ConfigService.Subscribe(func(config.Event) {
		d.reconcile(cfg.ConfigService.Get())
	})

	return d, nil
}

// Run blocks, ticking the dispatch loop at ~1s period until ctx is
// cancelled (spec §4.10: "period = 1s nominal").
func (d *Daemon) Run(ctx context.Context) error {
	go d.clock.Run(ctx, ClockSyncInterval)

	ticker := time.NewTicker(tickPeriod)
	defer ticker.Stop()

	lastFlush := time.Now()

	for {
		select {
		case <-ctx.Done():
			d.webcamPool.Cleanup()
			d.weatherPool.Cleanup()
			return ctx.Err()
		case <-ticker.C:
			d.tick()
			d.loopCount++

			if time.Since(lastFlush) >= MetricsFlushInterval {
				d.flushMetrics()
				lastFlush = time.Now()
			}

			if err := d.writeHealth(); err != nil {
				d.log.Warn("write lock file failed", "error", err)
			}
		}
	}
}

// tick performs one loop iteration: compute due items, filter through
// the backoff store, and dispatch (spec §4.10 steps 2-5).
func (d *Daemon) tick() {
	now := time.Now()

	d.mu.RLock()
	webcams := make([]*webcamEntry, 0, len(d.webcams))
	for _, e := range d.webcams {
		webcams = append(webcams, e)
	}
	weathers := make([]*weatherEntry, 0, len(d.weathers))
	for _, e := range d.weathers {
		weathers = append(weathers, e)
	}
	d.mu.RUnlock()

	for _, e := range webcams {
		d.maybeDispatchWebcam(e, now)
	}
	for _, e := range weathers {
		d.maybeDispatchWeather(e, now)
	}
}

func (d *Daemon) maybeDispatchWebcam(e *webcamEntry, now time.Time) {
	e.mu.Lock()
	due := now.Sub(e.lastAttempt) >= e.refresh
	e.mu.Unlock()
	if !due {
		return
	}

	backoffKey := backoff.Key(e.airport, "webcam", e.key)
	if !d.backoffStore.Check(backoffKey) {
		e.mu.Lock()
		e.state = stateCircuitOpen
		e.mu.Unlock()
		return
	}

	e.mu.Lock()
	e.state = stateDue
	e.mu.Unlock()

	enqueued, err := d.webcamPool.AddJob(pool.Job{
		Key:     e.key,
		Timeout: 2 * time.Minute,
		Run: func(ctx context.Context) error {
			return d.runWebcam(ctx, e, backoffKey)
		},
	})
	if err != nil {
		d.log.Warn("webcam dispatch failed", "webcam", e.key, "error", err)
		return
	}
	if enqueued {
		e.mu.Lock()
		e.lastAttempt = now
		e.state = stateDispatched
		e.mu.Unlock()
	}
}

func (d *Daemon) runWebcam(ctx context.Context, e *webcamEntry, backoffKey string) error {
	result := e.strategy.Acquire(ctx)

	switch result.Outcome {
	case acquisition.OutcomeSkip:
		e.mu.Lock()
		e.state = stateIdle
		e.mu.Unlock()
		return nil

	case acquisition.OutcomeFailure:
		_ = d.backoffStore.RecordFailure(backoffKey, backoff.SeverityTransient, 0, result.FailureReason)
		e.mu.Lock()
		e.state = stateFailure
		e.lastError = result.FailureReason
		e.mu.Unlock()
		return fmt.Errorf("acquire %s: %s", e.key, result.FailureReason)
	}

	captureTime := time.Now()
	if err := e.pipeline.Run(result.StagingPath, captureTime); err != nil {
		_ = d.backoffStore.RecordFailure(backoffKey, backoff.SeverityTransient, 0, err.Error())
		e.mu.Lock()
		e.state = stateFailure
		e.lastError = err.Error()
		e.mu.Unlock()
		return err
	}

	_ = d.backoffStore.RecordSuccess(backoffKey)
	e.mu.Lock()
	e.state = stateSuccess
	e.lastError = ""
	e.mu.Unlock()
	return nil
}

func (d *Daemon) maybeDispatchWeather(e *weatherEntry, now time.Time) {
	e.mu.Lock()
	due := now.Sub(e.lastAttempt) >= e.refresh
	e.mu.Unlock()
	if !due {
		return
	}

	backoffKey := backoff.Key(e.airport, "weather", e.key)
	if !d.backoffStore.Check(backoffKey) {
		e.mu.Lock()
		e.state = stateCircuitOpen
		e.mu.Unlock()
		return
	}

	enqueued, err := d.weatherPool.AddJob(pool.Job{
		Key:     e.key,
		Timeout: 30 * time.Second,
		Run: func(ctx context.Context) error {
			err := e.source.Poll(ctx)
			if err != nil {
				_ = d.backoffStore.RecordFailure(backoffKey, backoff.SeverityTransient, 0, err.Error())
			} else {
				_ = d.backoffStore.RecordSuccess(backoffKey)
			}
			return err
		},
	})
	if err != nil {
		d.log.Warn("weather dispatch failed", "source", e.key, "error", err)
		return
	}
	if enqueued {
		e.mu.Lock()
		e.lastAttempt = now
		e.mu.Unlock()
	}
}

// GateFor returns the primary/backup recovery gate for airport, creating
// it with default thresholds on first use.
func (d *Daemon) GateFor(airport string) *staleness.PrimaryBackupGate {
	d.mu.Lock()
	defer d.mu.Unlock()
	g, ok := d.gates[airport]
	if !ok {
		g = staleness.NewPrimaryBackupGate(staleness.DefaultRecoveryConfig())
		d.gates[airport] = g
	}
	return g
}

// ClockStatus reports the daemon's measured NTP drift, used by the
// health surface to flag an untrustworthy host clock before it starts
// silently misclassifying EXIF timestamps as skewed.
func (d *Daemon) ClockStatus() (offset time.Duration, healthy bool) {
	return d.clock.Offset(), d.clock.Healthy()
}

// Status returns a point-in-time snapshot of every tracked item.
func (d *Daemon) Status() []ItemStatus {
	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make([]ItemStatus, 0, len(d.webcams)+len(d.weathers))
	for _, e := range d.webcams {
		e.mu.Lock()
		out = append(out, ItemStatus{Airport: e.airport, Source: e.key, Role: "webcam", State: e.state, LastAttempt: e.lastAttempt, LastError: e.lastError})
		e.mu.Unlock()
	}
	for _, e := range d.weathers {
		e.mu.Lock()
		out = append(out, ItemStatus{Airport: e.airport, Source: e.key, Role: "weather", State: e.state, LastAttempt: e.lastAttempt, LastError: e.lastError})
		e.mu.Unlock()
	}
	return out
}

func (d *Daemon) flushMetrics() {
	wc := d.webcamPool.Counters()
	wx := d.weatherPool.Counters()
	d.log.Info("rolling counters",
		"webcam_completed", wc.Completed, "webcam_timed_out", wc.TimedOut, "webcam_failed", wc.Failed,
		"weather_completed", wx.Completed, "weather_timed_out", wx.TimedOut, "weather_failed", wx.Failed)
}

func (d *Daemon) writeHealth() error {
	root := d.cfg.ConfigService.Get()
	health := "ok"
	if d.lastError != "" {
		health = "degraded"
	}
	return writeLockFile(d.cfg.LockFilePath, lockFile{
		PID:                 os.Getpid(),
		Started:             d.started,
		Health:              health,
		LoopCount:           d.loopCount,
		LastError:           d.lastError,
		ConfigAirportsCount: len(root.Airports),
		ConfigLastReload:    d.lastReload,
	})
}

// reconcile rebuilds the webcam/weather entry maps from the current
// config snapshot, preserving scheduling state (last_attempt, stability
// history) for entries whose key is unchanged (spec §4.10 step 1: "clear
// dependent caches" — only caches keyed on removed/changed entries are
// actually dropped).
func (d *Daemon) reconcile(root config.Root) {
	d.lastReload = time.Now()

	newWebcams := make(map[string]*webcamEntry)
	newWeathers := make(map[string]*weatherEntry)

	exif, err := exifdiscipline.NewTool()
	if err != nil {
		d.log.Warn("exiftool unavailable, EXIF discipline disabled", "error", err)
		exif = nil
	} else {
		exif.WithClock(d.clock)
	}

	limiter := resource.DefaultLimiter()

	for airportID, airport := range root.Airports {
		loc := quality.Location{Lat: airport.Lat, Lon: airport.Lon}
		tz := timezoneOf(airport.Timezone)
		webcamRefresh := refreshInterval(firstNonZero(airport.WebcamRefreshSeconds, 60))
		weatherRefresh := refreshInterval(firstNonZero(airport.WeatherRefreshSeconds, 600))

		variantHeights := root.Config.VariantHeights
		privilegedHeight := root.Config.PrivilegedHeight
		enabledFormats := root.Config.EnabledFormats
		retention := time.Duration(root.Config.WebcamRetentionHours) * time.Hour

		for idx, w := range airport.Webcams {
			key := fmt.Sprintf("%s_webcam_%d", airportID, idx)

			refresh := webcamRefresh
			if w.RefreshSeconds > 0 {
				refresh = refreshInterval(w.RefreshSeconds)
			}
			heights := variantHeights
			if len(w.VariantHeights) > 0 {
				heights = w.VariantHeights
			}

			var history *acquisition.StabilityHistory
			var lastAttempt time.Time
			if existing, ok := d.webcams[key]; ok {
				history = existing.history
				existing.mu.Lock()
				lastAttempt = existing.lastAttempt
				existing.mu.Unlock()
			} else {
				history = &acquisition.StabilityHistory{}
			}

			camStore := store.New(d.cfg.DataDir, airportID, fmt.Sprintf("cam%d", idx), privilegedHeight)
			pl := pipeline.New(pipeline.Config{
				AirportID:        airportID,
				WebcamID:         fmt.Sprintf("cam%d", idx),
				StagingDir:       filepath.Join(d.cfg.StagingDir, airportID, fmt.Sprintf("cam%d", idx)),
				Store:            camStore,
				VariantHeights:   heights,
				PrivilegedHeight: privilegedHeight,
				EnabledFormats:   enabledFormats,
				Location:         loc,
				Timezone:         tz,
				Exif:             exif,
				Retention:        retention,
				Limiter:          limiter,
			})

			strat, err := buildStrategy(airportID, idx, w, loc, tz, exif, d.cfg.StagingDir, history, d.pullMetaCache, pl)
			if err != nil {
				d.log.Warn("skipping webcam, could not build strategy", "webcam", key, "error", err)
				continue
			}

			newWebcams[key] = &webcamEntry{
				key: key, airport: airportID, index: idx,
				refresh: refresh, strategy: strat, pipeline: pl, history: history,
				lastAttempt: lastAttempt, state: stateIdle,
			}
		}

		for widx, ws := range airport.WeatherSources {
			key := fmt.Sprintf("%s_weather_%d", airportID, widx)
			var src *weather.Source
			var lastAttempt time.Time
			if existing, ok := d.weathers[key]; ok {
				src = existing.source
				existing.mu.Lock()
				lastAttempt = existing.lastAttempt
				existing.mu.Unlock()
			} else {
				src = weather.NewSource(key, ws)
			}
			newWeathers[key] = &weatherEntry{
				key: key, airport: airportID, refresh: weatherRefresh,
				source: src, backup: ws.Backup, lastAttempt: lastAttempt, state: stateIdle,
			}
		}
	}

	d.mu.Lock()
	d.webcams = newWebcams
	d.weathers = newWeathers
	d.mu.Unlock()
}

func firstNonZero(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}
