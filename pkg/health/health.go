// Package health exposes the daemon's aggregate status: per-airport
// webcam/weather counts, system resource usage, and the HTTP handlers
// that turn all of it into the hub's /healthz and /status surfaces.
package health

import (
	"encoding/json"
	"net/http"
	"time"
)

// StatusProvider returns the current aggregate health snapshot.
type StatusProvider func() HealthStatus

// HealthStatus is the hub-wide health snapshot, generalized from a
// single camera fleet to airports x webcams x weather sources.
type HealthStatus struct {
	Status           string      `json:"status"` // "healthy", "degraded", "unhealthy"
	Timestamp        time.Time   `json:"timestamp"`
	SchedulerRunning bool        `json:"scheduler_running"`
	AirportsTotal    int         `json:"airports_total"`
	WebcamsActive    int         `json:"webcams_active"`
	WebcamsTotal     int         `json:"webcams_total"`
	WeatherActive    int         `json:"weather_sources_active"`
	WeatherTotal     int         `json:"weather_sources_total"`
	DataOutageCount  int         `json:"data_outage_airports"`
	CircuitsOpen     int         `json:"circuits_open"`
	ClockOffsetMS    int64       `json:"clock_offset_ms"`
	ClockSynced      bool        `json:"clock_synced"`
	System           SystemStats `json:"system"`
	Details          string      `json:"details,omitempty"`
}

// HealthHandler is the bare liveness endpoint: always 200 while the
// process is responsive at all.
func HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// EnhancedHealthHandler reports 503 only when the aggregate status is
// "unhealthy"; "degraded" still returns 200 since the daemon is serving
// traffic, just not at full fidelity.
func EnhancedHealthHandler(provider StatusProvider) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		status := provider()

		statusCode := http.StatusOK
		if status.Status == "unhealthy" {
			statusCode = http.StatusServiceUnavailable
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusCode)
		json.NewEncoder(w).Encode(status)
	}
}

// ReadyHandler reports readiness for traffic, independent of the
// detailed health computation above.
func ReadyHandler(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}
