package scheduler

import "time"

// MinRefresh and MaxRefresh clamp every configured refresh interval
// (spec §4.10 step 2); a webcam or weather source declaring an
// out-of-range refresh_seconds is silently clamped rather than rejected.
const (
	MinRefresh = 10 * time.Second
	MaxRefresh = time.Hour

	// MetricsFlushInterval governs how often rolling counters are
	// written to the log (spec §4.10 step 6).
	MetricsFlushInterval = time.Minute

	// ClockSyncInterval governs how often the daemon re-queries NTP to
	// refresh its measured host clock drift.
	ClockSyncInterval = 5 * time.Minute

	tickPeriod = time.Second
)

// itemState mirrors the spec's per-camera state transitions
// (idle → due → dispatched → {success|failure|timeout} → idle, plus
// circuit_open) for status reporting.
type itemState string

const (
	stateIdle        itemState = "idle"
	stateDue         itemState = "due"
	stateDispatched  itemState = "dispatched"
	stateSuccess     itemState = "success"
	stateFailure     itemState = "failure"
	stateTimeout     itemState = "timeout"
	stateCircuitOpen itemState = "circuit_open"
)

// ItemStatus is one (airport, source) entry in the daemon's status
// snapshot.
type ItemStatus struct {
	Airport      string    `json:"airport"`
	Source       string    `json:"source"`
	Role         string    `json:"role"` // "webcam" | "weather"
	State        itemState `json:"state"`
	LastAttempt  time.Time `json:"last_attempt,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
}
