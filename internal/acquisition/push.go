package acquisition

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/aviationwx/hub/internal/exifdiscipline"
	"github.com/aviationwx/hub/internal/logger"
	"github.com/aviationwx/hub/internal/quality"
)

const (
	minStableChecks     = 2
	maxStableChecks     = 10
	defaultStableChecks = 3

	uploadMinAge = 3 * time.Second
	exifMTimeDriftBound = 2 * time.Hour
)

// Rejector quarantines a rejected candidate and records it in the
// pipeline's 24h-window health counters. Satisfied by *pipeline.Pipeline;
// kept as a narrow interface here so this package doesn't need to import
// pipeline just to call one method.
type Rejector interface {
	Reject(data []byte, t time.Time, reason string)
}

// PushConfig configures one push (FTP/SFTP landing directory) ingestion
// source. Candidate files arrive from an embedded SFTP server (or an FTP
// daemon) writing into Directory out-of-band; this strategy only scans
// and promotes what has already landed.
type PushConfig struct {
	ID                string
	Directory         string
	MaxFileSizeMB     int
	AllowedExtensions []string
	MaxFileAge        time.Duration

	StagingDir string
	Location   quality.Location
	Timezone   *time.Location
	Exif       *exifdiscipline.Tool

	// Reject routes a rejected candidate into the canonical
	// webcams/<airport>/<cam>/rejections/ quarantine tree and increments
	// the webcam's pipeline.Stats.Rejected counter, the same path a
	// pull-strategy artifact takes when Pipeline.Run rejects it. Nil
	// skips quarantine and the counter; the rejected candidate is still
	// deleted from the landing directory.
	Reject Rejector

	// StabilityCheckInterval/Timeout bound the poll loop that waits for
	// an in-flight upload to stop changing size/mtime before promotion.
	StabilityCheckInterval time.Duration
	StabilityCheckTimeout  time.Duration
}

// StabilityHistory tracks how many consecutive polls this camera
// typically needs before a file is observed stable, so the required
// count can adapt rather than use one fixed number for every source.
type StabilityHistory struct {
	samples []time.Duration
}

// RequiredChecks returns the number of consecutive unchanged
// observations required, derived from the P95 stabilization time seen
// so far (×1.5 safety margin, clamped to [minStableChecks,
// maxStableChecks]), defaulting to defaultStableChecks until enough
// samples exist.
func (h *StabilityHistory) RequiredChecks(checkInterval time.Duration) int {
	if len(h.samples) < 5 {
		return defaultStableChecks
	}

	sorted := append([]time.Duration(nil), h.samples...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	p95 := sorted[int(float64(len(sorted))*0.95)]

	checks := int(float64(p95) * 1.5 / float64(checkInterval))
	if checks < minStableChecks {
		checks = minStableChecks
	}
	if checks > maxStableChecks {
		checks = maxStableChecks
	}
	return checks
}

func (h *StabilityHistory) Record(d time.Duration) {
	h.samples = append(h.samples, d)
	if len(h.samples) > 100 {
		h.samples = h.samples[len(h.samples)-100:]
	}
}

// PushIngester implements Strategy for one push landing directory.
type PushIngester struct {
	cfg     PushConfig
	history *StabilityHistory
	log     *logger.Logger
}

func NewPushIngester(cfg PushConfig, history *StabilityHistory) *PushIngester {
	if cfg.MaxFileAge <= 0 {
		cfg.MaxFileAge = 2 * time.Hour
	}
	if cfg.StabilityCheckInterval <= 0 {
		cfg.StabilityCheckInterval = 500 * time.Millisecond
	}
	if cfg.StabilityCheckTimeout <= 0 {
		cfg.StabilityCheckTimeout = 30 * time.Second
	}
	if cfg.Timezone == nil {
		cfg.Timezone = time.UTC
	}
	if history == nil {
		history = &StabilityHistory{}
	}
	return &PushIngester{cfg: cfg, history: history, log: logger.Default().With("component", "push_ingest", "source", cfg.ID)}
}

// candidateFile is one file discovered in the landing directory.
type candidateFile struct {
	path  string
	name  string
	size  int64
	mtime time.Time
}

// selectCandidates globs image files in the landing directory, deletes
// abandoned (too-old) files, skips files still being written
// (age < 3s), and orders the remainder newest-first per the spec's
// pilot-safety batch ordering.
func (p *PushIngester) selectCandidates() ([]candidateFile, int) {
	entries, err := os.ReadDir(p.cfg.Directory)
	if err != nil {
		return nil, 0
	}

	now := time.Now()
	var candidates []candidateFile
	rejected := 0

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if !hasAllowedExtension(entry.Name(), p.cfg.AllowedExtensions) {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}
		path := filepath.Join(p.cfg.Directory, entry.Name())
		age := now.Sub(info.ModTime())

		if age > p.cfg.MaxFileAge {
			os.Remove(path)
			continue
		}
		if age < uploadMinAge {
			continue
		}

		candidates = append(candidates, candidateFile{path: path, name: entry.Name(), size: info.Size(), mtime: info.ModTime()})
	}

	sort.Slice(candidates, func(i, j int) bool { return candidates[i].mtime.After(candidates[j].mtime) })

	return candidates, rejected
}

func hasAllowedExtension(name string, allowed []string) bool {
	if len(allowed) == 0 {
		allowed = []string{".jpg", ".jpeg", ".png", ".webp"}
	}
	ext := strings.ToLower(filepath.Ext(name))
	for _, a := range allowed {
		if strings.ToLower(a) == ext {
			return true
		}
	}
	return false
}

// waitStable polls size+mtime until the file has been unchanged across
// the required number of consecutive observations, or the timeout
// elapses.
func (p *PushIngester) waitStable(path string) (candidateFile, bool) {
	requiredChecks := p.history.RequiredChecks(p.cfg.StabilityCheckInterval)
	deadline := time.Now().Add(p.cfg.StabilityCheckTimeout)

	var last candidateFile
	consistent := 0
	started := time.Now()

	for time.Now().Before(deadline) {
		info, err := os.Stat(path)
		if err != nil {
			return candidateFile{}, false
		}
		cur := candidateFile{path: path, size: info.Size(), mtime: info.ModTime()}

		if consistent > 0 && cur.size == last.size && cur.mtime.Equal(last.mtime) {
			consistent++
		} else {
			consistent = 1
		}
		last = cur

		if consistent >= requiredChecks {
			p.history.Record(time.Since(started))
			return last, true
		}
		time.Sleep(p.cfg.StabilityCheckInterval)
	}
	return candidateFile{}, false
}

// Acquire scans the landing directory and attempts to promote the
// newest stable candidate file. Returns skip(no_new_files) when nothing
// is ready.
func (p *PushIngester) Acquire(ctx context.Context) Result { return p.acquireOne() }

func (p *PushIngester) acquireOne() Result {
	candidates, _ := p.selectCandidates()
	if len(candidates) == 0 {
		return Skip("no_new_files", nil)
	}

	cand := candidates[0]
	stable, ok := p.waitStable(cand.path)
	if !ok {
		return Skip("not_stable_yet", map[string]string{"file": cand.name})
	}

	data, err := os.ReadFile(stable.path)
	if err != nil {
		return Failure("transient", map[string]string{"reason": "read_failed"})
	}

	maxBytes := int64(p.cfg.MaxFileSizeMB) * 1024 * 1024
	if maxBytes <= 0 {
		maxBytes = 20 * 1024 * 1024
	}
	if len(data) < 100 || int64(len(data)) > maxBytes {
		return p.reject(data, stable, "content_invalid", "size_out_of_bounds")
	}

	if _, ok := detectImageKind(data); !ok {
		return p.reject(data, stable, "content_invalid", "format_signature_mismatch")
	}

	qres, err := quality.Detect(data, p.cfg.Location, time.Now())
	if err != nil {
		return p.reject(data, stable, "content_invalid", "decode_failure")
	}
	if qres.IsError {
		return p.reject(data, stable, "content_invalid", qres.Reasons[0])
	}

	if p.cfg.Exif != nil {
		if _, err := p.cfg.Exif.EnsureEXIF(stable.path, stable.name, stable.mtime, p.cfg.Timezone); err != nil {
			return p.reject(rereadOrFallback(stable.path, data), stable, "transient", "ensure_exif_failed")
		}
		vres, err := p.cfg.Exif.ValidateTimestamp(stable.path)
		if err != nil || !vres.Valid {
			return p.reject(rereadOrFallback(stable.path, data), stable, "content_invalid", "exif_invalid")
		}
		if drift := vres.Timestamp.Sub(stable.mtime); abs(drift) > exifMTimeDriftBound {
			return p.reject(rereadOrFallback(stable.path, data), stable, "content_invalid", "timestamp_drift")
		}
	}

	if err := os.MkdirAll(p.cfg.StagingDir, 0755); err != nil {
		return Failure("transient", nil)
	}
	stagingPath := filepath.Join(p.cfg.StagingDir, fmt.Sprintf("%s_%d.staging", p.cfg.ID, time.Now().UnixNano()))
	if err := promote(stable.path, stagingPath); err != nil {
		return Failure("transient", map[string]string{"reason": "promote_failed"})
	}

	return Success(stagingPath, KindPush, map[string]string{"original_name": stable.name})
}

func abs(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

// reject quarantines a candidate via the configured Rejector (the
// canonical webcams/<airport>/<cam>/rejections/ tree plus a reject-metric
// increment, matching what Pipeline.Run does for a pull-acquired
// artifact) and removes it from the landing directory so it isn't
// rescanned forever. Returns the Failure result for the caller to
// propagate.
func (p *PushIngester) reject(data []byte, cand candidateFile, category, reason string) Result {
	if p.cfg.Reject != nil {
		p.cfg.Reject.Reject(data, cand.mtime, reason)
	}
	os.Remove(cand.path)
	return Failure(category, map[string]string{"reason": reason, "file": cand.name})
}

// rereadOrFallback re-reads path (exiftool may have rewritten EXIF tags
// in place) and falls back to the already-read bytes if that fails, so
// the quarantined artifact reflects what exiftool actually left behind.
func rereadOrFallback(path string, fallback []byte) []byte {
	if refreshed, err := os.ReadFile(path); err == nil {
		return refreshed
	}
	return fallback
}

// promote performs the rename-into-staging with a copy+unlink fallback
// for cross-filesystem landing directories.
func promote(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	if err := os.WriteFile(dst, data, 0644); err != nil {
		return err
	}
	return os.Remove(src)
}
