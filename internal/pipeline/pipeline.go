// Package pipeline implements the single-pass processing run over one
// acquired webcam artifact: validate, detect error frames, apply EXIF
// discipline, generate the variant matrix, promote it atomically, and
// run retention.
package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/aviationwx/hub/internal/exifdiscipline"
	"github.com/aviationwx/hub/internal/logger"
	"github.com/aviationwx/hub/internal/quality"
	"github.com/aviationwx/hub/internal/resource"
	"github.com/aviationwx/hub/internal/store"
)

const (
	minWidth  = 100
	minHeight = 100

	maxOriginalBytes = 20 * 1024 * 1024

	orphanStagingAge = time.Hour

	jpegQVScale = "1"  // ffmpeg -q:v scale 1..31, 1 = highest quality
	webpQuality = "90"
	webpCompr   = "6"
)

// Config configures one webcam's pipeline run.
type Config struct {
	AirportID string
	WebcamID  string

	StagingDir string
	Store      *store.Store

	VariantHeights   []int // excludes the original; e.g. {1080, 720, 360}
	PrivilegedHeight int
	EnabledFormats   []string // subset of {"jpg", "webp"}

	Location quality.Location
	Timezone *time.Location
	Exif     *exifdiscipline.Tool

	Retention time.Duration

	// Limiter gates concurrent ffmpeg/exiftool subprocesses across every
	// webcam's pipeline so a burst of simultaneous captures can't starve
	// the host; shared across pipelines when the caller passes the same
	// instance. Defaults to resource.DefaultLimiter() when nil.
	Limiter *resource.Limiter
}

// Stats accumulates the 24h-window health counters the pipeline
// contributes (spec §4.7 step 9).
type Stats struct {
	Verified int64
	Rejected int64
}

func (s *Stats) recordVerified() { atomic.AddInt64(&s.Verified, 1) }
func (s *Stats) recordRejected() { atomic.AddInt64(&s.Rejected, 1) }

// Pipeline runs the validate→detect→EXIF→variants→manifest→cleanup
// sequence for one webcam.
type Pipeline struct {
	cfg   Config
	stats Stats
	log   *logger.Logger
}

func New(cfg Config) *Pipeline {
	if len(cfg.VariantHeights) == 0 {
		cfg.VariantHeights = append([]int(nil), store.DefaultHeights...)
	}
	if cfg.PrivilegedHeight <= 0 {
		cfg.PrivilegedHeight = store.DefaultPrivilegedHeight
	}
	if len(cfg.EnabledFormats) == 0 {
		cfg.EnabledFormats = []string{"jpg", "webp"}
	}
	if cfg.Timezone == nil {
		cfg.Timezone = time.UTC
	}
	if cfg.Limiter == nil {
		cfg.Limiter = resource.DefaultLimiter()
	}
	return &Pipeline{
		cfg: cfg,
		log: logger.Default().With("component", "pipeline", "airport", cfg.AirportID, "webcam", cfg.WebcamID),
	}
}

func (p *Pipeline) Stats() Stats {
	return Stats{
		Verified: atomic.LoadInt64(&p.stats.Verified),
		Rejected: atomic.LoadInt64(&p.stats.Rejected),
	}
}

// Run executes the single-pass pipeline over one staged artifact
// (stagingPath, produced by an acquisition strategy) observed at
// captureTime. It always removes stagingPath before returning.
func (p *Pipeline) Run(stagingPath string, captureTime time.Time) error {
	defer os.Remove(stagingPath)

	p.cleanupOrphanStaging()

	data, err := os.ReadFile(stagingPath)
	if err != nil {
		return fmt.Errorf("read staged artifact: %w", err)
	}

	decoded, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		p.reject(data, captureTime, "decode_failure")
		return fmt.Errorf("decode artifact: %w", err)
	}
	bounds := decoded.Bounds()
	width, height := bounds.Dx(), bounds.Dy()

	if width < minWidth || height < minHeight {
		p.reject(data, captureTime, "too_small")
		return fmt.Errorf("artifact below minimum dimensions: %dx%d", width, height)
	}
	if len(data) > maxOriginalBytes {
		p.reject(data, captureTime, "too_large")
		return fmt.Errorf("artifact exceeds max size: %d bytes", len(data))
	}

	qres, err := quality.Detect(data, p.cfg.Location, captureTime)
	if err != nil {
		p.reject(data, captureTime, "decode_failure")
		return fmt.Errorf("quality detect: %w", err)
	}
	if qres.IsError {
		p.reject(data, captureTime, qres.Reasons[0])
		return fmt.Errorf("rejected by error-frame detector: %s", strings.Join(qres.Reasons, ","))
	}

	refinedTime := captureTime
	if p.cfg.Exif != nil {
		var ensureErr error
		if err := p.cfg.Limiter.AcquireExifOperation(context.Background()); err != nil {
			ensureErr = err
		} else {
			_, ensureErr = p.cfg.Exif.EnsureEXIF(stagingPath, "", captureTime, p.cfg.Timezone)
			p.cfg.Limiter.ReleaseExifOperation()
		}

		if ensureErr != nil {
			p.log.Warn("ensure_exif failed, continuing with capture time", "error", ensureErr)
		} else {
			vres, err := p.cfg.Exif.ValidateTimestamp(stagingPath)
			if err == nil && vres.Valid {
				refinedTime = vres.Timestamp
			}
		}
		// Re-read in case exiftool rewrote the file in place.
		if refreshed, err := os.ReadFile(stagingPath); err == nil {
			data = refreshed
		}
	}

	staged, err := p.generateVariants(data, width, height, refinedTime)
	if err != nil {
		p.reject(data, refinedTime, "variant_generation_failed")
		return fmt.Errorf("generate variants: %w", err)
	}

	if _, err := p.cfg.Store.PromoteSet(refinedTime, staged, p.cfg.EnabledFormats); err != nil {
		return fmt.Errorf("promote variant set: %w", err)
	}

	if p.cfg.Retention > 0 {
		if _, err := p.cfg.Store.Prune(p.cfg.Retention); err != nil {
			p.log.Warn("retention prune failed", "error", err)
		}
	}

	p.stats.recordVerified()
	return nil
}

func (p *Pipeline) reject(data []byte, t time.Time, reason string) {
	p.stats.recordRejected()
	if err := p.cfg.Store.Quarantine(t, data, "jpg", reason); err != nil {
		p.log.Warn("quarantine write failed", "reason", reason, "error", err)
	}
}

// Reject quarantines data as rejected under reason and records it in
// Stats, for acquisition strategies that reject a candidate before it
// ever becomes a staged artifact Run would see (push ingestion's
// pre-flight content/EXIF checks, acquisition.Rejector).
func (p *Pipeline) Reject(data []byte, t time.Time, reason string) {
	p.reject(data, t, reason)
}

// generateVariants stages the original plus one downscaled rendition
// per configured height (skipping heights ≥ the original's), in every
// enabled format, via ffmpeg.
func (p *Pipeline) generateVariants(data []byte, origWidth, origHeight int, t time.Time) (map[store.Variant]string, error) {
	staged := make(map[store.Variant]string)

	srcTmp, err := os.CreateTemp(p.cfg.StagingDir, "pipeline-src-*.jpg")
	if err != nil {
		return nil, fmt.Errorf("create source temp file: %w", err)
	}
	defer os.Remove(srcTmp.Name())
	if _, err := srcTmp.Write(data); err != nil {
		srcTmp.Close()
		return nil, fmt.Errorf("write source temp file: %w", err)
	}
	srcTmp.Close()

	heights := append([]int{store.OriginalHeight}, p.cfg.VariantHeights...)
	for _, height := range heights {
		if height != store.OriginalHeight && height >= origHeight {
			continue
		}
		for _, format := range p.cfg.EnabledFormats {
			outPath, err := p.encodeVariantLimited(srcTmp.Name(), height, origWidth, origHeight, format)
			if err != nil {
				p.log.Warn("variant encode failed", "height", height, "format", format, "error", err)
				continue
			}
			stagingName, err := p.cfg.Store.StageVariant(t, store.Variant{Height: height, Format: format}, mustReadAll(outPath))
			os.Remove(outPath)
			if err != nil {
				p.log.Warn("stage variant failed", "height", height, "format", format, "error", err)
				continue
			}
			staged[store.Variant{Height: height, Format: format}] = stagingName
		}
	}

	if len(staged) == 0 {
		return nil, fmt.Errorf("no variants were generated")
	}
	return staged, nil
}

// cleanupOrphanStaging removes staging files older than one hour
// belonging to other PIDs, never touching the current process's own
// in-flight files (spec §4.7 step 1).
func (p *Pipeline) cleanupOrphanStaging() {
	entries, err := os.ReadDir(p.cfg.StagingDir)
	if err != nil {
		return
	}
	myPID := fmt.Sprintf(".staging.%d", os.Getpid())
	cutoff := time.Now().Add(-orphanStagingAge)

	for _, entry := range entries {
		if entry.IsDir() || !strings.Contains(entry.Name(), ".staging.") {
			continue
		}
		if strings.HasSuffix(entry.Name(), myPID) {
			continue
		}
		info, err := entry.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		os.Remove(filepath.Join(p.cfg.StagingDir, entry.Name()))
	}
}

// encodeVariantLimited gates the ffmpeg subprocess behind the shared
// image-processing semaphore so a burst of concurrent webcam pipelines
// doesn't fork unbounded ffmpeg processes on a resource-constrained host.
func (p *Pipeline) encodeVariantLimited(srcPath string, height, origWidth, origHeight int, format string) (string, error) {
	if err := p.cfg.Limiter.AcquireImageProcessing(context.Background()); err != nil {
		return "", fmt.Errorf("acquire image processing slot: %w", err)
	}
	defer p.cfg.Limiter.ReleaseImageProcessing()

	return encodeVariant(srcPath, p.cfg.StagingDir, height, origWidth, origHeight, format)
}

func mustReadAll(path string) []byte {
	data, _ := os.ReadFile(path)
	return data
}

func heightArg(height, origWidth, origHeight int) string {
	if height == store.OriginalHeight {
		return ""
	}
	scaledWidth := int(float64(origWidth) * float64(height) / float64(origHeight))
	if scaledWidth%2 != 0 {
		scaledWidth++
	}
	return strconv.Itoa(scaledWidth) + ":" + strconv.Itoa(height)
}
