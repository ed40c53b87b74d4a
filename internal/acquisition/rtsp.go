package acquisition

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/aviationwx/hub/internal/exifdiscipline"
	"github.com/aviationwx/hub/internal/quality"
)

var rtspRetryDelays = []time.Duration{1 * time.Second, 5 * time.Second, 10 * time.Second}

// RTSPConfig configures one RTSP single-frame-grab pull source.
type RTSPConfig struct {
	ID        string
	URL       string
	Transport string // "tcp" | "udp", forced to "tcp" for rtsps://
	MaxRuntime time.Duration

	StagingDir string
	Location   quality.Location
	Timezone   *time.Location
	Exif       *exifdiscipline.Tool
}

// RTSPFetcher implements Strategy by spawning ffmpeg for a single-frame
// grab, retrying with fixed backoff delays after any failed attempt.
type RTSPFetcher struct {
	cfg RTSPConfig
}

func NewRTSPFetcher(cfg RTSPConfig) (*RTSPFetcher, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("url is required")
	}
	if cfg.MaxRuntime <= 0 {
		cfg.MaxRuntime = 15 * time.Second
	}
	if cfg.Transport == "" {
		cfg.Transport = "tcp"
	}
	if strings.HasPrefix(cfg.URL, "rtsps://") {
		cfg.Transport = "tcp"
	}
	if cfg.Timezone == nil {
		cfg.Timezone = time.UTC
	}
	return &RTSPFetcher{cfg: cfg}, nil
}

func (f *RTSPFetcher) Acquire(ctx context.Context) Result {
	var lastReason string

	for attempt := 0; attempt <= len(rtspRetryDelays); attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(rtspRetryDelays[attempt-1]):
			case <-ctx.Done():
				return Failure("timeout", nil)
			}
		}

		stagingPath, reason, err := f.attempt(ctx)
		if err == nil {
			qres, qerr := quality.Detect(mustReadFile(stagingPath), f.cfg.Location, time.Now())
			if qerr != nil {
				os.Remove(stagingPath)
				return Failure("content_invalid", map[string]string{"reason": "decode_failure"})
			}
			if qres.IsError {
				os.Remove(stagingPath)
				return Failure("content_invalid", map[string]string{"reason": qres.Reasons[0]})
			}
			if f.cfg.Exif != nil {
				if _, err := f.cfg.Exif.EnsureEXIF(stagingPath, "", time.Now(), f.cfg.Timezone); err != nil {
					os.Remove(stagingPath)
					return Failure("transient", map[string]string{"reason": "ensure_exif_failed"})
				}
			}
			return Success(stagingPath, KindRTSP, nil)
		}
		lastReason = reason
	}

	severity := classifyRTSPFailure(lastReason)
	return Failure(severity, map[string]string{"reason": lastReason})
}

// attempt spawns one ffmpeg single-frame grab. Returns the staged file
// path on success, or a classification reason on failure.
func (f *RTSPFetcher) attempt(ctx context.Context) (string, string, error) {
	captureCtx, cancel := context.WithTimeout(ctx, f.cfg.MaxRuntime)
	defer cancel()

	if err := os.MkdirAll(f.cfg.StagingDir, 0755); err != nil {
		return "", "unknown", err
	}
	stagingPath := filepath.Join(f.cfg.StagingDir, fmt.Sprintf("%s_%d.staging", f.cfg.ID, time.Now().UnixNano()))

	args := []string{
		"-rtsp_transport", f.cfg.Transport,
		"-i", f.cfg.URL,
		"-vframes", "1",
		"-t", fmt.Sprintf("%d", int(f.cfg.MaxRuntime.Seconds())),
		"-q:v", "2",
		"-y",
		stagingPath,
	}

	cmd := exec.CommandContext(captureCtx, "ffmpeg", args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr

	err := cmd.Run()
	if captureCtx.Err() == context.DeadlineExceeded {
		os.Remove(stagingPath)
		return "", "rtsp_timeout", fmt.Errorf("ffmpeg timed out")
	}
	if err != nil {
		os.Remove(stagingPath)
		return "", classifyFFmpegStderr(stderr.String()), err
	}

	info, statErr := os.Stat(stagingPath)
	if statErr != nil || info.Size() < 1024 {
		os.Remove(stagingPath)
		return "", "short_output", fmt.Errorf("ffmpeg output too small")
	}

	return stagingPath, "", nil
}

// classifyFFmpegStderr maps ffmpeg's stderr text into the spec's error
// taxonomy: {timeout, auth, tls, dns, connection, unknown}.
func classifyFFmpegStderr(stderr string) string {
	lower := strings.ToLower(stderr)
	switch {
	case strings.Contains(lower, "401") || strings.Contains(lower, "unauthorized"):
		return "auth"
	case strings.Contains(lower, "tls") || strings.Contains(lower, "ssl") || strings.Contains(lower, "certificate"):
		return "tls"
	case strings.Contains(lower, "name or service not known") || strings.Contains(lower, "no address associated"):
		return "dns"
	case strings.Contains(lower, "connection refused") || strings.Contains(lower, "no route to host"):
		return "connection"
	case strings.Contains(lower, "timed out") || strings.Contains(lower, "timeout"):
		return "timeout"
	default:
		return "unknown"
	}
}

// classifyRTSPFailure maps a reason code to its backoff severity.
func classifyRTSPFailure(reason string) string {
	switch reason {
	case "auth", "tls":
		return "permanent"
	default:
		return "transient"
	}
}

func mustReadFile(path string) []byte {
	data, _ := os.ReadFile(path)
	return data
}
