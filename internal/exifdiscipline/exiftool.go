// Package exifdiscipline enforces the EXIF timestamp contracts required
// before a staged frame can be promoted: every published image carries a
// validated, UTC-normalized DateTimeOriginal, whether the source camera
// supplied usable EXIF or not.
package exifdiscipline

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"runtime"
	"strings"
	"time"
)

// Tool wraps the exiftool CLI for EXIF read/write, matching the
// well-known third-party binary rather than a pure-Go decoder so output
// is byte-compatible with any other system relying on the same tool.
type Tool struct {
	path    string
	timeout time.Duration
	useNice bool

	// clock supplies "now" for timestamp validation. Nil uses the
	// uncorrected host clock.
	clock clockSource
}

// clockSource supplies a (possibly NTP-corrected) current time. Satisfied
// by *timehealth.Checker; kept as a narrow interface here so this package
// doesn't need to import timehealth just to call one method.
type clockSource interface {
	Now() time.Time
}

// WithClock attaches a drift-corrected clock source used by
// ValidateTimestamp instead of the raw host clock. Passing nil restores
// the default.
func (t *Tool) WithClock(c clockSource) *Tool {
	t.clock = c
	return t
}

func (t *Tool) now() time.Time {
	if t.clock != nil {
		return t.clock.Now()
	}
	return time.Now()
}

// NewTool locates exiftool on PATH.
func NewTool() (*Tool, error) {
	path, err := exec.LookPath("exiftool")
	if err != nil {
		return nil, fmt.Errorf("exiftool not found in PATH: %w", err)
	}
	return &Tool{
		path:    path,
		timeout: 10 * time.Second,
		useNice: runtime.GOOS == "linux",
	}, nil
}

// SetTimeout overrides the default 10s subprocess timeout.
func (t *Tool) SetTimeout(d time.Duration) { t.timeout = d }

func (t *Tool) command(ctx context.Context, args ...string) *exec.Cmd {
	if t.useNice {
		niceArgs := append([]string{"-n", "19", t.path}, args...)
		return exec.CommandContext(ctx, "nice", niceArgs...)
	}
	return exec.CommandContext(ctx, t.path, args...)
}

// ReadResult is the subset of EXIF fields exercised by the discipline
// contracts.
type ReadResult struct {
	DateTimeOriginal   string
	OffsetTimeOriginal string
}

// Read extracts DateTimeOriginal/OffsetTimeOriginal from path. A file
// with no EXIF at all is not an error — it returns a zero ReadResult.
func (t *Tool) Read(path string) (ReadResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()

	cmd := t.command(ctx, "-json", "-DateTimeOriginal", "-OffsetTimeOriginal", path)
	output, err := cmd.Output()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return ReadResult{}, fmt.Errorf("exiftool read timeout after %v", t.timeout)
		}
		return ReadResult{}, nil
	}

	var rows []map[string]interface{}
	if err := json.Unmarshal(output, &rows); err != nil {
		return ReadResult{}, fmt.Errorf("parse exiftool output: %w", err)
	}
	if len(rows) == 0 {
		return ReadResult{}, nil
	}

	var res ReadResult
	if v, ok := rows[0]["DateTimeOriginal"].(string); ok {
		res.DateTimeOriginal = v
	}
	if v, ok := rows[0]["OffsetTimeOriginal"].(string); ok {
		res.OffsetTimeOriginal = v
	}
	return res, nil
}

// Write sets DateTimeOriginal/OffsetTimeOriginal on path in place.
func (t *Tool) Write(path string, dateTimeOriginal, offsetTimeOriginal string) error {
	ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
	defer cancel()

	args := []string{"-overwrite_original"}
	if dateTimeOriginal != "" {
		args = append(args, fmt.Sprintf("-DateTimeOriginal=%s", dateTimeOriginal))
	}
	if offsetTimeOriginal != "" {
		args = append(args, fmt.Sprintf("-OffsetTimeOriginal=%s", offsetTimeOriginal))
	}
	args = append(args, path)

	cmd := t.command(ctx, args...)
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return fmt.Errorf("exiftool write timeout after %v", t.timeout)
		}
		return fmt.Errorf("exiftool write failed: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

// IsAvailable reports whether the exiftool binary responds to -ver.
func (t *Tool) IsAvailable() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return exec.CommandContext(ctx, t.path, "-ver").Run() == nil
}

// exifLayout is exiftool's DateTimeOriginal wire format.
const exifLayout = "2006:01:02 15:04:05"

func parseExifTime(s string) (time.Time, error) {
	return time.Parse(exifLayout, s)
}

func formatExifTime(t time.Time) string {
	return t.Format(exifLayout)
}
