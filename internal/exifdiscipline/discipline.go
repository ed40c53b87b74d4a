package exifdiscipline

import (
	"fmt"
	"regexp"
	"time"
)

const (
	// MaxFuture bounds how far ahead of now a DateTimeOriginal may sit
	// before it is considered untrustworthy (clock skew, not capture time).
	MaxFuture = 3600 * time.Second
	// MaxAge bounds how stale a DateTimeOriginal may be before it is
	// rejected as belonging to a different acquisition cycle entirely.
	MaxAge = 24 * time.Hour

	minValidYear = 2020
	maxValidYear = 2100
)

// ValidationResult is the outcome of validate_exif_timestamp.
type ValidationResult struct {
	Valid     bool
	Reason    string
	Timestamp time.Time
}

// ValidateTimestamp checks an image's DateTimeOriginal for plausibility:
// parseable, a sane year, not too far in the future, not too stale.
func (t *Tool) ValidateTimestamp(path string) (ValidationResult, error) {
	read, err := t.Read(path)
	if err != nil {
		return ValidationResult{}, err
	}
	return validateTimestamp(read.DateTimeOriginal, t.now())
}

func validateTimestamp(dateTimeOriginal string, now time.Time) (ValidationResult, error) {
	if dateTimeOriginal == "" {
		return ValidationResult{Valid: false, Reason: "missing_datetime_original"}, nil
	}

	ts, err := parseExifTime(dateTimeOriginal)
	if err != nil {
		return ValidationResult{Valid: false, Reason: "unparseable_datetime"}, nil
	}

	if ts.Year() < minValidYear || ts.Year() > maxValidYear {
		return ValidationResult{Valid: false, Reason: "year_out_of_range", Timestamp: ts}, nil
	}

	if ts.After(now.Add(MaxFuture)) {
		return ValidationResult{Valid: false, Reason: "timestamp_in_future", Timestamp: ts}, nil
	}

	if ts.Before(now.Add(-MaxAge)) {
		return ValidationResult{Valid: false, Reason: "timestamp_too_old", Timestamp: ts}, nil
	}

	return ValidationResult{Valid: true, Timestamp: ts}, nil
}

// filenameTimestampPatterns recognizes the common
// YYYYMMDD_HHMMSS / YYYY-MM-DD_HH-MM-SS style stamps some webcams embed
// in their upload filenames, as a fallback source when EXIF is absent.
var filenameTimestampPatterns = []struct {
	re     *regexp.Regexp
	layout string
}{
	{regexp.MustCompile(`(\d{8}_\d{6})`), "20060102_150405"},
	{regexp.MustCompile(`(\d{4}-\d{2}-\d{2}_\d{2}-\d{2}-\d{2})`), "2006-01-02_15-04-05"},
}

// timestampFromFilename attempts to recover a capture time from common
// filename stamping conventions, interpreted in tz.
func timestampFromFilename(filename string, tz *time.Location) (time.Time, bool) {
	for _, p := range filenameTimestampPatterns {
		if m := p.re.FindStringSubmatch(filename); m != nil {
			if ts, err := time.ParseInLocation(p.layout, m[1], tz); err == nil {
				return ts, true
			}
		}
	}
	return time.Time{}, false
}

// EnsureResult is the outcome of ensure_exif.
type EnsureResult struct {
	Wrote     bool
	Timestamp time.Time
	Source    string // "existing_exif" | "filename" | "fallback_timestamp"
}

// EnsureEXIF guarantees path carries a usable DateTimeOriginal. If EXIF
// already has one it is left untouched. Otherwise it tries the filename
// (originalName, e.g. the upload's basename) and finally
// fallbackTimestamp, writing whichever is usable in tz's local time. If
// neither source is usable, it returns an error — the caller must reject
// the frame.
func (t *Tool) EnsureEXIF(path, originalName string, fallbackTimestamp time.Time, tz *time.Location) (EnsureResult, error) {
	read, err := t.Read(path)
	if err != nil {
		return EnsureResult{}, err
	}
	if read.DateTimeOriginal != "" {
		if ts, err := parseExifTime(read.DateTimeOriginal); err == nil {
			return EnsureResult{Wrote: false, Timestamp: ts, Source: "existing_exif"}, nil
		}
	}

	var ts time.Time
	var source string

	if fts, ok := timestampFromFilename(originalName, tz); ok {
		ts, source = fts, "filename"
	} else if !fallbackTimestamp.IsZero() {
		ts, source = fallbackTimestamp.In(tz), "fallback_timestamp"
	} else {
		return EnsureResult{}, fmt.Errorf("ensure_exif: no usable timestamp source for %q", path)
	}

	if err := t.Write(path, formatExifTime(ts), formatOffset(ts)); err != nil {
		return EnsureResult{}, fmt.Errorf("ensure_exif: write failed: %w", err)
	}

	return EnsureResult{Wrote: true, Timestamp: ts, Source: source}, nil
}

// NormalizeToUTC rewrites path's DateTimeOriginal as its UTC-equivalent,
// interpreting the existing value in tz if no offset is already present.
// All downstream components treat capture timestamps as UTC after this.
func (t *Tool) NormalizeToUTC(path string, tz *time.Location) (time.Time, error) {
	read, err := t.Read(path)
	if err != nil {
		return time.Time{}, err
	}
	if read.DateTimeOriginal == "" {
		return time.Time{}, fmt.Errorf("normalize_exif_to_utc: no DateTimeOriginal present")
	}

	local, err := parseExifTime(read.DateTimeOriginal)
	if err != nil {
		return time.Time{}, fmt.Errorf("normalize_exif_to_utc: unparseable DateTimeOriginal: %w", err)
	}

	loc := tz
	if read.OffsetTimeOriginal != "" {
		if off, err := time.Parse("Z07:00", read.OffsetTimeOriginal); err == nil {
			_, offsetSeconds := off.Zone()
			loc = time.FixedZone("", offsetSeconds)
		}
	}

	localized := time.Date(local.Year(), local.Month(), local.Day(),
		local.Hour(), local.Minute(), local.Second(), 0, loc)
	utc := localized.UTC()

	if err := t.Write(path, formatExifTime(utc), "+00:00"); err != nil {
		return time.Time{}, fmt.Errorf("normalize_exif_to_utc: write failed: %w", err)
	}

	return utc, nil
}

func formatOffset(t time.Time) string {
	_, offsetSeconds := t.Zone()
	sign := "+"
	if offsetSeconds < 0 {
		sign = "-"
		offsetSeconds = -offsetSeconds
	}
	return fmt.Sprintf("%s%02d:%02d", sign, offsetSeconds/3600, (offsetSeconds%3600)/60)
}
