// Package store implements the on-disk webcam variant history: the
// hour-bucketed directory layout, atomic promotion of staged variants,
// the current.* alias rotation, variant manifests, and retention
// pruning described for the processing pipeline's output.
package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/aviationwx/hub/internal/logger"
)

const dirMode = 0755

// DefaultHeights and DefaultPrivilegedHeight mirror the variant matrix
// defaults from the data model (§3): {1080,720,360} with 720 privileged.
var DefaultHeights = []int{1080, 720, 360}

const (
	DefaultPrivilegedHeight = 720
	OriginalHeight          = 0 // sentinel: the undownscaled original
)

// Variant names one written rendition: a height (OriginalHeight for the
// original) in one format.
type Variant struct {
	Height int
	Format string // "jpg" | "webp"
}

func (v Variant) sizeLabel() string {
	if v.Height == OriginalHeight {
		return "original"
	}
	return strconv.Itoa(v.Height)
}

func (v Variant) filename(unixTS int64) string {
	return fmt.Sprintf("%d_%s.%s", unixTS, v.sizeLabel(), v.Format)
}

// Manifest records, for one capture timestamp, every variant that was
// written and whether the privileged-height alias was rotated to it.
type Manifest struct {
	Timestamp   int64    `json:"timestamp"`
	Variants    []string `json:"variants"`
	CurrentSet  bool     `json:"current_set"`
	WrittenAtUTC string  `json:"written_at_utc"`
}

// Store manages the on-disk tree for one webcam:
//   webcams/<airport>/<cam>/<YYYYMMDD>/<HH>/<unix>_{original|<height>}.{jpg|webp}
//   webcams/<airport>/<cam>/current.{jpg|webp}
type Store struct {
	root             string // webcams/<airport>/<cam>
	privilegedHeight int
	log              *logger.Logger
}

func New(baseDir, airportID, camID string, privilegedHeight int) *Store {
	if privilegedHeight <= 0 {
		privilegedHeight = DefaultPrivilegedHeight
	}
	return &Store{
		root:             filepath.Join(baseDir, "webcams", airportID, camID),
		privilegedHeight: privilegedHeight,
		log:              logger.Default().With("component", "store", "airport", airportID, "webcam", camID),
	}
}

// bucketDir returns the hour-bucketed directory for a capture time,
// creating it (mode 0755) if absent.
func (s *Store) bucketDir(t time.Time) (string, error) {
	dir := filepath.Join(s.root, t.UTC().Format("20060102"), t.UTC().Format("15"))
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return "", fmt.Errorf("mkdir bucket: %w", err)
	}
	return dir, nil
}

// StageVariant writes data to a per-variant staging name inside the
// capture's bucket directory, returning the staging path. The pipeline
// calls this once per (height, format) before promoting the whole set.
func (s *Store) StageVariant(t time.Time, v Variant, data []byte) (string, error) {
	dir, err := s.bucketDir(t)
	if err != nil {
		return "", err
	}
	final := filepath.Join(dir, v.filename(t.Unix()))
	staging := final + fmt.Sprintf(".staging.%d", os.Getpid())
	if err := os.WriteFile(staging, data, 0644); err != nil {
		return "", fmt.Errorf("write staging: %w", err)
	}
	return staging, nil
}

// PromoteVariant atomically renames a staging file into its canonical
// path. Readers racing the rename either see the old file or the new
// one, never a partial write (spec §4.7 step 6, §5 ordering guarantee).
func (s *Store) PromoteVariant(stagingPath string, t time.Time, v Variant) (string, error) {
	dir, err := s.bucketDir(t)
	if err != nil {
		return "", err
	}
	final := filepath.Join(dir, v.filename(t.Unix()))
	if err := os.Rename(stagingPath, final); err != nil {
		return "", fmt.Errorf("promote variant: %w", err)
	}
	return final, nil
}

// PromoteSet promotes every staged variant for one capture in one pass,
// then — only if all enabled formats at the privileged height are
// present among them — rotates current.{ext} to point at that height.
// Returns the manifest persisted for this timestamp.
func (s *Store) PromoteSet(t time.Time, staged map[Variant]string, enabledFormats []string) (Manifest, error) {
	manifest := Manifest{Timestamp: t.Unix(), WrittenAtUTC: time.Now().UTC().Format(time.RFC3339)}

	finalPaths := make(map[Variant]string, len(staged))
	for v, stagingPath := range staged {
		final, err := s.PromoteVariant(stagingPath, t, v)
		if err != nil {
			s.log.Warn("variant promotion failed", "variant", v.filename(t.Unix()), "error", err)
			continue
		}
		finalPaths[v] = final
		manifest.Variants = append(manifest.Variants, filepath.Base(final))
	}
	sort.Strings(manifest.Variants)

	privilegedComplete := true
	for _, format := range enabledFormats {
		if _, ok := finalPaths[Variant{Height: s.privilegedHeight, Format: format}]; !ok {
			privilegedComplete = false
			break
		}
	}

	if privilegedComplete && len(enabledFormats) > 0 {
		for _, format := range enabledFormats {
			src := finalPaths[Variant{Height: s.privilegedHeight, Format: format}]
			if err := s.rotateCurrent(src, format); err != nil {
				s.log.Warn("current alias rotation failed", "format", format, "error", err)
				continue
			}
		}
		manifest.CurrentSet = true
	}

	if err := s.writeManifest(t, manifest); err != nil {
		s.log.Warn("manifest persist failed", "error", err)
	}

	return manifest, nil
}

// rotateCurrent atomically repoints webcams/<airport>/<cam>/current.<ext>
// at src via a tmp-symlink-then-rename, so current never dangles mid-update.
func (s *Store) rotateCurrent(src, format string) error {
	if err := os.MkdirAll(s.root, dirMode); err != nil {
		return err
	}
	current := filepath.Join(s.root, "current."+format)
	tmp := current + fmt.Sprintf(".tmp.%d", os.Getpid())
	os.Remove(tmp)

	rel, err := filepath.Rel(s.root, src)
	if err != nil {
		rel = src
	}
	if err := os.Symlink(rel, tmp); err != nil {
		return fmt.Errorf("create symlink: %w", err)
	}
	if err := os.Rename(tmp, current); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("rotate current alias: %w", err)
	}
	return nil
}

func (s *Store) manifestPath(t time.Time) (string, error) {
	dir, err := s.bucketDir(t)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, fmt.Sprintf("%d_manifest.json", t.Unix())), nil
}

func (s *Store) writeManifest(t time.Time, manifest Manifest) error {
	path, err := s.manifestPath(t)
	if err != nil {
		return err
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// StagingPathFor100msFallback builds the staging name a reader may fall
// back to checking when the final name isn't visible yet (spec §4.7's
// 100ms race-discipline note): rename is atomic, so a fully-written
// staging file is equivalent to the final artifact.
func (s *Store) StagingPathFor100msFallback(t time.Time, v Variant) string {
	dir := filepath.Join(s.root, t.UTC().Format("20060102"), t.UTC().Format("15"))
	return filepath.Join(dir, v.filename(t.Unix())+fmt.Sprintf(".staging.%d", os.Getpid()))
}

// Quarantine archives a rejected original under
// .../rejections/<timestamp>_rejected[.N].{ext,log}, writing a
// plain-text diagnostic alongside it.
func (s *Store) Quarantine(t time.Time, data []byte, ext string, reason string) error {
	dir := filepath.Join(s.root, "rejections")
	if err := os.MkdirAll(dir, dirMode); err != nil {
		return err
	}
	base := fmt.Sprintf("%d_rejected", t.Unix())
	imgPath := s.nextAvailable(dir, base, "."+ext)
	logPath := imgPath[:len(imgPath)-len(ext)-1] + ".log"

	if err := os.WriteFile(imgPath, data, 0644); err != nil {
		return fmt.Errorf("write rejection artifact: %w", err)
	}
	diagnostic := fmt.Sprintf("timestamp=%d reason=%s recorded_at=%s\n", t.Unix(), reason, time.Now().UTC().Format(time.RFC3339))
	if err := os.WriteFile(logPath, []byte(diagnostic), 0644); err != nil {
		return fmt.Errorf("write rejection log: %w", err)
	}
	return nil
}

func (s *Store) nextAvailable(dir, base, ext string) string {
	candidate := filepath.Join(dir, base+ext)
	if _, err := os.Stat(candidate); os.IsNotExist(err) {
		return candidate
	}
	for n := 1; ; n++ {
		candidate = filepath.Join(dir, fmt.Sprintf("%s.%d%s", base, n, ext))
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}

// Prune removes originals/variants with mtime older than retention,
// walking hour-bucket directories and deleting empty ones behind it.
// Pruning deletes by mtime only and updates no other state (spec §4.8).
func (s *Store) Prune(retention time.Duration) (int, error) {
	cutoff := time.Now().Add(-retention)
	removed := 0

	dayDirs, err := os.ReadDir(s.root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	for _, dayEntry := range dayDirs {
		if !dayEntry.IsDir() || dayEntry.Name() == "rejections" {
			continue
		}
		dayPath := filepath.Join(s.root, dayEntry.Name())
		hourDirs, err := os.ReadDir(dayPath)
		if err != nil {
			continue
		}
		for _, hourEntry := range hourDirs {
			if !hourEntry.IsDir() {
				continue
			}
			hourPath := filepath.Join(dayPath, hourEntry.Name())
			n, err := s.pruneHourDir(hourPath, cutoff)
			removed += n
			if err != nil {
				s.log.Warn("prune hour dir failed", "dir", hourPath, "error", err)
			}
		}
		s.removeIfEmpty(dayPath)
	}

	return removed, nil
}

func (s *Store) pruneHourDir(dir string, cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.Remove(filepath.Join(dir, entry.Name())); err == nil {
				removed++
			}
		}
	}
	s.removeIfEmpty(dir)
	return removed, nil
}

func (s *Store) removeIfEmpty(dir string) {
	entries, err := os.ReadDir(dir)
	if err == nil && len(entries) == 0 {
		os.Remove(dir)
	}
}
