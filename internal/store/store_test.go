package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStageAndPromoteVariant_CreatesCanonicalPath(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, "ksea", "cam1", 720)
	ts := time.Date(2026, 7, 29, 14, 30, 0, 0, time.UTC)

	staging, err := s.StageVariant(ts, Variant{Height: 720, Format: "jpg"}, []byte("fake-jpeg"))
	if err != nil {
		t.Fatalf("StageVariant failed: %v", err)
	}
	if _, err := os.Stat(staging); err != nil {
		t.Fatalf("expected staging file to exist: %v", err)
	}

	final, err := s.PromoteVariant(staging, ts, Variant{Height: 720, Format: "jpg"})
	if err != nil {
		t.Fatalf("PromoteVariant failed: %v", err)
	}
	if _, err := os.Stat(final); err != nil {
		t.Fatalf("expected promoted file to exist: %v", err)
	}
	if _, err := os.Stat(staging); !os.IsNotExist(err) {
		t.Fatalf("expected staging file to be gone after rename")
	}

	wantDir := filepath.Join(dir, "webcams", "ksea", "cam1", "20260729", "14")
	if filepath.Dir(final) != wantDir {
		t.Fatalf("expected bucket dir %q, got %q", wantDir, filepath.Dir(final))
	}
}

func TestPromoteSet_RotatesCurrentOnlyWhenPrivilegedHeightComplete(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, "ksea", "cam1", 720)
	ts := time.Date(2026, 7, 29, 14, 30, 0, 0, time.UTC)

	jpgStaging, _ := s.StageVariant(ts, Variant{Height: 720, Format: "jpg"}, []byte("jpg-data"))
	webpStaging, _ := s.StageVariant(ts, Variant{Height: 720, Format: "webp"}, []byte("webp-data"))

	staged := map[Variant]string{
		{Height: 720, Format: "jpg"}:  jpgStaging,
		{Height: 720, Format: "webp"}: webpStaging,
	}

	manifest, err := s.PromoteSet(ts, staged, []string{"jpg", "webp"})
	if err != nil {
		t.Fatalf("PromoteSet failed: %v", err)
	}
	if !manifest.CurrentSet {
		t.Fatal("expected current alias to be rotated when all enabled formats at privileged height are present")
	}

	currentJPG := filepath.Join(dir, "webcams", "ksea", "cam1", "current.jpg")
	if _, err := os.Lstat(currentJPG); err != nil {
		t.Fatalf("expected current.jpg symlink to exist: %v", err)
	}
}

func TestPromoteSet_DoesNotRotateCurrentWhenIncomplete(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, "ksea", "cam1", 720)
	ts := time.Date(2026, 7, 29, 14, 30, 0, 0, time.UTC)

	jpgStaging, _ := s.StageVariant(ts, Variant{Height: 720, Format: "jpg"}, []byte("jpg-data"))
	staged := map[Variant]string{
		{Height: 720, Format: "jpg"}: jpgStaging,
	}

	manifest, err := s.PromoteSet(ts, staged, []string{"jpg", "webp"})
	if err != nil {
		t.Fatalf("PromoteSet failed: %v", err)
	}
	if manifest.CurrentSet {
		t.Fatal("expected current alias NOT to rotate when webp at privileged height is missing")
	}

	currentJPG := filepath.Join(dir, "webcams", "ksea", "cam1", "current.jpg")
	if _, err := os.Lstat(currentJPG); !os.IsNotExist(err) {
		t.Fatal("expected current.jpg to not exist when the set is incomplete")
	}
}

func TestQuarantine_WritesArtifactAndDiagnosticLog(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, "ksea", "cam1", 720)
	ts := time.Date(2026, 7, 29, 14, 30, 0, 0, time.UTC)

	if err := s.Quarantine(ts, []byte("bad-image"), "jpg", "too_small"); err != nil {
		t.Fatalf("Quarantine failed: %v", err)
	}

	rejDir := filepath.Join(dir, "webcams", "ksea", "cam1", "rejections")
	entries, err := os.ReadDir(rejDir)
	if err != nil {
		t.Fatalf("expected rejections dir: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 files (image + log), got %d", len(entries))
	}
}

func TestQuarantine_DisambiguatesRepeatedRejections(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, "ksea", "cam1", 720)
	ts := time.Date(2026, 7, 29, 14, 30, 0, 0, time.UTC)

	if err := s.Quarantine(ts, []byte("bad-1"), "jpg", "too_small"); err != nil {
		t.Fatalf("first Quarantine failed: %v", err)
	}
	if err := s.Quarantine(ts, []byte("bad-2"), "jpg", "too_small"); err != nil {
		t.Fatalf("second Quarantine failed: %v", err)
	}

	rejDir := filepath.Join(dir, "webcams", "ksea", "cam1", "rejections")
	entries, err := os.ReadDir(rejDir)
	if err != nil {
		t.Fatalf("expected rejections dir: %v", err)
	}
	if len(entries) != 4 {
		t.Fatalf("expected 4 files across two rejections, got %d", len(entries))
	}
}

func TestPrune_RemovesOldFilesByMTime(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, "ksea", "cam1", 720)

	oldTS := time.Now().Add(-48 * time.Hour)
	newTS := time.Now().Add(-1 * time.Hour)

	oldStaging, _ := s.StageVariant(oldTS, Variant{Height: 720, Format: "jpg"}, []byte("old"))
	oldFinal, _ := s.PromoteVariant(oldStaging, oldTS, Variant{Height: 720, Format: "jpg"})
	os.Chtimes(oldFinal, oldTS, oldTS)

	newStaging, _ := s.StageVariant(newTS, Variant{Height: 720, Format: "jpg"}, []byte("new"))
	newFinal, _ := s.PromoteVariant(newStaging, newTS, Variant{Height: 720, Format: "jpg"})
	os.Chtimes(newFinal, newTS, newTS)

	removed, err := s.Prune(24 * time.Hour)
	if err != nil {
		t.Fatalf("Prune failed: %v", err)
	}
	if removed < 1 {
		t.Fatalf("expected at least 1 file removed, got %d", removed)
	}
	if _, err := os.Stat(oldFinal); !os.IsNotExist(err) {
		t.Fatal("expected old file to be pruned")
	}
	if _, err := os.Stat(newFinal); err != nil {
		t.Fatal("expected new file to survive pruning")
	}
}

func TestPrune_NoOpOnMissingDirectory(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, "ksea", "nonexistent-cam", 720)
	removed, err := s.Prune(time.Hour)
	if err != nil {
		t.Fatalf("expected no error for missing store root, got %v", err)
	}
	if removed != 0 {
		t.Fatalf("expected 0 removed, got %d", removed)
	}
}

func TestVariant_FilenameUsesOriginalLabelForZeroHeight(t *testing.T) {
	v := Variant{Height: OriginalHeight, Format: "jpg"}
	got := v.filename(1700000000)
	want := "1700000000_original.jpg"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}
