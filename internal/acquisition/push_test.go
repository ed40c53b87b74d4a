package acquisition

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func encodePushJPEG(w, h int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	seed := uint32(12345)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			seed = seed*1664525 + 1013904223
			v := uint8(seed >> 24)
			img.Set(x, y, color.RGBA{v, v ^ 0x3C, v ^ 0x5A, 0xFF})
		}
	}
	var buf bytes.Buffer
	jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90})
	return buf.Bytes()
}

func TestSelectCandidates_RejectsTooYoung(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "20260729_120000.jpg")
	os.WriteFile(path, encodePushJPEG(200, 200), 0644)

	ing := NewPushIngester(PushConfig{ID: "cam1", Directory: dir, StagingDir: t.TempDir()}, nil)
	candidates, _ := ing.selectCandidates()
	if len(candidates) != 0 {
		t.Fatalf("expected freshly-written file to be rejected as too young, got %d candidates", len(candidates))
	}
}

func TestSelectCandidates_DeletesAbandonedFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "old.jpg")
	os.WriteFile(path, encodePushJPEG(200, 200), 0644)
	old := time.Now().Add(-3 * time.Hour)
	os.Chtimes(path, old, old)

	ing := NewPushIngester(PushConfig{ID: "cam1", Directory: dir, StagingDir: t.TempDir(), MaxFileAge: time.Hour}, nil)
	candidates, _ := ing.selectCandidates()
	if len(candidates) != 0 {
		t.Fatalf("expected abandoned file to be excluded, got %d candidates", len(candidates))
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected abandoned file to be deleted")
	}
}

func TestSelectCandidates_OrdersNewestFirst(t *testing.T) {
	dir := t.TempDir()
	older := filepath.Join(dir, "a.jpg")
	newer := filepath.Join(dir, "b.jpg")
	os.WriteFile(older, encodePushJPEG(200, 200), 0644)
	os.WriteFile(newer, encodePushJPEG(200, 200), 0644)

	past := time.Now().Add(-10 * time.Second)
	pastOlder := past.Add(-5 * time.Second)
	os.Chtimes(newer, past, past)
	os.Chtimes(older, pastOlder, pastOlder)

	ing := NewPushIngester(PushConfig{ID: "cam1", Directory: dir, StagingDir: t.TempDir()}, nil)
	candidates, _ := ing.selectCandidates()
	if len(candidates) != 2 {
		t.Fatalf("expected 2 candidates, got %d", len(candidates))
	}
	if candidates[0].path != newer {
		t.Fatalf("expected newest file first, got %s", candidates[0].path)
	}
}

func TestStabilityHistory_DefaultsBeforeEnoughSamples(t *testing.T) {
	h := &StabilityHistory{}
	if got := h.RequiredChecks(500 * time.Millisecond); got != defaultStableChecks {
		t.Fatalf("expected default %d checks, got %d", defaultStableChecks, got)
	}
}

func TestStabilityHistory_ClampsToRange(t *testing.T) {
	h := &StabilityHistory{}
	for i := 0; i < 10; i++ {
		h.Record(100 * time.Second) // absurdly long to push past the max clamp
	}
	got := h.RequiredChecks(500 * time.Millisecond)
	if got != maxStableChecks {
		t.Fatalf("expected clamp to max %d, got %d", maxStableChecks, got)
	}
}

func TestAcquireOne_NoCandidates_SkipsCleanly(t *testing.T) {
	dir := t.TempDir()
	ing := NewPushIngester(PushConfig{ID: "cam1", Directory: dir, StagingDir: t.TempDir()}, nil)
	res := ing.Acquire(context.Background())
	if res.Outcome != OutcomeSkip || res.SkipReason != "no_new_files" {
		t.Fatalf("expected skip(no_new_files), got %+v", res)
	}
}

func TestAcquireOne_PromotesStableValidFrame(t *testing.T) {
	dir := t.TempDir()
	staging := t.TempDir()
	path := filepath.Join(dir, "frame.jpg")
	os.WriteFile(path, encodePushJPEG(200, 200), 0644)
	old := time.Now().Add(-10 * time.Second)
	os.Chtimes(path, old, old)

	ing := NewPushIngester(PushConfig{
		ID:                     "cam1",
		Directory:              dir,
		StagingDir:             staging,
		StabilityCheckInterval: 10 * time.Millisecond,
		StabilityCheckTimeout:  200 * time.Millisecond,
	}, nil)

	res := ing.Acquire(context.Background())
	if res.Outcome != OutcomeSuccess {
		t.Fatalf("expected success, got %+v", res)
	}
	if _, err := os.Stat(res.StagingPath); err != nil {
		t.Fatalf("expected staged file to exist: %v", err)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected source file to be promoted (removed from landing dir)")
	}
}

func TestAcquireOne_RejectsUndersizedGarbage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "garbage.jpg")
	os.WriteFile(path, []byte("not an image"), 0644)
	old := time.Now().Add(-10 * time.Second)
	os.Chtimes(path, old, old)

	ing := NewPushIngester(PushConfig{
		ID:                     "cam1",
		Directory:              dir,
		StagingDir:             t.TempDir(),
		StabilityCheckInterval: 10 * time.Millisecond,
		StabilityCheckTimeout:  100 * time.Millisecond,
	}, nil)

	res := ing.Acquire(context.Background())
	if res.Outcome != OutcomeFailure {
		t.Fatalf("expected failure for non-image content, got %+v", res)
	}
}

type fakeRejector struct {
	calls []rejectCall
}

type rejectCall struct {
	data   []byte
	reason string
}

func (f *fakeRejector) Reject(data []byte, t time.Time, reason string) {
	f.calls = append(f.calls, rejectCall{data: append([]byte(nil), data...), reason: reason})
}

func TestAcquireOne_FormatMismatch_RoutesThroughRejector(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "garbage.jpg")
	os.WriteFile(path, bytes.Repeat([]byte("not an image, just padding to clear the size floor. "), 4), 0644)
	old := time.Now().Add(-10 * time.Second)
	os.Chtimes(path, old, old)

	rej := &fakeRejector{}
	ing := NewPushIngester(PushConfig{
		ID:                     "cam1",
		Directory:              dir,
		StagingDir:             t.TempDir(),
		StabilityCheckInterval: 10 * time.Millisecond,
		StabilityCheckTimeout:  100 * time.Millisecond,
		Reject:                 rej,
	}, nil)

	res := ing.Acquire(context.Background())
	if res.Outcome != OutcomeFailure {
		t.Fatalf("expected failure, got %+v", res)
	}
	if len(rej.calls) != 1 {
		t.Fatalf("expected exactly one Reject call (rejection log/metric), got %d", len(rej.calls))
	}
	if rej.calls[0].reason != "format_signature_mismatch" {
		t.Fatalf("expected reason format_signature_mismatch, got %q", rej.calls[0].reason)
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("expected rejected candidate to be removed from the landing directory")
	}
}

// TestAcquireOne_TimestampDrift_RoutesThroughRejector exercises the S5
// scenario (push timestamp_drift reject -> rejection log written, reject
// metric incremented) at the plumbing level: reject's routing through
// the configured Rejector is what store.Quarantine/pipeline.Stats hang
// off of, independent of whether a real exiftool binary is present to
// drive the EXIF-reading half of the drift check.
func TestAcquireOne_TimestampDrift_RoutesThroughRejector(t *testing.T) {
	rej := &fakeRejector{}
	ing := NewPushIngester(PushConfig{ID: "cam1", Directory: t.TempDir(), StagingDir: t.TempDir(), Reject: rej}, nil)

	cand := candidateFile{path: filepath.Join(t.TempDir(), "frame.jpg"), name: "frame.jpg", mtime: time.Now()}
	os.WriteFile(cand.path, encodePushJPEG(50, 50), 0644)

	res := ing.reject(encodePushJPEG(50, 50), cand, "content_invalid", "timestamp_drift")
	if res.Outcome != OutcomeFailure || res.FailureReason != "content_invalid" {
		t.Fatalf("expected content_invalid failure, got %+v", res)
	}
	if len(rej.calls) != 1 || rej.calls[0].reason != "timestamp_drift" {
		t.Fatalf("expected one Reject call with reason timestamp_drift, got %+v", rej.calls)
	}
	if _, err := os.Stat(cand.path); !os.IsNotExist(err) {
		t.Fatalf("expected candidate removed from landing dir after quarantine")
	}
}

func TestPromote_MovesFileIntoDestinationDir(t *testing.T) {
	srcDir := t.TempDir()
	dstDir := t.TempDir()
	src := filepath.Join(srcDir, "a.jpg")
	dst := filepath.Join(dstDir, "b.jpg")
	os.WriteFile(src, []byte("data"), 0644)

	if err := promote(src, dst); err != nil {
		t.Fatalf("promote failed: %v", err)
	}
	if _, err := os.Stat(dst); err != nil {
		t.Fatalf("expected destination to exist: %v", err)
	}
	if _, err := os.Stat(src); !os.IsNotExist(err) {
		t.Fatalf("expected source to be removed after promotion")
	}
}
