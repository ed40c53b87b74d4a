package pipeline

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aviationwx/hub/internal/quality"
	"github.com/aviationwx/hub/internal/store"
)

func noisyPipelineJPEG(w, h int) []byte {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	seed := uint32(777)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			seed = seed*1664525 + 1013904223
			v := uint8(seed >> 24)
			img.Set(x, y, color.RGBA{v, v ^ 0x77, v ^ 0x22, 0xFF})
		}
	}
	var buf bytes.Buffer
	jpeg.Encode(&buf, img, &jpeg.Options{Quality: 90})
	return buf.Bytes()
}

func TestRun_RejectsTooSmallImage(t *testing.T) {
	staging := t.TempDir()
	storeDir := t.TempDir()

	path := filepath.Join(staging, "frame.jpg")
	os.WriteFile(path, noisyPipelineJPEG(50, 50), 0644)

	p := New(Config{
		AirportID:  "ksea",
		WebcamID:   "cam1",
		StagingDir: staging,
		Store:      store.New(storeDir, "ksea", "cam1", 720),
		Location:   quality.Location{Lat: 47.45, Lon: -122.3},
	})

	err := p.Run(path, time.Now())
	if err == nil {
		t.Fatal("expected error for undersized image")
	}
	if p.Stats().Rejected != 1 {
		t.Fatalf("expected 1 rejection recorded, got %d", p.Stats().Rejected)
	}
}

func TestRun_RejectsUndecodableData(t *testing.T) {
	staging := t.TempDir()
	storeDir := t.TempDir()

	path := filepath.Join(staging, "garbage.jpg")
	os.WriteFile(path, []byte("not an image at all"), 0644)

	p := New(Config{
		AirportID:  "ksea",
		WebcamID:   "cam1",
		StagingDir: staging,
		Store:      store.New(storeDir, "ksea", "cam1", 720),
		Location:   quality.Location{Lat: 47.45, Lon: -122.3},
	})

	err := p.Run(path, time.Now())
	if err == nil {
		t.Fatal("expected error for undecodable data")
	}
}

func TestRun_RemovesStagingFileRegardlessOfOutcome(t *testing.T) {
	staging := t.TempDir()
	storeDir := t.TempDir()

	path := filepath.Join(staging, "garbage.jpg")
	os.WriteFile(path, []byte("not an image"), 0644)

	p := New(Config{
		AirportID:  "ksea",
		WebcamID:   "cam1",
		StagingDir: staging,
		Store:      store.New(storeDir, "ksea", "cam1", 720),
		Location:   quality.Location{Lat: 47.45, Lon: -122.3},
	})

	p.Run(path, time.Now())
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatal("expected staging file to be removed after Run, even on failure")
	}
}

func TestCleanupOrphanStaging_LeavesOwnPIDFilesAlone(t *testing.T) {
	staging := t.TempDir()
	storeDir := t.TempDir()

	p := New(Config{
		AirportID:  "ksea",
		WebcamID:   "cam1",
		StagingDir: staging,
		Store:      store.New(storeDir, "ksea", "cam1", 720),
	})

	ownFile := filepath.Join(staging, fmt.Sprintf("frame.jpg.staging.%d", os.Getpid()))
	os.WriteFile(ownFile, []byte("x"), 0644)
	old := time.Now().Add(-2 * time.Hour)
	os.Chtimes(ownFile, old, old)

	p.cleanupOrphanStaging()

	if _, err := os.Stat(ownFile); err != nil {
		t.Fatal("expected own-PID staging file to survive cleanup even if old")
	}
}

func TestCleanupOrphanStaging_RemovesOldForeignPIDFiles(t *testing.T) {
	staging := t.TempDir()
	storeDir := t.TempDir()

	p := New(Config{
		AirportID:  "ksea",
		WebcamID:   "cam1",
		StagingDir: staging,
		Store:      store.New(storeDir, "ksea", "cam1", 720),
	})

	foreign := filepath.Join(staging, "frame.jpg.staging.999999999")
	os.WriteFile(foreign, []byte("x"), 0644)
	old := time.Now().Add(-2 * time.Hour)
	os.Chtimes(foreign, old, old)

	p.cleanupOrphanStaging()

	if _, err := os.Stat(foreign); !os.IsNotExist(err) {
		t.Fatal("expected old foreign-PID staging file to be removed")
	}
}

func TestHeightArg_ScalesProportionallyAndEvenly(t *testing.T) {
	got := heightArg(360, 1920, 1080)
	want := "640:360"
	if got != want {
		t.Fatalf("expected %q, got %q", want, got)
	}
}
