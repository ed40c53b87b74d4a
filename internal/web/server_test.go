package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/aviationwx/hub/internal/config"
	"github.com/aviationwx/hub/internal/logger"
	"github.com/aviationwx/hub/internal/scheduler"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()

	dataDir := t.TempDir()
	stagingDir := t.TempDir()

	root := config.Root{
		Airports: map[string]config.Airport{
			"ksea": {
				Name: "Seattle Test", ICAO: "KSEA",
				Webcams: []config.Webcam{
					{Name: "cam1", URL: "http://example.invalid/frame.jpg", Type: config.WebcamStaticJPEG},
				},
			},
		},
	}
	cfgPath := filepath.Join(t.TempDir(), "airports.json")
	data, err := json.Marshal(root)
	if err != nil {
		t.Fatalf("marshal config: %v", err)
	}
	if err := os.WriteFile(cfgPath, data, 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	svc, err := config.NewService(cfgPath)
	if err != nil {
		t.Fatalf("new config service: %v", err)
	}
	t.Cleanup(func() { svc.Close() })

	d, err := scheduler.NewDaemon(scheduler.Config{
		ConfigService:    svc,
		DataDir:          dataDir,
		StagingDir:       stagingDir,
		LockFilePath:     filepath.Join(t.TempDir(), "hubd.lock"),
		BackoffStorePath: filepath.Join(t.TempDir(), "backoff.json"),
	})
	if err != nil {
		t.Fatalf("new daemon: %v", err)
	}

	s := NewServer(Config{DataDir: dataDir, Daemon: d})
	return s, dataDir
}

func TestHealthz_ReturnsJSONStatus(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var got map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if got["airports_total"].(float64) != 1 {
		t.Fatalf("expected airports_total=1, got %v", got["airports_total"])
	}
}

func TestStatus_ListsConfiguredEntries(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var got struct {
		Items []struct {
			Airport string `json:"airport"`
			Role    string `json:"role"`
			Tier    string `json:"tier"`
		} `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if len(got.Items) != 1 {
		t.Fatalf("expected 1 status item, got %d", len(got.Items))
	}
	if got.Items[0].Tier != "down" {
		t.Fatalf("expected a never-polled source to classify as down, got %q", got.Items[0].Tier)
	}
}

func TestWebcamFile_ServesCurrentWithIntegrityHeaders(t *testing.T) {
	s, dataDir := newTestServer(t)

	camDir := filepath.Join(dataDir, "webcams", "ksea", "cam0")
	if err := os.MkdirAll(camDir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(camDir, "current.jpg"), []byte("frame-bytes"), 0644); err != nil {
		t.Fatalf("write current.jpg: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/webcams/ksea/cam0/current.jpg", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec.Header().Get("ETag") == "" {
		t.Fatal("expected an ETag header")
	}
	if rec.Header().Get("Content-Digest") == "" {
		t.Fatal("expected a Content-Digest header")
	}
}

func TestWebcamFile_ConditionalGetReturns304(t *testing.T) {
	s, dataDir := newTestServer(t)

	camDir := filepath.Join(dataDir, "webcams", "ksea", "cam0")
	os.MkdirAll(camDir, 0755)
	os.WriteFile(filepath.Join(camDir, "current.jpg"), []byte("frame-bytes"), 0644)

	req1 := httptest.NewRequest(http.MethodGet, "/webcams/ksea/cam0/current.jpg", nil)
	rec1 := httptest.NewRecorder()
	s.Router().ServeHTTP(rec1, req1)
	etag := rec1.Header().Get("ETag")

	req2 := httptest.NewRequest(http.MethodGet, "/webcams/ksea/cam0/current.jpg", nil)
	req2.Header.Set("If-None-Match", etag)
	rec2 := httptest.NewRecorder()
	s.Router().ServeHTTP(rec2, req2)

	if rec2.Code != http.StatusNotModified {
		t.Fatalf("expected 304, got %d", rec2.Code)
	}
}

func TestWebcamFile_MissingFileReturns404(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/webcams/ksea/cam0/current.jpg", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestLogs_ReturnsRecentEntries(t *testing.T) {
	s, _ := newTestServer(t)

	logger.Default().Info("probe for TestLogs_ReturnsRecentEntries")

	req := httptest.NewRequest(http.MethodGet, "/logs?n=5", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	var got struct {
		Count int `json:"count"`
		Logs  []struct {
			Message string `json:"Message"`
		} `json:"logs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &got); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if got.Count == 0 {
		t.Fatal("expected at least one recent log entry")
	}
	found := false
	for _, e := range got.Logs {
		if e.Message == "probe for TestLogs_ReturnsRecentEntries" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected the probe log entry among recent logs, got %+v", got.Logs)
	}
}

func TestWebcamFile_ServesStagingFallbackDuringPromotionRace(t *testing.T) {
	s, dataDir := newTestServer(t)

	camDir := filepath.Join(dataDir, "webcams", "ksea", "cam0")
	if err := os.MkdirAll(camDir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	// No current.jpg yet — only the staging file store.StageVariant would
	// have written just before PromoteVariant's rename becomes visible.
	stagingPath := filepath.Join(camDir, fmt.Sprintf("current.jpg.staging.%d", os.Getpid()))
	if err := os.WriteFile(stagingPath, []byte("racing-frame"), 0644); err != nil {
		t.Fatalf("write staging file: %v", err)
	}

	req := httptest.NewRequest(http.MethodGet, "/webcams/ksea/cam0/current.jpg", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 from staging fallback, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "racing-frame" {
		t.Fatalf("expected staging file contents, got %q", rec.Body.String())
	}
}

func TestWebcamFile_RejectsPathEscape(t *testing.T) {
	s, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/webcams/ksea/cam0/..%2f..%2f..%2fetc%2fpasswd", nil)
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)

	if rec.Code == http.StatusOK {
		t.Fatal("expected path escape to be rejected")
	}
}
