package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeTestConfig(t *testing.T, dir string) string {
	t.Helper()
	path := filepath.Join(dir, "airports.json")
	root := Root{
		Airports: map[string]Airport{
			"kpdx": {Name: "Portland Intl", ICAO: "KPDX", Lat: 45.59, Lon: -122.6},
		},
	}
	data, err := json.Marshal(root)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatalf("write: %v", err)
	}
	return path
}

func TestNewService_LoadsConfig(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir)

	svc, err := NewService(path)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	defer svc.Close()

	root := svc.Get()
	if len(root.Airports) != 1 {
		t.Fatalf("expected 1 airport, got %d", len(root.Airports))
	}
	a, ok := svc.Airport("kpdx")
	if !ok || a.ICAO != "KPDX" {
		t.Fatalf("expected KPDX airport, got %+v ok=%v", a, ok)
	}
}

func TestService_Save_IsAtomicAndVisible(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir)

	svc, err := NewService(path)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	defer svc.Close()

	updated := svc.Get()
	a := updated.Airports["kpdx"]
	a.Name = "Portland International Airport"
	updated.Airports["kpdx"] = a

	if err := svc.Save(updated); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, _ := svc.Airport("kpdx")
	if got.Name != "Portland International Airport" {
		t.Errorf("expected updated name, got %q", got.Name)
	}

	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("expected .tmp file to be renamed away")
	}
}

func TestService_ReloadsOnExternalWrite(t *testing.T) {
	dir := t.TempDir()
	path := writeTestConfig(t, dir)

	svc, err := NewService(path)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	defer svc.Close()

	reloaded := make(chan Event, 1)
	svc.Subscribe(func(e Event) { reloaded <- e })

	root := Root{Airports: map[string]Airport{
		"kpdx": {Name: "Portland Intl", ICAO: "KPDX", Lat: 45.59, Lon: -122.6},
		"khio": {Name: "Hillsboro", ICAO: "KHIO", Lat: 45.54, Lon: -122.95},
	}}
	data, _ := json.Marshal(root)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		t.Fatalf("write tmp: %v", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		t.Fatalf("rename: %v", err)
	}

	select {
	case <-reloaded:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for reload notification")
	}

	got := svc.Get()
	if len(got.Airports) != 2 {
		t.Errorf("expected 2 airports after external reload, got %d", len(got.Airports))
	}
}
