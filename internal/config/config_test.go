package config

import (
	"log"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLoad_LegacyFormat(t *testing.T) {
	content := `
server:
  port: 9000
data:
  xfdl_path: "/data/legacy/base.xfdl"
cache:
  slice_size_mb: 256
`
	cfg := loadFromString(t, content)

	if cfg.Server.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Server.Port)
	}
	if cfg.Cache.SliceSizeMB != 256 {
		t.Errorf("expected slice cache 256, got %d", cfg.Cache.SliceSizeMB)
	}
	if cfg.Data.DefaultDataset != "default" {
		t.Errorf("expected default dataset 'default', got %q", cfg.Data.DefaultDataset)
	}
	ds, ok := cfg.Data.Datasets["default"]
	if !ok {
		t.Fatal("expected 'default' dataset")
	}
	if ds.XFDLPath != "/data/legacy/base.xfdl" {
		t.Errorf("unexpected xfdl_path: %s", ds.XFDLPath)
	}
}

func TestLoad_MultiDatasetFormat(t *testing.T) {
	content := `
server:
  port: 8080
data:
  ocean:
    xfdl_path: "/data/ocean/base.xfdl"
    amr_divisions: 2
  plume:
    xfdl_path: "/data/plume/base.xfdl"
`
	cfg := loadFromString(t, content)

	if len(cfg.Data.Datasets) != 2 {
		t.Fatalf("expected 2 datasets, got %d", len(cfg.Data.Datasets))
	}

	// First dataset in YAML order should be default
	if cfg.Data.DefaultDataset != "ocean" {
		t.Errorf("expected default dataset 'ocean', got %q", cfg.Data.DefaultDataset)
	}
	if cfg.Data.Datasets["plume"].XFDLPath != "/data/plume/base.xfdl" {
		t.Errorf("unexpected plume xfdl_path: %s", cfg.Data.Datasets["plume"].XFDLPath)
	}

	ids := cfg.Data.DatasetIDs()
	if len(ids) != 2 || ids[0] != "ocean" || ids[1] != "plume" {
		t.Errorf("unexpected dataset order: %v", ids)
	}

	if got := cfg.Divisions("ocean"); got != 2 {
		t.Errorf("expected ocean divisions 2, got %d", got)
	}
	if got := cfg.Divisions("plume"); got != 3 {
		t.Errorf("expected plume divisions 3, got %d", got)
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	content := `
server:
  port: 0
granite:
  class_path: "/opt/granite/granite.jar"
  java_args: "-Xmx2g -Xss4m"
data:
  test:
    xfdl_path: "/test/base.xfdl"
`
	cfg := loadFromString(t, content)

	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Cache.SliceSizeMB != 512 {
		t.Errorf("expected default cache size 512, got %d", cfg.Cache.SliceSizeMB)
	}
	if cfg.Granite.AMRDivisions != 3 {
		t.Errorf("expected default amr divisions 3, got %d", cfg.Granite.AMRDivisions)
	}
	if cfg.Granite.Bridge != "native" {
		t.Errorf("expected native bridge, got %q", cfg.Granite.Bridge)
	}
	if cfg.Granite.JavaArgs != "-Xmx2g -Xss4m" {
		t.Errorf("unexpected java_args %q", cfg.Granite.JavaArgs)
	}
	if cfg.Render.DefaultColormap != "viridis" {
		t.Errorf("expected default colormap viridis, got %q", cfg.Render.DefaultColormap)
	}
	if cfg.Export.Workers != 1 {
		t.Errorf("expected one export worker, got %d", cfg.Export.Workers)
	}
}

func TestLoad_NoDataSection(t *testing.T) {
	content := `
server:
  port: 8080
`
	cfg := loadFromString(t, content)

	if cfg.Data.DefaultDataset != "default" {
		t.Errorf("expected default dataset, got %q", cfg.Data.DefaultDataset)
	}
	if len(cfg.Data.Datasets) != 1 {
		t.Errorf("expected 1 default dataset, got %d", len(cfg.Data.Datasets))
	}
}

func TestLoad_MissingFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != 8080 || cfg.Data.DefaultDataset != "default" {
		t.Errorf("expected defaults, got %+v", cfg.Server)
	}
}

func TestLoad_BadData(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("data: [1, 2]\n"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for sequence data section")
	}
}

func TestSetLogger(t *testing.T) {
	defer log.SetOutput(os.Stderr)

	var none *LogConfig
	if c := none.SetLogger(); c != nil {
		t.Fatal("expected nil closer without config")
	}

	path := filepath.Join(t.TempDir(), "server.log")
	c := (&LogConfig{Logfile: path, MaxSize: 1, MaxAge: 1}).SetLogger()
	if c == nil {
		t.Fatal("expected closer")
	}
	log.Printf("[Test] hello")
	log.SetOutput(os.Stderr)
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), "[Test] hello") {
		t.Errorf("log file missing message: %q", data)
	}
}

func loadFromString(t *testing.T, content string) *Config {
	t.Helper()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}
	return cfg
}
