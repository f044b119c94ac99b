package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/msageha/pipelinecore/internal/model"
)

func TestLoad_MissingFieldsKeepDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	content := "schema_version: 1\nfile_type: config\ndata_dir: /var/pipelinecore\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DataDir != "/var/pipelinecore" {
		t.Fatalf("DataDir = %q, want override", cfg.DataDir)
	}
	if cfg.Queue.LeaseTTLSec != model.DefaultConfig().Queue.LeaseTTLSec {
		t.Fatalf("Queue.LeaseTTLSec = %d, want default preserved", cfg.Queue.LeaseTTLSec)
	}
}

func TestLoad_RejectsMissingFileType(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	if err := os.WriteFile(path, []byte("schema_version: 1\ndata_dir: /tmp\n"), 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing file_type header")
	}
}

func TestLoad_RejectsUnsupportedSchemaVersion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	if err := os.WriteFile(path, []byte("schema_version: 99\nfile_type: config\n"), 0644); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatal("expected error for unsupported schema_version")
	}
}

func TestSaveThenLoad_RoundTrips(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	cfg := model.DefaultConfig()
	cfg.HTTP.ListenAddr = ":9090"

	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.HTTP.ListenAddr != ":9090" {
		t.Fatalf("HTTP.ListenAddr = %q, want :9090", got.HTTP.ListenAddr)
	}
}

func TestSave_CreatesBackupOnOverwrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, FileName)
	cfg := model.DefaultConfig()

	if err := Save(path, cfg); err != nil {
		t.Fatalf("first save: %v", err)
	}
	cfg.HTTP.ListenAddr = ":7070"
	if err := Save(path, cfg); err != nil {
		t.Fatalf("second save: %v", err)
	}
	if _, err := os.Stat(path + ".bak"); err != nil {
		t.Fatalf("expected .bak file after overwrite: %v", err)
	}
}
