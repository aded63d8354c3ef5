package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadMergesFileAndEnvironment(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	path := filepath.Join(t.TempDir(), "config.yaml")
	yaml := "queue:\n  name: curation\nstorage:\n  max_files: 7\n  minio:\n    endpoint: minio:9000\n"
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}
	viper.SetConfigFile(path)
	viper.SetEnvPrefix("CURATOR")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()
	t.Setenv("CURATOR_OCCURRENCES_PAGE_SIZE", "50")
	t.Setenv("CURATOR_QUEUE_SHUTDOWN_GRACE", "90s")

	cfg := Load()

	if cfg.Queue.Name != "curation" || cfg.Storage.MaxFiles != 7 || cfg.Storage.Minio.Endpoint != "minio:9000" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Occurrences.PageSize != 50 {
		t.Fatalf("env override ignored: page size %d", cfg.Occurrences.PageSize)
	}
	if cfg.Queue.ShutdownGrace != 90*time.Second {
		t.Fatalf("shutdown grace = %s", cfg.Queue.ShutdownGrace)
	}
	if cfg.Occurrences.ChunkSize != 500 || cfg.Server.Port != "5000" || cfg.INat.PerPage != 200 {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
}

func TestValidateConfig(t *testing.T) {
	cfg := Config{
		Database:    DatabaseConfig{Path: "db"},
		Queue:       QueueConfig{Name: "q"},
		Storage:     StorageConfig{DataDir: "files"},
		Occurrences: OccurrencesConfig{ChunkSize: 1, PageSize: 1},
	}
	if err := validateConfig(&cfg); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	cfg.Occurrences.PageSize = 0
	if err := validateConfig(&cfg); err == nil {
		t.Fatalf("zero page size accepted")
	}
}
