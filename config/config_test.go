package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig_Valid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.MaxUploadBytes() != 32*1024*1024 {
		t.Fatalf("MaxUploadBytes = %d", cfg.MaxUploadBytes())
	}
}

func TestLoadConfig_MergesFile(t *testing.T) {
	for _, k := range []string{"LISTEN", "DB_PATH", "UPLOAD_DIR"} {
		t.Setenv(k, "")
	}
	path := filepath.Join(t.TempDir(), "textmill.yaml")
	os.WriteFile(path, []byte(`
listen: ":9000"
workers: 4
visibility: 45s
retry_backoff: 500ms
reconcile_interval: 0s
trace_sql: true
slow_query: 250ms
default_stage_set: quick@v1
stage_sets:
  - name: quick
    version: 1
    stages: [lexical_diversity, sentiment_analysis]
stages:
  keyword_max: 5
`), 0o644)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Listen != ":9000" || cfg.Workers != 4 {
		t.Errorf("listen/workers = %q/%d", cfg.Listen, cfg.Workers)
	}
	if cfg.Visibility != 45*time.Second || cfg.RetryBackoff != 500*time.Millisecond {
		t.Errorf("visibility/retry_backoff = %v/%v", cfg.Visibility, cfg.RetryBackoff)
	}
	if !cfg.TraceSQL || cfg.SlowQuery != 250*time.Millisecond {
		t.Errorf("trace_sql/slow_query = %v/%v", cfg.TraceSQL, cfg.SlowQuery)
	}
	if cfg.ReconcileInterval != 0 {
		t.Errorf("reconcile_interval = %v, want 0", cfg.ReconcileInterval)
	}
	if len(cfg.StageSets) != 1 || cfg.StageSets[0].Key() != "quick@v1" || len(cfg.StageSets[0].Stages) != 2 {
		t.Errorf("stage_sets = %+v", cfg.StageSets)
	}
	if cfg.Stages.KeywordMax != 5 || cfg.Stages.SummaryMax != 130 {
		t.Errorf("stages = %+v, want keyword_max 5 and default summary_max", cfg.Stages)
	}
	if cfg.DBPath != "textmill.db" {
		t.Errorf("db_path default lost: %q", cfg.DBPath)
	}
}

func TestLoadConfig_Errors(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
	path := filepath.Join(t.TempDir(), "bad.yaml")
	os.WriteFile(path, []byte("workers: [\n"), 0o644)
	if _, err := LoadConfig(path); err == nil {
		t.Error("expected parse error")
	}
}

func TestApplyEnv(t *testing.T) {
	cfg := DefaultConfig()
	env := map[string]string{"LISTEN": ":7000", "UPLOAD_DIR": "/srv/uploads"}
	cfg.ApplyEnv(func(k string) string { return env[k] })
	if cfg.Listen != ":7000" || cfg.UploadDir != "/srv/uploads" {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if cfg.DBPath != "textmill.db" {
		t.Fatalf("unset DB_PATH changed db_path to %q", cfg.DBPath)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"no db", func(c *Config) { c.DBPath = "" }, "db_path"},
		{"gcs without bucket", func(c *Config) { c.BlobBackend = "gcs" }, "gcs_bucket"},
		{"unknown backend", func(c *Config) { c.BlobBackend = "s3" }, "blob_backend"},
		{"no workers", func(c *Config) { c.Workers = 0 }, "workers"},
		{"ext without dot", func(c *Config) { c.AllowedExtensions = []string{"txt"} }, "dot"},
		{"bad default set", func(c *Config) { c.DefaultStageSet = "full" }, "default_stage_set"},
		{"summary bounds", func(c *Config) { c.Stages.SummaryMin = 200 }, "summary_min"},
		{"negative sweep", func(c *Config) { c.ReconcileInterval = -time.Second }, "reconcile"},
		{"negative backoff", func(c *Config) { c.RetryBackoff = -time.Second }, "retry_backoff"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("err = %v, want mention of %q", err, tt.want)
			}
		})
	}
}

func TestAllowed(t *testing.T) {
	cfg := DefaultConfig()
	for _, ext := range []string{".txt", ".PDF", ".Epub"} {
		if !cfg.Allowed(ext) {
			t.Errorf("%s should be allowed", ext)
		}
	}
	for _, ext := range []string{".docx", "", ".exe"} {
		if cfg.Allowed(ext) {
			t.Errorf("%q should be rejected", ext)
		}
	}
}
