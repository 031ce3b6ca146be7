// Package config loads the textmill YAML configuration.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/hazyhaar/textmill/pipeline"
)

// Config holds the full textmill configuration.
type Config struct {
	Listen    string `yaml:"listen"`
	DBPath    string `yaml:"db_path"`
	ObsDBPath string `yaml:"obs_db_path"` // empty disables the observability database
	UploadDir string `yaml:"upload_dir"`

	// TraceSQL opens the job database through the sqlite-trace driver.
	// Statements slower than SlowQuery are kept in the observability database.
	TraceSQL  bool          `yaml:"trace_sql"`
	SlowQuery time.Duration `yaml:"slow_query"`

	BlobBackend string `yaml:"blob_backend"` // local | gcs
	GCSBucket   string `yaml:"gcs_bucket"`
	GCSPrefix   string `yaml:"gcs_prefix"`

	MaxUploadMB       int      `yaml:"max_upload_mb"`
	AllowedExtensions []string `yaml:"allowed_extensions"`

	Workers           int           `yaml:"workers"`
	Visibility        time.Duration `yaml:"visibility"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	MaxAttempts       int           `yaml:"max_attempts"`
	RetryBackoff      time.Duration `yaml:"retry_backoff"`      // first retry delay, doubled per attempt
	ReconcileInterval time.Duration `yaml:"reconcile_interval"` // 0 disables the sweep
	ReconcileGrace    time.Duration `yaml:"reconcile_grace"`

	DefaultStageSet string              `yaml:"default_stage_set"`
	StageSets       []pipeline.StageSet `yaml:"stage_sets"` // full@v1 and <stage>@v1 are built in
	Stages          StageParams         `yaml:"stages"`
}

// StageParams tunes the built-in stages.
type StageParams struct {
	KeywordMax int    `yaml:"keyword_max"`
	SummaryMin int    `yaml:"summary_min"`
	SummaryMax int    `yaml:"summary_max"`
	Lexicons   string `yaml:"lexicons"` // optional path replacing the embedded word lists
}

// DefaultConfig returns sane defaults.
func DefaultConfig() *Config {
	return &Config{
		Listen:            ":8080",
		DBPath:            "textmill.db",
		ObsDBPath:         "textmill_obs.db",
		UploadDir:         "uploads",
		SlowQuery:         100 * time.Millisecond,
		BlobBackend:       "local",
		MaxUploadMB:       32,
		AllowedExtensions: []string{".txt", ".md", ".html", ".epub", ".pdf"},
		Workers:           2,
		Visibility:        2 * time.Minute,
		PollInterval:      500 * time.Millisecond,
		MaxAttempts:       5,
		RetryBackoff:      2 * time.Second,
		ReconcileInterval: 5 * time.Minute,
		ReconcileGrace:    time.Minute,
		DefaultStageSet:   "full@v1",
		Stages: StageParams{
			KeywordMax: 10,
			SummaryMin: 30,
			SummaryMax: 130,
		},
	}
}

// LoadConfig reads a YAML file over DefaultConfig, applies environment
// overrides and validates the result. An empty path skips the file.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv(os.Getenv)
	return cfg, cfg.Validate()
}

// ApplyEnv overrides fields from LISTEN, DB_PATH and UPLOAD_DIR.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if v := getenv("LISTEN"); v != "" {
		c.Listen = v
	}
	if v := getenv("DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v := getenv("UPLOAD_DIR"); v != "" {
		c.UploadDir = v
	}
}

// Validate checks that required fields are present and values are sane.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path is required")
	}
	switch c.BlobBackend {
	case "local", "":
		if c.UploadDir == "" {
			return fmt.Errorf("upload_dir is required for the local blob backend")
		}
	case "gcs":
		if c.GCSBucket == "" {
			return fmt.Errorf("gcs_bucket is required for the gcs blob backend")
		}
	default:
		return fmt.Errorf("unsupported blob_backend %q (use local or gcs)", c.BlobBackend)
	}
	if c.MaxUploadMB <= 0 {
		return fmt.Errorf("max_upload_mb must be > 0")
	}
	if len(c.AllowedExtensions) == 0 {
		return fmt.Errorf("allowed_extensions must not be empty")
	}
	for i, ext := range c.AllowedExtensions {
		if !strings.HasPrefix(ext, ".") {
			return fmt.Errorf("allowed_extensions[%d]: %q must start with a dot", i, ext)
		}
	}
	if c.Workers <= 0 {
		return fmt.Errorf("workers must be > 0")
	}
	if c.Visibility <= 0 {
		return fmt.Errorf("visibility must be > 0")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll_interval must be > 0")
	}
	if c.MaxAttempts < 0 {
		return fmt.Errorf("max_attempts must be >= 0")
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("retry_backoff must be >= 0")
	}
	if c.ReconcileInterval < 0 || c.ReconcileGrace < 0 {
		return fmt.Errorf("reconcile_interval and reconcile_grace must be >= 0")
	}
	if c.DefaultStageSet != "" {
		if _, _, err := pipeline.ParseKey(c.DefaultStageSet); err != nil {
			return fmt.Errorf("default_stage_set: %w", err)
		}
	}
	if c.Stages.SummaryMin > c.Stages.SummaryMax {
		return fmt.Errorf("stages.summary_min (%d) exceeds summary_max (%d)", c.Stages.SummaryMin, c.Stages.SummaryMax)
	}
	return nil
}

// MaxUploadBytes returns the upload cap in bytes.
func (c *Config) MaxUploadBytes() int64 { return int64(c.MaxUploadMB) * 1024 * 1024 }

// Allowed reports whether ext (with its dot, any case) may be uploaded.
func (c *Config) Allowed(ext string) bool {
	ext = strings.ToLower(ext)
	for _, a := range c.AllowedExtensions {
		if strings.ToLower(a) == ext {
			return true
		}
	}
	return false
}
