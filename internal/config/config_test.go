package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
)

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := LoadWith(viper.New(), "")
	if err != nil {
		t.Fatalf("LoadWith() error = %v", err)
	}
	if cfg.TopN != 10 || cfg.Crawler.Concurrency != 5 || cfg.Crawler.MaxAttempts != 3 {
		t.Fatalf("unexpected crawl defaults: %+v", cfg.Crawler)
	}
	if cfg.Crawler.RenderTimeout != 30*time.Second || cfg.Crawler.MinHostInterval != 100*time.Millisecond {
		t.Fatalf("unexpected timing defaults: %+v", cfg.Crawler)
	}
	if cfg.Storage.Backend != "local" || cfg.Storage.BaseDir != "scraped_content" || cfg.Storage.NameLength != 10 {
		t.Fatalf("unexpected storage defaults: %+v", cfg.Storage)
	}
	if cfg.Storage.Naming != "compat" || cfg.Renderer.Kind != "headless" || cfg.Discovery.Kind != "searchpage" {
		t.Fatalf("unexpected kind defaults: %+v", cfg)
	}
	if len(cfg.Crawler.AllowedSchemes) != 2 || cfg.Crawler.RespectRobots {
		t.Fatalf("unexpected admission defaults: %+v", cfg.Crawler)
	}
	if cfg.WorkerCount() != 5 {
		t.Fatalf("expected workers to default to concurrency, got %d", cfg.WorkerCount())
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
query: cheap widgets
top_n: 4
seeds: ["https://a.example/", "https://b.example/"]
logging:
  development: false
  level: debug
crawler:
  concurrency: 8
  workers: 3
  max_attempts: 5
  render_timeout: 12s
  min_host_interval: 250ms
  respect_robots: true
  blocked_domains: ["*.ru"]
renderer:
  kind: hybrid
  detector:
    min_html_bytes: 512
    selector_must: ["#price"]
discovery:
  kind: static
storage:
  backend: gcs
  gcs_bucket: crawl-bucket
  prefix: runs
  naming: hashed
  write_label_config: true
db:
  dsn: postgres://localhost/crawl
notify:
  backend: kafka
  brokers: ["localhost:9092"]
`
	if err := os.WriteFile(path, []byte(configYAML), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Query != "cheap widgets" || cfg.TopN != 4 || len(cfg.Seeds) != 2 {
		t.Fatalf("expected top-level overrides, got %+v", cfg)
	}
	if cfg.Logging.Development || cfg.Logging.Level != "debug" {
		t.Fatalf("expected logging overrides, got %+v", cfg.Logging)
	}
	if cfg.Crawler.RenderTimeout != 12*time.Second || cfg.Crawler.MinHostInterval != 250*time.Millisecond {
		t.Fatalf("expected duration overrides, got %+v", cfg.Crawler)
	}
	if cfg.WorkerCount() != 3 || cfg.Crawler.MaxAttempts != 5 || !cfg.Crawler.RespectRobots {
		t.Fatalf("expected crawler overrides, got %+v", cfg.Crawler)
	}
	if cfg.Renderer.Kind != "hybrid" || cfg.Renderer.Detector.MinHTMLBytes != 512 {
		t.Fatalf("expected renderer overrides, got %+v", cfg.Renderer)
	}
	if cfg.Storage.GCSBucket != "crawl-bucket" || cfg.Storage.Naming != "hashed" || !cfg.Storage.WriteLabelConfig {
		t.Fatalf("expected storage overrides, got %+v", cfg.Storage)
	}
	if cfg.Notify.Topic != "crawl-artifacts" || cfg.Notify.Brokers[0] != "localhost:9092" {
		t.Fatalf("expected notify overrides, got %+v", cfg.Notify)
	}
	if cfg.DB.Table != "crawl_outcomes" {
		t.Fatalf("expected default table, got %q", cfg.DB.Table)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("HARVEST_CRAWLER_CONCURRENCY", "9")
	t.Setenv("HARVEST_RENDERER_KIND", "http")
	t.Setenv("HARVEST_STORAGE_BASE_DIR", "/tmp/out")

	cfg, err := LoadWith(viper.New(), "")
	if err != nil {
		t.Fatalf("LoadWith() error = %v", err)
	}
	if cfg.Crawler.Concurrency != 9 || cfg.Renderer.Kind != "http" || cfg.Storage.BaseDir != "/tmp/out" {
		t.Fatalf("expected env overrides, got %+v", cfg)
	}
}

func TestLoadMissingFile(t *testing.T) {
	t.Parallel()

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := LoadWith(viper.New(), "")
	if err != nil {
		t.Fatalf("LoadWith() error = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"concurrency", func(c *Config) { c.Crawler.Concurrency = 0 }, "crawler.concurrency"},
		{"attempts", func(c *Config) { c.Crawler.MaxAttempts = 0 }, "crawler.max_attempts"},
		{"render timeout", func(c *Config) { c.Crawler.RenderTimeout = 0 }, "crawler.render_timeout"},
		{"renderer kind", func(c *Config) { c.Renderer.Kind = "webkit" }, "renderer.kind"},
		{"template", func(c *Config) { c.Discovery.URLTemplate = "https://x/?q=" }, "discovery.url_template"},
		{"gcs bucket", func(c *Config) { c.Storage.Backend = "gcs" }, "storage.gcs_bucket"},
		{"backend", func(c *Config) { c.Storage.Backend = "s3" }, "storage.backend"},
		{"naming", func(c *Config) { c.Storage.Naming = "long" }, "storage.naming"},
		{"pubsub project", func(c *Config) { c.Notify.Backend = "pubsub" }, "notify.project_id"},
		{"kafka brokers", func(c *Config) { c.Notify.Backend = "kafka" }, "notify.brokers"},
		{"topic", func(c *Config) { c.Notify.Backend = "memory"; c.Notify.Topic = "" }, "notify.topic"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
