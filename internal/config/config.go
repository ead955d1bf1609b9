// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/harvest-crawler/internal/crawler"
)

// EnvPrefix is prepended to every environment override, e.g.
// HARVEST_CRAWLER_CONCURRENCY.
const EnvPrefix = "HARVEST"

// Config captures every knob of a crawl invocation.
type Config struct {
	Query     string          `mapstructure:"query"`
	TopN      int             `mapstructure:"top_n"`
	Seeds     []string        `mapstructure:"seeds"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Crawler   CrawlerConfig   `mapstructure:"crawler"`
	Renderer  RendererConfig  `mapstructure:"renderer"`
	Discovery DiscoveryConfig `mapstructure:"discovery"`
	Storage   StorageConfig   `mapstructure:"storage"`
	DB        DBConfig        `mapstructure:"db"`
	Notify    NotifyConfig    `mapstructure:"notify"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// CrawlerConfig governs the worker pool, politeness and retries.
type CrawlerConfig struct {
	Concurrency          int           `mapstructure:"concurrency"`
	Workers              int           `mapstructure:"workers"`
	MaxAttempts          int           `mapstructure:"max_attempts"`
	RenderTimeout        time.Duration `mapstructure:"render_timeout"`
	MinHostInterval      time.Duration `mapstructure:"min_host_interval"`
	HostQPS              float64       `mapstructure:"host_qps"`
	GroupByDomain        bool          `mapstructure:"group_by_domain"`
	ReleaseClaimsOnRetry bool          `mapstructure:"release_claims_on_retry"`
	RetryInitialBackoff  time.Duration `mapstructure:"retry_initial_backoff"`
	RetryMaxBackoff      time.Duration `mapstructure:"retry_max_backoff"`
	RespectRobots        bool          `mapstructure:"respect_robots"`
	UserAgent            string        `mapstructure:"user_agent"`
	AllowedSchemes       []string      `mapstructure:"allowed_schemes"`
	BlockedDomains       []string      `mapstructure:"blocked_domains"`
	RunTimeout           time.Duration `mapstructure:"run_timeout"`
}

// RendererConfig selects and tunes the renderer.
type RendererConfig struct {
	Kind     string         `mapstructure:"kind"`
	Headless HeadlessConfig `mapstructure:"headless"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	Detector DetectorConfig `mapstructure:"detector"`
}

// HeadlessConfig configures the chromedp renderer.
type HeadlessConfig struct {
	ExecPath    string        `mapstructure:"exec_path"`
	IdleTimeout time.Duration `mapstructure:"idle_timeout"`
}

// HTTPConfig configures the plain HTTP renderer.
type HTTPConfig struct {
	MaxBodyBytes int `mapstructure:"max_body_bytes"`
}

// DetectorConfig tunes hybrid promotion to the headless renderer.
type DetectorConfig struct {
	MinHTMLBytes int      `mapstructure:"min_html_bytes"`
	SelectorMust []string `mapstructure:"selector_must"`
	Keywords     []string `mapstructure:"keywords"`
}

// DiscoveryConfig selects how seeds are found when none are configured.
type DiscoveryConfig struct {
	Kind           string        `mapstructure:"kind"`
	URLTemplate    string        `mapstructure:"url_template"`
	ResultSelector string        `mapstructure:"result_selector"`
	PageParam      string        `mapstructure:"page_param"`
	MaxPages       int           `mapstructure:"max_pages"`
	Pacing         time.Duration `mapstructure:"pacing"`
	Timeout        time.Duration `mapstructure:"timeout"`
}

// StorageConfig sets where and how artifacts are written.
type StorageConfig struct {
	Backend          string `mapstructure:"backend"`
	BaseDir          string `mapstructure:"base_dir"`
	GCSBucket        string `mapstructure:"gcs_bucket"`
	Prefix           string `mapstructure:"prefix"`
	Naming           string `mapstructure:"naming"`
	NameLength       int    `mapstructure:"name_length"`
	WriteLabelConfig bool   `mapstructure:"write_label_config"`
	FailureLog       string `mapstructure:"failure_log"`
}

// DBConfig controls the optional Postgres outcome store.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	Table    string `mapstructure:"table"`
	MaxConns int32  `mapstructure:"max_conns"`
}

// NotifyConfig selects the artifact notification backend.
type NotifyConfig struct {
	Backend   string   `mapstructure:"backend"`
	Topic     string   `mapstructure:"topic"`
	ProjectID string   `mapstructure:"project_id"`
	Brokers   []string `mapstructure:"brokers"`
}

// MetricsConfig controls the end-of-run metrics export.
type MetricsConfig struct {
	Textfile string `mapstructure:"textfile"`
}

// Load builds a Config from the optional file at path and the environment.
func Load(path string) (Config, error) {
	return LoadWith(viper.New(), path)
}

// LoadWith is Load on a caller-supplied viper instance, so command flags bound
// to v take precedence over file and environment values.
func LoadWith(v *viper.Viper, path string) (Config, error) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("query", "")
	v.SetDefault("top_n", 10)
	v.SetDefault("seeds", []string{})
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("crawler.concurrency", 5)
	v.SetDefault("crawler.workers", 0)
	v.SetDefault("crawler.max_attempts", crawler.DefaultMaxAttempts)
	v.SetDefault("crawler.render_timeout", 30*time.Second)
	v.SetDefault("crawler.min_host_interval", 100*time.Millisecond)
	v.SetDefault("crawler.host_qps", 0.0)
	v.SetDefault("crawler.group_by_domain", false)
	v.SetDefault("crawler.release_claims_on_retry", false)
	v.SetDefault("crawler.retry_initial_backoff", crawler.DefaultInitialBackoff)
	v.SetDefault("crawler.retry_max_backoff", crawler.DefaultMaxBackoff)
	v.SetDefault("crawler.respect_robots", false)
	v.SetDefault("crawler.user_agent", "harvest-crawler/0.1")
	v.SetDefault("crawler.allowed_schemes", crawler.DefaultAllowedSchemes)
	v.SetDefault("crawler.blocked_domains", []string{})
	v.SetDefault("crawler.run_timeout", time.Duration(0))
	v.SetDefault("renderer.kind", "headless")
	v.SetDefault("renderer.headless.exec_path", "")
	v.SetDefault("renderer.headless.idle_timeout", time.Duration(0))
	v.SetDefault("renderer.http.max_body_bytes", 10<<20)
	v.SetDefault("renderer.detector.min_html_bytes", 2048)
	v.SetDefault("renderer.detector.selector_must", []string{})
	v.SetDefault("renderer.detector.keywords", []string{})
	v.SetDefault("discovery.kind", "searchpage")
	v.SetDefault("discovery.url_template", "https://html.duckduckgo.com/html/?q=%s")
	v.SetDefault("discovery.result_selector", "a.result__a")
	v.SetDefault("discovery.page_param", "")
	v.SetDefault("discovery.max_pages", 3)
	v.SetDefault("discovery.pacing", 100*time.Millisecond)
	v.SetDefault("discovery.timeout", 15*time.Second)
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.base_dir", "scraped_content")
	v.SetDefault("storage.gcs_bucket", "")
	v.SetDefault("storage.prefix", "")
	v.SetDefault("storage.naming", string(crawler.NamingCompat))
	v.SetDefault("storage.name_length", crawler.DefaultNameLength)
	v.SetDefault("storage.write_label_config", false)
	v.SetDefault("storage.failure_log", "")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.table", "crawl_outcomes")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("notify.backend", "none")
	v.SetDefault("notify.topic", "crawl-artifacts")
	v.SetDefault("notify.project_id", "")
	v.SetDefault("notify.brokers", []string{})
	v.SetDefault("metrics.textfile", "")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	if c.TopN <= 0 {
		errs = append(errs, errors.New("top_n must be > 0"))
	}
	if c.Crawler.Concurrency <= 0 {
		errs = append(errs, errors.New("crawler.concurrency must be > 0"))
	}
	if c.Crawler.Workers < 0 {
		errs = append(errs, errors.New("crawler.workers must be >= 0"))
	}
	if c.Crawler.MaxAttempts <= 0 {
		errs = append(errs, errors.New("crawler.max_attempts must be > 0"))
	}
	if c.Crawler.RenderTimeout <= 0 {
		errs = append(errs, errors.New("crawler.render_timeout must be > 0"))
	}
	if c.Crawler.HostQPS < 0 {
		errs = append(errs, errors.New("crawler.host_qps must be >= 0"))
	}
	if c.Crawler.RunTimeout < 0 {
		errs = append(errs, errors.New("crawler.run_timeout must be >= 0"))
	}
	if !oneOf(c.Renderer.Kind, "headless", "http", "hybrid", "noop") {
		errs = append(errs, fmt.Errorf("renderer.kind %q must be one of headless, http, hybrid, noop", c.Renderer.Kind))
	}
	if !oneOf(c.Discovery.Kind, "static", "searchpage") {
		errs = append(errs, fmt.Errorf("discovery.kind %q must be static or searchpage", c.Discovery.Kind))
	}
	if c.Discovery.Kind == "searchpage" && strings.Count(c.Discovery.URLTemplate, "%s") != 1 {
		errs = append(errs, errors.New("discovery.url_template must contain exactly one %s"))
	}
	switch c.Storage.Backend {
	case "local":
		if strings.TrimSpace(c.Storage.BaseDir) == "" {
			errs = append(errs, errors.New("storage.base_dir is required for the local backend"))
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			errs = append(errs, errors.New("storage.gcs_bucket is required for the gcs backend"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q must be local, gcs or memory", c.Storage.Backend))
	}
	if !oneOf(c.Storage.Naming, string(crawler.NamingCompat), string(crawler.NamingHashed)) {
		errs = append(errs, fmt.Errorf("storage.naming %q must be compat or hashed", c.Storage.Naming))
	}
	if c.Storage.NameLength <= 0 {
		errs = append(errs, errors.New("storage.name_length must be > 0"))
	}
	switch c.Notify.Backend {
	case "none", "memory":
	case "pubsub":
		if c.Notify.ProjectID == "" {
			errs = append(errs, errors.New("notify.project_id is required for pubsub"))
		}
	case "kafka":
		if len(c.Notify.Brokers) == 0 {
			errs = append(errs, errors.New("notify.brokers is required for kafka"))
		}
	default:
		errs = append(errs, fmt.Errorf("notify.backend %q must be none, memory, pubsub or kafka", c.Notify.Backend))
	}
	if c.Notify.Backend != "none" && c.Notify.Topic == "" {
		errs = append(errs, errors.New("notify.topic is required when notifications are enabled"))
	}
	return errors.Join(errs...)
}

// WorkerCount resolves crawler.workers, defaulting to the concurrency ceiling.
func (c Config) WorkerCount() int {
	if c.Crawler.Workers > 0 {
		return c.Crawler.Workers
	}
	return c.Crawler.Concurrency
}

func oneOf(value string, options ...string) bool {
	for _, opt := range options {
		if value == opt {
			return true
		}
	}
	return false
}
