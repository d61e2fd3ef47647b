// Package config loads and validates engine configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server  ServerConfig   `mapstructure:"server"`
	Logging LoggingConfig  `mapstructure:"logging"`
	Crawl   CrawlConfig    `mapstructure:"crawl"`
	Pacing  PacingConfig   `mapstructure:"pacing"`
	HTTP    HTTPConfig     `mapstructure:"http"`
	Egress  EgressConfig   `mapstructure:"egress"`
	Extract ExtractConfig  `mapstructure:"extract"`
	DB      DBConfig       `mapstructure:"db"`
	PubSub  PubSubConfig   `mapstructure:"pubsub"`
	Archive ArchiveConfig  `mapstructure:"archive"`
	Sources []SourceConfig `mapstructure:"sources"`
}

// ServerConfig controls the ops HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// CrawlConfig governs strategy selection and the two strategies.
type CrawlConfig struct {
	BackfillThreshold    int `mapstructure:"backfill_threshold"`
	DeactivationFloor    int `mapstructure:"deactivation_floor"`
	BackfillMaxPages     int `mapstructure:"backfill_max_pages"`
	BackfillBatchSize    int `mapstructure:"backfill_batch_size"`
	BackfillWorkers      int `mapstructure:"backfill_workers"`
	FlushThreshold       int `mapstructure:"flush_threshold"`
	MonitorMaxPages      int `mapstructure:"monitor_max_pages"`
	ConsecutiveKnownStop int `mapstructure:"consecutive_known_stop"`
	MinPagesBeforeStop   int `mapstructure:"min_pages_before_stop"`
}

// PacingConfig sets the delay ranges consumed by the pacing controller.
type PacingConfig struct {
	FastDelayMinMs   int `mapstructure:"fast_delay_min_ms"`
	FastDelayMaxMs   int `mapstructure:"fast_delay_max_ms"`
	NormalDelayMinMs int `mapstructure:"normal_delay_min_ms"`
	NormalDelayMaxMs int `mapstructure:"normal_delay_max_ms"`
	CycleDelayMinMin int `mapstructure:"cycle_delay_min_minutes"`
	CycleDelayMaxMin int `mapstructure:"cycle_delay_max_minutes"`
	CycleFloorMin    int `mapstructure:"cycle_delay_floor_minutes"`
	WindowHours      int `mapstructure:"window_hours"`
}

// HTTPConfig configures the fetch client.
type HTTPConfig struct {
	TimeoutSeconds int      `mapstructure:"timeout_seconds"`
	MaxAttempts    int      `mapstructure:"max_attempts"`
	UserAgents     []string `mapstructure:"user_agents"`
}

// EgressConfig lists proxy routes, comma-separated or as a list.
type EgressConfig struct {
	Routes []string `mapstructure:"routes"`
}

// ExtractConfig bounds what counts as a plausible listing price.
type ExtractConfig struct {
	BaseURL  string `mapstructure:"base_url"`
	MinPrice int    `mapstructure:"min_price"`
	MaxPrice int    `mapstructure:"max_price"`
}

// DBConfig selects and configures the persistence backend.
type DBConfig struct {
	Backend  string `mapstructure:"backend"` // "postgres" or "memory"
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// PubSubConfig holds metadata for cycle report publishing.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
}

// ArchiveConfig controls raw page archival.
type ArchiveConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	BaseDir string `mapstructure:"base_dir"`
}

// SourceConfig seeds a monitored search at startup.
type SourceConfig struct {
	Name string `mapstructure:"name"`
	URL  string `mapstructure:"url"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("LISTINGWATCH")
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")

	v.SetDefault("crawl.backfill_threshold", 5000)
	v.SetDefault("crawl.deactivation_floor", 1000)
	v.SetDefault("crawl.backfill_max_pages", 800)
	v.SetDefault("crawl.backfill_batch_size", 5)
	v.SetDefault("crawl.backfill_workers", 5)
	v.SetDefault("crawl.flush_threshold", 1000)
	v.SetDefault("crawl.monitor_max_pages", 20)
	v.SetDefault("crawl.consecutive_known_stop", 50)
	v.SetDefault("crawl.min_pages_before_stop", 3)

	v.SetDefault("pacing.fast_delay_min_ms", 1000)
	v.SetDefault("pacing.fast_delay_max_ms", 3000)
	v.SetDefault("pacing.normal_delay_min_ms", 3000)
	v.SetDefault("pacing.normal_delay_max_ms", 8000)
	v.SetDefault("pacing.cycle_delay_min_minutes", 20)
	v.SetDefault("pacing.cycle_delay_max_minutes", 40)
	v.SetDefault("pacing.cycle_delay_floor_minutes", 10)
	v.SetDefault("pacing.window_hours", 24)

	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.max_attempts", 3)

	v.SetDefault("extract.base_url", "https://www.yad2.co.il")
	v.SetDefault("extract.min_price", 0)
	v.SetDefault("extract.max_price", 100_000_000)

	v.SetDefault("db.backend", "memory")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 1)

	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.base_dir", "pages")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.HTTP.MaxAttempts <= 0 {
		return fmt.Errorf("http.max_attempts must be > 0")
	}
	switch c.DB.Backend {
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn must be set when db.backend is postgres")
		}
	case "memory":
	default:
		return fmt.Errorf("db.backend must be postgres or memory, got %q", c.DB.Backend)
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.TopicID == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic_id must be set when pubsub is enabled")
	}
	if c.Archive.Enabled && c.Archive.BaseDir == "" {
		return fmt.Errorf("archive.base_dir must be set when archive is enabled")
	}
	if c.Crawl.BackfillBatchSize <= 0 || c.Crawl.BackfillWorkers <= 0 {
		return fmt.Errorf("crawl.backfill_batch_size and crawl.backfill_workers must be > 0")
	}
	if c.Pacing.CycleDelayMinMin > c.Pacing.CycleDelayMaxMin {
		return fmt.Errorf("pacing.cycle_delay_min_minutes must not exceed the max")
	}
	return nil
}

// HTTPTimeout returns the fetch client timeout as a duration.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}
