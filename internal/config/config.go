// Package config loads and validates application configuration.
//
// Configuration is layered: built-in defaults, then an optional YAML config
// file, then FEEDGEN_* environment variables. Invalid values are rejected at
// load time; the process never starts streaming with a bad whitelist or bad
// ranking parameters.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// envPrefix is the prefix for environment variable overrides, e.g.
// FEEDGEN_SERVER_PORT=8080 sets server.port.
const envPrefix = "FEEDGEN_"

// defaultConfigPaths are searched in order; the first existing file wins. The
// CONFIG_PATH environment variable overrides the search.
var defaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/domainfeed/config.yaml",
}

// Config holds all configuration for the feed generator.
type Config struct {
	Server    ServerConfig    `koanf:"server"`
	Database  DatabaseConfig  `koanf:"database"`
	Firehose  FirehoseConfig  `koanf:"firehose"`
	Whitelist WhitelistConfig `koanf:"whitelist"`
	Ranking   RankingConfig   `koanf:"ranking"`
	Cleanup   CleanupConfig   `koanf:"cleanup"`
	Logging   LoggingConfig   `koanf:"logging"`
}

// ServerConfig holds HTTP server and feed identity settings.
type ServerConfig struct {
	// Host and Port are the listen address.
	Host string `koanf:"host"`
	Port int    `koanf:"port"`

	// Hostname is the public hostname where this service is reachable,
	// used to derive the did:web service DID.
	Hostname string `koanf:"hostname"`

	// PublisherDID is the DID of the account that published the feed
	// generator record.
	PublisherDID string `koanf:"publisher_did"`

	// FeedRKey is the record key of the feed generator record.
	FeedRKey string `koanf:"feed_rkey"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	Path string `koanf:"path"`
}

// FirehoseConfig holds Jetstream connection and reconnection settings.
type FirehoseConfig struct {
	// URL is the Jetstream WebSocket endpoint.
	URL string `koanf:"url"`

	// CursorSaveInterval controls how often the cursor is persisted while
	// streaming, independent of event application.
	CursorSaveInterval time.Duration `koanf:"cursor_save_interval"`

	// RetentionHorizon is how far behind the live tip a saved cursor may be
	// before resumption is treated as gapped.
	RetentionHorizon time.Duration `koanf:"retention_horizon"`

	// BackoffFloor and BackoffCeiling bound the reconnect backoff.
	BackoffFloor   time.Duration `koanf:"backoff_floor"`
	BackoffCeiling time.Duration `koanf:"backoff_ceiling"`

	// BackoffResetAfter is the sustained streaming interval after which the
	// backoff resets to its floor.
	BackoffResetAfter time.Duration `koanf:"backoff_reset_after"`
}

// WhitelistConfig holds the trusted-domain whitelist.
type WhitelistConfig struct {
	Domains         []string `koanf:"domains"`
	MatchSubdomains bool     `koanf:"match_subdomains"`

	// RemoveTrackingParams strips known tracking query parameters during URL
	// normalization.
	RemoveTrackingParams bool `koanf:"remove_tracking_params"`
}

// RankingConfig holds the scoring parameters.
type RankingConfig struct {
	// DecayRate is the exponential decay lambda applied per hour of age.
	DecayRate float64 `koanf:"decay_rate"`

	// MaxAgeHours excludes posts older than this from ranking entirely.
	MaxAgeHours int `koanf:"max_age_hours"`

	// MinShareCount excludes posts whose URL share count is below this.
	MinShareCount int64 `koanf:"min_share_count"`

	// MinRepostCount excludes posts with fewer reposts than this.
	MinRepostCount int64 `koanf:"min_repost_count"`

	// RepostWeight is the exponent applied to the effective repost count.
	RepostWeight float64 `koanf:"repost_weight"`

	// ResultsLimit caps the page size of the feed.
	ResultsLimit int `koanf:"results_limit"`

	// MaxPostsPerURL caps how many posts per URL appear in the ranking.
	// Zero means unlimited.
	MaxPostsPerURL int `koanf:"max_posts_per_url"`
}

// CleanupConfig holds the retention cleanup job settings.
type CleanupConfig struct {
	Interval  time.Duration `koanf:"interval"`
	Retention time.Duration `koanf:"retention"`
}

// LoggingConfig holds log output settings.
type LoggingConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `koanf:"level"`
}

// ServiceDID returns the did:web for this feed generator.
func (c *ServerConfig) ServiceDID() string {
	return "did:web:" + c.Hostname
}

// FeedURI returns the AT-URI of the served feed generator record.
func (c *ServerConfig) FeedURI() string {
	return fmt.Sprintf("at://%s/app.bsky.feed.generator/%s", c.PublisherDID, c.FeedRKey)
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Host:     "0.0.0.0",
			Port:     3000,
			Hostname: "localhost",
			FeedRKey: "domain-news",
		},
		Database: DatabaseConfig{
			Path: "data/feed.db",
		},
		Firehose: FirehoseConfig{
			URL:                "wss://jetstream1.us-east.bsky.network/subscribe",
			CursorSaveInterval: 5 * time.Second,
			RetentionHorizon:   72 * time.Hour,
			BackoffFloor:       time.Second,
			BackoffCeiling:     time.Minute,
			BackoffResetAfter:  30 * time.Second,
		},
		Whitelist: WhitelistConfig{
			MatchSubdomains:      true,
			RemoveTrackingParams: true,
		},
		Ranking: RankingConfig{
			DecayRate:      0.05,
			MaxAgeHours:    72,
			MinShareCount:  1,
			MinRepostCount: 0,
			RepostWeight:   1.0,
			ResultsLimit:   50,
			MaxPostsPerURL: 2,
		},
		Cleanup: CleanupConfig{
			Interval:  time.Hour,
			Retention: 30 * 24 * time.Hour,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from defaults, the config file, and environment
// variables, then validates it.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.ProviderWithValue(envPrefix, ".", envValue), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// envKey maps FEEDGEN_SECTION_SOME_KEY to section.some_key. Only the first
// underscore separates the section; the rest belong to the key.
func envKey(s string) string {
	s = strings.ToLower(strings.TrimPrefix(s, envPrefix))
	return strings.Replace(s, "_", ".", 1)
}

// envValue maps the variable name through envKey and splits list-valued keys
// on commas, so FEEDGEN_WHITELIST_DOMAINS=a.com,b.com loads as a slice
// instead of a single entry that matches nothing.
func envValue(name, value string) (string, any) {
	key := envKey(name)
	if key == "whitelist.domains" {
		parts := strings.Split(value, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return key, parts
	}
	return key, value
}

func findConfigFile() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	for _, p := range defaultConfigPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Validate checks every configuration invariant that must hold before the
// process starts streaming.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535, got %d", c.Server.Port)
	}
	if c.Server.Hostname == "" {
		return fmt.Errorf("server.hostname is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Firehose.URL == "" {
		return fmt.Errorf("firehose.url is required")
	}
	if c.Firehose.BackoffFloor <= 0 || c.Firehose.BackoffCeiling < c.Firehose.BackoffFloor {
		return fmt.Errorf("firehose backoff bounds are invalid: floor=%s ceiling=%s",
			c.Firehose.BackoffFloor, c.Firehose.BackoffCeiling)
	}
	if c.Firehose.RetentionHorizon <= 0 {
		return fmt.Errorf("firehose.retention_horizon must be positive, got %s", c.Firehose.RetentionHorizon)
	}

	if len(c.Whitelist.Domains) == 0 {
		return fmt.Errorf("whitelist.domains must contain at least one domain")
	}
	for _, d := range c.Whitelist.Domains {
		if strings.TrimSpace(d) == "" {
			return fmt.Errorf("whitelist.domains contains an empty entry")
		}
	}

	r := c.Ranking
	if r.DecayRate <= 0 {
		return fmt.Errorf("ranking.decay_rate must be > 0, got %g", r.DecayRate)
	}
	if r.MaxAgeHours <= 0 {
		return fmt.Errorf("ranking.max_age_hours must be > 0, got %d", r.MaxAgeHours)
	}
	if r.MinShareCount < 0 {
		return fmt.Errorf("ranking.min_share_count must be >= 0, got %d", r.MinShareCount)
	}
	if r.MinRepostCount < 0 {
		return fmt.Errorf("ranking.min_repost_count must be >= 0, got %d", r.MinRepostCount)
	}
	if r.RepostWeight <= 0 {
		return fmt.Errorf("ranking.repost_weight must be > 0, got %g", r.RepostWeight)
	}
	if r.ResultsLimit <= 0 {
		return fmt.Errorf("ranking.results_limit must be > 0, got %d", r.ResultsLimit)
	}
	if r.MaxPostsPerURL < 0 {
		return fmt.Errorf("ranking.max_posts_per_url must be >= 0, got %d", r.MaxPostsPerURL)
	}

	if c.Cleanup.Interval <= 0 {
		return fmt.Errorf("cleanup.interval must be positive, got %s", c.Cleanup.Interval)
	}
	if c.Cleanup.Retention <= 0 {
		return fmt.Errorf("cleanup.retention must be positive, got %s", c.Cleanup.Retention)
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error; got %q", c.Logging.Level)
	}

	return nil
}
