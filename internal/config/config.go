// Package config loads the daemon configuration from TOML with environment
// overrides for secrets and deploy-time knobs.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/yourorg/blocksync/internal/blocklist"
)

// Duration lets TOML carry values like "30s" or "45m".
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the root configuration for syncd and zoneimport.
type Config struct {
	HTTP     HTTPConfig     `toml:"http"`
	Database DatabaseConfig `toml:"database"`
	Storage  StorageConfig  `toml:"storage"`
	Provider ProviderConfig `toml:"provider"`
	Sync     SyncConfig     `toml:"sync"`
	Logging  LoggingConfig  `toml:"logging"`
}

type HTTPConfig struct {
	Addr            string   `toml:"addr"`
	ShutdownTimeout Duration `toml:"shutdown_timeout"`
}

type DatabaseConfig struct {
	URL      string `toml:"url"`
	MaxConns int32  `toml:"max_conns"`
	Migrate  bool   `toml:"migrate"`
}

type StorageConfig struct {
	// BaseURI roots the checkpoint store: s3://bucket/prefix or file:///path.
	BaseURI string `toml:"base_uri"`
}

type ProviderConfig struct {
	AuthURL          string            `toml:"auth_url"`
	AuthBodyTemplate string            `toml:"auth_body_template"`
	TokenLifetime    Duration          `toml:"token_lifetime"`
	RefreshMargin    Duration          `toml:"refresh_margin"`
	ListURLs         map[string]string `toml:"list_urls"`
	OrderStatusURL   string            `toml:"order_status_url"`
	UnblockablesURL  string            `toml:"unblockables_url"`
	RetryAttempts    int               `toml:"retry_attempts"`
	HTTPTimeout      Duration          `toml:"http_timeout"`

	// APIKey is never read from the file; set PROVIDER_API_KEY.
	APIKey string `toml:"-"`
}

type SyncConfig struct {
	Enabled         bool   `toml:"enabled"`
	ForceDownload   bool   `toml:"force_download"`
	ScratchDir      string `toml:"scratch_dir"`
	ApplyBatchSize  int    `toml:"apply_batch_size"`
	RefreshPageSize int    `toml:"refresh_page_size"`
}

type LoggingConfig struct {
	Level string `toml:"level"`
}

// Default returns the configuration used when the file leaves a knob unset.
func Default() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr:            ":8080",
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Database: DatabaseConfig{
			MaxConns: 8,
			Migrate:  true,
		},
		Provider: ProviderConfig{
			AuthBodyTemplate: "apiKey={API_KEY}&space=BSA",
			TokenLifetime:    Duration(30 * time.Minute),
			RefreshMargin:    Duration(30 * time.Second),
			RetryAttempts:    3,
			HTTPTimeout:      Duration(30 * time.Second),
		},
		Sync: SyncConfig{
			Enabled:         true,
			ScratchDir:      "/var/blocksync",
			ApplyBatchSize:  500,
			RefreshPageSize: 1000,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads path (when non-empty), applies env overrides, and validates.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := os.Getenv("PROVIDER_API_KEY"); v != "" {
		c.Provider.APIKey = v
	}
	if v := os.Getenv("HTTP_ADDR"); v != "" {
		c.HTTP.Addr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// Validate checks the invariants the daemon relies on at build time.
func (c *Config) Validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database.url (or DATABASE_URL) is required")
	}
	if !c.Sync.Enabled {
		return nil
	}
	if c.Storage.BaseURI == "" {
		return fmt.Errorf("storage.base_uri is required when sync is enabled")
	}
	if !strings.HasPrefix(c.Storage.BaseURI, "s3://") && !strings.HasPrefix(c.Storage.BaseURI, "file://") {
		return fmt.Errorf("storage.base_uri must be an s3:// or file:// URI")
	}
	if c.Provider.AuthURL == "" || c.Provider.OrderStatusURL == "" || c.Provider.UnblockablesURL == "" {
		return fmt.Errorf("provider.auth_url, order_status_url and unblockables_url are required")
	}
	if c.Provider.APIKey == "" {
		return fmt.Errorf("PROVIDER_API_KEY is required when sync is enabled")
	}
	if !strings.Contains(c.Provider.AuthBodyTemplate, "{API_KEY}") {
		return fmt.Errorf("provider.auth_body_template must contain {API_KEY}")
	}
	if c.Provider.TokenLifetime.Std() <= c.Provider.RefreshMargin.Std() {
		return fmt.Errorf("provider.token_lifetime must exceed refresh_margin")
	}
	if _, err := c.ProviderListURLs(); err != nil {
		return err
	}
	if c.Sync.ApplyBatchSize <= 0 || c.Sync.ApplyBatchSize > 1<<20 {
		return fmt.Errorf("sync.apply_batch_size must be in (0, 2^20]")
	}
	if c.Sync.ScratchDir == "" {
		return fmt.Errorf("sync.scratch_dir is required when sync is enabled")
	}
	return nil
}

// ProviderListURLs converts the configured list URL map onto typed keys,
// requiring exactly one URL per known list.
func (c *Config) ProviderListURLs() (map[blocklist.ListType]string, error) {
	urls := make(map[blocklist.ListType]string, len(c.Provider.ListURLs))
	for name, u := range c.Provider.ListURLs {
		lt, err := blocklist.ParseListType(name)
		if err != nil {
			return nil, fmt.Errorf("provider.list_urls: %w", err)
		}
		urls[lt] = u
	}
	for _, lt := range blocklist.AllListTypes() {
		if urls[lt] == "" {
			return nil, fmt.Errorf("provider.list_urls missing %s", lt)
		}
	}
	return urls, nil
}
