// Package config loads server configuration at start-up. Values come from
// a config file, environment variables with the KOHAKUHUB_ prefix, and
// command-line flags, in ascending priority. Configuration is immutable
// once the server is running.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config holds every knob the server recognizes.
type Config struct {
	// Addr is the listen address, e.g. ":48888".
	Addr string `mapstructure:"addr"`
	// BaseURL is the externally visible URL of the hub, used when
	// building commit and LFS action hrefs.
	BaseURL string `mapstructure:"base_url"`
	// DataDir holds local per-worker state (download session buckets).
	DataDir string `mapstructure:"data_dir"`

	// DBURL selects the database: "sqlite:///path/to.db" or a
	// "postgres://..." DSN.
	DBURL string `mapstructure:"db_url"`

	// Blob store (S3 compatible).
	BlobEndpoint       string `mapstructure:"blob_endpoint"`
	BlobPublicEndpoint string `mapstructure:"blob_public_endpoint"`
	BlobBucket         string `mapstructure:"blob_bucket"`
	BlobAccessKey      string `mapstructure:"blob_access_key"`
	BlobSecretKey      string `mapstructure:"blob_secret_key"`
	BlobPathStyle      bool   `mapstructure:"blob_path_style"`

	// Versioned store. Empty endpoint selects the in-process store,
	// which is suitable for tests and single-node evaluation only.
	VersionedStoreEndpoint  string `mapstructure:"versioned_store_endpoint"`
	VersionedStoreAccessKey string `mapstructure:"versioned_store_access_key"`
	VersionedStoreSecretKey string `mapstructure:"versioned_store_secret_key"`

	// LFS policy.
	LFSThresholdBytes  int64 `mapstructure:"lfs_threshold_bytes"`
	LFSKeepVersions    int   `mapstructure:"lfs_keep_versions"`
	LFSAutoGC          bool  `mapstructure:"lfs_auto_gc"`
	MultipartThreshold int64 `mapstructure:"multipart_threshold_bytes"`
	MultipartChunk     int64 `mapstructure:"multipart_chunk_bytes"`

	// Auth.
	SessionSecret string `mapstructure:"session_secret"`

	// DefaultQuotaBytes applies to namespaces without an explicit quota.
	// Zero means unlimited.
	DefaultQuotaBytes int64 `mapstructure:"default_quota_bytes"`
}

// Defaults as documented in the operator guide.
const (
	DefaultLFSThreshold       = 10_000_000
	DefaultLFSKeepVersions    = 5
	DefaultMultipartThreshold = 64 << 20
	DefaultMultipartChunk     = 16 << 20
)

// New returns a viper instance with defaults registered.
func New() *viper.Viper {
	v := viper.New()
	v.SetDefault("addr", ":48888")
	v.SetDefault("base_url", "http://localhost:48888")
	v.SetDefault("data_dir", "./data")
	v.SetDefault("db_url", "sqlite://./data/hub.db")
	v.SetDefault("lfs_threshold_bytes", DefaultLFSThreshold)
	v.SetDefault("lfs_keep_versions", DefaultLFSKeepVersions)
	v.SetDefault("lfs_auto_gc", true)
	v.SetDefault("multipart_threshold_bytes", DefaultMultipartThreshold)
	v.SetDefault("multipart_chunk_bytes", DefaultMultipartChunk)
	v.SetEnvPrefix("KOHAKUHUB")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// Load unmarshals and validates the configuration.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	if c.DBURL == "" {
		return fmt.Errorf("db_url is required")
	}
	if c.LFSThresholdBytes <= 0 {
		return fmt.Errorf("lfs_threshold_bytes must be positive")
	}
	if c.LFSKeepVersions < 1 {
		return fmt.Errorf("lfs_keep_versions must be at least 1")
	}
	if c.MultipartChunk <= 0 || c.MultipartThreshold <= 0 {
		return fmt.Errorf("multipart sizes must be positive")
	}
	if c.BlobEndpoint != "" && c.BlobBucket == "" {
		return fmt.Errorf("blob_bucket is required when blob_endpoint is set")
	}
	return nil
}
