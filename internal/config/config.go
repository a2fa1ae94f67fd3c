// Package config loads and validates the LFS core's configuration: server
// bind address, blob storage roots, token store location/TTL, the
// repository allowlist, and the access-oracle binary. No component reaches
// for a package-level global; Config is constructed once in main and the
// values each component needs are passed to its constructor.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the complete configuration for the LFS core.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Token    TokenConfig    `mapstructure:"token"`
	Oracle   OracleConfig   `mapstructure:"oracle"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Repos    []string       `mapstructure:"repositories"`
}

// ServerConfig holds HTTP server configuration for cmd/lfsd.
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"` // debug, release
}

// Address returns the HTTP listen address.
func (s *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// StorageConfig holds BlobStore configuration.
type StorageConfig struct {
	// DataRoot is the filesystem root under which the per-repository,
	// fan-out object tree is rooted. This is always the authoritative store.
	DataRoot string `mapstructure:"data_root"`

	// DirMode/FileMode are the permission bits used when creating blob
	// directories/files. Default is intentionally restrictive (0700/0600);
	// operators wanting the historically world-readable layout can widen
	// this explicitly. See DESIGN.md open question on hardening.
	DirMode  uint32 `mapstructure:"dir_mode"`
	FileMode uint32 `mapstructure:"file_mode"`

	S3Mirror S3MirrorConfig `mapstructure:"s3_mirror"`
}

// S3MirrorConfig configures the optional, non-authoritative S3 replication
// target described in SPEC_FULL.md §11.
type S3MirrorConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	Endpoint  string `mapstructure:"endpoint"` // for S3-compatible services
	KeyPrefix string `mapstructure:"key_prefix"`
}

// TokenConfig holds TokenStore configuration.
type TokenConfig struct {
	// Dir is the directory holding one JSON file per user. Falls back to
	// a process-temp subdirectory when empty.
	Dir string `mapstructure:"dir"`

	// TTL is how long a freshly minted or refreshed token remains valid.
	TTL time.Duration `mapstructure:"ttl"`

	// PasswordLength is the number of alphanumeric characters in a minted
	// token password.
	PasswordLength int `mapstructure:"password_length"`
}

// OracleConfig holds the AccessOracle bridge configuration.
type OracleConfig struct {
	// BinaryPath is the path to the external access-control executable
	// (e.g. a gitolite `access` wrapper). If empty or non-executable, every
	// access check fails closed.
	BinaryPath string        `mapstructure:"binary_path"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // json, console
}

// Load reads configuration from an explicit file path, common filesystem
// locations, and environment variables (prefix LFSGATE_), in that order of
// precedence (env always wins).
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigType("yaml")
	v.SetEnvPrefix("LFSGATE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/lfsgate")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")

	v.SetDefault("storage.data_root", "./data/lfs")
	v.SetDefault("storage.dir_mode", 0700)
	v.SetDefault("storage.file_mode", 0600)
	v.SetDefault("storage.s3_mirror.enabled", false)

	v.SetDefault("token.dir", "")
	v.SetDefault("token.ttl", "2h")
	v.SetDefault("token.password_length", 24)

	v.SetDefault("oracle.binary_path", "")
	v.SetDefault("oracle.timeout", "5s")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Storage.DataRoot == "" {
		return fmt.Errorf("storage data_root is required")
	}
	if c.Storage.S3Mirror.Enabled {
		if c.Storage.S3Mirror.Bucket == "" {
			return fmt.Errorf("s3_mirror.bucket is required when s3_mirror is enabled")
		}
		if c.Storage.S3Mirror.Region == "" {
			return fmt.Errorf("s3_mirror.region is required when s3_mirror is enabled")
		}
	}
	if c.Token.TTL <= 0 {
		return fmt.Errorf("token.ttl must be positive")
	}
	if c.Token.PasswordLength < 16 {
		return fmt.Errorf("token.password_length must be at least 16")
	}
	if len(c.Repos) == 0 {
		return fmt.Errorf("at least one repository must be configured")
	}
	return nil
}

// HasRepo reports whether repo is in the configured allowlist.
func (c *Config) HasRepo(repo string) bool {
	for _, r := range c.Repos {
		if r == repo {
			return true
		}
	}
	return false
}
