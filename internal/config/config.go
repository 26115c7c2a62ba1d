// Package config loads and validates archiver configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	API      APIConfig      `mapstructure:"api"`
	Service  ServiceConfig  `mapstructure:"service"`
	Queue    QueueConfig    `mapstructure:"queue"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Recorder RecorderConfig `mapstructure:"recorder"`
	DB       DBConfig       `mapstructure:"db"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// APIConfig controls the HTTP status API.
type APIConfig struct {
	Port int `mapstructure:"port"`
}

// ServiceConfig points at the remote area service.
type ServiceConfig struct {
	BaseURL                string `mapstructure:"base_url"`
	UserAgent              string `mapstructure:"user_agent"`
	SearchTimeoutSeconds   int    `mapstructure:"search_timeout_seconds"`
	DownloadTimeoutSeconds int    `mapstructure:"download_timeout_seconds"`
}

// QueueConfig governs drain loop pacing.
type QueueConfig struct {
	DrainIntervalSeconds  float64 `mapstructure:"drain_interval_seconds"`
	ArchiveTimeoutSeconds int     `mapstructure:"archive_timeout_seconds"`
}

// StorageConfig selects and parameterizes the blob store.
type StorageConfig struct {
	Provider    string `mapstructure:"provider"` // local, gcs or memory
	BaseDir     string `mapstructure:"base_dir"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// RecorderConfig selects and parameterizes the outcome recorder.
type RecorderConfig struct {
	Provider   string `mapstructure:"provider"` // file or postgres
	Dir        string `mapstructure:"dir"`
	ArchiveLog string `mapstructure:"archive_log"`
	FailedLog  string `mapstructure:"failed_log"`
	RunLog     string `mapstructure:"run_log"`
}

// DBConfig controls the Postgres recorder.
type DBConfig struct {
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// PubSubConfig holds metadata for outcome event publication.
type PubSubConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	ProjectID string `mapstructure:"project_id"`
	Topic     string `mapstructure:"topic"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ARCHIVER")
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
	v.SetDefault("api.port", 8080)
	v.SetDefault("service.user_agent", "anyland-archive-redux/1.0")
	v.SetDefault("service.search_timeout_seconds", 15)
	v.SetDefault("service.download_timeout_seconds", 60)
	v.SetDefault("queue.drain_interval_seconds", 1.0)
	v.SetDefault("queue.archive_timeout_seconds", 120)
	v.SetDefault("storage.provider", "local")
	v.SetDefault("storage.base_dir", "data/areas")
	v.SetDefault("storage.prefix", "areas")
	v.SetDefault("storage.content_type", "application/json")
	v.SetDefault("recorder.provider", "file")
	v.SetDefault("recorder.dir", "data/logs")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.API.Port <= 0 {
		return fmt.Errorf("api.port must be > 0")
	}
	if c.Service.BaseURL == "" {
		return fmt.Errorf("service.base_url is required")
	}
	if c.Queue.DrainIntervalSeconds < 0 {
		return fmt.Errorf("queue.drain_interval_seconds must be >= 0")
	}
	switch c.Storage.Provider {
	case "local":
		if c.Storage.BaseDir == "" {
			return fmt.Errorf("storage.base_dir is required for the local provider")
		}
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket is required for the gcs provider")
		}
	case "memory":
	default:
		return fmt.Errorf("unknown storage provider: %s", c.Storage.Provider)
	}
	switch c.Recorder.Provider {
	case "file":
		if c.Recorder.Dir == "" {
			return fmt.Errorf("recorder.dir is required for the file provider")
		}
	case "postgres":
		if c.DB.DSN == "" {
			return fmt.Errorf("db.dsn is required for the postgres recorder")
		}
	default:
		return fmt.Errorf("unknown recorder provider: %s", c.Recorder.Provider)
	}
	if c.PubSub.Enabled && (c.PubSub.ProjectID == "" || c.PubSub.Topic == "") {
		return fmt.Errorf("pubsub.project_id and pubsub.topic are required when pubsub is enabled")
	}
	return nil
}

// DrainInterval converts the configured drain cadence into a Duration.
func (c Config) DrainInterval() time.Duration {
	return time.Duration(c.Queue.DrainIntervalSeconds * float64(time.Second))
}

// ArchiveTimeout converts the per-call archive bound into a Duration.
func (c Config) ArchiveTimeout() time.Duration {
	return time.Duration(c.Queue.ArchiveTimeoutSeconds) * time.Second
}
