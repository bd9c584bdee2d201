// Package config loads the server configuration file.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/pelletier/go-toml"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/matteso1/crabdb/internal/engine"
	"github.com/matteso1/crabdb/internal/storage"
)

// Storage backends.
const (
	BackendSegment = "segment"
	BackendLog     = "log"
)

// Config is the on-disk server configuration.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Storage StorageConfig `toml:"storage"`
	Log     LogConfig     `toml:"log"`
}

// ServerConfig is the [server] table.
type ServerConfig struct {
	// Address is the gRPC listen address.
	Address string `toml:"address"`
	// MetricsAddress serves /metrics. Empty disables it.
	MetricsAddress string `toml:"metrics_address"`
	ActorQueueSize int    `toml:"actor_queue_size"`
}

// StorageConfig is the [storage] table.
type StorageConfig struct {
	DataDir string `toml:"data_dir"`
	// Backend is "segment" or "log".
	Backend          string `toml:"backend"`
	MaxSegmentSize   int64  `toml:"max_segment_size"`
	MergeInterval    string `toml:"merge_interval"`
	MinMergeSegments int    `toml:"min_merge_segments"`
	SegmentCacheSize int    `toml:"segment_cache_size"`
	ManifestFile     string `toml:"manifest_file"`
	// SyncWrites fsyncs every record log append.
	SyncWrites bool `toml:"sync_writes"`
}

// LogConfig is the [log] table.
type LogConfig struct {
	Level string `toml:"level"`
}

// Default returns the built-in configuration.
func Default() Config {
	engineDefaults := storage.DefaultConfig()
	return Config{
		Server: ServerConfig{
			Address:        "127.0.0.1:50051",
			MetricsAddress: "127.0.0.1:9090",
			ActorQueueSize: engine.DefaultQueueSize,
		},
		Storage: StorageConfig{
			DataDir:          "./data",
			Backend:          BackendSegment,
			MaxSegmentSize:   engineDefaults.MaxSegmentSize,
			MergeInterval:    engineDefaults.MergeInterval.String(),
			MinMergeSegments: engineDefaults.MinMergeSegments,
			SegmentCacheSize: engineDefaults.SegmentCacheSize,
			ManifestFile:     engineDefaults.ManifestFile,
		},
		Log: LogConfig{
			Level: logrus.InfoLevel.String(),
		},
	}
}

// Load reads path over the defaults. Keys missing from the file keep their
// default values. An empty path returns the defaults.
func Load(path string) (Config, error) {
	config := Default()
	if path == "" {
		return config, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return config, errors.Wrapf(err, "read config file %s", path)
	}
	if err := toml.Unmarshal(data, &config); err != nil {
		return config, errors.Wrapf(err, "parse config file %s", path)
	}
	if err := config.Validate(); err != nil {
		return config, errors.WithMessagef(err, "invalid config file %s", path)
	}
	return config, nil
}

// Validate checks values the engine cannot default.
func (c Config) Validate() error {
	switch c.Storage.Backend {
	case BackendSegment, BackendLog:
	default:
		return errors.Errorf("unknown storage backend %q", c.Storage.Backend)
	}
	if c.Storage.DataDir == "" {
		return errors.New("storage.data_dir is required")
	}
	if c.Storage.MaxSegmentSize < 0 {
		return errors.Errorf("storage.max_segment_size must not be negative, got %d", c.Storage.MaxSegmentSize)
	}
	if _, err := c.Storage.mergeInterval(); err != nil {
		return err
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return errors.Wrap(err, "log.level")
	}
	return nil
}

func (c StorageConfig) mergeInterval() (time.Duration, error) {
	if c.MergeInterval == "" {
		return storage.DefaultMergeInterval, nil
	}
	d, err := time.ParseDuration(c.MergeInterval)
	if err != nil {
		return 0, errors.Wrapf(err, "storage.merge_interval %q", c.MergeInterval)
	}
	if d <= 0 {
		return 0, errors.Errorf("storage.merge_interval must be positive, got %s", d)
	}
	return d, nil
}

// EngineConfig builds the segment engine configuration.
func (c Config) EngineConfig() (storage.Config, error) {
	interval, err := c.Storage.mergeInterval()
	if err != nil {
		return storage.Config{}, err
	}
	engineConfig := storage.DefaultConfig()
	if c.Storage.MaxSegmentSize > 0 {
		engineConfig.MaxSegmentSize = c.Storage.MaxSegmentSize
	}
	engineConfig.MergeInterval = interval
	if c.Storage.MinMergeSegments > 0 {
		engineConfig.MinMergeSegments = c.Storage.MinMergeSegments
	}
	engineConfig.SegmentCacheSize = c.Storage.SegmentCacheSize
	if c.Storage.ManifestFile != "" {
		engineConfig.ManifestFile = c.Storage.ManifestFile
	}
	return engineConfig, nil
}

// RecordLogPath is the record log file used by the log backend.
func (c Config) RecordLogPath() string {
	return filepath.Join(c.Storage.DataDir, storage.DefaultRecordLogFile)
}

// LogLevel returns the parsed log level, falling back to info.
func (c Config) LogLevel() logrus.Level {
	level, err := logrus.ParseLevel(c.Log.Level)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}
