// Package config provides YAML configuration loading for relaynotes.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	apperrors "github.com/kimhsiao/relaynotes/internal/errors"
)

// Config holds the full application configuration.
type Config struct {
	// Relays are the relay endpoint URLs (wss://...).
	Relays []string `yaml:"relays"`

	// DataDir is where the encrypted local store lives.
	DataDir string `yaml:"data_dir"`

	// LogLevel is one of DEBUG, INFO, WARN, ERROR.
	LogLevel string `yaml:"log_level"`

	Cache     CacheConfig     `yaml:"cache"`
	Store     StoreConfig     `yaml:"store"`
	Publish   PublishConfig   `yaml:"publish"`
	Pool      PoolConfig      `yaml:"pool"`
	Queue     QueueConfig     `yaml:"queue"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
}

// CacheConfig bounds the in-memory event cache.
type CacheConfig struct {
	Capacity int           `yaml:"capacity"`
	TTL      time.Duration `yaml:"ttl"`
}

// StoreConfig tunes the encrypted store.
type StoreConfig struct {
	DebounceWindow time.Duration `yaml:"debounce_window"`
}

// PublishConfig tunes the publish protocol.
type PublishConfig struct {
	AckTimeout   time.Duration `yaml:"ack_timeout"`
	Concurrency  int           `yaml:"concurrency"`
	StaggerDelay time.Duration `yaml:"stagger_delay"`
}

// PoolConfig tunes relay pool health checking and reconnection.
type PoolConfig struct {
	HealthInterval    time.Duration `yaml:"health_interval"`
	BackoffBase       time.Duration `yaml:"backoff_base"`
	BackoffCap        time.Duration `yaml:"backoff_cap"`
	MaxReconnectTries int           `yaml:"max_reconnect_tries"`
}

// QueueConfig tunes the operation batcher.
type QueueConfig struct {
	DebounceWindow time.Duration `yaml:"debounce_window"`
	MaxSize        int           `yaml:"max_size"`
}

// SchedulerConfig tunes background sync.
type SchedulerConfig struct {
	SyncInterval  time.Duration `yaml:"sync_interval"`
	QueueInterval time.Duration `yaml:"queue_interval"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		DataDir:  "data",
		LogLevel: "INFO",
		Cache: CacheConfig{
			Capacity: 10000,
			TTL:      30 * time.Minute,
		},
		Store: StoreConfig{
			DebounceWindow: 2 * time.Second,
		},
		Publish: PublishConfig{
			AckTimeout:   10 * time.Second,
			Concurrency:  3,
			StaggerDelay: 100 * time.Millisecond,
		},
		Pool: PoolConfig{
			HealthInterval:    60 * time.Second,
			BackoffBase:       10 * time.Second,
			BackoffCap:        60 * time.Second,
			MaxReconnectTries: 3,
		},
		Queue: QueueConfig{
			DebounceWindow: 2 * time.Second,
			MaxSize:        10,
		},
		Scheduler: SchedulerConfig{
			SyncInterval:  15 * time.Minute,
			QueueInterval: 1 * time.Minute,
		},
	}
}

// Load reads a YAML config file and merges it over the defaults.
// A missing file is not an error; defaults apply.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, apperrors.Wrap(apperrors.ErrConfigInvalid, "failed to read config file", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfigInvalid, "failed to parse config file", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks the configuration for values the sync core cannot run with.
func (c *Config) Validate() error {
	if c.Cache.Capacity <= 0 {
		return apperrors.New(apperrors.ErrConfigInvalid, fmt.Sprintf("cache capacity must be positive, got %d", c.Cache.Capacity))
	}
	if c.Cache.TTL <= 0 {
		return apperrors.New(apperrors.ErrConfigInvalid, "cache ttl must be positive")
	}
	if c.Publish.Concurrency <= 0 {
		return apperrors.New(apperrors.ErrConfigInvalid, "publish concurrency must be positive")
	}
	if c.Publish.AckTimeout <= 0 {
		return apperrors.New(apperrors.ErrConfigInvalid, "publish ack timeout must be positive")
	}
	if c.Queue.MaxSize <= 0 {
		return apperrors.New(apperrors.ErrConfigInvalid, "queue max size must be positive")
	}
	if c.Pool.BackoffBase <= 0 || c.Pool.BackoffCap < c.Pool.BackoffBase {
		return apperrors.New(apperrors.ErrConfigInvalid, "pool backoff base/cap are inconsistent")
	}
	return nil
}
