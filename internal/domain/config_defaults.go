package domain

import (
	"fmt"
	"os"
	"time"

	"dario.cat/mergo"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

func DefaultConfig() *Config {
	return &Config{
		Store: StoreConfig{
			Backend: StoreMemory,
			Raft:    DefaultRaftStoreConfig(),
			Redis:   DefaultRedisStoreConfig(),
		},
		Liveness: DefaultLivenessConfig(),
		Waiter:   DefaultWaiterConfig(),
	}
}

func DefaultRaftStoreConfig() RaftStoreConfig {
	return RaftStoreConfig{
		HeartbeatTimeout:   1000 * time.Millisecond,
		ElectionTimeout:    1000 * time.Millisecond,
		CommitTimeout:      50 * time.Millisecond,
		LeaderLeaseTimeout: 500 * time.Millisecond,
		SnapshotInterval:   120 * time.Second,
		SnapshotThreshold:  8192,
		MaxSnapshots:       3,
		ApplyTimeout:       5 * time.Second,
		ReapInterval:       500 * time.Millisecond,
	}
}

func DefaultRedisStoreConfig() RedisStoreConfig {
	return RedisStoreConfig{
		Addr:         "localhost:6379",
		KeyPrefix:    "clusterddl",
		DialTimeout:  5 * time.Second,
		PollInterval: 500 * time.Millisecond,
	}
}

func DefaultLivenessConfig() LivenessConfig {
	return LivenessConfig{
		TTL:           3 * time.Second,
		RenewInterval: 1 * time.Second,
	}
}

func DefaultWaiterConfig() WaiterConfig {
	return WaiterConfig{
		DefaultTimeout:       180 * time.Second,
		DefaultOutputMode:    OutputModeDefault,
		LivenessPollInterval: 1 * time.Second,
	}
}

// WithDefaults fills every zero field of cfg from DefaultConfig.
func WithDefaults(cfg Config) (*Config, error) {
	if err := mergo.Merge(&cfg, *DefaultConfig()); err != nil {
		return nil, fmt.Errorf("%w: merge defaults: %v", ErrInvalidConfig, err)
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	switch c.Store.Backend {
	case StoreRaft:
		if err := validate.Struct(c.Store.Raft); err != nil {
			return fmt.Errorf("%w: raft: %v", ErrInvalidConfig, err)
		}
	case StoreRedis:
		if err := validate.Struct(c.Store.Redis); err != nil {
			return fmt.Errorf("%w: redis: %v", ErrInvalidConfig, err)
		}
	}
	return nil
}

// LoadConfig reads a YAML file, applies defaults and validates the result.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("%w: parse %s: %v", ErrInvalidConfig, path, err)
	}

	merged, err := WithDefaults(cfg)
	if err != nil {
		return nil, err
	}
	if err := merged.Validate(); err != nil {
		return nil, err
	}
	return merged, nil
}
