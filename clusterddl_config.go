package clusterddl

import (
	"context"
	"fmt"

	"github.com/eleven-am/clusterddl/internal/domain"
)

type Config = domain.Config

type StoreConfig = domain.StoreConfig

type StoreBackend = domain.StoreBackend

const (
	StoreMemory = domain.StoreMemory
	StoreRaft   = domain.StoreRaft
	StoreRedis  = domain.StoreRedis
)

type RaftStoreConfig = domain.RaftStoreConfig

type RaftPeer = domain.RaftPeer

type RedisStoreConfig = domain.RedisStoreConfig

type LivenessConfig = domain.LivenessConfig

type ExecutorConfig = domain.ExecutorConfig

type WaiterConfig = domain.WaiterConfig

func DefaultConfig() *Config {
	return domain.DefaultConfig()
}

// LoadConfig reads a YAML file, fills unset fields from DefaultConfig and validates it.
func LoadConfig(path string) (*Config, error) {
	return domain.LoadConfig(path)
}

// OpenStore opens the store selected by cfg.Store.Backend.
func OpenStore(ctx context.Context, cfg *Config) (CoordinationStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Store.Backend {
	case StoreMemory:
		return NewMemoryStore(cfg.Logger), nil
	case StoreRaft:
		store, err := NewRaftStore(cfg.Store.Raft, cfg.Logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	case StoreRedis:
		store, err := NewRedisStore(ctx, cfg.Store.Redis, cfg.Logger)
		if err != nil {
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("%w: unknown store backend %q", ErrInvalidConfig, cfg.Store.Backend)
	}
}
