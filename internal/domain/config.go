package domain

import (
	"log/slog"
	"time"
)

type Config struct {
	HostID string       `json:"host_id" yaml:"host_id" validate:"required,excludes=/"`
	Logger *slog.Logger `json:"-" yaml:"-" validate:"-"`

	Store    StoreConfig    `json:"store" yaml:"store"`
	Liveness LivenessConfig `json:"liveness" yaml:"liveness"`
	Executor ExecutorConfig `json:"executor" yaml:"executor"`
	Waiter   WaiterConfig   `json:"waiter" yaml:"waiter"`
}

type StoreBackend string

const (
	StoreMemory StoreBackend = "memory"
	StoreRaft   StoreBackend = "raft"
	StoreRedis  StoreBackend = "redis"
)

type StoreConfig struct {
	Backend StoreBackend     `json:"backend" yaml:"backend" validate:"oneof=memory raft redis"`
	Raft    RaftStoreConfig  `json:"raft" yaml:"raft" validate:"-"`
	Redis   RedisStoreConfig `json:"redis" yaml:"redis" validate:"-"`
}

type RaftPeer struct {
	ID          string `json:"id" yaml:"id" validate:"required"`
	Address     string `json:"address" yaml:"address" validate:"required,hostname_port"`
	ForwardAddr string `json:"forward_addr" yaml:"forward_addr" validate:"required,hostname_port"`
}

type RaftStoreConfig struct {
	NodeID      string     `json:"node_id" yaml:"node_id" validate:"required"`
	BindAddr    string     `json:"bind_addr" yaml:"bind_addr" validate:"required,hostname_port"`
	ForwardAddr string     `json:"forward_addr" yaml:"forward_addr" validate:"required,hostname_port"`
	DataDir     string     `json:"data_dir" yaml:"data_dir" validate:"required"`
	Bootstrap   bool       `json:"bootstrap" yaml:"bootstrap"`
	Peers       []RaftPeer `json:"peers,omitempty" yaml:"peers,omitempty" validate:"dive"`

	HeartbeatTimeout   time.Duration `json:"heartbeat_timeout" yaml:"heartbeat_timeout" validate:"gt=0"`
	ElectionTimeout    time.Duration `json:"election_timeout" yaml:"election_timeout" validate:"gt=0"`
	CommitTimeout      time.Duration `json:"commit_timeout" yaml:"commit_timeout" validate:"gt=0"`
	LeaderLeaseTimeout time.Duration `json:"leader_lease_timeout" yaml:"leader_lease_timeout" validate:"gt=0"`
	SnapshotInterval   time.Duration `json:"snapshot_interval" yaml:"snapshot_interval" validate:"gt=0"`
	SnapshotThreshold  uint64        `json:"snapshot_threshold" yaml:"snapshot_threshold" validate:"gt=0"`
	MaxSnapshots       int           `json:"max_snapshots" yaml:"max_snapshots" validate:"gt=0"`
	ApplyTimeout       time.Duration `json:"apply_timeout" yaml:"apply_timeout" validate:"gt=0"`
	ReapInterval       time.Duration `json:"reap_interval" yaml:"reap_interval" validate:"gt=0"`
}

type RedisStoreConfig struct {
	Addr         string        `json:"addr" yaml:"addr" validate:"required,hostname_port"`
	Password     string        `json:"password,omitempty" yaml:"password,omitempty"`
	DB           int           `json:"db" yaml:"db" validate:"gte=0"`
	KeyPrefix    string        `json:"key_prefix" yaml:"key_prefix"`
	DialTimeout  time.Duration `json:"dial_timeout" yaml:"dial_timeout" validate:"gt=0"`
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval" validate:"gt=0"`
}

type LivenessConfig struct {
	TTL           time.Duration `json:"ttl" yaml:"ttl" validate:"gt=0"`
	RenewInterval time.Duration `json:"renew_interval" yaml:"renew_interval" validate:"gt=0,ltfield=TTL"`
}

type ExecutorConfig struct {
	// ExecutionTimeout bounds a single delegated execution; zero disables the bound.
	ExecutionTimeout time.Duration `json:"execution_timeout" yaml:"execution_timeout" validate:"gte=0"`
}

type WaiterConfig struct {
	DefaultTimeout    time.Duration `json:"default_timeout" yaml:"default_timeout" validate:"gt=0"`
	DefaultOutputMode OutputMode    `json:"default_output_mode" yaml:"default_output_mode" validate:"omitempty,oneof=default throw_only_active none none_only_active"`
	// LivenessPollInterval re-checks liveness even without a store notification.
	LivenessPollInterval time.Duration `json:"liveness_poll_interval" yaml:"liveness_poll_interval" validate:"gt=0"`
}
