// Package clusterddl coordinates one administrative statement across every host of a cluster.
//
// A submitter publishes the statement once to a shared coordination store. Every target host
// picks it up, applies it at most once through its own Executor, and records the outcome. The
// submitter waits until every host reported, the timeout elapsed, or (in the *_only_active
// modes) the hosts still pending are offline, and gets one aggregated answer.
//
// Basic usage:
//
//	store := clusterddl.NewMemoryStore(logger)
//	host, _ := clusterddl.NewHost("a", store, myExecutor, cfg)
//	host.Start(ctx)
//
//	coordinator := clusterddl.NewCoordinator(store, cfg)
//	result, err := coordinator.Submit(ctx, clusterddl.Request{
//	    Payload:     []byte("ALTER TABLE t ADD COLUMN c Int32"),
//	    TargetHosts: []string{"a", "b", "c"},
//	})
//	os.Exit(clusterddl.ExitCode(err))
package clusterddl

import (
	"context"
	"log/slog"

	"github.com/eleven-am/clusterddl/internal/adapters/memory"
	"github.com/eleven-am/clusterddl/internal/adapters/raftstore"
	"github.com/eleven-am/clusterddl/internal/adapters/redisstore"
	"github.com/eleven-am/clusterddl/internal/core"
	"github.com/eleven-am/clusterddl/internal/domain"
	"github.com/eleven-am/clusterddl/internal/ports"
	"github.com/eleven-am/clusterddl/internal/waiter"
)

// Host runs on every cluster node. It keeps the node's liveness registration and applies
// each task addressed to it.
type Host = core.Host

// Coordinator publishes tasks and waits for their aggregated outcome.
type Coordinator = core.Coordinator

// Request describes one submission.
type Request = waiter.Request

type Task = domain.Task

type HostOutcome = domain.HostOutcome

type OutcomeStatus = domain.OutcomeStatus

const (
	OutcomePending   = domain.OutcomePending
	OutcomeSucceeded = domain.OutcomeSucceeded
	OutcomeFailed    = domain.OutcomeFailed
)

type OutputMode = domain.OutputMode

const (
	OutputModeDefault         = domain.OutputModeDefault
	OutputModeThrowOnlyActive = domain.OutputModeThrowOnlyActive
	OutputModeNone            = domain.OutputModeNone
	OutputModeNoneOnlyActive  = domain.OutputModeNoneOnlyActive
)

type Overall = domain.Overall

const (
	OverallRunning        = domain.OverallRunning
	OverallSuccess        = domain.OverallSuccess
	OverallPartialSuccess = domain.OverallPartialSuccess
	OverallFailed         = domain.OverallFailed
	OverallTimedOut       = domain.OverallTimedOut
)

type AggregatedResult = domain.AggregatedResult

type StatusRow = domain.StatusRow

// Executor applies a task on the local host.
type Executor = ports.Executor

type ExecutorFunc = ports.ExecutorFunc

// CoordinationStore is the consistent registry shared by all hosts.
type CoordinationStore = ports.CoordinationStore

type Session = ports.Session

// Lease sets how long an ephemeral node outlives its last renewal.
type Lease = ports.Lease

type PublishError = domain.PublishError

type ExecutionError = domain.ExecutionError

type ExecutionFailedError = domain.ExecutionFailedError

type TimeoutError = domain.TimeoutError

const (
	CodeOK              = domain.CodeOK
	CodeExecutionFailed = domain.CodeExecutionFailed
	CodeUnknown         = domain.CodeUnknown
	CodeTimeoutExceeded = domain.CodeTimeoutExceeded
	CodePublishFailed   = domain.CodePublishFailed
)

var (
	ErrNodeExists    = domain.ErrNodeExists
	ErrClosed        = domain.ErrClosed
	ErrInvalidConfig = domain.ErrInvalidConfig
	ErrInvalidTask   = domain.ErrInvalidTask
)

// ParseOutputMode accepts the canonical mode names and their aliases.
func ParseOutputMode(s string) (OutputMode, error) { return domain.ParseOutputMode(s) }

// ExitCode maps a Submit error to the status code reported to the submitter.
func ExitCode(err error) int { return domain.ExitCode(err) }

func IsTimeout(err error) bool { return domain.IsTimeout(err) }

func IsExecutionFailed(err error) bool { return domain.IsExecutionFailed(err) }

func IsPublishError(err error) bool { return domain.IsPublishError(err) }

// NewMemoryStore returns an in-process store. All hosts of a cluster must share the value.
func NewMemoryStore(logger *slog.Logger) *memory.Store {
	return memory.NewStore(logger)
}

// NewRaftStore starts a replicated store node. See RaftStoreConfig for bootstrap and peers.
func NewRaftStore(cfg RaftStoreConfig, logger *slog.Logger) (*raftstore.Store, error) {
	return raftstore.New(cfg, logger)
}

// NewRedisStore connects to a Redis server shared by all hosts.
func NewRedisStore(ctx context.Context, cfg RedisStoreConfig, logger *slog.Logger) (*redisstore.Store, error) {
	return redisstore.New(ctx, cfg, logger)
}

// NewHost builds a host over store that applies tasks through executor.
func NewHost(id string, store CoordinationStore, executor Executor, cfg Config) (*Host, error) {
	return core.NewHost(id, store, executor, cfg)
}

func NewCoordinator(store CoordinationStore, cfg Config) *Coordinator {
	return core.NewCoordinator(store, cfg)
}

// StartHosts starts hosts concurrently and stops the started ones if any fails.
func StartHosts(ctx context.Context, hosts ...*Host) error {
	return core.StartHosts(ctx, hosts...)
}

func StopHosts(hosts ...*Host) error {
	return core.StopHosts(hosts...)
}
