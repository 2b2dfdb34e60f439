// Package raftstore is a CoordinationStore replicated with hashicorp/raft. Every node keeps
// the full state in a local badger database; writes go through the leader and reads are
// served locally.
package raftstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/raft"

	"github.com/eleven-am/clusterddl/internal/adapters/watch"
	"github.com/eleven-am/clusterddl/internal/domain"
	"github.com/eleven-am/clusterddl/internal/ports"
	"github.com/eleven-am/clusterddl/internal/xjson"
)

const (
	retryDelay   = 50 * time.Millisecond
	appliedPoll  = 5 * time.Millisecond
	tcpMaxPool   = 3
	tcpIOTimeout = 10 * time.Second
)

type Store struct {
	cfg       domain.RaftStoreConfig
	raft      *raft.Raft
	transport raft.Transport
	storage   *storage
	fsm       *FSM
	hub       *watch.Hub
	forwarder forwarder
	server    *forwardServer
	peers     map[raft.ServerID]string
	logger    *slog.Logger

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	sessions map[string]*session
}

var (
	_ ports.CoordinationStore = (*Store)(nil)
	_ ForwardServer           = (*Store)(nil)
)

// New starts a raft node on cfg.BindAddr with a TCP transport and serves forwarded writes
// on cfg.ForwardAddr.
func New(cfg domain.RaftStoreConfig, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "coordination-store", "type", "raft", "node_id", cfg.NodeID)

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("%w: raft bind address %s: %v", domain.ErrInvalidConfig, cfg.BindAddr, err)
	}
	transport, err := raft.NewTCPTransportWithLogger(cfg.BindAddr, addr, tcpMaxPool, tcpIOTimeout,
		slogToHcLogger(logger.With("component", "raft-transport")))
	if err != nil {
		return nil, fmt.Errorf("create raft transport: %w", err)
	}

	s, err := newStore(cfg, transport, newGRPCForwarder(logger), logger)
	if err != nil {
		_ = transport.Close()
		return nil, err
	}

	server, err := startForwardServer(cfg.ForwardAddr, s, logger)
	if err != nil {
		_ = s.Close()
		return nil, err
	}
	s.server = server
	return s, nil
}

func newStore(cfg domain.RaftStoreConfig, transport raft.Transport, fwd forwarder, logger *slog.Logger) (*Store, error) {
	st, err := openStorage(cfg.DataDir, cfg.MaxSnapshots, logger)
	if err != nil {
		return nil, err
	}

	hub := watch.NewHub()
	fsm := NewFSM(st.stateDB, hub, logger)

	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(cfg.NodeID)
	raftConfig.HeartbeatTimeout = cfg.HeartbeatTimeout
	raftConfig.ElectionTimeout = cfg.ElectionTimeout
	raftConfig.CommitTimeout = cfg.CommitTimeout
	raftConfig.LeaderLeaseTimeout = cfg.LeaderLeaseTimeout
	raftConfig.SnapshotInterval = cfg.SnapshotInterval
	raftConfig.SnapshotThreshold = cfg.SnapshotThreshold
	raftConfig.Logger = slogToHcLogger(logger.With("component", "raft"))

	peers := map[raft.ServerID]string{raft.ServerID(cfg.NodeID): cfg.ForwardAddr}
	servers := []raft.Server{{ID: raft.ServerID(cfg.NodeID), Address: transport.LocalAddr()}}
	for _, p := range cfg.Peers {
		peers[raft.ServerID(p.ID)] = p.ForwardAddr
		if p.ID == cfg.NodeID {
			continue
		}
		servers = append(servers, raft.Server{ID: raft.ServerID(p.ID), Address: raft.ServerAddress(p.Address)})
	}

	if cfg.Bootstrap {
		err := raft.BootstrapCluster(raftConfig, st.logStore, st.stableStore, st.snapStore, transport,
			raft.Configuration{Servers: servers})
		switch {
		case errors.Is(err, raft.ErrCantBootstrap):
			logger.Debug("cluster already bootstrapped, continuing with existing state")
		case err != nil:
			st.Close()
			return nil, fmt.Errorf("bootstrap raft cluster: %w", err)
		default:
			logger.Info("bootstrapped raft cluster", "servers", len(servers))
		}
	}

	r, err := raft.NewRaft(raftConfig, fsm, st.logStore, st.stableStore, st.snapStore, transport)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("create raft node: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		cfg:       cfg,
		raft:      r,
		transport: transport,
		storage:   st,
		fsm:       fsm,
		hub:       hub,
		forwarder: fwd,
		peers:     peers,
		logger:    logger,
		cancel:    cancel,
		sessions:  make(map[string]*session),
	}

	s.wg.Add(1)
	go s.runReaper(ctx)
	return s, nil
}

func (s *Store) IsLeader() bool {
	return s.raft.State() == raft.Leader
}

// WaitForLeader blocks until the cluster has elected a leader this node knows about.
func (s *Store) WaitForLeader(ctx context.Context) error {
	ticker := time.NewTicker(retryDelay)
	defer ticker.Stop()

	for {
		if _, id := s.raft.LeaderWithID(); id != "" {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", domain.ErrNoLeader, ctx.Err())
		case <-ticker.C:
		}
	}
}

func (s *Store) Create(ctx context.Context, ops ...ports.CreateOp) error {
	cmdOps := make([]CreateOp, 0, len(ops))
	for _, op := range ops {
		cmdOps = append(cmdOps, CreateOp{Path: op.Path, Value: op.Value})
	}
	if _, err := s.apply(ctx, NewCreateCommand(cmdOps)); err != nil {
		return domain.NewStoreError("create", firstPath(ops), err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, path string) (ports.Node, bool, error) {
	if err := s.checkRead(ctx); err != nil {
		return ports.Node{}, false, domain.NewStoreError("get", path, err)
	}
	node, ok, err := s.fsm.Get(path)
	if err != nil {
		return ports.Node{}, false, domain.NewStoreError("get", path, err)
	}
	return node, ok, nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]ports.Node, error) {
	if err := s.checkRead(ctx); err != nil {
		return nil, domain.NewStoreError("list", prefix, err)
	}
	nodes, err := s.fsm.List(prefix)
	if err != nil {
		return nil, domain.NewStoreError("list", prefix, err)
	}
	return nodes, nil
}

func (s *Store) Watch(ctx context.Context, prefix string) (<-chan struct{}, error) {
	ch, ok := s.hub.Subscribe(ctx, prefix)
	if !ok {
		return nil, domain.NewStoreError("watch", prefix, domain.ErrClosed)
	}
	return ch, nil
}

func (s *Store) NextSequence(ctx context.Context, name string) (int64, error) {
	result, err := s.apply(ctx, NewSequenceCommand(name))
	if err != nil {
		return 0, domain.NewStoreError("sequence", name, err)
	}
	return result.Sequence, nil
}

// RegisterEphemeral opens a replicated session owning path. The session is kept alive by
// a background loop; if the cluster stops acknowledging keepalives for longer than ttl the
// leader expires it and Done closes.
func (s *Store) RegisterEphemeral(ctx context.Context, path string, value []byte, lease ports.Lease) (ports.Session, error) {
	id := uuid.NewString()
	if _, err := s.apply(ctx, NewOpenSessionCommand(id, path, value, lease.TTL)); err != nil {
		return nil, domain.NewStoreError("register", path, err)
	}

	sess := newSession(s, id, path, lease)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		sess.end()
		return nil, domain.NewStoreError("register", path, domain.ErrClosed)
	}
	s.sessions[id] = sess
	s.mu.Unlock()

	sess.start()
	s.logger.Debug("ephemeral node registered", "path", path, "session", id)
	return sess, nil
}

// ApplyForwarded serves a write sent by a follower.
func (s *Store) ApplyForwarded(ctx context.Context, command []byte) ([]byte, error) {
	var result *CommandResult
	if !s.IsLeader() {
		result = failure(codeNotLeader, domain.ErrNotLeader)
	} else if r, err := s.applyLocal(command); err != nil {
		result = failure(codeFor(err), err)
	} else {
		result = r
	}
	return xjson.Marshal(result)
}

func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	sessions := s.sessions
	s.sessions = make(map[string]*session)
	s.mu.Unlock()

	for _, sess := range sessions {
		sess.end()
	}

	s.cancel()
	s.wg.Wait()

	s.transferLeadership()
	if s.server != nil {
		s.server.Stop()
	}
	if err := s.raft.Shutdown().Error(); err != nil {
		s.logger.Error("failed to shut down raft", "error", err)
	}
	if closer, ok := s.transport.(raft.WithClose); ok {
		if err := closer.Close(); err != nil {
			s.logger.Warn("failed to close raft transport", "error", err)
		}
	}
	if err := s.forwarder.Close(); err != nil {
		s.logger.Warn("failed to close forwarder", "error", err)
	}
	s.hub.Close()
	s.storage.Close()
	s.logger.Info("coordination store closed")
	return nil
}

// transferLeadership hands leadership to another voter so writes keep flowing while this
// node shuts down. A single-node cluster has nobody to hand it to.
func (s *Store) transferLeadership() {
	if !s.IsLeader() {
		return
	}
	future := s.raft.GetConfiguration()
	if err := future.Error(); err != nil || len(future.Configuration().Servers) < 2 {
		return
	}

	s.logger.Info("transferring leadership before shutdown")
	if err := s.raft.LeadershipTransfer().Error(); err != nil {
		s.logger.Warn("failed to transfer leadership", "error", err)
	}
}

// apply commits cmd through the leader, retrying while leadership is unsettled for at most
// ApplyTimeout. A failed forward or a lost leadership may still have committed the entry, so
// commands that are not naturally idempotent carry a key and a retry returns the first
// result. Once apply returns, the local replica has applied the command.
func (s *Store) apply(ctx context.Context, cmd *Command) (*CommandResult, error) {
	if cmd.IdempotencyKey == "" && cmd.needsIdempotencyKey() {
		cmd.IdempotencyKey = uuid.NewString()
	}
	data, err := cmd.Marshal()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ApplyTimeout)
	defer cancel()

	for {
		if s.isClosed() {
			return nil, domain.ErrClosed
		}

		result, err := s.applyOnce(ctx, data)
		if err == nil {
			if !result.Success {
				return result, result.Err()
			}
			s.waitApplied(ctx, result.Index)
			return result, nil
		}
		if !isRetryable(err) {
			return nil, err
		}

		s.logger.Debug("retrying command", "command_type", cmd.Type.String(), "error", err)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", err, ctx.Err())
		case <-time.After(retryDelay):
		}
	}
}

func (s *Store) applyOnce(ctx context.Context, data []byte) (*CommandResult, error) {
	if s.IsLeader() {
		return s.applyLocal(data)
	}

	addr, err := s.leaderForwardAddr()
	if err != nil {
		return nil, err
	}
	result, err := s.forwarder.Forward(ctx, addr, data)
	if err != nil {
		return nil, fmt.Errorf("%w: forward to %s: %v", domain.ErrNoLeader, addr, err)
	}
	if result.Code == codeNotLeader {
		return nil, domain.ErrNotLeader
	}
	return result, nil
}

func (s *Store) applyLocal(data []byte) (*CommandResult, error) {
	future := s.raft.Apply(data, s.cfg.ApplyTimeout)
	if err := future.Error(); err != nil {
		if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) {
			return nil, fmt.Errorf("%w: %v", domain.ErrNotLeader, err)
		}
		if errors.Is(err, raft.ErrRaftShutdown) {
			return nil, domain.ErrClosed
		}
		return nil, err
	}

	result, ok := future.Response().(*CommandResult)
	if !ok {
		return nil, fmt.Errorf("unexpected fsm response %T", future.Response())
	}
	return result, nil
}

func (s *Store) leaderForwardAddr() (string, error) {
	_, id := s.raft.LeaderWithID()
	if id == "" {
		return "", domain.ErrNoLeader
	}
	addr, ok := s.peers[id]
	if !ok || addr == "" {
		return "", fmt.Errorf("%w: no forward address for leader %s", domain.ErrNoLeader, id)
	}
	return addr, nil
}

func (s *Store) waitApplied(ctx context.Context, index uint64) {
	for s.raft.AppliedIndex() < index {
		select {
		case <-ctx.Done():
			return
		case <-time.After(appliedPoll):
		}
	}
}

func (s *Store) runReaper(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.ReapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.IsLeader() {
				s.reap()
			}
		}
	}
}

func (s *Store) reap() {
	sessions, err := s.fsm.Sessions()
	if err != nil {
		s.logger.Error("failed to list sessions", "error", err)
		return
	}

	now := time.Now()
	for _, sess := range sessions {
		if !sess.Expired(now) {
			continue
		}
		data, err := NewExpireSessionCommand(sess.ID).Marshal()
		if err != nil {
			continue
		}
		result, err := s.applyLocal(data)
		if err != nil {
			s.logger.Warn("failed to expire session", "session", sess.ID, "error", err)
			return
		}
		if !result.Skipped {
			s.logger.Info("session expired", "session", sess.ID, "path", sess.Path, "ttl", sess.TTL)
		}
	}
}

func (s *Store) forget(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Store) checkRead(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.isClosed() {
		return domain.ErrClosed
	}
	return nil
}

func isRetryable(err error) bool {
	return errors.Is(err, domain.ErrNoLeader) || errors.Is(err, domain.ErrNotLeader)
}

func firstPath(ops []ports.CreateOp) string {
	if len(ops) == 0 {
		return ""
	}
	return ops[0].Path
}
