package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/eleven-am/clusterddl/internal/domain"
	"github.com/eleven-am/clusterddl/internal/executor"
	"github.com/eleven-am/clusterddl/internal/liveness"
	"github.com/eleven-am/clusterddl/internal/ports"
	"github.com/eleven-am/clusterddl/internal/tasklog"
)

// Host is one cluster node: it advertises liveness and applies every task addressed to it.
type Host struct {
	id        string
	heartbeat *liveness.Heartbeat
	executor  *executor.HostExecutor
	logger    *slog.Logger

	mu      sync.Mutex
	started bool
}

func NewHost(id string, store ports.CoordinationStore, delegate ports.Executor, cfg domain.Config) (*Host, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: host id is required", domain.ErrInvalidConfig)
	}
	if delegate == nil {
		return nil, fmt.Errorf("%w: executor is required", domain.ErrInvalidConfig)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	liveCfg := cfg.Liveness
	if liveCfg.TTL <= 0 {
		liveCfg = domain.DefaultLivenessConfig()
	}

	return &Host{
		id:        id,
		heartbeat: liveness.NewHeartbeat(store, id, liveCfg, logger),
		executor:  executor.New(id, tasklog.New(store, logger), delegate, cfg.Executor, logger),
		logger:    logger.With("component", "host", "host", id),
	}, nil
}

func (h *Host) ID() string { return h.id }

// Start registers liveness first so the host is never executing while seen as offline.
func (h *Host) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.started {
		return domain.ErrAlreadyStarted
	}

	if err := h.heartbeat.Start(ctx); err != nil {
		return fmt.Errorf("start heartbeat: %w", err)
	}
	if err := h.executor.Start(context.Background()); err != nil {
		_ = h.heartbeat.Stop()
		return fmt.Errorf("start executor: %w", err)
	}

	h.started = true
	h.logger.Info("host started")
	return nil
}

// Stop waits for the task in progress, then releases the liveness registration.
func (h *Host) Stop() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.started {
		return domain.ErrNotStarted
	}
	h.started = false

	h.executor.Stop()
	if err := h.heartbeat.Stop(); err != nil {
		return fmt.Errorf("stop heartbeat: %w", err)
	}
	h.logger.Info("host stopped")
	return nil
}

// Process runs one task through the executor outside the background loop.
func (h *Host) Process(ctx context.Context, task domain.Task) (bool, error) {
	return h.executor.Process(ctx, task)
}

// StartHosts starts every host concurrently. On failure the hosts that did start are stopped.
func StartHosts(ctx context.Context, hosts ...*Host) error {
	g, gctx := errgroup.WithContext(ctx)
	for _, h := range hosts {
		g.Go(func() error {
			if err := h.Start(gctx); err != nil {
				return fmt.Errorf("host %s: %w", h.id, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		_ = StopHosts(hosts...)
		return err
	}
	return nil
}

// StopHosts stops every started host concurrently and joins their errors.
func StopHosts(hosts ...*Host) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for _, h := range hosts {
		g.Go(func() error {
			if err := h.Stop(); err != nil && !errors.Is(err, domain.ErrNotStarted) {
				mu.Lock()
				errs = append(errs, fmt.Errorf("host %s: %w", h.id, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
