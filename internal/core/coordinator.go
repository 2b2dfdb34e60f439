package core

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/eleven-am/clusterddl/internal/domain"
	"github.com/eleven-am/clusterddl/internal/liveness"
	"github.com/eleven-am/clusterddl/internal/ports"
	"github.com/eleven-am/clusterddl/internal/tasklog"
	"github.com/eleven-am/clusterddl/internal/waiter"
)

// Coordinator is the submitting side of the protocol. It needs no liveness registration of
// its own and may run on any process with access to the store.
type Coordinator struct {
	log     *tasklog.Log
	monitor *liveness.Monitor
	waiter  *waiter.Waiter
	logger  *slog.Logger
}

func NewCoordinator(store ports.CoordinationStore, cfg domain.Config) *Coordinator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	waiterCfg := cfg.Waiter
	defaults := domain.DefaultWaiterConfig()
	if waiterCfg.DefaultTimeout <= 0 {
		waiterCfg.DefaultTimeout = defaults.DefaultTimeout
	}
	if waiterCfg.LivenessPollInterval <= 0 {
		waiterCfg.LivenessPollInterval = defaults.LivenessPollInterval
	}

	log := tasklog.New(store, logger)
	monitor := liveness.NewMonitor(store)
	return &Coordinator{
		log:     log,
		monitor: monitor,
		waiter:  waiter.New(log, monitor, waiterCfg, cfg.HostID, logger),
		logger:  logger.With("component", "coordinator"),
	}
}

// Submit publishes a task and waits for its outcome. See waiter.Waiter.Submit.
func (c *Coordinator) Submit(ctx context.Context, req waiter.Request) (*domain.AggregatedResult, error) {
	return c.waiter.Submit(ctx, req)
}

// Resume waits again for an already published task, counting its timeout from now.
func (c *Coordinator) Resume(ctx context.Context, taskName string) (*domain.AggregatedResult, error) {
	task, ok, err := c.log.Task(ctx, taskName)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: task %s", domain.ErrNodeNotFound, taskName)
	}
	c.logger.Info("resuming wait", "task", taskName)
	return c.waiter.Wait(ctx, task, time.Now())
}

// Status renders the per-host status table of a result with current liveness.
func (c *Coordinator) Status(ctx context.Context, result *domain.AggregatedResult) ([]domain.StatusRow, error) {
	active, err := c.monitor.Active(ctx)
	if err != nil {
		return nil, fmt.Errorf("read liveness: %w", err)
	}
	return result.Rows(active), nil
}

func (c *Coordinator) Tasks(ctx context.Context) ([]domain.Task, error) {
	return c.log.Tasks(ctx)
}

func (c *Coordinator) ActiveHosts(ctx context.Context) (map[string]bool, error) {
	return c.monitor.Active(ctx)
}
