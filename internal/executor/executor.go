// Package executor runs on every cluster host and applies each task addressed to it
// exactly once, recording the outcome in the task log.
package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/eleven-am/clusterddl/internal/domain"
	"github.com/eleven-am/clusterddl/internal/ports"
)

const recordTimeout = 10 * time.Second

// TaskLog is the subset of the task log the executor depends on.
type TaskLog interface {
	WatchTasksFor(ctx context.Context, host string) (<-chan domain.Task, error)
	Outcome(ctx context.Context, taskName, host string) (domain.HostOutcome, bool, error)
	RecordOutcome(ctx context.Context, taskName, host string, status domain.OutcomeStatus, detail string) error
}

type HostExecutor struct {
	host     string
	log      TaskLog
	delegate ports.Executor
	timeout  time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

func New(host string, log TaskLog, delegate ports.Executor, cfg domain.ExecutorConfig, logger *slog.Logger) *HostExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &HostExecutor{
		host:     host,
		log:      log,
		delegate: delegate,
		timeout:  cfg.ExecutionTimeout,
		logger:   logger.With("component", "host-executor", "host", host),
	}
}

// Start begins consuming tasks in the background.
func (e *HostExecutor) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cancel != nil {
		return domain.ErrAlreadyStarted
	}

	runCtx, cancel := context.WithCancel(ctx)
	tasks, err := e.log.WatchTasksFor(runCtx, e.host)
	if err != nil {
		cancel()
		return fmt.Errorf("watch tasks for %s: %w", e.host, err)
	}

	e.cancel = cancel
	e.stopped = make(chan struct{})
	go e.run(runCtx, tasks, e.stopped)

	e.logger.Info("host executor started")
	return nil
}

func (e *HostExecutor) run(ctx context.Context, tasks <-chan domain.Task, stopped chan struct{}) {
	defer close(stopped)

	for task := range tasks {
		if _, err := e.Process(ctx, task); err != nil {
			e.logger.Error("task processing failed", "task", task.Name, "error", err)
		}
	}
}

// Stop interrupts the watch and waits for the task in progress to return.
func (e *HostExecutor) Stop() {
	e.mu.Lock()
	cancel, stopped := e.cancel, e.stopped
	e.cancel = nil
	e.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-stopped
	e.logger.Info("host executor stopped")
}

// Process executes one task unless an outcome for this host already exists. It reports
// whether the delegate ran.
func (e *HostExecutor) Process(ctx context.Context, task domain.Task) (bool, error) {
	if _, done, err := e.log.Outcome(ctx, task.Name, e.host); err != nil {
		return false, fmt.Errorf("check outcome: %w", err)
	} else if done {
		e.logger.Debug("task already executed, skipping", "task", task.Name)
		return false, nil
	}

	start := time.Now()
	e.logger.Info("executing task", "task", task.Name)

	execErr := e.execute(ctx, task)
	if execErr != nil && ctx.Err() != nil {
		// Interrupted by shutdown; the next executor lifetime picks the task up again.
		return true, fmt.Errorf("execution interrupted: %w", ctx.Err())
	}

	status, detail := domain.OutcomeSucceeded, ""
	if execErr != nil {
		status, detail = domain.OutcomeFailed, execErr.Error()
		e.logger.Warn("task execution failed", "task", task.Name, "error", execErr, "duration", time.Since(start))
	} else {
		e.logger.Info("task executed", "task", task.Name, "duration", time.Since(start))
	}

	// The delegate has returned, so the result is recorded even while the executor stops.
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := e.log.RecordOutcome(recordCtx, task.Name, e.host, status, detail); err != nil {
		return true, fmt.Errorf("record outcome: %w", err)
	}
	return true, nil
}

func (e *HostExecutor) execute(ctx context.Context, task domain.Task) error {
	if e.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.timeout)
		defer cancel()
	}
	return executeWithRecovery(ctx, e.delegate, task, e.logger)
}
