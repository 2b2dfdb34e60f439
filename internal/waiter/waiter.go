// Package waiter publishes a task and decides when to stop waiting for it and what the
// aggregated answer is.
package waiter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/eleven-am/clusterddl/internal/domain"
)

var errOutcomeStreamClosed = errors.New("outcome stream closed")

type TaskLog interface {
	Publish(ctx context.Context, task domain.Task) (domain.Task, error)
	Outcome(ctx context.Context, taskName, host string) (domain.HostOutcome, bool, error)
	Outcomes(ctx context.Context, taskName string) (map[string]domain.HostOutcome, error)
	WatchOutcomes(ctx context.Context, taskName string) (<-chan domain.HostOutcome, error)
}

type LivenessMonitor interface {
	IsActive(ctx context.Context, host string) (bool, error)
	Active(ctx context.Context) (map[string]bool, error)
	Watch(ctx context.Context) (<-chan struct{}, error)
}

type Request struct {
	// TaskID is optional; zero lets the task log allocate one.
	TaskID      int64
	Payload     []byte
	TargetHosts []string
	// Timeout of zero uses the configured default.
	Timeout    time.Duration
	OutputMode domain.OutputMode
}

type Waiter struct {
	log       TaskLog
	monitor   LivenessMonitor
	cfg       domain.WaiterConfig
	initiator string
	logger    *slog.Logger
	now       func() time.Time
}

func New(log TaskLog, monitor LivenessMonitor, cfg domain.WaiterConfig, initiator string, logger *slog.Logger) *Waiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Waiter{
		log:       log,
		monitor:   monitor,
		cfg:       cfg,
		initiator: initiator,
		logger:    logger.With("component", "task-waiter"),
		now:       time.Now,
	}
}

// Submit publishes the task and blocks until every target host reported, the timeout
// elapsed, or ctx ended. The aggregated result is returned even when err is non-nil,
// except for publish failures.
func (w *Waiter) Submit(ctx context.Context, req Request) (*domain.AggregatedResult, error) {
	start := w.now()

	mode := req.OutputMode
	if mode == "" {
		mode = w.cfg.DefaultOutputMode
	}
	mode, err := domain.ParseOutputMode(string(mode))
	if err != nil {
		return nil, &domain.PublishError{Err: err}
	}
	timeout := req.Timeout
	if timeout == 0 {
		timeout = w.cfg.DefaultTimeout
	}

	task, err := w.log.Publish(ctx, domain.Task{
		ID:          req.TaskID,
		Payload:     req.Payload,
		TargetHosts: req.TargetHosts,
		Timeout:     timeout,
		OutputMode:  mode,
		Initiator:   w.initiator,
	})
	if err != nil {
		return nil, err
	}

	return w.Wait(ctx, task, start)
}

// Wait observes an already published task. start is the instant the timeout counts from.
func (w *Waiter) Wait(ctx context.Context, task domain.Task, start time.Time) (*domain.AggregatedResult, error) {
	waitCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	logger := w.logger.With("task", task.Name, "output_mode", task.OutputMode.String())
	state := newWaitState(task.TargetHosts)

	outcomes, err := w.log.WatchOutcomes(waitCtx, task.Name)
	if err != nil {
		return w.result(task, state, start), fmt.Errorf("watch outcomes of %s: %w", task.Name, err)
	}

	var liveness <-chan struct{}
	var poll <-chan time.Time
	excludeInactive := task.OutputMode.ExcludesInactive()
	if excludeInactive {
		liveness, err = w.monitor.Watch(waitCtx)
		if err != nil {
			return w.result(task, state, start), fmt.Errorf("watch liveness: %w", err)
		}
		if w.cfg.LivenessPollInterval > 0 {
			ticker := time.NewTicker(w.cfg.LivenessPollInterval)
			defer ticker.Stop()
			poll = ticker.C
		}
		w.excludeInactive(waitCtx, task, state, logger)
	}

	timer := time.NewTimer(task.Timeout - w.now().Sub(start))
	defer timer.Stop()

	timedOut := false
	for !state.done() && !timedOut {
		select {
		case <-ctx.Done():
			logger.Info("stopped waiting for task", "reason", ctx.Err(), "remaining", len(state.waitSet))
			return w.result(task, state, start), ctx.Err()

		case o, ok := <-outcomes:
			if !ok {
				if ctx.Err() != nil {
					return w.result(task, state, start), ctx.Err()
				}
				return w.result(task, state, start), errOutcomeStreamClosed
			}
			if state.observe(o) {
				logger.Debug("host finished task", "host", o.Host, "status", o.Status, "remaining", len(state.waitSet))
			}

		case _, ok := <-liveness:
			if !ok {
				liveness = nil
				continue
			}
			w.excludeInactive(waitCtx, task, state, logger)

		case <-poll:
			w.excludeInactive(waitCtx, task, state, logger)

		case <-timer.C:
			w.refresh(waitCtx, task, state, logger)
			timedOut = !state.done()
		}
	}

	result := w.result(task, state, start)
	return result, w.decide(waitCtx, task, state, result, logger)
}

// excludeInactive drops every host in the wait set that has no liveness registration.
// A host whose outcome is already recorded is resolved by that outcome instead.
func (w *Waiter) excludeInactive(ctx context.Context, task domain.Task, state *waitState, logger *slog.Logger) {
	for _, host := range state.remaining() {
		active, err := w.monitor.IsActive(ctx, host)
		if err != nil {
			logger.Warn("liveness check failed", "host", host, "error", err)
			continue
		}
		if active {
			continue
		}

		outcome, finished, err := w.log.Outcome(ctx, task.Name, host)
		if err != nil {
			logger.Warn("outcome check failed", "host", host, "error", err)
			continue
		}
		if finished {
			state.observe(outcome)
			continue
		}

		if state.exclude(host) {
			logger.Info("host is inactive, not waiting for it", "host", host)
		}
	}
}

func (w *Waiter) refresh(ctx context.Context, task domain.Task, state *waitState, logger *slog.Logger) {
	outcomes, err := w.log.Outcomes(ctx, task.Name)
	if err != nil {
		logger.Warn("final outcome read failed", "error", err)
		return
	}
	for _, o := range outcomes {
		state.observe(o)
	}
}

func (w *Waiter) result(task domain.Task, state *waitState, start time.Time) *domain.AggregatedResult {
	remaining := state.remaining()
	overall := domain.OverallRunning
	if state.done() {
		overall = domain.Decide(state.perHost, nil)
	}
	return &domain.AggregatedResult{
		TaskID:    task.ID,
		TaskName:  task.Name,
		PerHost:   state.outcomes(),
		Overall:   overall,
		Remaining: remaining,
		Excluded:  state.excludedHosts(),
		Elapsed:   w.now().Sub(start),
	}
}

// decide fixes the terminal overall state and the error to raise under the task's output mode.
func (w *Waiter) decide(ctx context.Context, task domain.Task, state *waitState, result *domain.AggregatedResult, logger *slog.Logger) error {
	result.Overall = domain.Decide(state.perHost, result.Remaining)

	switch result.Overall {
	case domain.OverallTimedOut:
		active, inactive := w.countLiveness(ctx, result.Remaining, logger)
		logger.Warn("timed out waiting for task",
			"remaining", len(result.Remaining),
			"active", active,
			"inactive", inactive,
			"elapsed", result.Elapsed)
		if !task.OutputMode.Raises() {
			return nil
		}
		return &domain.TimeoutError{
			TaskName:  task.Name,
			Remaining: result.Remaining,
			Active:    active,
			Inactive:  inactive,
			Total:     len(task.TargetHosts),
			Waited:    result.Elapsed,
		}

	case domain.OverallPartialSuccess, domain.OverallFailed:
		failures := state.failures()
		logger.Warn("task failed on some hosts", "failed", len(failures), "overall", result.Overall)
		if !task.OutputMode.Raises() {
			return nil
		}
		return &domain.ExecutionFailedError{TaskName: task.Name, Failures: failures}

	default:
		logger.Info("task finished on all hosts",
			"hosts", len(task.TargetHosts)-len(result.Excluded),
			"excluded", len(result.Excluded),
			"elapsed", result.Elapsed)
		return nil
	}
}

func (w *Waiter) countLiveness(ctx context.Context, hosts []string, logger *slog.Logger) (active, inactive int) {
	registered, err := w.monitor.Active(ctx)
	if err != nil {
		logger.Warn("failed to read liveness for timeout report", "error", err)
		return 0, 0
	}
	for _, h := range hosts {
		if registered[h] {
			active++
		} else {
			inactive++
		}
	}
	return active, inactive
}
