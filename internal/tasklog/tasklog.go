// Package tasklog is the durable, ordered record of distributed DDL tasks and their
// per-host outcomes, kept in a CoordinationStore.
package tasklog

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/eleven-am/clusterddl/internal/domain"
	"github.com/eleven-am/clusterddl/internal/ports"
	"github.com/eleven-am/clusterddl/internal/xjson"
)

const listRetryDelay = 100 * time.Millisecond

type Log struct {
	store  ports.CoordinationStore
	logger *slog.Logger
	now    func() time.Time
}

func New(store ports.CoordinationStore, logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{
		store:  store,
		logger: logger.With("component", "task-log"),
		now:    time.Now,
	}
}

// Publish creates the task record and one pending placeholder per target host in a single
// atomic write. A zero task id is replaced by the next cluster-wide sequence value.
// Failures are returned as *domain.PublishError and never retried here.
func (l *Log) Publish(ctx context.Context, task domain.Task) (domain.Task, error) {
	task.TargetHosts = domain.NormalizeHosts(task.TargetHosts)
	if err := task.Validate(); err != nil {
		return domain.Task{}, &domain.PublishError{Err: err}
	}

	if task.ID == 0 {
		id, err := l.store.NextSequence(ctx, domain.TaskSequence)
		if err != nil {
			return domain.Task{}, &domain.PublishError{Err: fmt.Errorf("allocate task id: %w", err)}
		}
		task.ID = id
	}
	task.Name = domain.TaskName(task.ID)
	if task.CreatedAt.IsZero() {
		task.CreatedAt = l.now().UTC()
	}

	record, err := xjson.Marshal(task)
	if err != nil {
		return domain.Task{}, &domain.PublishError{TaskName: task.Name, Err: err}
	}

	ops := make([]ports.CreateOp, 0, len(task.TargetHosts)+1)
	ops = append(ops, ports.CreateOp{Path: domain.TaskKey(task.Name), Value: record})
	for _, host := range task.TargetHosts {
		placeholder, err := xjson.Marshal(domain.PendingOutcome(host))
		if err != nil {
			return domain.Task{}, &domain.PublishError{TaskName: task.Name, Err: err}
		}
		ops = append(ops, ports.CreateOp{Path: domain.PendingKey(task.Name, host), Value: placeholder})
	}

	if err := l.store.Create(ctx, ops...); err != nil {
		return domain.Task{}, &domain.PublishError{TaskName: task.Name, Err: err}
	}

	l.logger.Info("task published",
		"task", task.Name,
		"hosts", len(task.TargetHosts),
		"timeout", task.Timeout,
		"output_mode", task.OutputMode.String())
	return task, nil
}

// RecordOutcome writes the terminal outcome of host for a task. The write happens at most
// once: if an outcome already exists the call is a no-op and the stored value is kept.
func (l *Log) RecordOutcome(ctx context.Context, taskName, host string, status domain.OutcomeStatus, detail string) error {
	if status != domain.OutcomeSucceeded && status != domain.OutcomeFailed {
		return fmt.Errorf("%w: outcome status %q is not terminal", domain.ErrInvalidTask, status)
	}

	finishedAt := l.now().UTC()
	outcome := domain.HostOutcome{
		Host:       host,
		Status:     status,
		Error:      detail,
		FinishedAt: &finishedAt,
	}
	value, err := xjson.Marshal(outcome)
	if err != nil {
		return err
	}

	err = l.store.Create(ctx, ports.CreateOp{Path: domain.FinishedKey(taskName, host), Value: value})
	if errors.Is(err, domain.ErrNodeExists) {
		l.logger.Debug("outcome already recorded", "task", taskName, "host", host)
		return nil
	}
	if err != nil {
		return fmt.Errorf("record outcome of %s on %s: %w", taskName, host, err)
	}
	return nil
}

// Outcome returns the recorded terminal outcome for (taskName, host), if any.
func (l *Log) Outcome(ctx context.Context, taskName, host string) (domain.HostOutcome, bool, error) {
	node, ok, err := l.store.Get(ctx, domain.FinishedKey(taskName, host))
	if err != nil || !ok {
		return domain.HostOutcome{}, false, err
	}
	outcome, err := xjson.Decode[domain.HostOutcome](node.Value)
	if err != nil {
		return domain.HostOutcome{}, false, fmt.Errorf("decode outcome %s: %w", node.Path, err)
	}
	return outcome, true, nil
}

func (l *Log) Task(ctx context.Context, name string) (domain.Task, bool, error) {
	node, ok, err := l.store.Get(ctx, domain.TaskKey(name))
	if err != nil || !ok {
		return domain.Task{}, false, err
	}
	task, err := xjson.Decode[domain.Task](node.Value)
	if err != nil {
		return domain.Task{}, false, fmt.Errorf("decode task %s: %w", name, err)
	}
	return task, true, nil
}

// Tasks returns every published task in publish order.
func (l *Log) Tasks(ctx context.Context) ([]domain.Task, error) {
	nodes, err := l.store.List(ctx, domain.TasksPrefix)
	if err != nil {
		return nil, err
	}

	records := make([]ports.Node, 0, len(nodes))
	for _, node := range nodes {
		if domain.IsTaskRecordKey(node.Path) {
			records = append(records, node)
		}
	}
	sort.SliceStable(records, func(i, j int) bool { return records[i].Revision < records[j].Revision })

	tasks := make([]domain.Task, 0, len(records))
	for _, node := range records {
		task, err := xjson.Decode[domain.Task](node.Value)
		if err != nil {
			l.logger.Warn("skipping undecodable task record", "path", node.Path, "error", err)
			continue
		}
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// Outcomes returns the latest known outcome of every target host of a task.
func (l *Log) Outcomes(ctx context.Context, taskName string) (map[string]domain.HostOutcome, error) {
	nodes, err := l.store.List(ctx, domain.TaskPrefix(taskName))
	if err != nil {
		return nil, err
	}

	out := make(map[string]domain.HostOutcome)
	finishedPrefix := domain.FinishedPrefix(taskName)
	for _, node := range nodes {
		outcome, err := xjson.Decode[domain.HostOutcome](node.Value)
		if err != nil {
			l.logger.Warn("skipping undecodable outcome", "path", node.Path, "error", err)
			continue
		}
		if strings.HasPrefix(node.Path, finishedPrefix) {
			out[outcome.Host] = outcome
			continue
		}
		if _, seen := out[outcome.Host]; !seen {
			out[outcome.Host] = outcome
		}
	}
	return out, nil
}

func (l *Log) wait(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(listRetryDelay):
		return true
	}
}
