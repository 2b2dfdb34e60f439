package tasklog

import (
	"context"
	"errors"

	"github.com/eleven-am/clusterddl/internal/domain"
)

// WatchOutcomes streams host outcomes of one task. It first yields the current state of
// every target host, then one element per host each time its status changes. The channel
// closes when ctx ends or the store stops delivering notifications.
func (l *Log) WatchOutcomes(ctx context.Context, taskName string) (<-chan domain.HostOutcome, error) {
	notify, err := l.store.Watch(ctx, domain.TaskPrefix(taskName))
	if err != nil {
		return nil, err
	}

	out := make(chan domain.HostOutcome)
	go func() {
		defer close(out)

		emitted := make(map[string]domain.OutcomeStatus)
		refresh := func() bool {
			for {
				outcomes, err := l.Outcomes(ctx, taskName)
				if err == nil {
					return l.emitOutcomes(ctx, out, outcomes, emitted)
				}
				l.logger.Warn("failed to read outcomes", "task", taskName, "error", err)
				if errors.Is(err, domain.ErrClosed) || !l.wait(ctx) {
					return false
				}
			}
		}

		if !refresh() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-notify:
				if !ok {
					return
				}
				if !refresh() {
					return
				}
			}
		}
	}()

	return out, nil
}

func (l *Log) emitOutcomes(ctx context.Context, out chan<- domain.HostOutcome, outcomes map[string]domain.HostOutcome, emitted map[string]domain.OutcomeStatus) bool {
	for host, outcome := range outcomes {
		if prev, ok := emitted[host]; ok && (prev == outcome.Status || prev != domain.OutcomePending) {
			continue
		}
		select {
		case out <- outcome:
			emitted[host] = outcome.Status
		case <-ctx.Done():
			return false
		}
	}
	return true
}

// WatchTasksFor yields every task addressed to host, oldest first, including tasks published
// before the call. Each task is yielded once per call. Sends block until the receiver is
// ready, so a receiver that handles one task at a time serializes execution.
func (l *Log) WatchTasksFor(ctx context.Context, host string) (<-chan domain.Task, error) {
	notify, err := l.store.Watch(ctx, domain.TasksPrefix)
	if err != nil {
		return nil, err
	}

	out := make(chan domain.Task)
	go func() {
		defer close(out)

		seen := make(map[string]struct{})
		refresh := func() bool {
			for {
				tasks, err := l.Tasks(ctx)
				if err != nil {
					l.logger.Warn("failed to list tasks", "host", host, "error", err)
					if errors.Is(err, domain.ErrClosed) || !l.wait(ctx) {
						return false
					}
					continue
				}
				for _, task := range tasks {
					if _, ok := seen[task.Name]; ok {
						continue
					}
					seen[task.Name] = struct{}{}
					if !task.AddressedTo(host) {
						continue
					}
					select {
					case out <- task:
					case <-ctx.Done():
						return false
					}
				}
				return true
			}
		}

		if !refresh() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-notify:
				if !ok {
					return
				}
				if !refresh() {
					return
				}
			}
		}
	}()

	return out, nil
}
