package tasklog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eleven-am/clusterddl/internal/adapters/memory"
	"github.com/eleven-am/clusterddl/internal/domain"
	"github.com/eleven-am/clusterddl/internal/ports"
)

func setupTestLog(t *testing.T) (*Log, *memory.Store) {
	t.Helper()
	store := memory.NewStore(nil)
	t.Cleanup(func() { store.Close() })
	return New(store, nil), store
}

func publish(t *testing.T, l *Log, hosts ...string) domain.Task {
	t.Helper()
	task, err := l.Publish(context.Background(), domain.Task{
		Payload:     []byte("ALTER TABLE t ADD COLUMN c Int32"),
		TargetHosts: hosts,
		Timeout:     time.Second,
	})
	require.NoError(t, err)
	return task
}

func TestPublishCreatesRecordAndPlaceholders(t *testing.T) {
	l, store := setupTestLog(t)
	ctx := context.Background()

	task := publish(t, l, "b", "a", "a")
	assert.Equal(t, int64(1), task.ID)
	assert.Equal(t, "query-0000000001", task.Name)
	assert.Equal(t, []string{"a", "b"}, task.TargetHosts)
	assert.False(t, task.CreatedAt.IsZero())

	stored, ok, err := l.Task(ctx, task.Name)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, task.Payload, stored.Payload)
	assert.Equal(t, task.TargetHosts, stored.TargetHosts)

	for _, host := range task.TargetHosts {
		_, ok, err := store.Get(ctx, domain.PendingKey(task.Name, host))
		require.NoError(t, err)
		assert.True(t, ok, host)
	}

	outcomes, err := l.Outcomes(ctx, task.Name)
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomePending, outcomes["a"].Status)
	assert.Equal(t, domain.OutcomePending, outcomes["b"].Status)

	second := publish(t, l, "a")
	assert.Equal(t, int64(2), second.ID)
}

func TestPublishFailures(t *testing.T) {
	l, store := setupTestLog(t)
	ctx := context.Background()

	_, err := l.Publish(ctx, domain.Task{})
	assert.True(t, domain.IsPublishError(err))
	assert.ErrorIs(t, err, domain.ErrInvalidTask)

	require.NoError(t, store.Create(ctx, ports.CreateOp{Path: domain.TaskKey(domain.TaskName(7))}))
	_, err = l.Publish(ctx, domain.Task{ID: 7, TargetHosts: []string{"a"}})
	assert.True(t, domain.IsPublishError(err))
	assert.True(t, domain.IsNodeExists(err))

	require.NoError(t, store.Close())
	_, err = l.Publish(ctx, domain.Task{TargetHosts: []string{"a"}})
	assert.True(t, domain.IsPublishError(err))
	assert.Equal(t, domain.CodePublishFailed, domain.ExitCode(err))
}

func TestRecordOutcomeIsCreateOnce(t *testing.T) {
	l, _ := setupTestLog(t)
	ctx := context.Background()
	task := publish(t, l, "a")

	_, ok, err := l.Outcome(ctx, task.Name, "a")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, l.RecordOutcome(ctx, task.Name, "a", domain.OutcomeFailed, "boom"))
	require.NoError(t, l.RecordOutcome(ctx, task.Name, "a", domain.OutcomeSucceeded, ""))

	outcome, ok, err := l.Outcome(ctx, task.Name, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, domain.OutcomeFailed, outcome.Status)
	assert.Equal(t, "boom", outcome.Error)
	assert.NotNil(t, outcome.FinishedAt)

	err = l.RecordOutcome(ctx, task.Name, "a", domain.OutcomePending, "")
	assert.ErrorIs(t, err, domain.ErrInvalidTask)
}

func TestTasksInPublishOrder(t *testing.T) {
	l, _ := setupTestLog(t)
	ctx := context.Background()

	first := publish(t, l, "a")
	second := publish(t, l, "b")
	require.NoError(t, l.RecordOutcome(ctx, first.Name, "a", domain.OutcomeSucceeded, ""))

	tasks, err := l.Tasks(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, first.Name, tasks[0].Name)
	assert.Equal(t, second.Name, tasks[1].Name)
}

func TestWatchOutcomesSnapshotThenTransitions(t *testing.T) {
	l, _ := setupTestLog(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	task := publish(t, l, "a", "b")
	require.NoError(t, l.RecordOutcome(ctx, task.Name, "a", domain.OutcomeSucceeded, ""))

	stream, err := l.WatchOutcomes(ctx, task.Name)
	require.NoError(t, err)

	snapshot := map[string]domain.OutcomeStatus{}
	for len(snapshot) < 2 {
		o := <-stream
		snapshot[o.Host] = o.Status
	}
	assert.Equal(t, domain.OutcomeSucceeded, snapshot["a"])
	assert.Equal(t, domain.OutcomePending, snapshot["b"])

	require.NoError(t, l.RecordOutcome(ctx, task.Name, "b", domain.OutcomeFailed, "boom"))
	select {
	case o := <-stream:
		assert.Equal(t, "b", o.Host)
		assert.Equal(t, domain.OutcomeFailed, o.Status)
	case <-time.After(time.Second):
		t.Fatal("transition not streamed")
	}

	cancel()
	for range stream {
	}
}

func TestWatchTasksForIncludesEarlierTasks(t *testing.T) {
	l, _ := setupTestLog(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	early := publish(t, l, "a", "b")
	publish(t, l, "b")

	stream, err := l.WatchTasksFor(ctx, "a")
	require.NoError(t, err)

	got := <-stream
	assert.Equal(t, early.Name, got.Name)

	late := publish(t, l, "c", "a")
	select {
	case got := <-stream:
		assert.Equal(t, late.Name, got.Name)
	case <-time.After(time.Second):
		t.Fatal("late task not delivered")
	}

	select {
	case got, ok := <-stream:
		if ok {
			t.Fatalf("unexpected task %s", got.Name)
		}
	case <-time.After(50 * time.Millisecond):
	}
}
