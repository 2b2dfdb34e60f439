// Package tasklogtest holds task log checks shared by the store adapter tests.
package tasklogtest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eleven-am/clusterddl/internal/domain"
	"github.com/eleven-am/clusterddl/internal/ports"
	"github.com/eleven-am/clusterddl/internal/tasklog"
)

const writers = 16

// ConcurrentOutcomeWriters races writers recording conflicting outcomes for the same
// (task, host) on store. Every writer must succeed, exactly one outcome must be stored,
// and later writes must leave it untouched.
func ConcurrentOutcomeWriters(t *testing.T, store ports.CoordinationStore) {
	t.Helper()
	ctx := context.Background()

	log := tasklog.New(store, nil)
	task, err := log.Publish(ctx, domain.Task{TargetHosts: []string{"a"}, Payload: []byte("ALTER TABLE t ADD COLUMN c Int32")})
	require.NoError(t, err)

	var wg sync.WaitGroup
	start := make(chan struct{})
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			status, detail := domain.OutcomeSucceeded, ""
			if i%2 == 1 {
				status, detail = domain.OutcomeFailed, fmt.Sprintf("writer %d", i)
			}
			<-start
			errs[i] = log.RecordOutcome(ctx, task.Name, "a", status, detail)
		}(i)
	}
	close(start)
	wg.Wait()

	for i, err := range errs {
		assert.NoError(t, err, "writer %d", i)
	}

	nodes, err := store.List(ctx, domain.FinishedPrefix(task.Name))
	require.NoError(t, err)
	require.Len(t, nodes, 1)

	stored, ok, err := log.Outcome(ctx, task.Name, "a")
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, stored.IsTerminal())

	require.NoError(t, log.RecordOutcome(ctx, task.Name, "a", domain.OutcomeFailed, "late writer"))
	require.NoError(t, log.RecordOutcome(ctx, task.Name, "a", domain.OutcomeSucceeded, ""))

	after, ok, err := log.Outcome(ctx, task.Name, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, stored, after)
}
