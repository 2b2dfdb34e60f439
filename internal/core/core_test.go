package core

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eleven-am/clusterddl/internal/adapters/memory"
	"github.com/eleven-am/clusterddl/internal/domain"
	"github.com/eleven-am/clusterddl/internal/ports"
	"github.com/eleven-am/clusterddl/internal/waiter"
)

const testTimeout = 600 * time.Millisecond

var allHosts = []string{"a", "b", "c", "d"}

type recordingExecutor struct {
	mu    sync.Mutex
	calls map[string]int
	fail  map[string]bool
	block map[string]bool
}

func newRecordingExecutor() *recordingExecutor {
	return &recordingExecutor{
		calls: make(map[string]int),
		fail:  make(map[string]bool),
		block: make(map[string]bool),
	}
}

func (r *recordingExecutor) forHost(host string) ports.Executor {
	return ports.ExecutorFunc(func(ctx context.Context, task domain.Task) error {
		r.mu.Lock()
		r.calls[host+"/"+task.Name]++
		fail, block := r.fail[host], r.block[host]
		r.mu.Unlock()

		if block {
			<-ctx.Done()
			return ctx.Err()
		}
		if fail {
			return errors.New("table already exists")
		}
		return nil
	})
}

func (r *recordingExecutor) count(host, task string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[host+"/"+task]
}

type cluster struct {
	store       *memory.Store
	cfg         domain.Config
	exec        *recordingExecutor
	hosts       map[string]*Host
	coordinator *Coordinator
}

func testConfig() domain.Config {
	cfg := *domain.DefaultConfig()
	cfg.HostID = "initiator"
	cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg.Liveness.TTL = 500 * time.Millisecond
	cfg.Liveness.RenewInterval = 100 * time.Millisecond
	cfg.Waiter.DefaultTimeout = testTimeout
	cfg.Waiter.LivenessPollInterval = 50 * time.Millisecond
	return cfg
}

// newCluster builds hosts a..d over one store and starts the ones listed in online.
func newCluster(t *testing.T, exec *recordingExecutor, online ...string) *cluster {
	t.Helper()

	cfg := testConfig()
	store := memory.NewStore(cfg.Logger)
	t.Cleanup(func() { store.Close() })

	c := &cluster{
		store:       store,
		cfg:         cfg,
		exec:        exec,
		hosts:       make(map[string]*Host),
		coordinator: NewCoordinator(store, cfg),
	}
	for _, id := range allHosts {
		h, err := NewHost(id, store, exec.forHost(id), cfg)
		require.NoError(t, err)
		c.hosts[id] = h
	}

	started := make([]*Host, 0, len(online))
	for _, id := range online {
		started = append(started, c.hosts[id])
	}
	require.NoError(t, StartHosts(context.Background(), started...))
	t.Cleanup(func() { _ = StopHosts(started...) })
	return c
}

func (c *cluster) submit(t *testing.T, mode domain.OutputMode) (*domain.AggregatedResult, error) {
	t.Helper()
	return c.coordinator.Submit(context.Background(), waiter.Request{
		Payload:     []byte("CREATE TABLE t ON CLUSTER main"),
		TargetHosts: allHosts,
		OutputMode:  mode,
	})
}

func TestDefaultModeTimesOutOnOfflineHost(t *testing.T) {
	c := newCluster(t, newRecordingExecutor(), "a", "b", "c")

	result, err := c.submit(t, domain.OutputModeDefault)
	require.Error(t, err)
	require.NotNil(t, result)

	assert.True(t, domain.IsTimeout(err))
	assert.Equal(t, domain.CodeTimeoutExceeded, domain.ExitCode(err))
	assert.Equal(t, domain.OverallTimedOut, result.Overall)
	assert.Equal(t, []string{"d"}, result.Remaining)
	assert.GreaterOrEqual(t, result.Elapsed, testTimeout)

	var timeoutErr *domain.TimeoutError
	require.ErrorAs(t, err, &timeoutErr)
	assert.Equal(t, 1, timeoutErr.Inactive)
	assert.Equal(t, 0, timeoutErr.Active)
	assert.Equal(t, 4, timeoutErr.Total)

	for _, h := range []string{"a", "b", "c"} {
		assert.Equal(t, domain.OutcomeSucceeded, result.PerHost[h].Status, h)
	}
	assert.Equal(t, domain.OutcomePending, result.PerHost["d"].Status)
}

func TestThrowOnlyActiveExcludesOfflineHost(t *testing.T) {
	c := newCluster(t, newRecordingExecutor(), "a", "b", "c")

	result, err := c.submit(t, domain.OutputModeThrowOnlyActive)
	require.NoError(t, err)

	assert.Equal(t, domain.OverallSuccess, result.Overall)
	assert.Equal(t, []string{"d"}, result.Excluded)
	assert.Empty(t, result.Remaining)
	assert.Less(t, result.Elapsed, testTimeout)
	assert.Equal(t, 0, domain.ExitCode(err))
}

func TestAllHostsOnlineSucceeds(t *testing.T) {
	exec := newRecordingExecutor()
	c := newCluster(t, exec, allHosts...)

	for _, mode := range []domain.OutputMode{domain.OutputModeDefault, domain.OutputModeThrowOnlyActive} {
		result, err := c.submit(t, mode)
		require.NoError(t, err, mode)
		assert.Equal(t, domain.OverallSuccess, result.Overall)
		assert.Empty(t, result.Excluded)
		assert.Less(t, result.Elapsed, testTimeout)
		for _, h := range allHosts {
			assert.Equal(t, 1, exec.count(h, result.TaskName), h)
		}
	}
}

func TestFailureRaisesExecutionFailed(t *testing.T) {
	exec := newRecordingExecutor()
	exec.fail["b"] = true
	c := newCluster(t, exec, allHosts...)

	result, err := c.submit(t, domain.OutputModeDefault)
	require.Error(t, err)
	assert.True(t, domain.IsExecutionFailed(err))
	assert.Equal(t, domain.CodeExecutionFailed, domain.ExitCode(err))
	assert.Equal(t, domain.OverallPartialSuccess, result.Overall)

	failures := result.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, "b", failures[0].Host)
	assert.Contains(t, failures[0].Error, "table already exists")
}

func TestTimeoutTakesPrecedenceOverFailures(t *testing.T) {
	exec := newRecordingExecutor()
	exec.fail["a"] = true
	c := newCluster(t, exec, "a", "b", "c")

	result, err := c.submit(t, domain.OutputModeDefault)
	assert.True(t, domain.IsTimeout(err))
	assert.Equal(t, domain.OverallTimedOut, result.Overall)
	assert.Equal(t, domain.OutcomeFailed, result.PerHost["a"].Status)
}

func TestNoneModesNeverRaise(t *testing.T) {
	exec := newRecordingExecutor()
	exec.fail["a"] = true
	c := newCluster(t, exec, "a", "b", "c")

	result, err := c.submit(t, domain.OutputModeNone)
	require.NoError(t, err)
	assert.Equal(t, domain.OverallTimedOut, result.Overall)
	assert.Equal(t, []string{"d"}, result.Remaining)

	result, err = c.submit(t, domain.OutputModeNoneOnlyActive)
	require.NoError(t, err)
	assert.Equal(t, domain.OverallPartialSuccess, result.Overall)
	assert.Equal(t, []string{"d"}, result.Excluded)
	assert.Less(t, result.Elapsed, testTimeout)
}

func TestHostLostMidWaitIsExcluded(t *testing.T) {
	exec := newRecordingExecutor()
	exec.block["d"] = true
	c := newCluster(t, exec, allHosts...)

	go func() {
		assert.Eventually(t, func() bool {
			tasks, err := c.coordinator.Tasks(context.Background())
			return err == nil && len(tasks) == 1 && exec.count("d", tasks[0].Name) == 1
		}, time.Second, 5*time.Millisecond)
		_ = c.hosts["d"].Stop()
	}()

	result, err := c.submit(t, domain.OutputModeThrowOnlyActive)
	require.NoError(t, err)
	assert.Equal(t, domain.OverallSuccess, result.Overall)
	assert.Equal(t, []string{"d"}, result.Excluded)
	assert.Equal(t, domain.OutcomePending, result.PerHost["d"].Status)
	assert.Empty(t, result.Failures())
}

func TestTaskExecutesAtMostOncePerHost(t *testing.T) {
	exec := newRecordingExecutor()
	c := newCluster(t, exec, allHosts...)

	result, err := c.submit(t, domain.OutputModeDefault)
	require.NoError(t, err)

	host := c.hosts["a"]
	require.NoError(t, host.Stop())
	require.NoError(t, host.Start(context.Background()))

	tasks, err := c.coordinator.Tasks(context.Background())
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	ran, err := host.Process(context.Background(), tasks[0])
	require.NoError(t, err)
	assert.False(t, ran)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, exec.count("a", result.TaskName))
}

func TestLateHostCatchesUp(t *testing.T) {
	exec := newRecordingExecutor()
	c := newCluster(t, exec, "a", "b", "c")

	first, err := c.submit(t, domain.OutputModeNone)
	require.NoError(t, err)
	require.Equal(t, domain.OverallTimedOut, first.Overall)

	require.NoError(t, c.hosts["d"].Start(context.Background()))
	t.Cleanup(func() { _ = c.hosts["d"].Stop() })

	result, err := c.coordinator.Resume(context.Background(), first.TaskName)
	require.NoError(t, err)
	assert.Equal(t, domain.OverallSuccess, result.Overall)
	assert.Equal(t, 1, exec.count("d", first.TaskName))
}

func TestSubmitCancellation(t *testing.T) {
	c := newCluster(t, newRecordingExecutor(), "a")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	result, err := c.coordinator.Submit(ctx, waiter.Request{
		TargetHosts: allHosts,
		Timeout:     10 * time.Second,
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	require.NotNil(t, result)
	assert.Equal(t, domain.OverallRunning, result.Overall)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestSubmitPublishFailure(t *testing.T) {
	c := newCluster(t, newRecordingExecutor())
	require.NoError(t, c.store.Close())

	result, err := c.submit(t, domain.OutputModeDefault)
	assert.Nil(t, result)
	assert.True(t, domain.IsPublishError(err))
	assert.Equal(t, domain.CodePublishFailed, domain.ExitCode(err))
}

func TestStatusRows(t *testing.T) {
	c := newCluster(t, newRecordingExecutor(), "a", "b", "c")

	result, err := c.submit(t, domain.OutputModeNone)
	require.NoError(t, err)

	rows, err := c.coordinator.Status(context.Background(), result)
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, "d", rows[3].Host)
	assert.Equal(t, domain.OutcomePending, rows[3].Status)
	assert.Equal(t, 1, rows[3].HostsRemaining)
	assert.Equal(t, 0, rows[3].HostsActive)
	assert.Equal(t, 1, rows[2].HostsRemaining)
}

func TestNewHostValidates(t *testing.T) {
	store := memory.NewStore(nil)
	defer store.Close()

	_, err := NewHost("", store, ports.ExecutorFunc(func(context.Context, domain.Task) error { return nil }), testConfig())
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)

	_, err = NewHost("a", store, nil, testConfig())
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)

	h, err := NewHost("a", store, ports.ExecutorFunc(func(context.Context, domain.Task) error { return nil }), testConfig())
	require.NoError(t, err)
	assert.ErrorIs(t, h.Stop(), domain.ErrNotStarted)
}
