package watch

import (
	"context"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pending(ch <-chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

func TestHubNotifiesMatchingPrefixOnly(t *testing.T) {
	h := NewHub()
	defer h.Close()

	tasks, ok := h.Subscribe(context.Background(), "/ddl/tasks/")
	require.True(t, ok)
	active, ok := h.Subscribe(context.Background(), "/ddl/active/")
	require.True(t, ok)

	h.Notify("/ddl/tasks/query-0000000001", "/ddl/tasks/query-0000000001/hosts/a")
	assert.True(t, pending(tasks))
	assert.False(t, pending(tasks), "signals coalesce")
	assert.False(t, pending(active))

	h.NotifyAll()
	assert.True(t, pending(tasks))
	assert.True(t, pending(active))
}

func TestHubUnsubscribesOnContextEnd(t *testing.T) {
	h := NewHub()
	defer h.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, ok := h.Subscribe(ctx, "/")
	require.True(t, ok)

	cancel()
	select {
	case _, open := <-ch:
		assert.False(t, open)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after cancel")
	}

	h.Notify("/x")
}

func TestHubClose(t *testing.T) {
	h := NewHub()
	ch, ok := h.Subscribe(context.Background(), "/")
	require.True(t, ok)

	h.Close()
	h.Close()

	_, open := <-ch
	assert.False(t, open)

	_, ok = h.Subscribe(context.Background(), "/")
	assert.False(t, ok)
}

func TestHubCloseReleasesSubscriberGoroutines(t *testing.T) {
	baseline := runtime.NumGoroutine()

	h := NewHub()
	for i := 0; i < 50; i++ {
		_, ok := h.Subscribe(context.Background(), "/")
		require.True(t, ok)
	}
	require.GreaterOrEqual(t, runtime.NumGoroutine(), baseline+50)

	h.Close()
	assert.Eventually(t, func() bool {
		return runtime.NumGoroutine() <= baseline
	}, 2*time.Second, 10*time.Millisecond)
}
