package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eleven-am/clusterddl/internal/domain"
	"github.com/eleven-am/clusterddl/internal/ports"
	"github.com/eleven-am/clusterddl/internal/tasklog/tasklogtest"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	s := NewStore(nil)
	t.Cleanup(func() { s.Close() })
	return s
}

func expectSignal(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case _, ok := <-ch:
		require.True(t, ok, "watch channel closed")
	case <-time.After(time.Second):
		t.Fatal("no notification")
	}
}

func expectQuiet(t *testing.T, ch <-chan struct{}) {
	t.Helper()
	select {
	case <-ch:
		t.Fatal("unexpected notification")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStoreCreateIsAtomic(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx,
		ports.CreateOp{Path: "/ddl/tasks/query-0000000001", Value: []byte("task")},
		ports.CreateOp{Path: "/ddl/tasks/query-0000000001/hosts/a"},
	))

	err := s.Create(ctx,
		ports.CreateOp{Path: "/ddl/tasks/query-0000000002"},
		ports.CreateOp{Path: "/ddl/tasks/query-0000000001/hosts/a"},
	)
	assert.True(t, domain.IsNodeExists(err))

	nodes, err := s.List(ctx, "/ddl/tasks/")
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, "/ddl/tasks/query-0000000001", nodes[0].Path)
	assert.Less(t, nodes[0].Revision, nodes[1].Revision)
}

func TestStoreGetReturnsCopy(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Create(ctx, ports.CreateOp{Path: "/x", Value: []byte("abc")}))

	node, ok, err := s.Get(ctx, "/x")
	require.NoError(t, err)
	require.True(t, ok)
	node.Value[0] = 'z'

	again, _, err := s.Get(ctx, "/x")
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), again.Value)

	_, ok, err = s.Get(ctx, "/missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStoreSequencesAreIndependent(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := s.NextSequence(ctx, domain.TaskSequence)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	other, err := s.NextSequence(ctx, "other")
	require.NoError(t, err)
	assert.Equal(t, int64(1), other)
}

func TestStoreWatchPrefix(t *testing.T) {
	s := setupTestStore(t)
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := s.Watch(ctx, "/ddl/active/")
	require.NoError(t, err)

	require.NoError(t, s.Create(context.Background(), ports.CreateOp{Path: "/ddl/tasks/query-0000000001"}))
	expectQuiet(t, ch)

	sess, err := s.RegisterEphemeral(context.Background(), "/ddl/active/a", nil, ports.Lease{TTL: time.Second})
	require.NoError(t, err)
	expectSignal(t, ch)

	require.True(t, s.Expire(sess.ID()))
	expectSignal(t, ch)

	cancel()
	require.Eventually(t, func() bool {
		_, ok := <-ch
		return !ok
	}, time.Second, 10*time.Millisecond)
}

func TestStoreEphemeralLifecycle(t *testing.T) {
	s := setupTestStore(t)
	ctx := context.Background()

	sess, err := s.RegisterEphemeral(ctx, "/ddl/active/a", []byte("a"), ports.Lease{TTL: time.Second})
	require.NoError(t, err)

	node, ok, err := s.Get(ctx, "/ddl/active/a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, sess.ID(), node.Owner)

	_, err = s.RegisterEphemeral(ctx, "/ddl/active/a", nil, ports.Lease{TTL: time.Second})
	assert.True(t, domain.IsNodeExists(err))

	assert.True(t, s.ExpirePath("/ddl/active/a"))
	select {
	case <-sess.Done():
	default:
		t.Fatal("session not done after expiry")
	}
	assert.False(t, s.Expire(sess.ID()))
	assert.NoError(t, sess.Close())

	_, ok, err = s.Get(ctx, "/ddl/active/a")
	require.NoError(t, err)
	assert.False(t, ok)

	assert.False(t, s.ExpirePath("/ddl/active/a"))
}

func TestStoreClose(t *testing.T) {
	s := NewStore(nil)
	ctx := context.Background()

	ch, err := s.Watch(ctx, "/")
	require.NoError(t, err)
	sess, err := s.RegisterEphemeral(ctx, "/ddl/active/a", nil, ports.Lease{TTL: time.Second})
	require.NoError(t, err)

	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	<-sess.Done()
	for range ch {
	}

	assert.ErrorIs(t, s.Create(ctx, ports.CreateOp{Path: "/x"}), domain.ErrClosed)
	_, err = s.NextSequence(ctx, "x")
	assert.ErrorIs(t, err, domain.ErrClosed)
	_, err = s.Watch(ctx, "/")
	assert.ErrorIs(t, err, domain.ErrClosed)
	_, err = s.RegisterEphemeral(ctx, "/y", nil, ports.Lease{TTL: time.Second})
	assert.ErrorIs(t, err, domain.ErrClosed)
}

func TestStoreConcurrentOutcomeWritersKeepFirst(t *testing.T) {
	tasklogtest.ConcurrentOutcomeWriters(t, setupTestStore(t))
}
