package raftstore

import (
	"bytes"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/hashicorp/raft"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eleven-am/clusterddl/internal/adapters/watch"
	"github.com/eleven-am/clusterddl/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func setupTestFSM(t *testing.T) *FSM {
	t.Helper()

	opts := badger.DefaultOptions("").WithInMemory(true)
	opts.Logger = nil
	db, err := badger.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return NewFSM(db, watch.NewHub(), discardLogger())
}

type bufferSink struct {
	bytes.Buffer
	cancelled bool
}

func (b *bufferSink) ID() string    { return "buffer" }
func (b *bufferSink) Close() error  { return nil }
func (b *bufferSink) Cancel() error { b.cancelled = true; return nil }

var testEpoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func applyCommand(t *testing.T, fsm *FSM, index uint64, at time.Time, cmd *Command) *CommandResult {
	t.Helper()
	data, err := cmd.Marshal()
	require.NoError(t, err)

	result, ok := fsm.Apply(&raft.Log{Index: index, Term: 1, Data: data, AppendedAt: at}).(*CommandResult)
	require.True(t, ok)
	return result
}

func TestFSMCreateIsAllOrNothing(t *testing.T) {
	fsm := setupTestFSM(t)

	result := applyCommand(t, fsm, 1, testEpoch, NewCreateCommand([]CreateOp{
		{Path: "/a/1", Value: []byte("one")},
		{Path: "/a/2", Value: []byte("two")},
	}))
	require.True(t, result.Success, result.Error)
	assert.Equal(t, uint64(1), result.Index)

	result = applyCommand(t, fsm, 2, testEpoch, NewCreateCommand([]CreateOp{
		{Path: "/a/3", Value: []byte("three")},
		{Path: "/a/1", Value: []byte("again")},
	}))
	assert.False(t, result.Success)
	assert.ErrorIs(t, result.Err(), domain.ErrNodeExists)

	nodes, err := fsm.List("/a/")
	require.NoError(t, err)
	require.Len(t, nodes, 2)
	assert.Equal(t, "/a/1", nodes[0].Path)
	assert.Equal(t, []byte("one"), nodes[0].Value)
	assert.Equal(t, int64(1), nodes[0].Revision)
	assert.Equal(t, "/a/2", nodes[1].Path)
}

func TestFSMCreateRejectsEmptyBatch(t *testing.T) {
	fsm := setupTestFSM(t)

	result := applyCommand(t, fsm, 1, testEpoch, NewCreateCommand(nil))
	assert.False(t, result.Success)
	assert.ErrorIs(t, result.Err(), errInvalidCommand)
}

func TestFSMSequence(t *testing.T) {
	fsm := setupTestFSM(t)

	for want := int64(1); want <= 3; want++ {
		result := applyCommand(t, fsm, uint64(want), testEpoch, NewSequenceCommand("seq"))
		require.True(t, result.Success)
		assert.Equal(t, want, result.Sequence)
	}

	result := applyCommand(t, fsm, 4, testEpoch, NewSequenceCommand("other"))
	assert.Equal(t, int64(1), result.Sequence)
}

func TestFSMSessionLifecycle(t *testing.T) {
	fsm := setupTestFSM(t)
	ttl := time.Second

	result := applyCommand(t, fsm, 1, testEpoch, NewOpenSessionCommand("s1", "/active/a", []byte("a"), ttl))
	require.True(t, result.Success, result.Error)

	node, ok, err := fsm.Get("/active/a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "s1", node.Owner)

	result = applyCommand(t, fsm, 2, testEpoch, NewOpenSessionCommand("s2", "/active/a", nil, ttl))
	assert.ErrorIs(t, result.Err(), domain.ErrNodeExists)

	t.Run("expire before deadline is skipped", func(t *testing.T) {
		result := applyCommand(t, fsm, 3, testEpoch.Add(ttl/2), NewExpireSessionCommand("s1"))
		require.True(t, result.Success)
		assert.True(t, result.Skipped)

		_, ok, err := fsm.Get("/active/a")
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("keepalive moves the deadline", func(t *testing.T) {
		result := applyCommand(t, fsm, 4, testEpoch.Add(900*time.Millisecond), NewKeepAliveCommand("s1"))
		require.True(t, result.Success)

		result = applyCommand(t, fsm, 5, testEpoch.Add(1500*time.Millisecond), NewExpireSessionCommand("s1"))
		assert.True(t, result.Skipped)
	})

	t.Run("expire after deadline removes the node", func(t *testing.T) {
		result := applyCommand(t, fsm, 6, testEpoch.Add(3*time.Second), NewExpireSessionCommand("s1"))
		require.True(t, result.Success)
		assert.False(t, result.Skipped)

		_, ok, err := fsm.Get("/active/a")
		require.NoError(t, err)
		assert.False(t, ok)

		sessions, err := fsm.Sessions()
		require.NoError(t, err)
		assert.Empty(t, sessions)
	})

	t.Run("keepalive of an expired session fails", func(t *testing.T) {
		result := applyCommand(t, fsm, 7, testEpoch.Add(4*time.Second), NewKeepAliveCommand("s1"))
		assert.ErrorIs(t, result.Err(), domain.ErrSessionExpired)
	})
}

func TestFSMCloseSessionIsUnconditional(t *testing.T) {
	fsm := setupTestFSM(t)

	applyCommand(t, fsm, 1, testEpoch, NewOpenSessionCommand("s1", "/active/a", nil, time.Minute))
	result := applyCommand(t, fsm, 2, testEpoch, NewCloseSessionCommand("s1"))
	require.True(t, result.Success)
	assert.False(t, result.Skipped)

	_, ok, err := fsm.Get("/active/a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFSMNotifiesWatchers(t *testing.T) {
	fsm := setupTestFSM(t)

	ctx := t.Context()
	ch, ok := fsm.hub.Subscribe(ctx, "/a/")
	require.True(t, ok)

	applyCommand(t, fsm, 1, testEpoch, NewCreateCommand([]CreateOp{{Path: "/b/1"}}))
	select {
	case <-ch:
		t.Fatal("unexpected notification for another prefix")
	default:
	}

	applyCommand(t, fsm, 2, testEpoch, NewCreateCommand([]CreateOp{{Path: "/a/1"}}))
	select {
	case <-ch:
	default:
		t.Fatal("expected a notification")
	}
}

func TestFSMSnapshotRestore(t *testing.T) {
	source := setupTestFSM(t)
	applyCommand(t, source, 1, testEpoch, NewCreateCommand([]CreateOp{
		{Path: "/ddl/tasks/query-0000000001", Value: []byte("task")},
		{Path: "/ddl/tasks/query-0000000001/hosts/a", Value: []byte("pending")},
	}))
	applyCommand(t, source, 2, testEpoch, NewSequenceCommand("ddl-task"))
	applyCommand(t, source, 3, testEpoch, NewOpenSessionCommand("s1", "/ddl/active/a", nil, time.Second))

	snap, err := source.Snapshot()
	require.NoError(t, err)
	sink := &bufferSink{}
	require.NoError(t, snap.Persist(sink))
	assert.False(t, sink.cancelled)

	target := setupTestFSM(t)
	applyCommand(t, target, 1, testEpoch, NewCreateCommand([]CreateOp{{Path: "/stale"}}))
	require.NoError(t, target.Restore(io.NopCloser(bytes.NewReader(sink.Bytes()))))

	_, ok, err := target.Get("/stale")
	require.NoError(t, err)
	assert.False(t, ok)

	nodes, err := target.List("/ddl/")
	require.NoError(t, err)
	assert.Len(t, nodes, 3)

	sessions, err := target.Sessions()
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "/ddl/active/a", sessions[0].Path)

	result := applyCommand(t, target, 4, testEpoch, NewSequenceCommand("ddl-task"))
	assert.Equal(t, int64(2), result.Sequence)
}

func TestFSMRestoreRejectsGarbage(t *testing.T) {
	fsm := setupTestFSM(t)
	err := fsm.Restore(io.NopCloser(bytes.NewReader([]byte("not a snapshot"))))
	assert.Error(t, err)
}

func TestFSMApplyUnknownCommand(t *testing.T) {
	fsm := setupTestFSM(t)

	result := applyCommand(t, fsm, 1, testEpoch, &Command{Type: CommandType(99)})
	assert.False(t, result.Success)
	assert.Equal(t, codeInvalid, result.Code)

	raw, ok := fsm.Apply(&raft.Log{Index: 2, Data: []byte("{")}).(*CommandResult)
	require.True(t, ok)
	assert.False(t, raw.Success)
}

func TestFSMRepeatedRequestReturnsFirstResult(t *testing.T) {
	fsm := setupTestFSM(t)

	create := NewCreateCommand([]CreateOp{{Path: "/a/1", Value: []byte("one")}})
	create.IdempotencyKey = "req-create"
	first := applyCommand(t, fsm, 1, testEpoch, create)
	require.True(t, first.Success, first.Error)

	again := applyCommand(t, fsm, 2, testEpoch.Add(time.Second), create)
	require.True(t, again.Success, again.Error)
	assert.Equal(t, uint64(2), again.Index)

	other := NewCreateCommand([]CreateOp{{Path: "/a/1", Value: []byte("two")}})
	other.IdempotencyKey = "req-other"
	assert.ErrorIs(t, applyCommand(t, fsm, 3, testEpoch, other).Err(), domain.ErrNodeExists)

	seq := NewSequenceCommand(domain.TaskSequence)
	seq.IdempotencyKey = "req-seq"
	assert.Equal(t, int64(1), applyCommand(t, fsm, 4, testEpoch, seq).Sequence)
	assert.Equal(t, int64(1), applyCommand(t, fsm, 5, testEpoch, seq).Sequence)
	assert.Equal(t, int64(2), applyCommand(t, fsm, 6, testEpoch, NewSequenceCommand(domain.TaskSequence)).Sequence)

	node, ok, err := fsm.Get("/a/1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("one"), node.Value)
}

func TestFSMPrunesExpiredRequestRecords(t *testing.T) {
	fsm := setupTestFSM(t)

	seq := NewSequenceCommand("s")
	seq.IdempotencyKey = "old"
	assert.Equal(t, int64(1), applyCommand(t, fsm, 1, testEpoch, seq).Sequence)

	later := NewSequenceCommand("s")
	later.IdempotencyKey = "new"
	assert.Equal(t, int64(2), applyCommand(t, fsm, 2, testEpoch.Add(requestRetention+time.Minute), later).Sequence)

	_, ok := fsm.priorResult("old")
	assert.False(t, ok)
	_, ok = fsm.priorResult("new")
	assert.True(t, ok)
}
