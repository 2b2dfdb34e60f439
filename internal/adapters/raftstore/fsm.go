package raftstore

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/hashicorp/raft"

	"github.com/eleven-am/clusterddl/internal/adapters/watch"
	"github.com/eleven-am/clusterddl/internal/domain"
	"github.com/eleven-am/clusterddl/internal/ports"
	"github.com/eleven-am/clusterddl/internal/xjson"
)

const (
	nodePrefix     = "n"
	sequencePrefix = "q/"
	sessionPrefix  = "s/"
	appliedKey     = "m/applied"
	requestPrefix  = "r/"
	requestByTime  = "t/"

	// requestRetention bounds how long a write result is kept for retried commands.
	requestRetention = 10 * time.Minute
	requestPruneMax  = 64
)

func nodeKey(path string) []byte { return []byte(nodePrefix + path) }

func sequenceKey(name string) []byte { return []byte(sequencePrefix + name) }

func sessionKey(id string) []byte { return []byte(sessionPrefix + id) }

func requestKey(key string) []byte { return []byte(requestPrefix + key) }

func requestTimeKey(at time.Time, key string) []byte {
	return []byte(fmt.Sprintf("%s%020d/%s", requestByTime, at.UnixNano(), key))
}

type requestRecord struct {
	Result CommandResult `json:"result"`
	At     time.Time     `json:"at"`
}

type nodeRecord struct {
	Value    []byte `json:"value,omitempty"`
	Revision int64  `json:"revision"`
	Owner    string `json:"owner,omitempty"`
}

type sessionRecord struct {
	ID       string        `json:"id"`
	Path     string        `json:"path"`
	TTL      time.Duration `json:"ttl"`
	LastSeen time.Time     `json:"last_seen"`
}

// Expired reports whether the session missed its keepalive window at now.
func (s sessionRecord) Expired(now time.Time) bool {
	return now.Sub(s.LastSeen) > s.TTL
}

// FSM applies committed commands to a badger state database. Node revisions are the raft
// log index of the entry that created them, and session deadlines are measured against the
// leader-assigned append time, so every replica reaches the same state.
type FSM struct {
	db      *badger.DB
	hub     *watch.Hub
	logger  *slog.Logger
	mu      sync.Mutex
	applied uint64

	// request identifies the command being applied; set only inside Apply.
	request   string
	appliedAt time.Time
}

var _ raft.FSM = (*FSM)(nil)

func NewFSM(db *badger.DB, hub *watch.Hub, logger *slog.Logger) *FSM {
	f := &FSM{
		db:     db,
		hub:    hub,
		logger: logger.With("component", "fsm"),
	}
	f.loadApplied()
	return f
}

// loadApplied reads the index of the last entry committed to the state database, so log
// entries replayed after a restart are not applied twice.
func (f *FSM) loadApplied() {
	err := f.db.View(func(txn *badger.Txn) error {
		_, err := getJSON(txn, []byte(appliedKey), &f.applied)
		return err
	})
	if err != nil {
		f.logger.Error("failed to read applied index", "error", err)
	}
}

// update runs fn and records index as applied in the same transaction. When the command
// carries an idempotency key, result is stored under it as well.
func (f *FSM) update(index uint64, result *CommandResult, fn func(txn *badger.Txn) error) error {
	err := f.db.Update(func(txn *badger.Txn) error {
		if err := fn(txn); err != nil {
			return err
		}
		if f.request != "" && result != nil {
			if err := f.rememberRequest(txn, *result); err != nil {
				return err
			}
		}
		return putJSON(txn, []byte(appliedKey), index)
	})
	if err == nil {
		f.applied = index
	}
	return err
}

func (f *FSM) Apply(log *raft.Log) interface{} {
	f.mu.Lock()
	defer f.mu.Unlock()

	cmd, err := UnmarshalCommand(log.Data)
	if err != nil {
		f.logger.Error("failed to unmarshal command", "error", err, "term", log.Term, "index", log.Index)
		return failure(codeInvalid, fmt.Errorf("%w: %v", errInvalidCommand, err))
	}

	if log.Index <= f.applied {
		return &CommandResult{Success: true, Skipped: true, Index: log.Index}
	}

	f.request, f.appliedAt = cmd.IdempotencyKey, log.AppendedAt
	defer func() { f.request, f.appliedAt = "", time.Time{} }()

	if prior, ok := f.priorResult(cmd.IdempotencyKey); ok {
		f.logger.Debug("command already applied, returning stored result",
			"command_type", cmd.Type.String(), "index", log.Index)
		if err := f.update(log.Index, nil, func(*badger.Txn) error { return nil }); err != nil {
			return failure(codeInternal, err)
		}
		prior.Index = log.Index
		return &prior
	}

	f.logger.Debug("applying command",
		"command_type", cmd.Type.String(),
		"term", log.Term,
		"index", log.Index)

	var (
		changed []string
		result  *CommandResult
	)
	switch cmd.Type {
	case CommandCreate:
		changed, result = f.applyCreate(cmd, log.Index)
	case CommandNextSequence:
		result = f.applySequence(cmd, log.Index)
	case CommandOpenSession:
		changed, result = f.applyOpenSession(cmd, log.Index, log.AppendedAt)
	case CommandKeepAlive:
		result = f.applyKeepAlive(cmd, log.Index, log.AppendedAt)
	case CommandCloseSession:
		changed, result = f.applyEndSession(cmd, log.Index, time.Time{})
	case CommandExpireSession:
		changed, result = f.applyEndSession(cmd, log.Index, log.AppendedAt)
	default:
		result = failure(codeInvalid, fmt.Errorf("%w: unknown command type %v", errInvalidCommand, cmd.Type))
	}

	result.Index = log.Index
	if len(changed) > 0 {
		f.hub.Notify(changed...)
	}
	return result
}

func (f *FSM) applyCreate(cmd *Command, index uint64) ([]string, *CommandResult) {
	if len(cmd.Ops) == 0 {
		return nil, failure(codeInvalid, fmt.Errorf("%w: create without nodes", errInvalidCommand))
	}

	paths := make([]string, 0, len(cmd.Ops))
	result := &CommandResult{Success: true}
	err := f.update(index, result, func(txn *badger.Txn) error {
		for _, op := range cmd.Ops {
			exists, err := keyExists(txn, nodeKey(op.Path))
			if err != nil {
				return err
			}
			if exists {
				return domain.NewStoreError("create", op.Path, domain.ErrNodeExists)
			}
		}
		for _, op := range cmd.Ops {
			if err := putJSON(txn, nodeKey(op.Path), nodeRecord{Value: op.Value, Revision: int64(index)}); err != nil {
				return err
			}
			paths = append(paths, op.Path)
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, domain.ErrNodeExists) {
			f.logger.Error("failed to apply create command", "nodes", len(cmd.Ops), "error", err)
		}
		return nil, failure(codeFor(err), err)
	}
	return paths, result
}

func (f *FSM) applySequence(cmd *Command, index uint64) *CommandResult {
	result := &CommandResult{Success: true}
	err := f.update(index, result, func(txn *badger.Txn) error {
		var current int64
		if _, err := getJSON(txn, sequenceKey(cmd.Name), &current); err != nil {
			return err
		}
		result.Sequence = current + 1
		return putJSON(txn, sequenceKey(cmd.Name), result.Sequence)
	})
	if err != nil {
		f.logger.Error("failed to advance sequence", "name", cmd.Name, "error", err)
		return failure(codeFor(err), err)
	}
	return result
}

func (f *FSM) applyOpenSession(cmd *Command, index uint64, at time.Time) ([]string, *CommandResult) {
	if cmd.Session == "" || cmd.Path == "" || cmd.TTL <= 0 {
		return nil, failure(codeInvalid, fmt.Errorf("%w: session needs id, path and ttl", errInvalidCommand))
	}

	result := &CommandResult{Success: true}
	err := f.update(index, result, func(txn *badger.Txn) error {
		exists, err := keyExists(txn, nodeKey(cmd.Path))
		if err != nil {
			return err
		}
		if exists {
			return domain.NewStoreError("register", cmd.Path, domain.ErrNodeExists)
		}
		if err := putJSON(txn, nodeKey(cmd.Path), nodeRecord{Value: cmd.Value, Revision: int64(index), Owner: cmd.Session}); err != nil {
			return err
		}
		return putJSON(txn, sessionKey(cmd.Session), sessionRecord{
			ID:       cmd.Session,
			Path:     cmd.Path,
			TTL:      cmd.TTL,
			LastSeen: at,
		})
	})
	if err != nil {
		return nil, failure(codeFor(err), err)
	}
	return []string{cmd.Path}, result
}

func (f *FSM) applyKeepAlive(cmd *Command, index uint64, at time.Time) *CommandResult {
	err := f.update(index, nil, func(txn *badger.Txn) error {
		var sess sessionRecord
		ok, err := getJSON(txn, sessionKey(cmd.Session), &sess)
		if err != nil {
			return err
		}
		if !ok {
			return domain.ErrSessionExpired
		}
		sess.LastSeen = at
		return putJSON(txn, sessionKey(cmd.Session), sess)
	})
	if err != nil {
		return failure(codeFor(err), err)
	}
	return &CommandResult{Success: true}
}

// applyEndSession removes a session and its ephemeral node. A non-zero at makes the removal
// conditional on the session having missed its keepalive window at that instant, so an
// expiry decided before a late keepalive was committed is dropped.
func (f *FSM) applyEndSession(cmd *Command, index uint64, at time.Time) ([]string, *CommandResult) {
	var removed string
	skipped := false

	err := f.update(index, nil, func(txn *badger.Txn) error {
		var sess sessionRecord
		ok, err := getJSON(txn, sessionKey(cmd.Session), &sess)
		if err != nil {
			return err
		}
		if !ok || (!at.IsZero() && !sess.Expired(at)) {
			skipped = true
			return nil
		}

		var node nodeRecord
		found, err := getJSON(txn, nodeKey(sess.Path), &node)
		if err != nil {
			return err
		}
		if found && node.Owner == sess.ID {
			if err := txn.Delete(nodeKey(sess.Path)); err != nil {
				return err
			}
			removed = sess.Path
		}
		return txn.Delete(sessionKey(sess.ID))
	})
	if err != nil {
		f.logger.Error("failed to end session", "session", cmd.Session, "error", err)
		return nil, failure(codeFor(err), err)
	}
	if skipped {
		return nil, &CommandResult{Success: true, Skipped: true}
	}

	f.logger.Debug("session ended", "session", cmd.Session, "path", removed, "expired", !at.IsZero())
	if removed == "" {
		return nil, &CommandResult{Success: true}
	}
	return []string{removed}, &CommandResult{Success: true}
}

// priorResult returns the stored result of an already applied command with the same key.
func (f *FSM) priorResult(key string) (CommandResult, bool) {
	if key == "" {
		return CommandResult{}, false
	}
	var (
		rec requestRecord
		ok  bool
	)
	err := f.db.View(func(txn *badger.Txn) error {
		var err error
		ok, err = getJSON(txn, requestKey(key), &rec)
		return err
	})
	if err != nil {
		f.logger.Error("failed to read request record", "request", key, "error", err)
		return CommandResult{}, false
	}
	return rec.Result, ok
}

// rememberRequest stores the result of the command being applied and drops records that
// fell out of the retention window. Age is measured on the leader-assigned append time so
// every replica prunes the same records.
func (f *FSM) rememberRequest(txn *badger.Txn, result CommandResult) error {
	result.Index = 0
	if err := putJSON(txn, requestKey(f.request), requestRecord{Result: result, At: f.appliedAt}); err != nil {
		return err
	}
	if f.appliedAt.IsZero() {
		return nil
	}
	if err := txn.Set(requestTimeKey(f.appliedAt, f.request), nil); err != nil {
		return err
	}

	cutoff := requestTimeKey(f.appliedAt.Add(-requestRetention), "")
	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	opts.Prefix = []byte(requestByTime)

	var stale [][]byte
	it := txn.NewIterator(opts)
	for it.Rewind(); it.Valid() && len(stale) < requestPruneMax; it.Next() {
		key := it.Item().KeyCopy(nil)
		if string(key) >= string(cutoff) {
			break
		}
		stale = append(stale, key)
	}
	it.Close()

	for _, key := range stale {
		request := string(key[len(requestByTime)+21:])
		if err := txn.Delete(key); err != nil {
			return err
		}
		if err := txn.Delete(requestKey(request)); err != nil {
			return err
		}
	}
	return nil
}

func (f *FSM) Get(path string) (ports.Node, bool, error) {
	var (
		rec nodeRecord
		ok  bool
	)
	err := f.db.View(func(txn *badger.Txn) error {
		var err error
		ok, err = getJSON(txn, nodeKey(path), &rec)
		return err
	})
	if err != nil || !ok {
		return ports.Node{}, false, err
	}
	return rec.node(path), true, nil
}

// List returns nodes under prefix in path order, which is badger's key order.
func (f *FSM) List(prefix string) ([]ports.Node, error) {
	var out []ports.Node
	err := f.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = nodeKey(prefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			path := string(item.Key()[len(nodePrefix):])
			var rec nodeRecord
			if err := item.Value(func(v []byte) error { return xjson.Unmarshal(v, &rec) }); err != nil {
				return fmt.Errorf("decode node %s: %w", path, err)
			}
			out = append(out, rec.node(path))
		}
		return nil
	})
	return out, err
}

func (f *FSM) Sessions() ([]sessionRecord, error) {
	var out []sessionRecord
	err := f.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(sessionPrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var sess sessionRecord
			if err := it.Item().Value(func(v []byte) error { return xjson.Unmarshal(v, &sess) }); err != nil {
				return err
			}
			out = append(out, sess)
		}
		return nil
	})
	return out, err
}

func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	data := make(map[string][]byte)
	err := f.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchSize = 100

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			value, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("copy value of %s: %w", item.Key(), err)
			}
			data[string(item.KeyCopy(nil))] = value
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read state for snapshot: %w", err)
	}

	return &snapshot{data: data, logger: f.logger}, nil
}

func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	data, err := readSnapshot(rc)
	if err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.db.DropAll(); err != nil {
		return fmt.Errorf("clear state before restore: %w", err)
	}

	wb := f.db.NewWriteBatch()
	defer wb.Cancel()
	for k, v := range data {
		if err := wb.Set([]byte(k), v); err != nil {
			return fmt.Errorf("restore key %s: %w", k, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("flush restored state: %w", err)
	}

	f.applied = 0
	f.loadApplied()
	f.logger.Info("state restored from snapshot", "keys_count", len(data), "applied_index", f.applied)
	f.hub.NotifyAll()
	return nil
}

func (r nodeRecord) node(path string) ports.Node {
	return ports.Node{Path: path, Value: r.Value, Revision: r.Revision, Owner: r.Owner}
}

func keyExists(txn *badger.Txn, key []byte) (bool, error) {
	_, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	return err == nil, err
}

func getJSON(txn *badger.Txn, key []byte, out interface{}) (bool, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, item.Value(func(v []byte) error { return xjson.Unmarshal(v, out) })
}

func putJSON(txn *badger.Txn, key []byte, v interface{}) error {
	data, err := xjson.Marshal(v)
	if err != nil {
		return err
	}
	return txn.Set(key, data)
}
