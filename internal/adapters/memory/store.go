package memory

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/eleven-am/clusterddl/internal/adapters/watch"
	"github.com/eleven-am/clusterddl/internal/domain"
	"github.com/eleven-am/clusterddl/internal/ports"
	"github.com/google/uuid"
)

// Store is an in-process CoordinationStore. Every host sharing one Store behaves as if
// connected to the same consistent registry.
type Store struct {
	mu        sync.RWMutex
	nodes     map[string]ports.Node
	sequences map[string]int64
	sessions  map[string]*session
	revision  int64
	closed    bool

	hub    *watch.Hub
	logger *slog.Logger
}

var _ ports.CoordinationStore = (*Store)(nil)

func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{
		nodes:     make(map[string]ports.Node),
		sequences: make(map[string]int64),
		sessions:  make(map[string]*session),
		hub:       watch.NewHub(),
		logger:    logger.With("component", "coordination-store", "type", "memory"),
	}
}

func (s *Store) Create(ctx context.Context, ops ...ports.CreateOp) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return domain.NewStoreError("create", "", domain.ErrClosed)
	}
	for _, op := range ops {
		if _, exists := s.nodes[op.Path]; exists {
			s.mu.Unlock()
			return domain.NewStoreError("create", op.Path, domain.ErrNodeExists)
		}
	}

	paths := make([]string, 0, len(ops))
	for _, op := range ops {
		s.revision++
		s.nodes[op.Path] = ports.Node{
			Path:     op.Path,
			Value:    append([]byte(nil), op.Value...),
			Revision: s.revision,
		}
		paths = append(paths, op.Path)
	}
	s.mu.Unlock()

	s.hub.Notify(paths...)
	return nil
}

func (s *Store) Get(ctx context.Context, path string) (ports.Node, bool, error) {
	if err := ctx.Err(); err != nil {
		return ports.Node{}, false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ports.Node{}, false, domain.NewStoreError("get", path, domain.ErrClosed)
	}
	node, ok := s.nodes[path]
	if !ok {
		return ports.Node{}, false, nil
	}
	return copyNode(node), true, nil
}

func (s *Store) List(ctx context.Context, prefix string) ([]ports.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, domain.NewStoreError("list", prefix, domain.ErrClosed)
	}

	var out []ports.Node
	for path, node := range s.nodes {
		if strings.HasPrefix(path, prefix) {
			out = append(out, copyNode(node))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (s *Store) Watch(ctx context.Context, prefix string) (<-chan struct{}, error) {
	ch, ok := s.hub.Subscribe(ctx, prefix)
	if !ok {
		return nil, domain.NewStoreError("watch", prefix, domain.ErrClosed)
	}
	return ch, nil
}

func (s *Store) NextSequence(ctx context.Context, name string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, domain.NewStoreError("sequence", name, domain.ErrClosed)
	}
	s.sequences[name]++
	return s.sequences[name], nil
}

// RegisterEphemeral binds path to a new session. An in-process session shares the lifetime
// of its owner, so the lease is not enforced: the node goes away on Close or Expire.
func (s *Store) RegisterEphemeral(ctx context.Context, path string, value []byte, lease ports.Lease) (ports.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, domain.NewStoreError("register", path, domain.ErrClosed)
	}
	if _, exists := s.nodes[path]; exists {
		s.mu.Unlock()
		return nil, domain.NewStoreError("register", path, domain.ErrNodeExists)
	}

	sess := &session{
		id:    uuid.NewString(),
		path:  path,
		ttl:   lease.TTL,
		store: s,
		done:  make(chan struct{}),
	}
	s.revision++
	s.nodes[path] = ports.Node{
		Path:     path,
		Value:    append([]byte(nil), value...),
		Revision: s.revision,
		Owner:    sess.id,
	}
	s.sessions[sess.id] = sess
	s.mu.Unlock()

	s.logger.Debug("ephemeral node registered", "path", path, "session", sess.id)
	s.hub.Notify(path)
	return sess, nil
}

// Expire drops a session as if its owner had crashed.
func (s *Store) Expire(sessionID string) bool {
	return s.expire(sessionID, "expired")
}

// ExpirePath drops the session owning the ephemeral node at path.
func (s *Store) ExpirePath(path string) bool {
	s.mu.RLock()
	node, ok := s.nodes[path]
	s.mu.RUnlock()
	if !ok || node.Owner == "" {
		return false
	}
	return s.expire(node.Owner, "expired")
}

func (s *Store) expire(sessionID, reason string) bool {
	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	if !ok {
		s.mu.Unlock()
		return false
	}
	delete(s.sessions, sessionID)

	var removed []string
	for path, node := range s.nodes {
		if node.Owner == sessionID {
			delete(s.nodes, path)
			removed = append(removed, path)
		}
	}
	s.mu.Unlock()

	close(sess.done)
	s.logger.Debug("session ended", "session", sessionID, "reason", reason, "removed", len(removed))
	s.hub.Notify(removed...)
	return true
}

func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	sessions := s.sessions
	s.sessions = make(map[string]*session)
	s.mu.Unlock()

	for _, sess := range sessions {
		close(sess.done)
	}
	s.hub.Close()
	return nil
}

func copyNode(n ports.Node) ports.Node {
	n.Value = append([]byte(nil), n.Value...)
	return n
}

type session struct {
	id    string
	path  string
	ttl   time.Duration
	store *Store
	done  chan struct{}
}

func (s *session) ID() string { return s.id }

func (s *session) Done() <-chan struct{} { return s.done }

func (s *session) Close() error {
	s.store.expire(s.id, "closed")
	return nil
}
