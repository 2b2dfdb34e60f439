// Package redisstore is a CoordinationStore on a single Redis deployment. Nodes are hashes,
// ephemeral nodes carry a ttl renewed by their session, and changes are announced on
// pub/sub channels named after each ancestor directory of the changed path.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"

	"github.com/eleven-am/clusterddl/internal/domain"
	"github.com/eleven-am/clusterddl/internal/ports"
)

const (
	fieldValue    = "v"
	fieldRevision = "rev"
	fieldOwner    = "owner"
)

type Store struct {
	rdb    *goredis.Client
	cfg    domain.RedisStoreConfig
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	closed   bool
	sessions map[string]*session
}

var _ ports.CoordinationStore = (*Store)(nil)

// New connects to Redis and verifies the connection with a ping.
func New(ctx context.Context, cfg domain.RedisStoreConfig, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	rdb := goredis.NewClient(&goredis.Options{
		Addr:        cfg.Addr,
		Password:    cfg.Password,
		DB:          cfg.DB,
		DialTimeout: cfg.DialTimeout,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}

	storeCtx, cancel := context.WithCancel(context.Background())
	s := &Store{
		rdb:      rdb,
		cfg:      cfg,
		logger:   logger.With("component", "coordination-store", "type", "redis"),
		ctx:      storeCtx,
		cancel:   cancel,
		sessions: make(map[string]*session),
	}
	s.logger.Info("redis client created", "addr", cfg.Addr, "db", cfg.DB, "key_prefix", cfg.KeyPrefix)
	return s, nil
}

func (s *Store) key(parts ...string) string {
	if s.cfg.KeyPrefix == "" {
		return strings.Join(parts, ":")
	}
	return s.cfg.KeyPrefix + ":" + strings.Join(parts, ":")
}

func (s *Store) nodeKey(path string) string { return s.key("node", path) }

func (s *Store) indexKey() string { return s.key("index") }

func (s *Store) revisionKey() string { return s.key("rev") }

func (s *Store) sequenceKey(name string) string { return s.key("seq", name) }

func (s *Store) channel(dir string) string { return s.key("watch", dir) }

func (s *Store) Create(ctx context.Context, ops ...ports.CreateOp) error {
	if err := s.checkOpen(); err != nil {
		return domain.NewStoreError("create", "", err)
	}
	if len(ops) == 0 {
		return nil
	}

	keys := make([]string, 0, len(ops)+2)
	keys = append(keys, s.revisionKey(), s.indexKey())
	args := make([]interface{}, 0, len(ops)*2)
	paths := make([]string, 0, len(ops))
	for _, op := range ops {
		keys = append(keys, s.nodeKey(op.Path))
		args = append(args, op.Path, op.Value)
		paths = append(paths, op.Path)
	}

	res, err := createScript.Run(ctx, s.rdb, keys, args...).Slice()
	if err != nil {
		return domain.NewStoreError("create", paths[0], err)
	}
	if len(res) != 2 {
		return domain.NewStoreError("create", paths[0], fmt.Errorf("unexpected script reply %v", res))
	}
	if ok, _ := res[0].(int64); ok != 1 {
		existing, _ := res[1].(string)
		return domain.NewStoreError("create", existing, domain.ErrNodeExists)
	}

	s.publish(ctx, paths...)
	return nil
}

func (s *Store) Get(ctx context.Context, path string) (ports.Node, bool, error) {
	if err := s.checkOpen(); err != nil {
		return ports.Node{}, false, domain.NewStoreError("get", path, err)
	}

	fields, err := s.rdb.HGetAll(ctx, s.nodeKey(path)).Result()
	if err != nil {
		return ports.Node{}, false, domain.NewStoreError("get", path, err)
	}
	if len(fields) == 0 {
		return ports.Node{}, false, nil
	}
	return decodeNode(path, fields), true, nil
}

// List reads the lexicographic path index and drops entries whose node has expired.
func (s *Store) List(ctx context.Context, prefix string) ([]ports.Node, error) {
	if err := s.checkOpen(); err != nil {
		return nil, domain.NewStoreError("list", prefix, err)
	}

	paths, err := s.rdb.ZRangeByLex(ctx, s.indexKey(), &goredis.ZRangeBy{
		Min: "[" + prefix,
		Max: "(" + prefix + "\xff",
	}).Result()
	if err != nil {
		return nil, domain.NewStoreError("list", prefix, err)
	}
	if len(paths) == 0 {
		return nil, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*goredis.MapStringStringCmd, len(paths))
	for i, p := range paths {
		cmds[i] = pipe.HGetAll(ctx, s.nodeKey(p))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, domain.NewStoreError("list", prefix, err)
	}

	out := make([]ports.Node, 0, len(paths))
	var stale []interface{}
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			stale = append(stale, paths[i])
			continue
		}
		out = append(out, decodeNode(paths[i], fields))
	}
	if len(stale) > 0 {
		if err := s.rdb.ZRem(ctx, s.indexKey(), stale...).Err(); err != nil {
			s.logger.Debug("failed to prune expired index entries", "count", len(stale), "error", err)
		}
	}
	return out, nil
}

func (s *Store) NextSequence(ctx context.Context, name string) (int64, error) {
	if err := s.checkOpen(); err != nil {
		return 0, domain.NewStoreError("sequence", name, err)
	}
	n, err := s.rdb.Incr(ctx, s.sequenceKey(name)).Result()
	if err != nil {
		return 0, domain.NewStoreError("sequence", name, err)
	}
	return n, nil
}

func (s *Store) RegisterEphemeral(ctx context.Context, path string, value []byte, lease ports.Lease) (ports.Session, error) {
	if err := s.checkOpen(); err != nil {
		return nil, domain.NewStoreError("register", path, err)
	}

	id := uuid.NewString()
	rev, err := registerScript.Run(ctx, s.rdb,
		[]string{s.nodeKey(path), s.revisionKey(), s.indexKey()},
		path, value, id, lease.TTL.Milliseconds()).Int64()
	if err != nil {
		return nil, domain.NewStoreError("register", path, err)
	}
	if rev == 0 {
		return nil, domain.NewStoreError("register", path, domain.ErrNodeExists)
	}

	sess := newSession(s, id, path, lease)
	s.mu.Lock()
	s.sessions[id] = sess
	s.mu.Unlock()

	sess.start()
	s.publish(ctx, path)
	s.logger.Debug("ephemeral node registered", "path", path, "session", id)
	return sess, nil
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
		sess.end()
	}
	s.cancel()
	s.wg.Wait()

	s.logger.Info("closing redis connection")
	return s.rdb.Close()
}

// publish announces paths on the channel of every ancestor directory.
func (s *Store) publish(ctx context.Context, paths ...string) {
	pipe := s.rdb.Pipeline()
	for _, p := range paths {
		for _, dir := range domain.Ancestors(p) {
			pipe.Publish(ctx, s.channel(dir), p)
		}
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, goredis.Nil) {
		s.logger.Warn("failed to publish change", "paths", len(paths), "error", err)
	}
}

func (s *Store) forget(id string) {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

func (s *Store) checkOpen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return domain.ErrClosed
	}
	return nil
}

func decodeNode(path string, fields map[string]string) ports.Node {
	rev, _ := strconv.ParseInt(fields[fieldRevision], 10, 64)
	return ports.Node{
		Path:     path,
		Value:    []byte(fields[fieldValue]),
		Revision: rev,
		Owner:    fields[fieldOwner],
	}
}
