package redisstore

import (
	"context"
	"sync"
	"time"

	"github.com/eleven-am/clusterddl/internal/domain"
	"github.com/eleven-am/clusterddl/internal/ports"
)

const minKeepAliveInterval = 50 * time.Millisecond

// session owns one ephemeral node and renews its ttl until closed or lost.
type session struct {
	id    string
	path  string
	ttl   time.Duration
	renew time.Duration
	store *Store

	done     chan struct{}
	stop     chan struct{}
	endOnce  sync.Once
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newSession(store *Store, id, path string, lease ports.Lease) *session {
	return &session{
		id:    id,
		path:  path,
		ttl:   lease.TTL,
		renew: lease.Interval(minKeepAliveInterval),
		store: store,
		done:  make(chan struct{}),
		stop:  make(chan struct{}),
	}
}

func (s *session) ID() string { return s.id }

func (s *session) Done() <-chan struct{} { return s.done }

// Close stops renewing and deletes the node if the session still owns it.
func (s *session) Close() error {
	s.halt()

	select {
	case <-s.done:
		return nil
	default:
	}
	defer s.end()

	ctx, cancel := context.WithTimeout(context.Background(), s.store.cfg.DialTimeout)
	defer cancel()

	deleted, err := releaseScript.Run(ctx, s.store.rdb,
		[]string{s.store.nodeKey(s.path), s.store.indexKey()},
		s.id, s.path).Int64()
	if err != nil {
		return domain.NewStoreError("close session", s.path, err)
	}
	if deleted == 1 {
		s.store.publish(ctx, s.path)
	}
	return nil
}

func (s *session) start() {
	s.wg.Add(1)
	go s.keepAlive()
}

func (s *session) keepAlive() {
	defer s.wg.Done()

	interval := s.renew
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastAck := time.Now()
	for {
		select {
		case <-s.stop:
			return
		case <-s.store.ctx.Done():
			return
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(s.store.ctx, interval)
		renewed, err := keepAliveScript.Run(ctx, s.store.rdb,
			[]string{s.store.nodeKey(s.path)},
			s.id, s.ttl.Milliseconds()).Int64()
		cancel()

		switch {
		case err == nil && renewed == 1:
			lastAck = time.Now()
		case err == nil:
			s.store.logger.Info("session lost", "session", s.id, "path", s.path)
			go s.end()
			return
		default:
			s.store.logger.Warn("keepalive failed", "session", s.id, "error", err)
			if time.Since(lastAck) > s.ttl {
				s.store.logger.Info("session lost", "session", s.id, "path", s.path, "unacknowledged_for", time.Since(lastAck))
				go s.end()
				return
			}
		}
	}
}

func (s *session) halt() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
}

// end releases the local side of the session. A node left behind expires on its ttl.
func (s *session) end() {
	s.halt()
	s.endOnce.Do(func() {
		s.store.forget(s.id)
		close(s.done)
	})
}
