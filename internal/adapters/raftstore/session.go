package raftstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/eleven-am/clusterddl/internal/domain"
	"github.com/eleven-am/clusterddl/internal/ports"
)

const minKeepAliveInterval = 50 * time.Millisecond

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

// Close stops the keepalive loop and removes the session with its ephemeral node.
func (s *session) Close() error {
	s.halt()

	select {
	case <-s.done:
		return nil
	default:
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.store.cfg.ApplyTimeout)
	defer cancel()
	_, err := s.store.apply(ctx, NewCloseSessionCommand(s.id))
	s.end()
	if err != nil && !errors.Is(err, domain.ErrClosed) {
		return domain.NewStoreError("close session", s.path, err)
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
		case <-ticker.C:
		}

		ctx, cancel := context.WithTimeout(context.Background(), interval)
		_, err := s.store.apply(ctx, NewKeepAliveCommand(s.id))
		cancel()

		switch {
		case err == nil:
			lastAck = time.Now()
		case errors.Is(err, domain.ErrSessionExpired), errors.Is(err, domain.ErrClosed):
			s.store.logger.Info("session lost", "session", s.id, "path", s.path, "error", err)
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

// end releases the local side of the session. The replicated state is left to Close or
// the leader's reaper.
func (s *session) end() {
	s.halt()
	s.endOnce.Do(func() {
		s.store.forget(s.id)
		close(s.done)
	})
}
