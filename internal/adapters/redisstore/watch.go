package redisstore

import (
	"context"
	"strings"
	"time"

	"github.com/eleven-am/clusterddl/internal/domain"
)

// Watch subscribes to the channel of the directory containing prefix. Published paths
// outside prefix are filtered out. Expired ephemeral nodes publish nothing, so the listing
// under prefix is also compared every PollInterval.
func (s *Store) Watch(ctx context.Context, prefix string) (<-chan struct{}, error) {
	if err := s.checkOpen(); err != nil {
		return nil, domain.NewStoreError("watch", prefix, err)
	}

	dir := prefix
	if i := strings.LastIndex(prefix, "/"); i >= 0 {
		dir = prefix[:i+1]
	}

	pubsub := s.rdb.Subscribe(ctx, s.channel(dir))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, domain.NewStoreError("watch", prefix, err)
	}

	out := make(chan struct{}, 1)
	signal := func() {
		select {
		case out <- struct{}{}:
		default:
		}
	}

	last, _ := s.fingerprint(ctx, prefix)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer close(out)
		defer pubsub.Close()

		messages := pubsub.Channel()
		ticker := time.NewTicker(s.cfg.PollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-s.ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				if !strings.HasPrefix(msg.Payload, prefix) {
					continue
				}
				if current, err := s.fingerprint(ctx, prefix); err == nil {
					last = current
				}
				signal()
			case <-ticker.C:
				current, err := s.fingerprint(ctx, prefix)
				if err != nil {
					continue
				}
				if current != last {
					last = current
					signal()
				}
			}
		}
	}()

	return out, nil
}

// fingerprint summarizes the set of paths under prefix.
func (s *Store) fingerprint(ctx context.Context, prefix string) (string, error) {
	nodes, err := s.List(ctx, prefix)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	for _, n := range nodes {
		b.WriteString(n.Path)
		b.WriteByte(0)
	}
	return b.String(), nil
}
