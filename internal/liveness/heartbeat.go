// Package liveness publishes and observes host liveness registrations. A host is online
// exactly while its ephemeral node exists in the coordination store.
package liveness

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/eleven-am/clusterddl/internal/domain"
	"github.com/eleven-am/clusterddl/internal/ports"
	"github.com/eleven-am/clusterddl/internal/xjson"
)

const reregisterBackoff = 200 * time.Millisecond

type Registration struct {
	Host      string    `json:"host"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

// Heartbeat keeps the host's liveness registration present for as long as it runs,
// re-registering whenever the store drops the session underneath it.
type Heartbeat struct {
	store  ports.CoordinationStore
	host   string
	lease  ports.Lease
	logger *slog.Logger

	mu      sync.Mutex
	session ports.Session
	cancel  context.CancelFunc
	done    chan struct{}
}

func NewHeartbeat(store ports.CoordinationStore, host string, cfg domain.LivenessConfig, logger *slog.Logger) *Heartbeat {
	if logger == nil {
		logger = slog.Default()
	}
	return &Heartbeat{
		store:  store,
		host:   host,
		lease:  ports.Lease{TTL: cfg.TTL, RenewInterval: cfg.RenewInterval},
		logger: logger.With("component", "heartbeat", "host", host),
	}
}

// Start registers the host and returns once the first registration succeeded.
func (h *Heartbeat) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.cancel != nil {
		h.mu.Unlock()
		return domain.ErrAlreadyStarted
	}
	h.mu.Unlock()

	session, err := h.register(ctx)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(context.Background())
	h.mu.Lock()
	h.session = session
	h.cancel = cancel
	h.done = make(chan struct{})
	h.mu.Unlock()

	go h.run(runCtx, session)
	h.logger.Info("liveness registered", "session", session.ID())
	return nil
}

func (h *Heartbeat) register(ctx context.Context) (ports.Session, error) {
	value, err := xjson.Marshal(Registration{
		Host:      h.host,
		PID:       os.Getpid(),
		StartedAt: time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	return h.store.RegisterEphemeral(ctx, domain.ActiveKey(h.host), value, h.lease)
}

func (h *Heartbeat) run(ctx context.Context, session ports.Session) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			return
		case <-session.Done():
		}

		h.logger.Warn("liveness session lost, re-registering", "session", session.ID())
		for {
			next, err := h.register(ctx)
			if err == nil {
				session = next
				h.mu.Lock()
				h.session = next
				h.mu.Unlock()
				h.logger.Info("liveness re-registered", "session", next.ID())
				break
			}
			if errors.Is(err, domain.ErrClosed) {
				h.logger.Error("store closed, giving up liveness registration")
				return
			}
			h.logger.Warn("liveness registration failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(reregisterBackoff):
			}
		}
	}
}

// Stop releases the registration; the host is seen as offline afterwards.
func (h *Heartbeat) Stop() error {
	h.mu.Lock()
	cancel, done := h.cancel, h.done
	h.cancel = nil
	h.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done

	h.mu.Lock()
	session := h.session
	h.session = nil
	h.mu.Unlock()

	if err := session.Close(); err != nil && !errors.Is(err, domain.ErrClosed) {
		return err
	}
	h.logger.Info("liveness released")
	return nil
}

// SessionID returns the id of the current registration session, empty when stopped.
func (h *Heartbeat) SessionID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.session == nil {
		return ""
	}
	return h.session.ID()
}
