package ports

import (
	"context"
	"time"
)

// Node is one entry of the coordination store.
type Node struct {
	Path  string
	Value []byte
	// Revision is the store-wide revision at which the node was created.
	Revision int64
	// Owner is the session id for ephemeral nodes, empty otherwise.
	Owner string
}

type CreateOp struct {
	Path  string
	Value []byte
}

// CoordinationStore is a consistent registry offering atomic creation, change notification
// and ephemeral registrations bound to a session.
type CoordinationStore interface {
	// Create creates every node or none of them. It fails with domain.ErrNodeExists
	// if any path is already present.
	Create(ctx context.Context, ops ...CreateOp) error
	Get(ctx context.Context, path string) (Node, bool, error)
	// List returns every node whose path starts with prefix, sorted by path.
	List(ctx context.Context, prefix string) ([]Node, error)
	// Watch signals on the returned channel whenever any node under prefix is created
	// or removed. Notifications coalesce; readers re-read state after each one.
	// The channel is closed once ctx ends or the store closes.
	Watch(ctx context.Context, prefix string) (<-chan struct{}, error)
	NextSequence(ctx context.Context, name string) (int64, error)
	// RegisterEphemeral creates a node that is removed automatically when the returned
	// session is closed or is no longer kept alive within lease.TTL.
	RegisterEphemeral(ctx context.Context, path string, value []byte, lease Lease) (Session, error)
	Close() error
}

// Lease bounds the lifetime of an ephemeral node. The owner renews it every RenewInterval;
// zero, or a value not below TTL, renews at a third of TTL.
type Lease struct {
	TTL           time.Duration
	RenewInterval time.Duration
}

// Interval returns the renewal period, never shorter than floor.
func (l Lease) Interval(floor time.Duration) time.Duration {
	interval := l.RenewInterval
	if interval <= 0 || interval >= l.TTL {
		interval = l.TTL / 3
	}
	if interval < floor {
		interval = floor
	}
	return interval
}

type Session interface {
	ID() string
	// Done is closed once the session and its ephemeral nodes are gone.
	Done() <-chan struct{}
	Close() error
}
