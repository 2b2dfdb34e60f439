package liveness

import (
	"context"
	"strings"

	"github.com/eleven-am/clusterddl/internal/domain"
	"github.com/eleven-am/clusterddl/internal/ports"
)

// Monitor answers liveness questions from store state only.
type Monitor struct {
	store ports.CoordinationStore
}

func NewMonitor(store ports.CoordinationStore) *Monitor {
	return &Monitor{store: store}
}

func (m *Monitor) IsActive(ctx context.Context, host string) (bool, error) {
	_, ok, err := m.store.Get(ctx, domain.ActiveKey(host))
	return ok, err
}

// Active returns the set of hosts currently registered.
func (m *Monitor) Active(ctx context.Context) (map[string]bool, error) {
	nodes, err := m.store.List(ctx, domain.ActivePrefix)
	if err != nil {
		return nil, err
	}
	out := make(map[string]bool, len(nodes))
	for _, node := range nodes {
		host := strings.TrimPrefix(node.Path, domain.ActivePrefix)
		if host != "" && !strings.Contains(host, "/") {
			out[host] = true
		}
	}
	return out, nil
}

// Watch signals every time a host registers or its registration disappears.
func (m *Monitor) Watch(ctx context.Context) (<-chan struct{}, error) {
	return m.store.Watch(ctx, domain.ActivePrefix)
}
