// Package watch fans out path change notifications to prefix subscribers.
package watch

import (
	"context"
	"strings"
	"sync"
)

type subscriber struct {
	prefix string
	ch     chan struct{}
}

type Hub struct {
	mu     sync.Mutex
	subs   map[*subscriber]struct{}
	closed bool
	done   chan struct{}
}

func NewHub() *Hub {
	return &Hub{
		subs: make(map[*subscriber]struct{}),
		done: make(chan struct{}),
	}
}

// Subscribe returns a channel that receives a coalesced signal whenever Notify is called
// with a path under prefix. The channel closes when ctx ends or the hub closes.
func (h *Hub) Subscribe(ctx context.Context, prefix string) (<-chan struct{}, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, false
	}

	sub := &subscriber{prefix: prefix, ch: make(chan struct{}, 1)}
	h.subs[sub] = struct{}{}

	go func() {
		select {
		case <-ctx.Done():
			h.remove(sub)
		case <-h.done:
		}
	}()

	return sub.ch, true
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subs[sub]; !ok {
		return
	}
	delete(h.subs, sub)
	close(sub.ch)
}

func (h *Hub) Notify(paths ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs {
		for _, p := range paths {
			if strings.HasPrefix(p, sub.prefix) {
				select {
				case sub.ch <- struct{}{}:
				default:
				}
				break
			}
		}
	}
}

// NotifyAll wakes every subscriber regardless of prefix.
func (h *Hub) NotifyAll() {
	h.mu.Lock()
	defer h.mu.Unlock()

	for sub := range h.subs {
		select {
		case sub.ch <- struct{}{}:
		default:
		}
	}
}

func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	close(h.done)
	for sub := range h.subs {
		close(sub.ch)
	}
	h.subs = make(map[*subscriber]struct{})
}
