package broadcast

import (
	"context"
	"sync"
	"sync/atomic"
)

// Hub is an in-process broadcast medium connecting multiple peers in the
// same process. It is the primary test vehicle and also serves single-process
// multi-peer deployments.
type Hub struct {
	mu        sync.Mutex
	endpoints []*HubTransport

	published atomic.Uint64
	delivered atomic.Uint64
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{}
}

// Transport joins a new peer endpoint to the hub.
func (h *Hub) Transport() *HubTransport {
	t := &HubTransport{hub: h}
	h.mu.Lock()
	h.endpoints = append(h.endpoints, t)
	h.mu.Unlock()
	return t
}

func (h *Hub) broadcast(from *HubTransport, msg Message) {
	h.mu.Lock()
	endpoints := append([]*HubTransport(nil), h.endpoints...)
	h.mu.Unlock()
	h.published.Add(1)
	for _, ep := range endpoints {
		if ep == from {
			continue // a peer never hears its own sends
		}
		if ep.deliver(msg) {
			h.delivered.Add(1)
		}
	}
}

func (h *Hub) remove(t *HubTransport) {
	h.mu.Lock()
	for i, ep := range h.endpoints {
		if ep == t {
			h.endpoints[i] = h.endpoints[len(h.endpoints)-1]
			h.endpoints = h.endpoints[:len(h.endpoints)-1]
			break
		}
	}
	h.mu.Unlock()
}

// Metrics returns the published and delivered counts.
func (h *Hub) Metrics() Metrics {
	return Metrics{
		Published: h.published.Load(),
		Delivered: h.delivered.Load(),
	}
}

// Metrics reports transport-level delivery counters.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// HubTransport implements Transport over a Hub.
type HubTransport struct {
	hub *Hub

	mu     sync.Mutex
	chans  []chan Message
	closed bool
}

// Send implements Transport.Send.
func (t *HubTransport) Send(ctx context.Context, msg Message) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.mu.Unlock()
	t.hub.broadcast(t, msg)
	return nil
}

// Subscribe implements Transport.Subscribe.
func (t *HubTransport) Subscribe(ctx context.Context) (<-chan Message, error) {
	ch := make(chan Message, 16)
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	t.chans = append(t.chans, ch)
	t.mu.Unlock()
	go func() {
		<-ctx.Done()
		t.unsubscribe(ch)
	}()
	return ch, nil
}

func (t *HubTransport) deliver(msg Message) bool {
	t.mu.Lock()
	chans := append([]chan Message(nil), t.chans...)
	t.mu.Unlock()
	any := false
	for _, ch := range chans {
		select {
		case ch <- msg:
			any = true
		default:
		}
	}
	return any
}

func (t *HubTransport) unsubscribe(ch chan Message) {
	t.mu.Lock()
	for i, c := range t.chans {
		if c == ch {
			t.chans[i] = t.chans[len(t.chans)-1]
			t.chans = t.chans[:len(t.chans)-1]
			close(c)
			break
		}
	}
	t.mu.Unlock()
}

// Close implements Transport.Close.
func (t *HubTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	chans := t.chans
	t.chans = nil
	t.mu.Unlock()
	t.hub.remove(t)
	for _, ch := range chans {
		close(ch)
	}
	return nil
}
