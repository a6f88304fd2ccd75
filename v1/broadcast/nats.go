package broadcast

import (
	"context"
	"sync"
	"sync/atomic"

	nats "github.com/nats-io/nats.go"
)

// NATSTransport implements Transport over a NATS subject.
type NATSTransport struct {
	conn    *nats.Conn
	subject string

	mu     sync.Mutex
	sub    *nats.Subscription
	chans  []chan Message
	closed bool

	published atomic.Uint64
	delivered atomic.Uint64
}

// NewNATSTransport returns a transport broadcasting on subject over conn.
func NewNATSTransport(conn *nats.Conn, subject string) *NATSTransport {
	return &NATSTransport{conn: conn, subject: subject}
}

// Send implements Transport.Send.
func (t *NATSTransport) Send(ctx context.Context, msg Message) error {
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
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	if err := t.conn.Publish(t.subject, data); err != nil {
		return err
	}
	t.published.Add(1)
	return nil
}

// Subscribe implements Transport.Subscribe. The first subscription creates
// the NATS subject subscription; further ones share it.
func (t *NATSTransport) Subscribe(ctx context.Context) (<-chan Message, error) {
	ch := make(chan Message, 16)
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	if t.sub == nil {
		sub, err := t.conn.Subscribe(t.subject, func(m *nats.Msg) {
			msg, err := Decode(m.Data)
			if err != nil {
				return // foreign traffic on the subject, drop
			}
			t.dispatch(msg)
		})
		if err != nil {
			t.mu.Unlock()
			return nil, err
		}
		t.sub = sub
	}
	t.chans = append(t.chans, ch)
	t.mu.Unlock()

	go func() {
		<-ctx.Done()
		t.unsubscribe(ch)
	}()
	return ch, nil
}

func (t *NATSTransport) dispatch(msg Message) {
	t.mu.Lock()
	chans := append([]chan Message(nil), t.chans...)
	t.mu.Unlock()
	for _, ch := range chans {
		select {
		case ch <- msg:
			t.delivered.Add(1)
		default:
		}
	}
}

func (t *NATSTransport) unsubscribe(ch chan Message) {
	t.mu.Lock()
	for i, c := range t.chans {
		if c == ch {
			t.chans[i] = t.chans[len(t.chans)-1]
			t.chans = t.chans[:len(t.chans)-1]
			close(c)
			break
		}
	}
	drop := len(t.chans) == 0 && t.sub != nil
	var sub *nats.Subscription
	if drop {
		sub = t.sub
		t.sub = nil
	}
	t.mu.Unlock()
	if drop {
		_ = sub.Unsubscribe()
	}
}

// Metrics returns the published and delivered counts.
func (t *NATSTransport) Metrics() Metrics {
	return Metrics{Published: t.published.Load(), Delivered: t.delivered.Load()}
}

// Close implements Transport.Close.
func (t *NATSTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	sub := t.sub
	t.sub = nil
	chans := t.chans
	t.chans = nil
	t.mu.Unlock()
	if sub != nil {
		_ = sub.Unsubscribe()
	}
	for _, ch := range chans {
		close(ch)
	}
	return nil
}
