package broadcast

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	uuid "github.com/hashicorp/go-uuid"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// RelayHandler returns an http.Handler implementing a WebSocket relay: every
// frame received from one connection is forwarded to all other connections.
// Together with WSTransport it forms a broadcast medium for peers that can
// only reach each other through a server.
func RelayHandler() http.Handler {
	r := &relay{conns: make(map[string]chan []byte)}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		id, err := uuid.GenerateUUID()
		if err != nil {
			_ = conn.Close()
			return
		}
		r.serve(id, conn)
	})
}

type relay struct {
	mu    sync.Mutex
	conns map[string]chan []byte
}

func (r *relay) serve(id string, conn *websocket.Conn) {
	out := make(chan []byte, 16)
	r.mu.Lock()
	r.conns[id] = out
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for data := range out {
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		r.fanout(id, data)
	}

	r.mu.Lock()
	delete(r.conns, id)
	r.mu.Unlock()
	close(out)
	<-done
	_ = conn.Close()
}

func (r *relay) fanout(from string, data []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, out := range r.conns {
		if id == from {
			continue
		}
		select {
		case out <- data:
		default:
		}
	}
}

// WSTransport implements Transport over a WebSocket connection to a relay.
type WSTransport struct {
	conn *websocket.Conn

	mu      sync.Mutex
	writeMu sync.Mutex
	chans   []chan Message
	closed  bool

	published atomic.Uint64
	delivered atomic.Uint64
}

// DialWS connects to a relay at url (ws:// or wss://) and starts reading.
func DialWS(ctx context.Context, url string) (*WSTransport, error) {
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t := &WSTransport{conn: conn}
	go t.readLoop()
	return t, nil
}

// Send implements Transport.Send.
func (t *WSTransport) Send(ctx context.Context, msg Message) error {
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
	t.writeMu.Lock()
	err = t.conn.WriteMessage(websocket.TextMessage, data)
	t.writeMu.Unlock()
	if err != nil {
		return err
	}
	t.published.Add(1)
	return nil
}

// Subscribe implements Transport.Subscribe.
func (t *WSTransport) Subscribe(ctx context.Context) (<-chan Message, error) {
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

func (t *WSTransport) readLoop() {
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			return
		}
		msg, err := Decode(data)
		if err != nil {
			continue
		}
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
}

func (t *WSTransport) unsubscribe(ch chan Message) {
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

// Metrics returns the published and delivered counts.
func (t *WSTransport) Metrics() Metrics {
	return Metrics{Published: t.published.Load(), Delivered: t.delivered.Load()}
}

// Close implements Transport.Close.
func (t *WSTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	chans := t.chans
	t.chans = nil
	t.mu.Unlock()
	err := t.conn.Close()
	for _, ch := range chans {
		close(ch)
	}
	return err
}
