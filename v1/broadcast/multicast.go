package broadcast

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"syscall"

	"golang.org/x/net/ipv4"
)

// MulticastOptions configures a MulticastTransport.
type MulticastOptions struct {
	Port      int    // default 7947
	Group     string // default "239.0.0.2"
	Interface string // optional interface name
}

// MulticastTransport implements Transport over UDP multicast, for peers that
// share a LAN segment and no broker. Datagrams carry the JSON wire format.
type MulticastTransport struct {
	conn      net.PacketConn
	pconn     *ipv4.PacketConn
	groupAddr *net.UDPAddr

	mu     sync.Mutex
	chans  []chan Message
	closed bool

	published atomic.Uint64
	delivered atomic.Uint64
}

// NewMulticastTransport joins the multicast group and starts receiving.
func NewMulticastTransport(opts MulticastOptions) (*MulticastTransport, error) {
	if opts.Port == 0 {
		opts.Port = 7947
	}
	if opts.Group == "" {
		opts.Group = "239.0.0.2"
	}

	addr, err := net.ResolveUDPAddr("udp4", fmt.Sprintf("%s:%d", opts.Group, opts.Port))
	if err != nil {
		return nil, fmt.Errorf("broadcast: resolve multicast address: %w", err)
	}

	// Allow multiple peers on the same host to share the port.
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, 15, 1)
			})
		},
	}
	c, err := lc.ListenPacket(context.Background(), "udp4", fmt.Sprintf("0.0.0.0:%d", opts.Port))
	if err != nil {
		return nil, fmt.Errorf("broadcast: listen on port %d: %w", opts.Port, err)
	}

	pconn := ipv4.NewPacketConn(c)

	var iface *net.Interface
	if opts.Interface != "" {
		iface, err = net.InterfaceByName(opts.Interface)
		if err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("broadcast: find interface %s: %w", opts.Interface, err)
		}
	}
	if err := pconn.JoinGroup(iface, addr); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("broadcast: join group %s: %w", opts.Group, err)
	}
	if iface != nil {
		if err := pconn.SetMulticastInterface(iface); err != nil {
			_ = c.Close()
			return nil, fmt.Errorf("broadcast: set multicast interface: %w", err)
		}
	}
	// Loopback on so peers on the same host hear each other.
	_ = pconn.SetMulticastLoopback(true)

	t := &MulticastTransport{conn: c, pconn: pconn, groupAddr: addr}
	go t.readLoop()
	return t, nil
}

// Send implements Transport.Send.
func (t *MulticastTransport) Send(ctx context.Context, msg Message) error {
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
	if _, err := t.pconn.WriteTo(data, nil, t.groupAddr); err != nil {
		return err
	}
	t.published.Add(1)
	return nil
}

// Subscribe implements Transport.Subscribe. Loopback delivery means a peer
// receives its own datagrams; the state machine filters by sender.
func (t *MulticastTransport) Subscribe(ctx context.Context) (<-chan Message, error) {
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

func (t *MulticastTransport) readLoop() {
	buf := make([]byte, 2048)
	for {
		n, _, _, err := t.pconn.ReadFrom(buf)
		if err != nil {
			return
		}
		msg, err := Decode(buf[:n])
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

func (t *MulticastTransport) unsubscribe(ch chan Message) {
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
func (t *MulticastTransport) Metrics() Metrics {
	return Metrics{Published: t.published.Load(), Delivered: t.delivered.Load()}
}

// Close implements Transport.Close.
func (t *MulticastTransport) Close() error {
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
