// Package broadcast provides the best-effort broadcast medium the write-lock
// protocol runs over. A Transport delivers each sent message to all other
// currently reachable peers with no ordering and no delivery guarantee.
// Backends exist for in-process hubs, NATS, Redis pub/sub, Kafka, WebSocket
// relays and UDP multicast; all speak the same JSON wire format.
package broadcast

import (
	"context"
	"errors"
)

// Transport is the abstract send/receive-all primitive. Implementations may
// echo the sender's own messages back; consumers filter by sender identifier.
type Transport interface {
	// Send broadcasts msg to all reachable peers. Delivery is best-effort;
	// a nil error does not imply anyone received the message.
	Send(ctx context.Context, msg Message) error
	// Subscribe returns a channel receiving inbound messages in local
	// arrival order until ctx is canceled or the transport is closed.
	// Slow consumers drop messages rather than block the medium.
	Subscribe(ctx context.Context) (<-chan Message, error)
	// Close tears down the transport. Subsequent Sends fail.
	Close() error
}

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("broadcast: transport closed")
