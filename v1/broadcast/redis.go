package broadcast

import (
	"context"
	"sync"
	"sync/atomic"

	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/Elearning-Pallium/case-explorer-ui-sub001/v1/broadcast")

// RedisTransport implements Transport over a Redis pub/sub channel.
type RedisTransport struct {
	client  *redis.Client
	channel string

	mu     sync.Mutex
	pubsub *redis.PubSub
	cancel context.CancelFunc
	chans  []chan Message
	closed bool

	published atomic.Uint64
	delivered atomic.Uint64
}

// NewRedisTransport returns a transport broadcasting on channel via client.
func NewRedisTransport(client *redis.Client, channel string) *RedisTransport {
	return &RedisTransport{client: client, channel: channel}
}

// Send implements Transport.Send.
func (t *RedisTransport) Send(ctx context.Context, msg Message) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.mu.Unlock()

	ctx, span := tracer.Start(ctx, "broadcast.redis.send",
		trace.WithAttributes(
			attribute.String("lock.message.kind", string(msg.Kind)),
			attribute.String("lock.peer.id", msg.SenderID),
		))
	defer span.End()

	data, err := msg.Encode()
	if err != nil {
		span.RecordError(err)
		return err
	}
	if err := t.client.Publish(ctx, t.channel, data).Err(); err != nil {
		span.RecordError(err)
		return err
	}
	t.published.Add(1)
	return nil
}

// Subscribe implements Transport.Subscribe.
func (t *RedisTransport) Subscribe(ctx context.Context) (<-chan Message, error) {
	ch := make(chan Message, 16)
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	if t.pubsub == nil {
		runCtx, cancel := context.WithCancel(context.Background())
		ps := t.client.Subscribe(runCtx, t.channel)
		// Wait for the subscription to be live before returning.
		if _, err := ps.Receive(runCtx); err != nil {
			cancel()
			_ = ps.Close()
			t.mu.Unlock()
			return nil, err
		}
		t.pubsub = ps
		t.cancel = cancel
		go t.run(ps)
	}
	t.chans = append(t.chans, ch)
	t.mu.Unlock()

	go func() {
		<-ctx.Done()
		t.unsubscribe(ch)
	}()
	return ch, nil
}

func (t *RedisTransport) run(ps *redis.PubSub) {
	for m := range ps.Channel() {
		msg, err := Decode([]byte(m.Payload))
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

func (t *RedisTransport) unsubscribe(ch chan Message) {
	t.mu.Lock()
	for i, c := range t.chans {
		if c == ch {
			t.chans[i] = t.chans[len(t.chans)-1]
			t.chans = t.chans[:len(t.chans)-1]
			close(c)
			break
		}
	}
	var ps *redis.PubSub
	var cancel context.CancelFunc
	if len(t.chans) == 0 && t.pubsub != nil {
		ps = t.pubsub
		cancel = t.cancel
		t.pubsub = nil
		t.cancel = nil
	}
	t.mu.Unlock()
	if ps != nil {
		cancel()
		_ = ps.Close()
	}
}

// Metrics returns the published and delivered counts.
func (t *RedisTransport) Metrics() Metrics {
	return Metrics{Published: t.published.Load(), Delivered: t.delivered.Load()}
}

// Close implements Transport.Close.
func (t *RedisTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	ps := t.pubsub
	cancel := t.cancel
	t.pubsub = nil
	t.cancel = nil
	chans := t.chans
	t.chans = nil
	t.mu.Unlock()
	if ps != nil {
		cancel()
		_ = ps.Close()
	}
	for _, ch := range chans {
		close(ch)
	}
	return nil
}
