package broadcast

import (
	"context"
	"sync"
	"sync/atomic"

	sarama "github.com/IBM/sarama"
)

// KafkaTransport implements Transport over a Kafka topic. Each peer consumes
// from the newest offset, so the topic behaves as an ephemeral broadcast
// channel rather than a durable log.
type KafkaTransport struct {
	client   sarama.Client
	producer sarama.SyncProducer
	consumer sarama.Consumer
	topic    string

	mu     sync.Mutex
	pc     sarama.PartitionConsumer
	chans  []chan Message
	closed bool

	published atomic.Uint64
	delivered atomic.Uint64
}

// NewKafkaTransport creates a transport on topic connecting to the given brokers.
func NewKafkaTransport(brokers []string, topic string, cfg *sarama.Config) (*KafkaTransport, error) {
	if cfg == nil {
		cfg = sarama.NewConfig()
	}
	if !cfg.Producer.Return.Successes {
		cfg.Producer.Return.Successes = true
	}
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	return &KafkaTransport{client: client, producer: producer, consumer: consumer, topic: topic}, nil
}

// Send implements Transport.Send.
func (t *KafkaTransport) Send(ctx context.Context, msg Message) error {
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
	pm := &sarama.ProducerMessage{Topic: t.topic, Value: sarama.ByteEncoder(data)}
	if _, _, err := t.producer.SendMessage(pm); err != nil {
		return err
	}
	t.published.Add(1)
	return nil
}

// Subscribe implements Transport.Subscribe.
func (t *KafkaTransport) Subscribe(ctx context.Context) (<-chan Message, error) {
	ch := make(chan Message, 16)
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	if t.pc == nil {
		pc, err := t.consumer.ConsumePartition(t.topic, 0, sarama.OffsetNewest)
		if err != nil {
			t.mu.Unlock()
			return nil, err
		}
		t.pc = pc
		go t.dispatch(pc)
	}
	t.chans = append(t.chans, ch)
	t.mu.Unlock()

	go func() {
		<-ctx.Done()
		t.unsubscribe(ch)
	}()
	return ch, nil
}

func (t *KafkaTransport) dispatch(pc sarama.PartitionConsumer) {
	for m := range pc.Messages() {
		msg, err := Decode(m.Value)
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

func (t *KafkaTransport) unsubscribe(ch chan Message) {
	t.mu.Lock()
	for i, c := range t.chans {
		if c == ch {
			t.chans[i] = t.chans[len(t.chans)-1]
			t.chans = t.chans[:len(t.chans)-1]
			close(c)
			break
		}
	}
	var pc sarama.PartitionConsumer
	if len(t.chans) == 0 && t.pc != nil {
		pc = t.pc
		t.pc = nil
	}
	t.mu.Unlock()
	if pc != nil {
		_ = pc.Close()
	}
}

// Metrics returns the published and delivered counts.
func (t *KafkaTransport) Metrics() Metrics {
	return Metrics{Published: t.published.Load(), Delivered: t.delivered.Load()}
}

// Close implements Transport.Close.
func (t *KafkaTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	pc := t.pc
	t.pc = nil
	chans := t.chans
	t.chans = nil
	t.mu.Unlock()
	if pc != nil {
		_ = pc.Close()
	}
	for _, ch := range chans {
		close(ch)
	}
	_ = t.producer.Close()
	err := t.consumer.Close()
	// The client owns the broker connections; it goes down last, after the
	// producer and consumer built on top of it.
	if cerr := t.client.Close(); err == nil {
		err = cerr
	}
	return err
}
