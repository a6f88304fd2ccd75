// Command lock-demo runs a single write-lock peer against a real broadcast
// backend and reports holder transitions. Run several copies side by side to
// watch the protocol hand the lock around.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	sarama "github.com/IBM/sarama"
	nats "github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/Elearning-Pallium/case-explorer-ui-sub001/v1/broadcast"
	"github.com/Elearning-Pallium/case-explorer-ui-sub001/v1/logger"
	"github.com/Elearning-Pallium/case-explorer-ui-sub001/v1/metrics"
	"github.com/Elearning-Pallium/case-explorer-ui-sub001/v1/writelock"
)

func main() {
	backend := flag.String("backend", "nats", "Broadcast backend: nats, redis, kafka, ws, multicast, none")
	addr := flag.String("addr", "", "Backend address (NATS/Redis/Kafka broker or ws:// relay URL)")
	channel := flag.String("channel", "writelock.demo", "Subject/channel/topic name")
	metricsAddr := flag.String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :2112)")
	trace := flag.Bool("trace", false, "Export OpenTelemetry traces to stdout")
	acquireWait := flag.Duration("acquire-wait", time.Second, "Acquisition wait window")
	heartbeat := flag.Duration("heartbeat", 3*time.Second, "Heartbeat interval")
	staleness := flag.Duration("staleness", 10*time.Second, "Staleness threshold")
	flag.Parse()

	ctx := context.Background()

	if *trace {
		exp, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			log.Fatal(err)
		}
		tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exp))
		defer func() { _ = tp.Shutdown(ctx) }()
		otel.SetTracerProvider(tp)
	}

	transport, cleanup := newTransport(ctx, *backend, *addr, *channel)
	defer cleanup()

	reg := metrics.NewRegistry()
	lock, err := writelock.New(transport,
		writelock.WithConfig(writelock.Config{
			AcquireWait:        *acquireWait,
			HeartbeatInterval:  *heartbeat,
			StalenessThreshold: *staleness,
		}),
		writelock.WithLogger(logger.NewStd()),
		writelock.WithRegistry(reg),
	)
	if err != nil {
		log.Fatal(err)
	}
	defer lock.Destroy()
	log.Printf("peer %s starting (backend %s)", lock.PeerID(), *backend)

	unsub := lock.OnChange(func(holder bool) {
		if holder {
			log.Printf("peer %s: ACTIVE (holding write lock)", lock.PeerID())
		} else {
			log.Printf("peer %s: READ-ONLY", lock.PeerID())
		}
	})
	defer unsub()

	if *metricsAddr != "" {
		go func() {
			http.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
			log.Fatal(http.ListenAndServe(*metricsAddr, nil))
		}()
	}

	if ok, err := lock.Acquire(ctx); err != nil {
		log.Fatal(err)
	} else if ok {
		log.Printf("peer %s acquired the lock", lock.PeerID())
	} else {
		log.Printf("peer %s denied, waiting for takeover", lock.PeerID())
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("peer %s shutting down", lock.PeerID())
}

func newTransport(ctx context.Context, backend, addr, channel string) (broadcast.Transport, func()) {
	switch backend {
	case "nats":
		if addr == "" {
			addr = nats.DefaultURL
		}
		conn, err := nats.Connect(addr)
		if err != nil {
			log.Fatalf("nats connect: %v", err)
		}
		t := broadcast.NewNATSTransport(conn, channel)
		return t, func() { _ = t.Close(); conn.Close() }
	case "redis":
		if addr == "" {
			addr = "localhost:6379"
		}
		client := redis.NewClient(&redis.Options{Addr: addr})
		t := broadcast.NewRedisTransport(client, channel)
		return t, func() { _ = t.Close(); _ = client.Close() }
	case "kafka":
		if addr == "" {
			addr = "localhost:9092"
		}
		t, err := broadcast.NewKafkaTransport([]string{addr}, channel, sarama.NewConfig())
		if err != nil {
			log.Fatalf("kafka transport: %v", err)
		}
		return t, func() { _ = t.Close() }
	case "ws":
		if addr == "" {
			log.Fatal("ws backend needs -addr ws://host:port")
		}
		t, err := broadcast.DialWS(ctx, addr)
		if err != nil {
			log.Fatalf("ws dial: %v", err)
		}
		return t, func() { _ = t.Close() }
	case "multicast":
		t, err := broadcast.NewMulticastTransport(broadcast.MulticastOptions{})
		if err != nil {
			log.Fatalf("multicast transport: %v", err)
		}
		return t, func() { _ = t.Close() }
	case "none":
		// Degraded single-peer mode.
		return nil, func() {}
	default:
		log.Fatalf("unknown backend %q", backend)
		return nil, nil
	}
}
