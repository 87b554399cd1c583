package kafka

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"coalesce/internal/domain"

	"github.com/rs/zerolog"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"github.com/twmb/franz-go/pkg/kgo"
)

type captureAppender struct {
	mu     sync.Mutex
	events []domain.Event
}

func (c *captureAppender) Append(_ context.Context, ev domain.Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func TestKafkaContainerIntegration(t *testing.T) {
	ctx := context.Background()
	defer func() {
		if r := recover(); r != nil {
			t.Skipf("docker/container runtime unavailable: %v", r)
		}
	}()

	req := testcontainers.ContainerRequest{
		Image:        "docker.redpanda.com/redpandadata/redpanda:v24.1.8",
		ExposedPorts: []string{"9092/tcp"},
		Cmd:          []string{"redpanda", "start", "--overprovisioned", "--smp", "1", "--memory", "512M", "--reserve-memory", "0M", "--check=false", "--node-id", "0", "--kafka-addr", "0.0.0.0:9092", "--advertise-kafka-addr", "127.0.0.1:9092"},
		WaitingFor:   wait.ForLog("Successfully started Redpanda"),
	}
	ctr, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Skipf("docker/container runtime unavailable: %v", err)
	}
	defer func() { _ = ctr.Terminate(ctx) }()

	host, _ := ctr.Host(ctx)
	port, _ := ctr.MappedPort(ctx, "9092")
	broker := fmt.Sprintf("%s:%s", host, port.Port())

	producer, err := kgo.NewClient(kgo.SeedBrokers(broker), kgo.DefaultProduceTopic("summaries"))
	if err != nil {
		t.Fatalf("new producer: %v", err)
	}
	defer producer.Close()

	if err := producer.ProduceSync(ctx, &kgo.Record{Topic: "summaries", Value: []byte(createdBody)}).FirstErr(); err != nil {
		t.Fatalf("produce: %v", err)
	}

	app := &captureAppender{}
	adapter, err := NewAdapter(Config{Enabled: true, Brokers: []string{broker}, Topics: []string{"summaries"}, GroupID: "coalesce-it"}, app, zerolog.Nop())
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}
	consumeCtx, cancel := context.WithTimeout(ctx, 8*time.Second)
	defer cancel()

	go func() { _ = adapter.Start(consumeCtx) }()
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-consumeCtx.Done():
			t.Fatalf("timed out waiting for consumed event")
		case <-ticker.C:
			app.mu.Lock()
			count := len(app.events)
			var kind domain.EventKind
			if count > 0 {
				kind = app.events[0].Kind
			}
			app.mu.Unlock()
			if count > 0 {
				if kind != domain.KindSummaryCreated {
					t.Fatalf("unexpected kind %q", kind)
				}
				return
			}
		}
	}
}
