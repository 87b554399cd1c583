package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"coalesce/internal/bridge"
	bridgekafka "coalesce/internal/bridge/kafka"
	bridgerabbitmq "coalesce/internal/bridge/rabbitmq"
	"coalesce/internal/commands"
	"coalesce/internal/config"
	"coalesce/internal/domain"
	"coalesce/internal/orchestrator"
	"coalesce/internal/store"
	postgresstore "coalesce/internal/store/postgres"
	sqlitestore "coalesce/internal/store/sqlite"
	sqlitestream "coalesce/internal/stream/sqlite"
	"coalesce/internal/transport"
	"coalesce/internal/transport/socket"

	"github.com/rs/zerolog"
)

func main() {
	cfgPath := flag.String("config", "coalesce.yaml", "path to config file")
	flag.Parse()

	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		logger.Fatal().Err(err).Msg("load config")
	}
	logger = logger.With().Str("node", cfg.Server.NodeID).Logger()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("coalesced exited")
	}
	logger.Info().Msg("coalesced stopped")
}

func run(ctx context.Context, cfg config.Config, logger zerolog.Logger) error {
	st, err := openStore(cfg.Store)
	if err != nil {
		return err
	}
	defer st.Close()

	log, err := sqlitestream.NewLog(cfg.Stream.Path, sqlitestream.Options{PollInterval: cfg.Stream.PollInterval})
	if err != nil {
		return err
	}
	defer log.Close()

	var deliverer transport.Deliverer = logDeliverer{logger}
	var gateway *socket.Server

	// The gateway needs the inbound handler and the orchestrator needs the
	// gateway as deliverer; the closure breaks the cycle.
	var orch *orchestrator.Orchestrator
	handler := func(ctx context.Context, msg domain.ChatMessage) string {
		if reply, ok := commands.Respond(msg.Text, time.Now); ok {
			return reply
		}
		return orch.HandleInbound(ctx, msg)
	}

	if cfg.Transport.Socket.Enabled {
		gateway = socket.NewServer(socket.Config{
			Network:        cfg.Transport.Socket.Network,
			Address:        cfg.Transport.Socket.Address,
			UnixSocketPath: cfg.Transport.Socket.UnixSocketPath,
			AuthToken:      cfg.Transport.Socket.AuthToken,
			MaxInflight:    cfg.Transport.Socket.MaxInflight,
			WriteQueue:     cfg.Transport.Socket.WriteQueue,
		}, handler, logger)
		deliverer = gateway
	}
	orch = orchestrator.New(st, log, deliverer, orchestrator.Config{
		WorkStream:      cfg.Stream.WorkStream,
		NotifyOnFailure: cfg.Feature.NotifyOnFailure,
		FailureReply:    cfg.Feature.FailureReply,
	}, logger)

	completionStreams := []string{string(domain.KindSummaryCreated), string(domain.KindSummaryFailed)}
	for _, name := range completionStreams {
		if err := log.EnsureGroup(ctx, name, cfg.Stream.Group); err != nil {
			return err
		}
	}

	errCh := make(chan error, 8)

	for _, name := range completionStreams {
		name := name
		go func() {
			err := log.Consume(ctx, name, cfg.Stream.Group, cfg.Server.Consumer, orch.CompletionHandler())
			if err != nil {
				errCh <- err
			}
		}()
	}

	if gateway != nil {
		go func() {
			if err := gateway.Start(ctx); err != nil {
				errCh <- err
			}
		}()
		logger.Info().Str("network", cfg.Transport.Socket.Network).Str("address", cfg.Transport.Socket.Address).Msg("socket gateway listening")
	}

	appender := bridge.NewStreamAppender(log)

	if cfg.Bridges.Kafka.Enabled {
		adapter, err := bridgekafka.NewAdapter(bridgekafka.Config{
			Enabled:       true,
			Brokers:       cfg.Bridges.Kafka.Brokers,
			Topics:        cfg.Bridges.Kafka.Topics,
			GroupID:       cfg.Bridges.Kafka.GroupID,
			ClientID:      cfg.Bridges.Kafka.ClientID,
			WorkerCount:   cfg.Bridges.Kafka.WorkerCount,
			QueueCapacity: cfg.Bridges.Kafka.QueueCapacity,
		}, appender, logger)
		if err != nil {
			return err
		}
		go func() {
			if err := adapter.Start(ctx); err != nil && ctx.Err() == nil {
				errCh <- err
			}
		}()
		logger.Info().Strs("topics", cfg.Bridges.Kafka.Topics).Msg("kafka bridge consuming")
	}

	if cfg.Bridges.RabbitMQ.Enabled {
		adapter, err := bridgerabbitmq.NewAdapter(bridgerabbitmq.Config{
			Enabled:       true,
			URL:           cfg.Bridges.RabbitMQ.URL,
			Exchange:      cfg.Bridges.RabbitMQ.Exchange,
			Queue:         cfg.Bridges.RabbitMQ.Queue,
			RoutingKeys:   cfg.Bridges.RabbitMQ.RoutingKeys,
			ConsumerTag:   cfg.Bridges.RabbitMQ.ConsumerTag,
			PrefetchCount: cfg.Bridges.RabbitMQ.PrefetchCount,
			Workers:       cfg.Bridges.RabbitMQ.Workers,
		}, appender, logger)
		if err != nil {
			return err
		}
		if err := adapter.Start(ctx); err != nil {
			return err
		}
		defer adapter.Close()
		logger.Info().Str("queue", cfg.Bridges.RabbitMQ.Queue).Msg("rabbitmq bridge consuming")
	}

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

func openStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Engine {
	case config.EnginePostgres:
		return postgresstore.NewStore(cfg.Postgres.URL)
	default:
		return sqlitestore.NewStore(cfg.SQLite.Path)
	}
}

// logDeliverer stands in when no gateway is enabled, so completions consumed
// from the stream are still visible.
type logDeliverer struct {
	logger zerolog.Logger
}

func (d logDeliverer) Deliver(_ context.Context, partyIDs []string, payload string) {
	d.logger.Info().Strs("parties", partyIDs).Int("payload_len", len(payload)).Msg("delivery with no gateway attached")
}
