// Package rabbitmq ingests completion events from a RabbitMQ queue and
// appends them to the internal event stream. Deliveries are acked only after
// a successful append; retryable append failures are nacked back onto the
// queue, undecodable bodies are nacked without requeue.
package rabbitmq

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"coalesce/internal/bridge"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
)

type Config struct {
	Enabled       bool
	URL           string
	Exchange      string
	Queue         string
	RoutingKeys   []string
	ConsumerTag   string
	PrefetchCount int
	Workers       int
	DeliveryQueue int
	TLS           TLSConfig
	Auth          AuthConfig
}

type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
	ServerName         string
}

type AuthConfig struct {
	Username string
	Password string
}

func (c *Config) withDefaults() {
	if c.ConsumerTag == "" {
		c.ConsumerTag = "coalesce-rabbitmq"
	}
	if c.PrefetchCount <= 0 {
		c.PrefetchCount = 32
	}
	if c.Workers <= 0 {
		c.Workers = 2
	}
	if c.DeliveryQueue <= 0 {
		c.DeliveryQueue = 256
	}
}

func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if strings.TrimSpace(c.URL) == "" {
		return errors.New("rabbitmq.url is required")
	}
	if c.Exchange == "" {
		return errors.New("rabbitmq.exchange is required")
	}
	if c.Queue == "" {
		return errors.New("rabbitmq.queue is required")
	}
	return nil
}

type Adapter struct {
	cfg      Config
	appender bridge.Appender
	logger   zerolog.Logger

	conn     *amqp091.Connection
	ch       *amqp091.Channel
	deliver  <-chan amqp091.Delivery
	ops      chan deliveryTask
	closed   chan struct{}
	closeErr atomic.Value
	wg       sync.WaitGroup
}

type deliveryTask struct {
	ctx      context.Context
	delivery amqp091.Delivery
}

func NewAdapter(cfg Config, appender bridge.Appender, logger zerolog.Logger) (*Adapter, error) {
	cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if appender == nil {
		return nil, errors.New("appender is required")
	}
	return &Adapter{
		cfg:      cfg,
		appender: appender,
		logger:   logger.With().Str("component", "bridge.rabbitmq").Logger(),
		closed:   make(chan struct{}),
		ops:      make(chan deliveryTask, cfg.DeliveryQueue),
	}, nil
}

func (a *Adapter) Start(ctx context.Context) error {
	dialCfg := amqp091.Config{}
	if a.cfg.Auth.Username != "" {
		dialCfg.SASL = []amqp091.Authentication{&amqp091.PlainAuth{Username: a.cfg.Auth.Username, Password: a.cfg.Auth.Password}}
	}
	if a.cfg.TLS.Enabled {
		dialCfg.TLSClientConfig = &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: a.cfg.TLS.InsecureSkipVerify,
			ServerName:         a.cfg.TLS.ServerName,
		}
	}
	conn, err := amqp091.DialConfig(a.cfg.URL, dialCfg)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return fmt.Errorf("open rabbitmq channel: %w", err)
	}
	if err := ch.Qos(a.cfg.PrefetchCount, 0, false); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("set prefetch: %w", err)
	}
	if err := ch.ExchangeDeclare(a.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare exchange: %w", err)
	}
	if _, err := ch.QueueDeclare(a.cfg.Queue, true, false, false, false, nil); err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("declare queue: %w", err)
	}
	routingKeys := a.cfg.RoutingKeys
	if len(routingKeys) == 0 {
		routingKeys = []string{"#"}
	}
	for _, key := range routingKeys {
		if err := ch.QueueBind(a.cfg.Queue, key, a.cfg.Exchange, false, nil); err != nil {
			ch.Close()
			conn.Close()
			return fmt.Errorf("bind queue key=%s: %w", key, err)
		}
	}
	deliveries, err := ch.Consume(a.cfg.Queue, a.cfg.ConsumerTag, false, false, false, false, nil)
	if err != nil {
		ch.Close()
		conn.Close()
		return fmt.Errorf("consume queue: %w", err)
	}
	a.conn, a.ch, a.deliver = conn, ch, deliveries

	a.wg.Add(1)
	go a.readLoop(ctx)
	for i := 0; i < a.cfg.Workers; i++ {
		a.wg.Add(1)
		go a.workerLoop(ctx)
	}
	return nil
}

func (a *Adapter) Close() error {
	select {
	case <-a.closed:
		if v := a.closeErr.Load(); v != nil {
			return v.(error)
		}
		return nil
	default:
		close(a.closed)
	}
	if a.ch != nil {
		_ = a.ch.Cancel(a.cfg.ConsumerTag, false)
	}
	close(a.ops)
	a.wg.Wait()
	var errs []error
	if a.ch != nil {
		if err := a.ch.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.conn != nil {
		if err := a.conn.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		a.closeErr.Store(err)
	}
	return err
}

func (a *Adapter) readLoop(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.closed:
			return
		case d, ok := <-a.deliver:
			if !ok {
				return
			}
			task := deliveryTask{ctx: ctx, delivery: d}
			select {
			case a.ops <- task:
			case <-ctx.Done():
				return
			case <-a.closed:
				return
			}
		}
	}
}

func (a *Adapter) workerLoop(ctx context.Context) {
	defer a.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-a.closed:
			return
		case task, ok := <-a.ops:
			if !ok {
				return
			}
			a.processDelivery(task.ctx, task.delivery)
		}
	}
}

func (a *Adapter) processDelivery(ctx context.Context, d amqp091.Delivery) {
	ev, err := bridge.ParseEnvelope(d.Body)
	if err != nil {
		a.logger.Warn().Err(err).Str("routing_key", d.RoutingKey).Msg("rejecting undecodable delivery")
		_ = d.Nack(false, false)
		return
	}
	if err := a.appender.Append(ctx, ev); err != nil {
		if bridge.IsRetryable(err) {
			_ = d.Nack(false, true)
			return
		}
		a.logger.Error().Err(err).Str("kind", string(ev.Kind)).Msg("append failed, dropping delivery")
		_ = d.Nack(false, false)
		return
	}
	_ = d.Ack(false)
}
