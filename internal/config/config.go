package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Store     StoreConfig     `mapstructure:"store"`
	Stream    StreamConfig    `mapstructure:"stream"`
	Transport TransportConfig `mapstructure:"transport"`
	Bridges   BridgesConfig   `mapstructure:"bridges"`
	Feature   FeatureConfig   `mapstructure:"feature"`
}

type ServerConfig struct {
	NodeID   string `mapstructure:"node_id"`
	Consumer string `mapstructure:"consumer"`
}

type StoreConfig struct {
	Engine   string         `mapstructure:"engine"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

type PostgresConfig struct {
	URL string `mapstructure:"url"`
}

type StreamConfig struct {
	Path         string        `mapstructure:"path"`
	WorkStream   string        `mapstructure:"work_stream"`
	Group        string        `mapstructure:"group"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type TransportConfig struct {
	Socket SocketConfig `mapstructure:"socket"`
}

type SocketConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Network        string `mapstructure:"network"`
	Address        string `mapstructure:"address"`
	UnixSocketPath string `mapstructure:"unix_socket_path"`
	AuthToken      string `mapstructure:"auth_token"`
	MaxInflight    int    `mapstructure:"max_inflight"`
	WriteQueue     int    `mapstructure:"write_queue"`
}

type BridgesConfig struct {
	Kafka    KafkaConfig    `mapstructure:"kafka"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`
}

type KafkaConfig struct {
	Enabled       bool     `mapstructure:"enabled"`
	Brokers       []string `mapstructure:"brokers"`
	Topics        []string `mapstructure:"topics"`
	GroupID       string   `mapstructure:"group_id"`
	ClientID      string   `mapstructure:"client_id"`
	WorkerCount   int      `mapstructure:"worker_count"`
	QueueCapacity int      `mapstructure:"queue_capacity"`
}

type RabbitMQConfig struct {
	Enabled       bool     `mapstructure:"enabled"`
	URL           string   `mapstructure:"url"`
	Exchange      string   `mapstructure:"exchange"`
	Queue         string   `mapstructure:"queue"`
	RoutingKeys   []string `mapstructure:"routing_keys"`
	ConsumerTag   string   `mapstructure:"consumer_tag"`
	PrefetchCount int      `mapstructure:"prefetch_count"`
	Workers       int      `mapstructure:"workers"`
}

type FeatureConfig struct {
	NotifyOnFailure bool   `mapstructure:"notify_on_failure"`
	FailureReply    string `mapstructure:"failure_reply"`
}

const (
	EngineSQLite   = "sqlite"
	EnginePostgres = "postgres"
)

func Load(path string) (Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("coalesce")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.consumer", "coalesced-1")
	v.SetDefault("store.engine", EngineSQLite)
	v.SetDefault("store.sqlite.path", "coalesce.db")
	v.SetDefault("stream.path", "stream.db")
	v.SetDefault("stream.work_stream", "youtube_audio_requested")
	v.SetDefault("stream.group", "coalesced")
	v.SetDefault("stream.poll_interval", "250ms")
	v.SetDefault("transport.socket.network", "tcp")
	v.SetDefault("transport.socket.address", "127.0.0.1:7411")
	v.SetDefault("feature.notify_on_failure", true)
}

func (c Config) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id is required")
	}
	switch c.Store.Engine {
	case EngineSQLite:
		if c.Store.SQLite.Path == "" {
			return fmt.Errorf("store.sqlite.path is required")
		}
	case EnginePostgres:
		if c.Store.Postgres.URL == "" {
			return fmt.Errorf("store.postgres.url is required")
		}
	default:
		return fmt.Errorf("unsupported store engine %q", c.Store.Engine)
	}
	if c.Stream.Path == "" {
		return fmt.Errorf("stream.path is required")
	}
	if c.Bridges.Kafka.Enabled {
		if len(c.Bridges.Kafka.Brokers) == 0 || len(c.Bridges.Kafka.Topics) == 0 || c.Bridges.Kafka.GroupID == "" {
			return fmt.Errorf("bridges.kafka requires brokers, topics and group_id")
		}
	}
	if c.Bridges.RabbitMQ.Enabled {
		if c.Bridges.RabbitMQ.URL == "" || c.Bridges.RabbitMQ.Exchange == "" || c.Bridges.RabbitMQ.Queue == "" {
			return fmt.Errorf("bridges.rabbitmq requires url, exchange and queue")
		}
	}
	return nil
}
