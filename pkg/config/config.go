package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Environment string `yaml:"environment" default:"development" validate:"required"`
	Server      struct {
		Host            string        `yaml:"host" default:"0.0.0.0"`
		Port            int           `yaml:"port" default:"5000" validate:"gte=1,lte=65535"`
		ReadTimeout     time.Duration `yaml:"read_timeout" default:"15s"`
		WriteTimeout    time.Duration `yaml:"write_timeout" default:"0s"` // 0 keeps SSE streams open
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout" default:"10s"`
		CORS            bool          `yaml:"cors" default:"true"`
		SlowThreshold   time.Duration `yaml:"slow_threshold" default:"2s"`
	} `yaml:"server"`
	Auth struct {
		AgentToken string `yaml:"agent_token" default:"supersecrettoken" validate:"required"`
	} `yaml:"auth"`
	Database struct {
		URL             string        `yaml:"url" default:"sqlite:///tiwatcher.db" validate:"required"`
		MaxOpenConns    int           `yaml:"max_open_conns" default:"10"`
		MaxIdleConns    int           `yaml:"max_idle_conns" default:"5"`
		ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" default:"5m"`
		BusyTimeout     time.Duration `yaml:"busy_timeout" default:"5s"`
	} `yaml:"database"`
	Ingest struct {
		Timeout   time.Duration `yaml:"timeout" default:"10s"`
		RateLimit struct {
			Capacity     float64 `yaml:"capacity" default:"0"` // 0 disables
			RefillPerSec float64 `yaml:"refill_per_sec" default:"1"`
		} `yaml:"rate_limit"`
	} `yaml:"ingest"`
	Broadcast struct {
		SubscriberBuffer int           `yaml:"subscriber_buffer" default:"100" validate:"gte=1"`
		Keepalive        time.Duration `yaml:"keepalive" default:"15s"`
	} `yaml:"broadcast"`
	SnapshotCache struct {
		TTL     time.Duration `yaml:"ttl" default:"0s"`
		Backend string        `yaml:"backend" default:"memory" validate:"oneof=memory redis layered"`
		Redis   struct {
			Host     string `yaml:"host" default:"localhost"`
			Port     int    `yaml:"port" default:"6379"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			Prefix   string `yaml:"prefix" default:"tiwatcher"`
		} `yaml:"redis"`
	} `yaml:"snapshot_cache"`
	Export struct {
		BufferSize  int           `yaml:"buffer_size" default:"1000"`
		MaxAttempts int           `yaml:"max_attempts" default:"5"`
		BackoffMin  time.Duration `yaml:"backoff_min" default:"50ms"`
		BackoffMax  time.Duration `yaml:"backoff_max" default:"2s"`
	} `yaml:"export"`
	Kafka struct {
		Enabled      bool     `yaml:"enabled"`
		Brokers      []string `yaml:"brokers"`
		AlertsTopic  string   `yaml:"alerts_topic" default:"tiwatcher.alerts"`
		RequiredAcks int      `yaml:"required_acks" default:"-1"`
		Compression  string   `yaml:"compression" default:"gzip"`
		Producer     struct {
			MaxAttempts  int           `yaml:"max_attempts" default:"3"`
			Linger       time.Duration `yaml:"linger" default:"100ms"`
			BatchBytes   int           `yaml:"batch_bytes" default:"1048576"`
			BatchSize    int           `yaml:"batch_size" default:"100"`
			WriteTimeout time.Duration `yaml:"write_timeout" default:"10s"`
			ReadTimeout  time.Duration `yaml:"read_timeout" default:"10s"`
			Async        bool          `yaml:"async"`
		} `yaml:"producer"`
		Consumer struct {
			Enabled    bool          `yaml:"enabled"`
			Topic      string        `yaml:"topic" default:"tiwatcher.batches"`
			GroupID    string        `yaml:"group_id" default:"tiwatcher"`
			Workers    int           `yaml:"workers" default:"4"`
			BufferSize int           `yaml:"buffer_size" default:"100"`
			RetryMax   int           `yaml:"retry_max" default:"3"`
			BackoffMin time.Duration `yaml:"backoff_min" default:"50ms"`
			BackoffMax time.Duration `yaml:"backoff_max" default:"2s"`
			DLQTopic   string        `yaml:"dlq_topic"`
			MinBytes   int           `yaml:"min_bytes" default:"1"`
			MaxBytes   int           `yaml:"max_bytes" default:"10000000"`
		} `yaml:"consumer"`
	} `yaml:"kafka"`
	ClickHouse struct {
		Enabled          bool          `yaml:"enabled"`
		Host             string        `yaml:"host" default:"localhost"`
		Port             int           `yaml:"port" default:"9000"`
		Database         string        `yaml:"database" default:"tiwatcher"`
		Table            string        `yaml:"table" default:"connections_archive"`
		User             string        `yaml:"user" default:"default"`
		Password         string        `yaml:"password"`
		UseHTTP          bool          `yaml:"use_http"`
		AsyncInsert      bool          `yaml:"async_insert" default:"true"`
		WaitForAsync     bool          `yaml:"wait_for_async_insert"`
		DialTimeout      time.Duration `yaml:"dial_timeout" default:"5s"`
		ReadTimeout      time.Duration `yaml:"read_timeout" default:"10s"`
		WriteTimeout     time.Duration `yaml:"write_timeout" default:"10s"`
		MaxExecutionTime time.Duration `yaml:"max_execution_time" default:"30s"`
	} `yaml:"clickhouse"`
	NATS struct {
		Enabled bool   `yaml:"enabled"`
		URL     string `yaml:"url" default:"nats://localhost:4222"`
		Subject string `yaml:"subject" default:"tiwatcher.events.alert"`
	} `yaml:"nats"`
	Logging struct {
		Level        string        `yaml:"level" default:"info" validate:"oneof=debug info warn error"`
		Format       string        `yaml:"format" default:"console" validate:"oneof=console json"`
		Output       string        `yaml:"output" default:"stdout"`
		CollectTopic string        `yaml:"collect_topic"`
		CollectEvery time.Duration `yaml:"collect_every" default:"30s"`
	} `yaml:"logging"`
	Metrics struct {
		Enabled bool   `yaml:"enabled" default:"true"`
		Path    string `yaml:"path" default:"/metrics"`
	} `yaml:"metrics"`
}

var validate = validator.New()

// Default returns a configuration populated only from struct defaults.
func Default() *Config {
	var c Config
	_ = defaults.Set(&c)
	return &c
}

// Load reads a YAML file on top of the defaults. An empty path yields the
// defaults alone.
func Load(path string) (*Config, error) {
	c := Default()
	if path == "" {
		return c, c.Validate()
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	// fill whatever the file left zero
	if err := defaults.Set(c); err != nil {
		return nil, fmt.Errorf("apply defaults: %w", err)
	}

	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

// LoadWithEnv loads the file and then applies environment overrides.
func LoadWithEnv(path string) (*Config, error) {
	c := Default()
	if path != "" {
		var err error
		if c, err = Load(path); err != nil {
			return nil, err
		}
	}

	if err := c.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

// ApplyEnv overrides the shared secret, storage DSN and bind address.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	if v := getenv("AGENT_TOKEN"); v != "" {
		c.Auth.AgentToken = v
	}
	if v := getenv("DATABASE_URL"); v != "" {
		c.Database.URL = v
	}
	if v := getenv("BIND_ADDR"); v != "" {
		host, port, err := net.SplitHostPort(v)
		if err != nil {
			return fmt.Errorf("BIND_ADDR: %w", err)
		}
		p, err := strconv.Atoi(port)
		if err != nil {
			return fmt.Errorf("BIND_ADDR port: %w", err)
		}
		if host != "" {
			c.Server.Host = host
		}
		c.Server.Port = p
	}
	if v := getenv("PORT"); v != "" {
		p, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("PORT: %w", err)
		}
		c.Server.Port = p
	}
	if v := getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := getenv("NATS_URL"); v != "" {
		c.NATS.URL = v
	}
	return nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return err
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return errors.New("kafka.brokers cannot be empty when kafka is enabled")
	}
	if c.Kafka.Consumer.Enabled && !c.Kafka.Enabled {
		return errors.New("kafka.consumer requires kafka.enabled")
	}
	if strings.TrimSpace(c.Auth.AgentToken) == "" {
		return errors.New("auth.agent_token is required")
	}
	return nil
}

// Addr is the listen address for the HTTP server.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Server.Host, strconv.Itoa(c.Server.Port))
}
