// Package config loads settings for the controller and the worker from
// defaults, an optional YAML file and environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Runtime names accepted by the worker.
const (
	RuntimeExec   = "exec"
	RuntimeDocker = "docker"
)

// Config holds all configuration values for the application.
type Config struct {
	// Database connection string
	DatabaseURL string `mapstructure:"database_url"`

	// HTTP server port for the controller
	HTTPPort int `mapstructure:"http_port"`

	LogLevel     string `mapstructure:"log_level"`
	OTELEndpoint string `mapstructure:"otel_endpoint"`

	// Requests per second allowed per client on the API. 0 disables limiting.
	APIRateLimit float64 `mapstructure:"api_rate_limit"`
	APIRateBurst int     `mapstructure:"api_rate_burst"`

	Worker   WorkerConfig   `mapstructure:"worker"`
	Remote   RemoteConfig   `mapstructure:"remote"`
	Minio    MinioConfig    `mapstructure:"minio"`
	RabbitMQ RabbitMQConfig `mapstructure:"rabbitmq"`

	Queues []QueueConfig `mapstructure:"queues"`

	// Base URL under which the private directory is served. Used to build
	// report links in notifications.
	ReportBaseURL string `mapstructure:"report_base_url"`
}

// WorkerConfig configures the worker daemon and the local diff tool.
type WorkerConfig struct {
	ID               string        `mapstructure:"id"`
	Runtime          string        `mapstructure:"runtime"`
	PrivateDir       string        `mapstructure:"private_dir"`
	BinaryDir        string        `mapstructure:"binary_dir"`
	EngineScriptsDir string        `mapstructure:"engine_scripts_dir"`
	Image            string        `mapstructure:"image"`
	RunTimeout       time.Duration `mapstructure:"run_timeout"`
	GuardCount       int           `mapstructure:"guard_count"`
	Debug            bool          `mapstructure:"debug"`
	SharedFolders    []string      `mapstructure:"shared_folders"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff"`
	GCInterval       time.Duration `mapstructure:"gc_interval"`
	GCRetention      time.Duration `mapstructure:"gc_retention"`
}

// RemoteConfig configures the remote worker client and runner.
type RemoteConfig struct {
	Host            string        `mapstructure:"host"`
	Origin          string        `mapstructure:"origin"`
	Environment     string        `mapstructure:"environment"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	Timeout         time.Duration `mapstructure:"timeout"`
	RetryMax        int           `mapstructure:"retry_max"`
	RatePerSecond   float64       `mapstructure:"rate_per_second"`
	BatchSize       int           `mapstructure:"batch_size"`
	FetchAllBatches bool          `mapstructure:"fetch_all_batches"`
}

// MinioConfig configures the optional artifact mirror. An empty endpoint
// disables it.
type MinioConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Bucket    string `mapstructure:"bucket"`
	UseSSL    bool   `mapstructure:"use_ssl"`
}

// RabbitMQConfig configures result notifications. An empty URL disables them.
type RabbitMQConfig struct {
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

// QueueConfig defines one named queue.
type QueueConfig struct {
	Name    string        `mapstructure:"name"`
	Worker  string        `mapstructure:"worker"`
	Browser string        `mapstructure:"browser"`
	Lease   time.Duration `mapstructure:"lease"`
	Budget  time.Duration `mapstructure:"budget"`
	// Direct routes a remote queue through the worker registry one item at
	// a time instead of batch publishing.
	Direct bool `mapstructure:"direct"`
}

// Load reads configuration. path may be empty, in which case only defaults
// and the environment are used. Environment variables override the file;
// nested keys map to upper case with underscores (remote.host -> REMOTE_HOST).
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	// Names kept from the conventional deployment variables.
	_ = v.BindEnv("http_port", "PORT")
	_ = v.BindEnv("otel_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Worker.ID == "" {
		cfg.Worker.ID, _ = os.Hostname()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("database_url", "")
	v.SetDefault("http_port", 6161)
	v.SetDefault("log_level", "info")
	v.SetDefault("otel_endpoint", "")
	v.SetDefault("api_rate_limit", 10.0)
	v.SetDefault("api_rate_burst", 20)
	v.SetDefault("report_base_url", "")

	v.SetDefault("worker.id", "")
	v.SetDefault("worker.runtime", RuntimeExec)
	v.SetDefault("worker.private_dir", "/var/lib/shotplane/private")
	v.SetDefault("worker.binary_dir", "/usr/local/bin")
	v.SetDefault("worker.engine_scripts_dir", "")
	v.SetDefault("worker.image", "backstopjs/backstopjs:6.3.25")
	v.SetDefault("worker.run_timeout", 600*time.Second)
	v.SetDefault("worker.guard_count", 1)
	v.SetDefault("worker.debug", false)
	v.SetDefault("worker.shared_folders", []string{})
	v.SetDefault("worker.poll_interval", 5*time.Second)
	v.SetDefault("worker.max_backoff", 60*time.Second)
	v.SetDefault("worker.gc_interval", 5*time.Minute)
	v.SetDefault("worker.gc_retention", 24*time.Hour)

	v.SetDefault("remote.host", "")
	v.SetDefault("remote.origin", "")
	v.SetDefault("remote.environment", "")
	v.SetDefault("remote.connect_timeout", 10*time.Second)
	v.SetDefault("remote.timeout", 60*time.Second)
	v.SetDefault("remote.retry_max", 3)
	v.SetDefault("remote.rate_per_second", 0.0)
	v.SetDefault("remote.batch_size", 20)
	v.SetDefault("remote.fetch_all_batches", false)

	v.SetDefault("minio.endpoint", "")
	v.SetDefault("minio.access_key", "")
	v.SetDefault("minio.secret_key", "")
	v.SetDefault("minio.bucket", "shotplane-artifacts")
	v.SetDefault("minio.use_ssl", false)

	v.SetDefault("rabbitmq.url", "")
	v.SetDefault("rabbitmq.exchange", "shotplane.results")

	v.SetDefault("queues", []map[string]any{
		{"name": "default", "worker": "local"},
	})
}

// Validate checks required values and enumerations.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database_url is required (env: DATABASE_URL)")
	}
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid http_port %d", c.HTTPPort)
	}
	switch c.Worker.Runtime {
	case RuntimeExec, RuntimeDocker:
	default:
		return fmt.Errorf("invalid worker.runtime %q (want %s or %s)", c.Worker.Runtime, RuntimeExec, RuntimeDocker)
	}
	if c.Remote.BatchSize <= 0 {
		return fmt.Errorf("remote.batch_size must be positive")
	}

	seen := make(map[string]bool, len(c.Queues))
	for _, q := range c.Queues {
		if q.Name == "" {
			return errors.New("queue without name")
		}
		if seen[q.Name] {
			return fmt.Errorf("queue %s defined twice", q.Name)
		}
		seen[q.Name] = true
		if q.Worker != "local" && q.Worker != "remote" {
			return fmt.Errorf("queue %s: unknown worker %q", q.Name, q.Worker)
		}
	}
	return nil
}

// HasRemoteQueue reports whether any queue is served by the remote worker.
func (c *Config) HasRemoteQueue() bool {
	for _, q := range c.Queues {
		if q.Worker == "remote" {
			return true
		}
	}
	return false
}
