package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// MinPort is the minimum valid port number
	MinPort = 1
	// MaxPort is the maximum valid port number
	MaxPort = 65535
)

// Backend names shared by several sections
const (
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
	BackendLocal    = "local"
	BackendS3       = "s3"
	BackendMinIO    = "minio"
	BackendRabbitMQ = "rabbitmq"
	BackendRedis    = "redis"
	BackendLog      = "log"

	IsolationSubprocess = "subprocess"
	IsolationInProcess  = "inprocess"
)

// Config represents the complete application configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
	Redis    RedisConfig    `yaml:"redis"`
	Logging  LoggingConfig  `yaml:"logging"`
	App      AppConfig      `yaml:"app"`
	Worker   WorkerConfig   `yaml:"worker"`
	Queue    QueueConfig    `yaml:"queue"`
	Storage  StorageConfig  `yaml:"storage"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Sweep    SweepConfig    `yaml:"sweep"`
	Notifier NotifierConfig `yaml:"notifier"`
	Sentry   SentryConfig   `yaml:"sentry"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxUploadBytes  int64         `yaml:"max_upload_bytes"`
}

// DatabaseConfig holds PostgreSQL connection configuration
type DatabaseConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	Database        string        `yaml:"database"`
	SSLMode         string        `yaml:"sslmode"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	// AutoMigrate applies pending migrations at service start
	AutoMigrate bool `yaml:"auto_migrate"`
}

// RabbitMQConfig holds RabbitMQ connection and exchange/queue configuration.
// The exchange/queue pair carries job wake-ups.
type RabbitMQConfig struct {
	Enabled    bool             `yaml:"enabled"`
	Host       string           `yaml:"host"`
	Port       int              `yaml:"port"`
	User       string           `yaml:"user"`
	Password   string           `yaml:"password"`
	VHost      string           `yaml:"vhost"`
	Exchange   ExchangeConfig   `yaml:"exchange"`
	Queue      AMQPQueueConfig  `yaml:"queue"`
	RoutingKey string           `yaml:"routing_key"`
	Connection ConnectionConfig `yaml:"connection"`
	Publish    PublishConfig    `yaml:"publish"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
}

// ExchangeConfig holds RabbitMQ exchange configuration
type ExchangeConfig struct {
	Name       string `yaml:"name"`
	Type       string `yaml:"type"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
}

// AMQPQueueConfig holds RabbitMQ queue configuration
type AMQPQueueConfig struct {
	Name       string `yaml:"name"`
	Durable    bool   `yaml:"durable"`
	AutoDelete bool   `yaml:"auto_delete"`
	Exclusive  bool   `yaml:"exclusive"`
}

// ConnectionConfig holds RabbitMQ connection settings
type ConnectionConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	Heartbeat         time.Duration `yaml:"heartbeat"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
}

// PublishConfig holds RabbitMQ publish retry settings
type PublishConfig struct {
	RetryAttempts     int           `yaml:"retry_attempts"`
	RetryInterval     time.Duration `yaml:"retry_interval"`
	BackoffMultiplier float64       `yaml:"backoff_multiplier"`
}

// ConsumerConfig holds RabbitMQ consumer settings
type ConsumerConfig struct {
	PrefetchCount int  `yaml:"prefetch_count"`
	AutoAck       bool `yaml:"auto_ack"`
	Exclusive     bool `yaml:"exclusive"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level            string `yaml:"level"`
	Format           string `yaml:"format"`
	Output           string `yaml:"output"`
	EnableCaller     bool   `yaml:"enable_caller"`
	EnableStackTrace bool   `yaml:"enable_stack_trace"`
}

// AppConfig holds application metadata
type AppConfig struct {
	Name        string `yaml:"name"`
	Version     string `yaml:"version"`
	Environment string `yaml:"environment"`
}

// WorkerConfig holds worker service configuration
type WorkerConfig struct {
	ID                string        `yaml:"id"`
	Concurrency       int           `yaml:"concurrency"`
	Isolation         string        `yaml:"isolation"`
	TempDir           string        `yaml:"temp_dir"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	ProgressMinDelta  int           `yaml:"progress_min_delta"`
}

// QueueConfig holds job queue settings
type QueueConfig struct {
	Backend       string        `yaml:"backend"`
	LeaseDuration time.Duration `yaml:"lease_duration"`
	PollInterval  time.Duration `yaml:"poll_interval"`
	MaxAttempts   int           `yaml:"max_attempts"`
	BackoffBase   time.Duration `yaml:"backoff_base"`
	BackoffMax    time.Duration `yaml:"backoff_max"`
	CompletedTTL  time.Duration `yaml:"completed_ttl"`
	CompletedKeep int           `yaml:"completed_keep"`
	FailedTTL     time.Duration `yaml:"failed_ttl"`
}

// StorageConfig selects and configures the artifact store
type StorageConfig struct {
	Backend string             `yaml:"backend"`
	BaseURL string             `yaml:"base_url"`
	Local   LocalStorageConfig `yaml:"local"`
	S3      S3Config           `yaml:"s3"`
	MinIO   MinIOConfig        `yaml:"minio"`
}

// LocalStorageConfig holds local filesystem storage settings
type LocalStorageConfig struct {
	Root string `yaml:"root"`
}

// S3Config holds S3-compatible object storage settings
type S3Config struct {
	Region          string `yaml:"region"`
	Bucket          string `yaml:"bucket"`
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	UsePathStyle    bool   `yaml:"use_path_style"`
}

// MinIOConfig holds MinIO settings
type MinIOConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// PipelineConfig holds converter settings
type PipelineConfig struct {
	ThumbnailWidth            int           `yaml:"thumbnail_width"`
	ThumbnailHeight           int           `yaml:"thumbnail_height"`
	WebPQuality               float32       `yaml:"webp_quality"`
	CompressionThresholdBytes int64         `yaml:"compression_threshold_bytes"`
	FetchTimeout              time.Duration `yaml:"fetch_timeout"`
	MaxSourceBytes            int64         `yaml:"max_source_bytes"`
}

// SweepConfig holds recovery sweep settings
type SweepConfig struct {
	Enabled        bool          `yaml:"enabled"`
	Interval       time.Duration `yaml:"interval"`
	StallThreshold time.Duration `yaml:"stall_threshold"`
	EnqueueGrace   time.Duration `yaml:"enqueue_grace"`
	MaxRecoveries  int           `yaml:"max_recoveries"`
	BatchSize      int           `yaml:"batch_size"`
}

// NotifierConfig selects the transport used for progress/result events
type NotifierConfig struct {
	Backend       string `yaml:"backend"`
	Exchange      string `yaml:"exchange"`
	ChannelPrefix string `yaml:"channel_prefix"`
}

// SentryConfig holds error reporting settings
type SentryConfig struct {
	DSN         string `yaml:"dsn"`
	Environment string `yaml:"environment"`
}

// Load reads and parses the configuration file
func Load(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.applyDefaults()

	return &config, nil
}

// applyDefaults fills values that are safe to omit from the file
func (c *Config) applyDefaults() {
	if c.Queue.Backend == "" {
		c.Queue.Backend = BackendPostgres
	}
	if c.Queue.LeaseDuration == 0 {
		c.Queue.LeaseDuration = 15 * time.Minute
	}
	if c.Queue.PollInterval == 0 {
		c.Queue.PollInterval = 2 * time.Second
	}
	if c.Queue.MaxAttempts == 0 {
		c.Queue.MaxAttempts = 3
	}
	if c.Queue.BackoffBase == 0 {
		c.Queue.BackoffBase = 5 * time.Second
	}
	if c.Queue.BackoffMax == 0 {
		c.Queue.BackoffMax = 5 * time.Minute
	}
	if c.Queue.CompletedTTL == 0 {
		c.Queue.CompletedTTL = time.Hour
	}
	if c.Queue.CompletedKeep == 0 {
		c.Queue.CompletedKeep = 1000
	}
	if c.Queue.FailedTTL == 0 {
		c.Queue.FailedTTL = 7 * 24 * time.Hour
	}
	if c.Worker.Isolation == "" {
		c.Worker.Isolation = IsolationSubprocess
	}
	if c.Worker.ProgressMinDelta == 0 {
		c.Worker.ProgressMinDelta = 10
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = BackendLocal
	}
	if c.Pipeline.ThumbnailWidth == 0 {
		c.Pipeline.ThumbnailWidth = 300
	}
	if c.Pipeline.ThumbnailHeight == 0 {
		c.Pipeline.ThumbnailHeight = 300
	}
	if c.Pipeline.WebPQuality == 0 {
		c.Pipeline.WebPQuality = 80
	}
	if c.Pipeline.CompressionThresholdBytes == 0 {
		c.Pipeline.CompressionThresholdBytes = 5 << 20
	}
	if c.Pipeline.FetchTimeout == 0 {
		c.Pipeline.FetchTimeout = time.Minute
	}
	if c.Sweep.StallThreshold == 0 {
		c.Sweep.StallThreshold = 2 * c.Queue.LeaseDuration
	}
	if c.Sweep.EnqueueGrace == 0 {
		c.Sweep.EnqueueGrace = time.Minute
	}
	if c.Sweep.MaxRecoveries == 0 {
		c.Sweep.MaxRecoveries = 3
	}
	if c.Sweep.BatchSize == 0 {
		c.Sweep.BatchSize = 100
	}
	if c.Notifier.Backend == "" {
		c.Notifier.Backend = BackendLog
	}
	if c.Notifier.ChannelPrefix == "" {
		c.Notifier.ChannelPrefix = "media"
	}
}

func (c *Config) validateDatabase() error {
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.Port < MinPort || c.Database.Port > MaxPort {
		return fmt.Errorf("invalid database port: %d (must be between %d and %d)", c.Database.Port, MinPort, MaxPort)
	}

	if c.Database.Database == "" {
		return fmt.Errorf("database name is required")
	}

	return nil
}

func (c *Config) validateRabbitMQ() error {
	if !c.RabbitMQ.Enabled {
		return nil
	}

	if c.RabbitMQ.Host == "" {
		return fmt.Errorf("rabbitmq host is required")
	}

	if c.RabbitMQ.Port < MinPort || c.RabbitMQ.Port > MaxPort {
		return fmt.Errorf("invalid rabbitmq port: %d (must be between %d and %d)", c.RabbitMQ.Port, MinPort, MaxPort)
	}

	if c.RabbitMQ.Exchange.Name == "" {
		return fmt.Errorf("rabbitmq exchange name is required")
	}

	if c.RabbitMQ.Queue.Name == "" {
		return fmt.Errorf("rabbitmq queue name is required")
	}

	return nil
}

func (c *Config) validateStorage() error {
	if c.Storage.BaseURL == "" {
		return fmt.Errorf("storage base_url is required")
	}

	switch c.Storage.Backend {
	case BackendLocal:
		if c.Storage.Local.Root == "" {
			return fmt.Errorf("storage local root is required")
		}
	case BackendS3:
		if c.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage s3 bucket is required")
		}
	case BackendMinIO:
		if c.Storage.MinIO.Endpoint == "" || c.Storage.MinIO.Bucket == "" {
			return fmt.Errorf("storage minio endpoint and bucket are required")
		}
	default:
		return fmt.Errorf("unknown storage backend: %q", c.Storage.Backend)
	}

	return nil
}

func (c *Config) validateQueue() error {
	switch c.Queue.Backend {
	case BackendPostgres:
		if err := c.validateDatabase(); err != nil {
			return err
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown queue backend: %q", c.Queue.Backend)
	}

	if c.Queue.MaxAttempts <= 0 {
		return fmt.Errorf("queue max_attempts must be greater than 0")
	}

	if c.Queue.LeaseDuration <= 0 {
		return fmt.Errorf("queue lease_duration must be greater than 0")
	}

	return nil
}

func (c *Config) validateNotifier() error {
	switch c.Notifier.Backend {
	case BackendLog:
	case BackendRabbitMQ:
		if c.Notifier.Exchange == "" {
			return fmt.Errorf("notifier exchange is required for rabbitmq backend")
		}
		if c.RabbitMQ.Host == "" {
			return fmt.Errorf("rabbitmq host is required for rabbitmq notifier")
		}
	case BackendRedis:
		if c.Redis.Host == "" {
			return fmt.Errorf("redis host is required for redis notifier")
		}
	default:
		return fmt.Errorf("unknown notifier backend: %q", c.Notifier.Backend)
	}
	return nil
}

// ValidateAPIConfig checks the settings the API service needs
func (c *Config) ValidateAPIConfig() error {
	if c.Server.Port < MinPort || c.Server.Port > MaxPort {
		return fmt.Errorf("invalid server port: %d (must be between %d and %d)", c.Server.Port, MinPort, MaxPort)
	}

	if err := c.validateQueue(); err != nil {
		return err
	}

	if err := c.validateRabbitMQ(); err != nil {
		return err
	}

	if err := c.validateStorage(); err != nil {
		return err
	}

	return c.validateNotifier()
}

// ValidateWorkerConfig checks the settings the worker service needs
func (c *Config) ValidateWorkerConfig() error {
	if c.Worker.Concurrency <= 0 {
		return fmt.Errorf("worker concurrency must be greater than 0")
	}

	if c.Worker.HeartbeatInterval <= 0 {
		return fmt.Errorf("worker heartbeat_interval must be greater than 0")
	}

	if c.Worker.ShutdownTimeout <= 0 {
		return fmt.Errorf("worker shutdown_timeout must be greater than 0")
	}

	if c.Worker.Isolation != IsolationSubprocess && c.Worker.Isolation != IsolationInProcess {
		return fmt.Errorf("unknown worker isolation: %q", c.Worker.Isolation)
	}

	if err := c.validateQueue(); err != nil {
		return err
	}

	if err := c.validateRabbitMQ(); err != nil {
		return err
	}

	if err := c.validateStorage(); err != nil {
		return err
	}

	if err := c.validateNotifier(); err != nil {
		return err
	}

	if c.Sweep.Enabled {
		if c.Sweep.Interval <= 0 {
			return fmt.Errorf("sweep interval must be greater than 0")
		}
		// a stall shorter than the lease would reset records that are still legitimately running
		if c.Sweep.StallThreshold <= c.Queue.LeaseDuration {
			return fmt.Errorf("sweep stall_threshold (%s) must exceed queue lease_duration (%s)", c.Sweep.StallThreshold, c.Queue.LeaseDuration)
		}
	}

	return nil
}
