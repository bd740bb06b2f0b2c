// Package bootstrap builds the backends both services share from config.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/skybaer0804/spark-messaging-app-sub000/internal/blobstore"
	"github.com/skybaer0804/spark-messaging-app-sub000/internal/config"
	"github.com/skybaer0804/spark-messaging-app-sub000/internal/domain"
	"github.com/skybaer0804/spark-messaging-app-sub000/internal/migrations"
	"github.com/skybaer0804/spark-messaging-app-sub000/internal/queue"
	"github.com/skybaer0804/spark-messaging-app-sub000/internal/record"
	"github.com/skybaer0804/spark-messaging-app-sub000/shared/logger"
	"github.com/skybaer0804/spark-messaging-app-sub000/shared/postgresql"
	"github.com/skybaer0804/spark-messaging-app-sub000/shared/rabbitmq"
	"github.com/skybaer0804/spark-messaging-app-sub000/shared/redis"
)

// Resources holds every connection a service opened. Fields are nil when
// the configuration did not ask for them.
type Resources struct {
	DB       *postgresql.Client
	Rabbit   *rabbitmq.Client
	Events   *rabbitmq.Client
	Redis    *redis.Client
	Signal   *queue.Signal
	Queue    queue.Queue
	Records  record.Store
	Notifier record.Notifier
	Updater  *record.Updater
	Blobs    *blobstore.Store

	closers []func()
}

// Open connects to everything cfg selects. On error, whatever was already
// opened is closed.
func Open(ctx context.Context, cfg *config.Config, log *slog.Logger) (*Resources, error) {
	return open(ctx, cfg, log, &Resources{Signal: queue.NewSignal()})
}

func open(ctx context.Context, cfg *config.Config, log *slog.Logger, r *Resources) (*Resources, error) {
	if err := r.connect(ctx, cfg, log); err != nil {
		r.Close()
		return nil, err
	}
	return r, nil
}

func (r *Resources) connect(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	var err error

	if cfg.Queue.Backend == config.BackendPostgres {
		if r.DB, err = NewPostgreSQL(&cfg.Database, log); err != nil {
			return fmt.Errorf("failed to initialize database: %w", err)
		}
		r.onClose(func() { r.DB.Close() })
		if cfg.Database.AutoMigrate {
			if err := migrations.Up(r.DB.GetDB().DB); err != nil {
				return err
			}
			log.Info("Database migrations applied")
		}
	}

	if cfg.RabbitMQ.Enabled {
		if r.Rabbit, err = NewRabbitMQ(&cfg.RabbitMQ, log); err != nil {
			return fmt.Errorf("failed to initialize RabbitMQ: %w", err)
		}
		r.onClose(func() { r.Rabbit.Close() })
	}

	if cfg.Redis.Host != "" {
		if r.Redis, err = NewRedis(&cfg.Redis, log); err != nil {
			return fmt.Errorf("failed to initialize Redis: %w", err)
		}
		r.onClose(func() { r.Redis.Close() })
	}

	r.Queue = r.newQueue(cfg, log)

	if r.DB != nil {
		r.Records = record.NewPostgres(r.DB.GetDB(), log)
	} else {
		r.Records = record.NewMemory()
	}

	if r.Notifier, err = r.newNotifier(cfg, log); err != nil {
		return err
	}
	r.Updater = record.NewUpdater(r.Records, r.Notifier, log)

	if r.Blobs, err = NewBlobStore(ctx, &cfg.Storage, log); err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	return nil
}

// onClose registers a release step; Close runs them newest first
func (r *Resources) onClose(fn func()) {
	r.closers = append(r.closers, fn)
}

func (r *Resources) newQueue(cfg *config.Config, log *slog.Logger) queue.Queue {
	opts := QueueOptions(&cfg.Queue)
	opts.Signal = r.Signal
	if r.Rabbit != nil {
		opts.Publisher = r.Rabbit
	}

	if r.DB != nil {
		return queue.NewPostgres(r.DB.GetDB(), opts, log)
	}
	log.Warn("Using in-memory job queue; jobs do not survive a restart")
	return queue.NewMemory(opts, log)
}

func (r *Resources) newNotifier(cfg *config.Config, log *slog.Logger) (record.Notifier, error) {
	switch cfg.Notifier.Backend {
	case config.BackendRabbitMQ:
		events, err := NewRabbitMQ(EventsRabbitMQConfig(cfg), log)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize event exchange: %w", err)
		}
		r.Events = events
		r.onClose(func() { events.Close() })
		return record.NewRabbitNotifier(events), nil
	case config.BackendRedis:
		if r.Redis == nil {
			return nil, fmt.Errorf("redis notifier requires a redis connection")
		}
		return record.NewRedisNotifier(r.Redis.Get(), cfg.Notifier.ChannelPrefix), nil
	default:
		return record.NewLogNotifier(log), nil
	}
}

// Close releases every connection that was opened
func (r *Resources) Close() {
	if r == nil {
		return
	}
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
	r.closers = nil
}

// HealthChecks returns a check per opened dependency
func (r *Resources) HealthChecks() map[string]func(context.Context) error {
	checks := make(map[string]func(context.Context) error)
	if r.DB != nil {
		checks["database"] = r.DB.HealthCheck
	}
	if r.Redis != nil {
		checks["redis"] = r.Redis.HealthCheck
	}
	if r.Rabbit != nil {
		rabbit := r.Rabbit
		checks["rabbitmq"] = func(context.Context) error {
			if !rabbit.IsConnected() {
				return fmt.Errorf("not connected")
			}
			return nil
		}
	}
	return checks
}

// RetentionPolicy reads the finished-job retention settings
func RetentionPolicy(cfg *config.QueueConfig) queue.RetentionPolicy {
	return queue.RetentionPolicy{
		CompletedTTL:  cfg.CompletedTTL,
		CompletedKeep: cfg.CompletedKeep,
		FailedTTL:     cfg.FailedTTL,
	}
}

// QueueOptions maps queue settings onto backend options
func QueueOptions(cfg *config.QueueConfig) queue.Options {
	return queue.Options{
		LeaseDuration: cfg.LeaseDuration,
		PollInterval:  cfg.PollInterval,
		MaxAttempts:   cfg.MaxAttempts,
		Backoff: domain.BackoffPolicy{
			Base: cfg.BackoffBase,
			Max:  cfg.BackoffMax,
		},
	}
}

// NewLogger initializes and configures the application logger
func NewLogger(cfg *config.LoggingConfig, service string) (*logger.Logger, error) {
	return logger.New(&logger.Config{
		Level:        cfg.Level,
		Format:       cfg.Format,
		Output:       cfg.Output,
		EnableSource: cfg.EnableCaller,
		TimeFormat:   time.RFC3339,
		Service:      service,
	})
}

// NewPostgreSQL initializes the PostgreSQL database client
func NewPostgreSQL(cfg *config.DatabaseConfig, log *slog.Logger) (*postgresql.Client, error) {
	return postgresql.NewClient(&postgresql.Config{
		Host:            cfg.Host,
		Port:            cfg.Port,
		User:            cfg.User,
		Password:        cfg.Password,
		Database:        cfg.Database,
		SSLMode:         cfg.SSLMode,
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.ConnMaxIdleTime,
	}, log)
}

// NewRabbitMQ initializes a RabbitMQ client
func NewRabbitMQ(cfg *config.RabbitMQConfig, log *slog.Logger) (*rabbitmq.Client, error) {
	return rabbitmq.NewClient(&rabbitmq.Config{
		Host:               cfg.Host,
		Port:               cfg.Port,
		User:               cfg.User,
		Password:           cfg.Password,
		VHost:              cfg.VHost,
		ExchangeName:       cfg.Exchange.Name,
		ExchangeType:       cfg.Exchange.Type,
		ExchangeDurable:    cfg.Exchange.Durable,
		ExchangeAutoDelete: cfg.Exchange.AutoDelete,
		QueueName:          cfg.Queue.Name,
		QueueDurable:       cfg.Queue.Durable,
		QueueAutoDelete:    cfg.Queue.AutoDelete,
		QueueExclusive:     cfg.Queue.Exclusive,
		RoutingKey:         cfg.RoutingKey,
		PrefetchCount:      cfg.Consumer.PrefetchCount,
		RetryAttempts:      cfg.Connection.RetryAttempts,
		RetryInterval:      cfg.Connection.RetryInterval,
		Heartbeat:          cfg.Connection.Heartbeat,
		ConnectionTimeout:  cfg.Connection.ConnectionTimeout,
		PublishRetries:     cfg.Publish.RetryAttempts,
		PublishRetryDelay:  cfg.Publish.RetryInterval,
		PublishBackoffMult: cfg.Publish.BackoffMultiplier,
	}, log)
}

// EventsRabbitMQConfig derives a publish-only connection for the topic
// exchange that carries progress and result events
func EventsRabbitMQConfig(cfg *config.Config) *config.RabbitMQConfig {
	events := cfg.RabbitMQ
	events.Exchange = config.ExchangeConfig{
		Name:    cfg.Notifier.Exchange,
		Type:    "topic",
		Durable: true,
	}
	events.Queue = config.AMQPQueueConfig{}
	events.RoutingKey = ""
	events.Consumer = config.ConsumerConfig{}
	return &events
}

// NewRedis initializes the Redis client
func NewRedis(cfg *config.RedisConfig, log *slog.Logger) (*redis.Client, error) {
	return redis.NewClient(&redis.Config{
		Host:         cfg.Host,
		Port:         cfg.Port,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}, log)
}

// NewBlobStore opens the configured artifact backend
func NewBlobStore(ctx context.Context, cfg *config.StorageConfig, log *slog.Logger) (*blobstore.Store, error) {
	var (
		backend blobstore.Backend
		err     error
	)

	switch cfg.Backend {
	case config.BackendS3:
		backend, err = blobstore.NewS3(ctx, blobstore.S3Config{
			Region:          cfg.S3.Region,
			Bucket:          cfg.S3.Bucket,
			Endpoint:        cfg.S3.Endpoint,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
			UsePathStyle:    cfg.S3.UsePathStyle,
		})
	case config.BackendMinIO:
		backend, err = blobstore.NewMinIO(ctx, blobstore.MinIOConfig{
			Endpoint:  cfg.MinIO.Endpoint,
			AccessKey: cfg.MinIO.AccessKey,
			SecretKey: cfg.MinIO.SecretKey,
			Bucket:    cfg.MinIO.Bucket,
			UseSSL:    cfg.MinIO.UseSSL,
		})
	case config.BackendLocal:
		backend, err = blobstore.NewLocal(cfg.Local.Root)
	default:
		return nil, fmt.Errorf("unknown storage backend: %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}

	log.Info("Artifact storage ready",
		slog.String("backend", cfg.Backend),
		slog.String("base_url", cfg.BaseURL),
	)

	return blobstore.New(backend, cfg.BaseURL, log), nil
}
