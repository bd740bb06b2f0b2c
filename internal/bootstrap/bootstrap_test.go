package bootstrap

import (
	"context"
	"testing"
	"time"

	"github.com/skybaer0804/spark-messaging-app-sub000/internal/config"
	"github.com/skybaer0804/spark-messaging-app-sub000/internal/queue"
	"github.com/skybaer0804/spark-messaging-app-sub000/internal/record"
	"github.com/skybaer0804/spark-messaging-app-sub000/shared/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func memoryConfig(t *testing.T) *config.Config {
	return &config.Config{
		Queue: config.QueueConfig{
			Backend:       config.BackendMemory,
			LeaseDuration: time.Minute,
			PollInterval:  time.Second,
			MaxAttempts:   4,
			BackoffBase:   time.Second,
			BackoffMax:    time.Minute,
		},
		Storage: config.StorageConfig{
			Backend: config.BackendLocal,
			BaseURL: "http://cdn.test",
			Local:   config.LocalStorageConfig{Root: t.TempDir()},
		},
		Notifier: config.NotifierConfig{Backend: config.BackendLog},
	}
}

func TestOpen_MemoryBackends(t *testing.T) {
	log := logger.NewDiscard().Logger

	res, err := Open(context.Background(), memoryConfig(t), log)
	require.NoError(t, err)
	defer res.Close()

	assert.IsType(t, &queue.Memory{}, res.Queue)
	assert.IsType(t, &record.Memory{}, res.Records)
	assert.IsType(t, &record.LogNotifier{}, res.Notifier)
	assert.NotNil(t, res.Updater)
	assert.NotNil(t, res.Signal)
	assert.Nil(t, res.DB)
	assert.Nil(t, res.Rabbit)
	assert.Empty(t, res.HealthChecks())

	assert.Equal(t, "http://cdn.test/thumbnails/a.webp", res.Blobs.URL("thumbnails", "a.webp"))
}

func TestOpen_RedisNotifierNeedsRedis(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Notifier.Backend = config.BackendRedis

	res, err := Open(context.Background(), cfg, logger.NewDiscard().Logger)
	require.Error(t, err)
	assert.Nil(t, res)
}

func TestOpen_FailureClosesWhatWasOpened(t *testing.T) {
	cfg := memoryConfig(t)
	cfg.Notifier.Backend = config.BackendRedis

	var closed []string
	r := &Resources{Signal: queue.NewSignal()}
	r.onClose(func() { closed = append(closed, "first") })
	r.onClose(func() { closed = append(closed, "second") })

	res, err := open(context.Background(), cfg, logger.NewDiscard().Logger, r)
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Equal(t, []string{"second", "first"}, closed)

	r.Close()
	assert.Len(t, closed, 2, "closing twice releases nothing again")
}

func TestNewBlobStore_UnknownBackend(t *testing.T) {
	_, err := NewBlobStore(context.Background(), &config.StorageConfig{Backend: "ftp"}, logger.NewDiscard().Logger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ftp")
}

func TestQueueOptions(t *testing.T) {
	cfg := memoryConfig(t)
	opts := QueueOptions(&cfg.Queue)

	assert.Equal(t, time.Minute, opts.LeaseDuration)
	assert.Equal(t, 4, opts.MaxAttempts)
	assert.Equal(t, time.Second, opts.Backoff.Base)
	assert.Equal(t, time.Minute, opts.Backoff.Max)
	assert.Nil(t, opts.Publisher)
}

func TestEventsRabbitMQConfig(t *testing.T) {
	cfg := &config.Config{
		RabbitMQ: config.RabbitMQConfig{
			Host:       "mq",
			Port:       5672,
			Exchange:   config.ExchangeConfig{Name: "media.jobs", Type: "direct"},
			Queue:      config.AMQPQueueConfig{Name: "media.jobs.wake", Durable: true},
			RoutingKey: "job.enqueued",
			Consumer:   config.ConsumerConfig{PrefetchCount: 8},
		},
		Notifier: config.NotifierConfig{Exchange: "media.events"},
	}

	events := EventsRabbitMQConfig(cfg)

	assert.Equal(t, "mq", events.Host)
	assert.Equal(t, "media.events", events.Exchange.Name)
	assert.Equal(t, "topic", events.Exchange.Type)
	assert.Empty(t, events.Queue.Name)
	assert.Empty(t, events.RoutingKey)
	assert.Zero(t, events.Consumer.PrefetchCount)
	// the wake-up settings are left untouched
	assert.Equal(t, "media.jobs", cfg.RabbitMQ.Exchange.Name)
}
