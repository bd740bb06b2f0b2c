package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	tests := []struct {
		name      string
		filePath  string
		wantErr   bool
		errString string
	}{
		{
			name:     "valid config file",
			filePath: "testdata/valid_config.yaml",
			wantErr:  false,
		},
		{
			name:      "non-existent file",
			filePath:  "testdata/nonexistent.yaml",
			wantErr:   true,
			errString: "failed to read config file",
		},
		{
			name:      "malformed yaml",
			filePath:  "testdata/malformed.yaml",
			wantErr:   true,
			errString: "failed to parse config file",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load(tt.filePath)

			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
				assert.Nil(t, cfg)
			} else {
				require.NoError(t, err)
				require.NotNil(t, cfg)

				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, "localhost", cfg.Database.Host)
				assert.Equal(t, "media_db", cfg.Database.Database)
				assert.Equal(t, "media_jobs", cfg.RabbitMQ.Exchange.Name)
				assert.Equal(t, "media_jobs_wake", cfg.RabbitMQ.Queue.Name)
				assert.Equal(t, "media-api-service", cfg.App.Name)
				assert.Equal(t, time.Minute, cfg.Queue.LeaseDuration)
				assert.Equal(t, BackendRedis, cfg.Notifier.Backend)
			}
		})
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("testdata/valid_config.yaml")
	require.NoError(t, err)

	assert.Equal(t, BackendPostgres, cfg.Queue.Backend)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, IsolationSubprocess, cfg.Worker.Isolation)
	assert.Equal(t, 300, cfg.Pipeline.ThumbnailWidth)
	assert.Equal(t, 300, cfg.Pipeline.ThumbnailHeight)
	assert.Equal(t, float32(80), cfg.Pipeline.WebPQuality)
	assert.Equal(t, int64(5<<20), cfg.Pipeline.CompressionThresholdBytes)
	assert.Equal(t, 3, cfg.Sweep.MaxRecoveries)
	assert.Equal(t, "media", cfg.Notifier.ChannelPrefix)
	assert.NoError(t, cfg.ValidateWorkerConfig())
	assert.NoError(t, cfg.ValidateAPIConfig())
}

func validConfig() *Config {
	return &Config{
		Server: ServerConfig{Port: 8080},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "media_db",
		},
		RabbitMQ: RabbitMQConfig{
			Enabled:  true,
			Host:     "localhost",
			Port:     5672,
			Exchange: ExchangeConfig{Name: "media_jobs"},
			Queue:    AMQPQueueConfig{Name: "media_jobs_wake"},
		},
		Worker: WorkerConfig{
			Concurrency:       2,
			Isolation:         IsolationInProcess,
			HeartbeatInterval: 10 * time.Second,
			ShutdownTimeout:   30 * time.Second,
		},
		Queue: QueueConfig{
			Backend:       BackendPostgres,
			LeaseDuration: time.Minute,
			MaxAttempts:   3,
		},
		Storage: StorageConfig{
			Backend: BackendLocal,
			BaseURL: "http://localhost/files",
			Local:   LocalStorageConfig{Root: "/tmp/media"},
		},
		Sweep: SweepConfig{
			Enabled:        true,
			Interval:       30 * time.Second,
			StallThreshold: 5 * time.Minute,
		},
		Notifier: NotifierConfig{Backend: BackendLog},
	}
}

func TestConfig_ValidateAPIConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		wantErr   bool
		errString string
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:      "invalid server port - too low",
			mutate:    func(c *Config) { c.Server.Port = 0 },
			wantErr:   true,
			errString: "invalid server port",
		},
		{
			name:      "invalid server port - too high",
			mutate:    func(c *Config) { c.Server.Port = 70000 },
			wantErr:   true,
			errString: "invalid server port",
		},
		{
			name:      "empty database host",
			mutate:    func(c *Config) { c.Database.Host = "" },
			wantErr:   true,
			errString: "database host is required",
		},
		{
			name: "memory queue skips database checks",
			mutate: func(c *Config) {
				c.Queue.Backend = BackendMemory
				c.Database = DatabaseConfig{}
			},
			wantErr: false,
		},
		{
			name:      "unknown queue backend",
			mutate:    func(c *Config) { c.Queue.Backend = "kafka" },
			wantErr:   true,
			errString: "unknown queue backend",
		},
		{
			name:      "empty exchange name",
			mutate:    func(c *Config) { c.RabbitMQ.Exchange.Name = "" },
			wantErr:   true,
			errString: "rabbitmq exchange name is required",
		},
		{
			name: "rabbitmq disabled skips its checks",
			mutate: func(c *Config) {
				c.RabbitMQ.Enabled = false
				c.RabbitMQ.Host = ""
			},
			wantErr: false,
		},
		{
			name:      "missing base url",
			mutate:    func(c *Config) { c.Storage.BaseURL = "" },
			wantErr:   true,
			errString: "storage base_url is required",
		},
		{
			name: "s3 without bucket",
			mutate: func(c *Config) {
				c.Storage.Backend = BackendS3
			},
			wantErr:   true,
			errString: "storage s3 bucket is required",
		},
		{
			name: "rabbitmq notifier without exchange",
			mutate: func(c *Config) {
				c.Notifier.Backend = BackendRabbitMQ
			},
			wantErr:   true,
			errString: "notifier exchange is required",
		},
		{
			name: "redis notifier without host",
			mutate: func(c *Config) {
				c.Notifier.Backend = BackendRedis
			},
			wantErr:   true,
			errString: "redis host is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.ValidateAPIConfig()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfig_ValidateWorkerConfig(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(c *Config)
		wantErr   bool
		errString string
	}{
		{
			name:    "valid config",
			mutate:  func(c *Config) {},
			wantErr: false,
		},
		{
			name:      "zero concurrency",
			mutate:    func(c *Config) { c.Worker.Concurrency = 0 },
			wantErr:   true,
			errString: "worker concurrency must be greater than 0",
		},
		{
			name:      "zero heartbeat",
			mutate:    func(c *Config) { c.Worker.HeartbeatInterval = 0 },
			wantErr:   true,
			errString: "heartbeat_interval",
		},
		{
			name:      "unknown isolation",
			mutate:    func(c *Config) { c.Worker.Isolation = "container" },
			wantErr:   true,
			errString: "unknown worker isolation",
		},
		{
			name:      "stall threshold not above lease",
			mutate:    func(c *Config) { c.Sweep.StallThreshold = time.Minute },
			wantErr:   true,
			errString: "must exceed queue lease_duration",
		},
		{
			name: "disabled sweep ignores stall threshold",
			mutate: func(c *Config) {
				c.Sweep.Enabled = false
				c.Sweep.StallThreshold = time.Second
			},
			wantErr: false,
		},
		{
			name:      "zero max attempts",
			mutate:    func(c *Config) { c.Queue.MaxAttempts = 0 },
			wantErr:   true,
			errString: "max_attempts",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.ValidateWorkerConfig()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errString)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
