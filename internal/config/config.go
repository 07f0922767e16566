// Package config loads and validates rankgrid configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	Pool       PoolConfig       `mapstructure:"pool"`
	Browser    BrowserConfig    `mapstructure:"browser"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Ranker     RankerConfig     `mapstructure:"ranker"`
	Targets    TargetsConfig    `mapstructure:"targets"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Publisher  PublisherConfig  `mapstructure:"publisher"`
	Intake     IntakeConfig     `mapstructure:"intake"`
	Progress   ProgressConfig   `mapstructure:"progress"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port                  int `mapstructure:"port"`
	RequestTimeoutSeconds int `mapstructure:"request_timeout_seconds"`
	// WaitTimeoutSeconds bounds how long a wait=true submission holds the connection.
	WaitTimeoutSeconds int `mapstructure:"wait_timeout_seconds"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// PoolConfig sizes the session pool.
type PoolConfig struct {
	Capacity               int     `mapstructure:"capacity"`
	CreateAttempts         int     `mapstructure:"create_attempts"`
	CreateBackoffSeconds   int     `mapstructure:"create_backoff_seconds"`
	MaxBackoffSeconds      int     `mapstructure:"max_backoff_seconds"`
	OverloadBackoffSeconds int     `mapstructure:"overload_backoff_seconds"`
	RecreateQPS            float64 `mapstructure:"recreate_qps"`
}

// BrowserConfig configures the chromedp sessions.
type BrowserConfig struct {
	// RemoteURL attaches to a running grid instead of launching Chrome.
	RemoteURL           string `mapstructure:"remote_url"`
	ExecPath            string `mapstructure:"exec_path"`
	Headless            bool   `mapstructure:"headless"`
	UserAgent           string `mapstructure:"user_agent"`
	NavTimeoutSeconds   int    `mapstructure:"nav_timeout_seconds"`
	StartTimeoutSeconds int    `mapstructure:"start_timeout_seconds"`
	SettleMillis        int    `mapstructure:"settle_ms"`
}

// DispatcherConfig holds batch defaults. Zero acquire timeout or deadline
// means "same as per-item" and "none" respectively.
type DispatcherConfig struct {
	PerItemTimeoutSeconds int `mapstructure:"per_item_timeout_seconds"`
	AcquireTimeoutSeconds int `mapstructure:"acquire_timeout_seconds"`
	BatchDeadlineSeconds  int `mapstructure:"batch_deadline_seconds"`
	RetentionSeconds      int `mapstructure:"retention_seconds"`
}

// RankerConfig tunes page fetching.
type RankerConfig struct {
	MaxPageRetries     int    `mapstructure:"max_page_retries"`
	MinContentLength   int    `mapstructure:"min_content_length"`
	RetryBackoffMillis int    `mapstructure:"retry_backoff_ms"`
	SnapshotPrefix     string `mapstructure:"snapshot_prefix"`
	// SiteRPS paces visits per site across all sessions; zero disables it.
	SiteRPS   float64 `mapstructure:"site_rps"`
	SiteBurst int     `mapstructure:"site_burst"`
	// Score weights the rank metrics and maps the total onto rank labels.
	Score ScoreConfig `mapstructure:"score"`
}

// ScoreConfig holds metric weights and rank thresholds.
type ScoreConfig struct {
	PriceWeight    float64           `mapstructure:"price_weight"`
	VolumeWeight   float64           `mapstructure:"volume_weight"`
	SiteSizeWeight float64           `mapstructure:"site_size_weight"`
	Thresholds     []ThresholdConfig `mapstructure:"thresholds"`
}

// ThresholdConfig is the minimum total weight for a rank label.
type ThresholdConfig struct {
	Label string  `mapstructure:"label"`
	Value float64 `mapstructure:"value"`
}

// TargetsConfig selects how item IDs resolve to URLs: url, static or postgres.
type TargetsConfig struct {
	Source string            `mapstructure:"source"`
	Static map[string]string `mapstructure:"static"`
}

// StorageConfig selects persistence backends.
type StorageConfig struct {
	Results  string         `mapstructure:"results"`
	Batches  string         `mapstructure:"batches"`
	Blob     string         `mapstructure:"blob"`
	Postgres PostgresConfig `mapstructure:"postgres"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Local    LocalConfig    `mapstructure:"local"`
	GCS      GCSConfig      `mapstructure:"gcs"`
}

// PostgresConfig controls access to the relational database.
type PostgresConfig struct {
	DSN          string `mapstructure:"dsn"`
	MaxConns     int32  `mapstructure:"max_conns"`
	MinConns     int32  `mapstructure:"min_conns"`
	ResultsTable string `mapstructure:"results_table"`
	TargetsTable string `mapstructure:"targets_table"`
}

// SQLiteConfig points at the embedded database file.
type SQLiteConfig struct {
	Path string `mapstructure:"path"`
}

// RedisConfig locates the batch summary store.
type RedisConfig struct {
	Addr       string `mapstructure:"addr"`
	Password   string `mapstructure:"password"`
	DB         int    `mapstructure:"db"`
	Prefix     string `mapstructure:"prefix"`
	TTLSeconds int    `mapstructure:"ttl_seconds"`
}

// LocalConfig roots filesystem snapshots.
type LocalConfig struct {
	BaseDir string `mapstructure:"base_dir"`
}

// GCSConfig sets the snapshot bucket.
type GCSConfig struct {
	Bucket string `mapstructure:"bucket"`
	Prefix string `mapstructure:"prefix"`
}

// PublisherConfig selects where results are published: none, memory, pubsub or kafka.
type PublisherConfig struct {
	Kind   string             `mapstructure:"kind"`
	PubSub PubSubTopicConfig  `mapstructure:"pubsub"`
	Kafka  KafkaPublishConfig `mapstructure:"kafka"`
}

// PubSubTopicConfig holds metadata for publish-subscribe notifications.
type PubSubTopicConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicID   string `mapstructure:"topic_id"`
	// Endpoint overrides the API endpoint, e.g. for the emulator.
	Endpoint string `mapstructure:"endpoint"`
}

// KafkaPublishConfig configures the kafka writer.
type KafkaPublishConfig struct {
	Brokers            []string `mapstructure:"brokers"`
	Topic              string   `mapstructure:"topic"`
	BatchTimeoutMillis int      `mapstructure:"batch_timeout_ms"`
}

// IntakeConfig selects the inbound batch queue: memory or pubsub.
type IntakeConfig struct {
	Kind                 string             `mapstructure:"kind"`
	MaxConcurrentBatches int64              `mapstructure:"max_concurrent_batches"`
	MaxAttempts          int                `mapstructure:"max_attempts"`
	QueueSize            int                `mapstructure:"queue_size"`
	PubSub               PubSubIntakeConfig `mapstructure:"pubsub"`
}

// PubSubIntakeConfig names the subscription batches arrive on.
type PubSubIntakeConfig struct {
	ProjectID      string `mapstructure:"project_id"`
	TopicID        string `mapstructure:"topic_id"`
	SubscriptionID string `mapstructure:"subscription_id"`
	MaxOutstanding int    `mapstructure:"max_outstanding"`
	Endpoint       string `mapstructure:"endpoint"`
}

// ProgressConfig sizes the event hub.
type ProgressConfig struct {
	BufferSize         int  `mapstructure:"buffer_size"`
	MaxBatchEvents     int  `mapstructure:"max_batch_events"`
	MaxBatchWaitMillis int  `mapstructure:"max_batch_wait_ms"`
	LogEvents          bool `mapstructure:"log_events"`
}

// TelemetryConfig toggles tracing.
type TelemetryConfig struct {
	TracingEnabled bool   `mapstructure:"tracing_enabled"`
	ServiceName    string `mapstructure:"service_name"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("RANKGRID")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
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
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 60)
	v.SetDefault("server.wait_timeout_seconds", 900)
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("pool.capacity", 4)
	v.SetDefault("pool.create_attempts", 5)
	v.SetDefault("pool.create_backoff_seconds", 5)
	v.SetDefault("pool.max_backoff_seconds", 60)
	v.SetDefault("pool.overload_backoff_seconds", 45)
	v.SetDefault("pool.recreate_qps", 1.0)
	v.SetDefault("browser.remote_url", "")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.user_agent", "rankgrid/0.1")
	v.SetDefault("browser.nav_timeout_seconds", 60)
	v.SetDefault("browser.start_timeout_seconds", 30)
	v.SetDefault("browser.settle_ms", 1000)
	v.SetDefault("dispatcher.per_item_timeout_seconds", 240)
	v.SetDefault("dispatcher.acquire_timeout_seconds", 0)
	v.SetDefault("dispatcher.batch_deadline_seconds", 0)
	v.SetDefault("dispatcher.retention_seconds", 600)
	v.SetDefault("ranker.max_page_retries", 2)
	v.SetDefault("ranker.min_content_length", 50)
	v.SetDefault("ranker.retry_backoff_ms", 500)
	v.SetDefault("ranker.snapshot_prefix", "snapshots")
	v.SetDefault("ranker.site_rps", 0.0)
	v.SetDefault("ranker.site_burst", 1)
	v.SetDefault("ranker.score.price_weight", 1.0)
	v.SetDefault("ranker.score.volume_weight", 1.0)
	v.SetDefault("ranker.score.site_size_weight", 1.0)
	v.SetDefault("ranker.score.thresholds", []map[string]any{
		{"label": "A", "value": 20.0},
		{"label": "B", "value": 15.0},
		{"label": "C", "value": 10.0},
	})
	v.SetDefault("targets.source", "url")
	v.SetDefault("storage.results", "memory")
	v.SetDefault("storage.batches", "memory")
	v.SetDefault("storage.blob", "memory")
	v.SetDefault("storage.postgres.max_conns", 10)
	v.SetDefault("storage.postgres.min_conns", 1)
	v.SetDefault("storage.postgres.results_table", "rank_results")
	v.SetDefault("storage.postgres.targets_table", "rank_targets")
	v.SetDefault("storage.sqlite.path", "rankgrid.db")
	v.SetDefault("storage.redis.addr", "localhost:6379")
	v.SetDefault("storage.redis.prefix", "rankgrid:batch:")
	v.SetDefault("storage.redis.ttl_seconds", 86400)
	v.SetDefault("storage.local.base_dir", "data")
	v.SetDefault("publisher.kind", "none")
	v.SetDefault("publisher.kafka.batch_timeout_ms", 100)
	v.SetDefault("intake.kind", "memory")
	v.SetDefault("intake.max_concurrent_batches", 15)
	v.SetDefault("intake.max_attempts", 3)
	v.SetDefault("intake.queue_size", 64)
	v.SetDefault("intake.pubsub.max_outstanding", 15)
	v.SetDefault("progress.buffer_size", 4096)
	v.SetDefault("progress.max_batch_events", 1000)
	v.SetDefault("progress.max_batch_wait_ms", 500)
	v.SetDefault("progress.log_events", false)
	v.SetDefault("telemetry.tracing_enabled", false)
	v.SetDefault("telemetry.service_name", "rankgrid")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Pool.Capacity <= 0 {
		return fmt.Errorf("pool.capacity must be > 0")
	}
	if c.Dispatcher.PerItemTimeoutSeconds <= 0 {
		return fmt.Errorf("dispatcher.per_item_timeout_seconds must be > 0")
	}
	if c.Dispatcher.AcquireTimeoutSeconds < 0 || c.Dispatcher.BatchDeadlineSeconds < 0 {
		return fmt.Errorf("dispatcher timeouts must be >= 0")
	}
	if c.Ranker.SiteRPS < 0 {
		return fmt.Errorf("ranker.site_rps must be >= 0")
	}
	if sc := c.Ranker.Score; sc.PriceWeight < 0 || sc.VolumeWeight < 0 || sc.SiteSizeWeight < 0 {
		return fmt.Errorf("ranker.score weights must be >= 0")
	}
	for _, t := range c.Ranker.Score.Thresholds {
		if t.Label == "" {
			return fmt.Errorf("ranker.score.thresholds entries need a label")
		}
	}
	if err := oneOf("targets.source", c.Targets.Source, "url", "static", "postgres"); err != nil {
		return err
	}
	if c.Targets.Source == "static" && len(c.Targets.Static) == 0 {
		return fmt.Errorf("targets.static must list targets when targets.source is static")
	}
	if err := oneOf("storage.results", c.Storage.Results, "memory", "postgres", "sqlite"); err != nil {
		return err
	}
	if err := oneOf("storage.batches", c.Storage.Batches, "memory", "redis"); err != nil {
		return err
	}
	if err := oneOf("storage.blob", c.Storage.Blob, "memory", "local", "gcs"); err != nil {
		return err
	}
	if c.usesPostgres() && c.Storage.Postgres.DSN == "" {
		return fmt.Errorf("storage.postgres.dsn must be set when postgres is used")
	}
	if c.Storage.Blob == "gcs" && c.Storage.GCS.Bucket == "" {
		return fmt.Errorf("storage.gcs.bucket must be set when storage.blob is gcs")
	}
	if err := oneOf("publisher.kind", c.Publisher.Kind, "none", "memory", "pubsub", "kafka"); err != nil {
		return err
	}
	switch c.Publisher.Kind {
	case "pubsub":
		if c.Publisher.PubSub.ProjectID == "" || c.Publisher.PubSub.TopicID == "" {
			return fmt.Errorf("publisher.pubsub.project_id and topic_id must be set")
		}
	case "kafka":
		if len(c.Publisher.Kafka.Brokers) == 0 || c.Publisher.Kafka.Topic == "" {
			return fmt.Errorf("publisher.kafka.brokers and topic must be set")
		}
	}
	if err := oneOf("intake.kind", c.Intake.Kind, "memory", "pubsub"); err != nil {
		return err
	}
	if c.Intake.MaxConcurrentBatches <= 0 {
		return fmt.Errorf("intake.max_concurrent_batches must be > 0")
	}
	if c.Intake.MaxAttempts <= 0 {
		return fmt.Errorf("intake.max_attempts must be > 0")
	}
	if c.Intake.Kind == "pubsub" && (c.Intake.PubSub.ProjectID == "" || c.Intake.PubSub.SubscriptionID == "") {
		return fmt.Errorf("intake.pubsub.project_id and subscription_id must be set")
	}
	return nil
}

func (c Config) usesPostgres() bool {
	return c.Storage.Results == "postgres" || c.Targets.Source == "postgres"
}

func oneOf(key, value string, allowed ...string) error {
	for _, a := range allowed {
		if value == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s, got %q", key, strings.Join(allowed, "|"), value)
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

func millis(n int) time.Duration { return time.Duration(n) * time.Millisecond }

// RequestTimeout is the budget for non-streaming API calls.
func (c ServerConfig) RequestTimeout() time.Duration { return seconds(c.RequestTimeoutSeconds) }

// WaitTimeout bounds wait=true submissions.
func (c ServerConfig) WaitTimeout() time.Duration { return seconds(c.WaitTimeoutSeconds) }

// PerItemTimeout is the default execution budget per item.
func (c DispatcherConfig) PerItemTimeout() time.Duration { return seconds(c.PerItemTimeoutSeconds) }

// AcquireTimeout is the default session wait per item.
func (c DispatcherConfig) AcquireTimeout() time.Duration { return seconds(c.AcquireTimeoutSeconds) }

// BatchDeadline is the default wall-clock budget per batch.
func (c DispatcherConfig) BatchDeadline() time.Duration { return seconds(c.BatchDeadlineSeconds) }

// Retention is how long finished batches stay queryable in memory.
func (c DispatcherConfig) Retention() time.Duration { return seconds(c.RetentionSeconds) }

// CreateBackoff is the first pause between failed session creations.
func (c PoolConfig) CreateBackoff() time.Duration { return seconds(c.CreateBackoffSeconds) }

// MaxBackoff caps the creation backoff.
func (c PoolConfig) MaxBackoff() time.Duration { return seconds(c.MaxBackoffSeconds) }

// OverloadBackoff is the pause after the grid reports it is full.
func (c PoolConfig) OverloadBackoff() time.Duration { return seconds(c.OverloadBackoffSeconds) }

// NavTimeout bounds a single navigation.
func (c BrowserConfig) NavTimeout() time.Duration { return seconds(c.NavTimeoutSeconds) }

// StartTimeout bounds session startup.
func (c BrowserConfig) StartTimeout() time.Duration { return seconds(c.StartTimeoutSeconds) }

// SettleDelay is the pause after load before reading the DOM.
func (c BrowserConfig) SettleDelay() time.Duration { return millis(c.SettleMillis) }

// RetryBackoff is the pause between visits of one page.
func (c RankerConfig) RetryBackoff() time.Duration { return millis(c.RetryBackoffMillis) }

// TTL is how long stored summaries live in redis.
func (c RedisConfig) TTL() time.Duration { return seconds(c.TTLSeconds) }

// BatchTimeout is the kafka writer flush interval.
func (c KafkaPublishConfig) BatchTimeout() time.Duration { return millis(c.BatchTimeoutMillis) }

// MaxBatchWait is the longest the hub holds a partial batch of events.
func (c ProgressConfig) MaxBatchWait() time.Duration { return millis(c.MaxBatchWaitMillis) }
