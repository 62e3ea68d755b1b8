package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the full configuration surface for the application.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	Postgres   PostgresConfig   `mapstructure:"postgres"`
	Scylla     ScyllaConfig     `mapstructure:"scylla"`
	Kafka      KafkaConfig      `mapstructure:"kafka"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Retry      RetryConfig      `mapstructure:"retry"`
	Throttle   ThrottleConfig   `mapstructure:"throttle"`
	CallBridge CallBridgeConfig `mapstructure:"call_bridge"`
	Ledger     LedgerConfig     `mapstructure:"ledger"`
}

type AppConfig struct {
	Name    string `mapstructure:"name"`
	Env     string `mapstructure:"env"`
	Version string `mapstructure:"version"`
}

type HTTPConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

type PostgresConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

type ScyllaConfig struct {
	Hosts             []string      `mapstructure:"hosts"`
	Port              int           `mapstructure:"port"`
	Keyspace          string        `mapstructure:"keyspace"`
	Consistency       string        `mapstructure:"consistency"`
	Timeout           time.Duration `mapstructure:"timeout"`
	DisableInitSchema bool          `mapstructure:"disable_init_schema"`
}

type KafkaConfig struct {
	Brokers             []string      `mapstructure:"brokers"`
	ClientID            string        `mapstructure:"client_id"`
	CallTopic           string        `mapstructure:"call_topic"`
	OutcomeTopic        string        `mapstructure:"outcome_topic"`
	WakeTopic           string        `mapstructure:"wake_topic"`
	ConsumerGroupID     string        `mapstructure:"consumer_group_id"`
	WakeConsumerGroupID string        `mapstructure:"wake_consumer_group_id"`
	CommitInterval      time.Duration `mapstructure:"commit_interval"`
	Partitions          int           `mapstructure:"partitions"`
}

type RedisConfig struct {
	Address      string        `mapstructure:"address"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	MaxRetries   int           `mapstructure:"max_retries"`
}

type TelemetryConfig struct {
	Endpoint        string        `mapstructure:"endpoint"`
	ServiceName     string        `mapstructure:"service_name"`
	SampleRatio     float64       `mapstructure:"sample_ratio"`
	TracingEnabled  bool          `mapstructure:"tracing_enabled"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// SchedulerConfig tunes the dispatcher loop.
type SchedulerConfig struct {
	TickInterval      time.Duration `mapstructure:"tick_interval"`
	MinIdle           time.Duration `mapstructure:"min_idle"`
	MaxBatchSize      int           `mapstructure:"max_batch_size"`
	ScanLimit         int           `mapstructure:"scan_limit"`
	InitiationBackoff time.Duration `mapstructure:"initiation_backoff"`
	MaxInfraRetries   int           `mapstructure:"max_infra_retries"`
	ClaimTimeout      time.Duration `mapstructure:"claim_timeout"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
}

// RetryConfig is the Simple policy applied to direct calls.
type RetryConfig struct {
	MaxRetries int           `mapstructure:"max_retries"`
	Interval   time.Duration `mapstructure:"interval"`
}

type ThrottleConfig struct {
	SystemConcurrency int `mapstructure:"system_concurrency"`
	DefaultPerUser    int `mapstructure:"default_per_user"`
}

type CallBridgeConfig struct {
	ProviderName          string        `mapstructure:"provider_name"`
	RequestTimeout        time.Duration `mapstructure:"request_timeout"`
	WorkerConcurrency     int           `mapstructure:"worker_concurrency"`
	InitiationFailureRate float64       `mapstructure:"initiation_failure_rate"`
}

type LedgerConfig struct {
	Backend   string `mapstructure:"backend"`
	KeyPrefix string `mapstructure:"key_prefix"`
}

// Load reads configuration from file and environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	v.SetEnvPrefix("DISPATCHER")
	v.SetEnvKeyReplacer(NewEnvReplacer())
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: failed to read config file: %w", err)
	}

	cfg := new(Config)
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: failed to unmarshal config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("scheduler.tick_interval", 30*time.Second)
	v.SetDefault("scheduler.min_idle", 250*time.Millisecond)
	v.SetDefault("scheduler.max_batch_size", 50)
	v.SetDefault("scheduler.scan_limit", 500)
	v.SetDefault("scheduler.initiation_backoff", 30*time.Second)
	v.SetDefault("scheduler.max_infra_retries", 5)
	v.SetDefault("scheduler.claim_timeout", 30*time.Minute)
	v.SetDefault("scheduler.reconcile_interval", 5*time.Minute)
	v.SetDefault("throttle.system_concurrency", 100)
	v.SetDefault("throttle.default_per_user", 5)
	v.SetDefault("retry.max_retries", 0)
	v.SetDefault("retry.interval", 30*time.Minute)
	v.SetDefault("ledger.backend", "redis")
	v.SetDefault("ledger.key_prefix", "dispatcher:ledger")
	v.SetDefault("kafka.partitions", 12)
	v.SetDefault("call_bridge.worker_concurrency", 32)
}

// NewEnvReplacer standardizes environment variable names.
func NewEnvReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_", "-", "_")
}
