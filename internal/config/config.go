package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"liveclass/internal/queue"
	"liveclass/internal/recording"
	"liveclass/internal/storage"
	dbconfig "liveclass/pkg/database"
)

// EnvPrefix prefixes every environment override, e.g. LIVECLASS_HTTP_PORT.
const EnvPrefix = "LIVECLASS"

// ConfigFileEnv names the config file when no path is passed.
const ConfigFileEnv = EnvPrefix + "_CONFIG_FILE"

// Config is the whole service configuration.
// ARCHITECTURAL DISCOVERY: packages own their config structs; this layer
// only composes them and applies precedence
type Config struct {
	HTTP        HTTPConfig        `mapstructure:"http"`
	WebSocket   WebSocketConfig   `mapstructure:"websocket"`
	Database    dbconfig.Config   `mapstructure:"database"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Recording   RecordingConfig   `mapstructure:"recording"`
	Queue       queue.Config      `mapstructure:"queue"`
	Storage     storage.Config    `mapstructure:"storage"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
	Log         LogConfig         `mapstructure:"log"`
}

type HTTPConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// Addr is the listen address.
func (c HTTPConfig) Addr() string { return fmt.Sprintf("%s:%d", c.Host, c.Port) }

// WebSocketConfig tunes client connections.
// FUNCTIONAL DISCOVERY: heartbeat_interval 0 disables protocol heartbeats;
// transport pings keep running regardless
type WebSocketConfig struct {
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	PingInterval      time.Duration `mapstructure:"ping_interval"`
	ReadTimeout       time.Duration `mapstructure:"read_timeout"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout"`
	BufferSize        int           `mapstructure:"buffer_size"`
	RateLimit         int           `mapstructure:"rate_limit"`
	RateWindow        time.Duration `mapstructure:"rate_window"`
}

// CacheConfig selects the shared session cache. An empty RedisAddr keeps
// state in process memory.
type CacheConfig struct {
	RedisAddr string        `mapstructure:"redis_addr"`
	Password  string        `mapstructure:"password"`
	DB        int           `mapstructure:"db"`
	Namespace string        `mapstructure:"namespace"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// Enabled reports whether a redis server is configured.
func (c CacheConfig) Enabled() bool { return c.RedisAddr != "" }

// RelayPrefix names the pub/sub channels that carry group events between
// processes.
func (c CacheConfig) RelayPrefix() string { return c.Namespace + "_sio" }

type RecordingConfig struct {
	Enabled        bool                    `mapstructure:"enabled"`
	BaseURL        string                  `mapstructure:"base_url"`
	AppID          string                  `mapstructure:"app_id"`
	CustomerKey    string                  `mapstructure:"customer_key"`
	CustomerSecret string                  `mapstructure:"customer_secret"`
	TokenSecret    string                  `mapstructure:"token_secret"`
	TokenTTL       time.Duration           `mapstructure:"token_ttl"`
	Timeout        time.Duration           `mapstructure:"timeout"`
	QueryFailure   string                  `mapstructure:"query_failure"`
	QueryRetries   uint                    `mapstructure:"query_retries"`
	RetryInterval  time.Duration           `mapstructure:"retry_interval"`
	Parallelism    int                     `mapstructure:"parallelism"`
	Storage        recording.StorageConfig `mapstructure:"storage"`
}

// ClientConfig maps the section onto the provider client's settings.
func (c RecordingConfig) ClientConfig() recording.ClientConfig {
	return recording.ClientConfig{
		Enabled:        c.Enabled,
		BaseURL:        c.BaseURL,
		AppID:          c.AppID,
		CustomerKey:    c.CustomerKey,
		CustomerSecret: c.CustomerSecret,
		Timeout:        c.Timeout,
		Storage:        c.Storage,
	}
}

// QueryPolicy returns the configured liveness failure policy.
func (c RecordingConfig) QueryPolicy() recording.QueryPolicy {
	return recording.QueryPolicy(c.QueryFailure)
}

type MaintenanceConfig struct {
	Interval         time.Duration `mapstructure:"interval"`
	ReconcileOnStart bool          `mapstructure:"reconcile_on_start"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// ZerologLevel parses Level, defaulting to info.
func (c LogConfig) ZerologLevel() zerolog.Level {
	lvl, err := zerolog.ParseLevel(c.Level)
	if err != nil || c.Level == "" {
		return zerolog.InfoLevel
	}
	return lvl
}

// DefaultConfig returns the settings used when nothing overrides them.
func DefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		WebSocket: WebSocketConfig{
			HeartbeatInterval: 0,
			PingInterval:      30 * time.Second,
			ReadTimeout:       60 * time.Second,
			WriteTimeout:      5 * time.Second,
			BufferSize:        100,
			RateLimit:         100,
			RateWindow:        time.Minute,
		},
		Database: *dbconfig.DefaultConfig(),
		Cache: CacheConfig{
			Namespace: "tog_sess",
			TTL:       48 * time.Hour,
		},
		Recording: RecordingConfig{
			BaseURL:       recording.DefaultBaseURL,
			TokenTTL:      time.Hour,
			Timeout:       10 * time.Second,
			QueryFailure:  string(recording.QueryStop),
			QueryRetries:  3,
			RetryInterval: 500 * time.Millisecond,
			Parallelism:   4,
		},
		Queue: queue.DefaultConfig(),
		Storage: storage.Config{
			Secure:     true,
			PresignTTL: time.Hour,
		},
		Maintenance: MaintenanceConfig{
			Interval:         60 * time.Second,
			ReconcileOnStart: true,
		},
		Log: LogConfig{Level: "info"},
	}
}

// setDefaults registers every key so environment overrides reach Unmarshal
// even when no config file names them.
func setDefaults(v *viper.Viper) {
	d := DefaultConfig()
	defaults := map[string]interface{}{
		"http.host":             d.HTTP.Host,
		"http.port":             d.HTTP.Port,
		"http.read_timeout":     d.HTTP.ReadTimeout,
		"http.write_timeout":    d.HTTP.WriteTimeout,
		"http.shutdown_timeout": d.HTTP.ShutdownTimeout,

		"websocket.heartbeat_interval": d.WebSocket.HeartbeatInterval,
		"websocket.ping_interval":      d.WebSocket.PingInterval,
		"websocket.read_timeout":       d.WebSocket.ReadTimeout,
		"websocket.write_timeout":      d.WebSocket.WriteTimeout,
		"websocket.buffer_size":        d.WebSocket.BufferSize,
		"websocket.rate_limit":         d.WebSocket.RateLimit,
		"websocket.rate_window":        d.WebSocket.RateWindow,

		"database.path":               d.Database.DatabasePath,
		"database.max_connections":    d.Database.MaxConnections,
		"database.conn_max_lifetime":  d.Database.ConnMaxLifetime,
		"database.conn_max_idle_time": d.Database.ConnMaxIdleTime,
		"database.write_timeout":      d.Database.WriteTimeout,
		"database.retry_delay":        d.Database.RetryDelay,

		"cache.redis_addr": d.Cache.RedisAddr,
		"cache.password":   d.Cache.Password,
		"cache.db":         d.Cache.DB,
		"cache.namespace":  d.Cache.Namespace,
		"cache.ttl":        d.Cache.TTL,

		"recording.enabled":            d.Recording.Enabled,
		"recording.base_url":           d.Recording.BaseURL,
		"recording.app_id":             d.Recording.AppID,
		"recording.customer_key":       d.Recording.CustomerKey,
		"recording.customer_secret":    d.Recording.CustomerSecret,
		"recording.token_secret":       d.Recording.TokenSecret,
		"recording.token_ttl":          d.Recording.TokenTTL,
		"recording.timeout":            d.Recording.Timeout,
		"recording.query_failure":      d.Recording.QueryFailure,
		"recording.query_retries":      d.Recording.QueryRetries,
		"recording.retry_interval":     d.Recording.RetryInterval,
		"recording.parallelism":        d.Recording.Parallelism,
		"recording.storage.vendor":     d.Recording.Storage.Vendor,
		"recording.storage.region":     d.Recording.Storage.Region,
		"recording.storage.bucket":     d.Recording.Storage.Bucket,
		"recording.storage.access_key": d.Recording.Storage.AccessKey,
		"recording.storage.secret_key": d.Recording.Storage.SecretKey,

		"queue.amqp_url":            d.Queue.URL,
		"queue.exchange":            d.Queue.Exchange,
		"queue.kind":                d.Queue.Kind,
		"queue.copy_job_key":        d.Queue.CopyJobKey,
		"queue.copy_complete_queue": d.Queue.CopyCompleteQueue,
		"queue.copy_complete_key":   d.Queue.CopyCompleteKey,
		"queue.workers":             d.Queue.Workers,
		"queue.max_tries":           d.Queue.MaxTries,

		"storage.endpoint":    d.Storage.Endpoint,
		"storage.access_key":  d.Storage.AccessKey,
		"storage.secret_key":  d.Storage.SecretKey,
		"storage.bucket":      d.Storage.Bucket,
		"storage.secure":      d.Storage.Secure,
		"storage.presign_ttl": d.Storage.PresignTTL,

		"maintenance.interval":           d.Maintenance.Interval,
		"maintenance.reconcile_on_start": d.Maintenance.ReconcileOnStart,

		"log.level":  d.Log.Level,
		"log.pretty": d.Log.Pretty,
	}
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
}

// Load builds the configuration. Precedence: defaults, then the config
// file (path, or $LIVECLASS_CONFIG_FILE when path is empty), then
// LIVECLASS_* environment variables.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv(ConfigFileEnv)
	}
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
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate rejects settings the service cannot run with.
func (c *Config) Validate() error {
	var errs []error
	check := func(ok bool, msg string) {
		if !ok {
			errs = append(errs, errors.New(msg))
		}
	}

	check(c.HTTP.Host != "", "http host cannot be empty")
	check(c.HTTP.Port > 0 && c.HTTP.Port <= 65535, "http port must be between 1 and 65535")
	check(c.HTTP.ReadTimeout > 0, "http read timeout must be positive")
	check(c.HTTP.WriteTimeout > 0, "http write timeout must be positive")

	check(c.WebSocket.HeartbeatInterval >= 0, "websocket heartbeat interval cannot be negative")
	check(c.WebSocket.PingInterval > 0, "websocket ping interval must be positive")
	check(c.WebSocket.ReadTimeout > c.WebSocket.PingInterval, "websocket read timeout must exceed the ping interval")
	check(c.WebSocket.WriteTimeout > 0, "websocket write timeout must be positive")
	check(c.WebSocket.BufferSize > 0, "websocket buffer size must be positive")
	check(c.WebSocket.RateLimit >= 0, "websocket rate limit cannot be negative")

	if err := c.Database.Validate(); err != nil {
		errs = append(errs, err)
	}

	check(c.Cache.Namespace != "", "cache namespace cannot be empty")

	policy := c.Recording.QueryPolicy()
	check(policy == recording.QueryStop || policy == recording.QueryRetry, "recording query_failure must be stop or retry")
	if c.Recording.Enabled {
		check(c.Recording.AppID != "", "recording app_id is required when recording is enabled")
		check(c.Recording.CustomerKey != "" && c.Recording.CustomerSecret != "", "recording customer credentials are required when recording is enabled")
	}
	if c.Queue.Enabled() {
		check(c.Recording.TokenSecret != "", "recording token_secret is required to sign copy jobs")
		check(c.Queue.Exchange != "", "queue exchange cannot be empty")
		check(c.Queue.Workers > 0, "queue workers must be positive")
	}
	if c.Storage.Enabled() {
		check(c.Storage.Bucket != "", "storage bucket is required when storage is enabled")
	}

	check(c.Maintenance.Interval > 0, "maintenance interval must be positive")
	if c.Log.Level != "" {
		_, err := zerolog.ParseLevel(c.Log.Level)
		check(err == nil, "log level is not recognised")
	}

	return errors.Join(errs...)
}
