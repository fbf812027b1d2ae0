package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the complete application configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Device      DeviceConfig      `mapstructure:"device"`
	Session     SessionConfig     `mapstructure:"session"`
	Push        PushConfig        `mapstructure:"push"`
	Heartbeat   HeartbeatConfig   `mapstructure:"heartbeat"`
	Enforcement EnforcementConfig `mapstructure:"enforcement"`
	Notify      NotifyConfig      `mapstructure:"notify"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Retention   RetentionConfig   `mapstructure:"retention"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	StatusAPI   StatusAPIConfig   `mapstructure:"status_api"`
}

// ServerConfig defines the billing server endpoints
type ServerConfig struct {
	APIURL string `mapstructure:"api_url"` // e.g. http://billing.local:3000/api
	WSURL  string `mapstructure:"ws_url"`  // e.g. ws://billing.local:3000/ws
}

// DeviceConfig identifies this station
type DeviceConfig struct {
	ID       string `mapstructure:"id"`
	Prefix   string `mapstructure:"prefix"`
	Name     string `mapstructure:"name"`
	Location string `mapstructure:"location"`
}

// SessionConfig defines countdown and reconciliation settings
type SessionConfig struct {
	TickInterval         string `mapstructure:"tick_interval"`
	WarningThresholds    []int  `mapstructure:"warning_thresholds"` // seconds
	DriftTolerance       string `mapstructure:"drift_tolerance"`
	AbsenceConfirmations int    `mapstructure:"absence_confirmations"`
	TopUpGrace           string `mapstructure:"top_up_grace"`
	DedupWindow          string `mapstructure:"dedup_window"`
	DedupCacheSize       int    `mapstructure:"dedup_cache_size"`
	PollFastInterval     string `mapstructure:"poll_fast_interval"` // while no session is trusted
	PollSlowInterval     string `mapstructure:"poll_slow_interval"` // while active
	PollTimeout          string `mapstructure:"poll_timeout"`
}

// PushConfig defines push channel reconnect behaviour
type PushConfig struct {
	Enabled           bool   `mapstructure:"enabled"`
	AppVersion        string `mapstructure:"app_version"`
	DeviceType        string `mapstructure:"device_type"`
	ReconnectDelay    string `mapstructure:"reconnect_delay"`
	ReconnectMaxDelay string `mapstructure:"reconnect_max_delay"`
	ReconnectAttempts uint   `mapstructure:"reconnect_attempts"`
	HandshakeTimeout  string `mapstructure:"handshake_timeout"`
}

// HeartbeatConfig defines station liveness reporting
type HeartbeatConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Interval string `mapstructure:"interval"`
}

// EnforcementConfig defines lockdown commands and timing
type EnforcementConfig struct {
	RetryInterval    string   `mapstructure:"retry_interval"`
	MonitorInterval  string   `mapstructure:"monitor_interval"`
	CommandTimeout   string   `mapstructure:"command_timeout"`
	LockdownOn       []string `mapstructure:"lockdown_on"`
	LockdownOff      []string `mapstructure:"lockdown_off"`
	ForegroundReturn []string `mapstructure:"foreground_return"`
	ForegroundProbe  []string `mapstructure:"foreground_probe"`
}

// NotifyConfig defines notification throttling and delivery
type NotifyConfig struct {
	Throttle        string   `mapstructure:"throttle"`
	DuplicateWindow string   `mapstructure:"duplicate_window"`
	Command         []string `mapstructure:"command"` // empty logs notifications instead
	CommandTimeout  string   `mapstructure:"command_timeout"`
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Path  string      `mapstructure:"path"`
	Type  string      `mapstructure:"type"` // bolt, redis or none
	Redis RedisConfig `mapstructure:"redis"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout"`
	KeyPrefix    string `mapstructure:"key_prefix"`
	RecordTTL    string `mapstructure:"record_ttl"` // expiry for ended records, empty keeps them
}

// RetentionConfig defines journal cleanup
type RetentionConfig struct {
	Days        int    `mapstructure:"days"`
	CleanupTime string `mapstructure:"cleanup_time"` // HH:MM local time
	BufferSize  int    `mapstructure:"buffer_size"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig defines the Prometheus endpoint
type MetricsConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	BindAddress string `mapstructure:"bind_address"`
	Port        int    `mapstructure:"port"`
}

// StatusAPIConfig defines the local read-only status endpoint
type StatusAPIConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	BindAddress string `mapstructure:"bind_address"`
	Port        int    `mapstructure:"port"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Configure viper
	v.SetConfigFile(configPath)
	v.SetEnvPrefix("KBILLING")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	// Unmarshal config
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// Validate config
	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.api_url", "http://localhost:3000/api")
	v.SetDefault("server.ws_url", "ws://localhost:3000/ws")

	// Device defaults (id has no usable default but must be known to viper
	// for KBILLING_DEVICE_ID to apply)
	v.SetDefault("device.id", "")
	v.SetDefault("device.prefix", "ATV_")
	v.SetDefault("device.name", "")
	v.SetDefault("device.location", "")

	// Session defaults
	v.SetDefault("session.tick_interval", "1s")
	v.SetDefault("session.warning_thresholds", []int{300, 60})
	v.SetDefault("session.drift_tolerance", "60s")
	v.SetDefault("session.absence_confirmations", 2)
	v.SetDefault("session.top_up_grace", "5s")
	v.SetDefault("session.dedup_window", "2s")
	v.SetDefault("session.dedup_cache_size", 256)
	v.SetDefault("session.poll_fast_interval", "5s")
	v.SetDefault("session.poll_slow_interval", "30s")
	v.SetDefault("session.poll_timeout", "10s")

	// Push defaults
	v.SetDefault("push.enabled", true)
	v.SetDefault("push.app_version", "1.0.0")
	v.SetDefault("push.device_type", "android_tv")
	v.SetDefault("push.reconnect_delay", "1s")
	v.SetDefault("push.reconnect_max_delay", "30s")
	v.SetDefault("push.reconnect_attempts", 10)
	v.SetDefault("push.handshake_timeout", "10s")

	// Heartbeat defaults
	v.SetDefault("heartbeat.enabled", true)
	v.SetDefault("heartbeat.interval", "30s")

	// Enforcement defaults
	v.SetDefault("enforcement.retry_interval", "500ms")
	v.SetDefault("enforcement.monitor_interval", "5s")
	v.SetDefault("enforcement.command_timeout", "5s")
	v.SetDefault("enforcement.lockdown_on", []string{})
	v.SetDefault("enforcement.lockdown_off", []string{})
	v.SetDefault("enforcement.foreground_return", []string{})
	v.SetDefault("enforcement.foreground_probe", []string{})

	// Notify defaults
	v.SetDefault("notify.throttle", "5s")
	v.SetDefault("notify.duplicate_window", "10s")
	v.SetDefault("notify.command", []string{})
	v.SetDefault("notify.command_timeout", "5s")

	// Storage defaults
	v.SetDefault("storage.path", "/var/lib/kbilling/kbilling.bolt")
	v.SetDefault("storage.type", "bolt")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.password", "")
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 2)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")
	v.SetDefault("storage.redis.key_prefix", "kbilling")
	v.SetDefault("storage.redis.record_ttl", "")

	// Retention defaults
	v.SetDefault("retention.days", 90)
	v.SetDefault("retention.cleanup_time", "03:00")
	v.SetDefault("retention.buffer_size", 64)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.bind_address", "127.0.0.1")
	v.SetDefault("metrics.port", 9090)

	// Status API defaults
	v.SetDefault("status_api.enabled", true)
	v.SetDefault("status_api.bind_address", "127.0.0.1")
	v.SetDefault("status_api.port", 8099)
}

// validate validates the configuration
func validate(cfg *Config) error {
	// Validate required fields
	if strings.TrimSpace(cfg.Device.ID) == "" {
		return fmt.Errorf("device id is required")
	}
	if cfg.Server.APIURL == "" {
		return fmt.Errorf("server api_url is required")
	}
	if cfg.Push.Enabled && cfg.Server.WSURL == "" {
		return fmt.Errorf("server ws_url is required when push is enabled")
	}

	for _, t := range cfg.Session.WarningThresholds {
		if t <= 0 {
			return fmt.Errorf("invalid warning threshold: %d", t)
		}
	}
	if cfg.Session.AbsenceConfirmations < 1 {
		return fmt.Errorf("absence_confirmations must be at least 1")
	}

	durations := map[string]string{
		"session.tick_interval":        cfg.Session.TickInterval,
		"session.drift_tolerance":      cfg.Session.DriftTolerance,
		"session.poll_fast_interval":   cfg.Session.PollFastInterval,
		"session.poll_slow_interval":   cfg.Session.PollSlowInterval,
		"session.poll_timeout":         cfg.Session.PollTimeout,
		"session.top_up_grace":         cfg.Session.TopUpGrace,
		"session.dedup_window":         cfg.Session.DedupWindow,
		"push.reconnect_delay":         cfg.Push.ReconnectDelay,
		"push.reconnect_max_delay":     cfg.Push.ReconnectMaxDelay,
		"push.handshake_timeout":       cfg.Push.HandshakeTimeout,
		"notify.throttle":              cfg.Notify.Throttle,
		"notify.duplicate_window":      cfg.Notify.DuplicateWindow,
		"notify.command_timeout":       cfg.Notify.CommandTimeout,
		"enforcement.retry_interval":   cfg.Enforcement.RetryInterval,
		"enforcement.monitor_interval": cfg.Enforcement.MonitorInterval,
		"enforcement.command_timeout":  cfg.Enforcement.CommandTimeout,
		"heartbeat.interval":           cfg.Heartbeat.Interval,
		"storage.redis.dial_timeout":   cfg.Storage.Redis.DialTimeout,
		"storage.redis.read_timeout":   cfg.Storage.Redis.ReadTimeout,
		"storage.redis.write_timeout":  cfg.Storage.Redis.WriteTimeout,
		"storage.redis.record_ttl":     cfg.Storage.Redis.RecordTTL,
	}
	for key, value := range durations {
		if value == "" {
			continue
		}
		if _, err := time.ParseDuration(value); err != nil {
			return fmt.Errorf("invalid %s %q: %w", key, value, err)
		}
	}

	if cfg.Metrics.Enabled && (cfg.Metrics.Port <= 0 || cfg.Metrics.Port > 65535) {
		return fmt.Errorf("invalid metrics port: %d", cfg.Metrics.Port)
	}
	if cfg.StatusAPI.Enabled && (cfg.StatusAPI.Port <= 0 || cfg.StatusAPI.Port > 65535) {
		return fmt.Errorf("invalid status API port: %d", cfg.StatusAPI.Port)
	}

	if _, err := time.Parse("15:04", cfg.Retention.CleanupTime); err != nil {
		return fmt.Errorf("invalid retention cleanup_time %q: %w", cfg.Retention.CleanupTime, err)
	}

	if cfg.Storage.Type == "" {
		cfg.Storage.Type = "bolt"
	}

	switch cfg.Storage.Type {
	case "bolt":
		// Validate storage path
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage path is required")
		}

		// Ensure storage directory exists
		storageDir := filepath.Dir(cfg.Storage.Path)
		if err := os.MkdirAll(storageDir, 0755); err != nil {
			return fmt.Errorf("failed to create storage directory: %w", err)
		}
	case "redis":
		if cfg.Storage.Redis.Host == "" {
			return fmt.Errorf("redis host is required")
		}
	case "none":
	default:
		return fmt.Errorf("unknown storage type: %s", cfg.Storage.Type)
	}

	return nil
}

// Defaults returns the configuration with every default applied and nothing
// else. It is not validated.
func Defaults() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// UnknownKeys lists keys in the config file that no setting reads.
func UnknownKeys(configPath string) ([]string, error) {
	file := viper.New()
	file.SetConfigFile(configPath)
	if err := file.ReadInConfig(); err != nil {
		return nil, err
	}

	known := viper.New()
	setDefaults(known)
	valid := make(map[string]bool)
	for _, key := range known.AllKeys() {
		valid[key] = true
	}

	unknown := []string{}
	for _, key := range file.AllKeys() {
		if !valid[key] {
			unknown = append(unknown, key)
		}
	}
	sort.Strings(unknown)
	return unknown, nil
}

// ParseDuration parses a duration string, returning fallback when it is empty
// or malformed.
func ParseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}
