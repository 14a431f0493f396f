package config

import (
	"time"
)

type Config struct {
	Store     StoreConfig     `mapstructure:"store"`
	Network   NetworkConfig   `mapstructure:"network"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Sync      SyncConfig      `mapstructure:"sync"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Server    ServerConfig    `mapstructure:"server"`
	Authority AuthorityConfig `mapstructure:"authority"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type StoreConfig struct {
	DataDir string `mapstructure:"data_dir" validate:"required"`
	// InMemory keeps the key/value store in memory. Tests only.
	InMemory           bool                `mapstructure:"in_memory"`
	EncryptFields      map[string][]string `mapstructure:"encrypt_fields"`
	SelectCacheEntries int                 `mapstructure:"select_cache_entries" validate:"gte=0"`
	SelectCacheTTL     time.Duration       `mapstructure:"select_cache_ttl" validate:"gte=0"`
	KVGCInterval       time.Duration       `mapstructure:"kv_gc_interval" validate:"gte=0"`
}

type NetworkConfig struct {
	ProbeURL      string        `mapstructure:"probe_url" validate:"required,url"`
	BandwidthURL  string        `mapstructure:"bandwidth_url" validate:"omitempty,url"`
	ProbeTimeout  time.Duration `mapstructure:"probe_timeout" validate:"gt=0"`
	ProbeCacheTTL time.Duration `mapstructure:"probe_cache_ttl" validate:"gt=0"`
	SlowLatency   time.Duration `mapstructure:"slow_latency" validate:"gt=0"`
}

type QueueConfig struct {
	CacheMaxEntries     int           `mapstructure:"cache_max_entries" validate:"gt=0"`
	CacheQuotaBytes     int64         `mapstructure:"cache_quota_bytes" validate:"gt=0"`
	QuotaWarnRatio      float64       `mapstructure:"quota_warn_ratio" validate:"gt=0,lte=1"`
	DefaultCacheTTL     time.Duration `mapstructure:"default_cache_ttl" validate:"gte=0"`
	DeadLetterRetention time.Duration `mapstructure:"dead_letter_retention" validate:"gt=0"`
}

type SyncConfig struct {
	AuthorityURL           string        `mapstructure:"authority_url" validate:"omitempty,url"`
	RequestTimeout         time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
	BatchSize              int           `mapstructure:"batch_size" validate:"gte=1,lte=1000"`
	MaxRetries             int           `mapstructure:"max_retries" validate:"gte=0,lte=20"`
	RetryDelay             time.Duration `mapstructure:"retry_delay" validate:"gt=0"`
	MaxRetryDelay          time.Duration `mapstructure:"max_retry_delay" validate:"gt=0"`
	ConflictStrategy       string        `mapstructure:"conflict_strategy" validate:"oneof=last_write_wins manual"`
	BackgroundSync         bool          `mapstructure:"background_sync"`
	SyncOnConnect          bool          `mapstructure:"sync_on_connect"`
	SyncOnForeground       bool          `mapstructure:"sync_on_foreground"`
	MinSyncInterval        time.Duration `mapstructure:"min_sync_interval" validate:"gte=0"`
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures" validate:"gte=1"`
	LifecycleDebounce      time.Duration `mapstructure:"lifecycle_debounce" validate:"gte=0"`
}

type SchedulerConfig struct {
	AutoSync            bool          `mapstructure:"auto_sync"`
	MaintenanceInterval time.Duration `mapstructure:"maintenance_interval" validate:"gt=0"`
}

type ServerConfig struct {
	Enabled      bool     `mapstructure:"enabled"`
	Port         int      `mapstructure:"port" validate:"gte=0,lte=65535"`
	Host         string   `mapstructure:"host"`
	AuthToken    string   `mapstructure:"auth_token"`
	ReadTimeout  string   `mapstructure:"read_timeout"`
	WriteTimeout string   `mapstructure:"write_timeout"`
	CorsOrigins  []string `mapstructure:"cors_origins"`
}

func (s ServerConfig) GetReadTimeout() time.Duration {
	d, _ := time.ParseDuration(s.ReadTimeout)
	return d
}

func (s ServerConfig) GetWriteTimeout() time.Duration {
	d, _ := time.ParseDuration(s.WriteTimeout)
	return d
}

// AuthorityConfig configures the reference remote authority server.
type AuthorityConfig struct {
	Driver   string             `mapstructure:"driver" validate:"oneof=mysql sqlite"`
	Database DatabaseConnection `mapstructure:"database"`
	FilePath string             `mapstructure:"file_path"` // For SQLite
	Server   ServerConfig       `mapstructure:"server"`
}

type DatabaseConnection struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
}

type LoggingConfig struct {
	Level      string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	Format     string `mapstructure:"format" validate:"omitempty,oneof=json console"`
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `mapstructure:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `mapstructure:"max_age_days" validate:"gte=0"`
}

// Conflict strategies accepted by SyncConfig.ConflictStrategy.
const (
	StrategyLastWriteWins = "last_write_wins"
	StrategyManual        = "manual"
)

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Store: StoreConfig{
			DataDir:            "./data",
			SelectCacheEntries: 500,
			SelectCacheTTL:     5 * time.Minute,
			KVGCInterval:       5 * time.Minute,
		},
		Network: NetworkConfig{
			ProbeURL:      "https://clients3.google.com/generate_204",
			ProbeTimeout:  10 * time.Second,
			ProbeCacheTTL: 30 * time.Second,
			SlowLatency:   1500 * time.Millisecond,
		},
		Queue: QueueConfig{
			CacheMaxEntries:     1000,
			CacheQuotaBytes:     50 << 20,
			QuotaWarnRatio:      0.8,
			DefaultCacheTTL:     24 * time.Hour,
			DeadLetterRetention: 7 * 24 * time.Hour,
		},
		Sync: SyncConfig{
			RequestTimeout:         30 * time.Second,
			BatchSize:              50,
			MaxRetries:             3,
			RetryDelay:             time.Second,
			MaxRetryDelay:          5 * time.Minute,
			ConflictStrategy:       StrategyLastWriteWins,
			BackgroundSync:         true,
			SyncOnConnect:          true,
			SyncOnForeground:       true,
			MinSyncInterval:        60 * time.Second,
			MaxConsecutiveFailures: 3,
			LifecycleDebounce:      2 * time.Second,
		},
		Scheduler: SchedulerConfig{
			AutoSync:            true,
			MaintenanceInterval: 30 * time.Minute,
		},
		Server: ServerConfig{
			Host:         "127.0.0.1",
			Port:         8089,
			ReadTimeout:  "10s",
			WriteTimeout: "10s",
		},
		Authority: AuthorityConfig{
			Driver:   "sqlite",
			FilePath: "./data/authority.db",
			Server: ServerConfig{
				Host:         "0.0.0.0",
				Port:         8080,
				ReadTimeout:  "15s",
				WriteTimeout: "15s",
			},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 14,
		},
	}
}
