package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"offline-sync-core/internal/apperr"
)

const envPrefix = "OFFLINE"

var validate = validator.New()

// envKeys are the keys operators commonly override from the environment.
// viper only binds environment variables for keys it already knows about.
var envKeys = []string{
	"store.data_dir",
	"network.probe_url",
	"sync.authority_url",
	"sync.conflict_strategy",
	"logging.level",
	"logging.format",
	"logging.file",
	"authority.driver",
	"authority.file_path",
	"authority.database.host",
	"authority.database.port",
	"authority.database.user",
	"authority.database.password",
	"authority.database.database",
	"authority.server.port",
	"authority.server.auth_token",
	"server.auth_token",
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, k := range envKeys {
		_ = v.BindEnv(k)
	}
	return v
}

// LoadConfig reads path (yaml, json or toml by extension) on top of Default()
// and validates the result. An empty path loads defaults plus environment.
func LoadConfig(path string) (*Config, error) {
	v := newViper()
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}
	return decode(v)
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := Default()
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct constraints and cross-field rules. Failures are
// reported as *apperr.ConfigurationError.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return &apperr.ConfigurationError{
				Field:  fe.Namespace(),
				Reason: fmt.Sprintf("failed %q constraint (value %v)", fe.Tag(), fe.Value()),
			}
		}
		return &apperr.ConfigurationError{Reason: err.Error()}
	}
	if c.Sync.MaxRetryDelay < c.Sync.RetryDelay {
		return &apperr.ConfigurationError{Field: "Config.Sync.MaxRetryDelay", Reason: "must not be below retry_delay"}
	}
	if c.Network.ProbeTimeout > c.Network.ProbeCacheTTL*10 {
		return &apperr.ConfigurationError{Field: "Config.Network.ProbeTimeout", Reason: "unreasonably large compared to probe_cache_ttl"}
	}
	return nil
}

// Watch reloads path whenever it changes on disk and hands the decoded
// result (or the decode/validation error) to onChange.
func Watch(path string, onChange func(*Config, error)) error {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("failed to read config %s: %w", path, err)
	}
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		onChange(decode(v))
	})
	v.WatchConfig()
	return nil
}
