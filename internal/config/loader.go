// Package config loads gohindcast runtime configuration.
//
// Values are layered, lowest precedence first: built-in defaults, the user
// config file, GOHINDCAST_* environment variables and runtime overrides
// (command-line flags).
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Config is the effective runtime configuration.
type Config struct {
	Logging     LoggingConfig     `mapstructure:"logging"`
	HTTP        HTTPConfig        `mapstructure:"http"`
	Run         RunConfig         `mapstructure:"run"`
	Credentials CredentialsConfig `mapstructure:"credentials"`

	// Catalog is an extra source catalog merged over the built-in one.
	Catalog string `mapstructure:"catalog"`
}

// LoggingConfig configures the CLI logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// HTTPConfig configures adapter HTTP clients.
type HTTPConfig struct {
	Timeout   time.Duration `mapstructure:"timeout"`
	UserAgent string        `mapstructure:"user_agent"`
}

// RunConfig holds defaults for manifest run settings.
type RunConfig struct {
	ProgressPercent int `mapstructure:"progress_percent"`
}

// CredentialsConfig holds secrets handed to adapters.
type CredentialsConfig struct {
	ERDDAPAPIKey      string `mapstructure:"erddap_api_key"`
	S3AccessKeyID     string `mapstructure:"s3_access_key_id"`
	S3SecretAccessKey string `mapstructure:"s3_secret_access_key"`
}

// AsMap returns the credentials keyed the way adapters look them up.
func (c CredentialsConfig) AsMap() map[string]string {
	out := map[string]string{}
	if c.ERDDAPAPIKey != "" {
		out["erddap.api_key"] = c.ERDDAPAPIKey
	}
	if c.S3AccessKeyID != "" {
		out["s3.access_key_id"] = c.S3AccessKeyID
	}
	if c.S3SecretAccessKey != "" {
		out["s3.secret_access_key"] = c.S3SecretAccessKey
	}
	return out
}

// AppIdentity names the application for paths and environment variables.
type AppIdentity struct {
	BinaryName string
	ConfigName string
	EnvPrefix  string
}

// DefaultIdentity is the gohindcast identity.
var DefaultIdentity = AppIdentity{
	BinaryName: "gohindcast",
	ConfigName: "gohindcast",
	EnvPrefix:  "GOHINDCAST_",
}

// EnvSpec maps an environment variable to a config path.
type EnvSpec struct {
	Name string
	Path string
}

var (
	configMu    sync.RWMutex
	appIdentity *AppIdentity
	appConfig   *Config
	configFile  string
)

// SetConfigFile selects an explicit config file. It must exist when set.
func SetConfigFile(path string) {
	configMu.Lock()
	defer configMu.Unlock()
	configFile = strings.TrimSpace(path)
}

// Load builds the configuration. Each overrides map is nested by config
// section ({"logging": {"level": "debug"}}) and wins over every other layer.
func Load(ctx context.Context, overrides ...map[string]any) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	configMu.Lock()
	if appIdentity == nil {
		id := DefaultIdentity
		appIdentity = &id
	}
	explicit := configFile
	configMu.Unlock()

	v := viper.New()
	setDefaults(v)

	if err := readConfigFile(v, explicit); err != nil {
		return nil, err
	}

	for _, spec := range getEnvSpecs() {
		if err := v.BindEnv(spec.Path, spec.Name); err != nil {
			return nil, fmt.Errorf("bind %s: %w", spec.Name, err)
		}
	}

	for _, o := range overrides {
		for key, value := range flatten("", o) {
			v.Set(key, value)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	configMu.Lock()
	appConfig = &cfg
	configMu.Unlock()
	return &cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	configMu.RLock()
	defer configMu.RUnlock()
	return appConfig
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var errs []error
	if c.HTTP.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("http.timeout must be positive"))
	}
	if c.Run.ProgressPercent < 1 || c.Run.ProgressPercent > 100 {
		errs = append(errs, fmt.Errorf("run.progress_percent must be between 1 and 100"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("http.timeout", "2m")
	v.SetDefault("http.user_agent", "gohindcast")
	v.SetDefault("run.progress_percent", 5)
	v.SetDefault("catalog", "")
	v.SetDefault("credentials.erddap_api_key", "")
	v.SetDefault("credentials.s3_access_key_id", "")
	v.SetDefault("credentials.s3_secret_access_key", "")
}

func readConfigFile(v *viper.Viper, explicit string) error {
	if explicit != "" {
		v.SetConfigFile(explicit)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", explicit, err)
		}
		return nil
	}
	for _, path := range getUserConfigPaths() {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
		return nil
	}
	return nil
}

// getUserConfigPaths lists candidate config files, first match wins.
func getUserConfigPaths() []string {
	configMu.RLock()
	id := appIdentity
	configMu.RUnlock()
	if id == nil {
		return []string{}
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return []string{}
	}
	base := filepath.Join(dir, id.ConfigName)
	return []string{
		filepath.Join(base, "config.yaml"),
		filepath.Join(base, "config.yml"),
		filepath.Join(base, "config.json"),
	}
}

// getEnvSpecs lists the supported environment variables.
func getEnvSpecs() []EnvSpec {
	configMu.RLock()
	id := appIdentity
	configMu.RUnlock()
	if id == nil {
		return []EnvSpec{}
	}
	p := id.EnvPrefix
	return []EnvSpec{
		{Name: p + "LOG_LEVEL", Path: "logging.level"},
		{Name: p + "LOG_FORMAT", Path: "logging.format"},
		{Name: p + "HTTP_TIMEOUT", Path: "http.timeout"},
		{Name: p + "USER_AGENT", Path: "http.user_agent"},
		{Name: p + "PROGRESS_PERCENT", Path: "run.progress_percent"},
		{Name: p + "CATALOG", Path: "catalog"},
		{Name: p + "ERDDAP_API_KEY", Path: "credentials.erddap_api_key"},
		{Name: p + "S3_ACCESS_KEY_ID", Path: "credentials.s3_access_key_id"},
		{Name: p + "S3_SECRET_ACCESS_KEY", Path: "credentials.s3_secret_access_key"},
	}
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = v
	}
	return out
}
