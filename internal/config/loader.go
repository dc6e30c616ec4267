package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
)

// Options controls a Load.
type Options struct {
	// ConfigFile is an explicit config path. When empty, stanwasm.yaml is
	// searched for in . and $XDG_CONFIG_HOME/stanwasm; a missing file is fine.
	ConfigFile string

	// Overrides take precedence over every other source. Keys may be dotted
	// ("server.port") or nested maps.
	Overrides map[string]any
}

// envAliases are extra variable names accepted per key, after the
// STANWASM_ form. The SWS_ names are those of the earlier Python service.
var envAliases = map[string][]string{
	"server.host":   {EnvPrefix + "_HOST"},
	"server.port":   {EnvPrefix + "_PORT"},
	"logging.level": {EnvPrefix + "_LOG_LEVEL"},
	"auth.passcode": {"SWS_PASSCODE"},
	"jobs.dir":      {"SWS_JOB_DIR"},
	"cache.dir":     {"SWS_BUILT_MODEL_DIR"},
	"toolchain.dir": {EnvPrefix + "_TINYSTAN", EnvPrefix + "_TINYSTAN_DIR", "SWS_TINYSTAN", "SWS_TINYSTAN_DIR", "TINYSTAN_DIR"},
}

var (
	mu      sync.RWMutex
	current *Config
)

// Load resolves the configuration and records it for GetConfig.
func Load(ctx context.Context, opts Options) (*Config, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, aliases := range envAliases {
		names := append([]string{envName(key)}, aliases...)
		if err := v.BindEnv(append([]string{key}, names...)...); err != nil {
			return nil, fmt.Errorf("bind env for %s: %w", key, err)
		}
	}

	if err := readConfigFile(v, opts.ConfigFile); err != nil {
		return nil, err
	}

	// File-level aliases rank below the canonical key and the environment.
	for _, alias := range []string{"tinystan", "tinystan_dir"} {
		if v.InConfig(alias) {
			v.SetDefault("toolchain.dir", v.GetString(alias))
		}
	}

	for key, value := range flatten("", opts.Overrides) {
		v.Set(key, value)
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("decode configuration: %w", err)
	}
	cfg.normalize()

	mu.Lock()
	current = &cfg
	mu.Unlock()
	return &cfg, nil
}

// GetConfig returns the most recently loaded configuration, or nil.
func GetConfig() *Config {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// SetDefaults registers Defaults on v.
func SetDefaults(v *viper.Viper) {
	for key, value := range Defaults {
		v.SetDefault(key, value)
	}
}

// EnvNames lists the primary environment variable for every key.
func EnvNames() map[string]string {
	out := make(map[string]string, len(Defaults))
	for key := range Defaults {
		out[key] = envName(key)
	}
	return out
}

func envName(key string) string {
	return EnvPrefix + "_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
}

func readConfigFile(v *viper.Viper, path string) error {
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config file %s: %w", path, err)
		}
		return nil
	}

	v.SetConfigName(ConfigName)
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if dir, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(dir, ConfigName))
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("read config file: %w", err)
	}
	return nil
}

func flatten(prefix string, m map[string]any) map[string]any {
	out := make(map[string]any)
	for k, val := range m {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := val.(map[string]any); ok {
			for nk, nv := range flatten(key, nested) {
				out[nk] = nv
			}
			continue
		}
		out[key] = val
	}
	return out
}

func (c *Config) normalize() {
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	c.Logging.Profile = strings.ToLower(strings.TrimSpace(c.Logging.Profile))
	c.Toolchain.Dir = strings.TrimSpace(c.Toolchain.Dir)
	if c.Toolchain.Dir != "" {
		if abs, err := filepath.Abs(c.Toolchain.Dir); err == nil {
			c.Toolchain.Dir = abs
		}
	}
	origins := make([]string, 0, len(c.Server.AllowedOrigins))
	for _, o := range c.Server.AllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	c.Server.AllowedOrigins = origins
}
