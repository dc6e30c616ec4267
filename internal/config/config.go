// Package config loads service configuration from defaults, an optional
// config file, STANWASM_ environment variables, and runtime overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/3leaps/stanwasm/pkg/toolchain"
)

// EnvPrefix is prepended to every environment variable.
const EnvPrefix = "STANWASM"

// ConfigName is the config file base name searched for when none is given.
const ConfigName = "stanwasm"

// Config is the effective configuration.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Jobs      JobsConfig      `mapstructure:"jobs"`
	Cache     CacheConfig     `mapstructure:"cache"`
	Toolchain ToolchainConfig `mapstructure:"toolchain"`
}

type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	AllowedOrigins  []string      `mapstructure:"allowed_origins"`

	// CompileRate is the sustained compile-route rate per second; 0 disables limiting.
	CompileRate  float64 `mapstructure:"compile_rate"`
	CompileBurst int     `mapstructure:"compile_burst"`
}

type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Profile string `mapstructure:"profile"`
}

type AuthConfig struct {
	// Passcode is the bearer token required on compile routes.
	Passcode string `mapstructure:"passcode"`

	// RestartToken enables POST /restart when set.
	RestartToken string `mapstructure:"restart_token"`
}

type JobsConfig struct {
	Dir    string        `mapstructure:"dir"`
	MaxAge time.Duration `mapstructure:"max_age"`
}

type CacheConfig struct {
	Dir          string        `mapstructure:"dir"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

type ToolchainConfig struct {
	Dir     string        `mapstructure:"dir"`
	Command string        `mapstructure:"command"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// DefaultAllowedOrigins are the browser origins of the hosted playground.
var DefaultAllowedOrigins = []string{
	"https://stan-playground.flatironinstitute.org",
	"https://stan-playground.vercel.app",
	"http://127.0.0.1:3000",
	"http://localhost:3000",
	"http://127.0.0.1:5173",
	"http://localhost:5173",
	"http://127.0.0.1:4173",
	"http://localhost:4173",
}

// Defaults are registered before any other source is read.
var Defaults = map[string]any{
	"server.host":             "localhost",
	"server.port":             8080,
	"server.read_timeout":     "30s",
	"server.write_timeout":    "10m",
	"server.idle_timeout":     "120s",
	"server.shutdown_timeout": "10s",
	"server.allowed_origins":  DefaultAllowedOrigins,
	"server.compile_rate":     2.0,
	"server.compile_burst":    8,
	"logging.level":           "info",
	"logging.profile":         "structured",
	"auth.passcode":           "",
	"auth.restart_token":      "",
	"jobs.dir":                "/jobs",
	"jobs.max_age":            "24h",
	"cache.dir":               "/compiled_models",
	"cache.poll_interval":     "1s",
	"toolchain.dir":           "",
	"toolchain.command":       toolchain.DefaultCommand,
	"toolchain.timeout":       "5m",
}

// Validate checks the configuration, including the toolchain installation.
// The passcode is checked separately by ValidateServe.
func (c *Config) Validate() error {
	var problems []string
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	if c.Server.CompileRate < 0 {
		problems = append(problems, "server.compile_rate must be >= 0")
	}
	if c.Server.CompileRate > 0 && c.Server.CompileBurst < 1 {
		problems = append(problems, "server.compile_burst must be >= 1 when rate limiting is enabled")
	}
	if strings.TrimSpace(c.Jobs.Dir) == "" {
		problems = append(problems, "jobs.dir is required")
	}
	if strings.TrimSpace(c.Cache.Dir) == "" {
		problems = append(problems, "cache.dir is required")
	}
	if c.Jobs.Dir != "" && c.Jobs.Dir == c.Cache.Dir {
		problems = append(problems, "jobs.dir and cache.dir must differ")
	}
	if c.Toolchain.Timeout <= 0 {
		problems = append(problems, "toolchain.timeout must be > 0")
	}
	if c.Cache.PollInterval <= 0 {
		problems = append(problems, "cache.poll_interval must be > 0")
	}
	if err := toolchain.Validate(c.Toolchain.Dir); err != nil {
		problems = append(problems, err.Error())
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid configuration: %s", strings.Join(problems, "; "))
	}
	return nil
}

// ValidateServe is Validate plus the requirements of the HTTP service.
func (c *Config) ValidateServe() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(c.Auth.Passcode) == "" {
		return fmt.Errorf("invalid configuration: auth.passcode is required (set %s_AUTH_PASSCODE)", EnvPrefix)
	}
	return nil
}
