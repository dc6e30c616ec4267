package config

import (
	"gopkg.in/yaml.v3"
)

const redacted = "********"

// Redacted returns a copy with secrets masked.
func (c Config) Redacted() Config {
	if c.Auth.Passcode != "" {
		c.Auth.Passcode = redacted
	}
	if c.Auth.RestartToken != "" {
		c.Auth.RestartToken = redacted
	}
	c.Server.AllowedOrigins = append([]string(nil), c.Server.AllowedOrigins...)
	return c
}

// YAML renders the configuration with secrets masked and durations in
// their string form.
func (c Config) YAML() ([]byte, error) {
	r := c.Redacted()
	doc := map[string]any{
		"server": map[string]any{
			"host":             r.Server.Host,
			"port":             r.Server.Port,
			"read_timeout":     r.Server.ReadTimeout.String(),
			"write_timeout":    r.Server.WriteTimeout.String(),
			"idle_timeout":     r.Server.IdleTimeout.String(),
			"shutdown_timeout": r.Server.ShutdownTimeout.String(),
			"allowed_origins":  r.Server.AllowedOrigins,
			"compile_rate":     r.Server.CompileRate,
			"compile_burst":    r.Server.CompileBurst,
		},
		"logging": map[string]any{
			"level":   r.Logging.Level,
			"profile": r.Logging.Profile,
		},
		"auth": map[string]any{
			"passcode":      r.Auth.Passcode,
			"restart_token": r.Auth.RestartToken,
		},
		"jobs": map[string]any{
			"dir":     r.Jobs.Dir,
			"max_age": r.Jobs.MaxAge.String(),
		},
		"cache": map[string]any{
			"dir":           r.Cache.Dir,
			"poll_interval": r.Cache.PollInterval.String(),
		},
		"toolchain": map[string]any{
			"dir":     r.Toolchain.Dir,
			"command": r.Toolchain.Command,
			"timeout": r.Toolchain.Timeout.String(),
		},
	}
	return yaml.Marshal(doc)
}
