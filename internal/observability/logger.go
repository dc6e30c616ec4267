// Package observability owns the process-wide zap loggers.
package observability

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logging profiles.
const (
	ProfileStructured = "structured"
	ProfileConsole    = "console"
)

var (
	// CLILogger is used by commands for operator-facing output.
	CLILogger = mustLogger("info", ProfileConsole, zapcore.Lock(os.Stderr))

	// ServerLogger is used by the HTTP service and the packages it drives.
	ServerLogger = mustLogger("info", ProfileStructured, zapcore.Lock(os.Stderr))
)

// ParseLevel accepts zap level names, case-insensitively. Empty means info.
func ParseLevel(level string) (zapcore.Level, error) {
	level = strings.TrimSpace(strings.ToLower(level))
	if level == "" {
		return zapcore.InfoLevel, nil
	}
	if level == "warning" {
		level = "warn"
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return zapcore.InfoLevel, fmt.Errorf("invalid log level %q", level)
	}
	return l, nil
}

// NewLogger builds a logger writing to w. The structured profile emits JSON;
// the console profile emits human-readable lines.
func NewLogger(level, profile string, w zapcore.WriteSyncer) (*zap.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}

	var enc zapcore.Encoder
	switch strings.ToLower(strings.TrimSpace(profile)) {
	case "", ProfileStructured:
		cfg := zap.NewProductionEncoderConfig()
		cfg.TimeKey = "ts"
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewJSONEncoder(cfg)
	case ProfileConsole:
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		if fi, err := os.Stderr.Stat(); err != nil || fi.Mode()&os.ModeCharDevice == 0 {
			cfg.EncodeLevel = zapcore.CapitalLevelEncoder
		}
		enc = zapcore.NewConsoleEncoder(cfg)
	default:
		return nil, fmt.Errorf("invalid logging profile %q (want %s or %s)", profile, ProfileStructured, ProfileConsole)
	}

	core := zapcore.NewCore(enc, w, zap.NewAtomicLevelAt(lvl))
	return zap.New(core, zap.AddCaller(), zap.ErrorOutput(w)), nil
}

// Init rebuilds both loggers for the given level and server profile. The CLI
// logger always uses the console profile.
func Init(level, profile string) error {
	cli, err := NewLogger(level, ProfileConsole, zapcore.Lock(os.Stderr))
	if err != nil {
		return err
	}
	srv, err := NewLogger(level, profile, zapcore.Lock(os.Stderr))
	if err != nil {
		return err
	}
	CLILogger = cli
	ServerLogger = srv.Named("stanwasm")
	zap.ReplaceGlobals(srv)
	return nil
}

// Sync flushes both loggers.
func Sync() {
	_ = CLILogger.Sync()
	_ = ServerLogger.Sync()
}

func mustLogger(level, profile string, w zapcore.WriteSyncer) *zap.Logger {
	l, err := NewLogger(level, profile, w)
	if err != nil {
		return zap.NewNop()
	}
	return l
}
