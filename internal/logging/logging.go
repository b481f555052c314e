// Package logging builds the zap loggers used across schemaguard and holds
// the process-wide logger installed by the CLI.
package logging

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// logger is the process logger; a no-op until Init is called
	logger = zap.NewNop()
	// mu protects logger
	mu sync.RWMutex
)

// Options configures New.
type Options struct {
	// Level is one of debug, info, warn, error. Empty means info.
	Level string
	// Format is json or console. Empty means console.
	Format string
	// Output is a path, "stderr" or "stdout". Empty means stderr.
	Output string
}

// New builds a logger from opts.
func New(opts Options) (*zap.Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	var cfg zap.Config
	switch strings.ToLower(opts.Format) {
	case "json":
		cfg = zap.NewProductionConfig()
	case "", "console", "text":
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.DisableStacktrace = true
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}
	cfg.Level = zap.NewAtomicLevelAt(level)

	out := opts.Output
	if out == "" {
		out = "stderr"
	}
	cfg.OutputPaths = []string{out}
	cfg.ErrorOutputPaths = []string{"stderr"}

	return cfg.Build()
}

// ParseLevel maps a level name to a zap level.
func ParseLevel(s string) (zapcore.Level, error) {
	if s == "" {
		return zapcore.InfoLevel, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(s))); err != nil {
		return l, fmt.Errorf("unknown log level %q", s)
	}
	return l, nil
}

// Init installs l as the process logger. A nil logger resets to a no-op.
func Init(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	if l == nil {
		l = zap.NewNop()
	}
	logger = l
}

// L returns the process logger.
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Sync flushes the process logger. Errors from syncing a terminal are ignored.
func Sync() {
	_ = L().Sync()
}

// FromEnv builds a logger from SCHEMAGUARD_LOG_LEVEL and
// SCHEMAGUARD_LOG_FORMAT, falling back to info/console.
func FromEnv() (*zap.Logger, error) {
	return New(Options{
		Level:  os.Getenv("SCHEMAGUARD_LOG_LEVEL"),
		Format: os.Getenv("SCHEMAGUARD_LOG_FORMAT"),
	})
}

// RedactDSN hides the password of a connection URL so it can be logged.
// Strings that do not parse as URLs with credentials are returned unchanged,
// except for key=value DSNs where password=... is masked.
func RedactDSN(dsn string) string {
	if u, err := url.Parse(dsn); err == nil && u.User != nil {
		if _, ok := u.User.Password(); ok {
			u.User = url.UserPassword(u.User.Username(), "xxxxx")
			return u.String()
		}
		return dsn
	}
	if !strings.Contains(dsn, "password=") {
		return dsn
	}
	fields := strings.Fields(dsn)
	for i, f := range fields {
		if strings.HasPrefix(f, "password=") {
			fields[i] = "password=xxxxx"
		}
	}
	return strings.Join(fields, " ")
}
