// Package observability holds the process-wide CLI logger.
package observability

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logging profiles.
const (
	ProfileStructured = "structured"
	ProfileConsole    = "console"
)

var (
	// CLILogger is the logger used by commands. It is a no-op until
	// InitCLILogger runs.
	CLILogger = zap.NewNop()

	mu sync.Mutex
)

// LoggerOptions tunes InitCLILoggerWith.
type LoggerOptions struct {
	Level   string
	Profile string
	// Path sends logs to a file instead of stderr.
	Path string
}

// InitCLILogger builds CLILogger with the console profile, at debug level
// when verbose.
func InitCLILogger(name string, verbose bool) {
	level := "info"
	if verbose {
		level = "debug"
	}
	_ = InitCLILoggerWith(name, LoggerOptions{Level: level, Profile: ProfileConsole})
}

// InitCLILoggerWith builds CLILogger from explicit options. Unknown levels
// fall back to info.
func InitCLILoggerWith(name string, opts LoggerOptions) error {
	lvl := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if opts.Level != "" {
		if err := lvl.UnmarshalText([]byte(strings.ToLower(opts.Level))); err != nil {
			lvl = zap.NewAtomicLevelAt(zapcore.InfoLevel)
		}
	}

	var cfg zap.Config
	if strings.EqualFold(opts.Profile, ProfileStructured) {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		if !isTerminal(os.Stderr) {
			cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		}
		cfg.DisableStacktrace = true
	}
	cfg.Level = lvl
	cfg.DisableCaller = true
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}
	if opts.Path != "" {
		cfg.OutputPaths = []string{opts.Path}
	}

	logger, err := cfg.Build()
	if err != nil {
		return err
	}
	if name != "" {
		logger = logger.Named(name)
	}

	mu.Lock()
	CLILogger = logger
	mu.Unlock()
	return nil
}

// Sync flushes CLILogger.
func Sync() {
	mu.Lock()
	l := CLILogger
	mu.Unlock()
	_ = l.Sync()
}

func isTerminal(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}
