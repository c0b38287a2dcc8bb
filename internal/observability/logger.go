// Package observability provides the process-wide CLI logger.
package observability

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is the logger used by commands. It is a no-op logger until
// InitCLILogger runs.
var CLILogger = zap.NewNop()

var (
	mu    sync.Mutex
	level = zap.NewAtomicLevelAt(zap.InfoLevel)
)

// Log formats accepted by Configure.
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// InitCLILogger builds CLILogger for a command-line run. Output goes to
// stderr so stdout stays free for JSONL records.
func InitCLILogger(name string, verbose bool) {
	lvl := "info"
	if verbose {
		lvl = "debug"
	}
	if err := Configure(name, lvl, FormatConsole); err != nil {
		// Level and format are constants here.
		panic(err)
	}
}

// Configure rebuilds CLILogger with the given level and format.
func Configure(name, lvl, format string) error {
	parsed, err := ParseLevel(lvl)
	if err != nil {
		return err
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", FormatConsole:
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encCfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
		enc = zapcore.NewConsoleEncoder(encCfg)
	case FormatJSON:
		enc = zapcore.NewJSONEncoder(encCfg)
	default:
		return fmt.Errorf("unknown log format %q (want console or json)", format)
	}

	mu.Lock()
	defer mu.Unlock()
	level.SetLevel(parsed)
	core := zapcore.NewCore(enc, zapcore.Lock(os.Stderr), level)
	logger := zap.New(core)
	if name != "" {
		logger = logger.Named(name)
	}
	CLILogger = logger
	return nil
}

// SetLevel changes the level of the current logger.
func SetLevel(lvl string) error {
	parsed, err := ParseLevel(lvl)
	if err != nil {
		return err
	}
	level.SetLevel(parsed)
	return nil
}

// ParseLevel accepts zap level names, case-insensitively. "" is info.
func ParseLevel(lvl string) (zapcore.Level, error) {
	lvl = strings.ToLower(strings.TrimSpace(lvl))
	if lvl == "" {
		return zap.InfoLevel, nil
	}
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(lvl)); err != nil {
		return zap.InfoLevel, fmt.Errorf("unknown log level %q", lvl)
	}
	return l, nil
}
