package pkg

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Component names the subsystem that emitted a log record.
type Component string

// Stack components.
const (
	ComponentDevice   Component = "device"
	ComponentHAL      Component = "hal"
	ComponentPMA      Component = "pma"
	ComponentEndpoint Component = "endpoint"
	ComponentControl  Component = "control"
	ComponentSCSI     Component = "scsi"
	ComponentMSC      Component = "msc"
	ComponentCDC      Component = "cdc"
)

// LogFormat selects the handler used by the default logger.
type LogFormat int

// Log formats.
const (
	LogFormatText LogFormat = iota
	LogFormatJSON
)

var (
	// DefaultLogger receives every record emitted through LogDebug and friends.
	DefaultLogger *slog.Logger

	logLevel = new(slog.LevelVar)
	logMutex sync.RWMutex
)

func init() {
	logLevel.Set(slog.LevelWarn)
	DefaultLogger = newHandlerLogger(os.Stderr, LogFormatText, nil)
}

func newHandlerLogger(w io.Writer, format LogFormat, opts *slog.HandlerOptions) *slog.Logger {
	if opts == nil {
		opts = &slog.HandlerOptions{Level: logLevel}
	}
	if format == LogFormatJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// SetLogLevel sets the minimum level of the shared level variable.
func SetLogLevel(level slog.Level) {
	logMutex.Lock()
	defer logMutex.Unlock()
	logLevel.Set(level)
}

// GetLogLevel returns the current minimum level.
func GetLogLevel() slog.Level {
	logMutex.RLock()
	defer logMutex.RUnlock()
	return logLevel.Level()
}

// ParseLogLevel converts a level name (debug, info, warn, error) to a slog.Level.
func ParseLogLevel(name string) (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(name))); err != nil {
		return 0, fmt.Errorf("%w: log level %q", ErrInvalidParameter, name)
	}
	return level, nil
}

// SetLogger replaces the default logger.
func SetLogger(logger *slog.Logger) {
	logMutex.Lock()
	defer logMutex.Unlock()
	DefaultLogger = logger
}

// SetLogFormat rebuilds the default logger on os.Stderr with the given format.
func SetLogFormat(format LogFormat) {
	SetLogger(newHandlerLogger(os.Stderr, format, nil))
}

// NewLogger returns a text logger writing to w. A nil opts uses the shared level.
func NewLogger(w io.Writer, opts *slog.HandlerOptions) *slog.Logger {
	return newHandlerLogger(w, LogFormatText, opts)
}

// NewJSONLogger returns a JSON logger writing to w. A nil opts uses the shared level.
func NewJSONLogger(w io.Writer, opts *slog.HandlerOptions) *slog.Logger {
	return newHandlerLogger(w, LogFormatJSON, opts)
}

// FileLogConfig describes a size-rotated log file.
type FileLogConfig struct {
	Path       string `toml:"path"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	Compress   bool   `toml:"compress"`
	Format     LogFormat `toml:"-"`
}

// NewFileLogger returns a logger backed by a rotating file. The returned
// closer releases the file and must be called on shutdown.
func NewFileLogger(cfg FileLogConfig) (*slog.Logger, io.Closer) {
	sink := &lumberjack.Logger{
		Filename:   cfg.Path,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
	}
	return newHandlerLogger(sink, cfg.Format, nil), sink
}

func emit(level slog.Level, component Component, msg string, args []any) {
	logMutex.RLock()
	logger := DefaultLogger
	logMutex.RUnlock()
	if !logger.Enabled(context.Background(), level) {
		return
	}
	logger.Log(context.Background(), level, msg, append([]any{"component", string(component)}, args...)...)
}

// LogDebug logs at debug level tagged with component.
func LogDebug(component Component, msg string, args ...any) {
	emit(slog.LevelDebug, component, msg, args)
}

// LogInfo logs at info level tagged with component.
func LogInfo(component Component, msg string, args ...any) {
	emit(slog.LevelInfo, component, msg, args)
}

// LogWarn logs at warn level tagged with component.
func LogWarn(component Component, msg string, args ...any) {
	emit(slog.LevelWarn, component, msg, args)
}

// LogError logs at error level tagged with component.
func LogError(component Component, msg string, args ...any) {
	emit(slog.LevelError, component, msg, args)
}
