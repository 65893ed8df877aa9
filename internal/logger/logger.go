// Package logger sets up the process-wide leveled logger.
//
// Log lines go to a size-rotated file under the data directory and,
// optionally, to stderr for foreground commands.
package logger

import (
	"fmt"
	"io"
	stdlog "log"
	"os"
	"path/filepath"
	"strings"

	"github.com/op/go-logging"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Module is the go-logging module name used by every component.
const Module = "fieldsync"

var format = logging.MustStringFormatter("%{time:2006-01-02T15:04:05.000Z07:00} [%{level}] %{shortpkg}: %{message}")

// Options configures Init.
type Options struct {
	Dir    string
	Level  logging.Level
	Stderr bool
	// MaxSizeMB and MaxBackups control rotation. Zero values use 10 MB and 3 backups.
	MaxSizeMB  int
	MaxBackups int
}

// Init creates the logger and returns it together with the log file path.
func Init(opts Options) (*logging.Logger, string, error) {
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, "", fmt.Errorf("failed to create log directory: %w", err)
	}
	filename := filepath.Join(opts.Dir, Module+".log")

	maxSize := opts.MaxSizeMB
	if maxSize == 0 {
		maxSize = 10
	}
	maxBackups := opts.MaxBackups
	if maxBackups == 0 {
		maxBackups = 3
	}

	var w io.Writer = &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    maxSize,
		MaxBackups: maxBackups,
		MaxAge:     28,
		Compress:   true,
	}
	if opts.Stderr {
		w = io.MultiWriter(w, os.Stderr)
	}

	setBackend(w, opts.Level)
	return logging.MustGetLogger(Module), filename, nil
}

// Discard returns a logger that writes nowhere. Used by tests.
func Discard() *logging.Logger {
	log := logging.MustGetLogger(Module + "-discard")
	backend := logging.AddModuleLevel(logging.NewLogBackend(io.Discard, "", 0))
	backend.SetLevel(logging.CRITICAL, "")
	log.SetBackend(backend)
	return log
}

// Default returns the process logger, writing to stderr at INFO until Init
// configures it.
func Default() *logging.Logger {
	return logging.MustGetLogger(Module)
}

// OrDefault returns log, or Default() when log is nil.
func OrDefault(log *logging.Logger) *logging.Logger {
	if log == nil {
		return Default()
	}
	return log
}

// ParseLevel converts a configuration string such as "debug" or "WARNING".
func ParseLevel(s string) (logging.Level, error) {
	if s == "" {
		return logging.INFO, nil
	}
	lvl, err := logging.LogLevel(strings.ToUpper(s))
	if err != nil {
		return logging.INFO, fmt.Errorf("invalid log level %q: %w", s, err)
	}
	return lvl, nil
}

func setBackend(w io.Writer, level logging.Level) {
	backend := logging.NewLogBackend(w, "", stdlog.LUTC)
	formatted := logging.NewBackendFormatter(backend, format)
	leveled := logging.AddModuleLevel(formatted)
	leveled.SetLevel(level, "")
	logging.SetBackend(leveled)
}
