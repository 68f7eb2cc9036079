// Package logging wraps zerolog behind package-level helpers so the rest of
// the codebase never touches a logger instance directly.
package logging

import (
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logging configuration.
type Config struct {
	// Level is the minimum log level: debug, info, warn, error. Default: info.
	Level string
	// Format is the output format: json or console. Default: console.
	Format string
}

var (
	mu     sync.RWMutex
	logger = newLogger(Config{}, os.Stderr)
)

// Init configures the global logger. Safe to call more than once; the last
// call wins.
func Init(cfg Config) {
	mu.Lock()
	defer mu.Unlock()
	logger = newLogger(cfg, os.Stderr)
}

func newLogger(cfg Config, out io.Writer) zerolog.Logger {
	level := zerolog.InfoLevel
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = zerolog.DebugLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}

	if strings.ToLower(cfg.Format) != "json" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

func get() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

// Debug starts a debug-level log event.
func Debug() *zerolog.Event { l := get(); return l.Debug() }

// Info starts an info-level log event.
func Info() *zerolog.Event { l := get(); return l.Info() }

// Warn starts a warn-level log event.
func Warn() *zerolog.Event { l := get(); return l.Warn() }

// Error starts an error-level log event.
func Error() *zerolog.Event { l := get(); return l.Error() }

// Fatal starts a fatal-level log event; the program exits after Msg.
func Fatal() *zerolog.Event { l := get(); return l.Fatal() }
