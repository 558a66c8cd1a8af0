// Package log wraps zerolog with Refinery's file rotation and
// administrator-escalation conventions.
package log

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the process-global logger instance. Before Init it discards
// everything, which keeps library code usable from tests.
var Logger = zerolog.Nop()

// Level represents a log level.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration for one service process.
type Config struct {
	Level Level
	// Dir is the log directory; empty logs to stderr (console format).
	Dir     string
	Service string
	// NoEscalation disables the administrator-escalation callback. The
	// counter still accumulates so the summary mail can report the
	// records; mail delivery runs with this set so its own failures
	// cannot generate more mail directly.
	NoEscalation bool
}

// escalation counts records at Warn or above. The accumulated count is
// drained by whoever sends the "check the logs" administrator mail.
type escalation struct {
	count    atomic.Int64
	suppress atomic.Bool
	mu       sync.Mutex
	notifyFn func(level zerolog.Level, message string)
}

var esc escalation

type escalationHook struct{}

func (escalationHook) Run(e *zerolog.Event, level zerolog.Level, message string) {
	if level < zerolog.WarnLevel {
		return
	}
	esc.count.Add(1)
	if esc.suppress.Load() {
		return
	}
	esc.mu.Lock()
	fn := esc.notifyFn
	esc.mu.Unlock()
	if fn != nil {
		fn(level, message)
	}
}

// Init initializes the global logger for a service.
func Init(cfg Config) error {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel, "":
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var output io.Writer
	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
			return err
		}
		output = &lumberjack.Logger{
			Filename:   filepath.Join(cfg.Dir, cfg.Service+".log"),
			MaxSize:    50, // MB
			MaxBackups: 5,
			MaxAge:     14, // days
			Compress:   true,
		}
	} else {
		output = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	}

	esc.suppress.Store(cfg.NoEscalation)
	Logger = zerolog.New(output).With().
		Timestamp().
		Str("service", cfg.Service).
		Logger().
		Hook(escalationHook{})
	return nil
}

// SetEscalation installs the callback invoked for each Warn-or-above
// record. The callback must be cheap and must never log at Warn or above
// itself.
func SetEscalation(fn func(level zerolog.Level, message string)) {
	esc.mu.Lock()
	esc.notifyFn = fn
	esc.mu.Unlock()
}

// PendingEscalations returns the number of Warn-or-above records seen since
// the last drain.
func PendingEscalations() int64 {
	return esc.count.Load()
}

// DrainEscalations resets the escalation counter and returns the previous
// value.
func DrainEscalations() int64 {
	return esc.count.Swap(0)
}

// WithComponent creates a child logger with a component field.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithRepository creates a child logger with a repository field.
func WithRepository(name string) zerolog.Logger {
	return Logger.With().Str("repository", name).Logger()
}
