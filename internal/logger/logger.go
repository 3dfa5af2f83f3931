package logger

import (
	"io"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// bgID marks entries emitted by background loops that have no operation ID.
const bgID = "xxxxxxxx"

var (
	mu   sync.RWMutex
	base = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "2006-01-02 15:04:05"}).
		With().Timestamp().Logger()
)

// Init configures the process-wide log level and output. Unknown levels fall
// back to info.
func Init(level string, out io.Writer) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	if out == nil {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "2006-01-02 15:04:05"}
	}

	mu.Lock()
	base = zerolog.New(out).Level(lvl).With().Timestamp().Logger()
	mu.Unlock()
}

// Logger provides structured logging for one component of the application
type Logger struct {
	component string
}

// New creates a new logger for a specific component
func New(component string) *Logger {
	return &Logger{component: component}
}

// GenerateID creates a short unique identifier for sweep/operation tracing
func GenerateID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Zerolog returns the underlying logger tagged with the component name.
func (l *Logger) Zerolog() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base.With().Str("component", l.component).Logger()
}

// Log writes a message at the given level, tagged with the operation ID
func (l *Logger) Log(id string, level zerolog.Level, message string, args ...interface{}) {
	zl := l.Zerolog()
	zl.WithLevel(level).Str("id", id).Msgf(message, args...)
}

func (l *Logger) Debug(id, message string, args ...interface{}) {
	l.Log(id, zerolog.DebugLevel, message, args...)
}

func (l *Logger) Info(id, message string, args ...interface{}) {
	l.Log(id, zerolog.InfoLevel, message, args...)
}

func (l *Logger) Warn(id, message string, args ...interface{}) {
	l.Log(id, zerolog.WarnLevel, message, args...)
}

func (l *Logger) Error(id, message string, args ...interface{}) {
	l.Log(id, zerolog.ErrorLevel, message, args...)
}

// DebugBg logs debug messages for background operations
func (l *Logger) DebugBg(message string, args ...interface{}) {
	l.Log(bgID, zerolog.DebugLevel, message, args...)
}

// InfoBg logs info messages for background operations
func (l *Logger) InfoBg(message string, args ...interface{}) {
	l.Log(bgID, zerolog.InfoLevel, message, args...)
}

// WarnBg logs warning messages for background operations
func (l *Logger) WarnBg(message string, args ...interface{}) {
	l.Log(bgID, zerolog.WarnLevel, message, args...)
}

// ErrorBg logs error messages for background operations
func (l *Logger) ErrorBg(message string, args ...interface{}) {
	l.Log(bgID, zerolog.ErrorLevel, message, args...)
}
