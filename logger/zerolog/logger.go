package zerolog

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/3rs4lg4d0/courier/logger"
	"github.com/rs/zerolog"
)

// zerolog implementation of logger.Logger interface.
type Logger struct {
	Logger zerolog.Logger
}

var _ logger.Logger = (*Logger)(nil)

// New builds a zerolog based logger. Format "json" writes one JSON document per
// line, anything else uses the human friendly console writer.
func New(w io.Writer, level string, format string) *Logger {
	if w == nil {
		w = os.Stdout
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	if !strings.EqualFold(format, "json") {
		w = zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.RFC3339,
		}
	}
	return &Logger{
		Logger: zerolog.New(w).
			Level(lvl).
			With().
			Timestamp().
			Logger(),
	}
}

// With returns a child logger that adds the given key/value to every entry.
func (l *Logger) With(key, value string) *Logger {
	return &Logger{Logger: l.Logger.With().Str(key, value).Logger()}
}

func (l *Logger) Debug(msg string) {
	l.Logger.Debug().Msg(msg)
}

func (l *Logger) Warn(msg string) {
	l.Logger.Warn().Msg(msg)
}

func (l *Logger) Error(msg string, err error) {
	l.Logger.Err(err).Msg(msg)
}

func (l *Logger) Info(msg string) {
	l.Logger.Info().Msg(msg)
}
