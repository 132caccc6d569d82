package logger

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the common interface for logging in lens.
// It wraps zerolog.Logger to allow for dependency injection and testing.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	With(args ...any) Logger
	WithGroup(name string) Logger
}

// ZeroLogger is a Logger implementation that wraps zerolog.Logger.
type ZeroLogger struct {
	z     zerolog.Logger
	group string
}

// New creates a new Logger around an existing zerolog logger.
func New(z zerolog.Logger) Logger {
	return &ZeroLogger{z: z}
}

// Default creates a Logger with console output to stderr at info level.
func Default() Logger {
	return Pretty(os.Stderr, zerolog.InfoLevel)
}

// Nop returns a Logger that discards everything.
func Nop() Logger {
	return New(zerolog.Nop())
}

// JSON creates a Logger emitting one JSON object per line for production use.
func JSON(w io.Writer, level zerolog.Level) Logger {
	return New(zerolog.New(w).Level(level).With().Timestamp().Logger())
}

// Pretty creates a Logger with colored console output for CLI use.
func Pretty(w io.Writer, level zerolog.Level) Logger {
	out := zerolog.ConsoleWriter{Out: w, TimeFormat: time.DateTime, NoColor: !isTerminal(w)}
	return New(zerolog.New(out).Level(level).With().Timestamp().Logger())
}

// Text creates a Logger with plain key=value console output and no colors.
func Text(w io.Writer, level zerolog.Level) Logger {
	out := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339, NoColor: true}
	return New(zerolog.New(out).Level(level).With().Timestamp().Logger())
}

// Setup builds a Logger from CLI style level and format strings.
func Setup(w io.Writer, level, format string) Logger {
	lvl := ParseLevel(level)
	switch strings.ToLower(format) {
	case "json":
		return JSON(w, lvl)
	case "text":
		return Text(w, lvl)
	default:
		return Pretty(w, lvl)
	}
}

// FromContext retrieves a Logger from the context.
// If no logger is found, returns a default logger.
func FromContext(ctx context.Context) Logger {
	if logger, ok := ctx.Value(loggerKey{}).(Logger); ok {
		return logger
	}
	return Default()
}

// WithContext adds the logger to the context.
func WithContext(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

type loggerKey struct{}

func (l *ZeroLogger) Debug(msg string, args ...any) {
	l.emit(l.z.Debug(), msg, args)
}

func (l *ZeroLogger) Info(msg string, args ...any) {
	l.emit(l.z.Info(), msg, args)
}

func (l *ZeroLogger) Warn(msg string, args ...any) {
	l.emit(l.z.Warn(), msg, args)
}

func (l *ZeroLogger) Error(msg string, args ...any) {
	l.emit(l.z.Error(), msg, args)
}

func (l *ZeroLogger) With(args ...any) Logger {
	c := l.z.With()
	for i := 0; i+1 < len(args); i += 2 {
		c = c.Interface(l.key(args[i]), args[i+1])
	}
	return &ZeroLogger{z: c.Logger(), group: l.group}
}

func (l *ZeroLogger) WithGroup(name string) Logger {
	if name == "" {
		return l
	}
	group := name
	if l.group != "" {
		group = l.group + "." + name
	}
	return &ZeroLogger{z: l.z, group: group}
}

func (l *ZeroLogger) key(k any) string {
	key, ok := k.(string)
	if !ok {
		key = fmt.Sprintf("%v", k)
	}
	if l.group != "" {
		return l.group + "." + key
	}
	return key
}

// emit adds variadic key-value pairs to the event and sends it. A trailing
// key without a value is logged under "!BADKEY" like log/slog does.
func (l *ZeroLogger) emit(e *zerolog.Event, msg string, args []any) {
	if e == nil {
		return
	}
	for i := 0; i < len(args); i += 2 {
		if i+1 >= len(args) {
			e.Interface("!BADKEY", args[i])
			break
		}
		if err, ok := args[i+1].(error); ok {
			e.AnErr(l.key(args[i]), err)
			continue
		}
		e.Interface(l.key(args[i]), args[i+1])
	}
	e.Msg(msg)
}

// ParseLevel converts a string level to zerolog.Level.
func ParseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}
