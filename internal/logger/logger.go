package logger

import (
	"io"
	"os"
	"strings"
	"syscall"
	"time"

	"codeberg.org/mutker/avrlink/internal/errors"
	"github.com/rs/zerolog"
)

var log = zerolog.Nop()

type LogLevel int8

const (
	DebugLevel LogLevel = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

type LogEvent struct {
	*zerolog.Event
}

func (e *LogEvent) Msg(msg string) {
	e.Event.Msg(msg)
}

func (e *LogEvent) Send() {
	e.Event.Send()
}

// ParseLevel maps a configured level name onto a LogLevel.
func ParseLevel(level string) (LogLevel, error) {
	switch strings.ToLower(level) {
	case "debug":
		return DebugLevel, nil
	case "info":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	default:
		return WarnLevel, errors.New().WithData(errors.ErrInvalidLogLevel, level)
	}
}

// Init initializes the logger based on the given configuration
func Init(level LogLevel, isService bool) {
	InitWithWriter(os.Stdout, level, isService)
}

// InitWithWriter initializes the logger on an arbitrary writer
func InitWithWriter(out io.Writer, level LogLevel, isService bool) {
	output := zerolog.ConsoleWriter{
		Out:        out,
		TimeFormat: time.RFC3339,
	}

	if isService {
		output.NoColor = true
		output.TimeFormat = ""
		output.FormatTimestamp = func(_ interface{}) string {
			return ""
		}
	}

	log = zerolog.New(output).With().Timestamp().Logger()

	SetLogLevel(level)
}

// SetLogLevel sets the global log level
func SetLogLevel(level LogLevel) {
	zerolog.SetGlobalLevel(zerolog.Level(level))
}

// IsService checks if the application is running as a service
func IsService() bool {
	if _, err := os.Stdin.Stat(); err != nil {
		return true
	}
	if os.Getenv("SERVICE_NAME") != "" || os.Getenv("INVOCATION_ID") != "" {
		return true
	}
	if os.Getppid() == 1 {
		return true
	}

	return syscall.Getpgrp() == syscall.Getpid()
}

// Debug logs a debug message
func Debug() *LogEvent {
	return &LogEvent{log.Debug()}
}

// Info logs an info message
func Info() *LogEvent {
	return &LogEvent{log.Info()}
}

// Warn logs a warning message
func Warn() *LogEvent {
	return &LogEvent{log.Warn()}
}

// Error logs an error message
func Error() *LogEvent {
	return &LogEvent{log.Error()}
}

// ErrorWithCode logs an error message with a specific error code
func ErrorWithCode(err errors.Error) *LogEvent {
	return withCode(log.Error(), err)
}

// Fatal logs a fatal message and exits the program
func Fatal() *LogEvent {
	return &LogEvent{log.Fatal()}
}

// FatalWithCode logs a fatal message with a specific error code and exits the program
func FatalWithCode(err errors.Error) *LogEvent {
	return withCode(log.Fatal(), err)
}

func withCode(e *zerolog.Event, err errors.Error) *LogEvent {
	return &LogEvent{e.
		Str("error_code", string(err.Code())).
		Str("error_message", err.Error()).
		AnErr("error", err.Unwrap())}
}

// Writer returns an io.Writer that emits each write as an info line.
// Used for third-party access logs.
func Writer() io.Writer {
	return lineWriter{}
}

type lineWriter struct{}

func (lineWriter) Write(p []byte) (int, error) {
	log.Info().Msg(strings.TrimRight(string(p), "\r\n"))
	return len(p), nil
}

// New returns a Logger that tags every event with the given component.
func New(component string) Logger {
	return &componentLogger{fields: []field{{key: "component", value: component}}}
}

// Nop returns a Logger that discards everything.
func Nop() Logger {
	nop := zerolog.Nop()
	return &componentLogger{base: &nop}
}

type field struct {
	key, value string
}

type componentLogger struct {
	base   *zerolog.Logger
	fields []field
}

func (l *componentLogger) logger() *zerolog.Logger {
	if l.base != nil {
		return l.base
	}
	return &log
}

func (l *componentLogger) decorate(e *zerolog.Event) *LogEvent {
	for _, f := range l.fields {
		e = e.Str(f.key, f.value)
	}
	return &LogEvent{e}
}

func (l *componentLogger) Debug() *LogEvent {
	return l.decorate(l.logger().Debug())
}

func (l *componentLogger) Info() *LogEvent {
	return l.decorate(l.logger().Info())
}

func (l *componentLogger) Warn() *LogEvent {
	return l.decorate(l.logger().Warn())
}

func (l *componentLogger) Error() *LogEvent {
	return l.decorate(l.logger().Error())
}

func (l *componentLogger) ErrorWithCode(err errors.Error) *LogEvent {
	ev := l.decorate(l.logger().Error())
	return withCode(ev.Event, err)
}

func (l *componentLogger) With(key, value string) Logger {
	fields := make([]field, len(l.fields), len(l.fields)+1)
	copy(fields, l.fields)
	return &componentLogger{base: l.base, fields: append(fields, field{key: key, value: value})}
}
