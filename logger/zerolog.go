package logger

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Zerolog field implementations
func (f StringField) apply(event *zerolog.Event) *zerolog.Event {
	return event.Str(f.Key, f.Value)
}

func (f IntField) apply(event *zerolog.Event) *zerolog.Event {
	return event.Int(f.Key, f.Value)
}

func (f Int64Field) apply(event *zerolog.Event) *zerolog.Event {
	return event.Int64(f.Key, f.Value)
}

func (f BoolField) apply(event *zerolog.Event) *zerolog.Event {
	return event.Bool(f.Key, f.Value)
}

func (f DurationField) apply(event *zerolog.Event) *zerolog.Event {
	return event.Dur(f.Key, f.Value)
}

func (f TimeField) apply(event *zerolog.Event) *zerolog.Event {
	return event.Time(f.Key, f.Value)
}

func (f ErrorField) apply(event *zerolog.Event) *zerolog.Event {
	return event.Err(f.Value)
}

func (f AnyField) apply(event *zerolog.Event) *zerolog.Event {
	return event.Interface(f.Key, f.Value)
}

// ZerologLogger implements Logger using zerolog
type ZerologLogger struct {
	logger     zerolog.Logger
	config     *Config
	subsystem  string
	fileWriter *lumberjack.Logger
}

// NewZerologLogger creates a new ZerologLogger
func NewZerologLogger(config *Config) Logger {
	if config == nil {
		config = DefaultConfig()
	}

	var zerologLevel zerolog.Level
	switch config.Level {
	case TraceLevel:
		zerologLevel = zerolog.TraceLevel
	case DebugLevel:
		zerologLevel = zerolog.DebugLevel
	case InfoLevel:
		zerologLevel = zerolog.InfoLevel
	case WarnLevel:
		zerologLevel = zerolog.WarnLevel
	case ErrorLevel:
		zerologLevel = zerolog.ErrorLevel
	case FatalLevel:
		zerologLevel = zerolog.FatalLevel
	default:
		zerologLevel = zerolog.InfoLevel
	}

	l := &ZerologLogger{
		config:    config,
		subsystem: config.Subsystem,
	}

	writers := make([]io.Writer, 0, 2)
	output := config.Output
	if output == nil {
		output = os.Stdout
	}
	if config.Format == DefaultFormat {
		writers = append(writers, zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339})
	} else {
		writers = append(writers, output)
	}

	if config.FileConfig != nil {
		l.fileWriter = &lumberjack.Logger{
			Filename:   config.FileConfig.Filename,
			MaxSize:    config.FileConfig.MaxSize,
			MaxAge:     config.FileConfig.MaxAge,
			MaxBackups: config.FileConfig.MaxBackups,
			Compress:   config.FileConfig.Compress,
		}
		writers = append(writers, l.fileWriter)
	}

	var w io.Writer
	if len(writers) == 1 {
		w = writers[0]
	} else {
		w = zerolog.MultiLevelWriter(writers...)
	}

	ctx := zerolog.New(w).Level(zerologLevel).With().Timestamp()
	if config.Subsystem != "" {
		ctx = ctx.Str("subsystem", config.Subsystem)
	}
	l.logger = ctx.Logger()

	return l
}

func (l *ZerologLogger) log(event *zerolog.Event, msg string, fields ...TypedField) {
	for _, field := range fields {
		event = field.apply(event)
	}
	event.Msg(msg)
}

func (l *ZerologLogger) Trace(msg string, fields ...TypedField) {
	l.log(l.logger.Trace(), msg, fields...)
}

func (l *ZerologLogger) Debug(msg string, fields ...TypedField) {
	l.log(l.logger.Debug(), msg, fields...)
}

func (l *ZerologLogger) Info(msg string, fields ...TypedField) {
	l.log(l.logger.Info(), msg, fields...)
}

func (l *ZerologLogger) Warn(msg string, fields ...TypedField) {
	l.log(l.logger.Warn(), msg, fields...)
}

func (l *ZerologLogger) Error(msg string, fields ...TypedField) {
	l.log(l.logger.Error(), msg, fields...)
}

func (l *ZerologLogger) Fatal(msg string, fields ...TypedField) {
	l.log(l.logger.Fatal(), msg, fields...)
}

func (l *ZerologLogger) Tracef(format string, args ...interface{}) {
	l.logger.Trace().Msg(fmt.Sprintf(format, args...))
}

func (l *ZerologLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug().Msg(fmt.Sprintf(format, args...))
}

func (l *ZerologLogger) Infof(format string, args ...interface{}) {
	l.logger.Info().Msg(fmt.Sprintf(format, args...))
}

func (l *ZerologLogger) Warnf(format string, args ...interface{}) {
	l.logger.Warn().Msg(fmt.Sprintf(format, args...))
}

func (l *ZerologLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error().Msg(fmt.Sprintf(format, args...))
}

func (l *ZerologLogger) Fatalf(format string, args ...interface{}) {
	l.logger.Fatal().Msg(fmt.Sprintf(format, args...))
}

// WithSubsystem returns a child logger tagged with the given subsystem name
func (l *ZerologLogger) WithSubsystem(name string) Logger {
	child := *l
	child.subsystem = name
	child.logger = l.logger.With().Str("subsystem", name).Logger()
	return &child
}

// WithFields returns a child logger that always carries the given fields
func (l *ZerologLogger) WithFields(fields ...TypedField) Logger {
	ctx := l.logger.With()
	for _, field := range fields {
		// zerolog contexts and events share the field API through events
		ctx = ctx.Interface(keyOf(field), valueOf(field))
	}
	child := *l
	child.logger = ctx.Logger()
	return &child
}

func keyOf(f TypedField) string {
	switch v := f.(type) {
	case StringField:
		return v.Key
	case IntField:
		return v.Key
	case Int64Field:
		return v.Key
	case BoolField:
		return v.Key
	case DurationField:
		return v.Key
	case TimeField:
		return v.Key
	case ErrorField:
		return v.Key
	case AnyField:
		return v.Key
	default:
		return "field"
	}
}

func valueOf(f TypedField) interface{} {
	switch v := f.(type) {
	case StringField:
		return v.Value
	case IntField:
		return v.Value
	case Int64Field:
		return v.Value
	case BoolField:
		return v.Value
	case DurationField:
		return v.Value
	case TimeField:
		return v.Value
	case ErrorField:
		return v.Value
	case AnyField:
		return v.Value
	default:
		return nil
	}
}

// IsLevelEnabled reports whether the given level would be written
func (l *ZerologLogger) IsLevelEnabled(level LogLevel) bool {
	var zl zerolog.Level
	switch level {
	case TraceLevel:
		zl = zerolog.TraceLevel
	case DebugLevel:
		zl = zerolog.DebugLevel
	case InfoLevel:
		zl = zerolog.InfoLevel
	case WarnLevel:
		zl = zerolog.WarnLevel
	case ErrorLevel:
		zl = zerolog.ErrorLevel
	case FatalLevel:
		zl = zerolog.FatalLevel
	}
	return zl >= l.logger.GetLevel()
}

// Close flushes and closes the file writer, if any
func (l *ZerologLogger) Close() error {
	if l.fileWriter != nil {
		return l.fileWriter.Close()
	}
	return nil
}

// NewTestLogger returns a logger suitable for tests: console format, trace
// level, writing to the given writer (usually io.Discard or testing output).
func NewTestLogger(w io.Writer) Logger {
	return NewZerologLogger(&Config{
		Level:  TraceLevel,
		Format: JSONFormat,
		Output: w,
	})
}
