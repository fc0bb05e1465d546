// Package log provides the logger used across batchmigrate. It is a thin
// facade over logrus that lets components carry a logger in a context.
package log

import (
	"context"
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"gitlab.com/gitlab-org/labkit/correlation"
)

// Fields is a set of structured log fields.
type Fields map[string]any

// Logger provides a leveled, structured logging interface.
type Logger interface {
	Debug(args ...any)
	Debugf(format string, args ...any)
	Info(args ...any)
	Infof(format string, args ...any)
	Warn(args ...any)
	Warnf(format string, args ...any)
	Error(args ...any)
	Errorf(format string, args ...any)
	Fatal(args ...any)

	WithField(key string, value any) Logger
	WithFields(fields Fields) Logger
	WithError(err error) Logger
}

type loggerKey struct{}

type entry struct {
	*logrus.Entry
}

func (e entry) WithField(key string, value any) Logger {
	return entry{e.Entry.WithField(key, value)}
}

func (e entry) WithFields(fields Fields) Logger {
	return entry{e.Entry.WithFields(logrus.Fields(fields))}
}

func (e entry) WithError(err error) Logger {
	return entry{e.Entry.WithError(err)}
}

// FromLogrus wraps a logrus entry in a Logger.
func FromLogrus(e *logrus.Entry) Logger {
	return entry{e}
}

type options struct {
	ctx    context.Context
	fields Fields
}

// Option configures GetLogger.
type Option func(*options)

// WithContext makes GetLogger return the logger stored in ctx (if any) decorated with
// the context correlation ID.
func WithContext(ctx context.Context) Option {
	return func(o *options) {
		o.ctx = ctx
	}
}

// WithFields decorates the returned logger with fields.
func WithFields(fields Fields) Option {
	return func(o *options) {
		o.fields = fields
	}
}

// GetLogger returns a logger. Without options this is the standard logger.
func GetLogger(opts ...Option) Logger {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	var l Logger = entry{logrus.NewEntry(logrus.StandardLogger())}
	if o.ctx != nil {
		if ctxLogger, ok := o.ctx.Value(loggerKey{}).(Logger); ok {
			l = ctxLogger
		}
		if id := correlation.ExtractFromContext(o.ctx); id != "" {
			l = l.WithField(correlation.FieldName, id)
		}
	}
	if len(o.fields) > 0 {
		l = l.WithFields(o.fields)
	}

	return l
}

// WithLogger returns a copy of ctx that carries logger.
func WithLogger(ctx context.Context, logger Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

// Configure sets up the standard logger. formatter is either "text" or "json".
func Configure(level, formatter string, output io.Writer, fields map[string]any) (Logger, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("parsing log level: %w", err)
	}
	logrus.SetLevel(lvl)

	switch formatter {
	case "text":
		logrus.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
			FullTimestamp:   true,
		})
	case "json", "":
		logrus.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
		})
	default:
		return nil, fmt.Errorf("unsupported log formatter %q", formatter)
	}

	if output != nil {
		logrus.SetOutput(output)
	}

	return GetLogger(WithFields(fields)), nil
}
