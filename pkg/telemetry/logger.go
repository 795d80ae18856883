package telemetry

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the structured logging facade shared by the daemon and its
// components. Root loggers come from NewLogger; the With helpers derive
// children that stamp governance fields on every entry.
type Logger struct {
	zlog zerolog.Logger

	// closer is set only on root loggers whose output is a file.
	closer io.Closer
}

// loggerContextKey is the context key for logger instances.
type loggerContextKey struct{}

// NewLogger builds the root logger from configuration. A logger with a
// file output holds the file open until Close.
func NewLogger(cfg LoggingConfig) (*Logger, error) {
	writer, closer, err := openLogOutput(cfg.Output)
	if err != nil {
		return nil, err
	}
	if cfg.Format == "console" {
		writer = zerolog.ConsoleWriter{
			Out:        writer,
			TimeFormat: consoleTimeLayout(cfg.TimeFormat),
			NoColor:    os.Getenv("NO_COLOR") != "",
		}
	}

	// The wire time format is a zerolog package global. One root logger
	// per process; the last one constructed wins.
	zerolog.TimeFieldFormat = wireTimeFormat(cfg.TimeFormat)

	zl := zerolog.New(writer).With().Timestamp().Logger().Level(parseLevel(cfg.Level))
	if cfg.EnableCaller {
		zl = zl.With().Caller().Logger()
	}
	if cfg.EnableSampling {
		zl = zl.Sample(chatterSampler(cfg))
	}

	return &Logger{zlog: zl, closer: closer}, nil
}

// openLogOutput resolves the configured destination. Anything that is not
// a process stream is treated as a file path and opened append-only with
// owner-only permissions.
func openLogOutput(output string) (io.Writer, io.Closer, error) {
	switch output {
	case "stdout":
		return os.Stdout, nil, nil
	case "", "stderr":
		return os.Stderr, nil, nil
	default:
		f, err := os.OpenFile(output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return nil, nil, err
		}
		return f, f, nil
	}
}

// wireTimeFormat maps the configured name onto the zerolog field format.
func wireTimeFormat(name string) string {
	switch name {
	case "unix":
		return zerolog.TimeFormatUnix
	case "unixms":
		return zerolog.TimeFormatUnixMs
	case "unixmicro":
		return zerolog.TimeFormatUnixMicro
	case "rfc3339nano":
		return time.RFC3339Nano
	default:
		return time.RFC3339
	}
}

// consoleTimeLayout picks the render layout for console output. The unix
// encodings are wire formats, not layouts; on a console they render as a
// readable stamp instead.
func consoleTimeLayout(name string) string {
	switch name {
	case "rfc3339":
		return time.RFC3339
	case "rfc3339nano":
		return time.RFC3339Nano
	case "unix", "unixms", "unixmicro":
		return time.StampMilli
	default:
		return time.Kitchen
	}
}

// parseLevel resolves the configured level, falling back to info. zerolog
// parses the empty string as NoLevel, which would silence the logger.
func parseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// chatterSampler thins trace, debug, and info output under load: the
// configured burst passes intact each second, then every Nth entry.
// Warnings and errors are never sampled; refusals and escalations must
// reach the log intact.
func chatterSampler(cfg LoggingConfig) zerolog.Sampler {
	burst := &zerolog.BurstSampler{
		Burst:       uint32(cfg.SamplingInitial),
		Period:      time.Second,
		NextSampler: &zerolog.BasicSampler{N: uint32(cfg.SamplingThereafter)},
	}
	return zerolog.LevelSampler{
		TraceSampler: burst,
		DebugSampler: burst,
		InfoSampler:  burst,
	}
}

// Close releases a file output. It returns nil for the process streams
// and for derived loggers.
func (l *Logger) Close() error {
	if l.closer == nil {
		return nil
	}
	return l.closer.Close()
}

// Zerolog exposes the underlying zerolog.Logger for components that are
// wired with zerolog directly.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zlog
}

// child wraps a derived zerolog logger. Children never carry the closer;
// the root logger owns the output.
func (l *Logger) child(zl zerolog.Logger) *Logger {
	return &Logger{zlog: zl}
}

// NewComponentLogger derives a logger whose entries carry a component
// field (engine, router, sweeper, facade).
func (l *Logger) NewComponentLogger(component string) *Logger {
	return l.child(l.zlog.With().Str("component", component).Logger())
}

// WithContext stores the logger in the context.
func (l *Logger) WithContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, loggerContextKey{}, l)
}

// FromContext returns the logger stored in the context. When none is
// stored it falls back to a plain stderr logger; stdout stays reserved
// for command output.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(loggerContextKey{}).(*Logger); ok {
		return l
	}
	return &Logger{zlog: zerolog.New(os.Stderr).With().Timestamp().Logger()}
}

// WithFields derives a logger carrying every given field.
func (l *Logger) WithFields(fields map[string]interface{}) *Logger {
	zctx := l.zlog.With()
	for k, v := range fields {
		zctx = zctx.Interface(k, v)
	}
	return l.child(zctx.Logger())
}

// WithField derives a logger carrying one extra field.
func (l *Logger) WithField(key string, value interface{}) *Logger {
	return l.child(l.zlog.With().Interface(key, value).Logger())
}

// WithTaskID stamps the task id on every entry.
func (l *Logger) WithTaskID(taskID string) *Logger {
	return l.child(l.zlog.With().Str("task_id", taskID).Logger())
}

// WithLane stamps the lane on every entry.
func (l *Logger) WithLane(lane string) *Logger {
	return l.child(l.zlog.With().Str("lane", lane).Logger())
}

// WithWorkerID stamps the worker id on every entry.
func (l *Logger) WithWorkerID(workerID string) *Logger {
	return l.child(l.zlog.With().Str("worker_id", workerID).Logger())
}

// WithScanner stamps the evidence scanner identity on every entry.
func (l *Logger) WithScanner(name, version string) *Logger {
	return l.child(l.zlog.With().
		Str("scanner_name", name).
		Str("scanner_version", version).
		Logger())
}

// WithError attaches the error to every entry.
func (l *Logger) WithError(err error) *Logger {
	return l.child(l.zlog.With().Err(err).Logger())
}

// Debug logs at debug level.
func (l *Logger) Debug(msg string) { l.zlog.Debug().Msg(msg) }

// Debugf logs a formatted message at debug level.
func (l *Logger) Debugf(format string, args ...interface{}) {
	l.zlog.Debug().Msgf(format, args...)
}

// Info logs at info level.
func (l *Logger) Info(msg string) { l.zlog.Info().Msg(msg) }

// Infof logs a formatted message at info level.
func (l *Logger) Infof(format string, args ...interface{}) {
	l.zlog.Info().Msgf(format, args...)
}

// Warn logs at warn level.
func (l *Logger) Warn(msg string) { l.zlog.Warn().Msg(msg) }

// Warnf logs a formatted message at warn level.
func (l *Logger) Warnf(format string, args ...interface{}) {
	l.zlog.Warn().Msgf(format, args...)
}

// Error logs at error level.
func (l *Logger) Error(msg string) { l.zlog.Error().Msg(msg) }

// Errorf logs a formatted message at error level.
func (l *Logger) Errorf(format string, args ...interface{}) {
	l.zlog.Error().Msgf(format, args...)
}
