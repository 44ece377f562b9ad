// Package logging provides structured logging on top of log/slog.
package logging

import (
	"context"
	"io"
	"log/slog"
	"os"
	"runtime"
	"time"

	"github.com/c0deZ3R0/go-conflict-kit/errors"
)

// Logger is our wrapper around slog.Logger with additional convenience methods
type Logger struct {
	*slog.Logger
}

// Config holds logger configuration
type Config struct {
	Level       string    `json:"level" yaml:"level"`           // trace, debug, info, warn, error
	Format      string    `json:"format" yaml:"format"`         // text, json
	AddSource   bool      `json:"add_source" yaml:"add_source"` // whether to add source code information
	Environment string    `json:"environment" yaml:"environment"`
	Output      io.Writer `json:"-" yaml:"-"` // defaults to os.Stdout
}

// Default configuration
var DefaultConfig = Config{
	Level:       "info",
	Format:      "json",
	AddSource:   false,
	Environment: EnvProduction,
}

// Global logger instance
var defaultLogger *Logger

// Operation and Component are LogValuers for consistent attribute rendering.
type Operation string

func (o Operation) LogValue() slog.Value {
	return slog.StringValue(string(o))
}

type Component string

func (c Component) LogValue() slog.Value {
	return slog.StringValue(string(c))
}

const (
	ComponentDetector Component = "detector"
	ComponentEngine   Component = "engine"
	ComponentScanner  Component = "scanner"
	ComponentSweep    Component = "sweep"
	ComponentConfig   Component = "config"
	ComponentCLI      Component = "cli"
)

// ErrorValuer provides structured logging for *errors.Error
type ErrorValuer struct {
	*errors.Error
}

func (e ErrorValuer) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("operation", string(e.Op)),
		slog.String("component", e.Component),
		slog.String("code", string(e.Code)),
		slog.String("kind", string(e.Kind)),
		slog.Bool("retryable", e.Retryable),
	}
	if e.Err != nil {
		attrs = append(attrs, slog.String("error", e.Err.Error()))
	}

	if e.Metadata != nil {
		metadataAttrs := make([]slog.Attr, 0, len(e.Metadata))
		for k, v := range e.Metadata {
			metadataAttrs = append(metadataAttrs, slog.Any(k, v))
		}
		attrs = append(attrs, slog.Any("metadata", slog.GroupValue(metadataAttrs...)))
	}

	return slog.GroupValue(attrs...)
}

// NewLogger creates a new logger with the provided configuration
func NewLogger(config Config) *Logger {
	level, ok := ParseLevel(config.Level)
	if !ok {
		level = slog.LevelInfo
	}
	return &Logger{Logger: slog.New(newHandler(config, level))}
}

func newHandler(config Config, level slog.Leveler) slog.Handler {
	out := config.Output
	if out == nil {
		out = os.Stdout
	}
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: config.AddSource,
	}
	if config.Format == "text" {
		return slog.NewTextHandler(out, opts)
	}
	return slog.NewJSONHandler(out, opts)
}

// Discard returns a logger that drops every record.
func Discard() *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// Init initializes the global logger with the provided configuration. The
// returned level var adjusts the global logger after startup.
func Init(config Config) *DynamicLevelVar {
	var levelVar *DynamicLevelVar
	defaultLogger, levelVar = NewLoggerWithDynamicLevel(config)
	slog.SetDefault(defaultLogger.Logger)
	return levelVar
}

// Default returns the default logger instance
func Default() *Logger {
	if defaultLogger == nil {
		Init(DefaultConfig)
	}
	return defaultLogger
}

// WithOperation creates a child logger with operation context
func (l *Logger) WithOperation(op Operation) *Logger {
	return &Logger{Logger: l.With(slog.Any("operation", op))}
}

// WithComponent creates a child logger with component context
func (l *Logger) WithComponent(component Component) *Logger {
	return &Logger{Logger: l.With(slog.Any("component", component))}
}

type runIDKey struct{}

// ContextWithRunID tags ctx with a sweep run id picked up by WithContext.
func ContextWithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunIDFromContext returns the run id stored by ContextWithRunID.
func RunIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(runIDKey{}).(string)
	return id, ok
}

// WithContext creates a child logger carrying the context's run id and the given attrs
func (l *Logger) WithContext(ctx context.Context, attrs ...slog.Attr) *Logger {
	contextAttrs := make([]any, 0, len(attrs)+1)
	if id, ok := RunIDFromContext(ctx); ok {
		contextAttrs = append(contextAttrs, slog.String("run_id", id))
	}
	for _, attr := range attrs {
		contextAttrs = append(contextAttrs, attr)
	}
	return &Logger{Logger: l.With(contextAttrs...)}
}

// LogError logs an error with caller information and structured attributes
func (l *Logger) LogError(ctx context.Context, err error, msg string, attrs ...slog.Attr) {
	l.logErr(ctx, slog.LevelError, err, msg, attrs...)
}

// LogWarn is LogError at warn level, for failures the caller swallows.
func (l *Logger) LogWarn(ctx context.Context, err error, msg string, attrs ...slog.Attr) {
	l.logErr(ctx, slog.LevelWarn, err, msg, attrs...)
}

func (l *Logger) logErr(ctx context.Context, level slog.Level, err error, msg string, attrs ...slog.Attr) {
	allAttrs := make([]any, 0, len(attrs)+2)

	var ce *errors.Error
	switch {
	case err == nil:
	case errors.As(err, &ce):
		allAttrs = append(allAttrs, slog.Any("conflict_error", ErrorValuer{Error: ce}))
		allAttrs = append(allAttrs, slog.String("error", err.Error()))
	default:
		allAttrs = append(allAttrs, slog.String("error", err.Error()))
	}

	pc, file, line, ok := runtime.Caller(2)
	if ok {
		fn := runtime.FuncForPC(pc)
		allAttrs = append(allAttrs,
			slog.Group("caller",
				slog.String("file", file),
				slog.Int("line", line),
				slog.String("function", fn.Name()),
			),
		)
	}

	for _, attr := range attrs {
		allAttrs = append(allAttrs, attr)
	}

	l.Log(ctx, level, msg, allAttrs...)
}

// LogOperation logs the start and end of an operation with duration tracking
func (l *Logger) LogOperation(ctx context.Context, op Operation, component Component, fn func() error) error {
	start := time.Now()
	opLogger := l.WithOperation(op).WithComponent(component)

	opLogger.DebugContext(ctx, "operation started",
		slog.Time("start_time", start),
	)

	err := fn()
	duration := time.Since(start)

	if err != nil {
		opLogger.LogError(ctx, err, "operation failed",
			slog.Duration("duration", duration),
			slog.Bool("success", false),
		)
		return err
	}

	opLogger.InfoContext(ctx, "operation completed",
		slog.Duration("duration", duration),
		slog.Bool("success", true),
	)

	return nil
}

// WithComponent returns a child of the default logger.
func WithComponent(component Component) *Logger {
	return Default().WithComponent(component)
}
