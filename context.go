package workgraph

import (
	"context"
	"log/slog"

	"github.com/deepnoodle-ai/workgraph/script"
)

type ContextKey string

const (
	LoggerContextKey   ContextKey = "logger"
	CompilerContextKey ContextKey = "compiler"
	ReporterContextKey ContextKey = "reporter"
	UnitContextKey     ContextKey = "unit"
)

// ProgressReporter receives progress updates from a running unit.
type ProgressReporter func(progress int)

func WithLogger(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, LoggerContextKey, logger)
}

func WithCompiler(ctx context.Context, compiler script.Compiler) context.Context {
	return context.WithValue(ctx, CompilerContextKey, compiler)
}

func WithProgressReporter(ctx context.Context, reporter ProgressReporter) context.Context {
	return context.WithValue(ctx, ReporterContextKey, reporter)
}

func withUnitID(ctx context.Context, unitID string) context.Context {
	return context.WithValue(ctx, UnitContextKey, unitID)
}

func GetLoggerFromContext(ctx context.Context) (*slog.Logger, bool) {
	logger, ok := ctx.Value(LoggerContextKey).(*slog.Logger)
	return logger, ok
}

func GetCompilerFromContext(ctx context.Context) (script.Compiler, bool) {
	compiler, ok := ctx.Value(CompilerContextKey).(script.Compiler)
	return compiler, ok
}

// GetUnitIDFromContext returns the id of the unit being executed.
func GetUnitIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(UnitContextKey).(string)
	return id, ok
}

// ReportProgress records the progress (0-100) of the unit executing under
// ctx. It is a no-op outside of a unit execution.
func ReportProgress(ctx context.Context, progress int) {
	if reporter, ok := ctx.Value(ReporterContextKey).(ProgressReporter); ok && reporter != nil {
		reporter(progress)
	}
}

// LoggerFromContext returns the context logger or a discard logger.
func LoggerFromContext(ctx context.Context) *slog.Logger {
	if logger, ok := GetLoggerFromContext(ctx); ok && logger != nil {
		return logger
	}
	return NewDiscardLogger()
}
