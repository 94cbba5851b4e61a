// Package jlog provides the logging abstraction used throughout jetstream.
package jlog

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// Logger is the interface every jetstream component logs through. The
// default implementation wraps log/slog; embedding applications may supply
// their own.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
	DebugCtx(ctx context.Context, msg string, args ...any)
	InfoCtx(ctx context.Context, msg string, args ...any)
	WarnCtx(ctx context.Context, msg string, args ...any)
	ErrorCtx(ctx context.Context, msg string, args ...any)
}

const prefix = "[jetstream] "

// Slog is the default Logger, backed by log/slog.
type Slog struct {
	logger *slog.Logger
}

// New returns a Slog logger writing text-formatted records to os.Stderr at
// the given level.
func New(level slog.Level) *Slog {
	return &Slog{logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))}
}

// Noop discards everything; useful in tests that don't want log noise.
func Noop() *Slog {
	return &Slog{logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

func (s *Slog) Debug(msg string, args ...any) { s.logger.Debug(prefix+msg, args...) }
func (s *Slog) Info(msg string, args ...any)  { s.logger.Info(prefix+msg, args...) }
func (s *Slog) Warn(msg string, args ...any)  { s.logger.Warn(prefix+msg, args...) }
func (s *Slog) Error(msg string, args ...any) { s.logger.Error(prefix+msg, args...) }

var ctxArgsKey int

func withCtxArgs(ctx context.Context, args []any) []any {
	if stored, ok := ctx.Value(&ctxArgsKey).([]any); ok {
		return append(append([]any{}, args...), stored...)
	}
	return args
}

// WithArgs attaches structured fields to a context so every log call that
// receives the context (via the *Ctx methods) carries them automatically.
func WithArgs(ctx context.Context, args ...any) context.Context {
	return context.WithValue(ctx, &ctxArgsKey, withCtxArgs(ctx, args))
}

func (s *Slog) DebugCtx(ctx context.Context, msg string, args ...any) {
	s.logger.Debug(prefix+msg, withCtxArgs(ctx, args)...)
}

func (s *Slog) InfoCtx(ctx context.Context, msg string, args ...any) {
	s.logger.Info(prefix+msg, withCtxArgs(ctx, args)...)
}

func (s *Slog) WarnCtx(ctx context.Context, msg string, args ...any) {
	s.logger.Warn(prefix+msg, withCtxArgs(ctx, args)...)
}

func (s *Slog) ErrorCtx(ctx context.Context, msg string, args ...any) {
	s.logger.Error(prefix+msg, withCtxArgs(ctx, args)...)
}
