// Package logger carries a *slog.Logger through a context.Context, so a
// connection dialed or accepted deep in pkg/wsconn/pkg/wsserver/pkg/wsclient
// logs with whatever fields (connection ID, remote address, auth subject)
// the caller already attached, without threading a logger parameter through
// every call.
package logger

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"time"
)

type ctxKey struct{}

var ctxLoggerKey = ctxKey{}

// InContext attaches l to ctx, returning the derived context.
func InContext(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxLoggerKey, l)
}

// FromContext returns the logger attached to ctx, or slog.Default() if none
// was attached.
func FromContext(ctx context.Context) *slog.Logger {
	l := slog.Default()
	if ctxLogger, ok := ctx.Value(ctxLoggerKey).(*slog.Logger); ok {
		l = ctxLogger
	}
	return l
}

// With attaches args to ctx's logger (or slog.Default()) and returns a
// context carrying the derived logger, for adding per-connection fields
// (e.g. "conn_id") once at dial/accept time.
func With(ctx context.Context, args ...any) context.Context {
	return InContext(ctx, FromContext(ctx).With(args...))
}

func Fatal(ctx context.Context, msg string, attrs ...slog.Attr) {
	fatalErrorCtx(ctx, msg, nil, attrs...)
}

func FatalError(msg string, err error, attrs ...slog.Attr) {
	fatalErrorCtx(context.Background(), msg, err, attrs...)
}

func FatalErrorContext(ctx context.Context, msg string, err error, attrs ...slog.Attr) {
	fatalErrorCtx(ctx, msg, err, attrs...)
}

func fatalErrorCtx(ctx context.Context, msg string, err error, attrs ...slog.Attr) {
	var pcs [1]uintptr
	runtime.Callers(3, pcs[:]) // Discard wrapper frames (Callers, fatalErrorCtx, Fatal*).

	r := slog.NewRecord(time.Now(), slog.LevelError, msg, pcs[0])
	if err != nil {
		r.AddAttrs(slog.Any("error", err))
	}
	r.AddAttrs(attrs...)

	_ = slog.Default().Handler().Handle(ctx, r)
	os.Exit(1)
}
