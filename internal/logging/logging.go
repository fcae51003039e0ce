// Package logging provides structured logging with zap.
package logging

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type contextKey struct{}

var (
	global atomic.Pointer[zap.Logger]
	level  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// Config holds logging configuration.
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json, console
	OutputPath string // stdout, stderr, or file path
}

// Init initializes the global logger.
func Init(cfg Config) error {
	lvl := zapcore.InfoLevel
	if err := lvl.UnmarshalText([]byte(cfg.Level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	level.SetLevel(lvl)

	zc := zap.NewProductionConfig()
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = level
	if cfg.OutputPath != "" {
		zc.OutputPaths = []string{cfg.OutputPath}
	}

	logger, err := zc.Build(
		zap.AddCallerSkip(1),
		zap.AddStacktrace(zapcore.ErrorLevel),
	)
	if err != nil {
		return err
	}
	global.Store(logger)
	return nil
}

// Replace swaps the global logger and returns a func that restores the
// previous one.
func Replace(l *zap.Logger) func() {
	prev := global.Swap(l)
	return func() { global.Store(prev) }
}

// LevelHandler serves the current level on GET and changes it on PUT with
// a body like {"level":"debug"}.
func LevelHandler() http.Handler {
	return level
}

// Sync flushes any buffered log entries.
func Sync() error {
	if l := global.Load(); l != nil {
		return l.Sync()
	}
	return nil
}

func logger() *zap.Logger {
	if l := global.Load(); l != nil {
		return l
	}
	l, err := zap.NewProductionConfig().Build(zap.AddCallerSkip(1))
	if err != nil {
		l = zap.NewNop()
	}
	global.CompareAndSwap(nil, l)
	return global.Load()
}

// WithContext returns the request-scoped logger, or the global one.
func WithContext(ctx context.Context) *zap.Logger {
	if l, ok := ctx.Value(contextKey{}).(*zap.Logger); ok {
		return l
	}
	return logger().WithOptions(zap.AddCallerSkip(-1))
}

func Debug(msg string, fields ...zap.Field) { logger().Debug(msg, fields...) }
func Info(msg string, fields ...zap.Field)  { logger().Info(msg, fields...) }
func Warn(msg string, fields ...zap.Field)  { logger().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { logger().Error(msg, fields...) }
func Fatal(msg string, fields ...zap.Field) { logger().Fatal(msg, fields...) }

// statusWriter records what a handler sent. Push streams are hijacked or
// flushed, so both pass through.
type statusWriter struct {
	http.ResponseWriter
	status int
	size   int64
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	n, err := w.ResponseWriter.Write(b)
	w.size += int64(n)
	return n, err
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return h.Hijack()
}

// Middleware tags each request with an X-Request-ID (taken from the client
// or generated) and logs its outcome. Health probes log at debug.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)

		log := WithContext(r.Context()).With(zap.String("request_id", id))
		r = r.WithContext(context.WithValue(r.Context(), contextKey{}, log))
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		emit := log.Info
		if r.URL.Path == "/health" {
			emit = log.Debug
		}
		emit("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("route", r.Pattern),
			zap.String("remote_addr", r.RemoteAddr),
			zap.Int("status", sw.status),
			zap.Int64("size", sw.size),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func Int(key string, val int) zap.Field     { return zap.Int(key, val) }
func Int64(key string, val int64) zap.Field { return zap.Int64(key, val) }
func Path(val string) zap.Field             { return zap.String("path", val) }
func Command(val string) zap.Field          { return zap.String("command", val) }
