package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// Query parameters that carry credentials and must not reach the logs.
var sensitiveParams = []string{"access_token", "token"}

// quietPaths are polled by probes and scrapers; they only log on failure.
var quietPaths = map[string]bool{"/healthz": true, "/metrics": true}

func slogGinLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		attrs := []slog.Attr{
			slog.Int("status", status),
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.String("route", c.FullPath()),
			slog.String("ip", c.ClientIP()),
			slog.Int64("latency_ms", time.Since(start).Milliseconds()),
		}
		if q := redactQuery(c.Request.URL.RawQuery); q != "" {
			attrs = append(attrs, slog.String("query", q))
		}
		if userID := c.GetString("user_id"); userID != "" {
			attrs = append(attrs, slog.String("user_id", userID))
		}
		if len(c.Errors) > 0 {
			attrs = append(attrs, slog.String("errors", c.Errors.String()))
		}

		logger.LogAttrs(c.Request.Context(), requestLevel(c.Request.URL.Path, status), "http request", attrs...)
	}
}

func requestLevel(path string, status int) slog.Level {
	switch {
	case status >= http.StatusInternalServerError:
		return slog.LevelError
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return slog.LevelWarn
	case quietPaths[path]:
		return slog.LevelDebug - 4
	default:
		return slog.LevelDebug
	}
}

func redactQuery(raw string) string {
	if raw == "" {
		return ""
	}
	q, err := url.ParseQuery(raw)
	if err != nil {
		return "<unparsable>"
	}
	for _, key := range sensitiveParams {
		if q.Has(key) {
			q.Set(key, "REDACTED")
		}
	}
	return q.Encode()
}

// newTLSErrorWriter routes net/http server errors into slog, dropping the
// handshake errors autocert produces for hosts other than ours.
func newTLSErrorWriter(logger *slog.Logger) io.Writer {
	return &slogLineWriter{
		logger: logger,
		level:  slog.LevelWarn,
		drop: func(msg string) bool {
			return strings.Contains(msg, "TLS handshake error") && strings.Contains(msg, "not configured")
		},
	}
}

type slogLineWriter struct {
	logger *slog.Logger
	level  slog.Level
	drop   func(string) bool
}

func (w *slogLineWriter) Write(p []byte) (int, error) {
	msg := strings.TrimSpace(string(p))
	if w.logger == nil || msg == "" || (w.drop != nil && w.drop(msg)) {
		return len(p), nil
	}
	w.logger.Log(context.Background(), w.level, "http server", "message", msg)
	return len(p), nil
}
