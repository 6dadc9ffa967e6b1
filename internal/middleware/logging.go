// Package middleware provides Echo middleware for logging, metrics and header hygiene.
package middleware

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"
)

// RequestLogger returns an Echo middleware that logs each request with slog.
// The entry is written once the response, including a streamed body, is complete.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			// A handler that aborts the connection panics past this point; the
			// entry is still written, marked as aborted, before the panic continues.
			completed := false
			defer func() {
				if !completed {
					logRequest(logger, c, start, true)
				}
			}()

			err := next(c)
			completed = true
			if err != nil {
				c.Error(err)
			}
			logRequest(logger, c, start, false)

			return nil
		}
	}
}

func logRequest(logger *slog.Logger, c echo.Context, start time.Time, aborted bool) {
	req := c.Request()
	res := c.Response()

	attrs := []any{
		"method", req.Method,
		"uri", req.RequestURI,
		"status", res.Status,
		"duration_ms", time.Since(start).Milliseconds(),
		"remote_ip", c.RealIP(),
		"bytes_in", req.ContentLength,
		"bytes_out", res.Size,
	}
	if id := res.Header().Get(echo.HeaderXRequestID); id != "" {
		attrs = append(attrs, "request_id", id)
	}

	level := slog.LevelInfo
	if res.Status >= 500 {
		level = slog.LevelWarn
	}
	if aborted {
		attrs = append(attrs, "aborted", true)
		level = slog.LevelWarn
	}
	logger.Log(req.Context(), level, "request", attrs...)
}
