package middleware

import (
	"errors"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"vhost-proxy-go/internal/metrics"
)

// MetricsMiddleware returns an Echo middleware that records Prometheus metrics
// for each inbound request. Paths are not used as labels: every path is proxied.
func MetricsMiddleware(m *metrics.Metrics) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			m.RequestsInFlight.Inc()
			start := time.Now()

			// Deferred so relays aborted with a panic are still counted.
			defer func() {
				m.RequestsInFlight.Dec()

				// An *echo.HTTPError has not been written yet; Echo's error handler
				// does that later, so take the code from the error.
				statusCode := c.Response().Status
				if err != nil {
					var he *echo.HTTPError
					if errors.As(err, &he) {
						statusCode = he.Code
					}
				}

				status := strconv.Itoa(statusCode)
				method := metrics.NormalizeMethod(c.Request().Method)

				m.RequestsTotal.WithLabelValues(method, status).Inc()
				m.RequestDuration.WithLabelValues(method, status).Observe(time.Since(start).Seconds())
			}()

			return next(c)
		}
	}
}
