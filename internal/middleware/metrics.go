package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/itgoyo/faka-usdt/internal/telemetry"
)

// Metrics records request counts, latency and in-flight requests per route
func Metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		telemetry.HTTPRequestsInFlight.Inc()
		defer telemetry.HTTPRequestsInFlight.Dec()

		start := time.Now()
		c.Next()

		method, route := c.Request.Method, routeLabel(c)
		telemetry.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(c.Writer.Status())).Inc()
		telemetry.HTTPRequestDuration.WithLabelValues(method, route).Observe(time.Since(start).Seconds())
	}
}
