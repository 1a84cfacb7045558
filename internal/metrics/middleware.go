package metrics

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// UnmatchedRoute метка endpoint для запросов без маршрута
const UnmatchedRoute = "unmatched"

// HTTPMetricsMiddleware собирает длительность и число HTTP запросов.
// Пути с префиксами из skip не учитываются.
func HTTPMetricsMiddleware(skip ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, prefix := range skip {
			if strings.HasPrefix(c.Request.URL.Path, prefix) {
				c.Next()
				return
			}
		}

		start := time.Now()
		c.Next()

		// Метка по шаблону маршрута, не по сырому пути
		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = UnmatchedRoute
		}
		status := strconv.Itoa(c.Writer.Status())

		HTTPRequestDuration.WithLabelValues(c.Request.Method, endpoint, status).Observe(time.Since(start).Seconds())
		HTTPRequestsTotal.WithLabelValues(c.Request.Method, endpoint, status).Inc()
	}
}
