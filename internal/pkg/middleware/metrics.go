package middleware

import (
	"strconv"
	"time"

	"goldpay/pkg/metrics"

	"github.com/gin-gonic/gin"
)

// MetricsMiddleware 按路由模板记录请求量与耗时
func MetricsMiddleware(collector *metrics.Collector) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			// 未匹配路由统一归并，避免指标基数被打爆
			endpoint = "unmatched"
		}
		collector.ObserveHTTP(
			c.Request.Method,
			endpoint,
			strconv.Itoa(c.Writer.Status()),
			time.Since(start).Seconds(),
		)
	}
}
