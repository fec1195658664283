package middleware

import (
	"net"
	"net/http"

	"goldpay/pkg/response"

	"github.com/gin-gonic/gin"
)

// LocalOnly 中间件：内部端点（支付上报、KYT 回调）只允许本地访问
func LocalOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := net.ParseIP(c.ClientIP())
		if ip == nil || !ip.IsLoopback() {
			response.Error(c, http.StatusForbidden, response.ErrForbidden, "internal endpoint")
			c.Abort()
			return
		}
		c.Next()
	}
}
