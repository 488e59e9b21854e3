package middleware

import (
	"log"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/shisan/pkg/ratelimit"
)

// headerRateLimitRemaining は残トークン数を通知するレスポンスヘッダー。
const headerRateLimitRemaining = "X-Rate-Limit-Remaining"

// headerRateLimitReset はトークン補充までの秒数を通知するレスポンスヘッダー。
const headerRateLimitReset = "X-Rate-Limit-Reset"

// Limiter は1トークンの消費を試みるものを表す。
// 本番ではプロセス全体で共有する*ratelimit.Bucketを渡す。
type Limiter interface {
	Take() ratelimit.Probe
}

// RateLimit は流量制限を行うGinミドルウェアを返す。
//
// 無効化されている場合は何もしないハンドラを返し、バケットには一切
// 触れない。免除パスのリクエストもバケットに触れない。トークンを
// 消費できない場合は429で即座に応答し、後続のチェーンは呼ばない。
// このゲートは認証ゲートより先に適用すること。
func RateLimit(enabled bool, limiter Limiter, exempt *ExemptPaths) gin.HandlerFunc {
	if !enabled || limiter == nil {
		return func(c *gin.Context) {
			c.Next()
		}
	}

	return func(c *gin.Context) {
		if exempt.Match(c.Request.URL.Path) {
			c.Next()
			return
		}

		probe := limiter.Take()
		if probe.Allowed {
			c.Header(headerRateLimitRemaining, strconv.FormatInt(probe.Remaining, 10))
			c.Header(headerRateLimitReset, strconv.FormatInt(probe.ResetAfterSeconds(), 10))
			c.Next()
			return
		}

		retryAfter := probe.RetryAfterSeconds()
		log.Printf("[RateLimitGate] 流量制限を超過: client=%s, path=%s, retry_after=%ds",
			ClientIP(c.Request), c.Request.URL.Path, retryAfter)

		c.Header(headerRateLimitRemaining, "0")
		c.Header("Retry-After", strconv.FormatInt(retryAfter, 10))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":               "Rate limit exceeded",
			"message":             "Too many requests",
			"retry_after_seconds": retryAfter,
		})
	}
}
