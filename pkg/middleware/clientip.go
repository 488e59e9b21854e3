package middleware

import (
	"net"
	"net/http"
	"strings"
)

// ClientIP はリクエスト元のクライアントアドレスを解決する。
// 優先順位はX-Forwarded-For（カンマ区切りの先頭の値）→ X-Real-IP →
// 接続のピアアドレス。流量制限超過時のログ出力に使用する。
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
