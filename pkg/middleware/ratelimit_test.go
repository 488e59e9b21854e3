package middleware

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/shisan/pkg/ratelimit"
)

// countingLimiter はTake呼び出し回数を数えるテスト用のLimiter。
type countingLimiter struct {
	calls int
	probe ratelimit.Probe
}

func (c *countingLimiter) Take() ratelimit.Probe {
	c.calls++
	return c.probe
}

// setupRateLimitRouter は流量制限ゲートを適用したテスト用ルーターを構築する。
func setupRateLimitRouter(enabled bool, limiter Limiter, exempt *ExemptPaths) (*gin.Engine, *bool) {
	var handled bool

	router := gin.New()
	router.Use(RateLimit(enabled, limiter, exempt))
	handler := func(c *gin.Context) {
		handled = true
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	}
	router.GET("/api/v1/investments", handler)
	router.GET("/health", handler)

	return router, &handled
}

// TestRateLimit は流量制限ゲートを検証する。
func TestRateLimit(t *testing.T) {
	t.Parallel()

	t.Run("消費に成功した場合ヘッダーが設定されチェーンが継続すること", func(t *testing.T) {
		t.Parallel()

		limiter := &countingLimiter{probe: ratelimit.Probe{
			Allowed:    true,
			Remaining:  99,
			ResetAfter: 600 * time.Millisecond,
		}}
		router, handled := setupRateLimitRouter(true, limiter, nil)

		req := httptest.NewRequest(http.MethodGet, "/api/v1/investments", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if w.Code != http.StatusOK || !*handled {
			t.Fatalf("チェーンが継続しなかった: code=%d, handled=%v", w.Code, *handled)
		}
		if got := w.Header().Get("X-Rate-Limit-Remaining"); got != "99" {
			t.Errorf("X-Rate-Limit-Remaining = %q, want %q", got, "99")
		}
		if got := w.Header().Get("X-Rate-Limit-Reset"); got != "1" {
			t.Errorf("X-Rate-Limit-Reset = %q, want %q", got, "1")
		}
	})

	t.Run("消費に失敗した場合429で即座に応答すること", func(t *testing.T) {
		t.Parallel()

		limiter := &countingLimiter{probe: ratelimit.Probe{
			Allowed:    false,
			Remaining:  0,
			RetryAfter: 5 * time.Second, // 5,000,000,000ns → 5秒
			ResetAfter: 5 * time.Second,
		}}
		router, handled := setupRateLimitRouter(true, limiter, nil)

		req := httptest.NewRequest(http.MethodGet, "/api/v1/investments", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if w.Code != http.StatusTooManyRequests {
			t.Fatalf("ステータスコード = %d, want %d", w.Code, http.StatusTooManyRequests)
		}
		if *handled {
			t.Error("遮断されたリクエストで後続のハンドラが呼ばれた")
		}
		if got := w.Header().Get("Retry-After"); got != "5" {
			t.Errorf("Retry-After = %q, want %q", got, "5")
		}
		if got := w.Header().Get("X-Rate-Limit-Remaining"); got != "0" {
			t.Errorf("X-Rate-Limit-Remaining = %q, want %q", got, "0")
		}
		if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
			t.Errorf("Content-Type = %q, want application/json", ct)
		}

		var body map[string]any
		if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
			t.Fatalf("レスポンスボディのパースに失敗: %v", err)
		}
		if body["error"] != "Rate limit exceeded" {
			t.Errorf("error = %q, want %q", body["error"], "Rate limit exceeded")
		}
		if body["message"] != "Too many requests" {
			t.Errorf("message = %q, want %q", body["message"], "Too many requests")
		}
	})

	t.Run("端数の待ち時間が秒へ切り上げられること", func(t *testing.T) {
		t.Parallel()

		limiter := &countingLimiter{probe: ratelimit.Probe{
			Allowed:    false,
			RetryAfter: 1200 * time.Millisecond,
		}}
		router, _ := setupRateLimitRouter(true, limiter, nil)

		req := httptest.NewRequest(http.MethodGet, "/api/v1/investments", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if got := w.Header().Get("Retry-After"); got != "2" {
			t.Errorf("Retry-After = %q, want %q", got, "2")
		}
	})

	t.Run("無効化されている場合バケットに一切触れないこと", func(t *testing.T) {
		t.Parallel()

		limiter := &countingLimiter{probe: ratelimit.Probe{Allowed: false}}
		router, handled := setupRateLimitRouter(false, limiter, nil)

		req := httptest.NewRequest(http.MethodGet, "/api/v1/investments", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if w.Code != http.StatusOK || !*handled {
			t.Errorf("チェーンが継続しなかった: code=%d, handled=%v", w.Code, *handled)
		}
		if limiter.calls != 0 {
			t.Errorf("無効化されたゲートでTakeが%d回呼ばれた, want 0", limiter.calls)
		}
		if got := w.Header().Get("X-Rate-Limit-Remaining"); got != "" {
			t.Errorf("無効化されたゲートでヘッダーが設定された: %q", got)
		}
	})

	t.Run("免除パスではバケットに触れないこと", func(t *testing.T) {
		t.Parallel()

		limiter := &countingLimiter{probe: ratelimit.Probe{Allowed: false}}
		exempt := NewExemptPaths([]string{"/health"})
		router, handled := setupRateLimitRouter(true, limiter, exempt)

		req := httptest.NewRequest(http.MethodGet, "/health", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if w.Code != http.StatusOK || !*handled {
			t.Errorf("チェーンが継続しなかった: code=%d, handled=%v", w.Code, *handled)
		}
		if limiter.calls != 0 {
			t.Errorf("免除パスでTakeが%d回呼ばれた, want 0", limiter.calls)
		}
	})

	t.Run("免除リストが空の場合は何も免除されないこと", func(t *testing.T) {
		t.Parallel()

		limiter := &countingLimiter{probe: ratelimit.Probe{Allowed: true, Remaining: 1}}
		router, _ := setupRateLimitRouter(true, limiter, NewExemptPaths(nil))

		req := httptest.NewRequest(http.MethodGet, "/api/v1/investments", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)

		if limiter.calls != 1 {
			t.Errorf("Takeが%d回呼ばれた, want 1", limiter.calls)
		}
	})

	t.Run("実際のバケットで容量を使い切ると429になること", func(t *testing.T) {
		t.Parallel()

		bucket, err := ratelimit.NewBucket(2, 2, time.Hour)
		if err != nil {
			t.Fatalf("NewBucket()でエラーが発生: %v", err)
		}
		router, _ := setupRateLimitRouter(true, bucket, nil)

		for i := 0; i < 2; i++ {
			req := httptest.NewRequest(http.MethodGet, "/api/v1/investments", nil)
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			if w.Code != http.StatusOK {
				t.Fatalf("%d回目のステータスコード = %d, want %d", i+1, w.Code, http.StatusOK)
			}
		}

		req := httptest.NewRequest(http.MethodGet, "/api/v1/investments", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		if w.Code != http.StatusTooManyRequests {
			t.Errorf("ステータスコード = %d, want %d", w.Code, http.StatusTooManyRequests)
		}
	})
}
