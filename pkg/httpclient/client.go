package httpclient

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"
)

// Client はgatewayから内部ドメインサービスへリクエストを転送するHTTPクライアント。
type Client struct {
	// httpClient は内部で使用するHTTPクライアント。
	httpClient *http.Client
	// baseURL は転送先サービスのベースURL。
	baseURL string
}

// New は新しい転送用HTTPクライアントを生成する。
// baseURLには転送先サービスのベースURL（例: "http://investments:8081"）を指定する。
func New(baseURL string) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		baseURL: baseURL,
	}
}

// Forward は受信リクエストを内部サービスへ転送し、レスポンスをそのまま返す。
// AuthorizationヘッダーとContent-Typeヘッダーを引き継ぎ、コンテキストに
// アカウントIDがあればX-Account-IDヘッダーとして伝播する。
// レスポンスボディのクローズは呼び出し側の責務。
func (c *Client) Forward(ctx context.Context, method, pathAndQuery string, body io.Reader, header http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+pathAndQuery, body)
	if err != nil {
		return nil, fmt.Errorf("転送リクエストの作成に失敗: %w", err)
	}

	for _, key := range []string{"Content-Type", "Authorization"} {
		if v := header.Get(key); v != "" {
			req.Header.Set(key, v)
		}
	}
	if accountID, ok := AccountIDFromContext(ctx); ok {
		req.Header.Set("X-Account-ID", strconv.FormatInt(accountID, 10))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("内部サービスへの転送に失敗: %w", err)
	}
	return resp, nil
}

// contextKey はコンテキストキーの型。
type contextKey string

// contextKeyAccountID はコンテキストにアカウントIDを格納するためのキー。
const contextKeyAccountID contextKey = "account_id"

// WithAccountID はコンテキストにアカウントIDを設定する。
// 認証済みリクエストを内部サービスへ転送する際に使用する。
func WithAccountID(ctx context.Context, accountID int64) context.Context {
	return context.WithValue(ctx, contextKeyAccountID, accountID)
}

// AccountIDFromContext はコンテキストからアカウントIDを取得する。
func AccountIDFromContext(ctx context.Context) (int64, bool) {
	id, ok := ctx.Value(contextKeyAccountID).(int64)
	return id, ok
}
