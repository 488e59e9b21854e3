package gateway

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/nao1215/shisan/pkg/httpclient"
	"github.com/nao1215/shisan/pkg/middleware"
	"github.com/nao1215/shisan/pkg/ratelimit"
	"github.com/nao1215/shisan/pkg/token"
)

// Server はAPI GatewayサービスのHTTPサーバー。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// db はSQLiteデータベース接続。
	db *sql.DB
	// codec はローカル発行局のトークン発行器。
	codec *token.Codec
	// validator は2系統の発行局のトークン検証器。
	validator *token.Validator
	// rateLimitGate は流量制限ゲート。認証ゲートより先に適用する。
	rateLimitGate gin.HandlerFunc
	// authGate は認証ゲート。
	authGate gin.HandlerFunc
	// clients は内部ドメインサービスへの転送クライアント。
	clients serviceClients
}

// serviceClients は内部ドメインサービスへの転送クライアントの束。
type serviceClients struct {
	Investments  *httpclient.Client
	Transactions *httpclient.Client
	Goals        *httpclient.Client
}

// NewServer は新しいGatewayサーバーを生成する。
// 門番（流量制限・認証）の設定が不正な場合はエラーを返し、
// 呼び出し側はプロセス起動を失敗させる。
func NewServer(port string) (*Server, error) {
	sqlDB, err := sql.Open("sqlite", getEnvOr("GATEWAY_DB_PATH", "/data/gateway.db?_journal_mode=WAL&_busy_timeout=5000"))
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}

	if err := initSchema(sqlDB); err != nil {
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}

	tokenCfg, err := loadTokenConfig()
	if err != nil {
		return nil, fmt.Errorf("トークン設定の読み込みに失敗: %w", err)
	}

	exempt := middleware.NewExemptPaths(splitAndTrim(getEnvOr("GATE_EXEMPT_PATHS", "/health,/auth/**,/docs/**")))

	limiter, enabled, err := loadRateLimiter()
	if err != nil {
		return nil, fmt.Errorf("流量制限の設定に失敗: %w", err)
	}

	clients := serviceClients{
		Investments:  httpclient.New(getEnvOr("INVESTMENTS_URL", "http://localhost:8081")),
		Transactions: httpclient.New(getEnvOr("TRANSACTIONS_URL", "http://localhost:8082")),
		Goals:        httpclient.New(getEnvOr("GOALS_URL", "http://localhost:8083")),
	}

	s := &Server{
		router:    gin.New(),
		port:      port,
		db:        sqlDB,
		codec:     token.NewCodec(tokenCfg),
		validator: token.NewValidator(tokenCfg),
		clients:   clients,
	}
	s.rateLimitGate = middleware.RateLimit(enabled, limiter, exempt)
	s.authGate = middleware.Auth(s.validator, s.lookupPrincipal, exempt)

	frontendURL := getEnvOr("FRONTEND_URL", "http://localhost:3000")
	s.router.Use(middleware.Recovery())
	s.router.Use(gin.Logger())
	s.router.Use(middleware.CORS([]string{frontendURL}))
	s.setupRoutes()

	return s, nil
}

// Run はHTTPサーバーを起動する。
func (s *Server) Run() error {
	return s.router.Run(fmt.Sprintf(":%s", s.port))
}

// loadTokenConfig は環境変数からトークン設定を構築する。
func loadTokenConfig() (token.Config, error) {
	accessLifetime, err := getEnvDurationOr("JWT_ACCESS_LIFETIME", 15*time.Minute)
	if err != nil {
		return token.Config{}, err
	}
	refreshLifetime, err := getEnvDurationOr("JWT_REFRESH_LIFETIME", 720*time.Hour)
	if err != nil {
		return token.Config{}, err
	}

	cfg := token.Config{
		LocalSecret:       getEnvOr("JWT_SECRET", "dev-secret-key"),
		LocalIssuer:       getEnvOr("JWT_ISSUER", "shisan-gateway"),
		LocalAudience:     getEnvOr("JWT_AUDIENCE", "shisan-api"),
		AccessLifetime:    accessLifetime,
		RefreshLifetime:   refreshLifetime,
		FederatedSecret:   os.Getenv("FEDERATED_JWT_SECRET"),
		FederatedIssuer:   os.Getenv("FEDERATED_ISSUER_URL"),
		FederatedAudience: getEnvOr("FEDERATED_AUDIENCE", "authenticated"),
		FederatedRoles:    splitAndTrim(getEnvOr("FEDERATED_ROLES", "authenticated")),
	}
	if err := cfg.Validate(); err != nil {
		return token.Config{}, err
	}
	return cfg, nil
}

// loadRateLimiter は環境変数から流量制限バケットを構築する。
// 無効化されている場合はnilのバケットとenabled=falseを返す。
func loadRateLimiter() (*ratelimit.Bucket, bool, error) {
	enabled, err := getEnvBoolOr("RATE_LIMIT_ENABLED", true)
	if err != nil {
		return nil, false, err
	}
	if !enabled {
		return nil, false, nil
	}

	capacity, err := getEnvIntOr("RATE_LIMIT_CAPACITY", 100)
	if err != nil {
		return nil, false, err
	}
	refillRate, err := getEnvIntOr("RATE_LIMIT_REFILL_RATE", 100)
	if err != nil {
		return nil, false, err
	}
	window, err := getEnvDurationOr("RATE_LIMIT_REFILL_WINDOW", time.Minute)
	if err != nil {
		return nil, false, err
	}

	bucket, err := ratelimit.NewBucket(capacity, refillRate, window)
	if err != nil {
		return nil, false, err
	}
	return bucket, true, nil
}

// setupRoutes はAPIルーティングを設定する。
// 流量制限ゲート → 認証ゲートの順にすべてのルートへ適用する。
// ゲート自身が免除パスを判定するため、ルート側での除外は不要。
func (s *Server) setupRoutes() {
	s.router.Use(s.rateLimitGate)
	s.router.Use(s.authGate)

	// トークン発行エンドポイント（免除パス）
	auth := s.router.Group("/auth")
	{
		auth.POST("/register", s.handleRegister())
		auth.POST("/login", s.handleLogin())
		auth.POST("/refresh", s.handleRefresh())
	}

	// 認証済みアカウント向けAPIエンドポイント
	api := s.router.Group("/api/v1")
	{
		// アカウント情報
		api.GET("/me", s.handleGetCurrentAccount())

		// 投資・取引・目標（内部サービスへの転送）
		api.Any("/investments", s.handleForward(s.clients.Investments))
		api.Any("/investments/*rest", s.handleForward(s.clients.Investments))
		api.Any("/transactions", s.handleForward(s.clients.Transactions))
		api.Any("/transactions/*rest", s.handleForward(s.clients.Transactions))
		api.Any("/goals", s.handleForward(s.clients.Goals))
		api.Any("/goals/*rest", s.handleForward(s.clients.Goals))
	}

	// ヘルスチェック（免除パス）
	s.router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": "gateway"})
	})

	// APIドキュメント（免除パス）
	s.router.GET("/docs", s.handleDocs())
}

// registerRequest はアカウント登録リクエストのボディ。
type registerRequest struct {
	Email            string `json:"email" binding:"required"`
	DisplayName      string `json:"display_name" binding:"required"`
	FederatedSubject string `json:"federated_subject"`
}

// handleRegister はアカウントを作成してトークンペアを発行するハンドラを返す。
// 外部IDプロバイダで認証済みのユーザーはfederated_subject（UUID）を
// 指定することでフェデレーショントークンでもアカウントを引けるようになる。
func (s *Server) handleRegister() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req registerRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "emailとdisplay_nameは必須です"})
			return
		}

		var federatedSubject sql.NullString
		if req.FederatedSubject != "" {
			if _, err := uuid.Parse(req.FederatedSubject); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "federated_subjectはUUID形式でなければなりません"})
				return
			}
			federatedSubject = sql.NullString{String: req.FederatedSubject, Valid: true}
		}

		result, err := s.db.ExecContext(c.Request.Context(),
			"INSERT INTO accounts (email, display_name, federated_subject) VALUES (?, ?, ?)",
			req.Email, req.DisplayName, federatedSubject)
		if isConstraintViolation(err) {
			c.JSON(http.StatusConflict, gin.H{"error": "このemailまたはfederated_subjectは既に登録されています"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "アカウントの作成に失敗しました"})
			log.Printf("アカウント作成エラー: %v", err)
			return
		}

		accountID, err := result.LastInsertId()
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "アカウントIDの取得に失敗しました"})
			return
		}

		s.respondTokenPair(c, http.StatusCreated, accountID)
	}
}

// isConstraintViolation はSQLiteの制約違反（一意制約など）かどうかを判定する。
// 拡張エラーコードの下位8ビットが基本コードを表す。
func isConstraintViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return sqliteErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
}

// handleLogin は既存アカウントにトークンペアを再発行するハンドラを返す。
func (s *Server) handleLogin() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Email string `json:"email" binding:"required"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "emailは必須です"})
			return
		}

		var accountID int64
		err := s.db.QueryRowContext(c.Request.Context(),
			"SELECT id FROM accounts WHERE email = ?", req.Email).Scan(&accountID)
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "アカウントが見つかりません"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "アカウントの取得に失敗しました"})
			return
		}

		if _, err := s.db.ExecContext(c.Request.Context(),
			"UPDATE accounts SET last_login_at = datetime('now') WHERE id = ?", accountID); err != nil {
			log.Printf("最終ログイン時刻の更新に失敗: %v", err)
		}

		s.respondTokenPair(c, http.StatusOK, accountID)
	}
}

// handleRefresh はリフレッシュトークンからトークンペアを再発行するハンドラを返す。
func (s *Server) handleRefresh() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			RefreshToken string `json:"refresh_token"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "refresh_tokenは必須です"})
			return
		}

		// 空のトークンは検証器がErrEmptyTokenとして区別する
		accountID, ok, err := s.validator.RefreshAccountID(req.RefreshToken)
		if errors.Is(err, token.ErrEmptyToken) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "refresh_tokenは必須です"})
			return
		}
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "リフレッシュトークンが無効です"})
			return
		}

		s.respondTokenPair(c, http.StatusOK, accountID)
	}
}

// respondTokenPair はアクセストークンとリフレッシュトークンを発行して応答する。
func (s *Server) respondTokenPair(c *gin.Context, status int, accountID int64) {
	accessToken, issuedAt, err := s.codec.IssueAccessToken(accountID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "トークン生成に失敗しました"})
		log.Printf("アクセストークン生成エラー: %v", err)
		return
	}
	refreshToken, _, err := s.codec.IssueRefreshToken(accountID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "トークン生成に失敗しました"})
		log.Printf("リフレッシュトークン生成エラー: %v", err)
		return
	}

	c.JSON(status, gin.H{
		"account_id":    accountID,
		"access_token":  accessToken,
		"refresh_token": refreshToken,
		"issued_at":     issuedAt.UTC().Format(time.RFC3339),
	})
}

// handleGetCurrentAccount は認証済みアカウントの情報を返すハンドラを返す。
// 認証ゲートはリクエストを拒否しないため、未認証の判定はここで行う。
func (s *Server) handleGetCurrentAccount() gin.HandlerFunc {
	return func(c *gin.Context) {
		identity, ok := middleware.CurrentIdentity(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "認証が必要です"})
			return
		}

		account, err := s.accountOf(c.Request.Context(), identity)
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "アカウントが見つかりません"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "アカウントの取得に失敗しました"})
			return
		}

		c.JSON(http.StatusOK, gin.H{
			"id":           account.ID,
			"email":        account.Email,
			"display_name": account.DisplayName,
		})
	}
}

// handleForward は内部ドメインサービスへリクエストを転送するハンドラを返す。
func (s *Server) handleForward(client *httpclient.Client) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()
		if identity, ok := middleware.CurrentIdentity(c); ok {
			if account, isAccount := identity.(token.AccountIdentity); isAccount {
				ctx = httpclient.WithAccountID(ctx, account.AccountID)
			}
		}

		pathAndQuery := c.Request.URL.Path
		if q := c.Request.URL.RawQuery; q != "" {
			pathAndQuery += "?" + q
		}

		resp, err := client.Forward(ctx, c.Request.Method, pathAndQuery, c.Request.Body, c.Request.Header)
		if err != nil {
			c.JSON(http.StatusBadGateway, gin.H{"error": "内部サービスとの通信に失敗しました"})
			log.Printf("転送エラー: path=%s, error=%v", pathAndQuery, err)
			return
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "レスポンスの読み取りに失敗しました"})
			return
		}

		contentType := resp.Header.Get("Content-Type")
		if contentType == "" {
			contentType = "application/json"
		}
		c.Data(resp.StatusCode, contentType, body)
	}
}

// handleDocs はAPIドキュメントの概要を返すハンドラを返す。
func (s *Server) handleDocs() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"service": "shisan-gateway",
			"endpoints": []gin.H{
				{"method": "POST", "path": "/auth/register", "description": "アカウント登録とトークン発行"},
				{"method": "POST", "path": "/auth/login", "description": "トークン再発行"},
				{"method": "POST", "path": "/auth/refresh", "description": "リフレッシュトークンによる再発行"},
				{"method": "GET", "path": "/api/v1/me", "description": "認証済みアカウント情報"},
				{"method": "ANY", "path": "/api/v1/investments", "description": "投資サービスへの転送"},
				{"method": "ANY", "path": "/api/v1/transactions", "description": "取引サービスへの転送"},
				{"method": "ANY", "path": "/api/v1/goals", "description": "目標サービスへの転送"},
			},
		})
	}
}

// account はaccountsテーブルの1行。
type account struct {
	ID          int64
	Email       string
	DisplayName string
}

// accountOf は認証主体に対応するアカウントを取得する。
// ローカル主体は数値ID、フェデレーション主体はUUIDで引く。
func (s *Server) accountOf(ctx context.Context, identity token.Identity) (*account, error) {
	var row *sql.Row
	switch id := identity.(type) {
	case token.AccountIdentity:
		row = s.db.QueryRowContext(ctx,
			"SELECT id, email, display_name FROM accounts WHERE id = ?", id.AccountID)
	case token.FederatedIdentity:
		row = s.db.QueryRowContext(ctx,
			"SELECT id, email, display_name FROM accounts WHERE federated_subject = ?", id.SubjectUUID)
	default:
		return nil, fmt.Errorf("未知の認証主体: %T", identity)
	}

	var a account
	if err := row.Scan(&a.ID, &a.Email, &a.DisplayName); err != nil {
		return nil, err
	}
	return &a, nil
}

// lookupPrincipal は認証ゲートに渡すプリンシパル取得コールバック。
// アカウントが存在しない場合はエラーを返し、ゲート側で未認証に降格される。
func (s *Server) lookupPrincipal(ctx context.Context, identity token.Identity) (*middleware.Principal, error) {
	a, err := s.accountOf(ctx, identity)
	if err != nil {
		return nil, fmt.Errorf("プリンシパルの取得に失敗: %w", err)
	}
	return &middleware.Principal{
		AccountID:   a.ID,
		Email:       a.Email,
		DisplayName: a.DisplayName,
	}, nil
}

// getEnvOr は環境変数を取得し、設定されていない場合はデフォルト値を返す。
func getEnvOr(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// getEnvIntOr は整数の環境変数を取得する。不正な値はエラーを返す。
func getEnvIntOr(key string, defaultValue int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("環境変数%sが整数ではありません: %w", key, err)
	}
	return n, nil
}

// getEnvBoolOr は真偽値の環境変数を取得する。不正な値はエラーを返す。
func getEnvBoolOr(key string, defaultValue bool) (bool, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, fmt.Errorf("環境変数%sが真偽値ではありません: %w", key, err)
	}
	return b, nil
}

// getEnvDurationOr は時間の環境変数を取得する。不正な値はエラーを返す。
func getEnvDurationOr(key string, defaultValue time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("環境変数%sが時間形式ではありません: %w", key, err)
	}
	return d, nil
}

// splitAndTrim はカンマ区切りの文字列を分割して前後の空白を除去する。
func splitAndTrim(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
