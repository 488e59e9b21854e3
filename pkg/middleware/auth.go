package middleware

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/nao1215/shisan/pkg/token"
)

// contextKeyIdentity はGinコンテキストに認証主体を格納するためのキー。
const contextKeyIdentity = "auth_identity"

// contextKeyPrincipal はGinコンテキストにプリンシパルを格納するためのキー。
const contextKeyPrincipal = "auth_principal"

// Principal は認証主体に対応するアカウントの詳細情報。
// 下流のハンドラが認可判断に使用する。
type Principal struct {
	// AccountID はアカウントの数値ID。
	AccountID int64
	// Email はアカウントのメールアドレス。
	Email string
	// DisplayName はアカウントの表示名。
	DisplayName string
}

// PrincipalLookup は認証主体からプリンシパルを取得するコールバック。
// アカウント管理層が実装を提供する。失敗する可能性がある。
type PrincipalLookup func(ctx context.Context, identity token.Identity) (*Principal, error)

// Identifier はベアラートークンを検証して認証主体を取り出すものを表す。
// 本番では*token.Validatorを渡す。
type Identifier interface {
	Identify(tokenString string) (token.Identity, bool, error)
}

// Auth はトークン検証を行うGinミドルウェアを返す。
//
// このゲートはリクエストを拒否しない。トークンの検証に成功した場合のみ
// コンテキストに認証主体を設定し、それ以外（トークンなし・検証失敗・
// プリンシパル取得の失敗）では未認証のまま必ず後続のチェーンへ進める。
// 401/403を返すかどうかは下流の認可処理の責務である。
func Auth(validator Identifier, lookup PrincipalLookup, exempt *ExemptPaths) gin.HandlerFunc {
	return func(c *gin.Context) {
		if exempt.Match(c.Request.URL.Path) {
			c.Next()
			return
		}

		tokenString, found := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if !found || tokenString == "" {
			// トークンなし。未認証のまま通す。
			c.Next()
			return
		}

		identity, ok, err := validator.Identify(tokenString)
		if err != nil || !ok {
			c.Next()
			return
		}

		if lookup != nil {
			principal, err := materializePrincipal(c.Request.Context(), lookup, identity)
			if err != nil {
				// プリンシパル取得の失敗は検証失敗と同じ扱いにする
				log.Printf("[AuthGate] プリンシパルの取得に失敗: %v", err)
				c.Next()
				return
			}
			if principal != nil {
				c.Set(contextKeyPrincipal, principal)
			}
		}

		c.Set(contextKeyIdentity, identity)
		c.Next()
	}
}

// materializePrincipal はコールバックを呼び出してプリンシパルを取得する。
// コールバック内のpanicもエラーに変換し、ゲートの外へは伝播させない。
func materializePrincipal(ctx context.Context, lookup PrincipalLookup, identity token.Identity) (principal *Principal, err error) {
	defer func() {
		if r := recover(); r != nil {
			principal = nil
			err = fmt.Errorf("プリンシパル取得中にpanicが発生: %v", r)
		}
	}()
	return lookup(ctx, identity)
}

// CurrentIdentity はGinコンテキストから認証主体を取得する。
// Authミドルウェアが事前に適用されている必要がある。
func CurrentIdentity(c *gin.Context) (token.Identity, bool) {
	v, ok := c.Get(contextKeyIdentity)
	if !ok {
		return nil, false
	}
	identity, ok := v.(token.Identity)
	return identity, ok
}

// CurrentPrincipal はGinコンテキストからプリンシパルを取得する。
func CurrentPrincipal(c *gin.Context) (*Principal, bool) {
	v, ok := c.Get(contextKeyPrincipal)
	if !ok {
		return nil, false
	}
	principal, ok := v.(*Principal)
	return principal, ok
}
