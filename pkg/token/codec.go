package token

import (
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func init() {
	// golang-jwtの既定ではexp/iatクレームが秒単位に切り捨てられ、
	// 1秒未満の有効期間を持つトークンが発行時点で期限切れになる。
	// 発行と検証の両方をミリ秒精度に揃える。
	jwt.TimePrecision = time.Millisecond
}

// Codec はローカル発行局のトークンを発行する。
// 状態を持たず、すべてのメソッドは並行呼び出しに対して安全。
type Codec struct {
	// cfg はトークン発行の設定。
	cfg Config
	// now は現在時刻の取得関数。テストで差し替えるためにフィールド化している。
	now func() time.Time
}

// NewCodec は新しいCodecを生成する。
func NewCodec(cfg Config) *Codec {
	return &Codec{cfg: cfg, now: time.Now}
}

// IssueAccessToken は指定アカウントのアクセストークンを発行する。
// 発行時刻も併せて返す。
func (c *Codec) IssueAccessToken(accountID int64) (string, time.Time, error) {
	return c.issue(accountID, c.cfg.LocalAudience, c.cfg.AccessLifetime)
}

// IssueRefreshToken は指定アカウントのリフレッシュトークンを発行する。
// アクセストークンとはaudienceと有効期間が異なる。
func (c *Codec) IssueRefreshToken(accountID int64) (string, time.Time, error) {
	return c.issue(accountID, c.cfg.refreshAudience(), c.cfg.RefreshLifetime)
}

// issue はHS256で署名したトークンを生成する共通処理。
func (c *Codec) issue(accountID int64, audience string, lifetime time.Duration) (string, time.Time, error) {
	issuedAt := c.now()
	claims := jwt.RegisteredClaims{
		Subject:   strconv.FormatInt(accountID, 10),
		Issuer:    c.cfg.LocalIssuer,
		Audience:  jwt.ClaimStrings{audience},
		IssuedAt:  jwt.NewNumericDate(issuedAt),
		ExpiresAt: jwt.NewNumericDate(issuedAt.Add(lifetime)),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(c.cfg.LocalSecret))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("トークンの署名に失敗: %w", err)
	}
	return signed, issuedAt, nil
}
