package token

import (
	"errors"
	"time"
)

// Config はトークン発行・検証の設定。プロセス起動時に一度だけ構築し、
// 以降は変更しない（全フィールドを読み取り専用として扱う）。
type Config struct {
	// LocalSecret はローカル発行局のHMAC署名鍵。
	LocalSecret string
	// LocalIssuer はローカルトークンのissuerクレーム値。
	LocalIssuer string
	// LocalAudience はローカルアクセストークンのaudienceクレーム値。
	// リフレッシュトークンには "-refresh" を付けた別のaudienceを使う。
	LocalAudience string
	// AccessLifetime はアクセストークンの有効期間。
	AccessLifetime time.Duration
	// RefreshLifetime はリフレッシュトークンの有効期間。
	RefreshLifetime time.Duration

	// FederatedSecret はフェデレーション発行局のHMAC署名鍵。
	FederatedSecret string
	// FederatedIssuer は外部IDプロバイダのissuer URL。
	// 未検証ペイロードのissuerクレームがこの値と一致するトークンを
	// フェデレーショントークンとして分類する。
	FederatedIssuer string
	// FederatedAudience はフェデレーショントークンに要求するaudience。
	FederatedAudience string
	// FederatedRoles はroleクレームの許可リスト。
	FederatedRoles []string
}

// refreshAudience はリフレッシュトークン用のaudienceを返す。
// アクセストークンとaudienceを分けることで、リフレッシュトークンが
// アクセストークンとして受理されることを防ぐ。
func (c Config) refreshAudience() string {
	return c.LocalAudience + "-refresh"
}

// Validate は設定値の妥当性を確認する。
// 不正な設定はプロセス起動を失敗させるべきであり、黙って動作を
// 縮退させてはならない。
func (c Config) Validate() error {
	if c.LocalSecret == "" {
		return errors.New("ローカル署名鍵が設定されていません")
	}
	if c.LocalIssuer == "" {
		return errors.New("ローカルissuerが設定されていません")
	}
	if c.LocalAudience == "" {
		return errors.New("ローカルaudienceが設定されていません")
	}
	if c.AccessLifetime <= 0 {
		return errors.New("アクセストークンの有効期間が正の値ではありません")
	}
	if c.RefreshLifetime <= 0 {
		return errors.New("リフレッシュトークンの有効期間が正の値ではありません")
	}
	if c.FederatedSecret != "" && c.FederatedIssuer == "" {
		return errors.New("フェデレーション署名鍵に対してissuer URLが設定されていません")
	}
	// issuerだけ設定されていると空の署名鍵でHMAC検証することになり、
	// 誰でも受理されるフェデレーショントークンを偽造できてしまう
	if c.FederatedIssuer != "" && c.FederatedSecret == "" {
		return errors.New("フェデレーションissuer URLに対して署名鍵が設定されていません")
	}
	return nil
}
