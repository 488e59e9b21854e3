package token

import (
	"errors"
	"slices"
	"strconv"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrEmptyToken は検証メソッドに空のトークンが渡されたことを表す。
// 空のトークンは呼び出し側の契約違反であり、署名不一致や期限切れのような
// 通常の否定的な検証結果（falseで表現する）とは区別する。
var ErrEmptyToken = errors.New("トークンが空です")

// Scheme はトークンの発行局の分類結果を表す。
type Scheme int

const (
	// SchemeUnrecognized は構造的に解釈できないトークン。
	SchemeUnrecognized Scheme = iota
	// SchemeLocal はローカル発行局のトークン。
	SchemeLocal
	// SchemeFederated はフェデレーション発行局のトークン。
	SchemeFederated
)

// federatedClaims はフェデレーショントークンのクレーム。
// 標準クレームに加えてroleクレームを持つ。
type federatedClaims struct {
	jwt.RegisteredClaims
	// Role は外部IDプロバイダが付与するロール。
	Role string `json:"role"`
}

// Validator は2系統の発行局のトークンを検証する。
// 状態を持たず、すべてのメソッドは並行呼び出しに対して安全。
type Validator struct {
	// cfg はトークン検証の設定。
	cfg Config
}

// NewValidator は新しいValidatorを生成する。
func NewValidator(cfg Config) *Validator {
	return &Validator{cfg: cfg}
}

// Classify はトークンの発行局を分類する。
// 署名を検証する前に検証鍵を選択する必要があるため、未検証ペイロードの
// issuerクレームだけを見る。署名鍵には一切触れない。
func (v *Validator) Classify(tokenString string) Scheme {
	parsed, _, err := jwt.NewParser().ParseUnverified(tokenString, &jwt.RegisteredClaims{})
	if err != nil {
		return SchemeUnrecognized
	}
	issuer, err := parsed.Claims.GetIssuer()
	if err != nil {
		return SchemeUnrecognized
	}
	if v.cfg.FederatedIssuer != "" && issuer == v.cfg.FederatedIssuer {
		return SchemeFederated
	}
	return SchemeLocal
}

// IsFederated はトークンがフェデレーション発行局のものかどうかを返す。
func (v *Validator) IsFederated(tokenString string) bool {
	return v.Classify(tokenString) == SchemeFederated
}

// ValidateLocal はローカルアクセストークンを検証する。
// 署名・有効期限・issuer・audienceをすべて確認する。
// 否定的な検証結果はfalseで返し、エラーは空トークンの場合のみ返す。
func (v *Validator) ValidateLocal(tokenString string) (bool, error) {
	if tokenString == "" {
		return false, ErrEmptyToken
	}
	_, ok := v.parseLocal(tokenString, v.cfg.LocalAudience)
	return ok, nil
}

// ValidateRefresh はローカルリフレッシュトークンを検証する。
// audienceが異なるため、アクセストークンはこの検証を通らない。
func (v *Validator) ValidateRefresh(tokenString string) (bool, error) {
	if tokenString == "" {
		return false, ErrEmptyToken
	}
	_, ok := v.parseLocal(tokenString, v.cfg.refreshAudience())
	return ok, nil
}

// LocalAccountID はローカルアクセストークンからアカウントIDを取り出す。
// トークンが検証を通らない場合は (0, false, nil) を返す。
func (v *Validator) LocalAccountID(tokenString string) (int64, bool, error) {
	if tokenString == "" {
		return 0, false, ErrEmptyToken
	}
	return v.accountID(tokenString, v.cfg.LocalAudience)
}

// RefreshAccountID はローカルリフレッシュトークンからアカウントIDを取り出す。
func (v *Validator) RefreshAccountID(tokenString string) (int64, bool, error) {
	if tokenString == "" {
		return 0, false, ErrEmptyToken
	}
	return v.accountID(tokenString, v.cfg.refreshAudience())
}

// accountID は指定audienceで検証したトークンのsubjectを数値IDとして返す。
func (v *Validator) accountID(tokenString, audience string) (int64, bool, error) {
	claims, ok := v.parseLocal(tokenString, audience)
	if !ok {
		return 0, false, nil
	}
	id, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return 0, false, nil
	}
	return id, true, nil
}

// ValidateFederated はフェデレーショントークンを検証する。
// 署名・有効期限・issuer・audienceに加えて、roleクレームが許可リストに
// 含まれること、subjectクレームがUUID形式であることを確認する。
func (v *Validator) ValidateFederated(tokenString string) (bool, error) {
	if tokenString == "" {
		return false, ErrEmptyToken
	}
	_, ok := v.parseFederated(tokenString)
	return ok, nil
}

// FederatedSubject はフェデレーショントークンからUUID形式のsubjectを取り出す。
func (v *Validator) FederatedSubject(tokenString string) (string, bool, error) {
	if tokenString == "" {
		return "", false, ErrEmptyToken
	}
	claims, ok := v.parseFederated(tokenString)
	if !ok {
		return "", false, nil
	}
	return claims.Subject, true, nil
}

// FederatedRole はフェデレーショントークンからroleクレームを取り出す。
func (v *Validator) FederatedRole(tokenString string) (string, bool, error) {
	if tokenString == "" {
		return "", false, ErrEmptyToken
	}
	claims, ok := v.parseFederated(tokenString)
	if !ok {
		return "", false, nil
	}
	return claims.Role, true, nil
}

// Validate は発行局を分類したうえでトークンを検証する。
// 分類できないトークンは否定的な検証結果として扱う。
func (v *Validator) Validate(tokenString string) (bool, error) {
	if tokenString == "" {
		return false, ErrEmptyToken
	}
	switch v.Classify(tokenString) {
	case SchemeFederated:
		return v.ValidateFederated(tokenString)
	case SchemeLocal:
		return v.ValidateLocal(tokenString)
	default:
		return false, nil
	}
}

// Identify は発行局を分類したうえでトークンを検証し、型付きの認証主体を返す。
// 呼び出し側はクレームを再度調べることなく、ローカル（数値ID）か
// フェデレーション（UUID）かで分岐できる。
func (v *Validator) Identify(tokenString string) (Identity, bool, error) {
	if tokenString == "" {
		return nil, false, ErrEmptyToken
	}
	switch v.Classify(tokenString) {
	case SchemeFederated:
		claims, ok := v.parseFederated(tokenString)
		if !ok {
			return nil, false, nil
		}
		return FederatedIdentity{SubjectUUID: claims.Subject, Role: claims.Role}, true, nil
	case SchemeLocal:
		id, ok, err := v.LocalAccountID(tokenString)
		if err != nil || !ok {
			return nil, false, err
		}
		return AccountIdentity{AccountID: id}, true, nil
	default:
		return nil, false, nil
	}
}

// parseLocal はローカル署名鍵でトークンを検証し、クレームを返す。
func (v *Validator) parseLocal(tokenString, audience string) (*jwt.RegisteredClaims, bool) {
	claims := &jwt.RegisteredClaims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
		return []byte(v.cfg.LocalSecret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.cfg.LocalIssuer),
		jwt.WithAudience(audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		return nil, false
	}
	return claims, true
}

// parseFederated はフェデレーション署名鍵でトークンを検証し、クレームを返す。
func (v *Validator) parseFederated(tokenString string) (*federatedClaims, bool) {
	claims := &federatedClaims{}
	parsed, err := jwt.ParseWithClaims(tokenString, claims, func(_ *jwt.Token) (any, error) {
		return []byte(v.cfg.FederatedSecret), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.cfg.FederatedIssuer),
		jwt.WithAudience(v.cfg.FederatedAudience),
		jwt.WithExpirationRequired(),
	)
	if err != nil || !parsed.Valid {
		return nil, false
	}
	// 署名が正しくてもroleとsubjectの形式が要件を満たさなければ拒否する
	if !slices.Contains(v.cfg.FederatedRoles, claims.Role) {
		return nil, false
	}
	if _, err := uuid.Parse(claims.Subject); err != nil {
		return nil, false
	}
	return claims, true
}
