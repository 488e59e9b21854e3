package token

// Identity は認証済みの呼び出し元を表す。
// ローカル発行局のトークンからはAccountIdentityが、
// フェデレーション発行局のトークンからはFederatedIdentityが得られる。
// 未認証のリクエストにはIdentityが存在しない（nilではなく不在で表現する）。
type Identity interface {
	isIdentity()
}

// AccountIdentity はローカル発行局のトークンに対応する認証主体。
type AccountIdentity struct {
	// AccountID はアカウントの数値ID。トークンのsubjectクレームに由来する。
	AccountID int64
}

func (AccountIdentity) isIdentity() {}

// FederatedIdentity はフェデレーション発行局のトークンに対応する認証主体。
type FederatedIdentity struct {
	// SubjectUUID は外部IDプロバイダが割り当てたUUID形式の主体識別子。
	SubjectUUID string
	// Role はトークンのroleクレーム。許可リスト検証済みの値が入る。
	Role string
}

func (FederatedIdentity) isIdentity() {}
