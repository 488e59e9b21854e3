package middleware

import (
	"path"
	"strings"
)

// ExemptPaths はゲートの適用を免除するパスパターンの順序付きリスト。
// ヘルスチェック・公開認証エンドポイント・APIドキュメントなどに使い、
// 認証ゲートと流量制限ゲートで同じリストを共有する。
type ExemptPaths struct {
	// patterns はglobパターンのリスト。末尾が "/**" のパターンは
	// その接頭辞以下のすべてのパスにマッチする。
	patterns []string
}

// NewExemptPaths は免除パスリストを生成する。
// 空のパターンは無視する。nilや空のリストは「何も免除しない」を意味する。
func NewExemptPaths(patterns []string) *ExemptPaths {
	e := &ExemptPaths{}
	for _, p := range patterns {
		p = strings.TrimSpace(p)
		if p != "" {
			e.patterns = append(e.patterns, p)
		}
	}
	return e
}

// Match はリクエストパスがいずれかの免除パターンに一致するかを返す。
func (e *ExemptPaths) Match(requestPath string) bool {
	if e == nil {
		return false
	}
	for _, pattern := range e.patterns {
		if prefix, found := strings.CutSuffix(pattern, "/**"); found {
			if requestPath == prefix || strings.HasPrefix(requestPath, prefix+"/") {
				return true
			}
			continue
		}
		if ok, err := path.Match(pattern, requestPath); err == nil && ok {
			return true
		}
	}
	return false
}
