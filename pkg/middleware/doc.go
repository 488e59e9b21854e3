// Package middleware はGinベースのHTTP APIで使用する共通ミドルウェアを提供する。
//
// リクエストパイプラインの門番として、流量制限ゲート・認証ゲート・
// パニックリカバリ・CORS設定を含む。ゲートの適用順序は
// Recovery → CORS → RateLimit → Auth とし、流量制限で遮断された
// リクエストがトークン検証の計算を消費しないようにする。
package middleware
