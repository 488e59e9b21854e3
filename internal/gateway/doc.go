// Package gateway はAPI Gatewayサービスの内部実装を提供する。
//
// 外部からアクセス可能な唯一のサービスであり、セキュリティの境界線として
// 機能する。すべての受信リクエストは流量制限ゲートと認証ゲートを通過した
// のちに、アカウントAPIまたは内部ドメインサービス（投資・取引・目標）への
// 転送に到達する。トークンの発行（ローカル発行局）もこのサービスが担う。
package gateway
