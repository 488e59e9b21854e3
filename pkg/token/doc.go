// Package token はアクセストークンの発行と検証を提供する。
//
// 自前の発行局（gatewayサービス）が署名するローカルトークンと、
// 外部IDプロバイダが署名するフェデレーショントークンの2系統を扱う。
// 両者は署名鍵とクレーム構造が異なるため、署名検証の前に
// 発行者クレームによる分類を行い、分類結果に応じて検証鍵を選択する。
package token
