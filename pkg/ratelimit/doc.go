// Package ratelimit はトークンバケット方式の流量制限を提供する。
//
// バケットはプロセス全体で1つだけ生成し、すべてのリクエストが共有する。
// 補充はバックグラウンドのタイマーではなく、消費のたびに経過時間から
// 遅延計算する。補充と消費は単一のロック区間で行い、並行リクエストによる
// 更新の喪失や二重消費を防ぐ。
package ratelimit
