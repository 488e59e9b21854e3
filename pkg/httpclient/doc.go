// Package httpclient はgatewayと内部ドメインサービス間のHTTP通信を提供する。
//
// gatewayの門番（流量制限・認証）を通過したリクエストを投資・取引・目標の
// 各サービスへ転送する。認証済みアカウントのIDをX-Account-IDヘッダーとして
// 伝播し、内部サービス側の認可判断に使えるようにする。
package httpclient
