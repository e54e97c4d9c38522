// Package httpclient は上流サービスのイベントストリームへ接続するクライアントを提供する。
//
// text/event-stream を返すエンドポイントにGETで接続し、認証ヘッダーの付与と
// 2xx以外のレスポンスのエラー化を共通化する。
package httpclient
