// Package api はリレーのHTTP APIを提供する。
//
// 認証済みユーザーが自分の端末・ブラウザのプッシュ配信先を登録・解除するAPIと、
// 運用向けのヘルスチェック（ストア疎通と上流ストリームの接続状態）、
// Prometheusメトリクスを公開する。
package api
