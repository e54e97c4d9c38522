// Package middleware は配信先登録APIで使用するGinミドルウェアを提供する。
//
// JWTによる主体（ユーザーとテナント）の認証、パニックリカバリ、
// ブラウザからの登録を許可するCORS設定を含む。
package middleware
