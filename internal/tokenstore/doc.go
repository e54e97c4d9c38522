// Package tokenstore はプッシュ通知の配信先（端末トークン）の永続化を提供する。
//
// 既定はSQLite（単一プロセス構成）で、複数プロセスで共有する場合はPostgreSQLを使う。
// どちらの実装もトークンの一意性をデータベース制約で保証し、同じトークンの
// 再登録は上書き更新となる。
//
// 端末の扱いは「複数端末」方針とする。1ユーザーが複数の端末・ブラウザを
// 登録でき、新しい登録が既存の登録を削除することはない。
package tokenstore
