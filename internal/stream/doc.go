// Package stream は上流サービスのSSE（Server-Sent Events）ストリームの受信を担当する。
//
// Parser はバイト列を空行区切りのフレームに分割し、Client は接続を維持して
// 切断時には指数バックオフで再接続する。フレームの処理は読み込みループと同期して
// 行うため、処理が終わるまで次のチャンクは読まれない（自然な背圧）。
//
// 状態遷移:
//
//	disconnected → connecting → streaming → disconnected（ループ）
//
// 終了するのは呼び出し元のコンテキストがキャンセルされた場合のみ。
package stream
