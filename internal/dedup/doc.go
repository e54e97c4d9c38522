// Package dedup はリード通知の重複排除ウィンドウを提供する。
//
// 上流サービスは再接続時などに同じリードを再送することがあるため、
// 一定時間内に処理済みのリードIDを記憶して二重通知を防ぐ。
// 保証するのはウィンドウ内での「高々1回」であり、プロセス再起動後は記憶を失う。
package dedup
