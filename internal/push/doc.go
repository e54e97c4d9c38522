// Package push はリード通知の組み立てと、プッシュプロバイダーへの配信を行う。
//
// Dispatcher は宛先を最大500件のバッチに分割して並行に送信する。
// あるバッチの失敗が他のバッチを止めることはない。
// 宛先ごとの失敗のうち、トークンが無効であることを示すものは Cleaner に渡され、
// 配信経路とは別のワーカーで配信先の削除または無効化が行われる。
package push
