package dedup

import (
	"context"
	"log"
	"sync"
	"time"
)

// 重複排除ウィンドウの既定値。
const (
	DefaultTTL           = 20 * time.Second
	DefaultSweepInterval = 30 * time.Second
)

// Window は処理済みリードIDを一定時間だけ記憶し、同じリードの再処理を抑止する。
// エントリは TTL を過ぎた時点で論理的に失効し、参照時またはバックグラウンドの
// 掃除で削除される。プロセス再起動をまたいだ永続化は行わない。
type Window struct {
	// ttl はエントリの有効期間。
	ttl time.Duration
	// sweepInterval はバックグラウンド掃除の間隔。
	sweepInterval time.Duration
	// now は現在時刻を返す。テストでは差し替える。
	now func() time.Time

	// mu は entries を保護する。
	mu sync.Mutex
	// entries はリードIDから処理日時への対応。
	entries map[string]time.Time
}

// Option はWindowの設定を変更する関数。
type Option func(*Window)

// WithClock は現在時刻の取得方法を差し替える。
func WithClock(now func() time.Time) Option {
	return func(w *Window) {
		w.now = now
	}
}

// WithSweepInterval はバックグラウンド掃除の間隔を変更する。
func WithSweepInterval(d time.Duration) Option {
	return func(w *Window) {
		if d > 0 {
			w.sweepInterval = d
		}
	}
}

// New は新しい重複排除ウィンドウを生成する。ttl が0以下の場合は既定値を使う。
func New(ttl time.Duration, opts ...Option) *Window {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	w := &Window{
		ttl:           ttl,
		sweepInterval: DefaultSweepInterval,
		now:           time.Now,
		entries:       make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// TTL はエントリの有効期間を返す。
func (w *Window) TTL() time.Duration {
	return w.ttl
}

// ShouldProcess はリードを処理すべきかどうかを返す。
// IDが空のリードは重複排除の対象外で常にtrueを返し、状態も変更しない。
// 有効期間内に処理済みであればfalse、失効済みであればエントリを削除してtrueを返す。
func (w *Window) ShouldProcess(leadID string) bool {
	if leadID == "" {
		return true
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	processedAt, ok := w.entries[leadID]
	if !ok {
		return true
	}
	if w.expired(processedAt) {
		delete(w.entries, leadID)
		return true
	}
	return false
}

// MarkProcessed はリードを現在時刻で処理済みとして記録する。IDが空の場合は何もしない。
func (w *Window) MarkProcessed(leadID string) {
	if leadID == "" {
		return
	}

	w.mu.Lock()
	w.entries[leadID] = w.now()
	w.mu.Unlock()
}

// Sweep は失効したエントリをすべて削除し、削除した件数を返す。
func (w *Window) Sweep() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	removed := 0
	for id, processedAt := range w.entries {
		if w.expired(processedAt) {
			delete(w.entries, id)
			removed++
		}
	}
	return removed
}

// Len は保持しているエントリ数（失効済みで未削除のものを含む）を返す。
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.entries)
}

// Start はバックグラウンドで定期的に Sweep を実行する。ctx のキャンセルで停止する。
func (w *Window) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(w.sweepInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := w.Sweep(); n > 0 {
					log.Printf("[Dedup] 失効したエントリを%d件削除しました", n)
				}
			}
		}
	}()
}

// expired は processedAt が有効期間を過ぎているかを返す。mu を保持して呼び出すこと。
func (w *Window) expired(processedAt time.Time) bool {
	return w.now().Sub(processedAt) >= w.ttl
}
