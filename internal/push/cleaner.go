package push

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/nao1215/leadrelay/internal/tokenstore"
)

// Cleaner のデフォルト設定。
const (
	DefaultCleanupQueueSize = 1024
	DefaultCleanupWorkers   = 2
	DefaultCleanupRate      = rate.Limit(20)
	DefaultCleanupTimeout   = 5 * time.Second
)

// Pruner は無効な配信先を削除・無効化する。tokenstore.Store が実装する。
type Pruner interface {
	Delete(ctx context.Context, token string) error
	Disable(ctx context.Context, token string) error
}

// Cleanup は後片付け1件分の依頼。
type Cleanup struct {
	// Token は対象の配信トークン。
	Token string
	// Action は削除か無効化か。
	Action Action
	// Reason はきっかけとなったエラー分類。
	Reason string
}

// CleanupObserver は後片付けの結果を受け取る。
type CleanupObserver interface {
	EndpointPruned(action Action, err error)
	CleanupDropped()
}

type noopCleanupObserver struct{}

func (noopCleanupObserver) EndpointPruned(Action, error) {}
func (noopCleanupObserver) CleanupDropped()              {}

// Cleaner は無効な配信先の後片付けを非同期に行うワーカープール。
// 送信経路をブロックしないよう、依頼はキューに積むだけで即座に戻る。
type Cleaner struct {
	pruner   Pruner
	queue    chan Cleanup
	workers  int
	limiter  *rate.Limiter
	timeout  time.Duration
	observer CleanupObserver

	mu      sync.RWMutex
	closed  bool
	started bool
	wg      sync.WaitGroup
}

// CleanerOption はCleanerの設定を変更する。
type CleanerOption func(*Cleaner)

// WithQueueSize はキューの容量を設定する。
func WithQueueSize(n int) CleanerOption {
	return func(c *Cleaner) {
		if n > 0 {
			c.queue = make(chan Cleanup, n)
		}
	}
}

// WithWorkers はワーカー数を設定する。
func WithWorkers(n int) CleanerOption {
	return func(c *Cleaner) {
		if n > 0 {
			c.workers = n
		}
	}
}

// WithRate はストアへの書き込み頻度の上限（毎秒）を設定する。
func WithRate(limit rate.Limit, burst int) CleanerOption {
	return func(c *Cleaner) {
		if limit > 0 && burst > 0 {
			c.limiter = rate.NewLimiter(limit, burst)
		}
	}
}

// WithCleanupTimeout は1件あたりのストア操作のタイムアウトを設定する。
func WithCleanupTimeout(d time.Duration) CleanerOption {
	return func(c *Cleaner) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithCleanupObserver は結果の通知先を設定する。
func WithCleanupObserver(o CleanupObserver) CleanerOption {
	return func(c *Cleaner) {
		if o != nil {
			c.observer = o
		}
	}
}

// NewCleaner は新しいCleanerを生成する。ワーカーは Start で起動する。
func NewCleaner(pruner Pruner, opts ...CleanerOption) *Cleaner {
	c := &Cleaner{
		pruner:   pruner,
		queue:    make(chan Cleanup, DefaultCleanupQueueSize),
		workers:  DefaultCleanupWorkers,
		limiter:  rate.NewLimiter(DefaultCleanupRate, int(DefaultCleanupRate)),
		timeout:  DefaultCleanupTimeout,
		observer: noopCleanupObserver{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start はワーカーを起動する。2回目以降の呼び出しは何もしない。
func (c *Cleaner) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.closed {
		return
	}
	c.started = true

	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go c.work()
	}
	log.Printf("[Cleaner] ワーカーを起動しました: workers=%d queue=%d", c.workers, cap(c.queue))
}

// Enqueue は後片付けを依頼する。キューが満杯または停止済みの場合は
// 破棄してfalseを返す。呼び出し元をブロックしない。
func (c *Cleaner) Enqueue(job Cleanup) bool {
	if job.Token == "" || job.Action == ActionNone {
		return false
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}

	select {
	case c.queue <- job:
		return true
	default:
		log.Printf("[Cleaner] キューが満杯のため破棄しました: action=%s token=%s", job.Action, maskToken(job.Token))
		c.observer.CleanupDropped()
		return false
	}
}

// Close は新規の受付を止め、キューに残った依頼を処理し終えるまで待つ。
// ctx が先に終了した場合は ctx.Err() を返す。
func (c *Cleaner) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.queue)
	started := c.started
	c.mu.Unlock()

	if !started {
		return nil
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		log.Println("[Cleaner] すべての後片付けが完了しました")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Cleaner) work() {
	defer c.wg.Done()
	for job := range c.queue {
		// 停止処理中も残りを処理するため、呼び出し元のコンテキストとは切り離す
		if err := c.limiter.Wait(context.Background()); err != nil {
			log.Printf("[Cleaner] レート制限の待機に失敗: %v", err)
		}
		c.process(job)
	}
}

func (c *Cleaner) process(job Cleanup) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	var err error
	switch job.Action {
	case ActionDelete:
		err = c.pruner.Delete(ctx, job.Token)
	case ActionDisable:
		err = c.pruner.Disable(ctx, job.Token)
	default:
		return
	}

	switch {
	case err == nil:
		log.Printf("[Cleaner] 無効な配信先を処理しました: action=%s reason=%s token=%s", job.Action, job.Reason, maskToken(job.Token))
		c.observer.EndpointPruned(job.Action, nil)
	case errors.Is(err, tokenstore.ErrNotFound):
		log.Printf("[Cleaner] 配信先は既に存在しません: token=%s", maskToken(job.Token))
		c.observer.EndpointPruned(job.Action, nil)
	default:
		log.Printf("[Cleaner] 配信先の後片付けに失敗: action=%s token=%s: %v", job.Action, maskToken(job.Token), err)
		c.observer.EndpointPruned(job.Action, err)
	}
}

// maskToken はログ出力用にトークンの末尾以外を伏せる。
func maskToken(token string) string {
	const visible = 6
	if len(token) <= visible {
		return "***"
	}
	return "***" + token[len(token)-visible:]
}
