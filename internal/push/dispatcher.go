package push

import (
	"context"
	"log"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nao1215/leadrelay/pkg/event"
)

// Dispatcher のデフォルト設定。
const (
	DefaultConcurrency = 4
	DefaultSendTimeout = 15 * time.Second
)

// Enqueuer は後片付けの依頼を受け付ける。Cleaner が実装する。
type Enqueuer interface {
	Enqueue(job Cleanup) bool
}

// Observer は送信結果を受け取る。
type Observer interface {
	BatchSent(success, failure int)
	BatchFailed(err error)
}

type noopObserver struct{}

func (noopObserver) BatchSent(int, int) {}
func (noopObserver) BatchFailed(error)  {}

// Summary は1件のリードに対する配信結果の集計。
type Summary struct {
	// Targets は重複除去後の宛先数。
	Targets int
	// Batches は送信したバッチ数。
	Batches int
	// Success は成功した宛先数。
	Success int
	// Failure は失敗した宛先数。バッチ全体の失敗も含む。
	Failure int
	// Cleanups は後片付けを依頼した宛先数。
	Cleanups int
}

// Dispatcher は1件のリードを複数の宛先へ配信する。
// 宛先はバッチに分割して並行に送信し、宛先ごとの失敗は分類して後片付けに回す。
type Dispatcher struct {
	sender      Sender
	cleaner     Enqueuer
	batchSize   int
	concurrency int
	timeout     time.Duration
	observer    Observer
}

// DispatcherOption はDispatcherの設定を変更する。
type DispatcherOption func(*Dispatcher)

// WithBatchSize は1バッチあたりの宛先数を設定する。MaxBatchSize を超える値は切り詰める。
func WithBatchSize(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.batchSize = min(n, MaxBatchSize)
		}
	}
}

// WithConcurrency は同時に送信するバッチ数の上限を設定する。
func WithConcurrency(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.concurrency = n
		}
	}
}

// WithSendTimeout は1バッチあたりの送信タイムアウトを設定する。
func WithSendTimeout(t time.Duration) DispatcherOption {
	return func(d *Dispatcher) {
		if t > 0 {
			d.timeout = t
		}
	}
}

// WithObserver は送信結果の通知先を設定する。
func WithObserver(o Observer) DispatcherOption {
	return func(d *Dispatcher) {
		if o != nil {
			d.observer = o
		}
	}
}

// NewDispatcher は新しいDispatcherを生成する。cleaner がnilの場合は後片付けを行わない。
func NewDispatcher(sender Sender, cleaner Enqueuer, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		sender:      sender,
		cleaner:     cleaner,
		batchSize:   MaxBatchSize,
		concurrency: DefaultConcurrency,
		timeout:     DefaultSendTimeout,
		observer:    noopObserver{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Dispatch はリードの通知を宛先へ配信する。
// 失敗はすべてログと集計に記録し、呼び出し元へエラーとして返さない。
func (d *Dispatcher) Dispatch(ctx context.Context, lead *event.LeadEvent, targets []string) Summary {
	tokens := NormalizeTargets(targets)
	summary := Summary{Targets: len(tokens)}
	if len(tokens) == 0 {
		return summary
	}

	notification := BuildNotification(lead)
	batches := Partition(tokens, d.batchSize)
	summary.Batches = len(batches)

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(d.concurrency)

	for i, batch := range batches {
		g.Go(func() error {
			part := d.sendBatch(ctx, notification, batch)
			mu.Lock()
			summary.Success += part.Success
			summary.Failure += part.Failure
			summary.Cleanups += part.Cleanups
			mu.Unlock()
			if part.Failure > 0 {
				log.Printf("[Push] バッチ%d/%dで一部の送信に失敗: lead=%s success=%d failure=%d",
					i+1, len(batches), lead.LeadID, part.Success, part.Failure)
			}
			return nil
		})
	}
	// 各バッチはエラーを返さないため、Waitの戻り値は常にnil
	_ = g.Wait()

	log.Printf("[Push] リード通知を配信しました: lead=%s targets=%d batches=%d success=%d failure=%d cleanups=%d",
		lead.LeadID, summary.Targets, summary.Batches, summary.Success, summary.Failure, summary.Cleanups)
	return summary
}

func (d *Dispatcher) sendBatch(ctx context.Context, n Notification, tokens []string) Summary {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	res, err := d.sender.SendMulticast(ctx, n, tokens)
	if err != nil {
		log.Printf("[Push] バッチ送信に失敗: tokens=%d: %v", len(tokens), err)
		d.observer.BatchFailed(err)
		return Summary{Failure: len(tokens)}
	}
	if res == nil {
		return Summary{}
	}

	part := Summary{Success: res.SuccessCount, Failure: res.FailureCount}
	for i, r := range res.Responses {
		if r.Success {
			continue
		}
		token := r.Token
		if token == "" && i < len(tokens) {
			token = tokens[i]
		}
		action := Classify(r.ErrorCode)
		if action == ActionNone {
			log.Printf("[Push] 送信に失敗: code=%s token=%s", r.ErrorCode, maskToken(token))
			continue
		}
		if d.cleaner != nil && d.cleaner.Enqueue(Cleanup{Token: token, Action: action, Reason: r.ErrorCode}) {
			part.Cleanups++
		}
	}
	d.observer.BatchSent(part.Success, part.Failure)
	return part
}

// NormalizeTargets は空のトークンを除き、重複を取り除く。順序は保持する。
func NormalizeTargets(targets []string) []string {
	seen := make(map[string]struct{}, len(targets))
	out := make([]string, 0, len(targets))
	for _, t := range targets {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, dup := seen[t]; dup {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

// Partition はトークンを size 件ずつのバッチに分割する。
func Partition(tokens []string, size int) [][]string {
	if size <= 0 {
		size = MaxBatchSize
	}
	batches := make([][]string, 0, (len(tokens)+size-1)/size)
	for start := 0; start < len(tokens); start += size {
		end := min(start+size, len(tokens))
		batches = append(batches, tokens[start:end])
	}
	return batches
}
