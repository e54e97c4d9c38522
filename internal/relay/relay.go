// Package relay は受信したリードイベントを通知先の決定と配信へ橋渡しする。
package relay

import (
	"context"
	"errors"
	"log"
	"time"

	"github.com/nao1215/leadrelay/internal/metrics"
	"github.com/nao1215/leadrelay/internal/push"
	"github.com/nao1215/leadrelay/internal/stream"
	"github.com/nao1215/leadrelay/pkg/event"
)

// Gate は処理済みリードによる重複排除を行う。*dedup.Window が実装する。
type Gate interface {
	ShouldProcess(leadID string) bool
	MarkProcessed(leadID string)
}

// Resolver はテナントIDから通知先トークンを決定する。*recipient.Resolver が実装する。
type Resolver interface {
	Resolve(ctx context.Context, tenantID string) ([]string, error)
}

// Dispatcher はリードを通知先へ配信する。*push.Dispatcher が実装する。
type Dispatcher interface {
	Dispatch(ctx context.Context, lead *event.LeadEvent, targets []string) push.Summary
}

// Recorder は処理結果を記録する。*metrics.Metrics が実装する。
type Recorder interface {
	FrameReceived(frameType string)
	LeadHandled(outcome string)
	DispatchObserved(d time.Duration)
}

type noopRecorder struct{}

func (noopRecorder) FrameReceived(string)           {}
func (noopRecorder) LeadHandled(string)             {}
func (noopRecorder) DispatchObserved(time.Duration) {}

// Relay はストリームのフレームを受け取り、リードイベントだけを処理する。
// stream.FrameHandler を実装する。1件ずつ順番に処理され、並行には呼ばれない前提。
type Relay struct {
	gate       Gate
	resolver   Resolver
	dispatcher Dispatcher
	recorder   Recorder
	now        func() time.Time
}

// Option はRelayの設定を変更する。
type Option func(*Relay)

// WithRecorder は処理結果の記録先を設定する。
func WithRecorder(r Recorder) Option {
	return func(rl *Relay) {
		if r != nil {
			rl.recorder = r
		}
	}
}

// WithClock は時刻の取得関数を差し替える。
func WithClock(now func() time.Time) Option {
	return func(rl *Relay) {
		if now != nil {
			rl.now = now
		}
	}
}

// New は新しいRelayを生成する。
func New(gate Gate, resolver Resolver, dispatcher Dispatcher, opts ...Option) *Relay {
	r := &Relay{
		gate:       gate,
		resolver:   resolver,
		dispatcher: dispatcher,
		recorder:   noopRecorder{},
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

var _ stream.FrameHandler = (*Relay)(nil)

// HandleFrame はフレームを処理する。リード以外のフレームは無視する。
// エラーはログと記録に残し、呼び出し元には返さない。
func (r *Relay) HandleFrame(ctx context.Context, f stream.Frame) {
	r.recorder.FrameReceived(string(f.Type()))

	lead, ok := r.leadFromFrame(f)
	if !ok {
		return
	}
	r.HandleLead(ctx, lead)
}

// leadFromFrame はフレームがリードであればデコードして返す。
// event: lead のフレームか、event: 無しでペイロードの type が lead のフレームが対象。
func (r *Relay) leadFromFrame(f stream.Frame) (*event.LeadEvent, bool) {
	switch f.Type() {
	case event.TypeLead:
		lead, err := f.Lead()
		if err != nil {
			log.Printf("[Relay] リードイベントのデコードに失敗したため破棄します: id=%s: %v", f.ID, err)
			r.recorder.LeadHandled(metrics.OutcomeMalformed)
			return nil, false
		}
		return lead, true
	case event.TypeMessage:
		lead, err := f.Lead()
		if err != nil {
			// 種別を判別できないメッセージはリードではないものとして扱う
			return nil, false
		}
		if lead.Type != event.TypeLead {
			return nil, false
		}
		return lead, true
	default:
		return nil, false
	}
}

// HandleLead はデコード済みのリードを処理する。
// テナントの決定、重複判定、通知先の決定、配信、処理済みの記録を順に行う。
func (r *Relay) HandleLead(ctx context.Context, lead *event.LeadEvent) {
	leadID := lead.LeadID.String()

	tenantID := lead.RoutingTenant()
	if tenantID == "" {
		log.Printf("[Relay] テナントIDが無いため破棄します: lead=%s", leadID)
		r.recorder.LeadHandled(metrics.OutcomeUnroutable)
		return
	}

	if leadID != "" && !r.gate.ShouldProcess(leadID) {
		r.recorder.LeadHandled(metrics.OutcomeDuplicate)
		return
	}

	start := r.now()
	targets, err := r.resolver.Resolve(ctx, tenantID)
	if err != nil {
		// 処理済みにしないので、再送されれば再び処理される
		if !errors.Is(err, context.Canceled) {
			log.Printf("[Relay] 通知先の決定に失敗: lead=%s tenant=%s: %v", leadID, tenantID, err)
		}
		r.recorder.LeadHandled(metrics.OutcomeResolveError)
		return
	}

	if len(targets) == 0 {
		log.Printf("[Relay] 通知先がありません: lead=%s tenant=%s", leadID, tenantID)
		r.markProcessed(leadID)
		r.recorder.LeadHandled(metrics.OutcomeNoRecipients)
		return
	}

	summary := r.dispatcher.Dispatch(ctx, lead, targets)
	r.markProcessed(leadID)
	r.recorder.DispatchObserved(r.now().Sub(start))
	r.recorder.LeadHandled(metrics.OutcomeDispatched)

	log.Printf("[Relay] リードを処理しました: lead=%s tenant=%s targets=%d success=%d failure=%d",
		leadID, tenantID, summary.Targets, summary.Success, summary.Failure)
}

func (r *Relay) markProcessed(leadID string) {
	if leadID != "" {
		r.gate.MarkProcessed(leadID)
	}
}
