package push

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"golang.org/x/time/rate"

	"github.com/nao1215/leadrelay/internal/tokenstore"
)

// fakePruner は後片付けの呼び出しを記録するテスト用のPruner。
type fakePruner struct {
	mu       sync.Mutex
	deleted  []string
	disabled []string
	err      error
	// block がnil以外の場合、処理をその間停止する。
	block chan struct{}
}

func (p *fakePruner) Delete(_ context.Context, token string) error {
	if p.block != nil {
		<-p.block
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.deleted = append(p.deleted, token)
	return p.err
}

func (p *fakePruner) Disable(_ context.Context, token string) error {
	if p.block != nil {
		<-p.block
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disabled = append(p.disabled, token)
	return p.err
}

func (p *fakePruner) snapshot() (deleted, disabled []string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.deleted...), append([]string(nil), p.disabled...)
}

// countingObserver は後片付けの結果を数えるテスト用のCleanupObserver。
type countingObserver struct {
	mu      sync.Mutex
	pruned  int
	failed  int
	dropped int
}

func (o *countingObserver) EndpointPruned(_ Action, err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err != nil {
		o.failed++
		return
	}
	o.pruned++
}

func (o *countingObserver) CleanupDropped() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dropped++
}

// TestCleaner は後片付けワーカーを検証する。
func TestCleaner(t *testing.T) {
	t.Parallel()

	t.Run("依頼に応じて削除と無効化が行われること", func(t *testing.T) {
		t.Parallel()

		pruner := &fakePruner{}
		obs := &countingObserver{}
		c := NewCleaner(pruner, WithRate(rate.Inf, 1), WithCleanupObserver(obs))
		c.Start()

		if !c.Enqueue(Cleanup{Token: "dead", Action: ActionDelete, Reason: ErrorCodeUnregistered}) {
			t.Fatal("Enqueue()がfalseを返した")
		}
		if !c.Enqueue(Cleanup{Token: "bad", Action: ActionDisable, Reason: ErrorCodeInvalidArgument}) {
			t.Fatal("Enqueue()がfalseを返した")
		}

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.Close(ctx); err != nil {
			t.Fatalf("Close()でエラーが発生: %v", err)
		}

		deleted, disabled := pruner.snapshot()
		if len(deleted) != 1 || deleted[0] != "dead" {
			t.Errorf("deleted = %v, want [dead]", deleted)
		}
		if len(disabled) != 1 || disabled[0] != "bad" {
			t.Errorf("disabled = %v, want [bad]", disabled)
		}
		if obs.pruned != 2 {
			t.Errorf("pruned = %d, want 2", obs.pruned)
		}
	})

	t.Run("キューが満杯の場合はブロックせずに破棄すること", func(t *testing.T) {
		t.Parallel()

		pruner := &fakePruner{block: make(chan struct{})}
		obs := &countingObserver{}
		c := NewCleaner(pruner, WithQueueSize(1), WithWorkers(1), WithRate(rate.Inf, 1), WithCleanupObserver(obs))

		// ワーカー起動前なのでキューは1件で満杯になる
		if !c.Enqueue(Cleanup{Token: "t1", Action: ActionDelete}) {
			t.Fatal("1件目のEnqueue()がfalseを返した")
		}

		done := make(chan bool, 1)
		go func() { done <- c.Enqueue(Cleanup{Token: "t2", Action: ActionDelete}) }()

		select {
		case ok := <-done:
			if ok {
				t.Error("満杯のキューへのEnqueue()がtrueを返した")
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Enqueue()がブロックした")
		}
		if obs.dropped != 1 {
			t.Errorf("dropped = %d, want 1", obs.dropped)
		}

		c.Start()
		close(pruner.block)
		if err := c.Close(context.Background()); err != nil {
			t.Fatalf("Close()でエラーが発生: %v", err)
		}
		deleted, _ := pruner.snapshot()
		if len(deleted) != 1 || deleted[0] != "t1" {
			t.Errorf("deleted = %v, want [t1]", deleted)
		}
	})

	t.Run("停止後の依頼は受け付けないこと", func(t *testing.T) {
		t.Parallel()

		c := NewCleaner(&fakePruner{})
		c.Start()
		if err := c.Close(context.Background()); err != nil {
			t.Fatalf("Close()でエラーが発生: %v", err)
		}
		if c.Enqueue(Cleanup{Token: "late", Action: ActionDelete}) {
			t.Error("停止後のEnqueue()がtrueを返した")
		}
		// 2回目のCloseは何もしない
		if err := c.Close(context.Background()); err != nil {
			t.Errorf("2回目のClose()でエラーが発生: %v", err)
		}
	})

	t.Run("後片付け不要の依頼は受け付けないこと", func(t *testing.T) {
		t.Parallel()

		c := NewCleaner(&fakePruner{})
		if c.Enqueue(Cleanup{Token: "t", Action: ActionNone}) {
			t.Error("ActionNoneのEnqueue()がtrueを返した")
		}
		if c.Enqueue(Cleanup{Action: ActionDelete}) {
			t.Error("トークンが空のEnqueue()がtrueを返した")
		}
	})

	t.Run("ストアの失敗と存在しない配信先を区別すること", func(t *testing.T) {
		t.Parallel()

		obs := &countingObserver{}
		failing := NewCleaner(&fakePruner{err: errors.New("db down")}, WithRate(rate.Inf, 1), WithCleanupObserver(obs))
		failing.Start()
		failing.Enqueue(Cleanup{Token: "t1", Action: ActionDelete})
		if err := failing.Close(context.Background()); err != nil {
			t.Fatalf("Close()でエラーが発生: %v", err)
		}

		gone := NewCleaner(&fakePruner{err: tokenstore.ErrNotFound}, WithRate(rate.Inf, 1), WithCleanupObserver(obs))
		gone.Start()
		gone.Enqueue(Cleanup{Token: "t2", Action: ActionDelete})
		if err := gone.Close(context.Background()); err != nil {
			t.Fatalf("Close()でエラーが発生: %v", err)
		}

		if obs.failed != 1 || obs.pruned != 1 {
			t.Errorf("failed = %d pruned = %d, want 1 1", obs.failed, obs.pruned)
		}
	})
}

// TestDispatchWithCleanerAndSQLiteStore は未登録トークンが実際にストアから削除されることを検証する。
func TestDispatchWithCleanerAndSQLiteStore(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store, err := tokenstore.NewSQLiteStore(ctx, ":memory:")
	if err != nil {
		t.Fatalf("ストアの作成に失敗: %v", err)
	}
	defer store.Close()

	for _, tok := range []string{"alive", "dead"} {
		if _, err := store.Upsert(ctx, tokenstore.DeviceEndpoint{
			Token: tok, UserID: "u-" + tok, TenantID: "T1",
			Role: tokenstore.RoleAdmin, RoleExperience: tokenstore.ExperienceNone,
		}); err != nil {
			t.Fatalf("配信先の登録に失敗: %v", err)
		}
	}

	cleaner := NewCleaner(store, WithRate(rate.Inf, 1))
	cleaner.Start()
	sender := &fakeSender{failures: map[string]string{"dead": ErrorCodeUnregistered}}
	NewDispatcher(sender, cleaner).Dispatch(ctx, testLead(), []string{"alive", "dead"})

	if err := cleaner.Close(ctx); err != nil {
		t.Fatalf("Close()でエラーが発生: %v", err)
	}

	eps, err := store.FindEnabled(ctx, "T1")
	if err != nil {
		t.Fatalf("FindEnabled()でエラーが発生: %v", err)
	}
	if len(eps) != 1 || eps[0].Token != "alive" {
		t.Errorf("残った配信先 = %+v, want [alive]", eps)
	}
}
