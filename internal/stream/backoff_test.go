package stream

import (
	"testing"
	"time"
)

// TestBackoff は再接続待ち時間の計算を検証する。
func TestBackoff(t *testing.T) {
	t.Parallel()

	t.Run("失敗ごとに1.5倍に伸び上限で頭打ちになること", func(t *testing.T) {
		t.Parallel()

		b := NewBackoff(2000*time.Millisecond, 60000*time.Millisecond, 1.5)
		want := []time.Duration{
			2000 * time.Millisecond,
			3000 * time.Millisecond,
			4500 * time.Millisecond,
			6750 * time.Millisecond,
			10125 * time.Millisecond,
		}
		for i, w := range want {
			if got := b.Next(); got != w {
				t.Fatalf("Next()[%d] = %v, want %v", i, got, w)
			}
		}

		for i := 0; i < 20; i++ {
			b.Next()
		}
		if got := b.Next(); got != 60*time.Second {
			t.Errorf("上限到達後のNext() = %v, want %v", got, 60*time.Second)
		}
	})

	t.Run("Resetで次の待ち時間がFloorに戻ること", func(t *testing.T) {
		t.Parallel()

		b := NewBackoff(2*time.Second, 60*time.Second, 1.5)
		b.Next()
		b.Next()
		b.Next()
		b.Reset()
		if got := b.Next(); got != 2*time.Second {
			t.Errorf("Reset後のNext() = %v, want %v", got, 2*time.Second)
		}
	})

	t.Run("Currentは状態を変えないこと", func(t *testing.T) {
		t.Parallel()

		b := NewBackoff(time.Second, 10*time.Second, 2)
		if b.Current() != time.Second || b.Current() != time.Second {
			t.Errorf("Current() = %v, want %v", b.Current(), time.Second)
		}
	})

	t.Run("不正な設定値は既定値で補われること", func(t *testing.T) {
		t.Parallel()

		b := NewBackoff(0, 0, 0)
		if b.Floor != DefaultBackoffFloor {
			t.Errorf("Floor = %v, want %v", b.Floor, DefaultBackoffFloor)
		}
		if b.Ceiling != DefaultBackoffFloor {
			t.Errorf("Ceiling = %v, want %v", b.Ceiling, DefaultBackoffFloor)
		}
		if b.Factor != DefaultBackoffFactor {
			t.Errorf("Factor = %v, want %v", b.Factor, DefaultBackoffFactor)
		}
	})
}
