package stream

import "time"

// 再接続待ち時間の既定値。
const (
	DefaultBackoffFloor   = 2 * time.Second
	DefaultBackoffCeiling = 60 * time.Second
	DefaultBackoffFactor  = 1.5
)

// Backoff は再接続の待ち時間を指数的に伸ばす。
// Next は現在の待ち時間を返してから次回分を Factor 倍し、Ceiling で頭打ちにする。
// ゴルーチン安全ではない。Client が単一の書き込み手として保持する。
type Backoff struct {
	// Floor は初回および成功後の待ち時間。
	Floor time.Duration
	// Ceiling は待ち時間の上限。
	Ceiling time.Duration
	// Factor は失敗ごとの増加倍率。
	Factor float64

	current time.Duration
}

// NewBackoff は Floor から始まる Backoff を生成する。
// 不正な値は既定値で補う。
func NewBackoff(floor, ceiling time.Duration, factor float64) *Backoff {
	if floor <= 0 {
		floor = DefaultBackoffFloor
	}
	if ceiling < floor {
		ceiling = floor
	}
	if factor < 1 {
		factor = DefaultBackoffFactor
	}
	return &Backoff{Floor: floor, Ceiling: ceiling, Factor: factor, current: floor}
}

// Current は次に待つ時間を返す。状態は変えない。
func (b *Backoff) Current() time.Duration {
	if b.current == 0 {
		return b.Floor
	}
	return b.current
}

// Next は今回待つべき時間を返し、次回の待ち時間を伸ばす。
func (b *Backoff) Next() time.Duration {
	d := b.Current()

	next := float64(d) * b.Factor
	if next > float64(b.Ceiling) {
		b.current = b.Ceiling
	} else {
		b.current = time.Duration(next)
	}
	return d
}

// Reset は待ち時間を Floor に戻す。接続成功時に呼び出す。
func (b *Backoff) Reset() {
	b.current = b.Floor
}
