package stream

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrAlreadyRunning は Run が既に実行中の場合に返されるエラー。
	ErrAlreadyRunning = errors.New("ストリームクライアントは既に実行中です")
	// ErrStreamEnded は上流サービスがストリームを正常終了した場合のエラー。
	// 正常終了であっても再接続の対象となる。
	ErrStreamEnded = errors.New("ストリームが終了しました")
)

// Phase は接続状態を表す。
type Phase string

const (
	// PhaseDisconnected は未接続（再接続待ちを含む）。
	PhaseDisconnected Phase = "disconnected"
	// PhaseConnecting は接続試行中。
	PhaseConnecting Phase = "connecting"
	// PhaseStreaming はストリーム受信中。
	PhaseStreaming Phase = "streaming"
)

// ReconnectState は再接続状態のスナップショット。
type ReconnectState struct {
	// Phase は現在の接続状態。
	Phase Phase `json:"phase"`
	// Connected はストリーム受信中かどうか。
	Connected bool `json:"connected"`
	// CurrentDelay は次の再接続までの待ち時間。
	CurrentDelay time.Duration `json:"current_delay"`
	// MaxDelay は待ち時間の上限。
	MaxDelay time.Duration `json:"max_delay"`
	// Reconnects はプロセス起動後の再接続回数。
	Reconnects int64 `json:"reconnects"`
}

// Opener はストリームを開く。*httpclient.Client が実装する。
type Opener interface {
	OpenStream(ctx context.Context, path string) (*http.Response, error)
}

// FrameHandler は受信したフレームを処理する。
// 呼び出しは読み込みループと同期しており、戻るまで次のチャンクは読まれない。
type FrameHandler interface {
	HandleFrame(ctx context.Context, f Frame)
}

// FrameHandlerFunc は関数を FrameHandler として扱うためのアダプタ。
type FrameHandlerFunc func(ctx context.Context, f Frame)

// HandleFrame は f(ctx, frame) を呼び出す。
func (fn FrameHandlerFunc) HandleFrame(ctx context.Context, f Frame) {
	fn(ctx, f)
}

// Observer は接続状態の変化を受け取る。メトリクス記録に使用する。
type Observer interface {
	StreamConnected()
	StreamDisconnected(err error, nextDelay time.Duration)
}

// Client は上流サービスへのSSE接続を維持するクライアント。
// 切断・エラー時は指数バックオフで再接続し続け、終了するのは ctx のキャンセル時のみ。
type Client struct {
	// opener はストリームを開くHTTPクライアント。
	opener Opener
	// path は接続先のパス。
	path string
	// handler はフレームの処理先。
	handler FrameHandler
	// observer は状態変化の通知先。nilの場合は通知しない。
	observer Observer
	// backoff は再接続待ち時間の計算器。Run を実行するゴルーチンのみが触る。
	backoff *Backoff
	// readSize は1回の読み込みで使うバッファサイズ。
	readSize int
	// maxFrameSize は1フレームとして保持できる最大バイト数。
	maxFrameSize int

	// running は Run の多重起動を防ぐフラグ。
	running atomic.Bool
	// mu は state を保護する。
	mu    sync.RWMutex
	state ReconnectState
}

// ClientOption はClientの設定を変更する関数。
type ClientOption func(*Client)

// WithBackoff は再接続の待ち時間設定を変更する。
func WithBackoff(b *Backoff) ClientOption {
	return func(c *Client) {
		c.backoff = b
	}
}

// WithObserver は状態変化の通知先を設定する。
func WithObserver(o Observer) ClientOption {
	return func(c *Client) {
		c.observer = o
	}
}

// WithReadBufferSize は読み込みバッファのサイズを変更する。
func WithReadBufferSize(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.readSize = n
		}
	}
}

// WithMaxFrameSize は区切りの無いまま保持できる最大バイト数を変更する。
// 超えた場合は接続を切断して再接続する。
func WithMaxFrameSize(n int) ClientOption {
	return func(c *Client) {
		if n > 0 {
			c.maxFrameSize = n
		}
	}
}

// NewClient は新しいストリームクライアントを生成する。
func NewClient(opener Opener, path string, handler FrameHandler, opts ...ClientOption) *Client {
	c := &Client{
		opener:       opener,
		path:         path,
		handler:      handler,
		backoff:      NewBackoff(DefaultBackoffFloor, DefaultBackoffCeiling, DefaultBackoffFactor),
		readSize:     4096,
		maxFrameSize: DefaultMaxFrameSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.state = ReconnectState{
		Phase:        PhaseDisconnected,
		CurrentDelay: c.backoff.Current(),
		MaxDelay:     c.backoff.Ceiling,
	}
	return c
}

// State は現在の再接続状態を返す。任意のゴルーチンから呼び出せる。
func (c *Client) State() ReconnectState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// Run は接続・受信・再接続のループを実行する。
// ctx がキャンセルされると進行中の接続を中断し、ctx.Err() を返す。
// 同時に2つ目の Run を呼ぶと ErrAlreadyRunning を返す。
func (c *Client) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer c.running.Store(false)

	log.Printf("[Stream] ストリームクライアントを開始します: path=%q", c.path)
	for {
		if err := ctx.Err(); err != nil {
			c.setDisconnected(c.backoff.Current(), false)
			return err
		}

		err := c.connectAndStream(ctx)
		if ctxErr := ctx.Err(); ctxErr != nil {
			c.setDisconnected(c.backoff.Current(), false)
			log.Println("[Stream] ストリームクライアントを停止しました")
			return ctxErr
		}

		delay := c.backoff.Next()
		c.setDisconnected(delay, true)
		if c.observer != nil {
			c.observer.StreamDisconnected(err, delay)
		}
		log.Printf("[Stream] 切断されました。%v 後に再接続します: %v", delay, err)

		if err := sleep(ctx, delay); err != nil {
			c.setDisconnected(c.backoff.Current(), false)
			log.Println("[Stream] ストリームクライアントを停止しました")
			return err
		}
	}
}

// connectAndStream は1回分の接続を確立し、切断されるまでフレームを処理する。
// 戻り値は切断理由であり、常に非nilとなる。
func (c *Client) connectAndStream(ctx context.Context) error {
	c.setPhase(PhaseConnecting)

	resp, err := c.opener.OpenStream(ctx, c.path)
	if err != nil {
		return fmt.Errorf("ストリームへの接続に失敗: %w", err)
	}
	defer resp.Body.Close()

	c.backoff.Reset()
	c.setStreaming()
	if c.observer != nil {
		c.observer.StreamConnected()
	}
	log.Printf("[Stream] ストリームに接続しました: status=%d", resp.StatusCode)

	parser := NewParser(c.maxFrameSize)
	buf := make([]byte, c.readSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			frames, feedErr := parser.Feed(buf[:n])
			for _, f := range frames {
				c.handle(ctx, f)
			}
			if feedErr != nil {
				return fmt.Errorf("ストリームの解析に失敗: %w", feedErr)
			}
		}
		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				return ErrStreamEnded
			}
			return fmt.Errorf("ストリームの読み込みに失敗: %w", readErr)
		}
	}
}

// handle はハンドラのパニックを捕捉し、ストリームの受信を継続させる。
func (c *Client) handle(ctx context.Context, f Frame) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[PANIC] [Stream] フレーム処理中にパニックが発生: event=%q: %v", f.Event, r)
		}
	}()
	c.handler.HandleFrame(ctx, f)
}

func (c *Client) setPhase(p Phase) {
	c.mu.Lock()
	c.state.Phase = p
	c.state.Connected = p == PhaseStreaming
	c.mu.Unlock()
}

func (c *Client) setStreaming() {
	c.mu.Lock()
	c.state.Phase = PhaseStreaming
	c.state.Connected = true
	c.state.CurrentDelay = c.backoff.Current()
	c.mu.Unlock()
}

func (c *Client) setDisconnected(delay time.Duration, reconnecting bool) {
	c.mu.Lock()
	c.state.Phase = PhaseDisconnected
	c.state.Connected = false
	c.state.CurrentDelay = delay
	if reconnecting {
		c.state.Reconnects++
	}
	c.mu.Unlock()
}

// sleep は d だけ待つ。ctx がキャンセルされた場合は即座に ctx.Err() を返す。
func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
