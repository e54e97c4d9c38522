package stream

import (
	"bytes"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/nao1215/leadrelay/pkg/event"
)

// ErrMalformedFrame はフレームのペイロードが構造化パースできない場合のエラー。
// フレーム単位の回復可能なエラーであり、ストリーム自体は継続する。
var ErrMalformedFrame = errors.New("不正なフレーム")

// ErrFrameTooLarge は区切りの無いまま保持バイト数が上限を超えた場合のエラー。
// バッファは破棄済みであり、呼び出し側は接続をやり直す。
var ErrFrameTooLarge = errors.New("フレームが上限サイズを超えました")

// DefaultMaxFrameSize は未完成のフレームとして保持できる既定の最大バイト数。
const DefaultMaxFrameSize = 1 << 20

// frameDelimiter はフレームの区切り（空行）。改行コードは \n に正規化済み。
var frameDelimiter = []byte("\n\n")

// Frame はSSEストリームの1イベント分のフレーム。
type Frame struct {
	// Event は event: フィールドの値。未指定の場合は空文字列。
	Event string
	// Data は data: フィールドの値。複数行の場合は改行で連結済み。
	Data string
	// ID は id: フィールドの値。
	ID string
	// Retry は retry: フィールドの値（未解釈）。
	Retry string
}

// Type はフレームの論理的なイベント種別を返す。
// event: が無いフレームはSSEの慣例に従い "message" として扱う。
func (f Frame) Type() event.Type {
	if f.Event == "" {
		return event.TypeMessage
	}
	return event.Type(f.Event)
}

// Lead はフレームのペイロードを LeadEvent としてデコードする。
// 失敗した場合は ErrMalformedFrame をラップしたエラーを返す。
func (f Frame) Lead() (*event.LeadEvent, error) {
	ev, err := event.DecodeLead([]byte(f.Data))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
	}
	return ev, nil
}

// Parser は到着順に受け取ったバイト列をフレームに分割する。
// 改行コードは CRLF・CR・LF のいずれも受け付け、追記時に \n へ正規化する。
// 区切りが揃っていない末尾の断片は次のFeedまでバッファに保持する。
// ゼロ値のまま使用できるが、ゴルーチン間で共有してはならない。
type Parser struct {
	buf []byte
	// pendingCR は直前のチャンクが \r で終わったことを表す。
	// 次のチャンク先頭の \n は同じ改行の一部として読み捨てる。
	pendingCR bool
	// maxSize は保持できる最大バイト数。0以下なら DefaultMaxFrameSize。
	maxSize int
}

// NewParser は保持バイト数の上限を指定してParserを生成する。
func NewParser(maxSize int) *Parser {
	return &Parser{maxSize: maxSize}
}

// Feed はチャンクを追記し、完成したフレームを到着順に返す。
// 何もデータ行を持たないフレーム（コメントのみのハートビート等）は返さない。
// 区切りの無いまま上限を超えた場合は保持中の断片を破棄し、ErrFrameTooLarge を返す。
// その場合もそれまでに完成したフレームは返す。
func (p *Parser) Feed(chunk []byte) ([]Frame, error) {
	p.appendNormalized(chunk)

	var frames []Frame
	for {
		idx := bytes.Index(p.buf, frameDelimiter)
		if idx < 0 {
			break
		}
		raw := p.buf[:idx]
		p.buf = p.buf[idx+len(frameDelimiter):]

		if f, ok := parseFrame(raw); ok {
			frames = append(frames, f)
		}
	}

	if n := len(p.buf); n > p.limit() {
		log.Printf("[Stream] 区切りの無いデータが上限を超えたため破棄します: buffered=%d limit=%d", n, p.limit())
		p.Reset()
		return frames, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}

	// 読み切ったバッファは再利用せず解放する
	if len(p.buf) == 0 {
		p.buf = nil
	}
	return frames, nil
}

// appendNormalized は改行コードを \n に揃えながらチャンクを追記する。
// \r は即座に \n として書き込み、直後の \n はチャンクをまたいでも読み捨てる。
func (p *Parser) appendNormalized(chunk []byte) {
	for len(chunk) > 0 {
		if p.pendingCR {
			p.pendingCR = false
			if chunk[0] == '\n' {
				chunk = chunk[1:]
				continue
			}
		}
		i := bytes.IndexByte(chunk, '\r')
		if i < 0 {
			p.buf = append(p.buf, chunk...)
			return
		}
		p.buf = append(p.buf, chunk[:i]...)
		p.buf = append(p.buf, '\n')
		p.pendingCR = true
		chunk = chunk[i+1:]
	}
}

func (p *Parser) limit() int {
	if p.maxSize > 0 {
		return p.maxSize
	}
	return DefaultMaxFrameSize
}

// Buffered は未完成のまま保持しているバイト数を返す。
func (p *Parser) Buffered() int {
	return len(p.buf)
}

// Reset は保持している断片を破棄する。再接続時に前の接続の断片を持ち越さないために使う。
func (p *Parser) Reset() {
	p.buf = nil
	p.pendingCR = false
}

// parseFrame は区切り文字を除いた1フレーム分のテキストを解釈する。
func parseFrame(raw []byte) (Frame, bool) {
	var (
		f        Frame
		dataLine []string
		hasData  bool
	)
	for _, line := range strings.Split(string(raw), "\n") {
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "event":
			f.Event = value
		case "data":
			dataLine = append(dataLine, value)
			hasData = true
		case "id":
			f.ID = value
		case "retry":
			f.Retry = value
		}
	}
	if !hasData {
		return Frame{}, false
	}
	f.Data = strings.Join(dataLine, "\n")
	return f, true
}
