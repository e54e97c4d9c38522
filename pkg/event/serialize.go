package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrNotObject はペイロードがJSONオブジェクトで始まらない場合に返されるエラー。
var ErrNotObject = errors.New("ペイロードがJSONオブジェクトではありません")

// Decode はJSONオブジェクトのペイロードを指定された型にデシリアライズする。
// 先頭が '{' でないペイロードは構造化パースを試みずに ErrNotObject を返す。
func Decode[T any](data []byte) (*T, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, ErrNotObject
	}
	var v T
	if err := json.Unmarshal(trimmed, &v); err != nil {
		return nil, fmt.Errorf("イベントデータのデシリアライズに失敗: %w", err)
	}
	return &v, nil
}

// DecodeLead はペイロードを LeadEvent にデシリアライズする。
func DecodeLead(data []byte) (*LeadEvent, error) {
	return Decode[LeadEvent](data)
}
