// Package recipient はリードの通知先となる配信トークンを決定する。
package recipient

import (
	"context"
	"fmt"

	"github.com/nao1215/leadrelay/internal/tokenstore"
)

// Finder はテナントの有効な配信先を検索する。tokenstore.Store が実装する。
type Finder interface {
	FindEnabled(ctx context.Context, tenantID string) ([]tokenstore.DeviceEndpoint, error)
}

// Resolver はテナントIDからロール規則に従って配信トークンを決定する。
// 結果はキャッシュせず、呼び出しごとにストアを参照する。
type Resolver struct {
	finder Finder
}

// NewResolver は新しいResolverを生成する。
func NewResolver(finder Finder) *Resolver {
	return &Resolver{finder: finder}
}

// Resolve はテナントの通知対象トークンを重複なく、ストアの返却順で返す。
// テナントIDが空の場合はストアを参照せずに空の結果を返す。
// 対象が0件でもエラーではない。
func (r *Resolver) Resolve(ctx context.Context, tenantID string) ([]string, error) {
	if tenantID == "" {
		return nil, nil
	}

	endpoints, err := r.finder.FindEnabled(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("配信先の検索に失敗: tenant=%s: %w", tenantID, err)
	}

	seen := make(map[string]struct{}, len(endpoints))
	tokens := make([]string, 0, len(endpoints))
	for _, ep := range endpoints {
		if ep.Token == "" || !Eligible(ep) {
			continue
		}
		if _, dup := seen[ep.Token]; dup {
			continue
		}
		seen[ep.Token] = struct{}{}
		tokens = append(tokens, ep.Token)
	}
	return tokens, nil
}

// Eligible は配信先がリード通知の対象かどうかを返す。
// ADMIN は常に対象、EMPLOYEE は営業経験フラグが "1" の場合のみ対象、それ以外は対象外。
func Eligible(ep tokenstore.DeviceEndpoint) bool {
	switch ep.Role {
	case tokenstore.RoleAdmin:
		return true
	case tokenstore.RoleEmployee:
		return ep.RoleExperience == tokenstore.ExperienceSet
	default:
		return false
	}
}
