package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Role は配信先ユーザーのロール。
type Role string

const (
	// RoleAdmin は管理者。常に通知対象となる。
	RoleAdmin Role = "ADMIN"
	// RoleEmployee は従業員。営業経験フラグが "1" の場合のみ通知対象となる。
	RoleEmployee Role = "EMPLOYEE"
)

// 営業経験フラグの値。
const (
	ExperienceNone = "0"
	ExperienceSet  = "1"
)

var (
	// ErrNotFound は対象の配信先が存在しない場合のエラー。
	ErrNotFound = errors.New("配信先が見つかりません")
	// ErrInvalidEndpoint は登録内容が不正な場合のエラー。
	ErrInvalidEndpoint = errors.New("配信先の登録内容が不正です")
	// ErrUnknownDriver は未対応のドライバー名が指定された場合のエラー。
	ErrUnknownDriver = errors.New("未対応のトークンストアです")
)

// DeviceEndpoint はプッシュ通知の配信先1件（端末またはブラウザの登録）。
type DeviceEndpoint struct {
	// ID は配信先の一意識別子（UUID）。
	ID string `json:"id"`
	// Token はプッシュプロバイダーの登録トークン。全テナントで一意。
	Token string `json:"token"`
	// UserID は登録したユーザーのID。
	UserID string `json:"user_id"`
	// TenantID はユーザーが所属するテナントのID。
	TenantID string `json:"tenant_id"`
	// Role はユーザーのロール。
	Role Role `json:"role"`
	// RoleExperience は営業経験フラグ（"0" または "1"）。
	RoleExperience string `json:"role_experience"`
	// Enabled は配信対象かどうか。
	Enabled bool `json:"enabled"`
	// CreatedAt は登録日時。
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt は更新日時。
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate は登録に必要な項目が揃っているかを検証する。
func (e DeviceEndpoint) Validate() error {
	switch {
	case strings.TrimSpace(e.Token) == "":
		return fmt.Errorf("%w: tokenが空です", ErrInvalidEndpoint)
	case e.UserID == "":
		return fmt.Errorf("%w: user_idが空です", ErrInvalidEndpoint)
	case e.TenantID == "":
		return fmt.Errorf("%w: tenant_idが空です", ErrInvalidEndpoint)
	case e.Role == "":
		return fmt.Errorf("%w: roleが空です", ErrInvalidEndpoint)
	case e.RoleExperience != ExperienceNone && e.RoleExperience != ExperienceSet:
		return fmt.Errorf("%w: role_experienceは\"0\"または\"1\"です", ErrInvalidEndpoint)
	}
	return nil
}

// Store は配信先の永続化を担う。
// トークンの一意性はストア側が保証し、同じトークンの登録は上書き更新となる。
// 1ユーザーが複数端末を登録でき、登録時に他の端末を削除することはない。
type Store interface {
	// FindEnabled はテナントに属する有効な配信先をすべて返す。
	FindEnabled(ctx context.Context, tenantID string) ([]DeviceEndpoint, error)
	// ListByUser はユーザーが登録した配信先を有効・無効を問わず返す。
	ListByUser(ctx context.Context, tenantID, userID string) ([]DeviceEndpoint, error)
	// Upsert は配信先を登録する。同じトークンが既にあれば所有者とロールを更新し有効化する。
	Upsert(ctx context.Context, ep DeviceEndpoint) (DeviceEndpoint, error)
	// Delete はトークンの配信先を削除する。存在しなければ ErrNotFound を返す。
	Delete(ctx context.Context, token string) error
	// DeleteForUser はユーザー自身の配信先のみを削除する。
	DeleteForUser(ctx context.Context, tenantID, userID, token string) error
	// Disable はトークンの配信先を無効化する。存在しなければ ErrNotFound を返す。
	Disable(ctx context.Context, token string) error
	// Ping はストアへの疎通を確認する。
	Ping(ctx context.Context) error
	// Close は接続を閉じる。
	Close() error
}

// Open はドライバー名に応じたストアを開く。
// driver には "sqlite" または "postgres" を指定する。
func Open(ctx context.Context, driver, dsn string) (Store, error) {
	switch strings.ToLower(driver) {
	case "", "sqlite", "sqlite3":
		return NewSQLiteStore(ctx, dsn)
	case "postgres", "postgresql", "pgx":
		return NewPostgresStore(ctx, dsn)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, driver)
	}
}
