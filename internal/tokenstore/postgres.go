package tokenstore

import (
	"context"
	_ "embed"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// postgresSchema は起動時に適用するスキーマ。何度実行しても安全。
//
//go:embed schema_postgres.sql
var postgresSchema string

// PostgresStore はPostgreSQLを使った Store の実装。
// 複数のリレープロセスやAPIプロセスで配信先を共有する構成で使う。
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore は接続プールを作成し、疎通確認とスキーマ適用を行う。
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("接続プールの作成に失敗: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("データベースへの疎通確認に失敗: %w", err)
	}

	s := &PostgresStore{pool: pool}
	if err := s.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// EnsureSchema はスキーマを適用する。
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("スキーマの適用に失敗: %w", err)
	}
	return nil
}

const postgresColumns = `id, token, user_id, tenant_id, role, role_experience, enabled, created_at, updated_at`

// FindEnabled はテナントに属する有効な配信先を登録順に返す。
func (s *PostgresStore) FindEnabled(ctx context.Context, tenantID string) ([]DeviceEndpoint, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+postgresColumns+`
		FROM device_endpoints
		WHERE tenant_id = $1 AND enabled
		ORDER BY created_at, id
	`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("配信先の検索に失敗: %w", err)
	}
	return collectEndpoints(rows)
}

// ListByUser はユーザーが登録した配信先を返す。
func (s *PostgresStore) ListByUser(ctx context.Context, tenantID, userID string) ([]DeviceEndpoint, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+postgresColumns+`
		FROM device_endpoints
		WHERE tenant_id = $1 AND user_id = $2
		ORDER BY created_at, id
	`, tenantID, userID)
	if err != nil {
		return nil, fmt.Errorf("配信先一覧の取得に失敗: %w", err)
	}
	return collectEndpoints(rows)
}

// Upsert は配信先を登録または更新する。
func (s *PostgresStore) Upsert(ctx context.Context, ep DeviceEndpoint) (DeviceEndpoint, error) {
	if err := ep.Validate(); err != nil {
		return DeviceEndpoint{}, err
	}

	rows, err := s.pool.Query(ctx, `
		INSERT INTO device_endpoints(id, token, user_id, tenant_id, role, role_experience, enabled)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE)
		ON CONFLICT (token) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			tenant_id = EXCLUDED.tenant_id,
			role = EXCLUDED.role,
			role_experience = EXCLUDED.role_experience,
			enabled = TRUE,
			updated_at = now()
		RETURNING `+postgresColumns,
		uuid.New().String(), ep.Token, ep.UserID, ep.TenantID, string(ep.Role), ep.RoleExperience)
	if err != nil {
		return DeviceEndpoint{}, fmt.Errorf("配信先の登録に失敗: %w", err)
	}
	eps, err := collectEndpoints(rows)
	if err != nil {
		return DeviceEndpoint{}, err
	}
	if len(eps) == 0 {
		return DeviceEndpoint{}, ErrNotFound
	}
	return eps[0], nil
}

// Delete はトークンの配信先を削除する。
func (s *PostgresStore) Delete(ctx context.Context, token string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM device_endpoints WHERE token = $1`, token)
	if err != nil {
		return fmt.Errorf("配信先の削除に失敗: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteForUser はユーザー自身の配信先を削除する。
func (s *PostgresStore) DeleteForUser(ctx context.Context, tenantID, userID, token string) error {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM device_endpoints WHERE token = $1 AND tenant_id = $2 AND user_id = $3`,
		token, tenantID, userID)
	if err != nil {
		return fmt.Errorf("配信先の削除に失敗: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Disable はトークンの配信先を無効化する。
func (s *PostgresStore) Disable(ctx context.Context, token string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE device_endpoints SET enabled = FALSE, updated_at = now() WHERE token = $1`, token)
	if err != nil {
		return fmt.Errorf("配信先の無効化に失敗: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Ping はデータベースへの疎通を確認する。
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close は接続プールを閉じる。
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func collectEndpoints(rows pgx.Rows) ([]DeviceEndpoint, error) {
	eps, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (DeviceEndpoint, error) {
		var (
			ep   DeviceEndpoint
			role string
		)
		err := row.Scan(&ep.ID, &ep.Token, &ep.UserID, &ep.TenantID, &role, &ep.RoleExperience, &ep.Enabled, &ep.CreatedAt, &ep.UpdatedAt)
		ep.Role = Role(role)
		return ep, err
	})
	if err != nil {
		return nil, fmt.Errorf("配信先の読み取りに失敗: %w", err)
	}
	return eps, nil
}
