package tokenstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/nao1215/leadrelay/pkg/migration"
)

//go:embed migrations/*.sql
var migrations embed.FS

// SQLiteStore はSQLiteを使った Store の実装。単一プロセス構成の既定値。
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore はSQLiteデータベースを開き、マイグレーションを適用する。
// dsn に ":memory:" を含む場合は接続を1本に制限する（接続ごとに別DBとなるため）。
func NewSQLiteStore(ctx context.Context, dsn string) (*SQLiteStore, error) {
	if dsn == "" {
		dsn = "/data/leadrelay.db?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("データベース接続に失敗: %w", err)
	}
	if strings.Contains(dsn, ":memory:") {
		db.SetMaxOpenConns(1)
	}

	if _, err := migration.Run(ctx, db, migrations, "migrations"); err != nil {
		db.Close()
		return nil, fmt.Errorf("スキーマ初期化に失敗: %w", err)
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

// sqliteTimeLayout は日時カラムの書式。文字列比較で時系列順に並ぶよう桁数を固定する。
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

const sqliteColumns = `id, token, user_id, tenant_id, role, role_experience, enabled, created_at, updated_at`

// FindEnabled はテナントに属する有効な配信先を登録順に返す。
func (s *SQLiteStore) FindEnabled(ctx context.Context, tenantID string) ([]DeviceEndpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+sqliteColumns+`
FROM device_endpoints
WHERE tenant_id = ? AND enabled = 1
ORDER BY created_at, id;`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("配信先の検索に失敗: %w", err)
	}
	return scanSQLiteRows(rows)
}

// ListByUser はユーザーが登録した配信先を返す。
func (s *SQLiteStore) ListByUser(ctx context.Context, tenantID, userID string) ([]DeviceEndpoint, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+sqliteColumns+`
FROM device_endpoints
WHERE tenant_id = ? AND user_id = ?
ORDER BY created_at, id;`, tenantID, userID)
	if err != nil {
		return nil, fmt.Errorf("配信先一覧の取得に失敗: %w", err)
	}
	return scanSQLiteRows(rows)
}

// Upsert は配信先を登録または更新する。
func (s *SQLiteStore) Upsert(ctx context.Context, ep DeviceEndpoint) (DeviceEndpoint, error) {
	if err := ep.Validate(); err != nil {
		return DeviceEndpoint{}, err
	}
	now := s.now().UTC().Format(sqliteTimeLayout)

	_, err := s.db.ExecContext(ctx, `
INSERT INTO device_endpoints(id, token, user_id, tenant_id, role, role_experience, enabled, created_at, updated_at)
VALUES(?,?,?,?,?,?,1,?,?)
ON CONFLICT(token) DO UPDATE SET
  user_id = excluded.user_id,
  tenant_id = excluded.tenant_id,
  role = excluded.role,
  role_experience = excluded.role_experience,
  enabled = 1,
  updated_at = excluded.updated_at;`,
		uuid.New().String(), ep.Token, ep.UserID, ep.TenantID, string(ep.Role), ep.RoleExperience, now, now)
	if err != nil {
		return DeviceEndpoint{}, fmt.Errorf("配信先の登録に失敗: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT `+sqliteColumns+` FROM device_endpoints WHERE token = ?;`, ep.Token)
	if err != nil {
		return DeviceEndpoint{}, fmt.Errorf("登録した配信先の取得に失敗: %w", err)
	}
	eps, err := scanSQLiteRows(rows)
	if err != nil {
		return DeviceEndpoint{}, err
	}
	if len(eps) == 0 {
		return DeviceEndpoint{}, ErrNotFound
	}
	return eps[0], nil
}

// Delete はトークンの配信先を削除する。
func (s *SQLiteStore) Delete(ctx context.Context, token string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM device_endpoints WHERE token = ?;`, token)
	if err != nil {
		return fmt.Errorf("配信先の削除に失敗: %w", err)
	}
	return affectedOne(res)
}

// DeleteForUser はユーザー自身の配信先を削除する。
func (s *SQLiteStore) DeleteForUser(ctx context.Context, tenantID, userID, token string) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM device_endpoints WHERE token = ? AND tenant_id = ? AND user_id = ?;`,
		token, tenantID, userID)
	if err != nil {
		return fmt.Errorf("配信先の削除に失敗: %w", err)
	}
	return affectedOne(res)
}

// Disable はトークンの配信先を無効化する。
func (s *SQLiteStore) Disable(ctx context.Context, token string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE device_endpoints SET enabled = 0, updated_at = ? WHERE token = ?;`,
		s.now().UTC().Format(sqliteTimeLayout), token)
	if err != nil {
		return fmt.Errorf("配信先の無効化に失敗: %w", err)
	}
	return affectedOne(res)
}

// Ping はデータベースへの疎通を確認する。
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close はデータベース接続を閉じる。
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func affectedOne(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("更新件数の取得に失敗: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func scanSQLiteRows(rows *sql.Rows) ([]DeviceEndpoint, error) {
	defer rows.Close()

	var out []DeviceEndpoint
	for rows.Next() {
		var (
			ep                   DeviceEndpoint
			role                 string
			enabled              int
			createdAt, updatedAt string
		)
		if err := rows.Scan(&ep.ID, &ep.Token, &ep.UserID, &ep.TenantID, &role, &ep.RoleExperience, &enabled, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("配信先の読み取りに失敗: %w", err)
		}
		ep.Role = Role(role)
		ep.Enabled = enabled != 0
		ep.CreatedAt, _ = time.Parse(sqliteTimeLayout, createdAt)
		ep.UpdatedAt, _ = time.Parse(sqliteTimeLayout, updatedAt)
		out = append(out, ep)
	}
	return out, rows.Err()
}
