package tokenstore

import (
	"context"
	"errors"
	"testing"
	"time"
)

// setupTestStore はインメモリSQLiteのストアを生成する。
// 登録順が安定するよう、呼び出しごとに1秒進む時計を使う。
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	s, err := NewSQLiteStore(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("インメモリDBの作成に失敗: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var tick int
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Second)
	}
	return s
}

// mustUpsert はテスト用に配信先を登録するヘルパー関数。
func mustUpsert(t *testing.T, s Store, token, userID, tenantID string, role Role, exp string) DeviceEndpoint {
	t.Helper()
	ep, err := s.Upsert(context.Background(), DeviceEndpoint{
		Token:          token,
		UserID:         userID,
		TenantID:       tenantID,
		Role:           role,
		RoleExperience: exp,
	})
	if err != nil {
		t.Fatalf("テスト用配信先の登録に失敗: %v", err)
	}
	return ep
}

func tokensOf(eps []DeviceEndpoint) []string {
	out := make([]string, 0, len(eps))
	for _, ep := range eps {
		out = append(out, ep.Token)
	}
	return out
}

// TestSQLiteStoreUpsert は配信先の登録を検証する。
func TestSQLiteStoreUpsert(t *testing.T) {
	t.Parallel()

	t.Run("新規登録でIDと日時が設定され有効状態になること", func(t *testing.T) {
		t.Parallel()
		s := setupTestStore(t)

		ep := mustUpsert(t, s, "tok-1", "user-1", "T1", RoleAdmin, ExperienceNone)
		if ep.ID == "" {
			t.Error("IDが空文字列")
		}
		if !ep.Enabled {
			t.Error("Enabledがfalse")
		}
		if ep.CreatedAt.IsZero() || ep.UpdatedAt.IsZero() {
			t.Errorf("日時が設定されていない: %+v", ep)
		}
	})

	t.Run("同じトークンの再登録は上書き更新となり重複しないこと", func(t *testing.T) {
		t.Parallel()
		s := setupTestStore(t)
		ctx := context.Background()

		first := mustUpsert(t, s, "tok-1", "user-1", "T1", RoleEmployee, ExperienceNone)
		if err := s.Disable(ctx, "tok-1"); err != nil {
			t.Fatalf("Disable()でエラーが発生: %v", err)
		}
		second := mustUpsert(t, s, "tok-1", "user-2", "T1", RoleEmployee, ExperienceSet)

		if second.ID != first.ID {
			t.Errorf("ID = %q, want %q", second.ID, first.ID)
		}
		if second.UserID != "user-2" || second.RoleExperience != ExperienceSet || !second.Enabled {
			t.Errorf("更新内容が反映されていない: %+v", second)
		}
		if !second.CreatedAt.Equal(first.CreatedAt) {
			t.Errorf("CreatedAt = %v, want %v", second.CreatedAt, first.CreatedAt)
		}

		eps, err := s.FindEnabled(ctx, "T1")
		if err != nil {
			t.Fatalf("FindEnabled()でエラーが発生: %v", err)
		}
		if len(eps) != 1 {
			t.Errorf("len(eps) = %d, want 1", len(eps))
		}
	})

	t.Run("同じユーザーの複数端末を保持すること", func(t *testing.T) {
		t.Parallel()
		s := setupTestStore(t)

		mustUpsert(t, s, "phone", "user-1", "T1", RoleAdmin, ExperienceNone)
		mustUpsert(t, s, "browser", "user-1", "T1", RoleAdmin, ExperienceNone)

		eps, err := s.ListByUser(context.Background(), "T1", "user-1")
		if err != nil {
			t.Fatalf("ListByUser()でエラーが発生: %v", err)
		}
		got := tokensOf(eps)
		if len(got) != 2 || got[0] != "phone" || got[1] != "browser" {
			t.Errorf("tokens = %v, want [phone browser]", got)
		}
	})

	t.Run("不正な登録内容はErrInvalidEndpointを返すこと", func(t *testing.T) {
		t.Parallel()
		s := setupTestStore(t)

		cases := []DeviceEndpoint{
			{UserID: "u", TenantID: "T", Role: RoleAdmin, RoleExperience: "0"},
			{Token: "t", TenantID: "T", Role: RoleAdmin, RoleExperience: "0"},
			{Token: "t", UserID: "u", Role: RoleAdmin, RoleExperience: "0"},
			{Token: "t", UserID: "u", TenantID: "T", RoleExperience: "0"},
			{Token: "t", UserID: "u", TenantID: "T", Role: RoleAdmin, RoleExperience: "2"},
		}
		for i, ep := range cases {
			if _, err := s.Upsert(context.Background(), ep); !errors.Is(err, ErrInvalidEndpoint) {
				t.Errorf("case %d: error = %v, want ErrInvalidEndpoint", i, err)
			}
		}
	})
}

// TestSQLiteStoreFindEnabled はテナント単位の検索を検証する。
func TestSQLiteStoreFindEnabled(t *testing.T) {
	t.Parallel()

	s := setupTestStore(t)
	ctx := context.Background()

	mustUpsert(t, s, "a", "u1", "T1", RoleAdmin, ExperienceNone)
	mustUpsert(t, s, "b", "u2", "T1", RoleEmployee, ExperienceSet)
	mustUpsert(t, s, "c", "u3", "T2", RoleAdmin, ExperienceNone)
	mustUpsert(t, s, "d", "u4", "T1", RoleEmployee, ExperienceNone)
	if err := s.Disable(ctx, "d"); err != nil {
		t.Fatalf("Disable()でエラーが発生: %v", err)
	}

	eps, err := s.FindEnabled(ctx, "T1")
	if err != nil {
		t.Fatalf("FindEnabled()でエラーが発生: %v", err)
	}
	got := tokensOf(eps)
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("tokens = %v, want [a b]", got)
	}

	none, err := s.FindEnabled(ctx, "T-unknown")
	if err != nil {
		t.Fatalf("FindEnabled()でエラーが発生: %v", err)
	}
	if len(none) != 0 {
		t.Errorf("len = %d, want 0", len(none))
	}
}

// TestSQLiteStoreDelete は削除と無効化を検証する。
func TestSQLiteStoreDelete(t *testing.T) {
	t.Parallel()

	t.Run("削除後は検索されず再削除はErrNotFoundとなること", func(t *testing.T) {
		t.Parallel()
		s := setupTestStore(t)
		ctx := context.Background()

		mustUpsert(t, s, "tok-1", "u1", "T1", RoleAdmin, ExperienceNone)
		if err := s.Delete(ctx, "tok-1"); err != nil {
			t.Fatalf("Delete()でエラーが発生: %v", err)
		}
		if err := s.Delete(ctx, "tok-1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("2回目のDelete() error = %v, want ErrNotFound", err)
		}
		if err := s.Disable(ctx, "tok-1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("Disable() error = %v, want ErrNotFound", err)
		}
	})

	t.Run("他人の配信先はDeleteForUserで削除できないこと", func(t *testing.T) {
		t.Parallel()
		s := setupTestStore(t)
		ctx := context.Background()

		mustUpsert(t, s, "tok-1", "owner", "T1", RoleAdmin, ExperienceNone)
		if err := s.DeleteForUser(ctx, "T1", "intruder", "tok-1"); !errors.Is(err, ErrNotFound) {
			t.Errorf("DeleteForUser() error = %v, want ErrNotFound", err)
		}
		if err := s.DeleteForUser(ctx, "T1", "owner", "tok-1"); err != nil {
			t.Errorf("DeleteForUser()でエラーが発生: %v", err)
		}
	})

	t.Run("Pingが成功すること", func(t *testing.T) {
		t.Parallel()
		s := setupTestStore(t)
		if err := s.Ping(context.Background()); err != nil {
			t.Errorf("Ping()でエラーが発生: %v", err)
		}
	})
}

// TestOpen はドライバー名によるストアの選択を検証する。
func TestOpen(t *testing.T) {
	t.Parallel()

	t.Run("sqliteを開けること", func(t *testing.T) {
		t.Parallel()

		s, err := Open(context.Background(), "sqlite", ":memory:")
		if err != nil {
			t.Fatalf("Open()でエラーが発生: %v", err)
		}
		defer s.Close()
		if _, ok := s.(*SQLiteStore); !ok {
			t.Errorf("型 = %T, want *SQLiteStore", s)
		}
	})

	t.Run("未対応のドライバーはErrUnknownDriverを返すこと", func(t *testing.T) {
		t.Parallel()

		if _, err := Open(context.Background(), "mysql", "dsn"); !errors.Is(err, ErrUnknownDriver) {
			t.Errorf("error = %v, want ErrUnknownDriver", err)
		}
	})
}
