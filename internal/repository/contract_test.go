package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/botpanel/internal/model"
)

// 各バックエンドで共通のユーザーリポジトリ契約テスト。
func runUserRepoContract(t *testing.T, newRepo func(t *testing.T) UserRepository) {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	newUser := func(discordID string) *model.User {
		return &model.User{
			ID: uuid.NewString(),
			Identity: model.ExternalIdentity{
				ExternalID:  discordID,
				DisplayName: "nelly",
				AvatarURL:   "https://cdn.discordapp.com/embed/avatars/0.png",
			},
			Tokens: model.TokenPair{
				AccessToken:  "abc123",
				RefreshToken: "rt-1",
				ExpiresAt:    base.Add(7 * 24 * time.Hour),
			},
			Role:      model.RoleUser,
			CreatedAt: base,
			UpdatedAt: base,
		}
	}

	t.Run("新規作成と取得", func(t *testing.T) {
		repo := newRepo(t)
		in := newUser("1001")

		got, err := repo.UpsertByExternalID(ctx, in)
		if err != nil {
			t.Fatalf("UpsertByExternalID: %v", err)
		}
		if got.ID != in.ID {
			t.Errorf("ID = %q, want %q", got.ID, in.ID)
		}
		if !got.Tokens.ExpiresAt.Equal(in.Tokens.ExpiresAt) {
			t.Errorf("ExpiresAt = %v, want %v", got.Tokens.ExpiresAt, in.Tokens.ExpiresAt)
		}

		byID, err := repo.FindByID(ctx, in.ID)
		if err != nil || byID == nil {
			t.Fatalf("FindByID = %v, %v", byID, err)
		}
		if byID.Identity.ExternalID != "1001" || byID.Role != model.RoleUser {
			t.Errorf("unexpected user: %+v", byID)
		}

		byExt, err := repo.FindByExternalID(ctx, "1001")
		if err != nil || byExt == nil {
			t.Fatalf("FindByExternalID = %v, %v", byExt, err)
		}
		if byExt.ID != in.ID {
			t.Errorf("FindByExternalID ID = %q, want %q", byExt.ID, in.ID)
		}
	})

	t.Run("存在しない場合はnil", func(t *testing.T) {
		repo := newRepo(t)
		got, err := repo.FindByID(ctx, uuid.NewString())
		if err != nil || got != nil {
			t.Errorf("FindByID = %v, %v; want nil, nil", got, err)
		}
		got, err = repo.FindByExternalID(ctx, "missing")
		if err != nil || got != nil {
			t.Errorf("FindByExternalID = %v, %v; want nil, nil", got, err)
		}
	})

	t.Run("既存ユーザーのUpsertはID・ロール・作成日時を維持する", func(t *testing.T) {
		repo := newRepo(t)
		first := newUser("1002")
		if _, err := repo.UpsertByExternalID(ctx, first); err != nil {
			t.Fatalf("first upsert: %v", err)
		}
		if err := repo.UpdateRole(ctx, first.ID, model.RoleAdmin, base); err != nil {
			t.Fatalf("UpdateRole: %v", err)
		}

		second := newUser("1002")
		second.Identity.DisplayName = "nelly2"
		second.Tokens.AccessToken = "def456"
		second.Role = model.RoleUser
		second.CreatedAt = base.Add(time.Hour)
		second.UpdatedAt = base.Add(time.Hour)

		got, err := repo.UpsertByExternalID(ctx, second)
		if err != nil {
			t.Fatalf("second upsert: %v", err)
		}
		if got.ID != first.ID {
			t.Errorf("ID changed: got %q, want %q", got.ID, first.ID)
		}
		if got.Role != model.RoleAdmin {
			t.Errorf("Role = %q, want admin", got.Role)
		}
		if !got.CreatedAt.Equal(base) {
			t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, base)
		}
		if got.Identity.DisplayName != "nelly2" || got.Tokens.AccessToken != "def456" {
			t.Errorf("identity/tokens not overwritten: %+v", got)
		}
		if !got.UpdatedAt.Equal(base.Add(time.Hour)) {
			t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, base.Add(time.Hour))
		}
	})

	t.Run("UpdateTokens", func(t *testing.T) {
		repo := newRepo(t)
		in := newUser("1003")
		if _, err := repo.UpsertByExternalID(ctx, in); err != nil {
			t.Fatalf("upsert: %v", err)
		}

		pair := model.TokenPair{AccessToken: "new-at", RefreshToken: "rt-2", ExpiresAt: base.Add(14 * 24 * time.Hour)}
		got, err := repo.UpdateTokens(ctx, in.ID, pair, base.Add(time.Minute))
		if err != nil || got == nil {
			t.Fatalf("UpdateTokens = %v, %v", got, err)
		}
		if got.Tokens.AccessToken != "new-at" || got.Tokens.RefreshToken != "rt-2" {
			t.Errorf("tokens = %+v", got.Tokens)
		}
		if !got.Tokens.ExpiresAt.Equal(pair.ExpiresAt) {
			t.Errorf("ExpiresAt = %v, want %v", got.Tokens.ExpiresAt, pair.ExpiresAt)
		}

		missing, err := repo.UpdateTokens(ctx, uuid.NewString(), pair, base)
		if err != nil || missing != nil {
			t.Errorf("UpdateTokens(missing) = %v, %v; want nil, nil", missing, err)
		}
	})

	t.Run("UpdateRoleはupdated_atを進める", func(t *testing.T) {
		repo := newRepo(t)
		in := newUser("1005")
		if _, err := repo.UpsertByExternalID(ctx, in); err != nil {
			t.Fatalf("upsert: %v", err)
		}

		changedAt := base.Add(3 * time.Hour)
		if err := repo.UpdateRole(ctx, in.ID, model.RoleAdmin, changedAt); err != nil {
			t.Fatalf("UpdateRole: %v", err)
		}

		got, err := repo.FindByID(ctx, in.ID)
		if err != nil || got == nil {
			t.Fatalf("FindByID = %v, %v", got, err)
		}
		if got.Role != model.RoleAdmin {
			t.Errorf("Role = %q, want admin", got.Role)
		}
		if !got.UpdatedAt.Equal(changedAt) {
			t.Errorf("UpdatedAt = %v, want %v", got.UpdatedAt, changedAt)
		}
		if !got.CreatedAt.Equal(base) {
			t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, base)
		}
	})

	t.Run("UpdateRoleとDeleteByIDは存在しない場合ErrNotFound", func(t *testing.T) {
		repo := newRepo(t)
		if err := repo.UpdateRole(ctx, uuid.NewString(), model.RoleAdmin, base); !errors.Is(err, ErrNotFound) {
			t.Errorf("UpdateRole err = %v, want ErrNotFound", err)
		}
		if err := repo.DeleteByID(ctx, uuid.NewString()); !errors.Is(err, ErrNotFound) {
			t.Errorf("DeleteByID err = %v, want ErrNotFound", err)
		}
	})

	t.Run("DeleteByID", func(t *testing.T) {
		repo := newRepo(t)
		in := newUser("1004")
		if _, err := repo.UpsertByExternalID(ctx, in); err != nil {
			t.Fatalf("upsert: %v", err)
		}
		if err := repo.DeleteByID(ctx, in.ID); err != nil {
			t.Fatalf("DeleteByID: %v", err)
		}
		got, err := repo.FindByExternalID(ctx, "1004")
		if err != nil || got != nil {
			t.Errorf("after delete FindByExternalID = %v, %v", got, err)
		}
	})
}

// 各バックエンドで共通のセッションリポジトリ契約テスト。
func runSessionRepoContract(t *testing.T, newRepo func(t *testing.T) SessionRepository) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	newSession := func(userID string, ttl time.Duration) *model.Session {
		return &model.Session{
			ID:        uuid.NewString(),
			UserID:    userID,
			ExpiresAt: now.Add(ttl),
			CreatedAt: now,
		}
	}

	t.Run("作成と取得", func(t *testing.T) {
		repo := newRepo(t)
		s := newSession("user-1", time.Hour)
		if err := repo.Create(ctx, s); err != nil {
			t.Fatalf("Create: %v", err)
		}
		got, err := repo.FindByID(ctx, s.ID)
		if err != nil || got == nil {
			t.Fatalf("FindByID = %v, %v", got, err)
		}
		if got.UserID != "user-1" || !got.ExpiresAt.Equal(s.ExpiresAt) {
			t.Errorf("unexpected session: %+v", got)
		}
	})

	t.Run("期限切れセッションはnil", func(t *testing.T) {
		repo := newRepo(t)
		s := newSession("user-1", -time.Minute)
		if err := repo.Create(ctx, s); err != nil {
			t.Fatalf("Create: %v", err)
		}
		got, err := repo.FindByID(ctx, s.ID)
		if err != nil || got != nil {
			t.Errorf("FindByID(expired) = %v, %v; want nil, nil", got, err)
		}
	})

	t.Run("DeleteByIDは冪等", func(t *testing.T) {
		repo := newRepo(t)
		s := newSession("user-1", time.Hour)
		if err := repo.Create(ctx, s); err != nil {
			t.Fatalf("Create: %v", err)
		}
		for i := 0; i < 2; i++ {
			if err := repo.DeleteByID(ctx, s.ID); err != nil {
				t.Fatalf("DeleteByID #%d: %v", i+1, err)
			}
		}
		got, err := repo.FindByID(ctx, s.ID)
		if err != nil || got != nil {
			t.Errorf("FindByID after delete = %v, %v", got, err)
		}
	})

	t.Run("DeleteByUserIDは対象ユーザーのセッションのみ削除", func(t *testing.T) {
		repo := newRepo(t)
		a1 := newSession("user-a", time.Hour)
		a2 := newSession("user-a", 2*time.Hour)
		b1 := newSession("user-b", time.Hour)
		for _, s := range []*model.Session{a1, a2, b1} {
			if err := repo.Create(ctx, s); err != nil {
				t.Fatalf("Create: %v", err)
			}
		}

		if err := repo.DeleteByUserID(ctx, "user-a"); err != nil {
			t.Fatalf("DeleteByUserID: %v", err)
		}

		for _, s := range []*model.Session{a1, a2} {
			if got, _ := repo.FindByID(ctx, s.ID); got != nil {
				t.Errorf("session %s of user-a still exists", s.ID)
			}
		}
		if got, err := repo.FindByID(ctx, b1.ID); err != nil || got == nil {
			t.Errorf("session of user-b removed: %v, %v", got, err)
		}
	})
}

// 期限切れセッションの一括削除を検証する。
func runPurgerContract(t *testing.T, newRepo func(t *testing.T) interface {
	SessionRepository
	ExpiredSessionPurger
}) {
	t.Helper()
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Second)

	repo := newRepo(t)
	live := &model.Session{ID: uuid.NewString(), UserID: "u", ExpiresAt: now.Add(time.Hour), CreatedAt: now}
	dead := &model.Session{ID: uuid.NewString(), UserID: "u", ExpiresAt: now.Add(-time.Hour), CreatedAt: now.Add(-2 * time.Hour)}
	for _, s := range []*model.Session{live, dead} {
		if err := repo.Create(ctx, s); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}

	deleted, err := repo.DeleteExpired(ctx, now)
	if err != nil {
		t.Fatalf("DeleteExpired: %v", err)
	}
	if deleted != 1 {
		t.Errorf("deleted = %d, want 1", deleted)
	}

	deleted, err = repo.DeleteExpired(ctx, now)
	if err != nil {
		t.Fatalf("DeleteExpired (2nd): %v", err)
	}
	if deleted != 0 {
		t.Errorf("second DeleteExpired = %d, want 0", deleted)
	}

	if got, err := repo.FindByID(ctx, live.ID); err != nil || got == nil {
		t.Errorf("live session removed: %v, %v", got, err)
	}
}
