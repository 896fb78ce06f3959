package user

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hitoshi/botpanel/internal/model"
	"github.com/hitoshi/botpanel/internal/repository"
)

// --- モック ---

type mockSessionDeleter struct {
	deleteByUserIDFn func(ctx context.Context, userID string) error
}

func (m *mockSessionDeleter) DeleteByUserID(ctx context.Context, userID string) error {
	if m.deleteByUserIDFn != nil {
		return m.deleteByUserIDFn(ctx, userID)
	}
	return nil
}

func seededRepos(t *testing.T) (*repository.MemoryUserRepo, *repository.MemorySessionRepo) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()

	users := repository.NewMemoryUserRepo()
	if _, err := users.UpsertByExternalID(ctx, &model.User{
		ID:        "user-1",
		Identity:  model.ExternalIdentity{ExternalID: "80351110224678912", DisplayName: "nelly"},
		Tokens:    model.TokenPair{AccessToken: "abc123", RefreshToken: "rt-1", ExpiresAt: now.Add(time.Hour)},
		Role:      model.RoleUser,
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		t.Fatalf("seed user: %v", err)
	}

	sessions := repository.NewMemorySessionRepo(nil)
	for _, id := range []string{"s-1", "s-2"} {
		if err := sessions.Create(ctx, &model.Session{ID: id, UserID: "user-1", ExpiresAt: now.Add(time.Hour), CreatedAt: now}); err != nil {
			t.Fatalf("seed session: %v", err)
		}
	}
	return users, sessions
}

// TestService_Withdraw_DeletesSessionsThenUser は退会でセッションとユーザーが削除されることを検証する。
func TestService_Withdraw_DeletesSessionsThenUser(t *testing.T) {
	ctx := context.Background()
	users, sessions := seededRepos(t)

	if err := NewService(users, sessions).Withdraw(ctx, "user-1"); err != nil {
		t.Fatalf("Withdraw returned error: %v", err)
	}

	if u, _ := users.FindByID(ctx, "user-1"); u != nil {
		t.Error("user should be deleted")
	}
	for _, id := range []string{"s-1", "s-2"} {
		if s, _ := sessions.FindByID(ctx, id); s != nil {
			t.Errorf("session %s should be deleted", id)
		}
	}
}

// セッション削除に失敗した場合はユーザーを残す
func TestService_Withdraw_SessionDeleteFails_KeepsUser(t *testing.T) {
	ctx := context.Background()
	users, _ := seededRepos(t)
	sessions := &mockSessionDeleter{
		deleteByUserIDFn: func(ctx context.Context, userID string) error {
			return errors.New("connection refused")
		},
	}

	if err := NewService(users, sessions).Withdraw(ctx, "user-1"); err == nil {
		t.Fatal("expected error, got nil")
	}
	if u, _ := users.FindByID(ctx, "user-1"); u == nil {
		t.Error("user should remain when session deletion fails")
	}
}

// TestService_Withdraw_UserNotFound は存在しないユーザーの退会がエラーになることを検証する。
func TestService_Withdraw_UserNotFound(t *testing.T) {
	svc := NewService(repository.NewMemoryUserRepo(), &mockSessionDeleter{})

	err := svc.Withdraw(context.Background(), "nonexistent-user")
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeUserNotFound {
		t.Fatalf("err = %v, want USER_NOT_FOUND", err)
	}
}

func TestService_SetRole(t *testing.T) {
	ctx := context.Background()
	users, sessions := seededRepos(t)
	svc := NewService(users, sessions)
	changedAt := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return changedAt }

	if err := svc.SetRole(ctx, "user-1", model.RoleAdmin); err != nil {
		t.Fatalf("SetRole: %v", err)
	}
	u, _ := users.FindByID(ctx, "user-1")
	if u.Role != model.RoleAdmin {
		t.Errorf("role = %q, want admin", u.Role)
	}
	if !u.UpdatedAt.Equal(changedAt) {
		t.Errorf("updated_at = %v, want %v", u.UpdatedAt, changedAt)
	}

	tests := []struct {
		name     string
		userID   string
		role     model.Role
		wantCode string
	}{
		{"未定義のロール", "user-1", model.Role("owner"), model.ErrCodeInvalidRole},
		{"存在しないユーザー", "missing", model.RoleUser, model.ErrCodeUserNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := svc.SetRole(ctx, tt.userID, tt.role)
			var apiErr *model.APIError
			if !errors.As(err, &apiErr) || apiErr.Code != tt.wantCode {
				t.Errorf("err = %v, want %s", err, tt.wantCode)
			}
		})
	}
}
