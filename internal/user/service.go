// Package user はユーザー管理のドメインロジックを提供する。
package user

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/botpanel/internal/model"
	"github.com/hitoshi/botpanel/internal/repository"
)

// SessionDeleter はユーザー単位のセッション一括削除インターフェース。
type SessionDeleter interface {
	DeleteByUserID(ctx context.Context, userID string) error
}

// Service はユーザー管理のサービス層。
// 退会とロール変更のビジネスロジックを提供する。
// ユーザーレコードの削除はこのサービスからのみ行う。
type Service struct {
	userRepo repository.UserRepository
	sessions SessionDeleter
	now      func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(userRepo repository.UserRepository, sessions SessionDeleter) *Service {
	return &Service{
		userRepo: userRepo,
		sessions: sessions,
		now:      time.Now,
	}
}

// Withdraw はユーザーの退会処理を実行する。
// 削除順序: sessions → user
func (s *Service) Withdraw(ctx context.Context, userID string) error {
	user, err := s.userRepo.FindByID(ctx, userID)
	if err != nil {
		return fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if user == nil {
		return model.NewUserNotFoundError()
	}

	slog.Info("退会処理を開始します",
		slog.String("user_id", userID),
	)

	if err := s.sessions.DeleteByUserID(ctx, userID); err != nil {
		return fmt.Errorf("セッションの削除に失敗しました: %w", err)
	}

	if err := s.userRepo.DeleteByID(ctx, userID); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return model.NewUserNotFoundError()
		}
		return fmt.Errorf("ユーザーの削除に失敗しました: %w", err)
	}

	slog.Info("退会処理が完了しました",
		slog.String("user_id", userID),
	)

	return nil
}

// SetRole はユーザーのロールを変更する。
// 未定義のロールは拒否する。
func (s *Service) SetRole(ctx context.Context, userID string, role model.Role) error {
	if !role.Valid() {
		return model.NewInvalidRoleError(string(role))
	}

	if err := s.userRepo.UpdateRole(ctx, userID, role, s.now()); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return model.NewUserNotFoundError()
		}
		return fmt.Errorf("ロールの更新に失敗しました: %w", err)
	}

	slog.Info("ロールを変更しました",
		slog.String("user_id", userID),
		slog.String("role", string(role)),
	)
	return nil
}
