// Package repository はデータ永続化のインターフェースと実装を提供する。
// ユーザーはPostgreSQL/MongoDB、セッションはPostgreSQL/Redisをバックエンドに選択できる。
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/botpanel/internal/model"
)

// UserRepository はユーザーレコードの永続化インターフェース。
// 外部ID（Discord ID）ごとに1レコードのみ存在する。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByExternalID は外部IDでユーザーを取得する。見つからない場合はnilを返す。
	FindByExternalID(ctx context.Context, externalID string) (*model.User, error)

	// UpsertByExternalID は外部IDをキーにユーザーを作成または更新し、保存後のレコードを返す。
	// 既存レコードの場合はID、Role、CreatedAtを維持し、表示情報とトークンとUpdatedAtのみ上書きする。
	// 新規レコードの場合は引数のID、Role、CreatedAtを使用する。
	UpsertByExternalID(ctx context.Context, user *model.User) (*model.User, error)

	// UpdateTokens はトークンペアとUpdatedAtを更新し、更新後のレコードを返す。
	// ユーザーが存在しない場合はnilを返す。
	UpdateTokens(ctx context.Context, id string, tokens model.TokenPair, updatedAt time.Time) (*model.User, error)

	// UpdateRole はユーザーのロールとupdated_atを更新する。ユーザーが存在しない場合はErrNotFoundを返す。
	UpdateRole(ctx context.Context, id string, role model.Role, updatedAt time.Time) error

	// DeleteByID は指定IDのユーザーを削除する。ユーザーが存在しない場合はErrNotFoundを返す。
	// 退会などの明示的な操作からのみ呼び出される。
	DeleteByID(ctx context.Context, id string) error
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れまたは存在しない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// DeleteByID は指定IDのセッションを削除する。存在しない場合も成功する。
	DeleteByID(ctx context.Context, id string) error
	// DeleteByUserID は指定ユーザーの全セッションを削除する。
	DeleteByUserID(ctx context.Context, userID string) error
}

// ExpiredSessionPurger は期限切れセッションを一括削除できるストア。
// TTLで自動失効するRedisストアは実装しない。
type ExpiredSessionPurger interface {
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}
