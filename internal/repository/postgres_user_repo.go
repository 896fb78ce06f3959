package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/hitoshi/botpanel/internal/model"
)

// userColumns はusersテーブルのSELECT列。scanUserの順序と一致させること。
const userColumns = `id, discord_id, discord_username, discord_avatar,
	access_token, refresh_token, token_expires_at, role, created_at, updated_at`

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

// rowScanner は*sql.Rowと*sql.Rowsの共通インターフェース。
type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (*model.User, error) {
	user := &model.User{}
	var role string
	err := row.Scan(
		&user.ID,
		&user.Identity.ExternalID,
		&user.Identity.DisplayName,
		&user.Identity.AvatarURL,
		&user.Tokens.AccessToken,
		&user.Tokens.RefreshToken,
		&user.Tokens.ExpiresAt,
		&role,
		&user.CreatedAt,
		&user.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	user.Role = model.Role(role)
	return user, nil
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`,
		id,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by ID: %w", err)
	}
	return user, nil
}

// FindByExternalID はDiscord IDでユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByExternalID(ctx context.Context, externalID string) (*model.User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE discord_id = $1`,
		externalID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by discord ID: %w", err)
	}
	return user, nil
}

// UpsertByExternalID はdiscord_idの一意制約を利用して1文でupsertする。
// 競合時はid、role、created_atを維持する。
func (r *PostgresUserRepo) UpsertByExternalID(ctx context.Context, user *model.User) (*model.User, error) {
	stored, err := scanUser(r.db.QueryRowContext(ctx,
		`INSERT INTO users (id, discord_id, discord_username, discord_avatar,
			access_token, refresh_token, token_expires_at, role, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (discord_id) DO UPDATE SET
			discord_username = EXCLUDED.discord_username,
			discord_avatar   = EXCLUDED.discord_avatar,
			access_token     = EXCLUDED.access_token,
			refresh_token    = EXCLUDED.refresh_token,
			token_expires_at = EXCLUDED.token_expires_at,
			updated_at       = EXCLUDED.updated_at
		 RETURNING `+userColumns,
		user.ID, user.Identity.ExternalID, user.Identity.DisplayName, user.Identity.AvatarURL,
		user.Tokens.AccessToken, user.Tokens.RefreshToken, user.Tokens.ExpiresAt,
		string(user.Role), user.CreatedAt, user.UpdatedAt,
	))
	if err != nil {
		return nil, fmt.Errorf("failed to upsert user: %w", err)
	}
	return stored, nil
}

// UpdateTokens はトークンペアを更新する。ユーザーが存在しない場合はnilを返す。
func (r *PostgresUserRepo) UpdateTokens(ctx context.Context, id string, tokens model.TokenPair, updatedAt time.Time) (*model.User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx,
		`UPDATE users
		 SET access_token = $2, refresh_token = $3, token_expires_at = $4, updated_at = $5
		 WHERE id = $1
		 RETURNING `+userColumns,
		id, tokens.AccessToken, tokens.RefreshToken, tokens.ExpiresAt, updatedAt,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to update tokens: %w", err)
	}
	return user, nil
}

// UpdateRole はユーザーのロールを更新する。
func (r *PostgresUserRepo) UpdateRole(ctx context.Context, id string, role model.Role, updatedAt time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE users SET role = $2, updated_at = $3 WHERE id = $1`,
		id, string(role), updatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to update role: %w", err)
	}
	return requireAffected(result, id)
}

// DeleteByID は指定IDのユーザーを削除する。
// セッションは別ストアの場合があるため、呼び出し側で先に削除すること。
func (r *PostgresUserRepo) DeleteByID(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM users WHERE id = $1`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to delete user: %w", err)
	}
	return requireAffected(result, id)
}

// requireAffected は更新行数が0の場合にErrNotFoundを返す。
func requireAffected(result sql.Result, id string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return nil
}

// compile-time interface check
var _ UserRepository = (*PostgresUserRepo)(nil)
