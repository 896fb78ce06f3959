package repository

import (
	"context"
	"sync"
	"time"

	"github.com/hitoshi/botpanel/internal/model"
)

// MemoryUserRepo はメモリ上のユーザーリポジトリ。開発とテスト用。
// 返却値は常にコピーで、呼び出し側の変更はストアに影響しない。
type MemoryUserRepo struct {
	mu         sync.RWMutex
	byID       map[string]*model.User
	byExternal map[string]string // external_id -> id
}

// NewMemoryUserRepo はMemoryUserRepoを生成する。
func NewMemoryUserRepo() *MemoryUserRepo {
	return &MemoryUserRepo{
		byID:       make(map[string]*model.User),
		byExternal: make(map[string]string),
	}
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *MemoryUserRepo) FindByID(_ context.Context, id string) (*model.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return copyUser(r.byID[id]), nil
}

// FindByExternalID は外部IDでユーザーを取得する。見つからない場合はnilを返す。
func (r *MemoryUserRepo) FindByExternalID(_ context.Context, externalID string) (*model.User, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.byExternal[externalID]
	if !ok {
		return nil, nil
	}
	return copyUser(r.byID[id]), nil
}

// UpsertByExternalID は外部IDをキーにユーザーを作成または更新する。
func (r *MemoryUserRepo) UpsertByExternalID(_ context.Context, user *model.User) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byExternal[user.Identity.ExternalID]; ok {
		existing := r.byID[id]
		existing.Identity = user.Identity
		existing.Tokens = user.Tokens
		existing.UpdatedAt = user.UpdatedAt
		return copyUser(existing), nil
	}

	stored := copyUser(user)
	r.byID[stored.ID] = stored
	r.byExternal[stored.Identity.ExternalID] = stored.ID
	return copyUser(stored), nil
}

// UpdateTokens はトークンペアを更新する。ユーザーが存在しない場合はnilを返す。
func (r *MemoryUserRepo) UpdateTokens(_ context.Context, id string, tokens model.TokenPair, updatedAt time.Time) (*model.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.byID[id]
	if !ok {
		return nil, nil
	}
	existing.Tokens = tokens
	existing.UpdatedAt = updatedAt
	return copyUser(existing), nil
}

// UpdateRole はユーザーのロールを更新する。
func (r *MemoryUserRepo) UpdateRole(_ context.Context, id string, role model.Role, updatedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.byID[id]
	if !ok {
		return ErrNotFound
	}
	existing.Role = role
	existing.UpdatedAt = updatedAt
	return nil
}

// DeleteByID は指定IDのユーザーを削除する。
func (r *MemoryUserRepo) DeleteByID(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.byID[id]
	if !ok {
		return ErrNotFound
	}
	delete(r.byExternal, existing.Identity.ExternalID)
	delete(r.byID, id)
	return nil
}

func copyUser(u *model.User) *model.User {
	if u == nil {
		return nil
	}
	c := *u
	return &c
}

// MemorySessionRepo はメモリ上のセッションリポジトリ。開発とテスト用。
type MemorySessionRepo struct {
	mu       sync.RWMutex
	sessions map[string]model.Session
	now      func() time.Time
}

// NewMemorySessionRepo はMemorySessionRepoを生成する。
// nowがnilの場合はtime.Nowを使用する。
func NewMemorySessionRepo(now func() time.Time) *MemorySessionRepo {
	if now == nil {
		now = time.Now
	}
	return &MemorySessionRepo{
		sessions: make(map[string]model.Session),
		now:      now,
	}
}

// Create はセッションを作成する。
func (r *MemorySessionRepo) Create(_ context.Context, session *model.Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[session.ID] = *session
	return nil
}

// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
func (r *MemorySessionRepo) FindByID(_ context.Context, id string) (*model.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	session, ok := r.sessions[id]
	if !ok || !r.now().Before(session.ExpiresAt) {
		return nil, nil
	}
	return &session, nil
}

// DeleteByID は指定IDのセッションを削除する。
func (r *MemorySessionRepo) DeleteByID(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sessions, id)
	return nil
}

// DeleteByUserID は指定ユーザーの全セッションを削除する。
func (r *MemorySessionRepo) DeleteByUserID(_ context.Context, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, session := range r.sessions {
		if session.UserID == userID {
			delete(r.sessions, id)
		}
	}
	return nil
}

// DeleteExpired は期限切れセッションを削除し、削除件数を返す。
func (r *MemorySessionRepo) DeleteExpired(_ context.Context, now time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var deleted int64
	for id, session := range r.sessions {
		if !now.Before(session.ExpiresAt) {
			delete(r.sessions, id)
			deleted++
		}
	}
	return deleted, nil
}

// compile-time interface checks
var (
	_ UserRepository       = (*MemoryUserRepo)(nil)
	_ SessionRepository    = (*MemorySessionRepo)(nil)
	_ ExpiredSessionPurger = (*MemorySessionRepo)(nil)
)
