// Package auth はDiscord OAuthログイン、セッション管理、委譲トークンのライフサイクル管理を提供する。
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/botpanel/internal/freshness"
	"github.com/hitoshi/botpanel/internal/metrics"
	"github.com/hitoshi/botpanel/internal/model"
	"github.com/hitoshi/botpanel/internal/repository"
)

// RefreshMode はトークン更新失敗時の扱いを表す。
type RefreshMode int

const (
	// ModeBestEffort は更新失敗をすべて吸収し、古いスナップショットを返す。
	ModeBestEffort RefreshMode = iota
	// ModeStrict は更新失敗を呼び出し側に返す。リフレッシュトークンが拒否された場合はセッションを破棄する。
	ModeStrict
)

// String はモード名を返す。
func (m RefreshMode) String() string {
	if m == ModeStrict {
		return "strict"
	}
	return "best_effort"
}

// ManagerConfig はManagerの設定。
type ManagerConfig struct {
	SessionMaxAge   time.Duration // セッション有効期間
	ProviderTimeout time.Duration // IdP呼び出し1回あたりのタイムアウト
	ProfileCacheTTL time.Duration // プロフィールキャッシュのTTL

	RefreshLookahead time.Duration // リクエスト処理時の先行リフレッシュ猶予
	SoonLookahead    time.Duration // トークン状態表示の「まもなく失効」猶予
}

func (c *ManagerConfig) setDefaults() {
	if c.SessionMaxAge <= 0 {
		c.SessionMaxAge = 7 * 24 * time.Hour
	}
	if c.ProviderTimeout <= 0 {
		c.ProviderTimeout = 10 * time.Second
	}
	if c.ProfileCacheTTL <= 0 {
		c.ProfileCacheTTL = 5 * time.Minute
	}
	if c.RefreshLookahead <= 0 {
		c.RefreshLookahead = freshness.DefaultLookahead
	}
	if c.SoonLookahead <= 0 {
		c.SoonLookahead = freshness.SoonLookahead
	}
}

// Option はManagerのオプション設定。
type Option func(*Manager)

// WithProfileCache はプロフィールキャッシュを設定する。
func WithProfileCache(cache ProfileCache) Option {
	return func(m *Manager) { m.cache = cache }
}

// WithRecorder はメトリクス記録先を設定する。
func WithRecorder(recorder metrics.AuthRecorder) Option {
	return func(m *Manager) { m.recorder = recorder }
}

// WithClock は現在時刻の取得関数を設定する。テスト用。
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// LoginResult はログイン成功時に発行されたユーザーとセッション。
type LoginResult struct {
	User    *model.User
	Session *model.Session
}

// TokenStatus はトークン状態エンドポイントに返す鮮度情報。
type TokenStatus struct {
	IsExpired        bool
	NeedsRefresh     bool
	NeedsSoonRefresh bool
	ExpiresAt        time.Time
	Remaining        time.Duration
}

// Manager はログイン、セッション解決、トークン更新、ログアウトを一元的に扱う。
// トークンペアを変更するのはManagerのみで、必ずストアから再取得した値を基に更新する。
type Manager struct {
	provider IdentityProvider
	users    repository.UserRepository
	sessions repository.SessionRepository
	cache    ProfileCache
	recorder metrics.AuthRecorder
	now      func() time.Time
	config   ManagerConfig

	// refreshGroup はユーザーIDごとに同時実行中のトークン更新を1回にまとめる。
	refreshGroup singleflight.Group
}

// NewManager はManagerを生成する。
func NewManager(
	provider IdentityProvider,
	users repository.UserRepository,
	sessions repository.SessionRepository,
	config ManagerConfig,
	opts ...Option,
) *Manager {
	config.setDefaults()
	m := &Manager{
		provider: provider,
		users:    users,
		sessions: sessions,
		recorder: metrics.Nop{},
		now:      time.Now,
		config:   config,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Config は適用済みの設定を返す。
func (m *Manager) Config() ManagerConfig {
	return m.config
}

// AuthCodeURL はログイン開始用の認可URLを返す。
func (m *Manager) AuthCodeURL(state string) string {
	return m.provider.AuthCodeURL(state)
}

// Login は認可コードを交換し、ユーザーレコードをupsertしてセッションを発行する。
// IdP呼び出しが失敗した場合はストアへの書き込みを一切行わない。
// upsertが失敗した場合はセッションを作成しない。
func (m *Manager) Login(ctx context.Context, code string) (*LoginResult, error) {
	// 1. 認可コードをトークンに交換（発行時刻は呼び出し前に確定する）
	issuedAt := m.now()
	grant, err := m.exchangeCode(ctx, code)
	if err != nil {
		m.recorder.RecordLogin(resultOf(err))
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}

	// 2. プロフィール取得
	identity, err := m.fetchProfile(ctx, grant.AccessToken)
	if err != nil {
		m.recorder.RecordLogin(resultOf(err))
		return nil, fmt.Errorf("failed to fetch profile: %w", err)
	}

	// 3. ユーザーレコードのupsert
	now := m.now()
	user, err := m.users.UpsertByExternalID(ctx, &model.User{
		ID:        uuid.New().String(),
		Identity:  *identity,
		Tokens:    grant.PairAt(issuedAt),
		Role:      model.RoleUser,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		m.recorder.RecordLogin(metrics.ResultStoreError)
		return nil, fmt.Errorf("%w: failed to upsert user: %w", ErrStoreUnavailable, err)
	}

	// 4. セッション発行
	session, err := m.createSession(ctx, user.ID)
	if err != nil {
		m.recorder.RecordLogin(metrics.ResultStoreError)
		return nil, fmt.Errorf("%w: failed to create session: %w", ErrStoreUnavailable, err)
	}

	m.recorder.RecordLogin(metrics.ResultSuccess)
	slog.Info("user logged in",
		slog.String("user_id", user.ID),
		slog.String("external_id", user.Identity.ExternalID),
		slog.Time("token_expires_at", user.Tokens.ExpiresAt),
	)

	return &LoginResult{User: user, Session: session}, nil
}

// Resolve はセッションIDからユーザーを取得する。
// セッションが存在しない場合はErrUnauthenticatedを返す。
// セッションが存在しないユーザーを参照している場合はセッションを破棄し、ErrUnauthenticatedを返す。
func (m *Manager) Resolve(ctx context.Context, sessionID string) (*model.User, error) {
	if sessionID == "" {
		return nil, ErrUnauthenticated
	}

	session, err := m.sessions.FindByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to find session: %w", ErrStoreUnavailable, err)
	}
	if session == nil || !m.now().Before(session.ExpiresAt) {
		return nil, ErrUnauthenticated
	}

	user, err := m.users.FindByID(ctx, session.UserID)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to find user: %w", ErrStoreUnavailable, err)
	}
	if user == nil {
		// ユーザーレコードは暗黙に削除されないため、ここに到達するのは不整合のみ
		m.recorder.RecordIntegrityViolation()
		slog.Error("data integrity violation: session references missing user",
			slog.String("user_id", session.UserID),
		)
		if err := m.sessions.DeleteByID(ctx, sessionID); err != nil {
			slog.Error("failed to delete orphan session", slog.String("error", err.Error()))
		}
		return nil, ErrUnauthenticated
	}

	return user, nil
}

// EnsureFresh はアクセストークンの失効までの残り時間がlookahead以下なら更新する。
// 同一ユーザーに対する同時呼び出しではIdPへの更新要求は1回のみ行われる。
//
// ModeBestEffortではエラーを返さず、更新できなければ渡されたuserをそのまま返す。
// ModeStrictではリフレッシュトークンが拒否された場合にユーザーの全セッションを破棄し、
// ErrReauthRequiredを返す。一時的な障害はセッションを変更せずにそのまま返す。
func (m *Manager) EnsureFresh(ctx context.Context, user *model.User, lookahead time.Duration, mode RefreshMode) (*model.User, error) {
	if !freshness.IsExpiringSoon(user.Tokens.ExpiresAt, lookahead, m.now()) {
		return user, nil
	}

	refreshed, err := m.refreshShared(ctx, user.ID, lookahead)
	if err == nil {
		return refreshed, nil
	}

	if mode == ModeBestEffort {
		slog.Warn("token refresh failed, continuing with stale token",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
		return user, nil
	}

	if errors.Is(err, ErrInvalidGrant) {
		slog.Warn("refresh token rejected, invalidating sessions",
			slog.String("user_id", user.ID),
		)
		if derr := m.sessions.DeleteByUserID(ctx, user.ID); derr != nil {
			slog.Error("failed to invalidate sessions",
				slog.String("user_id", user.ID),
				slog.String("error", derr.Error()),
			)
		}
		return nil, fmt.Errorf("%w: %w", ErrReauthRequired, err)
	}

	return nil, err
}

// refreshShared はユーザー単位のsingleflightでトークン更新を実行する。
// 更新処理は呼び出し元のキャンセルから切り離し、IdPタイムアウトで上限を設ける。
// 相乗りしたフライトがより短いlookaheadで「更新不要」と判断した場合は、
// 自分のlookaheadでもう一度だけフライトを起こす。
func (m *Manager) refreshShared(ctx context.Context, userID string, lookahead time.Duration) (*model.User, error) {
	for attempt := 0; ; attempt++ {
		ch := m.refreshGroup.DoChan(userID, func() (any, error) {
			flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.config.ProviderTimeout)
			defer cancel()
			return m.refresh(flightCtx, userID, lookahead)
		})

		select {
		case res := <-ch:
			if res.Shared {
				m.recorder.RecordSharedRefresh()
			}
			if res.Err != nil {
				return nil, res.Err
			}
			user := res.Val.(*model.User)
			if res.Shared && attempt == 0 && freshness.IsExpiringSoon(user.Tokens.ExpiresAt, lookahead, m.now()) {
				continue
			}
			return user, nil
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %w", ErrProviderUnavailable, ctx.Err())
		}
	}
}

// refresh はストアから最新のレコードを再取得し、必要な場合のみトークンを更新する。
func (m *Manager) refresh(ctx context.Context, userID string, lookahead time.Duration) (*model.User, error) {
	stored, err := m.users.FindByID(ctx, userID)
	if err != nil {
		m.recorder.RecordTokenRefresh(metrics.ResultStoreError)
		return nil, fmt.Errorf("%w: failed to reload user: %w", ErrStoreUnavailable, err)
	}
	if stored == nil {
		return nil, ErrUnauthenticated
	}

	// 別のリクエストが更新済みであればそれを使う
	if !freshness.IsExpiringSoon(stored.Tokens.ExpiresAt, lookahead, m.now()) {
		m.recorder.RecordTokenRefresh(metrics.ResultAlreadyFresh)
		return stored, nil
	}

	issuedAt := m.now()
	start := time.Now()
	grant, err := m.provider.RefreshToken(ctx, stored.Tokens.RefreshToken)
	m.recorder.RecordProviderLatency("refresh", time.Since(start))
	if err != nil {
		m.recorder.RecordTokenRefresh(resultOf(err))
		return nil, fmt.Errorf("failed to refresh token: %w", err)
	}

	updated, err := m.users.UpdateTokens(ctx, userID, grant.PairAt(issuedAt), m.now())
	if err != nil {
		// IdPがローテーションした新しいリフレッシュトークンはここで失われる
		m.recorder.RecordTokenRefresh(metrics.ResultStoreError)
		slog.Error("refreshed token could not be persisted",
			slog.String("user_id", userID),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("%w: failed to persist tokens: %w", ErrStoreUnavailable, err)
	}
	if updated == nil {
		return nil, ErrUnauthenticated
	}

	m.recorder.RecordTokenRefresh(metrics.ResultSuccess)
	slog.Info("token refreshed",
		slog.String("user_id", userID),
		slog.Time("token_expires_at", updated.Tokens.ExpiresAt),
	)
	return updated, nil
}

// Logout はセッションを破棄する。存在しないセッションや空IDに対しても成功する。
func (m *Manager) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}

	if err := m.sessions.DeleteByID(ctx, sessionID); err != nil {
		return fmt.Errorf("%w: failed to delete session: %w", ErrStoreUnavailable, err)
	}

	slog.Info("user logged out")
	return nil
}

// TokenStatus はユーザーのトークン鮮度を返す。
func (m *Manager) TokenStatus(user *model.User) TokenStatus {
	now := m.now()
	expiresAt := user.Tokens.ExpiresAt
	return TokenStatus{
		IsExpired:        freshness.IsExpired(expiresAt, now),
		NeedsRefresh:     freshness.IsExpiringSoon(expiresAt, m.config.RefreshLookahead, now),
		NeedsSoonRefresh: freshness.IsExpiringSoon(expiresAt, m.config.SoonLookahead, now),
		ExpiresAt:        expiresAt,
		Remaining:        freshness.Remaining(expiresAt, now),
	}
}

// Profile は現在のアクセストークンでIdP上のプロフィールを取得する。
// プロフィールキャッシュが設定されていれば短時間キャッシュする。
func (m *Manager) Profile(ctx context.Context, user *model.User) (*model.ExternalIdentity, error) {
	ctx, cancel := context.WithTimeout(ctx, m.config.ProviderTimeout)
	defer cancel()
	return m.fetchProfile(ctx, user.Tokens.AccessToken)
}

func (m *Manager) exchangeCode(ctx context.Context, code string) (*TokenGrant, error) {
	ctx, cancel := context.WithTimeout(ctx, m.config.ProviderTimeout)
	defer cancel()

	start := time.Now()
	grant, err := m.provider.ExchangeCode(ctx, code)
	m.recorder.RecordProviderLatency("exchange", time.Since(start))
	return grant, err
}

// fetchProfile はプロフィールを取得する。キャッシュのエラーは無視する。
func (m *Manager) fetchProfile(ctx context.Context, accessToken string) (*model.ExternalIdentity, error) {
	key := profileCacheKey(accessToken)
	if m.cache != nil {
		if cached, err := m.cache.Get(ctx, key); err == nil && cached != nil {
			return cached, nil
		} else if err != nil {
			slog.Debug("profile cache get failed", slog.String("error", err.Error()))
		}
	}

	ctx, cancel := context.WithTimeout(ctx, m.config.ProviderTimeout)
	defer cancel()

	start := time.Now()
	identity, err := m.provider.FetchProfile(ctx, accessToken)
	m.recorder.RecordProviderLatency("profile", time.Since(start))
	if err != nil {
		return nil, err
	}

	if m.cache != nil {
		if err := m.cache.Set(ctx, key, identity, m.config.ProfileCacheTTL); err != nil {
			slog.Debug("profile cache set failed", slog.String("error", err.Error()))
		}
	}
	return identity, nil
}

// createSession はセッションを作成し永続化する。
func (m *Manager) createSession(ctx context.Context, userID string) (*model.Session, error) {
	sessionID, err := generateSessionID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate session ID: %w", err)
	}

	now := m.now()
	session := &model.Session{
		ID:        sessionID,
		UserID:    userID,
		ExpiresAt: now.Add(m.config.SessionMaxAge),
		CreatedAt: now,
	}

	if err := m.sessions.Create(ctx, session); err != nil {
		return nil, err
	}

	return session, nil
}

// resultOf はIdPエラーをメトリクスの結果ラベルに変換する。
func resultOf(err error) string {
	if errors.Is(err, ErrInvalidGrant) {
		return metrics.ResultInvalidGrant
	}
	return metrics.ResultProviderError
}

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
