// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/botpanel/internal/auth"
	"github.com/hitoshi/botpanel/internal/middleware"
	"github.com/hitoshi/botpanel/internal/model"
)

const (
	oauthStateCookie = "oauth_state"
	oauthStateMaxAge = 600 // 10分

	// FailurePath はIdPがエラーを返した場合のリダイレクト先。
	FailurePath = "/api/v1/auth/failure"
)

// AuthManager は認証ハンドラーが必要とするセッション・トークン管理のインターフェース。
// auth.Managerが実装する。
type AuthManager interface {
	AuthCodeURL(state string) string
	Login(ctx context.Context, code string) (*auth.LoginResult, error)
	Logout(ctx context.Context, sessionID string) error
	EnsureFresh(ctx context.Context, user *model.User, lookahead time.Duration, mode auth.RefreshMode) (*model.User, error)
	TokenStatus(user *model.User) auth.TokenStatus
	Profile(ctx context.Context, user *model.User) (*model.ExternalIdentity, error)
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	// FrontendURL はログイン成功後のリダイレクト先のベースURL。
	FrontendURL string
	Cookie      middleware.SessionCookieConfig
	// SessionMaxAge はセッションCookieの有効期間。
	SessionMaxAge time.Duration
	// ExplicitRefreshLookahead は明示的なトークン更新要求で更新対象とする残り時間。
	ExplicitRefreshLookahead time.Duration
}

// AuthHandler はDiscord OAuth認証関連のHTTPハンドラー。
type AuthHandler struct {
	manager AuthManager
	config  AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(manager AuthManager, config AuthHandlerConfig) *AuthHandler {
	return &AuthHandler{
		manager: manager,
		config:  config,
	}
}

// Login はDiscord OAuthフローを開始する。
// GET /api/v1/auth/discord
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	state, err := generateState()
	if err != nil {
		slog.Error("failed to generate oauth state", slog.String("error", err.Error()))
		middleware.WriteInternalServerError(w)
		return
	}

	h.setStateCookie(w, state, oauthStateMaxAge)
	http.Redirect(w, r, h.manager.AuthCodeURL(state), http.StatusTemporaryRedirect)
}

// Callback はOAuthコールバックを処理する。
// GET /api/v1/auth/discord/callback?code=xxx&state=yyy
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	// stateは一度きり
	stateCookie, cookieErr := r.Cookie(oauthStateCookie)
	h.setStateCookie(w, "", -1)

	if providerErr := query.Get("error"); providerErr != "" {
		slog.Warn("oauth provider returned error", slog.String("error", providerErr))
		http.Redirect(w, r, FailurePath, http.StatusTemporaryRedirect)
		return
	}

	state := query.Get("state")
	if cookieErr != nil || state == "" ||
		subtle.ConstantTimeCompare([]byte(stateCookie.Value), []byte(state)) != 1 {
		slog.Warn("oauth state mismatch")
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewInvalidStateError())
		return
	}

	code := query.Get("code")
	if code == "" {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, model.NewMissingCodeError())
		return
	}

	result, err := h.manager.Login(r.Context(), code)
	if err != nil {
		slog.Warn("oauth callback failed", slog.String("error", err.Error()))
		middleware.WriteAuthError(w, err)
		return
	}

	h.config.Cookie.Set(w, result.Session.ID, h.config.SessionMaxAge)
	http.Redirect(w, r, h.successURL(result.User), http.StatusTemporaryRedirect)
}

// Failure はOAuth失敗時の応答を返す。
// GET /api/v1/auth/failure
func (h *AuthHandler) Failure(w http.ResponseWriter, r *http.Request) {
	middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewAuthFailedError())
}

// Logout はセッションを破棄する。セッションの有無にかかわらず成功を返す。
// POST /api/v1/auth/logout
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	if sessionID := middleware.SessionIDFromRequest(r); sessionID != "" {
		if err := h.manager.Logout(r.Context(), sessionID); err != nil {
			// ログアウト失敗してもCookieはクリアする
			slog.Error("failed to logout", slog.String("error", err.Error()))
		}
	}

	h.config.Cookie.Clear(w)
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

// userView は/meで返すユーザー情報。トークンは含めない。
type userView struct {
	ID              string    `json:"id"`
	DiscordID       string    `json:"discord_id"`
	DiscordUsername string    `json:"discord_username"`
	DiscordAvatar   string    `json:"discord_avatar"`
	Role            string    `json:"role"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func newUserView(u *model.User) userView {
	return userView{
		ID:              u.ID,
		DiscordID:       u.Identity.ExternalID,
		DiscordUsername: u.Identity.DisplayName,
		DiscordAvatar:   u.Identity.AvatarURL,
		Role:            string(u.Role),
		CreatedAt:       u.CreatedAt,
		UpdatedAt:       u.UpdatedAt,
	}
}

// Me は現在のログインユーザー情報を返す。
// GET /api/v1/auth/me
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewAuthRequiredError())
		return
	}
	writeJSON(w, http.StatusOK, newUserView(user))
}

type statusUser struct {
	ID              string `json:"id"`
	DiscordUsername string `json:"discord_username"`
	Role            string `json:"role"`
}

type statusResponse struct {
	Authenticated bool        `json:"authenticated"`
	User          *statusUser `json:"user"`
}

// Status は認証状態を返す。未認証でも200を返す。
// GET /api/v1/auth/status
func (h *AuthHandler) Status(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{}
	if user, ok := middleware.UserFromContext(r.Context()); ok {
		resp.Authenticated = true
		resp.User = &statusUser{
			ID:              user.ID,
			DiscordUsername: user.Identity.DisplayName,
			Role:            string(user.Role),
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type tokenStatusResponse struct {
	IsExpired            bool      `json:"is_expired"`
	NeedsRefresh         bool      `json:"needs_refresh"`
	NeedsSoonRefresh     bool      `json:"needs_soon_refresh"`
	ExpiresAt            time.Time `json:"expires_at"`
	TimeUntilExpiryMs    int64     `json:"time_until_expiry_ms"`
	TimeUntilExpiryHours float64   `json:"time_until_expiry_hours"`
}

// TokenStatus はDiscordトークンの鮮度を返す。
// GET /api/v1/auth/token-status
func (h *AuthHandler) TokenStatus(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewAuthRequiredError())
		return
	}

	status := h.manager.TokenStatus(user)
	writeJSON(w, http.StatusOK, tokenStatusResponse{
		IsExpired:            status.IsExpired,
		NeedsRefresh:         status.NeedsRefresh,
		NeedsSoonRefresh:     status.NeedsSoonRefresh,
		ExpiresAt:            status.ExpiresAt,
		TimeUntilExpiryMs:    status.Remaining.Milliseconds(),
		TimeUntilExpiryHours: status.Remaining.Hours(),
	})
}

type refreshResponse struct {
	Refreshed bool      `json:"refreshed"`
	Message   string    `json:"message,omitempty"`
	ExpiresAt time.Time `json:"expires_at"`
}

// RefreshTokens は明示的にトークン更新を要求する。
// 残り時間がExplicitRefreshLookaheadより長い場合は更新しない。
// 必須認証ミドルウェアが先に更新していた場合も更新済みとして応答する。
// POST /api/v1/auth/refresh-tokens
func (h *AuthHandler) RefreshTokens(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewAuthRequiredError())
		return
	}

	fresh, err := h.manager.EnsureFresh(r.Context(), user, h.config.ExplicitRefreshLookahead, auth.ModeStrict)
	if err != nil {
		if errors.Is(err, auth.ErrReauthRequired) || errors.Is(err, auth.ErrUnauthenticated) {
			h.config.Cookie.Clear(w)
		}
		middleware.WriteAuthError(w, err)
		return
	}

	renewed := middleware.TokensRenewedFromContext(r.Context()) ||
		fresh.Tokens.AccessToken != user.Tokens.AccessToken ||
		!fresh.Tokens.ExpiresAt.Equal(user.Tokens.ExpiresAt)
	if !renewed {
		writeJSON(w, http.StatusOK, refreshResponse{
			Refreshed: false,
			Message:   "still valid",
			ExpiresAt: fresh.Tokens.ExpiresAt,
		})
		return
	}

	writeJSON(w, http.StatusOK, refreshResponse{
		Refreshed: true,
		ExpiresAt: fresh.Tokens.ExpiresAt,
	})
}

type profileResponse struct {
	DiscordID       string `json:"discord_id"`
	DiscordUsername string `json:"discord_username"`
	DiscordAvatar   string `json:"discord_avatar"`
}

// Profile はDiscordから取得した最新のプロフィールを返す。
// GET /api/v1/auth/profile
func (h *AuthHandler) Profile(w http.ResponseWriter, r *http.Request) {
	user, ok := middleware.UserFromContext(r.Context())
	if !ok {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewAuthRequiredError())
		return
	}

	identity, err := h.manager.Profile(r.Context(), user)
	if err != nil {
		middleware.WriteAuthError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, profileResponse{
		DiscordID:       identity.ExternalID,
		DiscordUsername: identity.DisplayName,
		DiscordAvatar:   identity.AvatarURL,
	})
}

// successURL はログイン成功後のフロントエンドURLを組み立てる。
func (h *AuthHandler) successURL(user *model.User) string {
	q := url.Values{}
	q.Set("auth", "success")
	q.Set("user", user.Identity.DisplayName)
	return strings.TrimRight(h.config.FrontendURL, "/") + "/dashboard?" + q.Encode()
}

func (h *AuthHandler) setStateCookie(w http.ResponseWriter, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    value,
		Path:     "/",
		MaxAge:   maxAge,
		HttpOnly: true,
		Secure:   h.config.Cookie.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// generateState はCSRF対策用のランダムなstate値を生成する。
func generateState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
