// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/botpanel/internal/auth"
	"github.com/hitoshi/botpanel/internal/model"
)

// SessionCookieName はセッションIDを保持するCookieの名前。
const SessionCookieName = "session_id"

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// userContextKey はリクエストコンテキストに認証済みユーザーを格納するためのキー。
var userContextKey = contextKey("user")

// tokensRenewedContextKey は必須認証ミドルウェアがトークンを更新したことを示すキー。
var tokensRenewedContextKey = contextKey("tokens_renewed")

// SessionAuthenticator はセッション解決とトークン鮮度維持に必要なインターフェース。
// auth.Managerの部分集合として定義する。
type SessionAuthenticator interface {
	Resolve(ctx context.Context, sessionID string) (*model.User, error)
	EnsureFresh(ctx context.Context, user *model.User, lookahead time.Duration, mode auth.RefreshMode) (*model.User, error)
}

// SessionCookieConfig はセッションCookieの属性。
type SessionCookieConfig struct {
	Secure bool
	Domain string
}

// Set はHTTP Only Cookieにセッションを設定する。
func (c SessionCookieConfig) Set(w http.ResponseWriter, sessionID string, maxAge time.Duration) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    sessionID,
		Path:     "/",
		Domain:   c.Domain,
		MaxAge:   int(maxAge.Seconds()),
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// Clear はセッションCookieを削除する。
func (c SessionCookieConfig) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		Domain:   c.Domain,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// AuthConfig は認証ミドルウェアの設定。
type AuthConfig struct {
	// Lookahead はこの時間内に失効するトークンを更新対象とする。
	Lookahead time.Duration
	Cookie    SessionCookieConfig
}

// NewOptionalAuthMiddleware はセッションがあればユーザーを解決してコンテキストに注入するミドルウェアを返す。
// 未認証のリクエストは匿名のまま通過させる。
// トークン更新はベストエフォートで、失敗しても手元のユーザーのまま処理を続ける。
func NewOptionalAuthMiddleware(authn SessionAuthenticator, config AuthConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sessionID := SessionIDFromRequest(r)
			if sessionID == "" {
				next.ServeHTTP(w, r)
				return
			}

			user, err := authn.Resolve(r.Context(), sessionID)
			if err != nil {
				if !errors.Is(err, auth.ErrUnauthenticated) {
					slog.Warn("session lookup failed, continuing anonymously",
						slog.String("error", err.Error()),
					)
				}
				next.ServeHTTP(w, r)
				return
			}

			fresh, err := authn.EnsureFresh(r.Context(), user, config.Lookahead, auth.ModeBestEffort)
			if err != nil || fresh == nil {
				fresh = user
			}

			next.ServeHTTP(w, r.WithContext(ContextWithUser(r.Context(), fresh)))
		})
	}
}

// NewRequireAuthMiddleware は認証を必須とするミドルウェアを返す。
// トークンは厳格モードで更新し、再認証が必要な場合は401とneeds_reauthを返してCookieを削除する。
func NewRequireAuthMiddleware(authn SessionAuthenticator, config AuthConfig) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sessionID := SessionIDFromRequest(r)
			if sessionID == "" {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewAuthRequiredError())
				return
			}

			user, err := authn.Resolve(r.Context(), sessionID)
			if err != nil {
				if errors.Is(err, auth.ErrUnauthenticated) {
					config.Cookie.Clear(w)
				}
				WriteAuthError(w, err)
				return
			}

			fresh, err := authn.EnsureFresh(r.Context(), user, config.Lookahead, auth.ModeStrict)
			if err != nil {
				if errors.Is(err, auth.ErrReauthRequired) || errors.Is(err, auth.ErrUnauthenticated) {
					config.Cookie.Clear(w)
				}
				WriteAuthError(w, err)
				return
			}

			ctx := ContextWithUser(r.Context(), fresh)
			if fresh.Tokens.AccessToken != user.Tokens.AccessToken {
				ctx = context.WithValue(ctx, tokensRenewedContextKey, true)
			}
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// TokensRenewedFromContext はこのリクエストの認証時に、セッションのユーザーが
// 保持していたものとは別のトークンに置き換わったかを返す。
func TokensRenewedFromContext(ctx context.Context) bool {
	renewed, _ := ctx.Value(tokensRenewedContextKey).(bool)
	return renewed
}

// NewRequireRoleMiddleware は指定ロールを持つユーザーのみ通過させるミドルウェアを返す。
// NewRequireAuthMiddlewareの後に配置する。
func NewRequireRoleMiddleware(role model.Role) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, ok := UserFromContext(r.Context())
			if !ok {
				WriteErrorResponse(w, http.StatusUnauthorized, model.NewAuthRequiredError())
				return
			}
			if user.Role != role {
				slog.Warn("role check failed",
					slog.String("user_id", user.ID),
					slog.String("required_role", string(role)),
				)
				WriteErrorResponse(w, http.StatusForbidden, model.NewForbiddenError(role))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// SessionIDFromRequest はCookieからセッションIDを取得する。Cookieがない場合は空文字列を返す。
func SessionIDFromRequest(r *http.Request) string {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

// UserFromContext はリクエストコンテキストから認証済みユーザーを取得する。
func UserFromContext(ctx context.Context) (*model.User, bool) {
	user, ok := ctx.Value(userContextKey).(*model.User)
	if !ok || user == nil {
		return nil, false
	}
	return user, true
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
// 認証ミドルウェアを通過したリクエストでのみ有効。
func UserIDFromContext(ctx context.Context) (string, error) {
	user, ok := UserFromContext(ctx)
	if !ok || user.ID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return user.ID, nil
}

// ContextWithUser はコンテキストに認証済みユーザーを注入する。
// ログ用のリクエスト情報があればユーザーIDも記録する。
func ContextWithUser(ctx context.Context, user *model.User) context.Context {
	if info, ok := ctx.Value(requestInfoContextKey).(*requestInfo); ok {
		info.setUserID(user.ID)
	}
	return context.WithValue(ctx, userContextKey, user)
}
