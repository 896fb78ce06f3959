package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hitoshi/botpanel/internal/auth"
	"github.com/hitoshi/botpanel/internal/model"
)

// mockAuthenticator はSessionAuthenticatorのモック。
type mockAuthenticator struct {
	resolveFn     func(ctx context.Context, sessionID string) (*model.User, error)
	ensureFreshFn func(ctx context.Context, user *model.User, lookahead time.Duration, mode auth.RefreshMode) (*model.User, error)

	modes []auth.RefreshMode
}

func (m *mockAuthenticator) Resolve(ctx context.Context, sessionID string) (*model.User, error) {
	if m.resolveFn != nil {
		return m.resolveFn(ctx, sessionID)
	}
	return nil, auth.ErrUnauthenticated
}

func (m *mockAuthenticator) EnsureFresh(ctx context.Context, user *model.User, lookahead time.Duration, mode auth.RefreshMode) (*model.User, error) {
	m.modes = append(m.modes, mode)
	if m.ensureFreshFn != nil {
		return m.ensureFreshFn(ctx, user, lookahead, mode)
	}
	return user, nil
}

var testUser = &model.User{
	ID:       "user-1",
	Identity: model.ExternalIdentity{ExternalID: "80351110224678912", DisplayName: "nelly"},
	Tokens:   model.TokenPair{AccessToken: "abc123", RefreshToken: "rt-1"},
	Role:     model.RoleUser,
}

var testAuthConfig = AuthConfig{Lookahead: time.Hour}

func resolveTestUser(_ context.Context, sessionID string) (*model.User, error) {
	if sessionID == "valid-session" {
		u := *testUser
		return &u, nil
	}
	return nil, auth.ErrUnauthenticated
}

// capture は次のハンドラーに渡ったユーザーを記録する。
func capture(got **model.User, called *bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*called = true
		if u, ok := UserFromContext(r.Context()); ok {
			*got = u
		}
		w.WriteHeader(http.StatusOK)
	})
}

func requestWithSession(method, sessionID string) *http.Request {
	req := httptest.NewRequest(method, "/api/v1/test", nil)
	if sessionID != "" {
		req.AddCookie(&http.Cookie{Name: SessionCookieName, Value: sessionID})
	}
	return req
}

func decodeErrorBody(t *testing.T, w *httptest.ResponseRecorder) ErrorResponseBody {
	t.Helper()
	var body ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error body: %v", err)
	}
	return body
}

func sessionCookieCleared(w *httptest.ResponseRecorder) bool {
	for _, c := range w.Result().Cookies() {
		if c.Name == SessionCookieName && c.MaxAge < 0 {
			return true
		}
	}
	return false
}

func TestOptionalAuth_NoCookie_PassesAnonymous(t *testing.T) {
	authn := &mockAuthenticator{}
	var got *model.User
	var called bool

	w := httptest.NewRecorder()
	NewOptionalAuthMiddleware(authn, testAuthConfig)(capture(&got, &called)).ServeHTTP(w, requestWithSession(http.MethodGet, ""))

	if !called {
		t.Fatal("handler should have been called")
	}
	if got != nil {
		t.Errorf("user = %+v, want anonymous", got)
	}
	if len(authn.modes) != 0 {
		t.Error("EnsureFresh should not be called for anonymous requests")
	}
}

func TestOptionalAuth_ValidSession_InjectsUser(t *testing.T) {
	authn := &mockAuthenticator{resolveFn: resolveTestUser}
	var got *model.User
	var called bool

	w := httptest.NewRecorder()
	NewOptionalAuthMiddleware(authn, testAuthConfig)(capture(&got, &called)).ServeHTTP(w, requestWithSession(http.MethodGet, "valid-session"))

	if got == nil || got.ID != "user-1" {
		t.Fatalf("user = %+v, want user-1", got)
	}
	if len(authn.modes) != 1 || authn.modes[0] != auth.ModeBestEffort {
		t.Errorf("modes = %v, want [best_effort]", authn.modes)
	}
}

func TestOptionalAuth_StoreError_DegradesToAnonymous(t *testing.T) {
	authn := &mockAuthenticator{
		resolveFn: func(context.Context, string) (*model.User, error) {
			return nil, fmt.Errorf("%w: connection refused", auth.ErrStoreUnavailable)
		},
	}
	var got *model.User
	var called bool

	w := httptest.NewRecorder()
	NewOptionalAuthMiddleware(authn, testAuthConfig)(capture(&got, &called)).ServeHTTP(w, requestWithSession(http.MethodGet, "valid-session"))

	if !called || got != nil {
		t.Errorf("called=%v user=%+v, want anonymous pass-through", called, got)
	}
}

func TestRequireAuth_NoCookie_Returns401(t *testing.T) {
	authn := &mockAuthenticator{}
	handler := NewRequireAuthMiddleware(authn, testAuthConfig)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestWithSession(http.MethodGet, ""))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
	if body := decodeErrorBody(t, w); body.Code != model.ErrCodeAuthRequired || body.NeedsReauth {
		t.Errorf("body = %+v", body)
	}
}

func TestRequireAuth_UnknownSession_Returns401AndClearsCookie(t *testing.T) {
	authn := &mockAuthenticator{resolveFn: resolveTestUser}
	handler := NewRequireAuthMiddleware(authn, testAuthConfig)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("handler should not be called")
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, requestWithSession(http.MethodGet, "stale-session"))

	if w.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want %d", w.Code, http.StatusUnauthorized)
	}
	if !sessionCookieCleared(w) {
		t.Error("stale session cookie should be cleared")
	}
}

func TestRequireAuth_ValidSession_UsesStrictMode(t *testing.T) {
	refreshed := &model.User{ID: "user-1", Tokens: model.TokenPair{AccessToken: "new-token"}, Role: model.RoleUser}
	authn := &mockAuthenticator{
		resolveFn: resolveTestUser,
		ensureFreshFn: func(_ context.Context, _ *model.User, lookahead time.Duration, _ auth.RefreshMode) (*model.User, error) {
			if lookahead != time.Hour {
				t.Errorf("lookahead = %v, want 1h", lookahead)
			}
			return refreshed, nil
		},
	}
	var got *model.User
	var called bool

	w := httptest.NewRecorder()
	NewRequireAuthMiddleware(authn, testAuthConfig)(capture(&got, &called)).ServeHTTP(w, requestWithSession(http.MethodGet, "valid-session"))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	if got == nil || got.Tokens.AccessToken != "new-token" {
		t.Errorf("handler should see the refreshed user, got %+v", got)
	}
	if len(authn.modes) != 1 || authn.modes[0] != auth.ModeStrict {
		t.Errorf("modes = %v, want [strict]", authn.modes)
	}
}

func TestRequireAuth_MarksRenewedTokens(t *testing.T) {
	tests := []struct {
		name  string
		fresh func(u *model.User) *model.User
		want  bool
	}{
		{"更新なし", func(u *model.User) *model.User { return u }, false},
		{"更新あり", func(u *model.User) *model.User {
			c := *u
			c.Tokens.AccessToken = "new-token"
			return &c
		}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			authn := &mockAuthenticator{
				resolveFn: resolveTestUser,
				ensureFreshFn: func(_ context.Context, u *model.User, _ time.Duration, _ auth.RefreshMode) (*model.User, error) {
					return tt.fresh(u), nil
				},
			}
			var renewed bool
			next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				renewed = TokensRenewedFromContext(r.Context())
			})

			NewRequireAuthMiddleware(authn, testAuthConfig)(next).ServeHTTP(httptest.NewRecorder(), requestWithSession(http.MethodPost, "valid-session"))

			if renewed != tt.want {
				t.Errorf("TokensRenewedFromContext = %v, want %v", renewed, tt.want)
			}
		})
	}
}

func TestRequireAuth_EnsureFreshErrors(t *testing.T) {
	tests := []struct {
		name        string
		err         error
		wantStatus  int
		wantCode    string
		needsReauth bool
		clearCookie bool
	}{
		{
			name:        "再認証が必要",
			err:         fmt.Errorf("%w: %w", auth.ErrReauthRequired, auth.ErrInvalidGrant),
			wantStatus:  http.StatusUnauthorized,
			wantCode:    model.ErrCodeReauthRequired,
			needsReauth: true,
			clearCookie: true,
		},
		{
			name:       "IdP障害",
			err:        fmt.Errorf("%w: refresh: status 503", auth.ErrProviderUnavailable),
			wantStatus: http.StatusServiceUnavailable,
			wantCode:   model.ErrCodeProviderUnavailable,
		},
		{
			name:       "ストア障害",
			err:        fmt.Errorf("%w: timeout", auth.ErrStoreUnavailable),
			wantStatus: http.StatusInternalServerError,
			wantCode:   model.ErrCodeInternal,
		},
		{
			name:        "ユーザー消失",
			err:         auth.ErrUnauthenticated,
			wantStatus:  http.StatusUnauthorized,
			wantCode:    model.ErrCodeAuthRequired,
			clearCookie: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			authn := &mockAuthenticator{
				resolveFn: resolveTestUser,
				ensureFreshFn: func(context.Context, *model.User, time.Duration, auth.RefreshMode) (*model.User, error) {
					return nil, tt.err
				},
			}
			handler := NewRequireAuthMiddleware(authn, testAuthConfig)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				t.Fatal("handler should not be called")
			}))

			w := httptest.NewRecorder()
			handler.ServeHTTP(w, requestWithSession(http.MethodGet, "valid-session"))

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
			body := decodeErrorBody(t, w)
			if body.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", body.Code, tt.wantCode)
			}
			if body.NeedsReauth != tt.needsReauth {
				t.Errorf("needs_reauth = %v, want %v", body.NeedsReauth, tt.needsReauth)
			}
			if got := sessionCookieCleared(w); got != tt.clearCookie {
				t.Errorf("cookie cleared = %v, want %v", got, tt.clearCookie)
			}
		})
	}
}

// 同じInvalidGrantに対し、ベストエフォートは通過、必須ガードは401 needs_reauthとなることを検証
func TestAuthVariants_DivergeOnInvalidGrant(t *testing.T) {
	// Managerの挙動を模す: ベストエフォートはエラーを握りつぶし、厳格モードはReauthRequiredを返す
	authn := &mockAuthenticator{
		resolveFn: resolveTestUser,
		ensureFreshFn: func(_ context.Context, user *model.User, _ time.Duration, mode auth.RefreshMode) (*model.User, error) {
			if mode == auth.ModeBestEffort {
				return user, nil
			}
			return nil, fmt.Errorf("%w: %w", auth.ErrReauthRequired, auth.ErrInvalidGrant)
		},
	}

	var got *model.User
	var called bool
	w := httptest.NewRecorder()
	NewOptionalAuthMiddleware(authn, testAuthConfig)(capture(&got, &called)).ServeHTTP(w, requestWithSession(http.MethodGet, "valid-session"))
	if w.Code != http.StatusOK || got == nil || got.Tokens.AccessToken != "abc123" {
		t.Errorf("best-effort: status=%d user=%+v, want 200 with stale user", w.Code, got)
	}

	w = httptest.NewRecorder()
	NewRequireAuthMiddleware(authn, testAuthConfig)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("mandatory handler should not be called")
	})).ServeHTTP(w, requestWithSession(http.MethodGet, "valid-session"))
	if w.Code != http.StatusUnauthorized {
		t.Errorf("mandatory: status = %d, want 401", w.Code)
	}
	if body := decodeErrorBody(t, w); !body.NeedsReauth {
		t.Error("mandatory: needs_reauth should be true")
	}
}

func TestRequireRole(t *testing.T) {
	tests := []struct {
		name       string
		user       *model.User
		wantStatus int
	}{
		{"管理者は通過", &model.User{ID: "a", Role: model.RoleAdmin}, http.StatusOK},
		{"一般ユーザーは403", &model.User{ID: "u", Role: model.RoleUser}, http.StatusForbidden},
		{"未認証は401", nil, http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewRequireRoleMiddleware(model.RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))

			req := httptest.NewRequest(http.MethodPut, "/api/v1/admin/users/x/role", nil)
			if tt.user != nil {
				req = req.WithContext(ContextWithUser(req.Context(), tt.user))
			}
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", w.Code, tt.wantStatus)
			}
		})
	}
}

func TestUserIDFromContext(t *testing.T) {
	if _, err := UserIDFromContext(context.Background()); err == nil {
		t.Error("expected error for empty context")
	}

	ctx := ContextWithUser(context.Background(), &model.User{ID: "user-123"})
	userID, err := UserIDFromContext(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if userID != "user-123" {
		t.Errorf("userID = %q, want %q", userID, "user-123")
	}
}

func TestSessionCookieConfig(t *testing.T) {
	cfg := SessionCookieConfig{Secure: true, Domain: "example.com"}

	w := httptest.NewRecorder()
	cfg.Set(w, "sid-1", 7*24*time.Hour)
	cookies := w.Result().Cookies()
	if len(cookies) != 1 {
		t.Fatalf("cookies = %d, want 1", len(cookies))
	}
	c := cookies[0]
	if c.Value != "sid-1" || !c.HttpOnly || !c.Secure || c.MaxAge != 604800 || c.SameSite != http.SameSiteLaxMode {
		t.Errorf("unexpected cookie: %+v", c)
	}

	w = httptest.NewRecorder()
	cfg.Clear(w)
	if !sessionCookieCleared(w) {
		t.Error("Clear should expire the cookie")
	}
}

func TestAuthErrorResponse_UnknownErrorIs500(t *testing.T) {
	status, apiErr := AuthErrorResponse(errors.New("boom"))
	if status != http.StatusInternalServerError || apiErr.Code != model.ErrCodeInternal {
		t.Errorf("got %d %q, want 500 INTERNAL_ERROR", status, apiErr.Code)
	}
}
