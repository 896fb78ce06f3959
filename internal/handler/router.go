package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/hitoshi/botpanel/internal/middleware"
	"github.com/hitoshi/botpanel/internal/model"
)

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	// ミドルウェア依存
	Authenticator     middleware.SessionAuthenticator
	AuthMiddleware    middleware.AuthConfig
	CORSAllowedOrigin string
	RateLimiter       *middleware.RateLimiter
	CSRF              middleware.CSRFConfig
	Logger            *slog.Logger
	StatusRecorder    middleware.StatusRecorder

	// 認証
	AuthManager AuthManager
	AuthConfig  AuthHandlerConfig

	// ユーザー
	UserService UserServiceInterface

	// 運用
	HealthDB       Pinger
	MetricsHandler http.Handler
}

// NewRouter は全APIエンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	RealIP → Logging → Recovery → SecurityHeaders → CORS → CSRF(/api/v1) → Auth → RateLimit
//
// ログイン開始とコールバックはログイン専用のレート制限のみを適用する。
func NewRouter(deps *RouterDeps) http.Handler {
	r := chi.NewRouter()

	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r.Use(chimw.RealIP)
	r.Use(middleware.NewLoggingMiddleware(logger, deps.StatusRecorder))
	r.Use(middleware.NewRecoveryMiddleware())
	r.Use(middleware.NewSecurityHeadersMiddleware(middleware.SecurityHeadersConfig{
		HSTS: deps.AuthMiddleware.Cookie.Secure,
	}))
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))

	authHandler := NewAuthHandler(deps.AuthManager, deps.AuthConfig)
	userHandler := NewUserHandler(deps.UserService, deps.AuthConfig.Cookie)

	optionalAuth := middleware.NewOptionalAuthMiddleware(deps.Authenticator, deps.AuthMiddleware)
	requireAuth := middleware.NewRequireAuthMiddleware(deps.Authenticator, deps.AuthMiddleware)
	general := deps.RateLimiter.GeneralMiddleware()

	r.Method(http.MethodGet, "/health", NewHealthHandler(deps.HealthDB))
	if deps.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", deps.MetricsHandler)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.NewCSRFMiddleware(deps.CSRF))

		r.Method(http.MethodGet, "/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRF))

		r.Route("/auth", func(r chi.Router) {
			// OAuthフロー
			r.Group(func(r chi.Router) {
				r.Use(deps.RateLimiter.LoginMiddleware())
				r.Get("/discord", authHandler.Login)
				r.Get("/discord/callback", authHandler.Callback)
			})
			r.Get("/failure", authHandler.Failure)

			r.With(general).Post("/logout", authHandler.Logout)

			// 匿名でも応答するルート
			r.Group(func(r chi.Router) {
				r.Use(optionalAuth)
				r.Use(general)
				r.Get("/me", authHandler.Me)
				r.Get("/status", authHandler.Status)
				r.Get("/token-status", authHandler.TokenStatus)
			})

			// 認証必須のルート
			r.Group(func(r chi.Router) {
				r.Use(requireAuth)
				r.Use(general)
				r.Post("/refresh-tokens", authHandler.RefreshTokens)
				r.Get("/profile", authHandler.Profile)
			})
		})

		r.Group(func(r chi.Router) {
			r.Use(requireAuth)
			r.Use(general)

			r.Delete("/users/me", userHandler.Withdraw)

			r.With(middleware.NewRequireRoleMiddleware(model.RoleAdmin)).
				Put("/admin/users/{id}/role", userHandler.SetRole)
		})
	})

	return r
}
