// Package app はコマンドの解析と依存関係のワイヤリングを行う。
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/time/rate"

	"github.com/hitoshi/botpanel/internal/auth"
	"github.com/hitoshi/botpanel/internal/config"
	"github.com/hitoshi/botpanel/internal/database"
	"github.com/hitoshi/botpanel/internal/handler"
	"github.com/hitoshi/botpanel/internal/logger"
	"github.com/hitoshi/botpanel/internal/metrics"
	"github.com/hitoshi/botpanel/internal/middleware"
	"github.com/hitoshi/botpanel/internal/security"
	"github.com/hitoshi/botpanel/internal/user"
	"github.com/hitoshi/botpanel/internal/worker/cleanup"
)

// Init はアプリケーションの初期化を行う。
// 環境変数からConfigを読み込み、LOG_LEVELに従ってJSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, logger.ParseLevel(os.Getenv("LOG_LEVEL")))

	// 2. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger.SetupDefault(w, logger.ParseLevel(cfg.LogLevel))
	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "8080"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
		slog.String("user_store", cfg.UserStore),
		slog.String("session_store", cfg.SessionStore),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	switch cmd {
	case CommandWorker:
		return runWorker(ctx, cfg)
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(ctx, cfg)
	}
}

// server はserveコマンドで組み立てた依存関係。
type server struct {
	handler     http.Handler
	cleanupJob  *cleanup.CleanupJob
	rateLimiter *middleware.RateLimiter
}

// newProvider はDiscord OAuthプロバイダーを構築する。
// PROVIDER_STRICT_EGRESSが有効な場合はSSRF対策済みのHTTPクライアントを使う。
func newProvider(cfg *config.Config) *auth.DiscordOAuthProvider {
	client := &http.Client{Timeout: cfg.ProviderTimeout}
	if cfg.ProviderStrictEgress {
		client = security.NewProviderClient(cfg.ProviderTimeout)
	}

	burst := int(cfg.ProviderRateLimit)
	if burst < 1 {
		burst = 1
	}

	return auth.NewDiscordOAuthProvider(auth.DiscordOAuthConfig{
		ClientID:     cfg.DiscordClientID,
		ClientSecret: cfg.DiscordClientSecret,
		RedirectURL:  cfg.DiscordRedirectURL,
		HTTPClient:   client,
		Limiter:      rate.NewLimiter(rate.Limit(cfg.ProviderRateLimit), burst),
		Sanitizer:    security.NewNameSanitizer(),
	})
}

// newServer は全依存関係をワイヤリングしてHTTPハンドラーを構築する。
func newServer(cfg *config.Config, st *stores, provider auth.IdentityProvider) *server {
	// 1. メトリクス
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg)

	// 2. セッション・トークン管理
	manager := auth.NewManager(provider, st.users, st.sessions,
		auth.ManagerConfig{
			SessionMaxAge:    cfg.SessionMaxAge,
			ProviderTimeout:  cfg.ProviderTimeout,
			ProfileCacheTTL:  cfg.ProfileCacheTTL,
			RefreshLookahead: cfg.RefreshLookahead,
			SoonLookahead:    cfg.ExplicitRefreshLookahead,
		},
		auth.WithProfileCache(st.profileCache),
		auth.WithRecorder(collector),
	)
	managerCfg := manager.Config()

	// 3. レート制限（設定はreq/min単位なのでreq/secに変換する）
	rlCfg := middleware.DefaultRateLimiterConfig()
	rlCfg.GeneralRate = rate.Limit(float64(cfg.RateLimitGeneral) / 60.0)
	rlCfg.GeneralBurst = cfg.RateLimitGeneral
	rlCfg.LoginRate = rate.Limit(float64(cfg.RateLimitLogin) / 60.0)
	rlCfg.LoginBurst = cfg.RateLimitLogin
	rateLimiter := middleware.NewRateLimiter(rlCfg)

	// 4. ルーター
	cookie := middleware.SessionCookieConfig{
		Secure: cfg.CookieSecure,
		Domain: cfg.CookieDomain,
	}
	router := handler.NewRouter(&handler.RouterDeps{
		Authenticator: manager,
		AuthMiddleware: middleware.AuthConfig{
			Lookahead: managerCfg.RefreshLookahead,
			Cookie:    cookie,
		},
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		RateLimiter:       rateLimiter,
		CSRF: middleware.CSRFConfig{
			CookieSecure: cfg.CookieSecure,
			CookieDomain: cfg.CookieDomain,
		},
		Logger:         slog.Default(),
		StatusRecorder: collector,

		AuthManager: manager,
		AuthConfig: handler.AuthHandlerConfig{
			FrontendURL:              cfg.FrontendURL,
			Cookie:                   cookie,
			SessionMaxAge:            managerCfg.SessionMaxAge,
			ExplicitRefreshLookahead: cfg.ExplicitRefreshLookahead,
		},

		UserService: user.NewService(st.users, st.sessions),

		HealthDB:       st.Pinger(),
		MetricsHandler: metrics.Handler(reg),
	})

	srv := &server{
		handler:     router,
		rateLimiter: rateLimiter,
	}
	if st.purger != nil {
		srv.cleanupJob = cleanup.NewCleanupJob(st.purger, collector, slog.Default())
	}
	return srv
}

// runServe はAPIサーバーモードで起動する。
// ストアに接続し、全依存関係をワイヤリングし、HTTPサーバーを起動する。
// ctxがキャンセルされる（SIGINTまたはSIGTERM）とグレースフルシャットダウンを行う。
func runServe(ctx context.Context, cfg *config.Config) error {
	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	srv := newServer(cfg, st, newProvider(cfg))
	defer srv.rateLimiter.Stop()

	// 期限切れセッションの回収もプロセス内で行う
	if srv.cleanupJob != nil {
		go srv.cleanupJob.Start(ctx, cfg.SessionCleanupInterval)
	}

	httpServer := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      srv.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("API server starting", slog.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server listen error: %w", err)
		}
	case <-ctx.Done():
	}

	slog.Info("shutting down API server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("API server stopped gracefully")
	return nil
}

// runWorker はワーカーモードで起動する。
// 期限切れセッションの定期削除を、ctxがキャンセルされるまで実行する。
func runWorker(ctx context.Context, cfg *config.Config) error {
	st, err := openStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer st.Close()

	if st.purger == nil {
		slog.Info("session store expires sessions by itself; worker has nothing to do",
			slog.String("session_store", cfg.SessionStore),
		)
		return nil
	}

	job := cleanup.NewCleanupJob(st.purger, nil, slog.Default())
	job.Start(ctx, cfg.SessionCleanupInterval)

	slog.Info("worker stopped gracefully")
	return nil
}

// runMigrate はデータベースマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required for migrate")
	}

	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("schema_version", uint64(version)))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// distroless環境でのDockerヘルスチェック用サブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	target := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(target)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	if u.User != nil {
		u.User = url.User("***")
	}
	return u.Redacted()
}
