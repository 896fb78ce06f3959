package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hitoshi/botpanel/internal/auth"
	"github.com/hitoshi/botpanel/internal/cache"
	"github.com/hitoshi/botpanel/internal/config"
	"github.com/hitoshi/botpanel/internal/database"
	"github.com/hitoshi/botpanel/internal/handler"
	"github.com/hitoshi/botpanel/internal/repository"
)

const storeConnectTimeout = 10 * time.Second

// stores は設定に応じて選択されたストア群と、その接続のクローズ処理を保持する。
type stores struct {
	users    repository.UserRepository
	sessions repository.SessionRepository
	// purger はセッションストアが期限切れを自動で削除しない場合のみ設定される。
	purger       repository.ExpiredSessionPurger
	profileCache auth.ProfileCache

	pings   []func(ctx context.Context) error
	closers []func() error
}

// openStores はUSER_STORE、SESSION_STORE、PROFILE_CACHEに従ってストアを初期化する。
// 途中で失敗した場合は開いた接続をすべて閉じる。
func openStores(ctx context.Context, cfg *config.Config) (st *stores, err error) {
	st = &stores{}
	defer func() {
		if err != nil {
			st.Close()
			st = nil
		}
	}()

	var db *sql.DB
	if cfg.UserStore == config.BackendPostgres || cfg.SessionStore == config.BackendPostgres {
		pool := database.DefaultPoolConfig()
		pool.MaxOpenConns = cfg.DBMaxOpenConns
		db, err = database.Open(cfg.DatabaseURL, pool)
		if err != nil {
			return st, fmt.Errorf("failed to open database: %w", err)
		}
		st.closers = append(st.closers, db.Close)

		pingCtx, cancel := context.WithTimeout(ctx, storeConnectTimeout)
		defer cancel()
		if err = db.PingContext(pingCtx); err != nil {
			return st, fmt.Errorf("failed to connect to database: %w", err)
		}
		st.pings = append(st.pings, db.PingContext)
		slog.Info("database connection established")
	}

	var rdb *redis.Client
	if cfg.SessionStore == config.BackendRedis || cfg.ProfileCache == config.BackendRedis {
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		st.closers = append(st.closers, rdb.Close)

		pingCtx, cancel := context.WithTimeout(ctx, storeConnectTimeout)
		defer cancel()
		if err = rdb.Ping(pingCtx).Err(); err != nil {
			return st, fmt.Errorf("failed to connect to redis: %w", err)
		}
		st.pings = append(st.pings, func(ctx context.Context) error { return rdb.Ping(ctx).Err() })
		slog.Info("redis connection established", slog.String("addr", cfg.RedisAddr))
	}

	switch cfg.UserStore {
	case config.BackendPostgres:
		st.users = repository.NewPostgresUserRepo(db)
	case config.BackendMongo:
		client, cerr := repository.ConnectMongo(ctx, cfg.MongoURI, storeConnectTimeout)
		if cerr != nil {
			return st, cerr
		}
		st.closers = append(st.closers, func() error {
			dctx, cancel := context.WithTimeout(context.Background(), storeConnectTimeout)
			defer cancel()
			return client.Disconnect(dctx)
		})
		st.pings = append(st.pings, func(ctx context.Context) error { return client.Ping(ctx, nil) })

		repo := repository.NewMongoUserRepo(client.Database(cfg.MongoDatabase).Collection("users"))
		if err = repo.EnsureIndexes(ctx); err != nil {
			return st, err
		}
		st.users = repo
		slog.Info("mongodb connection established", slog.String("database", cfg.MongoDatabase))
	case config.BackendMemory:
		st.users = repository.NewMemoryUserRepo()
		slog.Warn("using in-memory user store; data is lost on restart")
	}

	switch cfg.SessionStore {
	case config.BackendPostgres:
		repo := repository.NewPostgresSessionRepo(db)
		st.sessions = repo
		st.purger = repo
	case config.BackendRedis:
		// Redisはキーごとの有効期限で自動削除される
		st.sessions = repository.NewRedisSessionRepo(rdb, "")
	case config.BackendMemory:
		repo := repository.NewMemorySessionRepo(time.Now)
		st.sessions = repo
		st.purger = repo
		slog.Warn("using in-memory session store; sessions are lost on restart")
	}

	switch cfg.ProfileCache {
	case config.BackendRedis:
		st.profileCache = cache.NewRedisProfileCache(rdb, "")
	default:
		st.profileCache = cache.NewMemoryProfileCache(time.Now)
	}

	return st, nil
}

// Pinger は全バックエンドへの疎通確認をまとめたPingerを返す。
// 外部ストアを使わない場合はnilを返す。
func (s *stores) Pinger() handler.Pinger {
	if len(s.pings) == 0 {
		return nil
	}
	pings := s.pings
	return handler.PingFunc(func(ctx context.Context) error {
		var errs []error
		for _, ping := range pings {
			if err := ping(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	})
}

// Close は開いた接続を逆順に閉じる。
func (s *stores) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			slog.Warn("failed to close store", slog.String("error", err.Error()))
		}
	}
	s.closers = nil
}
