package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"
)

// Pinger は依存ストアの疎通確認を行う。*sql.DBが実装する。
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PingFunc は関数をPingerとして扱うアダプター。
type PingFunc func(ctx context.Context) error

// PingContext はf(ctx)を呼ぶ。
func (f PingFunc) PingContext(ctx context.Context) error {
	return f(ctx)
}

const healthPingTimeout = 2 * time.Second

// HealthHandler はヘルスチェックのハンドラー。
type HealthHandler struct {
	db Pinger
}

// NewHealthHandler はHealthHandlerを生成する。dbがnilの場合はインメモリストアとして常に接続済みを返す。
func NewHealthHandler(db Pinger) *HealthHandler {
	return &HealthHandler{db: db}
}

type healthResponse struct {
	Status string `json:"status"`
	DB     string `json:"db"`
}

// ServeHTTP はプロセスの生存とストアの疎通状態を返す。
// GET /health
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok", DB: "connected"}

	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), healthPingTimeout)
		defer cancel()
		if err := h.db.PingContext(ctx); err != nil {
			slog.Warn("health check ping failed", slog.String("error", err.Error()))
			resp.DB = "disconnected"
		}
	}

	writeJSON(w, http.StatusOK, resp)
}
