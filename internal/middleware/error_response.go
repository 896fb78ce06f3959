package middleware

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/botpanel/internal/auth"
	"github.com/hitoshi/botpanel/internal/model"
)

// ErrorResponseBody はAPIエラーレスポンスの統一フォーマット。
// 原因カテゴリと対処方法を含む。
type ErrorResponseBody struct {
	Code        string `json:"code"`
	Message     string `json:"message"`
	Category    string `json:"category"`
	Action      string `json:"action"`
	NeedsReauth bool   `json:"needs_reauth,omitempty"`
}

// WriteErrorResponse は統一エラーフォーマットでHTTPエラーレスポンスを書き込む。
// すべてのAPIエンドポイントで一貫したエラーレスポンスを提供する。
func WriteErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ErrorResponseBody{
		Code:        apiErr.Code,
		Message:     apiErr.Message,
		Category:    apiErr.Category,
		Action:      apiErr.Action,
		NeedsReauth: apiErr.NeedsReauth,
	})
}

// WriteInternalServerError は内部サーバーエラーの統一レスポンスを書き込む。
// 詳細はログのみに記録し、ユーザーには一般的なメッセージを返す。
func WriteInternalServerError(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusInternalServerError, model.NewInternalError())
}

// AuthErrorResponse は認証系のエラーをHTTPステータスとAPIErrorに変換する。
func AuthErrorResponse(err error) (int, *model.APIError) {
	switch {
	case errors.Is(err, auth.ErrReauthRequired), errors.Is(err, auth.ErrInvalidGrant):
		return http.StatusUnauthorized, model.NewReauthRequiredError()
	case errors.Is(err, auth.ErrUnauthenticated):
		return http.StatusUnauthorized, model.NewAuthRequiredError()
	case errors.Is(err, auth.ErrProviderUnavailable):
		return http.StatusServiceUnavailable, model.NewProviderUnavailableError()
	default:
		return http.StatusInternalServerError, model.NewInternalError()
	}
}

// WriteAuthError は認証系のエラーを統一フォーマットで書き込む。
// 500と503の場合は詳細をログに記録する。
func WriteAuthError(w http.ResponseWriter, err error) {
	status, apiErr := AuthErrorResponse(err)
	if status >= http.StatusInternalServerError {
		slog.Error("auth request failed",
			slog.Int("status", status),
			slog.String("error", err.Error()),
		)
	}
	WriteErrorResponse(w, status, apiErr)
}
