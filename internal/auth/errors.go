package auth

import "errors"

// 認証・トークンライフサイクルのエラー種別。
// 呼び出し側はerrors.Isで判定する。
var (
	// ErrProviderUnavailable はIdPが一時的に利用できないことを示す（ネットワーク障害、タイムアウト、429、5xx、不正な応答、クライアント設定不備）。
	ErrProviderUnavailable = errors.New("identity provider unavailable")

	// ErrInvalidGrant はIdPが認可コードまたはリフレッシュトークンを拒否したことを示す。
	ErrInvalidGrant = errors.New("invalid grant")

	// ErrUnauthenticated は有効なセッションが存在しないことを示す。
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrReauthRequired はトークンを更新できず、再ログインが必要なことを示す。
	// このエラーを返す時点でユーザーの全セッションは破棄済み。
	ErrReauthRequired = errors.New("reauthentication required")

	// ErrStoreUnavailable はユーザーまたはセッションのストアにアクセスできないことを示す。
	ErrStoreUnavailable = errors.New("store unavailable")
)
