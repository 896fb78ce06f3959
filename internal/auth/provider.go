package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/hitoshi/botpanel/internal/model"
)

// TokenGrant はIdPのトークンエンドポイントが返したトークンを表す。
// Lifetimeは応答のexpires_inから得た有効期間。
type TokenGrant struct {
	AccessToken  string
	RefreshToken string
	Lifetime     time.Duration
}

// PairAt は発行時刻を基準にTokenPairへ変換する。
// issuedAtはIdP呼び出し前に取得した時刻を渡すこと。
func (g *TokenGrant) PairAt(issuedAt time.Time) model.TokenPair {
	return model.TokenPair{
		AccessToken:  g.AccessToken,
		RefreshToken: g.RefreshToken,
		ExpiresAt:    issuedAt.Add(g.Lifetime),
	}
}

// IdentityProvider はOAuth IdPのインターフェース。
// 実装はローカルでリトライしない。失敗はErrProviderUnavailableまたはErrInvalidGrantでラップして返す。
type IdentityProvider interface {
	// AuthCodeURL はログイン開始用の認可URLを生成する。
	AuthCodeURL(state string) string
	// ExchangeCode は認可コードをトークンに交換する。
	ExchangeCode(ctx context.Context, code string) (*TokenGrant, error)
	// RefreshToken はリフレッシュトークンで新しいトークンを取得する。
	// IdPがリフレッシュトークンをローテーションした場合、古いトークンは以後無効になる。
	RefreshToken(ctx context.Context, refreshToken string) (*TokenGrant, error)
	// FetchProfile はアクセストークンでIdP上のアカウント情報を取得する。
	FetchProfile(ctx context.Context, accessToken string) (*model.ExternalIdentity, error)
}

// ProfileCache はIdPプロフィールの短期キャッシュ。
// 正しさには関与せず、エラーは呼び出し側で無視される。
type ProfileCache interface {
	// Get はキャッシュされたプロフィールを返す。存在しない場合はnilを返す。
	Get(ctx context.Context, key string) (*model.ExternalIdentity, error)
	// Set はプロフィールをTTL付きで保存する。
	Set(ctx context.Context, key string, identity *model.ExternalIdentity, ttl time.Duration) error
}

// profileCacheKey はアクセストークンからキャッシュキーを導出する。
// トークン自体はキーに含めない。
func profileCacheKey(accessToken string) string {
	sum := sha256.Sum256([]byte(accessToken))
	return hex.EncodeToString(sum[:])
}
