package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/hitoshi/botpanel/internal/model"
)

const (
	defaultDiscordAuthURL  = "https://discord.com/oauth2/authorize"
	defaultDiscordTokenURL = "https://discord.com/api/oauth2/token"
	defaultDiscordAPIURL   = "https://discord.com/api/v10"

	discordCDNURL = "https://cdn.discordapp.com"

	// maxProfileBodySize はプロフィール応答の読み込み上限。
	maxProfileBodySize = 1 << 20
)

// discordScopes はダッシュボードが要求するスコープ。
var discordScopes = []string{"identify", "email", "guilds"}

// NameSanitizer は表示名からマークアップを除去する。
type NameSanitizer interface {
	StripMarkup(s string) string
}

// DiscordOAuthConfig はDiscord OAuthプロバイダーの設定。
type DiscordOAuthConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// テスト用にオーバーライド可能なURL
	AuthURL    string
	TokenURL   string
	APIBaseURL string

	// HTTPClient はIdP呼び出しに使うクライアント。nilの場合はhttp.DefaultClient。
	HTTPClient *http.Client
	// Limiter はIdP呼び出しのペースを制御する。nilの場合は無制限。
	Limiter *rate.Limiter
	// Sanitizer は表示名のサニタイザー。nilの場合はそのまま保存する。
	Sanitizer NameSanitizer
}

// DiscordOAuthProvider はDiscord OAuth 2.0による認証を提供する。
type DiscordOAuthProvider struct {
	oauth      *oauth2.Config
	apiBaseURL string
	client     *http.Client
	limiter    *rate.Limiter
	sanitizer  NameSanitizer
}

// NewDiscordOAuthProvider はDiscordOAuthProviderを生成する。
func NewDiscordOAuthProvider(config DiscordOAuthConfig) *DiscordOAuthProvider {
	if config.AuthURL == "" {
		config.AuthURL = defaultDiscordAuthURL
	}
	if config.TokenURL == "" {
		config.TokenURL = defaultDiscordTokenURL
	}
	if config.APIBaseURL == "" {
		config.APIBaseURL = defaultDiscordAPIURL
	}
	if config.HTTPClient == nil {
		config.HTTPClient = http.DefaultClient
	}

	return &DiscordOAuthProvider{
		oauth: &oauth2.Config{
			ClientID:     config.ClientID,
			ClientSecret: config.ClientSecret,
			RedirectURL:  config.RedirectURL,
			Scopes:       discordScopes,
			Endpoint: oauth2.Endpoint{
				AuthURL:   config.AuthURL,
				TokenURL:  config.TokenURL,
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		apiBaseURL: strings.TrimRight(config.APIBaseURL, "/"),
		client:     config.HTTPClient,
		limiter:    config.Limiter,
		sanitizer:  config.Sanitizer,
	}
}

// AuthCodeURL はDiscord OAuthの認可URLを生成する。
// スコープにはidentify, email, guildsを含む。
func (p *DiscordOAuthProvider) AuthCodeURL(state string) string {
	return p.oauth.AuthCodeURL(state)
}

// ExchangeCode は認可コードをアクセストークンに交換する。
func (p *DiscordOAuthProvider) ExchangeCode(ctx context.Context, code string) (*TokenGrant, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}

	token, err := p.oauth.Exchange(p.clientContext(ctx), code)
	if err != nil {
		return nil, classifyTokenError("exchange", err)
	}
	return grantFromToken(token, "")
}

// RefreshToken はリフレッシュトークンで新しいトークンを取得する。
// Discordはリフレッシュトークンをローテーションするため、以後は応答に含まれる新しい値を使う。
func (p *DiscordOAuthProvider) RefreshToken(ctx context.Context, refreshToken string) (*TokenGrant, error) {
	if refreshToken == "" {
		return nil, fmt.Errorf("%w: no refresh token stored", ErrInvalidGrant)
	}
	if err := p.wait(ctx); err != nil {
		return nil, err
	}

	source := p.oauth.TokenSource(p.clientContext(ctx), &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		return nil, classifyTokenError("refresh", err)
	}
	return grantFromToken(token, refreshToken)
}

// discordUser はDiscordの/users/@meエンドポイントのレスポンス。
type discordUser struct {
	ID            string `json:"id"`
	Username      string `json:"username"`
	Discriminator string `json:"discriminator"`
	Avatar        string `json:"avatar"`
}

// FetchProfile はアクセストークンでDiscordのユーザー情報を取得する。
func (p *DiscordOAuthProvider) FetchProfile(ctx context.Context, accessToken string) (*model.ExternalIdentity, error) {
	if err := p.wait(ctx); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiBaseURL+"/users/@me", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create profile request: %w", ErrProviderUnavailable, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: profile request failed: %w", ErrProviderUnavailable, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProfileBodySize))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read profile response: %w", ErrProviderUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return nil, fmt.Errorf("%w: profile endpoint rejected access token", ErrInvalidGrant)
	case resp.StatusCode != http.StatusOK:
		slog.Debug("discord profile request failed",
			slog.Int("status", resp.StatusCode),
			slog.Int("body_size", len(body)),
		)
		return nil, fmt.Errorf("%w: profile endpoint returned status %d", ErrProviderUnavailable, resp.StatusCode)
	}

	var user discordUser
	if err := json.Unmarshal(body, &user); err != nil {
		return nil, fmt.Errorf("%w: failed to parse profile response: %w", ErrProviderUnavailable, err)
	}
	if user.ID == "" {
		return nil, fmt.Errorf("%w: empty id in profile response", ErrProviderUnavailable)
	}

	name := user.Username
	if p.sanitizer != nil {
		name = p.sanitizer.StripMarkup(name)
	}

	return &model.ExternalIdentity{
		ExternalID:  user.ID,
		DisplayName: name,
		AvatarURL:   AvatarURL(user.ID, user.Avatar, user.Discriminator),
	}, nil
}

// AvatarURL はDiscordのアバター画像URLを導出する。
// アバター未設定の場合はデフォルトアバターを返す。
// discriminatorが"0"（新ユーザー名方式）の場合はIDから番号を算出する。
func AvatarURL(userID, avatarHash, discriminator string) string {
	if avatarHash != "" {
		return fmt.Sprintf("%s/avatars/%s/%s.png", discordCDNURL, userID, avatarHash)
	}

	index := uint64(0)
	if discriminator == "" || discriminator == "0" {
		if id, err := strconv.ParseUint(userID, 10, 64); err == nil {
			index = (id >> 22) % 6
		}
	} else if d, err := strconv.ParseUint(discriminator, 10, 64); err == nil {
		index = d % 5
	}
	return fmt.Sprintf("%s/embed/avatars/%d.png", discordCDNURL, index)
}

// clientContext はoauth2ライブラリにHTTPクライアントを渡すためのcontextを返す。
func (p *DiscordOAuthProvider) clientContext(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, p.client)
}

// wait はレートリミッターのトークンを待つ。
func (p *DiscordOAuthProvider) wait(ctx context.Context) error {
	if p.limiter == nil {
		return nil
	}
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: rate limiter: %w", ErrProviderUnavailable, err)
	}
	return nil
}

// grantFromToken はoauth2.TokenをTokenGrantに変換する。
// 応答にリフレッシュトークンが含まれない場合はfallbackRefreshを引き継ぐ。
func grantFromToken(token *oauth2.Token, fallbackRefresh string) (*TokenGrant, error) {
	if token.AccessToken == "" {
		return nil, fmt.Errorf("%w: empty access token in response", ErrProviderUnavailable)
	}

	var lifetime time.Duration
	switch {
	case token.ExpiresIn > 0:
		lifetime = time.Duration(token.ExpiresIn) * time.Second
	case !token.Expiry.IsZero():
		lifetime = time.Until(token.Expiry)
	}
	if lifetime <= 0 {
		return nil, fmt.Errorf("%w: missing expires_in in token response", ErrProviderUnavailable)
	}

	refresh := token.RefreshToken
	if refresh == "" {
		refresh = fallbackRefresh
	}

	return &TokenGrant{
		AccessToken:  token.AccessToken,
		RefreshToken: refresh,
		Lifetime:     lifetime,
	}, nil
}

// classifyTokenError はトークンエンドポイントのエラーをErrInvalidGrantまたはErrProviderUnavailableに分類する。
// レスポンスボディは転送せず、ステータスとエラーコードのみdebugログに出す。
func classifyTokenError(operation string, err error) error {
	var rerr *oauth2.RetrieveError
	if !errors.As(err, &rerr) {
		// ネットワーク障害、タイムアウト、不正な応答
		return fmt.Errorf("%w: %s failed: %w", ErrProviderUnavailable, operation, err)
	}

	status := 0
	if rerr.Response != nil {
		status = rerr.Response.StatusCode
	}
	slog.Debug("discord token request failed",
		slog.String("operation", operation),
		slog.Int("status", status),
		slog.String("error_code", rerr.ErrorCode),
	)

	switch {
	case rerr.ErrorCode == "invalid_grant":
		return fmt.Errorf("%w: %s rejected by provider", ErrInvalidGrant, operation)
	case rerr.ErrorCode == "invalid_client" || rerr.ErrorCode == "unauthorized_client":
		// クライアント設定の不備はユーザーの再ログインでは解決しない
		return fmt.Errorf("%w: %s: client misconfigured (%s)", ErrProviderUnavailable, operation, rerr.ErrorCode)
	case status == http.StatusTooManyRequests || status >= http.StatusInternalServerError:
		return fmt.Errorf("%w: %s: status %d", ErrProviderUnavailable, operation, status)
	case status == http.StatusBadRequest || status == http.StatusUnauthorized:
		return fmt.Errorf("%w: %s: status %d", ErrInvalidGrant, operation, status)
	default:
		return fmt.Errorf("%w: %s: status %d", ErrProviderUnavailable, operation, status)
	}
}

// compile-time interface check
var _ IdentityProvider = (*DiscordOAuthProvider)(nil)
