// Package model はドメインモデルを定義する。
package model

import "time"

// Role はダッシュボード上のユーザー権限を表す。
type Role string

const (
	// RoleUser は一般ユーザー。
	RoleUser Role = "user"
	// RoleAdmin は管理者。
	RoleAdmin Role = "admin"
)

// Valid は定義済みのロールかどうかを返す。
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAdmin
}

// ExternalIdentity はIdP（Discord）側のアカウント情報を表す。
// ExternalIDは不変。表示名とアバターはログインとトークン更新のたびに上書きされる。
type ExternalIdentity struct {
	ExternalID  string
	DisplayName string
	AvatarURL   string
}

// TokenPair はIdPから委譲されたアクセストークンとリフレッシュトークンの組。
// ExpiresAtは発行時刻 + IdPが報告した有効期間から算出する。
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// User はダッシュボードの内部ユーザー（UserRecord）を表す。
// 外部IDごとに1レコードのみ存在する。
type User struct {
	ID        string
	Identity  ExternalIdentity
	Tokens    TokenPair
	Role      Role
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Session はユーザーのログインセッションを表す。
type Session struct {
	ID        string
	UserID    string
	ExpiresAt time.Time
	CreatedAt time.Time
}
