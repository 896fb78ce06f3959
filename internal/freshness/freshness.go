// Package freshness はDiscordアクセストークンの鮮度判定を提供する。
// すべて純粋関数であり、時刻は呼び出し側から渡す。
package freshness

import "time"

const (
	// DefaultLookahead はリクエスト処理時の先行リフレッシュ判定に使う猶予期間。
	DefaultLookahead = time.Hour
	// SoonLookahead はトークン状態表示と明示的リフレッシュの判定に使う猶予期間。
	SoonLookahead = 24 * time.Hour
)

// State はトークンの鮮度分類。
type State int

const (
	// Fresh は猶予期間を超えて有効なトークン。
	Fresh State = iota
	// ExpiringSoon は猶予期間内に失効するトークン。
	ExpiringSoon
	// Expired は失効済みのトークン。
	Expired
)

// String は状態名を返す。
func (s State) String() string {
	switch s {
	case Fresh:
		return "fresh"
	case ExpiringSoon:
		return "expiring_soon"
	case Expired:
		return "expired"
	default:
		return "unknown"
	}
}

// IsExpired は now >= expiresAt のときtrueを返す。
func IsExpired(expiresAt, now time.Time) bool {
	return !now.Before(expiresAt)
}

// IsExpiringSoon は失効までの残り時間がlookahead以下のときtrueを返す。
// 失効済みのトークンも含む。
func IsExpiringSoon(expiresAt time.Time, lookahead time.Duration, now time.Time) bool {
	return expiresAt.Sub(now) <= lookahead
}

// Classify はトークンを3状態に分類する。
func Classify(expiresAt time.Time, lookahead time.Duration, now time.Time) State {
	switch {
	case IsExpired(expiresAt, now):
		return Expired
	case IsExpiringSoon(expiresAt, lookahead, now):
		return ExpiringSoon
	default:
		return Fresh
	}
}

// Remaining は失効までの残り時間を返す。失効済みの場合は0。
func Remaining(expiresAt, now time.Time) time.Duration {
	d := expiresAt.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
