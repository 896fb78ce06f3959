package security

import (
	"html"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

// MaxDisplayNameLength は保存する表示名の最大文字数（rune単位）。
const MaxDisplayNameLength = 64

// NameSanitizer はIdPから取得した表示名をプレーンテキストに正規化する。
// bluemondayのStrictPolicyで全タグを除去し、制御文字を取り除いて長さを制限する。
type NameSanitizer struct {
	policy *bluemonday.Policy
}

// NewNameSanitizer はNameSanitizerを生成する。
func NewNameSanitizer() *NameSanitizer {
	return &NameSanitizer{policy: bluemonday.StrictPolicy()}
}

// StripMarkup は表示名からマークアップと制御文字を除去する。
// 同一入力に対して常に同一出力を返す。
func (s *NameSanitizer) StripMarkup(name string) string {
	text := html.UnescapeString(s.policy.Sanitize(name))

	text = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, text)
	text = strings.TrimSpace(text)

	if runes := []rune(text); len(runes) > MaxDisplayNameLength {
		text = strings.TrimSpace(string(runes[:MaxDisplayNameLength]))
	}
	return text
}
