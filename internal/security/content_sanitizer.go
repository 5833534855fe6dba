// Package security はアプリケーションのセキュリティ機能を提供する。
//
// TextSanitizer は応募者が入力した自由記述（氏名など）をメールの件名や本文に
// 埋め込む前に無害化する。bluemondayのStrictPolicyで全てのタグを除去し、
// 制御文字（ヘッダーインジェクションに使われる改行を含む）を取り除く。
package security

import (
	"html"
	"strings"
	"unicode"

	"github.com/microcosm-cc/bluemonday"
)

// TextSanitizerService はプレーンテキスト化のインターフェースを定義する。
type TextSanitizerService interface {
	// Sanitize はタグと制御文字を除去し、前後の空白を取り除いた文字列を返す。
	// 結果はmaxRunes文字で切り詰める（0以下なら切り詰めない）。
	Sanitize(raw string, maxRunes int) string
}

// textSanitizer はTextSanitizerServiceの実装。
// bluemondayのポリシーはスレッドセーフに共有できる。
type textSanitizer struct {
	policy *bluemonday.Policy
}

// NewTextSanitizer はTextSanitizerServiceの新しいインスタンスを生成する。
func NewTextSanitizer() *textSanitizer {
	return &textSanitizer{policy: bluemonday.StrictPolicy()}
}

// Sanitize はタグと制御文字を除去したプレーンテキストを返す。
func (s *textSanitizer) Sanitize(raw string, maxRunes int) string {
	if raw == "" {
		return ""
	}
	// StrictPolicyは出力をHTMLエスケープするため、プレーンテキストに戻す
	text := html.UnescapeString(s.policy.Sanitize(raw))
	text = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return ' '
		}
		return r
	}, text)
	text = strings.Join(strings.Fields(text), " ")

	if maxRunes > 0 {
		runes := []rune(text)
		if len(runes) > maxRunes {
			text = string(runes[:maxRunes])
		}
	}
	return text
}
