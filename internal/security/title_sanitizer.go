package security

import (
	"html"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// TitleSanitizerService は告知タイトルのサニタイズ機能のインターフェースを定義する。
// 事業者APIやフィードが返すタイトルにはマークアップや実体参照が混入することがあり、
// 永続化前およびAPI応答前にプレーンテキストへ正規化する。
type TitleSanitizerService interface {
	// Sanitize はタイトルからマークアップを全て除去し、
	// HTML実体参照をデコードした上で前後の空白を取り除いて返す。
	// 同一入力に対して常に同一出力を返す（冪等）。
	Sanitize(raw string) string
}

// titleSanitizer はTitleSanitizerServiceの実装。
// bluemondayのStrictPolicy（全タグ除去）を保持し、スレッドセーフに動作する。
type titleSanitizer struct {
	policy *bluemonday.Policy
}

// NewTitleSanitizer はTitleSanitizerServiceの新しいインスタンスを生成する。
func NewTitleSanitizer() *titleSanitizer {
	return &titleSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// Sanitize はタイトルをプレーンテキストに正規化して返す。
func (s *titleSanitizer) Sanitize(raw string) string {
	if raw == "" {
		return ""
	}
	stripped := s.policy.Sanitize(raw)
	// StrictPolicyは残したテキストを実体参照としてエスケープするため、デコードして戻す。
	decoded := html.UnescapeString(stripped)
	return strings.TrimSpace(decoded)
}

// compile-time interface check
var _ TitleSanitizerService = (*titleSanitizer)(nil)
