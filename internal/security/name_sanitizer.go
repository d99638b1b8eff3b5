// Package security はアプリケーションのセキュリティ機能を提供する。
//
// NameSanitizer はタスク名などユーザー入力のプレーンテキストを正規化する。
// bluemondayのStrictPolicyで全てのタグを除去し、画面へそのまま表示できる文字列にする。
package security

import (
	"html"
	"strings"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"

	"github.com/hitoshi/tasktracker/internal/model"
)

// MaxNameLength はタスク名の最大文字数（rune単位）。
const MaxNameLength = 200

// maxDecodePasses はエンティティ復元とタグ除去を繰り返す上限。
// 多重にエスケープされたマークアップもこの回数以内に除去できなければ拒否する。
const maxDecodePasses = 5

// NameSanitizer はタスク名のサニタイズ機能のインターフェースを定義する。
type NameSanitizer interface {
	// Sanitize はタグを除去し前後の空白を取り除いた名前を返す。
	// 結果が空、またはMaxNameLengthを超える場合はバリデーションエラーを返す。
	Sanitize(raw string) (string, error)
}

// nameSanitizer はNameSanitizerの実装。
type nameSanitizer struct {
	policy *bluemonday.Policy
}

// NewNameSanitizer はNameSanitizerの新しいインスタンスを生成する。
func NewNameSanitizer() *nameSanitizer {
	return &nameSanitizer{
		policy: bluemonday.StrictPolicy(),
	}
}

// Sanitize はタスク名をサニタイズする。
func (s *nameSanitizer) Sanitize(raw string) (string, error) {
	// StrictPolicyは&や<をエンティティにするため表示用に戻す。
	// 戻した結果にタグが現れる場合があるので、変化しなくなるまで繰り返す
	name := raw
	stable := false
	for i := 0; i < maxDecodePasses; i++ {
		next := html.UnescapeString(s.policy.Sanitize(name))
		if next == name {
			stable = true
			break
		}
		name = next
	}
	if !stable {
		return "", model.NewValidationError("タスク名にマークアップは使用できません。")
	}
	name = strings.Join(strings.Fields(name), " ")

	if name == "" {
		return "", model.NewValidationError("タスク名を入力してください。")
	}
	if utf8.RuneCountInString(name) > MaxNameLength {
		return "", model.NewValidationError("タスク名は200文字以内で入力してください。")
	}
	return name, nil
}

// compile-time interface check
var _ NameSanitizer = (*nameSanitizer)(nil)
