// Package model はドメインモデルを定義する。
package model

import (
	"strings"
	"time"
)

// User はサービス利用ユーザーを表す。
// Nameは登録時にUsernameで初期化される。
type User struct {
	ID           string
	Username     string
	Name         string
	PasswordHash string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Session はユーザーのログインセッションを表す。
// IDは認証サービスが発行する不透明なトークン。
type Session struct {
	ID        string
	UserID    string
	Username  string
	ExpiresAt time.Time
	CreatedAt time.Time
}

// Authenticated はセッションが有効な認証済み状態かどうかを返す。
func (s *Session) Authenticated() bool {
	if s == nil || s.UserID == "" {
		return false
	}
	return s.ExpiresAt.IsZero() || time.Now().Before(s.ExpiresAt)
}

// Partition はセッションのタスク購読スコープを返す。
// 1ユーザーにつき1パーティション（ユーザーID）とする。
func (s *Session) Partition() string {
	if s == nil {
		return ""
	}
	return s.UserID
}

// Credentials はサインアップ/サインイン試行中だけ保持する認証情報。
// ログに出力してはならない。
type Credentials struct {
	Username string
	Password string
}

// Normalize はユーザー名の前後空白を除去したCredentialsを返す。
// パスワードは変更しない。
func (c Credentials) Normalize() Credentials {
	return Credentials{
		Username: strings.TrimSpace(c.Username),
		Password: c.Password,
	}
}

// Validate は必須項目が入力されているかを検証する。
func (c Credentials) Validate() error {
	if strings.TrimSpace(c.Username) == "" {
		return NewValidationError("ユーザー名を入力してください。")
	}
	if c.Password == "" {
		return NewValidationError("パスワードを入力してください。")
	}
	return nil
}
