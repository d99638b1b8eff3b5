// Package model はドメインモデルを定義する。
package model

import (
	"errors"
	"fmt"
)

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
type APIError struct {
	Code     string // エラーコード
	Message  string // エラーメッセージ
	Category string // カテゴリ: auth, validation, task, system
	Action   string // ユーザー向け対処方法
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// 定義済みエラーコード
const (
	ErrCodeValidation   = "VALIDATION_ERROR"
	ErrCodeUnauthorized = "UNAUTHORIZED"
	ErrCodeTaskNotFound = "TASK_NOT_FOUND"
)

// NewValidationError は入力値検証エラーを生成する。
func NewValidationError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  message,
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewUnauthorizedError は未サインイン時のエラーを生成する。
func NewUnauthorizedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthorized,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "サインインしてください。",
	}
}

// 認証エラーコード。認証サービスが返したものをそのまま呼び出し元へ伝播する。
const (
	AuthErrInvalidCredentials = "INVALID_CREDENTIALS"
	AuthErrAlreadyRegistered  = "ALREADY_REGISTERED"
	AuthErrNetworkUnavailable = "NETWORK_UNAVAILABLE"
	AuthErrUnknown            = "UNKNOWN"
)

// AuthError は認証サービスのエラーを表す。
type AuthError struct {
	Code    string
	Message string
	Err     error
}

// Error はerrorインターフェースを実装する。
func (e *AuthError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth %s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("auth %s: %s", e.Code, e.Message)
}

// Unwrap は原因エラーを返す。
func (e *AuthError) Unwrap() error {
	return e.Err
}

// NewAuthError はAuthErrorを生成する。
func NewAuthError(code, message string, err error) *AuthError {
	return &AuthError{Code: code, Message: message, Err: err}
}

// IsAuthError はerrのチェーンに指定コードのAuthErrorが含まれるかを返す。
func IsAuthError(err error, code string) bool {
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		return false
	}
	return authErr.Code == code
}

// ストアエラーコード。
const (
	StoreErrWriteFailed        = "WRITE_FAILED"
	StoreErrSubscriptionFailed = "SUBSCRIPTION_FAILED"
	StoreErrNotAuthenticated   = "NOT_AUTHENTICATED"
)

// StoreError は同期ストアへの書き込み・購読のエラーを表す。
type StoreError struct {
	Code    string
	Message string
	Err     error
}

// Error はerrorインターフェースを実装する。
func (e *StoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("store %s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("store %s: %s", e.Code, e.Message)
}

// Unwrap は原因エラーを返す。
func (e *StoreError) Unwrap() error {
	return e.Err
}

// NewStoreError はStoreErrorを生成する。
func NewStoreError(code, message string, err error) *StoreError {
	return &StoreError{Code: code, Message: message, Err: err}
}

// IsStoreError はerrのチェーンに指定コードのStoreErrorが含まれるかを返す。
func IsStoreError(err error, code string) bool {
	var storeErr *StoreError
	if !errors.As(err, &storeErr) {
		return false
	}
	return storeErr.Code == code
}

// ErrTaskNotFound は対象タスクがパーティション内に存在しないことを表す。
var ErrTaskNotFound = errors.New("task not found")
