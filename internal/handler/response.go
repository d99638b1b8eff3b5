package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/hitoshi/tasktracker/internal/model"
)

// apiErrorResponse は統一エラーフォーマットのレスポンス。
type apiErrorResponse struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	Category string `json:"category"`
	Action   string `json:"action"`
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// writeAPIErrorResponse は統一エラーフォーマットでエラーレスポンスを書き込む。
func writeAPIErrorResponse(w http.ResponseWriter, statusCode int, apiErr *model.APIError) {
	writeJSON(w, statusCode, apiErrorResponse{
		Code:     apiErr.Code,
		Message:  apiErr.Message,
		Category: apiErr.Category,
		Action:   apiErr.Action,
	})
}

// invalidRequestError はリクエストボディの解析失敗を表す。
func invalidRequestError() *model.APIError {
	return &model.APIError{
		Code:     "INVALID_REQUEST",
		Message:  "リクエストボディの解析に失敗しました。",
		Category: "validation",
		Action:   "正しいJSON形式でリクエストしてください。",
	}
}

// handleServiceError はサービス層から返されたエラーを適切なHTTPステータスコードに変換する。
func handleServiceError(w http.ResponseWriter, err error) {
	var authErr *model.AuthError
	if errors.As(err, &authErr) {
		statusCode, apiErr := mapAuthError(authErr)
		if statusCode >= 500 {
			slog.Error("auth service error", slog.String("error", err.Error()))
		}
		writeAPIErrorResponse(w, statusCode, apiErr)
		return
	}

	var storeErr *model.StoreError
	if errors.As(err, &storeErr) {
		statusCode, apiErr := mapStoreError(storeErr)
		if statusCode >= 500 {
			slog.Error("store error", slog.String("error", err.Error()))
		}
		writeAPIErrorResponse(w, statusCode, apiErr)
		return
	}

	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		writeAPIErrorResponse(w, mapAPIErrorToHTTPStatus(apiErr), apiErr)
		return
	}

	// 分類できないエラーは内部サーバーエラーとして扱う
	slog.Error("internal server error", slog.String("error", err.Error()))
	writeAPIErrorResponse(w, http.StatusInternalServerError, &model.APIError{
		Code:     "INTERNAL_ERROR",
		Message:  "内部エラーが発生しました。",
		Category: "system",
		Action:   "しばらく待ってから再度お試しください。",
	})
}

func mapAuthError(err *model.AuthError) (int, *model.APIError) {
	apiErr := &model.APIError{
		Code:     err.Code,
		Message:  err.Message,
		Category: "auth",
	}

	switch err.Code {
	case model.AuthErrInvalidCredentials:
		apiErr.Action = "ユーザー名とパスワードを確認してください。"
		return http.StatusUnauthorized, apiErr
	case model.AuthErrAlreadyRegistered:
		apiErr.Action = "別のユーザー名を指定するか、サインインしてください。"
		return http.StatusConflict, apiErr
	case model.AuthErrNetworkUnavailable:
		apiErr.Category = "system"
		apiErr.Action = "通信環境を確認してから再度お試しください。"
		return http.StatusServiceUnavailable, apiErr
	default:
		apiErr.Category = "system"
		apiErr.Action = "しばらく待ってから再度お試しください。"
		return http.StatusInternalServerError, apiErr
	}
}

func mapStoreError(err *model.StoreError) (int, *model.APIError) {
	apiErr := &model.APIError{
		Code:     err.Code,
		Message:  err.Message,
		Category: "task",
	}

	switch err.Code {
	case model.StoreErrNotAuthenticated:
		apiErr.Category = "auth"
		apiErr.Action = "サインインしてください。"
		return http.StatusUnauthorized, apiErr
	case model.StoreErrWriteFailed:
		apiErr.Action = "一覧を確認してから再度お試しください。"
		return http.StatusUnprocessableEntity, apiErr
	case model.StoreErrSubscriptionFailed:
		apiErr.Category = "system"
		apiErr.Action = "しばらく待ってから再度サインインしてください。"
		return http.StatusServiceUnavailable, apiErr
	default:
		apiErr.Category = "system"
		apiErr.Action = "しばらく待ってから再度お試しください。"
		return http.StatusInternalServerError, apiErr
	}
}

// mapAPIErrorToHTTPStatus はAPIErrorコードからHTTPステータスコードにマッピングする。
func mapAPIErrorToHTTPStatus(apiErr *model.APIError) int {
	switch apiErr.Code {
	case model.ErrCodeValidation, "INVALID_REQUEST":
		return http.StatusBadRequest
	case model.ErrCodeUnauthorized:
		return http.StatusUnauthorized
	case model.ErrCodeTaskNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}
