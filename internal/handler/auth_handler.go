// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/hitoshi/tasktracker/internal/model"
)

// SessionServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
// session.Managerが満たす。
type SessionServiceInterface interface {
	SignUp(ctx context.Context, creds model.Credentials) (*model.Session, error)
	SignIn(ctx context.Context, creds model.Credentials) (*model.Session, error)
	SignOut(ctx context.Context) error
	CurrentSession() *model.Session
	Busy() bool
}

// AuthHandler はサインアップ・サインイン・サインアウトのHTTPハンドラー。
type AuthHandler struct {
	service SessionServiceInterface
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service SessionServiceInterface) *AuthHandler {
	return &AuthHandler{service: service}
}

// credentialsRequest はサインアップ/サインインリクエストのボディ。
type credentialsRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// sessionResponse はセッション情報のAPIレスポンス。
// セッションIDはトークンのため返さない。
type sessionResponse struct {
	UserID    string    `json:"user_id"`
	Username  string    `json:"username"`
	ExpiresAt time.Time `json:"expires_at"`
	Busy      bool      `json:"busy"`
}

// SignUp はアカウントを作成してサインインする。
// POST /auth/signup
func (h *AuthHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	creds, ok := decodeCredentials(w, r)
	if !ok {
		return
	}

	sess, err := h.service.SignUp(r.Context(), creds)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, h.toSessionResponse(sess))
}

// SignIn は既存アカウントでサインインする。
// POST /auth/signin
func (h *AuthHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	creds, ok := decodeCredentials(w, r)
	if !ok {
		return
	}

	sess, err := h.service.SignIn(r.Context(), creds)
	if err != nil {
		handleServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, h.toSessionResponse(sess))
}

// SignOut はサインアウトする。リモートの破棄に失敗しても204を返す。
// POST /auth/signout
func (h *AuthHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	if err := h.service.SignOut(r.Context()); err != nil {
		handleServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Session は現在のセッション情報を返す。
// GET /auth/session
func (h *AuthHandler) Session(w http.ResponseWriter, r *http.Request) {
	sess := h.service.CurrentSession()
	if !sess.Authenticated() {
		writeAPIErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return
	}

	writeJSON(w, http.StatusOK, h.toSessionResponse(sess))
}

func (h *AuthHandler) toSessionResponse(sess *model.Session) sessionResponse {
	return sessionResponse{
		UserID:    sess.UserID,
		Username:  sess.Username,
		ExpiresAt: sess.ExpiresAt,
		Busy:      h.service.Busy(),
	}
}

// decodeCredentials はリクエストボディから認証情報を読み取る。
// 失敗時はエラーレスポンスを書き込みfalseを返す。
func decodeCredentials(w http.ResponseWriter, r *http.Request) (model.Credentials, bool) {
	var req credentialsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeAPIErrorResponse(w, http.StatusBadRequest, invalidRequestError())
		return model.Credentials{}, false
	}

	creds := model.Credentials{Username: req.Username, Password: req.Password}.Normalize()
	if err := creds.Validate(); err != nil {
		handleServiceError(w, err)
		return model.Credentials{}, false
	}
	return creds, true
}
