// Package auth はユーザー名/パスワードによる認証とセッション発行を提供する。
package auth

import (
	"context"
	"crypto/rand"
	"database/sql/driver"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"golang.org/x/crypto/bcrypt"

	"github.com/hitoshi/tasktracker/internal/model"
	"github.com/hitoshi/tasktracker/internal/repository"
)

// bcryptが扱えるパスワードの最大バイト数。
const maxPasswordBytes = 72

// PostgreSQLのエラーコード
const (
	pqUniqueViolation    = "23505"
	pqConnectionClass    = "08"
	invalidCredentialMsg = "ユーザー名またはパスワードが正しくありません。"
)

// TokenStore はセッショントークンのローカル保存先。
// 次回起動時のセッション復元に使う。
type TokenStore interface {
	Load() (string, error)
	Save(token string) error
	Clear() error
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	SessionMaxAge int // セッション有効期間（秒）
	BcryptCost    int
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	userRepo    repository.UserRepository
	sessionRepo repository.SessionRepository
	tokens      TokenStore
	config      ServiceConfig

	// ユーザーが存在しない場合にも比較を行い、応答時間を揃えるためのハッシュ
	dummyHash []byte
}

// NewService はServiceを生成する。
func NewService(
	userRepo repository.UserRepository,
	sessionRepo repository.SessionRepository,
	tokens TokenStore,
	config ServiceConfig,
) *Service {
	if config.BcryptCost == 0 {
		config.BcryptCost = bcrypt.DefaultCost
	}
	dummy, _ := bcrypt.GenerateFromPassword([]byte("tasktracker-dummy-password"), config.BcryptCost)

	return &Service{
		userRepo:    userRepo,
		sessionRepo: sessionRepo,
		tokens:      tokens,
		config:      config,
		dummyHash:   dummy,
	}
}

// Register は新しいアカウントを作成する。セッションは発行しない。
// ユーザー名が登録済みの場合はALREADY_REGISTEREDのAuthErrorを返す。
func (s *Service) Register(ctx context.Context, creds model.Credentials) (*model.User, error) {
	creds = creds.Normalize()
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	if len(creds.Password) > maxPasswordBytes {
		return nil, model.NewValidationError("パスワードは72バイト以内で入力してください。")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(creds.Password), s.config.BcryptCost)
	if err != nil {
		return nil, model.NewAuthError(model.AuthErrUnknown, "パスワードの処理に失敗しました。", err)
	}

	now := time.Now()
	user := &model.User{
		ID:           uuid.New().String(),
		Username:     creds.Username,
		Name:         creds.Username,
		PasswordHash: string(hash),
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.userRepo.Create(ctx, user); err != nil {
		return nil, classifyError(err, "アカウントの作成に失敗しました。")
	}

	slog.Info("new user registered",
		slog.String("user_id", user.ID),
		slog.String("username", user.Username),
	)
	return user, nil
}

// Login は認証情報を検証し、セッションを発行する。
// 発行したトークンはTokenStoreへ保存する（保存失敗はログのみ）。
func (s *Service) Login(ctx context.Context, creds model.Credentials) (*model.Session, error) {
	creds = creds.Normalize()
	if err := creds.Validate(); err != nil {
		return nil, err
	}

	user, err := s.userRepo.FindByUsername(ctx, creds.Username)
	if err != nil {
		return nil, classifyError(err, "ユーザーの取得に失敗しました。")
	}
	if user == nil {
		_ = bcrypt.CompareHashAndPassword(s.dummyHash, []byte(creds.Password))
		return nil, model.NewAuthError(model.AuthErrInvalidCredentials, invalidCredentialMsg, nil)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(creds.Password)); err != nil {
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return nil, model.NewAuthError(model.AuthErrInvalidCredentials, invalidCredentialMsg, nil)
		}
		return nil, model.NewAuthError(model.AuthErrUnknown, "パスワードの検証に失敗しました。", err)
	}

	session, err := s.createSession(ctx, user)
	if err != nil {
		return nil, err
	}

	if err := s.tokens.Save(session.ID); err != nil {
		slog.Warn("failed to persist session token", slog.String("error", err.Error()))
	}

	slog.Info("user signed in",
		slog.String("user_id", user.ID),
		slog.String("session", MaskToken(session.ID)),
	)
	return session, nil
}

// Logout はセッションを破棄する。
// ローカルに保存中のトークンがこのセッションのものなら常に削除し、
// リモートの削除失敗のみエラーとして返す。
func (s *Service) Logout(ctx context.Context, sessionID string) error {
	s.clearToken(sessionID)

	if sessionID == "" {
		return nil
	}

	if err := s.sessionRepo.DeleteByID(ctx, sessionID); err != nil {
		return classifyError(err, "セッションの削除に失敗しました。")
	}

	slog.Info("user signed out", slog.String("session", MaskToken(sessionID)))
	return nil
}

// Restore は前回保存したトークンからセッションを復元する。
// 保存済みトークンがない、または期限切れの場合はnilを返す。
func (s *Service) Restore(ctx context.Context) (*model.Session, error) {
	token, err := s.tokens.Load()
	if err != nil {
		return nil, model.NewAuthError(model.AuthErrUnknown, "保存済みセッションの読み込みに失敗しました。", err)
	}
	if token == "" {
		return nil, nil
	}

	session, err := s.sessionRepo.FindByID(ctx, token)
	if err != nil {
		return nil, classifyError(err, "セッションの取得に失敗しました。")
	}
	if session == nil {
		// 期限切れまたは他の端末でサインアウト済み
		if err := s.tokens.Clear(); err != nil {
			slog.Warn("failed to clear stale session token", slog.String("error", err.Error()))
		}
		return nil, nil
	}

	slog.Info("session restored",
		slog.String("user_id", session.UserID),
		slog.String("session", MaskToken(session.ID)),
	)
	return session, nil
}

// clearToken は保存済みトークンがsessionIDと一致する場合に削除する。
// 別セッションへ切り替え済みのトークンは残す。
func (s *Service) clearToken(sessionID string) {
	stored, err := s.tokens.Load()
	if err == nil && stored != "" && sessionID != "" && stored != sessionID {
		return
	}
	if err := s.tokens.Clear(); err != nil {
		slog.Warn("failed to clear session token", slog.String("error", err.Error()))
	}
}

// createSession はセッションを作成し永続化する。
func (s *Service) createSession(ctx context.Context, user *model.User) (*model.Session, error) {
	sessionID, err := generateSessionID()
	if err != nil {
		return nil, model.NewAuthError(model.AuthErrUnknown, "セッションIDの生成に失敗しました。", err)
	}

	now := time.Now()
	session := &model.Session{
		ID:        sessionID,
		UserID:    user.ID,
		Username:  user.Username,
		ExpiresAt: now.Add(time.Duration(s.config.SessionMaxAge) * time.Second),
		CreatedAt: now,
	}

	if err := s.sessionRepo.Create(ctx, session); err != nil {
		return nil, classifyError(err, "セッションの保存に失敗しました。")
	}

	return session, nil
}

// generateSessionID は暗号的に安全なセッションIDを生成する。
func generateSessionID() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// MaskToken はログ出力用にトークンの先頭のみを残す。
func MaskToken(token string) string {
	if len(token) <= 8 {
		return "***"
	}
	return token[:8] + "***"
}

// classifyError はリポジトリ層のエラーをAuthErrorへ分類する。
func classifyError(err error, message string) error {
	var authErr *model.AuthError
	if errors.As(err, &authErr) {
		return authErr
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		if pqErr.Code == pqUniqueViolation {
			return model.NewAuthError(model.AuthErrAlreadyRegistered, "このユーザー名は既に登録されています。", err)
		}
		if pqErr.Code.Class() == pqConnectionClass {
			return model.NewAuthError(model.AuthErrNetworkUnavailable, "認証サーバーに接続できません。", err)
		}
	}

	var netErr net.Error
	if errors.Is(err, driver.ErrBadConn) || errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return model.NewAuthError(model.AuthErrNetworkUnavailable, "認証サーバーに接続できません。", err)
	}

	return model.NewAuthError(model.AuthErrUnknown, message, err)
}
