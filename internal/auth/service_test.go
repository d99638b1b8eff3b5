package auth

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/lib/pq"
	"golang.org/x/crypto/bcrypt"

	"github.com/hitoshi/tasktracker/internal/model"
	"github.com/hitoshi/tasktracker/internal/repository"
)

// --- モック定義 ---

type mockUserRepo struct {
	findByIDFn       func(ctx context.Context, id string) (*model.User, error)
	findByUsernameFn func(ctx context.Context, username string) (*model.User, error)
	createFn         func(ctx context.Context, user *model.User) error
}

func (m *mockUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}

func (m *mockUserRepo) FindByUsername(ctx context.Context, username string) (*model.User, error) {
	if m.findByUsernameFn != nil {
		return m.findByUsernameFn(ctx, username)
	}
	return nil, nil
}

func (m *mockUserRepo) Create(ctx context.Context, user *model.User) error {
	if m.createFn != nil {
		return m.createFn(ctx, user)
	}
	return nil
}

type mockSessionRepo struct {
	createFn     func(ctx context.Context, session *model.Session) error
	findByIDFn   func(ctx context.Context, id string) (*model.Session, error)
	deleteByIDFn func(ctx context.Context, id string) error
}

func (m *mockSessionRepo) Create(ctx context.Context, session *model.Session) error {
	if m.createFn != nil {
		return m.createFn(ctx, session)
	}
	return nil
}

func (m *mockSessionRepo) FindByID(ctx context.Context, id string) (*model.Session, error) {
	if m.findByIDFn != nil {
		return m.findByIDFn(ctx, id)
	}
	return nil, nil
}

func (m *mockSessionRepo) DeleteByID(ctx context.Context, id string) error {
	if m.deleteByIDFn != nil {
		return m.deleteByIDFn(ctx, id)
	}
	return nil
}

type mockTokenStore struct {
	token   string
	saveErr error
	cleared bool
}

func (m *mockTokenStore) Load() (string, error) { return m.token, nil }

func (m *mockTokenStore) Save(token string) error {
	if m.saveErr != nil {
		return m.saveErr
	}
	m.token = token
	return nil
}

func (m *mockTokenStore) Clear() error {
	m.cleared = true
	m.token = ""
	return nil
}

// --- compile-time interface checks ---
var _ repository.UserRepository = (*mockUserRepo)(nil)
var _ repository.SessionRepository = (*mockSessionRepo)(nil)
var _ TokenStore = (*mockTokenStore)(nil)

func newTestService(users *mockUserRepo, sessions *mockSessionRepo, tokens *mockTokenStore) *Service {
	return NewService(users, sessions, tokens, ServiceConfig{SessionMaxAge: 3600, BcryptCost: bcrypt.MinCost})
}

func hashPassword(t *testing.T, password string) string {
	t.Helper()
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("failed to hash password: %v", err)
	}
	return string(h)
}

// --- テスト ---

func TestRegister_CreatesUserWithHashedPassword(t *testing.T) {
	var created *model.User
	users := &mockUserRepo{
		createFn: func(_ context.Context, user *model.User) error {
			created = user
			return nil
		},
	}
	svc := newTestService(users, &mockSessionRepo{}, &mockTokenStore{})

	user, err := svc.Register(context.Background(), model.Credentials{Username: "  alice ", Password: "secret"})
	if err != nil {
		t.Fatalf("Register returned error: %v", err)
	}
	if created == nil || created != user {
		t.Fatal("expected user to be passed to repository")
	}
	if user.Username != "alice" {
		t.Errorf("Username = %q, want %q", user.Username, "alice")
	}
	if user.Name != "alice" {
		t.Errorf("Name = %q, want initialised from username", user.Name)
	}
	if user.ID == "" {
		t.Error("expected generated user ID")
	}
	if user.PasswordHash == "secret" {
		t.Error("password must not be stored in plain text")
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte("secret")); err != nil {
		t.Errorf("stored hash does not match password: %v", err)
	}
}

func TestRegister_DuplicateUsername_ReturnsAlreadyRegistered(t *testing.T) {
	users := &mockUserRepo{
		createFn: func(context.Context, *model.User) error {
			return fmt.Errorf("failed to create user: %w", &pq.Error{Code: "23505"})
		},
	}
	svc := newTestService(users, &mockSessionRepo{}, &mockTokenStore{})

	_, err := svc.Register(context.Background(), model.Credentials{Username: "alice", Password: "secret"})
	if !model.IsAuthError(err, model.AuthErrAlreadyRegistered) {
		t.Errorf("error = %v, want ALREADY_REGISTERED", err)
	}
}

func TestRegister_InvalidInput_ReturnsValidationError(t *testing.T) {
	svc := newTestService(&mockUserRepo{}, &mockSessionRepo{}, &mockTokenStore{})

	tests := []struct {
		name  string
		creds model.Credentials
	}{
		{name: "ユーザー名が空", creds: model.Credentials{Username: " ", Password: "secret"}},
		{name: "パスワードが空", creds: model.Credentials{Username: "alice", Password: ""}},
		{name: "パスワードが長すぎる", creds: model.Credentials{Username: "alice", Password: strings.Repeat("x", 73)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Register(context.Background(), tt.creds)
			var apiErr *model.APIError
			if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeValidation {
				t.Errorf("error = %v, want validation error", err)
			}
		})
	}
}

func TestLogin_ValidCredentials_IssuesSession(t *testing.T) {
	hash := hashPassword(t, "secret")
	users := &mockUserRepo{
		findByUsernameFn: func(_ context.Context, username string) (*model.User, error) {
			if username != "alice" {
				t.Errorf("FindByUsername called with %q", username)
			}
			return &model.User{ID: "user-1", Username: "alice", PasswordHash: hash}, nil
		},
	}
	var stored *model.Session
	sessions := &mockSessionRepo{
		createFn: func(_ context.Context, session *model.Session) error {
			stored = session
			return nil
		},
	}
	tokens := &mockTokenStore{}
	svc := newTestService(users, sessions, tokens)

	session, err := svc.Login(context.Background(), model.Credentials{Username: "alice", Password: "secret"})
	if err != nil {
		t.Fatalf("Login returned error: %v", err)
	}
	if stored != session {
		t.Error("expected session to be persisted")
	}
	if session.UserID != "user-1" || session.Username != "alice" {
		t.Errorf("session = %+v, want user-1/alice", session)
	}
	if len(session.ID) != 64 {
		t.Errorf("session ID length = %d, want 64", len(session.ID))
	}
	if tokens.token != session.ID {
		t.Error("expected token to be saved locally")
	}
	if d := time.Until(session.ExpiresAt); d < 59*time.Minute || d > time.Hour {
		t.Errorf("session expires in %v, want about 1h", d)
	}
}

func TestLogin_InvalidCredentials(t *testing.T) {
	hash := hashPassword(t, "secret")

	tests := []struct {
		name string
		user *model.User
		pass string
	}{
		{name: "ユーザーが存在しない", user: nil, pass: "secret"},
		{name: "パスワード不一致", user: &model.User{ID: "user-1", Username: "alice", PasswordHash: hash}, pass: "wrong"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			users := &mockUserRepo{
				findByUsernameFn: func(context.Context, string) (*model.User, error) { return tt.user, nil },
			}
			sessionCreated := false
			sessions := &mockSessionRepo{
				createFn: func(context.Context, *model.Session) error {
					sessionCreated = true
					return nil
				},
			}
			svc := newTestService(users, sessions, &mockTokenStore{})

			_, err := svc.Login(context.Background(), model.Credentials{Username: "alice", Password: tt.pass})
			if !model.IsAuthError(err, model.AuthErrInvalidCredentials) {
				t.Errorf("error = %v, want INVALID_CREDENTIALS", err)
			}
			if sessionCreated {
				t.Error("session must not be created on failure")
			}
		})
	}
}

func TestLogin_TokenSaveFailure_StillSucceeds(t *testing.T) {
	hash := hashPassword(t, "secret")
	users := &mockUserRepo{
		findByUsernameFn: func(context.Context, string) (*model.User, error) {
			return &model.User{ID: "user-1", Username: "alice", PasswordHash: hash}, nil
		},
	}
	svc := newTestService(users, &mockSessionRepo{}, &mockTokenStore{saveErr: errors.New("read-only fs")})

	if _, err := svc.Login(context.Background(), model.Credentials{Username: "alice", Password: "secret"}); err != nil {
		t.Fatalf("Login returned error: %v", err)
	}
}

func TestLogout_RemoteFailure_ClearsLocalTokenAndReturnsError(t *testing.T) {
	sessions := &mockSessionRepo{
		deleteByIDFn: func(context.Context, string) error { return driver.ErrBadConn },
	}
	tokens := &mockTokenStore{token: "abc"}
	svc := newTestService(&mockUserRepo{}, sessions, tokens)

	err := svc.Logout(context.Background(), "abc")
	if !model.IsAuthError(err, model.AuthErrNetworkUnavailable) {
		t.Errorf("error = %v, want NETWORK_UNAVAILABLE", err)
	}
	if !tokens.cleared {
		t.Error("expected local token to be cleared")
	}
}

func TestLogout_DeletesSession(t *testing.T) {
	var deleted string
	sessions := &mockSessionRepo{
		deleteByIDFn: func(_ context.Context, id string) error {
			deleted = id
			return nil
		},
	}
	svc := newTestService(&mockUserRepo{}, sessions, &mockTokenStore{token: "abc"})

	if err := svc.Logout(context.Background(), "abc"); err != nil {
		t.Fatalf("Logout returned error: %v", err)
	}
	if deleted != "abc" {
		t.Errorf("deleted = %q, want %q", deleted, "abc")
	}
}

func TestLogout_OtherSessionToken_IsKept(t *testing.T) {
	tokens := &mockTokenStore{token: "new-session"}
	svc := newTestService(&mockUserRepo{}, &mockSessionRepo{}, tokens)

	if err := svc.Logout(context.Background(), "old-session"); err != nil {
		t.Fatalf("Logout returned error: %v", err)
	}
	if tokens.cleared || tokens.token != "new-session" {
		t.Error("token of the replacing session must be kept")
	}
}

func TestRestore(t *testing.T) {
	t.Run("保存済みトークンなし", func(t *testing.T) {
		svc := newTestService(&mockUserRepo{}, &mockSessionRepo{}, &mockTokenStore{})
		session, err := svc.Restore(context.Background())
		if err != nil || session != nil {
			t.Errorf("Restore = (%v, %v), want (nil, nil)", session, err)
		}
	})

	t.Run("有効なセッション", func(t *testing.T) {
		sessions := &mockSessionRepo{
			findByIDFn: func(_ context.Context, id string) (*model.Session, error) {
				return &model.Session{ID: id, UserID: "user-1", Username: "alice"}, nil
			},
		}
		svc := newTestService(&mockUserRepo{}, sessions, &mockTokenStore{token: "abc"})
		session, err := svc.Restore(context.Background())
		if err != nil {
			t.Fatalf("Restore returned error: %v", err)
		}
		if session == nil || session.UserID != "user-1" {
			t.Errorf("session = %+v, want user-1", session)
		}
	})

	t.Run("期限切れのセッションはトークンを削除する", func(t *testing.T) {
		tokens := &mockTokenStore{token: "abc"}
		svc := newTestService(&mockUserRepo{}, &mockSessionRepo{}, tokens)
		session, err := svc.Restore(context.Background())
		if err != nil || session != nil {
			t.Errorf("Restore = (%v, %v), want (nil, nil)", session, err)
		}
		if !tokens.cleared {
			t.Error("expected stale token to be cleared")
		}
	})
}

func TestClassifyError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "ユニーク制約違反", err: &pq.Error{Code: "23505"}, want: model.AuthErrAlreadyRegistered},
		{name: "接続エラー(08)", err: &pq.Error{Code: "08006"}, want: model.AuthErrNetworkUnavailable},
		{name: "ErrBadConn", err: fmt.Errorf("query: %w", driver.ErrBadConn), want: model.AuthErrNetworkUnavailable},
		{name: "タイムアウト", err: context.DeadlineExceeded, want: model.AuthErrNetworkUnavailable},
		{name: "その他", err: errors.New("boom"), want: model.AuthErrUnknown},
		{name: "AuthErrorはそのまま", err: model.NewAuthError(model.AuthErrInvalidCredentials, "x", nil), want: model.AuthErrInvalidCredentials},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := classifyError(tt.err, "failed")
			if !model.IsAuthError(got, tt.want) {
				t.Errorf("classifyError(%v) = %v, want %s", tt.err, got, tt.want)
			}
		})
	}
}

func TestMaskToken(t *testing.T) {
	if got := MaskToken("0123456789abcdef"); got != "01234567***" {
		t.Errorf("MaskToken = %q", got)
	}
	if got := MaskToken("short"); got != "***" {
		t.Errorf("MaskToken(short) = %q", got)
	}
}
