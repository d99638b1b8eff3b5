package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/tasktracker/internal/dispatch"
	"github.com/hitoshi/tasktracker/internal/model"
)

// --- モック定義 ---

type mockAuthenticator struct {
	registerFn func(ctx context.Context, creds model.Credentials) (*model.User, error)
	loginFn    func(ctx context.Context, creds model.Credentials) (*model.Session, error)
	logoutFn   func(ctx context.Context, sessionID string) error
	restoreFn  func(ctx context.Context) (*model.Session, error)
}

func (m *mockAuthenticator) Register(ctx context.Context, creds model.Credentials) (*model.User, error) {
	if m.registerFn != nil {
		return m.registerFn(ctx, creds)
	}
	return &model.User{ID: "user-" + creds.Username, Username: creds.Username}, nil
}

func (m *mockAuthenticator) Login(ctx context.Context, creds model.Credentials) (*model.Session, error) {
	if m.loginFn != nil {
		return m.loginFn(ctx, creds)
	}
	return &model.Session{ID: "sess-" + creds.Username, UserID: "user-" + creds.Username, Username: creds.Username}, nil
}

func (m *mockAuthenticator) Logout(ctx context.Context, sessionID string) error {
	if m.logoutFn != nil {
		return m.logoutFn(ctx, sessionID)
	}
	return nil
}

func (m *mockAuthenticator) Restore(ctx context.Context) (*model.Session, error) {
	if m.restoreFn != nil {
		return m.restoreFn(ctx)
	}
	return nil, nil
}

var _ Authenticator = (*mockAuthenticator)(nil)

// sessionRecorder は通知されたセッションを記録する。
type sessionRecorder struct {
	mu       sync.Mutex
	sessions []*model.Session
}

func (r *sessionRecorder) record(s *model.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append(r.sessions, s)
}

func (r *sessionRecorder) snapshot() []*model.Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*model.Session(nil), r.sessions...)
}

func newTestLoop(t *testing.T) *dispatch.Loop {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	loop := dispatch.New(nil)
	loop.Start(ctx)
	t.Cleanup(cancel)
	return loop
}

func alice() model.Credentials { return model.Credentials{Username: "alice", Password: "secret"} }

// --- テスト ---

// サインアップ後の現在セッションが新しいアカウントのものであることを検証する。
func TestSignUp_SetsSessionForNewAccount(t *testing.T) {
	var registered *model.User
	auth := &mockAuthenticator{
		registerFn: func(_ context.Context, creds model.Credentials) (*model.User, error) {
			registered = &model.User{ID: "user-1", Username: creds.Username}
			return registered, nil
		},
		loginFn: func(_ context.Context, creds model.Credentials) (*model.Session, error) {
			return &model.Session{ID: "sess-1", UserID: registered.ID, Username: creds.Username}, nil
		},
	}
	m := NewManager(auth, newTestLoop(t), nil)

	sess, err := m.SignUp(context.Background(), alice())
	if err != nil {
		t.Fatalf("SignUp returned error: %v", err)
	}
	current := m.CurrentSession()
	if current == nil || current != sess {
		t.Fatalf("CurrentSession = %v, want %v", current, sess)
	}
	if current.UserID != registered.ID {
		t.Errorf("UserID = %q, want %q", current.UserID, registered.ID)
	}
}

// 登録済みアカウントでのサインアップがALREADY_REGISTEREDを返し、セッションを作らないことを検証する。
func TestSignUp_ExistingAccount_ReturnsAlreadyRegistered(t *testing.T) {
	loginCalled := false
	auth := &mockAuthenticator{
		registerFn: func(context.Context, model.Credentials) (*model.User, error) {
			return nil, model.NewAuthError(model.AuthErrAlreadyRegistered, "exists", nil)
		},
		loginFn: func(context.Context, model.Credentials) (*model.Session, error) {
			loginCalled = true
			return nil, nil
		},
	}
	m := NewManager(auth, newTestLoop(t), nil)

	_, err := m.SignUp(context.Background(), alice())
	if !model.IsAuthError(err, model.AuthErrAlreadyRegistered) {
		t.Errorf("error = %v, want ALREADY_REGISTERED", err)
	}
	if loginCalled {
		t.Error("Login must not be called after failed registration")
	}
	if m.CurrentSession() != nil {
		t.Error("expected no session")
	}
}

// 登録成功後のサインイン失敗でサインアウト状態のままエラーを返すことを検証する。
func TestSignUp_LoginFailsAfterRegister_StaysLoggedOut(t *testing.T) {
	auth := &mockAuthenticator{
		loginFn: func(context.Context, model.Credentials) (*model.Session, error) {
			return nil, model.NewAuthError(model.AuthErrNetworkUnavailable, "down", nil)
		},
	}
	m := NewManager(auth, newTestLoop(t), nil)

	_, err := m.SignUp(context.Background(), alice())
	if !model.IsAuthError(err, model.AuthErrNetworkUnavailable) {
		t.Errorf("error = %v, want NETWORK_UNAVAILABLE", err)
	}
	if m.CurrentSession() != nil {
		t.Error("expected no session")
	}
}

// サインインの通知が戻る前に配信されることを検証する。
func TestSignIn_NotifiesBeforeReturn(t *testing.T) {
	m := NewManager(&mockAuthenticator{}, newTestLoop(t), nil)
	rec := &sessionRecorder{}
	m.Subscribe(rec.record)

	sess, err := m.SignIn(context.Background(), alice())
	if err != nil {
		t.Fatalf("SignIn returned error: %v", err)
	}

	got := rec.snapshot()
	if len(got) != 1 || got[0] != sess {
		t.Errorf("notifications = %v, want [%v]", got, sess)
	}
}

// サインイン失敗時に既存のセッションが変わらず、通知もされないことを検証する。
func TestSignIn_Failure_KeepsPriorSession(t *testing.T) {
	fail := false
	auth := &mockAuthenticator{
		loginFn: func(_ context.Context, creds model.Credentials) (*model.Session, error) {
			if fail {
				return nil, model.NewAuthError(model.AuthErrInvalidCredentials, "bad", nil)
			}
			return &model.Session{ID: "sess-1", UserID: "user-1"}, nil
		},
	}
	m := NewManager(auth, newTestLoop(t), nil)

	prior, _ := m.SignIn(context.Background(), alice())
	rec := &sessionRecorder{}
	m.Subscribe(rec.record)

	fail = true
	_, err := m.SignIn(context.Background(), model.Credentials{Username: "bob", Password: "x"})
	if !model.IsAuthError(err, model.AuthErrInvalidCredentials) {
		t.Errorf("error = %v, want INVALID_CREDENTIALS", err)
	}
	if m.CurrentSession() != prior {
		t.Error("prior session must be kept on failure")
	}
	if got := rec.snapshot(); len(got) != 0 {
		t.Errorf("unexpected notifications: %v", got)
	}
}

// サインイン中の再サインインで旧セッションが破棄され置き換わることを検証する。
func TestSignIn_WhileSignedIn_ReplacesSession(t *testing.T) {
	var loggedOut []string
	auth := &mockAuthenticator{
		logoutFn: func(_ context.Context, id string) error {
			loggedOut = append(loggedOut, id)
			return nil
		},
	}
	m := NewManager(auth, newTestLoop(t), nil)

	_, _ = m.SignIn(context.Background(), alice())
	bob, err := m.SignIn(context.Background(), model.Credentials{Username: "bob", Password: "x"})
	if err != nil {
		t.Fatalf("SignIn returned error: %v", err)
	}

	if m.CurrentSession() != bob {
		t.Error("expected bob's session to be current")
	}
	if len(loggedOut) != 1 || loggedOut[0] != "sess-alice" {
		t.Errorf("logged out = %v, want [sess-alice]", loggedOut)
	}
}

// リモートのサインアウトに失敗してもローカル状態がクリアされ、エラーにならないことを検証する。
func TestSignOut_RemoteFailure_StillClearsSession(t *testing.T) {
	auth := &mockAuthenticator{
		logoutFn: func(context.Context, string) error {
			return model.NewAuthError(model.AuthErrNetworkUnavailable, "down", errors.New("dial tcp"))
		},
	}
	m := NewManager(auth, newTestLoop(t), nil)
	_, _ = m.SignIn(context.Background(), alice())

	rec := &sessionRecorder{}
	m.Subscribe(rec.record)

	if err := m.SignOut(context.Background()); err != nil {
		t.Fatalf("SignOut returned error: %v", err)
	}
	if m.CurrentSession() != nil {
		t.Error("expected no session after sign-out")
	}
	if got := rec.snapshot(); len(got) != 1 || got[0] != nil {
		t.Errorf("notifications = %v, want [nil]", got)
	}
}

// サインアウト状態でのSignOutが何もしないことを検証する。
func TestSignOut_WhenLoggedOut_IsNoop(t *testing.T) {
	logoutCalled := false
	auth := &mockAuthenticator{
		logoutFn: func(context.Context, string) error {
			logoutCalled = true
			return nil
		},
	}
	m := NewManager(auth, newTestLoop(t), nil)
	rec := &sessionRecorder{}
	m.Subscribe(rec.record)

	if err := m.SignOut(context.Background()); err != nil {
		t.Fatalf("SignOut returned error: %v", err)
	}
	if logoutCalled {
		t.Error("Logout must not be called when logged out")
	}
	if got := rec.snapshot(); len(got) != 0 {
		t.Errorf("unexpected notifications: %v", got)
	}
}

// 通知が状態変更の順に配信されることを検証する。
func TestSubscribe_DeliversInOrder(t *testing.T) {
	m := NewManager(&mockAuthenticator{}, newTestLoop(t), nil)
	rec := &sessionRecorder{}
	m.Subscribe(rec.record)

	a, _ := m.SignIn(context.Background(), alice())
	_ = m.SignOut(context.Background())
	b, _ := m.SignIn(context.Background(), model.Credentials{Username: "bob", Password: "x"})

	got := rec.snapshot()
	want := []*model.Session{a, nil, b}
	if len(got) != len(want) {
		t.Fatalf("notifications = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("notification[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

// 購読解除後は通知されないことを検証する。
func TestSubscribe_Cancel(t *testing.T) {
	m := NewManager(&mockAuthenticator{}, newTestLoop(t), nil)
	rec := &sessionRecorder{}
	cancel := m.Subscribe(rec.record)
	cancel()
	cancel() // 冪等

	_, _ = m.SignIn(context.Background(), alice())

	if got := rec.snapshot(); len(got) != 0 {
		t.Errorf("unexpected notifications after cancel: %v", got)
	}
}

// 保存済みセッションの復元を検証する。
func TestRestore(t *testing.T) {
	t.Run("復元対象なし", func(t *testing.T) {
		m := NewManager(&mockAuthenticator{}, newTestLoop(t), nil)
		sess, err := m.Restore(context.Background())
		if err != nil || sess != nil {
			t.Errorf("Restore = (%v, %v), want (nil, nil)", sess, err)
		}
	})

	t.Run("有効なセッションを復元して通知する", func(t *testing.T) {
		restored := &model.Session{ID: "sess-1", UserID: "user-1", ExpiresAt: time.Now().Add(time.Hour)}
		auth := &mockAuthenticator{
			restoreFn: func(context.Context) (*model.Session, error) { return restored, nil },
		}
		m := NewManager(auth, newTestLoop(t), nil)
		rec := &sessionRecorder{}
		m.Subscribe(rec.record)

		sess, err := m.Restore(context.Background())
		if err != nil {
			t.Fatalf("Restore returned error: %v", err)
		}
		if sess != restored || m.CurrentSession() != restored {
			t.Error("expected restored session to be current")
		}
		if got := rec.snapshot(); len(got) != 1 || got[0] != restored {
			t.Errorf("notifications = %v, want [%v]", got, restored)
		}
	})

	t.Run("エラーはそのまま返す", func(t *testing.T) {
		auth := &mockAuthenticator{
			restoreFn: func(context.Context) (*model.Session, error) {
				return nil, model.NewAuthError(model.AuthErrNetworkUnavailable, "down", nil)
			},
		}
		m := NewManager(auth, newTestLoop(t), nil)
		if _, err := m.Restore(context.Background()); !model.IsAuthError(err, model.AuthErrNetworkUnavailable) {
			t.Errorf("error = %v, want NETWORK_UNAVAILABLE", err)
		}
	})
}

// 処理中フラグがサインイン中だけtrueになることを検証する。
func TestBusy_DuringSignIn(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	auth := &mockAuthenticator{
		loginFn: func(_ context.Context, creds model.Credentials) (*model.Session, error) {
			close(entered)
			<-release
			return &model.Session{ID: "sess-1", UserID: "user-1"}, nil
		},
	}
	m := NewManager(auth, newTestLoop(t), nil)

	if m.Busy() {
		t.Fatal("expected not busy before sign-in")
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = m.SignIn(context.Background(), alice())
	}()

	<-entered
	if !m.Busy() {
		t.Error("expected busy during sign-in")
	}
	close(release)
	<-done

	if m.Busy() {
		t.Error("expected not busy after sign-in")
	}
}
