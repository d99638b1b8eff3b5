// Package session はサインアップ・サインイン・サインアウトとセッション状態の通知を提供する。
//
// 状態変更はdispatch.Loop上で購読者へ配信される。SignIn/SignUp/SignOut/Restoreは
// 配信完了を待ってから戻るため、ループのgoroutineから呼び出してはならない。
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/hitoshi/tasktracker/internal/dispatch"
	"github.com/hitoshi/tasktracker/internal/metrics"
	"github.com/hitoshi/tasktracker/internal/model"
)

// Authenticator は外部認証サービスのインターフェース。auth.Serviceが満たす。
type Authenticator interface {
	Register(ctx context.Context, creds model.Credentials) (*model.User, error)
	Login(ctx context.Context, creds model.Credentials) (*model.Session, error)
	Logout(ctx context.Context, sessionID string) error
	Restore(ctx context.Context) (*model.Session, error)
}

// Manager は1クライアントにつき1つのセッションを管理する。
type Manager struct {
	auth    Authenticator
	loop    *dispatch.Loop
	metrics metrics.MetricsCollector

	// opMu はサインイン等の操作を直列化し、通知順序を状態変更順と一致させる
	opMu sync.Mutex

	mu        sync.Mutex
	current   *model.Session
	observers map[int]func(*model.Session)
	nextID    int

	busy atomic.Int32
}

// NewManager はManagerを生成する。mcがnilの場合はメトリクスを記録しない。
func NewManager(auth Authenticator, loop *dispatch.Loop, mc metrics.MetricsCollector) *Manager {
	if mc == nil {
		mc = metrics.Nop{}
	}
	return &Manager{
		auth:      auth,
		loop:      loop,
		metrics:   mc,
		observers: make(map[int]func(*model.Session)),
	}
}

// SignUp はアカウントを作成し、同じ認証情報でサインインする。
// 登録に成功してサインインに失敗した場合はサインアウト状態のままサインインのエラーを返す。
func (m *Manager) SignUp(ctx context.Context, creds model.Credentials) (*model.Session, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	defer m.track()()

	user, err := m.auth.Register(ctx, creds)
	m.metrics.RecordAuthAttempt("signup", err)
	if err != nil {
		slog.Warn("sign-up failed", slog.String("result", metrics.ResultLabel(err)))
		return nil, err
	}

	slog.Info("account created", slog.String("user_id", user.ID))
	return m.signIn(ctx, creds)
}

// SignIn は認証し、成功した場合に現在のセッションを置き換えて購読者へ通知する。
// 失敗時は現在の状態を変更しない。
func (m *Manager) SignIn(ctx context.Context, creds model.Credentials) (*model.Session, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	defer m.track()()

	return m.signIn(ctx, creds)
}

func (m *Manager) signIn(ctx context.Context, creds model.Credentials) (*model.Session, error) {
	sess, err := m.auth.Login(ctx, creds)
	m.metrics.RecordAuthAttempt("signin", err)
	if err != nil {
		slog.Warn("sign-in failed", slog.String("result", metrics.ResultLabel(err)))
		return nil, err
	}

	if prev := m.CurrentSession(); prev != nil {
		// 旧セッションの破棄はベストエフォート
		if err := m.auth.Logout(ctx, prev.ID); err != nil {
			slog.Warn("failed to invalidate replaced session",
				slog.String("user_id", prev.UserID),
				slog.String("error", err.Error()),
			)
		}
	}

	m.publish(ctx, sess)
	return sess, nil
}

// SignOut はローカルのセッションを破棄して購読者へ通知する。
// リモートの破棄に失敗してもローカル状態は必ずクリアされ、エラーは返さない。
// サインアウト状態で呼ばれた場合は何もしない。
func (m *Manager) SignOut(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	defer m.track()()

	prev := m.CurrentSession()
	if prev == nil {
		return nil
	}

	m.publish(ctx, nil)

	err := m.auth.Logout(ctx, prev.ID)
	m.metrics.RecordAuthAttempt("signout", err)
	if err != nil {
		slog.Warn("remote sign-out failed; local session cleared",
			slog.String("user_id", prev.UserID),
			slog.String("error", err.Error()),
		)
		return nil
	}

	slog.Info("signed out", slog.String("user_id", prev.UserID))
	return nil
}

// Restore は前回起動時のセッションを復元する。起動時に1回呼ぶ。
// 復元できるセッションがない場合はnilを返す。
func (m *Manager) Restore(ctx context.Context) (*model.Session, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	sess, err := m.auth.Restore(ctx)
	m.metrics.RecordAuthAttempt("restore", err)
	if err != nil {
		return nil, err
	}
	if !sess.Authenticated() {
		return nil, nil
	}

	m.publish(ctx, sess)
	return sess, nil
}

// CurrentSession は現在のセッションを返す。サインアウト中はnil。
func (m *Manager) CurrentSession() *model.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Busy はサインアップ・サインイン・サインアウトの処理中かどうかを返す。
func (m *Manager) Busy() bool {
	return m.busy.Load() > 0
}

// Subscribe はセッション変更の購読者を登録する。
// fnはループ上で状態変更順に呼ばれる（サインアウト時はnil）。返り値の関数で解除する。
func (m *Manager) Subscribe(fn func(*model.Session)) (cancel func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.observers[id] = fn
	m.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.observers, id)
			m.mu.Unlock()
		})
	}
}

// publish は状態を更新し、ループ上で購読者への配信が終わるまで待つ。
// 呼び出し元のキャンセルでは配信を中断しない。
func (m *Manager) publish(ctx context.Context, sess *model.Session) {
	m.mu.Lock()
	m.current = sess
	m.mu.Unlock()

	err := m.loop.Do(context.WithoutCancel(ctx), func() {
		m.mu.Lock()
		observers := make([]func(*model.Session), 0, len(m.observers))
		for id := 0; id < m.nextID; id++ {
			if fn, ok := m.observers[id]; ok {
				observers = append(observers, fn)
			}
		}
		m.mu.Unlock()

		for _, fn := range observers {
			fn(sess)
		}
	})
	if err != nil && !errors.Is(err, dispatch.ErrStopped) {
		slog.Error("failed to deliver session change", slog.String("error", err.Error()))
	}
}

// track は処理中カウンタを増やし、戻す関数を返す。
func (m *Manager) track() func() {
	m.busy.Add(1)
	return func() { m.busy.Add(-1) }
}
