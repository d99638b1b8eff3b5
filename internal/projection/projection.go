// Package projection はサインイン中ユーザーのタスク一覧をライブに保持する。
//
// 一覧はストアの通知によってのみ変化する。Add/SetStatus/Removeはストアへの
// 書き込み意図を伝えるだけで、一覧への反映は後続の通知を待つ。
// 一覧の変更とエラーはdispatch.Loop上で購読者へ配信される。
package projection

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hitoshi/tasktracker/internal/dispatch"
	"github.com/hitoshi/tasktracker/internal/metrics"
	"github.com/hitoshi/tasktracker/internal/model"
	"github.com/hitoshi/tasktracker/internal/security"
	"github.com/hitoshi/tasktracker/internal/syncstore"
)

// attachTimeout はFollowからのAttachで購読開始を待つ上限。
const attachTimeout = 10 * time.Second

// SessionSource はセッション変更の通知元。session.Managerが満たす。
type SessionSource interface {
	Subscribe(fn func(*model.Session)) (cancel func())
}

// Projection は1つのパーティションのタスク一覧を購読・保持する。
// 同時に持つライブ購読は高々1つ。
type Projection struct {
	store     syncstore.Store
	loop      *dispatch.Loop
	sanitizer security.NameSanitizer
	metrics   metrics.MetricsCollector

	mu      sync.Mutex
	gen     uint64
	session *model.Session
	sub     syncstore.Subscription
	tasks   []model.Task

	listObservers  observerSet[[]model.Task]
	errorObservers observerSet[error]

	// deliverMu は購読者への配信中にDetachが完了しないようにする。
	// 一覧の購読者からAttach/Detachを呼んではならない。
	deliverMu sync.Mutex
}

// New はProjectionを生成する。mcがnilの場合はメトリクスを記録しない。
func New(store syncstore.Store, loop *dispatch.Loop, sanitizer security.NameSanitizer, mc metrics.MetricsCollector) *Projection {
	if mc == nil {
		mc = metrics.Nop{}
	}
	return &Projection{
		store:     store,
		loop:      loop,
		sanitizer: sanitizer,
		metrics:   mc,
	}
}

// Attach は既存の購読を解除して一覧をクリアし、sessionのパーティションを購読する。
func (p *Projection) Attach(ctx context.Context, sess *model.Session) error {
	p.Detach()

	if !sess.Authenticated() {
		return model.NewStoreError(model.StoreErrNotAuthenticated, "サインインしていません。", nil)
	}

	p.mu.Lock()
	p.gen++
	gen := p.gen
	p.session = sess
	p.mu.Unlock()

	sub, err := p.store.Subscribe(ctx, sess.Partition(), func(n syncstore.Notification) {
		p.loop.Post(func() { p.apply(gen, n) })
	})
	if err != nil {
		p.mu.Lock()
		if p.gen == gen {
			p.session = nil
		}
		p.mu.Unlock()

		storeErr := model.NewStoreError(model.StoreErrSubscriptionFailed, "タスク一覧の購読に失敗しました。", err)
		p.reportError(storeErr)
		return storeErr
	}

	p.mu.Lock()
	if p.gen != gen {
		// 購読開始中に別のAttach/Detachが行われた
		p.mu.Unlock()
		sub.Cancel()
		return nil
	}
	p.sub = sub
	p.mu.Unlock()

	slog.Info("task projection attached", slog.String("user_id", sess.UserID))
	return nil
}

// Detach は購読を解除し一覧をクリアする。冪等。
// 戻った後、旧購読の通知が一覧へ反映・配信されることはない。
func (p *Projection) Detach() {
	p.deliverMu.Lock()
	defer p.deliverMu.Unlock()

	p.mu.Lock()
	p.gen++
	sub := p.sub
	attached := p.session != nil || len(p.tasks) > 0
	p.sub = nil
	p.session = nil
	p.tasks = nil
	p.mu.Unlock()

	if sub != nil {
		sub.Cancel()
	}
	if !attached {
		return
	}

	p.metrics.SetTaskCount(0)
	p.loop.Post(func() {
		p.deliverMu.Lock()
		defer p.deliverMu.Unlock()
		p.listObservers.notify([]model.Task{})
	})
	slog.Info("task projection detached")
}

// List は現在の一覧のコピーを作成順で返す。
func (p *Projection) List() []model.Task {
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]model.Task, len(p.tasks))
	copy(out, p.tasks)
	return out
}

// Add は新しいタスク（ステータスOpen）の作成をストアへ依頼する。
func (p *Projection) Add(ctx context.Context, name string) error {
	start := time.Now()
	err := p.add(ctx, name)
	p.finishIntent("add", err, start)
	return err
}

func (p *Projection) add(ctx context.Context, name string) error {
	sess, err := p.currentSession()
	if err != nil {
		return err
	}

	clean, err := p.sanitizer.Sanitize(name)
	if err != nil {
		return model.NewStoreError(model.StoreErrWriteFailed, "タスク名が不正です。", err)
	}

	id, err := uuid.NewV7()
	if err != nil {
		return model.NewStoreError(model.StoreErrWriteFailed, "タスクIDの生成に失敗しました。", err)
	}

	task := model.Task{
		ID:        id.String(),
		Partition: sess.Partition(),
		Name:      clean,
		Status:    model.TaskStatusOpen,
		CreatedAt: time.Now(),
	}
	if err := p.store.Create(ctx, task); err != nil {
		return model.NewStoreError(model.StoreErrWriteFailed, "タスクの作成に失敗しました。", err)
	}
	return nil
}

// SetStatus はタスクのステータス変更をストアへ依頼する。
// 現在の一覧にないIDはストアへ送らずにWRITE_FAILEDを返す。
func (p *Projection) SetStatus(ctx context.Context, id string, status model.TaskStatus) error {
	start := time.Now()
	err := p.setStatus(ctx, id, status)
	p.finishIntent("set_status", err, start)
	return err
}

func (p *Projection) setStatus(ctx context.Context, id string, status model.TaskStatus) error {
	sess, err := p.currentSession()
	if err != nil {
		return err
	}
	if !status.Valid() {
		return model.NewStoreError(model.StoreErrWriteFailed, "ステータスが不正です。",
			model.NewValidationError("ステータスはOpen, InProgress, Completeのいずれかです。"))
	}
	if !p.contains(id) {
		return model.NewStoreError(model.StoreErrWriteFailed, "タスクが見つかりません。", model.ErrTaskNotFound)
	}

	if err := p.store.UpdateStatus(ctx, sess.Partition(), id, status); err != nil {
		return model.NewStoreError(model.StoreErrWriteFailed, "ステータスの更新に失敗しました。", err)
	}
	return nil
}

// Remove はタスクの削除をストアへ依頼する。
// 現在の一覧にないIDはストアへ送らずにWRITE_FAILEDを返す。
func (p *Projection) Remove(ctx context.Context, id string) error {
	start := time.Now()
	err := p.remove(ctx, id)
	p.finishIntent("remove", err, start)
	return err
}

func (p *Projection) remove(ctx context.Context, id string) error {
	sess, err := p.currentSession()
	if err != nil {
		return err
	}
	if !p.contains(id) {
		return model.NewStoreError(model.StoreErrWriteFailed, "タスクが見つかりません。", model.ErrTaskNotFound)
	}

	if err := p.store.Delete(ctx, sess.Partition(), id); err != nil {
		return model.NewStoreError(model.StoreErrWriteFailed, "タスクの削除に失敗しました。", err)
	}
	return nil
}

// Subscribe は一覧の購読者を登録する。fnはループ上で変更のたびに呼ばれる。
func (p *Projection) Subscribe(fn func([]model.Task)) (cancel func()) {
	return p.listObservers.add(fn)
}

// OnError は失敗した書き込み意図と購読エラーの購読者を登録する。
// エラーが起きても購読は継続する。
func (p *Projection) OnError(fn func(error)) (cancel func()) {
	return p.errorObservers.add(fn)
}

// Follow はセッションの変更に追従する。サインインでAttach、サインアウトでDetachする。
func (p *Projection) Follow(src SessionSource) (cancel func()) {
	return src.Subscribe(func(sess *model.Session) {
		if sess == nil {
			p.Detach()
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), attachTimeout)
		defer cancel()
		if err := p.Attach(ctx, sess); err != nil {
			slog.Warn("failed to attach task projection",
				slog.String("user_id", sess.UserID),
				slog.String("error", err.Error()),
			)
		}
	})
}

// apply はストア通知を一覧へ反映する。ループ上で実行される。
func (p *Projection) apply(gen uint64, n syncstore.Notification) {
	p.deliverMu.Lock()
	defer p.deliverMu.Unlock()

	p.mu.Lock()
	if gen != p.gen {
		p.mu.Unlock()
		p.metrics.RecordNotificationDropped()
		return
	}
	if n.Err != nil {
		p.mu.Unlock()
		slog.Warn("task subscription reported error", slog.String("error", n.Err.Error()))
		p.errorObservers.notify(n.Err)
		return
	}

	tasks := make([]model.Task, len(n.Tasks))
	copy(tasks, n.Tasks)
	syncstore.SortByCreation(tasks)
	p.tasks = tasks
	p.mu.Unlock()

	p.metrics.RecordNotificationApplied()
	p.metrics.SetTaskCount(len(tasks))

	out := make([]model.Task, len(tasks))
	copy(out, tasks)
	p.listObservers.notify(out)
}

func (p *Projection) currentSession() (*model.Session, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.session == nil {
		return nil, model.NewStoreError(model.StoreErrNotAuthenticated, "サインインしていません。", nil)
	}
	return p.session, nil
}

func (p *Projection) contains(id string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, t := range p.tasks {
		if t.ID == id {
			return true
		}
	}
	return false
}

func (p *Projection) finishIntent(op string, err error, start time.Time) {
	p.metrics.RecordTaskIntent(op, err, time.Since(start))
	if err == nil {
		return
	}

	slog.Warn("task intent failed",
		slog.String("op", op),
		slog.String("result", metrics.ResultLabel(err)),
		slog.String("error", err.Error()),
	)
	p.reportError(err)
}

func (p *Projection) reportError(err error) {
	var storeErr *model.StoreError
	if !errors.As(err, &storeErr) {
		err = model.NewStoreError(model.StoreErrWriteFailed, "ストアへの書き込みに失敗しました。", err)
	}
	p.loop.Post(func() { p.errorObservers.notify(err) })
}
