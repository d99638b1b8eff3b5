// Package dispatch はUIアフィニティを持つ単一の実行コンテキストを提供する。
// セッション状態やタスク一覧の変更通知はすべてこのループ上で配信され、
// 表示層が更新途中の状態を観測しないことを保証する。
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"
)

// ErrStopped はループ停止後に投入された処理を表す。
var ErrStopped = errors.New("dispatch loop stopped")

// Loop は投入されたクロージャを1つのgoroutineでFIFO順に実行する。
type Loop struct {
	logger *slog.Logger

	mu      sync.Mutex
	queue   []func()
	stopped bool

	wake chan struct{}
	done chan struct{}
}

// New はLoopを生成する。Runを呼ぶまで投入された処理は実行されない。
func New(logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		logger: logger,
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
}

// Start はバックグラウンドgoroutineでRunを開始する。
func (l *Loop) Start(ctx context.Context) {
	go l.Run(ctx)
}

// Run はコンテキストがキャンセルされるまで投入された処理を順に実行する。
// 停止時点でキューに残っている処理は破棄される。
func (l *Loop) Run(ctx context.Context) {
	defer func() {
		l.mu.Lock()
		l.stopped = true
		dropped := len(l.queue)
		l.queue = nil
		l.mu.Unlock()
		close(l.done)

		if dropped > 0 {
			l.logger.Warn("dispatch loop stopped with pending work",
				slog.Int("dropped", dropped),
			)
		}
	}()

	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		l.mu.Unlock()

		for _, fn := range batch {
			if ctx.Err() != nil {
				return
			}
			l.run(fn)
		}

		if len(batch) > 0 {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-l.wake:
		}
	}
}

// Post は処理をキューに追加する。呼び出し元をブロックしない。
// ループ停止後はfalseを返し、処理は実行されない。
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Do は処理をキューに追加し、ループ上で実行が完了するまで待機する。
// ループのgoroutine自身から呼び出してはならない（デッドロックする）。
func (l *Loop) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrStopped
	}

	select {
	case <-finished:
		return nil
	case <-l.done:
		// 停止と同時に実行済みの可能性がある
		select {
		case <-finished:
			return nil
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Flush はこれまでに投入された処理がすべて実行されるまで待機する。
func (l *Loop) Flush(ctx context.Context) error {
	return l.Do(ctx, func() {})
}

// Done はループ停止時にcloseされるチャネルを返す。
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// run は1つの処理を実行する。panicはループを止めずにログへ記録する。
func (l *Loop) run(fn func()) {
	defer func() {
		if rec := recover(); rec != nil {
			l.logger.Error("panic recovered in dispatch loop",
				slog.Any("panic", rec),
				slog.String("stack", string(debug.Stack())),
			)
		}
	}()
	fn()
}
