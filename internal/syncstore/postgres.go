package syncstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lib/pq"

	"github.com/hitoshi/tasktracker/internal/database"
	"github.com/hitoshi/tasktracker/internal/model"
	"github.com/hitoshi/tasktracker/internal/repository"
)

// listenerPingInterval はアイドル時に接続の生存確認を行う間隔。
const listenerPingInterval = 90 * time.Second

// Listener はLISTEN/NOTIFYの受信口。*pq.Listenerが満たす。
type Listener interface {
	Listen(channel string) error
	NotificationChannel() <-chan *pq.Notification
	Ping() error
	Close() error
}

// NewListener はtasksの変更通知を受け取るpq.Listenerを生成する。
// 接続状態の遷移（接続・切断・再接続）をログに記録する。
func NewListener(databaseURL string, minReconnect, maxReconnect time.Duration, logger *slog.Logger) *pq.Listener {
	return pq.NewListener(databaseURL, minReconnect, maxReconnect, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnected:
			logger.Info("sync listener connected")
		case pq.ListenerEventDisconnected:
			logger.Warn("sync listener disconnected", slog.String("error", errString(err)))
		case pq.ListenerEventReconnected:
			logger.Info("sync listener reconnected")
		case pq.ListenerEventConnectionAttemptFailed:
			logger.Warn("sync listener connection attempt failed", slog.String("error", errString(err)))
		}
	})
}

// PostgresStore はPostgreSQLのtasksテーブルとLISTEN/NOTIFYによるStore実装。
// 通知を受けたパーティションを再読み込みし、1つのgoroutineから順に配信する。
type PostgresStore struct {
	repo     repository.TaskRepository
	listener Listener
	logger   *slog.Logger

	mu   sync.Mutex
	subs map[string]map[*pgSubscription]struct{}

	initial chan *pgSubscription
	done    chan struct{}
}

// NewPostgresStore はPostgresStoreを生成する。Startを呼ぶまで通知は配信されない。
func NewPostgresStore(repo repository.TaskRepository, listener Listener, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{
		repo:     repo,
		listener: listener,
		logger:   logger,
		subs:     make(map[string]map[*pgSubscription]struct{}),
		initial:  make(chan *pgSubscription, 64),
		done:     make(chan struct{}),
	}
}

// Start はtask_changesチャネルのLISTENを開始し、配信goroutineを起動する。
func (s *PostgresStore) Start(ctx context.Context) error {
	if err := s.listener.Listen(database.TaskChangesChannel); err != nil {
		return fmt.Errorf("failed to listen on %s: %w", database.TaskChangesChannel, err)
	}
	go s.run(ctx)
	return nil
}

// Done は配信goroutineの終了時にcloseされるチャネルを返す。
func (s *PostgresStore) Done() <-chan struct{} {
	return s.done
}

// Close はリスナー接続を閉じる。
func (s *PostgresStore) Close() error {
	return s.listener.Close()
}

// Subscribe はパーティションのライブ購読を開始する。
// 初回スナップショットは配信goroutineから送られるため、以降の通知と順序が入れ替わらない。
func (s *PostgresStore) Subscribe(ctx context.Context, partition string, fn Handler) (Subscription, error) {
	sub := &pgSubscription{store: s, partition: partition, fn: fn}

	s.mu.Lock()
	if s.subs[partition] == nil {
		s.subs[partition] = make(map[*pgSubscription]struct{})
	}
	s.subs[partition][sub] = struct{}{}
	s.mu.Unlock()

	select {
	case s.initial <- sub:
		return sub, nil
	case <-s.done:
		sub.Cancel()
		return nil, fmt.Errorf("sync store is stopped")
	case <-ctx.Done():
		sub.Cancel()
		return nil, ctx.Err()
	}
}

// Create はタスクを作成する。
func (s *PostgresStore) Create(ctx context.Context, task model.Task) error {
	return s.repo.Create(ctx, &task)
}

// UpdateStatus はタスクのステータスを更新する。
func (s *PostgresStore) UpdateStatus(ctx context.Context, partition, id string, status model.TaskStatus) error {
	return s.repo.UpdateStatus(ctx, partition, id, status)
}

// Delete はタスクを削除する。
func (s *PostgresStore) Delete(ctx context.Context, partition, id string) error {
	return s.repo.Delete(ctx, partition, id)
}

// run は通知と初回配信要求を1つのgoroutineで逐次処理する。
func (s *PostgresStore) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(listenerPingInterval)
	defer ticker.Stop()

	notifications := s.listener.NotificationChannel()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("sync store stopped")
			return

		case sub := <-s.initial:
			if sub.cancelled.Load() {
				continue
			}
			tasks, err := s.load(ctx, sub.partition)
			sub.deliver(Notification{Partition: sub.partition, Tasks: tasks, Err: err})

		case n, ok := <-notifications:
			if !ok {
				s.logger.Warn("sync listener channel closed")
				return
			}
			if n == nil {
				// 再接続後は取りこぼした通知があり得るため全パーティションを再配信する
				s.refreshAll(ctx)
				continue
			}
			s.refresh(ctx, n.Extra)

		case <-ticker.C:
			if err := s.listener.Ping(); err != nil {
				s.logger.Warn("sync listener ping failed", slog.String("error", err.Error()))
			}
		}
	}
}

// refresh はパーティションを再読み込みし、全購読者へ配信する。
func (s *PostgresStore) refresh(ctx context.Context, partition string) {
	subs := s.subscribers(partition)
	if len(subs) == 0 {
		return
	}

	tasks, err := s.load(ctx, partition)
	for _, sub := range subs {
		sub.deliver(Notification{Partition: partition, Tasks: cloneTasks(tasks), Err: err})
	}
}

func (s *PostgresStore) refreshAll(ctx context.Context) {
	s.mu.Lock()
	partitions := make([]string, 0, len(s.subs))
	for p := range s.subs {
		partitions = append(partitions, p)
	}
	s.mu.Unlock()

	for _, p := range partitions {
		s.refresh(ctx, p)
	}
}

func (s *PostgresStore) load(ctx context.Context, partition string) ([]model.Task, error) {
	tasks, err := s.repo.ListByPartition(ctx, partition)
	if err != nil {
		s.logger.Error("failed to load partition snapshot",
			slog.String("partition", partition),
			slog.String("error", err.Error()),
		)
		return nil, model.NewStoreError(model.StoreErrSubscriptionFailed, "タスク一覧の取得に失敗しました。", err)
	}
	SortByCreation(tasks)
	return tasks, nil
}

func (s *PostgresStore) subscribers(partition string) []*pgSubscription {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs := make([]*pgSubscription, 0, len(s.subs[partition]))
	for sub := range s.subs[partition] {
		subs = append(subs, sub)
	}
	return subs
}

func (s *PostgresStore) unsubscribe(sub *pgSubscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs[sub.partition], sub)
	if len(s.subs[sub.partition]) == 0 {
		delete(s.subs, sub.partition)
	}
}

// pgSubscription はPostgresStoreの購読ハンドル。
type pgSubscription struct {
	store     *PostgresStore
	partition string
	fn        Handler
	cancelled atomic.Bool
}

// Cancel は購読を解除する。冪等。
func (sub *pgSubscription) Cancel() {
	if sub.cancelled.Swap(true) {
		return
	}
	sub.store.unsubscribe(sub)
}

func (sub *pgSubscription) deliver(n Notification) {
	if sub.cancelled.Load() {
		return
	}
	sub.fn(n)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// compile-time interface checks
var (
	_ Store    = (*PostgresStore)(nil)
	_ Listener = (*pq.Listener)(nil)
)
