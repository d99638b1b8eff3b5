package syncstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/hitoshi/tasktracker/internal/model"
)

// MemoryStore はプロセス内で完結するStore実装。
// STORE_BACKEND=memory での起動とテストで使用する。
type MemoryStore struct {
	mu       sync.Mutex
	tasks    map[string]map[string]model.Task
	subs     map[string]map[*memorySubscription]struct{}
	writeErr error
}

// NewMemoryStore はMemoryStoreを生成する。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks: make(map[string]map[string]model.Task),
		subs:  make(map[string]map[*memorySubscription]struct{}),
	}
}

// SetWriteError は以降の書き込みを指定エラーで失敗させる。nilで解除する。
// ストア到達不能のシミュレーションに使う。
func (s *MemoryStore) SetWriteError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeErr = err
}

// SubscriberCount はパーティションの有効な購読数を返す。
func (s *MemoryStore) SubscriberCount(partition string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs[partition])
}

// Subscribe はパーティションのライブ購読を開始する。
func (s *MemoryStore) Subscribe(ctx context.Context, partition string, fn Handler) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sub := &memorySubscription{
		store:     s,
		partition: partition,
		fn:        fn,
		wake:      make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}

	s.mu.Lock()
	if s.subs[partition] == nil {
		s.subs[partition] = make(map[*memorySubscription]struct{})
	}
	s.subs[partition][sub] = struct{}{}
	sub.enqueue(Notification{Partition: partition, Tasks: s.snapshotLocked(partition)})
	s.mu.Unlock()

	go sub.deliverLoop()

	return sub, nil
}

// Create はタスクを作成する。
func (s *MemoryStore) Create(ctx context.Context, task model.Task) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writeErr != nil {
		return s.writeErr
	}

	if s.tasks[task.Partition] == nil {
		s.tasks[task.Partition] = make(map[string]model.Task)
	}
	if _, exists := s.tasks[task.Partition][task.ID]; exists {
		return fmt.Errorf("task already exists: %s", task.ID)
	}
	s.tasks[task.Partition][task.ID] = task
	s.publishLocked(task.Partition)
	return nil
}

// UpdateStatus はタスクのステータスを更新する。
func (s *MemoryStore) UpdateStatus(ctx context.Context, partition, id string, status model.TaskStatus) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writeErr != nil {
		return s.writeErr
	}

	task, ok := s.tasks[partition][id]
	if !ok {
		return fmt.Errorf("%w: %s", model.ErrTaskNotFound, id)
	}
	task.Status = status
	s.tasks[partition][id] = task
	s.publishLocked(partition)
	return nil
}

// Delete はタスクを削除する。
func (s *MemoryStore) Delete(ctx context.Context, partition, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.writeErr != nil {
		return s.writeErr
	}

	if _, ok := s.tasks[partition][id]; !ok {
		return fmt.Errorf("%w: %s", model.ErrTaskNotFound, id)
	}
	delete(s.tasks[partition], id)
	s.publishLocked(partition)
	return nil
}

// snapshotLocked はパーティションのスナップショットを作成順で返す。s.muを保持して呼ぶこと。
func (s *MemoryStore) snapshotLocked(partition string) []model.Task {
	tasks := make([]model.Task, 0, len(s.tasks[partition]))
	for _, t := range s.tasks[partition] {
		tasks = append(tasks, t)
	}
	SortByCreation(tasks)
	return tasks
}

// publishLocked は購読者のキューへスナップショットを積む。s.muを保持して呼ぶこと。
// 書き込み順とキュー投入順が一致するため、購読ごとの配信順序が保たれる。
func (s *MemoryStore) publishLocked(partition string) {
	subs := s.subs[partition]
	if len(subs) == 0 {
		return
	}
	snapshot := s.snapshotLocked(partition)
	for sub := range subs {
		sub.enqueue(Notification{Partition: partition, Tasks: cloneTasks(snapshot)})
	}
}

func (s *MemoryStore) unsubscribe(sub *memorySubscription) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs[sub.partition], sub)
	if len(s.subs[sub.partition]) == 0 {
		delete(s.subs, sub.partition)
	}
}

// memorySubscription は購読ごとの配信キューと配信goroutineを持つ。
type memorySubscription struct {
	store     *MemoryStore
	partition string
	fn        Handler

	mu    sync.Mutex
	queue []Notification

	wake chan struct{}
	stop chan struct{}
	once sync.Once
}

// Cancel は購読を解除する。冪等。
func (sub *memorySubscription) Cancel() {
	sub.once.Do(func() {
		sub.store.unsubscribe(sub)
		close(sub.stop)
	})
}

func (sub *memorySubscription) enqueue(n Notification) {
	sub.mu.Lock()
	sub.queue = append(sub.queue, n)
	sub.mu.Unlock()

	select {
	case sub.wake <- struct{}{}:
	default:
	}
}

func (sub *memorySubscription) deliverLoop() {
	for {
		sub.mu.Lock()
		batch := sub.queue
		sub.queue = nil
		sub.mu.Unlock()

		for _, n := range batch {
			select {
			case <-sub.stop:
				return
			default:
			}
			sub.fn(n)
		}

		if len(batch) > 0 {
			continue
		}

		select {
		case <-sub.stop:
			return
		case <-sub.wake:
		}
	}
}

// compile-time interface check
var _ Store = (*MemoryStore)(nil)
