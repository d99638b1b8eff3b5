// Package syncstore はタスクの同期ストアを提供する。
// ストアはパーティション単位のライブ購読と書き込みを受け付け、
// 変更のたびにパーティション全体の新しいスナップショットを通知する。
package syncstore

import (
	"context"
	"sort"

	"github.com/hitoshi/tasktracker/internal/model"
)

// Notification は購読者へ配信される変更通知。
// Errが非nilの場合Tasksは無効で、購読自体は継続する。
type Notification struct {
	Partition string
	Tasks     []model.Task
	Err       error
}

// Handler は通知を受け取るコールバック。
// 1つの購読に対してはストアが発行した順に逐次呼び出される。
type Handler func(Notification)

// Subscription はライブ購読のハンドル。
type Subscription interface {
	// Cancel は購読を解除する。冪等。
	// 解除と並行して配信中の通知が1件届く可能性がある。
	Cancel()
}

// Store はタスク同期ストアのインターフェース。
type Store interface {
	// Subscribe はパーティションのライブ購読を開始する。
	// 登録直後に現在のスナップショットが1回通知される。
	Subscribe(ctx context.Context, partition string, fn Handler) (Subscription, error)

	// Create はタスクを作成する。task.Partitionが書き込み先になる。
	Create(ctx context.Context, task model.Task) error

	// UpdateStatus はタスクのステータスを更新する。
	// 対象が存在しない場合はmodel.ErrTaskNotFoundをラップして返す。
	UpdateStatus(ctx context.Context, partition, id string, status model.TaskStatus) error

	// Delete はタスクを削除する。
	// 対象が存在しない場合はmodel.ErrTaskNotFoundをラップして返す。
	Delete(ctx context.Context, partition, id string) error
}

// SortByCreation はタスクをID昇順（UUIDv7のため作成順）に並べ替える。
func SortByCreation(tasks []model.Task) {
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].ID < tasks[j].ID
	})
}

// cloneTasks はスナップショットを共有しないようにコピーする。
func cloneTasks(tasks []model.Task) []model.Task {
	out := make([]model.Task, len(tasks))
	copy(out, tasks)
	return out
}
