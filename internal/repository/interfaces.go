// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"

	"github.com/hitoshi/tasktracker/internal/model"
)

// UserRepository はユーザーデータの永続化インターフェース。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByUsername はユーザー名でユーザーを検索する。見つからない場合はnilを返す。
	FindByUsername(ctx context.Context, username string) (*model.User, error)

	// Create はユーザーを作成する。
	// ユーザー名が重複する場合はドライバのユニーク制約違反エラーをラップして返す。
	Create(ctx context.Context, user *model.User) error
}

// SessionRepository はセッションデータの永続化インターフェース。
type SessionRepository interface {
	// Create はセッションを作成する。
	Create(ctx context.Context, session *model.Session) error
	// FindByID は指定IDのセッションを取得する。期限切れの場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Session, error)
	// DeleteByID は指定IDのセッションを削除する。
	DeleteByID(ctx context.Context, id string) error
}

// TaskRepository はタスクデータの永続化インターフェース。
// すべての操作はパーティション（ユーザーID）を条件に含める。
type TaskRepository interface {
	// ListByPartition はパーティション内の全タスクをID昇順（作成順）で返す。
	ListByPartition(ctx context.Context, partition string) ([]model.Task, error)

	// Create はタスクを作成する。
	Create(ctx context.Context, task *model.Task) error

	// UpdateStatus はタスクのステータスを更新する。
	// 対象が存在しない場合はmodel.ErrTaskNotFoundを返す。
	UpdateStatus(ctx context.Context, partition, id string, status model.TaskStatus) error

	// Delete はタスクを削除する。
	// 対象が存在しない場合はmodel.ErrTaskNotFoundを返す。
	Delete(ctx context.Context, partition, id string) error
}
