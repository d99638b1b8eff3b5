package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/tasktracker/internal/model"
)

// PostgresTaskRepo はPostgreSQLを使用したタスクリポジトリ。
// tasksテーブルへの変更はトリガーによりtask_changesチャネルへNOTIFYされる。
type PostgresTaskRepo struct {
	db *sql.DB
}

// NewPostgresTaskRepo はPostgresTaskRepoを生成する。
func NewPostgresTaskRepo(db *sql.DB) *PostgresTaskRepo {
	return &PostgresTaskRepo{db: db}
}

// ListByPartition はパーティション内の全タスクをID昇順で返す。
func (r *PostgresTaskRepo) ListByPartition(ctx context.Context, partition string) ([]model.Task, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, partition, name, status, created_at
		 FROM tasks
		 WHERE partition = $1
		 ORDER BY id ASC`,
		partition,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	tasks := make([]model.Task, 0)
	for rows.Next() {
		var t model.Task
		var status string
		if err := rows.Scan(&t.ID, &t.Partition, &t.Name, &status, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		t.Status = model.ParseTaskStatus(status)
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate tasks: %w", err)
	}

	return tasks, nil
}

// Create はタスクを作成する。
func (r *PostgresTaskRepo) Create(ctx context.Context, task *model.Task) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO tasks (id, partition, name, status, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		task.ID, task.Partition, task.Name, string(task.Status), task.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert task: %w", err)
	}
	return nil
}

// UpdateStatus はタスクのステータスを更新する。
func (r *PostgresTaskRepo) UpdateStatus(ctx context.Context, partition, id string, status model.TaskStatus) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE tasks SET status = $1 WHERE id = $2 AND partition = $3`,
		string(status), id, partition,
	)
	if err != nil {
		return fmt.Errorf("failed to update task status: %w", err)
	}
	return requireAffected(result, id)
}

// Delete はタスクを削除する。
func (r *PostgresTaskRepo) Delete(ctx context.Context, partition, id string) error {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM tasks WHERE id = $1 AND partition = $2`,
		id, partition,
	)
	if err != nil {
		return fmt.Errorf("failed to delete task: %w", err)
	}
	return requireAffected(result, id)
}

// requireAffected は更新件数が0の場合にErrTaskNotFoundを返す。
func requireAffected(result sql.Result, id string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("%w: %s", model.ErrTaskNotFound, id)
	}
	return nil
}

// compile-time interface check
var _ TaskRepository = (*PostgresTaskRepo)(nil)
