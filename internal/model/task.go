package model

import "time"

// TaskStatus はタスクの進捗状態を表す。
type TaskStatus string

const (
	TaskStatusOpen       TaskStatus = "Open"
	TaskStatusInProgress TaskStatus = "InProgress"
	TaskStatusComplete   TaskStatus = "Complete"
)

// Valid は定義済みのステータスかどうかを返す。
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskStatusOpen, TaskStatusInProgress, TaskStatusComplete:
		return true
	}
	return false
}

// ParseTaskStatus は保存値からTaskStatusを復元する。
// 未知の値はOpenとして扱う。
func ParseTaskStatus(s string) TaskStatus {
	st := TaskStatus(s)
	if !st.Valid() {
		return TaskStatusOpen
	}
	return st
}

// Task はユーザーのタスクを表す。
// IDはUUIDv7で、文字列順がそのまま作成順になる。
type Task struct {
	ID        string
	Partition string
	Name      string
	Status    TaskStatus
	CreatedAt time.Time
}
